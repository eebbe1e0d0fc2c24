// Package store persists analysis results: to PostgreSQL, or to a binary
// results file that can be compressed.
package store

import (
	"context"
	"errors"

	"github.com/andresmejia3/cellbridge/internal/measurement"
)

// Sink receives the result of each processed row.
type Sink interface {
	Put(ctx context.Context, r *measurement.Result) error
	Close(ctx context.Context) error
}

// Multi fans every result out to all sinks in order.
func Multi(sinks ...Sink) Sink {
	return multi(sinks)
}

type multi []Sink

func (m multi) Put(ctx context.Context, r *measurement.Result) error {
	for _, s := range m {
		if err := s.Put(ctx, r); err != nil {
			return err
		}
	}
	return nil
}

// Close closes every sink, even after a failure, and joins the errors.
func (m multi) Close(ctx context.Context) error {
	var errs []error
	for _, s := range m {
		errs = append(errs, s.Close(ctx))
	}
	return errors.Join(errs...)
}
