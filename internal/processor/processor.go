// Package processor turns host rows into analysis results: it feeds each
// row's bound images through a bridge session and collects every feature the
// worker reports.
package processor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/andresmejia3/cellbridge/internal/bridge"
	"github.com/andresmejia3/cellbridge/internal/imaging"
	"github.com/andresmejia3/cellbridge/internal/measurement"
	"github.com/rs/zerolog"
)

// ErrInput marks a row whose own images could not be read.
var ErrInput = errors.New("row input")

// Session is the part of a bridge session the processor drives.
// *bridge.Session implements it.
type Session interface {
	InputChannels() []string
	ResultTables() []string
	Run(ctx context.Context, images map[string]imaging.Image) error
	RunGroup(ctx context.Context, images map[string]imaging.Image) error
	Features(table string) ([]bridge.FeatureDescription, error)
	Measurements(table string, f bridge.FeatureDescription) (measurement.FeatureValueSet, error)
}

// Row is one host row.
type Row interface {
	Key() string
	Image(column string) (imaging.Image, error)
}

// Sink receives the result of every successful row.
type Sink interface {
	Put(ctx context.Context, r *measurement.Result) error
}

// Processor runs rows through one session with a fixed set of bindings.
type Processor struct {
	session  Session
	bindings []Binding
	logger   zerolog.Logger
}

// New checks that bindings cover every input channel of the loaded pipeline.
func New(s Session, bindings []Binding, logger zerolog.Logger) (*Processor, error) {
	bound := make(map[string]bool, len(bindings))
	for _, b := range bindings {
		bound[b.Channel] = true
	}
	for _, ch := range s.InputChannels() {
		if !bound[ch] {
			return nil, fmt.Errorf("%w: channel %q is not bound", bridge.ErrConfiguration, ch)
		}
	}
	return &Processor{
		session:  s,
		bindings: append([]Binding(nil), bindings...),
		logger:   logger.With().Str("component", "processor").Logger(),
	}, nil
}

// Bindings returns the channel bindings in use.
func (p *Processor) Bindings() []Binding { return append([]Binding(nil), p.bindings...) }

// Process analyses one row. If any bound image has more than two
// dimensions the whole image set goes through a group run.
func (p *Processor) Process(ctx context.Context, row Row) (*measurement.Result, error) {
	key := row.Key()

	// 1. Collect and normalize the bound images
	images := make(map[string]imaging.Image, len(p.bindings))
	group := false
	for _, b := range p.bindings {
		img, err := row.Image(b.Column)
		if err != nil {
			return nil, fmt.Errorf("row %s: %w: channel %s: %v", key, ErrInput, b.Channel, err)
		}
		norm := imaging.Normalize(img)
		if imaging.IsGrouped(norm) {
			group = true
		}
		images[b.Channel] = norm
	}

	// 2. Run the pipeline
	run := p.session.Run
	if group {
		run = p.session.RunGroup
	}
	if err := run(ctx, images); err != nil {
		return nil, fmt.Errorf("row %s: %w", key, err)
	}

	// 3. Pull every feature of every result table
	res := measurement.NewResult(key)
	for _, name := range p.session.ResultTables() {
		features, err := p.session.Features(name)
		if err != nil {
			return nil, fmt.Errorf("row %s: %w", key, err)
		}
		t := measurement.NewTable()
		for _, f := range features {
			v, err := p.session.Measurements(name, f)
			if err != nil {
				return nil, fmt.Errorf("row %s: %w", key, err)
			}
			if err := t.Add(v); err != nil {
				return nil, fmt.Errorf("row %s: %w: table %s: %v", key, bridge.ErrProtocol, name, err)
			}
		}
		res.Set(name, t)
	}

	p.logger.Debug().Str("row", key).Bool("group", group).Int("tables", res.Len()).Msg("row analysed")
	return res, nil
}

// Options controls ProcessTable.
type Options struct {
	// SkipFailedRows continues past rows that failed on their own account
	// (an analysis failure in the worker or unreadable images). Any other
	// error always aborts.
	SkipFailedRows bool
	// OnRowError is called for every failed row before it is skipped or
	// the run aborts.
	OnRowError func(key string, err error)
	// OnRowDone is called after every row, successful or not.
	OnRowDone func(key string)
}

// Summary counts what ProcessTable did.
type Summary struct {
	Rows      int
	Succeeded int
	Skipped   []string
	Elapsed   time.Duration
}

// Skippable reports whether err only concerns the row it occurred on.
func Skippable(err error) bool {
	return bridge.RowScoped(err) || errors.Is(err, ErrInput)
}

// ProcessTable processes rows in order and hands each result to sink.
// Cancellation is honoured between rows; an in-flight run is interrupted
// only through the session.
func (p *Processor) ProcessTable(ctx context.Context, rows []Row, sink Sink, opts Options) (Summary, error) {
	start := time.Now()
	sum := Summary{Rows: len(rows)}

	for _, row := range rows {
		if err := ctx.Err(); err != nil {
			sum.Elapsed = time.Since(start)
			return sum, err
		}

		key := row.Key()
		res, err := p.Process(ctx, row)
		if err == nil && sink != nil {
			if perr := sink.Put(ctx, res); perr != nil {
				sum.Elapsed = time.Since(start)
				return sum, fmt.Errorf("store row %s: %w", key, perr)
			}
		}
		if opts.OnRowDone != nil {
			opts.OnRowDone(key)
		}
		if err == nil {
			sum.Succeeded++
			continue
		}

		if opts.OnRowError != nil {
			opts.OnRowError(key, err)
		}
		if opts.SkipFailedRows && Skippable(err) {
			p.logger.Warn().Err(err).Str("row", key).Msg("row skipped")
			sum.Skipped = append(sum.Skipped, key)
			continue
		}
		sum.Elapsed = time.Since(start)
		return sum, err
	}
	sum.Elapsed = time.Since(start)
	return sum, nil
}
