// Package logging builds the process logger. The returned logger serialises
// writes, so session listeners of several workers can share it.
package logging

import (
	"fmt"
	"io"
	"strings"

	"github.com/rs/zerolog"
)

// New returns a logger writing to w at the given level ("debug", "info",
// "warn", ...). pretty selects human-readable console output instead of
// JSON lines.
func New(w io.Writer, level string, pretty bool) (zerolog.Logger, error) {
	lvl, err := ParseLevel(level)
	if err != nil {
		return zerolog.Nop(), err
	}

	out := zerolog.SyncWriter(w)
	if pretty {
		out = zerolog.SyncWriter(zerolog.ConsoleWriter{
			Out:        w,
			TimeFormat: "15:04:05.000",
			FormatLevel: func(i interface{}) string {
				return strings.ToUpper(fmt.Sprintf("%-5s", i))
			},
		})
	}

	return zerolog.New(out).Level(lvl).With().Timestamp().Logger(), nil
}

// ParseLevel accepts zerolog level names in any case; empty means info.
func ParseLevel(level string) (zerolog.Level, error) {
	if strings.TrimSpace(level) == "" {
		return zerolog.InfoLevel, nil
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		return zerolog.NoLevel, fmt.Errorf("invalid log level %q", level)
	}
	return lvl, nil
}
