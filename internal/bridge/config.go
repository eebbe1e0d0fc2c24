package bridge

import (
	"fmt"
	"os"
	"time"

	"github.com/andresmejia3/cellbridge/internal/bridge/wire"
	"github.com/rs/zerolog"
)

const (
	DefaultInterpreter    = "python"
	DefaultAddressFlag    = "--knime-bridge-address"
	DefaultConnectTimeout = 30 * time.Second
)

// Config describes how to launch and talk to one worker. It is passed to
// Start by value; a Session never reads process-wide settings.
type Config struct {
	// Interpreter runs the worker module, e.g. "python" or a virtualenv's
	// python binary.
	Interpreter string
	// InterpreterArgs go before the module path.
	InterpreterArgs []string
	// ModulePath is the worker's entry point (CellProfiler's module). It
	// must exist and be a regular file.
	ModulePath string
	// AddressFlag is the option that tells the worker where to listen; the
	// value "tcp://127.0.0.1:<port>" is appended with '='.
	AddressFlag string
	// Env is added to the inherited environment of the worker.
	Env []string

	// ConnectTimeout bounds the wait for the worker to start listening.
	ConnectTimeout time.Duration
	// RequestTimeout bounds every request/response exchange. Zero means no
	// deadline: a run may take as long as the worker needs.
	RequestTimeout time.Duration
	// MaxFrameSize bounds a single frame read from the worker.
	MaxFrameSize int

	// Logger receives session events and the worker's output. It must be
	// safe for concurrent use. Nil discards everything.
	Logger *zerolog.Logger
}

func (c Config) withDefaults() Config {
	if c.Interpreter == "" {
		c.Interpreter = DefaultInterpreter
	}
	if c.AddressFlag == "" {
		c.AddressFlag = DefaultAddressFlag
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.MaxFrameSize <= 0 {
		c.MaxFrameSize = wire.DefaultMaxFrame
	}
	if c.Logger == nil {
		nop := zerolog.Nop()
		c.Logger = &nop
	}
	return c
}

// Validate checks the module path before anything is started.
func (c Config) Validate() error {
	if c.ModulePath == "" {
		return fmt.Errorf("%w: path to worker module not set", ErrConfiguration)
	}
	info, err := os.Stat(c.ModulePath)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: worker module %s does not exist", ErrConfiguration, c.ModulePath)
		}
		return fmt.Errorf("%w: unable to access worker module %s: %v", ErrConfiguration, c.ModulePath, err)
	}
	if info.IsDir() {
		return fmt.Errorf("%w: worker module path %s is a directory", ErrConfiguration, c.ModulePath)
	}
	if c.RequestTimeout < 0 {
		return fmt.Errorf("%w: negative request timeout %s", ErrConfiguration, c.RequestTimeout)
	}
	return nil
}
