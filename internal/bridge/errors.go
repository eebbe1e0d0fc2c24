package bridge

import "errors"

// Error kinds. Every error returned by a Session wraps exactly one of these,
// so callers decide with errors.Is.
var (
	// ErrConfiguration: bad or missing module path or pipeline file.
	ErrConfiguration = errors.New("configuration error")
	// ErrResource: no local port could be allocated.
	ErrResource = errors.New("resource error")
	// ErrConnection: the socket to the worker could not be opened or used.
	// The session is unusable afterwards.
	ErrConnection = errors.New("connection error")
	// ErrPipeline: the worker rejected the pipeline definition.
	ErrPipeline = errors.New("pipeline error")
	// ErrProtocol: a malformed or unexpected exchange.
	ErrProtocol = errors.New("protocol error")
	// ErrCompute: the worker failed to analyse one unit of work. The session
	// stays usable.
	ErrCompute = errors.New("analysis error")
	// ErrNotReady: the operation needs a loaded pipeline or a finished run.
	ErrNotReady = errors.New("session not ready")
	// ErrClosed: the session was closed.
	ErrClosed = errors.New("session closed")

	ErrUnknownTable   = errors.New("unknown result table")
	ErrUnknownFeature = errors.New("unknown feature")
)

// RowScoped reports whether err only invalidates the current unit of work
// and the session can go on with the next row.
func RowScoped(err error) bool {
	return errors.Is(err, ErrCompute)
}
