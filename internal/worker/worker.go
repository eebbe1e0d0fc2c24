// Package worker runs the external analysis engine as a child process and
// forwards everything it prints to the logger.
package worker

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const (
	// tailLines is how many stderr lines are kept for crash reports.
	tailLines = 50
	// maxLine bounds one scanned line; longer output is discarded.
	maxLine = 1024 * 1024
	// killGrace is how long Close waits for the streams to close after the
	// kill before closing them itself (grandchildren may hold them open).
	killGrace = 5 * time.Second
)

// Spec describes the command line of a worker process.
type Spec struct {
	Path string
	Args []string
	// Env is appended to the parent environment.
	Env []string
}

// Process is a running worker. Its stdout and stderr are drained by two
// background listeners for the whole life of the process.
type Process struct {
	cmd    *exec.Cmd
	logger zerolog.Logger
	tail   *tail

	stdout io.ReadCloser
	stderr io.ReadCloser

	done      chan struct{}
	waitErr   error
	closeOnce sync.Once
}

// Start launches the process described by spec. The process is not tied to
// any context; it lives until Close.
func Start(spec Spec, logger zerolog.Logger) (*Process, error) {
	cmd := exec.Command(spec.Path, spec.Args...)
	if len(spec.Env) > 0 {
		cmd.Env = append(os.Environ(), spec.Env...)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdout.Close()
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		stdout.Close()
		stderr.Close()
		return nil, fmt.Errorf("worker %s failed to start: %w", spec.Path, err)
	}

	p := &Process{
		cmd:    cmd,
		logger: logger.With().Int("pid", cmd.Process.Pid).Logger(),
		tail:   newTail(tailLines),
		stdout: stdout,
		stderr: stderr,
		done:   make(chan struct{}),
	}

	var g errgroup.Group
	g.Go(func() error { return p.drain(stdout, "stdout", zerolog.DebugLevel, nil) })
	g.Go(func() error { return p.drain(stderr, "stderr", zerolog.WarnLevel, p.tail) })

	// Wait must not run before the listeners have read everything.
	go func() {
		_ = g.Wait()
		p.waitErr = cmd.Wait()
		close(p.done)
	}()

	p.logger.Debug().Str("path", spec.Path).Strs("args", spec.Args).Msg("worker started")
	return p, nil
}

// drain forwards each line of r to the logger until the stream closes. A
// closed stream is the normal end of a listener, not an error.
func (p *Process) drain(r io.Reader, stream string, level zerolog.Level, keep *tail) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLine)
	for scanner.Scan() {
		line := scanner.Text()
		p.logger.WithLevel(level).Str("stream", stream).Msg(line)
		if keep != nil {
			keep.add(line)
		}
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, os.ErrClosed) {
		p.logger.Debug().Err(err).Str("stream", stream).Msg("listener stopped early, discarding rest of stream")
		_, _ = io.Copy(io.Discard, r)
	}
	return nil
}

// Pid returns the operating system process id.
func (p *Process) Pid() int { return p.cmd.Process.Pid }

// Exited is closed once the process has exited and both streams are drained.
func (p *Process) Exited() <-chan struct{} { return p.done }

// ExitErr is the result of waiting for the process. Only meaningful after
// Exited is closed.
func (p *Process) ExitErr() error {
	select {
	case <-p.done:
		return p.waitErr
	default:
		return nil
	}
}

// StderrTail returns the last lines the worker wrote to stderr.
func (p *Process) StderrTail() []string { return p.tail.lines() }

// Close kills the process and waits for the listeners to finish. It is safe
// to call more than once.
func (p *Process) Close() {
	p.closeOnce.Do(func() {
		if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			p.logger.Debug().Err(err).Msg("kill failed")
		}
		select {
		case <-p.done:
		case <-time.After(killGrace):
			p.stdout.Close()
			p.stderr.Close()
			<-p.done
		}
		p.logger.Debug().Msg("worker stopped")
	})
}

// tail is a bounded ring of the most recent lines.
type tail struct {
	mu   sync.Mutex
	buf  []string
	next int
	full bool
}

func newTail(n int) *tail { return &tail{buf: make([]string, n)} }

func (t *tail) add(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf[t.next] = line
	t.next = (t.next + 1) % len(t.buf)
	if t.next == 0 {
		t.full = true
	}
}

func (t *tail) lines() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.full {
		return append([]string(nil), t.buf[:t.next]...)
	}
	out := make([]string, 0, len(t.buf))
	out = append(out, t.buf[t.next:]...)
	return append(out, t.buf[:t.next]...)
}
