package daemon

import (
	"bytes"
	"errors"
	"os"
	"os/exec"
	"sync"
	"syscall"
)

const (
	// maxStderrBytes caps the amount of worker stderr kept for diagnostics.
	maxStderrBytes = 64 * 1024
)

// process is the controllable side of a spawned worker, separated from the
// handle so the IPC logic is testable without real processes.
type process interface {
	PID() int
	Kill() error
	// Done is closed once the process has been reaped.
	Done() <-chan struct{}
	// ExitCode is valid only after Done is closed.
	ExitCode() (int, bool)
}

// osProcess wraps an exec.Cmd with a single reap goroutine; everyone else
// watches Done instead of calling Wait.
type osProcess struct {
	cmd  *exec.Cmd
	done chan struct{}

	mu   sync.Mutex
	code int
	ok   bool
}

var _ process = (*osProcess)(nil)

// newOSProcess takes ownership of a started cmd and begins reaping it.
func newOSProcess(cmd *exec.Cmd) *osProcess {
	p := &osProcess{cmd: cmd, done: make(chan struct{})}
	go p.reap()
	return p
}

func (p *osProcess) reap() {
	err := p.cmd.Wait()
	p.mu.Lock()
	p.code, p.ok = exitCodeFromError(err)
	p.mu.Unlock()
	close(p.done)
}

func (p *osProcess) PID() int {
	return p.cmd.Process.Pid
}

func (p *osProcess) Kill() error {
	err := p.cmd.Process.Kill()
	if err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}

func (p *osProcess) Done() <-chan struct{} {
	return p.done
}

func (p *osProcess) ExitCode() (int, bool) {
	select {
	case <-p.done:
	default:
		return 0, false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.code, p.ok
}

// exitCodeFromError extracts the exit status from a Wait error. A signal
// death maps to the shell convention 128+signal.
func exitCodeFromError(err error) (int, bool) {
	if err == nil {
		return 0, true
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			return 128 + int(ws.Signal()), true
		}
		return exitErr.ExitCode(), true
	}
	return 0, false
}

// stderrTail keeps the most recent maxStderrBytes of worker stderr. The
// tail matters: for a crashed daemon the useful output is what it wrote
// last, not what it wrote at startup.
type stderrTail struct {
	mu  sync.Mutex
	buf []byte
}

func (b *stderrTail) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if len(b.buf) > maxStderrBytes {
		b.buf = b.buf[len(b.buf)-maxStderrBytes:]
	}
	return len(p), nil
}

func (b *stderrTail) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(bytes.TrimSpace(b.buf))
}
