package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"sync"
	"syscall"
	"time"

	"github.com/mattjoyce/journeyman/internal/codec"
	"github.com/mattjoyce/journeyman/internal/envelope"
	"github.com/mattjoyce/journeyman/internal/fingerprint"
)

const (
	// terminationGracePeriod is how long a gracefully stopped worker gets
	// to drain and exit before it is killed.
	terminationGracePeriod = 5 * time.Second

	// exitDrainWindow is how long Execute keeps reading after the process
	// exits, in case a final response raced the exit notification.
	exitDrainWindow = 100 * time.Millisecond
)

// Handle is the pool's connection to one live worker process. The pool
// owns the Busy/Idle discipline and never runs two requests at once; the
// handle owns the IPC channel and tears it down exactly once.
type Handle struct {
	id        string
	pid       int
	fp        fingerprint.Fingerprint
	sessionID string
	logLevel  string
	startedAt time.Time

	proc   process
	stdin  io.Closer
	enc    *codec.Encoder
	dec    *codec.Decoder
	stderr *stderrTail
	logger *slog.Logger

	gracePeriod time.Duration

	cleanup     func()
	cleanupOnce sync.Once

	mu     sync.Mutex
	closed bool
}

type handleConfig struct {
	ID          string
	PID         int
	Fingerprint fingerprint.Fingerprint
	SessionID   string
	LogLevel    string
	Proc        process
	Stdin       io.Closer
	Enc         *codec.Encoder
	Dec         *codec.Decoder
	Stderr      *stderrTail
	GracePeriod time.Duration
	Cleanup     func()
	Logger      *slog.Logger
}

func newHandle(cfg handleConfig) *Handle {
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = terminationGracePeriod
	}
	if cfg.Stderr == nil {
		cfg.Stderr = &stderrTail{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	return &Handle{
		id:          cfg.ID,
		pid:         cfg.PID,
		fp:          cfg.Fingerprint,
		sessionID:   cfg.SessionID,
		logLevel:    cfg.LogLevel,
		startedAt:   time.Now().UTC(),
		proc:        cfg.Proc,
		stdin:       cfg.Stdin,
		enc:         cfg.Enc,
		dec:         cfg.Dec,
		stderr:      cfg.Stderr,
		logger:      cfg.Logger.With("daemon_id", cfg.ID),
		gracePeriod: cfg.GracePeriod,
		cleanup:     cfg.Cleanup,
	}
}

// ID returns the daemon identifier the worker announced.
func (h *Handle) ID() string { return h.id }

// PID returns the worker's OS process id.
func (h *Handle) PID() int { return h.pid }

// Fingerprint returns the fingerprint the worker was started with. It
// never changes over the handle's life.
func (h *Handle) Fingerprint() fingerprint.Fingerprint { return h.fp }

// SessionID returns the session that started this worker.
func (h *Handle) SessionID() string { return h.sessionID }

// LogLevel returns the log level in effect in the worker.
func (h *Handle) LogLevel() string { return h.logLevel }

// StartedAt returns when the handshake completed.
func (h *Handle) StartedAt() time.Time { return h.startedAt }

// Done is closed once the worker process has been reaped.
func (h *Handle) Done() <-chan struct{} { return h.proc.Done() }

// Execute ships one request and blocks until its response, a channel
// failure, or ctx cancellation. Cancelling ctx is destructive: an
// abandoned response leaves the channel desynced, so the worker is killed.
func (h *Handle) Execute(ctx context.Context, req *envelope.Request) (*envelope.Response, error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, &ConnectionLostError{DaemonID: h.id, Op: "send", Err: errors.New("daemon is stopped")}
	}
	h.mu.Unlock()

	if err := h.enc.Encode(req); err != nil {
		h.markClosed()
		return nil, h.connectionLost("send", err)
	}

	type outcome struct {
		resp *envelope.Response
		err  error
	}
	ch := make(chan outcome, 1)
	go func() {
		var resp envelope.Response
		if err := h.dec.Decode(&resp); err != nil {
			ch <- outcome{nil, err}
			return
		}
		ch <- outcome{&resp, nil}
	}()

	select {
	case out := <-ch:
		return h.finish(req, out.resp, out.err)

	case <-h.proc.Done():
		select {
		case out := <-ch:
			return h.finish(req, out.resp, out.err)
		case <-time.After(exitDrainWindow):
			h.markClosed()
			return nil, h.connectionLost("receive", errors.New("worker process exited mid-call"))
		}

	case <-ctx.Done():
		h.markClosed()
		if err := h.proc.Kill(); err != nil {
			h.logger.Warn("failed to kill worker after caller cancellation", "error", err)
		}
		return nil, h.connectionLost("receive", ctx.Err())
	}
}

func (h *Handle) finish(req *envelope.Request, resp *envelope.Response, err error) (*envelope.Response, error) {
	if err != nil {
		if isChannelError(err) {
			h.markClosed()
			return nil, h.connectionLost("receive", err)
		}
		return nil, &envelope.ResultError{WorkID: req.WorkID, Reason: "failed to decode response envelope", Err: err}
	}
	if verr := resp.Validate(); verr != nil {
		return nil, &envelope.ResultError{WorkID: req.WorkID, Reason: "invalid response envelope", Err: verr}
	}
	if resp.WorkID != req.WorkID {
		return nil, &envelope.ResultError{WorkID: req.WorkID, Reason: fmt.Sprintf("response for wrong work item %q", resp.WorkID)}
	}
	return resp, nil
}

// Stop tears down the worker. A graceful stop closes stdin and gives the
// worker gracePeriod to finish in-flight work and exit; a forced stop
// kills it outright. Safe to call repeatedly and concurrently. Once the
// process is confirmed gone its managed working directory is removed.
func (h *Handle) Stop(ctx context.Context, force bool) error {
	if force {
		h.markClosed()
		if err := h.proc.Kill(); err != nil {
			h.logger.Warn("failed to kill worker", "error", err)
		}
		select {
		case <-h.proc.Done():
			h.runCleanup()
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	h.mu.Lock()
	alreadyClosed := h.closed
	h.closed = true
	h.mu.Unlock()

	if !alreadyClosed {
		if err := h.stdin.Close(); err != nil && !errors.Is(err, fs.ErrClosed) {
			h.logger.Debug("failed to close worker stdin", "error", err)
		}
	}

	grace := time.NewTimer(h.gracePeriod)
	defer grace.Stop()

	select {
	case <-h.proc.Done():
		if code, ok := h.proc.ExitCode(); ok && code != 0 {
			h.logger.Warn("worker exited with non-zero status", "exit_code", code)
		}
		h.runCleanup()
		return nil
	case <-grace.C:
		h.logger.Warn("worker did not exit after stdin close, killing", "grace_period", h.gracePeriod)
		if err := h.proc.Kill(); err != nil {
			return fmt.Errorf("failed to kill worker after grace period: %w", err)
		}
		<-h.proc.Done()
		h.runCleanup()
		return nil
	case <-ctx.Done():
		if err := h.proc.Kill(); err != nil {
			h.logger.Warn("failed to kill worker", "error", err)
		}
		return ctx.Err()
	}
}

func (h *Handle) runCleanup() {
	if h.cleanup == nil {
		return
	}
	h.cleanupOnce.Do(h.cleanup)
}

func (h *Handle) markClosed() {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()
}

func (h *Handle) connectionLost(op string, err error) *ConnectionLostError {
	cerr := &ConnectionLostError{
		DaemonID: h.id,
		Op:       op,
		Stderr:   h.stderr.String(),
		Err:      err,
	}
	if code, ok := h.proc.ExitCode(); ok {
		cerr.ExitCode = &code
	}
	return cerr
}

// isChannelError separates pipe-level failures from malformed data. Pipe
// failures mean the connection is lost; anything else is a
// deserialization problem.
func isChannelError(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.ErrClosedPipe) || errors.Is(err, fs.ErrClosed) {
		return true
	}
	var pathErr *fs.PathError
	if errors.As(err, &pathErr) {
		return true
	}
	var errno syscall.Errno
	return errors.As(err, &errno)
}
