package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/journeyman/internal/codec"
	"github.com/mattjoyce/journeyman/internal/envelope"
	"github.com/mattjoyce/journeyman/internal/fingerprint"
	"github.com/mattjoyce/journeyman/internal/log"
)

// defaultHandshakeTimeout bounds how long a spawned worker gets to
// complete the hello/announce exchange.
const defaultHandshakeTimeout = 10 * time.Second

// Starter spawns worker processes and performs the handshake that turns a
// raw process into a usable Handle. Every start failure is classified:
// the process never launched, it exited before the handshake, or the
// handshake itself failed.
type Starter struct {
	binary           string
	sessionID        string
	extraArgs        []string
	handshakeTimeout time.Duration
	gracePeriod      time.Duration
	workDirFor       func(launchID string) (string, error)
	workDirCleanup   func(launchID string)
	logger           *slog.Logger
}

// StarterOption configures a Starter.
type StarterOption func(*Starter)

// WithLogger sets the starter's logger.
func WithLogger(logger *slog.Logger) StarterOption {
	return func(s *Starter) {
		s.logger = logger
	}
}

// WithHandshakeTimeout overrides the handshake deadline.
func WithHandshakeTimeout(d time.Duration) StarterOption {
	return func(s *Starter) {
		if d > 0 {
			s.handshakeTimeout = d
		}
	}
}

// WithGracePeriod overrides how long stopped workers get to exit before
// being killed.
func WithGracePeriod(d time.Duration) StarterOption {
	return func(s *Starter) {
		if d > 0 {
			s.gracePeriod = d
		}
	}
}

// WithExtraArgs appends operator-supplied arguments to every worker
// command line, after the fingerprint flags. They are not part of the
// fingerprint: changing them never retires running workers, only
// affects ones started afterwards.
func WithExtraArgs(args []string) StarterOption {
	return func(s *Starter) {
		s.extraArgs = args
	}
}

// WithWorkDirFunc supplies managed working directories for fingerprints
// that do not pin one.
func WithWorkDirFunc(fn func(launchID string) (string, error)) StarterOption {
	return func(s *Starter) {
		s.workDirFor = fn
	}
}

// WithWorkDirCleanup is called with the launch id once a worker with a
// managed working directory has stopped, or when its start fails.
func WithWorkDirCleanup(fn func(launchID string)) StarterOption {
	return func(s *Starter) {
		s.workDirCleanup = fn
	}
}

// NewStarter creates a starter that spawns binary for session sessionID.
func NewStarter(binary, sessionID string, opts ...StarterOption) *Starter {
	s := &Starter{
		binary:           binary,
		sessionID:        sessionID,
		handshakeTimeout: defaultHandshakeTimeout,
		gracePeriod:      terminationGracePeriod,
		logger:           log.WithComponent("daemon"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start spawns a worker for fp and blocks until the handshake completes
// or fails. On success the returned handle is idle and ready to execute.
func (s *Starter) Start(ctx context.Context, fp fingerprint.Fingerprint) (*Handle, error) {
	fp = fp.Normalize()
	launchID := uuid.NewString()
	args := buildWorkerArgs(fp, s.extraArgs)
	commandLine := append([]string{s.binary}, args...)

	cmd := exec.Command(s.binary, args...)
	var cleanup func()
	if fp.WorkDir != "" {
		cmd.Dir = fp.WorkDir
	} else if s.workDirFor != nil {
		dir, err := s.workDirFor(launchID)
		if err != nil {
			return nil, &StartError{
				Phase:       PhaseLaunch,
				CommandLine: commandLine,
				Err:         fmt.Errorf("failed to prepare working directory: %w", err),
			}
		}
		cmd.Dir = dir
		if s.workDirCleanup != nil {
			cleanup = func() { s.workDirCleanup(launchID) }
		}
	}
	// On a failed start the managed directory is removed here; on success
	// the handle takes ownership and removes it when the worker stops.
	handedOff := false
	defer func() {
		if cleanup != nil && !handedOff {
			cleanup()
		}
	}()
	cmd.Env = append(os.Environ(), envList(fp.Env)...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, &StartError{Phase: PhaseLaunch, CommandLine: commandLine, Err: fmt.Errorf("create stdin pipe: %w", err)}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &StartError{Phase: PhaseLaunch, CommandLine: commandLine, Err: fmt.Errorf("create stdout pipe: %w", err)}
	}
	stderr := &stderrTail{}
	cmd.Stderr = stderr

	logger := s.logger.With("launch_id", launchID)
	logger.Debug("spawning worker", "command", strings.Join(commandLine, " "), "work_dir", cmd.Dir)

	if err := cmd.Start(); err != nil {
		return nil, &StartError{Phase: PhaseLaunch, CommandLine: commandLine, Err: err}
	}
	proc := newOSProcess(cmd)

	enc := codec.NewEncoder(stdin)
	dec := codec.NewDecoder(stdout)

	type hsResult struct {
		ann *envelope.Announce
		err error
	}
	hs := make(chan hsResult, 1)
	go func() {
		hello := envelope.Hello{Protocol: envelope.Protocol, SessionID: s.sessionID, LogLevel: fp.LogLevel}
		if err := enc.Encode(&hello); err != nil {
			hs <- hsResult{nil, fmt.Errorf("send hello: %w", err)}
			return
		}
		var ann envelope.Announce
		if err := dec.Decode(&ann); err != nil {
			hs <- hsResult{nil, fmt.Errorf("read announce: %w", err)}
			return
		}
		hs <- hsResult{&ann, nil}
	}()

	timeout := time.NewTimer(s.handshakeTimeout)
	defer timeout.Stop()

	select {
	case <-proc.Done():
		serr := &StartError{Phase: PhaseExited, CommandLine: commandLine, Stderr: stderr.String()}
		if code, ok := proc.ExitCode(); ok {
			serr.ExitCode = &code
		}
		return nil, serr

	case <-timeout.C:
		s.abort(proc)
		return nil, &StartError{
			Phase:       PhaseHandshake,
			CommandLine: commandLine,
			Stderr:      stderr.String(),
			Err:         fmt.Errorf("handshake timed out after %v", s.handshakeTimeout),
		}

	case <-ctx.Done():
		s.abort(proc)
		return nil, &StartError{Phase: PhaseHandshake, CommandLine: commandLine, Stderr: stderr.String(), Err: ctx.Err()}

	case r := <-hs:
		if r.err != nil {
			// a handshake read error usually means the worker is dying;
			// give the exit a moment to land so it classifies correctly
			select {
			case <-proc.Done():
				serr := &StartError{Phase: PhaseExited, CommandLine: commandLine, Stderr: stderr.String(), Err: r.err}
				if code, ok := proc.ExitCode(); ok {
					serr.ExitCode = &code
				}
				return nil, serr
			case <-time.After(exitDrainWindow):
				s.abort(proc)
				return nil, &StartError{Phase: PhaseHandshake, CommandLine: commandLine, Stderr: stderr.String(), Err: r.err}
			}
		}
		if err := r.ann.Validate(); err != nil {
			s.abort(proc)
			return nil, &StartError{
				Phase:       PhaseHandshake,
				CommandLine: commandLine,
				Stderr:      stderr.String(),
				Err:         fmt.Errorf("invalid handshake reply: %w", err),
			}
		}
		if r.ann.PID != proc.PID() {
			logger.Warn("worker announced a different pid", "announced", r.ann.PID, "actual", proc.PID())
		}

		h := newHandle(handleConfig{
			ID:          r.ann.DaemonID,
			PID:         proc.PID(),
			Fingerprint: fp,
			SessionID:   s.sessionID,
			LogLevel:    r.ann.LogLevel,
			Proc:        proc,
			Stdin:       stdin,
			Enc:         enc,
			Dec:         dec,
			Stderr:      stderr,
			GracePeriod: s.gracePeriod,
			Cleanup:     cleanup,
			Logger:      s.logger,
		})
		handedOff = true
		logger.Info("worker ready",
			"daemon_id", h.ID(),
			"pid", h.PID(),
			"fingerprint", fp.Key(),
			"log_level", h.LogLevel(),
		)
		return h, nil
	}
}

// abort kills a half-started worker and waits for the reaper.
func (s *Starter) abort(proc process) {
	if err := proc.Kill(); err != nil {
		s.logger.Warn("failed to kill worker during aborted start", "error", err)
	}
	<-proc.Done()
}

// buildWorkerArgs translates a fingerprint into the worker command line.
// Flag order follows field order so equal fingerprints always spawn with
// identical commands. Operator extras go last, after the fingerprint's
// own args.
func buildWorkerArgs(fp fingerprint.Fingerprint, extra []string) []string {
	args := []string{"worker"}
	if fp.LogLevel != "" {
		args = append(args, "--log-level", fp.LogLevel)
	}
	for _, dir := range fp.ModulePath {
		args = append(args, "--module", dir)
	}
	for _, st := range fp.SharedTypes {
		args = append(args, "--shared", st)
	}
	args = append(args, fp.Args...)
	args = append(args, extra...)
	return args
}

// envList renders fingerprint env overrides in deterministic order.
func envList(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}
