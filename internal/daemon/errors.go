package daemon

import (
	"fmt"
	"strings"
)

// StartPhase pins down where a worker start attempt failed.
type StartPhase string

const (
	// PhaseLaunch: the OS process never started.
	PhaseLaunch StartPhase = "launch"
	// PhaseExited: the process started but exited before completing the
	// handshake.
	PhaseExited StartPhase = "exited"
	// PhaseHandshake: the process is running (or was killed by us) but the
	// handshake did not complete in time or was malformed.
	PhaseHandshake StartPhase = "handshake"
)

// StartError reports a worker that never became ready. It always carries
// the exact command line, and where known the exit status and captured
// stderr, so a failed start is diagnosable from the error alone.
type StartError struct {
	Phase       StartPhase
	CommandLine []string
	ExitCode    *int
	Stderr      string
	Err         error
}

func (e *StartError) Error() string {
	cmd := strings.Join(e.CommandLine, " ")
	var msg string
	switch e.Phase {
	case PhaseLaunch:
		msg = fmt.Sprintf("failed to launch worker (command: %s)", cmd)
	case PhaseExited:
		msg = fmt.Sprintf("worker exited before completing the handshake (command: %s", cmd)
		if e.ExitCode != nil {
			msg += fmt.Sprintf(", exit status %d", *e.ExitCode)
		}
		msg += ")"
	case PhaseHandshake:
		msg = fmt.Sprintf("worker handshake failed (command: %s)", cmd)
	default:
		msg = fmt.Sprintf("worker start failed (command: %s)", cmd)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.Stderr != "" {
		msg += fmt.Sprintf("; stderr: %q", e.Stderr)
	}
	return msg
}

func (e *StartError) Unwrap() error { return e.Err }

// ConnectionLostError reports a broken IPC channel: the worker died or the
// pipe closed mid-call. The handle is no longer usable and the fate of any
// in-flight work is unknown.
type ConnectionLostError struct {
	DaemonID string
	Op       string // send | receive
	ExitCode *int
	Stderr   string
	Err      error
}

func (e *ConnectionLostError) Error() string {
	msg := fmt.Sprintf("daemon %s: connection lost during %s", e.DaemonID, e.Op)
	if e.ExitCode != nil {
		msg += fmt.Sprintf(" (worker exited with status %d)", *e.ExitCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConnectionLostError) Unwrap() error { return e.Err }
