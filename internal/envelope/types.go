package envelope

import (
	"fmt"

	"github.com/mattjoyce/journeyman/internal/codec"
	"github.com/mattjoyce/journeyman/internal/fingerprint"
)

// Protocol is the wire protocol version spoken between the pool and workers.
const Protocol = 1

// Isolation selects where a unit of work runs.
type Isolation string

const (
	IsolationInline  Isolation = "inline"
	IsolationModule  Isolation = "module"
	IsolationProcess Isolation = "process"
)

// Valid reports whether i is one of the three known isolation modes.
func (i Isolation) Valid() bool {
	switch i {
	case IsolationInline, IsolationModule, IsolationProcess:
		return true
	}
	return false
}

// ParseIsolation converts a config or API string into an Isolation value.
func ParseIsolation(s string) (Isolation, error) {
	iso := Isolation(s)
	if !iso.Valid() {
		return "", fmt.Errorf("invalid isolation mode: %q (must be inline, module, or process)", s)
	}
	return iso, nil
}

// Request is the work envelope sent to a worker via stdin. Parameters are
// encoded individually so a single bad value is attributable by index.
type Request struct {
	Protocol    int                     `json:"protocol"`
	WorkID      string                  `json:"work_id"`
	ActionType  string                  `json:"action_type"`
	Params      []codec.RawMessage      `json:"params,omitempty"`
	Isolation   Isolation               `json:"isolation"`
	Fingerprint fingerprint.Fingerprint `json:"fingerprint"`
}

// Validate checks the request envelope before it is shipped or executed.
func (r *Request) Validate() error {
	if r.Protocol != Protocol {
		return fmt.Errorf("unsupported protocol version: %d", r.Protocol)
	}
	if r.WorkID == "" {
		return fmt.Errorf("request missing required field: work_id")
	}
	if r.ActionType == "" {
		return fmt.Errorf("request missing required field: action_type")
	}
	if !r.Isolation.Valid() {
		return fmt.Errorf("invalid isolation mode: %q", r.Isolation)
	}
	return nil
}

// Status values carried by Response.
const (
	StatusOK     = "ok"
	StatusFailed = "failed"
)

// Response is the work envelope returned by a worker via stdout. A nil
// Result with status ok marks a void return.
type Response struct {
	Protocol int              `json:"protocol"`
	WorkID   string           `json:"work_id"`
	Status   string           `json:"status"` // ok | failed
	Result   codec.RawMessage `json:"result,omitempty"`
	Failure  *Failure         `json:"failure,omitempty"`
}

// Validate checks the response envelope after it is read off the wire.
func (r *Response) Validate() error {
	if r.Protocol != Protocol {
		return fmt.Errorf("unsupported protocol version: %d", r.Protocol)
	}
	if r.WorkID == "" {
		return fmt.Errorf("response missing required field: work_id")
	}
	switch r.Status {
	case StatusOK:
		if r.Failure != nil {
			return fmt.Errorf("response has status=ok but carries a failure")
		}
	case StatusFailed:
		if r.Failure == nil {
			return fmt.Errorf("response has status=failed but no failure")
		}
		if r.Failure.Message == "" {
			return fmt.Errorf("failure missing required field: message")
		}
	default:
		return fmt.Errorf("invalid status value: %q (must be %q or %q)", r.Status, StatusOK, StatusFailed)
	}
	return nil
}

// DecodeResult decodes the result value, or nil for a void return. A decode
// failure means the handle that produced the bytes can no longer be trusted.
func (r *Response) DecodeResult() (any, error) {
	if len(r.Result) == 0 {
		return nil, nil
	}
	var v any
	if err := codec.Unmarshal(r.Result, &v); err != nil {
		return nil, &ResultError{WorkID: r.WorkID, Reason: "result bytes are not valid cbor", Err: err}
	}
	return v, nil
}

// Succeed builds the success response for a unit of work.
func Succeed(workID string, result codec.RawMessage) *Response {
	return &Response{Protocol: Protocol, WorkID: workID, Status: StatusOK, Result: result}
}

// Fail builds the failure response for a unit of work, capturing the
// error's cause chain.
func Fail(workID string, err error) *Response {
	return &Response{Protocol: Protocol, WorkID: workID, Status: StatusFailed, Failure: NewFailure(err)}
}

// Hello is the first message on a fresh IPC channel, sent by the pool.
type Hello struct {
	Protocol  int    `json:"protocol"`
	SessionID string `json:"session_id"`
	LogLevel  string `json:"log_level"`
}

// Validate checks the handshake greeting.
func (h *Hello) Validate() error {
	if h.Protocol != Protocol {
		return fmt.Errorf("unsupported protocol version: %d", h.Protocol)
	}
	if h.SessionID == "" {
		return fmt.Errorf("hello missing required field: session_id")
	}
	return nil
}

// Announce is the worker's handshake reply. The worker generates its own
// daemon identifier and reports the PID the reaper will cross-reference.
type Announce struct {
	Protocol int    `json:"protocol"`
	DaemonID string `json:"daemon_id"`
	PID      int    `json:"pid"`
	LogLevel string `json:"log_level"`
}

// Validate checks the handshake reply.
func (a *Announce) Validate() error {
	if a.Protocol != Protocol {
		return fmt.Errorf("unsupported protocol version: %d", a.Protocol)
	}
	if a.DaemonID == "" {
		return fmt.Errorf("announce missing required field: daemon_id")
	}
	if a.PID <= 0 {
		return fmt.Errorf("announce has invalid pid: %d", a.PID)
	}
	return nil
}
