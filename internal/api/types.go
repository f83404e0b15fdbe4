package api

import (
	"encoding/json"
	"time"
)

// ErrorResponse is the uniform error body.
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	DaemonsLive   int    `json:"daemons_live"`
	DaemonsIdle   int    `json:"daemons_idle"`
	DaemonsBusy   int    `json:"daemons_busy"`
}

// DaemonView is one pool entry as reported by GET /daemons.
type DaemonView struct {
	DaemonID   string    `json:"daemon_id"`
	PID        int       `json:"pid"`
	State      string    `json:"state"`
	Key        string    `json:"key"`
	ModulePath []string  `json:"module_path,omitempty"`
	LogLevel   string    `json:"log_level"`
	Surviving  bool      `json:"surviving"`
	StartedAt  time.Time `json:"started_at,omitzero"`
	LastUsed   time.Time `json:"last_used,omitzero"`
}

// DaemonListResponse is returned by GET /daemons.
type DaemonListResponse struct {
	Daemons []DaemonView `json:"daemons"`
}

// StopRequest is the body of POST /daemons/stop. An empty filter stops
// every daemon in the pool.
type StopRequest struct {
	Filter  StopFilterRequest `json:"filter"`
	Urgency string            `json:"urgency,omitempty"` // "graceful" (default) or "forced"
}

// StopFilterRequest selects which daemons to stop.
type StopFilterRequest struct {
	DaemonID string `json:"daemon_id,omitempty"`
	Key      string `json:"key,omitempty"`
}

// StopResponse is returned by POST /daemons/stop.
type StopResponse struct {
	Status string `json:"status"`
}

// WorkRequest is the body of POST /work.
type WorkRequest struct {
	Action    string          `json:"action"`
	Params    []any           `json:"params,omitempty"`
	Isolation string          `json:"isolation,omitempty"` // inline, module or process
	Worker    *WorkerSettings `json:"worker,omitempty"`
}

// WorkerSettings selects the environment a work request runs in. Only
// meaningful for module and process isolation.
type WorkerSettings struct {
	ModulePath  []string          `json:"module_path,omitempty"`
	SharedTypes []string          `json:"shared_types,omitempty"`
	Args        []string          `json:"args,omitempty"`
	WorkDir     string            `json:"work_dir,omitempty"`
	Env         map[string]string `json:"env,omitempty"`
	KeepAlive   string            `json:"keep_alive,omitempty"`
}

// WorkResponse is returned by POST /work on success.
type WorkResponse struct {
	Status     string          `json:"status"`
	Result     json.RawMessage `json:"result,omitempty"`
	Void       bool            `json:"void,omitempty"`
	DurationMs int64           `json:"duration_ms"`
}

// WorkErrorResponse is returned by POST /work when the action fails.
type WorkErrorResponse struct {
	Status string `json:"status"`
	Kind   string `json:"kind"`
	Error  string `json:"error"`
}
