package pool

import (
	"context"
	"time"

	"github.com/mattjoyce/journeyman/internal/envelope"
	"github.com/mattjoyce/journeyman/internal/fingerprint"
)

//go:generate mockgen -destination=mocks/mock_interface.go -package=mocks github.com/mattjoyce/journeyman/internal/pool Client,Starter,Recorder,Notifier

// Client is the pool's view of one running worker daemon. The production
// implementation is *daemon.Handle.
type Client interface {
	// ID is the daemon-generated identifier announced at handshake.
	ID() string
	// PID is the worker's OS process id.
	PID() int
	// Fingerprint the worker was started with.
	Fingerprint() fingerprint.Fingerprint
	// LogLevel baked into the worker at startup.
	LogLevel() string
	// StartedAt is when the worker finished its handshake.
	StartedAt() time.Time
	// Execute ships one request and blocks until its response arrives or
	// the channel fails.
	Execute(ctx context.Context, req *envelope.Request) (*envelope.Response, error)
	// Stop tears the worker down. A graceful stop lets the process drain
	// and exit on its own; a forced stop kills it outright.
	Stop(ctx context.Context, force bool) error
	// Done is closed once the worker process has exited.
	Done() <-chan struct{}
}

// Starter launches a worker daemon for a fingerprint.
type Starter interface {
	Start(ctx context.Context, fp fingerprint.Fingerprint) (Client, error)
}

// StarterFunc adapts a function to the Starter interface.
type StarterFunc func(ctx context.Context, fp fingerprint.Fingerprint) (Client, error)

// Start calls f.
func (f StarterFunc) Start(ctx context.Context, fp fingerprint.Fingerprint) (Client, error) {
	return f(ctx, fp)
}

// Recorder persists daemon lifecycle transitions to the ledger. Ledger
// failures are logged by the pool and never surface to work submitters.
type Recorder interface {
	// RecordStart inserts a row for a freshly started daemon.
	RecordStart(ctx context.Context, info Info) error
	// RecordState updates a daemon's state and last-used stamp.
	RecordState(ctx context.Context, daemonID string, state State, at time.Time) error
	// RecordStop finalizes a daemon's row with the reason it was retired.
	RecordStop(ctx context.Context, daemonID string, reason string, at time.Time) error
}

// Notifier publishes pool lifecycle events. *events.Hub satisfies it.
type Notifier interface {
	Publish(eventType string, data any)
}

// Metrics counts daemon lifecycle transitions. *metrics.Collector
// satisfies it.
type Metrics interface {
	// DaemonStarted counts a fresh worker coming up.
	DaemonStarted(logLevel string)
	// DaemonReused counts an acquisition served by an idle worker.
	DaemonReused()
	// DaemonStopped counts a retired worker by its stop reason.
	DaemonStopped(reason string)
}
