package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/journeyman/internal/action"
	"github.com/mattjoyce/journeyman/internal/codec"
	"github.com/mattjoyce/journeyman/internal/envelope"
	"github.com/mattjoyce/journeyman/internal/fingerprint"
	"github.com/mattjoyce/journeyman/internal/log"
	"github.com/mattjoyce/journeyman/internal/metrics"
	"github.com/mattjoyce/journeyman/internal/module"
	"github.com/mattjoyce/journeyman/internal/pool"
)

// DaemonPool is the dispatcher's view of the worker-daemon pool.
type DaemonPool interface {
	Acquire(ctx context.Context, fp fingerprint.Fingerprint) (*pool.Daemon, error)
	Release(d *pool.Daemon)
	Discard(ctx context.Context, d *pool.Daemon) error
}

// Submission is one unit of work as the task engine hands it over.
type Submission struct {
	ActionType  string
	Params      []any
	Isolation   envelope.Isolation
	Fingerprint fingerprint.Fingerprint
}

// Result is a completed unit of work. Void is set when the action
// returned nothing.
type Result struct {
	Value any
	Void  bool
}

// Dispatcher executes submissions under their requested isolation mode.
type Dispatcher struct {
	base    *action.Registry
	catalog *action.Catalog
	daemons DaemonPool
	metrics *metrics.Collector
	logger  *slog.Logger

	mu   sync.Mutex
	envs map[string]*action.Registry
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithMetrics wires a metrics collector.
func WithMetrics(c *metrics.Collector) Option {
	return func(d *Dispatcher) { d.metrics = c }
}

// WithLogger replaces the default component logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = logger }
}

// New builds a dispatcher over the catalog's actions. daemons may be nil,
// in which case process isolation is rejected at submit time.
func New(catalog *action.Catalog, daemons DaemonPool, opts ...Option) (*Dispatcher, error) {
	base, err := catalog.Registry()
	if err != nil {
		return nil, fmt.Errorf("build default action scope: %w", err)
	}
	d := &Dispatcher{
		base:    base,
		catalog: catalog,
		daemons: daemons,
		envs:    make(map[string]*action.Registry),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.logger == nil {
		d.logger = log.WithComponent("dispatch")
	}
	return d, nil
}

// Submit runs one unit of work and blocks until its result or failure.
// Parameters are serialized up front: a value that cannot cross the wire
// fails the submission before any daemon is contacted or started.
func (d *Dispatcher) Submit(ctx context.Context, sub Submission) (Result, error) {
	started := time.Now()
	if !sub.Isolation.Valid() {
		return Result{}, fmt.Errorf("invalid isolation mode: %q", sub.Isolation)
	}
	if sub.ActionType == "" {
		return Result{}, fmt.Errorf("action type is required")
	}
	d.metrics.WorkSubmitted(string(sub.Isolation))

	res, err := d.run(ctx, sub)
	if err != nil {
		d.metrics.WorkFailed(FailureKind(err))
		return Result{}, err
	}
	d.metrics.WorkCompleted(string(sub.Isolation), time.Since(started))
	return res, nil
}

func (d *Dispatcher) run(ctx context.Context, sub Submission) (Result, error) {
	params, err := envelope.EncodeParams(sub.ActionType, sub.Params)
	if err != nil {
		return Result{}, err
	}

	req := &envelope.Request{
		Protocol:    envelope.Protocol,
		WorkID:      uuid.NewString(),
		ActionType:  sub.ActionType,
		Params:      params,
		Isolation:   sub.Isolation,
		Fingerprint: sub.Fingerprint.Normalize(),
	}

	wl := d.logger.With("work_id", req.WorkID, "action", req.ActionType, "isolation", string(req.Isolation))
	wl.Debug("work submitted")

	switch sub.Isolation {
	case envelope.IsolationInline:
		return d.runLocal(ctx, d.base, req)
	case envelope.IsolationModule:
		env, err := d.moduleEnv(req.Fingerprint)
		if err != nil {
			return Result{}, err
		}
		return d.runLocal(ctx, env, req)
	case envelope.IsolationProcess:
		return d.runProcess(ctx, req, wl)
	default:
		return Result{}, fmt.Errorf("invalid isolation mode: %q", sub.Isolation)
	}
}

// runLocal executes in the current process against the given resolution
// scope. Errors and panics become wire-shaped failure chains so the same
// types surface regardless of where the work ran.
func (d *Dispatcher) runLocal(ctx context.Context, scope *action.Registry, req *envelope.Request) (Result, error) {
	fn, ok := scope.Lookup(req.ActionType)
	if !ok {
		err := fmt.Errorf("action %q is not available in this scope", req.ActionType)
		return Result{}, &WorkError{ActionType: req.ActionType, WorkID: req.WorkID, Failure: envelope.NewFailure(err)}
	}

	value, err := call(ctx, fn, req.Params)
	if err != nil {
		return Result{}, &WorkError{ActionType: req.ActionType, WorkID: req.WorkID, Failure: envelope.NewFailure(err)}
	}
	return Result{Value: value, Void: value == nil}, nil
}

// call isolates action panics; inline work must not take the build down.
func call(ctx context.Context, fn action.Func, params []codec.RawMessage) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			value = nil
			err = fmt.Errorf("action panicked: %v", r)
		}
	}()
	return fn(ctx, params)
}

// moduleEnv returns the isolated resolution scope for a fingerprint,
// building it on first use and reusing it for every later submission with
// the same module path and shared-type set.
func (d *Dispatcher) moduleEnv(fp fingerprint.Fingerprint) (*action.Registry, error) {
	if len(fp.ModulePath) == 0 {
		return nil, fmt.Errorf("module isolation requires a module path")
	}

	// Only the fields that shape the environment key it; log level and
	// worker arguments are process-isolation concerns.
	envKey := fingerprint.Fingerprint{ModulePath: fp.ModulePath, SharedTypes: fp.SharedTypes}.Key()

	d.mu.Lock()
	defer d.mu.Unlock()
	if env, ok := d.envs[envKey]; ok {
		return env, nil
	}

	set, err := module.Load(fp.ModulePath, d.catalog, d.logger)
	if err != nil {
		return nil, fmt.Errorf("load module path: %w", err)
	}
	env, err := set.Instantiate(d.base, fp.SharedTypes)
	if err != nil {
		return nil, fmt.Errorf("instantiate module environment: %w", err)
	}
	d.envs[envKey] = env
	d.logger.Debug("module environment built", "key", envKey, "modules", set.Len(), "actions", env.Len())
	return env, nil
}

// runProcess delegates to the pool. The handle's fate after the exchange
// follows the error taxonomy: a work-level failure keeps the daemon
// reusable, an untrusted response or broken channel discards it.
func (d *Dispatcher) runProcess(ctx context.Context, req *envelope.Request, wl *slog.Logger) (Result, error) {
	if d.daemons == nil {
		return Result{}, fmt.Errorf("process isolation is not configured")
	}

	dm, err := d.daemons.Acquire(ctx, req.Fingerprint)
	if err != nil {
		return Result{}, err
	}
	wl = wl.With("daemon_id", dm.ID())

	resp, err := dm.Execute(ctx, req)
	if err != nil {
		// Whatever broke, the handle's state is unknown: a desynced
		// channel or a dead worker cannot go back in the pool.
		if derr := d.daemons.Discard(ctx, dm); derr != nil {
			wl.Warn("failed to discard daemon", "error", derr)
		}
		return Result{}, err
	}

	if resp.Status == envelope.StatusFailed {
		// The work failed but the worker is alive and trustworthy.
		d.daemons.Release(dm)
		return Result{}, &WorkError{ActionType: req.ActionType, WorkID: req.WorkID, Failure: resp.Failure}
	}

	value, err := resp.DecodeResult()
	if err != nil {
		if derr := d.daemons.Discard(ctx, dm); derr != nil {
			wl.Warn("failed to discard daemon", "error", derr)
		}
		return Result{}, err
	}
	d.daemons.Release(dm)
	return Result{Value: value, Void: len(resp.Result) == 0}, nil
}

// Actions lists the action types resolvable in the default scope.
func (d *Dispatcher) Actions() []string {
	return d.base.Types()
}
