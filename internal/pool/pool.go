// Package pool owns every live worker daemon. It matches fingerprints to
// idle handles, starts fresh workers when nothing matches, and retires
// handles per the lifecycle policy: log-level drift, explicit stop requests,
// session end, and idle expiry.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/mattjoyce/journeyman/internal/envelope"
	"github.com/mattjoyce/journeyman/internal/fingerprint"
	"github.com/mattjoyce/journeyman/internal/log"
)

// State names a handle's position in its lifecycle.
type State string

const (
	StateStarting State = "starting"
	StateIdle     State = "idle"
	StateBusy     State = "busy"
	StateStopping State = "stopping"
	StateStopped  State = "stopped"
)

// Stop reasons recorded in the ledger and carried on daemon.stopped events.
const (
	ReasonLogLevel   = "log_level_changed"
	ReasonIdle       = "idle_expired"
	ReasonExplicit   = "stop_requested"
	ReasonSessionEnd = "session_end"
	ReasonDiscarded  = "discarded"
	ReasonExited     = "exited"
)

// ErrPoolClosed is returned by Acquire once the pool has been shut down.
var ErrPoolClosed = errors.New("pool is closed")

// Info is one row of the pool's live view.
type Info struct {
	ID          string                  `json:"id,omitempty"`
	PID         int                     `json:"pid,omitempty"`
	State       State                   `json:"state"`
	Fingerprint fingerprint.Fingerprint `json:"fingerprint"`
	Key         string                  `json:"key"`
	LogLevel    string                  `json:"log_level"`
	Surviving   bool                    `json:"surviving"`
	StartedAt   time.Time               `json:"started_at,omitzero"`
	LastUsed    time.Time               `json:"last_used,omitzero"`
}

// entry is the pool's record of one handle. Mutable fields are guarded by
// the pool mutex; fp, key, family and stopped never change after insertion.
type entry struct {
	client    Client
	id        string
	pid       int
	started   time.Time
	state     State
	condemned bool
	reason    string
	lastUsed  time.Time

	fp      fingerprint.Fingerprint
	key     string
	family  string
	stopped chan struct{}
}

// Daemon is a claimed handle. It stays exclusively with the caller until
// handed back through Release or Discard.
type Daemon struct {
	e *entry
}

// ID returns the daemon's handshake identifier.
func (d *Daemon) ID() string { return d.e.id }

// PID returns the worker's OS process id.
func (d *Daemon) PID() int { return d.e.pid }

// Fingerprint returns the fingerprint the worker was started with.
func (d *Daemon) Fingerprint() fingerprint.Fingerprint { return d.e.fp }

// LogLevel returns the log level baked into the worker.
func (d *Daemon) LogLevel() string { return d.e.fp.LogLevel }

// Execute ships one request to the worker and blocks for the response.
func (d *Daemon) Execute(ctx context.Context, req *envelope.Request) (*envelope.Response, error) {
	return d.e.client.Execute(ctx, req)
}

// Pool is the shared registry of worker daemons. All state transitions are
// serialized on one mutex; request/response exchanges on claimed handles
// happen outside it, so a slow worker never blocks unrelated acquisitions.
type Pool struct {
	starter  Starter
	policy   Policy
	recorder Recorder
	notifier Notifier
	metrics  Metrics
	logger   *slog.Logger
	clock    func() time.Time

	mu       sync.Mutex
	entries  []*entry
	logLevel string
	closed   bool

	stops sync.WaitGroup
}

// Option configures a Pool.
type Option func(*Pool)

// WithPolicy replaces the default lifecycle policy.
func WithPolicy(policy Policy) Option {
	return func(p *Pool) { p.policy = policy }
}

// WithRecorder wires a ledger for lifecycle transitions.
func WithRecorder(r Recorder) Option {
	return func(p *Pool) { p.recorder = r }
}

// WithNotifier wires an event sink for lifecycle events.
func WithNotifier(n Notifier) Option {
	return func(p *Pool) { p.notifier = n }
}

// WithMetrics wires lifecycle counters for starts, reuses and stops.
func WithMetrics(m Metrics) Option {
	return func(p *Pool) { p.metrics = m }
}

// WithLogger replaces the default component logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pool) { p.logger = logger }
}

// WithClock replaces the time source. Tests use this to drive idle expiry.
func WithClock(now func() time.Time) Option {
	return func(p *Pool) { p.clock = now }
}

// WithLogLevel sets the initial build log level.
func WithLogLevel(level string) Option {
	return func(p *Pool) {
		if level != "" {
			p.logLevel = level
		}
	}
}

// New builds an empty pool around the given starter. The starter must be
// non-nil; recorder and notifier are optional.
func New(starter Starter, opts ...Option) *Pool {
	p := &Pool{
		starter:  starter,
		policy:   DefaultPolicy(),
		logLevel: "info",
		clock:    time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = log.WithComponent("pool")
	}
	return p
}

// Acquire returns a daemon compatible with fp, claiming the first idle
// handle in insertion order when one matches and starting a fresh worker
// otherwise. The pool stamps its current log level into the fingerprint
// before matching; idle handles that match except for the log level are
// stopped before the replacement starts. The returned daemon is Busy and
// exclusively the caller's until Release or Discard.
//
// Concurrent callers never receive the same idle handle. A caller that
// loses the claim race starts a fresh daemon rather than waiting.
func (p *Pool) Acquire(ctx context.Context, fp fingerprint.Fingerprint) (*Daemon, error) {
	want := fp.Normalize()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	want.LogLevel = p.logLevel
	key := want.Key()
	family := familyKey(want)
	now := p.clock()

	var claim *entry
	var retire []*entry
	var stale []*entry
	for _, e := range p.entries {
		if e.state != StateIdle {
			continue
		}
		switch {
		case e.key == key:
			if claim != nil {
				continue
			}
			if clientGone(e.client) {
				e.state = StateStopping
				e.reason = ReasonExited
				retire = append(retire, e)
				continue
			}
			claim = e
		case e.family == family:
			stale = append(stale, e)
		}
	}

	if claim != nil {
		claim.state = StateBusy
		claim.lastUsed = now
		id := claim.id
		p.mu.Unlock()

		for _, e := range retire {
			p.stopEntry(ctx, e, false)
		}
		p.recordState(ctx, id, StateBusy, now)
		if p.metrics != nil {
			p.metrics.DaemonReused()
		}
		p.publish("daemon.reused", map[string]any{"daemon_id": id, "key": key})
		p.logger.Debug("daemon reused", "daemon_id", id, "key", key)
		return &Daemon{e: claim}, nil
	}

	for _, e := range stale {
		e.state = StateStopping
		e.reason = ReasonLogLevel
	}
	retire = append(retire, stale...)

	slot := &entry{
		state:   StateStarting,
		fp:      want,
		key:     key,
		family:  family,
		stopped: make(chan struct{}),
	}
	p.entries = append(p.entries, slot)
	p.mu.Unlock()

	// Handles at a stale log level must be gone before the replacement
	// comes up, so the old and new worker never log side by side.
	for _, e := range retire {
		p.stopEntry(ctx, e, false)
	}

	client, err := p.starter.Start(ctx, want)
	if err != nil {
		p.mu.Lock()
		slot.state = StateStopped
		p.removeLocked(slot)
		p.mu.Unlock()
		close(slot.stopped)
		p.publish("daemon.start_failed", map[string]any{"key": key, "error": err.Error()})
		return nil, err
	}

	now = p.clock()
	p.mu.Lock()
	slot.client = client
	slot.id = client.ID()
	slot.pid = client.PID()
	slot.started = client.StartedAt()
	slot.state = StateBusy
	slot.lastUsed = now
	info := infoLocked(slot)
	p.mu.Unlock()

	p.recordStart(ctx, info)
	if p.metrics != nil {
		p.metrics.DaemonStarted(want.LogLevel)
	}
	p.publish("daemon.started", map[string]any{
		"daemon_id": info.ID,
		"pid":       info.PID,
		"key":       key,
		"log_level": want.LogLevel,
	})
	p.logger.Info("daemon started", "daemon_id", info.ID, "pid", info.PID, "key", key)
	return &Daemon{e: slot}, nil
}

// Release hands a claimed daemon back to the idle set, or tears it down
// when a lifecycle rule condemned it while busy. In-flight work is never
// interrupted; a condemned handle is stopped only once its work is done.
func (p *Pool) Release(d *Daemon) {
	e := d.e
	now := p.clock()

	p.mu.Lock()
	if e.state != StateBusy {
		state := e.state
		p.mu.Unlock()
		p.logger.Debug("release ignored; handle already retiring", "daemon_id", e.id, "state", string(state))
		return
	}
	if e.condemned || e.fp.LogLevel != p.logLevel || clientGone(e.client) {
		e.state = StateStopping
		if e.reason == "" {
			if clientGone(e.client) {
				e.reason = ReasonExited
			} else {
				e.reason = ReasonLogLevel
			}
		}
		p.mu.Unlock()

		p.stops.Add(1)
		go func() {
			defer p.stops.Done()
			p.stopEntry(context.Background(), e, false)
		}()
		return
	}
	e.state = StateIdle
	e.lastUsed = now
	id := e.id
	p.mu.Unlock()

	p.recordState(context.Background(), id, StateIdle, now)
	p.logger.Debug("daemon released", "daemon_id", id)
}

// Discard retires a claimed daemon whose channel or response can no longer
// be trusted. The worker process is terminated forcibly.
func (p *Pool) Discard(ctx context.Context, d *Daemon) error {
	e := d.e
	p.mu.Lock()
	if e.state != StateBusy {
		p.mu.Unlock()
		return nil
	}
	e.state = StateStopping
	e.reason = ReasonDiscarded
	p.mu.Unlock()
	return p.stopEntry(ctx, e, true)
}

// SetLogLevel records the build's current log level. Handles started at a
// different level are condemned lazily: busy ones at their next release,
// idle ones at the next acquire scan or sweep.
func (p *Pool) SetLogLevel(level string) {
	p.mu.Lock()
	if level == "" || level == p.logLevel {
		p.mu.Unlock()
		return
	}
	old := p.logLevel
	p.logLevel = level
	p.mu.Unlock()

	p.logger.Info("log level changed", "from", old, "to", level)
	p.publish("pool.log_level_changed", map[string]any{"from": old, "to": level})
}

// LogLevel returns the build's current log level.
func (p *Pool) LogLevel() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.logLevel
}

// StopFilter selects which handles StopAll touches. The zero value matches
// every handle.
type StopFilter struct {
	// DaemonID matches one handle by its handshake identifier.
	DaemonID string
	// Key matches handles by fingerprint key.
	Key string
	// SessionEnd spares handles whose fingerprint outlives the session.
	SessionEnd bool
}

func (f StopFilter) matches(e *entry) bool {
	if f.DaemonID != "" && e.id != f.DaemonID {
		return false
	}
	if f.Key != "" && e.key != f.Key {
		return false
	}
	if f.SessionEnd && e.fp.Surviving() {
		return false
	}
	return true
}

// StopAll stops every handle the filter matches. Idle handles are stopped
// immediately. Busy handles finish their in-flight work first unless force
// is set, in which case they are killed mid-call. Each stop is independent:
// a failure stopping one handle is reported but does not keep the rest from
// stopping. Without force the call blocks until matched busy handles have
// drained or ctx expires.
func (p *Pool) StopAll(ctx context.Context, filter StopFilter, force bool) error {
	reason := ReasonExplicit
	if filter.SessionEnd {
		reason = ReasonSessionEnd
	}

	type waiter struct {
		e         *entry
		id        string
		condemned bool
	}

	p.mu.Lock()
	var stopNow []*entry
	var drain []waiter
	for _, e := range p.entries {
		if !filter.matches(e) {
			continue
		}
		switch e.state {
		case StateIdle:
			e.state = StateStopping
			e.reason = reason
			stopNow = append(stopNow, e)
		case StateBusy:
			if force {
				e.state = StateStopping
				e.reason = reason
				stopNow = append(stopNow, e)
				continue
			}
			e.condemned = true
			e.reason = reason
			drain = append(drain, waiter{e: e, id: e.id, condemned: true})
		case StateStarting:
			e.condemned = true
			e.reason = reason
			drain = append(drain, waiter{e: e, id: "(starting)", condemned: true})
		case StateStopping:
			// Another path is already tearing this one down; just wait.
			drain = append(drain, waiter{e: e, id: e.id})
		}
	}
	p.mu.Unlock()

	var errs []error
	for _, e := range stopNow {
		if err := p.stopEntry(ctx, e, force); err != nil {
			errs = append(errs, err)
		}
	}
	for _, w := range drain {
		if w.condemned {
			p.publish("daemon.condemned", map[string]any{"daemon_id": w.id, "reason": reason})
		}
		select {
		case <-w.e.stopped:
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("daemon %s: drain interrupted: %w", w.id, ctx.Err()))
		}
	}
	return errors.Join(errs...)
}

// Snapshot lists every live handle in insertion order.
func (p *Pool) Snapshot() []Info {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Info, 0, len(p.entries))
	for _, e := range p.entries {
		out = append(out, infoLocked(e))
	}
	return out
}

// Sweep runs one lifecycle pass over the idle set: handles past the idle
// timeout, handles whose log level has drifted, and handles whose process
// has exited are stopped. Returns the number of handles retired. Claims
// happen under the same mutex Acquire uses, so a sweep never races a
// concurrent claim on the same handle.
func (p *Pool) Sweep(ctx context.Context) int {
	now := p.clock()

	p.mu.Lock()
	var expired []*entry
	for _, e := range p.entries {
		if e.state != StateIdle {
			continue
		}
		switch {
		case clientGone(e.client):
			e.reason = ReasonExited
		case e.fp.LogLevel != p.logLevel:
			e.reason = ReasonLogLevel
		case p.policy.IdleTimeout > 0 && now.Sub(e.lastUsed) >= p.policy.IdleTimeout:
			e.reason = ReasonIdle
		default:
			continue
		}
		e.state = StateStopping
		expired = append(expired, e)
	}
	p.mu.Unlock()

	for _, e := range expired {
		p.stopEntry(ctx, e, false)
	}
	return len(expired)
}

// Run drives the periodic sweep until ctx is canceled.
func (p *Pool) Run(ctx context.Context) {
	interval := p.policy.SweepInterval
	if interval <= 0 {
		interval = DefaultPolicy().SweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Sweep(ctx)
		}
	}
}

// Close ends the session: every handle is stopped except those tagged to
// survive until process exit. Acquire fails with ErrPoolClosed afterwards.
func (p *Pool) Close(ctx context.Context) error {
	return p.shutdown(ctx, StopFilter{SessionEnd: true})
}

// Shutdown stops every handle, surviving ones included. This is the process
// exit path.
func (p *Pool) Shutdown(ctx context.Context) error {
	return p.shutdown(ctx, StopFilter{})
}

func (p *Pool) shutdown(ctx context.Context, filter StopFilter) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	err := p.StopAll(ctx, filter, false)
	p.stops.Wait()
	return err
}

// stopEntry tears one handle down and removes it from the registry. The
// caller must already have claimed the entry by moving it to StateStopping
// under the pool mutex; exactly one goroutine ever gets here per entry.
func (p *Pool) stopEntry(ctx context.Context, e *entry, force bool) error {
	p.mu.Lock()
	client, id, reason := e.client, e.id, e.reason
	p.mu.Unlock()

	var stopErr error
	if client != nil {
		stopErr = client.Stop(ctx, force)
	}

	now := p.clock()
	p.mu.Lock()
	e.state = StateStopped
	p.removeLocked(e)
	p.mu.Unlock()
	close(e.stopped)

	p.recordStop(ctx, id, reason, now)
	if p.metrics != nil {
		p.metrics.DaemonStopped(reason)
	}
	p.publish("daemon.stopped", map[string]any{"daemon_id": id, "reason": reason})
	if stopErr != nil {
		p.logger.Warn("daemon stop failed", "daemon_id", id, "reason", reason, "error", stopErr)
		return fmt.Errorf("stop daemon %s: %w", id, stopErr)
	}
	p.logger.Info("daemon stopped", "daemon_id", id, "reason", reason)
	return nil
}

func (p *Pool) removeLocked(target *entry) {
	for i, e := range p.entries {
		if e == target {
			p.entries = slices.Delete(p.entries, i, i+1)
			return
		}
	}
}

func (p *Pool) recordStart(ctx context.Context, info Info) {
	if p.recorder == nil {
		return
	}
	if err := p.recorder.RecordStart(ctx, info); err != nil {
		p.logger.Warn("ledger write failed", "op", "start", "daemon_id", info.ID, "error", err)
	}
}

func (p *Pool) recordState(ctx context.Context, id string, state State, at time.Time) {
	if p.recorder == nil {
		return
	}
	if err := p.recorder.RecordState(ctx, id, state, at); err != nil {
		p.logger.Warn("ledger write failed", "op", "state", "daemon_id", id, "error", err)
	}
}

func (p *Pool) recordStop(ctx context.Context, id string, reason string, at time.Time) {
	if p.recorder == nil || id == "" {
		return
	}
	if err := p.recorder.RecordStop(ctx, id, reason, at); err != nil {
		p.logger.Warn("ledger write failed", "op", "stop", "daemon_id", id, "error", err)
	}
}

func (p *Pool) publish(eventType string, data any) {
	if p.notifier == nil {
		return
	}
	p.notifier.Publish(eventType, data)
}

func infoLocked(e *entry) Info {
	return Info{
		ID:          e.id,
		PID:         e.pid,
		State:       e.state,
		Fingerprint: e.fp,
		Key:         e.key,
		LogLevel:    e.fp.LogLevel,
		Surviving:   e.fp.Surviving(),
		StartedAt:   e.started,
		LastUsed:    e.lastUsed,
	}
}

// familyKey collapses the log level so level drift can be told apart from a
// genuinely different fingerprint.
func familyKey(fp fingerprint.Fingerprint) string {
	fp.LogLevel = ""
	return fp.Key()
}

func clientGone(c Client) bool {
	if c == nil {
		return false
	}
	select {
	case <-c.Done():
		return true
	default:
		return false
	}
}
