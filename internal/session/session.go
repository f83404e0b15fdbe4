package session

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mattjoyce/journeyman/internal/action"
	"github.com/mattjoyce/journeyman/internal/api"
	"github.com/mattjoyce/journeyman/internal/config"
	"github.com/mattjoyce/journeyman/internal/daemon"
	"github.com/mattjoyce/journeyman/internal/dispatch"
	"github.com/mattjoyce/journeyman/internal/events"
	"github.com/mattjoyce/journeyman/internal/fingerprint"
	"github.com/mattjoyce/journeyman/internal/log"
	"github.com/mattjoyce/journeyman/internal/metrics"
	"github.com/mattjoyce/journeyman/internal/pool"
	"github.com/mattjoyce/journeyman/internal/storage"
	"github.com/mattjoyce/journeyman/internal/workspace"

	"github.com/mattjoyce/journeyman/internal/auth"
)

// Session owns one build's worth of daemons and the plumbing around them:
// the ledger, the pool, the dispatcher, events and metrics. Closing a
// session stops its daemons; fingerprints tagged to survive the session
// stay up until Shutdown.
type Session struct {
	ID string

	cfg        *config.Config
	db         *sql.DB
	store      *storage.DaemonStore
	hub        *events.Hub
	metrics    *metrics.Collector
	pool       *pool.Pool
	dispatcher *dispatch.Dispatcher
	catalog    *action.Catalog
	logger     *slog.Logger

	mu       sync.Mutex
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	closed   bool
	shutDown bool
}

// Option configures a Session.
type Option func(*options)

type options struct {
	starter pool.Starter
	catalog *action.Catalog
	clock   func() time.Time
}

// WithStarter overrides how worker daemons are launched. Tests use this
// to inject fakes; production uses the worker binary from config.
func WithStarter(s pool.Starter) Option {
	return func(o *options) { o.starter = s }
}

// WithCatalog supplies the compiled-in action providers.
func WithCatalog(c *action.Catalog) Option {
	return func(o *options) { o.catalog = c }
}

// WithClock overrides the pool's time source.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.clock = now }
}

// New assembles a session from configuration. The ledger is opened and
// bootstrapped, the pool and dispatcher are wired, but no daemons start
// until work arrives.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Session, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	sessionID := uuid.NewString()
	logger := log.WithComponent("session").With("session_id", sessionID)

	if err := os.MkdirAll(filepath.Dir(cfg.Ledger.Path), 0o755); err != nil {
		return nil, fmt.Errorf("create ledger directory: %w", err)
	}
	if err := storage.ValidateLedgerFilesystem(cfg.Ledger.Path); err != nil {
		// Network filesystems break SQLite locking; warn but keep going.
		logger.Warn("ledger filesystem check failed", "error", err)
	}

	db, err := storage.OpenSQLite(ctx, cfg.Ledger.Path)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}

	store := storage.NewDaemonStore(db, sessionID)
	hub := events.NewHub(256)
	collector := metrics.NewCollector()

	catalog := o.catalog
	if catalog == nil {
		catalog = action.NewCatalog()
	}

	starter := o.starter
	if starter == nil {
		st, err := workerStarter(cfg, sessionID)
		if err != nil {
			db.Close()
			return nil, err
		}
		starter = st
	}

	poolOpts := []pool.Option{
		pool.WithPolicy(pool.Policy{
			IdleTimeout:   time.Duration(cfg.Pool.IdleTimeout),
			SweepInterval: time.Duration(cfg.Pool.SweepInterval),
		}),
		pool.WithRecorder(store),
		pool.WithNotifier(hub),
		pool.WithMetrics(collector),
		pool.WithLogLevel(cfg.Service.LogLevel),
	}
	if o.clock != nil {
		poolOpts = append(poolOpts, pool.WithClock(o.clock))
	}
	p := pool.New(starter, poolOpts...)

	dispatcher, err := dispatch.New(catalog, p,
		dispatch.WithMetrics(collector),
	)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("build dispatcher: %w", err)
	}

	s := &Session{
		ID:         sessionID,
		cfg:        cfg,
		db:         db,
		store:      store,
		hub:        hub,
		metrics:    collector,
		pool:       p,
		dispatcher: dispatcher,
		catalog:    catalog,
		logger:     logger,
	}

	logger.Info("session opened", "ledger", cfg.Ledger.Path)
	return s, nil
}

// workerStarter builds the production starter from config, with managed
// scratch directories for fingerprints that do not pin a work dir.
func workerStarter(cfg *config.Config, sessionID string) (pool.Starter, error) {
	binary := cfg.Worker.Binary
	if binary == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("resolve worker binary: %w", err)
		}
		binary = exe
	}

	opts := []daemon.StarterOption{
		daemon.WithHandshakeTimeout(time.Duration(cfg.Worker.HandshakeTimeout)),
		daemon.WithGracePeriod(time.Duration(cfg.Worker.GracePeriod)),
	}
	if len(cfg.Worker.ExtraArgs) > 0 {
		opts = append(opts, daemon.WithExtraArgs(cfg.Worker.ExtraArgs))
	}
	if cfg.Workspace.Dir != "" {
		mgr, err := workspace.NewFSManager(cfg.Workspace.Dir)
		if err != nil {
			return nil, fmt.Errorf("workspace manager: %w", err)
		}
		logger := log.WithComponent("workspace")
		opts = append(opts,
			daemon.WithWorkDirFunc(func(launchID string) (string, error) {
				ws, err := mgr.Create(context.Background(), launchID)
				if err != nil {
					return "", err
				}
				return ws.Dir, nil
			}),
			daemon.WithWorkDirCleanup(func(launchID string) {
				if err := mgr.Remove(context.Background(), launchID); err != nil {
					logger.Warn("workspace cleanup failed", "launch_id", launchID, "error", err)
				}
			}),
		)
	}

	st := daemon.NewStarter(binary, sessionID, opts...)
	return pool.StarterFunc(func(ctx context.Context, fp fingerprint.Fingerprint) (pool.Client, error) {
		return st.Start(ctx, fp)
	}), nil
}

// Run starts the background sweeper and, when enabled, the admin API.
// It returns once the background goroutines are launched.
func (s *Session) Run(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.pool.Run(runCtx)
	}()

	if s.cfg.API.Enabled {
		tokens := make([]auth.TokenConfig, 0, len(s.cfg.API.Auth.Tokens))
		for _, t := range s.cfg.API.Auth.Tokens {
			tokens = append(tokens, auth.TokenConfig{Token: t.Token, Scopes: t.Scopes})
		}
		server := api.New(api.Config{
			Listen: s.cfg.API.Listen,
			APIKey: s.cfg.API.Auth.APIKey,
			Tokens: tokens,
		}, s.pool, s.dispatcher, s.hub, s.metrics.Handler(), log.WithComponent("api"))

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := server.Start(runCtx); err != nil && err != context.Canceled {
				s.logger.Error("API server stopped", "error", err)
			}
		}()
	}
}

// Submit runs one unit of work under its requested isolation mode.
func (s *Session) Submit(ctx context.Context, sub dispatch.Submission) (dispatch.Result, error) {
	return s.dispatcher.Submit(ctx, sub)
}

// SetLogLevel moves the session to a new log level. Running daemons at
// the old level are condemned lazily and replaced on next use.
func (s *Session) SetLogLevel(level string) {
	s.pool.SetLogLevel(level)
	s.logger.Info("log level changed", "level", level)
}

// Pool exposes the daemon pool for admin surfaces.
func (s *Session) Pool() *pool.Pool { return s.pool }

// Events exposes the lifecycle event hub.
func (s *Session) Events() *events.Hub { return s.hub }

// Store exposes the daemon ledger.
func (s *Session) Store() *storage.DaemonStore { return s.store }

// Metrics exposes the session's collector.
func (s *Session) Metrics() *metrics.Collector { return s.metrics }

// Dispatcher exposes the work dispatcher.
func (s *Session) Dispatcher() *dispatch.Dispatcher { return s.dispatcher }

// Close ends the session: session-scoped daemons stop, surviving ones
// stay up. While survivors remain the ledger connection stays open so a
// later Shutdown can finalize their rows.
func (s *Session) Close(ctx context.Context) error {
	return s.teardown(ctx, false)
}

// Shutdown stops everything, surviving daemons included. This is the
// process exit path and works after Close: daemons that outlived the
// session are still stopped here.
func (s *Session) Shutdown(ctx context.Context) error {
	return s.teardown(ctx, true)
}

func (s *Session) teardown(ctx context.Context, full bool) error {
	s.mu.Lock()
	if s.shutDown || (!full && s.closed) {
		s.mu.Unlock()
		return nil
	}
	first := !s.closed
	s.closed = true
	if full {
		s.shutDown = true
	}
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	var poolErr error
	if full {
		poolErr = s.pool.Shutdown(ctx)
	} else {
		poolErr = s.pool.Close(ctx)
	}

	if first {
		if cancel != nil {
			cancel()
		}
		s.wg.Wait()
	}

	if full || len(s.pool.Snapshot()) == 0 {
		s.mu.Lock()
		db := s.db
		s.db = nil
		s.mu.Unlock()
		if db != nil {
			if err := db.Close(); err != nil && poolErr == nil {
				poolErr = fmt.Errorf("close ledger: %w", err)
			}
		}
	}

	s.logger.Info("session closed", "full_shutdown", full)
	return poolErr
}
