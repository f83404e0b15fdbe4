package session_test

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/mattjoyce/journeyman/internal/action"
	"github.com/mattjoyce/journeyman/internal/codec"
	"github.com/mattjoyce/journeyman/internal/config"
	"github.com/mattjoyce/journeyman/internal/dispatch"
	"github.com/mattjoyce/journeyman/internal/envelope"
	"github.com/mattjoyce/journeyman/internal/fingerprint"
	"github.com/mattjoyce/journeyman/internal/log"
	"github.com/mattjoyce/journeyman/internal/pool"
	"github.com/mattjoyce/journeyman/internal/session"
	"github.com/mattjoyce/journeyman/internal/storage"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR")
	os.Exit(m.Run())
}

type echoProvider struct{}

func (p *echoProvider) Name() string { return "testkit" }

func (p *echoProvider) Register(reg *action.Registry) error {
	return reg.Register("echo", func(_ context.Context, params []codec.RawMessage) (any, error) {
		if len(params) == 0 {
			return nil, nil
		}
		var s string
		if err := envelope.DecodeParam(params[0], &s); err != nil {
			return nil, err
		}
		return s, nil
	})
}

func echoCatalog(t *testing.T) *action.Catalog {
	t.Helper()
	catalog := action.NewCatalog()
	if err := catalog.Add(&echoProvider{}); err != nil {
		t.Fatalf("catalog: %v", err)
	}
	return catalog
}

type fakeClient struct {
	id        string
	fp        fingerprint.Fingerprint
	done      chan struct{}
	closeOnce sync.Once

	stops atomic.Int32
}

func newFakeClient(fp fingerprint.Fingerprint) *fakeClient {
	return &fakeClient{
		id:   uuid.NewString(),
		fp:   fp.Normalize(),
		done: make(chan struct{}),
	}
}

func (c *fakeClient) ID() string                           { return c.id }
func (c *fakeClient) PID() int                             { return 4242 }
func (c *fakeClient) Fingerprint() fingerprint.Fingerprint { return c.fp }
func (c *fakeClient) LogLevel() string                     { return c.fp.LogLevel }
func (c *fakeClient) StartedAt() time.Time                 { return time.Now() }
func (c *fakeClient) Done() <-chan struct{}                { return c.done }

func (c *fakeClient) Execute(ctx context.Context, req *envelope.Request) (*envelope.Response, error) {
	var result codec.RawMessage
	if len(req.Params) > 0 {
		result = req.Params[0]
	}
	return envelope.Succeed(req.WorkID, result), nil
}

func (c *fakeClient) Stop(ctx context.Context, force bool) error {
	c.stops.Add(1)
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}

type fakeStarter struct {
	mu      sync.Mutex
	started []*fakeClient
}

func (s *fakeStarter) Start(ctx context.Context, fp fingerprint.Fingerprint) (pool.Client, error) {
	c := newFakeClient(fp)
	s.mu.Lock()
	s.started = append(s.started, c)
	s.mu.Unlock()
	return c, nil
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Defaults()
	dir := t.TempDir()
	cfg.Ledger.Path = filepath.Join(dir, "daemons.db")
	cfg.Workspace.Dir = filepath.Join(dir, "workspaces")
	return cfg
}

func TestSessionSubmitInline(t *testing.T) {
	s, err := session.New(context.Background(), testConfig(t),
		session.WithCatalog(echoCatalog(t)),
		session.WithStarter(&fakeStarter{}),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Shutdown(context.Background())

	result, err := s.Submit(context.Background(), dispatch.Submission{
		ActionType: "echo",
		Params:     []any{"hello"},
		Isolation:  envelope.IsolationInline,
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if result.Value != "hello" {
		t.Errorf("value = %v, want hello", result.Value)
	}
}

func TestSessionProcessWorkRecordsLedger(t *testing.T) {
	starter := &fakeStarter{}
	s, err := session.New(context.Background(), testConfig(t),
		session.WithCatalog(echoCatalog(t)),
		session.WithStarter(starter),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Shutdown(context.Background())

	_, err = s.Submit(context.Background(), dispatch.Submission{
		ActionType: "echo",
		Params:     []any{"payload"},
		Isolation:  envelope.IsolationProcess,
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if len(starter.started) != 1 {
		t.Fatalf("started = %d daemons, want 1", len(starter.started))
	}

	rows, err := s.Store().List(context.Background(), storage.ListFilter{SessionID: s.ID})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("ledger rows = %d, want 1", len(rows))
	}
	if rows[0].DaemonID != starter.started[0].id {
		t.Errorf("ledger daemon id = %q, want %q", rows[0].DaemonID, starter.started[0].id)
	}
}

func TestSessionCloseSparesSurvivingDaemons(t *testing.T) {
	starter := &fakeStarter{}
	s, err := session.New(context.Background(), testConfig(t),
		session.WithCatalog(echoCatalog(t)),
		session.WithStarter(starter),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	surviving := fingerprint.Fingerprint{
		Args:      []string{"--surviving"},
		KeepAlive: fingerprint.KeepAliveProcess,
	}
	d, err := s.Pool().Acquire(context.Background(), surviving)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	s.Pool().Release(d)

	d2, err := s.Pool().Acquire(context.Background(), fingerprint.Fingerprint{Args: []string{"--scoped"}})
	if err != nil {
		t.Fatalf("Acquire scoped: %v", err)
	}
	s.Pool().Release(d2)

	if err := s.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if got := starter.started[0].stops.Load(); got != 0 {
		t.Errorf("surviving daemon stopped %d times on session close", got)
	}
	if got := starter.started[1].stops.Load(); got == 0 {
		t.Error("session-scoped daemon should stop on session close")
	}
}

func TestSessionShutdownStopsEverything(t *testing.T) {
	starter := &fakeStarter{}
	s, err := session.New(context.Background(), testConfig(t),
		session.WithCatalog(echoCatalog(t)),
		session.WithStarter(starter),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	surviving := fingerprint.Fingerprint{KeepAlive: fingerprint.KeepAliveProcess}
	d, err := s.Pool().Acquire(context.Background(), surviving)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	s.Pool().Release(d)

	if err := s.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if got := starter.started[0].stops.Load(); got == 0 {
		t.Error("surviving daemon should stop on full shutdown")
	}
}

func TestSessionRunAndTeardownIdempotent(t *testing.T) {
	s, err := session.New(context.Background(), testConfig(t),
		session.WithCatalog(echoCatalog(t)),
		session.WithStarter(&fakeStarter{}),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	s.Run(context.Background())

	if err := s.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.Close(context.Background()); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if err := s.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown after Close: %v", err)
	}
	if err := s.Shutdown(context.Background()); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}
}

func TestSessionShutdownAfterCloseStopsSurvivors(t *testing.T) {
	starter := &fakeStarter{}
	cfg := testConfig(t)
	s, err := session.New(context.Background(), cfg,
		session.WithCatalog(echoCatalog(t)),
		session.WithStarter(starter),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	surviving := fingerprint.Fingerprint{KeepAlive: fingerprint.KeepAliveProcess}
	d, err := s.Pool().Acquire(context.Background(), surviving)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	s.Pool().Release(d)

	if err := s.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if got := starter.started[0].stops.Load(); got != 0 {
		t.Fatalf("surviving daemon stopped %d times on session close", got)
	}

	if err := s.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown after Close: %v", err)
	}
	if got := starter.started[0].stops.Load(); got == 0 {
		t.Error("surviving daemon must stop at process exit")
	}

	db, err := storage.OpenSQLite(context.Background(), cfg.Ledger.Path)
	if err != nil {
		t.Fatalf("reopen ledger: %v", err)
	}
	defer db.Close()
	rows, err := storage.NewDaemonStore(db, s.ID).List(context.Background(),
		storage.ListFilter{SessionID: s.ID, LiveOnly: true})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(rows) != 0 {
		t.Errorf("live ledger rows after shutdown = %d, want 0", len(rows))
	}
}

func TestSessionSetLogLevelCondemnsIdle(t *testing.T) {
	starter := &fakeStarter{}
	s, err := session.New(context.Background(), testConfig(t),
		session.WithCatalog(echoCatalog(t)),
		session.WithStarter(starter),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Shutdown(context.Background())

	fp := fingerprint.Fingerprint{Args: []string{"--tool"}}
	d, err := s.Pool().Acquire(context.Background(), fp)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	s.Pool().Release(d)

	s.SetLogLevel("debug")

	d2, err := s.Pool().Acquire(context.Background(), fp)
	if err != nil {
		t.Fatalf("Acquire after level change: %v", err)
	}
	defer s.Pool().Release(d2)

	if len(starter.started) != 2 {
		t.Fatalf("started = %d daemons, want 2 (old level retired)", len(starter.started))
	}
	if starter.started[1].fp.LogLevel != "debug" {
		t.Errorf("replacement log level = %q, want debug", starter.started[1].fp.LogLevel)
	}
}
