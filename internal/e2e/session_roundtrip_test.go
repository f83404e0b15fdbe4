package e2e

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/journeyman/internal/actions"
	"github.com/mattjoyce/journeyman/internal/config"
	"github.com/mattjoyce/journeyman/internal/dispatch"
	"github.com/mattjoyce/journeyman/internal/envelope"
	"github.com/mattjoyce/journeyman/internal/fingerprint"
	"github.com/mattjoyce/journeyman/internal/session"
	"github.com/mattjoyce/journeyman/internal/storage"
)

func sessionConfig(t *testing.T) *config.Config {
	t.Helper()
	tmp := t.TempDir()
	cfg := config.Defaults()
	cfg.Service.LogLevel = "error"
	cfg.Ledger.Path = filepath.Join(tmp, "daemons.db")
	cfg.Workspace.Dir = filepath.Join(tmp, "workspaces")
	return cfg
}

func openSession(t *testing.T) *session.Session {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	catalog, err := actions.DefaultCatalog()
	require.NoError(t, err)

	s, err := session.New(ctx, sessionConfig(t), session.WithCatalog(catalog))
	require.NoError(t, err)
	s.Run(ctx)
	t.Cleanup(func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer stopCancel()
		_ = s.Shutdown(stopCtx)
	})
	return s
}

func TestSessionProcessIsolationRoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns worker processes")
	}

	s := openSession(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	res, err := s.Submit(ctx, dispatch.Submission{
		ActionType: "echo",
		Params:     []any{"through the pool"},
		Isolation:  envelope.IsolationProcess,
		Fingerprint: fingerprint.Fingerprint{
			Env: map[string]string{workerEnvVar: "1"},
		},
	})
	require.NoError(t, err)
	assert.False(t, res.Void)
	assert.Equal(t, "through the pool", res.Value)

	// The worker is recorded in the ledger under this session.
	rows, err := s.Store().List(ctx, storage.ListFilter{SessionID: s.ID, LiveOnly: true})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.NotZero(t, rows[0].PID)
}

func TestSessionReusesIdleWorker(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns worker processes")
	}

	s := openSession(t)
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	sub := dispatch.Submission{
		ActionType: "echo",
		Params:     []any{"one"},
		Isolation:  envelope.IsolationProcess,
		Fingerprint: fingerprint.Fingerprint{
			Env: map[string]string{workerEnvVar: "1"},
		},
	}

	_, err := s.Submit(ctx, sub)
	require.NoError(t, err)

	sub.Params = []any{"two"}
	res, err := s.Submit(ctx, sub)
	require.NoError(t, err)
	assert.Equal(t, "two", res.Value)

	// Same fingerprint, same worker.
	assert.Len(t, s.Pool().Snapshot(), 1)
}

func TestSessionShutdownStopsWorkers(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns worker processes")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	cfg := sessionConfig(t)
	catalog, err := actions.DefaultCatalog()
	require.NoError(t, err)

	s, err := session.New(ctx, cfg, session.WithCatalog(catalog))
	require.NoError(t, err)
	s.Run(ctx)

	_, err = s.Submit(ctx, dispatch.Submission{
		ActionType: "echo",
		Params:     []any{"bye"},
		Isolation:  envelope.IsolationProcess,
		Fingerprint: fingerprint.Fingerprint{
			Env: map[string]string{workerEnvVar: "1"},
		},
	})
	require.NoError(t, err)

	sessionID := s.ID
	require.NoError(t, s.Shutdown(ctx))
	assert.Empty(t, s.Pool().Snapshot())

	// Reopen the ledger and confirm the worker row was marked stopped.
	db, err := storage.OpenSQLite(ctx, cfg.Ledger.Path)
	require.NoError(t, err)
	defer db.Close()

	store := storage.NewDaemonStore(db, sessionID)
	rows, err := store.List(ctx, storage.ListFilter{SessionID: sessionID, LiveOnly: true})
	require.NoError(t, err)
	assert.Empty(t, rows)
}
