package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattjoyce/journeyman/internal/fingerprint"
	"github.com/mattjoyce/journeyman/internal/pool"
)

// ErrDaemonNotFound is returned when a ledger row does not exist.
var ErrDaemonNotFound = errors.New("daemon not found in ledger")

// DaemonRow is one ledger record. Stopped rows stay around until pruned so
// `daemons inspect` can explain what happened after the fact.
type DaemonRow struct {
	DaemonID       string
	SessionID      string
	PID            int
	FingerprintKey string
	LogLevel       string
	KeepAlive      string
	State          string
	StartedAt      time.Time
	LastUsedAt     *time.Time
	StoppedAt      *time.Time
	StopReason     string
}

// Live reports whether the row's state claims a running process.
func (r DaemonRow) Live() bool {
	switch pool.State(r.State) {
	case pool.StateStarting, pool.StateIdle, pool.StateBusy, pool.StateStopping:
		return true
	}
	return false
}

// DaemonStore persists daemon lifecycle transitions for one session. It
// satisfies pool.Recorder; the reaper and CLI use the read side.
type DaemonStore struct {
	db        *sql.DB
	sessionID string
}

var _ pool.Recorder = (*DaemonStore)(nil)

// NewDaemonStore creates a store writing rows under sessionID.
func NewDaemonStore(db *sql.DB, sessionID string) *DaemonStore {
	return &DaemonStore{db: db, sessionID: sessionID}
}

// RecordStart inserts the row for a freshly started daemon.
func (s *DaemonStore) RecordStart(ctx context.Context, info pool.Info) error {
	now := info.StartedAt
	if now.IsZero() {
		now = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO daemons(
  daemon_id, session_id, pid, fingerprint_key, log_level, keep_alive, state, started_at, last_used_at
)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?);
`,
		info.ID, s.sessionID, info.PID, info.Key, info.LogLevel,
		string(info.Fingerprint.KeepAlive), string(info.State),
		stamp(now), stamp(info.LastUsed),
	)
	if err != nil {
		return fmt.Errorf("record daemon start: %w", err)
	}
	return nil
}

// RecordState updates a daemon's state and last-used stamp.
func (s *DaemonStore) RecordState(ctx context.Context, daemonID string, state pool.State, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE daemons SET state = ?, last_used_at = ? WHERE daemon_id = ?;
`, string(state), stamp(at), daemonID)
	if err != nil {
		return fmt.Errorf("record daemon state: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrDaemonNotFound
	}
	return nil
}

// RecordStop finalizes a daemon's row with the reason it was retired.
func (s *DaemonStore) RecordStop(ctx context.Context, daemonID string, reason string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE daemons SET state = ?, stopped_at = ?, stop_reason = ? WHERE daemon_id = ?;
`, string(pool.StateStopped), stamp(at), reason, daemonID)
	if err != nil {
		return fmt.Errorf("record daemon stop: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrDaemonNotFound
	}
	return nil
}

// ListFilter narrows List results. The zero value lists everything.
type ListFilter struct {
	SessionID string
	LiveOnly  bool
}

// List returns ledger rows, oldest first.
func (s *DaemonStore) List(ctx context.Context, filter ListFilter) ([]DaemonRow, error) {
	query := `
SELECT daemon_id, session_id, pid, fingerprint_key, log_level, keep_alive, state,
       started_at, last_used_at, stopped_at, stop_reason
FROM daemons`
	var conds []string
	var args []any
	if filter.SessionID != "" {
		conds = append(conds, "session_id = ?")
		args = append(args, filter.SessionID)
	}
	if filter.LiveOnly {
		conds = append(conds, "state IN (?, ?, ?, ?)")
		args = append(args,
			string(pool.StateStarting), string(pool.StateIdle),
			string(pool.StateBusy), string(pool.StateStopping))
	}
	for i, c := range conds {
		if i == 0 {
			query += " WHERE " + c
		} else {
			query += " AND " + c
		}
	}
	query += " ORDER BY started_at, daemon_id;"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list daemons: %w", err)
	}
	defer rows.Close()

	var out []DaemonRow
	for rows.Next() {
		row, err := scanDaemon(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list daemons: %w", err)
	}
	return out, nil
}

// Get returns one ledger row by daemon id.
func (s *DaemonStore) Get(ctx context.Context, daemonID string) (DaemonRow, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT daemon_id, session_id, pid, fingerprint_key, log_level, keep_alive, state,
       started_at, last_used_at, stopped_at, stop_reason
FROM daemons WHERE daemon_id = ?;
`, daemonID)
	if err != nil {
		return DaemonRow{}, fmt.Errorf("get daemon: %w", err)
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return DaemonRow{}, fmt.Errorf("get daemon: %w", err)
		}
		return DaemonRow{}, ErrDaemonNotFound
	}
	return scanDaemon(rows)
}

// LiveCount returns the number of rows claiming a running process.
func (s *DaemonStore) LiveCount(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
SELECT COUNT(*) FROM daemons WHERE state IN (?, ?, ?, ?);
`,
		string(pool.StateStarting), string(pool.StateIdle),
		string(pool.StateBusy), string(pool.StateStopping),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count live daemons: %w", err)
	}
	return n, nil
}

// MarkStopped force-finalizes a row regardless of its recorded state. The
// reaper uses this for rows whose process is gone.
func (s *DaemonStore) MarkStopped(ctx context.Context, daemonID, reason string) error {
	return s.RecordStop(ctx, daemonID, reason, time.Now())
}

// PruneStopped deletes stopped rows older than olderThan. Returns the
// number of rows removed.
func (s *DaemonStore) PruneStopped(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := stamp(time.Now().Add(-olderThan))
	res, err := s.db.ExecContext(ctx, `
DELETE FROM daemons WHERE state = ? AND stopped_at IS NOT NULL AND stopped_at < ?;
`, string(pool.StateStopped), cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune stopped daemons: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune stopped daemons: %w", err)
	}
	return int(n), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDaemon(rs rowScanner) (DaemonRow, error) {
	var (
		row                           DaemonRow
		startedAt                     string
		lastUsedAt, stoppedAt, reason sql.NullString
	)
	if err := rs.Scan(
		&row.DaemonID, &row.SessionID, &row.PID, &row.FingerprintKey,
		&row.LogLevel, &row.KeepAlive, &row.State,
		&startedAt, &lastUsedAt, &stoppedAt, &reason,
	); err != nil {
		return DaemonRow{}, fmt.Errorf("scan daemon row: %w", err)
	}

	var err error
	if row.StartedAt, err = time.Parse(time.RFC3339Nano, startedAt); err != nil {
		return DaemonRow{}, fmt.Errorf("parse started_at: %w", err)
	}
	if row.LastUsedAt, err = parseStamp(lastUsedAt); err != nil {
		return DaemonRow{}, fmt.Errorf("parse last_used_at: %w", err)
	}
	if row.StoppedAt, err = parseStamp(stoppedAt); err != nil {
		return DaemonRow{}, fmt.Errorf("parse stopped_at: %w", err)
	}
	row.StopReason = reason.String
	return row, nil
}

// stamp renders a timestamp the way every table stores them. Zero times
// become NULL.
func stamp(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseStamp(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// Surviving reports whether a row was started from a fingerprint tagged to
// outlive its session.
func (r DaemonRow) Surviving() bool {
	return fingerprint.KeepAlive(r.KeepAlive) == fingerprint.KeepAliveProcess
}
