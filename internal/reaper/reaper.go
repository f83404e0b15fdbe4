// Package reaper reconciles the daemon ledger against the live process
// table. Crashed builds leave two kinds of debris: ledger rows claiming a
// daemon is alive when its process is gone, and orphaned worker processes
// no ledger row claims. The reaper fixes both.
package reaper

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/mattjoyce/journeyman/internal/lock"
	"github.com/mattjoyce/journeyman/internal/log"
	"github.com/mattjoyce/journeyman/internal/storage"
)

// ReasonGone marks ledger rows whose process disappeared.
const ReasonGone = "reaped:gone"

// ProcessInfo is one row of the process table as the reaper sees it.
type ProcessInfo struct {
	PID       int
	Cmdline   []string
	StartedAt time.Time
}

// Processes abstracts the OS process table. The production implementation
// uses gopsutil; tests inject fakes.
type Processes interface {
	List(ctx context.Context) ([]ProcessInfo, error)
	Kill(pid int) error
}

// Ledger is the reaper's view of the daemon store.
type Ledger interface {
	List(ctx context.Context, filter storage.ListFilter) ([]storage.DaemonRow, error)
	MarkStopped(ctx context.Context, daemonID, reason string) error
}

// Options tune one sweep.
type Options struct {
	// WorkerBinary is the executable worker daemons were spawned from.
	// Only processes running this binary are reap candidates.
	WorkerBinary string
	// LockPath guards against concurrent reapers. Empty skips locking.
	LockPath string
	// DryRun reports what would happen without killing or updating rows.
	DryRun bool
	// GracePeriod spares processes younger than this from orphan kills,
	// so a worker mid-handshake is not shot before its ledger row lands.
	GracePeriod time.Duration
}

// Report summarizes one sweep.
type Report struct {
	RowsMarkedGone  int
	OrphansKilled   int
	OrphanPIDs      []int
	GoneDaemonIDs   []string
	ProcessesSeen   int
	WorkersExamined int
}

// Reaper cross-references ledger rows with live processes.
type Reaper struct {
	procs  Processes
	ledger Ledger
	logger *slog.Logger
}

// New builds a reaper over the given process table and ledger.
func New(procs Processes, ledger Ledger) *Reaper {
	return &Reaper{
		procs:  procs,
		ledger: ledger,
		logger: log.WithComponent("reaper"),
	}
}

// Sweep runs one reconciliation pass.
func (r *Reaper) Sweep(ctx context.Context, opts Options) (Report, error) {
	if opts.LockPath != "" {
		pl, err := lock.AcquirePIDLock(opts.LockPath)
		if err != nil {
			return Report{}, fmt.Errorf("another reaper is running: %w", err)
		}
		defer pl.Release()
	}

	procs, err := r.procs.List(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("list processes: %w", err)
	}

	rows, err := r.ledger.List(ctx, storage.ListFilter{LiveOnly: true})
	if err != nil {
		return Report{}, fmt.Errorf("list live ledger rows: %w", err)
	}

	report := Report{ProcessesSeen: len(procs)}

	byPID := make(map[int]ProcessInfo, len(procs))
	for _, p := range procs {
		byPID[p.PID] = p
	}

	// Pass one: ledger rows whose process is gone or no longer a worker.
	claimed := make(map[int]bool, len(rows))
	for _, row := range rows {
		p, alive := byPID[row.PID]
		if alive && isWorker(p, opts.WorkerBinary) {
			claimed[row.PID] = true
			continue
		}
		report.RowsMarkedGone++
		report.GoneDaemonIDs = append(report.GoneDaemonIDs, row.DaemonID)
		if opts.DryRun {
			continue
		}
		if err := r.ledger.MarkStopped(ctx, row.DaemonID, ReasonGone); err != nil {
			r.logger.Error("failed to mark daemon reaped", "daemon_id", row.DaemonID, "error", err)
		} else {
			r.logger.Info("marked vanished daemon", "daemon_id", row.DaemonID, "pid", row.PID)
		}
	}

	// Pass two: worker processes no live ledger row claims.
	now := time.Now()
	for _, p := range procs {
		if !isWorker(p, opts.WorkerBinary) {
			continue
		}
		report.WorkersExamined++
		if claimed[p.PID] {
			continue
		}
		// A worker mid-handshake has no ledger row yet; leave young
		// processes alone.
		if opts.GracePeriod > 0 && !p.StartedAt.IsZero() && now.Sub(p.StartedAt) < opts.GracePeriod {
			continue
		}
		report.OrphansKilled++
		report.OrphanPIDs = append(report.OrphanPIDs, p.PID)
		if opts.DryRun {
			continue
		}
		if err := r.procs.Kill(p.PID); err != nil {
			r.logger.Error("failed to kill orphan worker", "pid", p.PID, "error", err)
		} else {
			r.logger.Info("killed orphan worker", "pid", p.PID)
		}
	}

	return report, nil
}

// isWorker reports whether p looks like one of our worker daemons: the
// right binary with the worker subcommand as its first argument.
func isWorker(p ProcessInfo, workerBinary string) bool {
	if len(p.Cmdline) < 2 {
		return false
	}
	if workerBinary != "" {
		if filepath.Base(p.Cmdline[0]) != filepath.Base(workerBinary) {
			return false
		}
	} else if !strings.Contains(filepath.Base(p.Cmdline[0]), "journeyman") {
		return false
	}
	return p.Cmdline[1] == "worker"
}
