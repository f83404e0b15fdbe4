package reaper

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mattjoyce/journeyman/internal/log"
	"github.com/mattjoyce/journeyman/internal/storage"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR")
	os.Exit(m.Run())
}

type fakeProcs struct {
	procs  []ProcessInfo
	killed []int
}

func (f *fakeProcs) List(ctx context.Context) ([]ProcessInfo, error) {
	return f.procs, nil
}

func (f *fakeProcs) Kill(pid int) error {
	f.killed = append(f.killed, pid)
	return nil
}

type fakeLedger struct {
	rows    []storage.DaemonRow
	stopped map[string]string
}

func (f *fakeLedger) List(ctx context.Context, filter storage.ListFilter) ([]storage.DaemonRow, error) {
	return f.rows, nil
}

func (f *fakeLedger) MarkStopped(ctx context.Context, daemonID, reason string) error {
	if f.stopped == nil {
		f.stopped = make(map[string]string)
	}
	f.stopped[daemonID] = reason
	return nil
}

func worker(pid int, age time.Duration) ProcessInfo {
	return ProcessInfo{
		PID:       pid,
		Cmdline:   []string{"/usr/local/bin/journeyman", "worker", "--log-level", "info"},
		StartedAt: time.Now().Add(-age),
	}
}

func liveRow(id string, pid int) storage.DaemonRow {
	return storage.DaemonRow{DaemonID: id, PID: pid, State: "idle"}
}

func TestSweepMarksVanishedDaemons(t *testing.T) {
	procs := &fakeProcs{procs: []ProcessInfo{worker(100, time.Minute)}}
	ledger := &fakeLedger{rows: []storage.DaemonRow{
		liveRow("d-alive", 100),
		liveRow("d-gone", 200), // no such process
	}}

	report, err := New(procs, ledger).Sweep(context.Background(), Options{})
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}

	if report.RowsMarkedGone != 1 {
		t.Errorf("marked gone = %d, want 1", report.RowsMarkedGone)
	}
	if reason := ledger.stopped["d-gone"]; reason != ReasonGone {
		t.Errorf("d-gone reason = %q, want %q", reason, ReasonGone)
	}
	if _, ok := ledger.stopped["d-alive"]; ok {
		t.Error("d-alive should not be touched")
	}
}

func TestSweepMarksRowsWhosePIDWasRecycled(t *testing.T) {
	// PID 300 exists but is not a worker: the row's process is gone.
	procs := &fakeProcs{procs: []ProcessInfo{
		{PID: 300, Cmdline: []string{"/usr/bin/vim", "notes.txt"}},
	}}
	ledger := &fakeLedger{rows: []storage.DaemonRow{liveRow("d-recycled", 300)}}

	report, err := New(procs, ledger).Sweep(context.Background(), Options{})
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if report.RowsMarkedGone != 1 {
		t.Errorf("marked gone = %d, want 1", report.RowsMarkedGone)
	}
}

func TestSweepKillsOrphanWorkers(t *testing.T) {
	procs := &fakeProcs{procs: []ProcessInfo{
		worker(100, time.Minute), // claimed
		worker(101, time.Minute), // orphan
	}}
	ledger := &fakeLedger{rows: []storage.DaemonRow{liveRow("d-1", 100)}}

	report, err := New(procs, ledger).Sweep(context.Background(), Options{})
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}

	if report.OrphansKilled != 1 {
		t.Errorf("orphans killed = %d, want 1", report.OrphansKilled)
	}
	if len(procs.killed) != 1 || procs.killed[0] != 101 {
		t.Errorf("killed = %v, want [101]", procs.killed)
	}
}

func TestSweepSparesYoungOrphans(t *testing.T) {
	procs := &fakeProcs{procs: []ProcessInfo{worker(102, time.Second)}}
	ledger := &fakeLedger{}

	report, err := New(procs, ledger).Sweep(context.Background(), Options{
		GracePeriod: 30 * time.Second,
	})
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if report.OrphansKilled != 0 {
		t.Errorf("orphans killed = %d, want 0 inside grace period", report.OrphansKilled)
	}
	if len(procs.killed) != 0 {
		t.Errorf("killed = %v, want none", procs.killed)
	}
}

func TestSweepIgnoresUnrelatedProcesses(t *testing.T) {
	procs := &fakeProcs{procs: []ProcessInfo{
		{PID: 1, Cmdline: []string{"/sbin/init"}},
		{PID: 2, Cmdline: []string{"/usr/bin/other-tool", "worker"}},
	}}
	ledger := &fakeLedger{}

	report, err := New(procs, ledger).Sweep(context.Background(), Options{
		WorkerBinary: "/usr/local/bin/journeyman",
	})
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if report.WorkersExamined != 0 {
		t.Errorf("workers examined = %d, want 0", report.WorkersExamined)
	}
	if len(procs.killed) != 0 {
		t.Errorf("killed = %v, want none", procs.killed)
	}
}

func TestSweepDryRunTouchesNothing(t *testing.T) {
	procs := &fakeProcs{procs: []ProcessInfo{worker(101, time.Minute)}}
	ledger := &fakeLedger{rows: []storage.DaemonRow{liveRow("d-gone", 999)}}

	report, err := New(procs, ledger).Sweep(context.Background(), Options{DryRun: true})
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}

	if report.RowsMarkedGone != 1 || report.OrphansKilled != 1 {
		t.Errorf("report = %+v, want 1 gone and 1 orphan", report)
	}
	if len(procs.killed) != 0 {
		t.Errorf("dry run killed %v", procs.killed)
	}
	if len(ledger.stopped) != 0 {
		t.Errorf("dry run marked %v", ledger.stopped)
	}
}

func TestSweepLockExcludesConcurrentReapers(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "reaper.lock")

	// Hold the lock from a fake in-flight sweep.
	blocker := &blockingProcs{listing: make(chan struct{}), release: make(chan struct{})}
	r := New(blocker, &fakeLedger{})
	done := make(chan error, 1)
	go func() {
		_, err := r.Sweep(context.Background(), Options{LockPath: lockPath})
		done <- err
	}()
	<-blocker.listing

	_, err := New(&fakeProcs{}, &fakeLedger{}).Sweep(context.Background(), Options{LockPath: lockPath})
	if err == nil {
		t.Error("second sweep should fail while lock is held")
	}

	close(blocker.release)
	if err := <-done; err != nil {
		t.Fatalf("first sweep: %v", err)
	}
}

type blockingProcs struct {
	listing  chan struct{}
	release  chan struct{}
	listOnce bool
}

func (b *blockingProcs) List(ctx context.Context) ([]ProcessInfo, error) {
	if !b.listOnce {
		b.listOnce = true
		close(b.listing)
	}
	<-b.release
	return nil, nil
}

func (b *blockingProcs) Kill(pid int) error { return fmt.Errorf("not expected") }
