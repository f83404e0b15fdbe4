// Package inspect renders daemon ledger reports for the CLI.
package inspect

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mattjoyce/journeyman/internal/storage"
)

// Report is the structured JSON representation of one daemon's ledger row
// plus its session siblings.
type Report struct {
	DaemonID       string     `json:"daemon_id"`
	SessionID      string     `json:"session_id"`
	PID            int        `json:"pid"`
	FingerprintKey string     `json:"fingerprint_key"`
	LogLevel       string     `json:"log_level"`
	KeepAlive      string     `json:"keep_alive"`
	State          string     `json:"state"`
	StartedAt      time.Time  `json:"started_at"`
	LastUsedAt     *time.Time `json:"last_used_at,omitempty"`
	StoppedAt      *time.Time `json:"stopped_at,omitempty"`
	StopReason     string     `json:"stop_reason,omitempty"`
	UptimeSeconds  int64      `json:"uptime_seconds"`
	Siblings       []Sibling  `json:"session_siblings,omitempty"`
}

// Sibling is another daemon the same session started.
type Sibling struct {
	DaemonID string `json:"daemon_id"`
	State    string `json:"state"`
	Key      string `json:"fingerprint_key"`
}

// Ledger is the inspect view of the daemon store.
type Ledger interface {
	Get(ctx context.Context, daemonID string) (storage.DaemonRow, error)
	List(ctx context.Context, filter storage.ListFilter) ([]storage.DaemonRow, error)
}

// BuildReport renders a terminal-friendly report for a daemon.
func BuildReport(ctx context.Context, ledger Ledger, daemonID string) (string, error) {
	report, err := gatherReportData(ctx, ledger, daemonID)
	if err != nil {
		return "", err
	}

	var out strings.Builder
	fmt.Fprintf(&out, "Daemon Report\n")
	fmt.Fprintf(&out, "Daemon ID   : %s\n", report.DaemonID)
	fmt.Fprintf(&out, "Session ID  : %s\n", report.SessionID)
	fmt.Fprintf(&out, "PID         : %d\n", report.PID)
	fmt.Fprintf(&out, "Key         : %s\n", report.FingerprintKey)
	fmt.Fprintf(&out, "Log level   : %s\n", report.LogLevel)
	fmt.Fprintf(&out, "Keep-alive  : %s\n", report.KeepAlive)
	fmt.Fprintf(&out, "State       : %s\n", report.State)
	fmt.Fprintf(&out, "Started     : %s\n", report.StartedAt.Format(time.RFC3339))
	if report.LastUsedAt != nil {
		fmt.Fprintf(&out, "Last used   : %s\n", report.LastUsedAt.Format(time.RFC3339))
	} else {
		fmt.Fprintf(&out, "Last used   : <never>\n")
	}
	if report.StoppedAt != nil {
		fmt.Fprintf(&out, "Stopped     : %s (%s)\n", report.StoppedAt.Format(time.RFC3339), renderUnset(report.StopReason, "unknown"))
	} else {
		fmt.Fprintf(&out, "Uptime      : %ds\n", report.UptimeSeconds)
	}

	if len(report.Siblings) > 0 {
		fmt.Fprintf(&out, "\nSession siblings:\n")
		for _, sib := range report.Siblings {
			fmt.Fprintf(&out, "  %s  %-9s %s\n", sib.DaemonID, sib.State, sib.Key)
		}
	}

	return strings.TrimRight(out.String(), "\n") + "\n", nil
}

// BuildJSONReport returns the machine-readable JSON report.
func BuildJSONReport(ctx context.Context, ledger Ledger, daemonID string) (string, error) {
	report, err := gatherReportData(ctx, ledger, daemonID)
	if err != nil {
		return "", err
	}

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal json report: %w", err)
	}
	return string(data), nil
}

func gatherReportData(ctx context.Context, ledger Ledger, daemonID string) (*Report, error) {
	if strings.TrimSpace(daemonID) == "" {
		return nil, fmt.Errorf("daemon_id is required")
	}

	row, err := ledger.Get(ctx, daemonID)
	if err != nil {
		return nil, err
	}

	report := &Report{
		DaemonID:       row.DaemonID,
		SessionID:      row.SessionID,
		PID:            row.PID,
		FingerprintKey: row.FingerprintKey,
		LogLevel:       row.LogLevel,
		KeepAlive:      row.KeepAlive,
		State:          row.State,
		StartedAt:      row.StartedAt,
		LastUsedAt:     row.LastUsedAt,
		StoppedAt:      row.StoppedAt,
		StopReason:     row.StopReason,
	}
	if row.StoppedAt == nil {
		report.UptimeSeconds = int64(time.Since(row.StartedAt).Seconds())
	}

	siblings, err := ledger.List(ctx, storage.ListFilter{SessionID: row.SessionID})
	if err != nil {
		return nil, fmt.Errorf("list session siblings: %w", err)
	}
	for _, sib := range siblings {
		if sib.DaemonID == row.DaemonID {
			continue
		}
		report.Siblings = append(report.Siblings, Sibling{
			DaemonID: sib.DaemonID,
			State:    sib.State,
			Key:      sib.FingerprintKey,
		})
	}

	return report, nil
}

func renderUnset(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
