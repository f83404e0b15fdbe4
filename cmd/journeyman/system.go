package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/mattjoyce/journeyman/internal/actions"
	"github.com/mattjoyce/journeyman/internal/config"
	"github.com/mattjoyce/journeyman/internal/doctor"
	"github.com/mattjoyce/journeyman/internal/reaper"
	"github.com/mattjoyce/journeyman/internal/storage"
	"github.com/mattjoyce/journeyman/internal/tui"
	"github.com/mattjoyce/journeyman/internal/workspace"
)

func runSystemNoun(args []string) int {
	if len(args) < 1 {
		printSystemNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printSystemNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "check":
		if hasHelpFlag(actionArgs) {
			printSystemCheckHelp()
			return 0
		}
		return runSystemCheck(actionArgs)
	case "status":
		if hasHelpFlag(actionArgs) {
			printSystemStatusHelp()
			return 0
		}
		return runSystemStatus(actionArgs)
	case "reap":
		if hasHelpFlag(actionArgs) {
			printSystemReapHelp()
			return 0
		}
		return runSystemReap(actionArgs)
	case "monitor":
		if hasHelpFlag(actionArgs) {
			printSystemMonitorHelp()
			return 0
		}
		return runMonitor(actionArgs)
	case "help":
		printSystemNounHelp(os.Stdout)
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown system action: %s\n", action)
		return 1
	}
}

func printSystemNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: journeyman system <action> [flags]")
	fmt.Fprintln(w, "Actions: check, status, reap, monitor")
}

func printSystemCheckHelp() {
	fmt.Println("Usage: journeyman system check [--config PATH] [--module DIR]... [--json]")
	fmt.Println("Validate configuration, worker binary, token scopes, and module manifests.")
	fmt.Println("")
	fmt.Println("Exit codes:")
	fmt.Println("  0  All checks passed (warnings allowed)")
	fmt.Println("  1  One or more checks failed")
}

func printSystemStatusHelp() {
	fmt.Println("Usage: journeyman system status [--config PATH] [--json]")
	fmt.Println("Show ledger readiness, daemon counts, and workspace state.")
}

func printSystemReapHelp() {
	fmt.Println("Usage: journeyman system reap [--config PATH] [--dry-run] [--grace DURATION]")
	fmt.Println("Reconcile the ledger with live processes: mark rows whose process is")
	fmt.Println("gone, kill worker processes the ledger no longer claims, then prune")
	fmt.Println("stopped rows and abandoned workspaces past the retention window.")
}

func printSystemMonitorHelp() {
	fmt.Println("Usage: journeyman system monitor [--api-url URL] [--api-key KEY]")
	fmt.Println("Launch the real-time pool monitoring TUI against a live session's API.")
}

func runSystemCheck(args []string) int {
	fs := flag.NewFlagSet("check", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Output as JSON")
	var moduleDirs repeatable
	fs.Var(&moduleDirs, "module", "Module directory to validate (repeatable)")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	cfg, _, err := loadConfigForTool(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	catalog, err := actions.DefaultCatalog()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to build action catalog: %v\n", err)
		return 1
	}

	result := doctor.New(cfg, catalog, moduleDirs).Validate()

	if *jsonOut {
		out, err := doctor.FormatJSON(result)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render JSON: %v\n", err)
			return 1
		}
		fmt.Println(out)
	} else {
		fmt.Print(doctor.FormatHuman(result))
	}

	if len(result.Errors) > 0 {
		return 1
	}
	return 0
}

type systemStatus struct {
	ConfigPath     string `json:"config_path"`
	LedgerPath     string `json:"ledger_path"`
	LedgerOK       bool   `json:"ledger_ok"`
	LedgerError    string `json:"ledger_error,omitempty"`
	DaemonsLive    int    `json:"daemons_live"`
	DaemonsStopped int    `json:"daemons_stopped"`
	WorkspaceDir   string `json:"workspace_dir"`
	WorkspaceOK    bool   `json:"workspace_ok"`
	APIEnabled     bool   `json:"api_enabled"`
	APIListen      string `json:"api_listen,omitempty"`
}

func runSystemStatus(args []string) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Output as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	cfg, resolvedPath, err := loadConfigForTool(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	status := gatherSystemStatus(context.Background(), cfg, resolvedPath)

	if *jsonOut {
		data, err := json.MarshalIndent(status, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render JSON: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
	} else {
		printSystemStatusHuman(status)
	}

	if !status.LedgerOK {
		return 1
	}
	return 0
}

func gatherSystemStatus(ctx context.Context, cfg *config.Config, resolvedPath string) systemStatus {
	status := systemStatus{
		ConfigPath:   resolvedPath,
		LedgerPath:   cfg.Ledger.Path,
		WorkspaceDir: cfg.Workspace.Dir,
		APIEnabled:   cfg.API.Enabled,
	}
	if cfg.API.Enabled {
		status.APIListen = cfg.API.Listen
	}

	if info, err := os.Stat(cfg.Workspace.Dir); err == nil && info.IsDir() {
		status.WorkspaceOK = true
	}

	db, err := storage.OpenSQLite(ctx, cfg.Ledger.Path)
	if err != nil {
		status.LedgerError = err.Error()
		return status
	}
	defer db.Close()

	store := storage.NewDaemonStore(db, "")
	all, err := store.List(ctx, storage.ListFilter{})
	if err != nil {
		status.LedgerError = err.Error()
		return status
	}
	status.LedgerOK = true
	for _, r := range all {
		if r.Live() {
			status.DaemonsLive++
		} else {
			status.DaemonsStopped++
		}
	}
	return status
}

func printSystemStatusHuman(s systemStatus) {
	check := func(ok bool) string {
		if ok {
			return "ok"
		}
		return "FAILED"
	}

	fmt.Println("journeyman system status")
	fmt.Println("========================")
	fmt.Printf("Config:     %s\n", s.ConfigPath)
	fmt.Printf("Ledger:     %s [%s]\n", s.LedgerPath, check(s.LedgerOK))
	if s.LedgerError != "" {
		fmt.Printf("            %s\n", s.LedgerError)
	}
	fmt.Printf("Daemons:    %d live, %d stopped\n", s.DaemonsLive, s.DaemonsStopped)
	fmt.Printf("Workspace:  %s [%s]\n", s.WorkspaceDir, check(s.WorkspaceOK))
	if s.APIEnabled {
		fmt.Printf("API:        enabled on %s\n", s.APIListen)
	} else {
		fmt.Println("API:        disabled")
	}
}

func runSystemReap(args []string) int {
	fs := flag.NewFlagSet("reap", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	dryRun := fs.Bool("dry-run", false, "Report what would change without touching anything")
	grace := fs.Duration("grace", 30*time.Second, "Spare orphaned workers younger than this")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	cfg, _, err := loadConfigForTool(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	ctx := context.Background()
	db, err := storage.OpenSQLite(ctx, cfg.Ledger.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open ledger: %v\n", err)
		return 1
	}
	defer db.Close()

	workerBinary := cfg.Worker.Binary
	if workerBinary == "" {
		if self, err := os.Executable(); err == nil {
			workerBinary = self
		}
	}

	store := storage.NewDaemonStore(db, "")
	r := reaper.New(reaper.OSProcesses(), store)
	report, err := r.Sweep(ctx, reaper.Options{
		WorkerBinary: workerBinary,
		LockPath:     filepath.Join(filepath.Dir(cfg.Ledger.Path), "reaper.lock"),
		DryRun:       *dryRun,
		GracePeriod:  *grace,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Reap failed: %v\n", err)
		return 1
	}

	prefix := ""
	if *dryRun {
		prefix = "[dry-run] "
	}
	fmt.Printf("%sExamined %d processes (%d workers)\n", prefix, report.ProcessesSeen, report.WorkersExamined)
	fmt.Printf("%sMarked %d ledger rows gone\n", prefix, report.RowsMarkedGone)
	for _, id := range report.GoneDaemonIDs {
		fmt.Printf("%s  gone: %s\n", prefix, shortID(id))
	}
	fmt.Printf("%sKilled %d orphaned workers\n", prefix, report.OrphansKilled)
	for _, pid := range report.OrphanPIDs {
		fmt.Printf("%s  orphan pid: %d\n", prefix, pid)
	}

	retention := time.Duration(cfg.Ledger.Retention)
	if *dryRun {
		fmt.Printf("%sSkipping retention pruning\n", prefix)
		return 0
	}
	pruned, err := store.PruneStopped(ctx, retention)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to prune stopped rows: %v\n", err)
		return 1
	}
	fmt.Printf("Pruned %d stopped rows older than %s\n", pruned, retention)

	if cfg.Workspace.Dir != "" {
		mgr, err := workspace.NewFSManager(cfg.Workspace.Dir)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open workspace directory: %v\n", err)
			return 1
		}
		cleanup, err := mgr.Cleanup(ctx, retention)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to clean workspaces: %v\n", err)
			return 1
		}
		fmt.Printf("Removed %d abandoned workspace directories\n", cleanup.DeletedDirs)
	}
	return 0
}

func runMonitor(args []string) int {
	fs := flag.NewFlagSet("monitor", flag.ContinueOnError)
	apiURL := fs.String("api-url", "http://127.0.0.1:8573", "Session API URL")
	apiKey := fs.String("api-key", os.Getenv("JOURNEYMAN_API_KEY"), "API Bearer Token")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	if *apiKey == "" {
		fmt.Fprintln(os.Stderr, "Error: API key required. Use --api-key or JOURNEYMAN_API_KEY env var.")
		return 1
	}

	m := tui.NewMonitor(*apiURL, *apiKey)
	p := tea.NewProgram(m)
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "TUI error: %v\n", err)
		return 1
	}
	return 0
}
