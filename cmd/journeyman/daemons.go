package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/mattjoyce/journeyman/internal/inspect"
	"github.com/mattjoyce/journeyman/internal/storage"
)

func runDaemonsNoun(args []string) int {
	if len(args) < 1 {
		printDaemonsNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printDaemonsNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "list":
		if hasHelpFlag(actionArgs) {
			printDaemonsListHelp()
			return 0
		}
		return runDaemonsList(actionArgs)
	case "inspect":
		if hasHelpFlag(actionArgs) {
			printDaemonsInspectHelp()
			return 0
		}
		return runDaemonsInspect(actionArgs)
	case "stop":
		if hasHelpFlag(actionArgs) {
			printDaemonsStopHelp()
			return 0
		}
		return runDaemonsStop(actionArgs)
	case "help":
		printDaemonsNounHelp(os.Stdout)
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown daemons action: %s\n", action)
		return 1
	}
}

func printDaemonsNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: journeyman daemons <action> [flags]")
	fmt.Fprintln(w, "Actions: list, inspect, stop")
}

func printDaemonsListHelp() {
	fmt.Println("Usage: journeyman daemons list [--config PATH] [--all] [--session ID] [--json]")
	fmt.Println("List daemons recorded in the ledger. Live daemons only unless --all.")
}

func printDaemonsInspectHelp() {
	fmt.Println("Usage: journeyman daemons inspect <daemon_id> [--config PATH] [--json]")
	fmt.Println("Show one daemon's ledger record together with its session siblings.")
}

func printDaemonsStopHelp() {
	fmt.Println("Usage: journeyman daemons stop <daemon_id> [--config PATH] [--force]")
	fmt.Println("Signal a recorded live daemon to stop and mark it stopped in the ledger.")
	fmt.Println("--force sends SIGKILL instead of SIGTERM.")
}

// openLedger opens the daemon ledger read-write for offline tooling. The
// empty session ID is fine here: these commands never record starts.
func openLedger(ctx context.Context, configPath string) (*storage.DaemonStore, func(), error) {
	cfg, _, err := loadConfigForTool(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	db, err := storage.OpenSQLite(ctx, cfg.Ledger.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open ledger: %w", err)
	}
	return storage.NewDaemonStore(db, ""), func() { db.Close() }, nil
}

func runDaemonsList(args []string) int {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	all := fs.Bool("all", false, "Include stopped daemons")
	sessionID := fs.String("session", "", "Filter by session ID")
	jsonOut := fs.Bool("json", false, "Output as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	ctx := context.Background()
	store, closeDB, err := openLedger(ctx, *configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer closeDB()

	rows, err := store.List(ctx, storage.ListFilter{
		SessionID: *sessionID,
		LiveOnly:  !*all,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to list daemons: %v\n", err)
		return 1
	}

	if *jsonOut {
		data, err := json.MarshalIndent(rows, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render JSON: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
		return 0
	}

	if len(rows) == 0 {
		fmt.Println("No daemons recorded.")
		return 0
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "DAEMON\tPID\tSTATE\tSESSION\tKEEP-ALIVE\tSTARTED")
	for _, r := range rows {
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\t%s\n",
			shortID(r.DaemonID),
			r.PID,
			r.State,
			shortID(r.SessionID),
			r.KeepAlive,
			r.StartedAt.Local().Format(time.DateTime),
		)
	}
	w.Flush()
	return 0
}

func shortID(id string) string {
	if i := strings.IndexByte(id, '-'); i > 0 {
		return id[:i]
	}
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func runDaemonsInspect(args []string) int {
	fs := flag.NewFlagSet("inspect", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Output as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "Usage: journeyman daemons inspect <daemon_id> [--config PATH] [--json]")
		return 1
	}
	daemonID := fs.Arg(0)

	ctx := context.Background()
	store, closeDB, err := openLedger(ctx, *configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer closeDB()

	var report string
	if *jsonOut {
		report, err = inspect.BuildJSONReport(ctx, store, daemonID)
	} else {
		report, err = inspect.BuildReport(ctx, store, daemonID)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Print(report)
	return 0
}

func runDaemonsStop(args []string) int {
	fs := flag.NewFlagSet("stop", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	force := fs.Bool("force", false, "Send SIGKILL instead of SIGTERM")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "Usage: journeyman daemons stop <daemon_id> [--config PATH] [--force]")
		return 1
	}
	daemonID := fs.Arg(0)

	ctx := context.Background()
	store, closeDB, err := openLedger(ctx, *configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer closeDB()

	row, err := store.Get(ctx, daemonID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	if !row.Live() {
		fmt.Fprintf(os.Stderr, "Daemon %s is already stopped (%s)\n", shortID(daemonID), row.StopReason)
		return 1
	}

	if err := signalPID(ctx, row.PID, *force); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to signal pid %d: %v\n", row.PID, err)
		fmt.Fprintln(os.Stderr, "If the process is already gone, run 'journeyman system reap' to reconcile the ledger.")
		return 1
	}

	reason := "stopped_by_cli"
	if *force {
		reason = "killed_by_cli"
	}
	if err := store.MarkStopped(ctx, daemonID, reason); err != nil {
		fmt.Fprintf(os.Stderr, "Signalled pid %d but failed to update ledger: %v\n", row.PID, err)
		return 1
	}

	fmt.Printf("Stopped daemon %s (pid %d)\n", shortID(daemonID), row.PID)
	return 0
}

func signalPID(ctx context.Context, pid int, force bool) error {
	p, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return err
	}
	if force {
		return p.KillWithContext(ctx)
	}
	return p.TerminateWithContext(ctx)
}
