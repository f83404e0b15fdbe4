package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"runtime/debug"
	"strings"
	"time"

	"github.com/mattjoyce/journeyman/internal/actions"
	"github.com/mattjoyce/journeyman/internal/config"
	"github.com/mattjoyce/journeyman/internal/worker"
)

var (
	version   = "0.1.0-dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	os.Exit(runCLI(os.Args[1:]))
}

func runCLI(cliArgs []string) int {
	if len(cliArgs) < 1 {
		printUsage()
		return 1
	}

	cmd := cliArgs[0]
	args := cliArgs[1:]

	if cmd == "--version" {
		return runVersion(args)
	}

	switch cmd {
	// --- NOUNS ---
	case "work":
		return runWorkNoun(args)
	case "daemons":
		return runDaemonsNoun(args)
	case "system":
		return runSystemNoun(args)
	case "config":
		return runConfigNoun(args)
	case "worker":
		return runWorkerNoun(args)

	case "version":
		return runVersion(args)
	case "help", "--help", "-h":
		printUsage()
		return 0

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		return 1
	}
}

// runWorkerNoun is the worker process entrypoint. The pool spawns
// "journeyman worker <flags>", so the verb is optional here.
func runWorkerNoun(args []string) int {
	if len(args) > 0 && args[0] == "run" {
		args = args[1:]
	}
	if len(args) > 0 && isHelpToken(args[0]) {
		fmt.Println("Usage: journeyman worker [run] [--log-level LEVEL] [--module DIR]... [--shared TYPE]...")
		fmt.Println("Run the worker side of the daemon protocol on stdin/stdout.")
		fmt.Println("This is spawned by the pool; running it by hand is only useful for debugging.")
		return 0
	}

	catalog, err := actions.DefaultCatalog()
	if err != nil {
		fmt.Fprintf(os.Stderr, "worker: %v\n", err)
		return 1
	}
	return worker.Main(catalog, args, os.Stdin, os.Stdout, os.Stderr)
}

type versionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

func runVersion(args []string) int {
	fs := flag.NewFlagSet("version", flag.ContinueOnError)
	jsonOut := fs.Bool("json", false, "Output version metadata as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(os.Stderr, "Usage: journeyman version [--json]")
		return 1
	}

	info := currentVersionInfo()

	if *jsonOut {
		data, err := json.MarshalIndent(info, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render version JSON: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
		return 0
	}

	fmt.Printf("journeyman %s\n", info.Version)
	fmt.Printf("commit: %s\n", info.Commit)
	fmt.Printf("built_at: %s\n", info.BuildTime)
	return 0
}

func currentVersionInfo() versionInfo {
	info := versionInfo{
		Version:   strings.TrimSpace(version),
		Commit:    "unknown",
		BuildTime: "unknown",
	}

	if info.Version == "" {
		info.Version = "0.0.0-dev"
	}

	resolvedCommit := strings.TrimSpace(gitCommit)
	if resolvedCommit == "" || resolvedCommit == "unknown" {
		resolvedCommit = strings.TrimSpace(readBuildSetting("vcs.revision"))
	}
	if resolvedCommit != "" {
		info.Commit = shortenCommit(resolvedCommit)
	}

	resolvedBuildTime := strings.TrimSpace(buildDate)
	if resolvedBuildTime == "" || resolvedBuildTime == "unknown" {
		resolvedBuildTime = strings.TrimSpace(readBuildSetting("vcs.time"))
	}
	if normalizedBuildTime, ok := normalizeBuildTimeUTC(resolvedBuildTime); ok {
		info.BuildTime = normalizedBuildTime
	}

	return info
}

func shortenCommit(commit string) string {
	if len(commit) <= 12 {
		return commit
	}
	return commit[:12]
}

func normalizeBuildTimeUTC(raw string) (string, bool) {
	if raw == "" || raw == "unknown" {
		return "", false
	}

	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return "", false
	}

	return t.UTC().Format(time.RFC3339), true
}

func readBuildSetting(key string) string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, setting := range info.Settings {
		if setting.Key == key {
			return setting.Value
		}
	}
	return ""
}

func printUsage() {
	fmt.Print(`journeyman - Shared worker-daemon pool for build tools

Usage:
  journeyman <noun> <action> [flags]

Core Resources (Nouns):
  work      Units of work and how they run
  daemons   Worker daemon ledger and lifecycle
  system    Service health and maintenance
  config    Configuration inspection and validation

Work Commands:
  work run <action> [param]...   Run one unit of work in a fresh session

Daemon Commands:
  daemons list                   List daemons recorded in the ledger
  daemons inspect <id>           Show one daemon with its session siblings
  daemons stop <id>              Signal a recorded daemon to stop

System Commands:
  system check                   Validate configuration and module manifests
  system status                  Show ledger and workspace health
  system reap                    Reconcile the ledger with live processes
  system monitor                 Real-time pool monitoring TUI

Config Commands:
  config show                    Print the resolved configuration
  config check                   Validate configuration (alias of system check)

General:
  worker [run]                   Worker process entrypoint (spawned by the pool)
  version                        Show version information
  help                           Show this help message

Use 'journeyman <noun> help' for resource-specific flags.
`)
}

func isHelpToken(token string) bool {
	return token == "help" || token == "--help" || token == "-h"
}

func hasHelpFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--help" || arg == "-h" {
			return true
		}
	}
	return false
}

// loadConfigForTool loads the config at configPath, falling back to the
// standard discovery order when no path is given.
func loadConfigForTool(configPath string) (*config.Config, string, error) {
	if configPath == "" {
		discovered, err := config.DiscoverConfigPath()
		if err != nil {
			return nil, "", err
		}
		configPath = discovered
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, "", err
	}
	return cfg, configPath, nil
}
