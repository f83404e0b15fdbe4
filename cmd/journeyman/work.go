package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/mattjoyce/journeyman/internal/actions"
	"github.com/mattjoyce/journeyman/internal/dispatch"
	"github.com/mattjoyce/journeyman/internal/envelope"
	"github.com/mattjoyce/journeyman/internal/fingerprint"
	"github.com/mattjoyce/journeyman/internal/log"
	"github.com/mattjoyce/journeyman/internal/session"
)

func runWorkNoun(args []string) int {
	if len(args) < 1 {
		printWorkNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printWorkNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "run":
		if hasHelpFlag(actionArgs) {
			printWorkRunHelp()
			return 0
		}
		return runWorkRun(actionArgs)
	case "help":
		printWorkNounHelp(os.Stdout)
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown work action: %s\n", action)
		return 1
	}
}

func printWorkNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: journeyman work <action> [flags]")
	fmt.Fprintln(w, "Actions: run")
}

func printWorkRunHelp() {
	fmt.Println("Usage: journeyman work run <action> [param]... [flags]")
	fmt.Println()
	fmt.Println("Run one unit of work in a fresh session. Parameters are parsed as")
	fmt.Println("JSON; values that are not valid JSON are passed as strings.")
	fmt.Println()
	fmt.Println("Flags:")
	fmt.Println("  --config PATH       Path to configuration file or directory")
	fmt.Println("  --isolation MODE    inline, module, or process (default: inline)")
	fmt.Println("  --module DIR        Module directory for the worker scope (repeatable)")
	fmt.Println("  --shared TYPE       Action type shared into the module scope (repeatable)")
	fmt.Println("  --keep-alive MODE   session or process daemon lifetime (default: session)")
	fmt.Println("  --json              Print the result as JSON")
}

// repeatable collects a repeatable string flag in the order given.
type repeatable []string

func (r *repeatable) String() string { return strings.Join(*r, ",") }

func (r *repeatable) Set(v string) error {
	*r = append(*r, v)
	return nil
}

func runWorkRun(args []string) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	isolation := fs.String("isolation", "inline", "Isolation mode (inline, module, process)")
	keepAlive := fs.String("keep-alive", "", "Daemon lifetime (session, process)")
	jsonOut := fs.Bool("json", false, "Output result as JSON")
	var moduleDirs repeatable
	var sharedTypes repeatable
	fs.Var(&moduleDirs, "module", "Module directory (repeatable)")
	fs.Var(&sharedTypes, "shared", "Shared action type (repeatable)")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "Usage: journeyman work run <action> [param]... [flags]")
		return 1
	}
	actionType := fs.Arg(0)
	params := parseParams(fs.Args()[1:])

	iso, err := envelope.ParseIsolation(*isolation)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	fp := fingerprint.Fingerprint{
		ModulePath:  moduleDirs,
		SharedTypes: sharedTypes,
	}
	if *keepAlive != "" {
		fp.KeepAlive = fingerprint.KeepAlive(*keepAlive)
		if !fp.KeepAlive.Valid() {
			fmt.Fprintf(os.Stderr, "Error: invalid keep-alive mode: %q (must be session or process)\n", *keepAlive)
			return 1
		}
	}

	cfg, resolvedPath, err := loadConfigForTool(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	log.Setup(cfg.Service.LogLevel)
	logger := log.WithComponent("main")
	logger.Info("journeyman starting", "version", version, "config", resolvedPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	catalog, err := actions.DefaultCatalog()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to build action catalog: %v\n", err)
		return 1
	}

	s, err := session.New(ctx, cfg, session.WithCatalog(catalog))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open session: %v\n", err)
		return 1
	}
	s.Run(ctx)
	defer func() {
		closeCtx := context.Background()
		if err := s.Close(closeCtx); err != nil {
			logger.Warn("session close reported errors", "error", err)
		}
	}()

	res, err := s.Submit(ctx, dispatch.Submission{
		ActionType:  actionType,
		Params:      params,
		Isolation:   iso,
		Fingerprint: fp,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Work failed (%s): %v\n", dispatch.FailureKind(err), err)
		return 1
	}

	return printWorkResult(res, *jsonOut)
}

// parseParams treats each argument as JSON, falling back to a plain string
// so unquoted words work from the shell.
func parseParams(args []string) []any {
	if len(args) == 0 {
		return nil
	}
	params := make([]any, len(args))
	for i, arg := range args {
		var v any
		if err := json.Unmarshal([]byte(arg), &v); err != nil {
			v = arg
		}
		params[i] = v
	}
	return params
}

func printWorkResult(res dispatch.Result, jsonOut bool) int {
	if jsonOut {
		out := map[string]any{"status": "ok", "void": res.Void}
		if !res.Void {
			out["result"] = res.Value
		}
		data, err := json.MarshalIndent(out, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render result JSON: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
		return 0
	}

	if res.Void {
		fmt.Println("ok (void)")
		return 0
	}
	data, err := json.Marshal(res.Value)
	if err != nil {
		fmt.Printf("ok: %v\n", res.Value)
		return 0
	}
	fmt.Printf("ok: %s\n", data)
	return 0
}
