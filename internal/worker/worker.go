package worker

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/journeyman/internal/action"
	"github.com/mattjoyce/journeyman/internal/codec"
	"github.com/mattjoyce/journeyman/internal/envelope"
	"github.com/mattjoyce/journeyman/internal/log"
	"github.com/mattjoyce/journeyman/internal/module"
)

// Main runs the worker side of the daemon protocol: parse the spawn flags,
// build the action resolution scope, handshake, then serve requests until
// stdin closes. stdout carries the wire protocol, so all logging goes to
// stderr. The return value is the process exit code.
func Main(catalog *action.Catalog, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	opts, err := parseArgs(args, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "worker: %v\n", err)
		return 2
	}

	logger := slog.New(slog.NewJSONHandler(stderr, &slog.HandlerOptions{
		Level: log.ParseLevel(opts.logLevel),
	}))

	scope, err := buildScope(catalog, opts, logger)
	if err != nil {
		logger.Error("failed to build action scope", "error", err)
		return 1
	}

	return serve(scope, opts.logLevel, stdin, stdout, logger)
}

type options struct {
	logLevel   string
	modulePath []string
	shared     []string
}

// stringList collects a repeatable flag in the order given.
type stringList []string

func (s *stringList) String() string {
	return strings.Join(*s, ",")
}

func (s *stringList) Set(v string) error {
	*s = append(*s, v)
	return nil
}

func parseArgs(args []string, stderr io.Writer) (*options, error) {
	opts := &options{logLevel: "info"}

	fs := flag.NewFlagSet("worker", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&opts.logLevel, "log-level", opts.logLevel, "log level (debug, info, warn, error)")
	var modules stringList
	var shared stringList
	fs.Var(&modules, "module", "module directory to load (repeatable, order matters)")
	fs.Var(&shared, "shared", "action type resolved from the default scope (repeatable)")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}
	opts.modulePath = modules
	opts.shared = shared
	return opts, nil
}

// buildScope decides what this worker can resolve. No module path means
// the full default scope; a module path means an isolated scope with only
// the path's exposed actions plus explicitly shared types.
func buildScope(catalog *action.Catalog, opts *options, logger *slog.Logger) (*action.Registry, error) {
	base, err := catalog.Registry()
	if err != nil {
		return nil, err
	}
	if len(opts.modulePath) == 0 {
		if len(opts.shared) > 0 {
			return nil, fmt.Errorf("--shared requires --module")
		}
		return base, nil
	}
	set, err := module.Load(opts.modulePath, catalog, logger)
	if err != nil {
		return nil, err
	}
	return set.Instantiate(base, opts.shared)
}

// serve performs the handshake and runs the request loop. A clean stdin
// close is the graceful stop signal and exits 0; anything else on the
// wire exits 1.
func serve(scope *action.Registry, logLevel string, stdin io.Reader, stdout io.Writer, logger *slog.Logger) int {
	dec := codec.NewDecoder(stdin)
	enc := codec.NewEncoder(stdout)

	var hello envelope.Hello
	if err := dec.Decode(&hello); err != nil {
		logger.Error("failed to read handshake greeting", "error", err)
		return 1
	}
	if err := hello.Validate(); err != nil {
		logger.Error("invalid handshake greeting", "error", err)
		return 1
	}

	daemonID := uuid.NewString()
	ann := envelope.Announce{
		Protocol: envelope.Protocol,
		DaemonID: daemonID,
		PID:      os.Getpid(),
		LogLevel: logLevel,
	}
	if err := enc.Encode(&ann); err != nil {
		logger.Error("failed to send handshake reply", "error", err)
		return 1
	}

	logger = logger.With("daemon_id", daemonID, "session_id", hello.SessionID)
	logger.Info("daemon ready", "pid", os.Getpid(), "actions", scope.Len())

	for {
		var req envelope.Request
		if err := dec.Decode(&req); err != nil {
			if errors.Is(err, io.EOF) {
				logger.Info("stdin closed, exiting")
				return 0
			}
			logger.Error("failed to decode request", "error", err)
			return 1
		}

		resp := handle(scope, &req, logger)
		if err := enc.Encode(resp); err != nil {
			logger.Error("failed to encode response", "error", err)
			return 1
		}
	}
}

// handle runs one unit of work and always produces a response; failures
// travel back as envelope failures, never as a dead channel.
func handle(scope *action.Registry, req *envelope.Request, logger *slog.Logger) *envelope.Response {
	if err := req.Validate(); err != nil {
		return envelope.Fail(req.WorkID, fmt.Errorf("invalid request: %w", err))
	}

	wl := logger.With("work_id", req.WorkID, "action", req.ActionType)

	fn, ok := scope.Lookup(req.ActionType)
	if !ok {
		wl.Warn("action not available in this worker")
		return envelope.Fail(req.WorkID, fmt.Errorf("action %q is not available in this worker", req.ActionType))
	}

	started := time.Now()
	result, err := execute(fn, req.Params)
	if err != nil {
		wl.Warn("action failed", "error", err, "duration_ms", time.Since(started).Milliseconds())
		return envelope.Fail(req.WorkID, err)
	}
	wl.Debug("action completed", "duration_ms", time.Since(started).Milliseconds())

	if result == nil {
		return envelope.Succeed(req.WorkID, nil)
	}
	raw, err := codec.Marshal(result)
	if err != nil {
		wl.Warn("action result is not serializable", "error", err)
		return envelope.Fail(req.WorkID, fmt.Errorf("action result is not serializable: %w", err))
	}
	return envelope.Succeed(req.WorkID, raw)
}

// execute isolates action panics so a bad action fails one unit of work
// instead of killing the daemon.
func execute(fn action.Func, params []codec.RawMessage) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = fmt.Errorf("action panicked: %v", r)
		}
	}()
	return fn(context.Background(), params)
}
