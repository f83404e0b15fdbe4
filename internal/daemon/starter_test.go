package daemon

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mattjoyce/journeyman/internal/fingerprint"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-worker.sh")
	if err := os.WriteFile(path, []byte(body), 0755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

func TestStartLaunchFailure(t *testing.T) {
	s := NewStarter("/nonexistent/worker-binary", "sess-1", WithLogger(discardLogger()))

	_, err := s.Start(context.Background(), fingerprint.Fingerprint{})
	var serr *StartError
	if !errors.As(err, &serr) {
		t.Fatalf("error = %v (%T), want *StartError", err, err)
	}
	if serr.Phase != PhaseLaunch {
		t.Fatalf("phase = %q, want %q", serr.Phase, PhaseLaunch)
	}
	if len(serr.CommandLine) == 0 || serr.CommandLine[0] != "/nonexistent/worker-binary" {
		t.Fatalf("command line = %v", serr.CommandLine)
	}
}

func TestStartExitedBeforeHandshake(t *testing.T) {
	script := writeScript(t, "#!/bin/sh\necho 'cannot load modules' >&2\nexit 7\n")
	s := NewStarter(script, "sess-1", WithLogger(discardLogger()))

	_, err := s.Start(context.Background(), fingerprint.Fingerprint{})
	var serr *StartError
	if !errors.As(err, &serr) {
		t.Fatalf("error = %v (%T), want *StartError", err, err)
	}
	if serr.Phase != PhaseExited {
		t.Fatalf("phase = %q, want %q", serr.Phase, PhaseExited)
	}
	if serr.ExitCode == nil || *serr.ExitCode != 7 {
		t.Fatalf("exit code = %v, want 7", serr.ExitCode)
	}
	if !strings.Contains(serr.Stderr, "cannot load modules") {
		t.Fatalf("stderr = %q", serr.Stderr)
	}
	if !strings.Contains(serr.Error(), script) {
		t.Fatalf("error text should carry the command line: %s", serr.Error())
	}
}

func TestStartHandshakeTimeout(t *testing.T) {
	script := writeScript(t, "#!/bin/sh\nexec sleep 30\n")
	s := NewStarter(script, "sess-1",
		WithLogger(discardLogger()),
		WithHandshakeTimeout(200*time.Millisecond),
	)

	_, err := s.Start(context.Background(), fingerprint.Fingerprint{})
	var serr *StartError
	if !errors.As(err, &serr) {
		t.Fatalf("error = %v (%T), want *StartError", err, err)
	}
	if serr.Phase != PhaseHandshake {
		t.Fatalf("phase = %q, want %q", serr.Phase, PhaseHandshake)
	}
	if !strings.Contains(serr.Error(), "timed out") {
		t.Fatalf("error = %s", serr.Error())
	}
}

func TestStartInvalidHandshakeReply(t *testing.T) {
	// a complete CBOR byte string that is not an announce envelope
	script := writeScript(t, "#!/bin/sh\nprintf '\\102\\001\\002'\nexec sleep 30\n")
	s := NewStarter(script, "sess-1",
		WithLogger(discardLogger()),
		WithHandshakeTimeout(5*time.Second),
	)

	_, err := s.Start(context.Background(), fingerprint.Fingerprint{})
	var serr *StartError
	if !errors.As(err, &serr) {
		t.Fatalf("error = %v (%T), want *StartError", err, err)
	}
	if serr.Phase != PhaseHandshake {
		t.Fatalf("phase = %q, want %q", serr.Phase, PhaseHandshake)
	}
}

func TestStartCancelledContext(t *testing.T) {
	script := writeScript(t, "#!/bin/sh\nexec sleep 30\n")
	s := NewStarter(script, "sess-1", WithLogger(discardLogger()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Start(ctx, fingerprint.Fingerprint{})
	var serr *StartError
	if !errors.As(err, &serr) {
		t.Fatalf("error = %v (%T), want *StartError", err, err)
	}
	if serr.Phase != PhaseHandshake {
		t.Fatalf("phase = %q, want %q", serr.Phase, PhaseHandshake)
	}
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("error should wrap context.Canceled: %v", err)
	}
}

func TestStartWorkDirFuncError(t *testing.T) {
	script := writeScript(t, "#!/bin/sh\nexit 0\n")
	s := NewStarter(script, "sess-1",
		WithLogger(discardLogger()),
		WithWorkDirFunc(func(launchID string) (string, error) {
			return "", errors.New("disk full")
		}),
	)

	_, err := s.Start(context.Background(), fingerprint.Fingerprint{})
	var serr *StartError
	if !errors.As(err, &serr) {
		t.Fatalf("error = %v (%T), want *StartError", err, err)
	}
	if serr.Phase != PhaseLaunch {
		t.Fatalf("phase = %q, want %q", serr.Phase, PhaseLaunch)
	}
	if !strings.Contains(serr.Error(), "working directory") {
		t.Fatalf("error = %s", serr.Error())
	}
}

func TestBuildWorkerArgs(t *testing.T) {
	fp := fingerprint.Fingerprint{
		ModulePath:  []string{"/mods/b", "/mods/a"},
		SharedTypes: []string{"z.share", "a.share"},
		Args:        []string{"--cache-dir", "/tmp/cache"},
		LogLevel:    "debug",
	}.Normalize()

	args := buildWorkerArgs(fp, nil)
	want := []string{
		"worker",
		"--log-level", "debug",
		"--module", "/mods/b",
		"--module", "/mods/a",
		"--shared", "a.share",
		"--shared", "z.share",
		"--cache-dir", "/tmp/cache",
	}
	if len(args) != len(want) {
		t.Fatalf("args = %v, want %v", args, want)
	}
	for i := range want {
		if args[i] != want[i] {
			t.Fatalf("args[%d] = %q, want %q", i, args[i], want[i])
		}
	}
}

func TestBuildWorkerArgsMinimal(t *testing.T) {
	args := buildWorkerArgs(fingerprint.Fingerprint{}, nil)
	if len(args) != 1 || args[0] != "worker" {
		t.Fatalf("args = %v", args)
	}
}

func TestBuildWorkerArgsOperatorExtras(t *testing.T) {
	fp := fingerprint.Fingerprint{
		LogLevel: "info",
		Args:     []string{"--cache-dir", "/tmp/cache"},
	}.Normalize()

	args := buildWorkerArgs(fp, []string{"--nice", "10"})
	want := []string{
		"worker",
		"--log-level", "info",
		"--cache-dir", "/tmp/cache",
		"--nice", "10",
	}
	if len(args) != len(want) {
		t.Fatalf("args = %v, want %v", args, want)
	}
	for i := range want {
		if args[i] != want[i] {
			t.Fatalf("args[%d] = %q, want %q", i, args[i], want[i])
		}
	}
}

func TestStartFailureRemovesManagedWorkDir(t *testing.T) {
	script := writeScript(t, "#!/bin/sh\nexit 3\n")
	base := t.TempDir()
	var cleaned []string
	s := NewStarter(script, "sess-1",
		WithLogger(discardLogger()),
		WithWorkDirFunc(func(launchID string) (string, error) {
			path := filepath.Join(base, launchID)
			if err := os.Mkdir(path, 0o755); err != nil {
				return "", err
			}
			return path, nil
		}),
		WithWorkDirCleanup(func(launchID string) {
			cleaned = append(cleaned, launchID)
		}),
	)

	_, err := s.Start(context.Background(), fingerprint.Fingerprint{})
	var serr *StartError
	if !errors.As(err, &serr) {
		t.Fatalf("error = %v (%T), want *StartError", err, err)
	}
	if len(cleaned) != 1 {
		t.Fatalf("cleanup ran %d times for a failed start, want 1", len(cleaned))
	}
}

func TestEnvListDeterministic(t *testing.T) {
	env := map[string]string{"ZED": "1", "ALPHA": "2", "MIKE": "3"}
	got := envList(env)
	want := []string{"ALPHA=2", "MIKE=3", "ZED=1"}
	if len(got) != len(want) {
		t.Fatalf("envList = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("envList[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}
