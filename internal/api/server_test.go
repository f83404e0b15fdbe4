package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/mattjoyce/journeyman/internal/auth"
	"github.com/mattjoyce/journeyman/internal/dispatch"
	"github.com/mattjoyce/journeyman/internal/envelope"
	"github.com/mattjoyce/journeyman/internal/events"
	"github.com/mattjoyce/journeyman/internal/pool"
)

type fakePoolAdmin struct {
	snapshot []pool.Info

	stopFilter pool.StopFilter
	stopForced bool
	stopErr    error
	stopped    bool
}

func (f *fakePoolAdmin) Snapshot() []pool.Info { return f.snapshot }

func (f *fakePoolAdmin) StopAll(ctx context.Context, filter pool.StopFilter, force bool) error {
	f.stopped = true
	f.stopFilter = filter
	f.stopForced = force
	return f.stopErr
}

type fakeSubmitter struct {
	lastSub dispatch.Submission
	result  dispatch.Result
	err     error
}

func (f *fakeSubmitter) Submit(ctx context.Context, sub dispatch.Submission) (dispatch.Result, error) {
	f.lastSub = sub
	return f.result, f.err
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(noopWriter{}, &slog.HandlerOptions{Level: slog.LevelError + 4}))
}

type noopWriter struct{}

func (noopWriter) Write(p []byte) (int, error) { return len(p), nil }

func newTestServer(p PoolAdmin, d WorkSubmitter, stream EventStream) *Server {
	cfg := Config{
		Listen: "127.0.0.1:0",
		APIKey: "master-key",
		Tokens: []auth.TokenConfig{
			{Token: "tok-ro", Scopes: []string{auth.ScopeDaemonsRO, auth.ScopeEventsRO}},
			{Token: "tok-rw", Scopes: []string{auth.ScopeDaemonsRW}},
			{Token: "tok-work", Scopes: []string{auth.ScopeWorkSubmit}},
		},
	}
	if stream == nil {
		stream = events.NewHub(16)
	}
	return New(cfg, p, d, stream, nil, discardLogger())
}

func doRequest(t *testing.T, s *Server, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.setupRoutes().ServeHTTP(w, req)
	return w
}

func TestHealthzNoAuth(t *testing.T) {
	p := &fakePoolAdmin{snapshot: []pool.Info{
		{ID: "d-1", State: pool.StateIdle},
		{ID: "d-2", State: pool.StateBusy},
		{ID: "d-3", State: pool.StateStopped},
	}}
	s := newTestServer(p, &fakeSubmitter{}, nil)

	w := doRequest(t, s, "GET", "/healthz", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}

	var resp HealthzResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.DaemonsLive != 2 || resp.DaemonsIdle != 1 || resp.DaemonsBusy != 1 {
		t.Errorf("counts = live %d idle %d busy %d", resp.DaemonsLive, resp.DaemonsIdle, resp.DaemonsBusy)
	}
}

func TestMetricsRequiresDaemonScope(t *testing.T) {
	s := newTestServer(&fakePoolAdmin{}, &fakeSubmitter{}, nil)
	s.metrics = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, "journeyman_work_total 0")
	})

	w := doRequest(t, s, "GET", "/metrics", "", "")
	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401 without token", w.Code)
	}

	w = doRequest(t, s, "GET", "/metrics", "tok-work", "")
	if w.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403 for work-only token", w.Code)
	}

	w = doRequest(t, s, "GET", "/metrics", "tok-ro", "")
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200 for daemons:ro token", w.Code)
	}
	if !strings.Contains(w.Body.String(), "journeyman_work_total") {
		t.Errorf("body = %q, want exposition output", w.Body.String())
	}
}

func TestListDaemonsRequiresAuth(t *testing.T) {
	s := newTestServer(&fakePoolAdmin{}, &fakeSubmitter{}, nil)

	w := doRequest(t, s, "GET", "/daemons", "", "")
	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}

	w = doRequest(t, s, "GET", "/daemons", "bogus", "")
	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401 for unknown token", w.Code)
	}
}

func TestListDaemons(t *testing.T) {
	p := &fakePoolAdmin{snapshot: []pool.Info{
		{ID: "d-1", PID: 42, State: pool.StateIdle, Key: "blake3:aa", LogLevel: "info"},
	}}
	s := newTestServer(p, &fakeSubmitter{}, nil)

	w := doRequest(t, s, "GET", "/daemons", "tok-ro", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}

	var resp DaemonListResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Daemons) != 1 {
		t.Fatalf("daemons = %d, want 1", len(resp.Daemons))
	}
	if resp.Daemons[0].DaemonID != "d-1" || resp.Daemons[0].PID != 42 {
		t.Errorf("daemon = %+v", resp.Daemons[0])
	}
}

func TestStopDaemonsScopeEnforced(t *testing.T) {
	s := newTestServer(&fakePoolAdmin{}, &fakeSubmitter{}, nil)

	// read-only token cannot stop
	w := doRequest(t, s, "POST", "/daemons/stop", "tok-ro", `{}`)
	if w.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", w.Code)
	}
}

func TestStopDaemonsGracefulDefault(t *testing.T) {
	p := &fakePoolAdmin{}
	s := newTestServer(p, &fakeSubmitter{}, nil)

	w := doRequest(t, s, "POST", "/daemons/stop", "tok-rw", `{"filter":{"daemon_id":"d-1"}}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	if !p.stopped || p.stopForced {
		t.Errorf("stopped=%v forced=%v, want graceful stop", p.stopped, p.stopForced)
	}

	p.stopped, p.stopForced = false, false
	w = doRequest(t, s, "POST", "/daemons/stop", "tok-rw", `{"urgency":"normal"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	if !p.stopped || p.stopForced {
		t.Errorf("stopped=%v forced=%v, want normal stop to wait", p.stopped, p.stopForced)
	}
	if p.stopFilter.DaemonID != "d-1" {
		t.Errorf("filter = %+v", p.stopFilter)
	}
}

func TestStopDaemonsForced(t *testing.T) {
	p := &fakePoolAdmin{}
	s := newTestServer(p, &fakeSubmitter{}, nil)

	w := doRequest(t, s, "POST", "/daemons/stop", "master-key", `{"urgency":"forced"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	if !p.stopForced {
		t.Error("expected forced stop")
	}
}

func TestStopDaemonsBadUrgency(t *testing.T) {
	s := newTestServer(&fakePoolAdmin{}, &fakeSubmitter{}, nil)

	w := doRequest(t, s, "POST", "/daemons/stop", "tok-rw", `{"urgency":"immediately"}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestWorkSuccess(t *testing.T) {
	d := &fakeSubmitter{result: dispatch.Result{Value: map[string]any{"echo": "hi"}}}
	s := newTestServer(&fakePoolAdmin{}, d, nil)

	w := doRequest(t, s, "POST", "/work", "tok-work", `{"action":"echo","params":["hi"]}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}

	var resp WorkResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != "ok" || resp.Void {
		t.Errorf("resp = %+v", resp)
	}
	if d.lastSub.ActionType != "echo" {
		t.Errorf("action = %q", d.lastSub.ActionType)
	}
	if d.lastSub.Isolation != envelope.IsolationInline {
		t.Errorf("isolation = %q, want default inline", d.lastSub.Isolation)
	}
}

func TestWorkProcessIsolationCarriesWorkerSettings(t *testing.T) {
	d := &fakeSubmitter{result: dispatch.Result{Void: true}}
	s := newTestServer(&fakePoolAdmin{}, d, nil)

	body := `{"action":"build","isolation":"process","worker":{"module_path":["/opt/tools/fmt"],"keep_alive":"process"}}`
	w := doRequest(t, s, "POST", "/work", "tok-work", body)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	if len(d.lastSub.Fingerprint.ModulePath) != 1 || d.lastSub.Fingerprint.ModulePath[0] != "/opt/tools/fmt" {
		t.Errorf("module path = %q", d.lastSub.Fingerprint.ModulePath)
	}
	if !d.lastSub.Fingerprint.Surviving() {
		t.Error("keep_alive process should mark fingerprint surviving")
	}
}

func TestWorkInvalidIsolation(t *testing.T) {
	s := newTestServer(&fakePoolAdmin{}, &fakeSubmitter{}, nil)

	w := doRequest(t, s, "POST", "/work", "tok-work", `{"action":"echo","isolation":"thread"}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestWorkParameterErrorMapsTo400(t *testing.T) {
	d := &fakeSubmitter{err: &envelope.ParameterError{
		ActionType: "echo", Index: 0, Err: errors.New("unsupported type"),
	}}
	s := newTestServer(&fakePoolAdmin{}, d, nil)

	w := doRequest(t, s, "POST", "/work", "tok-work", `{"action":"echo","params":[1]}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400: %s", w.Code, w.Body.String())
	}

	var resp WorkErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Kind != dispatch.KindParameters {
		t.Errorf("kind = %q, want %q", resp.Kind, dispatch.KindParameters)
	}
}

func TestWorkFailureMapsTo500WithKind(t *testing.T) {
	d := &fakeSubmitter{err: &dispatch.WorkError{
		ActionType: "build",
		WorkID:     "w-1",
		Failure:    envelope.NewFailure(errors.New("tool crashed")),
	}}
	s := newTestServer(&fakePoolAdmin{}, d, nil)

	w := doRequest(t, s, "POST", "/work", "tok-work", `{"action":"build"}`)
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500: %s", w.Code, w.Body.String())
	}

	var resp WorkErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Kind != dispatch.KindWork {
		t.Errorf("kind = %q, want %q", resp.Kind, dispatch.KindWork)
	}
}

func TestWorkMissingAction(t *testing.T) {
	s := newTestServer(&fakePoolAdmin{}, &fakeSubmitter{}, nil)

	w := doRequest(t, s, "POST", "/work", "tok-work", `{"params":[]}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestEventsReplayWithLastEventID(t *testing.T) {
	hub := events.NewHub(16)
	hub.Publish(events.TypeDaemonStarted, map[string]string{"daemon_id": "d-1"})
	hub.Publish(events.TypeDaemonStopped, map[string]string{"daemon_id": "d-1"})

	s := newTestServer(&fakePoolAdmin{}, &fakeSubmitter{}, hub)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	req := httptest.NewRequest("GET", "/events", nil).WithContext(ctx)
	req.Header.Set("Authorization", "Bearer tok-ro")
	req.Header.Set("Last-Event-ID", "1")
	w := httptest.NewRecorder()
	s.setupRoutes().ServeHTTP(w, req)

	body := w.Body.String()
	if strings.Contains(body, "daemon.started") {
		t.Error("event 1 should have been skipped by Last-Event-ID")
	}
	if !strings.Contains(body, "daemon.stopped") {
		t.Errorf("event 2 missing from replay: %q", body)
	}
	if !strings.Contains(body, "id: 2") {
		t.Errorf("SSE id line missing: %q", body)
	}
}

func TestEventsScopeEnforced(t *testing.T) {
	s := newTestServer(&fakePoolAdmin{}, &fakeSubmitter{}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	req := httptest.NewRequest("GET", "/events", nil).WithContext(ctx)
	req.Header.Set("Authorization", "Bearer tok-work")
	w := httptest.NewRecorder()
	s.setupRoutes().ServeHTTP(w, req)

	if w.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", w.Code)
	}
}
