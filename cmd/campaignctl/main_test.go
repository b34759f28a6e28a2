package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/openjobspec/ojs-campaigns/internal/core"
)

type recorded struct {
	method string
	path   string
	body   map[string]any
}

type requestLog struct {
	mu   sync.Mutex
	reqs []recorded
}

func (l *requestLog) all() []recorded {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]recorded(nil), l.reqs...)
}

// fakeServer answers like the campaign API and records each request.
func fakeServer(t *testing.T) (*httptest.Server, *requestLog) {
	t.Helper()
	log := &requestLog{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := recorded{method: r.Method, path: r.URL.RequestURI()}
		if data, _ := io.ReadAll(r.Body); len(data) > 0 {
			_ = json.Unmarshal(data, &rec.body)
		}
		log.mu.Lock()
		log.reqs = append(log.reqs, rec)
		log.mu.Unlock()

		w.Header().Set("Content-Type", core.MediaType)
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/v1/campaigns":
			w.WriteHeader(http.StatusCreated)
			fmt.Fprint(w, `{"campaign":{"key":"a@example.com","status":"running"},"handle":{"key":"a@example.com","run_id":"run-1"}}`)
		case r.URL.Path == "/v1/campaigns/a@example.com/await":
			fmt.Fprint(w, `{"outcome":{"key":"a@example.com","run_id":"run-1","status":"completed"}}`)
		case r.URL.Path == "/v1/campaigns/b@example.com/await":
			fmt.Fprint(w, `{"outcome":{"key":"b@example.com","run_id":"run-2","status":"failed","failed_step":2}}`)
		case r.URL.Path == "/v1/campaigns/missing":
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprint(w, `{"error":{"code":"not_found","message":"Campaign 'missing' not found.","retryable":false}}`)
		case r.URL.Path == "/v1/events":
			w.Header().Set("Content-Type", "text/event-stream")
			fmt.Fprint(w, ": keepalive\n\nevent: campaign.started\ndata: {\"event\":\"campaign.started\"}\n\n")
		default:
			fmt.Fprint(w, `{"ok":true}`)
		}
	}))
	t.Cleanup(srv.Close)
	return srv, log
}

func execute(t *testing.T, srv *httptest.Server, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(append([]string{"--server", srv.URL}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func TestStartCommand(t *testing.T) {
	srv, reqs := fakeServer(t)

	out, err := execute(t, srv, "start", "--email", "a@example.com")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if !strings.Contains(out, `"run_id": "run-1"`) {
		t.Errorf("output = %s", out)
	}
	got := reqs.all()[0]
	if got.method != http.MethodPost || got.path != "/v1/campaigns" {
		t.Errorf("request = %s %s", got.method, got.path)
	}
	if got.body["email"] != "a@example.com" {
		t.Errorf("body = %v", got.body)
	}
}

func TestStartAwaitCommand(t *testing.T) {
	srv, reqs := fakeServer(t)

	out, err := execute(t, srv, "start", "--email", "a@example.com", "--await")
	if err != nil {
		t.Fatalf("start --await: %v", err)
	}
	if !strings.Contains(out, `"status": "completed"`) {
		t.Errorf("output = %s", out)
	}
	if len(reqs.all()) != 2 || reqs.all()[1].body["run_id"] != "run-1" {
		t.Errorf("requests = %+v", reqs.all())
	}
}

func TestAwaitFailedRun(t *testing.T) {
	srv, reqs := fakeServer(t)

	_, err := execute(t, srv, "await", "b@example.com", "--within", "2s")
	if err == nil || !strings.Contains(err.Error(), "failed at step 2") {
		t.Fatalf("err = %v, want failed at step 2", err)
	}
	if reqs.all()[0].body["timeout"] != "2s" {
		t.Errorf("body = %v", reqs.all()[0].body)
	}
}

func TestGetNotFound(t *testing.T) {
	srv, _ := fakeServer(t)

	_, err := execute(t, srv, "get", "missing")
	var apiErr *core.Error
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want *core.Error", err)
	}
	if apiErr.Code != core.ErrCodeNotFound {
		t.Errorf("code = %q", apiErr.Code)
	}
}

func TestListCommandQuery(t *testing.T) {
	srv, reqs := fakeServer(t)

	if _, err := execute(t, srv, "list", "--status", "failed", "--limit", "5"); err != nil {
		t.Fatalf("list: %v", err)
	}
	if got := reqs.all()[0].path; got != "/v1/campaigns?limit=5&status=failed" {
		t.Errorf("path = %q", got)
	}
}

func TestControlCommands(t *testing.T) {
	srv, reqs := fakeServer(t)

	if _, err := execute(t, srv, "gate", "closed"); err != nil {
		t.Fatalf("gate: %v", err)
	}
	if _, err := execute(t, srv, "retry-level", "temporal"); err != nil {
		t.Fatalf("retry-level: %v", err)
	}
	if _, err := execute(t, srv, "retry-level", "forever"); err == nil {
		t.Error("expected an invalid level to be rejected locally")
	}
	if _, err := execute(t, srv, "gate", "sideways"); err == nil {
		t.Error("expected an invalid gate argument to be rejected")
	}

	if len(reqs.all()) != 2 {
		t.Fatalf("requests = %+v", reqs.all())
	}
	gate := reqs.all()[0]
	if gate.method != http.MethodPut || gate.path != "/v1/controls/gate" || gate.body["open"] != false {
		t.Errorf("gate request = %+v", gate)
	}
	level := reqs.all()[1]
	if level.path != "/v1/controls/retry-level" || level.body["level"] != "temporal" {
		t.Errorf("level request = %+v", level)
	}
}

func TestEventsCommand(t *testing.T) {
	srv, reqs := fakeServer(t)

	out, err := execute(t, srv, "events", "--key", "a@example.com")
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if !strings.HasPrefix(out, "campaign.started {") {
		t.Errorf("output = %q", out)
	}
	if got := reqs.all()[0].path; got != "/v1/events?key=a%40example.com" {
		t.Errorf("path = %q", got)
	}
}
