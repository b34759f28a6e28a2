package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/openjobspec/ojs-campaigns/internal/core"
)

func testRecord() *core.NotificationRecord {
	return &core.NotificationRecord{
		To:      "a@example.com",
		Time:    "2026-03-01T12:00:00.000Z",
		Subject: "Welcome to the newsletter",
		Content: "Hello",
	}
}

func TestLoggerDeliver(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(slog.New(slog.NewJSONHandler(&buf, nil)))

	if err := l.Deliver(context.Background(), testRecord()); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if !strings.Contains(buf.String(), "Welcome to the newsletter") {
		t.Errorf("log output missing subject: %s", buf.String())
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := l.Deliver(ctx, testRecord()); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestWebhookPostsRecord(t *testing.T) {
	var got core.NotificationRecord
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.Header.Get("Content-Type") != core.MediaType {
			t.Errorf("unexpected request %s %s", r.Method, r.Header.Get("Content-Type"))
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	if err := NewWebhook(srv.URL).Deliver(context.Background(), testRecord()); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if got != *testRecord() {
		t.Errorf("server received %+v", got)
	}
}

func TestWebhookStatusMapping(t *testing.T) {
	tests := []struct {
		status    int
		gate      bool
		permanent bool
	}{
		{http.StatusServiceUnavailable, true, false},
		{http.StatusConflict, true, false},
		{http.StatusBadRequest, false, true},
		{http.StatusTooManyRequests, false, false},
		{http.StatusInternalServerError, false, false},
	}
	for _, tt := range tests {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(tt.status)
		}))
		err := NewWebhook(srv.URL).Deliver(context.Background(), testRecord())
		srv.Close()

		if err == nil {
			t.Errorf("status %d: expected error", tt.status)
			continue
		}
		if got := errors.Is(err, core.ErrGateClosed); got != tt.gate {
			t.Errorf("status %d: gate closed = %v, want %v", tt.status, got, tt.gate)
		}
		if got := core.IsPermanent(err); got != tt.permanent {
			t.Errorf("status %d: permanent = %v, want %v", tt.status, got, tt.permanent)
		}
	}
}

func TestWebhookUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	err := NewWebhook(url).Deliver(context.Background(), testRecord())
	if err == nil || core.IsPermanent(err) {
		t.Errorf("err = %v, want retryable transport error", err)
	}
}
