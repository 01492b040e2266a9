package chatpoll

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/kdlbs/reeve/internal/logging"
)

func TestForwardSendsExpectedSchedulePayload(t *testing.T) {
	var gotPath string
	var gotAuth string
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	p := New(Config{
		PulseAPIURL:   srv.URL,
		PulseAPIToken: "tok123",
		Source:        "telegram",
		OffsetFile:    filepath.Join(t.TempDir(), "offset"),
	}, logging.Default())

	err := p.forward(context.Background(), Update{ID: 1, FromID: "42", FromName: "alice", Text: "hello"})
	if err != nil {
		t.Fatalf("forward: %v", err)
	}
	if hits != 1 {
		t.Fatalf("expected one HTTP call, got %d", hits)
	}
	if gotPath != "/api/pulse/schedule" {
		t.Fatalf("got path %q, want /api/pulse/schedule", gotPath)
	}
	if gotAuth != "Bearer tok123" {
		t.Fatalf("got Authorization %q, want Bearer tok123", gotAuth)
	}
}

func TestForwardFatalAfterRepeated4xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	p := New(Config{PulseAPIURL: srv.URL, Source: "telegram", OffsetFile: filepath.Join(t.TempDir(), "offset")}, logging.Default())

	var lastErr error
	for i := 0; i < maxConsecutiveBadRequests; i++ {
		lastErr = p.forward(context.Background(), Update{ID: int64(i), FromID: "1", Text: "x"})
	}
	if _, ok := lastErr.(*FatalError); !ok {
		t.Fatalf("expected a *FatalError after %d consecutive 4xx, got %v (%T)", maxConsecutiveBadRequests, lastErr, lastErr)
	}
}
