package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/kdlbs/reeve/internal/logging"
	"github.com/kdlbs/reeve/internal/queue"
	"github.com/kdlbs/reeve/internal/store"
	"github.com/kdlbs/reeve/pkg/pulseapi"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "pulse.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	q := queue.New(st, logging.Default())
	s, err := New(ServerConfig{Addr: "127.0.0.1:0", Token: "secret"}, q, logging.Default())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func (s *Server) testRequest(method, path, body, token string) *httptest.ResponseRecorder {
	var reqBody *bytes.Reader
	if body != "" {
		reqBody = bytes.NewReader([]byte(body))
	} else {
		reqBody = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reqBody)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rec, req)
	return rec
}

func TestHealthIsUnauthenticated(t *testing.T) {
	s := newTestServer(t)
	rec := s.testRequest(http.MethodGet, "/api/health", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d, want 200", rec.Code)
	}
}

func TestScheduleRequiresBearer(t *testing.T) {
	s := newTestServer(t)
	body := `{"prompt":"hi","scheduled_at":"now"}`

	rec := s.testRequest(http.MethodPost, "/api/pulse/schedule", body, "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("no token: got status %d, want 401", rec.Code)
	}

	rec = s.testRequest(http.MethodPost, "/api/pulse/schedule", body, "wrong")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("wrong token: got status %d, want 403", rec.Code)
	}
}

func TestScheduleWithCorrectTokenCreatesPulse(t *testing.T) {
	s := newTestServer(t)
	body := `{"prompt":"hi","scheduled_at":"now","priority":"high"}`

	rec := s.testRequest(http.MethodPost, "/api/pulse/schedule", body, "secret")
	if rec.Code != http.StatusCreated {
		t.Fatalf("got status %d, want 201: %s", rec.Code, rec.Body.String())
	}

	var resp pulseapi.ScheduleResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if resp.PulseID == 0 {
		t.Fatalf("expected a non-zero pulse id")
	}
}

func TestScheduleResolvesRelativeTimes(t *testing.T) {
	s := newTestServer(t)
	before := time.Now().Add(5 * time.Minute)
	body := `{"prompt":"hi","scheduled_at":"in 5 minutes"}`

	rec := s.testRequest(http.MethodPost, "/api/pulse/schedule", body, "secret")
	if rec.Code != http.StatusCreated {
		t.Fatalf("got status %d, want 201: %s", rec.Code, rec.Body.String())
	}

	var resp pulseapi.ScheduleResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	after := time.Now().Add(5 * time.Minute)
	if resp.ScheduledAt.Before(before.Add(-2*time.Second)) || resp.ScheduledAt.After(after.Add(2*time.Second)) {
		t.Fatalf("scheduled_at %v not within 2s of now+5min", resp.ScheduledAt)
	}
}

func TestUpcomingListsScheduledPulses(t *testing.T) {
	s := newTestServer(t)
	s.testRequest(http.MethodPost, "/api/pulse/schedule", `{"prompt":"hi","scheduled_at":"in 1 hour"}`, "secret")

	rec := s.testRequest(http.MethodGet, "/api/pulse/upcoming?limit=10", "", "secret")
	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d, want 200", rec.Code)
	}

	var resp pulseapi.UpcomingResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if resp.Count != 1 {
		t.Fatalf("got count %d, want 1", resp.Count)
	}
}

func TestNewRefusesEmptyToken(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "pulse.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	defer st.Close()
	q := queue.New(st, logging.Default())

	if _, err := New(ServerConfig{Addr: "127.0.0.1:0"}, q, logging.Default()); err == nil {
		t.Fatalf("expected New to refuse an empty token")
	}
}
