package toolcall

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/kdlbs/reeve/internal/logging"
	"github.com/kdlbs/reeve/internal/queue"
	"github.com/kdlbs/reeve/internal/store"
)

func newTestQueue(t *testing.T) *queue.Queue {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "pulse.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return queue.New(st, logging.Default())
}

func call(t *testing.T, s *Server, method string, params interface{}) Response {
	t.Helper()
	raw, _ := json.Marshal(params)
	req := Request{JSONRPC: "2.0", ID: float64(1), Method: method, Params: raw}
	line, _ := json.Marshal(req)

	var out bytes.Buffer
	if err := s.Run(context.Background(), bytes.NewReader(append(line, '\n')), &out); err != nil {
		t.Fatalf("Run: %v", err)
	}

	var resp Response
	if err := json.Unmarshal(bytes.TrimSpace(out.Bytes()), &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	return resp
}

func resultText(t *testing.T, resp Response) string {
	t.Helper()
	var r toolResult
	if err := json.Unmarshal(resp.Result, &r); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if len(r.Content) != 1 {
		t.Fatalf("expected one content block, got %d", len(r.Content))
	}
	return r.Content[0].Text
}

func TestSchedulePulseConfirms(t *testing.T) {
	s := New(newTestQueue(t), logging.Default())
	resp := call(t, s, "schedule_pulse", map[string]any{
		"scheduled_at": "now",
		"prompt":       "do the thing",
	})
	if resp.Error != nil {
		t.Fatalf("unexpected protocol error: %+v", resp.Error)
	}
	text := resultText(t, resp)
	if !strings.Contains(text, "scheduled pulse #1") {
		t.Fatalf("unexpected confirmation text: %q", text)
	}
}

func TestSchedulePulseResumeWithoutSessionIDWarns(t *testing.T) {
	s := New(newTestQueue(t), logging.Default())
	resp := call(t, s, "schedule_pulse", map[string]any{
		"scheduled_at":              "now",
		"prompt":                    "resume me",
		"resume_in_current_session": true,
	})
	text := resultText(t, resp)
	if !strings.Contains(text, "warning") {
		t.Fatalf("expected a surfaced warning, got %q", text)
	}
}

func TestCancelPulseRefusesProcessing(t *testing.T) {
	q := newTestQueue(t)
	id, err := q.Schedule(context.Background(), queue.ScheduleInput{
		ScheduledAt: time.Now().Add(-time.Second),
		Prompt:      "x",
	})
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if ok, err := q.MarkProcessing(context.Background(), id); err != nil || !ok {
		t.Fatalf("MarkProcessing: ok=%v err=%v", ok, err)
	}

	s := New(q, logging.Default())
	resp := call(t, s, "cancel_pulse", map[string]any{"pulse_id": id})
	text := resultText(t, resp)
	if !strings.Contains(text, "cannot be cancelled") {
		t.Fatalf("expected refusal text, got %q", text)
	}
}

func TestUnknownMethodIsProtocolError(t *testing.T) {
	s := New(newTestQueue(t), logging.Default())
	resp := call(t, s, "not_a_real_tool", map[string]any{})
	if resp.Error == nil {
		t.Fatalf("expected a protocol-level error for an unknown method")
	}
}

func TestListUpcomingPulsesFormatsTable(t *testing.T) {
	q := newTestQueue(t)
	if _, err := q.Schedule(context.Background(), queue.ScheduleInput{ScheduledAt: time.Now().Add(time.Hour), Prompt: "later"}); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	s := New(q, logging.Default())
	resp := call(t, s, "list_upcoming_pulses", map[string]any{"limit": 5})
	text := resultText(t, resp)
	if !strings.Contains(text, "later") {
		t.Fatalf("expected prompt excerpt in table, got %q", text)
	}
}
