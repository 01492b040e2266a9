package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/kdlbs/reeve/internal/pulse"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "pulse.db")
	s, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func insertTestPulse(t *testing.T, s *Store, scheduledAt time.Time, priority pulse.Priority) int64 {
	t.Helper()
	id, err := s.Insert(context.Background(), &pulse.Pulse{
		ScheduledAt: scheduledAt,
		Prompt:      "test prompt",
		Priority:    priority,
		Status:      pulse.StatusPending,
		MaxRetries:  3,
		CreatedBy:   "test",
		CreatedAt:   time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	return id
}

func TestDuePriorityOrdering(t *testing.T) {
	s := newTestStore(t)
	past := time.Now().Add(-time.Minute)

	order := []pulse.Priority{pulse.PriorityDeferred, pulse.PriorityLow, pulse.PriorityCritical, pulse.PriorityNormal, pulse.PriorityHigh}
	ids := make(map[int64]pulse.Priority)
	for _, p := range order {
		id := insertTestPulse(t, s, past, p)
		ids[id] = p
	}

	due, err := s.Due(context.Background(), time.Now(), 10)
	if err != nil {
		t.Fatalf("Due: %v", err)
	}
	if len(due) != 5 {
		t.Fatalf("expected 5 due pulses, got %d", len(due))
	}
	wantOrder := []pulse.Priority{pulse.PriorityCritical, pulse.PriorityHigh, pulse.PriorityNormal, pulse.PriorityLow, pulse.PriorityDeferred}
	for i, p := range due {
		if p.Priority != wantOrder[i] {
			t.Fatalf("position %d: got %s, want %s", i, p.Priority, wantOrder[i])
		}
	}
}

func TestDueFIFOWithinPriority(t *testing.T) {
	s := newTestStore(t)
	now := time.Now()

	id3 := insertTestPulse(t, s, now.Add(-3*time.Second), pulse.PriorityNormal)
	id1 := insertTestPulse(t, s, now.Add(-1*time.Second), pulse.PriorityNormal)
	id2 := insertTestPulse(t, s, now.Add(-2*time.Second), pulse.PriorityNormal)

	due, err := s.Due(context.Background(), now, 10)
	if err != nil {
		t.Fatalf("Due: %v", err)
	}
	want := []int64{id3, id2, id1}
	for i, p := range due {
		if p.ID != want[i] {
			t.Fatalf("position %d: got id %d, want %d", i, p.ID, want[i])
		}
	}
}

func TestCASStatusAtMostOnce(t *testing.T) {
	s := newTestStore(t)
	id := insertTestPulse(t, s, time.Now().Add(-time.Second), pulse.PriorityNormal)

	results := make(chan bool, 2)
	for i := 0; i < 2; i++ {
		go func() {
			ok, err := s.CASStatus(context.Background(), id, pulse.StatusPending, pulse.StatusProcessing)
			if err != nil {
				t.Error(err)
			}
			results <- ok
		}()
	}

	trueCount := 0
	for i := 0; i < 2; i++ {
		if <-results {
			trueCount++
		}
	}
	if trueCount != 1 {
		t.Fatalf("expected exactly one claim to succeed, got %d", trueCount)
	}
}

func TestTimezoneRoundTrip(t *testing.T) {
	s := newTestStore(t)
	loc := time.FixedZone("+0530", 5*3600+30*60)
	scheduledAt := time.Date(2026, 3, 1, 9, 30, 0, 0, loc)

	id, err := s.Insert(context.Background(), &pulse.Pulse{
		ScheduledAt: scheduledAt,
		Prompt:      "tz test",
		Priority:    pulse.PriorityNormal,
		Status:      pulse.StatusPending,
		MaxRetries:  3,
		CreatedBy:   "test",
		CreatedAt:   time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}

	got, err := s.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !got.ScheduledAt.Equal(scheduledAt) {
		t.Fatalf("got %v, want %v", got.ScheduledAt, scheduledAt)
	}
}

func TestResetOrphaned(t *testing.T) {
	s := newTestStore(t)
	id := insertTestPulse(t, s, time.Now().Add(-time.Hour), pulse.PriorityNormal)

	ok, err := s.CASStatus(context.Background(), id, pulse.StatusPending, pulse.StatusProcessing)
	if err != nil || !ok {
		t.Fatalf("failed to claim: ok=%v err=%v", ok, err)
	}

	ids, err := s.ResetOrphaned(context.Background(), time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("ResetOrphaned: %v", err)
	}
	if len(ids) != 1 || ids[0] != id {
		t.Fatalf("expected [%d], got %v", id, ids)
	}

	p, err := s.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if p.Status != pulse.StatusPending {
		t.Fatalf("expected PENDING, got %s", p.Status)
	}
	if p.RetryCount != 1 {
		t.Fatalf("expected retry_count=1, got %d", p.RetryCount)
	}
}
