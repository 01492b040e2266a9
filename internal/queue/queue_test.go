package queue

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/kdlbs/reeve/internal/logging"
	"github.com/kdlbs/reeve/internal/pulse"
	"github.com/kdlbs/reeve/internal/store"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "pulse.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return New(st, logging.Default())
}

func TestScheduleRejectsEmptyPrompt(t *testing.T) {
	q := newTestQueue(t)
	_, err := q.Schedule(context.Background(), ScheduleInput{ScheduledAt: time.Now(), Prompt: ""})
	if err != ErrEmptyPrompt {
		t.Fatalf("got %v, want ErrEmptyPrompt", err)
	}
}

func TestScheduleAcceptsPastScheduledTime(t *testing.T) {
	q := newTestQueue(t)
	id, err := q.Schedule(context.Background(), ScheduleInput{
		ScheduledAt: time.Now().Add(-time.Hour),
		Prompt:      "past due",
	})
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if id == 0 {
		t.Fatalf("expected nonzero id")
	}
}

func TestMarkProcessingGuardsDuplicateExecution(t *testing.T) {
	q := newTestQueue(t)
	id, _ := q.Schedule(context.Background(), ScheduleInput{ScheduledAt: time.Now().Add(-time.Second), Prompt: "x"})

	first, err := q.MarkProcessing(context.Background(), id)
	if err != nil || !first {
		t.Fatalf("first claim: ok=%v err=%v", first, err)
	}
	second, err := q.MarkProcessing(context.Background(), id)
	if err != nil || second {
		t.Fatalf("second claim should fail: ok=%v err=%v", second, err)
	}
}

func TestRetryBackoff(t *testing.T) {
	q := newTestQueue(t)
	id, _ := q.Schedule(context.Background(), ScheduleInput{ScheduledAt: time.Now().Add(-time.Second), Prompt: "x", MaxRetries: 3, MaxRetriesSet: true})
	if _, err := q.MarkProcessing(context.Background(), id); err != nil {
		t.Fatalf("MarkProcessing: %v", err)
	}

	retryID, err := q.MarkFailed(context.Background(), id, "boom", true)
	if err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}
	if retryID == 0 {
		t.Fatalf("expected a retry pulse")
	}

	retry, err := q.Get(context.Background(), retryID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if retry.RetryCount != 1 {
		t.Fatalf("expected retry_count=1, got %d", retry.RetryCount)
	}
	wantAt := time.Now().Add(1 * time.Minute)
	if retry.ScheduledAt.Before(wantAt.Add(-5*time.Second)) || retry.ScheduledAt.After(wantAt.Add(5*time.Second)) {
		t.Fatalf("scheduled_at %v not within tolerance of %v", retry.ScheduledAt, wantAt)
	}
}

func TestMaxRetriesReached(t *testing.T) {
	q := newTestQueue(t)
	id, _ := q.Schedule(context.Background(), ScheduleInput{ScheduledAt: time.Now().Add(-time.Second), Prompt: "x", MaxRetries: 0, MaxRetriesSet: true})
	if _, err := q.MarkProcessing(context.Background(), id); err != nil {
		t.Fatalf("MarkProcessing: %v", err)
	}
	retryID, err := q.MarkFailed(context.Background(), id, "boom", true)
	if err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}
	if retryID != 0 {
		t.Fatalf("expected no retry pulse, got id %d", retryID)
	}
}

func TestCancelSemantics(t *testing.T) {
	q := newTestQueue(t)
	id, _ := q.Schedule(context.Background(), ScheduleInput{ScheduledAt: time.Now().Add(time.Hour), Prompt: "x"})

	ok, err := q.Cancel(context.Background(), id)
	if err != nil || !ok {
		t.Fatalf("first cancel: ok=%v err=%v", ok, err)
	}
	ok, err = q.Cancel(context.Background(), id)
	if err != nil || ok {
		t.Fatalf("second cancel should be false: ok=%v err=%v", ok, err)
	}

	p, _ := q.Get(context.Background(), id)
	if p.Status != pulse.StatusCancelled {
		t.Fatalf("expected CANCELLED, got %s", p.Status)
	}
}

func TestCancelProcessingPulseIsNoop(t *testing.T) {
	q := newTestQueue(t)
	id, _ := q.Schedule(context.Background(), ScheduleInput{ScheduledAt: time.Now().Add(-time.Second), Prompt: "x"})
	if _, err := q.MarkProcessing(context.Background(), id); err != nil {
		t.Fatalf("MarkProcessing: %v", err)
	}

	ok, err := q.Cancel(context.Background(), id)
	if err != nil || ok {
		t.Fatalf("cancel of PROCESSING should be false: ok=%v err=%v", ok, err)
	}
	p, _ := q.Get(context.Background(), id)
	if p.Status != pulse.StatusProcessing {
		t.Fatalf("status should remain PROCESSING, got %s", p.Status)
	}
}
