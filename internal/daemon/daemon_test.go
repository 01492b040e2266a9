package daemon

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kdlbs/reeve/internal/executor"
	"github.com/kdlbs/reeve/internal/logging"
	"github.com/kdlbs/reeve/internal/pulse"
	"github.com/kdlbs/reeve/internal/queue"
	"github.com/kdlbs/reeve/internal/store"
)

func newHarness(t *testing.T, runnerScript string) (*queue.Queue, *Daemon) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "pulse.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	q := queue.New(st, logging.Default())
	ex := executor.New(executor.Config{Command: runnerScript, DefaultTimeout: 5 * time.Second}, logging.Default())

	workDir := t.TempDir()
	d := New(q, ex, logging.Default(), Config{
		BatchLimit:      10,
		MaxConcurrent:   1,
		RunnerWorkDir:   workDir,
		ExecutionTimeout: 5 * time.Second,
	})
	return q, d
}

// writeScript drops an executable shell script into a temp dir and returns
// its path, standing in for the runner binary.
func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-runner.sh")
	script := "#!/bin/sh\n" + body + "\n"
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

func TestTickClaimsAndCompletesDuePulse(t *testing.T) {
	runner := writeScript(t, `echo '{"type":"system","subtype":"init","session_id":"s1"}'
echo '{"type":"result","is_error":false}'`)
	q, d := newHarness(t, runner)

	id, err := q.Schedule(context.Background(), queue.ScheduleInput{
		ScheduledAt: time.Now().Add(-time.Second),
		Prompt:      "do the thing",
	})
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	d.tick(context.Background())
	d.wg.Wait()

	got, err := q.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != pulse.StatusCompleted {
		t.Fatalf("got status %s, want COMPLETED", got.Status)
	}
	if got.ExecutionDurationMs == nil {
		t.Fatalf("expected execution_duration_ms to be set")
	}
}

func TestTickRoutesRunnerErrorResultToFailed(t *testing.T) {
	runner := writeScript(t, `echo '{"type":"result","is_error":true,"error":"tool exploded"}'`)
	q, d := newHarness(t, runner)

	id, _ := q.Schedule(context.Background(), queue.ScheduleInput{
		ScheduledAt: time.Now().Add(-time.Second),
		Prompt:      "do the thing",
		MaxRetries:  0, MaxRetriesSet: true,
	})

	d.tick(context.Background())
	d.wg.Wait()

	got, err := q.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != pulse.StatusFailed {
		t.Fatalf("got status %s, want FAILED", got.Status)
	}
	if got.ErrorMessage != "tool exploded" {
		t.Fatalf("got error message %q, want %q", got.ErrorMessage, "tool exploded")
	}
}

func TestTickRespectsConcurrencyCap(t *testing.T) {
	runner := writeScript(t, `sleep 0.3
echo '{"type":"result","is_error":false}'`)
	q, d := newHarness(t, runner)

	var ids []int64
	for i := 0; i < 3; i++ {
		id, _ := q.Schedule(context.Background(), queue.ScheduleInput{
			ScheduledAt: time.Now().Add(-time.Second),
			Prompt:      "x",
		})
		ids = append(ids, id)
	}

	d.tick(context.Background())

	processing := 0
	pending := 0
	for _, id := range ids {
		p, err := q.Get(context.Background(), id)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		switch p.Status {
		case pulse.StatusProcessing:
			processing++
		case pulse.StatusPending:
			pending++
		}
	}
	if processing != 1 {
		t.Fatalf("got %d processing, want 1 (MaxConcurrent cap)", processing)
	}
	if pending != 2 {
		t.Fatalf("got %d still pending, want 2", pending)
	}

	d.wg.Wait()
}

func TestReconcileResetsOrphanedProcessingPulse(t *testing.T) {
	runner := writeScript(t, `echo '{"type":"result","is_error":false}'`)
	q, d := newHarness(t, runner)
	d.cfg.OrphanThreshold = time.Millisecond

	id, _ := q.Schedule(context.Background(), queue.ScheduleInput{
		ScheduledAt: time.Now().Add(-time.Second),
		Prompt:      "x",
	})
	if _, err := q.MarkProcessing(context.Background(), id); err != nil {
		t.Fatalf("MarkProcessing: %v", err)
	}

	time.Sleep(5 * time.Millisecond)
	if err := d.Reconcile(context.Background()); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	got, err := q.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != pulse.StatusPending {
		t.Fatalf("got status %s, want PENDING", got.Status)
	}
	if got.RetryCount != 1 {
		t.Fatalf("got retry_count %d, want 1", got.RetryCount)
	}
}

func TestShutdownWaitsForInFlightExecution(t *testing.T) {
	runner := writeScript(t, `sleep 0.2
echo '{"type":"result","is_error":false}'`)
	q, d := newHarness(t, runner)

	id, _ := q.Schedule(context.Background(), queue.ScheduleInput{
		ScheduledAt: time.Now().Add(-time.Second),
		Prompt:      "x",
	})

	d.tick(context.Background())
	if err := d.Shutdown(2 * time.Second); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	got, _ := q.Get(context.Background(), id)
	if got.Status != pulse.StatusCompleted {
		t.Fatalf("got status %s, want COMPLETED after graceful shutdown", got.Status)
	}
}

func TestShutdownTimesOutWhenExecutionOutlivesGrace(t *testing.T) {
	runner := writeScript(t, `sleep 1
echo '{"type":"result","is_error":false}'`)
	q, d := newHarness(t, runner)

	_, _ = q.Schedule(context.Background(), queue.ScheduleInput{
		ScheduledAt: time.Now().Add(-time.Second),
		Prompt:      "x",
	})

	d.tick(context.Background())
	if err := d.Shutdown(10 * time.Millisecond); err != ErrGraceTimeout {
		t.Fatalf("got %v, want ErrGraceTimeout", err)
	}
	d.wg.Wait()
}
