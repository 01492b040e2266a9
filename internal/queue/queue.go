// Package queue implements the business operations over the Store: the
// only path by which pulses are created or mutated (spec's Queue component).
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/kdlbs/reeve/internal/logging"
	"github.com/kdlbs/reeve/internal/pulse"
	"github.com/kdlbs/reeve/internal/store"
	"go.uber.org/zap"
)

// Sentinel errors returned by Schedule for invalid input.
var (
	ErrEmptyPrompt       = errors.New("queue: prompt must not be empty")
	ErrPromptTooLong     = errors.New("queue: prompt exceeds 2000 characters")
	ErrInvalidMaxRetries = errors.New("queue: max_retries must be non-negative")
	ErrInvalidPriority   = errors.New("queue: priority is not one of the five recognized values")
)

const maxPromptLength = 2000

// ScheduleInput carries the fields accepted by Schedule. Zero values mean
// "use the default" as documented in spec.md §4.3.
type ScheduleInput struct {
	ScheduledAt time.Time
	Prompt      string
	Priority    pulse.Priority // "" defaults to Normal
	SessionID   string
	StickyNotes []string
	Tags        []string
	CreatedBy   string // "" defaults to "system"
	MaxRetries  int    // used only when MaxRetriesSet; otherwise the default of 3 applies
	MaxRetriesSet bool
}

// Queue is the sole mutator of pulses; the Store backs every operation with
// a durable, indexed row.
type Queue struct {
	store *store.Store
	log   *logging.Logger
}

func New(st *store.Store, log *logging.Logger) *Queue {
	return &Queue{store: st, log: log}
}

// Schedule inserts a new PENDING pulse and returns its id.
func (q *Queue) Schedule(ctx context.Context, in ScheduleInput) (int64, error) {
	if in.Prompt == "" {
		return 0, ErrEmptyPrompt
	}
	if utf8.RuneCountInString(in.Prompt) > maxPromptLength {
		return 0, ErrPromptTooLong
	}

	priority := in.Priority
	if priority == "" {
		priority = pulse.PriorityNormal
	}
	if !priority.Valid() {
		return 0, ErrInvalidPriority
	}

	maxRetries := in.MaxRetries
	if !in.MaxRetriesSet {
		maxRetries = 3
	}
	if maxRetries < 0 {
		return 0, ErrInvalidMaxRetries
	}

	createdBy := in.CreatedBy
	if createdBy == "" {
		createdBy = "system"
	}

	p := &pulse.Pulse{
		ScheduledAt: in.ScheduledAt,
		Prompt:      in.Prompt,
		Priority:    priority,
		Status:      pulse.StatusPending,
		SessionID:   in.SessionID,
		StickyNotes: in.StickyNotes,
		Tags:        in.Tags,
		MaxRetries:  maxRetries,
		CreatedBy:   createdBy,
		CreatedAt:   time.Now().UTC(),
	}

	id, err := q.store.Insert(ctx, p)
	if err != nil {
		return 0, fmt.Errorf("queue: schedule: %w", err)
	}
	q.log.Info("pulse scheduled",
		zap.Int64("pulse_id", id),
		zap.String("priority", string(priority)),
		zap.Time("scheduled_at", p.ScheduledAt),
		zap.String("prompt_excerpt", excerpt(p.Prompt)))
	return id, nil
}

// GetDue returns claimable pulses (PENDING, scheduled_at <= now), ordered by
// priority then FIFO.
func (q *Queue) GetDue(ctx context.Context, limit int) ([]*pulse.Pulse, error) {
	return q.store.Due(ctx, time.Now(), limit)
}

// GetUpcoming returns pulses in the given statuses (default {PENDING}),
// ordered by scheduled_at ascending.
func (q *Queue) GetUpcoming(ctx context.Context, limit int, statuses []pulse.Status) ([]*pulse.Pulse, error) {
	return q.store.Upcoming(ctx, statuses, limit)
}

// Get returns a single pulse by id, or store.ErrNotFound.
func (q *Queue) Get(ctx context.Context, id int64) (*pulse.Pulse, error) {
	return q.store.Get(ctx, id)
}

// MarkProcessing is the ordering authority: it atomically claims a PENDING
// pulse. A competing claimer observes false and must skip the pulse.
func (q *Queue) MarkProcessing(ctx context.Context, id int64) (bool, error) {
	ok, err := q.store.CASStatus(ctx, id, pulse.StatusPending, pulse.StatusProcessing)
	if err != nil {
		return false, fmt.Errorf("queue: mark_processing: %w", err)
	}
	if ok {
		q.log.Info("pulse claimed", zap.Int64("pulse_id", id))
	}
	return ok, nil
}

// MarkCompleted transitions a PROCESSING pulse to COMPLETED. No-op if not
// PROCESSING.
func (q *Queue) MarkCompleted(ctx context.Context, id int64, durationMs int64) error {
	ok, err := q.store.Complete(ctx, id, time.Now().UTC(), durationMs)
	if err != nil {
		return fmt.Errorf("queue: mark_completed: %w", err)
	}
	if ok {
		q.log.Info("pulse completed", zap.Int64("pulse_id", id), zap.Int64("duration_ms", durationMs))
	}
	return nil
}

// MarkFailed transitions a PROCESSING pulse to FAILED and, if shouldRetry
// and retry_count < max_retries, inserts a retry pulse per §3 invariant 3.
// Returns the new pulse's id, or 0 if no retry pulse was created.
func (q *Queue) MarkFailed(ctx context.Context, id int64, errMsg string, shouldRetry bool) (int64, error) {
	ok, err := q.store.Fail(ctx, id, time.Now().UTC(), errMsg)
	if err != nil {
		return 0, fmt.Errorf("queue: mark_failed: %w", err)
	}
	if !ok {
		return 0, nil
	}
	q.log.Error("pulse failed", zap.Int64("pulse_id", id), zap.String("error", errMsg))

	if !shouldRetry {
		return 0, nil
	}

	original, err := q.store.Get(ctx, id)
	if err != nil {
		return 0, fmt.Errorf("queue: mark_failed: reload original: %w", err)
	}
	if original.RetryCount >= original.MaxRetries {
		return 0, nil
	}

	backoff := time.Duration(1<<uint(original.RetryCount)) * time.Minute
	retry := &pulse.Pulse{
		ScheduledAt: time.Now().UTC().Add(backoff),
		Prompt:      original.Prompt,
		Priority:    original.Priority,
		Status:      pulse.StatusPending,
		SessionID:   original.SessionID,
		StickyNotes: original.StickyNotes,
		Tags:        original.Tags,
		RetryCount:  original.RetryCount + 1,
		MaxRetries:  original.MaxRetries,
		CreatedBy:   "retry_" + original.CreatedBy,
		CreatedAt:   time.Now().UTC(),
	}
	retryID, err := q.store.Insert(ctx, retry)
	if err != nil {
		return 0, fmt.Errorf("queue: mark_failed: insert retry pulse: %w", err)
	}
	q.log.Info("retry pulse created",
		zap.Int64("original_pulse_id", id),
		zap.Int64("retry_pulse_id", retryID),
		zap.Int("retry_count", retry.RetryCount))
	return retryID, nil
}

// Cancel transitions a PENDING pulse to CANCELLED. Returns false for any
// non-PENDING pulse, including terminal ones.
func (q *Queue) Cancel(ctx context.Context, id int64) (bool, error) {
	ok, err := q.store.CASStatus(ctx, id, pulse.StatusPending, pulse.StatusCancelled)
	if err != nil {
		return false, fmt.Errorf("queue: cancel: %w", err)
	}
	if ok {
		q.log.Info("pulse cancelled", zap.Int64("pulse_id", id))
	}
	return ok, nil
}

// Reschedule updates scheduled_at iff the pulse is still PENDING.
func (q *Queue) Reschedule(ctx context.Context, id int64, newScheduledAt time.Time) (bool, error) {
	ok, err := q.store.Reschedule(ctx, id, newScheduledAt)
	if err != nil {
		return false, fmt.Errorf("queue: reschedule: %w", err)
	}
	if ok {
		q.log.Info("pulse rescheduled", zap.Int64("pulse_id", id), zap.Time("scheduled_at", newScheduledAt))
	}
	return ok, nil
}

// CountsByStatus reports the number of pulses currently in each status.
func (q *Queue) CountsByStatus(ctx context.Context) (map[pulse.Status]int, error) {
	return q.store.CountsByStatus(ctx)
}

// ReconcileOrphaned resets pulses left PROCESSING by a prior crash back to
// PENDING, per §7's single reconciliation rule. olderThan bounds how old a
// PROCESSING pulse must be before it's considered orphaned.
func (q *Queue) ReconcileOrphaned(ctx context.Context, olderThan time.Duration) ([]int64, error) {
	ids, err := q.store.ResetOrphaned(ctx, time.Now().Add(-olderThan))
	if err != nil {
		return nil, fmt.Errorf("queue: reconcile orphaned: %w", err)
	}
	if len(ids) > 0 {
		q.log.Warn("reconciled orphaned pulses", zap.Int64s("pulse_ids", ids))
	}
	return ids, nil
}

func excerpt(s string) string {
	if len(s) <= 100 {
		return s
	}
	return s[:100]
}
