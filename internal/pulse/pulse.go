// Package pulse defines the Pulse entity shared by the Store, Queue,
// Executor, and every ingress surface.
package pulse

import "time"

// Priority is one of the five pulse priority levels, ordered CRITICAL-first.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityNormal   Priority = "normal"
	PriorityLow      Priority = "low"
	PriorityDeferred Priority = "deferred"
)

// Rank projects Priority to an explicit numeric order (CRITICAL=0..DEFERRED=4)
// since the string enum does not sort lexicographically into priority order
// on its own.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 1
	case PriorityNormal:
		return 2
	case PriorityLow:
		return 3
	case PriorityDeferred:
		return 4
	default:
		return 2
	}
}

// Valid reports whether p is one of the five defined priorities.
func (p Priority) Valid() bool {
	switch p {
	case PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow, PriorityDeferred:
		return true
	default:
		return false
	}
}

// Status is one of the five pulse lifecycle states.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether s is one from which no further transition happens.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Pulse is a scheduled intention to invoke the runner. Pulse values held
// outside the Store are read-only snapshots; all mutation happens through
// Queue operations.
type Pulse struct {
	ID                  int64
	ScheduledAt         time.Time
	Prompt              string
	Priority            Priority
	Status              Status
	SessionID           string
	StickyNotes         []string
	Tags                []string
	RetryCount          int
	MaxRetries          int
	CreatedBy           string
	CreatedAt           time.Time
	ExecutedAt          *time.Time
	ExecutionDurationMs *int64
	ErrorMessage        string
}
