// Package pulseapi holds the wire types shared between the HTTP Ingress
// server and its clients (chat-poll, external dashboards), kept separate
// from the internal pulse domain type so the two can evolve independently.
package pulseapi

import "time"

// ScheduleRequest is the body of POST /api/pulse/schedule.
type ScheduleRequest struct {
	Prompt      string   `json:"prompt"`
	ScheduledAt string   `json:"scheduled_at"`
	Priority    string   `json:"priority,omitempty"`
	Source      string   `json:"source,omitempty"`
	StickyNotes []string `json:"sticky_notes,omitempty"`
	Tags        []string `json:"tags,omitempty"`
}

// ScheduleResponse is the response body of POST /api/pulse/schedule.
type ScheduleResponse struct {
	PulseID     int64     `json:"pulse_id"`
	ScheduledAt time.Time `json:"scheduled_at"`
	Message     string    `json:"message"`
}

// PulseView is the read-facing rendering of a pulse, used by the upcoming
// list, the single-pulse getter, and the WebSocket stream.
type PulseView struct {
	ID          int64     `json:"id"`
	ScheduledAt time.Time `json:"scheduled_at"`
	Priority    string    `json:"priority"`
	Prompt      string    `json:"prompt"`
	Status      string    `json:"status"`
}

// UpcomingResponse is the response body of GET /api/pulse/upcoming.
type UpcomingResponse struct {
	Count  int          `json:"count"`
	Pulses []*PulseView `json:"pulses"`
}

// HealthResponse is the response body of GET /api/health.
type HealthResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
}

// StatusResponse is the response body of GET /api/status.
type StatusResponse struct {
	Status        string         `json:"status"`
	UptimeSeconds int64          `json:"uptime_seconds"`
	Counts        map[string]int `json:"counts_by_status"`
	Config        ConfigEcho     `json:"config"`
}

// ConfigEcho is the non-secret subset of configuration echoed by /api/status.
type ConfigEcho struct {
	MaxConcurrent int    `json:"max_concurrent"`
	RunnerCommand string `json:"runner_command"`
	DatabaseDriver string `json:"database_driver"`
}

// StreamEvent is one frame pushed over GET /api/pulse/stream.
type StreamEvent struct {
	Event string     `json:"event"` // "scheduled", "claimed", "completed", "failed", "cancelled", or "updated"
	Pulse *PulseView `json:"pulse"`
}
