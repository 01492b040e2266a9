package toolcall

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kdlbs/reeve/internal/logging"
	"github.com/kdlbs/reeve/internal/pulse"
	"github.com/kdlbs/reeve/internal/queue"
	"github.com/kdlbs/reeve/internal/store"
	"github.com/kdlbs/reeve/internal/timeresolve"
)

// Server answers tool calls made over stdio by an external agent host,
// wrapping the Queue with the four tools of spec.md §4.8.
type Server struct {
	queue *queue.Queue
	log   *logging.Logger
}

func New(q *queue.Queue, log *logging.Logger) *Server {
	return &Server{queue: q, log: log.WithFields(zap.String("component", "toolcall"))}
}

// Run reads one JSON-RPC request per line from r and writes one response
// per line to w, until r reaches EOF or ctx is cancelled. ctx is checked
// after each line is read, so a cancellation takes effect only once the next
// line arrives or r reaches EOF. Malformed lines
// draw a protocol-level Error response; tool failures draw a normal
// response whose text explains the refusal.
func (s *Server) Run(ctx context.Context, r io.Reader, w io.Writer) error {
	scanner := bufio.NewScanner(r)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 4*1024*1024)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line := scanner.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}

		resp := s.handleLine(ctx, line)
		data, err := json.Marshal(resp)
		if err != nil {
			s.log.Error("failed to marshal response", zap.Error(err))
			continue
		}
		if _, err := w.Write(append(data, '\n')); err != nil {
			return err
		}
	}
	return scanner.Err()
}

func (s *Server) handleLine(ctx context.Context, line []byte) Response {
	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		return Response{JSONRPC: "2.0", Error: &Error{Code: codeParseError, Message: "invalid JSON: " + err.Error()}}
	}
	id := normalizeID(req.ID)

	if req.Method == "" {
		return Response{JSONRPC: "2.0", ID: id, Error: &Error{Code: codeInvalidRequest, Message: "request is missing a method"}}
	}

	var (
		text string
		err  error
	)
	switch req.Method {
	case "schedule_pulse":
		text, err = s.schedulePulse(ctx, req.Params)
	case "list_upcoming_pulses":
		text, err = s.listUpcomingPulses(ctx, req.Params)
	case "cancel_pulse":
		text, err = s.cancelPulse(ctx, req.Params)
	case "reschedule_pulse":
		text, err = s.reschedulePulse(ctx, req.Params)
	default:
		return Response{JSONRPC: "2.0", ID: id, Error: &Error{Code: codeMethodNotFound, Message: "unknown tool: " + req.Method}}
	}

	if err != nil {
		var paramsErr *invalidParamsError
		if errors.As(err, &paramsErr) {
			return Response{JSONRPC: "2.0", ID: id, Error: &Error{Code: codeInvalidParams, Message: err.Error()}}
		}
		// Every other failure is a tool-level outcome, returned as a value
		// per spec.md §4.8, not a protocol error.
		text = err.Error()
	}

	return Response{JSONRPC: "2.0", ID: id, Result: textResult(text)}
}

// invalidParamsError marks malformed tool arguments, which is the one
// failure mode still rendered as a JSON-RPC protocol error rather than a
// result string, since the caller's envelope itself is unusable.
type invalidParamsError struct{ msg string }

func (e *invalidParamsError) Error() string { return e.msg }

func badParams(format string, args ...interface{}) error {
	return &invalidParamsError{msg: fmt.Sprintf(format, args...)}
}

type schedulePulseParams struct {
	ScheduledAt            string   `json:"scheduled_at"`
	Prompt                 string   `json:"prompt"`
	Priority               string   `json:"priority"`
	ResumeInCurrentSession bool     `json:"resume_in_current_session"`
	CurrentSessionID       string   `json:"current_session_id"`
	StickyNotes            []string `json:"sticky_notes"`
	Tags                   []string `json:"tags"`
}

func (s *Server) schedulePulse(ctx context.Context, raw json.RawMessage) (string, error) {
	var p schedulePulseParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return "", badParams("schedule_pulse: invalid arguments: %v", err)
	}

	scheduledAt, err := timeresolve.Resolve(p.ScheduledAt, time.Now())
	if err != nil {
		return fmt.Sprintf("could not schedule pulse: %v", err), nil
	}

	priority := pulse.Priority(strings.ToLower(p.Priority))
	if priority == "" {
		priority = pulse.PriorityNormal
	}

	sessionID := ""
	var warning string
	// Per the Open Question decision in DESIGN.md: resume_in_current_session
	// requires the host to supply current_session_id explicitly. A missing
	// id downgrades to a new session, with a surfaced warning rather than a
	// silent downgrade.
	if p.ResumeInCurrentSession {
		if p.CurrentSessionID != "" {
			sessionID = p.CurrentSessionID
		} else {
			warning = " (warning: resume_in_current_session was set but no current_session_id was supplied; scheduling a new session instead)"
		}
	}

	id, err := s.queue.Schedule(ctx, queue.ScheduleInput{
		ScheduledAt: scheduledAt,
		Prompt:      p.Prompt,
		Priority:    priority,
		SessionID:   sessionID,
		StickyNotes: p.StickyNotes,
		Tags:        p.Tags,
		CreatedBy:   "reeve",
	})
	if err != nil {
		return fmt.Sprintf("could not schedule pulse: %v", err), nil
	}

	return fmt.Sprintf("scheduled pulse #%d for %s%s", id, scheduledAt.Format(time.RFC3339), warning), nil
}

type listUpcomingParams struct {
	Limit            int  `json:"limit"`
	IncludeCompleted bool `json:"include_completed"`
}

func (s *Server) listUpcomingPulses(ctx context.Context, raw json.RawMessage) (string, error) {
	p := listUpcomingParams{Limit: 20}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &p); err != nil {
			return "", badParams("list_upcoming_pulses: invalid arguments: %v", err)
		}
	}
	if p.Limit <= 0 {
		p.Limit = 20
	}
	if p.Limit > 100 {
		p.Limit = 100
	}

	statuses := []pulse.Status{pulse.StatusPending}
	if p.IncludeCompleted {
		statuses = append(statuses, pulse.StatusCompleted, pulse.StatusFailed, pulse.StatusCancelled)
	}

	pulses, err := s.queue.GetUpcoming(ctx, p.Limit, statuses)
	if err != nil {
		return fmt.Sprintf("could not list upcoming pulses: %v", err), nil
	}
	if len(pulses) == 0 {
		return "no upcoming pulses", nil
	}

	now := time.Now()
	var b strings.Builder
	b.WriteString("id\twhen\tpriority\tstatus\tprompt\n")
	for _, pl := range pulses {
		fmt.Fprintf(&b, "%d\t%s\t%s\t%s\t%s\n", pl.ID, relativeTime(pl.ScheduledAt, now), pl.Priority, pl.Status, excerpt(pl.Prompt, 60))
	}
	return b.String(), nil
}

// relativeTime renders the column spec.md §4.8 describes: "in 5m", "in 2h",
// an absolute date beyond 24h out, or "OVERDUE" for a past PENDING pulse.
func relativeTime(t, now time.Time) string {
	d := t.Sub(now)
	if d < 0 {
		return "OVERDUE"
	}
	if d > 24*time.Hour {
		return t.Format("2006-01-02 15:04 MST")
	}
	if d < time.Minute {
		return "in <1m"
	}
	if d < time.Hour {
		return fmt.Sprintf("in %dm", int(d.Minutes()))
	}
	return fmt.Sprintf("in %dh", int(d.Hours()))
}

func excerpt(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

type cancelPulseParams struct {
	PulseID int64 `json:"pulse_id"`
}

func (s *Server) cancelPulse(ctx context.Context, raw json.RawMessage) (string, error) {
	var p cancelPulseParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return "", badParams("cancel_pulse: invalid arguments: %v", err)
	}
	if p.PulseID <= 0 {
		return "", badParams("cancel_pulse: pulse_id must be positive")
	}

	existing, err := s.queue.Get(ctx, p.PulseID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Sprintf("no pulse with id %d", p.PulseID), nil
		}
		return fmt.Sprintf("could not cancel pulse #%d: %v", p.PulseID, err), nil
	}

	ok, err := s.queue.Cancel(ctx, p.PulseID)
	if err != nil {
		return fmt.Sprintf("could not cancel pulse #%d: %v", p.PulseID, err), nil
	}
	if !ok {
		return fmt.Sprintf("pulse #%d is %s and cannot be cancelled (only PENDING pulses can be)", p.PulseID, existing.Status), nil
	}
	return fmt.Sprintf("cancelled pulse #%d", p.PulseID), nil
}

type reschedulePulseParams struct {
	PulseID        int64  `json:"pulse_id"`
	NewScheduledAt string `json:"new_scheduled_at"`
}

func (s *Server) reschedulePulse(ctx context.Context, raw json.RawMessage) (string, error) {
	var p reschedulePulseParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return "", badParams("reschedule_pulse: invalid arguments: %v", err)
	}
	if p.PulseID <= 0 {
		return "", badParams("reschedule_pulse: pulse_id must be positive")
	}

	newTime, err := timeresolve.Resolve(p.NewScheduledAt, time.Now())
	if err != nil {
		return fmt.Sprintf("could not reschedule pulse #%d: %v", p.PulseID, err), nil
	}

	existing, err := s.queue.Get(ctx, p.PulseID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Sprintf("no pulse with id %d", p.PulseID), nil
		}
		return fmt.Sprintf("could not reschedule pulse #%d: %v", p.PulseID, err), nil
	}

	ok, err := s.queue.Reschedule(ctx, p.PulseID, newTime)
	if err != nil {
		return fmt.Sprintf("could not reschedule pulse #%d: %v", p.PulseID, err), nil
	}
	if !ok {
		return fmt.Sprintf("pulse #%d is %s and cannot be rescheduled (only PENDING pulses can be)", p.PulseID, existing.Status), nil
	}
	return fmt.Sprintf("rescheduled pulse #%d to %s", p.PulseID, newTime.Format(time.RFC3339)), nil
}
