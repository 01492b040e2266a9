package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/kdlbs/reeve/internal/apperrors"
	"github.com/kdlbs/reeve/internal/pulse"
	"github.com/kdlbs/reeve/internal/queue"
	"github.com/kdlbs/reeve/internal/store"
	"github.com/kdlbs/reeve/internal/timeresolve"
	"github.com/kdlbs/reeve/pkg/pulseapi"
)

// healthHandler answers GET /api/health, unauthenticated.
func (s *Server) healthHandler(c *gin.Context) {
	c.JSON(http.StatusOK, pulseapi.HealthResponse{Status: "healthy", Service: "reeve"})
}

// statusHandler answers GET /api/status.
func (s *Server) statusHandler(c *gin.Context) {
	counts, err := s.queue.CountsByStatus(c.Request.Context())
	if err != nil {
		c.Error(apperrors.InternalError("failed to read status counts", err))
		return
	}
	byName := make(map[string]int, len(counts))
	for status, n := range counts {
		byName[string(status)] = n
	}

	c.JSON(http.StatusOK, pulseapi.StatusResponse{
		Status:        "running",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		Counts:        byName,
		Config: pulseapi.ConfigEcho{
			MaxConcurrent:  s.cfg.MaxConcurrent,
			RunnerCommand:  s.cfg.RunnerCommand,
			DatabaseDriver: s.cfg.DatabaseDriver,
		},
	})
}

// scheduleHandler answers POST /api/pulse/schedule.
func (s *Server) scheduleHandler(c *gin.Context) {
	var req pulseapi.ScheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(apperrors.BadRequest(err.Error()))
		return
	}

	scheduledAt, err := timeresolve.Resolve(req.ScheduledAt, time.Now())
	if err != nil {
		c.Error(apperrors.BadRequest(err.Error()))
		return
	}

	id, err := s.queue.Schedule(c.Request.Context(), queue.ScheduleInput{
		ScheduledAt: scheduledAt,
		Prompt:      req.Prompt,
		Priority:    pulse.Priority(req.Priority),
		StickyNotes: req.StickyNotes,
		Tags:        req.Tags,
		CreatedBy:   orDefault(req.Source, "http"),
	})
	if err != nil {
		c.Error(apperrors.BadRequest(err.Error()))
		return
	}

	s.log.Info("pulse scheduled via http", zap.Int64("pulse_id", id))
	c.JSON(http.StatusCreated, pulseapi.ScheduleResponse{
		PulseID:     id,
		ScheduledAt: scheduledAt,
		Message:     "pulse scheduled",
	})
}

// upcomingHandler answers GET /api/pulse/upcoming?limit=N.
func (s *Server) upcomingHandler(c *gin.Context) {
	limit := 20
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.Error(apperrors.BadRequest("limit must be a positive integer"))
			return
		}
		limit = n
	}

	pulses, err := s.queue.GetUpcoming(c.Request.Context(), limit, []pulse.Status{pulse.StatusPending})
	if err != nil {
		c.Error(apperrors.InternalError("failed to list upcoming pulses", err))
		return
	}

	views := make([]*pulseapi.PulseView, len(pulses))
	for i, p := range pulses {
		view := toPulseView(p)
		view.Prompt = excerpt(view.Prompt, 100)
		views[i] = view
	}
	c.JSON(http.StatusOK, pulseapi.UpcomingResponse{Count: len(views), Pulses: views})
}

// getPulseHandler answers GET /api/pulse/:id.
func (s *Server) getPulseHandler(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.Error(apperrors.BadRequest("id must be an integer"))
		return
	}

	p, err := s.queue.Get(c.Request.Context(), id)
	if err != nil {
		if err == store.ErrNotFound {
			c.Error(apperrors.NotFound("pulse", c.Param("id")))
			return
		}
		c.Error(apperrors.InternalError("failed to fetch pulse", err))
		return
	}
	c.JSON(http.StatusOK, toPulseView(p))
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func excerpt(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
