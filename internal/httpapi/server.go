package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kdlbs/reeve/internal/apperrors"
	"github.com/kdlbs/reeve/internal/logging"
	"github.com/kdlbs/reeve/internal/queue"
)

// ServerConfig is the subset of configuration the Server needs (including
// the bearer Token; only the other fields are echoed by /api/status),
// kept separate from internal/config.Config so this package doesn't import
// the whole configuration tree.
type ServerConfig struct {
	Addr           string
	Token          string
	MaxConcurrent  int
	RunnerCommand  string
	DatabaseDriver string
}

// Server is the bearer-authenticated HTTP Ingress described in spec.md
// §4.7, plus the supplemented read-only WebSocket event stream.
type Server struct {
	cfg       ServerConfig
	queue     *queue.Queue
	log       *logging.Logger
	startedAt time.Time

	hub     *hub
	watcher *watcher

	httpServer *http.Server
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// New constructs a Server. cfg.Token must be non-empty: per spec.md §4.7 the
// Ingress refuses to start without a configured bearer token rather than
// embody an unauthenticated "dev mode".
func New(cfg ServerConfig, q *queue.Queue, log *logging.Logger) (*Server, error) {
	if cfg.Token == "" {
		return nil, apperrors.BadRequest("PULSE_API_TOKEN must be set; the HTTP Ingress does not run unauthenticated")
	}

	s := &Server{
		cfg:       cfg,
		queue:     q,
		log:       log.WithFields(zap.String("component", "httpapi")),
		startedAt: time.Now(),
		hub:       newHub(log),
	}
	s.watcher = newWatcher(q, s.hub, log)

	router := gin.New()
	router.Use(RequestLogger(s.log), Recovery(s.log), CORS(), ErrorHandler(s.log))

	router.GET("/api/health", s.healthHandler)

	authed := router.Group("/api")
	authed.Use(BearerAuth(cfg.Token))
	authed.GET("/status", s.statusHandler)
	authed.POST("/pulse/schedule", s.scheduleHandler)
	authed.GET("/pulse/upcoming", s.upcomingHandler)
	authed.GET("/pulse/:id", s.getPulseHandler)
	authed.GET("/pulse/stream", s.streamHandler)

	s.httpServer = &http.Server{
		Addr:    cfg.Addr,
		Handler: router,
	}
	return s, nil
}

// streamHandler upgrades GET /api/pulse/stream to a WebSocket connection
// and registers it with the hub for pulse lifecycle event fan-out.
func (s *Server) streamHandler(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	cl := &client{hub: s.hub, conn: conn, send: make(chan []byte, 16), log: s.log}
	s.hub.register <- cl

	go cl.writePump()
	go cl.readPump()
}

// Run starts the hub, the watcher, and the HTTP listener, blocking until
// ctx is cancelled. The listener is then asked to stop accepting new
// connections and outstanding requests are awaited up to grace.
func (s *Server) Run(ctx context.Context, grace time.Duration) error {
	go s.hub.run(ctx)
	go s.watcher.run(ctx, time.Second)

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("http ingress listening", zap.String("addr", s.cfg.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return <-errCh
	case err := <-errCh:
		return err
	}
}
