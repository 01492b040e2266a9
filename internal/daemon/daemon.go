// Package daemon implements the long-running scheduling loop: poll the
// Queue, bound concurrency, drive the Executor, handle graceful shutdown
// (spec.md §4.6).
package daemon

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/kdlbs/reeve/internal/executor"
	"github.com/kdlbs/reeve/internal/logging"
	"github.com/kdlbs/reeve/internal/pulse"
	"github.com/kdlbs/reeve/internal/queue"
	"go.uber.org/zap"
)

// ErrGraceTimeout is returned by Shutdown when in-flight executions did not
// drain within the grace period; the caller should exit anyway, leaving the
// abandoned pulses' Store rows to be reconciled on next startup.
var ErrGraceTimeout = errors.New("daemon: grace period elapsed with executions still in flight")

// Config configures the Daemon's scheduling loop.
type Config struct {
	TickInterval    time.Duration // default 1s
	BatchLimit      int           // default 10, the get_due(limit) bound
	MaxConcurrent   int           // default 1, PULSE_MAX_CONCURRENT
	RunnerWorkDir   string
	ExecutionTimeout time.Duration
	ErrorBackoff    time.Duration // sleep after a transient Store error, default 5s
	OrphanThreshold time.Duration // PROCESSING rows older than this are reconciled on start
}

func (c *Config) setDefaults() {
	if c.TickInterval == 0 {
		c.TickInterval = time.Second
	}
	if c.BatchLimit == 0 {
		c.BatchLimit = 10
	}
	if c.MaxConcurrent == 0 {
		c.MaxConcurrent = 1
	}
	if c.ErrorBackoff == 0 {
		c.ErrorBackoff = 5 * time.Second
	}
	if c.OrphanThreshold == 0 {
		c.OrphanThreshold = time.Hour
	}
}

// Daemon runs the single supervisory loop described in spec.md §4.6.
type Daemon struct {
	queue    *queue.Queue
	executor *executor.Executor
	log      *logging.Logger
	cfg      Config

	sem chan struct{}
	wg  sync.WaitGroup
}

func New(q *queue.Queue, ex *executor.Executor, log *logging.Logger, cfg Config) *Daemon {
	cfg.setDefaults()
	return &Daemon{
		queue:    q,
		executor: ex,
		log:      log.WithFields(zap.String("component", "daemon")),
		cfg:      cfg,
		sem:      make(chan struct{}, cfg.MaxConcurrent),
	}
}

// Reconcile resets PROCESSING pulses orphaned by a prior crash back to
// PENDING. Call once at startup, before Run.
func (d *Daemon) Reconcile(ctx context.Context) error {
	ids, err := d.queue.ReconcileOrphaned(ctx, d.cfg.OrphanThreshold)
	if err != nil {
		return err
	}
	if len(ids) > 0 {
		d.log.Warn("reconciled orphaned processing pulses at startup", zap.Int("count", len(ids)))
	}
	return nil
}

// Run executes the scheduling loop until ctx is cancelled. It returns once
// the loop has stopped issuing new claims; outstanding executions keep
// running to completion, and Shutdown awaits them.
func (d *Daemon) Run(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.TickInterval)
	defer ticker.Stop()

	d.log.Info("scheduling loop started", zap.Duration("tick_interval", d.cfg.TickInterval), zap.Int("max_concurrent", d.cfg.MaxConcurrent))

	for {
		select {
		case <-ctx.Done():
			d.log.Info("scheduling loop stopping")
			return
		case <-ticker.C:
			d.tick(ctx)
		}
	}
}

func (d *Daemon) tick(ctx context.Context) {
	due, err := d.queue.GetDue(ctx, d.cfg.BatchLimit)
	if err != nil {
		d.log.Error("get_due failed, backing off", zap.Error(err), zap.Duration("backoff", d.cfg.ErrorBackoff))
		time.Sleep(d.cfg.ErrorBackoff)
		return
	}

	for _, p := range due {
		select {
		case d.sem <- struct{}{}:
		default:
			// At the concurrency cap; leave this pulse PENDING for a later tick.
			continue
		}

		ok, err := d.queue.MarkProcessing(ctx, p.ID)
		if err != nil {
			d.log.Error("mark_processing failed", zap.Int64("pulse_id", p.ID), zap.Error(err))
			<-d.sem
			continue
		}
		if !ok {
			// Lost the CAS to a competing claimer; skip and continue.
			<-d.sem
			continue
		}

		d.wg.Add(1)
		go func(p *pulse.Pulse) {
			defer d.wg.Done()
			defer func() { <-d.sem }()
			d.executePulse(p)
		}(p)
	}
}

func (d *Daemon) executePulse(p *pulse.Pulse) {
	ctx := context.Background()
	log := d.log.WithPulseID(p.ID)
	start := time.Now()

	result, execErr := d.executor.Execute(ctx, executor.Request{
		Prompt:      p.Prompt,
		StickyNotes: p.StickyNotes,
		SessionID:   p.SessionID,
		WorkingDir:  d.cfg.RunnerWorkDir,
		Timeout:     d.cfg.ExecutionTimeout,
	})
	elapsedMs := time.Since(start).Milliseconds()

	if execErr != nil {
		// Missing runner / missing working dir is treated as non-retriable
		// (the Open Question decision in DESIGN.md): retrying burns through
		// max_retries immediately when the deployment is simply misconfigured.
		shouldRetry := execErr.Kind != executor.ErrorKindMissingRunner
		if execErr.SessionID != "" {
			log.Error("runner errored", zap.String("session_id", execErr.SessionID), zap.String("kind", string(execErr.Kind)))
		}
		retryID, err := d.queue.MarkFailed(ctx, p.ID, execErr.Error(), shouldRetry)
		if err != nil {
			log.Error("mark_failed errored", zap.Error(err))
			return
		}
		if retryID != 0 {
			log.Info("retry scheduled", zap.Int64("retry_pulse_id", retryID))
		}
		return
	}

	if result.IsError {
		msg := result.ErrorMessage
		if msg == "" {
			msg = "runner reported an error result"
		}
		retryID, err := d.queue.MarkFailed(ctx, p.ID, msg, true)
		if err != nil {
			log.Error("mark_failed errored", zap.Error(err))
			return
		}
		if retryID != 0 {
			log.Info("retry scheduled", zap.Int64("retry_pulse_id", retryID))
		}
		return
	}

	if err := d.queue.MarkCompleted(ctx, p.ID, elapsedMs); err != nil {
		log.Error("mark_completed errored", zap.Error(err))
	}
}

// Shutdown awaits in-flight executions up to grace, returning
// ErrGraceTimeout if any are still running when it elapses. Either way the
// caller should exit; abandoned pulses remain PROCESSING and are picked up
// by Reconcile on next startup.
func (d *Daemon) Shutdown(grace time.Duration) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(grace):
		return ErrGraceTimeout
	}
}
