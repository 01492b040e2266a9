// Command reeve-daemon runs the pulse scheduling daemon: the supervisory
// loop of spec.md §4.6 plus the HTTP Ingress of §4.7, sharing one Store.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/kdlbs/reeve/internal/config"
	"github.com/kdlbs/reeve/internal/daemon"
	"github.com/kdlbs/reeve/internal/executor"
	"github.com/kdlbs/reeve/internal/httpapi"
	"github.com/kdlbs/reeve/internal/logging"
	"github.com/kdlbs/reeve/internal/queue"
	"github.com/kdlbs/reeve/internal/store"
)

// shutdownGrace bounds how long in-flight executions and outstanding HTTP
// requests are awaited after a shutdown signal, per spec.md §4.6.
const shutdownGrace = 30 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logging.New(logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format, OutputPath: cfg.Logging.OutputPath})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logging.SetDefault(log)

	if cfg.Auth.APIToken == "" {
		log.Fatal("PULSE_API_TOKEN is required; the HTTP Ingress refuses to run unauthenticated")
	}

	log.Info("starting reeve daemon")

	st, err := store.Open(cfg.Database.Path)
	if err != nil {
		log.Fatal("failed to open store", zap.Error(err))
	}
	defer st.Close()

	q := queue.New(st, log)
	ex := executor.New(executor.Config{Command: cfg.Runner.Command, DefaultTimeout: cfg.Runner.Timeout()}, log)

	d := daemon.New(q, ex, log, daemon.Config{
		MaxConcurrent:    cfg.Runner.MaxConcurrent,
		RunnerWorkDir:    cfg.Runner.DeskPath,
		ExecutionTimeout: cfg.Runner.Timeout(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := d.Reconcile(ctx); err != nil {
		log.Fatal("failed to reconcile orphaned pulses at startup", zap.Error(err))
	}

	httpSrv, err := httpapi.New(httpapi.ServerConfig{
		Addr:           cfg.Server.Addr(),
		Token:          cfg.Auth.APIToken,
		MaxConcurrent:  cfg.Runner.MaxConcurrent,
		RunnerCommand:  cfg.Runner.Command,
		DatabaseDriver: cfg.Database.Driver,
	}, q, log)
	if err != nil {
		log.Fatal("failed to construct http ingress", zap.Error(err))
	}

	httpErrCh := make(chan error, 1)
	go func() { httpErrCh <- httpSrv.Run(ctx, shutdownGrace) }()

	go d.Run(ctx)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutdown signal received, draining")
	cancel()

	if err := d.Shutdown(shutdownGrace); err != nil {
		log.Warn("grace period elapsed with executions still in flight; their pulses remain PROCESSING and will be reconciled on next startup", zap.Error(err))
	}
	if err := <-httpErrCh; err != nil {
		log.Error("http ingress shutdown error", zap.Error(err))
	}

	log.Info("reeve daemon stopped")
}
