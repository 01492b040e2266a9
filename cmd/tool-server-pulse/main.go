// Command tool-server-pulse runs the Tool-Call Ingress: a JSON-RPC-over-
// stdio surface onto the Queue, intended to be spawned and connected to by
// an external agent host (spec.md §4.8).
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/kdlbs/reeve/internal/config"
	"github.com/kdlbs/reeve/internal/logging"
	"github.com/kdlbs/reeve/internal/queue"
	"github.com/kdlbs/reeve/internal/store"
	"github.com/kdlbs/reeve/internal/toolcall"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// This process only ever writes tool-call responses to its own stdout;
	// logging must not share that stream with the protocol, so it always
	// goes to stderr regardless of cfg.Logging.OutputPath.
	log, err := logging.New(logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format, OutputPath: "stderr"})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logging.SetDefault(log)

	st, err := store.Open(cfg.Database.Path)
	if err != nil {
		log.Fatal("failed to open store", zap.Error(err))
	}
	defer st.Close()

	q := queue.New(st, log)
	srv := toolcall.New(q, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-quit
		log.Info("shutdown signal received")
		cancel()
	}()

	log.Info("tool-call ingress started")
	if err := srv.Run(ctx, os.Stdin, os.Stdout); err != nil && ctx.Err() == nil {
		log.Error("tool-call ingress exited with error", zap.Error(err))
		os.Exit(1)
	}
	log.Info("tool-call ingress stopped")
}
