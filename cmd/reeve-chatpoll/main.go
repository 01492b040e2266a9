// Command reeve-chatpoll runs the Chat-Poll Ingress: an independent
// long-running process that long-polls a chat provider and translates
// authorized inbound messages into HTTP Ingress schedule calls
// (spec.md §4.9).
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/kdlbs/reeve/internal/chatpoll"
	"github.com/kdlbs/reeve/internal/config"
	"github.com/kdlbs/reeve/internal/logging"
)

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

	if cfg.ChatPoll.APIToken == "" {
		log.Fatal("CHAT_API_TOKEN is required")
	}
	if cfg.ChatPoll.AuthorizedPeer == "" {
		log.Fatal("CHAT_AUTHORIZED_PEER is required")
	}

	poller := chatpoll.New(chatpoll.Config{
		APIToken:       cfg.ChatPoll.APIToken,
		AuthorizedPeer: cfg.ChatPoll.AuthorizedPeer,
		PulseAPIURL:    cfg.ChatPoll.PulseAPIURL,
		PulseAPIToken:  cfg.Auth.APIToken,
		OffsetFile:     cfg.ChatPoll.OffsetFile,
		Source:         cfg.ChatPoll.Source,
	}, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-quit
		log.Info("shutdown signal received, draining current poll")
		cancel()
	}()

	if err := poller.Run(ctx); err != nil {
		log.Error("chat-poll ingress exited with a fatal error", zap.Error(err))
		os.Exit(1)
	}

	log.Info("chat-poll ingress stopped")
}
