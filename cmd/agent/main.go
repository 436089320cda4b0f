package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/relaygate/tunnel/internal/agent"
)

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	cfg, err := agent.LoadConfig()
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := agent.New(cfg)
	if err != nil {
		slog.Error("failed to create agent", "err", err)
		os.Exit(1)
	}

	a.OnRequest(func(method, path string, status int) {
		slog.Debug("forwarded request", "method", method, "path", path, "status", status)
	})
	a.OnError(func(err error) {
		slog.Warn("request forwarding error", "err", err)
	})
	a.OnClose(func() {
		slog.Info("agent closed, no further reconnects")
	})

	slog.Info("agent starting")
	if err := a.Run(ctx); err != nil && ctx.Err() == nil {
		slog.Error("agent exited with error", "err", err)
		os.Exit(1)
	}
	slog.Info("agent stopped")
}
