// Command mcp-bridge exposes a control plane as a local MCP stdio server.
// Clients that only spawn subprocesses point at this binary; it relays their
// JSON-RPC traffic to the control plane over authenticated HTTP. Logs go to
// stderr since stdout carries the protocol stream.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joeshaw/envdecode"

	"github.com/ggoodman/mcp-bridge-go/bridge"
	"github.com/ggoodman/mcp-bridge-go/internal/logctx"
)

type config struct {
	ControlPlaneURL string `env:"MCP_CONTROL_PLANE_URL,default=http://127.0.0.1:8080"`
	AuthToken       string `env:"MCP_AUTH_TOKEN,required"`

	RetryBase  time.Duration `env:"MCP_RETRY_BASE,default=1s"`
	RetryCap   time.Duration `env:"MCP_RETRY_CAP,default=30s"`
	MaxRetries int           `env:"MCP_MAX_RETRIES,default=5"`

	LogLevel string `env:"LOG_LEVEL,default=info"`
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var cfg config
	if err := envdecode.Decode(&cfg); err != nil {
		return fmt.Errorf("decode environment: %w", err)
	}

	log := newLogger(cfg.LogLevel)

	h := bridge.NewHandler(cfg.ControlPlaneURL, cfg.AuthToken,
		bridge.WithLogger(log),
		bridge.WithRetry(cfg.RetryBase, cfg.RetryCap, cfg.MaxRetries),
	)

	if err := h.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(logctx.Handler{Handler: slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})})
}
