// Command gateway is the relayforge LLM gateway server.
//
// It reads configuration from environment variables (or config.yaml) and
// starts an OpenAI-compatible HTTP gateway on the configured port. The model
// catalog, API keys, and wallets live in the relational store named by
// DATABASE_DSN; upstream credentials are resolved from the environment
// variables the catalog's api_key_ref column names.
//
// Quick-start (SQLite, in-memory routing cache, no Redis required):
//
//	DATABASE_DSN=sqlite://gateway.db AUTO_MIGRATE=true ./gateway
//
// See .env.example for all available configuration variables.
package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/relayforge/llm-gateway/internal/app"
	"github.com/relayforge/llm-gateway/internal/config"

	// Wire dialects register themselves on import.
	_ "github.com/relayforge/llm-gateway/internal/adapters/anthropic"
	_ "github.com/relayforge/llm-gateway/internal/adapters/gemini"
	_ "github.com/relayforge/llm-gateway/internal/adapters/openai"
)

// version is overridden at build time via -ldflags="-X main.version=x.y.z".
var version = "0.1.0"

func main() {
	// Graceful shutdown on SIGINT / SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Load configuration — exits with a descriptive error if required vars are missing.
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	// Build the structured logger. All subsystems share this instance.
	logger := buildLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	// Initialise and run the application.
	a, err := app.New(ctx, cfg, logger, version)
	if err != nil {
		logger.Error("startup failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer a.Close()

	if err := a.Run(ctx); err != nil {
		logger.Error("gateway stopped", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

// buildLogger constructs a JSON slog.Logger for the given level string.
// Unknown level strings default to INFO.
func buildLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}

	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level:     l,
		AddSource: l == slog.LevelDebug, // include file:line only in debug mode
	}))
}
