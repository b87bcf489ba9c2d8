package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/docbridge-ai/agent/internal/api"
	"github.com/docbridge-ai/agent/internal/config"
	"github.com/docbridge-ai/agent/internal/llm"
	"github.com/docbridge-ai/agent/internal/registry"
	"github.com/docbridge-ai/agent/internal/store"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP agent runtime",
	RunE: func(*cobra.Command, []string) error {
		return runServe()
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (overrides config)")
}

func runServe() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.ValidateServe(); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}

	addr := serveAddr
	if addr == "" {
		addr = cfg.Addr
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger := slog.Default()
	logger.Info("starting agent runtime", "version", Version, "mode", cfg.Mode)
	api.Version = Version

	st := store.NewRedis(cfg.RedisAddr(), logger.With("component", "store"))
	defer func() {
		if err := st.Close(); err != nil {
			logger.Warn("closing store failed", "error", err)
		}
	}()

	// Degraded mode: without the store, chats and change tracking cannot
	// survive restarts, but the runtime still serves conversations.
	var backing store.Store = st
	if err := st.Ping(ctx); err != nil {
		logger.Warn("persistence store unreachable, falling back to in-memory state",
			"addr", cfg.RedisAddr(), "error", err)
		backing = store.NewMemory()
	}

	provider, err := llm.NewAnthropic(llm.AnthropicConfig{
		APIKey: cfg.AnthropicAPIKey,
		Logger: logger.With("component", "llm"),
	})
	if err != nil {
		return fmt.Errorf("creating model provider: %w", err)
	}

	server := api.NewServer(api.Options{
		Config:   cfg,
		Store:    backing,
		Registry: registry.New(cfg.SupersedeGrace, logger.With("component", "registry")),
		Provider: provider,
		Logger:   logger.With("component", "api"),
		Base:     ctx,
	})

	if err := server.Run(ctx, addr); err != nil {
		return fmt.Errorf("http server: %w", err)
	}
	logger.Info("agent runtime stopped")
	return nil
}
