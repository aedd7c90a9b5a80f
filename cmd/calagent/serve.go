package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/calagent/calagent/internal/agent"
	"github.com/calagent/calagent/internal/agent/providers"
	"github.com/calagent/calagent/internal/bridge"
	"github.com/calagent/calagent/internal/config"
	"github.com/calagent/calagent/internal/mcp"
	"github.com/calagent/calagent/internal/vault"
)

func buildServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the calendar agent service",
		Long: `Start the calendar agent service.

The server will:
1. Load configuration from the specified file (or built-in defaults)
2. Open the credential vault store
3. Connect to configured MCP calendar backends
4. Start the HTTP server with the authorization endpoints

Graceful shutdown is handled on SIGINT/SIGTERM signals.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if configPath == "" {
				configPath = os.Getenv("CALAGENT_CONFIG")
			}
			return runServe(cmd.Context(), configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	return cmd
}

func runServe(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := newLogger(cfg.Logging)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Vault.
	store, err := vault.NewStore(cfg.Vault.Backend, cfg.Vault.Path)
	if err != nil {
		return err
	}
	defer store.Close()

	tokens := vault.NewTokenService(cfg.Auth.JWTSecret, cfg.Auth.SessionExpiry)
	provider := newAuthProvider(cfg.Auth)
	credVault := vault.New(store, tokens, provider, vault.Config{
		ClientID:      cfg.Auth.ClientID,
		ClientSecret:  cfg.Auth.ClientSecret,
		Scopes:        cfg.Auth.Scopes,
		TokenURL:      tokenURL(cfg.Auth),
		CredentialTTL: cfg.Vault.CredentialTTL,
	}, logger)

	// Tool backends.
	manager := mcp.NewManager(&cfg.MCP, logger)
	if err := manager.Start(ctx); err != nil {
		return fmt.Errorf("start mcp manager: %w", err)
	}
	defer manager.Stop()

	// Orchestration.
	chat := providers.NewOpenAIProvider(cfg.LLM.APIKey, cfg.LLM.BaseURL, cfg.LLM.Model, logger)
	loop := agent.NewLoop(chat, manager.Backends(), agent.LoopConfig{
		Model:       cfg.LLM.Model,
		Temperature: cfg.LLM.Temperature,
		TopP:        cfg.LLM.TopP,
		MaxTokens:   cfg.LLM.MaxTokens,
		Retries:     cfg.LLM.Retries,
	}, logger)
	executor := bridge.NewExecutor(loop, credVault, logger)

	// HTTP surface.
	mux := http.NewServeMux()
	vault.NewHandler(credVault, logger).Register(mux)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.HandleFunc("GET /v1/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"version": version,
			"agent":   agent.Purpose,
			"mcp":     manager.Status(),
		})
	})
	mux.Handle("POST /v1/tasks", newTaskHandler(executor, tokens, logger))

	server := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", server.Addr, "version", version)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func newAuthProvider(cfg config.AuthConfig) vault.AuthProvider {
	if cfg.AuthURL != "" || cfg.TokenURL != "" {
		return vault.NewOAuthClient(cfg.ClientID, cfg.ClientSecret, cfg.RedirectURL, cfg.Scopes,
			customEndpoint(cfg))
	}
	return vault.NewGoogleClient(cfg.ClientID, cfg.ClientSecret, cfg.RedirectURL, cfg.Scopes)
}

func tokenURL(cfg config.AuthConfig) string {
	if cfg.TokenURL != "" {
		return cfg.TokenURL
	}
	return "https://oauth2.googleapis.com/token"
}
