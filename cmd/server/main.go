package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/SolarCrown57/antigravity-claude-proxy/internal/config"
	"github.com/SolarCrown57/antigravity-claude-proxy/internal/handler"
	"github.com/SolarCrown57/antigravity-claude-proxy/internal/pkg/antigravity"
	"github.com/SolarCrown57/antigravity-claude-proxy/internal/pkg/logger"
	"github.com/SolarCrown57/antigravity-claude-proxy/internal/server"
	"github.com/SolarCrown57/antigravity-claude-proxy/internal/service"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if err := logger.Init(logger.InitOptions{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: logger.OutputOptions{
			ToStdout: cfg.Log.ToStdout,
			ToFile:   cfg.Log.ToFile,
			FilePath: cfg.Log.FilePath,
		},
	}); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Sync()

	store := service.NewAccountStore(cfg.AccountsFilePath())
	pool, err := service.NewAccountPool(store)
	if err != nil {
		return fmt.Errorf("load account pool: %w", err)
	}

	tokens := service.NewTokenProvider(pool, cfg.TokenRefreshTimeout())
	projects := service.NewProjectResolver(pool, cfg.Gateway.DefaultProjectID)
	dispatcher := service.NewDispatcher(pool, tokens, projects, cfg)
	oauth := service.NewOAuthService(pool, projects)

	refresher := service.NewTokenRefresher(pool, tokens)
	if err := refresher.Start(); err != nil {
		return fmt.Errorf("start token refresher: %w", err)
	}

	r := server.NewRouter(cfg, server.Handlers{
		OpenAI: handler.NewOpenAIHandler(dispatcher, cfg),
		Claude: handler.NewClaudeHandler(dispatcher, cfg),
		Gemini: handler.NewGeminiHandler(dispatcher, cfg),
		Ops:    handler.NewOpsHandler(pool, tokens),
		Admin:  handler.NewAdminHandler(cfg, pool, tokens, oauth),
	})
	srv := server.NewHTTPServer(cfg, r)

	errCh := make(chan error, 1)
	go func() {
		logger.L().Info("server_listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("listen: %w", err)
	case sig := <-quit:
		logger.L().Info("shutting_down", zap.String("signal", sig.String()))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.L().Warn("shutdown_incomplete", zap.Error(err))
	}

	refresher.Stop()
	antigravity.DefaultSignatureCache.Stop()
	antigravity.DefaultToolNameCache.Stop()
	pool.Flush(5 * time.Second)
	logger.L().Info("shutdown_complete")
	return nil
}
