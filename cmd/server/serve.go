package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"gwi.com/inspire-gateway/internal/api"
	"gwi.com/inspire-gateway/internal/auth"
	"gwi.com/inspire-gateway/internal/catalog"
	"gwi.com/inspire-gateway/internal/config"
	"gwi.com/inspire-gateway/internal/core"
	"gwi.com/inspire-gateway/internal/media"
	"gwi.com/inspire-gateway/internal/provider"
	"gwi.com/inspire-gateway/internal/session"
	"gwi.com/inspire-gateway/internal/store"
)

func runServe(parent context.Context) error {
	cfg, logger, err := bootstrap()
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize database store
	db, err := store.Open(cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	// Tool catalog: a watched YAML file when configured, the tools table otherwise.
	var resolver catalog.Resolver = catalog.NewStoreResolver(db)
	if cfg.CatalogFile != "" {
		fc, err := catalog.LoadFile(cfg.CatalogFile, logger)
		if err != nil {
			return err
		}
		if err := fc.Watch(ctx); err != nil {
			return err
		}
		resolver = fc
	}

	var locker session.Locker = session.NewMemoryLocker()
	if cfg.RedisURL != "" {
		rdb, err := openRedis(ctx, cfg.RedisURL)
		if err != nil {
			return err
		}
		defer rdb.Close()
		resolver = catalog.NewRedisCache(resolver, rdb, cfg.ToolCacheTTL, logger)
		locker = session.NewRedisLocker(rdb, session.DefaultLockTTL)
	}

	registry := provider.NewRegistry(providerOptions(cfg, db), catalog.NewEnvCredentials(), logger)

	janitor := media.NewJanitor(db, registry.ReleaseStagers(ctx), logger)
	if err := janitor.Start(cfg.JanitorSchedule); err != nil {
		return err
	}
	defer janitor.Stop()

	signer, err := auth.NewSigner(cfg.JWTSecret, auth.DefaultTokenTTL)
	if err != nil {
		return err
	}

	gateway := core.NewGateway(
		media.NewCodec(cfg.MaxFrameBytes),
		core.NewRecorder(db, logger),
		cfg.HistoryLimit,
		logger,
	)

	// Sessions run on their own context so shutdown can close hijacked connections.
	sessionCtx, closeSessions := context.WithCancel(context.WithoutCancel(ctx))
	defer closeSessions()

	apiHandler := api.NewAPIHandler(api.Deps{
		Conversations: core.NewConversationService(db, resolver),
		Gateway:       gateway,
		Builder:       registry,
		Signer:        signer,
		Locker:        locker,
		Session: session.Config{
			MaxFrameBytes:  cfg.MaxFrameBytes,
			TurnsPerMinute: cfg.TurnsPerMinute,
			AllowedOrigins: cfg.AllowedOrigins,
		},
		DB:             db,
		Logger:         logger,
		SessionContext: sessionCtx,
	})

	serverAddr := fmt.Sprintf(":%s", cfg.HTTPPort)
	srv := &http.Server{
		Addr:              serverAddr,
		Handler:           api.NewRouter(apiHandler),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Starting server", zap.String("addr", serverAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("could not listen on %s: %w", serverAddr, err)
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	logger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	closeSessions()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	logger.Info("Server exiting gracefully")
	return nil
}

func providerOptions(cfg *config.Config, ledger media.Ledger) provider.Options {
	limits := media.Limits{
		Inline: cfg.InlineCeilingBytes,
		Audio:  cfg.AudioCeilingBytes,
		Video:  cfg.VideoCeilingBytes,
		PDF:    cfg.PDFCeilingBytes,
	}
	return provider.Options{
		OpenAIBaseURL:      cfg.OpenAIBaseURL,
		GeminiRESTBaseURL:  cfg.GeminiRESTBaseURL,
		HuggingFaceBaseURL: cfg.HuggingFaceBaseURL,
		ChunkIdleTimeout:   cfg.ChunkIdleTimeout,
		ImageJobTimeout:    cfg.ImageJobTimeout,
		VideoJobTimeout:    cfg.VideoJobTimeout,
		PollInterval:       cfg.PollInterval,
		Limits: map[catalog.ProviderType]media.Limits{
			catalog.ProviderOpenAI:      limits,
			catalog.ProviderGemini:      limits,
			catalog.ProviderHuggingFace: limits,
		},
		Ledger: ledger,
	}
}
