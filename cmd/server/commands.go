package main

import (
	"context"
	"fmt"
	"os"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"gwi.com/inspire-gateway/internal/auth"
	"gwi.com/inspire-gateway/internal/catalog"
	"gwi.com/inspire-gateway/internal/store"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and websocket server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context())
		},
	}
}

func newCatalogCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "catalog",
		Short: "Manage the tool catalog",
	}
	c.AddCommand(&cobra.Command{
		Use:   "import <file>",
		Short: "Load tools from a YAML catalog into the database and exit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCatalogImport(cmd.Context(), args[0])
		},
	})
	return c
}

func newTokenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "token <user-id>",
		Short: "Mint a development JWT for a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := bootstrap()
			if err != nil {
				return err
			}
			signer, err := auth.NewSigner(cfg.JWTSecret, auth.DefaultTokenTTL)
			if err != nil {
				return err
			}
			token, err := signer.GenerateJWT(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
}

func runCatalogImport(ctx context.Context, path string) error {
	cfg, logger, err := bootstrap()
	if err != nil {
		return err
	}
	defer logger.Sync()

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read catalog: %w", err)
	}
	tools, err := catalog.ParseFile(data)
	if err != nil {
		return err
	}

	db, err := store.Open(cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	var cache *catalog.RedisCache
	if cfg.RedisURL != "" {
		rdb, err := openRedis(ctx, cfg.RedisURL)
		if err != nil {
			return err
		}
		defer rdb.Close()
		cache = catalog.NewRedisCache(catalog.NewStoreResolver(db), rdb, cfg.ToolCacheTTL, logger)
	}

	for _, t := range tools {
		if err := db.UpsertTool(ctx, t.StoreTool()); err != nil {
			return fmt.Errorf("import tool %s: %w", t.ID, err)
		}
		if cache != nil {
			if err := cache.Invalidate(ctx, t.ID); err != nil {
				logger.Warn("Failed to invalidate cached tool", zap.String("tool_id", t.ID), zap.Error(err))
			}
		}
	}
	logger.Info("Tool catalog imported", zap.String("path", path), zap.Int("tools", len(tools)))
	return nil
}

func openRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return rdb, nil
}
