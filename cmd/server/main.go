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

	"github.com/shlokie19/invi-ware-nexus/internal/cache"
	"github.com/shlokie19/invi-ware-nexus/internal/config"
	"github.com/shlokie19/invi-ware-nexus/internal/httpapi"
	"github.com/shlokie19/invi-ware-nexus/internal/insight"
	"github.com/shlokie19/invi-ware-nexus/internal/logger"
	"github.com/shlokie19/invi-ware-nexus/internal/service"
	"github.com/shlokie19/invi-ware-nexus/internal/store"
	"github.com/shlokie19/invi-ware-nexus/internal/store/memory"
	pgstore "github.com/shlokie19/invi-ware-nexus/internal/store/postgres"
)

func main() {
	cfg := config.Load()

	log, err := logger.New(logger.ConfigForEnvironment(cfg.Env, cfg.LogLevel, cfg.LogFormat))
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()
	zap.ReplaceGlobals(log)

	if err := validateSecurityConfig(cfg); err != nil {
		log.Fatal("invalid security configuration", zap.Error(err))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	closers := make([]func() error, 0, 2)

	repo, closeRepo, err := openRepository(ctx, cfg, log)
	if err != nil {
		log.Fatal("repository unavailable", zap.Error(err))
	}
	if closeRepo != nil {
		closers = append(closers, closeRepo)
	}

	insightCache, closeCache := openInsightCache(ctx, cfg, log)
	if closeCache != nil {
		closers = append(closers, closeCache)
	}

	engine := insight.NewEngine(repo, insightCache, cfg.InsightCacheTTL(), log.Named("insight"))
	svc := service.New(repo, engine,
		service.WithLogger(log.Named("service")),
		service.WithExpiryWindow(cfg.ExpiryWindowDays),
	)
	auth, err := httpapi.NewAuthManager(cfg.AuthSecret, time.Duration(cfg.AccessTokenTTLMinutes)*time.Minute, repo, log.Named("auth"))
	if err != nil {
		log.Fatal("auth setup failed", zap.Error(err))
	}
	api := httpapi.New(svc, auth, cfg.AllowedOrigin, log.Named("http"))

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info("stock ledger listening", zap.String("addr", cfg.Address()), zap.String("env", cfg.Env))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("server error", zap.Error(err))
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("shutdown error", zap.Error(err))
	}

	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			log.Warn("close error", zap.Error(err))
		}
	}

	log.Info("server stopped")
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < httpapi.MinSecretLength {
		return fmt.Errorf("AUTH_SECRET must be set and at least %d characters", httpapi.MinSecretLength)
	}
	if cfg.Env == "production" && cfg.AllowedOrigin == "*" {
		return errors.New("ALLOWED_ORIGIN must not be * in production")
	}
	return nil
}

// openRepository connects to postgres when DATABASE_URL is set and never falls
// back to memory in that case. Without it a seeded in-memory store is used.
func openRepository(ctx context.Context, cfg config.Config, log *zap.Logger) (store.Repository, func() error, error) {
	if cfg.DatabaseURL == "" {
		log.Info("repository: in-memory")
		return memory.NewSeeded(memory.WithLockTimeout(cfg.LockTimeout())), nil, nil
	}

	pg, err := pgstore.New(ctx, cfg.DatabaseURL, pgstore.WithLockTimeout(cfg.LockTimeout()))
	if err != nil {
		return nil, nil, fmt.Errorf("connect postgres: %w", err)
	}
	if cfg.MigrateOnStart {
		if err := migrateUp(ctx, pg, log); err != nil {
			_ = pg.Close()
			return nil, nil, err
		}
	}
	log.Info("repository: postgres", zap.Bool("migrated", cfg.MigrateOnStart))
	return pg, pg.Close, nil
}

func migrateUp(ctx context.Context, pg *pgstore.Store, log *zap.Logger) error {
	migrator, err := pgstore.NewMigrator(ctx, pg.DB(), log.Named("migrate"))
	if err != nil {
		return err
	}
	defer func() {
		if err := migrator.Close(); err != nil {
			log.Warn("close migrator", zap.Error(err))
		}
	}()
	return migrator.Up()
}

// openInsightCache prefers redis so replicas share insights, and falls back to
// an in-process LRU when redis is unset or unreachable.
func openInsightCache(ctx context.Context, cfg config.Config, log *zap.Logger) (cache.InsightCache, func() error) {
	if cfg.RedisAddr != "" {
		redisCache := cache.NewRedisInsightCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := redisCache.Ping(ctx); err != nil {
			log.Warn("redis unavailable, using in-process cache", zap.String("addr", cfg.RedisAddr), zap.Error(err))
			_ = redisCache.Close()
		} else {
			log.Info("insight cache: redis", zap.String("addr", cfg.RedisAddr))
			return redisCache, redisCache.Close
		}
	}
	log.Info("insight cache: lru", zap.Int("size", cfg.InsightCacheSize))
	return cache.NewLRUInsightCache(cfg.InsightCacheSize, cfg.InsightCacheTTL()), nil
}
