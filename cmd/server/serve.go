package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/stocktrader/engine/internal/api"
	"github.com/stocktrader/engine/internal/broadcast"
	"github.com/stocktrader/engine/internal/catalog"
	"github.com/stocktrader/engine/internal/config"
	"github.com/stocktrader/engine/internal/ledger"
	"github.com/stocktrader/engine/internal/logging"
	"github.com/stocktrader/engine/internal/market"
	"github.com/stocktrader/engine/internal/simulator"
	"github.com/stocktrader/engine/internal/store"
)

func runServe(ctx context.Context, envFile string) error {
	cfg, err := config.Load(envFile)
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	// --- Initialize store ---
	st, cleanup, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	// --- Market state ---
	state := market.NewState(st)
	if err := state.Load(ctx); err != nil {
		return err
	}
	cat := catalog.Default()
	if cfg.CatalogFile != "" {
		if cat, err = catalog.LoadFile(cfg.CatalogFile); err != nil {
			return err
		}
	}
	if _, err := catalog.Bootstrap(ctx, state, cat, logger); err != nil {
		return err
	}

	// --- Price stream ---
	hub := broadcast.NewHub(logger)
	sim := simulator.New(state, hub, logger)
	sim.Start()
	defer sim.Stop()

	// --- HTTP ---
	led := ledger.NewEngine(st, state, logger, ledger.WithInitialBalance(cfg.InitialBalance))
	h := api.NewHandler(led, state, sim, st, logger)
	router := api.NewRouter(h, broadcast.NewWSHandler(hub, logger), api.RouterConfig{
		CORSOrigins: cfg.CORSOrigins,
	}, logger)

	srv := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     router,
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("stocktrader listening", zap.String("port", cfg.Port), zap.Int("instruments", len(state.Instruments())))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
	}

	// Graceful shutdown.
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", zap.Error(err))
	}
	return nil
}

// openStore picks PostgreSQL (optionally behind Redis) when DATABASE_URL is
// set and the in-memory store otherwise.
func openStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (store.Store, func(), error) {
	if cfg.DatabaseURL == "" {
		logger.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		return store.NewMemoryStore(), func() {}, nil
	}

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("database connection failed: %w", err)
	}
	cleanup := []func(){pool.Close}
	closeAll := func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}

	pg := store.NewPostgresStore(pool)
	if err := pg.Migrate(ctx); err != nil {
		closeAll()
		return nil, nil, err
	}
	logger.Info("connected to PostgreSQL")

	var st store.Store = pg
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		rdb := redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		st = store.NewCachedStore(st, rdb, cfg.CacheTTL)
		logger.Info("Redis cache enabled", zap.Duration("ttl", cfg.CacheTTL))
	}
	return st, closeAll, nil
}

func runMigrate(ctx context.Context, envFile string) error {
	cfg, err := config.Load(envFile)
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	if cfg.DatabaseURL == "" {
		return errors.New("migrate: DATABASE_URL is required")
	}
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database connection failed: %w", err)
	}
	defer pool.Close()

	if err := store.NewPostgresStore(pool).Migrate(ctx); err != nil {
		return err
	}
	logger.Info("schema applied")
	return nil
}
