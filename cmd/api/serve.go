package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"lifelog/api/internal/app"
	"lifelog/api/internal/auth"
	"lifelog/api/internal/config"
	"lifelog/api/internal/coord"
	"lifelog/api/internal/engine"
	"lifelog/api/internal/logger"
	"lifelog/api/internal/metrics"
	"lifelog/api/internal/mutators"
	"lifelog/api/internal/store"
)

func newServeCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the tombstone compactor",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, *cfg)
		},
	}
}

func serve(ctx context.Context, cfg config.Config) error {
	log := logger.Named("serve")

	var dataStore engine.Store
	switch cfg.StoreDriver {
	case "memory":
		log.Warn("using in-memory store; data is lost on restart")
		dataStore = store.NewMemoryStore()
	default:
		db, err := store.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("database connection failed: %w", err)
		}
		defer db.Close()

		applied, err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir)
		if err != nil {
			return fmt.Errorf("migrations failed: %w", err)
		}
		if len(applied) > 0 {
			log.Info("migrations applied", logger.Count(len(applied)))
		}
		dataStore = store.NewPostgresStore(db)
	}

	engineOpts := []engine.Option{engine.WithTimeout(cfg.OpTimeout)}
	var (
		broker coord.Broker = coord.NewHub()
		checks              = map[string]app.Check{}
	)
	if cfg.RedisURL != "" {
		client, err := coord.Connect(ctx, cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("redis connection failed: %w", err)
		}
		defer client.Close()
		log.Info("using redis for client locks and pokes")
		broker = coord.NewRedisPoker(client)
		engineOpts = append(engineOpts, engine.WithLocker(coord.NewRedisLocker(client, cfg.LockTTL)))
		checks["redis"] = func(ctx context.Context) error { return client.Ping(ctx).Err() }
	}
	engineOpts = append(engineOpts, engine.WithNotifier(broker))

	eng := engine.New(dataStore, mutators.NewRegistry(), engineOpts...)
	service := app.New(auth.NewValidator(auth.WithLeeway(cfg.JWTLeeway)), eng, broker)
	for name, check := range checks {
		service.AddCheck(name, check)
	}

	metricsHandler, err := metrics.Register(nil)
	if err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin, app.WithMetricsHandler(metricsHandler))
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		// No WriteTimeout: poke streams stay open. Sync calls are bounded by
		// SYNC_OP_TIMEOUT instead.
		IdleTimeout: 60 * time.Second,
	}
	server.RegisterOnShutdown(httpServer.CloseStreams)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("lifelog API listening", logger.Addr(cfg.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Warn("shutdown error", logger.Err(err))
		}
		return nil
	})
	g.Go(func() error {
		runCompactor(gctx, eng, cfg.CompactInterval, cfg.TombstoneRetention)
		return nil
	})
	return g.Wait()
}

// runCompactor drops old tombstones every interval until ctx ends.
func runCompactor(ctx context.Context, eng *engine.Engine, interval time.Duration, keep uint64) {
	if interval <= 0 {
		return
	}
	log := logger.Named("compactor")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := eng.CompactAll(ctx, keep); err != nil && ctx.Err() == nil {
				log.Warn("compaction failed", logger.Err(err))
			}
		}
	}
}
