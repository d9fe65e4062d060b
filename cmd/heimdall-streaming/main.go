// Package main initializes and runs the Heimdall streaming service.
//
// It is the composition root: it wires the Postgres store, the backplane
// transports, the change dispatcher and the WebSocket gateway, and drives the
// ordered shutdown of all of them.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/rafaeljc/heimdall-streaming/internal/backplane"
	"github.com/rafaeljc/heimdall-streaming/internal/cache"
	"github.com/rafaeljc/heimdall-streaming/internal/config"
	"github.com/rafaeljc/heimdall-streaming/internal/database"
	"github.com/rafaeljc/heimdall-streaming/internal/datasync"
	"github.com/rafaeljc/heimdall-streaming/internal/dispatcher"
	"github.com/rafaeljc/heimdall-streaming/internal/gateway"
	"github.com/rafaeljc/heimdall-streaming/internal/logger"
	"github.com/rafaeljc/heimdall-streaming/internal/observability"
	"github.com/rafaeljc/heimdall-streaming/internal/ruleengine"
	"github.com/rafaeljc/heimdall-streaming/internal/store"
)

func main() {
	if err := run(); err != nil {
		log.Printf("Fatal error: %v", err)
		os.Exit(1)
	}
}

// run executes the service lifecycle.
func run() error {
	// -------------------------------------------------------------------------
	// 1. Configuration
	// -------------------------------------------------------------------------
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	appLogger := logger.New(&cfg.App)
	slog.SetDefault(appLogger)
	cfg.LogConfig(appLogger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// -------------------------------------------------------------------------
	// 2. Infrastructure
	// -------------------------------------------------------------------------
	pool, err := database.NewPostgresPool(ctx, &cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to connect to postgres: %w", err)
	}
	defer pool.Close()

	checkers := []observability.Checker{database.NewHealthChecker(pool)}

	var redisClient *redis.Client
	if cfg.UsesProvider(config.ProviderRedis) {
		redisClient, err = cache.NewRedisClient(ctx, &cfg.Redis)
		if err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		defer redisClient.Close()
		checkers = append(checkers, cache.NewHealthChecker(redisClient))
	}

	secretCache, err := cache.NewSecretCache(cfg.Cache.SecretCapacity, cfg.Cache.SecretTTL)
	if err != nil {
		return fmt.Errorf("failed to create secret cache: %w", err)
	}
	defer secretCache.Close()

	evaluator, err := ruleengine.New(appLogger, ruleengine.WithRegexCapacity(cfg.Cache.RegexCapacity))
	if err != nil {
		return fmt.Errorf("failed to create evaluator: %w", err)
	}
	defer evaluator.Close()

	// -------------------------------------------------------------------------
	// 3. Backplane
	// -------------------------------------------------------------------------
	identity := backplane.NewIdentity(backplane.ServiceEdge)
	clients := backplane.Clients{Broker: backplane.NewMemoryBroker(), Redis: redisClient, Pool: pool}

	// A per-instance Kafka group: every instance must see every patch.
	transport, err := newTransport(ctx, appLogger, cfg.Backplane.Provider, cfg, clients, cfg.Kafka.GroupID+"-"+identity.SenderID)
	if err != nil {
		return fmt.Errorf("failed to create backplane transport: %w", err)
	}
	defer closeTransport(appLogger, transport)

	bridge := backplane.NewBridge(appLogger, transport, identity)
	checkers = append(checkers, bridge)

	// -------------------------------------------------------------------------
	// 4. Change dispatcher
	// -------------------------------------------------------------------------
	var changes *dispatcher.Dispatcher
	if cfg.Dispatcher.Enabled {
		// A shared Kafka group: each change is dispatched once per fleet.
		queue, err := newTransport(ctx, appLogger, cfg.Dispatcher.Provider, cfg, clients, cfg.Kafka.GroupID)
		if err != nil {
			return fmt.Errorf("failed to create change queue: %w", err)
		}
		defer closeTransport(appLogger, queue)

		hub := backplane.NewBridge(appLogger, transport, backplane.Identity{
			SenderID:    identity.SenderID,
			ServiceType: backplane.ServiceHub,
		})
		changes = dispatcher.New(appLogger, queue, hub)
		checkers = append(checkers, changes)
	}

	// -------------------------------------------------------------------------
	// 5. Gateway
	// -------------------------------------------------------------------------
	pgStore := store.NewPostgresStore(pool)
	secrets := store.NewCachedSecretStore(pgStore, secretCache)
	syncSvc := datasync.NewService(appLogger, pgStore, evaluator)

	gw := gateway.NewGateway(appLogger, &cfg.Streaming, secrets, syncSvc, bridge)
	if err := gw.Start(ctx); err != nil {
		return fmt.Errorf("failed to start gateway: %w", err)
	}
	checkers = append(checkers, gw)

	obsServer := observability.NewServer(appLogger, &cfg.Observability, checkers...)
	obsServer.Start()

	httpServer := &http.Server{
		Addr:              cfg.Streaming.Address(),
		Handler:           gw.Handler(),
		ReadHeaderTimeout: cfg.Streaming.HandshakeTimeout,
	}

	errChan := make(chan error, 1)
	go func() {
		appLogger.Info("streaming server listening", slog.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("streaming server failed: %w", err)
		}
	}()

	// -------------------------------------------------------------------------
	// 6. Background workers
	// -------------------------------------------------------------------------
	workersCtx, stopWorkers := context.WithCancel(ctx)
	defer stopWorkers()
	workers, workersCtx := errgroup.WithContext(workersCtx)

	workers.Go(func() error {
		database.RunPoolMonitor(workersCtx, pool, cfg.Database.MonitorInterval)
		return nil
	})

	if cfg.Backplane.HeartbeatInterval > 0 {
		workers.Go(func() error {
			return bridge.RunHeartbeat(workersCtx, cfg.Backplane.HeartbeatInterval)
		})
	}

	if changes != nil {
		workers.Go(func() error {
			return changes.Run(workersCtx)
		})
	}

	// -------------------------------------------------------------------------
	// 7. Graceful shutdown
	// -------------------------------------------------------------------------
	var runErr error
	select {
	case <-ctx.Done():
		appLogger.Info("shutdown signal received")
	case runErr = <-errChan:
	case <-workersCtx.Done():
		runErr = workers.Wait()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.App.ShutdownTimeout)
	defer cancel()

	if err := gw.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("gateway shutdown failed", slog.String("error", err.Error()))
	}

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("streaming server shutdown failed", slog.String("error", err.Error()))
	}

	stopWorkers()
	if err := workers.Wait(); err != nil && runErr == nil {
		runErr = err
	}

	if err := obsServer.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("observability server shutdown failed", slog.String("error", err.Error()))
	}

	// Transports, clients and the pool close through the deferred calls, in reverse order.
	appLogger.Info("service exited", slog.Bool("clean", runErr == nil))
	return runErr
}

// newTransport builds a transport and prepares its storage when it has any.
func newTransport(ctx context.Context, log *slog.Logger, provider string, cfg *config.Config, clients backplane.Clients, groupID string) (backplane.Transport, error) {
	transport, err := backplane.NewTransport(log, provider, cfg, clients, groupID)
	if err != nil {
		return nil, err
	}

	if pt, ok := transport.(*backplane.PostgresTransport); ok {
		if err := pt.EnsureSchema(ctx); err != nil {
			_ = pt.Close()
			return nil, fmt.Errorf("failed to prepare backplane table: %w", err)
		}
	}
	return transport, nil
}

func closeTransport(log *slog.Logger, t backplane.Transport) {
	if err := t.Close(); err != nil {
		log.Warn("failed to close transport", slog.String("transport", t.Name()), slog.String("error", err.Error()))
	}
}
