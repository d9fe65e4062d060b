// Package database provides the PostgreSQL connection factory.
package database

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rafaeljc/heimdall-streaming/internal/config"
	"github.com/rafaeljc/heimdall-streaming/internal/logger"
	"github.com/rafaeljc/heimdall-streaming/internal/observability"
)

// NewPostgresPool initializes a PostgreSQL connection pool.
// It returns the pool directly, allowing the caller to manage the lifecycle via Dependency Injection.
// The initial ping is retried with exponential backoff so the service survives
// a database that starts after it.
func NewPostgresPool(ctx context.Context, cfg *config.DatabaseConfig) (*pgxpool.Pool, error) {
	if cfg == nil {
		return nil, fmt.Errorf("database config cannot be nil")
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	// MaxConns prevents the app from starving the DB (connection exhaustion).
	// The Postgres backplane listener hijacks one of them for its lifetime.
	poolCfg.MaxConns = int32(cfg.MaxConns)
	poolCfg.MinConns = int32(cfg.MinConns)
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.ConnectTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.ConnectTimeout
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	maxRetries := max(cfg.PingMaxRetries, 1)
	backoff := cfg.PingBackoff
	if backoff <= 0 {
		backoff = time.Second
	}
	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	var lastErr error
	log := logger.FromContext(ctx)

	for attempt := 1; attempt <= maxRetries; attempt++ {
		pingCtx, cancel := context.WithTimeout(ctx, timeout)
		lastErr = pool.Ping(pingCtx)
		cancel()

		if lastErr == nil {
			log.Info("postgres ping successful", slog.Int("attempt", attempt))
			return pool, nil
		}

		log.Warn("postgres ping failed",
			slog.Int("attempt", attempt),
			slog.Int("max_retries", maxRetries),
			slog.Any("error", lastErr),
		)
		if attempt == maxRetries {
			break
		}

		select {
		case <-ctx.Done():
			pool.Close()
			return nil, fmt.Errorf("database connection cancelled: %w", ctx.Err())
		case <-time.After(backoff):
		}
		backoff *= 2
	}

	pool.Close()
	return nil, fmt.Errorf("failed to ping database after %d retries: %w", maxRetries, lastErr)
}

// RunPoolMonitor exports pool statistics every interval until ctx is cancelled.
// pgxpool exposes cumulative counters, so only the delta since the last
// sample is added to the Prometheus counters.
func RunPoolMonitor(ctx context.Context, pool *pgxpool.Pool, interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var (
		lastAcquires int64
		lastWaits    int64
		lastDuration time.Duration
	)

	sample := func() {
		stat := pool.Stat()

		observability.DatabasePoolConnections.WithLabelValues("in_use").Set(float64(stat.AcquiredConns()))
		observability.DatabasePoolConnections.WithLabelValues("idle").Set(float64(stat.IdleConns()))
		observability.DatabasePoolConnections.WithLabelValues("total").Set(float64(stat.TotalConns()))
		observability.DatabasePoolConnections.WithLabelValues("max").Set(float64(stat.MaxConns()))

		if d := stat.AcquireCount() - lastAcquires; d > 0 {
			observability.DatabasePoolAcquireCount.Add(float64(d))
		}
		if d := stat.EmptyAcquireCount() - lastWaits; d > 0 {
			observability.DatabasePoolWaitCount.Add(float64(d))
		}
		if d := stat.AcquireDuration() - lastDuration; d > 0 {
			observability.DatabasePoolAcquireDuration.Add(d.Seconds())
		}

		lastAcquires = stat.AcquireCount()
		lastWaits = stat.EmptyAcquireCount()
		lastDuration = stat.AcquireDuration()
	}

	sample()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sample()
		}
	}
}
