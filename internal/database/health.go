package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// StreamingTables are the relations the store reads on every handshake and sync.
var StreamingTables = []string{"flags", "segments", "sdk_secrets"}

const checkTimeout = 2 * time.Second

// HealthChecker reports the pool as ready once the database answers and the
// streaming schema has been migrated.
type HealthChecker struct {
	pool   *pgxpool.Pool
	tables []string
}

func NewHealthChecker(pool *pgxpool.Pool) *HealthChecker {
	return &HealthChecker{pool: pool, tables: StreamingTables}
}

func (h *HealthChecker) Name() string {
	return "postgres"
}

func (h *HealthChecker) Check(ctx context.Context) error {
	if h.pool == nil {
		return errors.New("database pool is nil")
	}

	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	var missing []string
	err := h.pool.QueryRow(ctx, `
		SELECT coalesce(array_agg(t), '{}')
		FROM unnest($1::text[]) AS t
		WHERE to_regclass(t) IS NULL`, h.tables).Scan(&missing)
	if err != nil {
		return fmt.Errorf("postgres unreachable: %w", err)
	}
	if len(missing) > 0 {
		return fmt.Errorf("streaming schema incomplete, missing tables %v", missing)
	}
	return nil
}
