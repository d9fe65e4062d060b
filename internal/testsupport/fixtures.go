package testsupport

import (
	"context"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rafaeljc/heimdall-streaming/internal/ruleengine"
)

// Fixtures seeds the streaming schema for integration tests.
type Fixtures struct {
	DB *pgxpool.Pool
}

// Environment inserts an environment.
func (f Fixtures) Environment(ctx context.Context, id, projectKey, key string) error {
	_, err := f.DB.Exec(ctx,
		`INSERT INTO environments (id, project_key, key) VALUES ($1, $2, $3)`, id, projectKey, key)
	if err != nil {
		return fmt.Errorf("failed to insert environment %s: %w", id, err)
	}
	return nil
}

// Flag upserts a flag document. The row timestamp is taken from flag.UpdatedAt.
func (f Fixtures) Flag(ctx context.Context, flag ruleengine.Flag) error {
	data, err := json.Marshal(flag)
	if err != nil {
		return err
	}

	_, err = f.DB.Exec(ctx, `
		INSERT INTO flags (id, env_id, key, data, updated_at) VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET data = EXCLUDED.data, updated_at = EXCLUDED.updated_at`,
		flag.ID, flag.EnvID, flag.Key, data, flag.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert flag %s: %w", flag.ID, err)
	}
	return nil
}

// Segment upserts a raw segment document.
func (f Fixtures) Segment(ctx context.Context, id, envID string, updatedAt int64, data string) error {
	_, err := f.DB.Exec(ctx, `
		INSERT INTO segments (id, env_id, data, updated_at) VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET data = EXCLUDED.data, updated_at = EXCLUDED.updated_at`,
		id, envID, data, updatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert segment %s: %w", id, err)
	}
	return nil
}

// Secret issues a client or server token for an environment.
func (f Fixtures) Secret(ctx context.Context, token, typ, envID string) error {
	_, err := f.DB.Exec(ctx,
		`INSERT INTO sdk_secrets (token, type, env_id) VALUES ($1, $2, $3)`, token, typ, envID)
	if err != nil {
		return fmt.Errorf("failed to insert secret: %w", err)
	}
	return nil
}

// RelayProxy issues a relay-proxy token mapped to envIDs.
func (f Fixtures) RelayProxy(ctx context.Context, token string, envIDs ...string) error {
	if _, err := f.DB.Exec(ctx,
		`INSERT INTO relay_proxies (token, name) VALUES ($1, $1)`, token); err != nil {
		return fmt.Errorf("failed to insert relay proxy: %w", err)
	}
	for _, envID := range envIDs {
		if _, err := f.DB.Exec(ctx,
			`INSERT INTO relay_proxy_envs (token, env_id) VALUES ($1, $2)`, token, envID); err != nil {
			return fmt.Errorf("failed to map relay proxy env %s: %w", envID, err)
		}
	}
	return nil
}
