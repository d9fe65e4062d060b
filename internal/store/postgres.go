package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rafaeljc/heimdall-streaming/internal/connection"
	"github.com/rafaeljc/heimdall-streaming/internal/observability"
	"github.com/rafaeljc/heimdall-streaming/internal/validation"
)

// Compile-time check to verify that PostgresStore implements both contracts.
// If the interface changes and the struct doesn't, the build fails here.
var (
	_ Store       = (*PostgresStore)(nil)
	_ SecretStore = (*PostgresStore)(nil)
)

// PostgresStore is the implementation of Store and SecretStore backed by PostgreSQL.
type PostgresStore struct {
	db *pgxpool.Pool
}

// NewPostgresStore creates a new repository instance with the given connection pool.
func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	validation.AssertNotNil(db, "database pool")
	return &PostgresStore{db: db}
}

// GetFlags implements Store.
func (s *PostgresStore) GetFlags(ctx context.Context, envID string, since int64) ([]json.RawMessage, error) {
	query := `
		SELECT data
		FROM flags
		WHERE env_id = $1 AND updated_at > $2
		ORDER BY updated_at, id
	`
	return s.documents(ctx, "get_flags", query, envID, since)
}

// GetSegments implements Store.
func (s *PostgresStore) GetSegments(ctx context.Context, envID string, since int64) ([]json.RawMessage, error) {
	query := `
		SELECT data
		FROM segments
		WHERE env_id = $1 AND updated_at > $2
		ORDER BY updated_at, id
	`
	return s.documents(ctx, "get_segments", query, envID, since)
}

// GetFlagsByIDs implements Store.
func (s *PostgresStore) GetFlagsByIDs(ctx context.Context, ids []string) ([]json.RawMessage, error) {
	if len(ids) == 0 {
		return []json.RawMessage{}, nil
	}

	query := `SELECT data FROM flags WHERE id = ANY($1) ORDER BY id`
	return s.documents(ctx, "get_flags_by_ids", query, ids)
}

// documents runs a single-column JSONB query.
func (s *PostgresStore) documents(ctx context.Context, name, query string, args ...any) ([]json.RawMessage, error) {
	start := time.Now()
	defer func() {
		observability.StoreQueryDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
	}()

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, classify(err))
	}

	docs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (json.RawMessage, error) {
		var data []byte
		err := row.Scan(&data)
		return json.RawMessage(data), err
	})
	if err != nil {
		return nil, fmt.Errorf("%s: failed to scan rows: %w", name, classify(err))
	}

	// Callers encode the slice; an empty array beats null on the wire.
	if docs == nil {
		docs = []json.RawMessage{}
	}
	return docs, nil
}

// GetSecrets implements SecretStore.
func (s *PostgresStore) GetSecrets(ctx context.Context, token string) ([]connection.Secret, error) {
	start := time.Now()
	defer func() {
		observability.StoreQueryDuration.WithLabelValues("get_secrets").Observe(time.Since(start).Seconds())
	}()

	query := `
		SELECT s.type, e.project_key, e.key, e.id
		FROM sdk_secrets s
		JOIN environments e ON e.id = s.env_id
		WHERE s.token = $1
		UNION ALL
		SELECT 'relay-proxy', e.project_key, e.key, e.id
		FROM relay_proxy_envs r
		JOIN environments e ON e.id = r.env_id
		WHERE r.token = $1
		ORDER BY 4
	`

	rows, err := s.db.Query(ctx, query, token)
	if err != nil {
		return nil, fmt.Errorf("get_secrets: %w", classify(err))
	}

	secrets, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (connection.Secret, error) {
		var sec connection.Secret
		var typ string
		err := row.Scan(&typ, &sec.ProjectKey, &sec.EnvKey, &sec.EnvID)
		sec.Type = connection.Type(typ)
		return sec, err
	})
	if err != nil {
		return nil, fmt.Errorf("get_secrets: failed to scan rows: %w", classify(err))
	}

	if len(secrets) == 0 {
		return nil, ErrSecretNotFound
	}
	return secrets, nil
}

// classify annotates Postgres server errors with their SQLSTATE.
func classify(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// Error Code 57014: query_canceled (statement timeout or cancelled request)
		if pgErr.Code == "57014" {
			return fmt.Errorf("query cancelled: %w", err)
		}
		return fmt.Errorf("postgres error %s: %w", pgErr.Code, err)
	}
	return err
}
