package backplane

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/klauspost/compress/zstd"

	"github.com/rafaeljc/heimdall-streaming/internal/config"
	"github.com/rafaeljc/heimdall-streaming/internal/observability"
	"github.com/rafaeljc/heimdall-streaming/internal/validation"
)

// compressThreshold is the smallest payload worth compressing.
const compressThreshold = 512

// storedMessage is one row of the backplane table.
type storedMessage struct {
	ID         int64
	Channel    string
	Payload    []byte
	Compressed bool
}

// PostgresTransport implements Transport with a durable table and LISTEN/NOTIFY.
// Notifications carry only the row id. A single listener reads every row above
// its watermark, so rows written while it was disconnected are replayed on reconnect.
type PostgresTransport struct {
	pool   *pgxpool.Pool
	cfg    *config.BackplaneConfig
	table  string
	logger *slog.Logger

	encoder *zstd.Encoder
	decoder *zstd.Decoder

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.RWMutex
	handlers map[string]Handler
	started  bool
	closed   bool
	listenOK bool

	// watermark is the last delivered id. Owned by the listener goroutine once started.
	watermark int64
}

var _ Transport = (*PostgresTransport)(nil)

// NewPostgresTransport creates a transport over an existing pool.
func NewPostgresTransport(logger *slog.Logger, pool *pgxpool.Pool, cfg *config.BackplaneConfig) (*PostgresTransport, error) {
	validation.AssertNotNil(pool, "postgres pool")
	validation.AssertNotNil(cfg, "backplane config")
	if logger == nil {
		logger = slog.Default()
	}

	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &PostgresTransport{
		pool:     pool,
		cfg:      cfg,
		table:    pgx.Identifier{cfg.PostgresTable}.Sanitize(),
		logger:   logger.With("transport", "postgres"),
		encoder:  encoder,
		decoder:  decoder,
		ctx:      ctx,
		cancel:   cancel,
		handlers: make(map[string]Handler),
	}, nil
}

// Name implements Transport.
func (t *PostgresTransport) Name() string { return "postgres" }

// EnsureSchema creates the backplane table if it does not exist.
func (t *PostgresTransport) EnsureSchema(ctx context.Context) error {
	index := pgx.Identifier{t.cfg.PostgresTable + "_created_at_idx"}.Sanitize()
	ddl := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id         BIGSERIAL PRIMARY KEY,
			channel    TEXT NOT NULL,
			payload    BYTEA NOT NULL,
			compressed BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS %s ON %s (created_at);`, t.table, index, t.table)

	if _, err := t.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("failed to create backplane table: %w", err)
	}
	return nil
}

// Publish stores the payload and notifies listeners with its id in one statement.
func (t *PostgresTransport) Publish(ctx context.Context, channel string, payload []byte) error {
	data, compressed := t.encode(payload)

	query := fmt.Sprintf(`
		WITH inserted AS (
			INSERT INTO %s (channel, payload, compressed) VALUES ($1, $2, $3) RETURNING id
		)
		SELECT pg_notify($4, id::text) FROM inserted`, t.table)

	_, err := t.pool.Exec(ctx, query, channel, data, compressed, t.cfg.PostgresNotifyChannel)
	recordPublish(t.Name(), err)
	if err != nil {
		return fmt.Errorf("postgres publish to %q: %w", channel, classifyPgError(err))
	}
	return nil
}

func (t *PostgresTransport) encode(payload []byte) ([]byte, bool) {
	if !t.cfg.CompressPayloads || len(payload) < compressThreshold {
		return payload, false
	}
	return t.encoder.EncodeAll(payload, make([]byte, 0, len(payload)/2)), true
}

func (t *PostgresTransport) decode(m storedMessage) ([]byte, error) {
	if !m.Compressed {
		return m.Payload, nil
	}
	return t.decoder.DecodeAll(m.Payload, nil)
}

// Subscribe implements Transport. The first subscription fixes the watermark at
// the current last id and starts the listener.
func (t *PostgresTransport) Subscribe(ctx context.Context, pattern string, handler Handler) error {
	validation.AssertPresent(handler, "handler")

	t.mu.RLock()
	started := t.started
	t.mu.RUnlock()

	// Read outside the lock; a concurrent first subscription may win and its value is kept.
	var last int64
	if !started {
		err := t.pool.QueryRow(ctx, fmt.Sprintf(`SELECT COALESCE(MAX(id), 0) FROM %s`, t.table)).Scan(&last)
		if err != nil {
			return fmt.Errorf("failed to read backplane watermark: %w", classifyPgError(err))
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return ErrTransportClosed
	}
	if _, exists := t.handlers[pattern]; exists {
		return fmt.Errorf("%w: %s", ErrAlreadySubscribed, pattern)
	}

	if !t.started {
		t.watermark = last
		t.started = true

		t.wg.Add(2)
		go t.listen()
		go t.retain()
	}

	t.handlers[pattern] = handler
	return nil
}

// Unsubscribe implements Transport.
func (t *PostgresTransport) Unsubscribe(_ context.Context, pattern string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.handlers[pattern]; !exists {
		return fmt.Errorf("%w: %s", ErrNotSubscribed, pattern)
	}
	delete(t.handlers, pattern)
	return nil
}

// listen keeps a dedicated LISTEN connection open, reconnecting with backoff.
func (t *PostgresTransport) listen() {
	defer t.wg.Done()

	backoff := NewBackoff(t.cfg.ReconnectMinBackoff, t.cfg.ReconnectMaxBackoff)
	for {
		err := t.session(t.ctx, &backoff)
		t.setListening(false)
		if t.ctx.Err() != nil {
			return
		}

		t.logger.Warn("postgres listener disconnected, reconnecting",
			slog.Int64("watermark", t.watermark),
			slog.String("error", err.Error()),
		)
		observability.BackplaneReconnects.WithLabelValues(t.Name()).Inc()
		if !backoff.Wait(t.ctx) {
			return
		}
	}
}

// session runs one LISTEN connection: it replays missed rows first, then
// reads new rows on every notification or poll interval.
func (t *PostgresTransport) session(ctx context.Context, backoff *Backoff) error {
	pooled, err := t.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire listener connection: %w", err)
	}
	// A LISTEN connection must not go back to the pool.
	conn := pooled.Hijack()
	defer conn.Close(context.Background())

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{t.cfg.PostgresNotifyChannel}.Sanitize()); err != nil {
		return fmt.Errorf("failed to listen: %w", classifyPgError(err))
	}

	if err := t.catchUp(ctx, true); err != nil {
		return err
	}
	backoff.Reset()
	t.setListening(true)
	t.logger.Info("postgres listener ready", slog.Int64("watermark", t.watermark))

	for {
		waitCtx, cancel := context.WithTimeout(ctx, t.cfg.PostgresPollInterval)
		_, err := conn.WaitForNotification(waitCtx)
		cancel()

		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if !errors.Is(err, context.DeadlineExceeded) && !pgconn.Timeout(err) {
				return fmt.Errorf("wait for notification: %w", err)
			}
			// Poll tick: catches rows whose notification was lost.
			if err := t.catchUp(ctx, true); err != nil {
				return err
			}
			continue
		}

		if err := t.catchUp(ctx, false); err != nil {
			return err
		}
	}
}

// catchUp delivers every row above the watermark in id order. The watermark
// stops at the first row a handler rejects; that row and the ones after it are
// read again on the next notification or poll tick. Retention bounds how long
// a row can be retried.
func (t *PostgresTransport) catchUp(ctx context.Context, replay bool) error {
	query := fmt.Sprintf(`
		SELECT id, channel, payload, compressed
		FROM %s
		WHERE id > $1
		ORDER BY id
		LIMIT $2`, t.table)

	for {
		rows, err := t.pool.Query(ctx, query, t.watermark, t.cfg.PostgresBatchSize)
		if err != nil {
			return fmt.Errorf("failed to read backplane rows: %w", classifyPgError(err))
		}
		batch, err := pgx.CollectRows(rows, pgx.RowToStructByPos[storedMessage])
		if err != nil {
			return fmt.Errorf("failed to scan backplane rows: %w", err)
		}

		delivered := 0
		for _, m := range batch {
			if err := t.dispatch(ctx, m); err != nil {
				observability.BackplaneRedeliveries.WithLabelValues(t.Name()).Inc()
				t.logger.Warn("backplane handler failed, holding watermark",
					slog.Int64("id", m.ID),
					slog.String("channel", m.Channel),
					slog.String("error", err.Error()),
				)
				break
			}
			t.watermark = m.ID
			delivered++
		}
		if replay && delivered > 0 {
			observability.BackplaneReplayed.Add(float64(delivered))
		}
		if delivered < len(batch) {
			return nil
		}

		if len(batch) < t.cfg.PostgresBatchSize {
			return nil
		}
	}
}

// dispatch runs every matching handler and returns the first failure.
// Undecodable rows cannot succeed on retry and are dropped.
func (t *PostgresTransport) dispatch(ctx context.Context, m storedMessage) error {
	payload, err := t.decode(m)
	if err != nil {
		observability.BackplaneDropped.WithLabelValues("malformed").Inc()
		t.logger.Warn("dropping undecodable backplane row",
			slog.Int64("id", m.ID),
			slog.String("error", err.Error()),
		)
		return nil
	}

	t.mu.RLock()
	var matched []Handler
	for pattern, h := range t.handlers {
		if Match(pattern, m.Channel) {
			matched = append(matched, h)
		}
	}
	t.mu.RUnlock()

	msg := Message{Channel: m.Channel, Payload: payload}
	var firstErr error
	for _, h := range matched {
		observability.BackplaneReceived.WithLabelValues(t.Name()).Inc()
		if err := h(ctx, msg); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// retain deletes rows older than the retention window.
func (t *PostgresTransport) retain() {
	defer t.wg.Done()

	interval := t.cfg.Retention / 4
	if interval < time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-t.ctx.Done():
			return
		case <-ticker.C:
			n, err := t.Prune(t.ctx)
			if err != nil {
				if t.ctx.Err() == nil {
					t.logger.Warn("backplane retention failed", slog.String("error", err.Error()))
				}
				continue
			}
			if n > 0 {
				t.logger.Debug("backplane retention pruned rows", slog.Int64("rows", n))
			}
		}
	}
}

// Prune deletes rows older than the configured retention and returns how many were removed.
func (t *PostgresTransport) Prune(ctx context.Context) (int64, error) {
	query := fmt.Sprintf(`DELETE FROM %s WHERE created_at < NOW() - make_interval(secs => $1)`, t.table)

	tag, err := t.pool.Exec(ctx, query, t.cfg.Retention.Seconds())
	if err != nil {
		return 0, fmt.Errorf("failed to prune backplane rows: %w", classifyPgError(err))
	}
	observability.BackplanePruned.Add(float64(tag.RowsAffected()))
	return tag.RowsAffected(), nil
}

func (t *PostgresTransport) setListening(ok bool) {
	t.mu.Lock()
	t.listenOK = ok
	t.mu.Unlock()
}

// Close stops the listener and the retention loop. The pool stays open.
func (t *PostgresTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.handlers = make(map[string]Handler)
	t.mu.Unlock()

	t.cancel()
	t.wg.Wait()

	t.decoder.Close()
	return t.encoder.Close()
}

// Check pings the pool and fails while a started listener is disconnected.
func (t *PostgresTransport) Check(ctx context.Context) error {
	if err := t.pool.Ping(ctx); err != nil {
		return err
	}

	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.started && !t.listenOK {
		return errors.New("postgres listener is not connected")
	}
	return nil
}

// classifyPgError annotates Postgres server errors with their SQLSTATE.
func classifyPgError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return fmt.Errorf("postgres error %s (%s): %w", pgErr.Code, pgErr.Message, err)
	}
	return err
}
