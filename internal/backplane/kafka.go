package backplane

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/rafaeljc/heimdall-streaming/internal/config"
	"github.com/rafaeljc/heimdall-streaming/internal/observability"
	"github.com/rafaeljc/heimdall-streaming/internal/validation"
)

// channelHeader carries the transport-neutral channel name next to the key.
const channelHeader = "heimdall-channel"

// KafkaOptions scopes a KafkaTransport.
type KafkaOptions struct {
	// Topic carries env and heartbeat channels. Other channels are used as topic names.
	Topic string

	// GroupID prefixes the consumer group of every subscription. Instances that
	// share it split the messages; a per-instance value makes every instance see all of them.
	GroupID string

	MinBackoff time.Duration
	MaxBackoff time.Duration
}

// KafkaTransport implements Transport with one consumer group per subscription.
// Offsets are committed after the handler finished (at-least-once).
type KafkaTransport struct {
	cfg    *config.KafkaConfig
	opts   KafkaOptions
	logger *slog.Logger
	writer *kafka.Writer
	dialer *kafka.Dialer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	subs   map[string]context.CancelFunc
	fatal  error
	closed bool
}

var _ Transport = (*KafkaTransport)(nil)

// NewKafkaTransport creates a transport. No connection is opened until the
// first publish or subscription.
func NewKafkaTransport(logger *slog.Logger, cfg *config.KafkaConfig, opts KafkaOptions) *KafkaTransport {
	validation.AssertNotNil(cfg, "kafka config")
	if opts.Topic == "" || opts.GroupID == "" {
		panic("critical error: kafka topic and group id cannot be empty")
	}
	if logger == nil {
		logger = slog.Default()
	}

	var tlsConfig *tls.Config
	if cfg.TLSEnabled {
		tlsConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Balancer:               &kafka.Hash{},
		BatchTimeout:           10 * time.Millisecond,
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
		Transport: &kafka.Transport{
			ClientID:    cfg.ClientID,
			DialTimeout: cfg.DialTimeout,
			TLS:         tlsConfig,
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &KafkaTransport{
		cfg:    cfg,
		opts:   opts,
		logger: logger.With("transport", "kafka"),
		writer: writer,
		dialer: &kafka.Dialer{ClientID: cfg.ClientID, Timeout: cfg.DialTimeout, DualStack: true, TLS: tlsConfig},
		ctx:    ctx,
		cancel: cancel,
		subs:   make(map[string]context.CancelFunc),
	}
}

// Name implements Transport.
func (t *KafkaTransport) Name() string { return "kafka" }

// topicFor maps a channel or pattern to a topic.
func (t *KafkaTransport) topicFor(channel string) string {
	if strings.HasPrefix(channel, envChannelPrefix) || channel == HeartbeatChannel {
		return t.opts.Topic
	}
	return sanitizeKafkaName(channel)
}

// sanitizeKafkaName replaces characters Kafka rejects in topic and group names.
func sanitizeKafkaName(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			return r
		default:
			return '_'
		}
	}, name)
}

// Publish implements Transport. The channel is the message key, so every
// message of one environment lands on the same partition.
func (t *KafkaTransport) Publish(ctx context.Context, channel string, payload []byte) error {
	err := t.writer.WriteMessages(ctx, kafka.Message{
		Topic:   t.topicFor(channel),
		Key:     []byte(channel),
		Value:   payload,
		Headers: []kafka.Header{{Key: channelHeader, Value: []byte(channel)}},
	})
	recordPublish(t.Name(), err)
	if err != nil {
		return fmt.Errorf("kafka publish to %q: %w", channel, err)
	}
	return nil
}

// Subscribe implements Transport.
func (t *KafkaTransport) Subscribe(_ context.Context, pattern string, handler Handler) error {
	validation.AssertPresent(handler, "handler")

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return ErrTransportClosed
	}
	if _, exists := t.subs[pattern]; exists {
		return fmt.Errorf("%w: %s", ErrAlreadySubscribed, pattern)
	}

	startOffset := kafka.LastOffset
	if t.cfg.AutoOffsetReset == "earliest" {
		startOffset = kafka.FirstOffset
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        t.cfg.Brokers,
		GroupID:        t.opts.GroupID + "." + sanitizeKafkaName(pattern),
		Topic:          t.topicFor(pattern),
		Dialer:         t.dialer,
		MinBytes:       t.cfg.MinBytes,
		MaxBytes:       t.cfg.MaxBytes,
		MaxWait:        t.cfg.MaxWait,
		SessionTimeout: t.cfg.SessionTimeout,
		StartOffset:    startOffset,
	})

	subCtx, cancel := context.WithCancel(t.ctx)
	t.subs[pattern] = cancel

	t.wg.Add(1)
	go t.consume(subCtx, pattern, reader, handler)

	return nil
}

// consume fetches, filters, handles and commits until ctx ends or the broker
// returns a non-retriable error.
func (t *KafkaTransport) consume(ctx context.Context, pattern string, reader *kafka.Reader, handler Handler) {
	defer t.wg.Done()
	defer reader.Close()

	log := t.logger.With("pattern", pattern, "topic", reader.Config().Topic)
	backoff := NewBackoff(t.opts.MinBackoff, t.opts.MaxBackoff)

	for {
		m, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return
			}
			if isFatalKafkaError(err) {
				t.recordFatal(log, pattern, err)
				return
			}

			log.Warn("kafka fetch failed, retrying", slog.String("error", err.Error()))
			observability.BackplaneReconnects.WithLabelValues(t.Name()).Inc()
			if !backoff.Wait(ctx) {
				return
			}
			continue
		}
		backoff.Reset()

		channel := messageChannel(m)
		if Match(pattern, channel) && !t.handle(ctx, log, handler, Message{Channel: channel, Payload: m.Value}) {
			// Stopped mid-retry: the offset stays uncommitted for the next group member.
			return
		}

		if err := reader.CommitMessages(ctx, m); err != nil {
			if ctx.Err() != nil {
				return
			}
			if isFatalKafkaError(err) {
				t.recordFatal(log, pattern, err)
				return
			}
			log.Warn("kafka commit failed", slog.Int64("offset", m.Offset), slog.String("error", err.Error()))
		}
	}
}

// handle runs handler until it succeeds, backing off between attempts, so a
// message is only committed once handled. It returns false if ctx ended first.
// Failures past HandlerRetries are logged as errors: the partition is stalled.
func (t *KafkaTransport) handle(ctx context.Context, log *slog.Logger, handler Handler, msg Message) bool {
	observability.BackplaneReceived.WithLabelValues(t.Name()).Inc()

	backoff := NewBackoff(t.opts.MinBackoff, t.opts.MaxBackoff)
	for attempt := 1; ; attempt++ {
		err := handler(ctx, msg)
		if err == nil {
			return true
		}
		if ctx.Err() != nil {
			return false
		}

		observability.BackplaneRedeliveries.WithLabelValues(t.Name()).Inc()
		level := slog.LevelWarn
		if attempt > t.cfg.HandlerRetries {
			level = slog.LevelError
		}
		log.Log(ctx, level, "kafka handler failed, holding offset",
			slog.String("channel", msg.Channel),
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()),
		)

		if !backoff.Wait(ctx) {
			return false
		}
	}
}

func (t *KafkaTransport) recordFatal(log *slog.Logger, pattern string, err error) {
	observability.BackplaneFatalErrors.WithLabelValues(t.Name()).Inc()
	log.Error("kafka consumer stopped on fatal error", slog.String("error", err.Error()))

	t.mu.Lock()
	t.fatal = fmt.Errorf("%w: subscription %q: %w", ErrFatal, pattern, err)
	t.mu.Unlock()
}

// isFatalKafkaError reports broker errors that retrying cannot fix
// (authorization, unknown topic with auto-creation disabled, ...).
func isFatalKafkaError(err error) bool {
	var kerr kafka.Error
	if errors.As(err, &kerr) {
		return !kerr.Temporary()
	}
	return false
}

func messageChannel(m kafka.Message) string {
	for _, h := range m.Headers {
		if h.Key == channelHeader {
			return string(h.Value)
		}
	}
	return string(m.Key)
}

// Unsubscribe implements Transport.
func (t *KafkaTransport) Unsubscribe(_ context.Context, pattern string) error {
	t.mu.Lock()
	cancel, exists := t.subs[pattern]
	delete(t.subs, pattern)
	t.mu.Unlock()

	if !exists {
		return fmt.Errorf("%w: %s", ErrNotSubscribed, pattern)
	}
	cancel()
	return nil
}

// Close stops the consumers and flushes the writer.
func (t *KafkaTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.subs = nil
	t.mu.Unlock()

	t.cancel()
	t.wg.Wait()
	return t.writer.Close()
}

// Check fails once a consumer stopped on a fatal error, or if no broker answers.
func (t *KafkaTransport) Check(ctx context.Context) error {
	t.mu.Lock()
	fatal := t.fatal
	t.mu.Unlock()
	if fatal != nil {
		return fatal
	}

	var lastErr error
	for _, broker := range t.cfg.Brokers {
		conn, err := t.dialer.DialContext(ctx, "tcp", broker)
		if err == nil {
			return conn.Close()
		}
		lastErr = err
	}
	return fmt.Errorf("no kafka broker reachable: %w", lastErr)
}
