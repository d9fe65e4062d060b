package backplane

import (
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/rafaeljc/heimdall-streaming/internal/config"
)

// Clients are the shared connections a transport may be built on.
type Clients struct {
	Broker *MemoryBroker
	Redis  *redis.Client
	Pool   *pgxpool.Pool
}

// NewTransport builds the transport for provider. groupID is only used by
// Kafka: a per-instance value broadcasts, a shared one load-balances.
func NewTransport(logger *slog.Logger, provider string, cfg *config.Config, clients Clients, groupID string) (Transport, error) {
	switch provider {
	case config.ProviderMemory:
		if clients.Broker == nil {
			return nil, fmt.Errorf("memory transport requires a broker")
		}
		return NewMemoryTransport(logger, clients.Broker), nil

	case config.ProviderRedis:
		if clients.Redis == nil {
			return nil, fmt.Errorf("redis transport requires a redis client")
		}
		return NewRedisTransport(logger, clients.Redis, &cfg.Backplane), nil

	case config.ProviderKafka:
		return NewKafkaTransport(logger, &cfg.Kafka, KafkaOptions{
			Topic:      cfg.Backplane.KafkaTopic,
			GroupID:    groupID,
			MinBackoff: cfg.Backplane.ReconnectMinBackoff,
			MaxBackoff: cfg.Backplane.ReconnectMaxBackoff,
		}), nil

	case config.ProviderPostgres:
		if clients.Pool == nil {
			return nil, fmt.Errorf("postgres transport requires a database pool")
		}
		return NewPostgresTransport(logger, clients.Pool, &cfg.Backplane)

	default:
		return nil, fmt.Errorf("unknown transport provider %q", provider)
	}
}
