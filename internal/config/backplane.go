package config

import (
	"fmt"
	"regexp"
	"time"
)

// identifierPattern restricts table and channel names that end up inside SQL.
var identifierPattern = regexp.MustCompile(`^[a-z_][a-z0-9_]{0,62}$`)

// BackplaneConfig selects and tunes the transport used to propagate patches between instances.
type BackplaneConfig struct {
	Provider string `envconfig:"PROVIDER" default:"redis" validate:"oneof=memory redis kafka postgres"`

	// Namespace prefixes every channel on brokers shared with other applications.
	Namespace string `envconfig:"NAMESPACE" default:"heimdall"`

	// Kafka maps every env channel onto one topic keyed by channel name.
	KafkaTopic string `envconfig:"KAFKA_TOPIC" default:"heimdall-backplane"`

	// Postgres LISTEN/NOTIFY settings.
	PostgresTable         string        `envconfig:"POSTGRES_TABLE" default:"backplane_messages"`
	PostgresNotifyChannel string        `envconfig:"POSTGRES_NOTIFY_CHANNEL" default:"heimdall_backplane"`
	PostgresBatchSize     int           `envconfig:"POSTGRES_BATCH_SIZE" default:"100" validate:"min=1,max=10000"`
	PostgresPollInterval  time.Duration `envconfig:"POSTGRES_POLL_INTERVAL" default:"1s" validate:"min=10ms"`
	Retention             time.Duration `envconfig:"RETENTION" default:"1h" validate:"min=1m"`
	CompressPayloads      bool          `envconfig:"COMPRESS_PAYLOADS" default:"true"`

	// Reconnect backoff shared by every adapter.
	ReconnectMinBackoff time.Duration `envconfig:"RECONNECT_MIN_BACKOFF" default:"500ms" validate:"min=10ms"`
	ReconnectMaxBackoff time.Duration `envconfig:"RECONNECT_MAX_BACKOFF" default:"30s"`

	// HeartbeatInterval controls peer pings (0 disables them).
	HeartbeatInterval time.Duration `envconfig:"HEARTBEAT_INTERVAL" default:"15s"`
}

// Validate performs cross-field validation on the BackplaneConfig.
func (c *BackplaneConfig) Validate() error {
	if err := validateNoWhitespace(c.Namespace, "backplane namespace"); err != nil {
		return err
	}

	if c.ReconnectMaxBackoff < c.ReconnectMinBackoff {
		return fmt.Errorf("backplane reconnect_max_backoff (%s) cannot be smaller than reconnect_min_backoff (%s)",
			c.ReconnectMaxBackoff, c.ReconnectMinBackoff)
	}

	if c.HeartbeatInterval < 0 {
		return fmt.Errorf("backplane heartbeat_interval cannot be negative")
	}

	if !identifierPattern.MatchString(c.PostgresTable) {
		return fmt.Errorf("backplane postgres table %q is not a valid identifier", c.PostgresTable)
	}

	if !identifierPattern.MatchString(c.PostgresNotifyChannel) {
		return fmt.Errorf("backplane postgres notify channel %q is not a valid identifier", c.PostgresNotifyChannel)
	}

	return validateNoWhitespace(c.KafkaTopic, "backplane kafka topic")
}

// DispatcherConfig configures the change dispatcher that turns domain change
// messages into backplane patches.
type DispatcherConfig struct {
	Enabled  bool   `envconfig:"ENABLED" default:"true"`
	Provider string `envconfig:"PROVIDER" default:"redis" validate:"oneof=memory redis kafka postgres"`
}

// CacheConfig sizes the in-process caches.
type CacheConfig struct {
	SecretCapacity int           `envconfig:"SECRET_CAPACITY" default:"10000" validate:"min=1"`
	SecretTTL      time.Duration `envconfig:"SECRET_TTL" default:"5m" validate:"min=1s"`
	RegexCapacity  int           `envconfig:"REGEX_CAPACITY" default:"1000" validate:"min=1"`
}
