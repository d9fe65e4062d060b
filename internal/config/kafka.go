package config

import (
	"fmt"
	"net"
	"time"
)

// KafkaConfig contains broker and consumer-group settings for the Kafka transport.
type KafkaConfig struct {
	Brokers  []string `envconfig:"BROKERS"`
	ClientID string   `envconfig:"CLIENT_ID" default:"heimdall-streaming"`

	// GroupID is shared by work-queue consumers (the change dispatcher).
	// Backplane consumers append the instance id so every instance sees every message.
	GroupID string `envconfig:"GROUP_ID" default:"heimdall-streaming"`

	// AutoOffsetReset applies to groups without a committed offset.
	AutoOffsetReset string        `envconfig:"AUTO_OFFSET_RESET" default:"latest" validate:"oneof=earliest latest"`
	SessionTimeout  time.Duration `envconfig:"SESSION_TIMEOUT" default:"10s" validate:"min=1s"`
	DialTimeout     time.Duration `envconfig:"DIAL_TIMEOUT" default:"10s"`
	MaxWait         time.Duration `envconfig:"MAX_WAIT" default:"500ms"`
	MinBytes        int           `envconfig:"MIN_BYTES" default:"1" validate:"min=1"`
	MaxBytes        int           `envconfig:"MAX_BYTES" default:"10485760" validate:"min=1"`

	// HandlerRetries is how many failed attempts are logged as warnings before a
	// stuck message is reported as an error. The offset is never committed for a
	// message that has not been handled.
	HandlerRetries int `envconfig:"HANDLER_RETRIES" default:"3" validate:"min=0"`

	TLSEnabled bool `envconfig:"TLS_ENABLED" default:"false"`
}

// Validate checks if the Kafka configuration is valid.
func (c *KafkaConfig) Validate(environment string) error {
	if len(c.Brokers) == 0 {
		return fmt.Errorf("kafka brokers cannot be empty")
	}

	for _, broker := range c.Brokers {
		host, port, err := net.SplitHostPort(broker)
		if err != nil {
			return fmt.Errorf("invalid kafka broker address %q: %w", broker, err)
		}
		if err := validateHost(host, "kafka"); err != nil {
			return err
		}
		if err := validatePort(port, "kafka"); err != nil {
			return err
		}
	}

	if err := validateNoWhitespace(c.GroupID, "kafka group id"); err != nil {
		return err
	}

	if c.MinBytes > c.MaxBytes {
		return fmt.Errorf("kafka min_bytes (%d) cannot be greater than max_bytes (%d)", c.MinBytes, c.MaxBytes)
	}

	if environment == EnvironmentProduction && !c.TLSEnabled {
		return fmt.Errorf("kafka TLS must be enabled in production environment")
	}

	return nil
}

// IsConfigured returns true if at least one broker is set.
func (c *KafkaConfig) IsConfigured() bool {
	return len(c.Brokers) > 0
}
