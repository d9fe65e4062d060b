package config

import (
	"fmt"
	"strings"
	"time"
)

// StreamingConfig configures the WebSocket gateway and its HTTP listener.
type StreamingConfig struct {
	Port string `envconfig:"PORT" default:"5100"`
	Host string `envconfig:"HOST" default:"0.0.0.0"`

	// Path is the only route that is upgraded to a WebSocket.
	Path string `envconfig:"ENDPOINT" default:"/streaming"`

	// Frames are read in BufferSize chunks; a message spanning more than
	// MaxMessageFragments chunks is a policy violation.
	BufferSize          int `envconfig:"BUFFER_SIZE" default:"2048" validate:"min=256"`
	MaxMessageFragments int `envconfig:"MAX_MESSAGE_FRAGMENTS" default:"4" validate:"min=1,max=64"`

	// MaxConnections caps concurrently open sockets per instance (0 disables the cap).
	MaxConnections int `envconfig:"MAX_CONNECTIONS" default:"10000" validate:"min=0"`

	// HandshakeTimeout bounds the token lookup performed before the socket is registered.
	HandshakeTimeout time.Duration `envconfig:"HANDSHAKE_TIMEOUT" default:"30s" validate:"min=1s"`

	// WriteTimeout bounds a single socket write (replies and pushes).
	WriteTimeout time.Duration `envconfig:"WRITE_TIMEOUT" default:"5s" validate:"min=100ms"`

	// PushPrepareTimeout bounds the store lookups that build a push before it is fanned out.
	PushPrepareTimeout time.Duration `envconfig:"PUSH_PREPARE_TIMEOUT" default:"2s" validate:"min=10ms"`

	// CloseTimeout bounds the graceful close of every socket during shutdown.
	CloseTimeout time.Duration `envconfig:"CLOSE_TIMEOUT" default:"5s" validate:"min=100ms"`

	// Fan-out pool: fixed worker count fed by a bounded queue.
	FanoutWorkers   int `envconfig:"FANOUT_WORKERS" default:"64" validate:"min=1"`
	FanoutQueueSize int `envconfig:"FANOUT_QUEUE_SIZE" default:"4096" validate:"min=1"`

	// AllowedOrigins restricts the Origin header during the upgrade (empty allows any).
	AllowedOrigins []string `envconfig:"ALLOWED_ORIGINS"`
}

// Address returns the listen address in host:port format.
func (c *StreamingConfig) Address() string {
	return fmt.Sprintf("%s:%s", c.Host, c.Port)
}

// MaxMessageSize is the largest reassembled inbound message accepted by a session.
func (c *StreamingConfig) MaxMessageSize() int {
	return c.BufferSize * c.MaxMessageFragments
}

// Validate performs validation on the StreamingConfig.
func (c *StreamingConfig) Validate() error {
	if err := validatePort(c.Port, "streaming"); err != nil {
		return err
	}

	if err := validateHost(c.Host, "streaming"); err != nil {
		return err
	}

	if !strings.HasPrefix(c.Path, "/") {
		return fmt.Errorf("streaming path must start with '/', got %q", c.Path)
	}

	if c.FanoutQueueSize < c.FanoutWorkers {
		return fmt.Errorf("fanout_queue_size (%d) cannot be smaller than fanout_workers (%d)", c.FanoutQueueSize, c.FanoutWorkers)
	}

	return nil
}
