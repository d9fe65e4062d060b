package connection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rafaeljc/heimdall-streaming/internal/ruleengine"
)

// ErrClosed is returned when writing to a context that has been closed.
var ErrClosed = errors.New("connection closed")

// Socket is the write side of a physical WebSocket.
type Socket interface {
	Write(ctx context.Context, payload []byte) error
	Close(code int, reason string) error
}

// Connection is one logical SDK connection bound to a single environment.
type Connection struct {
	id        string
	secret    Secret
	owner     *Context
	connectAt time.Time

	mu   sync.RWMutex
	user *ruleengine.EndUser
}

// ID returns projectKey:envKey.
func (c *Connection) ID() string { return c.id }

// Key uniquely identifies the entry in the registry: the same logical id on
// two different sockets yields two entries.
func (c *Connection) Key() string { return c.owner.socketID + "/" + c.id }

// Secret returns the secret the connection was admitted with.
func (c *Connection) Secret() Secret { return c.secret }

// EnvID returns the environment the connection belongs to.
func (c *Connection) EnvID() string { return c.secret.EnvID }

// Type returns the SDK kind of the owning socket.
func (c *Connection) Type() Type { return c.owner.typ }

// Context returns the physical socket wrapper.
func (c *Connection) Context() *Context { return c.owner }

// ConnectAt returns the admission time.
func (c *Connection) ConnectAt() time.Time { return c.connectAt }

// User returns the attached user, or nil.
func (c *Connection) User() *ruleengine.EndUser {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.user
}

// AttachUser validates and binds the evaluation target. Later data-syncs may
// replace it (identify).
func (c *Connection) AttachUser(user *ruleengine.EndUser) error {
	if err := user.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	c.user = user
	c.mu.Unlock()
	return nil
}

// Send writes through the owning socket.
func (c *Connection) Send(ctx context.Context, payload []byte) error {
	return c.owner.Send(ctx, payload)
}

// Context wraps one physical socket.
type Context struct {
	socketID  string
	typ       Type
	version   string
	socket    Socket
	connectAt time.Time

	// primary is set for client/server; mapped holds every relay-proxy environment.
	primary *Connection
	mapped  []*Connection

	writeMu sync.Mutex

	closeOnce sync.Once
	closeMu   sync.RWMutex
	closedAt  time.Time
}

// NewContext builds the socket wrapper and its logical connections.
// Client and server sockets require exactly one secret of the same type;
// relay proxies require at least one. Duplicate environments collapse.
func NewContext(socketID string, typ Type, version string, socket Socket, secrets []Secret, now time.Time) (*Context, error) {
	if socket == nil {
		return nil, errors.New("socket cannot be nil")
	}
	if len(secrets) == 0 {
		return nil, fmt.Errorf("%w: no secret resolved", ErrInvalidSecret)
	}

	c := &Context{
		socketID:  socketID,
		typ:       typ,
		version:   version,
		socket:    socket,
		connectAt: now,
	}

	switch typ {
	case TypeClient, TypeServer:
		if len(secrets) != 1 {
			return nil, fmt.Errorf("%w: %s sdk expects one secret, got %d", ErrInvalidSecret, typ, len(secrets))
		}
		if err := secrets[0].Validate(); err != nil {
			return nil, err
		}
		if secrets[0].Type != typ {
			return nil, fmt.Errorf("%w: %s secret used by a %s sdk", ErrInvalidSecret, secrets[0].Type, typ)
		}
		c.primary = c.newConnection(secrets[0])

	case TypeRelayProxy:
		seen := make(map[string]struct{}, len(secrets))
		for _, s := range secrets {
			if err := s.Validate(); err != nil {
				return nil, err
			}
			if _, dup := seen[s.ConnectionID()]; dup {
				continue
			}
			seen[s.ConnectionID()] = struct{}{}
			c.mapped = append(c.mapped, c.newConnection(s))
		}

	default:
		return nil, fmt.Errorf("unknown connection type %q", typ)
	}

	return c, nil
}

func (c *Context) newConnection(s Secret) *Connection {
	return &Connection{
		id:        s.ConnectionID(),
		secret:    s,
		owner:     c,
		connectAt: c.connectAt,
	}
}

// SocketID returns the unique id of the physical socket.
func (c *Context) SocketID() string { return c.socketID }

// Type returns the SDK kind.
func (c *Context) Type() Type { return c.typ }

// Version returns the SDK protocol version announced in the handshake.
func (c *Context) Version() string { return c.version }

// ConnectAt returns when the socket was admitted.
func (c *Context) ConnectAt() time.Time { return c.connectAt }

// Connection returns the single logical connection of a client/server socket
// (nil for relay proxies).
func (c *Context) Connection() *Connection { return c.primary }

// MappedRpConnections returns the relay-proxy environment connections.
func (c *Context) MappedRpConnections() []*Connection { return c.mapped }

// Connections returns every logical connection carried by the socket.
func (c *Context) Connections() []*Connection {
	if c.primary != nil {
		return []*Connection{c.primary}
	}
	return c.mapped
}

// Send serializes writes so at most one writer touches the socket at a time.
func (c *Context) Send(ctx context.Context, payload []byte) error {
	if c.Closed() {
		return ErrClosed
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	return c.socket.Write(ctx, payload)
}

// Close sends a close frame once and records the close time.
func (c *Context) Close(code int, reason string, now time.Time) error {
	var err error
	c.closeOnce.Do(func() {
		c.closeMu.Lock()
		c.closedAt = now
		c.closeMu.Unlock()
		err = c.socket.Close(code, reason)
	})
	return err
}

// Closed reports whether Close was called.
func (c *Context) Closed() bool {
	return !c.ClosedAt().IsZero()
}

// ClosedAt returns the close time, or the zero time while open.
func (c *Context) ClosedAt() time.Time {
	c.closeMu.RLock()
	defer c.closeMu.RUnlock()
	return c.closedAt
}
