// Package gateway serves the SDK streaming endpoint: it admits WebSockets,
// answers their data-sync and ping messages, and fans backplane patches out
// to the sockets of each environment.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/rafaeljc/heimdall-streaming/internal/backplane"
	"github.com/rafaeljc/heimdall-streaming/internal/config"
	"github.com/rafaeljc/heimdall-streaming/internal/connection"
	"github.com/rafaeljc/heimdall-streaming/internal/datasync"
	"github.com/rafaeljc/heimdall-streaming/internal/logger"
	"github.com/rafaeljc/heimdall-streaming/internal/observability"
	"github.com/rafaeljc/heimdall-streaming/internal/protocol"
	"github.com/rafaeljc/heimdall-streaming/internal/store"
	"github.com/rafaeljc/heimdall-streaming/internal/validation"
)

// closeConcurrency bounds the close handshakes running at once during shutdown.
const closeConcurrency = 64

// ErrDraining is reported by the health check once shutdown started.
var ErrDraining = errors.New("gateway is draining")

// ErrorResponse is the JSON body of non-WebSocket error responses.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Gateway owns the streaming endpoint and the connection registry.
type Gateway struct {
	cfg      *config.StreamingConfig
	secrets  store.SecretStore
	sync     *datasync.Service
	bridge   *backplane.Bridge
	registry *connection.Registry
	handlers handlerRegistry
	pool     *fanoutPool
	router   *chi.Mux
	logger   *slog.Logger

	active atomic.Int64

	// mu guards draining so that no session starts once Shutdown waits on sessions.
	mu       sync.Mutex
	draining bool
	sessions sync.WaitGroup
}

var _ observability.Checker = (*Gateway)(nil)

// NewGateway creates a Gateway. It panics if a dependency is missing.
func NewGateway(logger *slog.Logger, cfg *config.StreamingConfig, secrets store.SecretStore, syncSvc *datasync.Service, bridge *backplane.Bridge) *Gateway {
	validation.AssertNotNil(cfg, "streaming config")
	validation.AssertPresent(secrets, "secret store")
	validation.AssertNotNil(syncSvc, "data-sync service")
	validation.AssertNotNil(bridge, "backplane bridge")
	if logger == nil {
		logger = slog.Default()
	}

	g := &Gateway{
		cfg:      cfg,
		secrets:  secrets,
		sync:     syncSvc,
		bridge:   bridge,
		registry: connection.NewRegistry(),
		handlers: handlerRegistry{},
		logger:   logger.With("component", "gateway"),
	}

	g.handlers.register(protocol.MessageTypeDataSync, &dataSyncHandler{sync: syncSvc})
	g.handlers.register(protocol.MessageTypePing, HandlerFunc(pingHandler))

	g.pool = newFanoutPool(g.logger, cfg.FanoutWorkers, cfg.FanoutQueueSize, g.deliver)
	g.router = g.routes()

	return g
}

func (g *Gateway) routes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(g.logger))
	r.Use(middleware.Recoverer)

	r.Get(g.cfg.Path, g.handleStreaming)
	r.NotFound(g.notFound)

	return r
}

// Handler returns the HTTP handler serving the streaming endpoint.
func (g *Gateway) Handler() http.Handler {
	return g.router
}

// Registry exposes the connection registry.
func (g *Gateway) Registry() *connection.Registry {
	return g.registry
}

// Start launches the fan-out workers and subscribes to every environment channel.
func (g *Gateway) Start(ctx context.Context) error {
	// Deliveries keep running while Shutdown drains the queue.
	g.pool.Start(context.WithoutCancel(ctx))

	if err := g.bridge.Subscribe(ctx, backplane.EnvPattern, g.onEnvelope); err != nil {
		_ = g.pool.Stop(ctx)
		return err
	}

	g.logger.Info("streaming gateway started",
		slog.String("path", g.cfg.Path),
		slog.Int("max_connections", g.cfg.MaxConnections),
	)
	return nil
}

// Name implements observability.Checker.
func (g *Gateway) Name() string {
	return "gateway"
}

// Check implements observability.Checker. A draining gateway is not ready.
func (g *Gateway) Check(_ context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.draining {
		return ErrDraining
	}
	return nil
}

// handleStreaming admits one SDK socket and runs its session.
func (g *Gateway) handleStreaming(w http.ResponseWriter, r *http.Request) {
	if !isWebSocketRequest(r) {
		g.notFound(w, r)
		return
	}

	if limit := g.cfg.MaxConnections; limit > 0 {
		if g.active.Add(1) > int64(limit) {
			g.active.Add(-1)
			g.reject(w, r, "capacity", "ERR_CAPACITY", "too many connections")
			return
		}
	} else {
		g.active.Add(1)
	}
	defer g.active.Add(-1)

	g.mu.Lock()
	if g.draining {
		g.mu.Unlock()
		g.reject(w, r, "draining", "ERR_DRAINING", "server is shutting down")
		return
	}
	g.sessions.Add(1)
	g.mu.Unlock()
	defer g.sessions.Done()

	log := logger.FromContext(r.Context())

	conn, err := websocket.Accept(w, r, g.acceptOptions())
	if err != nil {
		observability.StreamingConnectionsRejected.WithLabelValues("upgrade_failed").Inc()
		log.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	// One extra byte past the cap so oversized messages surface as ErrTooManyFragments.
	conn.SetReadLimit(int64(g.cfg.MaxMessageSize()) + 2)

	c, err := g.admit(r, conn)
	if err != nil {
		if isInvalidRequest(err) {
			observability.StreamingConnectionsRejected.WithLabelValues("invalid_request").Inc()
			log.Warn("rejecting connection", slog.String("error", err.Error()))
			_ = conn.Close(StatusInvalidRequest, reasonInvalidRequest)
			return
		}
		observability.StreamingConnectionsRejected.WithLabelValues("unavailable").Inc()
		log.Error("failed to admit connection", slog.String("error", err.Error()))
		_ = conn.Close(websocket.StatusTryAgainLater, reasonUnavailable)
		return
	}

	ctx, log := logger.With(r.Context(),
		slog.String("socket_id", c.SocketID()),
		slog.String("type", string(c.Type())),
		slog.String("version", c.Version()),
	)

	if !g.register(c) {
		observability.StreamingConnectionsRejected.WithLabelValues("draining").Inc()
		log.Info("shutdown began during admission, closing socket")
		_ = conn.Close(websocket.StatusGoingAway, reasonShutdown)
		return
	}

	s := &session{
		gw:      g,
		conn:    conn,
		ctx:     c,
		logger:  log,
		maxSize: g.cfg.MaxMessageSize(),
	}
	s.run(ctx)
}

// admit validates the request and resolves its token into a connection context.
func (g *Gateway) admit(r *http.Request, conn *websocket.Conn) (*connection.Context, error) {
	req, err := parseConnectRequest(r)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(r.Context(), g.cfg.HandshakeTimeout)
	defer cancel()

	secrets, err := g.secrets.GetSecrets(ctx, req.Token)
	if err != nil {
		return nil, err
	}
	if !secretsMatch(req.Type, secrets) {
		return nil, errInvalidRequest
	}

	socket := &wsSocket{conn: conn, writeTimeout: g.cfg.WriteTimeout}
	return connection.NewContext(uuid.NewString(), req.Type, req.Version, socket, secrets, time.Now())
}

// isInvalidRequest separates requests the client must fix from store outages.
func isInvalidRequest(err error) bool {
	return errors.Is(err, errInvalidRequest) ||
		errors.Is(err, store.ErrSecretNotFound) ||
		errors.Is(err, connection.ErrInvalidSecret)
}

func (g *Gateway) acceptOptions() *websocket.AcceptOptions {
	if len(g.cfg.AllowedOrigins) == 0 {
		return &websocket.AcceptOptions{InsecureSkipVerify: true}
	}
	return &websocket.AcceptOptions{OriginPatterns: g.cfg.AllowedOrigins}
}

// register adds c unless Shutdown has started. Both happen under g.mu, so a
// socket is either in Shutdown's snapshot or refused here.
func (g *Gateway) register(c *connection.Context) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.draining {
		return false
	}
	g.registry.Add(c)
	observability.StreamingRegistryEntries.Set(float64(g.registry.Len()))
	return true
}

// unregister is idempotent: both the session and a failed delivery may call it.
func (g *Gateway) unregister(c *connection.Context) {
	g.registry.Remove(c)
	observability.StreamingRegistryEntries.Set(float64(g.registry.Len()))
}

func (g *Gateway) reject(w http.ResponseWriter, r *http.Request, reason, code, message string) {
	observability.StreamingConnectionsRejected.WithLabelValues(reason).Inc()
	render.Status(r, http.StatusServiceUnavailable)
	render.JSON(w, r, ErrorResponse{Code: code, Message: message})
}

func (g *Gateway) notFound(w http.ResponseWriter, r *http.Request) {
	render.Status(r, http.StatusNotFound)
	render.JSON(w, r, ErrorResponse{Code: "ERR_NOT_FOUND", Message: "resource not found"})
}

// Shutdown stops admitting sockets, closes every open one and waits for their
// sessions up to CloseTimeout. Sockets still registered after that are
// dropped from the registry.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	if g.draining {
		g.mu.Unlock()
		return nil
	}
	g.draining = true
	g.mu.Unlock()

	contexts := g.registry.Contexts()
	g.logger.Info("draining connections", slog.Int("sockets", len(contexts)))

	closeCtx, cancel := context.WithTimeout(ctx, g.cfg.CloseTimeout)
	defer cancel()

	g.closeAll(closeCtx, contexts)

	done := make(chan struct{})
	go func() {
		g.sessions.Wait()
		close(done)
	}()

	select {
	case <-done:
		g.logger.Info("all connections closed")
	case <-closeCtx.Done():
		dropped := g.registry.Clear()
		observability.StreamingRegistryEntries.Set(0)
		g.logger.Warn("close timeout elapsed, connections force-dropped", slog.Int("connections", dropped))
	}

	if err := g.bridge.Unsubscribe(ctx, backplane.EnvPattern); err != nil &&
		!errors.Is(err, backplane.ErrNotSubscribed) && !errors.Is(err, backplane.ErrTransportClosed) {
		g.logger.Warn("failed to unsubscribe from environment channels", slog.String("error", err.Error()))
	}

	return g.pool.Stop(ctx)
}

// closeAll sends a close frame to every socket with bounded concurrency.
func (g *Gateway) closeAll(ctx context.Context, contexts []*connection.Context) {
	sem := semaphore.NewWeighted(closeConcurrency)
	var wg sync.WaitGroup

	for _, c := range contexts {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)
			_ = c.Close(int(websocket.StatusGoingAway), reasonShutdown, time.Now())
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
	}
}
