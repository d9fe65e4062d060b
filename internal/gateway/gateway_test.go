package gateway_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rafaeljc/heimdall-streaming/internal/backplane"
	"github.com/rafaeljc/heimdall-streaming/internal/config"
	"github.com/rafaeljc/heimdall-streaming/internal/connection"
	"github.com/rafaeljc/heimdall-streaming/internal/datasync"
	"github.com/rafaeljc/heimdall-streaming/internal/gateway"
	"github.com/rafaeljc/heimdall-streaming/internal/logger"
	"github.com/rafaeljc/heimdall-streaming/internal/protocol"
	"github.com/rafaeljc/heimdall-streaming/internal/ruleengine"
	"github.com/rafaeljc/heimdall-streaming/internal/store"
	"github.com/rafaeljc/heimdall-streaming/internal/testsupport"
)

type fakeSecrets map[string][]connection.Secret

func (f fakeSecrets) GetSecrets(_ context.Context, token string) ([]connection.Secret, error) {
	s, ok := f[token]
	if !ok {
		return nil, store.ErrSecretNotFound
	}
	return s, nil
}

type fakeStore struct {
	mu    sync.Mutex
	flags map[string][]json.RawMessage
	byID  map[string]json.RawMessage
}

func (s *fakeStore) GetFlags(_ context.Context, envID string, _ int64) ([]json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flags[envID], nil
}

func (s *fakeStore) GetSegments(context.Context, string, int64) ([]json.RawMessage, error) {
	return []json.RawMessage{}, nil
}

func (s *fakeStore) GetFlagsByIDs(_ context.Context, ids []string) ([]json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []json.RawMessage{}
	for _, id := range ids {
		if doc, ok := s.byID[id]; ok {
			out = append(out, doc)
		}
	}
	return out, nil
}

const checkoutFlag = `{"id":"f-1","envId":"env-prod","key":"checkout","isEnabled":true,` +
	`"variations":[{"id":"on","value":"true"},{"id":"off","value":"false"}],` +
	`"defaultRule":{"distributions":[{"variationId":"on","percentage":1}]},"updatedAt":1700000000000}`

type testEnv struct {
	gw     *gateway.Gateway
	hub    *backplane.Bridge
	server *httptest.Server
	url    string
}

func testConfig() *config.StreamingConfig {
	return &config.StreamingConfig{
		Path:                "/streaming",
		BufferSize:          256,
		MaxMessageFragments: 2,
		HandshakeTimeout:    time.Second,
		WriteTimeout:        time.Second,
		CloseTimeout:        2 * time.Second,
		FanoutWorkers:       2,
		FanoutQueueSize:     16,
	}
}

func testSecrets() fakeSecrets {
	return fakeSecrets{
		"server-token": {{Type: connection.TypeServer, ProjectKey: "shop", EnvKey: "prod", EnvID: "env-prod"}},
		"client-token": {{Type: connection.TypeClient, ProjectKey: "shop", EnvKey: "prod", EnvID: "env-prod"}},
		"relay-token": {
			{Type: connection.TypeRelayProxy, ProjectKey: "shop", EnvKey: "prod", EnvID: "env-prod"},
			{Type: connection.TypeRelayProxy, ProjectKey: "shop", EnvKey: "dev", EnvID: "env-dev"},
		},
	}
}

// gatedSecrets holds every lookup until release is closed.
type gatedSecrets struct {
	store.SecretStore
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func newGatedSecrets() *gatedSecrets {
	return &gatedSecrets{
		SecretStore: testSecrets(),
		entered:     make(chan struct{}),
		release:     make(chan struct{}),
	}
}

func (g *gatedSecrets) GetSecrets(ctx context.Context, token string) ([]connection.Secret, error) {
	g.once.Do(func() { close(g.entered) })
	select {
	case <-g.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return g.SecretStore.GetSecrets(ctx, token)
}

func newTestEnv(t *testing.T, mutate ...func(*config.StreamingConfig)) *testEnv {
	t.Helper()
	return newTestEnvWithSecrets(t, testSecrets(), mutate...)
}

func newTestEnvWithSecrets(t *testing.T, secrets store.SecretStore, mutate ...func(*config.StreamingConfig)) *testEnv {
	t.Helper()

	cfg := testConfig()
	for _, m := range mutate {
		m(cfg)
	}

	st := &fakeStore{
		flags: map[string][]json.RawMessage{"env-prod": {json.RawMessage(checkoutFlag)}},
		byID:  map[string]json.RawMessage{"f-1": json.RawMessage(checkoutFlag)},
	}

	evaluator, err := ruleengine.New(logger.Discard())
	require.NoError(t, err)
	t.Cleanup(evaluator.Close)

	broker := backplane.NewMemoryBroker()
	edgeTransport := backplane.NewMemoryTransport(logger.Discard(), broker)
	hubTransport := backplane.NewMemoryTransport(logger.Discard(), broker)

	edge := backplane.NewBridge(logger.Discard(), edgeTransport, backplane.NewIdentity(backplane.ServiceEdge))
	hub := backplane.NewBridge(logger.Discard(), hubTransport, backplane.NewIdentity(backplane.ServiceHub))

	gw := gateway.NewGateway(logger.Discard(), cfg, secrets, datasync.NewService(logger.Discard(), st, evaluator), edge)
	require.NoError(t, gw.Start(context.Background()))

	server := httptest.NewServer(gw.Handler())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = gw.Shutdown(ctx)
		server.Close()
		_ = edgeTransport.Close()
		_ = hubTransport.Close()
	})

	return &testEnv{
		gw:     gw,
		hub:    hub,
		server: server,
		url:    "ws" + strings.TrimPrefix(server.URL, "http") + "/streaming",
	}
}

func (e *testEnv) dial(t *testing.T, query string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, e.url+"?"+query, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.CloseNow() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, frame string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte(frame)))
}

func read(t *testing.T, conn *websocket.Conn) (string, json.RawMessage) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, data, err := conn.Read(ctx)
	require.NoError(t, err)

	var msg protocol.Message
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg.MessageType, msg.Data
}

func closeStatus(t *testing.T, conn *websocket.Conn) websocket.StatusCode {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	for {
		_, _, err := conn.Read(ctx)
		if err != nil {
			return websocket.CloseStatus(err)
		}
	}
}

// roundTrip pings and waits for the pong, which proves the socket is registered.
func roundTrip(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	send(t, conn, `{"messageType":"ping","data":{}}`)
	typ, _ := read(t, conn)
	require.Equal(t, protocol.MessageTypePong, typ)
}

func TestGateway_HandshakeRejections(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	tests := []struct {
		name  string
		query string
	}{
		{"unknown token", "type=server&token=nope"},
		{"missing token", "type=server"},
		{"unknown type", "type=desktop&token=server-token"},
		{"client token used as server", "type=server&token=client-token"},
		{"relay token used as server", "type=server&token=relay-token"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			testsupport.AssertMetricDeltaAsync(t, "heimdall_streaming_connections_rejected_total",
				map[string]string{"reason": "invalid_request"}, 1, func() {
					conn := env.dial(t, tt.query)
					assert.Equal(t, gateway.StatusInvalidRequest, closeStatus(t, conn))
				})
		})
	}
}

func TestGateway_PingPong(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	conn := env.dial(t, "type=server&version=2&token=server-token")

	send(t, conn, `{"messageType":"PING","data":null}`)
	typ, _ := read(t, conn)
	assert.Equal(t, protocol.MessageTypePong, typ)
}

func TestGateway_ServerDataSync(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	conn := env.dial(t, "type=server&token=server-token")
	send(t, conn, `{"messageType":"data-sync","data":{"timestamp":0}}`)

	typ, data := read(t, conn)
	assert.Equal(t, protocol.MessageTypeDataSync, typ)

	var payload protocol.ServerPayload
	require.NoError(t, json.Unmarshal(data, &payload))
	assert.Equal(t, protocol.EventFull, payload.EventType)
	require.Len(t, payload.FeatureFlags, 1)
	assert.JSONEq(t, checkoutFlag, string(payload.FeatureFlags[0]))
}

func TestGateway_ClientDataSync(t *testing.T) {
	t.Parallel()

	t.Run("without a user the socket is rejected", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t)
		conn := env.dial(t, "type=client&token=client-token")

		send(t, conn, `{"messageType":"data-sync","data":{"timestamp":0}}`)
		assert.Equal(t, gateway.StatusInvalidRequest, closeStatus(t, conn))
	})

	t.Run("an invalid user is rejected", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t)
		conn := env.dial(t, "type=client&token=client-token")

		send(t, conn, `{"messageType":"data-sync","data":{"timestamp":0,"user":{"keyId":" "}}}`)
		assert.Equal(t, gateway.StatusInvalidRequest, closeStatus(t, conn))
	})

	t.Run("with a user flags are evaluated", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t)
		conn := env.dial(t, "type=client&token=client-token")

		send(t, conn, `{"messageType":"data-sync","data":{"timestamp":0,"user":{"keyId":"u-1","name":"Ada"}}}`)
		_, data := read(t, conn)

		var payload protocol.ClientPayload
		require.NoError(t, json.Unmarshal(data, &payload))
		assert.Equal(t, "u-1", payload.UserKeyID)
		require.Len(t, payload.FeatureFlags, 1)
		assert.Equal(t, "checkout", payload.FeatureFlags[0].ID)
		assert.Equal(t, "true", payload.FeatureFlags[0].Variation)
	})
}

func TestGateway_ProtocolErrorsKeepTheSocketOpen(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	conn := env.dial(t, "type=server&token=server-token")

	testsupport.AssertMetricDeltaAsync(t, "heimdall_streaming_protocol_errors_total",
		map[string]string{"reason": "unknown_type"}, 1, func() {
			send(t, conn, `{"messageType":"subscribe","data":{}}`)
			roundTrip(t, conn)
		})

	send(t, conn, `not json`)
	send(t, conn, `{"messageType":"data-sync","data":"nope"}`)
	roundTrip(t, conn)
}

func TestGateway_OversizedMessageIsAPolicyViolation(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	conn := env.dial(t, "type=server&token=server-token")

	// BufferSize 256 × 2 fragments.
	big := `{"messageType":"ping","data":"` + strings.Repeat("x", 600) + `"}`
	send(t, conn, big)

	assert.Equal(t, websocket.StatusPolicyViolation, closeStatus(t, conn))
	require.Eventually(t, func() bool { return env.gw.Registry().Len() == 0 }, time.Second, 10*time.Millisecond)
}

func TestGateway_PushFanOut(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	server := env.dial(t, "type=server&token=server-token")
	relay := env.dial(t, "type=relay-proxy&token=relay-token")
	client := env.dial(t, "type=client&token=client-token")
	anonymous := env.dial(t, "type=client&token=client-token")

	roundTrip(t, server)
	roundTrip(t, relay)
	roundTrip(t, anonymous)

	send(t, client, `{"messageType":"data-sync","data":{"timestamp":0,"user":{"keyId":"u-1"}}}`)
	_, _ = read(t, client)

	require.Equal(t, 5, env.gw.Registry().Len())

	patch, err := json.Marshal(protocol.ChangePatch{
		EventType: protocol.EventPatch,
		Flags:     []json.RawMessage{json.RawMessage(checkoutFlag)},
		Segments:  []json.RawMessage{},
	})
	require.NoError(t, err)

	require.NoError(t, env.hub.PublishPush(context.Background(), "env-prod", "c-1",
		protocol.Message{MessageType: protocol.MessageTypeDataSync, Data: patch}))

	_, data := read(t, server)
	var serverPayload protocol.ServerPayload
	require.NoError(t, json.Unmarshal(data, &serverPayload))
	assert.Equal(t, protocol.EventPatch, serverPayload.EventType)
	assert.Len(t, serverPayload.FeatureFlags, 1)

	_, data = read(t, relay)
	var relayPayload protocol.RelayProxyPayload
	require.NoError(t, json.Unmarshal(data, &relayPayload))
	require.Len(t, relayPayload.Payloads, 1)
	assert.Equal(t, "env-prod", relayPayload.Payloads[0].EnvID)

	_, data = read(t, client)
	var clientPayload protocol.ClientPayload
	require.NoError(t, json.Unmarshal(data, &clientPayload))
	assert.Equal(t, protocol.EventPatch, clientPayload.EventType)
	require.Len(t, clientPayload.FeatureFlags, 1)
	assert.Equal(t, "true", clientPayload.FeatureFlags[0].Variation)

	// The client without a user gets nothing; its next frame is the pong.
	roundTrip(t, anonymous)
}

func TestGateway_NonWebSocketRequestsFallThrough(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	resp, err := http.Get(env.server.URL + "/streaming?type=server&token=server-token")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "application/json")
}

func TestGateway_CapacityLimit(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, func(c *config.StreamingConfig) { c.MaxConnections = 1 })

	first := env.dial(t, "type=server&token=server-token")
	roundTrip(t, first)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, resp, err := websocket.Dial(ctx, env.url+"?type=server&token=server-token", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestGateway_Shutdown(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	conns := []*websocket.Conn{
		env.dial(t, "type=server&token=server-token"),
		env.dial(t, "type=relay-proxy&token=relay-token"),
	}
	for _, c := range conns {
		roundTrip(t, c)
	}
	require.NoError(t, env.gw.Check(context.Background()))

	statuses := make(chan websocket.StatusCode, len(conns))
	for _, c := range conns {
		go func() {
			_, _, err := c.Read(context.Background())
			statuses <- websocket.CloseStatus(err)
		}()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, env.gw.Shutdown(ctx))

	for range conns {
		select {
		case status := <-statuses:
			assert.Equal(t, websocket.StatusGoingAway, status)
		case <-time.After(3 * time.Second):
			t.Fatal("socket was not closed")
		}
	}

	assert.Zero(t, env.gw.Registry().Len())
	assert.ErrorIs(t, env.gw.Check(context.Background()), gateway.ErrDraining)

	// New sockets are refused while draining.
	_, resp, err := websocket.Dial(ctx, env.url+"?type=server&token=server-token", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestGateway_ShutdownDuringAdmission(t *testing.T) {
	t.Parallel()
	secrets := newGatedSecrets()
	env := newTestEnvWithSecrets(t, secrets, func(c *config.StreamingConfig) { c.HandshakeTimeout = 5 * time.Second })

	// The upgrade completes before the secret lookup, so the dial returns while admission is held.
	conn := env.dial(t, "type=server&token=server-token")
	select {
	case <-secrets.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("admission never reached the secret store")
	}

	shutdownErr := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		shutdownErr <- env.gw.Shutdown(ctx)
	}()

	require.Eventually(t, func() bool {
		return errors.Is(env.gw.Check(context.Background()), gateway.ErrDraining)
	}, 2*time.Second, 10*time.Millisecond)
	close(secrets.release)

	assert.Equal(t, websocket.StatusGoingAway, closeStatus(t, conn))

	select {
	case err := <-shutdownErr:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("shutdown did not return")
	}
	assert.Zero(t, env.gw.Registry().Len())
}
