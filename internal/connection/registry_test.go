package connection

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestContext(t *testing.T, socketID string, typ Type, secrets ...Secret) *Context {
	t.Helper()
	ctx, err := NewContext(socketID, typ, "", &recordingSocket{}, secrets, time.Now())
	require.NoError(t, err)
	return ctx
}

func TestRegistry_RelayProxyFanOut(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	rp := newTestContext(t, "rp-1", TypeRelayProxy,
		secret(TypeRelayProxy, "p", "a"),
		secret(TypeRelayProxy, "p", "b"),
		secret(TypeRelayProxy, "p", "c"),
	)

	assert.Equal(t, 3, r.Add(rp))
	assert.Equal(t, 3, r.Len())

	for _, env := range []string{"p-a-id", "p-b-id", "p-c-id"} {
		conns := r.GetEnvConnections(env)
		require.Len(t, conns, 1, env)
		assert.Same(t, rp, conns[0].Context(), "every entry shares the same socket")
	}

	assert.Equal(t, 3, r.Remove(rp))
	assert.Equal(t, 0, r.Len())
	assert.Empty(t, r.GetEnvConnections("p-a-id"))
}

func TestRegistry_SingleEntryPerClientOrServer(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	client := newTestContext(t, "c-1", TypeClient, secret(TypeClient, "p", "prod"))
	server := newTestContext(t, "s-1", TypeServer, secret(TypeServer, "p", "prod"))

	assert.Equal(t, 1, r.Add(client))
	assert.Equal(t, 1, r.Add(server))
	assert.Equal(t, 0, r.Add(client), "re-adding the same context is idempotent")

	assert.Len(t, r.GetEnvConnections("p-prod-id"), 2, "same logical id on different sockets are distinct entries")
	assert.Empty(t, r.GetEnvConnections("other"))

	assert.Equal(t, 1, r.Remove(client))
	assert.Equal(t, 0, r.Remove(client))
	assert.Len(t, r.GetEnvConnections("p-prod-id"), 1)
}

func TestRegistry_SnapshotIsDetached(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	a := newTestContext(t, "a", TypeServer, secret(TypeServer, "p", "e"))
	r.Add(a)

	snapshot := r.GetEnvConnections("p-e-id")
	r.Remove(a)

	assert.Len(t, snapshot, 1, "removal must not mutate a snapshot already handed out")
}

func TestRegistry_ContextsAndClear(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	rp := newTestContext(t, "rp", TypeRelayProxy, secret(TypeRelayProxy, "p", "a"), secret(TypeRelayProxy, "p", "b"))
	srv := newTestContext(t, "srv", TypeServer, secret(TypeServer, "p", "a"))
	r.Add(rp)
	r.Add(srv)

	assert.ElementsMatch(t, []*Context{rp, srv}, r.Contexts())

	assert.Equal(t, 3, r.Clear())
	assert.Equal(t, 0, r.Len())
	assert.Empty(t, r.Contexts())

	// The registry stays usable after a force clear.
	assert.Equal(t, 1, r.Add(srv))
	assert.Len(t, r.GetEnvConnections("p-a-id"), 1)
}

// TestRegistry_ConcurrentLifecycle exercises add/remove/broadcast reads across
// goroutines; run with -race.
func TestRegistry_ConcurrentLifecycle(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	const workers = 32
	const rounds = 200

	var wg sync.WaitGroup
	stop := make(chan struct{})

	// Broadcast readers
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
					for _, c := range r.GetEnvConnections("p-shared-id") {
						_ = c.Key()
					}
				}
			}
		}()
	}

	var lifecycle sync.WaitGroup
	for w := range workers {
		lifecycle.Add(1)
		go func() {
			defer lifecycle.Done()
			for i := range rounds {
				ctx := newTestContext(t, fmt.Sprintf("w%d-%d", w, i), TypeServer, secret(TypeServer, "p", "shared"))
				r.Add(ctx)
				r.Remove(ctx)
			}
		}()
	}

	lifecycle.Wait()
	close(stop)
	wg.Wait()

	assert.Equal(t, 0, r.Len(), "no orphaned entries")
	assert.Empty(t, r.GetEnvConnections("p-shared-id"))
}
