package connection

import (
	"sync"
	"sync/atomic"
)

// Registry is the table of live logical connections, sharded by environment.
//
// Each environment has its own lock, so connect/disconnect traffic in one
// environment never blocks a broadcast snapshot of another. Readers receive
// copies and never observe a half-mutated shard.
type Registry struct {
	envs  sync.Map // envID -> *envShard
	count atomic.Int64
}

type envShard struct {
	mu    sync.RWMutex
	conns map[string]*Connection
	// retired shards were unlinked from the registry and must not accept new entries.
	retired bool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Add registers every logical connection of ctx and returns how many entries were added.
func (r *Registry) Add(ctx *Context) int {
	added := 0
	for _, conn := range ctx.Connections() {
		if r.put(conn) {
			added++
		}
	}
	return added
}

func (r *Registry) put(conn *Connection) bool {
	for {
		v, _ := r.envs.LoadOrStore(conn.EnvID(), &envShard{conns: make(map[string]*Connection)})
		shard := v.(*envShard)

		shard.mu.Lock()
		if shard.retired {
			// Lost a race with the last Remove of this env; retry on a fresh shard.
			shard.mu.Unlock()
			continue
		}
		_, exists := shard.conns[conn.Key()]
		shard.conns[conn.Key()] = conn
		shard.mu.Unlock()

		if !exists {
			r.count.Add(1)
		}
		return !exists
	}
}

// Remove unregisters every logical connection of ctx and returns how many entries were removed.
func (r *Registry) Remove(ctx *Context) int {
	removed := 0
	for _, conn := range ctx.Connections() {
		if r.drop(conn) {
			removed++
		}
	}
	return removed
}

func (r *Registry) drop(conn *Connection) bool {
	v, ok := r.envs.Load(conn.EnvID())
	if !ok {
		return false
	}
	shard := v.(*envShard)

	shard.mu.Lock()
	defer shard.mu.Unlock()

	// Only remove the exact entry this connection owns.
	if current, exists := shard.conns[conn.Key()]; !exists || current != conn {
		return false
	}
	delete(shard.conns, conn.Key())
	r.count.Add(-1)

	if len(shard.conns) == 0 {
		shard.retired = true
		r.envs.CompareAndDelete(conn.EnvID(), shard)
	}
	return true
}

// GetEnvConnections returns a snapshot of the connections of one environment.
func (r *Registry) GetEnvConnections(envID string) []*Connection {
	v, ok := r.envs.Load(envID)
	if !ok {
		return nil
	}
	shard := v.(*envShard)

	shard.mu.RLock()
	defer shard.mu.RUnlock()

	out := make([]*Connection, 0, len(shard.conns))
	for _, conn := range shard.conns {
		out = append(out, conn)
	}
	return out
}

// Len returns the number of logical entries.
func (r *Registry) Len() int {
	return int(r.count.Load())
}

// Contexts returns the distinct physical sockets currently registered.
func (r *Registry) Contexts() []*Context {
	seen := make(map[*Context]struct{})
	var out []*Context

	r.envs.Range(func(_, v any) bool {
		shard := v.(*envShard)
		shard.mu.RLock()
		for _, conn := range shard.conns {
			if _, dup := seen[conn.owner]; !dup {
				seen[conn.owner] = struct{}{}
				out = append(out, conn.owner)
			}
		}
		shard.mu.RUnlock()
		return true
	})
	return out
}

// Clear drops every entry and returns how many were removed.
func (r *Registry) Clear() int {
	cleared := 0
	r.envs.Range(func(key, v any) bool {
		shard := v.(*envShard)
		shard.mu.Lock()
		n := len(shard.conns)
		shard.conns = make(map[string]*Connection)
		shard.retired = true
		r.envs.CompareAndDelete(key, shard)
		shard.mu.Unlock()

		r.count.Add(-int64(n))
		cleared += n
		return true
	})
	return cleared
}
