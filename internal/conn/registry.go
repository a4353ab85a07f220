// Package conn tracks logical client sessions multiplexed over one
// shared channel. Connections are created on the first frame from an
// unknown client id and evicted when idle past their timeout.
package conn

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Connection is a point-in-time snapshot of one logical client session.
type Connection struct {
	ID          string
	Created     time.Time
	LastActive  time.Time
	HoldsPermit bool
}

// entry is the registry's live record. lastActive is atomic so
// concurrent frames from the same client can touch it under the read
// lock; the remaining fields change only under the write lock.
type entry struct {
	id          string
	created     time.Time
	lastActive  atomic.Int64 // unix nanos
	holdsPermit bool
}

func (e *entry) snapshot() Connection {
	return Connection{
		ID:          e.id,
		Created:     e.created,
		LastActive:  time.Unix(0, e.lastActive.Load()),
		HoldsPermit: e.holdsPermit,
	}
}

// Registry owns all live connections. Read-mostly: lookups take the
// read lock, only create/evict/permit changes take the write lock.
type Registry struct {
	mu          sync.RWMutex
	conns       map[string]*entry
	idleTimeout time.Duration
	log         zerolog.Logger
	now         func() time.Time
}

// NewRegistry builds an empty registry with the given idle timeout.
func NewRegistry(idleTimeout time.Duration, log zerolog.Logger) *Registry {
	return &Registry{
		conns:       make(map[string]*entry),
		idleTimeout: idleTimeout,
		log:         log.With().Str("component", "conn").Logger(),
		now:         time.Now,
	}
}

// Touch records activity for id, creating the connection on first
// contact. Returns a copy of the connection and whether it was created.
func (r *Registry) Touch(id string) (Connection, bool) {
	now := r.now()

	r.mu.RLock()
	e, ok := r.conns[id]
	if ok {
		e.lastActive.Store(now.UnixNano())
		cp := e.snapshot()
		r.mu.RUnlock()
		return cp, false
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.conns[id]; ok {
		e.lastActive.Store(now.UnixNano())
		return e.snapshot(), false
	}
	e = &entry{id: id, created: now}
	e.lastActive.Store(now.UnixNano())
	r.conns[id] = e
	r.log.Debug().Str("conn_id", id).Msg("connection created")
	return e.snapshot(), true
}

// SetPermit flags whether the connection currently holds an admission
// permit, so eviction can release it.
func (r *Registry) SetPermit(id string, held bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.conns[id]; ok {
		e.holdsPermit = held
	}
}

// Close removes the connection explicitly. Returns the removed entry.
func (r *Registry) Close(id string) (Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.conns[id]
	if !ok {
		return Connection{}, false
	}
	delete(r.conns, id)
	return e.snapshot(), true
}

// Sweep evicts connections idle past the timeout and returns them so
// the caller can release any permits they held.
func (r *Registry) Sweep() []Connection {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	var evicted []Connection
	for id, e := range r.conns {
		idle := now.Sub(time.Unix(0, e.lastActive.Load()))
		if idle > r.idleTimeout {
			evicted = append(evicted, e.snapshot())
			delete(r.conns, id)
			r.log.Info().Str("conn_id", id).Dur("idle", idle).Msg("idle connection evicted")
		}
	}
	return evicted
}

// Count returns the number of live connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}
