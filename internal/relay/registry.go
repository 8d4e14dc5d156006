package relay

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/nglmercer/nwebhook/internal/metrics"
)

// ErrDuplicateID reports a Register call for an id that is already present.
// With ids coming from AllocateID this cannot happen; seeing it means a caller
// bypassed allocation, so it is treated as a programming error, not a
// recoverable condition.
var ErrDuplicateID = errors.New("duplicate connection id")

// Registry is the shared mapping from connection id to live connection. All map
// access goes through its mutex; the id counter is an independent atomic so
// allocation never contends with registration.
type Registry struct {
	mu     sync.Mutex
	conns  map[uint64]*Conn
	nextID atomic.Uint64
}

func NewRegistry() *Registry {
	return &Registry{
		conns: make(map[uint64]*Conn),
	}
}

// AllocateID returns a fresh, strictly increasing id. The first id is 1. Ids
// are never reused, even after the connection closes; gaps are fine.
func (r *Registry) AllocateID() uint64 {
	return r.nextID.Add(1)
}

// Register inserts the connection under its id. A duplicate id returns
// ErrDuplicateID and leaves the existing entry untouched.
func (r *Registry) Register(conn *Conn) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.conns[conn.ID()]; exists {
		return ErrDuplicateID
	}
	r.conns[conn.ID()] = conn
	metrics.RelayActiveConnections.Set(float64(len(r.conns)))
	return nil
}

// Unregister removes the entry if present and reports whether it was. Absent
// ids are a no-op: disconnect detection and slow-client eviction can race to
// remove the same connection.
func (r *Registry) Unregister(id uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.conns[id]; !exists {
		return false
	}
	delete(r.conns, id)
	metrics.RelayActiveConnections.Set(float64(len(r.conns)))
	return true
}

// Get returns the connection registered under id.
func (r *Registry) Get(id uint64) (*Conn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, exists := r.conns[id]
	return conn, exists
}

// Snapshot returns a point-in-time copy of all registered connections. Callers
// deliver against the copy, so the lock is never held across a channel send or
// network write.
func (r *Registry) Snapshot() []*Conn {
	r.mu.Lock()
	defer r.mu.Unlock()

	conns := make([]*Conn, 0, len(r.conns))
	for _, conn := range r.conns {
		conns = append(conns, conn)
	}
	return conns
}

// Len returns the number of registered connections.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}
