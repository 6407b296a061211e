// Package registry tracks which device identity is live on which connection.
//
// Entries are spread over a fixed number of shards keyed by FNV-1a of the
// identity, so unrelated devices never contend on one lock. A reverse index
// from connection handle to identity makes disconnect cleanup O(1).
//
// The registry stores handles only. It never closes or otherwise manages
// the connections they refer to.
package registry

import (
	"hash/fnv"
	"sort"
	"sync"
	"time"
)

const shardCount = 32

// Handle identifies a transport connection. It is opaque to the registry.
type Handle string

// Entry is a live registration.
type Entry struct {
	Identity   string    `json:"device_id"`
	Conn       Handle    `json:"connection_id"`
	LastSeenAt time.Time `json:"last_seen_at"`
}

type shard struct {
	mu      sync.RWMutex
	entries map[string]*Entry
}

// Registry is safe for concurrent use.
type Registry struct {
	shards [shardCount]*shard
	byConn sync.Map // Handle -> identity string
	now    func() time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// New creates an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{now: time.Now}
	for i := range r.shards {
		r.shards[i] = &shard{entries: make(map[string]*Entry)}
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) shardFor(identity string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(identity))
	return r.shards[h.Sum32()%shardCount]
}

// Register binds identity to conn, replacing any previous entry for the
// identity. It returns the handle that was displaced, if any. A connection
// that previously registered a different identity loses that entry.
func (r *Registry) Register(identity string, conn Handle) (Handle, bool) {
	s := r.shardFor(identity)

	s.mu.Lock()
	var displaced Handle
	prev, replaced := s.entries[identity]
	if replaced {
		displaced = prev.Conn
	}
	s.entries[identity] = &Entry{Identity: identity, Conn: conn, LastSeenAt: r.now()}
	s.mu.Unlock()

	if replaced && displaced != conn {
		r.byConn.CompareAndDelete(displaced, identity)
	}

	if old, loaded := r.byConn.Swap(conn, identity); loaded {
		if oldID := old.(string); oldID != identity {
			r.removeIf(oldID, conn)
		}
	}

	if replaced && displaced != conn {
		return displaced, true
	}
	return "", false
}

// Heartbeat refreshes LastSeenAt. It reports false, and creates nothing, if
// identity is not registered.
func (r *Registry) Heartbeat(identity string) bool {
	s := r.shardFor(identity)
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[identity]
	if !ok {
		return false
	}
	e.LastSeenAt = r.now()
	return true
}

// UnregisterByConnection removes the entry bound to conn, if any. Calling it
// for an unknown or already removed connection is a no-op.
func (r *Registry) UnregisterByConnection(conn Handle) (string, bool) {
	v, ok := r.byConn.LoadAndDelete(conn)
	if !ok {
		return "", false
	}
	identity := v.(string)
	if !r.removeIf(identity, conn) {
		return "", false
	}
	return identity, true
}

// removeIf deletes identity only while it is still bound to conn.
func (r *Registry) removeIf(identity string, conn Handle) bool {
	s := r.shardFor(identity)
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[identity]
	if !ok || e.Conn != conn {
		return false
	}
	delete(s.entries, identity)
	return true
}

// Lookup returns a copy of the entry for identity.
func (r *Registry) Lookup(identity string) (Entry, bool) {
	s := r.shardFor(identity)
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[identity]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Len returns the number of live entries.
func (r *Registry) Len() int {
	n := 0
	for _, s := range r.shards {
		s.mu.RLock()
		n += len(s.entries)
		s.mu.RUnlock()
	}
	return n
}

// Snapshot copies all entries sorted by identity. Shards are read one at a
// time, so the result is not a single atomic view.
func (r *Registry) Snapshot() []Entry {
	out := make([]Entry, 0, r.Len())
	for _, s := range r.shards {
		s.mu.RLock()
		for _, e := range s.entries {
			out = append(out, *e)
		}
		s.mu.RUnlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identity < out[j].Identity })
	return out
}
