package stream

import (
	"sync"
)

// Registry enforces at most one live Session per conversation key. Every
// registration gets a globally monotonic sequence number; removal is always
// guarded by that number so a slow finalizer can never evict the session
// that replaced it.
//
// The registry is owned by the relay instance and torn down with it; it is
// the only mutable structure shared across conversations.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry
	seq     uint64
}

type entry struct {
	sess *Session
	seq  uint64
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

// Start registers a new session for key, cancelling and evicting any session
// already registered there first. The returned sequence number must be used
// for the eventual Clear.
func (r *Registry) Start(key string, create func() *Session) (*Session, uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.entries[key]; ok {
		old.sess.Cancel()
		delete(r.entries, key)
	}
	r.seq++
	e := &entry{sess: create(), seq: r.seq}
	r.entries[key] = e
	return e.sess, e.seq
}

// Clear removes the entry for key only if its sequence number still matches
// seq. A mismatch means a newer session replaced this one while its owner
// was finalizing; the newer entry is left alone.
func (r *Registry) Clear(key string, seq uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[key]; ok && e.seq == seq {
		delete(r.entries, key)
	}
}

// Get returns the live session for key, if any.
func (r *Registry) Get(key string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[key]
	if !ok {
		return nil, false
	}
	return e.sess, true
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// CancelAll cancels every live session and empties the registry. Used on
// shutdown.
func (r *Registry) CancelAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, e := range r.entries {
		e.sess.Cancel()
		delete(r.entries, key)
	}
}
