package registry

import (
	"sync"

	"github.com/cespare/xxhash/v2"
)

const shardCount = 64

type (
	// Session is a live, authenticated transport bound to one identity.
	Session interface {
		Identity() string
		// Send queues data for delivery. It must not block on the network.
		Send(data []byte) error
	}

	// Registry maps identities to their live session. Each identity hashes to
	// one shard, so bind/unbind for the same identity are serialized while
	// unrelated identities rarely share a lock.
	Registry struct {
		shards [shardCount]shard
	}

	shard struct {
		mu       sync.RWMutex
		sessions map[string]Session
	}
)

func New() *Registry {
	r := &Registry{}
	for i := range r.shards {
		r.shards[i].sessions = make(map[string]Session)
	}
	return r
}

func (r *Registry) shard(identity string) *shard {
	return &r.shards[xxhash.Sum64String(identity)%shardCount]
}

// Bind makes s the live session for identity and returns the session it
// replaced, if any. The replaced session is left open.
func (r *Registry) Bind(identity string, s Session) Session {
	sh := r.shard(identity)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	prev := sh.sessions[identity]
	sh.sessions[identity] = s
	if prev == s {
		return nil
	}
	return prev
}

func (r *Registry) Lookup(identity string) (Session, bool) {
	sh := r.shard(identity)
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	s, ok := sh.sessions[identity]
	return s, ok
}

// Unbind removes the mapping only while s is still the bound session, so a
// stale connection closing late cannot evict its replacement.
func (r *Registry) Unbind(identity string, s Session) bool {
	sh := r.shard(identity)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if cur, ok := sh.sessions[identity]; !ok || cur != s {
		return false
	}
	delete(sh.sessions, identity)
	return true
}

func (r *Registry) Len() int {
	n := 0
	for i := range r.shards {
		sh := &r.shards[i]
		sh.mu.RLock()
		n += len(sh.sessions)
		sh.mu.RUnlock()
	}
	return n
}
