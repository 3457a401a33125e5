package store

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// recentWrites remembers project ids this store just mutated, so the
// change feed can tell our own writes from everyone else's and skip the
// resync for them.
type recentWrites struct {
	mu  sync.Mutex
	ttl time.Duration
	ids map[uuid.UUID]time.Time
}

func newRecentWrites(ttl time.Duration) *recentWrites {
	return &recentWrites{ttl: ttl, ids: make(map[uuid.UUID]time.Time)}
}

func (r *recentWrites) mark(id uuid.UUID) {
	r.mu.Lock()
	r.ids[id] = time.Now().Add(r.ttl)
	r.mu.Unlock()
}

// seen reports whether id was marked within the ttl, consuming expired
// entries as a side effect.
func (r *recentWrites) seen(id uuid.UUID) bool {
	now := time.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, deadline := range r.ids {
		if now.After(deadline) {
			delete(r.ids, k)
		}
	}
	_, ok := r.ids[id]
	return ok
}
