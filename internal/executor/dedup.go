package executor

import (
	"sync"
	"time"
)

// Dedup rejects a signal id seen again within the TTL window. It is safe for
// concurrent use.
type Dedup struct {
	seen map[string]time.Time // signalID -> first accepted
	ttl  time.Duration
	now  func() time.Time
	mu   sync.Mutex
}

// NewDedup creates a Dedup with the given window.
func NewDedup(ttl time.Duration) *Dedup {
	return &Dedup{
		seen: make(map[string]time.Time),
		ttl:  ttl,
		now:  time.Now,
	}
}

// IsDuplicate reports whether signalID was accepted within the window. An
// unseen or expired id is recorded and false is returned.
func (d *Dedup) IsDuplicate(signalID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if at, ok := d.seen[signalID]; ok && now.Sub(at) < d.ttl {
		return true
	}
	d.seen[signalID] = now
	return false
}

// Forget removes a signal id so it can be submitted again, used when a signal
// was refused for a transient reason.
func (d *Dedup) Forget(signalID string) {
	d.mu.Lock()
	delete(d.seen, signalID)
	d.mu.Unlock()
}

// Cleanup removes expired entries. Call it periodically to bound memory.
func (d *Dedup) Cleanup() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	removed := 0
	for id, at := range d.seen {
		if now.Sub(at) >= d.ttl {
			delete(d.seen, id)
			removed++
		}
	}
	return removed
}
