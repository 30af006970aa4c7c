package runtime

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/fortiblox/x1-custody/internal/types"
)

// DefaultStatusCacheSize is the number of executed signatures kept in memory.
const DefaultStatusCacheSize = 1_000_000

// ErrAlreadyProcessed is returned for a transaction whose signature has
// already been executed, or is being executed right now.
var ErrAlreadyProcessed = errors.New("transaction has already been processed")

// StatusHistory answers for signatures executed before the runtime started,
// or evicted from its cache.
type StatusHistory interface {
	Has(signature types.Signature) bool
}

// statusCache records the signatures of executed transactions. A signature is
// reserved before its transaction runs, so a duplicate submitted concurrently
// is refused instead of waiting for the first to finish. Reservations of
// transactions that never ran (lock wait cancelled, commit failure) are
// dropped and may be retried.
type statusCache struct {
	mu       sync.Mutex
	executed map[types.Signature]struct{}
	inflight map[types.Signature]struct{}

	// ring holds executed signatures in insertion order for eviction.
	ring     []types.Signature
	next     int
	capacity int

	history StatusHistory
}

func newStatusCache(capacity int, history StatusHistory) *statusCache {
	if capacity <= 0 {
		capacity = DefaultStatusCacheSize
	}
	return &statusCache{
		executed: make(map[types.Signature]struct{}),
		inflight: make(map[types.Signature]struct{}),
		capacity: capacity,
		history:  history,
	}
}

// seenLocked reports whether sig was executed or is in flight.
func (c *statusCache) seenLocked(sig types.Signature) bool {
	if _, ok := c.executed[sig]; ok {
		return true
	}
	if _, ok := c.inflight[sig]; ok {
		return true
	}
	return c.history != nil && c.history.Has(sig)
}

// processed reports whether sig was executed or is in flight.
func (c *statusCache) processed(sig types.Signature) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seenLocked(sig)
}

// reserve claims sig for one execution.
func (c *statusCache) reserve(sig types.Signature) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.seenLocked(sig) {
		return ErrAlreadyProcessed
	}
	c.inflight[sig] = struct{}{}
	return nil
}

// finish ends a reservation. Executed signatures are remembered whether the
// transaction committed or failed.
func (c *statusCache) finish(sig types.Signature, executed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.inflight, sig)
	if !executed {
		return
	}

	if len(c.ring) < c.capacity {
		c.ring = append(c.ring, sig)
	} else {
		delete(c.executed, c.ring[c.next])
		c.ring[c.next] = sig
		c.next = (c.next + 1) % c.capacity
	}
	c.executed[sig] = struct{}{}
}

func (c *statusCache) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.executed)
}
