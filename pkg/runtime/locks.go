package runtime

import (
	"context"
	"sync"

	"github.com/fortiblox/x1-custody/internal/types"
)

// lockTable serialises transactions that touch the same accounts. Writable
// accounts are held exclusively, read-only accounts are shared. A transaction
// acquires its whole set at once or waits; it never holds a partial set, so
// two transactions cannot deadlock on each other.
type lockTable struct {
	mu      sync.Mutex
	writers map[types.Pubkey]struct{}
	readers map[types.Pubkey]int
	changed chan struct{}
}

func newLockTable() *lockTable {
	return &lockTable{
		writers: make(map[types.Pubkey]struct{}),
		readers: make(map[types.Pubkey]int),
		changed: make(chan struct{}),
	}
}

// accountLocks is a transaction's lock set.
type accountLocks struct {
	writable []types.Pubkey
	readonly []types.Pubkey
}

func messageLocks(m *Message) accountLocks {
	var l accountLocks
	for i, k := range m.AccountKeys {
		if m.IsWritable(i) {
			l.writable = append(l.writable, k)
		} else {
			l.readonly = append(l.readonly, k)
		}
	}
	return l
}

// acquire blocks until every lock in l is free, then takes them all.
func (t *lockTable) acquire(ctx context.Context, l accountLocks) error {
	for {
		t.mu.Lock()
		if t.free(l) {
			for _, k := range l.writable {
				t.writers[k] = struct{}{}
			}
			for _, k := range l.readonly {
				t.readers[k]++
			}
			t.mu.Unlock()
			return nil
		}
		wait := t.changed
		t.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wait:
		}
	}
}

func (t *lockTable) free(l accountLocks) bool {
	for _, k := range l.writable {
		if _, ok := t.writers[k]; ok {
			return false
		}
		if t.readers[k] > 0 {
			return false
		}
	}
	for _, k := range l.readonly {
		if _, ok := t.writers[k]; ok {
			return false
		}
	}
	return true
}

func (t *lockTable) release(l accountLocks) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, k := range l.writable {
		delete(t.writers, k)
	}
	for _, k := range l.readonly {
		if t.readers[k] <= 1 {
			delete(t.readers, k)
		} else {
			t.readers[k]--
		}
	}
	close(t.changed)
	t.changed = make(chan struct{})
}
