package dedup

import (
	"context"
	"sync"
	"time"

	cmap "github.com/orcaman/concurrent-map/v2"
)

// WindowStore owns the per-device windows. Do gives fn exclusive access to
// deviceID's window, creating it on first use, so check-then-record is atomic
// per device while different devices proceed in parallel.
type WindowStore interface {
	Do(ctx context.Context, deviceID string, fn func(w *Window) error) error
	// Sweep evicts devices whose newest insert predates cutoff and returns how many.
	Sweep(cutoff time.Time) int
	// Len returns the number of tracked devices.
	Len() int
}

type slot struct {
	mu      sync.Mutex
	w       *Window
	evicted bool
}

// MemStore is an in-process WindowStore backed by a sharded concurrent map
// with one mutex per device.
type MemStore struct {
	m cmap.ConcurrentMap[string, *slot]
}

// NewMemStore creates an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{m: cmap.New[*slot]()}
}

// Do implements WindowStore.
func (s *MemStore) Do(ctx context.Context, deviceID string, fn func(w *Window) error) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		sl := s.m.Upsert(deviceID, nil, func(exist bool, cur *slot, _ *slot) *slot {
			if exist {
				return cur
			}
			return &slot{w: newWindow()}
		})

		sl.mu.Lock()
		if sl.evicted {
			// lost a race with Sweep, the map now holds a fresh slot (or none)
			sl.mu.Unlock()
			continue
		}
		err := fn(sl.w)
		sl.mu.Unlock()
		return err
	}
}

// Sweep implements WindowStore. The shard lock is held while the slot is
// inspected, so a concurrent Do either sees the old slot before eviction or a
// new one after.
func (s *MemStore) Sweep(cutoff time.Time) int {
	n := 0
	for _, id := range s.m.Keys() {
		removed := s.m.RemoveCb(id, func(_ string, sl *slot, exists bool) bool {
			if !exists {
				return false
			}
			sl.mu.Lock()
			defer sl.mu.Unlock()
			if !sl.w.idle(cutoff) {
				return false
			}
			sl.evicted = true
			return true
		})
		if removed {
			n++
		}
	}
	return n
}

// Len implements WindowStore.
func (s *MemStore) Len() int { return s.m.Count() }
