// Package memstore provides an in-memory implementation of ingest.Store.
package memstore

import (
	"context"
	"sort"
	"sync"

	"github.com/linnemanlabs/locus/internal/location"
)

const (
	DefaultMaxPings      = 10_000
	DefaultMaxDeliveries = 10_000
)

// Store holds the most recent audit records in memory. Once a cap is reached
// the oldest record is evicted first. Suitable for dev/testing.
type Store struct {
	mu            sync.RWMutex
	maxPings      int
	maxDeliveries int

	pings     map[string]location.Ping // event ID -> ping
	pingOrder []string                 // event IDs, oldest first

	deliveries    map[string]location.Delivery // dispatch ID -> delivery
	deliveryOrder []string                     // dispatch IDs, oldest first
	byDevice      map[string][]string          // device ID -> dispatch IDs, oldest first
}

// Option configures a Store.
type Option func(*Store)

// WithMaxPings caps retained pings. Values below 1 keep the default.
func WithMaxPings(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxPings = n
		}
	}
}

// WithMaxDeliveries caps retained deliveries across all devices. Values below 1
// keep the default.
func WithMaxDeliveries(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxDeliveries = n
		}
	}
}

// New initializes a new in-memory Store.
func New(opts ...Option) *Store {
	s := &Store{
		maxPings:      DefaultMaxPings,
		maxDeliveries: DefaultMaxDeliveries,
		pings:         make(map[string]location.Ping),
		deliveries:    make(map[string]location.Delivery),
		byDevice:      make(map[string][]string),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// PersistPing stores a copy of the ping.
func (s *Store) PersistPing(_ context.Context, p *location.Ping) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pings[p.EventID]; !ok {
		s.pingOrder = append(s.pingOrder, p.EventID)
	}
	s.pings[p.EventID] = *p
	for len(s.pingOrder) > s.maxPings {
		delete(s.pings, s.pingOrder[0])
		s.pingOrder = s.pingOrder[1:]
	}
	return nil
}

// Ping returns a stored ping by event ID.
func (s *Store) Ping(eventID string) (location.Ping, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.pings[eventID]
	return p, ok
}

// Pings returns the number of retained pings.
func (s *Store) Pings() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.pings)
}

// RecordDelivery stores a copy of the delivery. Repeats of a dispatch ID are ignored.
func (s *Store) RecordDelivery(_ context.Context, d *location.Delivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.deliveries[d.DispatchID]; ok {
		return nil
	}
	s.deliveries[d.DispatchID] = *d
	s.deliveryOrder = append(s.deliveryOrder, d.DispatchID)
	s.byDevice[d.DeviceID] = append(s.byDevice[d.DeviceID], d.DispatchID)
	for len(s.deliveryOrder) > s.maxDeliveries {
		s.evictDelivery(s.deliveryOrder[0])
		s.deliveryOrder = s.deliveryOrder[1:]
	}
	return nil
}

// evictDelivery removes id, the globally oldest delivery, which is also the
// oldest of its device. Caller holds mu.
func (s *Store) evictDelivery(id string) {
	d, ok := s.deliveries[id]
	if !ok {
		return
	}
	delete(s.deliveries, id)
	ids := s.byDevice[d.DeviceID]
	if len(ids) > 0 && ids[0] == id {
		ids = ids[1:]
	}
	if len(ids) == 0 {
		delete(s.byDevice, d.DeviceID)
		return
	}
	s.byDevice[d.DeviceID] = ids
}

// Devices returns the number of devices with retained deliveries.
func (s *Store) Devices() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byDevice)
}

// ListDeliveries returns up to limit deliveries for deviceID, newest first.
func (s *Store) ListDeliveries(_ context.Context, deviceID string, limit int) ([]location.Delivery, error) {
	s.mu.RLock()
	ids := s.byDevice[deviceID]
	out := make([]location.Delivery, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.deliveries[id])
	}
	s.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].SentAt.After(out[j].SentAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
