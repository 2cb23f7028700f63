package ingest

import (
	"context"

	"github.com/linnemanlabs/locus/internal/geo"
	"github.com/linnemanlabs/locus/internal/location"
	"github.com/linnemanlabs/locus/internal/trigger"
)

// State is a step of the per-event state machine:
//
//	received -> rejected
//	received -> accepted -> failed
//	received -> accepted -> classified -> done
//	received -> accepted -> classified -> dispatching
type State string

const (
	StateReceived    State = "received"
	StateRejected    State = "rejected"
	StateAccepted    State = "accepted"
	StateFailed      State = "failed"
	StateClassified  State = "classified"
	StateDone        State = "done"
	StateDispatching State = "dispatching"
)

// Terminal reports whether no further transition follows s.
func (s State) Terminal() bool {
	switch s {
	case StateRejected, StateFailed, StateDone, StateDispatching:
		return true
	default:
		return false
	}
}

// Result is the outcome of handling one event.
type Result struct {
	Accepted   bool
	Dispatched bool
	EventID    string
	DispatchID string
	Cell       geo.Cell
	State      State
	Reason     trigger.Reason
	// DuplicateOf is the recorded event that suppressed this one when rejected.
	DuplicateOf *location.Event
}

// Store is the audit persistence interface.
type Store interface {
	PersistPing(ctx context.Context, p *location.Ping) error
	// RecordDelivery is idempotent on DispatchID.
	RecordDelivery(ctx context.Context, d *location.Delivery) error
	// ListDeliveries returns the device's deliveries, newest first.
	ListDeliveries(ctx context.Context, deviceID string, limit int) ([]location.Delivery, error)
}
