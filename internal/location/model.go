// Package location holds the domain values shared by the ingestion pipeline:
// inbound location events, audit records, and the error taxonomy.
package location

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrInvalidEvent means the event is missing its device id or timestamp.
	ErrInvalidEvent = errors.New("invalid event")

	// ErrInvalidCoordinate means latitude or longitude is outside its valid range.
	ErrInvalidCoordinate = errors.New("invalid coordinate")

	// ErrLookupUnavailable means a trigger lookup (zone or condition) failed or timed out.
	ErrLookupUnavailable = errors.New("lookup unavailable")
)

// Event is a single location ping from a device.
type Event struct {
	DeviceID  string    `json:"device_id"`
	Lat       float64   `json:"lat"`
	Lon       float64   `json:"lon"`
	Timestamp time.Time `json:"ts"`
}

// Validate checks the fields that must be present before dedup can run.
// Coordinates are checked later by the indexer.
func (e Event) Validate() error {
	if strings.TrimSpace(e.DeviceID) == "" {
		return fmt.Errorf("%w: device id is required", ErrInvalidEvent)
	}
	if e.Timestamp.IsZero() {
		return fmt.Errorf("%w: timestamp is required", ErrInvalidEvent)
	}
	return nil
}

// Ping is the audit record of an accepted event.
type Ping struct {
	EventID    string    `json:"event_id"`
	DeviceID   string    `json:"device_id"`
	Lat        float64   `json:"lat"`
	Lon        float64   `json:"lon"`
	Cell       string    `json:"h3_hex"`
	Timestamp  time.Time `json:"ts"`
	ReceivedAt time.Time `json:"received_at"`
}

// Delivery records an offer handed to a sink for a device.
type Delivery struct {
	DispatchID string    `json:"id"`
	DeviceID   string    `json:"device_id"`
	Cell       string    `json:"h3_hex"`
	Condition  string    `json:"condition"`
	EventTime  time.Time `json:"event_ts"`
	SentAt     time.Time `json:"sent_at"`
}
