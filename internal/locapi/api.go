// Package locapi is the HTTP transport for location events and delivered offers.
package locapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/locus/internal/dedup"
	"github.com/linnemanlabs/locus/internal/ingest"
	"github.com/linnemanlabs/locus/internal/location"
)

// EventService defines the business operations locapi needs.
type EventService interface {
	Handle(ctx context.Context, ev location.Event) (*ingest.Result, error)
	Deliveries(ctx context.Context, deviceID string, limit int) ([]location.Delivery, error)
}

// API holds dependencies for HTTP handlers.
type API struct {
	logger       log.Logger
	svc          EventService
	msgDuplicate string
}

// Option configures an API.
type Option func(*API)

// WithDedupWindow sets the window quoted in duplicate responses.
func WithDedupWindow(d time.Duration) Option {
	return func(a *API) { a.msgDuplicate = duplicateMessage(d) }
}

// New creates a new API handler.
func New(logger log.Logger, svc EventService, opts ...Option) *API {
	if logger == nil {
		logger = log.Nop()
	}
	if svc == nil {
		panic(xerrors.New("event service is required"))
	}
	a := &API{
		logger:       logger,
		svc:          svc,
		msgDuplicate: duplicateMessage(dedup.DefaultWindow),
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

func duplicateMessage(window time.Duration) string {
	if window <= 0 {
		window = dedup.DefaultWindow
	}
	if window < time.Second || window%time.Second != 0 {
		return fmt.Sprintf("Duplicate event detected within %s", window)
	}
	n := int64(window / time.Second)
	if n == 1 {
		return "Duplicate event detected within 1 second"
	}
	return fmt.Sprintf("Duplicate event detected within %d seconds", n)
}

// RegisterRoutes attaches API endpoints to the router.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/events/loc", a.handleLocationEvent)
		r.Get("/offers/{device_id}", a.handleGetOffers)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
