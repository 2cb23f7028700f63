package locapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/locus/internal/ingest"
	"github.com/linnemanlabs/locus/internal/location"
)

const (
	msgProcessed = "Location event processed successfully"
	msgInvalid   = "Location event has invalid coordinates"
)

// eventRequest uses pointers so missing fields can be told apart from zero values.
type eventRequest struct {
	DeviceID *string    `json:"device_id"`
	Lat      *float64   `json:"lat"`
	Lon      *float64   `json:"lon"`
	Ts       *time.Time `json:"ts"`
}

func (r *eventRequest) event() (location.Event, string) {
	switch {
	case r.DeviceID == nil:
		return location.Event{}, "device_id is required"
	case r.Lat == nil:
		return location.Event{}, "lat is required"
	case r.Lon == nil:
		return location.Event{}, "lon is required"
	case r.Ts == nil:
		return location.Event{}, "ts is required"
	}
	return location.Event{DeviceID: *r.DeviceID, Lat: *r.Lat, Lon: *r.Lon, Timestamp: *r.Ts}, ""
}

type eventResponse struct {
	Success    bool   `json:"success"`
	Message    string `json:"message"`
	EventID    string `json:"event_id,omitempty"`
	Accepted   bool   `json:"accepted"`
	Dispatched bool   `json:"dispatched"`
	Cell       string `json:"cell,omitempty"`
	State      string `json:"state"`
}

func responseFor(res *ingest.Result, msg string) eventResponse {
	return eventResponse{
		Success:    res.Accepted && res.State != ingest.StateFailed,
		Message:    msg,
		EventID:    res.EventID,
		Accepted:   res.Accepted,
		Dispatched: res.Dispatched,
		Cell:       res.Cell.String(),
		State:      string(res.State),
	}
}

func (a *API) handleLocationEvent(w http.ResponseWriter, r *http.Request) {
	var req eventRequest
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	ev, problem := req.event()
	if problem != "" {
		writeError(w, http.StatusBadRequest, problem)
		return
	}

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.String("locus.device_id", ev.DeviceID))

	res, err := a.svc.Handle(r.Context(), ev)
	switch {
	case errors.Is(err, location.ErrInvalidEvent):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, location.ErrInvalidCoordinate) && res != nil:
		writeJSON(w, http.StatusUnprocessableEntity, responseFor(res, msgInvalid))
		return
	case err != nil:
		a.logger.Error(r.Context(), err, "failed to handle location event", "device_id", ev.DeviceID)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	span.SetAttributes(attribute.String("locus.state", string(res.State)))

	msg := msgProcessed
	if !res.Accepted {
		msg = a.msgDuplicate
	}
	writeJSON(w, http.StatusOK, responseFor(res, msg))
}
