package locapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const maxOffersLimit = 500

type offer struct {
	ID        string    `json:"id"`
	Cell      string    `json:"h3_hex"`
	Condition string    `json:"condition"`
	EventTime time.Time `json:"event_ts"`
	SentAt    time.Time `json:"sent_at"`
}

type offersResponse struct {
	DeviceID   string  `json:"device_id"`
	Offers     []offer `json:"offers"`
	TotalCount int     `json:"total_count"`
}

func (a *API) handleGetOffers(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "device_id")

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.String("locus.device_id", deviceID))

	limit := 0
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 || n > maxOffersLimit {
			writeError(w, http.StatusBadRequest, "limit must be 1.."+strconv.Itoa(maxOffersLimit))
			return
		}
		limit = n
	}

	deliveries, err := a.svc.Deliveries(r.Context(), deviceID, limit)
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to list offers", "device_id", deviceID)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	resp := offersResponse{DeviceID: deviceID, Offers: make([]offer, 0, len(deliveries))}
	for _, d := range deliveries {
		resp.Offers = append(resp.Offers, offer{
			ID:        d.DispatchID,
			Cell:      d.Cell,
			Condition: d.Condition,
			EventTime: d.EventTime,
			SentAt:    d.SentAt,
		})
	}
	resp.TotalCount = len(resp.Offers)

	writeJSON(w, http.StatusOK, resp)
}
