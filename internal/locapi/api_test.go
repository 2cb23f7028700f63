package locapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/locus/internal/geo"
	"github.com/linnemanlabs/locus/internal/ingest"
	"github.com/linnemanlabs/locus/internal/location"
)

// fakeService records events and answers with a canned result or error.
type fakeService struct {
	mu         sync.Mutex
	events     []location.Event
	result     *ingest.Result
	err        error
	deliveries []location.Delivery
	listErr    error
	lastLimit  int
}

func (f *fakeService) Handle(_ context.Context, ev location.Event) (*ingest.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	if f.result == nil && f.err == nil {
		return &ingest.Result{Accepted: true, EventID: "01TEST", Cell: "8928308280fffff", State: ingest.StateDone}, nil
	}
	return f.result, f.err
}

func (f *fakeService) Deliveries(_ context.Context, _ string, limit int) ([]location.Delivery, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastLimit = limit
	return f.deliveries, f.listErr
}

func newTestRouter(t *testing.T, svc *fakeService) chi.Router {
	t.Helper()
	r := chi.NewRouter()
	New(nil, svc).RegisterRoutes(r)
	return r
}

func postEvent(t *testing.T, r http.Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/events/loc", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decodeEvent(t *testing.T, w *httptest.ResponseRecorder) eventResponse {
	t.Helper()
	var resp eventResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp
}

const validBody = `{"device_id":"dev-1","lat":37.7749,"lon":-122.4194,"ts":"2026-10-15T12:00:00Z"}`

//  New / constructor

func TestNew_NilLogger(t *testing.T) {
	t.Parallel()

	api := New(nil, &fakeService{})
	if api.logger == nil {
		t.Fatal("New(nil, svc) left logger nil; expected Nop logger")
	}
}

func TestNew_WithLogger(t *testing.T) {
	t.Parallel()

	api := New(log.Nop(), &fakeService{})
	if api.logger == nil {
		t.Fatal("New(logger, svc) left logger nil")
	}
}

func TestNew_NilService_Panics(t *testing.T) {
	t.Parallel()

	defer func() {
		if r := recover(); r == nil {
			t.Fatal("New(nil, nil) did not panic")
		}
	}()
	New(nil, nil)
}

// Routing

func TestRegisterRoutes(t *testing.T) {
	t.Parallel()

	r := newTestRouter(t, &fakeService{})

	tests := []struct {
		name       string
		method     string
		path       string
		body       string
		wantStatus int
	}{
		{"POST event", http.MethodPost, "/api/v1/events/loc", validBody, http.StatusOK},
		{"GET event not allowed", http.MethodGet, "/api/v1/events/loc", "", http.StatusMethodNotAllowed},
		{"PUT event not allowed", http.MethodPut, "/api/v1/events/loc", validBody, http.StatusMethodNotAllowed},
		{"GET offers", http.MethodGet, "/api/v1/offers/dev-1", "", http.StatusOK},
		{"POST offers not allowed", http.MethodPost, "/api/v1/offers/dev-1", "", http.StatusMethodNotAllowed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			req := httptest.NewRequest(tt.method, tt.path, strings.NewReader(tt.body))
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			if w.Code != tt.wantStatus {
				t.Errorf("%s %s = %d, want %d", tt.method, tt.path, w.Code, tt.wantStatus)
			}
		})
	}
}

func TestRegisterRoutes_NotFound(t *testing.T) {
	t.Parallel()

	r := newTestRouter(t, &fakeService{})

	for _, path := range []string{"/", "/api/v1", "/api/v2/events/loc", "/api/v1/offers"} {
		t.Run(path, func(t *testing.T) {
			t.Parallel()
			req := httptest.NewRequest(http.MethodGet, path, nil)
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			if w.Code != http.StatusNotFound {
				t.Errorf("GET %s = %d, want 404", path, w.Code)
			}
		})
	}
}

// POST /events/loc

func TestHandleLocationEvent_Accepted(t *testing.T) {
	t.Parallel()

	svc := &fakeService{result: &ingest.Result{
		Accepted:   true,
		Dispatched: true,
		EventID:    "01HEVENT",
		Cell:       geo.Cell("8928308280fffff"),
		State:      ingest.StateDispatching,
	}}
	w := postEvent(t, newTestRouter(t, svc), validBody)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
	resp := decodeEvent(t, w)
	if !resp.Success || !resp.Accepted || !resp.Dispatched {
		t.Errorf("resp = %+v, want success accepted dispatched", resp)
	}
	if resp.EventID != "01HEVENT" || resp.Cell != "8928308280fffff" || resp.State != "dispatching" {
		t.Errorf("resp = %+v", resp)
	}
	if resp.Message != msgProcessed {
		t.Errorf("message = %q", resp.Message)
	}

	if len(svc.events) != 1 {
		t.Fatalf("service saw %d events, want 1", len(svc.events))
	}
	want := location.Event{
		DeviceID:  "dev-1",
		Lat:       37.7749,
		Lon:       -122.4194,
		Timestamp: time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC),
	}
	got := svc.events[0]
	if got.DeviceID != want.DeviceID || got.Lat != want.Lat || got.Lon != want.Lon || !got.Timestamp.Equal(want.Timestamp) {
		t.Errorf("event = %+v, want %+v", got, want)
	}
}

func TestHandleLocationEvent_Duplicate(t *testing.T) {
	t.Parallel()

	prior := location.Event{DeviceID: "dev-1", Timestamp: time.Now()}
	svc := &fakeService{result: &ingest.Result{State: ingest.StateRejected, DuplicateOf: &prior}}
	w := postEvent(t, newTestRouter(t, svc), validBody)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	resp := decodeEvent(t, w)
	if resp.Success || resp.Accepted || resp.Dispatched {
		t.Errorf("resp = %+v, want all false", resp)
	}
	if resp.Message != "Duplicate event detected within 30 seconds" {
		t.Errorf("message = %q", resp.Message)
	}
	if resp.State != "rejected" {
		t.Errorf("state = %q, want rejected", resp.State)
	}
}

func TestHandleLocationEvent_DuplicateQuotesConfiguredWindow(t *testing.T) {
	t.Parallel()

	svc := &fakeService{result: &ingest.Result{State: ingest.StateRejected}}
	r := chi.NewRouter()
	New(nil, svc, WithDedupWindow(10*time.Second)).RegisterRoutes(r)

	resp := decodeEvent(t, postEvent(t, r, validBody))
	if resp.Message != "Duplicate event detected within 10 seconds" {
		t.Errorf("message = %q", resp.Message)
	}
}

func TestDuplicateMessage(t *testing.T) {
	t.Parallel()

	tests := []struct {
		window time.Duration
		want   string
	}{
		{0, "Duplicate event detected within 30 seconds"},
		{30 * time.Second, "Duplicate event detected within 30 seconds"},
		{time.Second, "Duplicate event detected within 1 second"},
		{2 * time.Minute, "Duplicate event detected within 120 seconds"},
		{1500 * time.Millisecond, "Duplicate event detected within 1.5s"},
	}
	for _, tt := range tests {
		if got := duplicateMessage(tt.window); got != tt.want {
			t.Errorf("duplicateMessage(%v) = %q, want %q", tt.window, got, tt.want)
		}
	}
}

func TestHandleLocationEvent_InvalidCoordinate(t *testing.T) {
	t.Parallel()

	svc := &fakeService{
		result: &ingest.Result{Accepted: true, EventID: "01HBAD", State: ingest.StateFailed},
		err:    fmt.Errorf("index: %w", location.ErrInvalidCoordinate),
	}
	w := postEvent(t, newTestRouter(t, svc), `{"device_id":"dev-1","lat":95,"lon":0,"ts":"2026-10-15T12:00:00Z"}`)

	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", w.Code)
	}
	resp := decodeEvent(t, w)
	if resp.Success || !resp.Accepted || resp.State != "failed" {
		t.Errorf("resp = %+v", resp)
	}
}

func TestHandleLocationEvent_BadRequests(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		body string
	}{
		{"invalid json", `{not json`},
		{"empty body", ``},
		{"missing device_id", `{"lat":1,"lon":2,"ts":"2026-10-15T12:00:00Z"}`},
		{"missing lat", `{"device_id":"d","lon":2,"ts":"2026-10-15T12:00:00Z"}`},
		{"missing lon", `{"device_id":"d","lat":1,"ts":"2026-10-15T12:00:00Z"}`},
		{"missing ts", `{"device_id":"d","lat":1,"lon":2}`},
		{"bad ts", `{"device_id":"d","lat":1,"lon":2,"ts":"yesterday"}`},
		{"lat as string", `{"device_id":"d","lat":"1","lon":2,"ts":"2026-10-15T12:00:00Z"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			svc := &fakeService{}
			w := postEvent(t, newTestRouter(t, svc), tt.body)
			if w.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", w.Code)
			}
			if len(svc.events) != 0 {
				t.Errorf("service called %d times, want 0", len(svc.events))
			}
		})
	}
}

func TestHandleLocationEvent_InvalidEvent(t *testing.T) {
	t.Parallel()

	svc := &fakeService{err: fmt.Errorf("%w: device id is required", location.ErrInvalidEvent)}
	w := postEvent(t, newTestRouter(t, svc), `{"device_id":"  ","lat":1,"lon":2,"ts":"2026-10-15T12:00:00Z"}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestHandleLocationEvent_InternalError(t *testing.T) {
	t.Parallel()

	svc := &fakeService{err: errors.New("dedup: store unavailable")}
	w := postEvent(t, newTestRouter(t, svc), validBody)
	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.Code)
	}
	if strings.Contains(w.Body.String(), "store unavailable") {
		t.Error("internal error detail leaked into response")
	}
}

// GET /offers/{device_id}

func TestHandleGetOffers(t *testing.T) {
	t.Parallel()

	sent := time.Date(2026, 10, 15, 12, 0, 5, 0, time.UTC)
	svc := &fakeService{deliveries: []location.Delivery{
		{DispatchID: "01B", DeviceID: "dev-1", Cell: "8928308280fffff", Condition: "drizzle", EventTime: sent.Add(-5 * time.Second), SentAt: sent},
		{DispatchID: "01A", DeviceID: "dev-1", Cell: "8928308280fffff", Condition: "drizzle", EventTime: sent.Add(-time.Hour), SentAt: sent.Add(-time.Hour)},
	}}
	r := newTestRouter(t, svc)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/offers/dev-1?limit=10", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var resp offersResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.DeviceID != "dev-1" || resp.TotalCount != 2 || len(resp.Offers) != 2 {
		t.Fatalf("resp = %+v", resp)
	}
	if resp.Offers[0].ID != "01B" || resp.Offers[0].Condition != "drizzle" || !resp.Offers[0].SentAt.Equal(sent) {
		t.Errorf("first offer = %+v", resp.Offers[0])
	}
	if svc.lastLimit != 10 {
		t.Errorf("limit = %d, want 10", svc.lastLimit)
	}
}

func TestHandleGetOffers_EmptyIsArray(t *testing.T) {
	t.Parallel()

	r := newTestRouter(t, &fakeService{})
	req := httptest.NewRequest(http.MethodGet, "/api/v1/offers/nobody", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"offers":[]`) {
		t.Errorf("body = %s, want empty offers array", w.Body.String())
	}
}

func TestHandleGetOffers_BadLimit(t *testing.T) {
	t.Parallel()

	r := newTestRouter(t, &fakeService{})
	for _, q := range []string{"abc", "0", "-1", "501"} {
		t.Run(q, func(t *testing.T) {
			t.Parallel()
			req := httptest.NewRequest(http.MethodGet, "/api/v1/offers/dev-1?limit="+q, nil)
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			if w.Code != http.StatusBadRequest {
				t.Errorf("limit=%s status = %d, want 400", q, w.Code)
			}
		})
	}
}

func TestHandleGetOffers_StoreError(t *testing.T) {
	t.Parallel()

	r := newTestRouter(t, &fakeService{listErr: errors.New("db down")})
	req := httptest.NewRequest(http.MethodGet, "/api/v1/offers/dev-1", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.Code)
	}
}

func FuzzLocationIngestion(f *testing.F) {
	f.Add([]byte(validBody))
	f.Add([]byte(`{"device_id":"d","lat":-90,"lon":180,"ts":"1970-01-01T00:00:00Z"}`))
	f.Add([]byte(`{"device_id":null}`))
	f.Add([]byte(`[]`))
	f.Add([]byte(``))

	r := newTestRouterF(f)

	f.Fuzz(func(t *testing.T, body []byte) {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/events/loc", strings.NewReader(string(body)))
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		switch w.Code {
		case http.StatusOK, http.StatusBadRequest:
		default:
			t.Fatalf("unexpected status %d for body %q", w.Code, body)
		}
	})
}

func newTestRouterF(f *testing.F) chi.Router {
	f.Helper()
	r := chi.NewRouter()
	New(nil, &fakeService{}).RegisterRoutes(r)
	return r
}
