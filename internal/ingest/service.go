package ingest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"
	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/locus/internal/dedup"
	"github.com/linnemanlabs/locus/internal/dispatch"
	"github.com/linnemanlabs/locus/internal/geo"
	"github.com/linnemanlabs/locus/internal/location"
	"github.com/linnemanlabs/locus/internal/trigger"
)

const tracerName = "github.com/linnemanlabs/locus/internal/ingest"

// DefaultDeliveryLimit caps Deliveries when no limit is given.
const DefaultDeliveryLimit = 100

// Deduplicator decides whether an event is new.
type Deduplicator interface {
	CheckAndRecord(ctx context.Context, ev location.Event) (dedup.Outcome, error)
}

// Indexer maps coordinates to a cell.
type Indexer interface {
	CellFor(lat, lon float64) (geo.Cell, error)
}

// Classifier decides whether an accepted event triggers an offer.
type Classifier interface {
	Classify(ctx context.Context, deviceID string, cell geo.Cell, at time.Time) trigger.Decision
}

// Dispatcher accepts offers without blocking.
type Dispatcher interface {
	Dispatch(req *dispatch.Request) bool
}

// Hooks receive service activity, typically for metrics.
type Hooks struct {
	// OnHandled gets the terminal state, or "invalid" when validation failed.
	OnHandled func(state string, dur time.Duration)
	OnPersist func(err error)
}

// Service runs the ingestion pipeline for one event at a time per call.
// Calls are safe to make concurrently.
type Service struct {
	dedup      Deduplicator
	indexer    Indexer
	classifier Classifier
	dispatcher Dispatcher
	store      Store
	logger     log.Logger
	hooks      Hooks
	now        func() time.Time

	// pending tracks background ping writes
	pending sync.WaitGroup
}

// NewService wires the pipeline. store may be nil to skip auditing.
func NewService(d Deduplicator, idx Indexer, cls Classifier, disp Dispatcher, store Store, logger log.Logger, hooks Hooks) *Service {
	if d == nil || idx == nil || cls == nil || disp == nil {
		panic(xerrors.New("ingest: deduplicator, indexer, classifier and dispatcher are required"))
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Service{
		dedup:      d,
		indexer:    idx,
		classifier: cls,
		dispatcher: disp,
		store:      store,
		logger:     logger,
		hooks:      hooks,
		now:        time.Now,
	}
}

// Handle runs one event through dedup, indexing, classification and
// dispatch. Invalid events fail with location.ErrInvalidEvent before dedup.
// An accepted event with bad coordinates returns a failed Result together
// with location.ErrInvalidCoordinate; it stays recorded for dedup. Lookup
// failures never surface here, they resolve to no trigger.
func (s *Service) Handle(ctx context.Context, ev location.Event) (*Result, error) {
	start := time.Now()
	ctx, span := otel.Tracer(tracerName).Start(ctx, "ingest.Handle", trace.WithAttributes(
		attribute.String("locus.device_id", ev.DeviceID),
	))
	defer span.End()

	res, err := s.handle(ctx, ev)

	state := "invalid"
	if res != nil {
		state = string(res.State)
		span.SetAttributes(
			attribute.String("locus.state", state),
			attribute.Bool("locus.dispatched", res.Dispatched),
		)
		if res.Cell != "" {
			span.SetAttributes(attribute.String("locus.h3_hex", res.Cell.String()))
		}
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	if s.hooks.OnHandled != nil {
		s.hooks.OnHandled(state, time.Since(start))
	}
	return res, err
}

func (s *Service) handle(ctx context.Context, ev location.Event) (*Result, error) {
	if err := ev.Validate(); err != nil {
		return nil, err
	}
	ev.Timestamp = ev.Timestamp.UTC()

	out, err := s.dedup.CheckAndRecord(ctx, ev)
	if err != nil {
		return nil, fmt.Errorf("dedup: %w", err)
	}
	if !out.Accepted {
		return &Result{State: StateRejected, DuplicateOf: out.DuplicateOf}, nil
	}

	res := &Result{
		Accepted: true,
		EventID:  ulid.Make().String(),
		State:    StateAccepted,
	}
	L := s.logger.With("event_id", res.EventID, "device_id", ev.DeviceID)

	cell, err := s.indexer.CellFor(ev.Lat, ev.Lon)
	if err != nil {
		res.State = StateFailed
		L.Warn(ctx, "accepted event has invalid coordinates", "lat", ev.Lat, "lon", ev.Lon, "error", err)
		return res, err
	}
	res.Cell = cell

	s.persistPing(ctx, &location.Ping{
		EventID:    res.EventID,
		DeviceID:   ev.DeviceID,
		Lat:        ev.Lat,
		Lon:        ev.Lon,
		Cell:       cell.String(),
		Timestamp:  ev.Timestamp,
		ReceivedAt: s.now().UTC(),
	})

	d := s.classifier.Classify(ctx, ev.DeviceID, cell, ev.Timestamp)
	res.State = StateClassified
	res.Reason = d.Reason

	if !d.Trigger {
		res.State = StateDone
		return res, nil
	}

	req := dispatch.NewRequest(ev.DeviceID, cell, string(d.Condition), ev.Timestamp)
	res.State = StateDispatching
	if !s.dispatcher.Dispatch(req) {
		L.Warn(ctx, "offer dispatch dropped", "dispatch_id", req.ID)
	}
	res.Dispatched = true
	res.DispatchID = req.ID
	return res, nil
}

// persistPing writes p in the background. Failures are logged and never
// affect the event's outcome.
func (s *Service) persistPing(ctx context.Context, p *location.Ping) {
	if s.store == nil {
		return
	}
	s.pending.Add(1)
	go func(ctx context.Context) {
		defer s.pending.Done()
		err := s.store.PersistPing(ctx, p)
		if err != nil {
			s.logger.Error(ctx, err, "failed to persist ping", "event_id", p.EventID, "device_id", p.DeviceID)
		}
		if s.hooks.OnPersist != nil {
			s.hooks.OnPersist(err)
		}
	}(context.WithoutCancel(ctx))
}

// Deliveries returns offers delivered to deviceID, newest first.
func (s *Service) Deliveries(ctx context.Context, deviceID string, limit int) ([]location.Delivery, error) {
	if s.store == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = DefaultDeliveryLimit
	}
	return s.store.ListDeliveries(ctx, deviceID, limit)
}

// Close waits for background ping writes or ctx to end.
func (s *Service) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.pending.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("ingest: waiting for pending writes: %w", ctx.Err())
	}
}
