// Package dispatch hands triggering events to offer sinks.
//
// Ingestion enqueues a Request without blocking; a fixed pool of workers
// drains the queue, suppresses repeats of the same (device, cell, time bucket)
// and delivers to each Sink with its own bounded retries. A full queue drops
// the request and logs it.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/linnemanlabs/go-core/log"
	"github.com/oklog/ulid/v2"
	cmap "github.com/orcaman/concurrent-map/v2"

	"github.com/linnemanlabs/locus/internal/geo"
	"github.com/linnemanlabs/locus/internal/location"
)

const (
	DefaultQueueSize    = 1024
	DefaultWorkers      = 4
	DefaultBucket       = time.Hour
	DefaultMaxTries     = 3
	DefaultRetryInitial = 200 * time.Millisecond
)

// Delivery results reported through Hooks.OnResult.
const (
	ResultSent      = "sent"
	ResultPartial   = "partial"
	ResultDuplicate = "duplicate"
	ResultFailed    = "failed"
)

// ErrStopped is returned by Start after Stop.
var ErrStopped = errors.New("dispatcher stopped")

// Request is one offer to deliver.
type Request struct {
	ID         string
	DeviceID   string
	Cell       geo.Cell
	Condition  string
	EventTime  time.Time
	EnqueuedAt time.Time
}

// NewRequest builds a Request with a fresh ULID.
func NewRequest(deviceID string, cell geo.Cell, condition string, eventTime time.Time) *Request {
	return &Request{
		ID:         ulid.Make().String(),
		DeviceID:   deviceID,
		Cell:       cell,
		Condition:  condition,
		EventTime:  eventTime,
		EnqueuedAt: time.Now(),
	}
}

// Sink delivers an offer. Returning an error wrapped with backoff.Permanent
// stops retries.
type Sink interface {
	Send(ctx context.Context, req *Request) error
}

// DeliveryRecorder persists delivered offers.
type DeliveryRecorder interface {
	RecordDelivery(ctx context.Context, d *location.Delivery) error
}

// Hooks receive dispatcher activity, typically for metrics.
type Hooks struct {
	OnEnqueue func(depth int)
	OnDrop    func()
	OnResult  func(result string, dur time.Duration)
}

// Config tunes the dispatcher. Zero values take the defaults.
type Config struct {
	QueueSize    int
	Workers      int
	Bucket       time.Duration
	MaxTries     uint
	RetryInitial time.Duration
	Now          func() time.Time
}

// Dispatcher is a bounded queue in front of a Sink.
type Dispatcher struct {
	sinks    []Sink
	recorder DeliveryRecorder
	cfg      Config
	logger   log.Logger
	hooks    Hooks

	queue chan *Request
	// seen maps an idempotence key to the start of its bucket
	seen cmap.ConcurrentMap[string, time.Time]

	mu      sync.RWMutex
	started bool
	stopped bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a Dispatcher. recorder may be nil. A nil or empty sink logs offers.
// A MultiSink is split into its members so a retry only resends to the
// members that have not succeeded yet.
func New(sink Sink, recorder DeliveryRecorder, cfg Config, logger log.Logger, hooks Hooks) *Dispatcher {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.Bucket <= 0 {
		cfg.Bucket = DefaultBucket
	}
	if cfg.MaxTries == 0 {
		cfg.MaxTries = DefaultMaxTries
	}
	if cfg.RetryInitial <= 0 {
		cfg.RetryInitial = DefaultRetryInitial
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if logger == nil {
		logger = log.Nop()
	}
	sinks := flatten(sink)
	if len(sinks) == 0 {
		sinks = []Sink{LogSink{Logger: logger}}
	}
	return &Dispatcher{
		sinks:    sinks,
		recorder: recorder,
		cfg:      cfg,
		logger:   logger,
		hooks:    hooks,
		queue:    make(chan *Request, cfg.QueueSize),
		seen:     cmap.New[time.Time](),
	}
}

// Dispatch enqueues req without blocking. It returns false when the request
// was dropped because the queue is full or the dispatcher is stopped.
func (d *Dispatcher) Dispatch(req *Request) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.stopped {
		d.drop(req, "dispatcher stopped")
		return false
	}
	select {
	case d.queue <- req:
		if d.hooks.OnEnqueue != nil {
			d.hooks.OnEnqueue(len(d.queue))
		}
		return true
	default:
		d.drop(req, "dispatch queue full")
		return false
	}
}

func (d *Dispatcher) drop(req *Request, why string) {
	d.logger.Warn(context.Background(), "dropping offer",
		"reason", why,
		"dispatch_id", req.ID,
		"device_id", req.DeviceID,
		"h3_hex", req.Cell.String(),
	)
	if d.hooks.OnDrop != nil {
		d.hooks.OnDrop()
	}
}

// Depth returns the number of queued requests.
func (d *Dispatcher) Depth() int { return len(d.queue) }

// Start launches the worker pool and the idempotence-key janitor. Workers
// keep running until Stop.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return ErrStopped
	}
	if d.started {
		return nil
	}
	d.started = true

	wctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	d.cancel = cancel

	d.wg.Add(d.cfg.Workers)
	for i := 0; i < d.cfg.Workers; i++ {
		go d.worker(wctx)
	}

	go d.janitor(wctx)
	return nil
}

// Stop closes the queue and waits for workers to drain it. If ctx expires
// first, in-flight deliveries are canceled and ctx's error is returned.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return nil
	}
	d.stopped = true
	close(d.queue)
	started := d.started
	d.mu.Unlock()

	if !started {
		return nil
	}

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		return fmt.Errorf("dispatch drain: %w", ctx.Err())
	}
}

func (d *Dispatcher) worker(ctx context.Context) {
	defer d.wg.Done()
	for req := range d.queue {
		d.deliver(ctx, req)
	}
}

func (d *Dispatcher) janitor(ctx context.Context) {
	interval := d.cfg.Bucket / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			d.Prune()
		case <-ctx.Done():
			return
		}
	}
}

// Prune forgets idempotence keys older than two buckets and returns how many.
func (d *Dispatcher) Prune() int {
	cutoff := d.cfg.Now().Add(-2 * d.cfg.Bucket)
	n := 0
	for _, k := range d.seen.Keys() {
		removed := d.seen.RemoveCb(k, func(_ string, bucket time.Time, exists bool) bool {
			return exists && bucket.Before(cutoff)
		})
		if removed {
			n++
		}
	}
	return n
}

func (d *Dispatcher) key(req *Request) (string, time.Time) {
	bucket := req.EventTime.Truncate(d.cfg.Bucket)
	return fmt.Sprintf("%s|%s|%d", req.DeviceID, req.Cell, bucket.Unix()), bucket
}

func (d *Dispatcher) deliver(ctx context.Context, req *Request) {
	start := time.Now()
	L := d.logger.With("dispatch_id", req.ID, "device_id", req.DeviceID, "h3_hex", req.Cell.String())

	key, bucket := d.key(req)
	if !d.seen.SetIfAbsent(key, bucket) {
		L.Info(ctx, "offer already delivered for bucket", "bucket", bucket)
		d.result(ResultDuplicate, start)
		return
	}

	sent, attempts := 0, 0
	var errs []error
	for _, sink := range d.sinks {
		n, err := d.send(ctx, sink, req)
		attempts += n
		if err != nil {
			errs = append(errs, err)
			continue
		}
		sent++
	}
	if sent == 0 {
		// let a later trigger in the same bucket try again
		d.seen.Remove(key)
		L.Error(ctx, errors.Join(errs...), "offer delivery failed", "attempts", attempts)
		d.result(ResultFailed, start)
		return
	}

	if d.recorder != nil {
		del := &location.Delivery{
			DispatchID: req.ID,
			DeviceID:   req.DeviceID,
			Cell:       req.Cell.String(),
			Condition:  req.Condition,
			EventTime:  req.EventTime,
			SentAt:     d.cfg.Now(),
		}
		if err := d.recorder.RecordDelivery(ctx, del); err != nil {
			L.Error(ctx, err, "failed to record delivery")
		}
	}

	if len(errs) > 0 {
		// the bucket stays claimed, the sinks that succeeded must not see it twice
		L.Error(ctx, errors.Join(errs...), "offer delivery partially failed",
			"sinks_ok", sent, "sinks_failed", len(errs), "attempts", attempts)
		d.result(ResultPartial, start)
		return
	}

	L.Info(ctx, "offer delivered", "attempts", attempts, "queue_wait", start.Sub(req.EnqueuedAt))
	d.result(ResultSent, start)
}

// send delivers req to one sink with bounded retries and returns the number
// of attempts made.
func (d *Dispatcher) send(ctx context.Context, sink Sink, req *Request) (int, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = d.cfg.RetryInitial

	attempts := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempts++
		return struct{}{}, sink.Send(ctx, req)
	},
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(d.cfg.MaxTries),
	)
	return attempts, err
}

func flatten(s Sink) []Sink {
	if s == nil {
		return nil
	}
	m, ok := s.(MultiSink)
	if !ok {
		return []Sink{s}
	}
	var out []Sink
	for _, member := range m {
		out = append(out, flatten(member)...)
	}
	return out
}

func (d *Dispatcher) result(r string, start time.Time) {
	if d.hooks.OnResult != nil {
		d.hooks.OnResult(r, time.Since(start))
	}
}
