// Package dedup suppresses near-duplicate location events per device.
//
// Two events from the same device whose event timestamps are within the dedup
// window of each other (inclusive, in either direction) are the same logical
// event: the first is accepted and later ones are rejected. Accepted events are
// kept for the retention horizon, measured from their wall-clock insertion.
package dedup

import (
	"context"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/locus/internal/location"
)

const (
	DefaultWindow        = 30 * time.Second
	DefaultRetention     = time.Hour
	DefaultSweepInterval = time.Minute
)

// Outcome is the result of CheckAndRecord. When Accepted is false,
// DuplicateOf is the recorded event that suppressed this one.
type Outcome struct {
	Accepted    bool
	DuplicateOf *location.Event
}

// Hooks receive dedup activity, typically for metrics.
type Hooks struct {
	OnOutcome func(accepted bool)
	OnPurge   func(n int)
	OnSweep   func(evicted, remaining int)
}

// Config tunes the deduplicator. Zero values take the defaults.
type Config struct {
	Window    time.Duration
	Retention time.Duration
	// Now is the wall clock used for insertion times; defaults to time.Now.
	Now func() time.Time
}

// Deduplicator implements the check-and-record algorithm over a WindowStore.
type Deduplicator struct {
	store     WindowStore
	window    time.Duration
	retention time.Duration
	now       func() time.Time
	logger    log.Logger
	hooks     Hooks
}

// New creates a Deduplicator over store.
func New(store WindowStore, cfg Config, logger log.Logger, hooks Hooks) *Deduplicator {
	if store == nil {
		store = NewMemStore()
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Deduplicator{
		store:     store,
		window:    cfg.Window,
		retention: cfg.Retention,
		now:       cfg.Now,
		logger:    logger,
		hooks:     hooks,
	}
}

// Window returns the configured dedup window.
func (d *Deduplicator) Window() time.Duration { return d.window }

// CheckAndRecord rejects ev if the device already has a live event within the
// window of ev's timestamp, without touching the window. Otherwise it records
// ev, purges entries past retention and accepts.
func (d *Deduplicator) CheckAndRecord(ctx context.Context, ev location.Event) (Outcome, error) {
	var out Outcome
	purged := 0
	err := d.store.Do(ctx, ev.DeviceID, func(w *Window) error {
		now := d.now()
		cutoff := now.Add(-d.retention)

		if dup, ok := w.nearest(ev.Timestamp, d.window, cutoff); ok {
			prev := dup.event
			out = Outcome{DuplicateOf: &prev}
			return nil
		}

		w.insert(ev, now)
		purged = w.purge(cutoff)
		out = Outcome{Accepted: true}
		return nil
	})
	if err != nil {
		return Outcome{}, err
	}

	if d.hooks.OnOutcome != nil {
		d.hooks.OnOutcome(out.Accepted)
	}
	if purged > 0 && d.hooks.OnPurge != nil {
		d.hooks.OnPurge(purged)
	}
	return out, nil
}

// Sweep evicts devices with no insert inside the retention horizon.
func (d *Deduplicator) Sweep() int {
	n := d.store.Sweep(d.now().Add(-d.retention))
	if d.hooks.OnSweep != nil {
		d.hooks.OnSweep(n, d.store.Len())
	}
	return n
}

// Devices returns the number of devices currently tracked.
func (d *Deduplicator) Devices() int { return d.store.Len() }

// Run sweeps idle devices every interval until ctx is done.
func (d *Deduplicator) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n := d.Sweep(); n > 0 {
				d.logger.Info(ctx, "evicted idle devices", "evicted", n, "tracked", d.store.Len())
			}
		case <-ctx.Done():
			return
		}
	}
}
