package trigger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/locus/internal/geo"
	"github.com/linnemanlabs/locus/internal/location"
)

// DefaultTarget is the condition that fires an offer unless configured otherwise.
const DefaultTarget Condition = "drizzle"

// DefaultLookupTimeout bounds each collaborator call.
const DefaultLookupTimeout = 2 * time.Second

// Condition is an environmental state tag such as "drizzle" or "clear".
type Condition string

// Reason explains a decision.
type Reason string

const (
	ReasonTriggered         Reason = "triggered"
	ReasonNotHighValue      Reason = "not_high_value"
	ReasonConditionMismatch Reason = "condition_mismatch"
	ReasonLookupUnavailable Reason = "lookup_unavailable"
)

// ZoneLookup classifies cells as affluence/value hotspots.
type ZoneLookup interface {
	IsHighValueZone(ctx context.Context, cell geo.Cell) (bool, error)
}

// ConditionLookup reports the current environmental condition for a cell.
type ConditionLookup interface {
	CurrentCondition(ctx context.Context, cell geo.Cell, at time.Time) (Condition, error)
}

// Decision is the classifier outcome for one event.
type Decision struct {
	Trigger   bool
	Reason    Reason
	DeviceID  string
	Cell      geo.Cell
	EventTime time.Time
	HighValue bool
	Condition Condition
	// Err is set when Reason is ReasonLookupUnavailable and wraps location.ErrLookupUnavailable.
	Err error
}

// Hooks receive classifier outcomes, typically for metrics.
type Hooks struct {
	OnDecision func(d *Decision)
	OnLookup   func(lookup string, dur time.Duration, err error)
}

// Classifier composes the zone and condition lookups.
type Classifier struct {
	zones      ZoneLookup
	conditions ConditionLookup
	target     Condition
	timeout    time.Duration
	logger     log.Logger
	hooks      Hooks
}

// NewClassifier creates a classifier firing on target. A zero timeout uses DefaultLookupTimeout.
func NewClassifier(zones ZoneLookup, conditions ConditionLookup, target Condition, timeout time.Duration, logger log.Logger, hooks Hooks) *Classifier {
	if logger == nil {
		logger = log.Nop()
	}
	if target == "" {
		target = DefaultTarget
	}
	if timeout <= 0 {
		timeout = DefaultLookupTimeout
	}
	return &Classifier{
		zones:      zones,
		conditions: conditions,
		target:     target,
		timeout:    timeout,
		logger:     logger,
		hooks:      hooks,
	}
}

// Target returns the condition tag that fires a trigger.
func (c *Classifier) Target() Condition { return c.target }

// Classify fires iff the cell is high value and the condition at `at` equals the target.
// Lookup failures never escape: they yield Trigger=false with ReasonLookupUnavailable.
func (c *Classifier) Classify(ctx context.Context, deviceID string, cell geo.Cell, at time.Time) Decision {
	d := Decision{DeviceID: deviceID, Cell: cell, EventTime: at}
	defer c.observe(&d)

	highValue, err := lookup(ctx, c, "zone", func(ctx context.Context) (bool, error) {
		return c.zones.IsHighValueZone(ctx, cell)
	})
	if err != nil {
		c.failClosed(ctx, &d, "zone", err)
		return d
	}
	d.HighValue = highValue
	if !highValue {
		d.Reason = ReasonNotHighValue
		return d
	}

	cond, err := lookup(ctx, c, "condition", func(ctx context.Context) (Condition, error) {
		return c.conditions.CurrentCondition(ctx, cell, at)
	})
	if err != nil {
		c.failClosed(ctx, &d, "condition", err)
		return d
	}
	d.Condition = cond
	if cond != c.target {
		d.Reason = ReasonConditionMismatch
		return d
	}

	d.Trigger = true
	d.Reason = ReasonTriggered
	return d
}

func (c *Classifier) failClosed(ctx context.Context, d *Decision, name string, err error) {
	d.Trigger = false
	d.Reason = ReasonLookupUnavailable
	if !errors.Is(err, location.ErrLookupUnavailable) {
		err = fmt.Errorf("%w: %s: %w", location.ErrLookupUnavailable, name, err)
	}
	d.Err = err
	c.logger.Warn(ctx, "trigger lookup unavailable, not triggering",
		"lookup", name,
		"cell", d.Cell.String(),
		"device_id", d.DeviceID,
		"error", err,
	)
}

func (c *Classifier) observe(d *Decision) {
	if c.hooks.OnDecision != nil {
		c.hooks.OnDecision(d)
	}
}

// lookup runs fn under the classifier timeout and recovers collaborator panics as errors.
func lookup[T any](ctx context.Context, c *Classifier, name string, fn func(context.Context) (T, error)) (v T, err error) {
	lctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("lookup panicked: %v", r)
		}
		if c.hooks.OnLookup != nil {
			c.hooks.OnLookup(name, time.Since(start), err)
		}
	}()

	v, err = fn(lctx)
	if err == nil && lctx.Err() != nil {
		// the collaborator ignored its deadline, don't trust the answer
		err = lctx.Err()
	}
	return v, err
}
