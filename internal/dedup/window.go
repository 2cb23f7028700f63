package dedup

import (
	"time"

	"github.com/google/btree"

	"github.com/linnemanlabs/locus/internal/location"
)

// entry is one recorded event. insertedAt is wall-clock time of the insert.
type entry struct {
	ts         time.Time
	event      location.Event
	insertedAt time.Time
}

func byTimestamp(a, b entry) bool { return a.ts.Before(b.ts) }

// Window holds one device's recently accepted events ordered by event timestamp.
// It is not safe for concurrent use; WindowStore serializes access per device.
type Window struct {
	entries *btree.BTreeG[entry]
	// order is the insertion sequence, oldest first, used to purge by insertion time.
	order  []entry
	newest time.Time
}

func newWindow() *Window {
	return &Window{entries: btree.NewG(16, byTimestamp)}
}

// Len returns the number of recorded events.
func (w *Window) Len() int { return w.entries.Len() }

// Events returns the recorded events in timestamp order.
func (w *Window) Events() []location.Event {
	out := make([]location.Event, 0, w.entries.Len())
	w.entries.Ascend(func(e entry) bool {
		out = append(out, e.event)
		return true
	})
	return out
}

// nearest returns a live entry with |ts - e.ts| <= span, if any. Entries
// inserted before liveAfter are past retention and ignored.
func (w *Window) nearest(ts time.Time, span time.Duration, liveAfter time.Time) (entry, bool) {
	var found entry
	var ok bool
	lo := entry{ts: ts.Add(-span)}
	hi := entry{ts: ts.Add(span).Add(time.Nanosecond)}
	w.entries.AscendRange(lo, hi, func(e entry) bool {
		if e.insertedAt.Before(liveAfter) {
			return true
		}
		found, ok = e, true
		return false
	})
	return found, ok
}

// insert records ev at wall-clock now. An existing entry with the same
// timestamp is replaced.
func (w *Window) insert(ev location.Event, now time.Time) {
	e := entry{ts: ev.Timestamp, event: ev, insertedAt: now}
	w.entries.ReplaceOrInsert(e)
	w.order = append(w.order, entry{ts: e.ts, insertedAt: now})
	if now.After(w.newest) {
		w.newest = now
	}
}

// purge drops entries inserted before cutoff and returns how many were removed.
func (w *Window) purge(cutoff time.Time) int {
	n := 0
	for len(w.order) > 0 && w.order[0].insertedAt.Before(cutoff) {
		q := w.order[0]
		w.order = w.order[1:]
		// the timestamp may have been overwritten by a later insert that is still live
		if cur, ok := w.entries.Get(entry{ts: q.ts}); ok && cur.insertedAt.Equal(q.insertedAt) {
			w.entries.Delete(cur)
			n++
		}
	}
	if len(w.order) == 0 {
		w.order = nil
	}
	return n
}

// idle reports whether every entry was inserted before cutoff.
func (w *Window) idle(cutoff time.Time) bool {
	return w.newest.Before(cutoff)
}
