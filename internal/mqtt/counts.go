package mqtt

import (
	"sync"
	"time"
)

// DailyCounts tracks mirrored alerts per envelope type and resets at
// local midnight. It is safe for concurrent use.
type DailyCounts struct {
	mu       sync.Mutex
	byType   map[string]int64
	dropped  int64
	resetDay int // day-of-year of last reset
	loc      *time.Location
	now      func() time.Time
}

// NewDailyCounts creates a counter using the given timezone for
// midnight detection. If loc is nil, [time.Local] is used.
func NewDailyCounts(loc *time.Location) *DailyCounts {
	if loc == nil {
		loc = time.Local
	}
	d := &DailyCounts{
		byType: make(map[string]int64),
		loc:    loc,
		now:    time.Now,
	}
	d.resetDay = d.now().In(loc).YearDay()
	return d
}

// Record counts one mirrored alert of type typ.
func (d *DailyCounts) Record(typ string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.maybeReset()
	d.byType[typ]++
}

// Drop counts one alert suppressed by the rate limit.
func (d *DailyCounts) Drop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.maybeReset()
	d.dropped++
}

// Snapshot returns a copy of today's counts and the dropped total.
func (d *DailyCounts) Snapshot() (map[string]int64, int64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.maybeReset()
	out := make(map[string]int64, len(d.byType))
	for k, v := range d.byType {
		out[k] = v
	}
	return out, d.dropped
}

// maybeReset zeroes the counters if the local day-of-year has changed.
// Must be called with d.mu held.
func (d *DailyCounts) maybeReset() {
	today := d.now().In(d.loc).YearDay()
	if today != d.resetDay {
		d.byType = make(map[string]int64)
		d.dropped = 0
		d.resetDay = today
	}
}
