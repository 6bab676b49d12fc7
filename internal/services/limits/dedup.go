package limits

import (
	"sync"
	"time"

	"tinvest-stream/internal/models"
)

const dayLayout = "2006-01-02"

// Dedup remembers the day each alert key was last notified. Keys are
// updated independently; there is no lock over the whole set.
type Dedup struct {
	entries  sync.Map // models.AlertKey -> string day
	location *time.Location
}

func NewDedup(location *time.Location) *Dedup {
	if location == nil {
		location = time.UTC
	}
	return &Dedup{location: location}
}

// Day returns the exchange calendar day of t
func (d *Dedup) Day(t time.Time) string {
	return t.In(d.location).Format(dayLayout)
}

// Claim records key as notified on the day of at. It returns false when the
// key was already notified that day. Concurrent claims for the same key and
// day succeed exactly once.
func (d *Dedup) Claim(key models.AlertKey, at time.Time) bool {
	day := d.Day(at)
	for {
		prev, loaded := d.entries.LoadOrStore(key, day)
		if !loaded {
			return true
		}
		if prev.(string) == day {
			return false
		}
		if d.entries.CompareAndSwap(key, prev, day) {
			return true
		}
	}
}

// Sweep drops every entry not notified on the day of now and returns how
// many were removed
func (d *Dedup) Sweep(now time.Time) int {
	today := d.Day(now)
	removed := 0
	d.entries.Range(func(k, v any) bool {
		if v.(string) != today && d.entries.CompareAndDelete(k, v) {
			removed++
		}
		return true
	})
	return removed
}

// Len counts the tracked keys
func (d *Dedup) Len() int {
	n := 0
	d.entries.Range(func(any, any) bool {
		n++
		return true
	})
	return n
}

func (d *Dedup) Clear() {
	d.entries.Clear()
}

// NextMidnight returns the start of the exchange day following now
func (d *Dedup) NextMidnight(now time.Time) time.Time {
	local := now.In(d.location)
	y, m, day := local.Date()
	return time.Date(y, m, day+1, 0, 0, 0, 0, d.location)
}
