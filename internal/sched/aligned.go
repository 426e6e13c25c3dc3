// Package sched computes wall-clock-aligned publish ticks and runs the
// cycle loop until shutdown.
package sched

import "time"

// NextTick returns the first tick strictly after now on the grid anchored at
// reference time-of-day offset with the given interval.
//
// The reference point is today at offset (UTC), walked back whole days until
// at least one full interval separates it from now. The elapsed time since
// the reference is rounded down to a multiple of interval to find the close
// of the current bin; the next tick is one interval later. The result is
// always in (now, now+interval].
func NextTick(now time.Time, offset, interval time.Duration) time.Time {
	now = now.UTC()
	year, month, day := now.Date()
	ref := time.Date(year, month, day, 0, 0, 0, 0, time.UTC).Add(offset)
	for ref.Add(interval).After(now) {
		ref = ref.AddDate(0, 0, -1)
	}
	elapsed := now.Sub(ref)
	end := ref.Add(elapsed / interval * interval)
	return end.Add(interval)
}
