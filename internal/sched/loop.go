package sched

import (
	"log"
	"time"
)

// Run fires fn on every aligned tick until stopCh is closed.
//
// The first due time comes from NextTick; afterwards the due time advances by
// exactly one interval per firing, so a cycle that overruns does not swallow
// the ticks it missed: the timer fires immediately for each one in turn.
// Firing more than tolerableDelay past the due time logs the drift.
func Run(stopCh <-chan struct{}, offset, interval, tolerableDelay time.Duration, fn func()) {
	if interval <= 0 {
		interval = time.Minute
	}

	timer := time.NewTimer(0)
	defer timer.Stop()
	<-timer.C // drain initial fire

	next := NextTick(time.Now(), offset, interval)
	log.Printf("[sched] first tick due %s, interval %s", next.Format(time.RFC3339), interval)

	for {
		timer.Reset(time.Until(next))
		select {
		case <-stopCh:
			return
		case <-timer.C:
		}
		if late := time.Since(next); late > tolerableDelay {
			log.Printf("[sched] tick %s fired %s late", next.Format(time.RFC3339), late.Round(time.Millisecond))
		}
		fn()
		next = next.Add(interval)
	}
}
