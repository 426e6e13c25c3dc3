package counters

import (
	"log"
	"time"
)

// Manager periodically flushes a one-line counter summary to the log. It is
// purely observational; the collector keeps accumulating regardless.
type Manager struct {
	collector *Collector
	interval  time.Duration
	stopCh    chan struct{}
	doneCh    chan struct{}
}

// NewManager creates a manager flushing every interval.
func NewManager(collector *Collector, interval time.Duration) *Manager {
	return &Manager{
		collector: collector,
		interval:  interval,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Start launches the flush loop.
func (m *Manager) Start() {
	go m.run()
}

// Stop terminates the loop after one final flush.
func (m *Manager) Stop() {
	close(m.stopCh)
	<-m.doneCh
}

func (m *Manager) run() {
	defer close(m.doneCh)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			m.flush()
			return
		case <-ticker.C:
			m.flush()
		}
	}
}

func (m *Manager) flush() {
	s := m.collector.Snapshot()
	log.Printf("[counters] http 200=%d 304=%d 4xx=%d 5xx=%d malformed=%d retries_exceeded=%d clock_panic=%d"+
		" queries timer=%d manual=%d skipped_busy=%d bulletins parsed=%d unchanged=%d"+
		" rows published=%d skipped=%d lock_failures=%d msgs_sent=%d"+
		" drift httpd=%ds http=%ds psych=%ds",
		s.HTTP200, s.HTTP304, s.HTTP4xx, s.HTTP5xx, s.HTTPMalformed, s.RetriesExceeded, s.ClockPanic,
		s.TimerQueries, s.ManualQueries, s.CyclesSkippedBusy, s.BulletinsParsed, s.BulletinsUnchanged,
		s.RowsPublished, s.RowsSkipped, s.LockEncodeFailures, s.ProviderMsgsSent,
		s.HTTPDClockDrift, s.HTTPClockDrift, s.PsychClockDrift)
	for name, sc := range s.Sessions {
		log.Printf("[counters] session %s msgs_sent=%d events=%d discarded=%d login sent=%d ok=%d suspect=%d closed=%d cmd_errors=%d tokens=%d directory=%d",
			name, sc.MsgsSent, sc.EventsReceived, sc.EventsDiscarded,
			sc.LoginSent, sc.LoginSuccess, sc.LoginSuspect, sc.LoginClosed,
			sc.CmdErrors, sc.TokensGenerated, sc.DirectorySent)
	}
}
