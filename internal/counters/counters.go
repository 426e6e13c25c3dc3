// Package counters holds hot-path atomic counters for the fetch, publish and
// session pipelines, with point-in-time snapshots for the admin API and the
// periodic log flush.
package counters

import "sync/atomic"

// Collector aggregates all process counters. Fields are updated with atomic
// operations; snapshot reads are racy by design and never block writers.
type Collector struct {
	// HTTP response classes
	http1xx         atomic.Int64
	http2xx         atomic.Int64
	http3xx         atomic.Int64
	http4xx         atomic.Int64
	http5xx         atomic.Int64
	http200         atomic.Int64
	http304         atomic.Int64
	httpMalformed   atomic.Int64
	retriesExceeded atomic.Int64
	clockPanic      atomic.Int64

	// Cycle triggers
	timerQueries      atomic.Int64
	manualQueries     atomic.Int64
	cyclesSkippedBusy atomic.Int64

	// Publish pipeline
	bulletinsParsed    atomic.Int64
	bulletinsUnchanged atomic.Int64
	rowsPublished      atomic.Int64
	rowsSkipped        atomic.Int64
	lockEncodeFailures atomic.Int64
	providerMsgsSent   atomic.Int64

	// Clock drift gauges, seconds
	httpdClockDrift atomic.Int64
	httpClockDrift  atomic.Int64
	psychClockDrift atomic.Int64

	sessions map[string]*SessionCounters
}

// SessionCounters tracks one publishing session. The fields are exported for
// direct atomic access from the session event path.
type SessionCounters struct {
	MsgsSent        atomic.Int64
	EventsReceived  atomic.Int64
	EventsDiscarded atomic.Int64
	LoginSent       atomic.Int64
	LoginSuccess    atomic.Int64
	LoginSuspect    atomic.Int64
	LoginClosed     atomic.Int64
	CmdErrors       atomic.Int64
	TokensGenerated atomic.Int64
	DirectorySent   atomic.Int64
}

// New creates a Collector with one SessionCounters per session name. The
// session set is fixed for the process lifetime.
func New(sessionNames []string) *Collector {
	c := &Collector{sessions: make(map[string]*SessionCounters, len(sessionNames))}
	for _, name := range sessionNames {
		c.sessions[name] = &SessionCounters{}
	}
	return c
}

// Session returns the counters for a session name, or nil if unknown.
func (c *Collector) Session(name string) *SessionCounters {
	return c.sessions[name]
}

// RecordHTTPStatus classifies one HTTP response by status class, with
// dedicated counters for 200 and 304.
func (c *Collector) RecordHTTPStatus(status int) {
	switch {
	case status >= 100 && status < 200:
		c.http1xx.Add(1)
	case status >= 200 && status < 300:
		c.http2xx.Add(1)
	case status >= 300 && status < 400:
		c.http3xx.Add(1)
	case status >= 400 && status < 500:
		c.http4xx.Add(1)
	case status >= 500 && status < 600:
		c.http5xx.Add(1)
	}
	if status == 200 {
		c.http200.Add(1)
	}
	if status == 304 {
		c.http304.Add(1)
	}
}

func (c *Collector) RecordMalformed()        { c.httpMalformed.Add(1) }
func (c *Collector) RecordRetriesExceeded()  { c.retriesExceeded.Add(1) }
func (c *Collector) RecordClockPanic()       { c.clockPanic.Add(1) }
func (c *Collector) RecordTimerQuery()       { c.timerQueries.Add(1) }
func (c *Collector) RecordManualQuery()      { c.manualQueries.Add(1) }
func (c *Collector) RecordCycleSkippedBusy() { c.cyclesSkippedBusy.Add(1) }

func (c *Collector) RecordBulletinParsed()        { c.bulletinsParsed.Add(1) }
func (c *Collector) RecordBulletinUnchanged()     { c.bulletinsUnchanged.Add(1) }
func (c *Collector) RecordRowsPublished(n int)    { c.rowsPublished.Add(int64(n)) }
func (c *Collector) RecordRowSkipped()            { c.rowsSkipped.Add(1) }
func (c *Collector) RecordLockEncodeFailure()     { c.lockEncodeFailures.Add(1) }
func (c *Collector) RecordProviderMsgsSent(n int) { c.providerMsgsSent.Add(int64(n)) }

// Clock drift gauges hold the most recent observation in whole seconds.
func (c *Collector) SetHTTPDClockDrift(seconds int64) { c.httpdClockDrift.Store(seconds) }
func (c *Collector) SetHTTPClockDrift(seconds int64)  { c.httpClockDrift.Store(seconds) }
func (c *Collector) SetPsychClockDrift(seconds int64) { c.psychClockDrift.Store(seconds) }

// Snapshot is a point-in-time copy of every counter, shaped for JSON.
type Snapshot struct {
	HTTP1xx         int64 `json:"http_1xx_received"`
	HTTP2xx         int64 `json:"http_2xx_received"`
	HTTP3xx         int64 `json:"http_3xx_received"`
	HTTP4xx         int64 `json:"http_4xx_received"`
	HTTP5xx         int64 `json:"http_5xx_received"`
	HTTP200         int64 `json:"http_200_received"`
	HTTP304         int64 `json:"http_304_received"`
	HTTPMalformed   int64 `json:"http_malformed"`
	RetriesExceeded int64 `json:"http_retries_exceeded"`
	ClockPanic      int64 `json:"http_clock_panic"`

	TimerQueries      int64 `json:"timer_query_received"`
	ManualQueries     int64 `json:"manual_query_received"`
	CyclesSkippedBusy int64 `json:"cycles_skipped_busy"`

	BulletinsParsed    int64 `json:"bulletins_parsed"`
	BulletinsUnchanged int64 `json:"bulletins_unchanged"`
	RowsPublished      int64 `json:"rows_published"`
	RowsSkipped        int64 `json:"rows_skipped"`
	LockEncodeFailures int64 `json:"lock_encode_failures"`
	ProviderMsgsSent   int64 `json:"provider_msgs_sent"`

	HTTPDClockDrift int64 `json:"httpd_clock_drift_seconds"`
	HTTPClockDrift  int64 `json:"http_clock_drift_seconds"`
	PsychClockDrift int64 `json:"psych_clock_drift_seconds"`

	Sessions map[string]SessionSnapshot `json:"sessions"`
}

// SessionSnapshot is a point-in-time copy of one session's counters.
type SessionSnapshot struct {
	MsgsSent        int64 `json:"msgs_sent"`
	EventsReceived  int64 `json:"events_received"`
	EventsDiscarded int64 `json:"events_discarded"`
	LoginSent       int64 `json:"login_sent"`
	LoginSuccess    int64 `json:"login_success"`
	LoginSuspect    int64 `json:"login_suspect"`
	LoginClosed     int64 `json:"login_closed"`
	CmdErrors       int64 `json:"cmd_errors"`
	TokensGenerated int64 `json:"tokens_generated"`
	DirectorySent   int64 `json:"directory_sent"`
}

// Snapshot returns a copy of all counters.
func (c *Collector) Snapshot() Snapshot {
	s := Snapshot{
		HTTP1xx:         c.http1xx.Load(),
		HTTP2xx:         c.http2xx.Load(),
		HTTP3xx:         c.http3xx.Load(),
		HTTP4xx:         c.http4xx.Load(),
		HTTP5xx:         c.http5xx.Load(),
		HTTP200:         c.http200.Load(),
		HTTP304:         c.http304.Load(),
		HTTPMalformed:   c.httpMalformed.Load(),
		RetriesExceeded: c.retriesExceeded.Load(),
		ClockPanic:      c.clockPanic.Load(),

		TimerQueries:      c.timerQueries.Load(),
		ManualQueries:     c.manualQueries.Load(),
		CyclesSkippedBusy: c.cyclesSkippedBusy.Load(),

		BulletinsParsed:    c.bulletinsParsed.Load(),
		BulletinsUnchanged: c.bulletinsUnchanged.Load(),
		RowsPublished:      c.rowsPublished.Load(),
		RowsSkipped:        c.rowsSkipped.Load(),
		LockEncodeFailures: c.lockEncodeFailures.Load(),
		ProviderMsgsSent:   c.providerMsgsSent.Load(),

		HTTPDClockDrift: c.httpdClockDrift.Load(),
		HTTPClockDrift:  c.httpClockDrift.Load(),
		PsychClockDrift: c.psychClockDrift.Load(),

		Sessions: make(map[string]SessionSnapshot, len(c.sessions)),
	}
	for name, sc := range c.sessions {
		s.Sessions[name] = SessionSnapshot{
			MsgsSent:        sc.MsgsSent.Load(),
			EventsReceived:  sc.EventsReceived.Load(),
			EventsDiscarded: sc.EventsDiscarded.Load(),
			LoginSent:       sc.LoginSent.Load(),
			LoginSuccess:    sc.LoginSuccess.Load(),
			LoginSuspect:    sc.LoginSuspect.Load(),
			LoginClosed:     sc.LoginClosed.Load(),
			CmdErrors:       sc.CmdErrors.Load(),
			TokensGenerated: sc.TokensGenerated.Load(),
			DirectorySent:   sc.DirectorySent.Load(),
		}
	}
	return s
}
