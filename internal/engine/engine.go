// Package engine orchestrates publish cycles: it owns the per-resource
// connection state, enforces single-cycle exclusion, and drives
// fetch → parse → publish for timer ticks, manual triggers and the optional
// scheduled hard refresh.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/psychfeed/psychfeed/internal/bulletin"
	"github.com/psychfeed/psychfeed/internal/config"
	"github.com/psychfeed/psychfeed/internal/counters"
	"github.com/psychfeed/psychfeed/internal/fetch"
	"github.com/psychfeed/psychfeed/internal/journal"
	"github.com/psychfeed/psychfeed/internal/publish"
)

// ErrCycleBusy reports a trigger that arrived while another cycle held the
// exclusion flag.
var ErrCycleBusy = errors.New("engine: cycle busy")

// ActionError carries a machine-readable code for the admin API.
type ActionError struct {
	Code    string
	Message string
	err     error
}

func (e *ActionError) Error() string { return fmt.Sprintf("engine: %s: %s", e.Code, e.Message) }
func (e *ActionError) Unwrap() error { return e.err }

// Cycle triggers.
const (
	TriggerTimer  = "timer"
	TriggerManual = "manual"
	TriggerHard   = "hard"
	TriggerCron   = "cron"
)

// Config wires an Engine.
type Config struct {
	Feed     *config.FeedConfig
	Fetcher  *fetch.Fetcher
	Mapper   *publish.Mapper
	Counters *counters.Collector
	Journal  *journal.Service // optional
}

// Engine runs at most one cycle at a time.
type Engine struct {
	feed     *config.FeedConfig
	fetcher  *fetch.Fetcher
	mapper   *publish.Mapper
	counters *counters.Collector
	journal  *journal.Service

	conns []*fetch.Connection

	busy atomic.Bool
	cron *cron.Cron

	lastCycleID atomic.Value // string
}

// New builds the engine and registers the scheduled hard refresh when
// configured. Connection state (last accepted filetime per resource) lives
// here for the process lifetime and resets at restart.
func New(cfg Config) (*Engine, error) {
	e := &Engine{
		feed:     cfg.Feed,
		fetcher:  cfg.Fetcher,
		mapper:   cfg.Mapper,
		counters: cfg.Counters,
		journal:  cfg.Journal,
		conns:    fetch.NewConnections(cfg.Feed.Resources),
		cron:     cron.New(),
	}
	if cfg.Feed.HardRefreshSchedule != "" {
		if _, err := e.cron.AddFunc(cfg.Feed.HardRefreshSchedule, e.cronHardRefresh); err != nil {
			return nil, fmt.Errorf("engine: hard_refresh_schedule: %w", err)
		}
	}
	return e, nil
}

// StartCron starts the scheduled hard refresh loop, a no-op without a
// configured schedule.
func (e *Engine) StartCron() { e.cron.Start() }

// StopCron stops the cron loop and waits for a running job to return.
func (e *Engine) StopCron() { <-e.cron.Stop().Done() }

// Busy reports whether a cycle is currently running.
func (e *Engine) Busy() bool { return e.busy.Load() }

// LastCycleID returns the id of the most recently started cycle.
func (e *Engine) LastCycleID() string {
	if v := e.lastCycleID.Load(); v != nil {
		return v.(string)
	}
	return ""
}

// TimerTick is the scheduler entry point: a conditional fetch reusing pooled
// connections. A busy cycle is counted and skipped, never queued.
func (e *Engine) TimerTick() {
	e.counters.RecordTimerQuery()
	err := e.runCycle(TriggerTimer, fetch.FlagKeepalive|fetch.FlagIfModifiedSince)
	if errors.Is(err, ErrCycleBusy) {
		e.counters.RecordCycleSkippedBusy()
		log.Printf("[engine] timer tick skipped, cycle busy")
	}
}

// Republish runs an unconditional fetch over pooled connections. Busy yields
// an ActionError with code CYCLE_BUSY.
func (e *Engine) Republish() error {
	e.counters.RecordManualQuery()
	return e.actionError(e.runCycle(TriggerManual, fetch.FlagKeepalive))
}

// HardRepublish drops idle connections first, then runs an unconditional
// fetch on fresh connects.
func (e *Engine) HardRepublish() error {
	e.counters.RecordManualQuery()
	e.fetcher.CloseIdleConnections()
	return e.actionError(e.runCycle(TriggerHard, 0))
}

func (e *Engine) cronHardRefresh() {
	e.fetcher.CloseIdleConnections()
	if err := e.runCycle(TriggerCron, 0); errors.Is(err, ErrCycleBusy) {
		e.counters.RecordCycleSkippedBusy()
		log.Printf("[engine] scheduled hard refresh skipped, cycle busy")
	}
}

func (e *Engine) actionError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrCycleBusy) {
		e.counters.RecordCycleSkippedBusy()
		return &ActionError{Code: "CYCLE_BUSY", Message: "a publish cycle is already running", err: err}
	}
	return &ActionError{Code: "CYCLE_FAILED", Message: err.Error(), err: err}
}

// runCycle is the single cycle body. The busy flag is a try-lock: concurrent
// triggers fail fast instead of queueing.
func (e *Engine) runCycle(trigger string, flags fetch.Flags) error {
	if !e.busy.CompareAndSwap(false, true) {
		return ErrCycleBusy
	}
	defer e.busy.Store(false)

	id := uuid.NewString()
	e.lastCycleID.Store(id)
	started := time.Now()
	log.Printf("[engine] cycle %s (%s) started, %d resources", id, trigger, len(e.conns))

	rec := journal.CycleRecord{
		ID:        id,
		Trigger:   trigger,
		StartedAt: started.UnixNano(),
		Resources: len(e.conns),
	}
	var problems []string

	accepted, err := e.fetcher.Run(context.Background(), e.conns, flags)
	rec.Accepted = accepted
	if err != nil {
		problems = append(problems, fmt.Sprintf("fetch: %v", err))
	}

	for _, c := range e.conns {
		if !c.Accepted() {
			if c.Err != nil && !errors.Is(c.Err, fetch.ErrNotModified) {
				problems = append(problems, fmt.Sprintf("%s: %v", c.Resource.Name, c.Err))
			}
			continue
		}

		table, parseErr := bulletin.Parse(c.URL, c.Data)
		if parseErr != nil {
			e.counters.RecordMalformed()
			log.Printf("[engine] cycle %s: parse %s: %v", id, c.Resource.Name, parseErr)
			problems = append(problems, fmt.Sprintf("parse %s: %v", c.Resource.Name, parseErr))
			continue
		}
		e.counters.RecordBulletinParsed()
		e.counters.SetPsychClockDrift(int64(time.Since(table.CloseTime) / time.Second))

		unchanged := e.fetcher.Snapshots().Observe(c.URL, c.Filetime, c.Data)
		if unchanged && e.feed.SuppressUnchanged {
			e.counters.RecordBulletinUnchanged()
			log.Printf("[engine] cycle %s: %s unchanged, publish suppressed", id, c.Resource.Name)
			continue
		}

		res := e.mapper.PublishTable(c.Resource, table)
		rec.RowsPublished += res.RowsPublished
		rec.RowsSkipped += res.RowsSkipped
		rec.MsgsSent += res.MsgsSent
		rec.Publishes = append(rec.Publishes, journal.PublishRecord{
			Resource:      c.Resource.Name,
			RICs:          len(c.Resource.Items),
			EngineVersion: table.EngineVersion,
			CloseTime:     table.CloseTime.UnixNano(),
			RowsPublished: res.RowsPublished,
			MsgsSent:      res.MsgsSent,
		})
	}

	rec.FinishedAt = time.Now().UnixNano()
	rec.Error = strings.Join(problems, "; ")
	if e.journal != nil {
		e.journal.Record(rec)
	}
	log.Printf("[engine] cycle %s (%s) finished in %s: accepted=%d rows=%d skipped=%d msgs=%d",
		id, trigger, time.Since(started).Round(time.Millisecond), accepted,
		rec.RowsPublished, rec.RowsSkipped, rec.MsgsSent)

	if len(problems) > 0 {
		return fmt.Errorf("engine: cycle %s: %s", id, rec.Error)
	}
	return nil
}
