package engine

import (
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/psychfeed/psychfeed/internal/config"
	"github.com/psychfeed/psychfeed/internal/counters"
	"github.com/psychfeed/psychfeed/internal/fetch"
	"github.com/psychfeed/psychfeed/internal/journal"
	"github.com/psychfeed/psychfeed/internal/omm"
	"github.com/psychfeed/psychfeed/internal/provider"
	"github.com/psychfeed/psychfeed/internal/publish"
	"github.com/psychfeed/psychfeed/internal/testutil"
)

const testBody = "# MarketPsych Engine Version 3.2 | 2024-01-02 00:00:00 UTC - 2024-01-02 00:01:00 UTC\n" +
	"Sector\tBuzz\n" +
	"1679\t0.123456\n"

func serveBulletin(w http.ResponseWriter, body string) {
	w.Header().Set("Content-Type", "text/plain")
	w.Header().Set("Last-Modified", time.Now().UTC().Format(http.TimeFormat))
	w.Write([]byte(body))
}

type testPipeline struct {
	engine  *Engine
	wire    *testutil.StubWire
	coll    *counters.Collector
	feed    *config.FeedConfig
	journal *journal.Service
	repo    *journal.Repo
}

func newTestPipeline(t *testing.T, url string, mutate func(*config.FeedConfig)) *testPipeline {
	t.Helper()

	feed := &config.FeedConfig{
		ServiceName: "PSYCH",
		VendorName:  "psychfeed",
		Sessions: []config.SessionConfig{{
			SessionName:    "sess1",
			ConnectionName: "sess1-conn",
			PublisherName:  "psychfeed",
			Servers:        []string{"ads1.example.com"},
			DefaultPort:    14003,
			ApplicationID:  "256",
			UserName:       "feedsvc",
			Position:       "127.0.0.1/net",
		}},
		Resources: []config.Resource{{
			Name:            "mpsych-minutely",
			Source:          "MarketPsych",
			URL:             url,
			EntitlementCode: 42,
			Fields:          map[string]int32{"Buzz": 7001},
			Items:           map[string]config.Item{"1679": {RIC: "MP.1679", Topic: "psych/1679"}},
		}},
	}
	if mutate != nil {
		mutate(feed)
	}

	coll := counters.New([]string{"sess1"})
	wire := testutil.NewStubWire()
	events := omm.NewEventQueue("test-events", 32)
	prov, err := provider.New(provider.Config{
		ServiceName: feed.ServiceName,
		VendorName:  feed.VendorName,
		MonitorName: "psychfeed-monitor",
		Sessions:    feed.Sessions,
	}, wire, events, coll)
	if err != nil {
		t.Fatalf("provider.New: %v", err)
	}
	t.Cleanup(prov.Close)
	prov.HandleEvent(omm.Event{Type: omm.EventLoginStatus, SessionName: "sess1", Stream: omm.StreamOpen, Data: omm.DataOk})

	fetcher, err := fetch.New(fetch.Config{
		UserAgent:           "psychfeed-test",
		RetryCount:          1,
		RetryDelay:          10 * time.Millisecond,
		Timeout:             5 * time.Second,
		ConnectTimeout:      2 * time.Second,
		MinimumResponseSize: 16,
		MaximumResponseSize: 1 << 20,
	}, coll, nil)
	if err != nil {
		t.Fatalf("fetch.New: %v", err)
	}

	qv := publish.NewQueryVector(feed.Resources, prov)
	mapper := publish.NewMapper(qv, prov, coll, feed.ServiceName, feed.DACSID)

	repo := journal.NewRepo(t.TempDir(), 0, 0)
	if err := repo.Open(); err != nil {
		t.Fatalf("journal repo: %v", err)
	}
	svc := journal.NewService(repo, journal.ServiceOptions{FlushInterval: time.Hour})
	t.Cleanup(svc.Stop)

	eng, err := New(Config{Feed: feed, Fetcher: fetcher, Mapper: mapper, Counters: coll, Journal: svc})
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	return &testPipeline{engine: eng, wire: wire, coll: coll, feed: feed, journal: svc, repo: repo}
}

func TestTimerTick_PublishesEndToEnd(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		serveBulletin(w, testBody)
	}))
	defer srv.Close()

	p := newTestPipeline(t, srv.URL, nil)
	p.engine.TimerTick()

	h := p.wire.Handle("sess1")
	if h.RefreshCount() != 1 {
		t.Fatalf("refreshes: got %d, want 1", h.RefreshCount())
	}
	if h.RefreshAt(0).Msg.ItemName != "MP.1679" {
		t.Fatalf("item: %q", h.RefreshAt(0).Msg.ItemName)
	}
	snap := p.coll.Snapshot()
	if snap.TimerQueries != 1 || snap.BulletinsParsed != 1 || snap.RowsPublished != 1 {
		t.Fatalf("counters: timer=%d parsed=%d rows=%d",
			snap.TimerQueries, snap.BulletinsParsed, snap.RowsPublished)
	}
}

func TestRepublish_CountsManualAndPublishes(t *testing.T) {
	var sawIMS atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("If-Modified-Since") != "" {
			sawIMS.Store(true)
		}
		serveBulletin(w, testBody)
	}))
	defer srv.Close()

	p := newTestPipeline(t, srv.URL, nil)
	p.engine.TimerTick() // primes last filetime
	if err := p.engine.Republish(); err != nil {
		t.Fatalf("Republish: %v", err)
	}

	snap := p.coll.Snapshot()
	if snap.ManualQueries != 1 || snap.TimerQueries != 1 {
		t.Fatalf("counters: manual=%d timer=%d", snap.ManualQueries, snap.TimerQueries)
	}
	if p.wire.Handle("sess1").RefreshCount() != 2 {
		t.Fatalf("refreshes: got %d, want 2", p.wire.Handle("sess1").RefreshCount())
	}
	// Manual republish is unconditional even with a known filetime.
	if sawIMS.Load() {
		t.Fatalf("republish must not send If-Modified-Since")
	}
}

func TestCycleBusy_ConcurrentTriggerRejected(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{})
	var once sync.Once
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() { close(entered) })
		<-release
		serveBulletin(w, testBody)
	}))
	defer srv.Close()

	p := newTestPipeline(t, srv.URL, nil)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		p.engine.Republish()
	}()
	<-entered

	err := p.engine.Republish()
	var actionErr *ActionError
	if !errors.As(err, &actionErr) || actionErr.Code != "CYCLE_BUSY" {
		t.Fatalf("concurrent trigger: %v", err)
	}
	if !errors.Is(err, ErrCycleBusy) {
		t.Fatalf("must unwrap to ErrCycleBusy")
	}
	if p.coll.Snapshot().CyclesSkippedBusy != 1 {
		t.Fatalf("cycles_skipped_busy not counted")
	}

	close(release)
	wg.Wait()
	if p.engine.Busy() {
		t.Fatalf("busy flag must clear after the cycle")
	}
}

func TestTimerTick_304PublishesNothing(t *testing.T) {
	var first atomic.Bool
	first.Store(true)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if first.CompareAndSwap(true, false) {
			serveBulletin(w, testBody)
			return
		}
		w.WriteHeader(http.StatusNotModified)
	}))
	defer srv.Close()

	p := newTestPipeline(t, srv.URL, nil)
	p.engine.TimerTick()
	p.engine.TimerTick()

	if got := p.wire.Handle("sess1").RefreshCount(); got != 1 {
		t.Fatalf("refreshes: got %d, want 1", got)
	}
	if p.coll.Snapshot().HTTP304 != 1 {
		t.Fatalf("http_304_received not counted")
	}
}

func TestSuppressUnchanged_SkipsSecondPublish(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		serveBulletin(w, testBody)
	}))
	defer srv.Close()

	p := newTestPipeline(t, srv.URL, func(c *config.FeedConfig) { c.SuppressUnchanged = true })
	if err := p.engine.Republish(); err != nil {
		t.Fatalf("first republish: %v", err)
	}
	if err := p.engine.Republish(); err != nil {
		t.Fatalf("second republish: %v", err)
	}

	if got := p.wire.Handle("sess1").RefreshCount(); got != 1 {
		t.Fatalf("refreshes: got %d, want 1 (second must be suppressed)", got)
	}
	if p.coll.Snapshot().BulletinsUnchanged != 1 {
		t.Fatalf("bulletins_unchanged not counted")
	}
}

func TestCycle_JournalsOutcome(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		serveBulletin(w, testBody)
	}))
	defer srv.Close()

	p := newTestPipeline(t, srv.URL, nil)
	if err := p.engine.Republish(); err != nil {
		t.Fatalf("Republish: %v", err)
	}
	p.journal.Stop() // flush

	cycles, err := p.repo.ListCycles(journal.ListFilter{})
	if err != nil {
		t.Fatalf("ListCycles: %v", err)
	}
	if len(cycles) != 1 {
		t.Fatalf("cycles: got %d, want 1", len(cycles))
	}
	c := cycles[0]
	if c.Trigger != TriggerManual || c.Accepted != 1 || c.RowsPublished != 1 {
		t.Fatalf("cycle record: %+v", c)
	}
	if c.ID != p.engine.LastCycleID() {
		t.Fatalf("cycle id mismatch: %q vs %q", c.ID, p.engine.LastCycleID())
	}
}

func TestCycle_FetchFailureReported(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	p := newTestPipeline(t, srv.URL, nil)
	err := p.engine.Republish()
	var actionErr *ActionError
	if !errors.As(err, &actionErr) || actionErr.Code != "CYCLE_FAILED" {
		t.Fatalf("error: %v", err)
	}
	if p.wire.Handle("sess1").RefreshCount() != 0 {
		t.Fatalf("nothing must publish on fetch failure")
	}
}

func TestHardRepublish_ForcesFreshConnections(t *testing.T) {
	var conns atomic.Int64
	srv := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		serveBulletin(w, testBody)
	}))
	srv.Config.ConnState = func(c net.Conn, s http.ConnState) {
		if s == http.StateNew {
			conns.Add(1)
		}
	}
	srv.Start()
	defer srv.Close()

	p := newTestPipeline(t, srv.URL, nil)
	if err := p.engine.HardRepublish(); err != nil {
		t.Fatalf("first: %v", err)
	}
	if err := p.engine.HardRepublish(); err != nil {
		t.Fatalf("second: %v", err)
	}
	// Fresh transport per cycle: at least two distinct connections.
	if conns.Load() < 2 {
		t.Fatalf("connections: got %d, want >= 2", conns.Load())
	}
}
