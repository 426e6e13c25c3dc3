package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/psychfeed/psychfeed/internal/api"
	"github.com/psychfeed/psychfeed/internal/buildinfo"
	"github.com/psychfeed/psychfeed/internal/config"
	"github.com/psychfeed/psychfeed/internal/counters"
	"github.com/psychfeed/psychfeed/internal/diag"
	"github.com/psychfeed/psychfeed/internal/egress"
	"github.com/psychfeed/psychfeed/internal/engine"
	"github.com/psychfeed/psychfeed/internal/fetch"
	"github.com/psychfeed/psychfeed/internal/journal"
	"github.com/psychfeed/psychfeed/internal/omm"
	"github.com/psychfeed/psychfeed/internal/omm/jsonwire"
	"github.com/psychfeed/psychfeed/internal/provider"
	"github.com/psychfeed/psychfeed/internal/publish"
	"github.com/psychfeed/psychfeed/internal/sched"
)

type feedApp struct {
	envCfg  *config.EnvConfig
	feedCfg *config.FeedConfig

	journalRepo *journal.Repo
	journalSvc  *journal.Service
	egress      *egress.Egress
	events      *omm.EventQueue
	coll        *counters.Collector
	countersMgr *counters.Manager
	provider    *provider.Provider
	fetcher     *fetch.Fetcher
	engine      *engine.Engine
	diag        *diag.Runner
	apiSrv      *api.Server

	pumpDone  chan struct{}
	schedStop chan struct{}
	schedDone chan struct{}
}

func run() error {
	envCfg, err := config.LoadEnvConfig()
	if err != nil {
		return err
	}
	if config.IsWeakToken(envCfg.AdminToken) {
		log.Printf("[main] warning: PSYCH_ADMIN_TOKEN is weak, consider a stronger value")
	}

	feedCfg, err := config.LoadFeedConfig(envCfg.ConfigFile)
	if err != nil {
		return err
	}
	log.Printf("[main] psychfeed %s starting: service %s, %d sessions, %d resources, interval %s",
		buildinfo.Version, feedCfg.ServiceName, len(feedCfg.Sessions), len(feedCfg.Resources), feedCfg.Interval.Std())

	app, err := newFeedApp(envCfg, feedCfg)
	if err != nil {
		return err
	}

	serverErrCh := app.startServers()
	app.startScheduler()
	runtimeErr := waitForShutdown(serverErrCh)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	app.shutdown(ctx)

	if runtimeErr != nil {
		return fmt.Errorf("runtime server error: %w", runtimeErr)
	}
	return nil
}

func newFeedApp(envCfg *config.EnvConfig, feedCfg *config.FeedConfig) (*feedApp, error) {
	app := &feedApp{
		envCfg:    envCfg,
		feedCfg:   feedCfg,
		pumpDone:  make(chan struct{}),
		schedStop: make(chan struct{}),
		schedDone: make(chan struct{}),
	}

	// Journal (best-effort telemetry, opened first so cycles can record).
	app.journalRepo = journal.NewRepo(
		filepath.Join(envCfg.StateDir, "journal"),
		int64(envCfg.JournalDBMaxMB)<<20,
		envCfg.JournalDBRetainCount,
	)
	if err := app.journalRepo.Open(); err != nil {
		return nil, err
	}
	app.journalSvc = journal.NewService(app.journalRepo, journal.ServiceOptions{
		QueueSize:     envCfg.JournalQueueSize,
		FlushInterval: envCfg.JournalQueueFlushInterval,
		BatchSize:     envCfg.JournalQueueFlushBatchSize,
	})
	log.Println("[main] journal ready")

	// Optional egress outbound; nil dialer means direct.
	eg, err := egress.NewSingbox(feedCfg.Egress)
	if err != nil {
		app.journalSvc.Stop()
		return nil, err
	}
	app.egress = eg

	// Wire and event queue.
	wire := jsonwire.New(jsonwire.Options{
		Dial:           eg.DialContext(),
		ConnectTimeout: feedCfg.ConnectTimeout.Std(),
	})
	if err := wire.VerifyVersion(); err != nil {
		app.closeEarly()
		return nil, err
	}
	app.events = omm.NewEventQueue(feedCfg.EventQueueName, 1024)

	sessionNames := make([]string, len(feedCfg.Sessions))
	for i, s := range feedCfg.Sessions {
		sessionNames[i] = s.SessionName
	}
	app.coll = counters.New(sessionNames)

	// Provider logs in every session on creation.
	prov, err := provider.New(provider.Config{
		ServiceName: feedCfg.ServiceName,
		VendorName:  feedCfg.VendorName,
		MonitorName: feedCfg.MonitorName,
		Sessions:    feedCfg.Sessions,
	}, wire, app.events, app.coll)
	if err != nil {
		app.closeEarly()
		return nil, err
	}
	app.provider = prov
	log.Printf("[main] provider up, %d sessions logging in", len(feedCfg.Sessions))

	qv := publish.NewQueryVector(feedCfg.Resources, prov)
	mapper := publish.NewMapper(qv, prov, app.coll, feedCfg.ServiceName, feedCfg.DACSID)

	fetcher, err := fetch.New(fetch.Config{
		UserAgent:            buildinfo.UserAgent(),
		RetryCount:           feedCfg.RetryCount,
		RetryDelay:           feedCfg.RetryDelay.Std(),
		RetryTimeout:         feedCfg.RetryTimeout.Std(),
		Timeout:              feedCfg.Timeout.Std(),
		ConnectTimeout:       feedCfg.ConnectTimeout.Std(),
		MinimumResponseSize:  feedCfg.MinimumResponseSize,
		MaximumResponseSize:  feedCfg.MaximumResponseSize,
		RequestHTTPEncoding:  feedCfg.RequestHTTPEncoding,
		EnableHTTPPipelining: feedCfg.EnableHTTPPipelining,
		PanicThreshold:       feedCfg.PanicThreshold.Std(),
		HTTPProxy:            feedCfg.HTTPProxy,
		DNSCacheTimeout:      feedCfg.DNSCacheTimeout.Std(),
	}, app.coll, fetch.DialFunc(eg.DialContext()))
	if err != nil {
		prov.Close()
		app.closeEarly()
		return nil, err
	}
	app.fetcher = fetcher

	// Event pump: the single dispatcher for wire events.
	go func() {
		defer close(app.pumpDone)
		app.events.Dispatch(prov.HandleEvent)
	}()

	eng, err := engine.New(engine.Config{
		Feed:     feedCfg,
		Fetcher:  fetcher,
		Mapper:   mapper,
		Counters: app.coll,
		Journal:  app.journalSvc,
	})
	if err != nil {
		app.events.Deactivate()
		<-app.pumpDone
		prov.Close()
		app.closeEarly()
		return nil, err
	}
	app.engine = eng

	runner, err := diag.NewRunner(diag.RunnerConfig{
		Resources: feedCfg.Resources,
		Schedule:  envCfg.DiagSchedule,
		GeoIPDB:   envCfg.GeoIPDB,
	})
	if err != nil {
		app.events.Deactivate()
		<-app.pumpDone
		prov.Close()
		app.closeEarly()
		return nil, err
	}
	app.diag = runner

	app.countersMgr = counters.NewManager(app.coll, envCfg.CounterLogInterval)

	app.apiSrv = api.NewServer(api.Config{
		ListenAddress: envCfg.ListenAddress,
		Port:          envCfg.APIPort,
		AdminToken:    envCfg.AdminToken,
		MaxBodyBytes:  int64(envCfg.APIMaxBodyBytes),
		StartTime:     time.Now().UTC(),
		Counters:      app.coll,
		Provider:      prov,
		Engine:        eng,
		Journal:       app.journalSvc,
		Diag:          runner,
	})

	app.diag.Start()
	app.countersMgr.Start()
	app.engine.StartCron()
	return app, nil
}

// closeEarly unwinds the services started before a failed init step.
func (a *feedApp) closeEarly() {
	if a.egress != nil {
		a.egress.Close()
	}
	a.journalSvc.Stop()
}

func (a *feedApp) startServers() <-chan error {
	serverErrCh := make(chan error, 1)
	go func() {
		log.Printf("[main] api server starting on %s:%d", a.envCfg.ListenAddress, a.envCfg.APIPort)
		err := a.apiSrv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			select {
			case serverErrCh <- fmt.Errorf("api server: %w", err):
			default:
			}
		}
	}()
	return serverErrCh
}

func (a *feedApp) startScheduler() {
	go func() {
		defer close(a.schedDone)
		sched.Run(a.schedStop,
			a.feedCfg.TimeOffset,
			a.feedCfg.Interval.Std(),
			a.feedCfg.TolerableDelay.Std(),
			a.engine.TimerTick)
	}()
}

func waitForShutdown(serverErrCh <-chan error) error {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case sig := <-quit:
		log.Printf("[main] received signal %s, shutting down", sig)
		return nil
	case err := <-serverErrCh:
		log.Printf("[main] server error (%v), shutting down", err)
		return err
	}
}

func (a *feedApp) shutdown(ctx context.Context) {
	// Stop cycle sources first: scheduler, cron, manual triggers via API.
	close(a.schedStop)
	<-a.schedDone
	log.Println("[main] scheduler stopped")

	a.engine.StopCron()
	log.Println("[main] hard refresh cron stopped")

	if err := a.apiSrv.Shutdown(ctx); err != nil {
		log.Printf("[main] api server shutdown error: %v", err)
	}
	log.Println("[main] api server stopped")

	a.diag.Stop()
	log.Println("[main] diagnostics stopped")

	// Event pump drains before the sessions close.
	a.events.Deactivate()
	<-a.pumpDone
	log.Println("[main] event pump stopped")

	a.provider.Close()
	log.Println("[main] provider closed")

	a.countersMgr.Stop()
	log.Println("[main] counters manager stopped")

	a.journalSvc.Stop()
	log.Println("[main] journal stopped")

	if err := a.egress.Close(); err != nil {
		log.Printf("[main] egress close error: %v", err)
	}
	log.Println("[main] shutdown complete")
}
