// Package diag runs feed endpoint diagnostics: it resolves each resource
// URL's host, groups endpoints by registrable domain, optionally annotates
// addresses with a GeoIP country, and measures a HEAD round trip. Results
// are observational only and never gate the publish pipeline.
package diag

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/oschwald/maxminddb-golang"
	"github.com/robfig/cron/v3"

	"github.com/psychfeed/psychfeed/internal/config"
)

// EndpointReport is the diagnostic result for one resource endpoint.
type EndpointReport struct {
	Resource  string   `json:"resource"`
	URL       string   `json:"url"`
	Host      string   `json:"host"`
	Domain    string   `json:"domain"`
	Addrs     []string `json:"addrs,omitempty"`
	Countries []string `json:"countries,omitempty"`
	Reachable bool     `json:"reachable"`
	RTTMillis int64    `json:"rtt_ms"`
	Status    int      `json:"status,omitempty"`
	Error     string   `json:"error,omitempty"`
	CheckedAt int64    `json:"checked_at_ns"`
}

// RunnerConfig configures a diagnostics Runner.
type RunnerConfig struct {
	Resources []config.Resource
	Schedule  string // cron expression, empty disables the periodic re-run
	GeoIPDB   string // mmdb path, empty disables country lookup
	Client    *http.Client
	Resolver  *net.Resolver // nil uses net.DefaultResolver
	Timeout   time.Duration // per-endpoint budget, default 10s
}

// Runner executes diagnostics on demand and on a cron cadence, keeping the
// latest snapshot for the admin API.
type Runner struct {
	resources []config.Resource
	client    *http.Client
	resolver  *net.Resolver
	timeout   time.Duration

	geo *maxminddb.Reader

	cron *cron.Cron

	mu   sync.RWMutex
	last []EndpointReport

	runMu sync.Mutex // serializes RunOnce
}

type geoRecord struct {
	Country struct {
		ISOCode string `maxminddb:"iso_code"`
	} `maxminddb:"country"`
}

// NewRunner builds a Runner. An unreadable GeoIP database is logged and
// skipped rather than failing startup.
func NewRunner(cfg RunnerConfig) (*Runner, error) {
	if cfg.Client == nil {
		cfg.Client = &http.Client{}
	}
	if cfg.Resolver == nil {
		cfg.Resolver = net.DefaultResolver
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	r := &Runner{
		resources: cfg.Resources,
		client:    cfg.Client,
		resolver:  cfg.Resolver,
		timeout:   cfg.Timeout,
		cron:      cron.New(),
	}
	if cfg.GeoIPDB != "" {
		geo, err := maxminddb.Open(cfg.GeoIPDB)
		if err != nil {
			log.Printf("[diag] geoip db %s: %v (country lookup disabled)", cfg.GeoIPDB, err)
		} else {
			r.geo = geo
		}
	}
	if cfg.Schedule != "" {
		if _, err := r.cron.AddFunc(cfg.Schedule, func() {
			r.RunOnce(context.Background())
		}); err != nil {
			return nil, fmt.Errorf("diag: schedule %q: %w", cfg.Schedule, err)
		}
	}
	return r, nil
}

// Start runs the initial pass in the background and starts the cron loop.
func (r *Runner) Start() {
	go r.RunOnce(context.Background())
	r.cron.Start()
}

// Stop stops the cron loop and closes the GeoIP reader.
func (r *Runner) Stop() {
	ctx := r.cron.Stop()
	<-ctx.Done()
	if r.geo != nil {
		r.geo.Close()
		r.geo = nil
	}
}

// Snapshot returns a copy of the latest diagnostic results.
func (r *Runner) Snapshot() []EndpointReport {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]EndpointReport, len(r.last))
	copy(out, r.last)
	return out
}

// RunOnce checks every endpoint and replaces the snapshot. Concurrent calls
// serialize; each endpoint gets its own timeout so one dead host cannot
// starve the rest.
func (r *Runner) RunOnce(ctx context.Context) []EndpointReport {
	r.runMu.Lock()
	defer r.runMu.Unlock()

	reports := make([]EndpointReport, len(r.resources))
	var wg sync.WaitGroup
	for i := range r.resources {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			reports[i] = r.checkEndpoint(ctx, &r.resources[i])
		}(i)
	}
	wg.Wait()

	r.mu.Lock()
	r.last = reports
	r.mu.Unlock()

	r.logSummary(reports)
	return reports
}

func (r *Runner) checkEndpoint(ctx context.Context, res *config.Resource) EndpointReport {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	rep := EndpointReport{
		Resource:  res.Name,
		URL:       res.URL,
		Host:      hostOf(res.URL),
		Domain:    RegistrableDomain(res.URL),
		CheckedAt: time.Now().UnixNano(),
	}
	if rep.Host == "" {
		rep.Error = "unparseable URL"
		return rep
	}

	addrs, err := r.resolver.LookupHost(ctx, rep.Host)
	if err != nil {
		rep.Error = fmt.Sprintf("resolve: %v", err)
		return rep
	}
	sort.Strings(addrs)
	rep.Addrs = addrs
	rep.Countries = r.lookupCountries(addrs)

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, res.URL, nil)
	if err != nil {
		rep.Error = fmt.Sprintf("request: %v", err)
		return rep
	}
	start := time.Now()
	resp, err := r.client.Do(req)
	if err != nil {
		rep.Error = fmt.Sprintf("head: %v", err)
		return rep
	}
	resp.Body.Close()
	rep.RTTMillis = time.Since(start).Milliseconds()
	rep.Status = resp.StatusCode
	rep.Reachable = true
	return rep
}

// lookupCountries maps resolved addresses to a deduplicated, sorted list of
// ISO country codes. Returns nil when no GeoIP database is loaded.
func (r *Runner) lookupCountries(addrs []string) []string {
	if r.geo == nil {
		return nil
	}
	seen := make(map[string]bool)
	for _, a := range addrs {
		ip := net.ParseIP(a)
		if ip == nil {
			continue
		}
		var rec geoRecord
		if err := r.geo.Lookup(ip, &rec); err != nil || rec.Country.ISOCode == "" {
			continue
		}
		seen[rec.Country.ISOCode] = true
	}
	if len(seen) == 0 {
		return nil
	}
	countries := make([]string, 0, len(seen))
	for c := range seen {
		countries = append(countries, c)
	}
	sort.Strings(countries)
	return countries
}

// logSummary logs one line per registrable domain.
func (r *Runner) logSummary(reports []EndpointReport) {
	byDomain := make(map[string][]EndpointReport)
	for _, rep := range reports {
		byDomain[rep.Domain] = append(byDomain[rep.Domain], rep)
	}
	domains := make([]string, 0, len(byDomain))
	for d := range byDomain {
		domains = append(domains, d)
	}
	sort.Strings(domains)
	for _, d := range domains {
		reachable := 0
		for _, rep := range byDomain[d] {
			if rep.Reachable {
				reachable++
			}
		}
		log.Printf("[diag] domain %s: %d/%d endpoints reachable", d, reachable, len(byDomain[d]))
	}
}
