package diag

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/psychfeed/psychfeed/internal/config"
)

func TestRegistrableDomain(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"https://data.feeds.example.co.uk/minutely/news", "example.co.uk"},
		{"feeds.vendor.com:8443", "vendor.com"},
		{"www.vendor.com", "vendor.com"},
		{"192.168.1.1:8080", "192.168.1.1"},
		{"localhost", "localhost"},
		{"[::1]:80", "::1"},
	}
	for _, c := range cases {
		if got := RegistrableDomain(c.in); got != c.want {
			t.Errorf("RegistrableDomain(%q): got %q, want %q", c.in, got, c.want)
		}
	}
}

func resourceFor(name, url string) config.Resource {
	return config.Resource{Name: name, Source: "test", URL: url}
}

func TestRunOnce_ReachableEndpoint(t *testing.T) {
	var heads atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			heads.Add(1)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	r, err := NewRunner(RunnerConfig{
		Resources: []config.Resource{resourceFor("news_social", srv.URL+"/minutely")},
		Timeout:   5 * time.Second,
	})
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}
	defer r.Stop()

	reports := r.RunOnce(context.Background())
	if len(reports) != 1 {
		t.Fatalf("reports: got %d, want 1", len(reports))
	}
	rep := reports[0]
	if !rep.Reachable || rep.Status != http.StatusOK {
		t.Fatalf("report: %+v", rep)
	}
	if rep.Host != "127.0.0.1" || len(rep.Addrs) == 0 {
		t.Fatalf("resolution: %+v", rep)
	}
	if heads.Load() != 1 {
		t.Fatalf("HEAD requests: got %d, want 1", heads.Load())
	}
}

func TestRunOnce_UnresolvableHost(t *testing.T) {
	r, err := NewRunner(RunnerConfig{
		Resources: []config.Resource{resourceFor("bad", "http://host.invalid/feed")},
		Timeout:   2 * time.Second,
	})
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}
	defer r.Stop()

	reports := r.RunOnce(context.Background())
	if len(reports) != 1 {
		t.Fatalf("reports: got %d, want 1", len(reports))
	}
	if reports[0].Reachable || reports[0].Error == "" {
		t.Fatalf("expected resolve failure: %+v", reports[0])
	}
}

func TestSnapshot_ReturnsLatestRun(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	r, err := NewRunner(RunnerConfig{
		Resources: []config.Resource{resourceFor("a", srv.URL), resourceFor("b", srv.URL)},
		Timeout:   5 * time.Second,
	})
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}
	defer r.Stop()

	if got := r.Snapshot(); len(got) != 0 {
		t.Fatalf("snapshot before run must be empty, got %d", len(got))
	}
	r.RunOnce(context.Background())
	got := r.Snapshot()
	if len(got) != 2 {
		t.Fatalf("snapshot: got %d, want 2", len(got))
	}
	// Snapshot is a copy: mutation must not leak back.
	got[0].Resource = "mutated"
	if r.Snapshot()[0].Resource == "mutated" {
		t.Fatalf("snapshot must copy")
	}
}

func TestNewRunner_InvalidSchedule(t *testing.T) {
	_, err := NewRunner(RunnerConfig{Schedule: "not a cron"})
	if err == nil {
		t.Fatalf("expected error for invalid schedule")
	}
}

func TestNewRunner_MissingGeoIPIsNonFatal(t *testing.T) {
	r, err := NewRunner(RunnerConfig{GeoIPDB: "/nonexistent/geo.mmdb"})
	if err != nil {
		t.Fatalf("missing geoip db must not fail startup: %v", err)
	}
	defer r.Stop()
	if r.lookupCountries([]string{"8.8.8.8"}) != nil {
		t.Fatalf("country lookup must be disabled without a db")
	}
}
