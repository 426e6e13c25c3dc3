package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/net/http/httpguts"
	"gopkg.in/yaml.v3"
)

// Request body encodings accepted for request_http_encoding.
const (
	EncodingIdentity = "identity"
	EncodingDeflate  = "deflate"
	EncodingGzip     = "gzip"
)

// Retry backoff bounds used when retry_delay is zero (exponential mode).
const (
	RetrySleepDefault = 1000 * time.Millisecond
	RetrySleepMax     = 600000 * time.Millisecond
)

// Item names one downstream instrument behind a bulletin row key.
// Topic is opaque and carried for diagnostics only.
type Item struct {
	RIC   string `yaml:"ric"`
	Topic string `yaml:"topic"`
}

// Resource describes one upstream bulletin: where to fetch it, which columns
// map to which field ids, and which row keys map to which instruments.
// Immutable after Load.
type Resource struct {
	Name            string            `yaml:"name"`
	Source          string            `yaml:"source"`
	URL             string            `yaml:"url"`
	EntitlementCode uint32            `yaml:"entitlement_code"`
	Fields          map[string]int32  `yaml:"fields"`
	Items           map[string]Item   `yaml:"items"`
	ExtraHeaders    map[string]string `yaml:"extra_headers"`
}

// SessionConfig describes one downstream publishing session.
type SessionConfig struct {
	SessionName    string   `yaml:"session_name"`
	ConnectionName string   `yaml:"connection_name"`
	PublisherName  string   `yaml:"publisher_name"`
	Servers        []string `yaml:"servers"`
	DefaultPort    int      `yaml:"default_port"`
	ApplicationID  string   `yaml:"application_id"`
	InstanceID     string   `yaml:"instance_id"`
	UserName       string   `yaml:"user_name"`
	Position       string   `yaml:"position"`
}

// FeedConfig is the feed configuration file. Built once at startup, validated
// up front, and held immutable for the process lifetime.
type FeedConfig struct {
	ServiceName    string `yaml:"service_name"`
	VendorName     string `yaml:"vendor_name"`
	MonitorName    string `yaml:"monitor_name"`
	EventQueueName string `yaml:"event_queue_name"`

	// DACSID is the numeric service id for permission locks; 0 disables locks.
	DACSID uint32 `yaml:"dacs_id"`

	BaseURL string `yaml:"base_url"`

	Interval           Duration `yaml:"interval"`
	TimeOffsetConstant string   `yaml:"time_offset_constant"`
	TolerableDelay     Duration `yaml:"tolerable_delay"`

	RetryCount   int      `yaml:"retry_count"`
	RetryDelay   Duration `yaml:"retry_delay"`
	RetryTimeout Duration `yaml:"retry_timeout"`

	Timeout              Duration `yaml:"timeout"`
	ConnectTimeout       Duration `yaml:"connect_timeout"`
	EnableHTTPPipelining bool     `yaml:"enable_http_pipelining"`
	MinimumResponseSize  int      `yaml:"minimum_response_size"`
	MaximumResponseSize  int      `yaml:"maximum_response_size"`
	RequestHTTPEncoding  string   `yaml:"request_http_encoding"`
	PanicThreshold       Duration `yaml:"panic_threshold"`
	HTTPProxy            string   `yaml:"http_proxy"`
	DNSCacheTimeout      Duration `yaml:"dns_cache_timeout"`

	Sessions  []SessionConfig `yaml:"sessions"`
	Resources []Resource      `yaml:"resources"`

	// HardRefreshSchedule optionally forces a fresh-connection republish on a
	// cron cadence. Empty disables.
	HardRefreshSchedule string `yaml:"hard_refresh_schedule"`

	// SuppressUnchanged skips the publish fan-out when a bulletin's content
	// digest matches the previous accepted fetch of the same URL.
	SuppressUnchanged bool `yaml:"suppress_unchanged"`

	// Egress is an optional sing-box outbound options document; when present
	// all upstream fetches dial through it.
	Egress map[string]any `yaml:"egress"`

	// TimeOffset is TimeOffsetConstant parsed to an offset from midnight.
	// Populated by Load.
	TimeOffset time.Duration `yaml:"-"`
}

// LoadFeedConfig reads, decodes, resolves and validates the feed config file.
// Every problem found is reported in one combined error.
func LoadFeedConfig(path string) (*FeedConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg := defaultFeedConfig()
	dec := yaml.NewDecoder(strings.NewReader(string(raw)))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaultFeedConfig() *FeedConfig {
	return &FeedConfig{
		MonitorName:         "psychfeed-monitor",
		EventQueueName:      "psychfeed-events",
		Interval:            Duration(60 * time.Second),
		TimeOffsetConstant:  "00:00:00",
		TolerableDelay:      Duration(15 * time.Second),
		RetryCount:          3,
		Timeout:             Duration(45 * time.Second),
		ConnectTimeout:      Duration(10 * time.Second),
		MinimumResponseSize: 64,
		MaximumResponseSize: 8 << 20,
		RequestHTTPEncoding: EncodingIdentity,
		DNSCacheTimeout:     Duration(60 * time.Second),
	}
}

func (c *FeedConfig) validate() error {
	var errs []string

	if c.ServiceName == "" {
		errs = append(errs, "service_name must not be empty")
	}
	if c.VendorName == "" {
		errs = append(errs, "vendor_name must not be empty")
	}
	if c.MonitorName == "" {
		errs = append(errs, "monitor_name must not be empty")
	}
	if c.EventQueueName == "" {
		errs = append(errs, "event_queue_name must not be empty")
	}

	offset, err := ParseTimeOfDay(c.TimeOffsetConstant)
	if err != nil {
		errs = append(errs, fmt.Sprintf("time_offset_constant: %v", err))
	}
	c.TimeOffset = offset

	if c.Interval.Std() <= 0 {
		errs = append(errs, "interval must be positive")
	}
	if c.TolerableDelay.Std() < 0 {
		errs = append(errs, "tolerable_delay must not be negative")
	}
	if c.RetryCount < 0 {
		errs = append(errs, "retry_count must not be negative")
	}
	if c.RetryDelay.Std() < 0 {
		errs = append(errs, "retry_delay must not be negative")
	}
	if c.RetryTimeout.Std() < 0 {
		errs = append(errs, "retry_timeout must not be negative")
	}
	if c.Timeout.Std() <= 0 {
		errs = append(errs, "timeout must be positive")
	}
	if c.ConnectTimeout.Std() <= 0 {
		errs = append(errs, "connect_timeout must be positive")
	}
	if c.MinimumResponseSize < 0 {
		errs = append(errs, "minimum_response_size must not be negative")
	}
	if c.MaximumResponseSize <= 0 {
		errs = append(errs, "maximum_response_size must be positive")
	}
	if c.MaximumResponseSize < c.MinimumResponseSize {
		errs = append(errs, "maximum_response_size must be >= minimum_response_size")
	}
	switch c.RequestHTTPEncoding {
	case EncodingIdentity, EncodingDeflate, EncodingGzip:
	default:
		errs = append(errs, fmt.Sprintf("request_http_encoding: invalid value %q (allowed: %s, %s, %s)",
			c.RequestHTTPEncoding, EncodingIdentity, EncodingDeflate, EncodingGzip))
	}
	if c.PanicThreshold.Std() < 0 {
		errs = append(errs, "panic_threshold must not be negative")
	}
	if c.DNSCacheTimeout.Std() < 0 {
		errs = append(errs, "dns_cache_timeout must not be negative")
	}

	var base *url.URL
	if c.BaseURL != "" {
		base, err = url.Parse(c.BaseURL)
		if err != nil || !base.IsAbs() {
			errs = append(errs, fmt.Sprintf("base_url: not an absolute URL: %q", c.BaseURL))
			base = nil
		}
	}
	if c.HTTPProxy != "" {
		if _, err := url.Parse(c.HTTPProxy); err != nil {
			errs = append(errs, fmt.Sprintf("http_proxy: invalid URL %q: %v", c.HTTPProxy, err))
		}
	}
	if c.HardRefreshSchedule != "" {
		if _, err := cron.ParseStandard(c.HardRefreshSchedule); err != nil {
			errs = append(errs, fmt.Sprintf("hard_refresh_schedule: invalid cron expression %q: %v", c.HardRefreshSchedule, err))
		}
	}

	if len(c.Sessions) == 0 {
		errs = append(errs, "sessions: at least one session is required")
	}
	seenSessions := make(map[string]bool, len(c.Sessions))
	for i := range c.Sessions {
		s := &c.Sessions[i]
		tag := fmt.Sprintf("sessions[%d]", i)
		if s.SessionName == "" {
			errs = append(errs, tag+": session_name must not be empty")
		} else if seenSessions[s.SessionName] {
			errs = append(errs, fmt.Sprintf("%s: duplicate session_name %q", tag, s.SessionName))
		} else {
			seenSessions[s.SessionName] = true
		}
		if s.ConnectionName == "" {
			errs = append(errs, tag+": connection_name must not be empty")
		}
		if s.PublisherName == "" {
			errs = append(errs, tag+": publisher_name must not be empty")
		}
		if len(s.Servers) == 0 {
			errs = append(errs, tag+": servers must list at least one host")
		}
		if s.DefaultPort == 0 {
			s.DefaultPort = 14003
		}
		validatePort(tag+": default_port", s.DefaultPort, &errs)
		if s.ApplicationID == "" {
			s.ApplicationID = "256"
		}
		if s.UserName == "" {
			errs = append(errs, tag+": user_name must not be empty")
		}
		if s.Position == "" {
			errs = append(errs, tag+": position must not be empty")
		}
	}

	if len(c.Resources) == 0 {
		errs = append(errs, "resources: at least one resource is required")
	}
	seenResources := make(map[string]bool, len(c.Resources))
	for i := range c.Resources {
		r := &c.Resources[i]
		tag := fmt.Sprintf("resources[%d]", i)
		if r.Name == "" {
			errs = append(errs, tag+": name must not be empty")
		} else {
			tag = fmt.Sprintf("resources[%q]", r.Name)
			if seenResources[r.Name] {
				errs = append(errs, fmt.Sprintf("%s: duplicate resource name", tag))
			}
			seenResources[r.Name] = true
		}
		if r.Source == "" {
			errs = append(errs, tag+": source must not be empty")
		}
		if r.URL == "" {
			errs = append(errs, tag+": url must not be empty")
		} else if resolved, err := resolveResourceURL(base, r.URL); err != nil {
			errs = append(errs, fmt.Sprintf("%s: url: %v", tag, err))
		} else {
			r.URL = resolved
		}
		if len(r.Fields) == 0 {
			errs = append(errs, tag+": fields must map at least one column label")
		}
		seenFIDs := make(map[int32]string, len(r.Fields))
		for label, fid := range r.Fields {
			if label == "" {
				errs = append(errs, tag+": fields: empty column label")
			}
			if other, dup := seenFIDs[fid]; dup {
				errs = append(errs, fmt.Sprintf("%s: fields: field id %d mapped by both %q and %q", tag, fid, other, label))
			}
			seenFIDs[fid] = label
		}
		if len(r.Items) == 0 {
			errs = append(errs, tag+": items must map at least one row key")
		}
		for key, item := range r.Items {
			if key == "" {
				errs = append(errs, tag+": items: empty row key")
			}
			if item.RIC == "" {
				errs = append(errs, fmt.Sprintf("%s: items[%q]: ric must not be empty", tag, key))
			}
		}
		for name := range r.ExtraHeaders {
			if !httpguts.ValidHeaderFieldName(name) {
				errs = append(errs, fmt.Sprintf("%s: extra_headers: invalid header name %q", tag, name))
			}
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  %s", strings.Join(errs, "\n  "))
	}
	return nil
}

// resolveResourceURL resolves a possibly relative resource URL against
// base_url and requires an absolute http(s) result.
func resolveResourceURL(base *url.URL, raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid URL %q: %w", raw, err)
	}
	if !u.IsAbs() {
		if base == nil {
			return "", fmt.Errorf("relative URL %q requires base_url", raw)
		}
		u = base.ResolveReference(u)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("unsupported scheme %q in %q", u.Scheme, raw)
	}
	if u.Host == "" {
		return "", fmt.Errorf("missing host in %q", raw)
	}
	return u.String(), nil
}

// ParseTimeOfDay parses a "HH:MM:SS" clock time into an offset from midnight.
func ParseTimeOfDay(s string) (time.Duration, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return 0, fmt.Errorf("invalid time of day %q (want HH:MM:SS)", s)
	}
	nums := make([]int, 3)
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return 0, fmt.Errorf("invalid time of day %q (want HH:MM:SS)", s)
		}
		nums[i] = n
	}
	h, m, sec := nums[0], nums[1], nums[2]
	if h < 0 || h > 23 || m < 0 || m > 59 || sec < 0 || sec > 59 {
		return 0, fmt.Errorf("time of day %q out of range", s)
	}
	return time.Duration(h)*time.Hour + time.Duration(m)*time.Minute + time.Duration(sec)*time.Second, nil
}
