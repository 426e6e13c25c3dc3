// Package fetch issues the per-cycle bulletin requests: concurrent GETs per
// resource with a carousel retry loop, conditional-GET support, response
// acceptance gates and clock sanity checks.
package fetch

import (
	"compress/flate"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/psychfeed/psychfeed/internal/bulletin"
	"github.com/psychfeed/psychfeed/internal/config"
	"github.com/psychfeed/psychfeed/internal/counters"
)

// Flags select per-cycle transport behavior.
type Flags uint8

const (
	// FlagKeepalive reuses pooled connections instead of forcing a fresh
	// connect per request.
	FlagKeepalive Flags = 1 << iota
	// FlagIfModifiedSince sends If-Modified-Since from the connection's last
	// accepted filetime.
	FlagIfModifiedSince
)

// DialFunc dials an outbound connection; injected when fetches route through
// the egress outbound instead of dialing directly.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// Config carries the fetch knobs from the feed configuration.
type Config struct {
	UserAgent string

	RetryCount   int
	RetryDelay   time.Duration // fixed backoff when positive, else exponential
	RetryTimeout time.Duration // 0 disables the elapsed-time bound

	Timeout        time.Duration
	ConnectTimeout time.Duration

	MinimumResponseSize int
	MaximumResponseSize int

	RequestHTTPEncoding  string
	EnableHTTPPipelining bool
	PanicThreshold       time.Duration
	HTTPProxy            string
	DNSCacheTimeout      time.Duration
}

// Fetcher drives the carousel for one set of connections. All requests of a
// round go out concurrently; failed connections stay pending and are retried
// with backoff until they settle, retries run out, or the retry timeout
// elapses.
type Fetcher struct {
	cfg       Config
	counters  *counters.Collector
	snapshots *SnapshotCache

	pooled *http.Client // keep-alive transport
	fresh  *http.Client // one connection per request

	// after waits between carousel rounds; replaced in tests to observe the
	// backoff sequence without sleeping.
	after func(d time.Duration) <-chan time.Time
}

// New builds a fetcher. dial is optional; when nil, requests dial directly
// through the IPv4 DNS cache.
func New(cfg Config, coll *counters.Collector, dial DialFunc) (*Fetcher, error) {
	if cfg.Timeout <= 0 {
		return nil, fmt.Errorf("fetch: timeout must be positive")
	}
	if cfg.MaximumResponseSize <= 0 {
		return nil, fmt.Errorf("fetch: maximum response size must be positive")
	}

	var proxy func(*http.Request) (*url.URL, error)
	if cfg.HTTPProxy != "" {
		proxyURL, err := url.Parse(cfg.HTTPProxy)
		if err != nil {
			return nil, fmt.Errorf("fetch: proxy url: %w", err)
		}
		proxy = http.ProxyURL(proxyURL)
	}

	if dial == nil {
		dialer := &net.Dialer{Timeout: cfg.ConnectTimeout}
		dial = newDNSCache(cfg.DNSCacheTimeout).dialContext(dialer)
	}

	newTransport := func(disableKeepAlives bool) *http.Transport {
		return &http.Transport{
			Proxy:               proxy,
			DialContext:         dial,
			DisableKeepAlives:   disableKeepAlives,
			DisableCompression:  true, // Accept-Encoding is managed explicitly
			ForceAttemptHTTP2:   cfg.EnableHTTPPipelining,
			MaxIdleConnsPerHost: 4,
			IdleConnTimeout:     90 * time.Second,
		}
	}

	return &Fetcher{
		cfg:       cfg,
		counters:  coll,
		snapshots: NewSnapshotCache(0),
		pooled:    &http.Client{Transport: newTransport(false)},
		fresh:     &http.Client{Transport: newTransport(true)},
		after:     time.After,
	}, nil
}

// Snapshots exposes the accepted-bulletin cache.
func (f *Fetcher) Snapshots() *SnapshotCache { return f.snapshots }

// CloseIdleConnections drops pooled keep-alive connections so the next cycle
// starts from fresh connects.
func (f *Fetcher) CloseIdleConnections() {
	f.pooled.CloseIdleConnections()
	f.fresh.CloseIdleConnections()
}

// Run fetches every connection, retrying failures until all settle or the
// retry budget is spent. It returns the number of accepted bodies and an
// error when the carousel aborted with connections still pending.
func (f *Fetcher) Run(ctx context.Context, conns []*Connection, flags Flags) (int, error) {
	start := time.Now()
	for _, c := range conns {
		c.reset()
	}

	pending := make([]*Connection, len(conns))
	copy(pending, conns)

	sleep := f.cfg.RetryDelay
	if sleep <= 0 {
		sleep = config.RetrySleepDefault
	}
	retries := f.cfg.RetryCount

	for {
		var wg sync.WaitGroup
		for _, c := range pending {
			wg.Add(1)
			go func(c *Connection) {
				defer wg.Done()
				f.fetchOne(ctx, c, flags)
			}(c)
		}
		wg.Wait()

		next := pending[:0]
		for _, c := range pending {
			if !c.settled {
				next = append(next, c)
			}
		}
		pending = next

		if len(pending) == 0 {
			return f.acceptedCount(conns), nil
		}
		if ctx.Err() != nil {
			return f.acceptedCount(conns), ctx.Err()
		}
		if retries <= 0 || (f.cfg.RetryTimeout > 0 && time.Since(start) >= f.cfg.RetryTimeout) {
			f.counters.RecordRetriesExceeded()
			return f.acceptedCount(conns), fmt.Errorf("fetch: %d connections still pending after retries", len(pending))
		}

		select {
		case <-ctx.Done():
			return f.acceptedCount(conns), ctx.Err()
		case <-f.after(sleep):
		}
		if f.cfg.RetryDelay <= 0 {
			sleep *= 2
			if sleep > config.RetrySleepMax {
				sleep = config.RetrySleepMax
			}
		}
		retries--
	}
}

func (f *Fetcher) acceptedCount(conns []*Connection) int {
	n := 0
	for _, c := range conns {
		if c.Accepted() {
			n++
		}
	}
	return n
}

// fetchOne issues one request and applies the acceptance gates. Terminal
// outcomes mark the connection settled; transient ones leave it pending for
// the next carousel round.
func (f *Fetcher) fetchOne(ctx context.Context, c *Connection, flags Flags) {
	reqCtx, cancel := context.WithTimeout(ctx, f.cfg.Timeout)
	defer cancel()

	c.RequestTime = time.Now()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, c.URL, nil)
	if err != nil {
		c.Err = err
		c.settled = true // unusable URL, retrying cannot help
		return
	}
	req.Header.Set("User-Agent", f.cfg.UserAgent)
	if enc := f.cfg.RequestHTTPEncoding; enc != "" && enc != config.EncodingIdentity {
		req.Header.Set("Accept-Encoding", enc)
	}
	if flags&FlagIfModifiedSince != 0 && c.LastFiletime > 0 {
		req.Header.Set("If-Modified-Since", time.Unix(c.LastFiletime, 0).UTC().Format(http.TimeFormat))
	}
	for name, value := range c.Resource.ExtraHeaders {
		req.Header.Set(name, value)
	}

	client := f.fresh
	if flags&FlagKeepalive != 0 {
		client = f.pooled
	}
	resp, err := client.Do(req)
	if err != nil {
		c.Err = err
		return
	}
	defer resp.Body.Close()

	f.counters.RecordHTTPStatus(resp.StatusCode)
	if t, err := http.ParseTime(resp.Header.Get("Date")); err == nil {
		c.HTTPDTime = t
		f.counters.SetHTTPDClockDrift(int64(t.Sub(c.RequestTime) / time.Second))
	}

	switch {
	case resp.StatusCode == http.StatusNotModified:
		// Conditional GET hit: terminal no-op, not a failure.
		c.Err = ErrNotModified
		c.settled = true
		return
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		c.Err = &HTTPStatusError{StatusCode: resp.StatusCode, URL: c.URL}
		c.settled = true
		log.Printf("[fetch] %s: %v", c.Resource.Name, c.Err)
		return
	case resp.StatusCode != http.StatusOK:
		c.Err = &HTTPStatusError{StatusCode: resp.StatusCode, URL: c.URL}
		return
	}

	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		c.Err = &MalformedResponseError{URL: c.URL, Reason: fmt.Sprintf("content type %q", ct)}
		c.settled = true
		f.counters.RecordMalformed()
		log.Printf("[fetch] %s: %v", c.Resource.Name, c.Err)
		return
	}

	body, err := f.readBody(resp)
	if err != nil {
		c.Err = err
		if _, malformed := err.(*MalformedResponseError); malformed {
			c.settled = true // oversize or bad encoding, a retry returns the same file
			f.counters.RecordMalformed()
			log.Printf("[fetch] %s: %v", c.Resource.Name, c.Err)
		}
		return
	}

	if t, err := http.ParseTime(resp.Header.Get("Last-Modified")); err == nil {
		c.Filetime = t.Unix()
		f.counters.SetHTTPClockDrift(c.Filetime - c.RequestTime.Unix())
	}

	if len(body) < f.cfg.MinimumResponseSize {
		c.Err = &MalformedResponseError{URL: c.URL, Reason: fmt.Sprintf("body %d bytes below minimum %d", len(body), f.cfg.MinimumResponseSize)}
		f.counters.RecordMalformed()
		log.Printf("[fetch] %s: %v", c.Resource.Name, c.Err)
		return
	}
	if len(body) < len(bulletin.Magic) || [4]byte(body[:4]) != bulletin.Magic {
		c.Err = &MalformedResponseError{URL: c.URL, Reason: "magic bytes missing"}
		f.counters.RecordMalformed()
		log.Printf("[fetch] %s: %v", c.Resource.Name, c.Err)
		return
	}

	// Clock sanity runs last: a body rejected by the size or magic gates
	// counts as malformed, never as a clock panic.
	if f.cfg.PanicThreshold > 0 && c.Filetime > 0 {
		offset := time.Duration(c.Filetime-c.RequestTime.Unix()) * time.Second
		if offset < 0 {
			offset = -offset
		}
		if offset >= f.cfg.PanicThreshold {
			c.Err = &ClockPanicError{URL: c.URL, Offset: offset, Threshold: f.cfg.PanicThreshold}
			f.counters.RecordClockPanic()
			log.Printf("[fetch] %s: %v", c.Resource.Name, c.Err)
			return
		}
	}

	c.Data = body
	c.Err = nil
	c.settled = true
	if c.Filetime > 0 {
		c.LastFiletime = c.Filetime
	}
}

// readBody decodes the response body per Content-Encoding and enforces the
// maximum size on the decoded bytes.
func (f *Fetcher) readBody(resp *http.Response) ([]byte, error) {
	var reader io.Reader = resp.Body
	switch resp.Header.Get("Content-Encoding") {
	case "", "identity":
	case "gzip":
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, &MalformedResponseError{URL: resp.Request.URL.String(), Reason: "bad gzip stream"}
		}
		defer gz.Close()
		reader = gz
	case "deflate":
		fl := flate.NewReader(resp.Body)
		defer fl.Close()
		reader = fl
	default:
		return nil, &MalformedResponseError{URL: resp.Request.URL.String(),
			Reason: fmt.Sprintf("unsupported content encoding %q", resp.Header.Get("Content-Encoding"))}
	}

	limit := int64(f.cfg.MaximumResponseSize)
	body, err := io.ReadAll(io.LimitReader(reader, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > limit {
		return nil, &MalformedResponseError{URL: resp.Request.URL.String(),
			Reason: fmt.Sprintf("body exceeds maximum %d bytes", f.cfg.MaximumResponseSize)}
	}
	return body, nil
}
