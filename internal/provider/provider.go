// Package provider owns the publishing sessions, the process-wide item
// stream directory, and the service directory sent after each login.
package provider

import (
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/psychfeed/psychfeed/internal/config"
	"github.com/psychfeed/psychfeed/internal/counters"
	"github.com/psychfeed/psychfeed/internal/omm"
)

// Config selects the provider identity and its sessions.
type Config struct {
	ServiceName string
	VendorName  string
	MonitorName string
	Sessions    []config.SessionConfig
}

// Provider owns its sessions one-way: sessions hold a back-reference used
// only to read the shared directory and stream table. Exactly one ItemStream
// exists per distinct ric, shared across resources and sessions.
type Provider struct {
	cfg       Config
	wire      omm.Wire
	events    *omm.EventQueue
	counters  *counters.Collector
	directory *omm.ServiceDirectory

	sessions  []*Session
	byName    map[string]*Session
	streams   *xsync.Map[string, *ItemStream]

	mu       sync.Mutex
	rwfMajor int
	rwfMinor int
}

// New verifies the wire, opens one provider handle per configured session and
// issues the logins. Sessions start muted until their login is accepted.
func New(cfg Config, wire omm.Wire, events *omm.EventQueue, coll *counters.Collector) (*Provider, error) {
	if len(cfg.Sessions) == 0 {
		return nil, errors.New("provider: no sessions configured")
	}
	if err := wire.VerifyVersion(); err != nil {
		return nil, fmt.Errorf("provider: wire version: %w", err)
	}

	p := &Provider{
		cfg:       cfg,
		wire:      wire,
		events:    events,
		counters:  coll,
		directory: omm.NewServiceDirectory(cfg.ServiceName, cfg.VendorName),
		byName:    make(map[string]*Session, len(cfg.Sessions)),
		streams:   xsync.NewMap[string, *ItemStream](),
	}

	for i, sc := range cfg.Sessions {
		handle, err := wire.CreateProvider(omm.ProviderConfig{
			SessionName:    sc.SessionName,
			ConnectionName: sc.ConnectionName,
			PublisherName:  sc.PublisherName,
			Servers:        sc.Servers,
			DefaultPort:    sc.DefaultPort,
			MonitorName:    cfg.MonitorName,
		}, events)
		if err != nil {
			p.Close()
			return nil, fmt.Errorf("provider: session %s: %w", sc.SessionName, err)
		}
		s := &Session{
			index:    i,
			cfg:      sc,
			provider: p,
			handle:   handle,
			counters: coll.Session(sc.SessionName),
		}
		s.muted.Store(true)
		if err := s.sendLogin(); err != nil {
			handle.Close()
			p.Close()
			return nil, fmt.Errorf("provider: session %s login: %w", sc.SessionName, err)
		}
		p.sessions = append(p.sessions, s)
		p.byName[sc.SessionName] = s
	}
	return p, nil
}

// CreateItemStream returns the stream for a ric, creating it on first use.
// Token slots fill in as sessions log in.
func (p *Provider) CreateItemStream(ric string) *ItemStream {
	stream, _ := p.streams.LoadOrCompute(ric, func() (*ItemStream, bool) {
		return newItemStream(ric, len(p.sessions)), false
	})
	return stream
}

// Send submits one refresh on every unmuted session holding a token for the
// stream and returns how many submissions succeeded. Muted sessions and
// sessions without a token drop silently; submit rejections are logged and
// do not stop the remaining sessions.
func (p *Provider) Send(stream *ItemStream, msg *omm.RefreshMsg) int {
	sent := 0
	for _, s := range p.sessions {
		if s.muted.Load() {
			continue
		}
		tok := stream.Token(s.index)
		if tok == nil {
			continue
		}
		if err := s.handle.SubmitRefresh(msg, tok); err != nil {
			var submitErr *omm.SubmitError
			if errors.As(err, &submitErr) {
				log.Printf("[session %s] submit %q rejected: severity=%s classification=%s status=%q",
					s.cfg.SessionName, stream.RIC, submitErr.Severity, submitErr.Classification, submitErr.StatusText)
			} else {
				log.Printf("[session %s] submit %q failed: %v", s.cfg.SessionName, stream.RIC, err)
			}
			continue
		}
		s.counters.MsgsSent.Add(1)
		sent++
	}
	p.counters.RecordProviderMsgsSent(sent)
	return sent
}

// HandleEvent routes one wire event to its session. It is the event pump
// handler and runs on the pump goroutine only.
func (p *Provider) HandleEvent(ev omm.Event) {
	s, ok := p.byName[ev.SessionName]
	if !ok {
		log.Printf("[provider] event for unknown session %q dropped", ev.SessionName)
		return
	}
	s.processEvent(ev)
}

// Sessions returns the sessions in configuration order.
func (p *Provider) Sessions() []*Session { return p.sessions }

// StreamCount returns the number of distinct item streams.
func (p *Provider) StreamCount() int { return p.streams.Size() }

// NegotiatedRWF returns the minimum wire format version across logged-in
// sessions, zero before any login succeeds.
func (p *Provider) NegotiatedRWF() (major, minor int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rwfMajor, p.rwfMinor
}

// recomputeRWF refreshes the negotiated minimum after a login and logs when
// the just-arrived session is being downgraded to an older format.
func (p *Provider) recomputeRWF(justLoggedIn *Session) {
	p.mu.Lock()
	defer p.mu.Unlock()

	minMajor, minMinor := 0, 0
	for _, s := range p.sessions {
		major, minor := s.handle.RWFVersion()
		if major == 0 {
			continue
		}
		if minMajor == 0 || major < minMajor || (major == minMajor && minor < minMinor) {
			minMajor, minMinor = major, minor
		}
	}
	if ownMajor, ownMinor := justLoggedIn.handle.RWFVersion(); ownMajor > minMajor || (ownMajor == minMajor && ownMinor > minMinor) {
		log.Printf("[session %s] downgrading RWF %d.%d to negotiated %d.%d",
			justLoggedIn.cfg.SessionName, ownMajor, ownMinor, minMajor, minMinor)
	}
	p.rwfMajor, p.rwfMinor = minMajor, minMinor
}

// Close shuts down every session handle. Safe to call with a partially
// constructed provider.
func (p *Provider) Close() {
	for _, s := range p.sessions {
		if err := s.handle.Close(); err != nil {
			log.Printf("[session %s] close: %v", s.cfg.SessionName, err)
		}
	}
}
