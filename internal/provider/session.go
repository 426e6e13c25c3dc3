package provider

import (
	"errors"
	"log"
	"sync/atomic"

	"github.com/psychfeed/psychfeed/internal/config"
	"github.com/psychfeed/psychfeed/internal/counters"
	"github.com/psychfeed/psychfeed/internal/omm"
)

// Session is one publishing connection with its login state machine. A muted
// session drops submissions silently; sessions start muted and unmute only
// after a successful login. The mute flag and the token slots are written by
// the event pump and read by the scheduler thread.
type Session struct {
	index    int
	cfg      config.SessionConfig
	provider *Provider
	handle   omm.ProviderHandle
	counters *counters.SessionCounters
	muted    atomic.Bool
}

// Name returns the configured session name.
func (s *Session) Name() string { return s.cfg.SessionName }

// Muted reports whether submissions to this session are currently dropped.
func (s *Session) Muted() bool { return s.muted.Load() }

// sendLogin issues the streaming login request for this session.
func (s *Session) sendLogin() error {
	req := omm.LoginRequest{
		UserName:      s.cfg.UserName,
		ApplicationID: s.cfg.ApplicationID,
		InstanceID:    s.cfg.InstanceID,
		Position:      s.cfg.Position,
	}
	if err := s.handle.RegisterLogin(req); err != nil {
		return err
	}
	s.counters.LoginSent.Add(1)
	log.Printf("[session %s] login sent for user %q", s.cfg.SessionName, s.cfg.UserName)
	return nil
}

// processEvent consumes one wire event on the event pump thread.
func (s *Session) processEvent(ev omm.Event) {
	s.counters.EventsReceived.Add(1)
	switch ev.Type {
	case omm.EventLoginStatus:
		s.processLoginStatus(ev)
	case omm.EventCmdError:
		s.counters.CmdErrors.Add(1)
		log.Printf("[session %s] command error: %v", s.cfg.SessionName, ev.Err)
	default:
		s.counters.EventsDiscarded.Add(1)
	}
}

func (s *Session) processLoginStatus(ev omm.Event) {
	switch {
	case ev.Stream == omm.StreamOpen && ev.Data == omm.DataOk:
		s.counters.LoginSuccess.Add(1)
		log.Printf("[session %s] login accepted: %s", s.cfg.SessionName, ev.StatusText)
		s.sendDirectory()
		s.resetTokens()
		s.muted.Store(false)
		s.provider.recomputeRWF(s)

	case ev.Stream == omm.StreamOpen && ev.Data == omm.DataSuspect:
		s.counters.LoginSuspect.Add(1)
		s.muted.Store(true)
		log.Printf("[session %s] login suspect, muting: %s", s.cfg.SessionName, ev.StatusText)

	case ev.Stream == omm.StreamClosed:
		s.counters.LoginClosed.Add(1)
		s.muted.Store(true)
		s.discardTokens()
		log.Printf("[session %s] login closed, muting and discarding tokens: %s", s.cfg.SessionName, ev.StatusText)

	default:
		s.counters.EventsDiscarded.Add(1)
		log.Printf("[session %s] ignoring login status %s/%s", s.cfg.SessionName, ev.Stream, ev.Data)
	}
}

// sendDirectory publishes the service directory on this session. Failures
// are logged and counted; the session still proceeds to token regeneration
// so a directory hiccup cannot wedge the login state machine.
func (s *Session) sendDirectory() {
	if err := s.handle.SubmitDirectory(s.provider.directory); err != nil {
		var submitErr *omm.SubmitError
		if errors.As(err, &submitErr) {
			log.Printf("[session %s] directory rejected: severity=%s classification=%s status=%q",
				s.cfg.SessionName, submitErr.Severity, submitErr.Classification, submitErr.StatusText)
		} else {
			log.Printf("[session %s] directory submit failed: %v", s.cfg.SessionName, err)
		}
		s.counters.CmdErrors.Add(1)
		return
	}
	s.counters.DirectorySent.Add(1)
}

// resetTokens regenerates this session's token in every known item stream.
// Safe to run repeatedly; each run replaces the previous tokens.
func (s *Session) resetTokens() {
	generated := 0
	s.provider.streams.Range(func(ric string, stream *ItemStream) bool {
		tok, err := s.handle.CreateItemStream(ric)
		if err != nil {
			log.Printf("[session %s] item stream %q: %v", s.cfg.SessionName, ric, err)
			stream.clearToken(s.index)
			return true
		}
		stream.setToken(s.index, tok)
		s.counters.TokensGenerated.Add(1)
		generated++
		return true
	})
	log.Printf("[session %s] regenerated %d stream tokens", s.cfg.SessionName, generated)
}

// discardTokens clears this session's slot in every stream. Streams survive;
// only the per-session handles die with the login.
func (s *Session) discardTokens() {
	s.provider.streams.Range(func(_ string, stream *ItemStream) bool {
		stream.clearToken(s.index)
		return true
	})
}
