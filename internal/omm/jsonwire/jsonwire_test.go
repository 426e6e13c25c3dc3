package jsonwire

import (
	"bufio"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/psychfeed/psychfeed/internal/omm"
)

// testServer accepts one connection and exposes its frames.
type testServer struct {
	t        *testing.T
	ln       net.Listener
	conn     chan net.Conn
	received chan *frame
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s := &testServer{t: t, ln: ln, conn: make(chan net.Conn, 1), received: make(chan *frame, 16)}
	t.Cleanup(func() { ln.Close() })
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		s.conn <- conn
		r := bufio.NewReader(conn)
		for {
			f, err := readFrame(r)
			if err != nil {
				close(s.received)
				return
			}
			s.received <- f
		}
	}()
	return s
}

func (s *testServer) addr() string { return s.ln.Addr().String() }

func (s *testServer) send(f *frame) {
	s.t.Helper()
	select {
	case conn := <-s.conn:
		s.conn <- conn
		if err := writeFrame(conn, f); err != nil {
			s.t.Fatalf("server write: %v", err)
		}
	case <-time.After(5 * time.Second):
		s.t.Fatalf("no connection to send on")
	}
}

func (s *testServer) next() *frame {
	s.t.Helper()
	select {
	case f, ok := <-s.received:
		if !ok {
			s.t.Fatalf("server connection closed")
		}
		return f
	case <-time.After(5 * time.Second):
		s.t.Fatalf("timeout waiting for frame")
		return nil
	}
}

func nextEvent(t *testing.T, q *omm.EventQueue) omm.Event {
	t.Helper()
	done := make(chan omm.Event, 1)
	go q.Dispatch(func(ev omm.Event) {
		select {
		case done <- ev:
		default:
		}
	})
	select {
	case ev := <-done:
		return ev
	case <-time.After(5 * time.Second):
		t.Fatalf("timeout waiting for event")
		return omm.Event{}
	}
}

func providerConfig(addr string) omm.ProviderConfig {
	return omm.ProviderConfig{
		SessionName:    "s1",
		ConnectionName: "s1-conn",
		PublisherName:  "psychfeed",
		Servers:        []string{addr},
		DefaultPort:    14003,
		MonitorName:    "psychfeed-monitor",
	}
}

func TestHostPort(t *testing.T) {
	if got := hostPort("ads1.example.com", 14003); got != "ads1.example.com:14003" {
		t.Fatalf("default port: %q", got)
	}
	if got := hostPort("ads1.example.com:15000", 14003); got != "ads1.example.com:15000" {
		t.Fatalf("explicit port: %q", got)
	}
}

func TestCreateProvider_FallsBackToNextServer(t *testing.T) {
	srv := newTestServer(t)

	// First server refuses: grab a port and release it.
	dead, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	deadAddr := dead.Addr().String()
	dead.Close()

	w := New(Options{ConnectTimeout: 2 * time.Second})
	events := omm.NewEventQueue("ev", 16)
	cfg := providerConfig(srv.addr())
	cfg.Servers = []string{deadAddr, srv.addr()}
	p, err := w.CreateProvider(cfg, events)
	if err != nil {
		t.Fatalf("CreateProvider: %v", err)
	}
	defer p.Close()

	if err := p.RegisterLogin(omm.LoginRequest{UserName: "feedsvc"}); err != nil {
		t.Fatalf("RegisterLogin: %v", err)
	}
	if f := srv.next(); f.Type != frameLogin {
		t.Fatalf("frame type: %q", f.Type)
	}
}

func TestCreateProvider_AllServersFail(t *testing.T) {
	dead, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	deadAddr := dead.Addr().String()
	dead.Close()

	w := New(Options{ConnectTimeout: 500 * time.Millisecond})
	events := omm.NewEventQueue("ev", 16)
	cfg := providerConfig(deadAddr)
	if _, err := w.CreateProvider(cfg, events); err == nil {
		t.Fatalf("expected dial failure")
	} else if !strings.Contains(err.Error(), "all servers failed") {
		t.Fatalf("error: %v", err)
	}
}

func TestLoginRoundTrip(t *testing.T) {
	srv := newTestServer(t)
	w := New(Options{})
	events := omm.NewEventQueue("ev", 16)
	p, err := w.CreateProvider(providerConfig(srv.addr()), events)
	if err != nil {
		t.Fatalf("CreateProvider: %v", err)
	}
	defer p.Close()

	if err := p.RegisterLogin(omm.LoginRequest{
		UserName: "feedsvc", ApplicationID: "256", Position: "127.0.0.1/net",
	}); err != nil {
		t.Fatalf("RegisterLogin: %v", err)
	}
	f := srv.next()
	if f.Type != frameLogin || f.UserName != "feedsvc" || f.ApplicationID != "256" {
		t.Fatalf("login frame: %+v", f)
	}

	srv.send(&frame{Type: frameLoginStatus, Stream: "Open", Data: "Ok", RWFMajor: 14, RWFMinor: 1})
	ev := nextEvent(t, events)
	if ev.Type != omm.EventLoginStatus || ev.Stream != omm.StreamOpen || ev.Data != omm.DataOk {
		t.Fatalf("event: %+v", ev)
	}
	if ev.SessionName != "s1" {
		t.Fatalf("session name: %q", ev.SessionName)
	}
	major, minor := p.RWFVersion()
	if major != 14 || minor != 1 {
		t.Fatalf("rwf: %d.%d", major, minor)
	}
}

func TestSubmitRefresh_FrameContent(t *testing.T) {
	srv := newTestServer(t)
	w := New(Options{})
	events := omm.NewEventQueue("ev", 16)
	p, err := w.CreateProvider(providerConfig(srv.addr()), events)
	if err != nil {
		t.Fatalf("CreateProvider: %v", err)
	}
	defer p.Close()

	tok, err := p.CreateItemStream("MP.1679")
	if err != nil {
		t.Fatalf("CreateItemStream: %v", err)
	}
	msg := &omm.RefreshMsg{
		ServiceName: "PSYCH",
		ItemName:    "MP.1679",
		Stream:      omm.StreamOpen,
		Data:        omm.DataOk,
		Unsolicited: true,
		Complete:    true,
		ClearCache:  true,
		Fields: []omm.FieldEntry{
			omm.ASCIIField(omm.FIDStockRIC, "IBM.N"),
			omm.RealField(7001, 123456, -6),
			omm.BlankRealField(7002),
		},
		PermissionData: []byte{0x01, 0x02},
	}
	if err := p.SubmitRefresh(msg, tok); err != nil {
		t.Fatalf("SubmitRefresh: %v", err)
	}

	f := srv.next()
	if f.Type != frameRefresh || f.TokenID != tok.TokenID() || f.ItemName != "MP.1679" {
		t.Fatalf("refresh frame: %+v", f)
	}
	if !f.Unsolicited || !f.Complete || !f.ClearCache {
		t.Fatalf("refresh flags: %+v", f)
	}
	if len(f.Fields) != 3 || f.Fields[0].Kind != "ascii" || f.Fields[1].Mantissa != 123456 || !f.Fields[2].Blank {
		t.Fatalf("refresh fields: %+v", f.Fields)
	}
	if len(f.PermissionData) != 2 {
		t.Fatalf("permission data: %v", f.PermissionData)
	}
}

func TestSubmitDirectory_FrameContent(t *testing.T) {
	srv := newTestServer(t)
	w := New(Options{})
	events := omm.NewEventQueue("ev", 16)
	p, err := w.CreateProvider(providerConfig(srv.addr()), events)
	if err != nil {
		t.Fatalf("CreateProvider: %v", err)
	}
	defer p.Close()

	if err := p.SubmitDirectory(omm.NewServiceDirectory("PSYCH", "psychfeed")); err != nil {
		t.Fatalf("SubmitDirectory: %v", err)
	}
	f := srv.next()
	if f.Type != frameDirectory || f.ServiceName != "PSYCH" || f.ServiceState != 1 {
		t.Fatalf("directory frame: %+v", f)
	}
	if len(f.Capabilities) != 1 || f.Capabilities[0] != omm.ModelMarketPrice {
		t.Fatalf("capabilities: %v", f.Capabilities)
	}
	if len(f.QoS) != 1 || f.QoS[0].Timeliness != "realTime" || f.QoS[0].Rate != "tickByTick" {
		t.Fatalf("qos: %+v", f.QoS)
	}
}

func TestCmdErrorFrame_PostsEvent(t *testing.T) {
	srv := newTestServer(t)
	w := New(Options{})
	events := omm.NewEventQueue("ev", 16)
	p, err := w.CreateProvider(providerConfig(srv.addr()), events)
	if err != nil {
		t.Fatalf("CreateProvider: %v", err)
	}
	defer p.Close()

	srv.send(&frame{Type: frameCmdError, Severity: "Error", Classification: "InvalidUsage", Text: "bad token"})
	ev := nextEvent(t, events)
	if ev.Type != omm.EventCmdError {
		t.Fatalf("event: %+v", ev)
	}
	var subErr *omm.SubmitError
	if se, ok := ev.Err.(*omm.SubmitError); ok {
		subErr = se
	} else {
		t.Fatalf("error type: %T", ev.Err)
	}
	if subErr.Classification != "InvalidUsage" {
		t.Fatalf("classification: %q", subErr.Classification)
	}
}

func TestConnectionLoss_PostsClosedSuspect(t *testing.T) {
	srv := newTestServer(t)
	w := New(Options{})
	events := omm.NewEventQueue("ev", 16)
	p, err := w.CreateProvider(providerConfig(srv.addr()), events)
	if err != nil {
		t.Fatalf("CreateProvider: %v", err)
	}
	defer p.Close()

	// Server hangs up.
	select {
	case conn := <-srv.conn:
		conn.Close()
	case <-time.After(5 * time.Second):
		t.Fatalf("no connection")
	}

	ev := nextEvent(t, events)
	if ev.Type != omm.EventLoginStatus || ev.Stream != omm.StreamClosed || ev.Data != omm.DataSuspect {
		t.Fatalf("event: %+v", ev)
	}
}

func TestWriteAfterClose_Fails(t *testing.T) {
	srv := newTestServer(t)
	w := New(Options{})
	events := omm.NewEventQueue("ev", 16)
	p, err := w.CreateProvider(providerConfig(srv.addr()), events)
	if err != nil {
		t.Fatalf("CreateProvider: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := p.RegisterLogin(omm.LoginRequest{UserName: "x"}); err == nil {
		t.Fatalf("write after close must fail")
	}
}
