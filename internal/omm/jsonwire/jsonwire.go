// Package jsonwire carries the publisher fabric over TCP using 4-byte
// length-prefixed JSON frames. Each session dials its configured server list
// in order and keeps one connection; login status and command-error frames
// from the server are dispatched into the shared event queue.
package jsonwire

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/psychfeed/psychfeed/internal/omm"
)

// ProtocolVersion is the frame protocol revision this package speaks.
const ProtocolVersion = 1

// DialFunc dials one server address. nil means a plain net.Dialer.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// Options configures a Wire.
type Options struct {
	Dial           DialFunc
	ConnectTimeout time.Duration // default 10s
}

// Wire implements omm.Wire over TCP JSON frames.
type Wire struct {
	dial           DialFunc
	connectTimeout time.Duration
}

// New builds a Wire.
func New(opts Options) *Wire {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	if opts.Dial == nil {
		d := &net.Dialer{}
		opts.Dial = d.DialContext
	}
	return &Wire{dial: opts.Dial, connectTimeout: opts.ConnectTimeout}
}

// VerifyVersion checks the protocol revision. The frame protocol is
// compiled in, so only an impossible build can fail here.
func (w *Wire) VerifyVersion() error {
	if ProtocolVersion < 1 {
		return fmt.Errorf("jsonwire: unsupported protocol version %d", ProtocolVersion)
	}
	return nil
}

// CreateProvider dials the session's server list in order; the first
// successful connection wins. Servers without an explicit port get the
// session default port.
func (w *Wire) CreateProvider(cfg omm.ProviderConfig, events *omm.EventQueue) (omm.ProviderHandle, error) {
	if len(cfg.Servers) == 0 {
		return nil, fmt.Errorf("jsonwire: session %s: no servers configured", cfg.SessionName)
	}

	var conn net.Conn
	var dialErrs []error
	for _, server := range cfg.Servers {
		addr := hostPort(server, cfg.DefaultPort)
		ctx, cancel := context.WithTimeout(context.Background(), w.connectTimeout)
		c, err := w.dial(ctx, "tcp", addr)
		cancel()
		if err != nil {
			dialErrs = append(dialErrs, fmt.Errorf("%s: %w", addr, err))
			continue
		}
		log.Printf("[jsonwire] session %s connected to %s", cfg.SessionName, addr)
		conn = c
		break
	}
	if conn == nil {
		return nil, fmt.Errorf("jsonwire: session %s: all servers failed: %w",
			cfg.SessionName, errors.Join(dialErrs...))
	}

	p := &providerHandle{
		sessionName: cfg.SessionName,
		conn:        conn,
		events:      events,
	}
	go p.readLoop()
	return p, nil
}

// hostPort appends defaultPort when server carries no explicit port.
func hostPort(server string, defaultPort int) string {
	if _, _, err := net.SplitHostPort(server); err == nil {
		return server
	}
	return net.JoinHostPort(server, strconv.Itoa(defaultPort))
}

type providerHandle struct {
	sessionName string
	events      *omm.EventQueue

	writeMu sync.Mutex
	conn    net.Conn

	nextToken atomic.Uint64
	rwfMajor  atomic.Int64
	rwfMinor  atomic.Int64

	closed atomic.Bool
}

type streamToken struct {
	id   uint64
	name string
}

func (t *streamToken) TokenID() uint64 { return t.id }

func (p *providerHandle) RegisterLogin(req omm.LoginRequest) error {
	return p.write(&frame{
		Type:          frameLogin,
		UserName:      req.UserName,
		ApplicationID: req.ApplicationID,
		InstanceID:    req.InstanceID,
		Position:      req.Position,
	})
}

// CreateItemStream allocates a token locally; the stream exists on the wire
// from the first refresh that names it.
func (p *providerHandle) CreateItemStream(name string) (omm.Token, error) {
	if p.closed.Load() {
		return nil, fmt.Errorf("jsonwire: session %s: closed", p.sessionName)
	}
	return &streamToken{id: p.nextToken.Add(1), name: name}, nil
}

func (p *providerHandle) SubmitRefresh(msg *omm.RefreshMsg, token omm.Token) error {
	fields := make([]frameField, len(msg.Fields))
	for i, f := range msg.Fields {
		fields[i] = frameField{
			FID:      f.FID,
			Kind:     kindName(f.Kind),
			Text:     f.Text,
			Mantissa: f.Mantissa,
			Exponent: f.Exponent,
			Blank:    f.Blank,
		}
	}
	return p.write(&frame{
		Type:           frameRefresh,
		TokenID:        token.TokenID(),
		ServiceName:    msg.ServiceName,
		ItemName:       msg.ItemName,
		Stream:         msg.Stream.String(),
		Data:           msg.Data.String(),
		Unsolicited:    msg.Unsolicited,
		Complete:       msg.Complete,
		ClearCache:     msg.ClearCache,
		Fields:         fields,
		PermissionData: msg.PermissionData,
	})
}

func (p *providerHandle) SubmitDirectory(dir *omm.ServiceDirectory) error {
	qos := make([]frameQoS, len(dir.QoS))
	for i, q := range dir.QoS {
		qos[i] = frameQoS{Timeliness: q.Timeliness, Rate: q.Rate}
	}
	return p.write(&frame{
		Type:             frameDirectory,
		ServiceName:      dir.ServiceName,
		Vendor:           dir.Vendor,
		Capabilities:     dir.Capabilities,
		DictionariesUsed: dir.DictionariesUsed,
		QoS:              qos,
		ServiceState:     dir.ServiceState,
	})
}

func (p *providerHandle) RWFVersion() (major, minor int) {
	return int(p.rwfMajor.Load()), int(p.rwfMinor.Load())
}

func (p *providerHandle) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	return p.conn.Close()
}

func (p *providerHandle) write(f *frame) error {
	if p.closed.Load() {
		return fmt.Errorf("jsonwire: session %s: closed", p.sessionName)
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if err := writeFrame(p.conn, f); err != nil {
		return fmt.Errorf("jsonwire: session %s: %w", p.sessionName, err)
	}
	return nil
}

// readLoop turns server frames into events. A read failure on a live handle
// is reported as a closed suspect login so the session machinery mutes and
// discards tokens.
func (p *providerHandle) readLoop() {
	r := bufio.NewReader(p.conn)
	for {
		f, err := readFrame(r)
		if err != nil {
			if !p.closed.Load() {
				log.Printf("[jsonwire] session %s: connection lost: %v", p.sessionName, err)
				p.events.Post(omm.Event{
					Type:        omm.EventLoginStatus,
					SessionName: p.sessionName,
					Stream:      omm.StreamClosed,
					Data:        omm.DataSuspect,
					StatusText:  fmt.Sprintf("connection lost: %v", err),
				})
			}
			return
		}
		switch f.Type {
		case frameLoginStatus:
			if f.RWFMajor > 0 {
				p.rwfMajor.Store(int64(f.RWFMajor))
				p.rwfMinor.Store(int64(f.RWFMinor))
			}
			p.events.Post(omm.Event{
				Type:        omm.EventLoginStatus,
				SessionName: p.sessionName,
				Stream:      parseStreamState(f.Stream),
				Data:        parseDataState(f.Data),
				StatusText:  f.Text,
			})
		case frameCmdError:
			p.events.Post(omm.Event{
				Type:        omm.EventCmdError,
				SessionName: p.sessionName,
				Err: &omm.SubmitError{
					Severity:       f.Severity,
					Classification: f.Classification,
					StatusText:     f.Text,
				},
			})
		default:
			log.Printf("[jsonwire] session %s: ignoring unknown frame type %q", p.sessionName, f.Type)
		}
	}
}

func kindName(k omm.FieldKind) string {
	switch k {
	case omm.KindASCII:
		return "ascii"
	case omm.KindRMTES:
		return "rmtes"
	case omm.KindReal64:
		return "real64"
	default:
		return "unknown"
	}
}

func parseStreamState(s string) omm.StreamState {
	switch s {
	case "Open":
		return omm.StreamOpen
	case "Closed":
		return omm.StreamClosed
	default:
		return omm.StreamUnspecified
	}
}

func parseDataState(s string) omm.DataState {
	switch s {
	case "Ok":
		return omm.DataOk
	case "Suspect":
		return omm.DataSuspect
	default:
		return omm.DataUnspecified
	}
}
