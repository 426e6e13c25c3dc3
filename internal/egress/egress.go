// Package egress optionally routes all upstream connections through a
// sing-box outbound described by the feed config's egress block. Without an
// egress block, dialing stays direct.
package egress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"

	"github.com/sagernet/sing-box/adapter"
	M "github.com/sagernet/sing/common/metadata"
)

// Egress owns the configured outbound, if any.
type Egress struct {
	builder  OutboundBuilder
	outbound adapter.Outbound
}

// New builds an egress from the config's outbound options document. A nil or
// empty options map means direct dialing and yields an Egress whose
// DialContext is nil.
func New(options map[string]any, builder OutboundBuilder) (*Egress, error) {
	if len(options) == 0 {
		return &Egress{}, nil
	}
	raw, err := json.Marshal(options)
	if err != nil {
		return nil, fmt.Errorf("egress: encode options: %w", err)
	}
	ob, err := builder.Build(raw)
	if err != nil {
		return nil, fmt.Errorf("egress: %w", err)
	}
	log.Printf("[egress] outbound %s (%s) active, all upstream fetches routed through it", ob.Tag(), ob.Type())
	return &Egress{builder: builder, outbound: ob}, nil
}

// NewSingbox is the production constructor: it wires a SingboxBuilder and
// builds the outbound from the config options. Returns a direct Egress when
// options is empty, without constructing the service graph.
func NewSingbox(options map[string]any) (*Egress, error) {
	if len(options) == 0 {
		return &Egress{}, nil
	}
	builder, err := NewSingboxBuilder()
	if err != nil {
		return nil, err
	}
	e, err := New(options, builder)
	if err != nil {
		builder.Close()
		return nil, err
	}
	return e, nil
}

// Active reports whether an outbound is configured.
func (e *Egress) Active() bool {
	return e.outbound != nil
}

// DialContext returns the dial function for the configured outbound, or nil
// when dialing is direct. The nil return is deliberate: transports treat a
// nil dialer as "use the default".
func (e *Egress) DialContext() func(ctx context.Context, network, addr string) (net.Conn, error) {
	if e.outbound == nil {
		return nil
	}
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		return e.outbound.DialContext(ctx, network, M.ParseSocksaddr(addr))
	}
}

// Close releases the outbound and its builder.
func (e *Egress) Close() error {
	var errs []error
	if e.outbound != nil {
		if c, ok := e.outbound.(interface{ Close() error }); ok {
			errs = append(errs, c.Close())
		}
		e.outbound = nil
	}
	if c, ok := e.builder.(interface{ Close() error }); ok && c != nil {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}
