package testutil

import (
	"context"
	"encoding/json"
	"net"
	"time"

	"github.com/sagernet/sing-box/adapter"
	M "github.com/sagernet/sing/common/metadata"
)

// StubOutboundBuilder builds outbounds that dial directly, so egress tests
// can route through a real outbound without a proxy endpoint behind it.
type StubOutboundBuilder struct{}

func (b *StubOutboundBuilder) Build(_ json.RawMessage) (adapter.Outbound, error) {
	return &directOutbound{dialer: net.Dialer{Timeout: 15 * time.Second}}, nil
}

// directOutbound satisfies adapter.Outbound with plain net dials.
type directOutbound struct {
	dialer net.Dialer
}

func (o *directOutbound) Type() string { return "direct-stub" }

func (o *directOutbound) Tag() string { return "direct-stub" }

func (o *directOutbound) Network() []string { return []string{"tcp", "udp"} }

func (o *directOutbound) Dependencies() []string { return nil }

func (o *directOutbound) DialContext(ctx context.Context, network string, dest M.Socksaddr) (net.Conn, error) {
	return o.dialer.DialContext(ctx, network, dest.String())
}

func (o *directOutbound) ListenPacket(ctx context.Context, _ M.Socksaddr) (net.PacketConn, error) {
	var lc net.ListenConfig
	return lc.ListenPacket(ctx, "udp", "")
}

func (o *directOutbound) Close() error { return nil }
