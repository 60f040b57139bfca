// Package wire defines the contracts spec.md §6 calls "external
// interfaces" — the wire codec and socket layer the resolution core
// consumes but does not own — plus one concrete default
// implementation so the module is runnable end to end.
//
// The default Exchanger is grounded on CoreDNS's plugin/pkg/proxy
// Connect method: it selects UDP or TCP the same way
// (Options{PreferUDP, ForceTCP}) and is built on the same
// *dns.Client from github.com/miekg/dns.
package wire

import (
	"context"
	"time"

	"github.com/miekg/dns"
)

// Options mirrors plugin/pkg/proxy's connection Options: which
// transport to prefer or force for a single exchange.
type Options struct {
	PreferUDP bool
	ForceTCP  bool
}

// Exchanger is the "send a query, receive a response" primitive
// spec.md §1 says the core consumes from the wire codec and socket
// layers. peer is a host:port address.
type Exchanger interface {
	Exchange(ctx context.Context, peer string, q *dns.Msg, opts Options) (*dns.Msg, time.Duration, error)
}

// ClientExchanger is the default Exchanger, a thin wrapper over
// *dns.Client that picks UDP or TCP per Options exactly as
// plugin/pkg/proxy.Connect does.
type ClientExchanger struct {
	udp *dns.Client
	tcp *dns.Client
}

// NewClientExchanger returns a ClientExchanger with the given
// per-exchange timeout applied to both its UDP and TCP clients.
func NewClientExchanger(timeout time.Duration) *ClientExchanger {
	return &ClientExchanger{
		udp: &dns.Client{Net: "udp", Timeout: timeout},
		tcp: &dns.Client{Net: "tcp", Timeout: timeout},
	}
}

// Exchange sends q to peer and returns its reply.
func (c *ClientExchanger) Exchange(ctx context.Context, peer string, q *dns.Msg, opts Options) (*dns.Msg, time.Duration, error) {
	client := c.udp
	if opts.ForceTCP {
		client = c.tcp
	}
	resp, rtt, err := client.ExchangeContext(ctx, q, peer)
	if err == nil && resp != nil && resp.Truncated && !opts.ForceTCP {
		return c.tcp.ExchangeContext(ctx, q, peer)
	}
	return resp, rtt, err
}
