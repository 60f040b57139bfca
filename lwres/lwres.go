// Package lwres is the async send/receive wrapper of spec.md §4.6: it
// bridges the (otherwise synchronous) wire.Exchanger to the
// scheduler's suspend/resume model, so that two fibers asking the
// same (peer, qname, qtype) question share one outgoing packet
// (spec.md's "chaining").
package lwres

import (
	"context"
	"encoding/hex"
	"time"

	"github.com/miekg/dns"

	"github.com/coredns/recursor/scheduler"
	"github.com/coredns/recursor/wire"
)

// Outcome classifies how an AsyncResolve call ended, mirroring
// spec.md §4.6 steps 4-6 (DELIVERED/TIMEOUT/CANCELLED-or-unreachable).
type Outcome int

const (
	// Success means a well-formed response was parsed into Result.
	Success Outcome = iota
	// TimedOut means no response arrived before the deadline.
	TimedOut
	// Unreachable means the transport itself failed (ICMP unreachable,
	// connection refused, malformed reply) and the error was delivered
	// through the scheduler in place of a response.
	Unreachable
	// Cancelled means the wait key was cancelled (e.g. socket closed).
	Cancelled
)

// Result is the LWResult of spec.md §4.6: the parsed response plus
// how long the exchange took.
type Result struct {
	Response *dns.Msg
	RTT      time.Duration
}

const (
	udpFD = 0
	tcpFD = 1
)

// AsyncResolve sends (or joins an in-flight send of) a query for
// (qname, qtype) to peer, suspending the caller on the scheduler until
// a response arrives or the deadline passes. id is the transaction id
// this fiber wants to use if it becomes the chain leader; a merged
// (chained) caller's id is recorded but never placed on the wire.
// When useEDNS is set the query carries an EDNS0 OPT record; a
// non-empty cookie additionally attaches it as an RFC 7873 client
// cookie, the wire-level probe spec.md §4.7 calls "EDNS+PING."
func AsyncResolve(ctx context.Context, sched *scheduler.Scheduler, ex wire.Exchanger, peer, qname string, qtype uint16, id uint16, useTCP, rd, useEDNS bool, cookie []byte, timeout time.Duration) (Result, Outcome) {
	fd := udpFD
	if useTCP {
		fd = tcpFD
	}
	key := scheduler.PacketID{ID: id, Peer: peer, Qname: qname, Qtype: qtype, FD: fd}

	leader, merged := sched.Join(key)

	if !merged {
		go func() {
			q := new(dns.Msg)
			q.SetQuestion(dns.Fqdn(qname), qtype)
			q.RecursionDesired = rd
			q.Id = leader.ID
			if useEDNS {
				opt := q.SetEdns0(dns.DefaultMsgSize, false)
				if len(cookie) > 0 {
					opt.Option = append(opt.Option, &dns.EDNS0_COOKIE{Code: dns.EDNS0COOKIE, Cookie: hex.EncodeToString(cookie)})
				}
			}

			resp, _, err := ex.Exchange(ctx, peer, q, wire.Options{ForceTCP: useTCP, PreferUDP: !useTCP})

			var payload string
			if err != nil || resp == nil {
				payload = "E:" + errString(err)
			} else if packed, perr := resp.Pack(); perr == nil {
				payload = string(packed)
			} else {
				payload = "E:" + perr.Error()
			}

			sched.SendEvent(scheduler.PacketID{ID: leader.ID, Peer: peer, Qname: qname, Qtype: qtype}, payload)
		}()
	}

	start := time.Now()
	payload, status := sched.WaitEvent(ctx, key, timeout)
	rtt := time.Since(start)

	switch status {
	case scheduler.TimedOut:
		return Result{}, TimedOut
	case scheduler.Cancelled:
		return Result{}, Cancelled
	}

	if len(payload) >= 2 && payload[:2] == "E:" {
		return Result{}, Unreachable
	}

	resp := new(dns.Msg)
	if err := resp.Unpack([]byte(payload)); err != nil {
		return Result{}, Unreachable
	}

	return Result{Response: resp, RTT: rtt}, Success
}

func errString(err error) string {
	if err == nil {
		return "unreachable"
	}
	return err.Error()
}
