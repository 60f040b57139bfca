// Package ednsstatus tracks, per remote peer, what we've learned
// about its EDNS and EDNS-PING support. Ported from PowerDNS
// recursor's EDNSStatus / ednsstatus_t (pdns/syncres.hh).
package ednsstatus

import (
	"sync"
	"time"
)

// Mode is one of the six states a peer's EDNS relationship can be in.
// The zero value is Unknown, matching the original's default.
type Mode int

const (
	// Unknown means we have not yet probed this peer.
	Unknown Mode = iota
	// ConfirmedPinger means the peer has echoed an EDNS PING cookie.
	ConfirmedPinger
	// EDNSNoPing means the peer accepts EDNS but ignored or mangled the
	// PING option; it is not probed again until the re-probe interval
	// (see ShouldReprobe) has passed.
	EDNSNoPing
	// EDNSPingOK means the most recent probe with a PING cookie was
	// correctly echoed.
	EDNSPingOK
	// EDNSIgnorant means the peer answers an EDNS query without an OPT
	// record: it ignores EDNS rather than rejecting it.
	EDNSIgnorant
	// NoEDNS means the peer rejects or truncates EDNS entirely; send it
	// plain queries.
	NoEDNS
)

func (m Mode) String() string {
	switch m {
	case ConfirmedPinger:
		return "CONFIRMED_PINGER"
	case EDNSNoPing:
		return "EDNS_NOPING"
	case EDNSPingOK:
		return "EDNS_PING_OK"
	case EDNSIgnorant:
		return "EDNS_IGNORANT"
	case NoEDNS:
		return "NO_EDNS"
	default:
		return "UNKNOWN"
	}
}

// Status is one peer's current EDNS relationship.
type Status struct {
	Mode         Mode
	ModeSetAt    time.Time
	PingHitCount int
}

// Table is the per-peer EDNS status table.
type Table struct {
	mu   sync.Mutex
	rows map[string]Status
}

// New returns an empty EDNS status table.
func New() *Table {
	return &Table{rows: make(map[string]Status)}
}

// Get returns the current status for peer, or the zero Status
// (Unknown) if never probed.
func (t *Table) Get(peer string) Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rows[peer]
}

// set writes status for peer, stamping ModeSetAt with now if the mode
// changed.
func (t *Table) set(peer string, now time.Time, mutate func(Status) Status) {
	t.mu.Lock()
	defer t.mu.Unlock()

	cur := t.rows[peer]
	next := mutate(cur)
	if next.Mode != cur.Mode {
		next.ModeSetAt = now
	}
	t.rows[peer] = next
}

// PromotePingOK records that peer correctly echoed an EDNS PING
// cookie: it is promoted to ConfirmedPinger once, then tracked as
// EDNSPingOK on every subsequent success.
func (t *Table) PromotePingOK(peer string, now time.Time) {
	t.set(peer, now, func(s Status) Status {
		s.PingHitCount++
		if s.Mode == Unknown || s.Mode == EDNSNoPing {
			s.Mode = ConfirmedPinger
		} else {
			s.Mode = EDNSPingOK
		}
		return s
	})
}

// DemoteNoPing records that peer accepted EDNS but mishandled the
// PING option (truncation, malformed echo).
func (t *Table) DemoteNoPing(peer string, now time.Time) {
	t.set(peer, now, func(s Status) Status {
		s.Mode = EDNSNoPing
		return s
	})
}

// DemoteNoEDNS records that peer rejects EDNS entirely (FORMERR with
// an EDNS query, or similar).
func (t *Table) DemoteNoEDNS(peer string, now time.Time) {
	t.set(peer, now, func(s Status) Status {
		s.Mode = NoEDNS
		return s
	})
}

// MarkIgnorant records that peer answered an EDNS query without an
// OPT record. Only a peer still in Unknown mode changes mode.
func (t *Table) MarkIgnorant(peer string, now time.Time) {
	t.set(peer, now, func(s Status) Status {
		if s.Mode == Unknown {
			s.Mode = EDNSIgnorant
		}
		return s
	})
}

// ShouldReprobe reports whether peer's status is old enough (relative
// to interval) that a fresh EDNS probe should be sent rather than
// trusting the cached mode. A peer that has never been probed (mode
// Unknown) should always be probed.
func (t *Table) ShouldReprobe(peer string, now time.Time, interval time.Duration) bool {
	s := t.Get(peer)
	if s.Mode == Unknown {
		return true
	}
	if s.Mode == NoEDNS || s.Mode == EDNSNoPing {
		return now.Sub(s.ModeSetAt) >= interval
	}
	return false
}

// UseEDNS reports whether queries to peer should currently carry
// EDNS, based on its last known mode.
func (s Status) UseEDNS() bool {
	return s.Mode != NoEDNS
}

// UsePing reports whether queries to peer should currently carry an
// EDNS PING option.
func (s Status) UsePing() bool {
	return s.Mode != NoEDNS && s.Mode != EDNSNoPing
}
