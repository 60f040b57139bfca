package ednsstatus

import (
	"testing"
	"time"
)

func TestPromoteAndDemote(t *testing.T) {
	tbl := New()
	now := time.Now()
	peer := "192.0.2.1:53"

	if got := tbl.Get(peer).Mode; got != Unknown {
		t.Fatalf("initial mode = %v, want Unknown", got)
	}

	tbl.PromotePingOK(peer, now)
	if got := tbl.Get(peer).Mode; got != ConfirmedPinger {
		t.Fatalf("mode after first ping ok = %v, want ConfirmedPinger", got)
	}

	tbl.PromotePingOK(peer, now.Add(time.Second))
	if got := tbl.Get(peer).Mode; got != EDNSPingOK {
		t.Fatalf("mode after second ping ok = %v, want EDNSPingOK", got)
	}
	if got := tbl.Get(peer).PingHitCount; got != 2 {
		t.Fatalf("PingHitCount = %d, want 2", got)
	}
}

// TestEDNSDemotion exercises spec.md §8 S5: a FORMERR with EDNS
// demotes the peer so the next query omits EDNS, and the cooldown
// governs re-probing.
func TestEDNSDemotion(t *testing.T) {
	tbl := New()
	now := time.Now()
	peer := "192.0.2.2:53"

	tbl.DemoteNoEDNS(peer, now)
	s := tbl.Get(peer)
	if s.Mode != NoEDNS {
		t.Fatalf("mode = %v, want NoEDNS", s.Mode)
	}
	if s.UseEDNS() {
		t.Fatal("UseEDNS() = true, want false once demoted")
	}

	if tbl.ShouldReprobe(peer, now.Add(time.Minute), time.Hour) {
		t.Fatal("expected no reprobe before the cooldown elapses")
	}
	if !tbl.ShouldReprobe(peer, now.Add(2*time.Hour), time.Hour) {
		t.Fatal("expected a reprobe once the cooldown elapses")
	}
}

func TestNeverProbedAlwaysReprobes(t *testing.T) {
	tbl := New()
	if !tbl.ShouldReprobe("192.0.2.3:53", time.Now(), time.Hour) {
		t.Fatal("expected ShouldReprobe true for a never-seen peer")
	}
}

func TestUsePing(t *testing.T) {
	tbl := New()
	now := time.Now()
	peer := "192.0.2.4:53"

	tbl.DemoteNoPing(peer, now)
	s := tbl.Get(peer)
	if !s.UseEDNS() {
		t.Fatal("UseEDNS() = false, want true (EDNS_NOPING still supports plain EDNS)")
	}
	if s.UsePing() {
		t.Fatal("UsePing() = true, want false after EDNS_NOPING demotion")
	}
}
