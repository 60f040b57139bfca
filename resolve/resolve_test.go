package resolve

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/miekg/dns"

	"github.com/coredns/recursor/domain"
	"github.com/coredns/recursor/rand"
	"github.com/coredns/recursor/reccache"
	"github.com/coredns/recursor/throttle"
	"github.com/coredns/recursor/wire"
	"github.com/coredns/recursor/worker"
)

// scriptedExchanger answers every Exchange call from a per-peer script
// keyed by address, recording how many times each peer was contacted.
type scriptedExchanger struct {
	mu     sync.Mutex
	script map[string]func(q *dns.Msg) *dns.Msg
	calls  map[string]int
}

func newScriptedExchanger() *scriptedExchanger {
	return &scriptedExchanger{script: make(map[string]func(q *dns.Msg) *dns.Msg), calls: make(map[string]int)}
}

func (e *scriptedExchanger) on(peer string, fn func(q *dns.Msg) *dns.Msg) {
	e.script[peer] = fn
}

func (e *scriptedExchanger) callCount(peer string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls[peer]
}

func (e *scriptedExchanger) totalCalls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, c := range e.calls {
		n += c
	}
	return n
}

func (e *scriptedExchanger) Exchange(ctx context.Context, peer string, q *dns.Msg, opts wire.Options) (*dns.Msg, time.Duration, error) {
	e.mu.Lock()
	e.calls[peer]++
	fn := e.script[peer]
	e.mu.Unlock()

	if fn == nil {
		return nil, 0, nil
	}
	return fn(q), time.Millisecond, nil
}

func mustA(owner, ip string, ttl uint32) *dns.A {
	return &dns.A{Hdr: dns.RR_Header{Name: owner, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: ttl}, A: net.ParseIP(ip)}
}

func newTestResolver(ex *scriptedExchanger, opts ...Option) (*Resolver, *worker.Worker) {
	w := worker.New(0, domain.New(nil))
	r := New(w, ex, rand.New(1), opts...)
	return r, w
}

func seedNS(w *worker.Worker, zone string, nsNames ...string) {
	recs := make([]reccache.Record, len(nsNames))
	for i, ns := range nsNames {
		recs[i] = reccache.Record{Owner: zone, Type: dns.TypeNS, Class: dns.ClassINET, TTL: 3600, Rdata: &dns.NS{Hdr: dns.RR_Header{Name: zone, Rrtype: dns.TypeNS, Class: dns.ClassINET}, Ns: ns}}
	}
	w.RecCache.Replace(zone, dns.TypeNS, recs, true, time.Now())
}

func seedA(w *worker.Worker, owner, ip string) {
	rec := reccache.Record{Owner: owner, Type: dns.TypeA, Class: dns.ClassINET, TTL: 3600, Rdata: mustA(owner, ip, 3600)}
	w.RecCache.Replace(owner, dns.TypeA, []reccache.Record{rec}, true, time.Now())
}

func referralResponse(q *dns.Msg, zone string, ns []string, glue map[string]string) *dns.Msg {
	resp := new(dns.Msg)
	resp.SetReply(q)
	resp.Authoritative = false
	for _, n := range ns {
		resp.Ns = append(resp.Ns, &dns.NS{Hdr: dns.RR_Header{Name: zone, Rrtype: dns.TypeNS, Class: dns.ClassINET, Ttl: 3600}, Ns: n})
	}
	for name, ip := range glue {
		resp.Extra = append(resp.Extra, mustA(name, ip, 3600))
	}
	return resp
}

func answerResponse(q *dns.Msg, owner string, qtype uint16, rr dns.RR) *dns.Msg {
	resp := new(dns.Msg)
	resp.SetReply(q)
	resp.Authoritative = true
	resp.Answer = append(resp.Answer, rr)
	return resp
}

func nxdomainResponse(q *dns.Msg, soaOwner string, minttl uint32) *dns.Msg {
	resp := new(dns.Msg)
	resp.SetReply(q)
	resp.Rcode = dns.RcodeNameError
	resp.Ns = append(resp.Ns, &dns.SOA{Hdr: dns.RR_Header{Name: soaOwner, Rrtype: dns.TypeSOA, Class: dns.ClassINET, Ttl: minttl}, Minttl: minttl})
	return resp
}

// TestBeginResolveColdChain is S1: a cold resolve following two
// referrals down to an authoritative answer sends exactly 3 outbound
// queries (NS addresses are all satisfied from cache/glue).
func TestBeginResolveColdChain(t *testing.T) {
	ex := newScriptedExchanger()
	r, w := newTestResolver(ex)

	seedNS(w, ".", "ns1.root.")
	seedA(w, "ns1.root.", "198.51.100.1")

	ex.on("198.51.100.1:53", func(q *dns.Msg) *dns.Msg {
		return referralResponse(q, "test.", []string{"ns1.test."}, map[string]string{"ns1.test.": "198.51.100.2"})
	})
	ex.on("198.51.100.2:53", func(q *dns.Msg) *dns.Msg {
		return referralResponse(q, "example.test.", []string{"ns1.example.test."}, map[string]string{"ns1.example.test.": "198.51.100.3"})
	})
	ex.on("198.51.100.3:53", func(q *dns.Msg) *dns.Msg {
		return answerResponse(q, "www.example.test.", dns.TypeA, mustA("www.example.test.", "203.0.113.5", 300))
	})

	rcode, answer, err := r.BeginResolve(context.Background(), Question{Name: "www.example.test.", Qtype: dns.TypeA})
	if err != nil {
		t.Fatalf("BeginResolve error: %v", err)
	}
	if rcode != dns.RcodeSuccess {
		t.Fatalf("rcode = %d, want RcodeSuccess", rcode)
	}
	if len(answer) != 1 {
		t.Fatalf("answer = %v, want 1 record", answer)
	}
	for _, peer := range []string{"198.51.100.1:53", "198.51.100.2:53", "198.51.100.3:53"} {
		if got := ex.callCount(peer); got != 1 {
			t.Fatalf("callCount(%s) = %d, want 1", peer, got)
		}
	}
	if w.Stats.Snapshot().OutQueries != 3 {
		t.Fatalf("OutQueries = %d, want 3", w.Stats.Snapshot().OutQueries)
	}
}

// TestNegCacheRequeryWindow is S2: a NODATA entry is honored just
// before its TTD and ignored just after.
func TestNegCacheRequeryWindow(t *testing.T) {
	ex := newScriptedExchanger()
	r, _ := newTestResolver(ex)

	base := time.Now()
	r.insertNegative("www.example.test.", dns.TypeA, "example.test.", 60, base)

	if ok, res := r.doNegCacheCheck("www.example.test.", dns.TypeA, base.Add(59*time.Second)); !ok || res.outcome != outcomeNoData {
		t.Fatalf("expected NODATA hit at 59s, got ok=%v outcome=%v", ok, res.outcome)
	}
	if ok, _ := r.doNegCacheCheck("www.example.test.", dns.TypeA, base.Add(61*time.Second)); ok {
		t.Fatal("expected negative cache entry to have expired by 61s")
	}
}

// TestNegCacheNXDomainTakesPrecedence checks the whole-name sentinel
// wins over a qtype-specific NODATA entry for the same name.
func TestNegCacheNXDomainTakesPrecedence(t *testing.T) {
	ex := newScriptedExchanger()
	r, _ := newTestResolver(ex)

	now := time.Now()
	r.insertNegative("www.example.test.", dns.TypeA, "example.test.", 60, now)
	r.insertNegative("www.example.test.", negCacheAnyType, "example.test.", 60, now)

	ok, res := r.doNegCacheCheck("www.example.test.", dns.TypeA, now)
	if !ok || res.outcome != outcomeNXDomain {
		t.Fatalf("expected NXDOMAIN to take precedence, got ok=%v outcome=%v", ok, res.outcome)
	}
}

// TestThrottleFallsBackToSecondAddress is S4: a throttled nameserver
// address is skipped without being contacted, and resolution falls
// back to the other address. The two candidate addresses belong to
// distinct NS names with seeded EWMA scores, so shuffleInSpeedOrder
// deterministically tries the throttled one first.
func TestThrottleFallsBackToSecondAddress(t *testing.T) {
	ex := newScriptedExchanger()
	r, w := newTestResolver(ex)

	seedNS(w, ".", "ns-a.root.", "ns-b.root.")
	seedA(w, "ns-a.root.", "198.51.100.1")
	seedA(w, "ns-b.root.", "198.51.100.9")

	now := time.Now()
	w.NSSpeeds.Submit("ns-a.root.", "seed", 10, now)
	w.NSSpeeds.Submit("ns-b.root.", "seed", 100000, now)

	w.Throttle.Throttle(now, throttle.Key{Peer: "198.51.100.1:53", Qname: "www.example.test.", Qtype: dns.TypeA}, time.Minute, 3)

	ex.on("198.51.100.9:53", func(q *dns.Msg) *dns.Msg {
		return answerResponse(q, "www.example.test.", dns.TypeA, mustA("www.example.test.", "203.0.113.5", 300))
	})

	rcode, answer, err := r.BeginResolve(context.Background(), Question{Name: "www.example.test.", Qtype: dns.TypeA})
	if err != nil {
		t.Fatalf("BeginResolve error: %v", err)
	}
	if rcode != dns.RcodeSuccess || len(answer) != 1 {
		t.Fatalf("rcode=%d answer=%v, want success with 1 record", rcode, answer)
	}
	if got := ex.callCount("198.51.100.1:53"); got != 0 {
		t.Fatalf("throttled peer should never be contacted, got %d calls", got)
	}
	if got := ex.callCount("198.51.100.9:53"); got != 1 {
		t.Fatalf("callCount(198.51.100.9:53) = %d, want 1", got)
	}
	if w.Stats.Snapshot().ThrottledQueries != 1 {
		t.Fatalf("ThrottledQueries = %d, want 1", w.Stats.Snapshot().ThrottledQueries)
	}
}

// TestFormErrDemotesEDNS is S5: a FORMERR response demotes the peer's
// EDNS status and throttles it.
func TestFormErrDemotesEDNS(t *testing.T) {
	ex := newScriptedExchanger()
	r, w := newTestResolver(ex)

	ex.on("198.51.100.1:53", func(q *dns.Msg) *dns.Msg {
		resp := new(dns.Msg)
		resp.SetReply(q)
		resp.Rcode = dns.RcodeFormatError
		return resp
	})

	res, referral, _, _, ok := r.tryAddress(context.Background(), addrEntry{nsName: "ns1.root.", addr: "198.51.100.1:53"}, "www.example.test.", dns.TypeA, false)
	if ok || referral {
		t.Fatalf("FORMERR should yield ok=false, referral=false; got ok=%v referral=%v res=%v", ok, referral, res)
	}
	if status := w.EDNS.Get("198.51.100.1:53"); status.Mode.String() != "NO_EDNS" {
		t.Fatalf("EDNS mode = %v, want NO_EDNS", status.Mode)
	}
	if w.Throttle.Size() != 1 {
		t.Fatalf("Throttle.Size() = %d, want 1", w.Throttle.Size())
	}
}

// TestReferralLoopBoundedByBeenThere is S6: a nameserver that always
// refers back to the same NS set is caught by cycle detection and
// resolved as SERVFAIL rather than looping forever.
func TestReferralLoopBoundedByBeenThere(t *testing.T) {
	ex := newScriptedExchanger()
	r, w := newTestResolver(ex)

	seedNS(w, ".", "ns1.loop.")
	seedA(w, "ns1.loop.", "198.51.100.1")

	ex.on("198.51.100.1:53", func(q *dns.Msg) *dns.Msg {
		return referralResponse(q, ".", []string{"ns1.loop."}, map[string]string{"ns1.loop.": "198.51.100.1"})
	})

	done := make(chan struct{})
	var rcode int
	go func() {
		rcode, _, _ = r.BeginResolve(context.Background(), Question{Name: "www.example.test.", Qtype: dns.TypeA})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("BeginResolve did not return; referral cycle was not bounded")
	}
	if rcode != dns.RcodeServerFailure {
		t.Fatalf("rcode = %d, want RcodeServerFailure", rcode)
	}
}

// TestRenameAnswerPreservesOriginalCasing is invariant 6: the queried
// owner name is rendered back in the caller's original casing.
func TestRenameAnswerPreservesOriginalCasing(t *testing.T) {
	recs := []reccache.Record{{Owner: "www.example.test.", Type: dns.TypeA}}
	out := renameAnswer(recs, "WWW.Example.Test.")
	if out[0].Owner != "WWW.Example.Test." {
		t.Fatalf("Owner = %q, want original casing preserved", out[0].Owner)
	}
}

// TestMakeBeenThereKeyIgnoresOrderAndCase checks the cycle-detection
// key treats NS sets as unordered and case-insensitive.
func TestMakeBeenThereKeyIgnoresOrderAndCase(t *testing.T) {
	a := makeBeenThereKey("WWW.example.test.", []string{"ns2.example.test.", "NS1.example.test."})
	b := makeBeenThereKey("www.example.test.", []string{"ns1.example.test.", "ns2.example.test."})
	if a != b {
		t.Fatalf("makeBeenThereKey should be order/case independent: %v != %v", a, b)
	}
}

// TestDoOOBResolveAuthoritativeZone covers the local-records and
// NODATA/NXDOMAIN branches of spec.md §4.7 step 1.
func TestDoOOBResolveAuthoritativeZone(t *testing.T) {
	ex := newScriptedExchanger()
	r, w := newTestResolver(ex)

	zone := &domain.AuthDomain{
		Name: "example.test.",
		Records: []domain.Record{
			{Name: "www.example.test.", Type: dns.TypeA, Class: dns.ClassINET, TTL: 300, Rdata: mustA("www.example.test.", "203.0.113.9", 300)},
		},
	}
	w.SwapDomains(domain.New([]*domain.AuthDomain{zone}))

	if ok, res := r.doOOBResolve(context.Background(), "www.example.test.", dns.TypeA); !ok || res.outcome != outcomeAnswer {
		t.Fatalf("expected local answer, got ok=%v res=%v", ok, res)
	}
	if ok, res := r.doOOBResolve(context.Background(), "www.example.test.", dns.TypeAAAA); !ok || res.outcome != outcomeNoData {
		t.Fatalf("expected NODATA for AAAA, got ok=%v res=%v", ok, res)
	}
	if ok, res := r.doOOBResolve(context.Background(), "missing.example.test.", dns.TypeA); !ok || res.outcome != outcomeNXDomain {
		t.Fatalf("expected NXDOMAIN for unknown name under the zone, got ok=%v res=%v", ok, res)
	}
	if ex.totalCalls() != 0 {
		t.Fatal("auth-zone answers must never reach the wire")
	}
}

// TestDoForwardResolveUsesConfiguredForwarders covers the forward
// branch of doOOBResolve end to end.
func TestDoForwardResolveUsesConfiguredForwarders(t *testing.T) {
	ex := newScriptedExchanger()
	r, w := newTestResolver(ex)

	zone := &domain.AuthDomain{Name: "example.test.", Forwarders: []string{"198.51.100.53:53"}}
	w.SwapDomains(domain.New([]*domain.AuthDomain{zone}))

	ex.on("198.51.100.53:53", func(q *dns.Msg) *dns.Msg {
		if !q.RecursionDesired {
			t.Error("forwarded queries should set the recursion-desired bit")
		}
		return answerResponse(q, "www.example.test.", dns.TypeA, mustA("www.example.test.", "203.0.113.9", 300))
	})

	rcode, answer, err := r.BeginResolve(context.Background(), Question{Name: "www.example.test.", Qtype: dns.TypeA})
	if err != nil || rcode != dns.RcodeSuccess || len(answer) != 1 {
		t.Fatalf("rcode=%d answer=%v err=%v, want a successful forwarded answer", rcode, answer, err)
	}
}

// TestCNAMEChase covers doCacheCheck's CNAME-following branch.
func TestCNAMEChase(t *testing.T) {
	ex := newScriptedExchanger()
	r, w := newTestResolver(ex)

	now := time.Now()
	w.RecCache.Replace("www.example.test.", dns.TypeCNAME, []reccache.Record{
		{Owner: "www.example.test.", Type: dns.TypeCNAME, Class: dns.ClassINET, TTL: 300, Rdata: &dns.CNAME{Hdr: dns.RR_Header{Name: "www.example.test.", Rrtype: dns.TypeCNAME, Class: dns.ClassINET}, Target: "edge.example.test."}},
	}, true, now)
	w.RecCache.Replace("edge.example.test.", dns.TypeA, []reccache.Record{
		{Owner: "edge.example.test.", Type: dns.TypeA, Class: dns.ClassINET, TTL: 300, Rdata: mustA("edge.example.test.", "203.0.113.1", 300)},
	}, true, now)

	rcode, answer, err := r.BeginResolve(context.Background(), Question{Name: "www.example.test.", Qtype: dns.TypeA})
	if err != nil || rcode != dns.RcodeSuccess {
		t.Fatalf("rcode=%d err=%v, want success", rcode, err)
	}
	if len(answer) != 2 {
		t.Fatalf("answer = %v, want CNAME + A", answer)
	}
}
