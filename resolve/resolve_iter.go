package resolve

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/hex"
	"sort"
	"time"

	"github.com/miekg/dns"

	"github.com/coredns/recursor/domain"
	"github.com/coredns/recursor/lwres"
	"github.com/coredns/recursor/negcache"
	"github.com/coredns/recursor/reccache"
	"github.com/coredns/recursor/rlog"
	"github.com/coredns/recursor/throttle"
)

// queryTimeout bounds a single outgoing exchange. The original ties
// this to a configurable per-query deadline; a fixed constant is a
// reasonable Go-idiomatic stand-in since nothing in spec.md names a
// knob for it.
const queryTimeout = 2 * time.Second

// doResolveAt is spec.md §4.7 step 5: iterative resolution, driven by
// referrals, bounded by depth and beenThere cycle detection.
func (r *Resolver) doResolveAt(ctx context.Context, qname string, qtype uint16, depth int, beenThere map[beenThereKey]bool) result {
	_, nsNames, ok := r.getBestNSNamesFromCache(qname, time.Now())
	if !ok {
		rlog.Warning(r.prefix, "no NS records cached for any ancestor of %s", qname)
		r.w.Stats.NoDelegated.Add(1)
		return result{outcome: outcomeServfail}
	}

	for {
		if depth > r.maxDepth {
			return result{outcome: outcomeServfail}
		}

		key := makeBeenThereKey(qname, nsNames)
		if beenThere[key] {
			rlog.Warning(r.prefix, "%s: referral cycle detected against NS set %v, giving up", qname, nsNames)
			return result{outcome: outcomeServfail}
		}
		beenThere[key] = true

		addrs := r.getAddrs(ctx, nsNames, depth+1, beenThere)
		if len(addrs) == 0 {
			rlog.Warning(r.prefix, "no addresses resolved for NS set %v serving %s", nsNames, qname)
			r.w.Stats.NoDelegated.Add(1)
			return result{outcome: outcomeServfail}
		}

		ordered := r.shuffleInSpeedOrder(addrs)

		resolved := false
		for _, a := range ordered {
			res, referral, newZone, newNSNames, ok := r.tryAddress(ctx, a, qname, qtype, false)
			if !ok {
				continue
			}
			if referral {
				rlog.Debug(r.prefix, "%s: %s refers us to %s, NS set %v", qname, a.addr, newZone, newNSNames)
				nsNames = newNSNames
				depth++
				resolved = true
				break
			}
			return res
		}

		if !resolved {
			return result{outcome: outcomeServfail}
		}
	}
}

// doForwardResolve sends qname/qtype directly to a forwarded domain's
// configured forwarders, speed-ordered the same way ordinary NS
// addresses are (spec.md §4.7 step 1: "if forward, send to configured
// forward-servers and return"). A referral from a forwarder is not
// followed; forwarders are expected to answer authoritatively or
// negatively themselves.
func (r *Resolver) doForwardResolve(ctx context.Context, a *domain.AuthDomain, qname string, qtype uint16) result {
	if len(a.Forwarders) == 0 {
		return result{outcome: outcomeServfail}
	}

	entries := make([]addrEntry, len(a.Forwarders))
	for i, f := range a.Forwarders {
		entries[i] = addrEntry{nsName: a.Name, addr: f}
	}

	for _, e := range r.shuffleInSpeedOrder(entries) {
		res, referral, _, _, ok := r.tryAddress(ctx, e, qname, qtype, true)
		if !ok || referral {
			continue
		}
		return res
	}
	return result{outcome: outcomeServfail}
}

// addrEntry pairs a resolved nameserver address with the NS-name it
// belongs to, so shuffleInSpeedOrder can look up per-name EWMA speed.
type addrEntry struct {
	nsName string
	addr   string
}

// getAddrs resolves every name in nsNames to its addresses via the
// ordinary resolution path (so A/AAAA glue already cached short-
// circuits immediately, and uncached names recurse), per spec.md
// §4.7 step 5 ("get_addrs").
func (r *Resolver) getAddrs(ctx context.Context, nsNames []string, depth int, beenThere map[beenThereKey]bool) []addrEntry {
	var out []addrEntry
	for _, ns := range nsNames {
		res := r.doResolve(ctx, dns.CanonicalName(ns), dns.TypeA, depth, beenThere)
		for _, rec := range res.answer {
			if a, ok := aAddr(rec); ok {
				out = append(out, addrEntry{nsName: ns, addr: a + ":53"})
			}
		}
		if r.doIPv6 {
			res6 := r.doResolve(ctx, dns.CanonicalName(ns), dns.TypeAAAA, depth, beenThere)
			for _, rec := range res6.answer {
				if a, ok := aaaaAddr(rec); ok {
					out = append(out, addrEntry{nsName: ns, addr: "[" + a + "]:53"})
				}
			}
		}
	}
	return out
}

func aAddr(rec reccache.Record) (string, bool) {
	rr, ok := rec.Rdata.(dns.RR)
	if !ok {
		return "", false
	}
	a, ok := rr.(*dns.A)
	if !ok {
		return "", false
	}
	return a.A.String(), true
}

func aaaaAddr(rec reccache.Record) (string, bool) {
	rr, ok := rec.Rdata.(dns.RR)
	if !ok {
		return "", false
	}
	a, ok := rr.(*dns.AAAA)
	if !ok {
		return "", false
	}
	return a.AAAA.String(), true
}

// shuffleInSpeedOrder orders addrs by their NS-name's decaying EWMA
// speed ascending, shuffling within each equal-speed group for load
// distribution, per spec.md §4.7 step 5 and §4.1.
func (r *Resolver) shuffleInSpeedOrder(addrs []addrEntry) []addrEntry {
	now := time.Now()

	type scored struct {
		addrEntry
		score float64
	}
	buckets := make(map[float64][]scored)
	var keys []float64
	for _, a := range addrs {
		score, ok := r.w.NSSpeeds.Get(a.nsName, now)
		if !ok {
			score = 0
		}
		if _, seen := buckets[score]; !seen {
			keys = append(keys, score)
		}
		buckets[score] = append(buckets[score], scored{addrEntry: a, score: score})
	}
	sort.Float64s(keys)

	out := make([]addrEntry, 0, len(addrs))
	for _, k := range keys {
		group := buckets[k]
		perm := r.rd.Perm(len(group))
		for _, i := range perm {
			out = append(out, group[i].addrEntry)
		}
	}
	return out
}

// tryAddress sends one query to a single address and classifies the
// result into an answer/referral/terminal outcome, or ok=false
// meaning "try the next address" (throttled, timed out, unreachable,
// or a dropped spoof/near-miss response).
func (r *Resolver) tryAddress(ctx context.Context, a addrEntry, qname string, qtype uint16, rd bool) (res result, referral bool, newZone string, newNSNames []string, ok bool) {
	if r.isDontQuery(a.addr) {
		rlog.Debug(r.prefix, "%s is on the dont-query list, not sending", a.addr)
		r.dontQueries++
		return result{}, false, "", nil, false
	}

	now := time.Now()
	tk := throttle.Key{Peer: a.addr, Qname: qname, Qtype: qtype}
	if r.w.Throttle.ShouldThrottle(now, tk) {
		rlog.Debug(r.prefix, "%s is throttled, skipping %s/%d", a.addr, qname, qtype)
		r.throttledQueries++
		return result{}, false, "", nil, false
	}

	// spec.md §4.7 "on first contact send EDNS+PING": useEDNS/usePing
	// are driven by the peer's current ednsstatus.Status, and a minted
	// cookie is only attached when actually probing, so PromotePingOK
	// below can require a genuine echo rather than inferring tolerance
	// from any clean reply.
	status := r.w.EDNS.Get(a.addr)
	reprobe := r.w.EDNS.ShouldReprobe(a.addr, now, r.ednsRetryInterval)
	useEDNS := !r.noEDNS && (status.UseEDNS() || reprobe)
	usePing := useEDNS && !r.noEDNSPing && (status.UsePing() || reprobe)
	var cookie []byte
	if usePing {
		cookie = make([]byte, 8)
		binary.BigEndian.PutUint64(cookie, r.rd.Uint64())
	}

	id := uint16(r.rd.Uint32())
	start := time.Now()
	lr, outcome := lwres.AsyncResolve(ctx, r.w.Scheduler, r.ex, a.addr, qname, qtype, id, false, rd, useEDNS, cookie, queryTimeout)
	r.outQueries++

	switch outcome {
	case lwres.TimedOut:
		rlog.Debug(r.prefix, "%s timed out on %s/%d", a.addr, qname, qtype)
		r.timeouts++
		r.w.Throttle.Throttle(now, tk, 0, 0)
		return result{}, false, "", nil, false
	case lwres.Unreachable:
		rlog.Debug(r.prefix, "%s unreachable for %s/%d", a.addr, qname, qtype)
		r.unreachables++
		r.w.Throttle.Throttle(now, tk, 0, 0)
		return result{}, false, "", nil, false
	case lwres.Cancelled:
		return result{}, false, "", nil, false
	}

	usecs := float64(time.Since(start).Microseconds())
	r.w.NSSpeeds.Submit(a.nsName, a.addr, usecs, now)

	resp := lr.Response
	if resp == nil || len(resp.Question) == 0 || !sameQuestion(resp.Question[0], qname, qtype) {
		r.w.Stats.Unexpected.Add(1)
		return result{}, false, "", nil, false
	}
	if resp.Question[0].Name != dns.Fqdn(qname) {
		r.w.Stats.CaseMismatches.Add(1)
		return result{}, false, "", nil, false
	}

	if resp.Truncated {
		rlog.Debug(r.prefix, "%s truncated %s/%d reply, retrying over TCP", a.addr, qname, qtype)
		tcpLR, tcpOutcome := lwres.AsyncResolve(ctx, r.w.Scheduler, r.ex, a.addr, qname, qtype, id, true, rd, useEDNS, cookie, queryTimeout)
		r.tcpOutQueries++
		if tcpOutcome != lwres.Success || tcpLR.Response == nil {
			r.w.Throttle.Throttle(now, tk, 0, 0)
			return result{}, false, "", nil, false
		}
		resp = tcpLR.Response
	}

	if resp.Rcode == dns.RcodeFormatError {
		if useEDNS {
			r.w.EDNS.DemoteNoEDNS(a.addr, now)
		}
		r.w.Throttle.Throttle(now, tk, 0, 0)
		return result{}, false, "", nil, false
	}

	switch {
	case !useEDNS:
		// nothing to update; this peer isn't being probed right now.
	case usePing && cookieEchoed(resp, cookie):
		r.w.EDNS.PromotePingOK(a.addr, now)
	case usePing:
		rlog.Debug(r.prefix, "%s did not echo our EDNS cookie, demoting", a.addr)
		r.w.EDNS.DemoteNoPing(a.addr, now)
	case resp.IsEdns0() == nil:
		r.w.EDNS.MarkIgnorant(a.addr, now)
	}

	if resp.Rcode == dns.RcodeNameError {
		rlog.Debug(r.prefix, "%s says %s is NXDOMAIN", a.addr, qname)
		soa, ttl := soaInfo(resp.Ns)
		r.insertNegative(qname, negCacheAnyType, soa, ttl, now)
		return result{outcome: outcomeNXDomain, soa: soa}, false, "", nil, true
	}

	if direct := directAnswer(resp.Answer, qname, qtype); len(direct) > 0 {
		recs := toCacheRecords(direct)
		r.cacheRecords(qname, qtype, recs, resp.Authoritative, now)
		return result{outcome: outcomeAnswer, answer: recs}, false, "", nil, true
	}

	if cname := cnameAnswer(resp.Answer, qname); len(cname) > 0 {
		recs := toCacheRecords(cname)
		r.cacheRecords(qname, dns.TypeCNAME, recs, resp.Authoritative, now)
		return result{outcome: outcomeAnswer, answer: recs}, false, "", nil, true
	}

	if zone, names := referralNS(resp.Ns, qname); len(names) > 0 {
		r.injectGlue(resp.Extra, zone, now)
		return result{}, true, zone, names, true
	}

	if len(resp.Answer) == 0 {
		rlog.Debug(r.prefix, "%s says %s/%d is NODATA", a.addr, qname, qtype)
		soa, ttl := soaInfo(resp.Ns)
		r.insertNegative(qname, qtype, soa, ttl, now)
		return result{outcome: outcomeNoData, soa: soa}, false, "", nil, true
	}

	return result{}, false, "", nil, false
}

// cookieEchoed reports whether resp carries an RFC 7873 client cookie
// matching sent as its leading 8 bytes, the proof of a genuine
// round-trip spec.md §4.7's EDNS+PING probe requires before a peer is
// promoted to ConfirmedPinger.
func cookieEchoed(resp *dns.Msg, sent []byte) bool {
	if resp == nil || len(sent) == 0 {
		return false
	}
	opt := resp.IsEdns0()
	if opt == nil {
		return false
	}
	for _, o := range opt.Option {
		c, ok := o.(*dns.EDNS0_COOKIE)
		if !ok {
			continue
		}
		raw, err := hex.DecodeString(c.Cookie)
		if err != nil || len(raw) < len(sent) {
			continue
		}
		if bytes.Equal(raw[:len(sent)], sent) {
			return true
		}
	}
	return false
}

func sameQuestion(q dns.Question, qname string, qtype uint16) bool {
	return dns.CanonicalName(q.Name) == dns.CanonicalName(qname) && (qtype == dns.TypeNone || q.Qtype == qtype)
}

// soaInfo returns the authority section's SOA owner name and its
// minimum TTL (the value spec.md §4.7/§8 S2 calls "SOA minttl"), or
// ("", 0) if no SOA is present.
func soaInfo(ns []dns.RR) (string, uint32) {
	for _, rr := range ns {
		if soa, ok := rr.(*dns.SOA); ok {
			return soa.Hdr.Name, soa.Minttl
		}
	}
	return "", 0
}

// insertNegative records a negative-cache entry capped at both the
// SOA minttl and the Resolver's configured maxNegTTL.
func (r *Resolver) insertNegative(qname string, qtype uint16, soa string, minttl uint32, now time.Time) {
	ttl := time.Duration(minttl) * time.Second
	if r.maxNegTTL > 0 && ttl > r.maxNegTTL {
		ttl = r.maxNegTTL
	}
	r.w.NegCache.Insert(negcache.Entry{Name: qname, Qtype: qtype, SOAName: soa, TTD: now.Add(ttl)}, now)
}

func directAnswer(answer []dns.RR, qname string, qtype uint16) []dns.RR {
	var out []dns.RR
	for _, rr := range answer {
		if rr.Header().Rrtype == qtype && dns.CanonicalName(rr.Header().Name) == dns.CanonicalName(qname) {
			out = append(out, rr)
		}
	}
	return out
}

func cnameAnswer(answer []dns.RR, qname string) []dns.RR {
	var out []dns.RR
	for _, rr := range answer {
		if rr.Header().Rrtype == dns.TypeCNAME && dns.CanonicalName(rr.Header().Name) == dns.CanonicalName(qname) {
			out = append(out, rr)
		}
	}
	return out
}

// referralNS extracts the authority-section NS set, the trigger for
// "replace bestns with the new NS set and continue" (spec.md §4.7
// step 5): the zone is the owner of the first NS record and the names
// are the targets of every NS record. It does not check that the zone
// is closer to qname than the current delegation; a referral back to
// an already-tried NS set is caught by doResolveAt's beenThere check.
func referralNS(authority []dns.RR, qname string) (string, []string) {
	var zone string
	var names []string
	for _, rr := range authority {
		ns, ok := rr.(*dns.NS)
		if !ok {
			continue
		}
		if zone == "" {
			zone = ns.Hdr.Name
		}
		names = append(names, ns.Ns)
	}
	return zone, names
}

// injectGlue caches the A/AAAA additional-section records from a
// referral, restricted to owner names at or under zone: glue outside
// the referral's own bailiwick is untrustworthy and must be dropped
// rather than cached (spec.md §4.7 step 7, GLOSSARY "in-bailiwick").
func (r *Resolver) injectGlue(extra []dns.RR, zone string, now time.Time) {
	for _, rr := range extra {
		rt := rr.Header().Rrtype
		if rt != dns.TypeA && rt != dns.TypeAAAA {
			continue
		}
		if rt == dns.TypeAAAA && !r.doIPv6 {
			continue
		}
		if !dns.IsSubDomain(zone, rr.Header().Name) {
			continue
		}
		rec := reccache.Record{Owner: rr.Header().Name, Type: rt, Class: rr.Header().Class, TTL: rr.Header().Ttl, Rdata: rr}
		if !r.noCache {
			r.w.RecCache.Replace(rr.Header().Name, rt, []reccache.Record{rec}, false, now)
		}
	}
}

func toCacheRecords(rrs []dns.RR) []reccache.Record {
	out := make([]reccache.Record, len(rrs))
	for i, rr := range rrs {
		out[i] = reccache.Record{Owner: rr.Header().Name, Type: rr.Header().Rrtype, Class: rr.Header().Class, TTL: rr.Header().Ttl, Rdata: rr}
	}
	return out
}

func (r *Resolver) cacheRecords(qname string, qtype uint16, recs []reccache.Record, auth bool, now time.Time) {
	if r.noCache {
		return
	}
	if maxSecs := uint32(r.maxCacheTTL / time.Second); maxSecs > 0 {
		for i := range recs {
			if recs[i].TTL > maxSecs {
				recs[i].TTL = maxSecs
			}
		}
	}
	r.w.RecCache.Replace(qname, qtype, recs, auth, now)
}

// getBestNSNamesFromCache finds the longest cached ancestor of qname
// holding NS records, the cache-driven delegation lookup of spec.md
// §4.7 step 5 ("find the longest ancestor of qname for which NS
// records are cached"), falling all the way back to the root zone.
func (r *Resolver) getBestNSNamesFromCache(qname string, now time.Time) (string, []string, bool) {
	name := dns.CanonicalName(qname)
	for {
		if recs, ok := r.w.RecCache.Get(name, dns.TypeNS, now); ok {
			var names []string
			for _, rec := range recs {
				if ns, ok := nsTarget(rec); ok {
					names = append(names, ns)
				}
			}
			if len(names) > 0 {
				return name, names, true
			}
		}
		if name == "." {
			return "", nil, false
		}
		offset, end := dns.NextLabel(name, 0)
		if end {
			name = "."
		} else {
			name = name[offset:]
		}
	}
}

func nsTarget(rec reccache.Record) (string, bool) {
	rr, ok := rec.Rdata.(dns.RR)
	if !ok {
		return "", false
	}
	ns, ok := rr.(*dns.NS)
	if !ok {
		return "", false
	}
	return ns.Ns, true
}
