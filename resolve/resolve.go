// Package resolve implements the iterative resolution engine of
// spec.md §4.7, ported from PowerDNS recursor's SyncRes
// (original_source/pdns/syncres.hh). One Resolver corresponds to one
// SyncRes instance: constructed per-query (or reused with SetID
// between queries), it walks the OOB/negcache/poscache/CNAME/referral
// chain described there, consulting exactly one worker.Worker's
// tables and sending packets only through a wire.Exchanger via
// lwres.AsyncResolve.
package resolve

import (
	"context"
	"net"
	"strings"
	"time"

	"github.com/miekg/dns"

	"github.com/coredns/recursor/domain"
	"github.com/coredns/recursor/rand"
	"github.com/coredns/recursor/reccache"
	"github.com/coredns/recursor/rlog"
	"github.com/coredns/recursor/wire"
	"github.com/coredns/recursor/worker"
)

// defaultDontQuery is the set of reserved/private netmasks a Resolver
// never sends outgoing queries to, mirroring syncres.hh's s_dontqueries
// guard (RFC 1918 + RFC 6598 shared space + loopback + link-local +
// unique-local space). It
// deliberately excludes the RFC 5737 documentation ranges used by this
// package's own tests as stand-in nameserver addresses.
var defaultDontQuery = mustParseCIDRs([]string{
	"127.0.0.0/8",
	"10.0.0.0/8",
	"100.64.0.0/10",
	"169.254.0.0/16",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"::1/128",
	"fe80::/10",
	"fc00::/7",
})

func mustParseCIDRs(cidrs []string) []*net.IPNet {
	out := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			panic(err)
		}
		out = append(out, n)
	}
	return out
}

// Question is the entry point's argument: spec.md §3's case-preserving
// query tuple. Name keeps the caller's original casing; resolution
// internally canonicalizes as needed but the answer's owner names are
// always rendered back against Name (spec.md §8 invariant 6).
type Question struct {
	Name  string
	Qtype uint16
	Class uint16
}

// Outcome is the internal sum type spec.md §7 describes: every
// termination path of a resolution is classified into exactly one of
// these before being turned into an rcode. Never returned to a
// caller directly; BeginResolve converts it to (rcode, error).
type Outcome int

const (
	outcomeAnswer Outcome = iota
	outcomeNXDomain
	outcomeNoData
	outcomeServfail
	outcomeResourceLimit
)

// defaultMaxDepth is the spec.md §4.7 "fixed maximum depth (e.g. 40)"
// default, an Open Question resolved in DESIGN.md.
const defaultMaxDepth = 40

// negCacheAnyType is the sentinel negcache.Entry.Qtype value meaning
// "the whole name does not exist" (NXDOMAIN), as distinct from a
// specific-qtype NODATA entry. dns.TypeNone is never a real query
// type, so it is unambiguous as a sentinel.
const negCacheAnyType = dns.TypeNone

// Option configures a Resolver at construction time, following
// reccache's functional-option idiom (spec.md §6 configuration
// knobs).
type Option func(*Resolver)

// WithMaxNegTTL bounds how long a negative answer may be cached,
// independent of the worker's own negcache.Table, which already
// enforces its own ceiling; this lets a Resolver's caller request a
// tighter bound per spec.md "maxnegttl."
func WithMaxNegTTL(d time.Duration) Option {
	return func(r *Resolver) { r.maxNegTTL = d }
}

// WithMaxCacheTTL bounds how long a positive answer may be cached.
func WithMaxCacheTTL(d time.Duration) Option {
	return func(r *Resolver) { r.maxCacheTTL = d }
}

// WithNoEDNS disables EDNS entirely, overriding per-peer probing.
func WithNoEDNS(on bool) Option {
	return func(r *Resolver) { r.noEDNS = on }
}

// WithNoEDNSPing disables the EDNS PING probe specifically, while
// still allowing plain EDNS.
func WithNoEDNSPing(on bool) Option {
	return func(r *Resolver) { r.noEDNSPing = on }
}

// WithDoIPv6 enables considering AAAA glue/addresses during NS
// resolution.
func WithDoIPv6(on bool) Option {
	return func(r *Resolver) { r.doIPv6 = on }
}

// WithServerID sets the NSID string an external host surface (the
// wire codec/authoritative front-end, out of this package's scope per
// spec.md §1) echoes in EDNS responses, e.g. for an "id.server" TXT
// query. Stored here purely as pass-through configuration; read back
// with Resolver.ServerID.
func WithServerID(id string) Option {
	return func(r *Resolver) { r.serverID = id }
}

// WithEDNSRetryInterval overrides how long a demoted peer is left
// alone before ednsstatus.ShouldReprobe allows a fresh probe.
func WithEDNSRetryInterval(d time.Duration) Option {
	return func(r *Resolver) { r.ednsRetryInterval = d }
}

// WithMaxDepth overrides the recursion depth bound (spec.md §4.7 step
// 6, §8 invariant 5).
func WithMaxDepth(n int) Option {
	return func(r *Resolver) { r.maxDepth = n }
}

// WithCacheOnly puts the Resolver in cache-only mode: it never sends
// an outbound packet, answering only from what is already cached
// (mirrors SyncRes::setCacheOnly).
func WithCacheOnly(on bool) Option {
	return func(r *Resolver) { r.cacheOnly = on }
}

// WithNoCache disables writing results back into the positive cache
// (mirrors SyncRes::setNoCache).
func WithNoCache(on bool) Option {
	return func(r *Resolver) { r.noCache = on }
}

// WithDontQuery overrides the default dont-query netmask list.
// Entries that fail to parse as a CIDR are skipped rather than
// causing a panic, since applying an Option must never fail.
func WithDontQuery(cidrs []string) Option {
	return func(r *Resolver) {
		var nets []*net.IPNet
		for _, c := range cidrs {
			if _, n, err := net.ParseCIDR(c); err == nil {
				nets = append(nets, n)
			}
		}
		r.dontQuery = nets
	}
}

// Resolver is one SyncRes instance: the per-query algorithm state,
// bound to exactly one worker's tables and one wire.Exchanger.
type Resolver struct {
	w  *worker.Worker
	ex wire.Exchanger
	rd *rand.Rand

	prefix string

	maxNegTTL         time.Duration
	maxCacheTTL       time.Duration
	noEDNS            bool
	noEDNSPing        bool
	doIPv6            bool
	serverID          string
	ednsRetryInterval time.Duration
	maxDepth          int
	cacheOnly         bool
	noCache           bool
	dontQuery         []*net.IPNet

	// Per-instance counters, rolled into w.Stats on return (spec.md
	// §4.7 "both are kept").
	outQueries       uint32
	tcpOutQueries    uint32
	throttledQueries uint32
	timeouts         uint32
	unreachables     uint32
	dontQueries      uint32
}

// New returns a Resolver bound to worker w, sending packets through
// ex, with deterministic randomness from rd (used for query-id
// allocation and shuffle-in-speed-order tie-breaking).
func New(w *worker.Worker, ex wire.Exchanger, rd *rand.Rand, opts ...Option) *Resolver {
	r := &Resolver{
		w:                 w,
		ex:                ex,
		rd:                rd,
		maxNegTTL:         time.Hour,
		maxCacheTTL:       time.Hour,
		ednsRetryInterval: time.Hour,
		maxDepth:          defaultMaxDepth,
		dontQuery:         defaultDontQuery,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// SetID stamps a diagnostic prefix ("[id] ") onto every rlog line this
// Resolver emits, mirroring SyncRes::setId.
func (r *Resolver) SetID(id int) {
	r.prefix = rlog.Prefix(id)
}

// ServerID returns the NSID string configured via WithServerID.
func (r *Resolver) ServerID() string {
	return r.serverID
}

// beenThereKey is the cycle-detection key of Design Notes §9: keyed on
// (qname, canonicalized NS-name set) rather than qname alone, matching
// syncres.hh's GetBestNSAnswer.
type beenThereKey struct {
	qname string
	nsset string
}

func makeBeenThereKey(qname string, nsNames []string) beenThereKey {
	sorted := append([]string(nil), nsNames...)
	for i := range sorted {
		sorted[i] = strings.ToLower(sorted[i])
	}
	// simple insertion sort; nsNames sets are small (a handful of NS
	// names per zone cut)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j-1] > sorted[j]; j-- {
			sorted[j-1], sorted[j] = sorted[j], sorted[j-1]
		}
	}
	return beenThereKey{qname: strings.ToLower(qname), nsset: strings.Join(sorted, ",")}
}

// result carries a resolution's answer records alongside its Outcome,
// threaded through the recursive helpers before BeginResolve converts
// it to an rcode.
type result struct {
	outcome Outcome
	answer  []reccache.Record
	soa     string
}

// BeginResolve is the entry point of spec.md §4.7: begin_resolve. It
// enforces the resource-exhaustion policy of spec.md §7 first: a
// worker with no free in-flight-recursion slot fails the query
// immediately rather than queuing it.
func (r *Resolver) BeginResolve(ctx context.Context, q Question) (int, []reccache.Record, error) {
	if !r.w.TryAcquire() {
		r.w.Stats.ResourceLimits.Add(1)
		return dns.RcodeServerFailure, nil, nil
	}
	defer r.w.Release()

	qname := dns.CanonicalName(q.Name)
	rlog.Debug(r.prefix, "resolving %s/%d", qname, q.Qtype)

	res := r.doResolve(ctx, qname, q.Qtype, 0, map[beenThereKey]bool{})
	rcode := classify(res.outcome)
	rlog.Debug(r.prefix, "%s/%d done, rcode=%d", qname, q.Qtype, rcode)

	r.w.Stats.OutQueries.Add(uint64(r.outQueries))
	r.w.Stats.TCPOutQueries.Add(uint64(r.tcpOutQueries))
	r.w.Stats.ThrottledQueries.Add(uint64(r.throttledQueries))
	r.w.Stats.OutgoingTimeouts.Add(uint64(r.timeouts))
	r.w.Stats.Unreachables.Add(uint64(r.unreachables))
	r.w.Stats.DontQueries.Add(uint64(r.dontQueries))
	r.w.Stats.Queries.Add(1)
	r.outQueries, r.tcpOutQueries, r.throttledQueries, r.timeouts, r.unreachables, r.dontQueries = 0, 0, 0, 0, 0, 0

	return rcode, renameAnswer(res.answer, q.Name), nil
}

// isDontQuery reports whether addr (host:port) falls inside the
// Resolver's dont-query netmask list, per spec.md/syncres.hh's
// s_dontqueries guard against sending traffic to reserved or private
// address space.
func (r *Resolver) isDontQuery(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	for _, n := range r.dontQuery {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// classify turns an Outcome into its rcode, the single switch spec.md
// §7 describes as the one place every termination path is reflected
// 1:1 against the rcode it produces.
func classify(outcome Outcome) int {
	switch outcome {
	case outcomeNXDomain:
		return dns.RcodeNameError
	case outcomeServfail, outcomeResourceLimit:
		return dns.RcodeServerFailure
	default:
		return dns.RcodeSuccess
	}
}

// renameAnswer rewrites every answer record's Owner back to the
// caller's original casing for the qname itself, preserving the
// casing of any other owner names untouched (spec.md §8 invariant 6).
func renameAnswer(records []reccache.Record, original string) []reccache.Record {
	out := make([]reccache.Record, len(records))
	copy(out, records)
	for i, rec := range out {
		if strings.EqualFold(rec.Owner, original) {
			out[i].Owner = original
		}
	}
	return out
}

// doResolve implements spec.md §4.7 steps 1-4 (OOB check, negcache
// probe, positive cache probe, CNAME chase) before falling through to
// the iterative referral-following in doResolveAt.
func (r *Resolver) doResolve(ctx context.Context, qname string, qtype uint16, depth int, beenThere map[beenThereKey]bool) result {
	if depth > r.maxDepth {
		return result{outcome: outcomeServfail}
	}

	if ok, res := r.doOOBResolve(ctx, qname, qtype); ok {
		return res
	}

	now := time.Now()

	if ok, res := r.doNegCacheCheck(qname, qtype, now); ok {
		return res
	}

	if ok, res := r.doCacheCheck(ctx, qname, qtype, depth, beenThere, now); ok {
		return res
	}

	if r.cacheOnly {
		return result{outcome: outcomeServfail}
	}

	return r.doResolveAt(ctx, qname, qtype, depth, beenThere)
}

// doOOBResolve is spec.md §4.7 step 1: the longest-suffix auth/forward
// domain check.
func (r *Resolver) doOOBResolve(ctx context.Context, qname string, qtype uint16) (bool, result) {
	dm := r.w.Domains()
	a, ok := dm.BestMatch(qname)
	if !ok {
		return false, result{}
	}

	if a.Forward() {
		if r.cacheOnly {
			return false, result{}
		}
		rlog.Debug(r.prefix, "%s is forwarded under %s, sending to configured forwarders", qname, a.Name)
		return true, r.doForwardResolve(ctx, a, qname, qtype)
	}

	recs := a.LookupRecords(qname, qtype)
	if len(recs) > 0 {
		rlog.Debug(r.prefix, "%s/%d answered from authoritative data in %s", qname, qtype, a.Name)
		return true, result{outcome: outcomeAnswer, answer: toRecCacheRecords(recs)}
	}
	if len(a.LookupRecords(qname, dns.TypeNone)) > 0 || strings.EqualFold(dns.CanonicalName(a.Name), qname) {
		rlog.Debug(r.prefix, "%s/%d is NODATA under authoritative zone %s", qname, qtype, a.Name)
		return true, result{outcome: outcomeNoData}
	}
	rlog.Debug(r.prefix, "%s is NXDOMAIN under authoritative zone %s", qname, a.Name)
	return true, result{outcome: outcomeNXDomain}
}

func toRecCacheRecords(recs []domain.Record) []reccache.Record {
	out := make([]reccache.Record, len(recs))
	for i, rr := range recs {
		out[i] = reccache.Record{Owner: rr.Name, Type: rr.Type, Class: rr.Class, TTL: rr.TTL, Rdata: rr.Rdata}
	}
	return out
}

// doNegCacheCheck is spec.md §4.7 step 2. A negCacheAnyType entry
// means the whole name does not exist (NXDOMAIN) and takes precedence
// over any qtype-specific entry, which records NODATA for that type
// alone.
func (r *Resolver) doNegCacheCheck(qname string, qtype uint16, now time.Time) (bool, result) {
	if e, ok := r.w.NegCache.Lookup(qname, negCacheAnyType, now); ok {
		rlog.Debug(r.prefix, "%s is NXDOMAIN from the negative cache", qname)
		return true, result{outcome: outcomeNXDomain, soa: e.SOAName}
	}
	if e, ok := r.w.NegCache.Lookup(qname, qtype, now); ok {
		rlog.Debug(r.prefix, "%s/%d is NODATA from the negative cache", qname, qtype)
		return true, result{outcome: outcomeNoData, soa: e.SOAName}
	}
	return false, result{}
}

// doCacheCheck is spec.md §4.7 steps 3-4: positive cache probe and
// CNAME chase.
func (r *Resolver) doCacheCheck(ctx context.Context, qname string, qtype uint16, depth int, beenThere map[beenThereKey]bool, now time.Time) (bool, result) {
	if recs, ok := r.w.RecCache.Get(qname, qtype, now); ok {
		rlog.Debug(r.prefix, "%s/%d answered from the positive cache", qname, qtype)
		return true, result{outcome: outcomeAnswer, answer: recs}
	}

	if qtype == dns.TypeCNAME {
		return false, result{}
	}
	cname, ok := r.w.RecCache.Get(qname, dns.TypeCNAME, now)
	if !ok || len(cname) == 0 {
		return false, result{}
	}

	target, ok := cnameTarget(cname[0])
	if !ok {
		return false, result{}
	}

	rlog.Debug(r.prefix, "%s is a cached CNAME to %s, chasing", qname, target)
	chased := r.doResolve(ctx, dns.CanonicalName(target), qtype, depth+1, beenThere)
	out := append([]reccache.Record(nil), cname...)
	out = append(out, chased.answer...)
	return true, result{outcome: chased.outcome, answer: out}
}

func cnameTarget(rec reccache.Record) (string, bool) {
	rr, ok := rec.Rdata.(dns.RR)
	if !ok {
		return "", false
	}
	c, ok := rr.(*dns.CNAME)
	if !ok {
		return "", false
	}
	return c.Target, true
}
