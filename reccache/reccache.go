// Package reccache implements the positive record cache: the
// contract the resolution engine consumes for caching answered
// records (spec.md §4.4). The functional-option configuration surface
// (capacity, TTL, min-TTL, SERVFAIL-TTL, prefetch, stale-serve) is
// grounded on CoreDNS's plugin/cache/constructor.go; the underlying
// storage, a single mutex-guarded map with random eviction when full,
// is new, since the pack's plugin/pkg/cache source was filtered out
// of the retrieval pack (see DESIGN.md).
package reccache

import (
	"strings"
	"sync"
	"time"
)

// Record is a single resource record as the engine caches it: an
// owner name, type, class, a TTL interpreted as seconds-from-insertion
// (spec.md §3), and opaque rdata (the wire codec, an external
// collaborator, owns the concrete representation).
type Record struct {
	Owner string
	Type  uint16
	Class uint16
	TTL   uint32
	Rdata any
}

// remaining returns r's TTL reduced by how long it's sat in the
// cache, and whether it has not yet expired.
func (r Record) remaining(insertedAt, now time.Time) (uint32, bool) {
	elapsed := now.Sub(insertedAt)
	if elapsed < 0 {
		elapsed = 0
	}
	left := int64(r.TTL) - int64(elapsed/time.Second)
	if left <= 0 {
		return 0, false
	}
	return uint32(left), true
}

type entry struct {
	records    []Record
	insertedAt time.Time
	auth       bool
}

type key struct {
	name  string
	qtype uint16
}

func foldKey(name string, qtype uint16) key {
	return key{name: strings.ToLower(name), qtype: qtype}
}

// Cache is the concrete positive record cache. The zero value is not
// usable; construct with New.
type Cache struct {
	mu   sync.Mutex
	rows map[key]entry

	cap     int
	ttl     time.Duration
	minttl  time.Duration
	failttl time.Duration

	prefetch   int
	duration   time.Duration
	percentage int

	staleUpTo   time.Duration
	verifyStale bool

	hits   uint64
	misses uint64

	now func() time.Time
}

// Opt configures a Cache at construction time, following
// plugin/cache/constructor.go's functional-option idiom exactly:
// options that receive an invalid value panic immediately rather than
// silently clamping, since they are only ever called with literal
// configuration at startup.
type Opt func(*Cache)

// New returns a Cache with sane defaults (1000 entries, 1 hour max
// TTL), ready for Opts.
func New(opts ...Opt) *Cache {
	c := &Cache{
		rows:    make(map[key]entry),
		cap:     1000,
		ttl:     time.Hour,
		failttl: 5 * time.Second,
		now:     time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// WithCacheSize caps the number of (name, qtype) entries retained.
func WithCacheSize(n int) Opt {
	if n <= 0 {
		panic("reccache: cache size must be > 0")
	}
	return func(c *Cache) { c.cap = n }
}

// WithTTL sets the maximum TTL a cached record may report (spec.md §6
// maxcachettl).
func WithTTL(ttl time.Duration) Opt {
	if ttl <= 0 {
		panic("reccache: TTL must be > 0")
	}
	return func(c *Cache) { c.ttl = ttl }
}

// WithMinTTL sets a floor under which records are not evicted purely
// for having a short reported TTL.
func WithMinTTL(ttl time.Duration) Opt {
	if ttl < 0 {
		panic("reccache: min TTL must be >= 0")
	}
	return func(c *Cache) { c.minttl = ttl }
}

// WithSERVFAILTTL records a SERVFAIL TTL on the Cache. The value is
// stored only: the Cache does not cache SERVFAIL results.
func WithSERVFAILTTL(ttl time.Duration) Opt {
	if ttl > 5*time.Minute {
		panic("reccache: SERVFAIL TTL must be <= 5 minutes")
	}
	return func(c *Cache) { c.failttl = ttl }
}

// WithPrefetch records prefetch settings: prefetchAmount is the number
// of no-gap-greater-than-duration queries that would make an entry
// popular, percentage how much of the TTL would have to remain. The
// values are stored only: Get and Replace perform no prefetching.
func WithPrefetch(prefetchAmount int, duration time.Duration, percentage int) Opt {
	if prefetchAmount < 0 {
		panic("reccache: prefetch amount must be >= 0")
	}
	if percentage < 0 || percentage > 100 {
		panic("reccache: prefetch percentage must fall in [0, 100]")
	}
	return func(c *Cache) {
		c.prefetch = prefetchAmount
		c.duration = duration
		c.percentage = percentage
	}
}

// WithStale configures stale-serve behavior: an expired entry may
// still be served to a caller for up to staleUpTo past its expiry.
// verifyStale is stored but not acted on.
func WithStale(staleUpTo time.Duration, verifyStale bool) Opt {
	if staleUpTo < time.Hour {
		panic("reccache: staleUpTo must be at least 1 hour")
	}
	return func(c *Cache) {
		c.staleUpTo = staleUpTo
		c.verifyStale = verifyStale
	}
}

// withClock overrides the time source; test-only.
func withClock(now func() time.Time) Opt {
	return func(c *Cache) { c.now = now }
}

// Get returns the cached records for (qname, qtype) with TTLs reduced
// to their remaining lifetime as of now, plus whether any record was
// returned: a live one, or a stale one if stale-serve is configured.
// An entry whose records have all expired yields false.
func (c *Cache) Get(qname string, qtype uint16, now time.Time) ([]Record, bool) {
	c.mu.Lock()
	e, ok := c.rows[foldKey(qname, qtype)]
	c.mu.Unlock()

	if !ok {
		c.addMiss()
		return nil, false
	}

	out := make([]Record, 0, len(e.records))
	allExpired := true
	for _, r := range e.records {
		left, live := r.remaining(e.insertedAt, now)
		if live {
			allExpired = false
			r.TTL = left
			out = append(out, r)
			continue
		}
		if c.staleUpTo > 0 && now.Sub(e.insertedAt.Add(time.Duration(r.TTL)*time.Second)) <= c.staleUpTo {
			r.TTL = 0
			out = append(out, r)
			continue
		}
	}

	if len(out) == 0 {
		c.addMiss()
		delete2(c, qname, qtype, allExpired)
		return nil, false
	}

	c.addHit()
	return out, true
}

func delete2(c *Cache, qname string, qtype uint16, allExpired bool) {
	if !allExpired {
		return
	}
	c.mu.Lock()
	delete(c.rows, foldKey(qname, qtype))
	c.mu.Unlock()
}

// Replace upserts the record set for (qname, qtype). An authoritative
// replace always wins; a non-authoritative replace is rejected if the
// existing entry is authoritative (spec.md §4.4: "authoritative
// answers replace non-authoritative"). TTLs are clamped to the
// configured maximum (and floored at the configured minimum).
func (c *Cache) Replace(qname string, qtype uint16, records []Record, auth bool, now time.Time) {
	maxSecs := uint32(c.ttl / time.Second)
	minSecs := uint32(c.minttl / time.Second)

	clamped := make([]Record, len(records))
	for i, r := range records {
		if r.TTL > maxSecs {
			r.TTL = maxSecs
		}
		if r.TTL < minSecs {
			r.TTL = minSecs
		}
		clamped[i] = r
	}

	k := foldKey(qname, qtype)

	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.rows[k]; ok && existing.auth && !auth {
		return
	}

	if len(c.rows) >= c.cap {
		if _, present := c.rows[k]; !present {
			c.evictOneLocked()
		}
	}

	c.rows[k] = entry{records: clamped, insertedAt: now, auth: auth}
}

// evictOneLocked drops an arbitrary entry to make room. Go map
// iteration order is randomized, which gives a cheap approximation of
// random eviction without tracking recency explicitly; callers must
// hold c.mu.
func (c *Cache) evictOneLocked() {
	for k := range c.rows {
		delete(c.rows, k)
		return
	}
}

func (c *Cache) addHit()  { c.mu.Lock(); c.hits++; c.mu.Unlock() }
func (c *Cache) addMiss() { c.mu.Lock(); c.misses++; c.mu.Unlock() }

// Hits returns the number of Get calls that found a live entry.
func (c *Cache) Hits() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits
}

// Misses returns the number of Get calls that found nothing usable.
func (c *Cache) Misses() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.misses
}

// Size returns the number of (name, qtype) entries currently cached.
func (c *Cache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.rows)
}
