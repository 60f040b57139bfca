// Package negcache implements the negative-answer cache: NXDOMAIN and
// NODATA memoization keyed by (name, qtype). Ported from PowerDNS
// recursor's NegCacheEntry / negcache_t (pdns/syncres.hh), which uses
// a multi_index_container with a unique composite key and a secondary
// ttd ordering; Go renders that as a mutex-guarded map plus a linear
// prune scan, the idiom every cache package in the retrieval pack
// uses (see DESIGN.md).
package negcache

import (
	"strings"
	"sync"
	"time"
)

// Entry is a single negative-cache record.
type Entry struct {
	Name    string
	Qtype   uint16
	SOAName string
	TTD     time.Time // absolute wall-clock expiry
}

type key struct {
	name  string
	qtype uint16
}

func foldKey(name string, qtype uint16) key {
	return key{name: strings.ToLower(name), qtype: qtype}
}

// Table is the negative-cache table.
type Table struct {
	mu     sync.Mutex
	rows   map[key]Entry
	maxttl time.Duration
}

// New returns an empty negative cache capped at maxttl (spec.md §6
// s_maxnegttl, default 3600s when maxttl <= 0).
func New(maxttl time.Duration) *Table {
	if maxttl <= 0 {
		maxttl = time.Hour
	}
	return &Table{rows: make(map[key]Entry), maxttl: maxttl}
}

// Insert upserts e by (Name, Qtype); a prior entry for the same key is
// overwritten (spec.md §8 invariant 1). The TTD is clamped so the
// entry never lives longer than maxttl from now.
func (t *Table) Insert(e Entry, now time.Time) {
	if cap := now.Add(t.maxttl); e.TTD.After(cap) {
		e.TTD = cap
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.rows[foldKey(e.Name, e.Qtype)] = e
}

// Lookup returns the entry for (name, qtype) if present and not yet
// expired.
func (t *Table) Lookup(name string, qtype uint16, now time.Time) (Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.rows[foldKey(name, qtype)]
	if !ok || !e.TTD.After(now) {
		return Entry{}, false
	}
	return e, true
}

// Prune drops every entry with TTD <= now, returning the count
// removed.
func (t *Table) Prune(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for k, e := range t.rows {
		if !e.TTD.After(now) {
			delete(t.rows, k)
			n++
		}
	}
	return n
}

// Size returns the number of entries currently tracked.
func (t *Table) Size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.rows)
}
