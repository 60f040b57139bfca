package ewma

import (
	"strings"
	"sync"
	"time"
)

// Table is the NS-speed table: a case-insensitive map from
// nameserver-name to its Collection of per-peer-address estimators.
type Table struct {
	mu   sync.Mutex
	rows map[string]*Collection
}

// NewTable returns an empty NS-speed table.
func NewTable() *Table {
	return &Table{rows: make(map[string]*Collection)}
}

func fold(name string) string { return strings.ToLower(name) }

// Submit records a latency sample for peer under nsName, creating the
// collection on first use.
func (t *Table) Submit(nsName, peer string, usecs float64, now time.Time) {
	key := fold(nsName)

	t.mu.Lock()
	c, ok := t.rows[key]
	if !ok {
		c = NewCollection()
		t.rows[key] = c
	}
	t.mu.Unlock()

	c.Submit(peer, usecs, now)
}

// Get returns the decayed best value for nsName, or (0, false) if the
// name has never been submitted.
func (t *Table) Get(nsName string, now time.Time) (float64, bool) {
	t.mu.Lock()
	c, ok := t.rows[fold(nsName)]
	t.mu.Unlock()
	if !ok {
		return 0, false
	}
	return c.Get(now), true
}

// Collection returns the Collection for nsName, creating it if
// absent. Used by callers that need the Best() side channel after a
// Get.
func (t *Table) Collection(nsName string) *Collection {
	key := fold(nsName)

	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.rows[key]
	if !ok {
		c = NewCollection()
		t.rows[key] = c
	}
	return c
}

// Size returns the number of distinct nameserver names tracked.
func (t *Table) Size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.rows)
}

// Prune drops every nameserver-name entry whose collection is stale
// as of limit, returning the count removed.
func (t *Table) Prune(limit time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for name, c := range t.rows {
		if c.Stale(limit) {
			delete(t.rows, name)
			n++
		}
	}
	return n
}
