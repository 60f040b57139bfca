// Package ewma implements the decaying exponentially-weighted moving
// average used to track per-nameserver round-trip latency, and the
// per-nameserver-name collection ("NS-speed table") built on top of
// it.
//
// Ported from PowerDNS recursor's DecayingEwma / DecayingEwmaCollection
// (pdns/syncres.hh): decay is applied lazily, only on read, to avoid a
// background sweeper. See DESIGN.md for the grounding.
package ewma

import (
	"math"
	"sync"
	"time"
)

// DecayingEwma is a single peer's latency estimator. Construct it with
// NewDecayingEwma: the zero value lacks the lazy-init flags, so its
// first Get decays against the zero time and returns ~0.
type DecayingEwma struct {
	mu           sync.Mutex
	value        float64
	lastSubmit   time.Time
	lastGet      time.Time
	needsInit    bool
	needsGetInit bool
}

// NewDecayingEwma returns a ready DecayingEwma.
func NewDecayingEwma() *DecayingEwma {
	return &DecayingEwma{needsInit: true, needsGetInit: true}
}

// Submit records a new latency sample (in microseconds) observed at
// now. The new sample is blended with the prior value using
// factor = exp(Δt)/2, where Δt is last-submit minus now in seconds
// (non-positive, since last-submit is in the past): the factor is
// near 0.5 right after a previous submit and decays toward zero as
// the gap between submissions grows, so a fresh sample dominates an
// old one after any real silence.
func (d *DecayingEwma) Submit(usecs float64, now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.needsInit {
		d.lastSubmit = now
		d.needsInit = false
	}

	diff := d.lastSubmit.Sub(now).Seconds()
	d.lastSubmit = now

	factor := math.Exp(diff) / 2.0
	d.value = (1-factor)*usecs + factor*d.value
}

// Get applies read-side decay against the time since the last Get
// (factor = exp(Δt/60), a gentler one-minute time constant) and
// returns the resulting value. Get mutates decay state: it is not a
// pure accessor, matching the original's documented behavior.
func (d *DecayingEwma) Get(now time.Time) float64 {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.needsGetInit {
		d.lastGet = now
		d.needsGetInit = false
	}

	diff := d.lastGet.Sub(now).Seconds()
	d.lastGet = now

	factor := math.Exp(diff / 60.0)
	d.value *= factor
	return d.value
}

// Stale reports whether this entry has not been read since limit.
func (d *DecayingEwma) Stale(limit time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastGet.Before(limit)
}

// peerEwma pairs a peer address with its estimator, preserving
// insertion order the way the original's vector<pair<...>> does.
type peerEwma struct {
	peer string
	ewma *DecayingEwma
}

// Collection is a DecayingEwmaCollection: an ordered set of
// (peer, DecayingEwma) pairs for a single nameserver name, with a
// "best peer" side channel updated on Get.
type Collection struct {
	mu    sync.Mutex
	peers []peerEwma
	best  string
}

// NewCollection returns an empty Collection.
func NewCollection() *Collection {
	return &Collection{}
}

// Submit updates (or creates) the estimator for peer.
func (c *Collection) Submit(peer string, usecs float64, now time.Time) {
	c.mu.Lock()
	for _, p := range c.peers {
		if p.peer == peer {
			c.mu.Unlock()
			p.ewma.Submit(usecs, now)
			return
		}
	}
	e := NewDecayingEwma()
	c.peers = append(c.peers, peerEwma{peer: peer, ewma: e})
	c.mu.Unlock()
	e.Submit(usecs, now)
}

// Get scans every peer, decaying each against its own last-get time,
// and returns the minimum. As a side effect it remembers which peer
// won; ties are broken by insertion order (the first peer seen with
// the minimum value keeps it, since later peers must be strictly
// smaller to replace it).
func (c *Collection) Get(now time.Time) float64 {
	c.mu.Lock()
	peers := append([]peerEwma(nil), c.peers...)
	c.mu.Unlock()

	if len(peers) == 0 {
		return 0
	}

	best := math.MaxFloat64
	bestPeer := ""
	for _, p := range peers {
		v := p.ewma.Get(now)
		if v < best {
			best = v
			bestPeer = p.peer
		}
	}

	c.mu.Lock()
	c.best = bestPeer
	c.mu.Unlock()

	return best
}

// Best returns the peer that won the most recent Get, if any.
func (c *Collection) Best() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.best == "" {
		return "", false
	}
	return c.best, true
}

// Stale reports whether every peer in the collection is stale.
func (c *Collection) Stale(limit time.Time) bool {
	c.mu.Lock()
	peers := append([]peerEwma(nil), c.peers...)
	c.mu.Unlock()

	for _, p := range peers {
		if !p.ewma.Stale(limit) {
			return false
		}
	}
	return true
}
