// Package stats implements the monotonic counters of spec.md §4.9:
// incremented only by their owning worker, read externally only
// through an aggregation step (worker.Fleet's broadcast_acc).
package stats

import "sync/atomic"

// Counters is one worker's local counter set. All fields are
// manipulated with atomic adds so a worker's own fiber goroutines,
// which may run concurrently, can update counters without a mutex.
type Counters struct {
	Queries          atomic.Uint64
	OutgoingTimeouts atomic.Uint64
	ThrottledQueries atomic.Uint64
	DontQueries      atomic.Uint64
	OutQueries       atomic.Uint64
	TCPOutQueries    atomic.Uint64
	NoDelegated      atomic.Uint64
	Unreachables     atomic.Uint64
	NearMisses       atomic.Uint64
	CaseMismatches   atomic.Uint64
	Unexpected       atomic.Uint64
	ResourceLimits   atomic.Uint64
	NegCachePrunes   atomic.Uint64
}

// Snapshot is an immutable point-in-time copy of Counters, the shape
// broadcast_acc reduces across the fleet.
type Snapshot struct {
	Queries          uint64
	OutgoingTimeouts uint64
	ThrottledQueries uint64
	DontQueries      uint64
	OutQueries       uint64
	TCPOutQueries    uint64
	NoDelegated      uint64
	Unreachables     uint64
	NearMisses       uint64
	CaseMismatches   uint64
	Unexpected       uint64
	ResourceLimits   uint64
	NegCachePrunes   uint64
}

// Snapshot reads every counter into a plain struct.
func (c *Counters) Snapshot() Snapshot {
	return Snapshot{
		Queries:          c.Queries.Load(),
		OutgoingTimeouts: c.OutgoingTimeouts.Load(),
		ThrottledQueries: c.ThrottledQueries.Load(),
		DontQueries:      c.DontQueries.Load(),
		OutQueries:       c.OutQueries.Load(),
		TCPOutQueries:    c.TCPOutQueries.Load(),
		NoDelegated:      c.NoDelegated.Load(),
		Unreachables:     c.Unreachables.Load(),
		NearMisses:       c.NearMisses.Load(),
		CaseMismatches:   c.CaseMismatches.Load(),
		Unexpected:       c.Unexpected.Load(),
		ResourceLimits:   c.ResourceLimits.Load(),
		NegCachePrunes:   c.NegCachePrunes.Load(),
	}
}

// Add folds another snapshot into this one, the reduction
// broadcast_acc performs across the fleet (spec.md §4.8).
func (s Snapshot) Add(o Snapshot) Snapshot {
	return Snapshot{
		Queries:          s.Queries + o.Queries,
		OutgoingTimeouts: s.OutgoingTimeouts + o.OutgoingTimeouts,
		ThrottledQueries: s.ThrottledQueries + o.ThrottledQueries,
		DontQueries:      s.DontQueries + o.DontQueries,
		OutQueries:       s.OutQueries + o.OutQueries,
		TCPOutQueries:    s.TCPOutQueries + o.TCPOutQueries,
		NoDelegated:      s.NoDelegated + o.NoDelegated,
		Unreachables:     s.Unreachables + o.Unreachables,
		NearMisses:       s.NearMisses + o.NearMisses,
		CaseMismatches:   s.CaseMismatches + o.CaseMismatches,
		Unexpected:       s.Unexpected + o.Unexpected,
		ResourceLimits:   s.ResourceLimits + o.ResourceLimits,
		NegCachePrunes:   s.NegCachePrunes + o.NegCachePrunes,
	}
}
