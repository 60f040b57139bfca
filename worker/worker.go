// Package worker renders syncres.hh's StaticStorage/t_sstorage
// (per-thread global state) as an explicit, passed-around context:
// one Worker bundles exactly the tables a single logical resolver
// thread owns, and Fleet coordinates a slice of them the way the
// original coordinates its thread pool.
package worker

import (
	"context"
	"runtime"
	"sync"
	"time"

	"go.uber.org/atomic"
	"golang.org/x/sync/semaphore"

	"github.com/coredns/recursor/domain"
	"github.com/coredns/recursor/ednsstatus"
	"github.com/coredns/recursor/ewma"
	"github.com/coredns/recursor/negcache"
	"github.com/coredns/recursor/reccache"
	"github.com/coredns/recursor/scheduler"
	"github.com/coredns/recursor/stats"
	"github.com/coredns/recursor/throttle"
)

// Worker is the full set of caches and coordination structures a
// single resolution thread owns. Nothing in this struct is shared
// across workers: each one is an independent shard, the way syncres.hh
// gives every pdns-recursor thread its own t_sstorage.
type Worker struct {
	ID int

	NegCache  *negcache.Table
	NSSpeeds  *ewma.Table
	EDNS      *ednsstatus.Table
	Throttle  *throttle.Table[throttle.Key]
	RecCache  *reccache.Cache
	Scheduler *scheduler.Scheduler
	Stats     *stats.Counters

	domains *atomic.Pointer[domain.Map]
	sem     *semaphore.Weighted

	// wantThreads is read only by NewFleet's probe pass (see
	// numThreadsFromOpts); it has no effect on an individually
	// constructed Worker.
	wantThreads int

	// lastNearMisses/lastUnexpected are the Scheduler cumulative counts
	// as of the previous Housekeep call, so each sweep rolls in only
	// the delta rather than double-counting.
	lastNearMisses uint64
	lastUnexpected uint64
}

// Option configures a Worker at construction time.
type Option func(*Worker)

// WithNegCacheMaxTTL bounds the negative cache's maximum TTL.
func WithNegCacheMaxTTL(maxttl time.Duration) Option {
	return func(w *Worker) { w.NegCache = negcache.New(maxttl) }
}

// WithRecCache installs a caller-constructed positive cache (so a
// caller can configure it with reccache.WithCacheSize/WithTTL/etc.).
func WithRecCache(c *reccache.Cache) Option {
	return func(w *Worker) { w.RecCache = c }
}

// WithMaxInFlight bounds concurrent in-flight recursions this worker
// will admit, backed by a weighted semaphore (spec.md §5 resource
// exhaustion). n <= 0 means unbounded.
func WithMaxInFlight(n int64) Option {
	return func(w *Worker) {
		if n > 0 {
			w.sem = semaphore.NewWeighted(n)
		}
	}
}

// WithNumThreads records how many workers a fleet built from this
// option set should run (spec.md §6 configuration knobs). It has no
// effect on a Worker built directly via New; NewFleet consults it to
// pick its worker count when the caller does not pass an explicit n.
func WithNumThreads(n int) Option {
	return func(w *Worker) { w.wantThreads = n }
}

// New builds a Worker with its own independent caches. domains is the
// initial immutable domain map snapshot; pass domain.New(nil) for an
// empty one.
func New(id int, domains *domain.Map, opts ...Option) *Worker {
	w := &Worker{
		ID:        id,
		NegCache:  negcache.New(0),
		NSSpeeds:  ewma.NewTable(),
		EDNS:      ednsstatus.New(),
		Throttle:  throttle.NewTable[throttle.Key](time.Now()),
		RecCache:  reccache.New(),
		Scheduler: scheduler.New(),
		Stats:     &stats.Counters{},
		domains:   atomic.NewPointer(domains),
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// Domains returns the currently active immutable domain map snapshot.
func (w *Worker) Domains() *domain.Map {
	return w.domains.Load()
}

// SwapDomains atomically replaces the domain map snapshot, the
// rendering of Design Notes §9's "atomic reference cell with
// immutable snapshots" for config reload.
func (w *Worker) SwapDomains(m *domain.Map) {
	w.domains.Store(m)
}

// TryAcquire attempts to reserve one in-flight recursion slot. It
// returns false immediately (never blocks) when the worker has no
// slots free, so callers can bump stats.ResourceLimits and fail the
// query rather than queue indefinitely.
func (w *Worker) TryAcquire() bool {
	if w.sem == nil {
		return true
	}
	return w.sem.TryAcquire(1)
}

// Release gives back a slot reserved by TryAcquire. Safe to call even
// when the worker has no semaphore configured.
func (w *Worker) Release() {
	if w.sem != nil {
		w.sem.Release(1)
	}
}

// Housekeep runs one periodic maintenance sweep: expired negative-
// cache entries and stale NS-speed collections are pruned, and the
// scheduler's cumulative near-miss/unexpected-reply counts are rolled
// into Stats (spec.md §5/§4.8's "periodic full sweep"). Intended to be
// invoked once per worker, e.g. via Fleet.Broadcast on a timer, from
// that worker's own dispatch goroutine.
func (w *Worker) Housekeep(now time.Time) {
	w.Stats.NegCachePrunes.Add(uint64(w.NegCache.Prune(now)))
	w.NSSpeeds.Prune(now)

	if nm := uint64(w.Scheduler.NearMisses()); nm > w.lastNearMisses {
		w.Stats.NearMisses.Add(nm - w.lastNearMisses)
		w.lastNearMisses = nm
	}
	if u := uint64(w.Scheduler.Unexpected()); u > w.lastUnexpected {
		w.Stats.Unexpected.Add(u - w.lastUnexpected)
		w.lastUnexpected = u
	}
}

// command is a unit of work dispatched onto a worker's single
// goroutine: a caller sends a closure, the dispatch loop runs it, and
// the caller waits on done for the chance to read any result.
type command struct {
	fn   func(*Worker)
	done chan struct{}
}

// Run is the worker's dispatch loop: it runs the commands sent by
// Dispatch, Broadcast and Distribute one at a time. Other goroutines
// (such as a resolve.Resolver) may still use the worker's tables
// directly; each table guards itself with its own mutex. It drains
// cmds until ctx is cancelled or cmds is closed.
func (w *Worker) Run(ctx context.Context, cmds <-chan command) {
	for {
		select {
		case <-ctx.Done():
			return
		case c, ok := <-cmds:
			if !ok {
				return
			}
			c.fn(w)
			close(c.done)
		}
	}
}

// Fleet owns a set of Workers plus one command channel per worker,
// the Go rendering of spec.md §4.8's "pipe pair per thread."
type Fleet struct {
	workers []*Worker
	pipes   []chan command

	distributeNext atomic.Uint32
}

// NewFleet constructs n Workers sharing an initial domain map
// snapshot and starts each one's dispatch loop under ctx. n <= 0
// defers to a WithNumThreads option among opts, or runtime.NumCPU()
// if none is given.
func NewFleet(ctx context.Context, n int, domains *domain.Map, opts ...Option) *Fleet {
	if n <= 0 {
		n = numThreadsFromOpts(opts)
	}
	f := &Fleet{
		workers: make([]*Worker, n),
		pipes:   make([]chan command, n),
	}
	for i := 0; i < n; i++ {
		w := New(i, domains, opts...)
		pipe := make(chan command)
		f.workers[i] = w
		f.pipes[i] = pipe
		go w.Run(ctx, pipe)
	}
	return f
}

// numThreadsFromOpts applies opts to a throwaway probe Worker and
// returns the WithNumThreads value it ends up with, or runtime.NumCPU()
// if opts never set one. Every existing Option only mutates the
// receiver Worker, so running opts a second time per real Worker in
// NewFleet's construction loop is harmless.
func numThreadsFromOpts(opts []Option) int {
	probe := &Worker{wantThreads: runtime.NumCPU()}
	for _, o := range opts {
		o(probe)
	}
	return probe.wantThreads
}

// Workers returns the fleet's workers, in worker-ID order.
func (f *Fleet) Workers() []*Worker {
	return f.workers
}

// Size returns how many workers the fleet holds.
func (f *Fleet) Size() int {
	return len(f.workers)
}

// Dispatch runs fn on the given worker's single goroutine and blocks
// until it has completed, so callers get a linearizable view of that
// worker's state without locking it themselves.
func (f *Fleet) Dispatch(ctx context.Context, worker int, fn func(*Worker)) {
	done := make(chan struct{})
	select {
	case f.pipes[worker] <- command{fn: fn, done: done}:
	case <-ctx.Done():
		return
	}
	select {
	case <-done:
	case <-ctx.Done():
	}
}

// Broadcast runs fn on every worker, optionally skipping self, and
// waits for all of them to finish (spec.md §4.8 "broadcast").
func (f *Fleet) Broadcast(ctx context.Context, self int, skipSelf bool, fn func(*Worker)) {
	var wg sync.WaitGroup
	for i := range f.workers {
		if skipSelf && i == self {
			continue
		}
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			f.Dispatch(ctx, i, fn)
		}(i)
	}
	wg.Wait()
}

// Distribute runs fn on exactly one worker, chosen round-robin across
// successive calls, and blocks until it completes (spec.md §4.8
// "distribute(fn) picks one worker round-robin", e.g. to reload
// forwarding config on a single worker at a time).
func (f *Fleet) Distribute(ctx context.Context, fn func(*Worker)) {
	i := int(f.distributeNext.Add(1)-1) % len(f.workers)
	f.Dispatch(ctx, i, fn)
}

// RunHousekeeping starts a ticker that calls Housekeep on every worker,
// one at a time per worker via Dispatch, every interval, until ctx is
// cancelled. It runs in the calling goroutine; callers that want it in
// the background should go f.RunHousekeeping(ctx, interval).
func (f *Fleet) RunHousekeeping(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			f.Broadcast(ctx, -1, false, func(w *Worker) {
				w.Housekeep(now)
			})
		}
	}
}

// BroadcastAcc runs fn on every worker concurrently and reduces their
// results with combine, the generic rendering of spec.md §4.8's
// "broadcast_acc" (used to sum stats.Snapshot across the fleet). fn is
// called from goroutines of BroadcastAcc's own, not through the
// workers' dispatch pipes, so it is not serialized with Dispatch or
// Broadcast work on the same worker.
func BroadcastAcc[T any](f *Fleet, fn func(*Worker) T, zero T, combine func(acc, v T) T) T {
	results := make([]T, len(f.workers))
	var wg sync.WaitGroup
	wg.Add(len(f.workers))
	for i, w := range f.workers {
		go func(i int, w *Worker) {
			defer wg.Done()
			results[i] = fn(w)
		}(i, w)
	}
	wg.Wait()

	acc := zero
	for _, r := range results {
		acc = combine(acc, r)
	}
	return acc
}
