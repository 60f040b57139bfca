package stats

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Namespace is the Prometheus namespace every vector below is
// registered under.
const Namespace = "recursor"

// Variables declared for monitoring. Labelled by worker so a fleet's
// per-worker Counters can each report under their own "worker" label
// without colliding.
var (
	QueriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "queries_total",
		Help:      "Counter of incoming questions handled.",
	}, []string{"worker"})
	OutgoingTimeoutsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "outgoing_timeouts_total",
		Help:      "Counter of outgoing queries that timed out.",
	}, []string{"worker"})
	ThrottledQueriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "throttled_queries_total",
		Help:      "Counter of outgoing queries skipped because the peer was throttled.",
	}, []string{"worker"})
	UnreachablesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "unreachables_total",
		Help:      "Counter of outgoing queries that hit an unreachable peer.",
	}, []string{"worker"})
	DontQueriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "dont_queries_total",
		Help:      "Counter of outgoing queries skipped because the peer address is on the dont-query list.",
	}, []string{"worker"})
	OutQueriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "out_queries_total",
		Help:      "Counter of outgoing queries sent.",
	}, []string{"worker"})
	TCPOutQueriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "tcp_out_queries_total",
		Help:      "Counter of outgoing queries retried over TCP after a truncated UDP reply.",
	}, []string{"worker"})
	NegCachePrunesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "neg_cache_prunes_total",
		Help:      "Counter of expired negative-cache entries removed by periodic sweeps.",
	}, []string{"worker"})
	NoDelegationTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "no_delegation_total",
		Help:      "Counter of resolutions that ran out of delegation to follow.",
	}, []string{"worker"})
	ResourceLimitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "resource_limits_total",
		Help:      "Counter of resolutions rejected by the concurrent-recursion limiter.",
	}, []string{"worker"})
	NearMissTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "near_miss_total",
		Help:      "Counter of responses matching a birthday but not the expected transaction id.",
	}, []string{"worker"})
	CaseMismatchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "case_mismatch_total",
		Help:      "Counter of responses whose question section case did not match the query sent.",
	}, []string{"worker"})
	UnexpectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "unexpected_total",
		Help:      "Counter of responses that matched no outstanding birthday, or whose question name or type did not match the query sent.",
	}, []string{"worker"})
	ResolveDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: Namespace,
		Name:      "resolve_duration_seconds",
		Help:      "Histogram of the wall-clock time a full recursive resolution took.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"worker"})
)

// Publish copies a Snapshot into the package's Prometheus vectors
// under the given worker label. Called periodically (or on worker
// shutdown) rather than on every counter mutation, since promauto
// counters only ever increase and Counters already tracks the
// authoritative values between publishes.
func Publish(worker string, prev, cur Snapshot) {
	QueriesTotal.WithLabelValues(worker).Add(float64(cur.Queries - prev.Queries))
	OutgoingTimeoutsTotal.WithLabelValues(worker).Add(float64(cur.OutgoingTimeouts - prev.OutgoingTimeouts))
	ThrottledQueriesTotal.WithLabelValues(worker).Add(float64(cur.ThrottledQueries - prev.ThrottledQueries))
	UnreachablesTotal.WithLabelValues(worker).Add(float64(cur.Unreachables - prev.Unreachables))
	DontQueriesTotal.WithLabelValues(worker).Add(float64(cur.DontQueries - prev.DontQueries))
	OutQueriesTotal.WithLabelValues(worker).Add(float64(cur.OutQueries - prev.OutQueries))
	TCPOutQueriesTotal.WithLabelValues(worker).Add(float64(cur.TCPOutQueries - prev.TCPOutQueries))
	NegCachePrunesTotal.WithLabelValues(worker).Add(float64(cur.NegCachePrunes - prev.NegCachePrunes))
	NoDelegationTotal.WithLabelValues(worker).Add(float64(cur.NoDelegated - prev.NoDelegated))
	ResourceLimitsTotal.WithLabelValues(worker).Add(float64(cur.ResourceLimits - prev.ResourceLimits))
	NearMissTotal.WithLabelValues(worker).Add(float64(cur.NearMisses - prev.NearMisses))
	CaseMismatchTotal.WithLabelValues(worker).Add(float64(cur.CaseMismatches - prev.CaseMismatches))
	UnexpectedTotal.WithLabelValues(worker).Add(float64(cur.Unexpected - prev.Unexpected))
}
