// Package metrics re-themes pkg/metrics/metrics.go's promauto pattern from
// HTTP/analysis counters to proposal/lock/queue/cache counters.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every Prometheus collector a running node exposes.
type Metrics struct {
	proposalsTotal    *prometheus.CounterVec
	proposalLatency   prometheus.Histogram
	electionsTotal    prometheus.Counter
	roleGauge         prometheus.Gauge

	lockGrantsTotal  *prometheus.CounterVec
	lockWaitersGauge prometheus.Gauge
	deadlocksTotal   prometheus.Counter

	queueDepthGauge      *prometheus.GaugeVec
	queueRedeliveryTotal prometheus.Counter
	queueDeadLetterTotal prometheus.Counter

	cacheHitsTotal    prometheus.Counter
	cacheMissesTotal  prometheus.Counter
	cacheEvictionsTotal prometheus.Counter

	peerStateGauge *prometheus.GaugeVec
}

// New registers every collector against the default Prometheus registry.
func New() *Metrics {
	return &Metrics{
		proposalsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "clustercore_proposals_total",
			Help: "Total number of Raft proposals by command kind and outcome.",
		}, []string{"kind", "outcome"}),

		proposalLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "clustercore_proposal_latency_seconds",
			Help:    "Time from Propose to local apply.",
			Buckets: prometheus.DefBuckets,
		}),

		electionsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "clustercore_elections_total",
			Help: "Total number of elections this node started.",
		}),

		roleGauge: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "clustercore_role",
			Help: "Current Raft role (0=follower, 1=candidate, 2=leader).",
		}),

		lockGrantsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "clustercore_lock_grants_total",
			Help: "Total number of lock grants by mode.",
		}, []string{"mode"}),

		lockWaitersGauge: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "clustercore_lock_waiters",
			Help: "Current total number of queued lock waiters across all resources.",
		}),

		deadlocksTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "clustercore_deadlocks_broken_total",
			Help: "Total number of deadlock cycles broken by victim abort.",
		}),

		queueDepthGauge: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "clustercore_queue_depth",
			Help: "Current pending message count per queue.",
		}, []string{"queue"}),

		queueRedeliveryTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "clustercore_queue_redeliveries_total",
			Help: "Total number of messages returned to pending after a visibility timeout.",
		}),

		queueDeadLetterTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "clustercore_queue_dead_letters_total",
			Help: "Total number of messages moved to a dead-letter queue.",
		}),

		cacheHitsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "clustercore_cache_hits_total",
			Help: "Total number of local cache hits.",
		}),

		cacheMissesTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "clustercore_cache_misses_total",
			Help: "Total number of local cache misses.",
		}),

		cacheEvictionsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "clustercore_cache_evictions_total",
			Help: "Total number of LRU evictions from the local cache.",
		}),

		peerStateGauge: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "clustercore_peer_state",
			Help: "Current failure-detector state per peer (0=alive, 1=suspected, 2=failed).",
		}, []string{"peer"}),
	}
}

// Every recorder below is a no-op on a nil *Metrics so call sites (and
// tests constructing a Node without a registry, to avoid promauto's
// duplicate-registration panic on repeated New() calls in one process)
// don't need their own nil checks.

func (m *Metrics) RecordProposal(kind, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.proposalsTotal.WithLabelValues(kind, outcome).Inc()
	m.proposalLatency.Observe(d.Seconds())
}

func (m *Metrics) RecordElection() {
	if m == nil {
		return
	}
	m.electionsTotal.Inc()
}

func (m *Metrics) SetRole(role int) {
	if m == nil {
		return
	}
	m.roleGauge.Set(float64(role))
}

func (m *Metrics) RecordLockGrant(mode string) {
	if m == nil {
		return
	}
	m.lockGrantsTotal.WithLabelValues(mode).Inc()
}

func (m *Metrics) SetLockWaiters(n int) {
	if m == nil {
		return
	}
	m.lockWaitersGauge.Set(float64(n))
}

func (m *Metrics) RecordDeadlockBroken() {
	if m == nil {
		return
	}
	m.deadlocksTotal.Inc()
}

func (m *Metrics) SetQueueDepth(queueName string, depth int) {
	if m == nil {
		return
	}
	m.queueDepthGauge.WithLabelValues(queueName).Set(float64(depth))
}

func (m *Metrics) RecordQueueRedelivery() {
	if m == nil {
		return
	}
	m.queueRedeliveryTotal.Inc()
}

func (m *Metrics) RecordQueueDeadLetter() {
	if m == nil {
		return
	}
	m.queueDeadLetterTotal.Inc()
}

func (m *Metrics) RecordCacheHit() {
	if m == nil {
		return
	}
	m.cacheHitsTotal.Inc()
}

func (m *Metrics) RecordCacheMiss() {
	if m == nil {
		return
	}
	m.cacheMissesTotal.Inc()
}

func (m *Metrics) RecordCacheEviction() {
	if m == nil {
		return
	}
	m.cacheEvictionsTotal.Inc()
}

func (m *Metrics) SetPeerState(peer string, state int) {
	if m == nil {
		return
	}
	m.peerStateGauge.WithLabelValues(peer).Set(float64(state))
}

// GetRegistry returns the Prometheus gatherer backing every collector here.
func (m *Metrics) GetRegistry() prometheus.Gatherer {
	return prometheus.DefaultGatherer
}
