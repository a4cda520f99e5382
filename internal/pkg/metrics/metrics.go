package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	OpportunitiesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "edgegate_opportunities_total",
		Help: "Opportunities reaching a terminal state",
	}, []string{"state", "category"})

	GateRejects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "edgegate_gate_rejects_total",
		Help: "Threat gate rejections by reason",
	}, []string{"reason"})

	ConsensusRounds = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "edgegate_consensus_rounds_total",
		Help: "Consensus rounds by outcome",
	}, []string{"outcome"})

	JudgeLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "edgegate_judge_latency_seconds",
		Help:    "Per-judge evaluation latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"judge"})

	JudgeNonVotes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "edgegate_judge_non_votes_total",
		Help: "Judge calls that produced no usable vote",
	}, []string{"judge", "cause"})

	BreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "edgegate_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
	}, []string{"name"})

	SwarmPaused = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "edgegate_swarm_paused",
		Help: "1 while the global pause flag is set",
	})

	LatencyBucket = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "edgegate_latency_bucket",
		Help:    "Request latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"endpoint"})
)
