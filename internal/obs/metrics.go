// Copyright 2025 James Ross
package obs

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// Admission gate.
	AdmissionAccepted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "inferd_admission_accepted_total",
		Help: "Total number of requests admitted.",
	})
	AdmissionRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "inferd_admission_rejected_total",
		Help: "Total number of requests rejected by the admission gate, by reason.",
	}, []string{"reason"})
	AdmissionInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "inferd_admission_in_flight",
		Help: "Number of requests currently holding a lease.",
	})
	AdmissionMemoryReservedBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "inferd_admission_memory_reserved_bytes",
		Help: "Memory currently reserved by live leases.",
	})

	// Request queue.
	QueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "inferd_queue_depth",
		Help: "Current depth of the per-model request queue.",
	}, []string{"model_id"})

	// Continuous batcher.
	BatcherIterations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "inferd_batcher_iterations_total",
		Help: "Total number of batcher iterations run, by model.",
	}, []string{"model_id"})
	BatcherTokensProduced = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "inferd_batcher_tokens_produced_total",
		Help: "Total tokens emitted by the batcher, by model.",
	}, []string{"model_id"})
	BatcherSlotsActive = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "inferd_batcher_slots_active",
		Help: "Number of occupied batch slots, by model.",
	}, []string{"model_id"})
	BatcherIterationDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "inferd_batcher_iteration_duration_seconds",
		Help:    "Histogram of per-iteration batcher durations.",
		Buckets: prometheus.DefBuckets,
	}, []string{"model_id"})

	// KV pages.
	KVPagesFree = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "inferd_kv_pages_free",
		Help: "Number of free KV pages remaining in the pool.",
	})
	KVPageAllocFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "inferd_kv_page_alloc_failures_total",
		Help: "Number of KV page allocation failures.",
	})

	// Request lifecycle.
	RequestsTerminal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "inferd_requests_terminal_total",
		Help: "Total requests reaching a terminal state, by state.",
	}, []string{"state"})

	// Model registry / hot-swap.
	ModelsLoaded = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "inferd_models_loaded",
		Help: "Number of model entries currently resolvable.",
	})
	HotSwapDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "inferd_hot_swap_duration_seconds",
		Help:    "Time taken for a hot-swap to complete (preload through release).",
		Buckets: prometheus.DefBuckets,
	})
	HotSwapFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "inferd_hot_swap_failures_total",
		Help: "Total failed hot-swap attempts.",
	})

	// Shutdown.
	ShutdownState = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "inferd_shutdown_state",
		Help: "0 Running, 1 Draining, 2 Stopped.",
	})

	// Dedup cache.
	DedupHits = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "inferd_dedup_hits_total",
		Help: "Total dedup cache hits.",
	})
	DedupMisses = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "inferd_dedup_misses_total",
		Help: "Total dedup cache misses.",
	})

	// Transport / boundary.
	FramesRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "inferd_frames_rejected_total",
		Help: "Total frames rejected at the transport boundary, by reason.",
	}, []string{"reason"})
	HandshakeRateLimited = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "inferd_handshake_rate_limited_total",
		Help: "Total handshake attempts rejected by the per-source rate limiter.",
	})

	// Audit writer.
	AuditDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "inferd_audit_dropped_total",
		Help: "Total audit records dropped because the writer channel was full.",
	})

	// Per-model backend circuit breaker.
	BreakerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "inferd_breaker_state",
		Help: "Circuit breaker state by model: 0 closed, 1 half_open, 2 open.",
	}, []string{"model_id"})
	BreakerTrips = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "inferd_breaker_trips_total",
		Help: "Total times a model's backend circuit breaker tripped open.",
	}, []string{"model_id"})
)

func init() {
	prometheus.MustRegister(
		AdmissionAccepted, AdmissionRejected, AdmissionInFlight, AdmissionMemoryReservedBytes,
		QueueDepth,
		BatcherIterations, BatcherTokensProduced, BatcherSlotsActive, BatcherIterationDuration,
		KVPagesFree, KVPageAllocFailures,
		RequestsTerminal,
		ModelsLoaded, HotSwapDuration, HotSwapFailures,
		ShutdownState,
		DedupHits, DedupMisses,
		FramesRejected, HandshakeRateLimited,
		AuditDropped,
		BreakerState, BreakerTrips,
	)
}
