// Package metrics exposes the execution substrate's Prometheus gauges and
// counters: pool occupancy for the Container Orchestrator and the SSE
// Framer's dropped-bytes counter.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// PoolAllocated tracks container descriptors currently in a
	// non-terminal state, labeled by runtime backend (docker|kubernetes).
	PoolAllocated = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "substrate",
		Subsystem: "container",
		Name:      "pool_allocated",
		Help:      "Container descriptors currently allocated, running, or draining.",
	}, []string{"backend"})

	// PoolWarm tracks idle containers held in the warm pool.
	PoolWarm = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "substrate",
		Subsystem: "container",
		Name:      "pool_warm",
		Help:      "Idle containers available for reuse without a cold start.",
	}, []string{"backend"})

	// ReapedTotal counts containers destroyed by the periodic reaper,
	// labeled by reason (idle_ttl|health_probe_failed).
	ReapedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "substrate",
		Subsystem: "container",
		Name:      "reaped_total",
		Help:      "Containers destroyed by the reaper, by reason.",
	}, []string{"reason"})

	// SSEDroppedBytesTotal counts bytes dropped from collapsed text_delta
	// frames when a client falls behind.
	SSEDroppedBytesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "substrate",
		Subsystem: "sse",
		Name:      "dropped_bytes_total",
		Help:      "Bytes dropped from collapsed text_delta frames on a slow client.",
	}, []string{"conversation_id"})

	// ProxyAuditTotal counts proxy decisions, labeled by outcome
	// (allowed|denied).
	ProxyAuditTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "substrate",
		Subsystem: "proxy",
		Name:      "audit_total",
		Help:      "Egress decisions made by the credential-injection proxy.",
	}, []string{"outcome"})

	// RunsActive tracks in-flight runs across all conversations in the
	// process.
	RunsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "substrate",
		Subsystem: "run",
		Name:      "active",
		Help:      "Runs currently in a non-terminal state.",
	})
)

// MustRegister registers all substrate collectors against reg. Call once
// at process startup (cmd/substrated).
func MustRegister(reg *prometheus.Registry) {
	reg.MustRegister(PoolAllocated, PoolWarm, ReapedTotal, SSEDroppedBytesTotal, ProxyAuditTotal, RunsActive)
}
