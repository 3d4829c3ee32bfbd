// Package metrics instruments the core with Prometheus gauges/counters,
// replacing the original program's dump_status() debug hook (SPEC_FULL
// §5) with machine-readable introspection: live file-items, prolonged
// queue depth and blacklisted mirrors. The BytesServed and RequestsTotal
// counters are registered, but no package in this module increments
// them, so they stay at zero.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/danielloader/acng-core/internal/agent"
	"github.com/danielloader/acng-core/internal/fileitem"
	"github.com/danielloader/acng-core/internal/registry"
)

// Registry is the set of collectors the server exposes at /metrics.
type Registry struct {
	ItemsByStatus   *prometheus.GaugeVec
	ProlongedDepth  prometheus.Gauge
	BlacklistedSize prometheus.Gauge
	BytesServed     prometheus.Counter
	RequestsTotal   *prometheus.CounterVec
}

// New constructs and registers every collector against reg (pass
// prometheus.NewRegistry() for test isolation, or
// prometheus.DefaultRegisterer in production).
func New(reg prometheus.Registerer) *Registry {
	factory := promauto.With(reg)
	return &Registry{
		ItemsByStatus: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "acng",
			Subsystem: "registry",
			Name:      "items",
			Help:      "Live file-items by lifecycle status.",
		}, []string{"status"}),
		ProlongedDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "acng",
			Subsystem: "registry",
			Name:      "prolonged_queue_depth",
			Help:      "Number of file-items parked in the prolonged queue.",
		}),
		BlacklistedSize: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "acng",
			Subsystem: "agent",
			Name:      "blacklisted_mirrors",
			Help:      "Number of mirrors currently blacklisted.",
		}),
		BytesServed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "acng",
			Subsystem: "clientjob",
			Name:      "bytes_served_total",
			Help:      "Total response body bytes streamed to clients.",
		}),
		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "acng",
			Subsystem: "clientjob",
			Name:      "requests_total",
			Help:      "Total client requests by final HTTP status class.",
		}, []string{"status_class"}),
	}
}

// PollRegistry samples reg's snapshot and prolonged-queue depth into the
// gauges. Call this periodically (the cleaner thread, §5) or on every
// /metrics scrape.
func (m *Registry) PollRegistry(reg *registry.Registry) {
	counts := map[fileitem.Status]int{}
	for _, s := range reg.Snapshot() {
		counts[s.Status]++
	}
	for _, st := range []fileitem.Status{
		fileitem.Fresh, fileitem.Inited, fileitem.DLPending, fileitem.DLGotHead,
		fileitem.DLReceiving, fileitem.Complete, fileitem.DLError, fileitem.DLStopped,
	} {
		m.ItemsByStatus.WithLabelValues(st.String()).Set(float64(counts[st]))
	}
	m.ProlongedDepth.Set(float64(reg.ProlongedQueueDepth()))
}

// PollAgent samples ag's blacklist size into the gauge.
func (m *Registry) PollAgent(ag *agent.Agent) {
	m.BlacklistedSize.Set(float64(ag.Blacklist().Len()))
}
