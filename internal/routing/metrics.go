// Prometheus metrics for the routing hot path.
package routing

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SelectionsTotal counts routing selections.
	// Labels: phase, tier, provider.
	SelectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "orchestd",
			Subsystem: "routing",
			Name:      "selections_total",
			Help:      "Total number of tier selections by phase, tier, and provider",
		},
		[]string{"phase", "tier", "provider"},
	)

	// FailOpenTotal counts selections that returned the primary entry
	// because no cascade entry was available.
	FailOpenTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "orchestd",
			Subsystem: "routing",
			Name:      "fail_open_total",
			Help:      "Total number of fail-open selections with no available provider",
		},
	)

	// DegradedSkipsTotal counts primary entries skipped for degraded health.
	DegradedSkipsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "orchestd",
			Subsystem: "routing",
			Name:      "degraded_skips_total",
			Help:      "Total number of primary tiers skipped due to degraded health",
		},
	)
)

func recordSelection(phase string, cfg ModelTierConfig) {
	SelectionsTotal.WithLabelValues(phase, strconv.Itoa(cfg.Tier), cfg.Provider).Inc()
}
