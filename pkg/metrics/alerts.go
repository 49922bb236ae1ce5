package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// canwarden_alerts_total{alert_type,severity}
	AlertsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "canwarden",
			Name:      "alerts_total",
			Help:      "Count of alerts reported by the detector pipeline, labeled by type and severity.",
		},
		[]string{"alert_type", "severity"},
	)

	// canwarden_alerts_throttled_total{reason}
	AlertsThrottled = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "canwarden",
			Name:      "alerts_throttled_total",
			Help:      "Count of alerts suppressed by the throttle rules, labeled by the rule that fired.",
		},
		[]string{"reason"},
	)

	// canwarden_alerts_retained
	AlertsRetained = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "canwarden",
			Name:      "alerts_retained",
			Help:      "Current number of alerts held in the bounded recent-alert ring buffer.",
		},
	)

	alertMetricsOnce sync.Once
)

// RegisterAlertMetrics registers the alert-pipeline metrics once.
func RegisterAlertMetrics(reg prometheus.Registerer) {
	alertMetricsOnce.Do(func() {
		reg.MustRegister(AlertsTotal)
		reg.MustRegister(AlertsThrottled)
		reg.MustRegister(AlertsRetained)
	})
}
