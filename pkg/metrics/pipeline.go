package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// canwarden_frames_processed_total{mode}
	FramesProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "canwarden",
			Name:      "frames_processed_total",
			Help:      "Count of CAN frames processed by the pipeline, labeled by pipeline mode (learn/detect/auto).",
		},
		[]string{"mode"},
	)

	// canwarden_detector_errors_total{detector}
	DetectorErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "canwarden",
			Name:      "detector_errors_total",
			Help:      "Count of detector failures recovered by the pipeline, labeled by detector name.",
		},
		[]string{"detector"},
	)

	pipelineMetricsOnce sync.Once
)

// RegisterPipelineMetrics registers the frame-processing metrics once.
func RegisterPipelineMetrics(reg prometheus.Registerer) {
	pipelineMetricsOnce.Do(func() {
		reg.MustRegister(FramesProcessed)
		reg.MustRegister(DetectorErrors)
	})
}
