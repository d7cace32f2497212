package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	engineLoad = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "engine",
		Name:      "load_percent",
		Help:      "Hardware codec core load reported by the kernel driver",
	}, []string{"core"})

	engineUtilization = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "engine",
		Name:      "utilization_percent",
		Help:      "Hardware codec core utilization reported by the kernel driver",
	}, []string{"core"})
)

// SetEngineLoad records the load of one hardware codec core.
func SetEngineLoad(core string, load, utilization float64) {
	engineLoad.WithLabelValues(core).Set(load)
	engineUtilization.WithLabelValues(core).Set(utilization)
}

// DeleteEngineLoad removes a core's gauges.
func DeleteEngineLoad(core string) {
	engineLoad.DeleteLabelValues(core)
	engineUtilization.DeleteLabelValues(core)
}
