package status

import (
	"github.com/prometheus/client_golang/prometheus"
)

// newRegistry exposes the controller's counters as func-backed collectors,
// so scrapes always read the live values.
func newRegistry(ctrl Controller) *prometheus.Registry {
	registry := prometheus.NewRegistry()
	labels := prometheus.Labels{"stream_id": ctrl.StreamID()}

	counter := func(name, help string, value func() int64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name:        name,
			Help:        help,
			ConstLabels: labels,
		}, func() float64 { return float64(value()) })
	}

	registry.MustRegister(
		counter("sqlaudit_agent_ticks_total", "Collection ticks run",
			func() int64 { return ctrl.Stats().Ticks }),
		counter("sqlaudit_agent_records_collected_total", "Records accepted for delivery",
			func() int64 { return ctrl.Stats().RecordsCollected }),
		counter("sqlaudit_agent_records_delivered_total", "Records delivered and committed",
			func() int64 { return ctrl.Stats().RecordsDelivered }),
		counter("sqlaudit_agent_duplicates_total", "Records suppressed as already delivered",
			func() int64 { return ctrl.Stats().Duplicates }),
		counter("sqlaudit_agent_rollbacks_total", "Ticks whose delivery failed",
			func() int64 { return ctrl.Stats().Rollbacks }),
		counter("sqlaudit_agent_fetch_errors_total", "Per-stream fetch failures",
			func() int64 { return ctrl.Stats().FetchErrors }),
		counter("sqlaudit_agent_tick_errors_total", "Ticks that ended in an error",
			func() int64 { return ctrl.Stats().TickErrors }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name:        "sqlaudit_agent_watermark_timestamp_seconds",
			Help:        "Generation time the next tick starts from",
			ConstLabels: labels,
		}, func() float64 {
			return float64(ctrl.Watermark().UnixNano()) / 1e9
		}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name:        "sqlaudit_agent_running",
			Help:        "1 while the collection loop is running",
			ConstLabels: labels,
		}, func() float64 {
			if ctrl.Running() {
				return 1
			}
			return 0
		}),
	)

	return registry
}
