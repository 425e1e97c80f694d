package extentmap

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics counts extent map activity.
type Metrics struct {
	ExtentsCreated prometheus.Counter
	ExtentsDeleted prometheus.Counter
	// CPUpdatesApplied counts min/max updates that matched the extent's sequence number.
	CPUpdatesApplied prometheus.Counter
	// CPUpdatesDropped counts min/max updates ignored because of a stale sequence number.
	CPUpdatesDropped prometheus.Counter
	SegmentGrowths   *prometheus.CounterVec
	Extents          prometheus.Gauge
	FreeListEntries  prometheus.Gauge
}

// NewMetrics creates the metrics and registers them with reg. A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ExtentsCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "brm_extents_created_total",
			Help: "Total number of extents created",
		}),
		ExtentsDeleted: factory.NewCounter(prometheus.CounterOpts{
			Name: "brm_extents_deleted_total",
			Help: "Total number of extents deleted",
		}),
		CPUpdatesApplied: factory.NewCounter(prometheus.CounterOpts{
			Name: "brm_cp_updates_applied_total",
			Help: "Casual partitioning updates applied",
		}),
		CPUpdatesDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "brm_cp_updates_dropped_total",
			Help: "Casual partitioning updates dropped because of a stale sequence number",
		}),
		SegmentGrowths: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "brm_segment_growths_total",
			Help: "Number of times a shared segment was extended",
		}, []string{"segment"}),
		Extents: factory.NewGauge(prometheus.GaugeOpts{
			Name: "brm_extents",
			Help: "Number of extents in the extent map",
		}),
		FreeListEntries: factory.NewGauge(prometheus.GaugeOpts{
			Name: "brm_freelist_entries",
			Help: "Number of entries in the LBID free list",
		}),
	}
}
