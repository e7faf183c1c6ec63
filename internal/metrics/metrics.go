package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	OrdersImportedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lengow_orders_imported_total",
		Help: "Total number of marketplace orders imported as new local orders.",
	})

	OrdersUpdatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lengow_orders_updated_total",
		Help: "Total number of already known orders updated during a sync pass.",
	})

	OrderErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lengow_order_errors_total",
		Help: "Total number of order errors recorded, by type.",
	},
		[]string{"type"},
	)

	ActionsSentTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lengow_actions_sent_total",
		Help: "Total number of marketplace actions dispatched, by action type.",
	},
		[]string{"action_type"},
	)

	SyncPassesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lengow_sync_passes_total",
		Help: "Total number of sync passes, by trigger type and result.",
	},
		[]string{"type", "result"},
	)

	SyncDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "lengow_sync_duration_seconds",
		Help:    "Duration of full sync passes.",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	})

	OrdersInError = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "lengow_orders_in_error",
		Help: "Current number of orders flagged in error and not finished.",
	})
)
