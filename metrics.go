package mailstrom

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricConnection = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailstrom_connection_total",
			Help: "SMTP client connections, outgoing.",
		},
		[]string{
			"result", // "ok", "tempfail", "permfail"
		},
	)
	metricDelivery = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mailstrom_delivery_duration_seconds",
			Help:    "Delivery attempt cycle for the recipients of one domain.",
			Buckets: []float64{0.01, 0.05, 0.100, 0.5, 1, 5, 10, 20, 30, 60, 120},
		},
		[]string{
			"attempt", // Number of attempts for the recipients in the cycle.
			"result",  // "delivered", "deferred", "failed", "mixed"
		},
	)
	metricIncomplete = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mailstrom_incomplete_messages",
			Help: "Messages with at least one non-terminal recipient, currently owned by the worker.",
		},
	)
)
