package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "notifier_build_info",
			Help: "Build information of the notifier",
		},
		[]string{"version", "commit", "date"},
	)

	PollsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifier_polls_total",
			Help: "Total number of ledger polls",
		},
		[]string{"status"},
	)

	NotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifier_notifications_total",
			Help: "Total number of distribution notifications sent, by channel",
		},
		[]string{"channel", "status"},
	)

	SuppressedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifier_suppressed_total",
			Help: "Total number of polls that did not notify, by reason",
		},
		[]string{"reason"},
	)

	LastDistributionCount = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "notifier_last_distribution_count",
			Help: "Distribution count seen on the most recent poll",
		},
	)
)

// Status maps an error to a status label.
func Status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
