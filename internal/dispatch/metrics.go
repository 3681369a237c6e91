package dispatch

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "courier"

var (
	queueSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "size",
			Help:      "Number of dispatch records by status",
		},
		[]string{"status"},
	)

	outcomesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "outcomes_total",
			Help:      "Channel send outcomes by channel and result",
		},
		[]string{"channel", "result"},
	)

	sendDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "send_duration_seconds",
			Help:      "Time to send one channel message",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"channel"},
	)

	recordsPicked = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "picked_total",
			Help:      "Total records returned by the eligibility selector",
		},
	)

	claimsLost = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "claims_lost_total",
			Help:      "Claim attempts lost to another worker or eligibility change",
		},
	)

	remindersArmed = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "reminders_armed_total",
			Help:      "Sent records re-armed for a reminder episode",
		},
	)

	stuckReclaimed = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "stuck_reclaimed_total",
			Help:      "Records recovered from an expired processing lease",
		},
	)
)

// recordOutcome records one channel send outcome.
func recordOutcome(channel, result string) {
	outcomesTotal.WithLabelValues(channel, result).Inc()
}

// recordSendDuration records one channel send duration.
func recordSendDuration(channel string, duration time.Duration) {
	sendDuration.WithLabelValues(channel).Observe(duration.Seconds())
}

// RecordQueueStats updates the queue size gauges.
func RecordQueueStats(stats *QueueStats) {
	for status, count := range stats.CountByStatus {
		queueSize.WithLabelValues(string(status)).Set(float64(count))
	}
}
