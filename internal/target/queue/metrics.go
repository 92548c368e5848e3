package queue

import "github.com/prometheus/client_golang/prometheus"

var (
	queuedMsgs = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "marid",
			Subsystem: "queue",
			Name:      "length",
			Help:      "Amount of queued messages",
		},
		[]string{"location"},
	)
	attemptedMsgs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "marid",
			Subsystem: "queue",
			Name:      "attempts_total",
			Help:      "Amount of delivery attempts made",
		},
		[]string{"location"},
	)
	deliveredMsgs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "marid",
			Subsystem: "queue",
			Name:      "delivered_total",
			Help:      "Amount of recipients delivered successfully",
		},
		[]string{"location"},
	)
	bouncedMsgs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "marid",
			Subsystem: "queue",
			Name:      "bounced_total",
			Help:      "Amount of recipients failed permanently, by bounce category",
		},
		[]string{"location", "category"},
	)
)

func init() {
	prometheus.MustRegister(queuedMsgs, attemptedMsgs, deliveredMsgs, bouncedMsgs)
}
