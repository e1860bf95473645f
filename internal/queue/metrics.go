package queue

import "github.com/prometheus/client_golang/prometheus"

var queuedMsgs = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "spoold",
		Subsystem: "queue",
		Name:      "length",
		Help:      "Amount of queued messages",
	},
)

func init() {
	prometheus.MustRegister(queuedMsgs)
}
