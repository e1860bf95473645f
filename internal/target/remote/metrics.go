package remote

import "github.com/prometheus/client_golang/prometheus"

var connsCnt = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "spoold",
		Subsystem: "remote",
		Name:      "conns_total",
		Help:      "Outbound connections established, by discovery mechanism",
	},
	[]string{"kind"},
)

func init() {
	prometheus.MustRegister(connsCnt)
}
