package engine

import "github.com/prometheus/client_golang/prometheus"

var (
	metricPacketsProcessed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "governor_packets_processed_total",
		Help: "Packets received from the divert hook",
	})
	metricPacketsDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "governor_packets_dropped_total",
		Help: "Packets dropped by block rules or rate limits",
	})
	metricBytes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "governor_bytes_total",
		Help: "Bytes seen on the divert hook by direction",
	}, []string{"direction"})
)

func init() {
	prometheus.MustRegister(metricPacketsProcessed, metricPacketsDropped, metricBytes)
}
