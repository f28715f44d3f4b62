package server

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	opsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spiral_ops_total",
			Help: "Engine operations by name and outcome.",
		},
		[]string{"op", "status"},
	)

	nodeGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "spiral_nodes",
			Help: "Total stored context nodes, refreshed by status calls.",
		},
	)
)

func init() {
	prometheus.MustRegister(opsTotal, nodeGauge)
}

func countOp(op string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	opsTotal.WithLabelValues(op, status).Inc()
}
