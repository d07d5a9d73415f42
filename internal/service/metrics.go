package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	submissionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tokenflow_ledger_submissions_total",
		Help: "Transactions submitted to the ledger by outcome",
	}, []string{"outcome"})

	confirmLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tokenflow_ledger_confirm_duration_seconds",
		Help:    "Time from send to reaching the target commitment",
		Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
	})

	activeStreams = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tokenflow_active_streams",
		Help: "Active streams with an armed expiry timer",
	})

	refundsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tokenflow_stream_refunded_units_total",
		Help: "Token base units refunded by stopped streams",
	})

	usageBilledTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tokenflow_usage_billed_records_total",
		Help: "Usage records cleared after successful billing",
	})
)
