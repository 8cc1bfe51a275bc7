// Package metrics defines prometheus metrics to expose
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "xmodel_api_inference_duration_seconds",
			Help:    "Total time taken for inference runs in seconds",
			Buckets: []float64{.5, 1, 2.5, 5, 10, 15, 20, 30, 40, 50, 75, 100, 150, 200, 350, 400, 500, 600},
		},
		[]string{"model", "mode"},
	)

	TimeToFirstToken = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "xmodel_api_time_to_first_token_seconds",
			Help:    "Time to first streamed delta in seconds",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 15, 20, 30, 60, 120},
		},
		[]string{"model"},
	)

	RequestCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "xmodel_api_inference_count_total",
			Help: "Total number of inference runs by outcome",
		},
		[]string{"model", "mode", "status"},
	)

	InsufficientBalance = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "xmodel_api_insufficient_balance_total",
			Help: "Runs rejected by the balance check",
		},
		[]string{"model"},
	)

	ValidationFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "xmodel_api_validation_failures_total",
			Help: "Runs rejected by parameter validation",
		},
		[]string{"model", "field"},
	)

	CredentialsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "xmodel_api_credentials_created_total",
			Help: "Credentials created, by origin",
		},
		[]string{"origin"},
	)

	StreamDeltas = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "xmodel_api_stream_deltas_total",
			Help: "Deltas forwarded to clients",
		},
		[]string{"model"},
	)

	UsageQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "xmodel_api_usage_queue_depth",
			Help: "Usage records waiting to be persisted",
		},
	)

	UsageRecords = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "xmodel_api_usage_records_total",
			Help: "Usage records by outcome",
		},
		[]string{"status"},
	)

	CreditUsage = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "xmodel_api_credit_usage_total",
			Help: "Total credits charged",
		},
		[]string{"model"},
	)

	ErrorCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "xmodel_api_error_count",
			Help: "Error count",
		},
		[]string{"model", "code"},
	)

	ResponseCodes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "xmodel_api_status_code",
			Help: "Status Codes",
		},
		[]string{"path", "status_code"},
	)
)
