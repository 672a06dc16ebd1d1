package handler

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jmerrifield20/assetledger/internal/txn"
)

var (
	ledgerRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_requests_total",
		Help: "Total HTTP requests by node role, method, path, and response status.",
	}, []string{"role", "method", "path", "status"})

	ledgerRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledger_request_duration_seconds",
		Help:    "Request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"role", "method", "path"})

	ledgerTransactionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_transactions_total",
		Help: "Transaction outcomes by node role: committed, conflicted, aborted, unknown.",
	}, []string{"role", "outcome"})

	ledgerRecordsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_records_committed_total",
		Help: "Asset versions committed by node role.",
	}, []string{"role"})

	ledgerValidationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_validations_total",
		Help: "Chain validations by node role and result.",
	}, []string{"role", "result"})

	healthProbesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_health_probes_total",
		Help: "Background health probe results by component.",
	}, []string{"component", "result"})
)

// PrometheusMiddleware returns a Gin middleware that records per-request metrics.
func PrometheusMiddleware(role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())
		method := c.Request.Method
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}

		ledgerRequestsTotal.WithLabelValues(role, method, path, status).Inc()
		ledgerRequestDuration.WithLabelValues(role, method, path).Observe(duration)
	}
}

// MetricsHandler returns a Gin handler that serves Prometheus metrics.
func MetricsHandler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// RecordValidation records the outcome of a chain validation request.
func RecordValidation(role string, ok bool) {
	if ok {
		ledgerValidationsTotal.WithLabelValues(role, "valid").Inc()
	} else {
		ledgerValidationsTotal.WithLabelValues(role, "invalid").Inc()
	}
}

// RecordHealthProbe records one background health probe result.
func RecordHealthProbe(component string, success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	healthProbesTotal.WithLabelValues(component, result).Inc()
}

// TxObserver counts transaction outcomes. Install it with
// txn.Manager.SetObserver.
type TxObserver struct {
	role string
}

var _ txn.Observer = (*TxObserver)(nil)

// NewTxObserver returns a TxObserver labelling its samples with role.
func NewTxObserver(role string) *TxObserver {
	return &TxObserver{role: role}
}

func (o *TxObserver) Committed(_ string, records int) {
	ledgerTransactionsTotal.WithLabelValues(o.role, "committed").Inc()
	ledgerRecordsTotal.WithLabelValues(o.role).Add(float64(records))
}

func (o *TxObserver) Conflicted(string) {
	ledgerTransactionsTotal.WithLabelValues(o.role, "conflicted").Inc()
}

func (o *TxObserver) Aborted(string) {
	ledgerTransactionsTotal.WithLabelValues(o.role, "aborted").Inc()
}

func (o *TxObserver) Unknown(string) {
	ledgerTransactionsTotal.WithLabelValues(o.role, "unknown").Inc()
}
