package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)

	paymentProcessedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payment_processed_total",
			Help: "Payments by resulting status",
		},
		[]string{"status"},
	)

	gatewayRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_requests_total",
			Help: "Calls to the push-payment gateway by operation and outcome",
		},
		[]string{"operation", "outcome"},
	)

	webhookDeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhook_deliveries_total",
			Help: "Webhook deliveries by event and outcome",
		},
		[]string{"event", "outcome"},
	)

	callbacksReceivedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "callbacks_received_total",
			Help: "Gateway callbacks by reconciliation outcome",
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(httpRequestsTotal)
	prometheus.MustRegister(httpRequestDuration)
	prometheus.MustRegister(paymentProcessedTotal)
	prometheus.MustRegister(gatewayRequestsTotal)
	prometheus.MustRegister(webhookDeliveriesTotal)
	prometheus.MustRegister(callbacksReceivedTotal)
}

func MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}

		c.Next()

		status := strconv.Itoa(c.Writer.Status())
		duration := time.Since(start).Seconds()

		httpRequestsTotal.WithLabelValues(c.Request.Method, path, status).Inc()
		httpRequestDuration.WithLabelValues(c.Request.Method, path).Observe(duration)
	}
}

func PrometheusHandler() gin.HandlerFunc {
	return gin.WrapH(promhttp.Handler())
}

func RecordPaymentProcessed(status string) {
	paymentProcessedTotal.WithLabelValues(status).Inc()
}

func RecordGatewayRequest(operation, outcome string) {
	gatewayRequestsTotal.WithLabelValues(operation, outcome).Inc()
}

func RecordWebhookDelivery(event, outcome string) {
	webhookDeliveriesTotal.WithLabelValues(event, outcome).Inc()
}

func RecordCallback(outcome string) {
	callbacksReceivedTotal.WithLabelValues(outcome).Inc()
}
