package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	CheckoutSessionsCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "checkout_sessions_created_total",
		Help: "Total number of checkout sessions opened",
	})

	CheckoutSessionsPaidTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "checkout_sessions_paid_total",
		Help: "Total number of checkout sessions moved to Paid",
	})

	CheckoutSessionsFailedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "checkout_sessions_failed_total",
		Help: "Total number of checkout sessions whose payment failed",
	})

	CheckoutSessionsExpiredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "checkout_sessions_expired_total",
		Help: "Total number of Pending checkout sessions expired by the sweeper",
	})

	CheckoutRejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "checkout_rejected_total",
		Help: "Total number of rejected checkout operations",
	}, []string{"kind"})

	PaymentConflictsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "checkout_payment_conflicts_total",
		Help: "Total number of payment confirmations carrying a different reference than the recorded one",
	})

	OrdersFinalizedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orders_finalized_total",
		Help: "Total number of orders created from paid checkout sessions",
	})

	FinalizeReplaysTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orders_finalize_replays_total",
		Help: "Total number of finalize calls answered with an existing order",
	})

	FinalizeLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "orders_finalize_latency_seconds",
		Help:    "Latency of order finalization",
		Buckets: prometheus.DefBuckets,
	})

	CartClearFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cart_clear_failures_total",
		Help: "Total number of failed cart clears after finalize",
	})

	PaymentGatewayRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_gateway_requests_total",
		Help: "Total number of payment gateway confirmations by outcome",
	}, []string{"outcome"})

	PaymentGatewayLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "payment_gateway_latency_seconds",
		Help:    "Latency of payment gateway confirmations",
		Buckets: prometheus.DefBuckets,
	})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
)
