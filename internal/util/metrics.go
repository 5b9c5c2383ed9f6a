package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SettlementsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlements_total",
		Help: "Settlement attempts by outcome",
	}, []string{"outcome"})

	SettlementDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "settlement_duration_seconds",
		Help:    "End-to-end settlement latency",
		Buckets: prometheus.DefBuckets,
	})

	EventsRejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_events_rejected_total",
		Help: "Gateway notifications rejected before settlement",
	}, []string{"reason"})

	LedgerEntriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coin_ledger_entries_total",
		Help: "Ledger entries appended by type",
	}, []string{"type"})

	LedgerSkippedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coin_ledger_skipped_total",
		Help: "Ledger effects skipped as already applied",
	}, []string{"type"})

	LedgerIntegrityAlertsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "coin_ledger_integrity_alerts_total",
		Help: "Ledger mutations aborted by the balance invariant",
	})

	CoinsExpiredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "coins_expired_total",
		Help: "Coins swept by the expiry job",
	})

	SideEffectFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_side_effect_failures_total",
		Help: "Post-settlement side effect failures by step",
	}, []string{"step"})

	InvoicesDeferredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "invoices_deferred_total",
		Help: "Invoices queued for deferred delivery",
	})

	StatusPollsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_status_polls_total",
		Help: "Active gateway status polls by result",
	}, []string{"result"})

	GatewayRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gateway_request_duration_seconds",
		Help:    "Outbound gateway call latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})

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
