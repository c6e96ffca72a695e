// Package metrics содержит Prometheus-метрики движка.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "fulfillment"

var (
	// WebhookEventsTotal считает события провайдера по типу и исходу обработки.
	WebhookEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "webhook",
		Name:      "events_total",
		Help:      "Provider webhook events by event type and outcome.",
	}, []string{"event_type", "outcome"})

	// WebhookDuration измеряет время обработки события.
	WebhookDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "webhook",
		Name:      "duration_seconds",
		Help:      "Provider webhook processing duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"event_type"})

	// OrderTransitionsTotal считает переходы заказов между статусами.
	OrderTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "orders",
		Name:      "transitions_total",
		Help:      "Order status transitions.",
	}, []string{"from", "to"})

	// OrderIncidentsTotal считает расхождения, зафиксированные по заказам.
	OrderIncidentsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "orders",
		Name:      "incidents_total",
		Help:      "Order incidents by kind and escalation.",
	}, []string{"kind", "escalated"})

	// DownloadAccessTotal считает запросы ссылок на скачивание.
	DownloadAccessTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "downloads",
		Name:      "access_total",
		Help:      "Download access requests by outcome.",
	}, []string{"outcome"})

	// UsageChecksTotal считает проверки квот.
	UsageChecksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "usage",
		Name:      "checks_total",
		Help:      "Usage quota checks by bucket and outcome.",
	}, []string{"bucket", "outcome"})

	// BillingRefreshTotal считает обновления подписок у провайдера.
	BillingRefreshTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "billing",
		Name:      "refresh_total",
		Help:      "Billing provider refresh attempts by outcome.",
	}, []string{"outcome"})

	// BillingRefreshDuration измеряет длительность обращения к провайдеру.
	BillingRefreshDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "billing",
		Name:      "refresh_duration_seconds",
		Help:      "Billing provider refresh duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	})
)
