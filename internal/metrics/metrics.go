// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PlansTotal counts plan builds by outcome (created, replaced, skipped, error).
	PlansTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nurture_plans_total",
			Help: "Plan builds by outcome.",
		},
		[]string{"outcome"},
	)
	// PlanPriorityTotal counts decided tracks.
	PlanPriorityTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nurture_plan_priority_total",
			Help: "Policy decisions by selected track.",
		},
		[]string{"priority"},
	)
	// FallbacksTotal counts degraded collaborator calls that fell back to templates.
	FallbacksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nurture_fallbacks_total",
			Help: "Collaborator failures handled by falling back.",
		},
		[]string{"stage"},
	)
	// DeliveriesTotal counts delivery outcomes.
	DeliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nurture_deliveries_total",
			Help: "Deliveries by final status.",
		},
		[]string{"status"},
	)
	// CapSkippedTotal counts items withheld by the daily frequency cap.
	CapSkippedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nurture_dispatch_cap_skipped_total",
			Help: "Plan items not sent because the user reached the daily cap.",
		},
		[]string{"priority"},
	)
	// PushDuration observes push transport latency.
	PushDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nurture_push_duration_seconds",
			Help:    "Duration of push transport requests.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"status"},
	)
	// RiskAnalysesTotal counts risk classifications by level band.
	RiskAnalysesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nurture_risk_analyses_total",
			Help: "Risk analyses by band (low, elevated, crisis).",
		},
		[]string{"band"},
	)
	// AlertsTotal counts crisis alerts recorded.
	AlertsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "nurture_alerts_total",
			Help: "Crisis alerts recorded in alert history.",
		},
	)
	// RateLimitedTotal counts requests rejected by the rate limiter.
	RateLimitedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nurture_rate_limited_total",
			Help: "Requests rejected by the rate limiter, by route.",
		},
		[]string{"route"},
	)
)

// RiskBand maps a risk level to the label used by RiskAnalysesTotal.
func RiskBand(level int) string {
	switch {
	case level >= 9:
		return "crisis"
	case level >= 7:
		return "elevated"
	default:
		return "low"
	}
}
