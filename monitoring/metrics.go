package monitoring

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	DepositsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_deposits_total",
			Help: "Deposit ingestion attempts by outcome",
		},
		[]string{"currency", "result"},
	)

	AccrualCreditsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_accrual_credits_total",
			Help: "Accrual credits written",
		},
		[]string{"currency"},
	)

	AccrualOutcomesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_accrual_outcomes_total",
			Help: "Per-position accrual outcomes",
		},
		[]string{"outcome"},
	)

	CommissionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_commissions_total",
			Help: "Referral commissions written",
		},
		[]string{"currency", "level"},
	)

	TickDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ledger_accrual_tick_seconds",
			Help:    "Duration of accrual ticks",
			Buckets: prometheus.DefBuckets,
		},
	)

	DriftDetectedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_drift_detected_total",
			Help: "Balance drift detections by reconcile mode",
		},
		[]string{"currency", "mode"},
	)

	ReviewFlagsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_review_flags_total",
			Help: "Subjects pushed to the review queue",
		},
		[]string{"subject", "class"},
	)
)

// Handler serves the default registry on a fiber route.
func Handler() fiber.Handler {
	return adaptor.HTTPHandler(promhttp.Handler())
}
