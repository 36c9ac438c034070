package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// MaxCommissionLevels is the depth of the default referral table.
const MaxCommissionLevels = 20

// CommissionSchedule maps referral level (1-based) to the fraction of the
// source amount paid at that level. Every level is computed from the same
// source amount.
type CommissionSchedule struct {
	rates []decimal.Decimal
}

func NewCommissionSchedule(rates ...decimal.Decimal) CommissionSchedule {
	cp := make([]decimal.Decimal, len(rates))
	copy(cp, rates)
	return CommissionSchedule{rates: cp}
}

// DefaultCommissionSchedule pays 100% at level 1 and n% at level n for 2..20.
func DefaultCommissionSchedule() CommissionSchedule {
	rates := make([]decimal.Decimal, MaxCommissionLevels)
	rates[0] = decimal.NewFromInt(1)
	for level := 2; level <= MaxCommissionLevels; level++ {
		rates[level-1] = decimal.New(int64(level), -2)
	}
	return CommissionSchedule{rates: rates}
}

// MaxLevel is the deepest level that pays.
func (s CommissionSchedule) MaxLevel() int { return len(s.rates) }

func (s CommissionSchedule) Rate(level int) (decimal.Decimal, bool) {
	if level < 1 || level > len(s.rates) {
		return decimal.Zero, false
	}
	return s.rates[level-1], true
}

// ReconcileResult is what a single (user, currency) reconciliation observed.
type ReconcileResult struct {
	UserID         UserID          `json:"user_id"`
	Currency       Currency        `json:"currency"`
	Mode           string          `json:"mode"`
	Expected       decimal.Decimal `json:"expected"`
	Actual         decimal.Decimal `json:"actual"`
	Drift          decimal.Decimal `json:"drift"`
	Repaired       bool            `json:"repaired"`
	AdjustmentTxID string          `json:"adjustment_tx_id,omitempty"`
	CheckedAt      time.Time       `json:"checked_at"`
}

func (r *ReconcileResult) Drifted(epsilon decimal.Decimal) bool {
	return r.Drift.Abs().GreaterThan(epsilon)
}
