package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// FarmingPosition is the yield-bearing principal a user holds in one currency.
// Yield is credited to the spendable balance and never folded back in here.
type FarmingPosition struct {
	ID            string          `gorm:"primaryKey;type:uuid" json:"id"`
	UserID        UserID          `gorm:"type:varchar(64);not null;uniqueIndex:idx_position_owner" json:"user_id"`
	Currency      Currency        `gorm:"type:varchar(8);not null;uniqueIndex:idx_position_owner" json:"currency"`
	Principal     decimal.Decimal `gorm:"type:numeric(36,18);not null;default:0" json:"principal"`
	Rate          decimal.Decimal `gorm:"type:numeric(20,12);not null" json:"rate"` // yield per tick, fraction of principal
	StartedAt     time.Time       `gorm:"not null" json:"started_at"`
	LastAccrualAt time.Time       `gorm:"not null;index" json:"last_accrual_at"`
	Active        bool            `gorm:"not null;index" json:"active"`

	// Consecutive accrual failures; reset on success.
	FailureCount int        `gorm:"not null;default:0" json:"failure_count"`
	LastError    string     `json:"last_error,omitempty"`
	FlaggedAt    *time.Time `gorm:"index" json:"flagged_at,omitempty"`

	Timestamps
}

// Accruable reports whether the scheduler should look at this position at all.
func (p *FarmingPosition) Accruable() bool {
	return p.Active && p.FlaggedAt == nil && p.Principal.IsPositive()
}
