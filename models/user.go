package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// User holds the materialized balances. Every balance change is paired with an
// appended Transaction inside the same store unit.
type User struct {
	ID               UserID          `gorm:"primaryKey;type:varchar(64)" json:"id"`
	BalanceA         decimal.Decimal `gorm:"type:numeric(36,18);not null;default:0" json:"balance_a"`
	BalanceB         decimal.Decimal `gorm:"type:numeric(36,18);not null;default:0" json:"balance_b"`
	ReferrerID       *UserID         `gorm:"type:varchar(64);index" json:"referrer_id,omitempty"` // set once at creation
	BalanceUpdatedAt *time.Time      `json:"balance_updated_at,omitempty"`

	Timestamps
}

func (u *User) Balance(c Currency) decimal.Decimal {
	if c == CurrencyB {
		return u.BalanceB
	}
	return u.BalanceA
}

func (u *User) SetBalance(c Currency, v decimal.Decimal) {
	if c == CurrencyB {
		u.BalanceB = v
		return
	}
	u.BalanceA = v
}

// BalanceSnapshot is the read model returned by GetBalance.
type BalanceSnapshot struct {
	UserID   UserID          `json:"user_id"`
	BalanceA decimal.Decimal `json:"balance_a"`
	BalanceB decimal.Decimal `json:"balance_b"`
}

// ReferralEdge is one hop of a referrer walk; Level 1 is the direct referrer.
type ReferralEdge struct {
	ReferrerID UserID `json:"referrer_id"`
	ReferredID UserID `json:"referred_id"`
	Level      int    `json:"level"`
}

// Timestamps adds GORM auto-times
type Timestamps struct {
	CreatedAt time.Time `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt time.Time `json:"updated_at" gorm:"autoUpdateTime"`
}
