package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type TransactionKind string

const (
	KindDeposit            TransactionKind = "deposit"
	KindAccrualCredit      TransactionKind = "accrual_credit"
	KindReferralCommission TransactionKind = "referral_commission"
	KindWithdrawal         TransactionKind = "withdrawal"
	KindPurchase           TransactionKind = "purchase"
	KindReconciliation     TransactionKind = "reconciliation_adjustment"
)

type TransactionStatus string

const (
	StatusPending   TransactionStatus = "pending"
	StatusCompleted TransactionStatus = "completed"
	StatusFailed    TransactionStatus = "failed"
	// StatusAudit rows document a balance repair. They are excluded from the
	// log sum so the repaired balance equals the completed total.
	StatusAudit TransactionStatus = "audit"
)

// CascadeState tracks commission payout for accrual credits.
type CascadeState string

const (
	CascadeNone     CascadeState = ""
	CascadePending  CascadeState = "pending"
	CascadeComplete CascadeState = "complete"
	CascadeFlagged  CascadeState = "flagged"
)

// Transaction is an append-only ledger entry. Amount is signed: credits are
// positive, withdrawals and purchases negative.
type Transaction struct {
	ID          string            `gorm:"primaryKey;type:uuid" json:"id"`
	UserID      UserID            `gorm:"type:varchar(64);not null;index:idx_tx_owner" json:"user_id"`
	Kind        TransactionKind   `gorm:"type:varchar(32);not null" json:"kind"`
	Currency    Currency          `gorm:"type:varchar(8);not null;index:idx_tx_owner" json:"currency"`
	Amount      decimal.Decimal   `gorm:"type:numeric(36,18);not null" json:"amount"`
	Status      TransactionStatus `gorm:"type:varchar(16);not null;index" json:"status"`
	DedupeKey   *string           `gorm:"type:varchar(64);uniqueIndex" json:"dedupe_key,omitempty"`
	ExternalRef string            `gorm:"type:varchar(255)" json:"external_ref,omitempty"`

	PositionID   *string      `gorm:"type:uuid" json:"position_id,omitempty"`
	SourceTxID   *string      `gorm:"type:uuid;index" json:"source_tx_id,omitempty"` // commissions point at the accrual credit
	Level        int          `gorm:"not null;default:0" json:"level,omitempty"`
	CascadeState CascadeState `gorm:"type:varchar(16);index" json:"cascade_state,omitempty"`
	Note         string       `json:"note,omitempty"`

	CreatedAt time.Time `gorm:"not null;index" json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Counted reports whether the row contributes to the balance-equivalence sum.
func (t *Transaction) Counted() bool {
	return t.Status == StatusCompleted
}
