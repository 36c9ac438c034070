// Package messaging publishes ledger events after their transactions commit.
// Delivery is best effort: the transaction log stays the source of truth.
package messaging

import (
	"context"
	"sync"
	"time"

	"farming-ledger/models"
)

const (
	SubjectDeposit        = "ledger.deposit"
	SubjectAccrual        = "ledger.accrual"
	SubjectCommission     = "ledger.commission"
	SubjectWithdrawal     = "ledger.withdrawal"
	SubjectPurchase       = "ledger.purchase"
	SubjectReconciliation = "ledger.reconciliation"
)

// Publisher is what the services publish through.
type Publisher interface {
	Publish(ctx context.Context, subject string, data any) error
}

// LedgerEvent is the wire form of a committed transaction.
type LedgerEvent struct {
	TransactionID string                   `json:"transaction_id"`
	UserID        models.UserID            `json:"user_id"`
	Kind          models.TransactionKind   `json:"kind"`
	Currency      models.Currency          `json:"currency"`
	Amount        string                   `json:"amount"`
	Status        models.TransactionStatus `json:"status"`
	Level         int                      `json:"level,omitempty"`
	SourceTxID    string                   `json:"source_tx_id,omitempty"`
	OccurredAt    time.Time                `json:"occurred_at"`
}

func NewLedgerEvent(tx *models.Transaction) LedgerEvent {
	ev := LedgerEvent{
		TransactionID: tx.ID,
		UserID:        tx.UserID,
		Kind:          tx.Kind,
		Currency:      tx.Currency,
		Amount:        tx.Amount.String(),
		Status:        tx.Status,
		Level:         tx.Level,
		OccurredAt:    tx.CreatedAt,
	}
	if tx.SourceTxID != nil {
		ev.SourceTxID = *tx.SourceTxID
	}
	return ev
}

// SubjectFor maps a transaction kind to its subject.
func SubjectFor(kind models.TransactionKind) string {
	switch kind {
	case models.KindDeposit:
		return SubjectDeposit
	case models.KindAccrualCredit:
		return SubjectAccrual
	case models.KindReferralCommission:
		return SubjectCommission
	case models.KindWithdrawal:
		return SubjectWithdrawal
	case models.KindPurchase:
		return SubjectPurchase
	default:
		return SubjectReconciliation
	}
}

// NoopPublisher drops everything. Used when NATS_URL is unset.
type NoopPublisher struct{}

func (NoopPublisher) Publish(context.Context, string, any) error { return nil }

// Message is one publish captured by a Recorder.
type Message struct {
	Subject string
	Data    any
}

// Recorder keeps published messages in memory.
type Recorder struct {
	mu       sync.Mutex
	messages []Message
}

func (r *Recorder) Publish(_ context.Context, subject string, data any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, Message{Subject: subject, Data: data})
	return nil
}

func (r *Recorder) Messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Message, len(r.messages))
	copy(out, r.messages)
	return out
}

// Subjects lists the subjects published so far, in order.
func (r *Recorder) Subjects() []string {
	msgs := r.Messages()
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Subject
	}
	return out
}
