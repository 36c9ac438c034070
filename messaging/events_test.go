package messaging

import (
	"context"
	"testing"
	"time"

	"farming-ledger/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLedgerEvent(t *testing.T) {
	src := "acc-1"
	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	ev := NewLedgerEvent(&models.Transaction{
		ID:         "c-1",
		UserID:     "bob",
		Kind:       models.KindReferralCommission,
		Currency:   models.CurrencyA,
		Amount:     decimal.RequireFromString("0.05"),
		Status:     models.StatusCompleted,
		Level:      1,
		SourceTxID: &src,
		CreatedAt:  at,
	})

	assert.Equal(t, "0.05", ev.Amount)
	assert.Equal(t, "acc-1", ev.SourceTxID)
	assert.Equal(t, 1, ev.Level)
	assert.Equal(t, SubjectCommission, SubjectFor(ev.Kind))
}

func TestRecorder(t *testing.T) {
	var r Recorder
	require.NoError(t, r.Publish(context.Background(), SubjectDeposit, "x"))
	require.NoError(t, NoopPublisher{}.Publish(context.Background(), SubjectDeposit, "y"))
	assert.Equal(t, []string{SubjectDeposit}, r.Subjects())
}
