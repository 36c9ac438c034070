package services

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"farming-ledger/models"
	"farming-ledger/monitoring"
	"farming-ledger/store"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// CommissionService pays the referral cascade for accrual credits.
type CommissionService struct {
	base
}

func NewCommissionService(deps Deps) *CommissionService {
	return &CommissionService{base: newBase(deps, "commission")}
}

// PayCommissions credits every referrer above beneficiaryID, level 1 first,
// up to the depth of the commission schedule. Each level is computed from
// sourceAmount and written as its own deduplicated credit, so a retry after a
// partial failure pays only the missing levels. The returned ids include
// levels that were already paid by an earlier attempt.
func (s *CommissionService) PayCommissions(ctx context.Context, beneficiaryID models.UserID, currency models.Currency, sourceAmount decimal.Decimal, sourceTxID string) ([]string, error) {
	if err := s.validateUser(beneficiaryID); err != nil {
		return nil, err
	}
	if err := s.validateCurrency(currency); err != nil {
		return nil, err
	}
	if !sourceAmount.IsPositive() {
		return nil, fmt.Errorf("%w: source amount must be positive", ErrInvalidAmount)
	}
	if sourceTxID == "" {
		return nil, fmt.Errorf("%w: source transaction id required", ErrInvalidInput)
	}

	log := s.log.With(
		zap.String("source_tx_id", sourceTxID),
		zap.String("beneficiary", string(beneficiaryID)),
		zap.String("currency", string(currency)))

	chain, err := s.store.ReferrerChain(ctx, beneficiaryID, s.cfg.Schedule.MaxLevel())
	if errors.Is(err, store.ErrReferrerCycle) {
		cause := fmt.Errorf("%w: chain above %s loops after %d levels", ErrReferrerCycle, beneficiaryID, len(chain))
		if err := s.store.SetCascadeState(ctx, sourceTxID, models.CascadeFlagged); err != nil && !errors.Is(err, store.ErrNotFound) {
			log.Error("[CASCADE] failed to mark source flagged", zap.Error(err))
		}
		s.raiseFlag(ctx, models.SubjectTransaction, sourceTxID, beneficiaryID, cause)
		return nil, cause
	}
	if err != nil {
		return nil, storeErr(err)
	}

	precision := s.cfg.Precision(currency)
	paid := make([]string, 0, len(chain))
	for i, referrer := range chain {
		level := i + 1
		rate, ok := s.cfg.Schedule.Rate(level)
		if !ok {
			break
		}
		amount := sourceAmount.Mul(rate).Truncate(precision)
		if !amount.IsPositive() {
			continue
		}

		key := DedupeKey("commission", sourceTxID, strconv.Itoa(level))
		src := sourceTxID
		tx := &models.Transaction{
			ID:         uuid.NewString(),
			UserID:     referrer,
			Kind:       models.KindReferralCommission,
			Currency:   currency,
			Amount:     amount,
			Status:     models.StatusCompleted,
			DedupeKey:  &key,
			SourceTxID: &src,
			Level:      level,
			Note:       "referral yield from " + string(beneficiaryID),
			CreatedAt:  s.now(),
		}
		credited, err := s.store.Apply(ctx, store.Mutation{Tx: tx})
		if errors.Is(err, store.ErrDuplicateKey) {
			paid = append(paid, credited.ID)
			continue
		}
		if err != nil {
			log.Warn("[CASCADE] level failed, remaining levels deferred",
				zap.Int("level", level),
				zap.Int("paid", len(paid)),
				zap.Error(err))
			return paid, fmt.Errorf("commission level %d to %s: %w", level, referrer, storeErr(err))
		}

		paid = append(paid, credited.ID)
		monitoring.CommissionsTotal.WithLabelValues(string(currency), strconv.Itoa(level)).Inc()
		s.publish(ctx, credited)
	}

	log.Debug("[CASCADE] paid", zap.Int("levels", len(paid)), zap.Int("chain", len(chain)))
	return paid, nil
}

// Settle runs the cascade for an accrual credit and records the outcome on
// it: complete on success, left pending for the next tick on a transient
// failure. A cycle has already marked it flagged.
func (s *CommissionService) Settle(ctx context.Context, source *models.Transaction) error {
	_, err := s.PayCommissions(ctx, source.UserID, source.Currency, source.Amount, source.ID)
	if err != nil {
		return err
	}
	if err := s.store.SetCascadeState(ctx, source.ID, models.CascadeComplete); err != nil {
		// the next resume pass replays every level as a dedupe hit
		return fmt.Errorf("mark cascade complete: %w", storeErr(err))
	}
	return nil
}
