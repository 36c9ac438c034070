package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"farming-ledger/models"
	"farming-ledger/monitoring"
	"farming-ledger/store"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// DepositConfirmation is the payment verifier's answer for one external ref.
type DepositConfirmation struct {
	Confirmed bool
	// Amount and UserID are zero when the source does not report them.
	Amount decimal.Decimal
	UserID models.UserID
	Reason string
}

// DepositSource confirms that an external transfer really happened. Errors
// are treated as transient; a definitive "no" is Confirmed == false.
type DepositSource interface {
	Confirm(ctx context.Context, currency models.Currency, externalRef string) (DepositConfirmation, error)
}

// PreverifiedSource confirms everything. Use it when deposits only reach
// IngestDeposit after the payment service has already verified them.
type PreverifiedSource struct{}

func (PreverifiedSource) Confirm(context.Context, models.Currency, string) (DepositConfirmation, error) {
	return DepositConfirmation{Confirmed: true}, nil
}

type DepositService struct {
	base
	source DepositSource
}

func NewDepositService(deps Deps, source DepositSource) *DepositService {
	if source == nil {
		source = PreverifiedSource{}
	}
	return &DepositService{base: newBase(deps, "deposit"), source: source}
}

// IngestDeposit credits a confirmed external transfer exactly once per
// (currency, externalRef). A replay returns the original transaction id.
func (s *DepositService) IngestDeposit(ctx context.Context, userID models.UserID, currency models.Currency, amount decimal.Decimal, externalRef string) (string, error) {
	externalRef = strings.TrimSpace(externalRef)
	if err := s.validate(userID, currency, amount, externalRef); err != nil {
		monitoring.DepositsTotal.WithLabelValues(string(currency), "invalid").Inc()
		return "", err
	}

	now := s.now()
	key := DedupeKey("deposit", string(currency), externalRef)
	log := s.log.With(
		zap.String("user_id", string(userID)),
		zap.String("currency", string(currency)),
		zap.String("external_ref", externalRef))

	// Phase 1: claim the key.
	claim := &models.Transaction{
		ID:          uuid.NewString(),
		UserID:      userID,
		Kind:        models.KindDeposit,
		Currency:    currency,
		Amount:      amount,
		Status:      models.StatusPending,
		DedupeKey:   &key,
		ExternalRef: externalRef,
		CreatedAt:   now,
	}
	claimed, err := s.store.ClaimDedupeKey(ctx, claim, now.Add(-s.cfg.DepositClaimTTL))
	if errors.Is(err, store.ErrDuplicateKey) {
		return s.resolveExisting(claimed, userID, amount)
	}
	if err != nil {
		return "", storeErr(err)
	}

	// Phase 2: verify with the payment source.
	conf, err := s.source.Confirm(ctx, currency, externalRef)
	if err != nil {
		s.release(ctx, claimed.ID, log)
		monitoring.DepositsTotal.WithLabelValues(string(currency), "source_error").Inc()
		return "", fmt.Errorf("%w: %w", ErrSourceUnavailable, err)
	}
	if reason := rejection(conf, userID, amount); reason != "" {
		if err := s.store.FailClaim(ctx, claimed.ID, reason); err != nil {
			log.Error("[DEPOSIT] failed to mark claim rejected", zap.Error(err))
		}
		monitoring.DepositsTotal.WithLabelValues(string(currency), "rejected").Inc()
		log.Warn("[DEPOSIT] rejected by source", zap.String("reason", reason))
		return "", fmt.Errorf("%w: %s", ErrDepositRejected, reason)
	}

	// Phase 3: complete the claim, credit the balance, grow the principal.
	done := &models.Transaction{
		ID:          claimed.ID,
		UserID:      userID,
		Kind:        models.KindDeposit,
		Currency:    currency,
		Amount:      amount,
		Status:      models.StatusCompleted,
		DedupeKey:   &key,
		ExternalRef: externalRef,
		CreatedAt:   now,
	}
	tx, err := s.store.Apply(ctx, store.Mutation{
		Tx:         done,
		ClaimID:    claimed.ID,
		EnsureUser: true,
		Position: &store.PositionChange{
			PrincipalDelta:  amount,
			Rate:            s.cfg.Rate(currency),
			CreateIfMissing: true,
			Activate:        true,
		},
	})
	switch {
	case errors.Is(err, store.ErrDuplicateKey):
		// a takeover of our stale claim finished first
		return s.resolveExisting(tx, userID, amount)
	case errors.Is(err, store.ErrConflict):
		return "", fmt.Errorf("%w: deposit claim was released before completion", ErrStoreUnavailable)
	case err != nil:
		s.release(ctx, claimed.ID, log)
		return "", storeErr(err)
	}

	monitoring.DepositsTotal.WithLabelValues(string(currency), "credited").Inc()
	log.Info("[DEPOSIT] credited", zap.String("tx_id", tx.ID), zap.String("amount", amount.String()))
	s.publish(ctx, tx)
	return tx.ID, nil
}

func (s *DepositService) validate(userID models.UserID, currency models.Currency, amount decimal.Decimal, externalRef string) error {
	if externalRef == "" {
		return ErrEmptyExternalRef
	}
	if err := s.validateUser(userID); err != nil {
		return err
	}
	return s.validateAmount(currency, amount)
}

// resolveExisting turns a dedupe hit into the caller's answer.
func (s *DepositService) resolveExisting(existing *models.Transaction, userID models.UserID, amount decimal.Decimal) (string, error) {
	if existing == nil {
		return "", fmt.Errorf("%w: dedupe hit without a row", ErrStoreUnavailable)
	}
	switch existing.Status {
	case models.StatusCompleted:
		if existing.UserID != userID || !existing.Amount.Equal(amount) {
			return "", fmt.Errorf("%w: ref %q belongs to %s for %s", ErrDepositMismatch, existing.ExternalRef, existing.UserID, existing.Amount)
		}
		monitoring.DepositsTotal.WithLabelValues(string(existing.Currency), "replay").Inc()
		return existing.ID, nil
	case models.StatusPending:
		return "", ErrDuplicateDepositPending
	case models.StatusFailed:
		return "", fmt.Errorf("%w: %s", ErrDepositRejected, existing.Note)
	default:
		return "", fmt.Errorf("%w: deposit row %s has status %q", ErrInconsistentState, existing.ID, existing.Status)
	}
}

func (s *DepositService) release(ctx context.Context, claimID string, log *zap.Logger) {
	if err := s.store.ReleaseClaim(context.WithoutCancel(ctx), claimID); err != nil && !errors.Is(err, store.ErrConflict) {
		log.Warn("[DEPOSIT] failed to release claim, it will go stale", zap.String("claim_id", claimID), zap.Error(err))
	}
}

// rejection returns why conf does not back this deposit, or "".
func rejection(conf DepositConfirmation, userID models.UserID, amount decimal.Decimal) string {
	switch {
	case !conf.Confirmed:
		if conf.Reason != "" {
			return "not confirmed: " + conf.Reason
		}
		return "not confirmed"
	case !conf.Amount.IsZero() && !conf.Amount.Equal(amount):
		return fmt.Sprintf("amount mismatch: source reports %s", conf.Amount)
	case conf.UserID != "" && conf.UserID != userID:
		return fmt.Sprintf("user mismatch: source reports %s", conf.UserID)
	}
	return ""
}
