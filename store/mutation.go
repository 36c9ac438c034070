package store

import (
	"context"
	"errors"
	"time"

	"farming-ledger/models"

	"github.com/google/uuid"
)

// creditUser moves the owner's balance by tx.Amount.
func creditUser(user *models.User, tx *models.Transaction) error {
	next := user.Balance(tx.Currency).Add(tx.Amount)
	if next.IsNegative() {
		return ErrNegativeBalance
	}
	user.SetBalance(tx.Currency, next)
	at := tx.CreatedAt
	user.BalanceUpdatedAt = &at
	user.UpdatedAt = at
	return nil
}

func newPosition(tx *models.Transaction, ch *PositionChange) *models.FarmingPosition {
	return &models.FarmingPosition{
		ID:            uuid.NewString(),
		UserID:        tx.UserID,
		Currency:      tx.Currency,
		Rate:          ch.Rate,
		StartedAt:     tx.CreatedAt,
		LastAccrualAt: tx.CreatedAt,
		Active:        true,
		Timestamps:    models.Timestamps{CreatedAt: tx.CreatedAt, UpdatedAt: tx.CreatedAt},
	}
}

// changePosition applies ch to pos after checking its preconditions.
func changePosition(pos *models.FarmingPosition, ch *PositionChange, at time.Time) error {
	if ch.ExpectLastAccrualAt != nil && !pos.LastAccrualAt.Equal(*ch.ExpectLastAccrualAt) {
		return ErrConflict
	}
	if ch.RequireActive && (!pos.Active || pos.FlaggedAt != nil) {
		return ErrConflict
	}
	principal := pos.Principal.Add(ch.PrincipalDelta)
	if principal.IsNegative() {
		return ErrNegativePrincipal
	}
	pos.Principal = principal
	if ch.AdvanceTo != nil {
		pos.LastAccrualAt = *ch.AdvanceTo
	}
	if ch.Activate && !pos.Active {
		// a reactivated position accrues from now, not from when it stopped
		pos.Active = true
		pos.LastAccrualAt = at
	}
	if ch.UpdateRate && ch.Rate.IsPositive() {
		pos.Rate = ch.Rate
	}
	pos.UpdatedAt = at
	return nil
}

// walkReferrers follows referrer pointers from start. lookup returns the
// referrer of a user, or ErrNotFound if the user does not exist. An ancestor
// that does not exist ends the chain.
func walkReferrers(ctx context.Context, lookup func(context.Context, models.UserID) (*models.UserID, error), start models.UserID, maxDepth int) ([]models.UserID, error) {
	ref, err := lookup(ctx, start)
	if err != nil {
		return nil, err
	}

	seen := map[models.UserID]bool{start: true}
	var chain []models.UserID
	for ref != nil && len(chain) < maxDepth {
		id := *ref
		if seen[id] {
			return chain, ErrReferrerCycle
		}
		seen[id] = true

		next, err := lookup(ctx, id)
		if errors.Is(err, ErrNotFound) {
			break
		}
		if err != nil {
			return nil, err
		}
		chain = append(chain, id)
		ref = next
	}
	return chain, nil
}

func newFailureFlag(pos *models.FarmingPosition, reason string, threshold int, at time.Time) *models.ReviewFlag {
	class := "repeated_failure"
	if threshold <= 1 {
		class = "inconsistent_state"
	}
	return &models.ReviewFlag{
		ID:          uuid.NewString(),
		SubjectKind: models.SubjectPosition,
		SubjectID:   pos.ID,
		UserID:      pos.UserID,
		Reason:      reason,
		ErrorClass:  class,
		Timestamps:  models.Timestamps{CreatedAt: at, UpdatedAt: at},
	}
}
