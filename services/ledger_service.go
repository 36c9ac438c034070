package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"farming-ledger/models"
	"farming-ledger/store"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

// ReferralLevel counts the downline at one depth below a user.
type ReferralLevel struct {
	Level int `json:"level"`
	Count int `json:"count"`
}

type ReferralTree struct {
	UserID models.UserID   `json:"user_id"`
	Total  int             `json:"total"`
	Levels []ReferralLevel `json:"levels"`
}

// LedgerService holds the account operations around the farming core:
// registration, balances, spending, history and the review queue.
type LedgerService struct {
	base
	reconciler *Reconciler
}

func NewLedgerService(deps Deps, reconciler *Reconciler) *LedgerService {
	return &LedgerService{base: newBase(deps, "ledger"), reconciler: reconciler}
}

// GetBalance returns both balances and schedules a background drift check.
func (s *LedgerService) GetBalance(ctx context.Context, userID models.UserID) (*models.BalanceSnapshot, error) {
	if err := s.validateUser(userID); err != nil {
		return nil, err
	}
	user, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return nil, storeErr(err)
	}
	if s.reconciler != nil {
		s.reconciler.CheckOnRead(userID)
	}
	return &models.BalanceSnapshot{UserID: user.ID, BalanceA: user.BalanceA, BalanceB: user.BalanceB}, nil
}

// RegisterUser creates userID under referrerID. Registering again with the
// same referrer is a no-op. A user first seen through a deposit has no
// referrer yet and may be given one exactly once.
func (s *LedgerService) RegisterUser(ctx context.Context, userID models.UserID, referrerID *models.UserID) (*models.User, error) {
	if err := s.validateUser(userID); err != nil {
		return nil, err
	}
	if referrerID != nil {
		if err := s.validateUser(*referrerID); err != nil {
			return nil, err
		}
		if err := s.checkReferrer(ctx, userID, *referrerID); err != nil {
			return nil, err
		}
	}

	log := s.log.With(zap.String("user_id", string(userID)))
	existing, err := s.store.GetUser(ctx, userID)
	switch {
	case err == nil:
		return s.reRegister(ctx, existing, referrerID, log)
	case !errors.Is(err, store.ErrNotFound):
		return nil, storeErr(err)
	}

	now := s.now()
	user := &models.User{
		ID:         userID,
		ReferrerID: referrerID,
		Timestamps: models.Timestamps{CreatedAt: now, UpdatedAt: now},
	}
	err = s.store.CreateUser(ctx, user)
	if errors.Is(err, store.ErrDuplicateKey) {
		// lost a race with another registration or a first deposit
		existing, err := s.store.GetUser(ctx, userID)
		if err != nil {
			return nil, storeErr(err)
		}
		return s.reRegister(ctx, existing, referrerID, log)
	}
	if err != nil {
		return nil, storeErr(err)
	}
	log.Info("[LEDGER] user registered", zap.Any("referrer_id", referrerID))
	return user, nil
}

func (s *LedgerService) reRegister(ctx context.Context, existing *models.User, referrerID *models.UserID, log *zap.Logger) (*models.User, error) {
	switch {
	case referrerID == nil:
		return existing, nil
	case existing.ReferrerID != nil && *existing.ReferrerID == *referrerID:
		return existing, nil
	case existing.ReferrerID != nil:
		return nil, fmt.Errorf("%w: %s already referred by %s", ErrReferrerImmutable, existing.ID, *existing.ReferrerID)
	}

	err := s.store.AttachReferrer(ctx, existing.ID, *referrerID, s.now())
	if errors.Is(err, store.ErrConflict) {
		return nil, fmt.Errorf("%w: %s", ErrReferrerImmutable, existing.ID)
	}
	if err != nil {
		return nil, storeErr(err)
	}
	log.Info("[LEDGER] referrer attached", zap.String("referrer_id", string(*referrerID)))
	ref := *referrerID
	existing.ReferrerID = &ref
	return existing, nil
}

// checkReferrer rejects a referrer whose own ancestry already contains
// userID. Pointers to users that do not exist yet are followed by id, so a
// loop cannot be closed through a late registration either.
func (s *LedgerService) checkReferrer(ctx context.Context, userID, referrerID models.UserID) error {
	seen := map[models.UserID]bool{}
	for cur := referrerID; ; {
		if cur == userID {
			return fmt.Errorf("%w: %w: %s would become its own ancestor", ErrInvalidInput, ErrReferrerCycle, userID)
		}
		if seen[cur] {
			return fmt.Errorf("%w: %w: ancestry of %s already loops", ErrInvalidInput, ErrReferrerCycle, referrerID)
		}
		seen[cur] = true

		u, err := s.store.GetUser(ctx, cur)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if err != nil {
			return storeErr(err)
		}
		if u.ReferrerID == nil {
			return nil
		}
		cur = *u.ReferrerID
	}
}

// Withdraw debits the spendable balance once per (currency, requestRef).
func (s *LedgerService) Withdraw(ctx context.Context, userID models.UserID, currency models.Currency, amount decimal.Decimal, requestRef string) (string, error) {
	return s.debit(ctx, models.KindWithdrawal, userID, currency, amount, requestRef, nil)
}

// Purchase spends balance on a boost: the amount leaves the spendable balance
// and joins the position principal, optionally at a new rate.
func (s *LedgerService) Purchase(ctx context.Context, userID models.UserID, currency models.Currency, amount decimal.Decimal, rate *decimal.Decimal, requestRef string) (string, error) {
	change := &store.PositionChange{
		PrincipalDelta:  amount,
		Rate:            s.cfg.Rate(currency),
		CreateIfMissing: true,
		Activate:        true,
	}
	if rate != nil {
		if !rate.IsPositive() {
			return "", fmt.Errorf("%w: rate must be positive", ErrInvalidInput)
		}
		change.Rate = *rate
		change.UpdateRate = true
	}
	return s.debit(ctx, models.KindPurchase, userID, currency, amount, requestRef, change)
}

func (s *LedgerService) debit(ctx context.Context, kind models.TransactionKind, userID models.UserID, currency models.Currency, amount decimal.Decimal, requestRef string, change *store.PositionChange) (string, error) {
	requestRef = strings.TrimSpace(requestRef)
	if requestRef == "" {
		return "", fmt.Errorf("%w: request reference required", ErrInvalidInput)
	}
	if err := s.validateUser(userID); err != nil {
		return "", err
	}
	if err := s.validateAmount(currency, amount); err != nil {
		return "", err
	}

	key := DedupeKey(string(kind), string(currency), requestRef)
	tx := &models.Transaction{
		ID:          uuid.NewString(),
		UserID:      userID,
		Kind:        kind,
		Currency:    currency,
		Amount:      amount.Neg(),
		Status:      models.StatusCompleted,
		DedupeKey:   &key,
		ExternalRef: requestRef,
		CreatedAt:   s.now(),
	}
	applied, err := s.store.Apply(ctx, store.Mutation{Tx: tx, Position: change})
	if errors.Is(err, store.ErrDuplicateKey) {
		if applied.UserID != userID || !applied.Amount.Equal(tx.Amount) {
			return "", fmt.Errorf("%w: ref %q", ErrReferenceMismatch, requestRef)
		}
		return applied.ID, nil
	}
	if err != nil {
		return "", storeErr(err)
	}

	s.log.Info("[LEDGER] debit applied",
		zap.String("tx_id", applied.ID),
		zap.String("kind", string(kind)),
		zap.String("user_id", string(userID)),
		zap.String("currency", string(currency)),
		zap.String("amount", amount.String()))
	s.publish(ctx, applied)
	return applied.ID, nil
}

// DeactivatePosition stops accrual on a position. Its principal stays put and
// a later deposit or purchase reactivates it.
func (s *LedgerService) DeactivatePosition(ctx context.Context, userID models.UserID, currency models.Currency) (*models.FarmingPosition, error) {
	if err := s.validateUser(userID); err != nil {
		return nil, err
	}
	if err := s.validateCurrency(currency); err != nil {
		return nil, err
	}
	pos, err := s.store.GetPosition(ctx, userID, currency)
	if err != nil {
		return nil, storeErr(err)
	}
	if err := s.store.SetPositionActive(ctx, pos.ID, false, s.now()); err != nil {
		return nil, storeErr(err)
	}
	pos.Active = false
	s.log.Info("[LEDGER] position deactivated",
		zap.String("position_id", pos.ID),
		zap.String("user_id", string(userID)),
		zap.String("currency", string(currency)))
	return pos, nil
}

func (s *LedgerService) GetPosition(ctx context.Context, userID models.UserID, currency models.Currency) (*models.FarmingPosition, error) {
	if err := s.validateUser(userID); err != nil {
		return nil, err
	}
	if err := s.validateCurrency(currency); err != nil {
		return nil, err
	}
	pos, err := s.store.GetPosition(ctx, userID, currency)
	if err != nil {
		return nil, storeErr(err)
	}
	return pos, nil
}

// History returns the newest transactions of a user.
func (s *LedgerService) History(ctx context.Context, userID models.UserID, limit int) ([]models.Transaction, error) {
	if err := s.validateUser(userID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	txs, err := s.store.ListTransactions(ctx, userID, limit)
	if err != nil {
		return nil, storeErr(err)
	}
	return txs, nil
}

// ReferralTree counts the downline of userID per level, as deep as the
// commission schedule pays.
func (s *LedgerService) ReferralTree(ctx context.Context, userID models.UserID) (*ReferralTree, error) {
	if err := s.validateUser(userID); err != nil {
		return nil, err
	}
	if _, err := s.store.GetUser(ctx, userID); err != nil {
		return nil, storeErr(err)
	}

	tree := &ReferralTree{UserID: userID, Levels: []ReferralLevel{}}
	seen := map[models.UserID]bool{userID: true}
	frontier := []models.UserID{userID}
	for level := 1; level <= s.cfg.Schedule.MaxLevel() && len(frontier) > 0; level++ {
		var next []models.UserID
		for _, id := range frontier {
			children, err := s.store.ListReferrals(ctx, id)
			if err != nil {
				return nil, storeErr(err)
			}
			for _, c := range children {
				if !seen[c] {
					seen[c] = true
					next = append(next, c)
				}
			}
		}
		if len(next) == 0 {
			break
		}
		tree.Levels = append(tree.Levels, ReferralLevel{Level: level, Count: len(next)})
		tree.Total += len(next)
		frontier = next
	}
	return tree, nil
}

// Upline returns the referrers above userID that would be paid a commission.
func (s *LedgerService) Upline(ctx context.Context, userID models.UserID) ([]models.ReferralEdge, error) {
	if err := s.validateUser(userID); err != nil {
		return nil, err
	}
	chain, err := s.store.ReferrerChain(ctx, userID, s.cfg.Schedule.MaxLevel())
	if err != nil {
		return nil, storeErr(err)
	}
	edges := make([]models.ReferralEdge, len(chain))
	referred := userID
	for i, ref := range chain {
		edges[i] = models.ReferralEdge{ReferrerID: ref, ReferredID: referred, Level: i + 1}
		referred = ref
	}
	return edges, nil
}

func (s *LedgerService) ListReviewFlags(ctx context.Context, includeResolved bool) ([]models.ReviewFlag, error) {
	flags, err := s.store.ListReviewFlags(ctx, includeResolved)
	if err != nil {
		return nil, storeErr(err)
	}
	return flags, nil
}

// ResolveReviewFlag closes a flag. A flagged position resumes accruing and a
// flagged cascade goes back to the resume queue.
func (s *LedgerService) ResolveReviewFlag(ctx context.Context, id, resolvedBy string) (*models.ReviewFlag, error) {
	if strings.TrimSpace(id) == "" {
		return nil, fmt.Errorf("%w: flag id required", ErrInvalidInput)
	}
	if strings.TrimSpace(resolvedBy) == "" {
		resolvedBy = "operator"
	}
	flag, err := s.store.ResolveReviewFlag(ctx, id, resolvedBy, s.now())
	if err != nil {
		return nil, storeErr(err)
	}
	s.log.Info("[LEDGER] review flag resolved",
		zap.String("flag_id", id),
		zap.String("subject", string(flag.SubjectKind)),
		zap.String("subject_id", flag.SubjectID),
		zap.String("resolved_by", resolvedBy))
	return flag, nil
}
