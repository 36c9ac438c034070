// Package store holds the ledger persistence contract and its adapters.
// Every method that mutates money does so in one atomic unit: the balance
// change and the appended transaction commit together or not at all.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"farming-ledger/models"

	"github.com/shopspring/decimal"
)

var (
	// ErrNotFound indicates the requested row does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrDuplicateKey indicates a dedupe key or primary key already exists.
	// Methods returning it also return the existing row where one applies.
	ErrDuplicateKey = errors.New("store: duplicate key")

	// ErrConflict indicates a compare-and-set precondition did not hold.
	ErrConflict = errors.New("store: concurrent modification")

	// ErrUnavailable wraps transient backend failures. Callers may retry.
	ErrUnavailable = errors.New("store: unavailable")

	// ErrNegativeBalance indicates a debit would take a balance below zero.
	ErrNegativeBalance = errors.New("store: balance would go negative")

	// ErrNegativePrincipal indicates a position change would leave negative principal.
	ErrNegativePrincipal = errors.New("store: principal would go negative")

	// ErrReferrerCycle indicates the referrer chain loops back on itself.
	ErrReferrerCycle = errors.New("store: referrer cycle")

	// ErrInvalidMutation indicates a malformed Mutation.
	ErrInvalidMutation = errors.New("store: invalid mutation")
)

// LedgerStore is the persistence contract the engine runs against.
type LedgerStore interface {
	GetUser(ctx context.Context, id models.UserID) (*models.User, error)
	CreateUser(ctx context.Context, user *models.User) error
	ListUserIDs(ctx context.Context) ([]models.UserID, error)
	// ReferrerChain returns the ancestors of id, direct referrer first, at most
	// maxDepth of them. A loop yields ErrReferrerCycle with the prefix walked so far.
	ReferrerChain(ctx context.Context, id models.UserID, maxDepth int) ([]models.UserID, error)
	CountReferrals(ctx context.Context, referrer models.UserID) (int64, error)
	ListReferrals(ctx context.Context, referrer models.UserID) ([]models.UserID, error)
	// AttachReferrer sets the referrer of a user created without one. It is a
	// no-op when the same referrer is already set and ErrConflict otherwise.
	AttachReferrer(ctx context.Context, userID, referrerID models.UserID, at time.Time) error

	GetPosition(ctx context.Context, userID models.UserID, currency models.Currency) (*models.FarmingPosition, error)
	// ListAccruablePositions returns active, unflagged positions with positive
	// principal whose last accrual is at or before dueBefore.
	ListAccruablePositions(ctx context.Context, dueBefore time.Time) ([]models.FarmingPosition, error)
	SetPositionActive(ctx context.Context, positionID string, active bool, at time.Time) error
	// RecordPositionFailure bumps the failure counter and flags the position
	// once it reaches threshold. flagged reports a new flag.
	RecordPositionFailure(ctx context.Context, positionID, reason string, threshold int, at time.Time) (flagged bool, err error)
	ResetPositionFailures(ctx context.Context, positionID string) error

	GetTransaction(ctx context.Context, id string) (*models.Transaction, error)
	FindByDedupeKey(ctx context.Context, key string) (*models.Transaction, error)
	ListTransactions(ctx context.Context, userID models.UserID, limit int) ([]models.Transaction, error)
	ListPendingCascades(ctx context.Context, createdBefore time.Time, limit int) ([]models.Transaction, error)
	SetCascadeState(ctx context.Context, txID string, state models.CascadeState) error

	// ClaimDedupeKey inserts claim as a pending row. If the key exists the
	// existing row is returned with ErrDuplicateKey, unless it is still pending
	// and was created before staleBefore, in which case it is taken over.
	ClaimDedupeKey(ctx context.Context, claim *models.Transaction, staleBefore time.Time) (*models.Transaction, error)
	ReleaseClaim(ctx context.Context, txID string) error
	FailClaim(ctx context.Context, txID, note string) error

	// Apply runs one ledger mutation atomically. On a dedupe collision the
	// existing transaction is returned with ErrDuplicateKey.
	Apply(ctx context.Context, m Mutation) (*models.Transaction, error)

	// Snapshot reads the materialized balance and the completed-log sum for
	// (user, currency) from one consistent view.
	Snapshot(ctx context.Context, userID models.UserID, currency models.Currency) (Snapshot, error)
	// RepairBalance sets the balance from Observed to Target and appends the
	// audit row, or returns ErrConflict if the balance moved.
	RepairBalance(ctx context.Context, req RepairRequest) error

	// CreateReviewFlag queues flag unless an open flag already exists for the
	// same subject, in which case it returns ErrDuplicateKey.
	CreateReviewFlag(ctx context.Context, flag *models.ReviewFlag) error
	ListReviewFlags(ctx context.Context, includeResolved bool) ([]models.ReviewFlag, error)
	ResolveReviewFlag(ctx context.Context, id, resolvedBy string, at time.Time) (*models.ReviewFlag, error)

	Close() error
}

// Mutation is one atomic ledger change: a transaction appended (or a claimed
// pending row completed), the owner's balance moved by Tx.Amount, and
// optionally the owner's position adjusted.
type Mutation struct {
	Tx *models.Transaction
	// ClaimID completes this pending row in place instead of inserting Tx.
	ClaimID string
	// EnsureUser creates the owner with no referrer if absent.
	EnsureUser bool
	Position   *PositionChange
}

// PositionChange adjusts the (Tx.UserID, Tx.Currency) position.
type PositionChange struct {
	PrincipalDelta  decimal.Decimal
	Rate            decimal.Decimal
	UpdateRate      bool
	CreateIfMissing bool
	Activate        bool
	RequireActive   bool

	// ExpectLastAccrualAt is compared against the stored cursor; a mismatch
	// aborts the unit with ErrConflict.
	ExpectLastAccrualAt *time.Time
	AdvanceTo           *time.Time
}

// Snapshot pairs a balance with the sum that should equal it.
type Snapshot struct {
	Balance      decimal.Decimal
	CompletedSum decimal.Decimal
}

type RepairRequest struct {
	UserID   models.UserID
	Currency models.Currency
	Observed decimal.Decimal
	Target   decimal.Decimal
	Audit    *models.Transaction
}

func (m Mutation) validate() error {
	if m.Tx == nil {
		return fmt.Errorf("%w: nil transaction", ErrInvalidMutation)
	}
	if m.Tx.ID == "" || m.Tx.UserID == "" {
		return fmt.Errorf("%w: transaction id and user id required", ErrInvalidMutation)
	}
	if !m.Tx.Currency.Valid() {
		return fmt.Errorf("%w: currency %q", ErrInvalidMutation, m.Tx.Currency)
	}
	if m.Tx.Status != models.StatusCompleted {
		return fmt.Errorf("%w: only completed rows move balances", ErrInvalidMutation)
	}
	if m.ClaimID != "" && m.Tx.DedupeKey == nil {
		return fmt.Errorf("%w: claim completion needs a dedupe key", ErrInvalidMutation)
	}
	if p := m.Position; p != nil && p.CreateIfMissing && !p.Rate.IsPositive() {
		return fmt.Errorf("%w: new position needs a positive rate", ErrInvalidMutation)
	}
	return nil
}

func (r RepairRequest) validate() error {
	if r.UserID == "" || !r.Currency.Valid() || r.Audit == nil || r.Audit.ID == "" {
		return fmt.Errorf("%w: incomplete repair request", ErrInvalidMutation)
	}
	if r.Target.IsNegative() {
		return ErrNegativeBalance
	}
	return nil
}
