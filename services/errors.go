package services

import (
	"errors"
	"fmt"

	"farming-ledger/store"
)

var (
	// ErrInvalidInput covers every request rejected before any mutation.
	ErrInvalidInput     = errors.New("invalid input")
	ErrInvalidAmount    = fmt.Errorf("%w: amount", ErrInvalidInput)
	ErrUnknownCurrency  = fmt.Errorf("%w: unknown currency", ErrInvalidInput)
	ErrEmptyExternalRef = fmt.Errorf("%w: empty external reference", ErrInvalidInput)
	ErrInvalidUserID    = fmt.Errorf("%w: user id", ErrInvalidInput)
	ErrInvalidMode      = fmt.Errorf("%w: reconcile mode", ErrInvalidInput)
	// ErrDepositMismatch means the external reference was already applied
	// with a different user or amount.
	ErrDepositMismatch = fmt.Errorf("%w: deposit reference already used with different details", ErrInvalidInput)
	// ErrReferenceMismatch is the same for withdrawal and purchase references.
	ErrReferenceMismatch = fmt.Errorf("%w: request reference already used with different details", ErrInvalidInput)

	// ErrDuplicateOperation marks a dedupe hit. Replays surface as success,
	// so callers outside this package rarely see it.
	ErrDuplicateOperation = errors.New("duplicate operation")

	ErrDuplicateDepositPending = errors.New("deposit already claimed and pending")
	ErrDepositRejected         = errors.New("deposit rejected by source")

	// ErrStoreUnavailable and ErrSourceUnavailable are transient; retry later.
	ErrStoreUnavailable   = errors.New("ledger store unavailable")
	ErrSourceUnavailable  = errors.New("deposit source unavailable")
	ErrReconcileContended = fmt.Errorf("%w: balance kept changing during repair", ErrStoreUnavailable)

	// ErrInconsistentState is fatal to the one operation that hit it; the
	// subject goes to the review queue.
	ErrInconsistentState = errors.New("inconsistent ledger state")
	ErrReferrerCycle     = fmt.Errorf("%w: referrer cycle", ErrInconsistentState)
	ErrNegativePrincipal = fmt.Errorf("%w: negative principal", ErrInconsistentState)

	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrReferrerImmutable   = errors.New("referrer is immutable once set")
	ErrNotFound            = errors.New("not found")
)

// storeErr lifts store sentinels into the service taxonomy.
func storeErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrNotFound):
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	case errors.Is(err, store.ErrNegativeBalance):
		return fmt.Errorf("%w: %w", ErrInsufficientBalance, err)
	case errors.Is(err, store.ErrNegativePrincipal):
		return fmt.Errorf("%w: %w", ErrNegativePrincipal, err)
	case errors.Is(err, store.ErrReferrerCycle):
		return fmt.Errorf("%w: %w", ErrReferrerCycle, err)
	case errors.Is(err, store.ErrInvalidMutation):
		return fmt.Errorf("%w: %w", ErrInvalidInput, err)
	case errors.Is(err, store.ErrDuplicateKey):
		return fmt.Errorf("%w: %w", ErrDuplicateOperation, err)
	default:
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
}

// errorClass is the short label used in metrics and review flags.
func errorClass(err error) string {
	switch {
	case errors.Is(err, ErrReferrerCycle):
		return "referrer_cycle"
	case errors.Is(err, ErrNegativePrincipal):
		return "negative_principal"
	case errors.Is(err, ErrInconsistentState):
		return "inconsistent_state"
	case errors.Is(err, ErrStoreUnavailable):
		return "store_unavailable"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	default:
		return "unknown"
	}
}
