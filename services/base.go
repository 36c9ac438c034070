package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"farming-ledger/config"
	"farming-ledger/logging"
	"farming-ledger/messaging"
	"farming-ledger/models"
	"farming-ledger/monitoring"
	"farming-ledger/store"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Deps are the collaborators every service shares. Services hold no other
// state, so any number of replicas can run against one store.
type Deps struct {
	Store     store.LedgerStore
	Config    config.Engine
	Publisher messaging.Publisher
	Logger    *zap.Logger
	// Clock defaults to time.Now in UTC.
	Clock func() time.Time
}

func (d Deps) withDefaults() Deps {
	if d.Publisher == nil {
		d.Publisher = messaging.NoopPublisher{}
	}
	d.Logger = logging.OrNop(d.Logger)
	if d.Clock == nil {
		d.Clock = time.Now
	}
	return d
}

type base struct {
	store store.LedgerStore
	cfg   config.Engine
	pub   messaging.Publisher
	log   *zap.Logger
	clock func() time.Time
}

func newBase(d Deps, component string) base {
	d = d.withDefaults()
	return base{
		store: d.Store,
		cfg:   d.Config,
		pub:   d.Publisher,
		log:   d.Logger.With(zap.String("component", component)),
		clock: d.Clock,
	}
}

// now is truncated to microseconds so it survives a Postgres round trip.
func (b *base) now() time.Time {
	return normalizeTime(b.clock())
}

func normalizeTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

func (b *base) validateUser(id models.UserID) error {
	if strings.TrimSpace(string(id)) == "" {
		return fmt.Errorf("%w: empty", ErrInvalidUserID)
	}
	return nil
}

func (b *base) validateCurrency(c models.Currency) error {
	if !b.cfg.Supports(c) {
		return fmt.Errorf("%w: %q", ErrUnknownCurrency, c)
	}
	return nil
}

// validateAmount requires a positive amount exactly representable in the
// currency's minimum unit.
func (b *base) validateAmount(c models.Currency, amount decimal.Decimal) error {
	if err := b.validateCurrency(c); err != nil {
		return err
	}
	if !amount.IsPositive() {
		return fmt.Errorf("%w: must be positive, got %s", ErrInvalidAmount, amount)
	}
	precision := b.cfg.Precision(c)
	if !amount.Equal(amount.Truncate(precision)) {
		return fmt.Errorf("%w: %s has more than %d decimal places", ErrInvalidAmount, amount, precision)
	}
	return nil
}

// publish emits the event for a committed transaction. Failures are logged;
// the log already holds the truth.
func (b *base) publish(ctx context.Context, tx *models.Transaction) {
	if err := b.pub.Publish(ctx, messaging.SubjectFor(tx.Kind), messaging.NewLedgerEvent(tx)); err != nil {
		b.log.Warn("[EVENTS] publish failed",
			zap.String("tx_id", tx.ID),
			zap.String("kind", string(tx.Kind)),
			zap.Error(err))
	}
}

// raiseFlag pushes a subject onto the operator review queue.
func (b *base) raiseFlag(ctx context.Context, subject models.ReviewSubject, subjectID string, userID models.UserID, cause error) {
	at := b.now()
	class := errorClass(cause)
	flag := &models.ReviewFlag{
		ID:          uuid.NewString(),
		SubjectKind: subject,
		SubjectID:   subjectID,
		UserID:      userID,
		Reason:      cause.Error(),
		ErrorClass:  class,
		Timestamps:  models.Timestamps{CreatedAt: at, UpdatedAt: at},
	}
	err := b.store.CreateReviewFlag(ctx, flag)
	if errors.Is(err, store.ErrDuplicateKey) {
		b.log.Debug("[REVIEW] subject already awaiting review",
			zap.String("subject", string(subject)),
			zap.String("subject_id", subjectID))
		return
	}
	if err != nil {
		b.log.Error("[REVIEW] failed to record flag",
			zap.String("subject", string(subject)),
			zap.String("subject_id", subjectID),
			zap.NamedError("cause", cause),
			zap.Error(err))
		return
	}
	monitoring.ReviewFlagsTotal.WithLabelValues(string(subject), class).Inc()
	b.log.Warn("[REVIEW] flagged for review",
		zap.String("subject", string(subject)),
		zap.String("subject_id", subjectID),
		zap.String("user_id", string(userID)),
		zap.String("class", class),
		zap.Error(cause))
}
