package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"farming-ledger/models"
	"farming-ledger/monitoring"
	"farming-ledger/store"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// TickReport summarizes one accrual run.
type TickReport struct {
	Now             time.Time                           `json:"now"`
	Considered      int                                 `json:"considered"`
	Credited        int                                 `json:"credited"`
	Skipped         int                                 `json:"skipped"`
	Failed          int                                 `json:"failed"`
	Flagged         int                                 `json:"flagged"`
	CascadeFailures int                                 `json:"cascade_failures"`
	CascadesResumed int                                 `json:"cascades_resumed"`
	Interrupted     bool                                `json:"interrupted"`
	Credits         map[models.Currency]decimal.Decimal `json:"credits"`
}

type outcomeKind int

const (
	outcomeSkipped outcomeKind = iota
	outcomeCredited
	outcomeFailed
	outcomeNotStarted
)

type positionOutcome struct {
	kind       outcomeKind
	currency   models.Currency
	amount     decimal.Decimal
	flagged    bool
	cascadeErr error
}

func (r *TickReport) add(o positionOutcome) {
	switch o.kind {
	case outcomeCredited:
		r.Credited++
		r.Credits[o.currency] = r.Credits[o.currency].Add(o.amount)
	case outcomeSkipped:
		r.Skipped++
	case outcomeFailed:
		r.Failed++
	case outcomeNotStarted:
		r.Interrupted = true
	}
	if o.flagged {
		r.Flagged++
	}
	if o.cascadeErr != nil {
		r.CascadeFailures++
	}
}

// AccrualService credits yield on farming positions.
type AccrualService struct {
	base
	commissions *CommissionService
}

func NewAccrualService(deps Deps, commissions *CommissionService) *AccrualService {
	return &AccrualService{base: newBase(deps, "accrual"), commissions: commissions}
}

// RunAccrualTick credits every due position once, as of now. It is safe to
// run concurrently, on several replicas, or twice for the same now: the
// per-position cursor is compare-and-set and every credit carries a dedupe
// key. Cancelling ctx stops the run between positions; a position already
// started finishes its credit and cascade.
func (s *AccrualService) RunAccrualTick(ctx context.Context, now time.Time) (*TickReport, error) {
	if now.IsZero() {
		return nil, fmt.Errorf("%w: tick time required", ErrInvalidInput)
	}
	now = normalizeTime(now)
	started := time.Now()
	defer func() { monitoring.TickDuration.Observe(time.Since(started).Seconds()) }()

	report := &TickReport{Now: now, Credits: map[models.Currency]decimal.Decimal{}}
	if err := ctx.Err(); err != nil {
		report.Interrupted = true
		return report, err
	}

	report.CascadesResumed = s.resumePendingCascades(ctx, now)

	positions, err := s.store.ListAccruablePositions(ctx, now.Add(-s.cfg.MinTickInterval))
	if err != nil {
		return report, storeErr(err)
	}
	report.Considered = len(positions)

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(s.cfg.Workers)
	for i := range positions {
		if ctx.Err() != nil {
			report.Interrupted = true
			break
		}
		pos := positions[i]
		g.Go(func() error {
			out := positionOutcome{kind: outcomeNotStarted}
			if ctx.Err() == nil {
				out = s.accruePosition(context.WithoutCancel(ctx), &pos, now)
			}
			mu.Lock()
			report.add(out)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	s.log.Info("[ACCRUAL] tick finished",
		zap.Time("now", now),
		zap.Int("considered", report.Considered),
		zap.Int("credited", report.Credited),
		zap.Int("skipped", report.Skipped),
		zap.Int("failed", report.Failed),
		zap.Int("flagged", report.Flagged),
		zap.Int("cascades_resumed", report.CascadesResumed),
		zap.Bool("interrupted", report.Interrupted))

	if report.Interrupted {
		return report, ctx.Err()
	}
	return report, nil
}

// computeYield returns the credit for pos at now and the cursor it advances
// to. The cursor moves by whole ticks so a partial interval carries over.
func (s *AccrualService) computeYield(pos *models.FarmingPosition, now time.Time) (decimal.Decimal, time.Time, bool) {
	if !pos.Principal.IsPositive() {
		return decimal.Zero, time.Time{}, false
	}
	elapsed := now.Sub(pos.LastAccrualAt)
	if elapsed < s.cfg.MinTickInterval {
		return decimal.Zero, time.Time{}, false
	}
	ticks := int64(elapsed / s.cfg.TickInterval)
	if ticks < 1 {
		return decimal.Zero, time.Time{}, false
	}
	yield := pos.Principal.Mul(pos.Rate).Mul(decimal.NewFromInt(ticks)).Truncate(s.cfg.Precision(pos.Currency))
	if !yield.IsPositive() {
		return decimal.Zero, time.Time{}, false
	}
	return yield, pos.LastAccrualAt.Add(time.Duration(ticks) * s.cfg.TickInterval), true
}

func (s *AccrualService) accruePosition(ctx context.Context, pos *models.FarmingPosition, now time.Time) positionOutcome {
	out := positionOutcome{kind: outcomeSkipped, currency: pos.Currency}
	log := s.log.With(
		zap.String("position_id", pos.ID),
		zap.String("user_id", string(pos.UserID)),
		zap.String("currency", string(pos.Currency)))

	if pos.Principal.IsNegative() {
		err := fmt.Errorf("%w: position %s holds %s", ErrNegativePrincipal, pos.ID, pos.Principal)
		log.Error("[ACCRUAL] inconsistent position", zap.Error(err))
		out.kind = outcomeFailed
		out.flagged = s.recordFailure(ctx, pos, err, 1, now, log)
		monitoring.AccrualOutcomesTotal.WithLabelValues("failed").Inc()
		return out
	}

	yield, advance, ok := s.computeYield(pos, now)
	if !ok {
		monitoring.AccrualOutcomesTotal.WithLabelValues("skipped").Inc()
		return out
	}

	key := DedupeKey("accrual", pos.ID, keyTime(pos.LastAccrualAt), keyTime(now))
	expect := pos.LastAccrualAt
	positionID := pos.ID
	tx := &models.Transaction{
		ID:           uuid.NewString(),
		UserID:       pos.UserID,
		Kind:         models.KindAccrualCredit,
		Currency:     pos.Currency,
		Amount:       yield,
		Status:       models.StatusCompleted,
		DedupeKey:    &key,
		PositionID:   &positionID,
		CascadeState: models.CascadePending,
		CreatedAt:    now,
	}
	credited, err := s.store.Apply(ctx, store.Mutation{
		Tx: tx,
		Position: &store.PositionChange{
			ExpectLastAccrualAt: &expect,
			AdvanceTo:           &advance,
			RequireActive:       true,
		},
	})
	switch {
	case errors.Is(err, store.ErrDuplicateKey), errors.Is(err, store.ErrConflict):
		log.Debug("[ACCRUAL] already credited by a concurrent run")
		monitoring.AccrualOutcomesTotal.WithLabelValues("raced").Inc()
		return out
	case err != nil:
		err = storeErr(err)
		log.Warn("[ACCRUAL] credit failed", zap.Error(err))
		out.kind = outcomeFailed
		out.flagged = s.recordFailure(ctx, pos, err, s.cfg.MaxPositionFailures, now, log)
		monitoring.AccrualOutcomesTotal.WithLabelValues("failed").Inc()
		return out
	}

	if pos.FailureCount > 0 {
		if err := s.store.ResetPositionFailures(ctx, pos.ID); err != nil {
			log.Warn("[ACCRUAL] failed to reset failure count", zap.Error(err))
		}
	}
	out.kind = outcomeCredited
	out.amount = yield
	monitoring.AccrualOutcomesTotal.WithLabelValues("credited").Inc()
	monitoring.AccrualCreditsTotal.WithLabelValues(string(pos.Currency)).Inc()
	s.publish(ctx, credited)

	if err := s.commissions.Settle(ctx, credited); err != nil {
		out.cascadeErr = err
		log.Warn("[ACCRUAL] cascade incomplete", zap.String("tx_id", credited.ID), zap.Error(err))
	}
	return out
}

func (s *AccrualService) recordFailure(ctx context.Context, pos *models.FarmingPosition, cause error, threshold int, now time.Time, log *zap.Logger) bool {
	flagged, err := s.store.RecordPositionFailure(ctx, pos.ID, cause.Error(), threshold, now)
	if err != nil {
		log.Error("[ACCRUAL] failed to record position failure", zap.NamedError("cause", cause), zap.Error(err))
		return false
	}
	if flagged {
		monitoring.ReviewFlagsTotal.WithLabelValues(string(models.SubjectPosition), errorClass(cause)).Inc()
		log.Warn("[ACCRUAL] position flagged for review", zap.Error(cause))
	}
	return flagged
}

// resumePendingCascades settles accrual credits whose cascade did not finish,
// oldest first.
func (s *AccrualService) resumePendingCascades(ctx context.Context, now time.Time) int {
	pending, err := s.store.ListPendingCascades(ctx, now.Add(-s.cfg.CascadeResumeAfter), s.cfg.CascadeResumeBatch)
	if err != nil {
		s.log.Warn("[ACCRUAL] could not list pending cascades", zap.Error(err))
		return 0
	}
	resumed := 0
	for i := range pending {
		if ctx.Err() != nil {
			break
		}
		if err := s.commissions.Settle(context.WithoutCancel(ctx), &pending[i]); err != nil {
			s.log.Warn("[ACCRUAL] pending cascade still incomplete",
				zap.String("tx_id", pending[i].ID), zap.Error(err))
			continue
		}
		resumed++
	}
	return resumed
}
