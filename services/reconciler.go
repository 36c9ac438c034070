package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"farming-ledger/config"
	"farming-ledger/models"
	"farming-ledger/monitoring"
	"farming-ledger/store"

	"github.com/google/uuid"
	"github.com/gosimple/slug"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

type ReconcileMode string

const (
	ModeReportOnly ReconcileMode = "report"
	ModeRepair     ReconcileMode = "repair"
)

func ParseReconcileMode(s string) (ReconcileMode, error) {
	switch ReconcileMode(strings.ToLower(strings.TrimSpace(s))) {
	case "", ModeReportOnly:
		return ModeReportOnly, nil
	case ModeRepair:
		return ModeRepair, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidMode, s)
}

// DriftArchive stores drift reports for later audit.
type DriftArchive interface {
	PutJSON(ctx context.Context, key string, v any) error
}

const repairAttempts = 3

// SweepReport summarizes a ReconcileAll pass.
type SweepReport struct {
	Mode     ReconcileMode            `json:"mode"`
	Checked  int                      `json:"checked"`
	Drifted  int                      `json:"drifted"`
	Repaired int                      `json:"repaired"`
	Failed   int                      `json:"failed"`
	Results  []models.ReconcileResult `json:"results,omitempty"`
}

// Reconciler compares materialized balances against the transaction log.
type Reconciler struct {
	base
	archive DriftArchive

	reads    singleflight.Group
	inflight sync.WaitGroup
}

func NewReconciler(deps Deps, archive DriftArchive) *Reconciler {
	return &Reconciler{base: newBase(deps, "reconciler"), archive: archive}
}

// Reconcile recomputes the expected balance of (userID, currency) from its
// completed transactions. In repair mode a drift beyond the configured
// epsilon is corrected with an audit row; the audit row never counts toward
// the sum, so a repaired balance reconciles cleanly afterwards.
func (r *Reconciler) Reconcile(ctx context.Context, userID models.UserID, currency models.Currency, mode ReconcileMode) (*models.ReconcileResult, error) {
	if err := r.validateUser(userID); err != nil {
		return nil, err
	}
	if err := r.validateCurrency(currency); err != nil {
		return nil, err
	}
	if mode != ModeReportOnly && mode != ModeRepair {
		return nil, fmt.Errorf("%w: %q", ErrInvalidMode, mode)
	}

	for attempt := 1; ; attempt++ {
		snap, err := r.store.Snapshot(ctx, userID, currency)
		if err != nil {
			return nil, storeErr(err)
		}
		result := &models.ReconcileResult{
			UserID:    userID,
			Currency:  currency,
			Mode:      string(mode),
			Expected:  snap.CompletedSum,
			Actual:    snap.Balance,
			Drift:     snap.Balance.Sub(snap.CompletedSum),
			CheckedAt: r.now(),
		}
		if !result.Drifted(r.cfg.ReconcileEpsilon) {
			return result, nil
		}

		log := r.log.With(
			zap.String("user_id", string(userID)),
			zap.String("currency", string(currency)),
			zap.String("expected", result.Expected.String()),
			zap.String("actual", result.Actual.String()),
			zap.String("drift", result.Drift.String()))

		if result.Expected.IsNegative() {
			cause := fmt.Errorf("%w: completed log for %s/%s sums to %s", ErrInconsistentState, userID, currency, result.Expected)
			log.Error("[RECONCILE] log sum is negative, refusing to repair")
			r.raiseFlag(ctx, models.SubjectUser, string(userID), userID, cause)
			monitoring.DriftDetectedTotal.WithLabelValues(string(currency), string(mode)).Inc()
			return result, cause
		}

		if mode == ModeReportOnly {
			log.Warn("[RECONCILE] drift detected")
			monitoring.DriftDetectedTotal.WithLabelValues(string(currency), string(mode)).Inc()
			r.archiveReport(ctx, result, log)
			return result, nil
		}

		audit := &models.Transaction{
			ID:       uuid.NewString(),
			UserID:   userID,
			Kind:     models.KindReconciliation,
			Currency: currency,
			Amount:   result.Expected.Sub(result.Actual),
			Status:   models.StatusAudit,
			Note:     fmt.Sprintf("balance %s repaired to log sum %s", result.Actual, result.Expected),
		}
		audit.CreatedAt = result.CheckedAt
		err = r.store.RepairBalance(ctx, store.RepairRequest{
			UserID:   userID,
			Currency: currency,
			Observed: result.Actual,
			Target:   result.Expected,
			Audit:    audit,
		})
		if errors.Is(err, store.ErrConflict) {
			if attempt >= repairAttempts {
				log.Warn("[RECONCILE] balance kept moving, giving up", zap.Int("attempts", attempt))
				return result, ErrReconcileContended
			}
			log.Debug("[RECONCILE] balance moved during repair, retrying", zap.Int("attempt", attempt))
			continue
		}
		if err != nil {
			return result, storeErr(err)
		}

		result.Repaired = true
		result.AdjustmentTxID = audit.ID
		monitoring.DriftDetectedTotal.WithLabelValues(string(currency), string(mode)).Inc()
		log.Warn("[RECONCILE] drift repaired", zap.String("adjustment_tx_id", audit.ID))
		r.publish(ctx, audit)
		r.archiveReport(ctx, result, log)
		return result, nil
	}
}

// ReconcileAll checks every user in every configured currency. Individual
// failures are counted and the sweep continues.
func (r *Reconciler) ReconcileAll(ctx context.Context, mode ReconcileMode) (*SweepReport, error) {
	if mode != ModeReportOnly && mode != ModeRepair {
		return nil, fmt.Errorf("%w: %q", ErrInvalidMode, mode)
	}
	users, err := r.store.ListUserIDs(ctx)
	if err != nil {
		return nil, storeErr(err)
	}

	report := &SweepReport{Mode: mode}
	for _, userID := range users {
		for _, currency := range models.Currencies {
			if !r.cfg.Supports(currency) {
				continue
			}
			if err := ctx.Err(); err != nil {
				return report, err
			}
			report.Checked++
			res, err := r.Reconcile(ctx, userID, currency, mode)
			if err != nil {
				report.Failed++
				r.log.Warn("[RECONCILE] sweep entry failed",
					zap.String("user_id", string(userID)),
					zap.String("currency", string(currency)),
					zap.Error(err))
			}
			if res == nil || !res.Drifted(r.cfg.ReconcileEpsilon) {
				continue
			}
			report.Drifted++
			if res.Repaired {
				report.Repaired++
			}
			report.Results = append(report.Results, *res)
		}
	}

	r.log.Info("[RECONCILE] sweep finished",
		zap.String("mode", string(mode)),
		zap.Int("checked", report.Checked),
		zap.Int("drifted", report.Drifted),
		zap.Int("repaired", report.Repaired),
		zap.Int("failed", report.Failed))
	return report, nil
}

// CheckOnRead schedules a background check of userID in the configured
// read-check mode. Concurrent reads of the same user share one check.
func (r *Reconciler) CheckOnRead(userID models.UserID) {
	var mode ReconcileMode
	switch r.cfg.ReadCheckMode {
	case config.ReadCheckReport:
		mode = ModeReportOnly
	case config.ReadCheckRepair:
		mode = ModeRepair
	default:
		return
	}

	r.inflight.Add(1)
	go func() {
		defer r.inflight.Done()
		_, _, _ = r.reads.Do(string(userID), func() (any, error) {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			for _, currency := range models.Currencies {
				if !r.cfg.Supports(currency) {
					continue
				}
				if _, err := r.Reconcile(ctx, userID, currency, mode); err != nil {
					r.log.Warn("[RECONCILE] read check failed",
						zap.String("user_id", string(userID)),
						zap.String("currency", string(currency)),
						zap.Error(err))
				}
			}
			return nil, nil
		})
	}()
}

// Wait blocks until every read check started so far has finished.
func (r *Reconciler) Wait() {
	r.inflight.Wait()
}

func (r *Reconciler) archiveReport(ctx context.Context, result *models.ReconcileResult, log *zap.Logger) {
	if r.archive == nil {
		return
	}
	key := reportKey(result)
	if err := r.archive.PutJSON(ctx, key, result); err != nil {
		log.Warn("[RECONCILE] failed to archive drift report", zap.String("key", key), zap.Error(err))
	}
}

func reportKey(result *models.ReconcileResult) string {
	return fmt.Sprintf("drift-reports/%s/%s-%s-%s.json",
		result.CheckedAt.Format("2006-01-02"),
		slug.Make(string(result.UserID)),
		strings.ToLower(string(result.Currency)),
		result.CheckedAt.Format("150405.000000"))
}
