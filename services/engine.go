package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"farming-ledger/config"
	"farming-ledger/messaging"
	"farming-ledger/models"
	"farming-ledger/store"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type Options struct {
	Config    config.Engine
	Source    DepositSource
	Publisher messaging.Publisher
	Archive   DriftArchive
	Logger    *zap.Logger
	Clock     func() time.Time
}

// Engine wires the ledger services over one store. Handlers and workers talk
// to it rather than to the individual services.
type Engine struct {
	Deposits    *DepositService
	Accrual     *AccrualService
	Commissions *CommissionService
	Reconciler  *Reconciler
	Ledger      *LedgerService
}

func NewEngine(st store.LedgerStore, opts Options) (*Engine, error) {
	if st == nil {
		return nil, errors.New("engine: store is required")
	}
	if err := config.ValidateEngine(opts.Config); err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}
	deps := Deps{
		Store:     st,
		Config:    opts.Config,
		Publisher: opts.Publisher,
		Logger:    opts.Logger,
		Clock:     opts.Clock,
	}
	commissions := NewCommissionService(deps)
	reconciler := NewReconciler(deps, opts.Archive)
	return &Engine{
		Deposits:    NewDepositService(deps, opts.Source),
		Accrual:     NewAccrualService(deps, commissions),
		Commissions: commissions,
		Reconciler:  reconciler,
		Ledger:      NewLedgerService(deps, reconciler),
	}, nil
}

func (e *Engine) IngestDeposit(ctx context.Context, userID models.UserID, currency models.Currency, amount decimal.Decimal, externalRef string) (string, error) {
	return e.Deposits.IngestDeposit(ctx, userID, currency, amount, externalRef)
}

func (e *Engine) RunAccrualTick(ctx context.Context, now time.Time) (*TickReport, error) {
	return e.Accrual.RunAccrualTick(ctx, now)
}

func (e *Engine) GetBalance(ctx context.Context, userID models.UserID) (*models.BalanceSnapshot, error) {
	return e.Ledger.GetBalance(ctx, userID)
}

func (e *Engine) Reconcile(ctx context.Context, userID models.UserID, currency models.Currency, mode ReconcileMode) (*models.ReconcileResult, error) {
	return e.Reconciler.Reconcile(ctx, userID, currency, mode)
}

// Wait blocks until background read checks have finished.
func (e *Engine) Wait() {
	e.Reconciler.Wait()
}
