package config

import (
	"time"

	"farming-ledger/models"

	"github.com/shopspring/decimal"
)

// ReadCheckMode selects what GetBalance does after returning.
type ReadCheckMode string

const (
	ReadCheckOff    ReadCheckMode = "off"
	ReadCheckReport ReadCheckMode = "report"
	ReadCheckRepair ReadCheckMode = "repair"
)

type CurrencyConfig struct {
	// Precision is the number of decimal places of the minimum unit.
	Precision int32
	// Rate is the default yield per tick for new positions.
	Rate decimal.Decimal
}

// Engine holds the tunables of the ledger engine. It is read-only once the
// services are constructed.
type Engine struct {
	Currencies map[models.Currency]CurrencyConfig

	TickInterval        time.Duration
	MinTickInterval     time.Duration
	Workers             int
	MaxPositionFailures int
	CascadeResumeAfter  time.Duration
	CascadeResumeBatch  int

	Schedule models.CommissionSchedule

	ReconcileEpsilon       decimal.Decimal
	ReadCheckMode          ReadCheckMode
	ReconcileSweepInterval time.Duration

	DepositClaimTTL time.Duration
}

// DefaultEngine returns hourly ticks, a 1% hourly rate and the standard
// 20-level commission table.
func DefaultEngine() Engine {
	return Engine{
		Currencies: map[models.Currency]CurrencyConfig{
			models.CurrencyA: {Precision: 6, Rate: decimal.RequireFromString("0.01")},
			models.CurrencyB: {Precision: 9, Rate: decimal.RequireFromString("0.01")},
		},
		TickInterval:           time.Hour,
		MinTickInterval:        time.Hour,
		Workers:                8,
		MaxPositionFailures:    5,
		CascadeResumeAfter:     5 * time.Minute,
		CascadeResumeBatch:     500,
		Schedule:               models.DefaultCommissionSchedule(),
		ReconcileEpsilon:       decimal.Zero,
		ReadCheckMode:          ReadCheckReport,
		ReconcileSweepInterval: 6 * time.Hour,
		DepositClaimTTL:        10 * time.Minute,
	}
}

func (e Engine) Precision(c models.Currency) int32 {
	return e.Currencies[c].Precision
}

func (e Engine) Rate(c models.Currency) decimal.Decimal {
	return e.Currencies[c].Rate
}

// Supports reports whether c is configured.
func (e Engine) Supports(c models.Currency) bool {
	_, ok := e.Currencies[c]
	return ok && c.Valid()
}
