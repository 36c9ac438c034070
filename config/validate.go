package config

import (
	"fmt"
	"net"
)

// Validate checks cross-field constraints and returns the first violation.
func Validate(cfg Config) error {
	switch cfg.StoreDriver {
	case StoreDriverPostgres:
		if cfg.DatabaseURL == "" {
			return ErrMissingDatabaseURL
		}
	case StoreDriverBolt:
		if cfg.BoltPath == "" {
			return ErrMissingBoltPath
		}
	default:
		return ErrInvalidStoreDriver
	}

	if cfg.ServiceToken == "" {
		return ErrMissingServiceToken
	}
	if _, _, err := net.SplitHostPort(cfg.ListenAddr); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidListenAddr, err)
	}
	if cfg.DepositSourceURL != "" && cfg.DepositPollInterval <= 0 {
		return fmt.Errorf("%w: DEPOSIT_POLL_INTERVAL", ErrInvalidInterval)
	}
	if cfg.ProfileSyncURL != "" && cfg.ProfileSyncInterval <= 0 {
		return fmt.Errorf("%w: PROFILE_SYNC_INTERVAL", ErrInvalidInterval)
	}
	return ValidateEngine(cfg.Engine)
}

// ValidateEngine checks the engine tunables on their own; services call it
// before accepting an Engine.
func ValidateEngine(e Engine) error {
	if e.TickInterval <= 0 {
		return fmt.Errorf("%w: tick interval must be positive", ErrInvalidInterval)
	}
	if e.MinTickInterval <= 0 || e.MinTickInterval < e.TickInterval {
		return fmt.Errorf("%w: minimum tick interval must be at least the tick interval", ErrInvalidInterval)
	}
	if e.ReconcileSweepInterval <= 0 || e.DepositClaimTTL <= 0 || e.CascadeResumeAfter < 0 {
		return ErrInvalidInterval
	}
	if e.Workers <= 0 || e.MaxPositionFailures <= 0 {
		return ErrInvalidWorkers
	}
	if e.Schedule.MaxLevel() == 0 {
		return ErrEmptySchedule
	}
	if e.ReconcileEpsilon.IsNegative() {
		return ErrInvalidEpsilon
	}
	switch e.ReadCheckMode {
	case ReadCheckOff, ReadCheckReport, ReadCheckRepair:
	default:
		return ErrInvalidReadCheckMode
	}
	for c, cur := range e.Currencies {
		if !cur.Rate.IsPositive() {
			return fmt.Errorf("%w: currency %s", ErrInvalidRate, c)
		}
		if cur.Precision < 0 || cur.Precision > 18 {
			return fmt.Errorf("%w: currency %s", ErrInvalidPrecision, c)
		}
	}
	return nil
}
