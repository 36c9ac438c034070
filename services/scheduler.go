package services

import (
	"context"
	"fmt"
	"time"

	"farming-ledger/config"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"
)

const (
	tickJobName  = "accrual-tick"
	sweepJobName = "reconcile-sweep"
)

// TickLease lets replicas skip a run another replica already holds. It is an
// optimization only: credits are deduplicated in the store either way.
type TickLease interface {
	Acquire(ctx context.Context, name string, ttl time.Duration) (bool, error)
}

// Scheduler drives the accrual tick and the reconciliation sweep on timers.
type Scheduler struct {
	engine *Engine
	lease  TickLease
	log    *zap.Logger
	sched  gocron.Scheduler
}

func NewScheduler(engine *Engine, lease TickLease, log *zap.Logger) (*Scheduler, error) {
	if log == nil {
		log = zap.NewNop()
	}
	sched, err := gocron.NewScheduler(gocron.WithLocation(time.UTC))
	if err != nil {
		return nil, fmt.Errorf("create scheduler: %w", err)
	}
	return &Scheduler{engine: engine, lease: lease, log: log.With(zap.String("component", "scheduler")), sched: sched}, nil
}

// Start registers both jobs and starts the timers. Runs never overlap: a tick
// that is still running when the next is due pushes the next one back.
func (s *Scheduler) Start(ctx context.Context) error {
	cfg := s.engine.Accrual.cfg

	_, err := s.sched.NewJob(
		gocron.DurationJob(cfg.TickInterval),
		gocron.NewTask(func() {
			if _, err := s.runTick(ctx); err != nil {
				s.log.Warn("[SCHEDULER] accrual tick ended with error", zap.Error(err))
			}
		}),
		gocron.WithName(tickJobName),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("register %s: %w", tickJobName, err)
	}

	_, err = s.sched.NewJob(
		gocron.DurationJob(cfg.ReconcileSweepInterval),
		gocron.NewTask(func() {
			if _, err := s.runSweep(ctx); err != nil {
				s.log.Warn("[SCHEDULER] reconcile sweep ended with error", zap.Error(err))
			}
		}),
		gocron.WithName(sweepJobName),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("register %s: %w", sweepJobName, err)
	}

	s.sched.Start()
	s.log.Info("[SCHEDULER] started",
		zap.Duration("tick_interval", cfg.TickInterval),
		zap.Duration("sweep_interval", cfg.ReconcileSweepInterval))
	return nil
}

func (s *Scheduler) Shutdown() error {
	return s.sched.Shutdown()
}

// runTick runs one accrual tick unless another replica holds the lease. A
// nil report means the tick was skipped.
func (s *Scheduler) runTick(ctx context.Context) (*TickReport, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	cfg := s.engine.Accrual.cfg
	if !s.acquire(ctx, tickJobName, cfg.TickInterval/2) {
		return nil, nil
	}
	return s.engine.RunAccrualTick(ctx, s.engine.Accrual.now())
}

func (s *Scheduler) runSweep(ctx context.Context) (*SweepReport, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	cfg := s.engine.Reconciler.cfg
	if !s.acquire(ctx, sweepJobName, cfg.ReconcileSweepInterval/2) {
		return nil, nil
	}
	mode := ModeReportOnly
	if cfg.ReadCheckMode == config.ReadCheckRepair {
		mode = ModeRepair
	}
	return s.engine.Reconciler.ReconcileAll(ctx, mode)
}

// acquire runs the job when there is no lease or the lease backend fails.
func (s *Scheduler) acquire(ctx context.Context, name string, ttl time.Duration) bool {
	if s.lease == nil {
		return true
	}
	ok, err := s.lease.Acquire(ctx, name, ttl)
	if err != nil {
		s.log.Warn("[SCHEDULER] lease unavailable, running anyway", zap.String("job", name), zap.Error(err))
		return true
	}
	if !ok {
		s.log.Debug("[SCHEDULER] another replica holds the lease", zap.String("job", name))
	}
	return ok
}
