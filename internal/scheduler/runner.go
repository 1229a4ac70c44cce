// Package scheduler runs the periodic jobs: opening and closing accounting periods, and
// re-dispatching withdrawals the payment processor never answered.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/rewardpool/pkg/ledger"
)

const (
	defaultStaleAfter     = 15 * time.Minute
	defaultReconcileBatch = 200
)

// ErrInvalidRunner reports a runner wired without its services.
var ErrInvalidRunner = errors.New("invalid scheduler runner")

// PoolSeeds supplies the region definitions pools are opened with.
type PoolSeeds interface {
	PoolDefinitions() []ledger.RegionDefinition
}

// RunnerConfig tunes the reconciliation sweep.
type RunnerConfig struct {
	StaleAfter     time.Duration
	ReconcileBatch int
}

// Runner holds the job bodies. The cron Scheduler and the admin surface both call it.
type Runner struct {
	seeds       PoolSeeds
	accountant  *ledger.PoolAccountant
	engine      *ledger.ConversionEngine
	withdrawals *ledger.WithdrawalProcessor
	config      RunnerConfig
	now         func() int64
	logger      *zap.Logger
}

// NewRunner wires a Runner.
func NewRunner(seeds PoolSeeds, accountant *ledger.PoolAccountant, engine *ledger.ConversionEngine, withdrawals *ledger.WithdrawalProcessor, config RunnerConfig, now func() int64, logger *zap.Logger) (*Runner, error) {
	if seeds == nil || accountant == nil || engine == nil || withdrawals == nil {
		return nil, fmt.Errorf("%w: missing dependency", ErrInvalidRunner)
	}
	if config.StaleAfter <= 0 {
		config.StaleAfter = defaultStaleAfter
	}
	if config.ReconcileBatch <= 0 {
		config.ReconcileBatch = defaultReconcileBatch
	}
	if now == nil {
		now = func() int64 { return time.Now().UTC().Unix() }
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		seeds:       seeds,
		accountant:  accountant,
		engine:      engine,
		withdrawals: withdrawals,
		config:      config,
		now:         now,
		logger:      logger.Named("scheduler"),
	}, nil
}

// OpenPeriod activates a pool for every catalog region in the period.
func (runner *Runner) OpenPeriod(ctx context.Context, period ledger.Period) ([]ledger.RegionPool, error) {
	return runner.accountant.InitializePools(ctx, period, runner.seeds.PoolDefinitions())
}

// CloseOut converts one region's pending balances for the period.
func (runner *Runner) CloseOut(ctx context.Context, country ledger.CountryCode, period ledger.Period) (ledger.ConversionBatch, error) {
	return runner.engine.CloseOut(ctx, country, period)
}

// CloseOutPeriod closes out every pool of the period. One failing region does not stop the others;
// the failures are joined into the returned error.
func (runner *Runner) CloseOutPeriod(ctx context.Context, period ledger.Period) ([]ledger.ConversionBatch, error) {
	pools, err := runner.accountant.ListPools(ctx, period)
	if err != nil {
		return nil, err
	}
	batches := make([]ledger.ConversionBatch, 0, len(pools))
	var failures []error
	for _, pool := range pools {
		if err := ctx.Err(); err != nil {
			failures = append(failures, err)
			break
		}
		batch, err := runner.engine.CloseOut(ctx, pool.Country, period)
		if err != nil {
			runner.logger.Error("close out failed",
				zap.String("country", pool.Country.String()),
				zap.String("period", period.String()),
				zap.Error(err),
			)
			failures = append(failures, fmt.Errorf("%s: %w", pool.Country.String(), err))
			continue
		}
		batches = append(batches, batch)
	}
	return batches, errors.Join(failures...)
}

// RollOver opens the current period and closes out the previous one.
func (runner *Runner) RollOver(ctx context.Context) error {
	current := ledger.PeriodOf(runner.now())
	if _, err := runner.OpenPeriod(ctx, current); err != nil {
		return fmt.Errorf("open period %s: %w", current.String(), err)
	}
	previous := current.Previous()
	batches, err := runner.CloseOutPeriod(ctx, previous)
	runner.logger.Info("period rolled over",
		zap.String("opened", current.String()),
		zap.String("closed", previous.String()),
		zap.Int("batches", len(batches)),
	)
	return err
}

// Reconcile re-dispatches withdrawals older than StaleAfter that are still unanswered.
func (runner *Runner) Reconcile(ctx context.Context) (int, error) {
	cutoff := runner.now() - int64(runner.config.StaleAfter/time.Second)
	return runner.ReconcileBefore(ctx, cutoff, runner.config.ReconcileBatch)
}

// ReconcileBefore re-dispatches up to limit withdrawals last dispatched before the cutoff.
func (runner *Runner) ReconcileBefore(ctx context.Context, dispatchedBeforeUnixUTC int64, limit int) (int, error) {
	if limit <= 0 {
		limit = runner.config.ReconcileBatch
	}
	redispatched, err := runner.withdrawals.Reconcile(ctx, dispatchedBeforeUnixUTC, limit)
	if redispatched > 0 || err != nil {
		runner.logger.Info("withdrawals reconciled", zap.Int("redispatched", redispatched), zap.Error(err))
	}
	return redispatched, err
}
