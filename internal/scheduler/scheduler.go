package scheduler

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const (
	// DefaultRollOverSchedule fires shortly after midnight UTC on the first of each month.
	DefaultRollOverSchedule  = "15 0 1 * *"
	DefaultReconcileSchedule = "*/5 * * * *"
	defaultJobTimeout        = 30 * time.Minute

	JobRollOver  = "rollover"
	JobReconcile = "reconcile"
)

// JobLock serializes jobs across replicas. acquired is false when another holder owns name.
type JobLock interface {
	TryLock(ctx context.Context, name string) (release func(), acquired bool, err error)
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithJobLock makes every job run only while holding its named lock.
func WithJobLock(lock JobLock) Option {
	return func(scheduler *Scheduler) {
		scheduler.lock = lock
	}
}

// Schedules holds the cron expressions (standard five-field syntax, UTC).
type Schedules struct {
	RollOver  string
	Reconcile string
}

// Scheduler drives a Runner from cron.
type Scheduler struct {
	cron   *cron.Cron
	runner *Runner
	lock   JobLock
	logger *zap.Logger
}

// New registers both jobs. Overlapping runs of the same job are skipped.
func New(runner *Runner, schedules Schedules, logger *zap.Logger, options ...Option) (*Scheduler, error) {
	if runner == nil {
		return nil, ErrInvalidRunner
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if schedules.RollOver == "" {
		schedules.RollOver = DefaultRollOverSchedule
	}
	if schedules.Reconcile == "" {
		schedules.Reconcile = DefaultReconcileSchedule
	}
	cronLog := cronLogger{logger: logger.Named("cron")}
	scheduler := &Scheduler{
		cron: cron.New(
			cron.WithLocation(time.UTC),
			cron.WithLogger(cronLog),
			cron.WithChain(cron.Recover(cronLog), cron.SkipIfStillRunning(cronLog)),
		),
		runner: runner,
		logger: logger.Named("scheduler"),
	}
	for _, option := range options {
		option(scheduler)
	}
	if _, err := scheduler.cron.AddFunc(schedules.RollOver, scheduler.rollOver); err != nil {
		return nil, err
	}
	if _, err := scheduler.cron.AddFunc(schedules.Reconcile, scheduler.reconcile); err != nil {
		return nil, err
	}
	return scheduler, nil
}

// Start runs the cron loop in the background.
func (scheduler *Scheduler) Start() {
	scheduler.cron.Start()
	scheduler.logger.Info("scheduler started", zap.Int("jobs", len(scheduler.cron.Entries())))
}

// Stop waits for running jobs to finish or ctx to expire.
func (scheduler *Scheduler) Stop(ctx context.Context) {
	stopped := scheduler.cron.Stop()
	select {
	case <-stopped.Done():
		scheduler.logger.Info("scheduler stopped")
	case <-ctx.Done():
		scheduler.logger.Warn("scheduler stop timed out", zap.Error(ctx.Err()))
	}
}

func (scheduler *Scheduler) rollOver() {
	scheduler.runJob(JobRollOver, scheduler.runner.RollOver)
}

func (scheduler *Scheduler) reconcile() {
	scheduler.runJob(JobReconcile, func(ctx context.Context) error {
		_, err := scheduler.runner.Reconcile(ctx)
		return err
	})
}

func (scheduler *Scheduler) runJob(name string, job func(ctx context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultJobTimeout)
	defer cancel()
	if scheduler.lock != nil {
		release, acquired, err := scheduler.lock.TryLock(ctx, name)
		if err != nil {
			scheduler.logger.Error("job lock failed", zap.String("job", name), zap.Error(err))
			return
		}
		if !acquired {
			scheduler.logger.Debug("job held by another replica", zap.String("job", name))
			return
		}
		defer release()
	}
	if err := job(ctx); err != nil {
		scheduler.logger.Error(name+" failed", zap.Error(err))
	}
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	logger *zap.Logger
}

func (adapter cronLogger) Info(msg string, keysAndValues ...interface{}) {
	adapter.logger.Sugar().Debugw(msg, keysAndValues...)
}

func (adapter cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	adapter.logger.Sugar().Errorw(msg, append(keysAndValues, "error", err)...)
}
