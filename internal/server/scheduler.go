package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorhill/cronexpr"
	"go.uber.org/zap"

	"github.com/mohammad-safakhou/nurture/internal/dispatch"
	"github.com/mohammad-safakhou/nurture/internal/lock"
	"github.com/mohammad-safakhou/nurture/internal/logging"
	"github.com/mohammad-safakhou/nurture/internal/planner"
)

// slotClaimTTL keeps a fired slot claimed long enough that no replica fires it again.
const slotClaimTTL = 30 * time.Minute

// Job is a cron-driven task. Times are evaluated in UTC.
type Job struct {
	Name string
	Expr *cronexpr.Expression
	Run  func(ctx context.Context, now time.Time) error

	last time.Time
}

// Scheduler fires jobs when their cron expression comes due. Each fired slot
// is claimed through the locker so replicas run it once.
type Scheduler struct {
	jobs     []*Job
	locker   lock.Locker
	logger   *zap.Logger
	interval time.Duration
	now      func() time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler schedules nightly planning and the dispatch windows for app.
func NewScheduler(app *App, logger *zap.Logger) (*Scheduler, error) {
	planExpr, err := cronexpr.Parse(app.Config.Server.PlanningCron)
	if err != nil {
		return nil, fmt.Errorf("planning cron: %w", err)
	}
	dispatchExpr, err := cronexpr.Parse(app.Config.Dispatch.Cron)
	if err != nil {
		return nil, fmt.Errorf("dispatch cron: %w", err)
	}
	var locker lock.Locker = lock.Noop{}
	if app.Rdb != nil {
		locker = lock.NewRedis(app.Rdb, "sched:lock:")
	}
	runner, dispatcher := app.Runner, app.Dispatcher
	return newScheduler(locker, logger,
		&Job{Name: "plan-daily", Expr: planExpr, Run: func(ctx context.Context, _ time.Time) error {
			sum, err := runner.Run(ctx, planner.Request{})
			if err == nil {
				logging.OrNop(logger).Info("planning finished", zap.String("plan_date", sum.PlanDate),
					zap.Int("success", sum.Success), zap.Int("skipped", sum.Skipped), zap.Int("errors", sum.Errors))
			}
			return err
		}},
		&Job{Name: "dispatch-plan", Expr: dispatchExpr, Run: func(ctx context.Context, slot time.Time) error {
			hour := slot.Hour()
			sum, err := dispatcher.Dispatch(ctx, time.Now(), dispatch.Options{Hour: &hour})
			if err == nil {
				logging.OrNop(logger).Info("dispatch finished", zap.String("window", sum.Window),
					zap.Int("dispatched", sum.Dispatched), zap.Int("skipped", sum.Skipped), zap.Int("failed", sum.Failed))
			}
			return err
		}},
	), nil
}

func newScheduler(locker lock.Locker, logger *zap.Logger, jobs ...*Job) *Scheduler {
	if locker == nil {
		locker = lock.Noop{}
	}
	return &Scheduler{
		jobs:     jobs,
		locker:   locker,
		logger:   logging.OrNop(logger).Named("scheduler"),
		interval: 30 * time.Second,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Start ticks until Stop or ctx ends. Jobs only fire for slots after Start.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	start := s.now()
	for _, j := range s.jobs {
		j.last = start
	}
	ticker := time.NewTicker(s.interval)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.tick(ctx)
			}
		}
	}()
}

// Stop cancels the loop and waits for running jobs.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Scheduler) tick(ctx context.Context) {
	now := s.now()
	for _, j := range s.jobs {
		slot, due := isDue(j.Expr, j.last, now)
		if !due {
			continue
		}
		j.last = now
		_, err := s.locker.Acquire(ctx, j.Name+":"+slot.Format(time.RFC3339), slotClaimTTL)
		if errors.Is(err, lock.ErrNotAcquired) {
			s.logger.Debug("slot already claimed", zap.String("job", j.Name), zap.Time("slot", slot))
			continue
		}
		if err != nil {
			s.logger.Warn("slot claim failed, running anyway", zap.String("job", j.Name), zap.Error(err))
		}
		s.wg.Add(1)
		go func(j *Job, slot time.Time) {
			defer s.wg.Done()
			s.logger.Info("job firing", zap.String("job", j.Name), zap.Time("slot", slot))
			if err := j.Run(ctx, slot); err != nil {
				s.logger.Error("job failed", zap.String("job", j.Name), zap.Error(err))
			}
		}(j, slot)
	}
}

// isDue reports the latest slot after last that is not after now.
func isDue(expr *cronexpr.Expression, last, now time.Time) (time.Time, bool) {
	next := expr.Next(last)
	if next.IsZero() || next.After(now) {
		return time.Time{}, false
	}
	for {
		after := expr.Next(next)
		if after.IsZero() || after.After(now) {
			return next, true
		}
		next = after
	}
}
