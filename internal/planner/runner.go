package planner

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mohammad-safakhou/nurture/internal/domain"
	"github.com/mohammad-safakhou/nurture/internal/logging"
	"github.com/mohammad-safakhou/nurture/internal/metrics"
	"github.com/mohammad-safakhou/nurture/internal/policy"
	"github.com/mohammad-safakhou/nurture/internal/signal"
	"github.com/mohammad-safakhou/nurture/internal/worker"
)

// Store is everything the batch runner reads and writes.
type Store interface {
	PlanStore
	GetProfile(ctx context.Context, userID string) (domain.UserProfile, error)
	ListOptedIn(ctx context.Context) ([]domain.UserProfile, error)
	InsertAlert(ctx context.Context, a domain.Alert) error
}

// Request selects the users and date of a planning run.
type Request struct {
	UserID   string `json:"userId,omitempty"`
	Force    bool   `json:"forceRegenerate,omitempty"`
	PlanDate string `json:"planDate,omitempty"`
}

// Summary counts per-user outcomes.
type Summary struct {
	PlanDate string `json:"plan_date"`
	Success  int    `json:"success"`
	Skipped  int    `json:"skipped"`
	Errors   int    `json:"errors"`
}

// RunnerOptions tunes a Runner.
type RunnerOptions struct {
	Concurrency     int
	DefaultTimezone string
}

// Runner plans a batch of users: signal, alert history, decision, build.
type Runner struct {
	store   Store
	signals signal.Aggregator
	builder *Builder
	opts    RunnerOptions
	logger  *zap.Logger
	now     func() time.Time
}

// NewRunner wires a batch runner.
func NewRunner(store Store, signals signal.Aggregator, builder *Builder, opts RunnerOptions, logger *zap.Logger) *Runner {
	if opts.DefaultTimezone == "" {
		opts.DefaultTimezone = "America/Cuiaba"
	}
	return &Runner{
		store:   store,
		signals: signals,
		builder: builder,
		opts:    opts,
		logger:  logging.OrNop(logger).Named("planner"),
		now:     time.Now,
	}
}

// DefaultPlanDate is tomorrow in tz.
func DefaultPlanDate(now time.Time, tz string) string {
	loc := domain.LoadLocation(tz, "")
	return now.In(loc).AddDate(0, 0, 1).Format(domain.PlanDateLayout)
}

// Run plans every selected user. Per-user failures are counted and logged;
// only invalid input, user lookup failure or cancellation fail the run.
func (r *Runner) Run(ctx context.Context, req Request) (Summary, error) {
	planDate := req.PlanDate
	if planDate == "" {
		planDate = DefaultPlanDate(r.now(), r.opts.DefaultTimezone)
	}
	if _, err := domain.ParsePlanDate(planDate); err != nil {
		return Summary{}, err
	}
	sum := Summary{PlanDate: planDate}

	var users []domain.UserProfile
	if req.UserID != "" {
		u, err := r.store.GetProfile(ctx, req.UserID)
		if err != nil {
			return sum, err
		}
		users = []domain.UserProfile{u}
	} else {
		var err error
		if users, err = r.store.ListOptedIn(ctx); err != nil {
			return sum, fmt.Errorf("list users: %w", err)
		}
	}

	byID := make(map[string]domain.UserProfile, len(users))
	ids := make([]string, 0, len(users))
	for _, u := range users {
		byID[u.ID] = u
		ids = append(ids, u.ID)
	}

	var mu sync.Mutex
	err := worker.Each(ctx, r.opts.Concurrency, ids, func(ctx context.Context, id string) {
		outcome, err := r.planUser(ctx, byID[id], planDate, req.Force)
		mu.Lock()
		defer mu.Unlock()
		switch {
		case err != nil:
			sum.Errors++
			r.logger.Error("planning failed", zap.String("user_id", id), zap.String("plan_date", planDate), zap.Error(err))
		case outcome == OutcomeSkipped:
			sum.Skipped++
		default:
			sum.Success++
		}
	})
	r.logger.Info("planning finished",
		zap.String("plan_date", planDate),
		zap.Int("success", sum.Success),
		zap.Int("skipped", sum.Skipped),
		zap.Int("errors", sum.Errors))
	return sum, err
}

func (r *Runner) planUser(ctx context.Context, u domain.UserProfile, planDate string, force bool) (Outcome, error) {
	if !force {
		if _, found, err := r.store.GetPlan(ctx, u.ID, planDate); err != nil {
			return "", fmt.Errorf("read plan: %w", err)
		} else if found {
			metrics.PlansTotal.WithLabelValues(string(OutcomeSkipped)).Inc()
			return OutcomeSkipped, nil
		}
	}

	sig := domain.NeutralSignal(u.ID, r.now())
	if r.signals != nil {
		s, err := r.signals.Aggregate(ctx, u.ID)
		if err != nil {
			return "", fmt.Errorf("aggregate signal: %w", err)
		}
		sig = s.Normalize()
	}

	if alert, ok := signal.CrisisAlert(sig, policy.AlertRiskLevel, policy.CrisisTags); ok {
		if err := r.store.InsertAlert(ctx, alert); err != nil {
			// the alert plan below still gets built
			r.logger.Error("record crisis alert", zap.String("user_id", u.ID), zap.Error(err))
		} else {
			metrics.AlertsTotal.Inc()
			r.logger.Warn("crisis alert recorded", zap.String("user_id", u.ID), zap.Int("severity", alert.Severity))
		}
	}

	d := policy.Decide(sig, policy.UserMeta{Name: u.Name, Type: u.Type, PregnancyWeek: u.PregnancyWeek})
	metrics.PlanPriorityTotal.WithLabelValues(string(d.Priority)).Inc()

	res, err := r.builder.Build(ctx, u, planDate, d, force)
	if err != nil {
		return "", err
	}
	return res.Outcome, nil
}
