// Package dispatch sends the in-window items of today's plans, at most once
// per (plan, slot) and never beyond the user's daily cap.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mohammad-safakhou/nurture/internal/domain"
	"github.com/mohammad-safakhou/nurture/internal/lock"
	"github.com/mohammad-safakhou/nurture/internal/logging"
	"github.com/mohammad-safakhou/nurture/internal/metrics"
	"github.com/mohammad-safakhou/nurture/internal/push"
	"github.com/mohammad-safakhou/nurture/internal/worker"
)

// ErrInvalidHour rejects an hour override outside 0-23.
var ErrInvalidHour = errors.New("hour out of range 0-23")

// Store is the persistence the dispatcher needs.
type Store interface {
	ListPlansForDate(ctx context.Context, planDate, userID string) ([]domain.MessagePlan, error)
	GetProfile(ctx context.Context, userID string) (domain.UserProfile, error)
	CountActiveDeliveries(ctx context.Context, userID, channel string, from, to time.Time) (int, error)
	DeliveryExists(ctx context.Context, planID string, scheduledAt time.Time) (bool, error)
	InsertDelivery(ctx context.Context, d *domain.DeliveryRecord) error
	MarkSent(ctx context.Context, id string, at time.Time) error
	MarkFailed(ctx context.Context, id, feedback string) error
}

// Options narrows one invocation.
type Options struct {
	UserID string `json:"userId,omitempty"`
	// Hour overrides the invocation hour used to pick the window.
	Hour *int `json:"hour,omitempty"`
}

// Summary counts item outcomes. Skipped also counts users passed over.
type Summary struct {
	Date       string `json:"date"`
	Window     string `json:"window"`
	Dispatched int    `json:"dispatched"`
	Skipped    int    `json:"skipped"`
	Failed     int    `json:"failed"`
}

func (s *Summary) add(o Summary) {
	s.Dispatched += o.Dispatched
	s.Skipped += o.Skipped
	s.Failed += o.Failed
}

// Config tunes a Dispatcher.
type Config struct {
	Concurrency int
	PushTimeout time.Duration
	LockTTL     time.Duration
	PushTitle   string
	// DefaultCap applies to profiles without a frequency cap of their own.
	DefaultCap int
	// CrisisBypassCap lets alert-track items through when the cap is reached.
	CrisisBypassCap bool
}

// Dispatcher drives the per-item state machine pending -> scheduled -> sent | failed.
type Dispatcher struct {
	store     Store
	transport push.Transport
	locker    lock.Locker
	cfg       Config
	logger    *zap.Logger
}

// New wires a dispatcher. A nil locker disables per-user locking.
func New(store Store, transport push.Transport, locker lock.Locker, cfg Config, logger *zap.Logger) *Dispatcher {
	if locker == nil {
		locker = lock.Noop{}
	}
	if cfg.PushTimeout <= 0 {
		cfg.PushTimeout = 10 * time.Second
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 2 * time.Minute
	}
	if cfg.DefaultCap <= 0 {
		cfg.DefaultCap = domain.DefaultFrequencyCap
	}
	return &Dispatcher{
		store:     store,
		transport: transport,
		locker:    locker,
		cfg:       cfg,
		logger:    logging.OrNop(logger).Named("dispatch"),
	}
}

// Dispatch processes today's plans (UTC date of now) for the window of the
// invocation hour. Plan dates, item times and windows are all UTC;
// MessagePlan.Timezone is informational and not applied here.
// Per-user errors are counted as failures.
func (d *Dispatcher) Dispatch(ctx context.Context, now time.Time, opts Options) (Summary, error) {
	now = now.UTC()
	hour := now.Hour()
	if opts.Hour != nil {
		if *opts.Hour < 0 || *opts.Hour > 23 {
			return Summary{}, fmt.Errorf("%w: %d", ErrInvalidHour, *opts.Hour)
		}
		hour = *opts.Hour
	}
	win := WindowFor(hour)
	today := now.Format(domain.PlanDateLayout)
	sum := Summary{Date: today, Window: win.String()}

	plans, err := d.store.ListPlansForDate(ctx, today, opts.UserID)
	if err != nil {
		return sum, fmt.Errorf("list plans: %w", err)
	}
	byUser := make(map[string][]domain.MessagePlan)
	var users []string
	for _, p := range plans {
		if _, seen := byUser[p.UserID]; !seen {
			users = append(users, p.UserID)
		}
		byUser[p.UserID] = append(byUser[p.UserID], p)
	}

	var mu sync.Mutex
	err = worker.Each(ctx, d.cfg.Concurrency, users, func(ctx context.Context, userID string) {
		res := d.dispatchUser(ctx, now, today, win, userID, byUser[userID])
		mu.Lock()
		sum.add(res)
		mu.Unlock()
	})
	d.logger.Info("dispatch finished",
		zap.String("date", today),
		zap.String("window", win.String()),
		zap.Int("dispatched", sum.Dispatched),
		zap.Int("skipped", sum.Skipped),
		zap.Int("failed", sum.Failed))
	return sum, err
}

func (d *Dispatcher) dispatchUser(ctx context.Context, now time.Time, today string, win Window, userID string, plans []domain.MessagePlan) Summary {
	var sum Summary
	log := d.logger.With(zap.String("user_id", userID), zap.String("window", win.String()))

	release, err := d.locker.Acquire(ctx, "dispatch:"+userID, d.cfg.LockTTL)
	if errors.Is(err, lock.ErrNotAcquired) {
		log.Debug("another dispatcher holds the user")
		sum.Skipped++
		return sum
	}
	if err != nil {
		// lock backend down; storage uniqueness still prevents duplicates
		log.Warn("dispatch lock unavailable", zap.Error(err))
	} else {
		defer release()
	}

	profile, err := d.store.GetProfile(ctx, userID)
	if err != nil {
		if errors.Is(err, domain.ErrProfileNotFound) {
			sum.Skipped++
			return sum
		}
		log.Error("load profile", zap.Error(err))
		sum.Failed++
		return sum
	}
	if !profile.OptInNotifications || profile.PushToken == "" {
		log.Debug("user not reachable by push", zap.Bool("opt_in", profile.OptInNotifications))
		sum.Skipped++
		return sum
	}

	day, _ := domain.ParsePlanDate(today)
	limit := profile.FrequencyCap
	if limit <= 0 {
		limit = d.cfg.DefaultCap
	}
	for _, plan := range plans {
		for _, item := range plan.Items {
			h, err := item.Hour()
			if err != nil || !win.Contains(h) {
				continue
			}
			at, err := domain.SlotTime(plan.PlanDate, item.ScheduledAt)
			if err != nil {
				continue
			}
			exists, err := d.store.DeliveryExists(ctx, plan.ID, at)
			if err != nil {
				log.Error("check delivery", zap.String("plan_id", plan.ID), zap.Error(err))
				sum.Failed++
				continue
			}
			if exists {
				continue
			}

			sent, err := d.store.CountActiveDeliveries(ctx, userID, domain.ChannelPush, day, day.Add(24*time.Hour))
			if err != nil {
				log.Error("count deliveries", zap.Error(err))
				sum.Failed++
				return sum
			}
			if sent >= limit {
				alert := plan.Priority == domain.PriorityAlert
				if !(alert && d.cfg.CrisisBypassCap) {
					metrics.CapSkippedTotal.WithLabelValues(string(plan.Priority)).Inc()
					if alert {
						log.Warn("alert item withheld by frequency cap",
							zap.String("plan_id", plan.ID), zap.String("scheduled_at", item.ScheduledAt),
							zap.Int("cap", limit))
					}
					sum.Skipped++
					continue
				}
				log.Warn("alert item bypasses frequency cap", zap.String("plan_id", plan.ID), zap.Int("cap", limit))
			}

			switch d.deliver(ctx, now, plan, item, at, profile.PushToken, log) {
			case domain.DeliverySent:
				sum.Dispatched++
			case domain.DeliveryFailed:
				sum.Failed++
			default:
				sum.Skipped++
			}
		}
	}
	return sum
}

// deliver claims the slot and pushes. An empty status means the slot was
// claimed by someone else.
func (d *Dispatcher) deliver(ctx context.Context, now time.Time, plan domain.MessagePlan, item domain.PlanItem, at time.Time, token string, log *zap.Logger) domain.DeliveryStatus {
	rec := &domain.DeliveryRecord{
		PlanID:      plan.ID,
		UserID:      plan.UserID,
		Channel:     domain.ChannelPush,
		ScheduledAt: at,
		Status:      domain.DeliveryScheduled,
		MessageText: item.MessageText,
		Reason:      item.Rationale,
	}
	if err := d.store.InsertDelivery(ctx, rec); err != nil {
		if errors.Is(err, domain.ErrDeliveryExists) {
			return ""
		}
		log.Error("record delivery", zap.String("plan_id", plan.ID), zap.Error(err))
		metrics.DeliveriesTotal.WithLabelValues(string(domain.DeliveryFailed)).Inc()
		return domain.DeliveryFailed
	}

	pctx, cancel := context.WithTimeout(ctx, d.cfg.PushTimeout)
	err := d.transport.Send(pctx, push.Message{
		To:         token,
		Title:      d.cfg.PushTitle,
		Body:       item.MessageText,
		Type:       string(item.Type),
		PlanID:     plan.ID,
		DeliveryID: rec.ID,
		CTA:        item.CTA,
	})
	cancel()

	if err != nil {
		log.Warn("push failed", zap.String("plan_id", plan.ID), zap.String("delivery_id", rec.ID), zap.Error(err))
		if merr := d.store.MarkFailed(ctx, rec.ID, err.Error()); merr != nil {
			log.Error("mark failed", zap.String("delivery_id", rec.ID), zap.Error(merr))
		}
		metrics.DeliveriesTotal.WithLabelValues(string(domain.DeliveryFailed)).Inc()
		return domain.DeliveryFailed
	}
	if err := d.store.MarkSent(ctx, rec.ID, now); err != nil {
		log.Error("mark sent", zap.String("delivery_id", rec.ID), zap.Error(err))
	}
	metrics.DeliveriesTotal.WithLabelValues(string(domain.DeliverySent)).Inc()
	return domain.DeliverySent
}
