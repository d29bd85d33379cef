// Package planner turns policy decisions into persisted daily message plans.
package planner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/mohammad-safakhou/nurture/internal/content"
	"github.com/mohammad-safakhou/nurture/internal/domain"
	"github.com/mohammad-safakhou/nurture/internal/helpers"
	"github.com/mohammad-safakhou/nurture/internal/logging"
	"github.com/mohammad-safakhou/nurture/internal/metrics"
	"github.com/mohammad-safakhou/nurture/internal/policy"
)

// Outcome describes what Build did.
type Outcome string

const (
	OutcomeCreated  Outcome = "created"
	OutcomeReplaced Outcome = "replaced"
	OutcomeSkipped  Outcome = "skipped"
)

// PlanStore is the persistence the builder needs.
type PlanStore interface {
	GetPlan(ctx context.Context, userID, planDate string) (domain.MessagePlan, bool, error)
	InsertPlan(ctx context.Context, p *domain.MessagePlan) error
	ReplacePlan(ctx context.Context, p *domain.MessagePlan) error
}

// Options tunes collaborator timeouts and copy length.
type Options struct {
	CuratorTimeout  time.Duration
	ComposerTimeout time.Duration
	MaxCopyLength   int
	DefaultTimezone string
}

func (o Options) withDefaults() Options {
	if o.CuratorTimeout <= 0 {
		o.CuratorTimeout = 3 * time.Second
	}
	if o.ComposerTimeout <= 0 {
		o.ComposerTimeout = 5 * time.Second
	}
	if o.MaxCopyLength <= 0 {
		o.MaxCopyLength = content.DefaultMaxLength
	}
	if o.DefaultTimezone == "" {
		o.DefaultTimezone = "America/Cuiaba"
	}
	return o
}

// Result is returned by Build.
type Result struct {
	Outcome Outcome
	Plan    domain.MessagePlan
}

// Builder enriches decision items and writes the plan once per (user, date).
type Builder struct {
	store    PlanStore
	curator  content.Curator
	composer content.Composer
	opts     Options
	logger   *zap.Logger
}

// NewBuilder wires a builder. curator and composer may be nil.
func NewBuilder(store PlanStore, curator content.Curator, composer content.Composer, opts Options, logger *zap.Logger) *Builder {
	return &Builder{
		store:    store,
		curator:  curator,
		composer: composer,
		opts:     opts.withDefaults(),
		logger:   logging.OrNop(logger).Named("planner"),
	}
}

// Build produces the plan for user on planDate. An existing plan is left
// untouched unless force is set. Curator and composer failures degrade to the
// policy templates; only storage failures are returned.
func (b *Builder) Build(ctx context.Context, user domain.UserProfile, planDate string, d policy.Decision, force bool) (Result, error) {
	if _, err := domain.ParsePlanDate(planDate); err != nil {
		return Result{}, err
	}
	existing, found, err := b.store.GetPlan(ctx, user.ID, planDate)
	if err != nil {
		return Result{}, fmt.Errorf("read plan: %w", err)
	}
	if found && !force {
		metrics.PlansTotal.WithLabelValues(string(OutcomeSkipped)).Inc()
		return Result{Outcome: OutcomeSkipped, Plan: existing}, nil
	}

	items := append([]domain.PlanItem(nil), d.Items...)
	if d.Priority == domain.PriorityBelonging || d.Priority == domain.PriorityHabit {
		b.enrichContent(ctx, user.ID, d, items)
	}
	for i := range items {
		if items[i].Static {
			continue
		}
		items[i] = b.compose(ctx, user, items[i])
	}

	tz := user.Timezone
	if tz == "" {
		tz = b.opts.DefaultTimezone
	}
	plan := domain.MessagePlan{
		UserID:    user.ID,
		PlanDate:  planDate,
		Timezone:  tz,
		Priority:  d.Priority,
		Items:     items,
		Rationale: copyRationale(d.Rationale),
	}
	if found {
		plan.ID = existing.ID
		if err := b.store.ReplacePlan(ctx, &plan); err != nil {
			metrics.PlansTotal.WithLabelValues("error").Inc()
			return Result{}, fmt.Errorf("replace plan: %w", err)
		}
		metrics.PlansTotal.WithLabelValues(string(OutcomeReplaced)).Inc()
		return Result{Outcome: OutcomeReplaced, Plan: plan}, nil
	}
	if err := b.store.InsertPlan(ctx, &plan); err != nil {
		if errors.Is(err, domain.ErrPlanExists) && !force {
			// lost a race with a concurrent build
			metrics.PlansTotal.WithLabelValues(string(OutcomeSkipped)).Inc()
			return Result{Outcome: OutcomeSkipped}, nil
		}
		if errors.Is(err, domain.ErrPlanExists) {
			if err := b.store.ReplacePlan(ctx, &plan); err != nil {
				metrics.PlansTotal.WithLabelValues("error").Inc()
				return Result{}, fmt.Errorf("replace plan: %w", err)
			}
			metrics.PlansTotal.WithLabelValues(string(OutcomeReplaced)).Inc()
			return Result{Outcome: OutcomeReplaced, Plan: plan}, nil
		}
		metrics.PlansTotal.WithLabelValues("error").Inc()
		return Result{}, fmt.Errorf("insert plan: %w", err)
	}
	metrics.PlansTotal.WithLabelValues(string(OutcomeCreated)).Inc()
	return Result{Outcome: OutcomeCreated, Plan: plan}, nil
}

func (b *Builder) enrichContent(ctx context.Context, userID string, d policy.Decision, items []domain.PlanItem) {
	if b.curator == nil {
		return
	}
	tags := splitTags(d.Rationale[policy.RationaleSignalTags])
	tags = append(tags, string(d.Priority))
	cctx, cancel := context.WithTimeout(ctx, b.opts.CuratorTimeout)
	defer cancel()
	refs, err := b.curator.Curate(cctx, userID, tags, 1)
	if err != nil || len(refs) == 0 {
		if err != nil {
			metrics.FallbacksTotal.WithLabelValues("curator").Inc()
			b.logger.Warn("curation failed, keeping template", zap.String("user_id", userID), zap.Error(err))
		}
		return
	}
	ref := refs[0]
	for i := range items {
		if items[i].Type != domain.ItemContent || items[i].Static {
			continue
		}
		if ref.Title != "" {
			items[i].MessageText = strings.TrimSpace(items[i].MessageText) + " " + ref.Title
		}
		if items[i].CTA == "" {
			items[i].CTA = "Ver conteúdo"
		}
		items[i].Rationale = strings.TrimSpace(items[i].Rationale + " (" + ref.ID + ")")
		return
	}
}

func (b *Builder) compose(ctx context.Context, user domain.UserProfile, item domain.PlanItem) domain.PlanItem {
	if b.composer == nil {
		return item
	}
	tone := content.ToneWelcoming
	if item.Type == domain.ItemAlert {
		tone = content.ToneUrgent
	}
	cctx, cancel := context.WithTimeout(ctx, b.opts.ComposerTimeout)
	defer cancel()
	out, err := b.composer.Compose(cctx, content.ComposeRequest{
		Template:  item.MessageText,
		Variables: map[string]string{"nome": displayName(user)},
		Rationale: item.Rationale,
		Tone:      tone,
		MaxLength: b.opts.MaxCopyLength,
	})
	if err != nil {
		metrics.FallbacksTotal.WithLabelValues("composer").Inc()
		b.logger.Warn("compose failed, keeping template",
			zap.String("user_id", user.ID), zap.String("template_id", item.TemplateID), zap.Error(err))
		return item
	}
	text := helpers.Truncate(helpers.PlainText(out.Text), b.opts.MaxCopyLength)
	if text == "" {
		metrics.FallbacksTotal.WithLabelValues("composer").Inc()
		return item
	}
	item.MessageText = text
	if cta := helpers.PlainText(out.CTA); cta != "" {
		item.CTA = cta
	}
	return item
}

func displayName(u domain.UserProfile) string {
	if n := strings.TrimSpace(u.Name); n != "" {
		return strings.Fields(n)[0]
	}
	return "querida"
}

func splitTags(s string) []string {
	var out []string
	for _, t := range strings.Split(s, ",") {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func copyRationale(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
