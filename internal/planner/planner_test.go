package planner

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mohammad-safakhou/nurture/internal/content"
	"github.com/mohammad-safakhou/nurture/internal/domain"
	"github.com/mohammad-safakhou/nurture/internal/policy"
	"github.com/mohammad-safakhou/nurture/internal/signal"
	"github.com/mohammad-safakhou/nurture/internal/store"
)

type countingStore struct {
	*store.Memory
	writes int32
}

func (c *countingStore) InsertPlan(ctx context.Context, p *domain.MessagePlan) error {
	atomic.AddInt32(&c.writes, 1)
	return c.Memory.InsertPlan(ctx, p)
}

func (c *countingStore) ReplacePlan(ctx context.Context, p *domain.MessagePlan) error {
	atomic.AddInt32(&c.writes, 1)
	return c.Memory.ReplacePlan(ctx, p)
}

type composerFunc func(ctx context.Context, req content.ComposeRequest) (content.Copy, error)

func (f composerFunc) Compose(ctx context.Context, req content.ComposeRequest) (content.Copy, error) {
	return f(ctx, req)
}

type curatorFunc func(ctx context.Context, userID string, tags []string, limit int) ([]content.Reference, error)

func (f curatorFunc) Curate(ctx context.Context, userID string, tags []string, limit int) ([]content.Reference, error) {
	return f(ctx, userID, tags, limit)
}

var ana = domain.UserProfile{ID: "u1", Name: "Ana Souza", Timezone: "America/Cuiaba", OptInNotifications: true, PushToken: "tok"}

func habitDecision() policy.Decision {
	return policy.Decide(domain.Signal{UserID: "u1", Scores: map[string]int{"support_score": 80}}, policy.UserMeta{})
}

func TestBuildIsIdempotentWithoutForce(t *testing.T) {
	st := &countingStore{Memory: store.NewMemory()}
	b := NewBuilder(st, nil, content.TemplateComposer{}, Options{}, zap.NewNop())
	ctx := context.Background()

	first, err := b.Build(ctx, ana, "2025-03-10", habitDecision(), false)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCreated, first.Outcome)
	assert.EqualValues(t, 1, st.writes)

	second, err := b.Build(ctx, ana, "2025-03-10", habitDecision(), false)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, second.Outcome)
	assert.EqualValues(t, 1, st.writes, "skip performs no writes")
	assert.Equal(t, first.Plan.ID, second.Plan.ID)

	forced, err := b.Build(ctx, ana, "2025-03-10", habitDecision(), true)
	require.NoError(t, err)
	assert.Equal(t, OutcomeReplaced, forced.Outcome)
	assert.Equal(t, first.Plan.ID, forced.Plan.ID)
	assert.Equal(t, 1, st.PlanCount())
}

func TestBuildRejectsInvalidDate(t *testing.T) {
	b := NewBuilder(store.NewMemory(), nil, nil, Options{}, nil)
	_, err := b.Build(context.Background(), ana, "2025-3-10", habitDecision(), false)
	assert.True(t, errors.Is(err, domain.ErrInvalidPlanDate))
}

func TestBuildFallsBackOnSlowCollaborators(t *testing.T) {
	slowCurator := curatorFunc(func(ctx context.Context, _ string, _ []string, _ int) ([]content.Reference, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	slowComposer := composerFunc(func(ctx context.Context, _ content.ComposeRequest) (content.Copy, error) {
		<-ctx.Done()
		return content.Copy{}, ctx.Err()
	})
	b := NewBuilder(store.NewMemory(), slowCurator, slowComposer,
		Options{CuratorTimeout: 10 * time.Millisecond, ComposerTimeout: 10 * time.Millisecond}, zap.NewNop())

	d := habitDecision()
	res, err := b.Build(context.Background(), ana, "2025-03-10", d, false)
	require.NoError(t, err)
	require.Len(t, res.Plan.Items, 3)
	for i, it := range res.Plan.Items {
		assert.Equal(t, d.Items[i].MessageText, it.MessageText, "template kept verbatim")
		assert.Contains(t, it.MessageText, "{nome}")
	}
}

func TestBuildNeverComposesStaticItems(t *testing.T) {
	var calls int32
	var tones []content.Tone
	composer := composerFunc(func(_ context.Context, req content.ComposeRequest) (content.Copy, error) {
		atomic.AddInt32(&calls, 1)
		tones = append(tones, req.Tone)
		return content.Copy{Text: "reescrito"}, nil
	})
	b := NewBuilder(store.NewMemory(), nil, composer, Options{}, zap.NewNop())
	d := policy.Decide(domain.Signal{UserID: "u1", RiskLevel: 9}, policy.UserMeta{})
	res, err := b.Build(context.Background(), ana, "2025-03-10", d, false)
	require.NoError(t, err)

	assert.EqualValues(t, 1, calls)
	assert.Equal(t, []content.Tone{content.ToneUrgent}, tones)
	assert.Equal(t, "reescrito", res.Plan.Items[0].MessageText)
	for _, it := range res.Plan.Items[1:] {
		assert.True(t, it.Static)
		assert.Contains(t, it.MessageText, "188")
		assert.Contains(t, it.MessageText, "192")
	}
}

func TestBuildSanitizesAndTruncatesCopy(t *testing.T) {
	composer := composerFunc(func(_ context.Context, req content.ComposeRequest) (content.Copy, error) {
		assert.Equal(t, "Ana", req.Variables["nome"])
		return content.Copy{Text: "<b>Oi</b> " + strings.Repeat("x", 400), CTA: "<i>Bora</i>"}, nil
	})
	b := NewBuilder(store.NewMemory(), nil, composer, Options{}, zap.NewNop())
	res, err := b.Build(context.Background(), ana, "2025-03-10", habitDecision(), false)
	require.NoError(t, err)
	for _, it := range res.Plan.Items {
		assert.NotContains(t, it.MessageText, "<b>")
		assert.Equal(t, content.DefaultMaxLength, utf8.RuneCountInString(it.MessageText))
		assert.True(t, strings.HasSuffix(it.MessageText, "..."))
		assert.Equal(t, "Bora", it.CTA)
	}
}

func TestBuildEnrichesContentItemFromCurator(t *testing.T) {
	var gotTags []string
	curator := curatorFunc(func(_ context.Context, _ string, tags []string, _ int) ([]content.Reference, error) {
		gotTags = tags
		return []content.Reference{{ID: "rede-de-apoio", Title: "Como montar sua rede de apoio"}}, nil
	})
	b := NewBuilder(store.NewMemory(), curator, nil, Options{}, zap.NewNop())
	d := policy.Decide(domain.Signal{UserID: "u1", Tags: []string{"tag_lonely"}}, policy.UserMeta{})
	res, err := b.Build(context.Background(), ana, "2025-03-10", d, false)
	require.NoError(t, err)

	assert.Equal(t, []string{"tag_lonely", "belonging"}, gotTags)
	var contentItem domain.PlanItem
	for _, it := range res.Plan.Items {
		if it.Type == domain.ItemContent {
			contentItem = it
		}
	}
	assert.Contains(t, contentItem.MessageText, "Como montar sua rede de apoio")
	assert.Contains(t, contentItem.Rationale, "rede-de-apoio")
}

func TestBuildSkipsCuratorOnNonContentTracks(t *testing.T) {
	curator := curatorFunc(func(context.Context, string, []string, int) ([]content.Reference, error) {
		t.Fatal("curator must not be called for the stress track")
		return nil, nil
	})
	b := NewBuilder(store.NewMemory(), curator, nil, Options{}, zap.NewNop())
	d := policy.Decide(domain.Signal{UserID: "u1", Scores: map[string]int{"stress_score": 90}}, policy.UserMeta{})
	_, err := b.Build(context.Background(), ana, "2025-03-10", d, false)
	require.NoError(t, err)
}

type failingStore struct{ *store.Memory }

func (failingStore) InsertPlan(context.Context, *domain.MessagePlan) error {
	return errors.New("connection reset")
}

func TestBuildReturnsStorageErrors(t *testing.T) {
	b := NewBuilder(failingStore{store.NewMemory()}, nil, nil, Options{}, zap.NewNop())
	_, err := b.Build(context.Background(), ana, "2025-03-10", habitDecision(), false)
	assert.Error(t, err)
}

func TestDefaultPlanDate(t *testing.T) {
	now := time.Date(2025, 3, 10, 2, 0, 0, 0, time.UTC)
	assert.Equal(t, "2025-03-10", DefaultPlanDate(now, "America/Cuiaba"))
	assert.Equal(t, "2025-03-11", DefaultPlanDate(now, "UTC"))
}

func newRunner(t *testing.T, st *store.Memory, agg signal.Aggregator) *Runner {
	t.Helper()
	b := NewBuilder(st, nil, content.TemplateComposer{}, Options{}, zap.NewNop())
	r := NewRunner(st, agg, b, RunnerOptions{Concurrency: 2}, zap.NewNop())
	r.now = func() time.Time { return time.Date(2025, 3, 9, 12, 0, 0, 0, time.UTC) }
	return r
}

func TestRunnerCrisisSignalRecordsAlertAndAlertPlan(t *testing.T) {
	st := store.NewMemory()
	ctx := context.Background()
	require.NoError(t, st.UpsertProfile(ctx, ana))
	agg := signal.AggregatorFunc(func(_ context.Context, userID string) (domain.Signal, error) {
		return domain.Signal{UserID: userID, RiskLevel: 10, Tags: []string{"harm_thoughts"}}, nil
	})

	sum, err := newRunner(t, st, agg).Run(ctx, Request{})
	require.NoError(t, err)
	assert.Equal(t, Summary{PlanDate: "2025-03-10", Success: 1}, sum)

	alerts := st.Alerts()
	require.Len(t, alerts, 1)
	assert.Equal(t, "harm_thoughts", alerts[0].AlertType)
	assert.Equal(t, 10, alerts[0].Severity)

	plan, ok, err := st.GetPlan(ctx, "u1", "2025-03-10")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, domain.PriorityAlert, plan.Priority)
	assert.Contains(t, plan.Items[1].MessageText, "CVV (24h): 188")
	assert.Contains(t, plan.Items[2].MessageText, "SAMU (emergência): 192")
}

func TestRunnerCountsOutcomes(t *testing.T) {
	st := store.NewMemory()
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c", "d"} {
		require.NoError(t, st.UpsertProfile(ctx, domain.UserProfile{ID: id, Name: id, OptInNotifications: true}))
	}
	require.NoError(t, st.UpsertProfile(ctx, domain.UserProfile{ID: "quiet"}))
	agg := signal.AggregatorFunc(func(_ context.Context, userID string) (domain.Signal, error) {
		if userID == "c" {
			return domain.Signal{}, errors.New("aggregator down")
		}
		return domain.NeutralSignal(userID, time.Time{}), nil
	})
	r := newRunner(t, st, agg)

	sum, err := r.Run(ctx, Request{PlanDate: "2025-03-12"})
	require.NoError(t, err)
	assert.Equal(t, Summary{PlanDate: "2025-03-12", Success: 3, Errors: 1}, sum)

	sum, err = r.Run(ctx, Request{PlanDate: "2025-03-12"})
	require.NoError(t, err)
	assert.Equal(t, Summary{PlanDate: "2025-03-12", Skipped: 3, Errors: 1}, sum)

	sum, err = r.Run(ctx, Request{PlanDate: "2025-03-12", UserID: "a", Force: true})
	require.NoError(t, err)
	assert.Equal(t, Summary{PlanDate: "2025-03-12", Success: 1}, sum)
}

func TestRunnerInputErrors(t *testing.T) {
	st := store.NewMemory()
	r := newRunner(t, st, nil)
	_, err := r.Run(context.Background(), Request{PlanDate: "tomorrow"})
	assert.True(t, errors.Is(err, domain.ErrInvalidPlanDate))

	_, err = r.Run(context.Background(), Request{UserID: "ghost"})
	assert.True(t, errors.Is(err, domain.ErrProfileNotFound))
}
