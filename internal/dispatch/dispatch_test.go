package dispatch

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mohammad-safakhou/nurture/internal/domain"
	"github.com/mohammad-safakhou/nurture/internal/lock"
	"github.com/mohammad-safakhou/nurture/internal/policy"
	"github.com/mohammad-safakhou/nurture/internal/push"
	"github.com/mohammad-safakhou/nurture/internal/store"
)

const today = "2025-03-10"

type recordingTransport struct {
	mu   sync.Mutex
	sent []push.Message
	fail error
}

func (r *recordingTransport) Send(_ context.Context, msg push.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return r.fail
	}
	r.sent = append(r.sent, msg)
	return nil
}

func (r *recordingTransport) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sent)
}

func at(hour int) time.Time { return time.Date(2025, 3, 10, hour, 0, 0, 0, time.UTC) }

func intp(v int) *int { return &v }

func seed(t *testing.T, st *store.Memory, profile domain.UserProfile, priority domain.Priority, clocks ...string) *domain.MessagePlan {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, st.UpsertProfile(ctx, profile))
	p := &domain.MessagePlan{UserID: profile.ID, PlanDate: today, Timezone: "UTC", Priority: priority}
	for _, c := range clocks {
		p.Items = append(p.Items, domain.PlanItem{ScheduledAt: c, Type: domain.ItemCheckIn, MessageText: "msg " + c})
	}
	require.NoError(t, st.InsertPlan(ctx, p))
	return p
}

func reachable(id string, cap int) domain.UserProfile {
	return domain.UserProfile{ID: id, Name: id, FrequencyCap: cap, OptInNotifications: true, PushToken: "ExponentPushToken[" + id + "]"}
}

func TestWindowsPartitionTheDay(t *testing.T) {
	for h := 0; h < 24; h++ {
		n := 0
		for _, w := range Windows {
			if w.Contains(h) {
				n++
			}
		}
		assert.Equal(t, 1, n, "hour %d", h)
		assert.True(t, WindowFor(h).Contains(h))
	}
	assert.Equal(t, Window{0, 8}, WindowFor(0))
	assert.Equal(t, Window{9, 13}, WindowFor(9))
	assert.Equal(t, Window{14, 18}, WindowFor(14))
	assert.Equal(t, Window{19, 23}, WindowFor(19))
	assert.Equal(t, Window{9, 13}, WindowFor(11))
	assert.Equal(t, Window{0, 8}, WindowFor(24))
	for i, h := range Hours {
		assert.Equal(t, Windows[i].Start, h)
	}
}

func TestDispatchSendsInWindowItemsOnce(t *testing.T) {
	st := store.NewMemory()
	tr := &recordingTransport{}
	p := seed(t, st, reachable("u1", 3), domain.PriorityHabit, "09:00", "14:00", "19:30")
	d := New(st, tr, nil, Config{}, zap.NewNop())
	ctx := context.Background()

	sum, err := d.Dispatch(ctx, at(9), Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Dispatched)
	assert.Equal(t, "09-13", sum.Window)
	require.Equal(t, 1, tr.count())
	assert.Equal(t, "msg 09:00", tr.sent[0].Body)
	assert.Equal(t, p.ID, tr.sent[0].PlanID)
	assert.NotEmpty(t, tr.sent[0].DeliveryID)

	sum, err = d.Dispatch(ctx, at(9), Options{})
	require.NoError(t, err)
	assert.Equal(t, 0, sum.Dispatched, "second run in the same window sends nothing")
	assert.Equal(t, 1, tr.count())

	recs, err := st.ListDeliveries(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, domain.DeliverySent, recs[0].Status)
	require.NotNil(t, recs[0].SentAt)
}

func TestDispatchHourOverride(t *testing.T) {
	st := store.NewMemory()
	tr := &recordingTransport{}
	seed(t, st, reachable("u1", 3), domain.PriorityHabit, "09:00", "19:30")
	d := New(st, tr, nil, Config{}, zap.NewNop())

	sum, err := d.Dispatch(context.Background(), at(3), Options{Hour: intp(19)})
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Dispatched)
	assert.Equal(t, "msg 19:30", tr.sent[0].Body)

	_, err = d.Dispatch(context.Background(), at(3), Options{Hour: intp(24)})
	assert.ErrorIs(t, err, ErrInvalidHour)
}

func TestDispatchSkipsUnreachableUsers(t *testing.T) {
	st := store.NewMemory()
	tr := &recordingTransport{}
	optedOut := reachable("out", 2)
	optedOut.OptInNotifications = false
	noToken := reachable("notoken", 2)
	noToken.PushToken = ""
	p1 := seed(t, st, optedOut, domain.PriorityHabit, "09:00")
	p2 := seed(t, st, noToken, domain.PriorityHabit, "09:00")
	d := New(st, tr, nil, Config{}, zap.NewNop())

	sum, err := d.Dispatch(context.Background(), at(9), Options{})
	require.NoError(t, err)
	assert.Equal(t, 0, sum.Dispatched)
	assert.Equal(t, 2, sum.Skipped)
	for _, p := range []*domain.MessagePlan{p1, p2} {
		recs, _ := st.ListDeliveries(context.Background(), p.ID)
		assert.Empty(t, recs, "no record for skipped users")
	}
}

func TestDispatchRespectsCapWithinOneInvocation(t *testing.T) {
	st := store.NewMemory()
	tr := &recordingTransport{}
	seed(t, st, reachable("u1", 2), domain.PriorityStress, "09:00", "10:00", "11:00")
	d := New(st, tr, nil, Config{}, zap.NewNop())

	sum, err := d.Dispatch(context.Background(), at(9), Options{})
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Dispatched)
	assert.Equal(t, 1, sum.Skipped)
	assert.Equal(t, 2, tr.count())
}

func TestDispatchPushFailureIsTerminal(t *testing.T) {
	st := store.NewMemory()
	tr := &recordingTransport{fail: fmt.Errorf("%w: DeviceNotRegistered", push.ErrRejected)}
	p := seed(t, st, reachable("u1", 2), domain.PriorityHabit, "09:00")
	d := New(st, tr, nil, Config{}, zap.NewNop())
	ctx := context.Background()

	sum, err := d.Dispatch(ctx, at(9), Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Failed)

	tr.fail = nil
	sum, err = d.Dispatch(ctx, at(9), Options{})
	require.NoError(t, err)
	assert.Equal(t, 0, sum.Dispatched, "failed is terminal, no retry")

	recs, _ := st.ListDeliveries(ctx, p.ID)
	require.Len(t, recs, 1)
	assert.Equal(t, domain.DeliveryFailed, recs[0].Status)
	assert.Contains(t, recs[0].Feedback, "DeviceNotRegistered")
}

func alertPlanWithEarlierDelivery(t *testing.T, st *store.Memory) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, st.UpsertProfile(ctx, reachable("u1", 1)))
	dec := policy.Decide(domain.Signal{UserID: "u1", RiskLevel: 10}, policy.UserMeta{})
	p := &domain.MessagePlan{UserID: "u1", PlanDate: today, Priority: dec.Priority, Items: dec.Items}
	require.NoError(t, st.InsertPlan(ctx, p))
	rec := &domain.DeliveryRecord{PlanID: p.ID, UserID: "u1", ScheduledAt: at(9)}
	require.NoError(t, st.InsertDelivery(ctx, rec))
	require.NoError(t, st.MarkSent(ctx, rec.ID, at(9)))
}

func TestDispatchCapAppliesToAlertsByDefault(t *testing.T) {
	st := store.NewMemory()
	alertPlanWithEarlierDelivery(t, st)
	tr := &recordingTransport{}
	d := New(st, tr, nil, Config{}, zap.NewNop())

	sum, err := d.Dispatch(context.Background(), at(14), Options{})
	require.NoError(t, err)
	assert.Equal(t, 0, sum.Dispatched)
	assert.Equal(t, 1, sum.Skipped)
}

func TestDispatchCrisisBypassCap(t *testing.T) {
	st := store.NewMemory()
	alertPlanWithEarlierDelivery(t, st)
	tr := &recordingTransport{}
	d := New(st, tr, nil, Config{CrisisBypassCap: true}, zap.NewNop())

	sum, err := d.Dispatch(context.Background(), at(14), Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Dispatched)
	require.Equal(t, 1, tr.count())
	assert.Contains(t, tr.sent[0].Body, "188")
	assert.Equal(t, string(domain.ItemAlert), tr.sent[0].Type)
}

type heldLocker struct{}

func (heldLocker) Acquire(context.Context, string, time.Duration) (func(), error) {
	return nil, lock.ErrNotAcquired
}

type brokenLocker struct{}

func (brokenLocker) Acquire(context.Context, string, time.Duration) (func(), error) {
	return nil, errors.New("redis: connection refused")
}

func TestDispatchLocking(t *testing.T) {
	st := store.NewMemory()
	seed(t, st, reachable("u1", 2), domain.PriorityHabit, "09:00")
	tr := &recordingTransport{}

	sum, err := New(st, tr, heldLocker{}, Config{}, zap.NewNop()).Dispatch(context.Background(), at(9), Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Skipped)
	assert.Equal(t, 0, tr.count())

	sum, err = New(st, tr, brokenLocker{}, Config{}, zap.NewNop()).Dispatch(context.Background(), at(9), Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Dispatched, "lock outage does not block delivery")
}

func TestDispatchSingleUser(t *testing.T) {
	st := store.NewMemory()
	seed(t, st, reachable("u1", 2), domain.PriorityHabit, "09:00")
	seed(t, st, reachable("u2", 2), domain.PriorityHabit, "09:00")
	tr := &recordingTransport{}

	sum, err := New(st, tr, nil, Config{}, zap.NewNop()).Dispatch(context.Background(), at(9), Options{UserID: "u2"})
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Dispatched)
	assert.Equal(t, "ExponentPushToken[u2]", tr.sent[0].To)
}

func TestDispatchNeverExceedsCap(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	for run := 0; run < 50; run++ {
		st := store.NewMemory()
		tr := &recordingTransport{}
		limit := 1 + r.Intn(3)
		var clocks []string
		seen := map[int]bool{}
		n := 1 + r.Intn(6)
		for i := 0; i < n; i++ {
			h := r.Intn(24)
			if seen[h] {
				continue
			}
			seen[h] = true
			clocks = append(clocks, fmt.Sprintf("%02d:%02d", h, r.Intn(60)))
		}
		seed(t, st, reachable("u1", limit), domain.PriorityHabit, clocks...)
		d := New(st, tr, nil, Config{Concurrency: 2}, zap.NewNop())
		for _, h := range append(Hours, Hours...) {
			_, err := d.Dispatch(context.Background(), at(h), Options{})
			require.NoError(t, err)
		}
		assert.LessOrEqual(t, tr.count(), limit, "run %d", run)
		assert.Equal(t, min(limit, len(clocks)), tr.count(), "run %d", run)
	}
}
