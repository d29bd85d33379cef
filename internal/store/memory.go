package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mohammad-safakhou/nurture/internal/content"
	"github.com/mohammad-safakhou/nurture/internal/domain"
)

type planKey struct{ userID, date string }

type slotKey struct {
	planID string
	at     int64
}

// Memory is an in-process store with the same uniqueness rules as the
// Postgres schema. It backs local runs without a database and tests.
type Memory struct {
	mu         sync.Mutex
	profiles   map[string]domain.UserProfile
	plans      map[planKey]domain.MessagePlan
	deliveries map[slotKey]*domain.DeliveryRecord
	byID       map[string]slotKey
	alerts     []domain.Alert
	catalog    map[string]content.Item
	now        func() time.Time
}

// NewMemory returns an empty Memory store.
func NewMemory() *Memory {
	return &Memory{
		profiles:   make(map[string]domain.UserProfile),
		plans:      make(map[planKey]domain.MessagePlan),
		deliveries: make(map[slotKey]*domain.DeliveryRecord),
		byID:       make(map[string]slotKey),
		catalog:    make(map[string]content.Item),
		now:        time.Now,
	}
}

func (m *Memory) UpsertProfile(_ context.Context, p domain.UserProfile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.profiles[p.ID] = p
	return nil
}

func (m *Memory) GetProfile(_ context.Context, userID string) (domain.UserProfile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.profiles[userID]
	if !ok {
		return domain.UserProfile{}, fmt.Errorf("%w: %s", domain.ErrProfileNotFound, userID)
	}
	return p, nil
}

func (m *Memory) ListOptedIn(context.Context) ([]domain.UserProfile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.UserProfile
	for _, p := range m.profiles {
		if p.OptInNotifications {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) GetPlan(_ context.Context, userID, planDate string) (domain.MessagePlan, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.plans[planKey{userID, planDate}]
	return clonePlan(p), ok, nil
}

func (m *Memory) InsertPlan(_ context.Context, p *domain.MessagePlan) error {
	if _, err := domain.ParsePlanDate(p.PlanDate); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	k := planKey{p.UserID, p.PlanDate}
	if _, ok := m.plans[k]; ok {
		return domain.ErrPlanExists
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	p.CreatedAt = m.now()
	m.plans[k] = clonePlan(*p)
	return nil
}

func (m *Memory) ReplacePlan(_ context.Context, p *domain.MessagePlan) error {
	if _, err := domain.ParsePlanDate(p.PlanDate); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	k := planKey{p.UserID, p.PlanDate}
	if old, ok := m.plans[k]; ok {
		p.ID = old.ID
	} else if p.ID == "" {
		p.ID = uuid.NewString()
	}
	p.CreatedAt = m.now()
	m.plans[k] = clonePlan(*p)
	return nil
}

func (m *Memory) ListPlansForDate(_ context.Context, planDate, userID string) ([]domain.MessagePlan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.MessagePlan
	for k, p := range m.plans {
		if k.date != planDate || (userID != "" && k.userID != userID) {
			continue
		}
		out = append(out, clonePlan(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

// PlanCount reports how many plans are stored.
func (m *Memory) PlanCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.plans)
}

func (m *Memory) InsertDelivery(_ context.Context, d *domain.DeliveryRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := slotKey{d.PlanID, d.ScheduledAt.UTC().UnixNano()}
	if _, ok := m.deliveries[k]; ok {
		return domain.ErrDeliveryExists
	}
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.Channel == "" {
		d.Channel = domain.ChannelPush
	}
	if d.Status == "" {
		d.Status = domain.DeliveryScheduled
	}
	d.CreatedAt = m.now()
	rec := *d
	m.deliveries[k] = &rec
	m.byID[d.ID] = k
	return nil
}

func (m *Memory) DeliveryExists(_ context.Context, planID string, scheduledAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.deliveries[slotKey{planID, scheduledAt.UTC().UnixNano()}]
	return ok, nil
}

func (m *Memory) CountActiveDeliveries(_ context.Context, userID, channel string, from, to time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, d := range m.deliveries {
		if d.UserID != userID || d.Channel != channel || d.Status == domain.DeliveryFailed {
			continue
		}
		if !d.ScheduledAt.Before(from) && d.ScheduledAt.Before(to) {
			n++
		}
	}
	return n, nil
}

func (m *Memory) MarkSent(_ context.Context, id string, at time.Time) error {
	return m.transition(id, func(d *domain.DeliveryRecord) {
		d.Status = domain.DeliverySent
		t := at.UTC()
		d.SentAt = &t
	})
}

func (m *Memory) MarkFailed(_ context.Context, id, feedback string) error {
	return m.transition(id, func(d *domain.DeliveryRecord) {
		d.Status = domain.DeliveryFailed
		d.Feedback = feedback
	})
}

func (m *Memory) transition(id string, apply func(*domain.DeliveryRecord)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.byID[id]
	if !ok || m.deliveries[k].Status != domain.DeliveryScheduled {
		return fmt.Errorf("delivery %s is not scheduled", id)
	}
	apply(m.deliveries[k])
	return nil
}

func (m *Memory) ListDeliveries(_ context.Context, planID string) ([]domain.DeliveryRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.DeliveryRecord
	for k, d := range m.deliveries {
		if k.planID == planID {
			out = append(out, *d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledAt.Before(out[j].ScheduledAt) })
	return out, nil
}

func (m *Memory) InsertAlert(_ context.Context, a domain.Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	a.CreatedAt = m.now()
	m.alerts = append(m.alerts, a)
	return nil
}

// Alerts returns a copy of the recorded alerts.
func (m *Memory) Alerts() []domain.Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.Alert(nil), m.alerts...)
}

func (m *Memory) UpsertCatalogItem(_ context.Context, it content.Item) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.catalog[it.ID] = it
	return nil
}

func (m *Memory) ListCatalog(context.Context) ([]content.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]content.Item, 0, len(m.catalog))
	for _, it := range m.catalog {
		out = append(out, it)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func clonePlan(p domain.MessagePlan) domain.MessagePlan {
	p.Items = append([]domain.PlanItem(nil), p.Items...)
	if p.Rationale != nil {
		r := make(map[string]string, len(p.Rationale))
		for k, v := range p.Rationale {
			r[k] = v
		}
		p.Rationale = r
	}
	return p
}
