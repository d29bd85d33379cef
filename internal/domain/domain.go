// Package domain holds the records shared by the planning and dispatch stages.
package domain

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// PlanDateLayout is the wire and storage layout of a plan date.
const PlanDateLayout = "2006-01-02"

// DefaultFrequencyCap applies when a profile carries no cap of its own.
const DefaultFrequencyCap = 2

// ChannelPush is the only delivery channel the dispatcher drives.
const ChannelPush = "push"

// Priority names the communication track selected for a user's day.
type Priority string

const (
	PriorityAlert     Priority = "alert"
	PriorityStress    Priority = "stress"
	PriorityBelonging Priority = "belonging"
	PriorityHabit     Priority = "habit"
)

// ItemType classifies a single message inside a plan.
type ItemType string

const (
	ItemCheckIn ItemType = "check-in"
	ItemContent ItemType = "content"
	ItemHabit   ItemType = "habit"
	ItemAlert   ItemType = "alert"
	ItemClosure ItemType = "closure"
)

// DeliveryStatus tracks a delivery through scheduled -> sent | failed.
type DeliveryStatus string

const (
	DeliveryScheduled DeliveryStatus = "scheduled"
	DeliverySent      DeliveryStatus = "sent"
	DeliveryFailed    DeliveryStatus = "failed"
)

// Terminal reports whether no further transition is allowed.
func (s DeliveryStatus) Terminal() bool {
	return s == DeliverySent || s == DeliveryFailed
}

// Signal is the per-user, per-cycle snapshot produced by the signal aggregator.
type Signal struct {
	UserID     string         `json:"user_id"`
	Tags       []string       `json:"tags"`
	Scores     map[string]int `json:"scores"`
	RiskLevel  int            `json:"risk_level"`
	ComputedAt time.Time      `json:"computed_at"`
}

// HasTag reports whether tag is present in the signal.
func (s Signal) HasTag(tag string) bool {
	for _, t := range s.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Score returns a named score and whether it was reported.
func (s Signal) Score(name string) (int, bool) {
	if s.Scores == nil {
		return 0, false
	}
	v, ok := s.Scores[name]
	return v, ok
}

// Normalize clamps scores to 0..100 and the risk level to 0..10, and de-duplicates tags.
func (s Signal) Normalize() Signal {
	out := Signal{UserID: s.UserID, ComputedAt: s.ComputedAt, RiskLevel: clamp(s.RiskLevel, 0, 10)}
	seen := make(map[string]struct{}, len(s.Tags))
	for _, t := range s.Tags {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out.Tags = append(out.Tags, t)
	}
	sort.Strings(out.Tags)
	if len(s.Scores) > 0 {
		out.Scores = make(map[string]int, len(s.Scores))
		for k, v := range s.Scores {
			out.Scores[k] = clamp(v, 0, 100)
		}
	}
	return out
}

// NeutralSignal is used whenever the aggregator output cannot be trusted.
func NeutralSignal(userID string, at time.Time) Signal {
	return Signal{UserID: userID, Scores: map[string]int{}, ComputedAt: at}
}

// PlanItem is one scheduled message inside a plan.
type PlanItem struct {
	ScheduledAt string   `json:"scheduled_at"`
	Type        ItemType `json:"type"`
	TemplateID  string   `json:"template_id"`
	MessageText string   `json:"message_text"`
	CTA         string   `json:"cta,omitempty"`
	Rationale   string   `json:"rationale"`
	// Static items carry emergency text that copy personalisation must not rewrite.
	Static bool `json:"static,omitempty"`
}

// Hour returns the hour component of ScheduledAt.
func (i PlanItem) Hour() (int, error) {
	h, _, err := ParseClock(i.ScheduledAt)
	return h, err
}

// MessagePlan is the day's plan for one user. Unique per (UserID, PlanDate).
type MessagePlan struct {
	ID        string            `json:"id"`
	UserID    string            `json:"user_id"`
	PlanDate  string            `json:"plan_date"`
	Timezone  string            `json:"timezone"`
	Priority  Priority          `json:"priority"`
	Items     []PlanItem        `json:"items"`
	Rationale map[string]string `json:"rationale"`
	CreatedAt time.Time         `json:"created_at"`
}

// DeliveryRecord is the single record allowed per (PlanID, ScheduledAt).
type DeliveryRecord struct {
	ID          string         `json:"id"`
	PlanID      string         `json:"plan_id"`
	UserID      string         `json:"user_id"`
	Channel     string         `json:"channel"`
	ScheduledAt time.Time      `json:"scheduled_at"`
	Status      DeliveryStatus `json:"status"`
	MessageText string         `json:"message_text,omitempty"`
	Reason      string         `json:"reason,omitempty"`
	SentAt      *time.Time     `json:"sent_at,omitempty"`
	Feedback    string         `json:"feedback,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// UserProfile is the read-only slice of the profile the pipeline needs.
type UserProfile struct {
	ID                 string `json:"id"`
	Name               string `json:"name"`
	Type               string `json:"type"`
	PregnancyWeek      int    `json:"pregnancy_week,omitempty"`
	Timezone           string `json:"timezone"`
	FrequencyCap       int    `json:"frequency_cap"`
	OptInNotifications bool   `json:"opt_in_notifications"`
	PushToken          string `json:"push_token,omitempty"`
}

// Cap returns the effective daily push cap.
func (p UserProfile) Cap() int {
	if p.FrequencyCap <= 0 {
		return DefaultFrequencyCap
	}
	return p.FrequencyCap
}

// Alert records a crisis signal for follow-up by the care team.
type Alert struct {
	ID            string    `json:"id"`
	UserID        string    `json:"user_id"`
	AlertType     string    `json:"alert_type"`
	Severity      int       `json:"severity"`
	TriggerReason string    `json:"trigger_reason"`
	CreatedAt     time.Time `json:"created_at"`
}

var (
	// ErrPlanExists is returned by insert-if-absent when (user, date) already has a plan.
	ErrPlanExists = errors.New("message plan already exists")
	// ErrDeliveryExists is returned by insert-if-absent when (plan, slot) already has a record.
	ErrDeliveryExists = errors.New("delivery already recorded")
	// ErrProfileNotFound is returned when a user has no profile row.
	ErrProfileNotFound = errors.New("user profile not found")
	// ErrInvalidPlanDate flags a plan date outside YYYY-MM-DD.
	ErrInvalidPlanDate = errors.New("invalid plan date")
)

// ParsePlanDate validates a YYYY-MM-DD date.
func ParsePlanDate(s string) (time.Time, error) {
	if len(s) != len(PlanDateLayout) {
		return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidPlanDate, s)
	}
	t, err := time.Parse(PlanDateLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidPlanDate, s)
	}
	return t, nil
}

// ParseClock splits an "HH:MM" local time.
func ParseClock(s string) (int, int, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid clock %q", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", s)
	}
	return h, m, nil
}

// SlotTime anchors an "HH:MM" item time on planDate as a UTC timestamp, which is the
// key used for delivery idempotency.
func SlotTime(planDate, clock string) (time.Time, error) {
	d, err := ParsePlanDate(planDate)
	if err != nil {
		return time.Time{}, err
	}
	h, m, err := ParseClock(clock)
	if err != nil {
		return time.Time{}, err
	}
	return time.Date(d.Year(), d.Month(), d.Day(), h, m, 0, 0, time.UTC), nil
}

// LoadLocation resolves a timezone name, falling back to fallback then UTC.
func LoadLocation(name, fallback string) *time.Location {
	for _, n := range []string{name, fallback} {
		if strings.TrimSpace(n) == "" {
			continue
		}
		if loc, err := time.LoadLocation(n); err == nil {
			return loc
		}
	}
	return time.UTC
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
