package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/mohammad-safakhou/nurture/internal/domain"
)

const planColumns = `id::text, user_id, plan_date::text, timezone, priority, items, rationale, created_at`

func scanPlan(row rowScanner) (domain.MessagePlan, error) {
	var (
		p             domain.MessagePlan
		priority      string
		items, ration []byte
	)
	if err := row.Scan(&p.ID, &p.UserID, &p.PlanDate, &p.Timezone, &priority, &items, &ration, &p.CreatedAt); err != nil {
		return domain.MessagePlan{}, err
	}
	p.Priority = domain.Priority(priority)
	if err := json.Unmarshal(items, &p.Items); err != nil {
		return domain.MessagePlan{}, fmt.Errorf("decode plan %s items: %w", p.ID, err)
	}
	if len(ration) > 0 {
		if err := json.Unmarshal(ration, &p.Rationale); err != nil {
			return domain.MessagePlan{}, fmt.Errorf("decode plan %s rationale: %w", p.ID, err)
		}
	}
	return p, nil
}

func encodePlan(p *domain.MessagePlan) (items, rationale []byte, err error) {
	if _, err := domain.ParsePlanDate(p.PlanDate); err != nil {
		return nil, nil, err
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if items, err = json.Marshal(p.Items); err != nil {
		return nil, nil, fmt.Errorf("marshal plan items: %w", err)
	}
	if p.Rationale == nil {
		p.Rationale = map[string]string{}
	}
	if rationale, err = json.Marshal(p.Rationale); err != nil {
		return nil, nil, fmt.Errorf("marshal plan rationale: %w", err)
	}
	return items, rationale, nil
}

// GetPlan returns the plan for (userID, planDate). The bool reports whether one exists.
func (s *Store) GetPlan(ctx context.Context, userID, planDate string) (domain.MessagePlan, bool, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+planColumns+` FROM message_plans WHERE user_id = $1 AND plan_date = $2`, userID, planDate)
	p, err := scanPlan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.MessagePlan{}, false, nil
	}
	if err != nil {
		return domain.MessagePlan{}, false, fmt.Errorf("get plan %s/%s: %w", userID, planDate, err)
	}
	return p, true, nil
}

// InsertPlan writes p only when (user_id, plan_date) is free and returns
// domain.ErrPlanExists otherwise. p.ID is assigned when empty.
func (s *Store) InsertPlan(ctx context.Context, p *domain.MessagePlan) error {
	items, rationale, err := encodePlan(p)
	if err != nil {
		return err
	}
	res, err := s.DB.ExecContext(ctx, `
INSERT INTO message_plans (id, user_id, plan_date, timezone, priority, items, rationale, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,NOW())
ON CONFLICT (user_id, plan_date) DO NOTHING`, p.ID, p.UserID, p.PlanDate, p.Timezone, string(p.Priority), items, rationale)
	if err != nil {
		recordPlanWrite(ctx, "error")
		return fmt.Errorf("insert plan: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		recordPlanWrite(ctx, "conflict")
		return domain.ErrPlanExists
	}
	recordPlanWrite(ctx, "created")
	return nil
}

// ReplacePlan overwrites the plan for (user_id, plan_date) in a single
// statement. An existing plan keeps its id so earlier deliveries still match.
func (s *Store) ReplacePlan(ctx context.Context, p *domain.MessagePlan) error {
	items, rationale, err := encodePlan(p)
	if err != nil {
		return err
	}
	var id string
	err = s.DB.QueryRowContext(ctx, `
INSERT INTO message_plans (id, user_id, plan_date, timezone, priority, items, rationale, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,NOW())
ON CONFLICT (user_id, plan_date) DO UPDATE SET
  timezone = EXCLUDED.timezone,
  priority = EXCLUDED.priority,
  items = EXCLUDED.items,
  rationale = EXCLUDED.rationale,
  created_at = NOW()
RETURNING id::text`, p.ID, p.UserID, p.PlanDate, p.Timezone, string(p.Priority), items, rationale).Scan(&id)
	if err != nil {
		recordPlanWrite(ctx, "error")
		return fmt.Errorf("replace plan: %w", err)
	}
	p.ID = id
	recordPlanWrite(ctx, "replaced")
	return nil
}

// ListPlansForDate returns the plans of planDate, optionally for one user.
func (s *Store) ListPlansForDate(ctx context.Context, planDate, userID string) ([]domain.MessagePlan, error) {
	q := `SELECT ` + planColumns + ` FROM message_plans WHERE plan_date = $1`
	args := []interface{}{planDate}
	if userID != "" {
		q += ` AND user_id = $2`
		args = append(args, userID)
	}
	q += ` ORDER BY user_id`
	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list plans %s: %w", planDate, err)
	}
	defer rows.Close()
	var out []domain.MessagePlan
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
