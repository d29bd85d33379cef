package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mohammad-safakhou/nurture/internal/domain"
)

// InsertDelivery records a scheduled delivery and returns
// domain.ErrDeliveryExists when (plan_id, scheduled_at) is already taken.
func (s *Store) InsertDelivery(ctx context.Context, d *domain.DeliveryRecord) error {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.Channel == "" {
		d.Channel = domain.ChannelPush
	}
	if d.Status == "" {
		d.Status = domain.DeliveryScheduled
	}
	res, err := s.DB.ExecContext(ctx, `
INSERT INTO delivery_records (id, plan_id, user_id, channel, scheduled_at, status, message_text, reason, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,NOW())
ON CONFLICT (plan_id, scheduled_at) DO NOTHING`,
		d.ID, d.PlanID, d.UserID, d.Channel, d.ScheduledAt.UTC(), string(d.Status), d.MessageText, d.Reason)
	if err != nil {
		recordDeliveryWrite(ctx, "error")
		return fmt.Errorf("insert delivery: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		recordDeliveryWrite(ctx, "conflict")
		return domain.ErrDeliveryExists
	}
	recordDeliveryWrite(ctx, "scheduled")
	return nil
}

// DeliveryExists reports whether (planID, scheduledAt) already has a record in any status.
func (s *Store) DeliveryExists(ctx context.Context, planID string, scheduledAt time.Time) (bool, error) {
	var exists bool
	err := s.DB.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM delivery_records WHERE plan_id = $1 AND scheduled_at = $2)`,
		planID, scheduledAt.UTC()).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("delivery exists: %w", err)
	}
	return exists, nil
}

// CountActiveDeliveries counts scheduled or sent deliveries on channel whose
// slot falls in [from, to).
func (s *Store) CountActiveDeliveries(ctx context.Context, userID, channel string, from, to time.Time) (int, error) {
	var n int
	err := s.DB.QueryRowContext(ctx, `
SELECT COUNT(*) FROM delivery_records
WHERE user_id = $1 AND channel = $2 AND status IN ('scheduled','sent')
  AND scheduled_at >= $3 AND scheduled_at < $4`, userID, channel, from.UTC(), to.UTC()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count deliveries: %w", err)
	}
	return n, nil
}

// MarkSent moves a scheduled delivery to sent.
func (s *Store) MarkSent(ctx context.Context, id string, at time.Time) error {
	return s.transition(ctx, id, `UPDATE delivery_records SET status = 'sent', sent_at = $2 WHERE id = $1 AND status = 'scheduled'`, at.UTC())
}

// MarkFailed moves a scheduled delivery to the terminal failed state.
func (s *Store) MarkFailed(ctx context.Context, id, feedback string) error {
	return s.transition(ctx, id, `UPDATE delivery_records SET status = 'failed', feedback = $2 WHERE id = $1 AND status = 'scheduled'`, feedback)
}

func (s *Store) transition(ctx context.Context, id, q string, arg interface{}) error {
	res, err := s.DB.ExecContext(ctx, q, id, arg)
	if err != nil {
		recordDeliveryWrite(ctx, "error")
		return fmt.Errorf("update delivery %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("delivery %s is not scheduled", id)
	}
	recordDeliveryWrite(ctx, "transition")
	return nil
}

// ListDeliveries returns the records of a plan ordered by slot.
func (s *Store) ListDeliveries(ctx context.Context, planID string) ([]domain.DeliveryRecord, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT id::text, plan_id::text, user_id, channel, scheduled_at, status, message_text, reason, sent_at, feedback, created_at
FROM delivery_records WHERE plan_id = $1 ORDER BY scheduled_at`, planID)
	if err != nil {
		return nil, fmt.Errorf("list deliveries: %w", err)
	}
	defer rows.Close()
	var out []domain.DeliveryRecord
	for rows.Next() {
		var (
			d      domain.DeliveryRecord
			status string
			sentAt *time.Time
		)
		if err := rows.Scan(&d.ID, &d.PlanID, &d.UserID, &d.Channel, &d.ScheduledAt, &status, &d.MessageText, &d.Reason, &sentAt, &d.Feedback, &d.CreatedAt); err != nil {
			return nil, err
		}
		d.Status = domain.DeliveryStatus(status)
		d.SentAt = sentAt
		out = append(out, d)
	}
	return out, rows.Err()
}
