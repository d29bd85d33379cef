package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/mohammad-safakhou/nurture/internal/domain"
)

// InsertAlert appends to alert_history.
func (s *Store) InsertAlert(ctx context.Context, a domain.Alert) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO alert_history (id, user_id, alert_type, severity, trigger_reason, created_at)
VALUES ($1,$2,$3,$4,$5,NOW())`, a.ID, a.UserID, a.AlertType, a.Severity, a.TriggerReason)
	if err != nil {
		return fmt.Errorf("insert alert: %w", err)
	}
	return nil
}
