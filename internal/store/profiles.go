package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/mohammad-safakhou/nurture/internal/domain"
)

const profileColumns = `id, name, type, pregnancy_week, timezone, frequency_cap, opt_in_notifications, push_token`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanProfile(row rowScanner) (domain.UserProfile, error) {
	var p domain.UserProfile
	err := row.Scan(&p.ID, &p.Name, &p.Type, &p.PregnancyWeek, &p.Timezone, &p.FrequencyCap, &p.OptInNotifications, &p.PushToken)
	return p, err
}

// GetProfile returns domain.ErrProfileNotFound when the user has no row.
func (s *Store) GetProfile(ctx context.Context, userID string) (domain.UserProfile, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+profileColumns+` FROM user_profiles WHERE id = $1`, userID)
	p, err := scanProfile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.UserProfile{}, fmt.Errorf("%w: %s", domain.ErrProfileNotFound, userID)
	}
	if err != nil {
		return domain.UserProfile{}, fmt.Errorf("get profile %s: %w", userID, err)
	}
	return p, nil
}

// ListOptedIn returns every profile that accepts notifications, ordered by id.
func (s *Store) ListOptedIn(ctx context.Context) ([]domain.UserProfile, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT `+profileColumns+` FROM user_profiles WHERE opt_in_notifications ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list profiles: %w", err)
	}
	defer rows.Close()
	var out []domain.UserProfile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// UpsertProfile is used by seeding and tests; the application itself treats profiles as read-only.
func (s *Store) UpsertProfile(ctx context.Context, p domain.UserProfile) error {
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO user_profiles (id, name, type, pregnancy_week, timezone, frequency_cap, opt_in_notifications, push_token)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
ON CONFLICT (id) DO UPDATE SET
  name = EXCLUDED.name,
  type = EXCLUDED.type,
  pregnancy_week = EXCLUDED.pregnancy_week,
  timezone = EXCLUDED.timezone,
  frequency_cap = EXCLUDED.frequency_cap,
  opt_in_notifications = EXCLUDED.opt_in_notifications,
  push_token = EXCLUDED.push_token;
`, p.ID, p.Name, p.Type, p.PregnancyWeek, p.Timezone, p.FrequencyCap, p.OptInNotifications, p.PushToken)
	return err
}
