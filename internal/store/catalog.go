package store

import (
	"context"
	"fmt"

	"github.com/lib/pq"

	"github.com/mohammad-safakhou/nurture/internal/content"
)

// UpsertCatalogItem inserts or refreshes a content_catalog row.
func (s *Store) UpsertCatalogItem(ctx context.Context, it content.Item) error {
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO content_catalog (id, title, summary, body, url, tags, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,NOW())
ON CONFLICT (id) DO UPDATE SET
  title = EXCLUDED.title,
  summary = EXCLUDED.summary,
  body = EXCLUDED.body,
  url = EXCLUDED.url,
  tags = EXCLUDED.tags,
  updated_at = NOW();
`, it.ID, it.Title, it.Summary, it.Body, it.URL, pq.Array(it.Tags))
	if err != nil {
		return fmt.Errorf("upsert catalog item %s: %w", it.ID, err)
	}
	return nil
}

// ListCatalog returns every catalog item ordered by id.
func (s *Store) ListCatalog(ctx context.Context) ([]content.Item, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT id, title, summary, body, url, tags FROM content_catalog ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list catalog: %w", err)
	}
	defer rows.Close()
	var out []content.Item
	for rows.Next() {
		var it content.Item
		if err := rows.Scan(&it.ID, &it.Title, &it.Summary, &it.Body, &it.URL, pq.Array(&it.Tags)); err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}
