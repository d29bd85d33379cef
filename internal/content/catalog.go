package content

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/blevesearch/bleve"
	"github.com/blevesearch/bleve/analysis/analyzer/keyword"
	"github.com/blevesearch/bleve/search/query"
)

// Item is a catalog entry as stored in content_catalog.
type Item struct {
	ID      string   `json:"id" yaml:"id"`
	Title   string   `json:"title" yaml:"title"`
	Summary string   `json:"summary" yaml:"summary"`
	Body    string   `json:"body,omitempty" yaml:"body,omitempty"`
	URL     string   `json:"url" yaml:"url"`
	Tags    []string `json:"tags" yaml:"tags"`
}

// Catalog is an in-memory bleve index over catalog items. It implements Curator.
type Catalog struct {
	mu    sync.RWMutex
	index bleve.Index
	items map[string]Item
}

// NewCatalog builds an empty catalog. Tags are indexed as exact keywords.
func NewCatalog() (*Catalog, error) {
	tagField := bleve.NewTextFieldMapping()
	tagField.Analyzer = keyword.Name
	doc := bleve.NewDocumentMapping()
	doc.AddFieldMappingsAt("tags", tagField)
	mapping := bleve.NewIndexMapping()
	mapping.DefaultMapping = doc

	index, err := bleve.NewMemOnly(mapping)
	if err != nil {
		return nil, fmt.Errorf("catalog index: %w", err)
	}
	return &Catalog{index: index, items: make(map[string]Item)}, nil
}

// Add indexes items, replacing any with the same ID.
func (c *Catalog) Add(items ...Item) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, it := range items {
		if strings.TrimSpace(it.ID) == "" {
			return fmt.Errorf("catalog item %q has no id", it.Title)
		}
		doc := map[string]interface{}{
			"title":   it.Title,
			"summary": it.Summary,
			"body":    it.Body,
			"tags":    it.Tags,
		}
		if err := c.index.Index(it.ID, doc); err != nil {
			return fmt.Errorf("index %s: %w", it.ID, err)
		}
		c.items[it.ID] = it
	}
	return nil
}

// Len returns the number of indexed items.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// Close releases the index.
func (c *Catalog) Close() error { return c.index.Close() }

// Curate returns up to limit items sharing a tag with the user. With no tag
// match it falls back to the whole catalog so content tracks always get something.
func (c *Catalog) Curate(ctx context.Context, _ string, tags []string, limit int) ([]Reference, error) {
	if limit <= 0 {
		limit = 3
	}
	if len(tags) > 0 {
		terms := make([]query.Query, 0, len(tags))
		for _, t := range tags {
			tq := bleve.NewTermQuery(t)
			tq.SetField("tags")
			terms = append(terms, tq)
		}
		refs, err := c.search(ctx, bleve.NewDisjunctionQuery(terms...), limit)
		if err != nil || len(refs) > 0 {
			return refs, err
		}
	}
	return c.search(ctx, bleve.NewMatchAllQuery(), limit)
}

// Search runs a free-text query string against titles, summaries and bodies.
func (c *Catalog) Search(ctx context.Context, q string, limit int) ([]Reference, error) {
	if strings.TrimSpace(q) == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 10
	}
	return c.search(ctx, bleve.NewQueryStringQuery(q), limit)
}

func (c *Catalog) search(ctx context.Context, q query.Query, limit int) ([]Reference, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.items) == 0 {
		return nil, nil
	}
	req := bleve.NewSearchRequestOptions(q, len(c.items), 0, false)
	res, err := c.index.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("catalog search: %w", err)
	}
	out := make([]Reference, 0, len(res.Hits))
	for _, hit := range res.Hits {
		it, ok := c.items[hit.ID]
		if !ok {
			continue
		}
		out = append(out, Reference{
			ID:      it.ID,
			Title:   it.Title,
			Summary: it.Summary,
			URL:     it.URL,
			Tags:    it.Tags,
			Score:   hit.Score,
		})
	}
	// ties broken by id for stable plans
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].ID < out[j].ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
