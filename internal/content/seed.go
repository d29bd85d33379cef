package content

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-shiori/go-readability"
	"github.com/google/uuid"
	"github.com/mohammad-safakhou/nurture/internal/helpers"
	"gopkg.in/yaml.v3"
)

type seedFile struct {
	Items []Item `yaml:"items"`
}

// LoadSeed decodes a YAML catalog seed:
//
//	items:
//	  - id: respiracao-4-4-4
//	    title: Respiração 4-4-4
//	    summary: ...
//	    url: https://...
//	    tags: [tag_lonely, habit]
func LoadSeed(r io.Reader) ([]Item, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var f seedFile
	if err := dec.Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("decode seed: %w", err)
	}
	seen := make(map[string]struct{}, len(f.Items))
	for i, it := range f.Items {
		if strings.TrimSpace(it.ID) == "" || strings.TrimSpace(it.Title) == "" {
			return nil, fmt.Errorf("seed item %d: id and title are required", i)
		}
		if _, dup := seen[it.ID]; dup {
			return nil, fmt.Errorf("seed item %d: duplicate id %q", i, it.ID)
		}
		seen[it.ID] = struct{}{}
	}
	return f.Items, nil
}

const summaryLength = 280

// Fetcher turns an article URL into a catalog item using readability extraction.
type Fetcher struct {
	Client *http.Client
}

// NewFetcher returns a Fetcher with a bounded client.
func NewFetcher(timeout time.Duration) *Fetcher {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Fetcher{Client: &http.Client{Timeout: timeout}}
}

// Fetch downloads link and extracts its main text. The item ID is derived from
// the canonical URL so re-ingesting the same article updates it in place.
func (f *Fetcher) Fetch(ctx context.Context, link string, tags []string) (Item, error) {
	canonical, err := helpers.CanonicalLink(link)
	if err != nil {
		return Item{}, fmt.Errorf("invalid url %q: %w", link, err)
	}
	u, err := url.Parse(canonical)
	if err != nil {
		return Item{}, fmt.Errorf("invalid url %q: %w", link, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, canonical, nil)
	if err != nil {
		return Item{}, err
	}
	req.Header.Set("User-Agent", "nurture-catalog/1.0")
	resp, err := f.Client.Do(req)
	if err != nil {
		return Item{}, fmt.Errorf("fetch %s: %w", link, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Item{}, fmt.Errorf("fetch %s: status %d", link, resp.StatusCode)
	}
	article, err := readability.FromReader(io.LimitReader(resp.Body, 4<<20), u)
	if err != nil {
		return Item{}, fmt.Errorf("extract %s: %w", link, err)
	}
	text := strings.Join(strings.Fields(article.TextContent), " ")
	title := strings.TrimSpace(article.Title)
	if title == "" {
		title = canonical
	}
	return Item{
		ID:      uuid.NewSHA1(uuid.NameSpaceURL, []byte(canonical)).String(),
		Title:   title,
		Summary: helpers.Truncate(text, summaryLength),
		Body:    text,
		URL:     canonical,
		Tags:    tags,
	}, nil
}
