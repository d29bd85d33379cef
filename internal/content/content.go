// Package content holds the collaborators that enrich plan items: the curator
// that picks catalog references and the composer that personalises copy.
package content

import (
	"context"
	"errors"
)

// Tone steers the composer's register.
type Tone string

const (
	ToneWelcoming Tone = "acolhedor"
	ToneUrgent    Tone = "urgente"
)

// DefaultMaxLength bounds composed copy, in runes.
const DefaultMaxLength = 240

// Reference is a curated catalog entry.
type Reference struct {
	ID      string   `json:"id"`
	Title   string   `json:"title"`
	Summary string   `json:"summary"`
	URL     string   `json:"url"`
	Tags    []string `json:"tags"`
	Score   float64  `json:"score"`
}

// Curator returns references relevant to a user's tags, best first.
type Curator interface {
	Curate(ctx context.Context, userID string, tags []string, limit int) ([]Reference, error)
}

// ComposeRequest describes one piece of copy to personalise.
type ComposeRequest struct {
	Template  string
	Variables map[string]string
	Rationale string
	Tone      Tone
	MaxLength int
}

// Copy is the composer output.
type Copy struct {
	Text string `json:"text"`
	CTA  string `json:"cta,omitempty"`
}

// Composer personalises a template.
type Composer interface {
	Compose(ctx context.Context, req ComposeRequest) (Copy, error)
}

// ErrEmptyCopy is returned when a composer produced no text.
var ErrEmptyCopy = errors.New("composer returned empty text")
