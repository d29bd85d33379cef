package content

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/mohammad-safakhou/nurture/internal/helpers"
	"github.com/mohammad-safakhou/nurture/internal/llm"
)

// TemplateComposer fills placeholders and truncates. It is used when no model is configured.
type TemplateComposer struct{}

// Compose implements Composer.
func (TemplateComposer) Compose(_ context.Context, req ComposeRequest) (Copy, error) {
	text := helpers.Fill(req.Template, req.Variables)
	if strings.TrimSpace(text) == "" {
		return Copy{}, ErrEmptyCopy
	}
	return Copy{Text: helpers.Truncate(text, maxLength(req))}, nil
}

const composerSystemPrompt = `Você escreve mensagens curtas de apoio para mães.
Tom: empático, acolhedor e genuíno; linguagem simples; emojis com moderação.
Nunca dê diagnósticos médicos nem use jargão técnico. Valide emoções primeiro e dê conselhos práticos.`

var toneHints = map[Tone]string{
	ToneWelcoming: "Tom acolhedor e gentil",
	ToneUrgent:    "Tom urgente mas empático (crise)",
}

// OpenAIComposer asks a chat model to personalise the filled template.
type OpenAIComposer struct {
	client *llm.Client
}

// NewOpenAIComposer wraps an llm client.
func NewOpenAIComposer(client *llm.Client) *OpenAIComposer {
	return &OpenAIComposer{client: client}
}

// Compose implements Composer. A filled template that already fits and carries
// no rationale is returned without a model call.
func (c *OpenAIComposer) Compose(ctx context.Context, req ComposeRequest) (Copy, error) {
	limit := maxLength(req)
	filled := helpers.Fill(req.Template, req.Variables)
	if strings.TrimSpace(filled) == "" {
		return Copy{}, ErrEmptyCopy
	}
	if utf8.RuneCountInString(filled) <= limit && req.Rationale == "" {
		return Copy{Text: filled}, nil
	}
	if c == nil || c.client == nil {
		return Copy{}, llm.ErrMissingCredential
	}
	tone := toneHints[req.Tone]
	if tone == "" {
		tone = toneHints[ToneWelcoming]
	}
	user := fmt.Sprintf("Transforme este template em uma mensagem personalizada.\n\n"+
		"TEMPLATE BASE:\n%s\n\nCONTEXTO:\n%s\n\nTOM DESEJADO: %s\n\n"+
		"Requisitos: máximo %d caracteres, mantenha a essência do template, no máximo 1 CTA.\n"+
		`Retorne APENAS JSON: {"text": "...", "cta": "..."}`,
		filled, req.Rationale, tone, limit)
	var out Copy
	if err := c.client.CompleteJSON(ctx, composerSystemPrompt, user, &out); err != nil {
		return Copy{}, err
	}
	out.Text = strings.TrimSpace(out.Text)
	out.CTA = strings.TrimSpace(out.CTA)
	if out.Text == "" {
		return Copy{}, ErrEmptyCopy
	}
	return out, nil
}

func maxLength(req ComposeRequest) int {
	if req.MaxLength > 0 {
		return req.MaxLength
	}
	return DefaultMaxLength
}
