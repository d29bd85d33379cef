package risk

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mohammad-safakhou/nurture/internal/llm"
	"go.uber.org/zap"
)

// SecondOpinion is a model-based classifier consulted after the guardrail.
type SecondOpinion interface {
	Assess(ctx context.Context, text string) (Analysis, error)
}

// Analyzer merges the deterministic guardrail with an optional second opinion.
type Analyzer struct {
	opinion SecondOpinion
	timeout time.Duration
	logger  *zap.Logger
}

// NewAnalyzer returns an Analyzer. A nil opinion yields guardrail-only results.
func NewAnalyzer(opinion SecondOpinion, timeout time.Duration, logger *zap.Logger) *Analyzer {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Analyzer{opinion: opinion, timeout: timeout, logger: logger.Named("risk")}
}

// Analyze never fails: any second-opinion problem falls back to the guardrail.
func (a *Analyzer) Analyze(ctx context.Context, text string) Analysis {
	base := Analyze(text)
	if a == nil || a.opinion == nil || strings.TrimSpace(text) == "" {
		return base
	}
	cctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	other, err := a.opinion.Assess(cctx, text)
	if err != nil {
		a.logger.Warn("second opinion unavailable", zap.Error(err), zap.Int("level", base.Level))
		return base
	}
	return Merge(base, other)
}

// Merge combines two analyses without ever lowering base.
func Merge(base, other Analysis) Analysis {
	out := Analysis{
		Level:              base.Level,
		Flags:              dedupe(append(append([]string{}, base.Flags...), other.Flags...)),
		SuggestedResources: dedupe(append(append([]string{}, base.SuggestedResources...), other.SuggestedResources...)),
		Reasoning:          base.Reasoning,
	}
	if other.Level > out.Level {
		out.Level = other.Level
	}
	if other.Reasoning != "" {
		out.Reasoning = base.Reasoning + "; model: " + other.Reasoning
	}
	if out.Level > 2 && len(out.Flags) > 1 {
		out.Flags = without(out.Flags, FlagNormalStress)
	}
	out.RequiresIntervention = base.RequiresIntervention || other.RequiresIntervention || out.Level >= CrisisLevel
	if out.Level >= CrisisLevel {
		out.SuggestedResources = dedupe(append(out.SuggestedResources, ResourceCVV, ResourceEmergency))
	}
	return out
}

func without(in []string, drop string) []string {
	out := in[:0:0]
	for _, v := range in {
		if v != drop {
			out = append(out, v)
		}
	}
	return out
}

// ErrMalformedOpinion is returned when the model answer misses required fields.
var ErrMalformedOpinion = errors.New("malformed risk opinion")

const opinionPrompt = `Você é especialista em saúde mental materna com foco em detecção de crise.
Analise a mensagem e retorne APENAS JSON válido.
Níveis: 0-2 desabafo normal; 3-4 estresse elevado; 5-6 sobrecarga; 7-8 sinais clínicos; 9-10 crise.
Flags permitidas: suicidal_ideation, harm_to_baby, psychosis, self_harm, severe_depression, ppd, burnout, anxiety, normal_stress.
Recursos permitidos: cvv, caps, emergency, therapy.
Formato: {"level": 0-10, "flags": [], "requires_intervention": bool, "suggested_resources": [], "reasoning": "breve"}`

var knownFlags = map[string]struct{}{
	FlagSuicidalIdeation: {}, FlagHarmToBaby: {}, FlagPsychosis: {}, FlagSelfHarm: {},
	FlagSevereDepression: {}, FlagPPD: {}, FlagBurnout: {}, FlagAnxiety: {}, FlagNormalStress: {},
}

var knownResources = map[string]struct{}{
	ResourceCVV: {}, ResourceCAPS: {}, ResourceEmergency: {}, ResourceTherapy: {},
}

// OpenAIOpinion asks a chat model for a risk classification.
type OpenAIOpinion struct {
	client *llm.Client
}

// NewOpenAIOpinion wraps an llm client.
func NewOpenAIOpinion(client *llm.Client) *OpenAIOpinion {
	return &OpenAIOpinion{client: client}
}

type opinionPayload struct {
	Level                *float64 `json:"level"`
	Flags                []string `json:"flags"`
	RequiresIntervention *bool    `json:"requires_intervention"`
	SuggestedResources   []string `json:"suggested_resources"`
	Reasoning            string   `json:"reasoning"`
}

// Assess implements SecondOpinion.
func (o *OpenAIOpinion) Assess(ctx context.Context, text string) (Analysis, error) {
	if o == nil || o.client == nil {
		return Analysis{}, llm.ErrMissingCredential
	}
	var p opinionPayload
	user := fmt.Sprintf("Analise esta mensagem de uma mãe buscando apoio emocional:\n\n%q", text)
	if err := o.client.CompleteJSON(ctx, opinionPrompt, user, &p); err != nil {
		return Analysis{}, err
	}
	return p.analysis()
}

func (p opinionPayload) analysis() (Analysis, error) {
	if p.Level == nil || p.Flags == nil || p.RequiresIntervention == nil {
		return Analysis{}, ErrMalformedOpinion
	}
	level := int(*p.Level)
	if level < 0 || level > 10 {
		return Analysis{}, fmt.Errorf("%w: level %v", ErrMalformedOpinion, *p.Level)
	}
	a := Analysis{Level: level, RequiresIntervention: *p.RequiresIntervention, Reasoning: p.Reasoning}
	for _, f := range p.Flags {
		if _, ok := knownFlags[f]; ok {
			a.Flags = append(a.Flags, f)
		}
	}
	for _, r := range p.SuggestedResources {
		if _, ok := knownResources[r]; ok {
			a.SuggestedResources = append(a.SuggestedResources, r)
		}
	}
	return a, nil
}
