// Package risk classifies free text for emotional and physical crisis risk.
//
// Analyze is the deterministic guardrail: every tier is evaluated and the
// reported level is the highest matched severity. Analyzer layers an optional
// model-based second opinion on top without ever lowering the guardrail result.
package risk

import (
	"fmt"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Flags reported by the guardrail.
const (
	FlagSuicidalIdeation = "suicidal_ideation"
	FlagHarmToBaby       = "harm_to_baby"
	FlagPsychosis        = "psychosis"
	FlagSelfHarm         = "self_harm"
	FlagSevereDepression = "severe_depression"
	FlagPPD              = "ppd"
	FlagBurnout          = "burnout"
	FlagAnxiety          = "anxiety"
	FlagNormalStress     = "normal_stress"
)

// Resource identifiers suggested to the user.
const (
	ResourceCVV       = "cvv"       // Centro de Valorização da Vida, 188, 24h
	ResourceEmergency = "emergency" // SAMU 192
	ResourceCAPS      = "caps"
	ResourceTherapy   = "therapy"
)

// CrisisLevel is the level from which intervention is mandatory.
const CrisisLevel = 9

// interventionLevel is where the deterministic path already asks for intervention.
const interventionLevel = 7

// Analysis is the classification of a single text.
type Analysis struct {
	Level                int      `json:"level"`
	Flags                []string `json:"flags"`
	RequiresIntervention bool     `json:"requires_intervention"`
	SuggestedResources   []string `json:"suggested_resources"`
	Reasoning            string   `json:"reasoning"`
}

// Crisis reports whether the analysis reached the crisis band.
func (a Analysis) Crisis() bool { return a.Level >= CrisisLevel }

// HasFlag reports whether flag was matched.
func (a Analysis) HasFlag(flag string) bool {
	for _, f := range a.Flags {
		if f == flag {
			return true
		}
	}
	return false
}

type tier struct {
	flag      string
	severity  int
	resources []string
	patterns  []string
}

// tiers are evaluated in order; none short-circuits.
var tiers = compileTiers([]tier{
	{
		flag:      FlagSuicidalIdeation,
		severity:  10,
		resources: []string{ResourceCVV, ResourceEmergency},
		patterns: []string{
			"suicídio", "suicida", "me matar", "quero morrer", "vou morrer",
			"não vale a pena viver", "acabar com tudo", "não aguento mais viver",
		},
	},
	{
		flag:      FlagHarmToBaby,
		severity:  10,
		resources: []string{ResourceEmergency, ResourceCAPS},
		patterns: []string{
			"machucar o bebê", "fazer mal ao bebê", "quero machucar o bebê",
			"tenho vontade de machucar",
		},
	},
	{
		flag:      FlagPsychosis,
		severity:  9,
		resources: []string{ResourceEmergency, ResourceCAPS},
		patterns:  []string{"ouvir vozes", "ouço vozes", "ver coisas", "vejo coisas", "não é real", "delírio"},
	},
	{
		flag:      FlagSelfHarm,
		severity:  8,
		resources: []string{ResourceCVV, ResourceTherapy},
		patterns:  []string{"me cortar", "me machucar", "autoagressão", "auto-agressão", "auto agressão"},
	},
	{
		flag:      FlagSevereDepression,
		severity:  8,
		resources: []string{ResourceTherapy, ResourceCAPS},
		patterns: []string{
			"não consigo levantar", "não saio da cama", "não consigo cuidar do bebê",
			"não me importo mais", "nada importa",
		},
	},
	{
		flag:      FlagPPD,
		severity:  6,
		resources: []string{ResourceTherapy, ResourceCAPS},
		patterns:  []string{"depressão pós-parto", "ppd"},
	},
	{
		flag:      FlagBurnout,
		severity:  5,
		resources: []string{ResourceTherapy},
		patterns:  []string{"não aguento mais", "não tenho forças", "sem energia", "exausta"},
	},
	{
		flag:      FlagAnxiety,
		severity:  4,
		resources: []string{ResourceTherapy},
		patterns:  []string{"muito ansiosa", "pânico", "ataque de pânico"},
	},
})

func compileTiers(in []tier) []tier {
	for i := range in {
		in[i].patterns = normalizeAll(in[i].patterns)
	}
	return in
}

// Analyze classifies text. It is total and pure.
func Analyze(text string) Analysis {
	normalized := Normalize(text)
	level := 0
	var flags, resources []string
	for _, t := range tiers {
		if !matchesAny(normalized, t.patterns) {
			continue
		}
		flags = append(flags, t.flag)
		resources = append(resources, t.resources...)
		if t.severity > level {
			level = t.severity
		}
	}
	if level <= 2 && len(flags) == 0 {
		flags = append(flags, FlagNormalStress)
	}
	if level >= CrisisLevel {
		resources = append(resources, ResourceCVV, ResourceEmergency)
	}
	return Analysis{
		Level:                level,
		Flags:                flags,
		RequiresIntervention: level >= interventionLevel,
		SuggestedResources:   dedupe(resources),
		Reasoning:            reasoning(level, flags),
	}
}

// AnalyzeValue accepts loosely typed input; anything that is not text is
// classified as empty text.
func AnalyzeValue(v interface{}) Analysis {
	switch t := v.(type) {
	case string:
		return Analyze(t)
	case *string:
		if t != nil {
			return Analyze(*t)
		}
	case []byte:
		return Analyze(string(t))
	}
	return Analyze("")
}

var stripMarks = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// Normalize case-folds, strips diacritics and reduces text to [a-z0-9 ] words.
func Normalize(s string) string {
	if s == "" {
		return ""
	}
	folded, _, err := transform.String(stripMarks, s)
	if err != nil {
		folded = s
	}
	folded = strings.ToLower(folded)
	var b strings.Builder
	b.Grow(len(folded))
	space := true
	for _, r := range folded {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			space = false
			continue
		}
		if !space {
			b.WriteByte(' ')
			space = true
		}
	}
	return strings.TrimSpace(b.String())
}

func normalizeAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, p := range in {
		if n := Normalize(p); n != "" {
			out = append(out, n)
		}
	}
	return out
}

func matchesAny(text string, patterns []string) bool {
	for _, p := range patterns {
		if p != "" && strings.Contains(text, p) {
			return true
		}
	}
	return false
}

func dedupe(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, v := range in {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

func reasoning(level int, flags []string) string {
	if len(flags) == 0 {
		return fmt.Sprintf("pattern analysis: level %d", level)
	}
	return fmt.Sprintf("pattern analysis: level %d with flags: %s", level, strings.Join(flags, ", "))
}
