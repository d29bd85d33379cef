// Package policy selects the communication track for a user's day.
//
// Decide is a strict cascade where the first matching rule wins:
//
//	alert     risk level >= 8 or a crisis tag
//	stress    stress_score > 70
//	belonging a loneliness tag or support_score < 40
//	habit     everything else
//
// Every track yields exactly three items: a morning check-in, a midday action and
// an evening closure. Alert midday and evening items embed EmergencyContactText
// verbatim and are marked Static so copy personalisation leaves them alone.
package policy

import (
	"sort"
	"strconv"
	"strings"

	"github.com/mohammad-safakhou/nurture/internal/domain"
)

// AlertRiskLevel is the signal risk level from which the alert track always wins.
const AlertRiskLevel = 8

// StressThreshold is exclusive: a stress_score above it selects the stress track.
const StressThreshold = 70

// SupportThreshold is exclusive: a support_score below it selects belonging.
const SupportThreshold = 40

// Score names read from a signal.
const (
	ScoreStress  = "stress_score"
	ScoreSupport = "support_score"
)

// Slot times, local to the user.
const (
	MorningSlot = "09:00"
	MiddaySlot  = "14:00"
	EveningSlot = "19:30"
)

// EmergencyContactText is the hotline and emergency number block shown on the alert track.
const EmergencyContactText = "CVV (24h): 188\nSAMU (emergência): 192"

// CrisisTags force the alert track regardless of scores.
var CrisisTags = []string{"pp_intrusive", "harm_thoughts"}

// BelongingTags select the belonging track.
var BelongingTags = []string{"tag_lonely", "tag_single_mom", "tag_father_absent"}

// RationaleSignalTags holds every tag of the signal, comma separated. Content
// curation reads it.
const RationaleSignalTags = "signal_tags"

// UserMeta is the profile context the engine may read. It never changes the
// selected track; it exists for rationale and future template variants.
type UserMeta struct {
	Name          string
	Type          string
	PregnancyWeek int
}

// Decision is the outcome of Decide.
type Decision struct {
	Priority  domain.Priority   `json:"priority"`
	Items     []domain.PlanItem `json:"items"`
	Rationale map[string]string `json:"rationale"`
}

// Decide is pure and deterministic.
func Decide(sig domain.Signal, meta UserMeta) Decision {
	sig = sig.Normalize()
	switch {
	case sig.RiskLevel >= AlertRiskLevel || len(matchedTags(sig, CrisisTags)) > 0:
		return alertTrack(sig)
	case scoreAbove(sig, ScoreStress, StressThreshold):
		return stressTrack(sig)
	case len(matchedTags(sig, BelongingTags)) > 0 || scoreBelow(sig, ScoreSupport, SupportThreshold):
		return belongingTrack(sig)
	default:
		return habitTrack(sig, meta)
	}
}

func alertTrack(sig domain.Signal) Decision {
	return Decision{
		Priority: domain.PriorityAlert,
		Items: []domain.PlanItem{
			{
				ScheduledAt: MorningSlot,
				Type:        domain.ItemAlert,
				TemplateID:  "acolhimento_crise",
				MessageText: "{nome}, percebemos que você pode estar passando por um momento muito difícil. " +
					"Você não está sozinha. Aqui estão recursos que podem te ajudar agora mesmo.",
				Rationale: "Alerta crítico detectado: pensamentos intrusivos ou risco alto",
			},
			{
				ScheduledAt: MiddaySlot,
				Type:        domain.ItemAlert,
				TemplateID:  "recursos_imediatos",
				MessageText: "Se você está em crise, ligue AGORA:\n\n" + EmergencyContactText,
				Rationale:   "Recursos de emergência",
				Static:      true,
			},
			{
				ScheduledAt: EveningSlot,
				Type:        domain.ItemClosure,
				TemplateID:  "encerramento_positivo",
				MessageText: "Boa noite, {nome}. Você teve coragem de seguir em frente hoje. Isso é força.\n\n" +
					"Se precisar, ligue:\n" + EmergencyContactText,
				Rationale: "Encerramento empático com recursos de emergência",
				Static:    true,
			},
		},
		Rationale: rationale(sig, domain.PriorityAlert,
			"Alerta crítico: risco alto detectado",
			"Segurança e acolhimento imediato",
			matchedTags(sig, CrisisTags)),
	}
}

func stressTrack(sig domain.Signal) Decision {
	stress, _ := sig.Score(ScoreStress)
	return Decision{
		Priority: domain.PriorityStress,
		Items: []domain.PlanItem{
			{
				ScheduledAt: MorningSlot,
				Type:        domain.ItemCheckIn,
				TemplateID:  "checkin_manha",
				MessageText: "Bom dia, {nome}! 🌅 Como você está hoje? Vamos cuidar do seu stress juntas.",
				Rationale:   "Seu nível de stress está alto (" + strconv.Itoa(stress) + "/100)",
			},
			{
				ScheduledAt: MiddaySlot,
				Type:        domain.ItemContent,
				TemplateID:  "stress_acao_pratica",
				MessageText: "Oi, {nome}! Stress alto? Hoje faça 1 coisa de cada vez. " +
					"Prioridade número 1: você comer algo e beber água.",
				Rationale: "Ação prática para reduzir stress",
			},
			{
				ScheduledAt: EveningSlot,
				Type:        domain.ItemHabit,
				TemplateID:  "respira_simples",
				MessageText: "{nome}, quando sentir que vai explodir: respire 4 tempos, segura 4, solta 4. Repete 3 vezes.",
				CTA:         "Fiz a respiração",
				Rationale:   "Técnica de respiração para alívio imediato",
			},
		},
		Rationale: rationale(sig, domain.PriorityStress,
			"Stress crítico detectado ("+strconv.Itoa(stress)+"/100)",
			"Foco em redução de stress e autocuidado",
			nil),
	}
}

func belongingTrack(sig domain.Signal) Decision {
	support := "sem dado"
	if v, ok := sig.Score(ScoreSupport); ok {
		support = strconv.Itoa(v) + "/100"
	}
	return Decision{
		Priority: domain.PriorityBelonging,
		Items: []domain.PlanItem{
			{
				ScheduledAt: MorningSlot,
				Type:        domain.ItemCheckIn,
				TemplateID:  "checkin_manha",
				MessageText: "Bom dia, {nome}! 🌅 Você não está sozinha. Como você está hoje?",
				Rationale:   "Você sinalizou solidão e pouco apoio (" + support + ")",
			},
			{
				ScheduledAt: MiddaySlot,
				Type:        domain.ItemContent,
				TemplateID:  "historia_pertencimento",
				MessageText: "{nome}, milhões de mães passam exatamente pelo que você sente. " +
					"Vem ver histórias reais da comunidade?",
				CTA:       "Ver histórias",
				Rationale: "Conexão com comunidade de mães",
			},
			{
				ScheduledAt: EveningSlot,
				Type:        domain.ItemHabit,
				TemplateID:  "rede_de_apoio_simples",
				MessageText: "{nome}, hoje escolha 1 pessoa para pedir um favor simples (5 min com o bebê). " +
					"Pequenos pedidos criam apoio real.",
				CTA:       "Fiz o pedido",
				Rationale: "Construir rede de apoio prático",
			},
		},
		Rationale: rationale(sig, domain.PriorityBelonging,
			"Solidão e pouco apoio detectados",
			"Foco em pertencimento e comunidade",
			matchedTags(sig, BelongingTags)),
	}
}

func habitTrack(sig domain.Signal, meta UserMeta) Decision {
	d := Decision{
		Priority: domain.PriorityHabit,
		Items: []domain.PlanItem{
			{
				ScheduledAt: MorningSlot,
				Type:        domain.ItemCheckIn,
				TemplateID:  "checkin_manha",
				MessageText: "Bom dia, {nome}! 🌅 Como você está hoje? Marque seu humor e receba uma dica personalizada.",
				Rationale:   "Check-in diário para acompanhamento",
			},
			{
				ScheduledAt: MiddaySlot,
				Type:        domain.ItemContent,
				TemplateID:  "conteudo_curado",
				MessageText: "{nome}, separamos um conteúdo especial para você hoje sobre maternidade. 💕",
				CTA:         "Ver conteúdo",
				Rationale:   "Conteúdo curado personalizado",
			},
			{
				ScheduledAt: EveningSlot,
				Type:        domain.ItemHabit,
				TemplateID:  "habito_simples_5min",
				MessageText: "Falta pouco, {nome}! 🍼 Marca um hábito rápido: beber 1 copo d'água agora.",
				CTA:         "Bebi água",
				Rationale:   "Hábito simples para construir autoeficácia",
			},
		},
		Rationale: rationale(sig, domain.PriorityHabit,
			"Comportamento estável",
			"Foco em hábitos e conteúdo educativo",
			nil),
	}
	if meta.Type != "" {
		d.Rationale["user_type"] = meta.Type
	}
	return d
}

func rationale(sig domain.Signal, p domain.Priority, main, reason string, tags []string) map[string]string {
	r := map[string]string{
		"branch":          string(p),
		"main":            main,
		"priority_reason": reason,
		"risk_level":      strconv.Itoa(sig.RiskLevel),
	}
	names := make([]string, 0, len(sig.Scores))
	for k := range sig.Scores {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		r["score."+k] = strconv.Itoa(sig.Scores[k])
	}
	if len(tags) > 0 {
		r["tags"] = strings.Join(tags, ",")
	}
	if len(sig.Tags) > 0 {
		r[RationaleSignalTags] = strings.Join(sig.Tags, ",")
	}
	return r
}

// matchedTags returns the members of want present on sig, in want order.
func matchedTags(sig domain.Signal, want []string) []string {
	var out []string
	for _, t := range want {
		if sig.HasTag(t) {
			out = append(out, t)
		}
	}
	return out
}

func scoreAbove(sig domain.Signal, name string, threshold int) bool {
	v, ok := sig.Score(name)
	return ok && v > threshold
}

// scoreBelow is false for a missing score.
func scoreBelow(sig domain.Signal, name string, threshold int) bool {
	v, ok := sig.Score(name)
	return ok && v < threshold
}
