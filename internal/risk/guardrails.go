package risk

import (
	"fmt"
	"strings"
)

var forbiddenTopics = normalizeAll([]string{
	// medication
	"remédio", "medicamento", "medicação", "comprimido", "pílula", "cápsula", "gotas",
	"antibiótico", "anti-inflamatório", "antidepressivo", "ansiolítico", "analgésico",
	"paracetamol", "dipirona", "ibuprofeno", "aspirina", "omeprazol", "ranitidina",
	// diagnosis
	"diagnóstico", "diagnosticar", "doença", "patologia", "sintoma", "síndrome", "transtorno",
	"infecção", "bacteriana", "viral", "pressão alta", "hipertensão", "diabetes", "glicose",
	"insulina", "anemia", "deficiência",
	// procedures
	"exame", "teste", "ultrassom", "ultra-som", "ecografia", "sangue", "urina", "fezes",
	"biópsia", "cirurgia", "tratamento", "terapia medicamentosa",
	// prescribing
	"dose", "dosagem", "posologia", "receita", "prescrição", "prescrever",
	"recomendar remédio", "sugerir remédio",
	// obstetric signs that need a doctor
	"contração", "dilatação", "bolsa estourou", "bolsa rompeu", "sangramento",
	"movimento do bebê", "bebê não mexeu",
})

var medicalIndicators = normalizeAll([]string{
	"remédio", "medicamento", "medicação", "comprimido", "pílula", "cápsula", "gota",
	"dose", "dosagem", "posologia", "receita", "prescrição", "antibiótico", "antiinflamatório",
	"anti-inflamatório", "analgésico", "ansiolítico", "antidepressivo", "dipirona",
	"ibuprofeno", "paracetamol", "ranitidina", "omeprazol",
})

var medicalVerbs = normalizeAll([]string{
	"tomar", "usar", "aplicar", "administrar", "prescrever", "indicar", "recomendar", "sugerir",
})

var riskKeywords = normalizeAll([]string{
	"suicídio", "suicida", "me matar", "quero morrer", "vou morrer", "não vale a pena viver",
	"sem sentido", "quero sumir", "acabar com tudo", "fim de tudo", "não aguento mais viver",
	"machucar o bebê", "fazer mal ao bebê", "quero fazer mal", "quero machucar",
	"tenho vontade de machucar",
	"ouvir vozes", "ouço vozes", "ver coisas", "vejo coisas", "não é real", "delírio",
	"ele me bate", "ele me agride", "violência", "abuso", "me machuca", "me agride",
	"não consigo levantar", "não saio da cama", "não consigo cuidar do bebê",
	"não me importo mais", "nada importa",
	"não estou cuidando", "deixei de cuidar", "não tenho forças para cuidar",
})

// ContainsForbiddenTopic reports whether text asks for medical advice: either a
// forbidden topic appears, or a prescribing verb is paired with a medication term.
func ContainsForbiddenTopic(text string) bool {
	normalized := Normalize(text)
	if normalized == "" {
		return false
	}
	if matchesAny(normalized, forbiddenTopics) {
		return true
	}
	tokens := make(map[string]struct{})
	for _, tok := range strings.Fields(normalized) {
		tokens[tok] = struct{}{}
	}
	verb := false
	for _, v := range medicalVerbs {
		if _, ok := tokens[v]; ok {
			verb = true
			break
		}
	}
	return verb && matchesAny(normalized, medicalIndicators)
}

// ContainsRiskKeywords reports whether text carries any crisis keyword,
// including violence and neglect phrases that do not map to a scored tier.
func ContainsRiskKeywords(text string) bool {
	return matchesAny(Normalize(text), riskKeywords)
}

// BlockedResponse answers a message that asked for medical advice.
const BlockedResponse = "Oi querida! Entendo sua preocupação, mas não sou médica e não posso " +
	"te ajudar com questões de saúde, medicamentos ou diagnósticos. Para qualquer dúvida sobre " +
	"sintomas, medicamentos ou tratamentos, converse com seu médico. Enquanto isso, estou aqui " +
	"para te acolher. Como você está se sentindo com essa situação?"

// InterventionResponse returns the text shown for an analysis that requires
// intervention. It is empty below the intervention level.
func InterventionResponse(a Analysis, name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		name = "querida"
	}
	switch {
	case a.Level >= CrisisLevel:
		return fmt.Sprintf("Querida %s, preciso ser direta com você agora. O que você compartilhou é muito sério "+
			"e você precisa de ajuda profissional urgente.\n\n"+
			"Se você estiver em perigo imediato: ligue para o SAMU - 192.\n"+
			"Se você estiver pensando em se machucar: ligue para o CVV - 188 (24h, gratuito e anônimo).\n"+
			"Procure um CAPS (Centro de Atenção Psicossocial) perto de você.\n\n"+
			"Você não está sozinha. Há ajuda disponível e você merece cuidado agora.", name)
	case a.Level >= interventionLevel:
		return fmt.Sprintf("Oi %s! Obrigada por compartilhar isso comigo. O que você está enfrentando parece "+
			"pedir atenção profissional.\n\n"+
			"CVV - 188 (24h, gratuito e anônimo) para apoio imediato.\n"+
			"CAPS ou um psicólogo especializado em saúde mental materna.\n\n"+
			"Buscar apoio é um ato de coragem. Estou aqui sempre que precisar.", name)
	default:
		return ""
	}
}
