// Package policy holds the deterministic side of the conversation: canned
// answers for facts the business owns, the grounding filter applied to every
// outgoing reply, and the scripted greeting texts.
package policy

import (
	"regexp"
	"strings"
)

const (
	PricingText = "MRV ~185 USD por persona; honorarios desde $1,500 MXN; adelanto opcional desde $5,000 MXN (sujeto a cambios)."
	ProcessText = "DS-160 → pago MRV → citas CAS/Consulado → acompañamiento hasta la decisión."
	DocsText    = "Pasaporte vigente, comprobante de ingresos/empleo o info de negocio, plan tentativo de viaje."
	RenewalText = "Si tu visa venció hace ≤48 meses podrías aplicar a 'sin entrevista'. ¿Cuándo venció la última?"
)

const (
	IntentPricing = "costos"
	IntentProcess = "proceso"
	IntentDocs    = "docs"
	IntentRenewal = "renov"
)

// Rule is one deterministic intent. Match sees the raw inbound text.
type Rule struct {
	Label   string
	Match   func(text string) bool
	Respond func(text string) string
}

type Reply struct {
	Label string
	Text  string
}

type Router struct {
	rules []Rule
}

func NewRouter(rules ...Rule) *Router {
	if len(rules) == 0 {
		rules = DefaultRules()
	}
	return &Router{rules: rules}
}

// Route evaluates rules top-down and returns the first match.
func (r *Router) Route(text string) (Reply, bool) {
	if strings.TrimSpace(text) == "" {
		return Reply{}, false
	}
	for _, rule := range r.rules {
		if rule.Match(text) {
			return Reply{Label: rule.Label, Text: rule.Respond(text)}, true
		}
	}
	return Reply{}, false
}

func (r *Router) Labels() []string {
	out := make([]string, 0, len(r.rules))
	for _, rule := range r.rules {
		out = append(out, rule.Label)
	}
	return out
}

// words builds a case-insensitive matcher for whole words. Go's \b only knows
// ASCII, so letter boundaries are spelled out to keep accented words intact.
func words(alts string) *regexp.Regexp {
	return regexp.MustCompile(`(?i)(?:^|[^\p{L}\p{N}])(?:` + alts + `)(?:[^\p{L}\p{N}]|$)`)
}

var (
	pricingRx = words(`costos?|cu[aá]nto|cuesta|precios?|tarifas?|honorarios|cobran?`)
	processRx = words(`proceso|pasos?|flujo|citas?|ds-?160|mrv`)
	docsRx    = words(`docu\p{L}*|papel\p{L}*|requisitos?`)
	renewalRx = words(`renov\p{L}*|venci[oó]|sin entrevista|iw`)
)

func canned(body, followUp string) func(string) string {
	text := body
	if followUp != "" {
		text += "\n" + followUp
	}
	return func(string) string { return text }
}

func DefaultRules() []Rule {
	return []Rule{
		{Label: IntentPricing, Match: pricingRx.MatchString, Respond: canned(PricingText, "¿Para cuántas personas sería?")},
		{Label: IntentProcess, Match: processRx.MatchString, Respond: canned(ProcessText, "¿Ya cuentan con pasaportes?")},
		{Label: IntentDocs, Match: docsRx.MatchString, Respond: canned(DocsText, "¿Quieres que te mande un checklist breve?")},
		{Label: IntentRenewal, Match: renewalRx.MatchString, Respond: canned(RenewalText, "")},
	}
}
