package policy

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/nyaruka/phonenumbers"
)

const (
	NamePrompt    = "Hola 🙂 ¿Con quién tengo el gusto?"
	EscalationAck = "Gracias por la info 🙏 Lo reviso con mi supervisor y te escribo en breve."
	SafeReply     = "¿Te comparto costos, proceso o documentos?"
	EmptyReply    = "Listo ✅"

	audioAck = "Recibí tu audio 🙌 dame un momento para escucharlo."
	fileAck  = "Recibí el archivo 👍 ¿Seguimos con requisitos o te paso costos?"
	otherAck = "Recibí tu mensaje 🙌 ¿Quieres que te pase costos o requisitos?"
)

var SafeQuickReplies = []string{"Costos", "Proceso", "Documentos"}

func IntroReply(name string) string {
	return "Mucho gusto, " + name + ". Cuéntame brevemente qué necesitas (renovar, primera vez o dudas)."
}

// MediaAck answers payloads that carry no usable text.
func MediaAck(kind string) string {
	switch kind {
	case "audio":
		return audioAck
	case "image", "document", "video":
		return fileAck
	}
	return otherAck
}

var (
	greetingOnlyRx = regexp.MustCompile(`(?i)^\s*(?:hola+|buen[oa]s?\s*(?:d[ií]as|tardes|noches)?)\s*[!.…]*\s*$`)
	selfIntroRx    = regexp.MustCompile(`(?i)(?:^|[^\p{L}])(?:me llamo|mi nombre es|soy)\s+(\p{L}+)`)
	letterTokenRx  = regexp.MustCompile(`\p{L}+`)
	emailRx        = regexp.MustCompile(`(?i)[A-Z0-9._%+-]+@[A-Z0-9.-]+\.[A-Z]{2,}`)
	nonDigitRx     = regexp.MustCompile(`\D`)
)

// IsGreeting reports whether text is nothing but a greeting.
func IsGreeting(text string) bool {
	return greetingOnlyRx.MatchString(text)
}

// SelfIntroduction extracts the name from "me llamo X", "mi nombre es X" or
// "soy X".
func SelfIntroduction(text string) (string, bool) {
	m := selfIntroRx.FindStringSubmatch(text)
	if m == nil {
		return "", false
	}
	return Capitalize(m[1]), true
}

// FirstName returns the first letter-only token of a profile name.
func FirstName(profile string) string {
	tok := letterTokenRx.FindString(profile)
	if tok == "" {
		return ""
	}
	return Capitalize(tok)
}

func Capitalize(s string) string {
	r := []rune(strings.ToLower(s))
	if len(r) == 0 {
		return ""
	}
	r[0] = unicode.ToUpper(r[0])
	return string(r)
}

func ExtractEmail(text string) string {
	return emailRx.FindString(text)
}

// ExtractPhone pulls a Mexican number out of free text and returns it in
// E.164 without the plus sign. Short digit runs such as years are ignored.
func ExtractPhone(text string) string {
	digits := nonDigitRx.ReplaceAllString(text, "")
	if len(digits) < 10 {
		return ""
	}
	num, err := phonenumbers.Parse(digits, "MX")
	if err != nil {
		return fallbackPhone(digits)
	}
	if !phonenumbers.IsPossibleNumber(num) {
		return ""
	}
	return strings.TrimPrefix(phonenumbers.Format(num, phonenumbers.E164), "+")
}

func fallbackPhone(digits string) string {
	d := NormalizeMX(digits)
	if len(d) < 11 || len(d) > 13 {
		return ""
	}
	return d
}

// NormalizeMX rewrites a sender id into the form the Graph API accepts for
// Mexican mobiles: digits only, no 00 prefix, 521 folded into 52, bare ten
// digit numbers prefixed with 52.
func NormalizeMX(raw string) string {
	d := nonDigitRx.ReplaceAllString(raw, "")
	d = strings.TrimPrefix(d, "00")
	if strings.HasPrefix(d, "521") && len(d) == 13 {
		d = "52" + d[3:]
	}
	if len(d) == 10 {
		d = "52" + d
	}
	return d
}
