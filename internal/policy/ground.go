package policy

import (
	"regexp"
	"strconv"
	"strings"
)

// authorized amounts, in their own currency, that may appear in a reply
var authoritativeAmounts = map[int]struct{}{
	185:  {},
	1000: {},
	1500: {},
	5000: {},
}

var (
	prefixedAmountRx = regexp.MustCompile(`\$\s*(\d[\d.,]*)`)
	codeAmountRx     = regexp.MustCompile(`(?i)(?:^|[^\p{L}])(?:usd|mxn)\s*(\d[\d.,]*)`)
	suffixedAmountRx = regexp.MustCompile(`(?i)(\d[\d.,]*)\s*(?:usd|mxn|pesos|d[oó]lares)(?:[^\p{L}]|$)`)
	dottedThousandRx = regexp.MustCompile(`^\d{1,3}(?:\.\d{3})+$`)
)

// Ground returns text unchanged unless it quotes a currency amount that is not
// one of the authoritative figures, in which case the whole reply becomes the
// authoritative pricing statement. Ground(Ground(x)) == Ground(x).
func Ground(text string) string {
	if text == "" {
		return text
	}
	for _, rx := range []*regexp.Regexp{prefixedAmountRx, codeAmountRx, suffixedAmountRx} {
		for _, m := range rx.FindAllStringSubmatch(text, -1) {
			if suspicious(m[1]) {
				return PricingText
			}
		}
	}
	return text
}

func suspicious(raw string) bool {
	n, ok := parseAmount(raw)
	if !ok {
		return false
	}
	if n >= 10000 {
		return true
	}
	_, allowed := authoritativeAmounts[n]
	return !allowed
}

// parseAmount reads "1,500", "1.500", "5000.00" and "12,000." as whole units.
func parseAmount(raw string) (int, bool) {
	s := strings.TrimRight(raw, ".,")
	s = strings.ReplaceAll(s, ",", "")
	if dottedThousandRx.MatchString(s) {
		s = strings.ReplaceAll(s, ".", "")
	} else if i := strings.IndexByte(s, '.'); i >= 0 {
		s = s[:i]
	}
	if s == "" {
		return 0, false
	}
	if len(s) > 9 {
		return 1 << 30, true
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, false
	}
	return n, true
}
