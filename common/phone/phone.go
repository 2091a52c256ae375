// Package phone normalizes channel addresses so that the same handset matches regardless of
// how the gateway formats it.
package phone

import (
	"strings"
	"unicode"
)

const countryCode = "55"

// Digits strips a gateway JID suffix ("...@s.whatsapp.net") and every non-digit rune.
func Digits(addr string) string {
	if at := strings.IndexByte(addr, '@'); at >= 0 {
		addr = addr[:at]
	}
	return strings.Map(func(r rune) rune {
		if unicode.IsDigit(r) {
			return r
		}
		return -1
	}, addr)
}

// Variants returns the digit-only forms under which addr may have been stored: with and
// without the country code, and with and without the mobile '9' after the area code.
// The first element is always Digits(addr). An address with no digits yields nil.
func Variants(addr string) []string {
	d := Digits(addr)
	if d == "" {
		return nil
	}

	out := []string{d}
	seen := map[string]bool{d: true}
	add := func(v string) {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}

	national, ok := nationalNumber(d)
	if !ok {
		return out
	}

	for _, n := range mobileForms(national) {
		add(countryCode + n)
		add(n)
	}
	return out
}

func nationalNumber(d string) (string, bool) {
	switch {
	case (len(d) == 12 || len(d) == 13) && strings.HasPrefix(d, countryCode):
		return d[len(countryCode):], true
	case len(d) == 10 || len(d) == 11:
		return d, true
	default:
		return "", false
	}
}

// mobileForms expects a national number: two-digit area code followed by 8 or 9 digits.
func mobileForms(national string) []string {
	switch {
	case len(national) == 11 && national[2] == '9':
		return []string{national, national[:2] + national[3:]}
	case len(national) == 10:
		return []string{national, national[:2] + "9" + national[2:]}
	default:
		return []string{national}
	}
}
