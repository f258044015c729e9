package marketdata

import "strings"

// exchangeSuffixes are venue qualifiers dropped from vendor symbols such as
// AAPL.US or VOD.LSE. Single letters are share classes and are kept.
var exchangeSuffixes = map[string]struct{}{
	"US": {}, "OQ": {}, "NQ": {}, "NYSE": {}, "NASDAQ": {}, "ARCA": {},
	"AMEX": {}, "BATS": {}, "SMART": {}, "ISLAND": {}, "XNAS": {}, "XNYS": {},
}

// NormalizeSymbol converts vendor symbol spellings to the IB format: upper
// case, no exchange qualifier, share class separated by a single space
// (BRK.B, brk-b and BRK/B all become "BRK B"). Empty input yields "".
func NormalizeSymbol(symbol string) string {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	if s == "" {
		return ""
	}
	if i := strings.LastIndex(s, ":"); i >= 0 {
		s = strings.TrimSpace(s[i+1:])
	}

	parts := strings.FieldsFunc(s, func(r rune) bool {
		return r == '.' || r == '-' || r == '/' || r == ' ' || r == '_'
	})
	for len(parts) > 1 {
		if _, ok := exchangeSuffixes[parts[len(parts)-1]]; !ok {
			break
		}
		parts = parts[:len(parts)-1]
	}
	return strings.Join(parts, " ")
}
