package segment

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// countryNames maps ISO 3166-1 alpha-2 codes to the display names we have
// seen stored in user profiles (Spanish and English spellings).
var countryNames = map[string][]string{
	"ar": {"Argentina"},
	"bo": {"Bolivia"},
	"br": {"Brasil", "Brazil"},
	"cl": {"Chile"},
	"co": {"Colombia"},
	"cr": {"Costa Rica"},
	"cu": {"Cuba"},
	"do": {"República Dominicana", "Dominican Republic"},
	"ec": {"Ecuador"},
	"sv": {"El Salvador"},
	"gt": {"Guatemala"},
	"hn": {"Honduras"},
	"mx": {"México", "Mexico"},
	"ni": {"Nicaragua"},
	"pa": {"Panamá", "Panama"},
	"py": {"Paraguay"},
	"pe": {"Perú", "Peru"},
	"pr": {"Puerto Rico"},
	"uy": {"Uruguay"},
	"ve": {"Venezuela"},
	"es": {"España", "Spain"},
	"us": {"Estados Unidos", "United States", "USA"},
	"ca": {"Canadá", "Canada"},
	"gb": {"Reino Unido", "United Kingdom"},
	"de": {"Alemania", "Germany"},
	"fr": {"Francia", "France"},
	"it": {"Italia", "Italy"},
	"pt": {"Portugal"},
}

// nameToCode is the inverse of countryNames keyed by normalized name.
var nameToCode = func() map[string]string {
	m := make(map[string]string)
	for code, names := range countryNames {
		for _, n := range names {
			m[normalizeCountry(n)] = code
		}
	}
	return m
}()

// compositePattern matches "Display Name (CODE)".
var compositePattern = regexp.MustCompile(`^(.+?)\s*\(\s*([a-z]{2,3})\s*\)$`)

// normalizeCountry case-folds s and strips diacritics. Transformers are
// stateful, so a fresh chain is built per call.
func normalizeCountry(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	stripped, _, err := transform.String(t, strings.TrimSpace(s))
	if err != nil {
		stripped = strings.TrimSpace(s)
	}
	return strings.Join(strings.Fields(cases.Fold().String(stripped)), " ")
}

// countryForms returns every normalized spelling that identifies the same
// country as value: the raw value, its code, and its known display names.
func countryForms(value string) map[string]struct{} {
	forms := make(map[string]struct{})
	v := normalizeCountry(value)
	if v == "" {
		return forms
	}
	forms[v] = struct{}{}

	var codes []string
	if m := compositePattern.FindStringSubmatch(v); m != nil {
		forms[m[1]] = struct{}{}
		forms[m[2]] = struct{}{}
		codes = append(codes, m[2])
		if code, ok := nameToCode[m[1]]; ok {
			codes = append(codes, code)
		}
	}
	if _, ok := countryNames[v]; ok {
		codes = append(codes, v)
	}
	if code, ok := nameToCode[v]; ok {
		codes = append(codes, code)
	}

	for _, code := range codes {
		forms[code] = struct{}{}
		for _, n := range countryNames[code] {
			forms[normalizeCountry(n)] = struct{}{}
		}
	}
	return forms
}

// CountryMatches reports whether the stored country value refers to any of
// the requested filter values.
func CountryMatches(stored string, wanted []string) bool {
	storedForms := countryForms(stored)
	if len(storedForms) == 0 {
		return false
	}
	for _, w := range wanted {
		for f := range countryForms(w) {
			if _, ok := storedForms[f]; ok {
				return true
			}
		}
	}
	return false
}
