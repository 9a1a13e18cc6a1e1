package redact

import (
	"sort"
	"strings"
)

// DefaultSensitiveKeys are detail keys whose values are always masked.
var DefaultSensitiveKeys = []string{
	"card_number", "pan", "cvv", "cvc", "password", "secret",
	"token", "api_key", "authorization", "email",
}

// Placeholder is what a match of the given type is replaced with.
func Placeholder(typ PatternType) string {
	return "[" + string(typ) + "]"
}

// Text returns text with every sensitive match replaced by its
// placeholder. Longer matches are replaced first so a credential that
// contains an email is masked whole.
func Text(text string) string {
	matches := Scan(text)
	if len(matches) == 0 {
		return text
	}
	sort.SliceStable(matches, func(i, j int) bool {
		return len(matches[i].Value) > len(matches[j].Value)
	})
	for _, m := range matches {
		text = strings.ReplaceAll(text, m.Value, Placeholder(m.Type))
	}
	return text
}

// Map returns a copy of data with sensitive keys masked and every other
// value passed through Text.
func Map(data map[string]string, extraKeys ...string) map[string]string {
	if data == nil {
		return nil
	}
	keySet := make(map[string]bool, len(DefaultSensitiveKeys)+len(extraKeys))
	for _, k := range DefaultSensitiveKeys {
		keySet[k] = true
	}
	for _, k := range extraKeys {
		keySet[strings.ToLower(k)] = true
	}

	result := make(map[string]string, len(data))
	for k, v := range data {
		if keySet[strings.ToLower(k)] {
			result[k] = "***"
			continue
		}
		result[k] = Text(v)
	}
	return result
}
