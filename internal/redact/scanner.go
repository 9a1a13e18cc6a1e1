// Package redact scrubs card numbers, credentials and contact details
// from free text before it reaches audit entries, stored transactions or
// alert webhooks.
package redact

import (
	"regexp"
	"sort"
	"strings"
)

// PatternType identifies the category of sensitive data.
type PatternType string

const (
	PatternPAN    PatternType = "PAN"
	PatternCred   PatternType = "CRED"
	PatternBearer PatternType = "BEARER"
	PatternEmail  PatternType = "EMAIL"
)

// Match is a single occurrence of sensitive data in text.
type Match struct {
	Type  PatternType
	Value string
	Start int
	End   int
}

var (
	// Card numbers: 13 to 19 digits, optionally grouped by spaces or dashes.
	panRe = regexp.MustCompile(`\b\d(?:[ -]?\d){12,18}\b`)

	// Credentials: key=value pairs where key suggests a secret. Also
	// matches query parameters such as ?api_key=...
	credKVRe = regexp.MustCompile(`(?i)((?:password|passwd|secret|token|api_key|apikey|access_key|cvv|cvc)[ \t]*[=:][ \t]*[^\s&"',}]+)`)

	// Bearer and basic authorization values.
	bearerRe = regexp.MustCompile(`(?i)\b((?:bearer|basic)[ \t]+[A-Za-z0-9\-._~+/]+=*)`)

	// Email addresses.
	emailRe = regexp.MustCompile(`\b([a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,})\b`)
)

// Scan finds all sensitive patterns in text and returns deduplicated matches
// sorted by position (earliest first).
func Scan(text string) []Match {
	seen := make(map[string]bool)
	var matches []Match

	add := func(typ PatternType, value string, start int) {
		value = strings.TrimRight(value, ".,;:\"'`)}]")
		if value == "" || seen[value] {
			return
		}
		seen[value] = true
		matches = append(matches, Match{Type: typ, Value: value, Start: start, End: start + len(value)})
	}

	for _, loc := range panRe.FindAllStringIndex(text, -1) {
		v := text[loc[0]:loc[1]]
		if luhn(v) {
			add(PatternPAN, v, loc[0])
		}
	}

	for _, loc := range credKVRe.FindAllStringIndex(text, -1) {
		add(PatternCred, text[loc[0]:loc[1]], loc[0])
	}

	for _, loc := range bearerRe.FindAllStringIndex(text, -1) {
		add(PatternBearer, text[loc[0]:loc[1]], loc[0])
	}

	for _, loc := range emailRe.FindAllStringIndex(text, -1) {
		add(PatternEmail, text[loc[0]:loc[1]], loc[0])
	}

	sort.Slice(matches, func(i, j int) bool {
		return matches[i].Start < matches[j].Start
	})
	return matches
}

// luhn reports whether the digits in s pass the Luhn checksum. Separators
// are skipped.
func luhn(s string) bool {
	sum, n := 0, 0
	for i := len(s) - 1; i >= 0; i-- {
		c := s[i]
		if c < '0' || c > '9' {
			continue
		}
		d := int(c - '0')
		if n%2 == 1 {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		n++
	}
	return n >= 13 && sum%10 == 0
}
