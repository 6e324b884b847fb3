// Package piimask rewrites sensitive substrings in outbound result values.
// Only leaf strings are touched; structure, keys and ordering pass through
// unchanged. Masking is idempotent: the mask output never re-matches a
// detector, so re-masking is a no-op.
package piimask

import (
	"fmt"
	"regexp"
	"strings"
)

// Sensitivity selects how much of a detected value stays visible.
type Sensitivity string

const (
	// Standard keeps the last 4 characters of the detected value visible.
	Standard Sensitivity = "standard"
	// Strict masks the detected value entirely.
	Strict Sensitivity = "strict"
)

const withheld = "[WITHHELD]"

type detector struct {
	name    string
	pattern *regexp.Regexp
}

// Detector order matters: the first matching detector rewrites the value.
var detectors = []detector{
	{"email", regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)},
	{"phone", regexp.MustCompile(`(?:\+?\d{1,2}[\s.\-])?\(?\b\d{3}\)?[\s.\-]\d{3}[\s.\-]?\d{4}\b`)},
	{"ssn", regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)},
	{"credit_card", regexp.MustCompile(`\b(?:\d[ \-]?){13,16}\b`)},
}

// Mask walks data recursively and rewrites string leaves that match a
// detector. Non-string leaves pass through unchanged. Any internal failure
// fails closed: the offending field is withheld rather than returned raw.
func Mask(data interface{}, level Sensitivity) (out interface{}, hit bool) {
	if level != Strict {
		level = Standard
	}
	return maskValue(data, level)
}

// MaskRows applies Mask to a result row set.
func MaskRows(rows []map[string]interface{}, level Sensitivity) ([]map[string]interface{}, bool) {
	hit := false
	out := make([]map[string]interface{}, len(rows))
	for i, row := range rows {
		masked, rowHit := Mask(row, level)
		hit = hit || rowHit
		m, ok := masked.(map[string]interface{})
		if !ok {
			m = map[string]interface{}{}
		}
		out[i] = m
	}
	return out, hit
}

func maskValue(v interface{}, level Sensitivity) (interface{}, bool) {
	switch t := v.(type) {
	case string:
		return maskString(t, level)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		hit := false
		for k, vv := range t {
			masked, h := maskValue(vv, level)
			out[k] = masked
			hit = hit || h
		}
		return out, hit
	case []interface{}:
		out := make([]interface{}, len(t))
		hit := false
		for i, vv := range t {
			masked, h := maskValue(vv, level)
			out[i] = masked
			hit = hit || h
		}
		return out, hit
	default:
		return v, false
	}
}

func maskString(s string, level Sensitivity) (out string, hit bool) {
	// Fail closed: a panicking detector withholds the field instead of
	// leaking the raw value.
	defer func() {
		if r := recover(); r != nil {
			out = withheld
			hit = true
		}
	}()
	for _, d := range detectors {
		if !d.pattern.MatchString(s) {
			continue
		}
		masked := d.pattern.ReplaceAllStringFunc(s, func(match string) string {
			return maskMatch(d.name, match, level)
		})
		return masked, true
	}
	return s, false
}

func maskMatch(kind, match string, level Sensitivity) string {
	if level == Strict {
		return strings.Repeat("*", 5)
	}
	switch kind {
	case "email":
		// alice@example.com -> ***@***.com
		return "***@***" + lastN(match, 4)
	case "ssn":
		return "***-**-" + lastDigits(match, 4)
	case "credit_card":
		return "**** **** **** " + lastDigits(match, 4)
	default: // phone
		return "***-***-" + lastDigits(match, 4)
	}
}

func lastN(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

func lastDigits(s string, n int) string {
	digits := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] >= '0' && s[i] <= '9' {
			digits = append(digits, s[i])
		}
	}
	if len(digits) <= n {
		return string(digits)
	}
	return string(digits[len(digits)-n:])
}

// ParseSensitivity maps a config string onto a Sensitivity.
func ParseSensitivity(raw string) (Sensitivity, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", string(Standard):
		return Standard, nil
	case string(Strict):
		return Strict, nil
	default:
		return Standard, fmt.Errorf("unknown sensitivity %q", raw)
	}
}
