// Package redact masks personal data in transcripts and replies before
// they reach logs, timelines or the archive.
package redact

import (
	"regexp"
	"strings"
	"sync/atomic"
)

var enabled atomic.Bool

var (
	emailRe = regexp.MustCompile(`(?i)[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}`)
	phoneRe = regexp.MustCompile(`\+?\d[\d\s\-]{7,}\d`)
	cardRe  = regexp.MustCompile(`\b(?:\d[ \-]?){12,18}\d\b`)
)

func SetEnabled(v bool) {
	enabled.Store(v)
}

func Enabled() bool {
	return enabled.Load()
}

// Text masks card numbers, emails and phone numbers when enabled. Digit
// runs that fail the Luhn check are left to the phone rule.
func Text(in string) string {
	if !enabled.Load() || strings.TrimSpace(in) == "" {
		return in
	}
	out := cardRe.ReplaceAllStringFunc(in, func(m string) string {
		if luhn(m) {
			return "[REDACTED_CARD]"
		}
		return m
	})
	out = emailRe.ReplaceAllString(out, "[REDACTED_EMAIL]")
	return phoneRe.ReplaceAllString(out, "[REDACTED_PHONE]")
}

// Fields returns a copy of in with every string value passed through Text.
func Fields(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		if s, ok := v.(string); ok {
			v = Text(s)
		}
		out[k] = v
	}
	return out
}

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
