package redact

import (
	"strings"
	"testing"
)

func TestRedactDisabled(t *testing.T) {
	SetEnabled(false)
	in := "email a@b.com and phone +62 812 3456 7890"
	if got := Text(in); got != in {
		t.Fatalf("expected no redaction, got %q", got)
	}
}

func TestRedactTranscript(t *testing.T) {
	SetEnabled(true)
	defer SetEnabled(false)
	cases := []struct {
		name, in, want string
	}{
		{"email", "write to a@b.com please", "write to [REDACTED_EMAIL] please"},
		{"phone", "call me at +62 812 3456 7890", "call me at [REDACTED_PHONE]"},
		{"card", "my card is 4111 1111 1111 1111 thanks", "my card is [REDACTED_CARD] thanks"},
		{"short number", "table for 4 at 7", "table for 4 at 7"},
	}
	for _, tc := range cases {
		if got := Text(tc.in); got != tc.want {
			t.Fatalf("%s: got %q, want %q", tc.name, got, tc.want)
		}
	}
}

func TestRedactNonLuhnDigitsFallBackToPhone(t *testing.T) {
	SetEnabled(true)
	defer SetEnabled(false)
	got := Text("order 4111 1111 1111 1112")
	if strings.Contains(got, "CARD") || !strings.Contains(got, "[REDACTED_PHONE]") {
		t.Fatalf("unexpected redaction %q", got)
	}
}

func TestRedactFields(t *testing.T) {
	SetEnabled(true)
	defer SetEnabled(false)
	out := Fields(map[string]any{"transcript": "mail a@b.com", "turn_id": 3})
	if out["transcript"] != "mail [REDACTED_EMAIL]" || out["turn_id"] != 3 {
		t.Fatalf("unexpected fields %v", out)
	}
	if Fields(nil) != nil {
		t.Fatalf("nil in, nil out")
	}
}
