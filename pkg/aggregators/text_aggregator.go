package aggregators

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// TextAggregator groups streamed LLM deltas into speakable sentences. It is
// owned by a single goroutine.
type TextAggregator struct {
	cfg AggregatorConfig
	sb  strings.Builder
}

func NewTextAggregator(cfg AggregatorConfig) *TextAggregator {
	if cfg.MinLen <= 0 {
		cfg.MinLen = 8
	}
	if cfg.MaxLen <= 0 {
		cfg.MaxLen = 240
	}
	return &TextAggregator{cfg: cfg}
}

// Add appends a delta and returns the sentences it completed, in order.
func (a *TextAggregator) Add(token string) []string {
	a.sb.WriteString(token)
	var out []string
	for {
		text := a.sb.String()
		cut := sentenceEnd(text, a.cfg.MinLen)
		if cut < 0 && len(text) > a.cfg.MaxLen {
			cut = strings.LastIndexFunc(text[:a.cfg.MaxLen], unicode.IsSpace)
			if cut <= 0 {
				cut = a.cfg.MaxLen
			}
		}
		if cut < 0 {
			return out
		}
		if s := strings.TrimSpace(text[:cut]); s != "" {
			out = append(out, s)
		}
		rest := text[cut:]
		a.sb.Reset()
		a.sb.WriteString(strings.TrimLeftFunc(rest, unicode.IsSpace))
	}
}

// Flush returns whatever is buffered.
func (a *TextAggregator) Flush() string {
	out := strings.TrimSpace(a.sb.String())
	a.sb.Reset()
	return out
}

// sentenceEnd returns the byte offset just past the first sentence
// terminator that closes at least minLen bytes of text, or -1. ASCII
// terminators only count when followed by whitespace.
func sentenceEnd(s string, minLen int) int {
	for i, r := range s {
		if !isTerminal(r) {
			continue
		}
		end := i + utf8.RuneLen(r)
		for end < len(s) {
			next, n := utf8.DecodeRuneInString(s[end:])
			if !isTerminal(next) {
				break
			}
			end += n
		}
		if r == '.' || r == '!' || r == '?' {
			if end >= len(s) {
				return -1
			}
			next, _ := utf8.DecodeRuneInString(s[end:])
			if !unicode.IsSpace(next) {
				continue
			}
		}
		if len(strings.TrimSpace(s[:end])) < minLen {
			continue
		}
		return end
	}
	return -1
}

func isTerminal(r rune) bool {
	switch r {
	case '.', '!', '?', '\n', '。', '！', '？':
		return true
	}
	return false
}

var _ Aggregator = (*TextAggregator)(nil)
