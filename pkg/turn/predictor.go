package turn

import (
	"context"
	"fmt"
	"strings"

	"github.com/harunnryd/duplex/pkg/llm"
)

// Predictor estimates the probability that transcript is a complete turn.
type Predictor interface {
	PredictEndOfTurn(ctx context.Context, transcript string) (float64, error)
}

var trailingContinuations = map[string]struct{}{
	"and": {}, "but": {}, "or": {}, "so": {}, "because": {}, "um": {}, "uh": {},
	"the": {}, "a": {}, "to": {}, "with": {}, "if": {},
}

// PunctuationPredictor scores a transcript from its final character and
// trailing word.
type PunctuationPredictor struct {
	Terminal string
}

func (p PunctuationPredictor) PredictEndOfTurn(_ context.Context, transcript string) (float64, error) {
	return punctuationScore(transcript, p.Terminal), nil
}

func punctuationScore(transcript, terminal string) float64 {
	if terminal == "" {
		terminal = ".!?。！？"
	}
	text := strings.TrimSpace(transcript)
	if text == "" {
		return 0
	}
	runes := []rune(text)
	last := runes[len(runes)-1]
	if strings.ContainsRune(terminal, last) {
		return 0.9
	}
	if last == ',' || last == ';' || last == ':' || last == '-' {
		return 0.1
	}
	words := strings.Fields(strings.ToLower(text))
	if _, ok := trailingContinuations[words[len(words)-1]]; ok {
		return 0.1
	}
	return 0.4
}

const endOfTurnPrompt = `Voice transcript: "%s"

You are listening to a caller in a live voice conversation. Decide whether the caller has finished their turn and expects a reply, or paused mid-thought.

YES = the caller is done talking
NO = the caller is not done talking

Reply only: YES or NO`

// LLMPredictor asks a language model whether the transcript is complete.
// Failures fall back to the punctuation heuristic.
type LLMPredictor struct {
	adapter  llm.LLMAdapter
	fallback PunctuationPredictor
}

func NewLLMPredictor(adapter llm.LLMAdapter) *LLMPredictor {
	return &LLMPredictor{adapter: adapter}
}

func (p *LLMPredictor) PredictEndOfTurn(ctx context.Context, transcript string) (float64, error) {
	if p.adapter == nil {
		return p.fallback.PredictEndOfTurn(ctx, transcript)
	}
	resp, err := p.adapter.Generate(ctx, llm.Context{Messages: []llm.Message{
		{Role: llm.RoleUser, Content: fmt.Sprintf(endOfTurnPrompt, transcript)},
	}})
	if err != nil {
		return punctuationScore(transcript, ""), fmt.Errorf("llm end of turn: %w", err)
	}
	if strings.Contains(strings.ToUpper(resp.Text), "YES") {
		return 0.95, nil
	}
	return 0.05, nil
}

// NewPredictor builds the predictor named in configuration.
func NewPredictor(name string, adapter llm.LLMAdapter) Predictor {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "llm", "semantic":
		return NewLLMPredictor(adapter)
	default:
		return PunctuationPredictor{}
	}
}
