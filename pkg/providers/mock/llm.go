package mock

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/harunnryd/duplex/pkg/llm"
)

type LLMConfig struct {
	ResponseText string
	StreamChunks []string
	// Replies maps a user message to its reply chunks.
	Replies    map[string][]string
	ChunkDelay time.Duration
	// Err fails every call once set.
	Err error
}

// LLMAdapter replays canned replies and records prompts.
type LLMAdapter struct {
	cfg     LLMConfig
	mu      sync.Mutex
	prompts []llm.Context
}

func NewLLMAdapter(cfg LLMConfig) *LLMAdapter {
	if cfg.ResponseText == "" {
		cfg.ResponseText = "mock response"
	}
	return &LLMAdapter{cfg: cfg}
}

func (a *LLMAdapter) Name() string { return "mock_llm" }

func (a *LLMAdapter) Generate(ctx context.Context, input llm.Context) (llm.Response, error) {
	a.record(input)
	if a.cfg.Err != nil {
		return llm.Response{}, a.cfg.Err
	}
	return llm.Response{Text: strings.Join(a.chunksFor(input), ""), FinishReason: "stop"}, nil
}

func (a *LLMAdapter) Stream(ctx context.Context, input llm.Context) (<-chan llm.Chunk, error) {
	a.record(input)
	if a.cfg.Err != nil {
		return nil, a.cfg.Err
	}
	chunks := a.chunksFor(input)
	out := make(chan llm.Chunk)
	go func() {
		defer close(out)
		for i, c := range chunks {
			if i > 0 && !sleep(ctx, a.cfg.ChunkDelay) {
				return
			}
			select {
			case <-ctx.Done():
				return
			case out <- llm.Chunk{Text: c}:
			}
		}
	}()
	return out, nil
}

// Prompts returns every context the adapter was called with.
func (a *LLMAdapter) Prompts() []llm.Context {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]llm.Context(nil), a.prompts...)
}

func (a *LLMAdapter) Calls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.prompts)
}

func (a *LLMAdapter) record(input llm.Context) {
	a.mu.Lock()
	a.prompts = append(a.prompts, input)
	a.mu.Unlock()
}

func (a *LLMAdapter) chunksFor(input llm.Context) []string {
	var user string
	for i := len(input.Messages) - 1; i >= 0; i-- {
		if input.Messages[i].Role == llm.RoleUser {
			user = input.Messages[i].Content
			break
		}
	}
	if r, ok := a.cfg.Replies[user]; ok {
		return r
	}
	if len(a.cfg.StreamChunks) > 0 {
		return a.cfg.StreamChunks
	}
	return []string{a.cfg.ResponseText}
}

var _ llm.LLMAdapter = (*LLMAdapter)(nil)
