package llm

import "context"

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Message struct {
	Role    Role
	Content string
}

// Context is the full prompt for one call. Adapters must not retain or
// mutate it.
type Context struct {
	Messages []Message
}

// System returns the concatenated system messages.
func (c Context) System() string {
	var out string
	for _, m := range c.Messages {
		if m.Role != RoleSystem {
			continue
		}
		if out != "" {
			out += "\n"
		}
		out += m.Content
	}
	return out
}

type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

type Response struct {
	Text         string
	Usage        Usage
	FinishReason string
}

// Chunk is one streamed delta. A chunk with Err set is the last value on
// the channel.
type Chunk struct {
	Text string
	Err  error
}

type LLMAdapter interface {
	Generate(ctx context.Context, input Context) (Response, error)
	// Stream returns deltas until the reply ends, the provider fails, or
	// ctx is canceled. The channel is always closed.
	Stream(ctx context.Context, input Context) (<-chan Chunk, error)
	Name() string
}
