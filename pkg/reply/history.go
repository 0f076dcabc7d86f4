package reply

import (
	"sync"

	"github.com/harunnryd/duplex/pkg/llm"
)

// History is the committed conversation. Generations read snapshots; only
// Commit mutates it.
type History struct {
	mu         sync.Mutex
	system     string
	maxHistory int
	msgs       []llm.Message
}

func NewHistory(system string, maxHistory int) *History {
	if maxHistory < 0 {
		maxHistory = 0
	}
	return &History{system: system, maxHistory: maxHistory}
}

// Prompt returns the context for replying to transcript without recording it.
func (h *History) Prompt(transcript string) llm.Context {
	h.mu.Lock()
	defer h.mu.Unlock()
	msgs := make([]llm.Message, 0, len(h.msgs)+2)
	if h.system != "" {
		msgs = append(msgs, llm.Message{Role: llm.RoleSystem, Content: h.system})
	}
	msgs = append(msgs, h.msgs...)
	msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: transcript})
	return llm.Context{Messages: msgs}
}

// Commit records one exchange. An empty reply records the user message only.
func (h *History) Commit(user, assistant string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if user != "" {
		h.msgs = append(h.msgs, llm.Message{Role: llm.RoleUser, Content: user})
	}
	if assistant != "" {
		h.msgs = append(h.msgs, llm.Message{Role: llm.RoleAssistant, Content: assistant})
	}
	h.pruneLocked()
}

func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.msgs)
}

func (h *History) Messages() []llm.Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]llm.Message(nil), h.msgs...)
}

func (h *History) pruneLocked() {
	if h.maxHistory <= 0 || len(h.msgs) <= h.maxHistory {
		return
	}
	drop := len(h.msgs) - h.maxHistory
	// keep the window starting on a user message
	for drop < len(h.msgs) && h.msgs[drop].Role != llm.RoleUser {
		drop++
	}
	h.msgs = append([]llm.Message(nil), h.msgs[drop:]...)
}
