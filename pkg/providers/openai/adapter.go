package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/harunnryd/duplex/pkg/errorsx"
	"github.com/harunnryd/duplex/pkg/llm"
	"github.com/harunnryd/duplex/pkg/resilience"
)

const defaultBaseURL = "https://api.openai.com/v1"

type Adapter struct {
	APIKey      string
	Model       string
	BaseURL     string
	Temperature float64
	MaxTokens   int
	Client      *http.Client
}

func NewAdapter(apiKey, model string) *Adapter {
	return &Adapter{
		APIKey:  apiKey,
		Model:   model,
		BaseURL: defaultBaseURL,
		Client:  &http.Client{Timeout: 60 * time.Second},
	}
}

func (a *Adapter) Name() string { return "openai" }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model         string         `json:"model"`
	Messages      []chatMessage  `json:"messages"`
	Stream        bool           `json:"stream"`
	Temperature   *float64       `json:"temperature,omitempty"`
	MaxTokens     int            `json:"max_tokens,omitempty"`
	StreamOptions map[string]any `json:"stream_options,omitempty"`
}

type chatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type chatResponse struct {
	Choices []struct {
		Message      chatMessage `json:"message"`
		Delta        chatMessage `json:"delta"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage *chatUsage `json:"usage"`
}

func (a *Adapter) Generate(ctx context.Context, input llm.Context) (llm.Response, error) {
	resp, err := a.do(ctx, input, false)
	if err != nil {
		return llm.Response{}, err
	}
	defer resp.Body.Close()
	var payload chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return llm.Response{}, fmt.Errorf("openai decode: %w", err)
	}
	if len(payload.Choices) == 0 {
		return llm.Response{}, errors.New("openai: no choices")
	}
	out := llm.Response{
		Text:         strings.TrimSpace(payload.Choices[0].Message.Content),
		FinishReason: payload.Choices[0].FinishReason,
	}
	if payload.Usage != nil {
		out.Usage = llm.Usage(*payload.Usage)
	}
	return out, nil
}

// Stream reads server-sent chat completion deltas.
func (a *Adapter) Stream(ctx context.Context, input llm.Context) (<-chan llm.Chunk, error) {
	resp, err := a.do(ctx, input, true)
	if err != nil {
		return nil, err
	}
	out := make(chan llm.Chunk, 128)
	go func() {
		defer resp.Body.Close()
		defer close(out)
		send := func(c llm.Chunk) bool {
			select {
			case <-ctx.Done():
				return false
			case out <- c:
				return true
			}
		}
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "[DONE]" {
				return
			}
			var chunk chatResponse
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				continue
			}
			if len(chunk.Choices) == 0 {
				continue
			}
			if text := chunk.Choices[0].Delta.Content; text != "" && !send(llm.Chunk{Text: text}) {
				return
			}
		}
		if err := scanner.Err(); err != nil && ctx.Err() == nil {
			send(llm.Chunk{Err: errorsx.Wrap(fmt.Errorf("openai stream: %w", err), errorsx.ReasonLLMStream)})
		}
	}()
	return out, nil
}

func (a *Adapter) do(ctx context.Context, input llm.Context, stream bool) (*http.Response, error) {
	body, err := a.buildRequest(input, stream)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL()+"/chat/completions", body)
	if err != nil {
		return nil, err
	}
	a.applyHeaders(req)
	resp, err := a.client().Do(req)
	if err != nil {
		return nil, errorsx.Wrap(err, errorsx.ReasonLLMGenerate)
	}
	if err := checkStatus(resp); err != nil {
		resp.Body.Close()
		return nil, err
	}
	return resp, nil
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode == http.StatusTooManyRequests {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return errorsx.Wrap(resilience.RateLimitFromResponse("openai", resp, string(body)), errorsx.ReasonLLMRateLimit)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		err := fmt.Errorf("openai: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
		if resp.StatusCode >= 500 {
			return errorsx.WithKind(err, errorsx.KindTransient)
		}
		return err
	}
	return nil
}

func (a *Adapter) buildRequest(input llm.Context, stream bool) (*bytes.Buffer, error) {
	req := chatRequest{
		Model:     a.Model,
		Messages:  make([]chatMessage, 0, len(input.Messages)),
		Stream:    stream,
		MaxTokens: a.MaxTokens,
	}
	for _, m := range input.Messages {
		req.Messages = append(req.Messages, chatMessage{Role: string(m.Role), Content: m.Content})
	}
	if a.Temperature > 0 {
		t := a.Temperature
		req.Temperature = &t
	}
	if stream {
		req.StreamOptions = map[string]any{"include_usage": true}
	}
	b, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	return bytes.NewBuffer(b), nil
}

func (a *Adapter) applyHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+a.APIKey)
}

func (a *Adapter) baseURL() string {
	if a.BaseURL == "" {
		return defaultBaseURL
	}
	return strings.TrimRight(a.BaseURL, "/")
}

func (a *Adapter) client() *http.Client {
	if a.Client != nil {
		return a.Client
	}
	return http.DefaultClient
}

var _ llm.LLMAdapter = (*Adapter)(nil)
