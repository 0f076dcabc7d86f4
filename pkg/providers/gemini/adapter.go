package gemini

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"github.com/harunnryd/duplex/pkg/errorsx"
	"github.com/harunnryd/duplex/pkg/llm"
	"github.com/harunnryd/duplex/pkg/resilience"
)

type Config struct {
	APIKey      string
	Model       string
	Temperature float32
	MaxTokens   int32
	// BaseURL overrides the API endpoint.
	BaseURL string
}

// Adapter streams replies from the Gemini API.
type Adapter struct {
	cfg    Config
	client *genai.Client
}

func New(ctx context.Context, cfg Config) (*Adapter, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("missing gemini api key")
	}
	if cfg.Model == "" {
		cfg.Model = "gemini-2.0-flash"
	}
	cc := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.BaseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("gemini client: %w", err)
	}
	return &Adapter{cfg: cfg, client: client}, nil
}

func (a *Adapter) Name() string { return "gemini" }

func (a *Adapter) Generate(ctx context.Context, input llm.Context) (llm.Response, error) {
	contents, config := a.request(input)
	resp, err := a.client.Models.GenerateContent(ctx, a.cfg.Model, contents, config)
	if err != nil {
		return llm.Response{}, classify(err, errorsx.ReasonLLMGenerate)
	}
	out := llm.Response{Text: strings.TrimSpace(resp.Text())}
	if len(resp.Candidates) > 0 {
		out.FinishReason = strings.ToLower(string(resp.Candidates[0].FinishReason))
	}
	if u := resp.UsageMetadata; u != nil {
		out.Usage = llm.Usage{
			PromptTokens:     int(u.PromptTokenCount),
			CompletionTokens: int(u.CandidatesTokenCount),
			TotalTokens:      int(u.TotalTokenCount),
		}
	}
	return out, nil
}

func (a *Adapter) Stream(ctx context.Context, input llm.Context) (<-chan llm.Chunk, error) {
	contents, config := a.request(input)
	out := make(chan llm.Chunk, 64)
	go func() {
		defer close(out)
		for resp, err := range a.client.Models.GenerateContentStream(ctx, a.cfg.Model, contents, config) {
			if err != nil {
				if ctx.Err() == nil {
					select {
					case out <- llm.Chunk{Err: classify(err, errorsx.ReasonLLMStream)}:
					case <-ctx.Done():
					}
				}
				return
			}
			text := resp.Text()
			if text == "" {
				continue
			}
			select {
			case <-ctx.Done():
				return
			case out <- llm.Chunk{Text: text}:
			}
		}
	}()
	return out, nil
}

func (a *Adapter) request(input llm.Context) ([]*genai.Content, *genai.GenerateContentConfig) {
	config := &genai.GenerateContentConfig{}
	if sys := input.System(); sys != "" {
		config.SystemInstruction = genai.NewContentFromText(sys, genai.RoleUser)
	}
	if a.cfg.Temperature > 0 {
		config.Temperature = genai.Ptr(a.cfg.Temperature)
	}
	if a.cfg.MaxTokens > 0 {
		config.MaxOutputTokens = a.cfg.MaxTokens
	}
	return toContents(input), config
}

// toContents maps the conversation onto Gemini turns. System messages travel
// as the system instruction and adjacent messages of one role are merged.
func toContents(input llm.Context) []*genai.Content {
	var out []*genai.Content
	for _, m := range input.Messages {
		var role genai.Role
		switch m.Role {
		case llm.RoleUser:
			role = genai.RoleUser
		case llm.RoleAssistant:
			role = genai.RoleModel
		default:
			continue
		}
		if n := len(out); n > 0 && out[n-1].Role == string(role) {
			out[n-1].Parts = append(out[n-1].Parts, genai.NewPartFromText(m.Content))
			continue
		}
		out = append(out, genai.NewContentFromText(m.Content, role))
	}
	return out
}

func classify(err error, reason errorsx.ReasonCode) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == 429:
			return errorsx.Wrap(resilience.RateLimitError{Provider: "gemini", Message: apiErr.Message}, errorsx.ReasonLLMRateLimit)
		case apiErr.Code >= 500:
			return errorsx.WithKind(errorsx.Wrap(err, reason), errorsx.KindTransient)
		}
	}
	return errorsx.Wrap(err, reason)
}

var _ llm.LLMAdapter = (*Adapter)(nil)
