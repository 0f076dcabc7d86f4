// Package tavus talks to the Tavus conversational video API.
package tavus

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/harunnryd/duplex/pkg/catalog"
	"github.com/harunnryd/duplex/pkg/errorsx"
	"github.com/harunnryd/duplex/pkg/resilience"
)

const defaultBaseURL = "https://tavusapi.com"

type Client struct {
	APIKey  string
	BaseURL string
	HTTP    *http.Client
}

func NewClient(apiKey string) *Client {
	return &Client{
		APIKey:  apiKey,
		BaseURL: defaultBaseURL,
		HTTP:    &http.Client{Timeout: 15 * time.Second},
	}
}

type Conversation struct {
	ID     string `json:"conversation_id"`
	URL    string `json:"conversation_url"`
	Status string `json:"status"`
}

type listResponse[T any] struct {
	Data []T `json:"data"`
}

func (c *Client) ListPersonas(ctx context.Context) ([]catalog.Persona, error) {
	var out listResponse[catalog.Persona]
	if err := c.do(ctx, http.MethodGet, "/v2/personas", nil, &out); err != nil {
		return nil, err
	}
	return out.Data, nil
}

func (c *Client) ListReplicas(ctx context.Context) ([]catalog.Replica, error) {
	var out listResponse[catalog.Replica]
	if err := c.do(ctx, http.MethodGet, "/v2/replicas", nil, &out); err != nil {
		return nil, err
	}
	return out.Data, nil
}

func (c *Client) CreateConversation(ctx context.Context, replicaID, personaID, name string) (Conversation, error) {
	body := map[string]any{"replica_id": replicaID}
	if personaID != "" {
		body["persona_id"] = personaID
	}
	if name != "" {
		body["conversation_name"] = name
	}
	var conv Conversation
	if err := c.do(ctx, http.MethodPost, "/v2/conversations", body, &conv); err != nil {
		return Conversation{}, err
	}
	return conv, nil
}

func (c *Client) EndConversation(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/v2/conversations/"+url.PathEscape(id)+"/end", nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	base := c.BaseURL
	if base == "" {
		base = defaultBaseURL
	}
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(base, "/")+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("x-api-key", c.APIKey)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	hc := c.HTTP
	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusTooManyRequests {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return resilience.RateLimitFromResponse("tavus", resp, string(msg))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		err := fmt.Errorf("tavus %s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(msg)))
		if resp.StatusCode >= 500 {
			return errorsx.WithKind(err, errorsx.KindTransient)
		}
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("tavus decode: %w", err)
	}
	return nil
}

var _ catalog.Source = (*Client)(nil)
