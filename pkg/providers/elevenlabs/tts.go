package elevenlabs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/harunnryd/duplex/pkg/adapters/tts"
	"github.com/harunnryd/duplex/pkg/errorsx"
	"github.com/harunnryd/duplex/pkg/logging"
	"github.com/harunnryd/duplex/pkg/resilience"
)

const defaultBaseURL = "wss://api.elevenlabs.io"

type Config struct {
	APIKey  string
	VoiceID string
	ModelID string
	// OutputFormat must be a pcm_<rate> format; the sample rate is derived
	// from it.
	OutputFormat string
	BaseURL      string
	Stability    float64
	Similarity   float64
	Logger       *slog.Logger
}

// ElevenLabsTTS streams one websocket per synthesized segment through the
// stream-input endpoint.
type ElevenLabsTTS struct {
	cfg    Config
	rate   int
	dialer websocket.Dialer
	logger *slog.Logger
}

func New(cfg Config) (*ElevenLabsTTS, error) {
	if cfg.APIKey == "" || cfg.VoiceID == "" {
		return nil, errors.New("missing elevenlabs config")
	}
	if cfg.OutputFormat == "" {
		cfg.OutputFormat = "pcm_16000"
	}
	rate, err := pcmRate(cfg.OutputFormat)
	if err != nil {
		return nil, err
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Stability == 0 {
		cfg.Stability = 0.5
	}
	if cfg.Similarity == 0 {
		cfg.Similarity = 0.8
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &ElevenLabsTTS{
		cfg:    cfg,
		rate:   rate,
		dialer: websocket.Dialer{Proxy: http.ProxyFromEnvironment},
		logger: logging.NewComponentLogger(cfg.Logger, "elevenlabs_tts"),
	}, nil
}

func pcmRate(format string) (int, error) {
	rest, ok := strings.CutPrefix(format, "pcm_")
	if !ok {
		return 0, fmt.Errorf("elevenlabs: unsupported output format %q", format)
	}
	rate, err := strconv.Atoi(rest)
	if err != nil || rate <= 0 {
		return 0, fmt.Errorf("elevenlabs: invalid output format %q", format)
	}
	return rate, nil
}

func (s *ElevenLabsTTS) Name() string    { return "elevenlabs_tts" }
func (s *ElevenLabsTTS) SampleRate() int { return s.rate }

func (s *ElevenLabsTTS) buildURL() string {
	q := url.Values{}
	if s.cfg.ModelID != "" {
		q.Set("model_id", s.cfg.ModelID)
	}
	q.Set("output_format", s.cfg.OutputFormat)
	q.Set("optimize_streaming_latency", "4")
	return strings.TrimRight(s.cfg.BaseURL, "/") + "/v1/text-to-speech/" + url.PathEscape(s.cfg.VoiceID) + "/stream-input?" + q.Encode()
}

func (s *ElevenLabsTTS) Synthesize(ctx context.Context, text string) (<-chan tts.Audio, error) {
	conn, resp, err := s.dialer.DialContext(ctx, s.buildURL(), http.Header{"xi-api-key": []string{s.cfg.APIKey}})
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusTooManyRequests {
			return nil, errorsx.Wrap(resilience.RateLimitFromResponse("elevenlabs", resp, ""), errorsx.ReasonTTSRateLimit)
		}
		return nil, errorsx.Wrap(fmt.Errorf("elevenlabs dial: %w", err), errorsx.ReasonTTSConnect)
	}
	messages := []map[string]any{
		{
			"text": " ",
			"voice_settings": map[string]any{
				"stability":        s.cfg.Stability,
				"similarity_boost": s.cfg.Similarity,
			},
		},
		{"text": strings.TrimSpace(text) + " ", "try_trigger_generation": true},
		{"text": ""},
	}
	for _, m := range messages {
		if err := conn.WriteJSON(m); err != nil {
			_ = conn.Close()
			return nil, errorsx.Wrap(fmt.Errorf("elevenlabs send: %w", err), errorsx.ReasonTTSSend)
		}
	}

	out := make(chan tts.Audio, 16)
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	go func() {
		defer close(out)
		defer stop()
		defer conn.Close()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				if ctx.Err() == nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
					s.deliver(ctx, out, tts.Audio{Err: errorsx.Wrap(fmt.Errorf("elevenlabs read: %w", err), errorsx.ReasonTTSRetry)})
				}
				return
			}
			pcm, final, err := decodeMessage(data)
			if err != nil {
				s.logger.Debug("elevenlabs_message_skipped", "error", err)
				continue
			}
			if len(pcm) > 0 && !s.deliver(ctx, out, tts.Audio{Data: pcm}) {
				return
			}
			if final {
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
		}
	}()
	return out, nil
}

func (s *ElevenLabsTTS) deliver(ctx context.Context, out chan<- tts.Audio, a tts.Audio) bool {
	select {
	case <-ctx.Done():
		return false
	case out <- a:
		return true
	}
}

type streamMessage struct {
	Audio   *string `json:"audio"`
	IsFinal *bool   `json:"isFinal"`
	Error   string  `json:"error"`
	Message string  `json:"message"`
}

// decodeMessage returns the PCM carried by one server message and whether
// it ends the stream.
func decodeMessage(data []byte) ([]byte, bool, error) {
	var msg streamMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, false, err
	}
	if msg.Error != "" {
		return nil, false, fmt.Errorf("%s: %s", msg.Error, msg.Message)
	}
	final := msg.IsFinal != nil && *msg.IsFinal
	if msg.Audio == nil || *msg.Audio == "" {
		return nil, final, nil
	}
	raw, err := base64.StdEncoding.DecodeString(*msg.Audio)
	if err != nil {
		return nil, final, fmt.Errorf("decode audio: %w", err)
	}
	return raw, final, nil
}

var _ tts.Synthesizer = (*ElevenLabsTTS)(nil)
