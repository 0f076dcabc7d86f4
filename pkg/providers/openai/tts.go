package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/harunnryd/duplex/pkg/adapters/tts"
	"github.com/harunnryd/duplex/pkg/errorsx"
	"github.com/harunnryd/duplex/pkg/resilience"
)

// speechSampleRate is the rate of the raw pcm format of /audio/speech.
const speechSampleRate = 24000

type SpeechConfig struct {
	APIKey  string
	Model   string
	Voice   string
	BaseURL string
	// ChunkBytes is the size of the PCM chunks read from the response.
	ChunkBytes int
	Client     *http.Client
}

// Speech synthesizes PCM16 audio with the /audio/speech endpoint.
type Speech struct {
	cfg SpeechConfig
}

func NewSpeech(cfg SpeechConfig) *Speech {
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini-tts"
	}
	if cfg.Voice == "" {
		cfg.Voice = "alloy"
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.ChunkBytes <= 0 {
		// 40ms at 24kHz
		cfg.ChunkBytes = 1920
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: 60 * time.Second}
	}
	return &Speech{cfg: cfg}
}

func (s *Speech) Name() string    { return "openai_tts" }
func (s *Speech) SampleRate() int { return speechSampleRate }

func (s *Speech) Synthesize(ctx context.Context, text string) (<-chan tts.Audio, error) {
	body, err := json.Marshal(map[string]any{
		"model":           s.cfg.Model,
		"voice":           s.cfg.Voice,
		"input":           text,
		"response_format": "pcm",
	})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(s.cfg.BaseURL, "/")+"/audio/speech", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.cfg.APIKey)
	resp, err := s.cfg.Client.Do(req)
	if err != nil {
		return nil, errorsx.Wrap(err, errorsx.ReasonTTSConnect)
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, errorsx.Wrap(resilience.RateLimitFromResponse("openai_tts", resp, string(msg)), errorsx.ReasonTTSRateLimit)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		err := fmt.Errorf("openai_tts: status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
		if resp.StatusCode >= 500 {
			return nil, errorsx.WithKind(err, errorsx.KindTransient)
		}
		return nil, err
	}

	out := make(chan tts.Audio, 8)
	go func() {
		defer close(out)
		defer resp.Body.Close()
		for {
			buf := make([]byte, s.cfg.ChunkBytes)
			n, err := io.ReadFull(resp.Body, buf)
			// keep chunks sample aligned
			n -= n % 2
			if n > 0 {
				select {
				case <-ctx.Done():
					return
				case out <- tts.Audio{Data: buf[:n]}:
				}
			}
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return
			}
			if err != nil {
				if ctx.Err() == nil {
					select {
					case out <- tts.Audio{Err: errorsx.Wrap(err, errorsx.ReasonTTSRetry)}:
					case <-ctx.Done():
					}
				}
				return
			}
		}
	}()
	return out, nil
}

var _ tts.Synthesizer = (*Speech)(nil)
