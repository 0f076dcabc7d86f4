package mock

import (
	"context"
	"sync"
	"time"

	"github.com/harunnryd/duplex/pkg/adapters/tts"
	"github.com/harunnryd/duplex/pkg/resilience"
)

type TTSConfig struct {
	SampleRate       int
	ChunkBytes       int
	ChunksPerSegment int
	ChunkDelay       time.Duration
	// Delays holds an extra start delay per text, for reordering tests.
	Delays map[string]time.Duration
	// FailFirst makes the first n calls fail with a rate limit error.
	FailFirst int
}

// TTS produces deterministic silent PCM for any text.
type TTS struct {
	cfg   TTSConfig
	mu    sync.Mutex
	calls int
	texts []string
}

func NewTTS(cfg TTSConfig) *TTS {
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 16000
	}
	if cfg.ChunkBytes == 0 {
		cfg.ChunkBytes = 640
	}
	if cfg.ChunksPerSegment == 0 {
		cfg.ChunksPerSegment = 2
	}
	return &TTS{cfg: cfg}
}

func (s *TTS) Name() string    { return "mock_tts" }
func (s *TTS) SampleRate() int { return s.cfg.SampleRate }

func (s *TTS) Synthesize(ctx context.Context, text string) (<-chan tts.Audio, error) {
	s.mu.Lock()
	s.calls++
	call := s.calls
	s.texts = append(s.texts, text)
	s.mu.Unlock()
	if call <= s.cfg.FailFirst {
		return nil, resilience.RateLimitError{Provider: "mock_tts", Message: "mock rate limit"}
	}
	out := make(chan tts.Audio)
	go func() {
		defer close(out)
		if !sleep(ctx, s.cfg.Delays[text]) {
			return
		}
		for i := 0; i < s.cfg.ChunksPerSegment; i++ {
			if i > 0 && !sleep(ctx, s.cfg.ChunkDelay) {
				return
			}
			select {
			case <-ctx.Done():
				return
			case out <- tts.Audio{Data: make([]byte, s.cfg.ChunkBytes)}:
			}
		}
	}()
	return out, nil
}

// Texts returns every text passed to Synthesize, in call order.
func (s *TTS) Texts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.texts...)
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

var _ tts.Synthesizer = (*TTS)(nil)
