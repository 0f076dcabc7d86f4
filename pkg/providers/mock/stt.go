package mock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/harunnryd/duplex/pkg/adapters/stt"
	"github.com/harunnryd/duplex/pkg/frames"
)

type STTConfig struct {
	Participant string
	// Transcript, when set, is emitted as a final once AfterFrames frames
	// have been received.
	Transcript        string
	InterimTranscript string
	EmitInterim       bool
	AfterFrames       int
}

// STT is a scriptable transcriber. Tests push events with Push; demos use
// the configured transcript.
type STT struct {
	cfg     STTConfig
	out     chan stt.Event
	mu      sync.Mutex
	started bool
	closed  bool
	frames  int
	emitted bool
}

func NewSTT(cfg STTConfig) *STT {
	if cfg.AfterFrames <= 0 {
		cfg.AfterFrames = 10
	}
	return &STT{cfg: cfg, out: make(chan stt.Event, 64)}
}

func (s *STT) Name() string { return "mock_stt" }

func (s *STT) Start(ctx context.Context) error {
	s.mu.Lock()
	s.started = true
	s.mu.Unlock()
	go func() {
		<-ctx.Done()
		_ = s.Close()
	}()
	return nil
}

func (s *STT) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.out)
	}
	s.started = false
	return nil
}

func (s *STT) SendAudio(frame frames.AudioFrame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer frames.ReleaseAudioFrame(frame)
	if !s.started {
		return errors.New("not started")
	}
	s.frames++
	if s.cfg.Transcript == "" || s.emitted || s.frames < s.cfg.AfterFrames {
		return nil
	}
	s.emitted = true
	if s.cfg.EmitInterim {
		interim := s.cfg.InterimTranscript
		if interim == "" {
			interim = s.cfg.Transcript
		}
		s.pushLocked(stt.Event{Kind: stt.EventTranscript, Transcript: s.transcript(interim, false)})
	}
	s.pushLocked(stt.Event{Kind: stt.EventTranscript, Transcript: s.transcript(s.cfg.Transcript, true)})
	return nil
}

// Push delivers ev to Results. It is dropped after Close.
func (s *STT) Push(ev stt.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pushLocked(ev)
}

// Final pushes a final transcript.
func (s *STT) Final(text string) {
	s.Push(stt.Event{Kind: stt.EventTranscript, Transcript: s.transcript(text, true)})
}

// Partial pushes an interim transcript.
func (s *STT) Partial(text string) {
	s.Push(stt.Event{Kind: stt.EventTranscript, Transcript: s.transcript(text, false)})
}

func (s *STT) Frames() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames
}

func (s *STT) Results() <-chan stt.Event { return s.out }

func (s *STT) transcript(text string, final bool) frames.TranscriptEvent {
	return frames.TranscriptEvent{Text: text, IsFinal: final, Participant: s.cfg.Participant, Confidence: 1, At: time.Now()}
}

func (s *STT) pushLocked(ev stt.Event) {
	if s.closed {
		return
	}
	select {
	case s.out <- ev:
	default:
	}
}

var _ stt.Transcriber = (*STT)(nil)
