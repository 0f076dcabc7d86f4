package session

import (
	"errors"
	"log/slog"
	"time"

	avatarapi "github.com/harunnryd/duplex/pkg/adapters/avatar"
	"github.com/harunnryd/duplex/pkg/adapters/stt"
	"github.com/harunnryd/duplex/pkg/adapters/tts"
	"github.com/harunnryd/duplex/pkg/audio"
	"github.com/harunnryd/duplex/pkg/llm"
	"github.com/harunnryd/duplex/pkg/metrics"
	"github.com/harunnryd/duplex/pkg/reply"
	"github.com/harunnryd/duplex/pkg/synth"
	"github.com/harunnryd/duplex/pkg/turn"
	"github.com/harunnryd/duplex/pkg/vad"
)

type Config struct {
	SessionID  string
	TraceID    string
	SampleRate int
	QueueSize  int

	Backpressure audio.BackpressureMode
	// TurnRetries is how often a turn that failed transiently before any
	// audio was played is regenerated.
	TurnRetries int
	Strategy    turn.Strategy
	// RealtimePlayback paces playback at the audio rate so completion and
	// barge-in follow what the participant actually heard.
	RealtimePlayback bool
	EventBuffer      int

	VAD   vad.StreamConfig
	Turn  turn.Config
	Reply reply.Config
	Synth synth.Config

	AvatarAttachTimeout time.Duration
	Instructions        string
	Greeting            string
	MaxHistory          int
}

func (c Config) withDefaults() Config {
	if c.SampleRate <= 0 {
		c.SampleRate = 16000
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.TurnRetries < 0 {
		c.TurnRetries = 0
	}
	if c.Strategy == nil {
		c.Strategy = turn.AggressiveStrategy{}
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = 256
	}
	if c.VAD.QueueSize <= 0 {
		c.VAD.QueueSize = c.QueueSize
	}
	if c.Turn.QueueSize <= 0 {
		c.Turn.QueueSize = c.QueueSize
	}
	if c.Synth.QueueSize <= 0 {
		c.Synth.QueueSize = c.QueueSize
	}
	return c
}

// Deps are the pluggable stages of a session. Avatar and Predictor are
// optional.
type Deps struct {
	STT       stt.Transcriber
	LLM       llm.LLMAdapter
	TTS       tts.Synthesizer
	VAD       *vad.Detector
	Avatar    avatarapi.Renderer
	Predictor turn.Predictor
	Logger    *slog.Logger
	Observer  metrics.Observer
}

func (d Deps) validate() error {
	var errs []error
	if d.STT == nil {
		errs = append(errs, errors.New("stt is required"))
	}
	if d.LLM == nil {
		errs = append(errs, errors.New("llm is required"))
	}
	if d.TTS == nil {
		errs = append(errs, errors.New("tts is required"))
	}
	if d.VAD == nil {
		errs = append(errs, errors.New("vad is required"))
	}
	return errors.Join(errs...)
}
