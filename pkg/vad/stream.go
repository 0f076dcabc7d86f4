package vad

import (
	"context"
	"time"

	"github.com/harunnryd/duplex/pkg/frames"
)

type EventKind int

const (
	SpeechStart EventKind = iota + 1
	SpeechEnd
)

func (k EventKind) String() string {
	switch k {
	case SpeechStart:
		return "speech_start"
	case SpeechEnd:
		return "speech_end"
	default:
		return "unknown"
	}
}

// Event is a speech boundary. For SpeechEnd, At is the end of the last
// speech frame and SilenceDuration is the silence already observed when the
// event was raised.
type Event struct {
	Kind            EventKind
	Participant     string
	At              time.Time
	Probability     float64
	SpeechDuration  time.Duration
	SilenceDuration time.Duration
}

type StreamConfig struct {
	ActivationThreshold float64
	MinSpeech           time.Duration
	MinSilence          time.Duration
	QueueSize           int
}

func (c StreamConfig) withDefaults() StreamConfig {
	if c.ActivationThreshold <= 0 {
		c.ActivationThreshold = 0.5
	}
	if c.MinSpeech <= 0 {
		c.MinSpeech = 60 * time.Millisecond
	}
	if c.MinSilence <= 0 {
		c.MinSilence = 200 * time.Millisecond
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	return c
}

// Stream turns one participant's frames into speech boundary events using
// the shared detector.
type Stream struct {
	det    *Detector
	cfg    StreamConfig
	events chan Event

	speaking   bool
	speechRun  time.Duration
	silenceRun time.Duration
	speechFrom time.Time
	lastSpeech time.Time
	lastProb   float64
}

func NewStream(det *Detector, cfg StreamConfig) *Stream {
	cfg = cfg.withDefaults()
	return &Stream{det: det, cfg: cfg, events: make(chan Event, cfg.QueueSize)}
}

func (s *Stream) Events() <-chan Event { return s.events }

// Run consumes and releases frames until in closes or ctx ends. It holds
// one model instance for its whole run. The events channel is closed on
// return.
func (s *Stream) Run(ctx context.Context, in <-chan frames.AudioFrame) error {
	defer close(s.events)
	lease, err := s.det.Acquire(ctx)
	if err != nil {
		return err
	}
	defer lease.Release()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case f, ok := <-in:
			if !ok {
				return nil
			}
			prob, err := lease.Infer(f.RawPayload(), f.Rate())
			ev, emit := s.observe(f, prob)
			frames.ReleaseAudioFrame(f)
			if err != nil {
				return err
			}
			if !emit {
				continue
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case s.events <- ev:
			}
		}
	}
}

func (s *Stream) observe(f frames.AudioFrame, prob float64) (Event, bool) {
	d := f.Duration()
	if prob >= s.cfg.ActivationThreshold {
		if s.speechRun == 0 {
			s.speechFrom = f.At()
		}
		s.speechRun += d
		s.silenceRun = 0
		s.lastSpeech = f.At().Add(d)
		s.lastProb = prob
		if !s.speaking && s.speechRun >= s.cfg.MinSpeech {
			s.speaking = true
			return Event{
				Kind:           SpeechStart,
				Participant:    f.Participant(),
				At:             s.speechFrom,
				Probability:    prob,
				SpeechDuration: s.speechRun,
			}, true
		}
		return Event{}, false
	}
	s.silenceRun += d
	if !s.speaking {
		s.speechRun = 0
		return Event{}, false
	}
	if s.silenceRun < s.cfg.MinSilence {
		return Event{}, false
	}
	s.speaking = false
	ev := Event{
		Kind:            SpeechEnd,
		Participant:     f.Participant(),
		At:              s.lastSpeech,
		Probability:     s.lastProb,
		SpeechDuration:  s.speechRun,
		SilenceDuration: s.silenceRun,
	}
	s.speechRun = 0
	return ev, true
}
