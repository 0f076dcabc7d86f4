package stt

import (
	"context"

	"github.com/harunnryd/duplex/pkg/frames"
)

type EventKind int

const (
	EventTranscript EventKind = iota
	EventSpeechStarted
	EventUtteranceEnd
	EventError
)

// Event is one item on a transcriber's result stream.
type Event struct {
	Kind       EventKind
	Transcript frames.TranscriptEvent
	Err        error
}

// Transcriber defines the contract for any STT vendor implementation.
type Transcriber interface {
	// Name returns adapter name for logging/metrics.
	Name() string
	// Start opens the streaming connection. Canceling ctx stops the stream.
	Start(ctx context.Context) error
	// Close shuts down the connection and closes Results.
	Close() error
	// SendAudio forwards processed PCM16 audio.
	SendAudio(frame frames.AudioFrame) error
	// Results returns transcript and control events.
	Results() <-chan Event
}

// Config contains vendor-agnostic STT configuration.
type Config struct {
	SessionID   string
	Participant string
	TraceID     string
	SampleRate  int
	Language    string
}

// Factory builds a transcriber for one session.
type Factory func(cfg Config) Transcriber
