package tts

import "context"

// Audio is one synthesized PCM16 chunk. A value with Err set ends the stream.
type Audio struct {
	Data []byte
	Err  error
}

// Synthesizer defines the contract for any TTS vendor implementation.
type Synthesizer interface {
	// Name returns adapter name for logging/metrics.
	Name() string
	// SampleRate of the PCM16 mono audio produced.
	SampleRate() int
	// Synthesize streams audio for text. The returned channel is closed
	// when synthesis ends or ctx is canceled.
	Synthesize(ctx context.Context, text string) (<-chan Audio, error)
}
