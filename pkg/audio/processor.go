package audio

import (
	"math"
	"strings"

	"github.com/harunnryd/duplex/pkg/frames"
)

// Classification is the audio policy class of a participant.
type Classification int

const (
	ClassUnknown Classification = iota
	ClassStandard
	ClassTelephony
)

func (c Classification) String() string {
	switch c {
	case ClassStandard:
		return "standard"
	case ClassTelephony:
		return "telephony"
	default:
		return "unknown"
	}
}

// Processor transforms inbound audio for one participant. Instances keep
// filter state and must not be shared between participants.
type Processor interface {
	Name() string
	Process(frame frames.AudioFrame) frames.AudioFrame
}

var processorTable = map[Classification]func() Processor{
	ClassUnknown:   func() Processor { return NewGeneralProcessor() },
	ClassStandard:  func() Processor { return NewGeneralProcessor() },
	ClassTelephony: func() Processor { return NewTelephonyProcessor() },
}

// Classify maps a participant onto an audio class. Participants that carry
// SIP attributes are telephony even when their kind was not reported.
func Classify(p frames.Participant) Classification {
	switch p.Kind {
	case frames.KindTelephony:
		return ClassTelephony
	case frames.KindStandard, frames.KindAgent:
		return ClassStandard
	}
	for k := range p.Attributes {
		if strings.HasPrefix(strings.ToLower(k), "sip.") {
			return ClassTelephony
		}
	}
	return ClassUnknown
}

// SelectProcessor never fails: any class missing from the table gets the
// general processor.
func SelectProcessor(p frames.Participant) Processor {
	if build, ok := processorTable[Classify(p)]; ok {
		return build()
	}
	return NewGeneralProcessor()
}

// GateProcessor is a one-pole high-pass filter followed by an RMS noise
// gate. Frames under the gate threshold are attenuated, not dropped.
type GateProcessor struct {
	name      string
	threshold float64
	floor     float64
	cutoffHz  float64

	prevIn  float64
	prevOut float64
}

func NewGeneralProcessor() *GateProcessor {
	return &GateProcessor{name: "general", threshold: 0.004, floor: 0.25, cutoffHz: 40}
}

// NewTelephonyProcessor is tuned for narrowband, lossy links: a higher
// cutoff removes line hum and the gate is stricter.
func NewTelephonyProcessor() *GateProcessor {
	return &GateProcessor{name: "telephony", threshold: 0.01, floor: 0.1, cutoffHz: 200}
}

func (p *GateProcessor) Name() string { return p.name }

func (p *GateProcessor) Process(frame frames.AudioFrame) frames.AudioFrame {
	pcm := frame.RawPayload()
	if len(pcm) < 2 {
		return frame
	}
	rate := frame.Rate()
	if rate <= 0 {
		rate = 16000
	}
	rc := 1 / (2 * math.Pi * p.cutoffHz)
	dt := 1 / float64(rate)
	alpha := rc / (rc + dt)
	for i := 0; i+1 < len(pcm); i += 2 {
		x := sampleAt(pcm, i)
		y := alpha * (p.prevOut + x - p.prevIn)
		p.prevIn = x
		p.prevOut = y
		putSample(pcm, i, y)
	}
	if RMS(pcm) < p.threshold {
		for i := 0; i+1 < len(pcm); i += 2 {
			putSample(pcm, i, sampleAt(pcm, i)*p.floor)
		}
	}
	return frame
}
