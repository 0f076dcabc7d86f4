package metrics

import (
	"math"
	"sync/atomic"
)

// HighVolume are the per-frame events worth sampling.
var HighVolume = []string{EventAudioIn, EventAudioOut, EventVADSample, EventAvatarRender}

// SamplingObserver forwards one in every N events whose name is sampled
// and every other event unchanged.
type SamplingObserver struct {
	inner       Observer
	sampled     map[string]struct{}
	sampleEvery uint64
	counter     atomic.Uint64
}

// NewSamplingObserver samples the named events at rate in [0,1]. With no
// names every event is sampled.
func NewSamplingObserver(inner Observer, rate float64, names ...string) *SamplingObserver {
	rate = math.Min(math.Max(rate, 0), 1)
	var every uint64
	if rate > 0 {
		every = uint64(math.Round(1.0 / rate))
		if every == 0 {
			every = 1
		}
	}
	var sampled map[string]struct{}
	if len(names) > 0 {
		sampled = make(map[string]struct{}, len(names))
		for _, n := range names {
			sampled[n] = struct{}{}
		}
	}
	return &SamplingObserver{inner: inner, sampled: sampled, sampleEvery: every}
}

func (s *SamplingObserver) RecordEvent(ev MetricsEvent) {
	if s.sampled != nil {
		if _, ok := s.sampled[ev.Name]; !ok {
			s.inner.RecordEvent(ev)
			return
		}
	}
	switch s.sampleEvery {
	case 0:
		return
	case 1:
		s.inner.RecordEvent(ev)
		return
	}
	if s.counter.Add(1)%s.sampleEvery == 0 {
		s.inner.RecordEvent(ev)
	}
}
