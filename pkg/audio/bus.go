package audio

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	"github.com/harunnryd/duplex/pkg/frames"
	"github.com/harunnryd/duplex/pkg/metrics"
)

type BackpressureMode int

const (
	BackpressureDrop BackpressureMode = iota
	BackpressureWait
)

func ParseBackpressure(v string) BackpressureMode {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "drop":
		return BackpressureDrop
	default:
		return BackpressureWait
	}
}

type BusOptions struct {
	QueueSize    int
	Backpressure BackpressureMode
	Observer     metrics.Observer
	SessionID    string
}

// Bus applies a participant's processor to inbound frames and fans them
// out to the VAD and STT consumers. The VAD receives the processed frame,
// the STT receives a pooled clone; each consumer owns what it receives.
type Bus struct {
	proc    Processor
	opts    BusOptions
	vad     chan frames.AudioFrame
	stt     chan frames.AudioFrame
	dropped atomic.Int64
}

func NewBus(proc Processor, opts BusOptions) *Bus {
	if proc == nil {
		proc = NewGeneralProcessor()
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	if opts.Observer == nil {
		opts.Observer = metrics.NoopObserver{}
	}
	return &Bus{
		proc: proc,
		opts: opts,
		vad:  make(chan frames.AudioFrame, opts.QueueSize),
		stt:  make(chan frames.AudioFrame, opts.QueueSize),
	}
}

func (b *Bus) VAD() <-chan frames.AudioFrame { return b.vad }
func (b *Bus) STT() <-chan frames.AudioFrame { return b.stt }
func (b *Bus) Dropped() int64                { return b.dropped.Load() }
func (b *Bus) Processor() Processor          { return b.proc }

// Run blocks until in is closed or ctx is done. Both output channels are
// closed on return.
func (b *Bus) Run(ctx context.Context, in <-chan frames.AudioFrame) error {
	defer close(b.vad)
	defer close(b.stt)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case f, ok := <-in:
			if !ok {
				return nil
			}
			f = b.proc.Process(f)
			b.opts.Observer.RecordEvent(metrics.MetricsEvent{
				Name:   metrics.EventAudioIn,
				Time:   time.Now(),
				Value:  float64(len(f.RawPayload())),
				Tags:   b.tags(f),
				Fields: map[string]any{"sample_rate": f.Rate()},
			})
			sttFrame := f.Clone()
			if !b.push(ctx, b.vad, f) {
				frames.ReleaseAudioFrame(sttFrame)
				return ctx.Err()
			}
			if !b.push(ctx, b.stt, sttFrame) {
				return ctx.Err()
			}
		}
	}
}

// push reports false only when ctx ended while waiting.
func (b *Bus) push(ctx context.Context, ch chan frames.AudioFrame, f frames.AudioFrame) bool {
	switch b.opts.Backpressure {
	case BackpressureWait:
		select {
		case <-ctx.Done():
			frames.ReleaseAudioFrame(f)
			return false
		case ch <- f:
			return true
		}
	default:
		select {
		case ch <- f:
		default:
			frames.ReleaseAudioFrame(f)
			b.recordDrop(f)
		}
		return true
	}
}

func (b *Bus) recordDrop(f frames.AudioFrame) {
	b.dropped.Add(1)
	b.opts.Observer.RecordEvent(metrics.MetricsEvent{
		Name:  metrics.EventFramesDrop,
		Time:  time.Now(),
		Value: 1,
		Tags:  b.tags(f),
	})
}

func (b *Bus) tags(f frames.AudioFrame) map[string]string {
	return map[string]string{
		metrics.TagSessionID:   b.opts.SessionID,
		metrics.TagParticipant: f.Participant(),
		metrics.TagComponent:   b.proc.Name(),
	}
}
