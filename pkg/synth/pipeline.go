package synth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/harunnryd/duplex/pkg/adapters/tts"
	"github.com/harunnryd/duplex/pkg/errorsx"
	"github.com/harunnryd/duplex/pkg/frames"
	"github.com/harunnryd/duplex/pkg/logging"
	"github.com/harunnryd/duplex/pkg/metrics"
	"github.com/harunnryd/duplex/pkg/resilience"
)

type Config struct {
	// Lookahead is how many segments may synthesize concurrently.
	Lookahead    int
	Retries      int
	RetryBackoff time.Duration
	QueueSize    int
}

// Pipeline synthesizes reply segments concurrently and emits their audio
// strictly in segment order.
type Pipeline struct {
	tts    tts.Synthesizer
	cfg    Config
	logger *slog.Logger
	obs    metrics.Observer
}

func NewPipeline(s tts.Synthesizer, cfg Config, logger *slog.Logger, obs metrics.Observer) *Pipeline {
	if cfg.Lookahead <= 0 {
		cfg.Lookahead = 2
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 150 * time.Millisecond
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if logger == nil {
		logger = slog.Default()
	}
	if obs == nil {
		obs = metrics.NoopObserver{}
	}
	return &Pipeline{tts: s, cfg: cfg, logger: logging.NewComponentLogger(logger, "synth"), obs: obs}
}

type slot struct {
	seg    frames.ReplySegment
	chunks chan frames.AudioChunk
	mu     sync.Mutex
	err    error
}

func (s *slot) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func (s *slot) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Run consumes segments for turnID. Both returned channels are closed once
// the turn is fully emitted, fails, or ctx is canceled. At most one error
// is reported.
func (p *Pipeline) Run(ctx context.Context, turnID uint64, segments <-chan frames.ReplySegment) (<-chan frames.AudioChunk, <-chan error) {
	ctx, cancel := context.WithCancel(ctx)
	out := make(chan frames.AudioChunk, p.cfg.QueueSize)
	errc := make(chan error, 1)
	order := make(chan *slot, p.cfg.QueueSize)
	sem := make(chan struct{}, p.cfg.Lookahead)

	var once sync.Once
	fail := func(err error) {
		once.Do(func() {
			errc <- err
			cancel()
		})
	}

	go func() {
		defer close(order)
		expected := 0
		for {
			var seg frames.ReplySegment
			var ok bool
			select {
			case <-ctx.Done():
				return
			case seg, ok = <-segments:
			}
			if !ok {
				return
			}
			if seg.TurnID != turnID || seg.Index != expected {
				fail(desync(&StreamDesyncError{TurnID: turnID, GotTurnID: seg.TurnID, Expected: expected, Got: seg.Index}))
				return
			}
			expected++
			select {
			case <-ctx.Done():
				return
			case sem <- struct{}{}:
			}
			sl := &slot{seg: seg, chunks: make(chan frames.AudioChunk, p.cfg.QueueSize)}
			go func() {
				defer func() { <-sem }()
				p.synthesize(ctx, sl)
			}()
			select {
			case <-ctx.Done():
				return
			case order <- sl:
			}
			if seg.Last {
				p.rejectTrailing(ctx, turnID, expected, segments, fail)
				return
			}
		}
	}()

	go func() {
		defer func() {
			cancel()
			close(out)
			// late failures after this point are dropped
			once.Do(func() {})
			close(errc)
		}()
		first := true
		for sl := range order {
			for chunk := range sl.chunks {
				if ctx.Err() != nil {
					return
				}
				select {
				case <-ctx.Done():
					return
				case out <- chunk:
				}
				if first && len(chunk.Data) > 0 {
					first = false
					p.obs.RecordEvent(metrics.MetricsEvent{
						Name: metrics.EventTTSFirst,
						Time: time.Now(),
						Tags: map[string]string{metrics.TagProvider: p.tts.Name(), metrics.TagTurnID: strconv.FormatUint(turnID, 10)},
					})
				}
			}
			if err := sl.Err(); err != nil {
				fail(err)
				return
			}
		}
	}()
	return out, errc
}

// rejectTrailing keeps reading after the last segment so a producer that
// sends more is reported instead of blocking.
func (p *Pipeline) rejectTrailing(ctx context.Context, turnID uint64, next int, segments <-chan frames.ReplySegment, fail func(error)) {
	go func() {
		select {
		case <-ctx.Done():
		case seg, ok := <-segments:
			if ok {
				fail(desync(&StreamDesyncError{TurnID: turnID, GotTurnID: seg.TurnID, Expected: next, Got: seg.Index, AfterLast: true}))
			}
		}
	}()
}

// synthesize fills sl.chunks with the segment's audio. The final chunk of
// the segment carries Last; a segment without audio yields one empty chunk
// so the consumer still sees the boundary.
func (p *Pipeline) synthesize(ctx context.Context, sl *slot) {
	defer close(sl.chunks)
	seg := sl.seg
	var (
		pending *frames.AudioChunk
		seq     int
	)
	send := func(c frames.AudioChunk) bool {
		select {
		case <-ctx.Done():
			return false
		case sl.chunks <- c:
			return true
		}
	}
	rate := p.tts.SampleRate()
	text := strings.TrimSpace(seg.Text)
	if text != "" {
		policy := resilience.NewRetryPolicy(p.cfg.Retries, p.cfg.RetryBackoff)
		policy.Retryable = func(err error) bool {
			return pending == nil && !errors.Is(err, context.Canceled)
		}
		err := policy.Do(ctx, func(ctx context.Context) error {
			audio, err := p.tts.Synthesize(ctx, text)
			if err != nil {
				return err
			}
			for a := range audio {
				if a.Err != nil {
					return a.Err
				}
				if len(a.Data) == 0 {
					continue
				}
				if pending != nil && !send(*pending) {
					return ctx.Err()
				}
				pending = &frames.AudioChunk{TurnID: seg.TurnID, Segment: seg.Index, Seq: seq, Data: a.Data, SampleRate: rate}
				seq++
			}
			return ctx.Err()
		})
		if err != nil {
			if ctx.Err() == nil {
				p.logger.Warn("segment_synthesis_failed", "turn_id", seg.TurnID, "segment", seg.Index, "error", err)
				if errorsx.KindOf(err) == errorsx.KindUnknown {
					err = errorsx.WithKind(err, errorsx.KindTransient)
				}
				sl.setErr(errorsx.Wrap(fmt.Errorf("synthesize segment %d: %w", seg.Index, err), errorsx.ReasonTTSRetry))
			}
			return
		}
	}
	last := frames.AudioChunk{TurnID: seg.TurnID, Segment: seg.Index, Seq: seq, SampleRate: rate}
	if pending != nil {
		last = *pending
	}
	last.Last = true
	last.LastOfTurn = seg.Last
	send(last)
}
