package reply

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/harunnryd/duplex/pkg/aggregators"
	"github.com/harunnryd/duplex/pkg/errorsx"
	"github.com/harunnryd/duplex/pkg/frames"
	"github.com/harunnryd/duplex/pkg/llm"
	"github.com/harunnryd/duplex/pkg/logging"
	"github.com/harunnryd/duplex/pkg/metrics"
)

type Config struct {
	Retries   int
	RetryBase time.Duration
	// QueueSize bounds the segments buffered ahead of the synthesizer.
	QueueSize  int
	Aggregator aggregators.AggregatorConfig
}

// Generator streams replies from an LLM as ordered segments.
type Generator struct {
	adapter llm.LLMAdapter
	history *History
	cfg     Config
	logger  *slog.Logger
	obs     metrics.Observer
}

func NewGenerator(adapter llm.LLMAdapter, history *History, cfg Config, logger *slog.Logger, obs metrics.Observer) *Generator {
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 100 * time.Millisecond
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 32
	}
	if history == nil {
		history = NewHistory("", 0)
	}
	if logger == nil {
		logger = slog.Default()
	}
	if obs == nil {
		obs = metrics.NoopObserver{}
	}
	return &Generator{
		adapter: adapter,
		history: history,
		cfg:     cfg,
		logger:  logging.NewComponentLogger(logger, "reply"),
		obs:     obs,
	}
}

func (g *Generator) History() *History { return g.history }

// Start begins generating a reply to transcript. The returned generation
// owns a context derived from ctx; history is not touched.
func (g *Generator) Start(ctx context.Context, turnID uint64, transcript string) *Generation {
	ctx, cancel := context.WithCancel(ctx)
	gen := &Generation{
		TurnID:     turnID,
		Transcript: transcript,
		segments:   make(chan frames.ReplySegment, g.cfg.QueueSize),
		done:       make(chan struct{}),
		cancel:     cancel,
	}
	prompt := g.history.Prompt(transcript)
	go g.run(ctx, gen, prompt)
	return gen
}

// Commit records a finished or interrupted exchange.
func (g *Generator) Commit(transcript, spoken string) {
	g.history.Commit(transcript, spoken)
}

func (g *Generator) run(ctx context.Context, gen *Generation, prompt llm.Context) {
	defer close(gen.done)
	defer close(gen.segments)
	defer gen.cancel()

	started := time.Now()
	var emitted int
	_, err := llm.Retry(ctx, llm.RetryConfig{
		MaxAttempts: g.cfg.Retries + 1,
		BaseDelay:   g.cfg.RetryBase,
		Jitter:      0.2,
		IsRetryable: func(err error) bool {
			return emitted == 0 && llm.DefaultIsRetryable(err)
		},
		OnRetry: func(attempt int, wait time.Duration, err error) {
			g.logger.Debug("reply_retry", "turn_id", gen.TurnID, "attempt", attempt, "wait_ms", wait.Milliseconds(), "error", err)
		},
	}, func(ctx context.Context) (struct{}, error) {
		gen.reset()
		return struct{}{}, g.stream(ctx, gen, prompt, started, &emitted)
	})
	if err != nil {
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		if !errors.Is(err, context.Canceled) {
			g.logger.Warn("reply_failed", "turn_id", gen.TurnID, "error", err, "segments", emitted)
			err = errorsx.Wrap(err, errorsx.ReasonLLMStream)
		}
		gen.setErr(err)
		return
	}
	g.obs.RecordEvent(metrics.MetricsEvent{
		Name:  metrics.EventLLMDone,
		Time:  time.Now(),
		Value: float64(time.Since(started).Milliseconds()),
		Tags:  map[string]string{metrics.TagProvider: g.adapter.Name(), metrics.TagTurnID: formatID(gen.TurnID)},
	})
}

func (g *Generator) stream(ctx context.Context, gen *Generation, prompt llm.Context, started time.Time, emitted *int) error {
	ch, err := g.adapter.Stream(ctx, prompt)
	if err != nil {
		return err
	}
	agg := aggregators.NewTextAggregator(g.cfg.Aggregator)
	first := true
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case chunk, ok := <-ch:
			if !ok {
				return g.send(ctx, gen, agg.Flush(), true, emitted)
			}
			if chunk.Err != nil {
				return chunk.Err
			}
			if first && chunk.Text != "" {
				first = false
				g.obs.RecordEvent(metrics.MetricsEvent{
					Name:  metrics.EventLLMFirst,
					Time:  time.Now(),
					Value: float64(time.Since(started).Milliseconds()),
					Tags:  map[string]string{metrics.TagProvider: g.adapter.Name(), metrics.TagTurnID: formatID(gen.TurnID)},
				})
			}
			gen.appendText(chunk.Text)
			for _, sentence := range agg.Add(chunk.Text) {
				if err := g.send(ctx, gen, sentence, false, emitted); err != nil {
					return err
				}
			}
		}
	}
}

func (g *Generator) send(ctx context.Context, gen *Generation, text string, last bool, emitted *int) error {
	seg := frames.ReplySegment{TurnID: gen.TurnID, Index: *emitted, Text: text, Last: last}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case gen.segments <- seg:
		*emitted++
		return nil
	}
}

func formatID(id uint64) string { return strconv.FormatUint(id, 10) }

// Generation is one in-flight reply. Segments are indexed from 0 without
// gaps; the final segment has Last set and may carry empty text.
type Generation struct {
	TurnID     uint64
	Transcript string

	segments chan frames.ReplySegment
	done     chan struct{}
	cancel   context.CancelFunc

	mu   sync.Mutex
	text strings.Builder
	err  error
}

func (g *Generation) Segments() <-chan frames.ReplySegment { return g.segments }
func (g *Generation) Done() <-chan struct{}                { return g.done }

// Cancel stops generation. Buffered segments are left for the reader to
// discard.
func (g *Generation) Cancel() { g.cancel() }

func (g *Generation) Err() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.err
}

// Text is the reply generated so far.
func (g *Generation) Text() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return strings.TrimSpace(g.text.String())
}

func (g *Generation) appendText(s string) {
	g.mu.Lock()
	g.text.WriteString(s)
	g.mu.Unlock()
}

func (g *Generation) reset() {
	g.mu.Lock()
	g.text.Reset()
	g.mu.Unlock()
}

func (g *Generation) setErr(err error) {
	g.mu.Lock()
	g.err = err
	g.mu.Unlock()
}

// Static returns a finished generation that speaks text as a single
// segment. Used for scripted lines such as the opening greeting.
func Static(turnID uint64, text string) *Generation {
	gen := &Generation{
		TurnID:   turnID,
		segments: make(chan frames.ReplySegment, 1),
		done:     make(chan struct{}),
		cancel:   func() {},
	}
	gen.text.WriteString(text)
	gen.segments <- frames.ReplySegment{TurnID: turnID, Index: 0, Text: text, Last: true}
	close(gen.segments)
	close(gen.done)
	return gen
}
