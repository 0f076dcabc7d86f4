package avatar

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	adapter "github.com/harunnryd/duplex/pkg/adapters/avatar"
	"github.com/harunnryd/duplex/pkg/errorsx"
	"github.com/harunnryd/duplex/pkg/frames"
	"github.com/harunnryd/duplex/pkg/logging"
	"github.com/harunnryd/duplex/pkg/metrics"
)

// Degraded describes why the avatar stopped rendering.
type Degraded struct {
	Renderer string
	Reason   errorsx.ReasonCode
	Err      error
}

// Sync keeps an optional renderer in step with played audio. After the
// first failure it degrades to audio-only and reports exactly once.
type Sync struct {
	renderer      adapter.Renderer
	attachTimeout time.Duration
	logger        *slog.Logger
	obs           metrics.Observer
	onDegrade     func(Degraded)

	mu       sync.Mutex
	attached bool
	degraded bool
	frames   int
}

type Options struct {
	AttachTimeout time.Duration
	Logger        *slog.Logger
	Observer      metrics.Observer
	// OnDegrade is called once, synchronously, when the sync degrades.
	OnDegrade func(Degraded)
}

// NewSync returns a sync for r. A nil renderer yields a sync that is
// permanently audio-only without reporting degradation.
func NewSync(r adapter.Renderer, opts Options) *Sync {
	if opts.AttachTimeout <= 0 {
		opts.AttachTimeout = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Observer == nil {
		opts.Observer = metrics.NoopObserver{}
	}
	return &Sync{
		renderer:      r,
		attachTimeout: opts.AttachTimeout,
		logger:        logging.NewComponentLogger(opts.Logger, "avatar"),
		obs:           opts.Observer,
		onDegrade:     opts.OnDegrade,
	}
}

func (s *Sync) Enabled() bool { return s.renderer != nil }

// Active reports whether rendered video accompanies played audio.
func (s *Sync) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attached && !s.degraded
}

func (s *Sync) Degraded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.degraded
}

// Attach connects the renderer within the attach timeout. On failure the
// sync degrades and the attachment error is returned for logging only.
func (s *Sync) Attach(ctx context.Context, info adapter.SessionInfo) error {
	if s.renderer == nil {
		return nil
	}
	actx, cancel := context.WithTimeout(ctx, s.attachTimeout)
	defer cancel()
	started := time.Now()
	err := s.renderer.Attach(actx, info)
	if err == nil && actx.Err() != nil {
		err = actx.Err()
	}
	if err != nil {
		err = errorsx.WithKind(errorsx.Wrap(fmt.Errorf("attach %s: %w", s.renderer.Name(), err), errorsx.ReasonAvatarAttach), errorsx.KindAttachment)
		s.degrade(errorsx.ReasonAvatarAttach, err)
		return err
	}
	s.mu.Lock()
	s.attached = true
	s.mu.Unlock()
	s.logger.Info("avatar_attached", "renderer", s.renderer.Name(), "duration_ms", time.Since(started).Milliseconds())
	return nil
}

// Render passes one played chunk to the renderer. It returns nil once the
// sync is degraded or was never attached.
func (s *Sync) Render(ctx context.Context, chunk frames.AudioChunk) []frames.VideoFrame {
	if !s.Active() || ctx.Err() != nil {
		return nil
	}
	out, err := s.renderer.Render(ctx, chunk)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil
		}
		s.degrade(errorsx.ReasonAvatarRender, errorsx.WithKind(errorsx.Wrap(err, errorsx.ReasonAvatarRender), errorsx.KindAttachment))
		return nil
	}
	if len(out) > 0 {
		s.mu.Lock()
		s.frames += len(out)
		s.mu.Unlock()
		s.obs.RecordEvent(metrics.MetricsEvent{
			Name:  metrics.EventAvatarRender,
			Time:  time.Now(),
			Value: float64(len(out)),
			Tags:  map[string]string{metrics.TagProvider: s.renderer.Name()},
		})
	}
	return out
}

// Interrupt forwards a barge-in to renderers that buffer audio.
func (s *Sync) Interrupt(ctx context.Context) {
	if !s.Active() {
		return
	}
	in, ok := s.renderer.(adapter.Interrupter)
	if !ok {
		return
	}
	if err := in.Interrupt(ctx); err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Warn("avatar_interrupt_failed", "renderer", s.renderer.Name(), "error", err)
	}
}

func (s *Sync) Close() error {
	if s.renderer == nil {
		return nil
	}
	return s.renderer.Close()
}

func (s *Sync) degrade(reason errorsx.ReasonCode, err error) {
	s.mu.Lock()
	if s.degraded {
		s.mu.Unlock()
		return
	}
	s.degraded = true
	s.mu.Unlock()
	s.logger.Warn("avatar_degraded", "renderer", s.renderer.Name(), "reason", string(reason), "error", err)
	if s.onDegrade != nil {
		s.onDegrade(Degraded{Renderer: s.renderer.Name(), Reason: reason, Err: err})
	}
}
