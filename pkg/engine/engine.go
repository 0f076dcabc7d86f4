// Package engine wires configuration, providers and a transport into
// running sessions: one session per participant link.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/harunnryd/duplex/pkg/adapters/stt"
	"github.com/harunnryd/duplex/pkg/adapters/tts"
	"github.com/harunnryd/duplex/pkg/archive"
	"github.com/harunnryd/duplex/pkg/audio"
	"github.com/harunnryd/duplex/pkg/catalog"
	"github.com/harunnryd/duplex/pkg/config"
	"github.com/harunnryd/duplex/pkg/configutil"
	"github.com/harunnryd/duplex/pkg/errorsx"
	"github.com/harunnryd/duplex/pkg/llm"
	"github.com/harunnryd/duplex/pkg/logging"
	"github.com/harunnryd/duplex/pkg/metrics"
	"github.com/harunnryd/duplex/pkg/observers"
	"github.com/harunnryd/duplex/pkg/redact"
	"github.com/harunnryd/duplex/pkg/reply"
	"github.com/harunnryd/duplex/pkg/resilience"
	"github.com/harunnryd/duplex/pkg/runner"
	"github.com/harunnryd/duplex/pkg/session"
	"github.com/harunnryd/duplex/pkg/synth"
	"github.com/harunnryd/duplex/pkg/transports"
	"github.com/harunnryd/duplex/pkg/turn"
	"github.com/harunnryd/duplex/pkg/vad"
)

const (
	observerBuffer    = 2048
	archiveTimeout    = 5 * time.Second
	retentionInterval = 6 * time.Hour
	// TraceAttr is the participant attribute carrying an upstream trace id.
	TraceAttr = "trace_id"
)

var ErrAlreadyStarted = errors.New("engine: already started")

type Options struct {
	Config    config.Config
	Providers *ProviderRegistry
	Transport transports.Transport
	// Archive overrides the Postgres store opened from archive.dsn.
	Archive   archive.Recorder
	Observers []metrics.Observer
	Logger    *slog.Logger
	Banner    io.Writer
}

type Engine struct {
	cfg       config.Config
	providers *ProviderRegistry
	transport transports.Transport
	registry  *SessionRegistry
	runner    *runner.LifecycleRunner
	logger    *slog.Logger

	observer  *metrics.AsyncObserver
	closers   []io.Closer
	retention *observers.Retention

	sttFactory stt.Factory
	llm        llm.LLMAdapter
	tts        tts.Synthesizer
	vad        *vad.Detector
	predictor  turn.Predictor
	avatar     AvatarFactory

	archive archive.Recorder
	store   *archive.Store

	started atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewEngine builds the shared providers and prewarms the VAD model. No
// network listener is opened until Start.
func NewEngine(opts Options) (*Engine, error) {
	cfg := opts.Config
	if opts.Transport == nil {
		return nil, errors.New("engine: transport is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	providers := opts.Providers
	if providers == nil {
		providers = NewProviderRegistry()
		RegisterBuiltins(providers)
	}
	redact.SetEnabled(cfg.Privacy.RedactPII)

	e := &Engine{
		cfg:       cfg,
		providers: providers,
		transport: opts.Transport,
		registry:  NewSessionRegistry(cfg.Engine.MaxSessions),
		logger:    logging.NewComponentLogger(logger, "engine"),
		archive:   opts.Archive,
	}
	e.observer = e.buildObservers(logger, opts.Observers)

	var err error
	if e.sttFactory, err = providers.BuildSTTFactory(cfg.Vendors.STT.Provider, cfg); err != nil {
		return nil, e.abort(err)
	}
	if e.llm, err = providers.BuildLLM(cfg.Vendors.LLM.Provider, cfg); err != nil {
		return nil, e.abort(err)
	}
	if cfg.LLM.CircuitThreshold > 0 {
		breaker := llm.NewCircuitBreakerAdapter(e.llm, resilience.NewCircuitBreaker(cfg.LLM.CircuitThreshold, ms(cfg.LLM.CircuitCooldownMS)))
		breaker.SetObserver(e.observer)
		e.llm = breaker
	}
	if e.tts, err = providers.BuildTTS(cfg.Vendors.TTS.Provider, cfg); err != nil {
		return nil, e.abort(err)
	}
	if e.vad, err = vad.Prewarm(cfg.VAD.Model, cfg.VAD.PoolSize); err != nil {
		return nil, e.abort(err)
	}
	e.predictor = turn.NewPredictor(cfg.Turn.Predictor, e.llm)

	e.runner = runner.NewLifecycleRunner(runner.DrainFunc(e.drain), runner.Hooks{
		OnStart: e.onStart,
		OnStop:  e.onStop,
	}, ms(cfg.Engine.DrainTimeoutMS)+5*time.Second)
	e.runner.Banner = opts.Banner

	e.logger.Info("engine_init",
		"transport", opts.Transport.Name(),
		"stt_provider", cfg.Vendors.STT.Provider,
		"llm_provider", cfg.Vendors.LLM.Provider,
		"tts_provider", cfg.Vendors.TTS.Provider,
		"avatar", cfg.Avatar.Enabled,
		"vad_model", e.vad.Name(),
		"vad_pool", e.vad.Size(),
		"barge_in", turn.ParseStrategy(cfg.Session.BargeIn).Name(),
	)
	return e, nil
}

// buildObservers fans events to the latency and cost observers in full
// and to the log and timeline observers through the sampler.
func (e *Engine) buildObservers(logger *slog.Logger, extra []metrics.Observer) *metrics.AsyncObserver {
	full := []metrics.Observer{observers.NewLatencyObserver(logger)}
	sampled := []metrics.Observer{observers.NewLoggerObserver(logger)}
	if dir := strings.TrimSpace(e.cfg.Observability.ArtifactsDir); dir != "" {
		if days := e.cfg.Observability.RetentionDays; days > 0 {
			e.retention = observers.NewRetention(dir, time.Duration(days)*24*time.Hour, e.logger)
			e.retention.Sweep()
		}
		timeline := observers.NewTimelineObserver(dir)
		cost := observers.NewCostObserver(dir)
		full = append(full, cost)
		sampled = append(sampled, timeline)
		e.closers = append(e.closers, timeline, cost)
	}
	sinks := observers.NewMultiObserver(sampled...)
	for _, obs := range extra {
		sinks.Add(obs)
	}
	var fan metrics.Observer = sinks
	if rate := e.cfg.Observability.SampleRate; rate < 1 {
		fan = metrics.NewSamplingObserver(fan, rate, metrics.HighVolume...)
	}
	full = append(full, fan)
	return metrics.NewAsyncObserver(observers.NewMultiObserver(full...), observerBuffer)
}

func (e *Engine) abort(err error) error {
	e.closeObservers()
	return fmt.Errorf("engine: %w", err)
}

// Start resolves the avatar catalog entry, opens the archive and the
// transport, then accepts sessions until Stop. A catalog failure aborts
// start before any session is accepted.
func (e *Engine) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if !e.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	if e.cfg.Avatar.Enabled {
		factory, err := e.resolveAvatar(ctx)
		if err != nil {
			return fmt.Errorf("engine: avatar: %w", err)
		}
		e.avatar = factory
	}
	if e.archive == nil && strings.TrimSpace(e.cfg.Archive.DSN) != "" {
		store, err := archive.Open(ctx, e.cfg.Archive.DSN, e.logger)
		if err != nil {
			return fmt.Errorf("engine: %w", err)
		}
		e.store = store
		e.archive = store
	}

	e.ctx, e.cancel = context.WithCancel(context.WithoutCancel(ctx))
	if err := e.transport.Start(e.ctx); err != nil {
		e.cancel()
		if e.store != nil {
			e.store.Close()
		}
		return fmt.Errorf("engine: start %s: %w", e.transport.Name(), err)
	}
	e.wg.Add(1)
	go e.accept()
	if e.retention != nil {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.retention.Run(e.ctx, retentionInterval)
		}()
	}
	go func() {
		if err := e.runner.Run(ctx); err != nil && !errors.Is(err, runner.ErrInvalidState) {
			e.logger.Warn("engine_stop_incomplete", "error", err)
		}
	}()
	return nil
}

// Stop refuses new links, closes every session and waits for them to
// finish within engine.drain_timeout_ms.
func (e *Engine) Stop() error {
	if !e.started.Load() {
		e.closeObservers()
		return nil
	}
	return e.runner.Stop()
}

func (e *Engine) Registry() *SessionRegistry      { return e.registry }
func (e *Engine) Config() config.Config           { return e.cfg }
func (e *Engine) Transport() transports.Transport { return e.transport }
func (e *Engine) Observer() metrics.Observer      { return e.observer }
func (e *Engine) State() runner.State             { return e.runner.State() }
func (e *Engine) Providers() *ProviderRegistry    { return e.providers }

// Dialer returns the transport as an outbound dialer when it supports one.
func (e *Engine) Dialer() (transports.OutboundDialerWithOptions, bool) {
	d, ok := e.transport.(transports.OutboundDialerWithOptions)
	return d, ok
}

func (e *Engine) resolveAvatar(ctx context.Context) (AvatarFactory, error) {
	provider := e.cfg.Vendors.Avatar.Provider
	catCfg := e.cfg
	if strings.TrimSpace(catCfg.Catalog.Provider) == "" {
		catCfg.Catalog.Provider = provider
	}
	catCfg.Catalog.Settings = inheritCredentials(e.cfg.Catalog.Settings, e.cfg.Vendors.Avatar.Settings)
	var sel catalog.Selector
	if err := configutil.DecodeSettings(e.cfg.Vendors.Avatar.Settings, &sel); err != nil {
		return nil, err
	}
	if err := configutil.DecodeSettings(e.cfg.Catalog.Settings, &sel); err != nil {
		return nil, err
	}
	resolver, err := e.providers.BuildCatalog(catCfg.Catalog.Provider, catCfg)
	if err != nil {
		return nil, err
	}
	handle, err := resolver.Resolve(ctx, sel)
	if err != nil {
		return nil, err
	}
	e.logger.Info("catalog_resolved",
		"persona_id", handle.Persona.ID,
		"persona_name", handle.Persona.Name,
		"replica_id", handle.Replica.ID,
		"replica_name", handle.Replica.Name,
	)
	return e.providers.BuildAvatar(provider, e.cfg, handle)
}

// inheritCredentials fills api_key and base_url missing from the catalog
// settings with the avatar vendor's values.
func inheritCredentials(catalogSettings, avatarSettings map[string]any) map[string]any {
	if len(catalogSettings) == 0 {
		return avatarSettings
	}
	out := maps.Clone(catalogSettings)
	for _, key := range []string{"api_key", "base_url"} {
		if _, ok := configutil.Lookup(out, key); ok {
			continue
		}
		if v, ok := configutil.Lookup(avatarSettings, key); ok {
			out[key] = v
		}
	}
	return out
}

func (e *Engine) accept() {
	defer e.wg.Done()
	links := e.transport.Links()
	for {
		select {
		case <-e.ctx.Done():
			return
		case link, ok := <-links:
			if !ok {
				return
			}
			e.admit(link)
		}
	}
}

func (e *Engine) admit(link transports.Link) {
	part := link.Participant()
	if e.registry.Full() {
		reason := "capacity"
		if e.registry.Draining() {
			reason = "draining"
		}
		e.logger.Warn("session_rejected", "room", link.Room(), "participant", part.Identity, "reason", reason)
		_ = link.Close()
		return
	}
	sessionID := uuid.NewString()
	traceID := strings.TrimSpace(part.Attr(TraceAttr))
	if traceID == "" {
		traceID = uuid.NewString()
	}
	deps := session.Deps{
		STT: e.sttFactory(stt.Config{
			SessionID:   sessionID,
			Participant: part.Identity,
			TraceID:     traceID,
			SampleRate:  e.cfg.Audio.SampleRate,
			Language:    e.cfg.Agent.Language,
		}),
		LLM:       e.llm,
		TTS:       e.tts,
		VAD:       e.vad,
		Predictor: e.predictor,
		Logger:    e.logger,
		Observer:  e.observer,
	}
	if e.avatar != nil {
		deps.Avatar = e.avatar(sessionID)
	}
	sess, err := session.New(e.sessionConfig(sessionID, traceID), deps, link)
	if err != nil {
		e.logger.Error("session_create_failed", "room", link.Room(), "participant", part.Identity, "error", err)
		_ = link.Close()
		return
	}
	if !e.registry.Add(sess) {
		e.logger.Warn("session_rejected", "room", link.Room(), "participant", part.Identity, "reason", "capacity")
		_ = sess.Close()
		return
	}
	if e.archive != nil {
		ctx, cancel := context.WithTimeout(e.ctx, archiveTimeout)
		err := e.archive.OpenSession(ctx, archive.SessionRecord{
			ID:              sessionID,
			TraceID:         traceID,
			Room:            link.Room(),
			Participant:     part.Identity,
			ParticipantKind: part.Kind.String(),
			StartedAt:       time.Now(),
		})
		cancel()
		if err != nil {
			e.logger.Warn("archive_open_failed", "session_id", sessionID, "error", err)
		}
	}
	e.wg.Add(1)
	go e.watch(sess)
	if err := sess.Start(e.ctx); err != nil {
		e.logger.Error("session_start_failed", "session_id", sessionID, "error", err)
		_ = sess.Close()
	}
}

// watch archives the session's events and releases its registry slot once
// every session goroutine has returned.
func (e *Engine) watch(sess *session.Orchestrator) {
	defer e.wg.Done()
	for ev := range sess.Events() {
		if e.archive == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), archiveTimeout)
		err := e.archive.Record(ctx, ev)
		cancel()
		if err != nil {
			e.logger.Warn("archive_record_failed", "session_id", ev.SessionID, "kind", string(ev.Kind), "error", err)
		}
	}
	sess.Wait()
	e.registry.Remove(sess.ID())
	if err := sess.Err(); err != nil && errorsx.KindOf(err) != errorsx.KindCanceled {
		e.logger.Debug("session_released", "session_id", sess.ID(), "error", err)
	}
}

func (e *Engine) sessionConfig(sessionID, traceID string) session.Config {
	c := e.cfg
	return session.Config{
		SessionID:        sessionID,
		TraceID:          traceID,
		SampleRate:       c.Audio.SampleRate,
		QueueSize:        c.Session.QueueSize,
		Backpressure:     audio.ParseBackpressure(c.Session.Backpressure),
		TurnRetries:      c.Session.TurnRetries,
		Strategy:         turn.ParseStrategy(c.Session.BargeIn),
		RealtimePlayback: c.Session.RealtimePlayback,
		EventBuffer:      c.Session.EventBuffer,
		VAD: vad.StreamConfig{
			ActivationThreshold: c.VAD.ActivationThreshold,
			MinSpeech:           ms(c.VAD.MinSpeechMS),
			MinSilence:          ms(c.VAD.MinSilenceMS),
		},
		Turn: turn.Config{
			SilenceThreshold:    ms(c.Turn.SilenceThresholdMS),
			MaxSilenceThreshold: ms(c.Turn.MaxSilenceThresholdMS),
			FinalizeTimeout:     ms(c.Turn.FinalizeTimeoutMS),
			Preemptive:          c.Turn.PreemptiveGeneration,
			PreemptiveThreshold: c.Turn.PreemptiveThreshold,
		},
		Reply: reply.Config{
			Retries:   c.LLM.Retries,
			RetryBase: ms(c.LLM.RetryBaseMS),
		},
		Synth: synth.Config{
			Lookahead:    c.Synth.Lookahead,
			Retries:      c.Synth.Retries,
			RetryBackoff: ms(c.Synth.RetryBackoffMS),
		},
		AvatarAttachTimeout: ms(c.Avatar.AttachTimeoutMS),
		Instructions:        c.Agent.Instructions,
		Greeting:            c.Agent.Greeting,
		MaxHistory:          c.Context.MaxHistory,
	}
}

func (e *Engine) onStart() {
	fields := []any{"transport", e.transport.Name(), "max_sessions", e.cfg.Engine.MaxSessions}
	if rr, ok := e.transport.(transports.ReadyReporter); ok {
		for k, v := range rr.ReadyFields() {
			fields = append(fields, k, v)
		}
	}
	e.logger.Info("engine_ready", fields...)
}

func (e *Engine) drain() error {
	e.registry.SetDraining(true)
	e.logger.Info("engine_draining", "sessions", e.registry.Count())
	if err := e.transport.Stop(); err != nil {
		e.logger.Warn("transport_stop_failed", "error", err)
	}
	e.registry.CloseAll()
	ctx, cancel := context.WithTimeout(context.Background(), ms(e.cfg.Engine.DrainTimeoutMS))
	defer cancel()
	if !e.registry.WaitForEmpty(ctx, 50*time.Millisecond) {
		e.logger.Warn("engine_drain_incomplete", "sessions", e.registry.Count())
		return errors.New("engine: sessions still open after drain timeout")
	}
	return nil
}

func (e *Engine) onStop() {
	if e.cancel != nil {
		e.cancel()
	}
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		e.logger.Warn("engine_workers_lingering")
	}
	e.closeObservers()
	if e.store != nil {
		e.store.Close()
	}
	e.logger.Info("engine_stopped")
}

func (e *Engine) closeObservers() {
	e.observer.Close()
	for _, c := range e.closers {
		if err := c.Close(); err != nil {
			e.logger.Warn("observer_close_failed", "error", err)
		}
	}
	e.closers = nil
}

func ms(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}
