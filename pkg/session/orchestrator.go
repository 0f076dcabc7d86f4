package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	avatarapi "github.com/harunnryd/duplex/pkg/adapters/avatar"
	"github.com/harunnryd/duplex/pkg/adapters/stt"
	"github.com/harunnryd/duplex/pkg/audio"
	"github.com/harunnryd/duplex/pkg/avatar"
	"github.com/harunnryd/duplex/pkg/errorsx"
	"github.com/harunnryd/duplex/pkg/frames"
	"github.com/harunnryd/duplex/pkg/logging"
	"github.com/harunnryd/duplex/pkg/metrics"
	"github.com/harunnryd/duplex/pkg/reply"
	"github.com/harunnryd/duplex/pkg/synth"
	"github.com/harunnryd/duplex/pkg/transports"
	"github.com/harunnryd/duplex/pkg/turn"
	"github.com/harunnryd/duplex/pkg/vad"
)

// playbackLead is how far ahead of the listener audio is written when
// playback is paced.
const playbackLead = 60 * time.Millisecond

var (
	errGateClosed     = errors.New("playback gate closed")
	errReplyTruncated = errors.New("reply ended before its final segment")
)

// Orchestrator runs one conversational session over a link: inbound audio
// is classified, fanned out to VAD and STT, turns are detected, and replies
// are generated, synthesized and played until the session closes.
type Orchestrator struct {
	cfg    Config
	deps   Deps
	link   transports.Link
	logger *slog.Logger
	obs    metrics.Observer
	sm     *stateMachine

	bus      *audio.Bus
	vad      *vad.Stream
	detector *turn.Detector
	replies  *reply.Generator
	synth    *synth.Pipeline
	avatar   *avatar.Sync

	ctx     context.Context
	cancel  context.CancelFunc
	results chan turnResult
	wg      sync.WaitGroup
	started atomic.Bool
	closing atomic.Bool

	// mu guards the active turn and the speculative generation.
	mu   sync.Mutex
	turn *activeTurn
	spec *reply.Generation

	// playMu serializes writes to the link with the playback gate.
	playMu sync.Mutex

	evMu     sync.RWMutex
	events   chan Event
	evClosed bool
	evDrops  atomic.Int64

	closeOnce sync.Once
	done      chan struct{}
	errMu     sync.Mutex
	err       error
}

type activeTurn struct {
	id          uint64
	transcript  string
	attempt     int
	gen         *reply.Generation
	ctx         context.Context
	cancel      context.CancelFunc
	confirmedAt time.Time

	// guarded by Orchestrator.playMu
	gateOpen bool
	started  bool
	heard    int

	segMu    sync.Mutex
	segTexts []string
}

func (t *activeTurn) addSegment(text string) {
	t.segMu.Lock()
	t.segTexts = append(t.segTexts, text)
	t.segMu.Unlock()
}

// spoken returns the text of the first n segments.
func (t *activeTurn) spoken(n int) string {
	t.segMu.Lock()
	defer t.segMu.Unlock()
	if n > len(t.segTexts) {
		n = len(t.segTexts)
	}
	parts := make([]string, 0, n)
	for _, s := range t.segTexts[:n] {
		if s = strings.TrimSpace(s); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, " ")
}

type turnResult struct {
	turn *activeTurn
	err  error
}

// New validates deps and prepares a session for link. Nothing runs until
// Start.
func New(cfg Config, deps Deps, link transports.Link) (*Orchestrator, error) {
	if link == nil {
		return nil, errors.New("session: link is required")
	}
	if err := deps.validate(); err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}
	cfg = cfg.withDefaults()
	if cfg.SessionID == "" {
		cfg.SessionID = uuid.NewString()
	}
	if cfg.TraceID == "" {
		cfg.TraceID = uuid.NewString()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Observer == nil {
		deps.Observer = metrics.NoopObserver{}
	}
	if deps.Predictor == nil {
		deps.Predictor = turn.PunctuationPredictor{}
	}
	participant := link.Participant()
	cfg.Turn.Participant = participant.Identity
	deps.Observer = metrics.WithTags(deps.Observer, map[string]string{
		metrics.TagSessionID:   cfg.SessionID,
		metrics.TagTraceID:     cfg.TraceID,
		metrics.TagParticipant: participant.Identity,
	})

	logger := logging.NewComponentLogger(deps.Logger, "session").With(
		"session_id", cfg.SessionID,
		"room", link.Room(),
		"participant", participant.Identity,
		"trace_id", cfg.TraceID,
	)
	o := &Orchestrator{
		cfg:     cfg,
		deps:    deps,
		link:    link,
		logger:  logger,
		obs:     deps.Observer,
		sm:      newStateMachine(),
		results: make(chan turnResult, 1),
		events:  make(chan Event, cfg.EventBuffer),
		done:    make(chan struct{}),
	}
	o.sm.AddListener(StateListenerFunc(func(ch StateChange) {
		o.logger.Debug("state_changed", "from", ch.FromState.String(), "to", ch.ToState.String(), "reason", ch.Reason)
		o.emit(Event{Kind: EventStateChanged, From: ch.FromState, To: ch.ToState, Reason: ch.Reason})
	}))

	proc := audio.SelectProcessor(participant)
	o.bus = audio.NewBus(proc, audio.BusOptions{
		QueueSize:    cfg.QueueSize,
		Backpressure: cfg.Backpressure,
		Observer:     deps.Observer,
		SessionID:    cfg.SessionID,
	})
	o.vad = vad.NewStream(deps.VAD, cfg.VAD)
	o.detector = turn.NewDetector(cfg.Turn, deps.Predictor, logger)
	o.replies = reply.NewGenerator(deps.LLM, reply.NewHistory(cfg.Instructions, cfg.MaxHistory), cfg.Reply, logger, deps.Observer)
	o.synth = synth.NewPipeline(deps.TTS, cfg.Synth, logger, deps.Observer)
	o.avatar = avatar.NewSync(deps.Avatar, avatar.Options{
		AttachTimeout: cfg.AvatarAttachTimeout,
		Logger:        logger,
		Observer:      deps.Observer,
		OnDegrade: func(d avatar.Degraded) {
			o.emit(Event{
				Kind:      EventSubsystemDegraded,
				Subsystem: "avatar",
				Reason:    string(d.Reason),
				ErrKind:   errorsx.KindOf(d.Err),
				Err:       d.Err,
			})
		},
	})
	logger.Info("noise_processor_selected", "processor", proc.Name(), "participant_kind", participant.Kind.String())
	return o, nil
}

func (o *Orchestrator) ID() string                { return o.cfg.SessionID }
func (o *Orchestrator) Events() <-chan Event      { return o.events }
func (o *Orchestrator) State() State              { return o.sm.State() }
func (o *Orchestrator) Done() <-chan struct{}     { return o.done }
func (o *Orchestrator) History() *reply.History   { return o.replies.History() }
func (o *Orchestrator) Link() transports.Link     { return o.link }
func (o *Orchestrator) NoiseProcessor() string    { return o.bus.Processor().Name() }
func (o *Orchestrator) AvatarActive() bool        { return o.avatar.Active() }
func (o *Orchestrator) DroppedEvents() int64      { return o.evDrops.Load() }

func (o *Orchestrator) AddListener(l StateListener) { o.sm.AddListener(l) }

// Err is the reason the session closed; nil while running or after a
// normal close.
func (o *Orchestrator) Err() error {
	o.errMu.Lock()
	defer o.errMu.Unlock()
	return o.err
}

// Start opens the transcriber, attaches the avatar and begins listening.
// It fails only when a required stage cannot start.
func (o *Orchestrator) Start(ctx context.Context) error {
	if !o.started.CompareAndSwap(false, true) {
		return errors.New("session: already started")
	}
	o.ctx, o.cancel = context.WithCancel(ctx)
	o.emit(Event{Kind: EventSessionStarted})

	if err := o.deps.STT.Start(o.ctx); err != nil {
		err = errorsx.Wrap(fmt.Errorf("start %s: %w", o.deps.STT.Name(), err), errorsx.ReasonSTTConnect)
		o.logger.Error("stt_start_failed", "error", err)
		o.closeWith(err)
		return err
	}
	if o.avatar.Enabled() {
		info := avatarapi.SessionInfo{
			SessionID:   o.cfg.SessionID,
			Room:        o.link.Room(),
			Participant: o.link.Participant(),
			SampleRate:  o.deps.TTS.SampleRate(),
		}
		if err := o.avatar.Attach(o.ctx, info); err != nil {
			o.logger.Warn("avatar_attach_failed", "error", err)
		}
	}

	vadEvents := make(chan vad.Event, o.cfg.QueueSize)
	transcripts := make(chan frames.TranscriptEvent, o.cfg.QueueSize)
	o.stage("audio_bus", func() error { return o.bus.Run(o.ctx, o.link.Audio()) })
	o.stage("vad", func() error { return o.vad.Run(o.ctx, o.bus.VAD()) })
	o.stage("stt_send", func() error { o.sendAudio(); return nil })
	o.stage("vad_forward", func() error { o.forwardVAD(vadEvents); return nil })
	o.stage("stt_results", func() error { return o.forwardTranscripts(transcripts) })
	o.stage("turn_detector", func() error { return o.detector.Run(o.ctx, vadEvents, transcripts) })
	o.stage("loop", func() error { o.loop(); return nil })

	if err := o.sm.Transition(StateListening, "started"); err != nil {
		// A Close that raced Start ran before o.cancel existed.
		o.cancel()
		o.closeWith(err)
		return err
	}
	o.logger.Info("session_started",
		"stt", o.deps.STT.Name(),
		"llm", o.deps.LLM.Name(),
		"tts", o.deps.TTS.Name(),
		"vad", o.deps.VAD.Name(),
		"avatar", o.avatar.Active(),
		"barge_in", o.cfg.Strategy.Name(),
	)
	if strings.TrimSpace(o.cfg.Greeting) != "" {
		o.mu.Lock()
		if o.turn == nil && o.sm.State() == StateListening {
			o.beginLocked(0, "", reply.Static(0, o.cfg.Greeting), 0)
		}
		o.mu.Unlock()
	}
	return nil
}

// stage runs fn on its own goroutine. A stage failing while the session is
// open closes it.
func (o *Orchestrator) stage(name string, fn func() error) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		err := fn()
		if err == nil || o.closing.Load() || errors.Is(err, context.Canceled) {
			return
		}
		o.logger.Error("stage_failed", "stage", name, "error", err)
		o.closeWith(err)
	}()
}

// Wait blocks until every goroutine of the session has returned.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// Close ends the session. It is safe to call more than once and does not
// wait for in-flight work; use Wait for that.
func (o *Orchestrator) Close() error {
	o.closeWith(nil)
	return nil
}

func (o *Orchestrator) closeWith(reason error) {
	o.closeOnce.Do(func() {
		o.closing.Store(true)
		o.errMu.Lock()
		o.err = reason
		o.errMu.Unlock()
		o.cancelInFlight()
		if o.cancel != nil {
			o.cancel()
		}
		if err := o.deps.STT.Close(); err != nil {
			o.logger.Debug("stt_close_failed", "error", err)
		}
		if err := o.avatar.Close(); err != nil {
			o.logger.Debug("avatar_close_failed", "error", err)
		}
		if err := o.link.Close(); err != nil {
			o.logger.Debug("link_close_failed", "error", err)
		}
		_ = o.sm.Transition(StateClosed, "closed")
		ev := Event{Kind: EventSessionClosed}
		if reason != nil {
			ev.Err = reason
			ev.ErrKind = errorsx.KindOf(reason)
			ev.Reason = string(errorsx.Reason(reason))
			o.logger.Warn("session_closed", "error", reason, "error_kind", ev.ErrKind.String())
		} else {
			o.logger.Info("session_closed")
		}
		o.emit(ev)
		close(o.done)
		o.evMu.Lock()
		o.evClosed = true
		close(o.events)
		o.evMu.Unlock()
	})
}

// cancelInFlight stops the active turn and any speculation, reporting each
// as generation_cancelled with reason closed.
func (o *Orchestrator) cancelInFlight() {
	o.mu.Lock()
	t, spec := o.turn, o.spec
	o.turn, o.spec = nil, nil
	o.mu.Unlock()
	if t != nil {
		o.playMu.Lock()
		t.gateOpen = false
		o.playMu.Unlock()
		t.cancel()
		t.gen.Cancel()
		o.emit(Event{Kind: EventGenerationCancelled, TurnID: t.id, Reason: ReasonClosed})
	}
	if spec != nil {
		spec.Cancel()
		o.emit(Event{Kind: EventGenerationCancelled, TurnID: spec.TurnID, Reason: ReasonClosed})
	}
}

func (o *Orchestrator) emit(ev Event) {
	ev.SessionID = o.cfg.SessionID
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	o.obs.RecordEvent(ev.Metrics())
	o.evMu.RLock()
	defer o.evMu.RUnlock()
	if o.evClosed {
		return
	}
	select {
	case o.events <- ev:
	default:
		if o.evDrops.Add(1) == 1 {
			o.logger.Warn("session_events_dropped", "kind", string(ev.Kind))
		}
	}
}

func (o *Orchestrator) sendAudio() {
	var failures int
	for f := range o.bus.STT() {
		if err := o.deps.STT.SendAudio(f); err != nil {
			failures++
			if failures == 1 && !o.closing.Load() {
				o.logger.Warn("stt_send_failed", "error", errorsx.Wrap(err, errorsx.ReasonSTTSend))
			}
			continue
		}
		failures = 0
	}
}

// forwardVAD checks speech boundaries for barge-in before the turn
// detector sees them.
func (o *Orchestrator) forwardVAD(out chan<- vad.Event) {
	defer close(out)
	for ev := range o.vad.Events() {
		if ev.Kind == vad.SpeechStart {
			o.logger.Debug("speech_started", "probability", ev.Probability)
			o.bargeIn()
		}
		if !o.cfg.Strategy.BargeInEnabled() && o.busy() {
			continue
		}
		select {
		case <-o.ctx.Done():
			return
		case out <- ev:
		}
	}
}

func (o *Orchestrator) busy() bool {
	st := o.sm.State()
	return st == StateThinking || st == StateResponding
}

func (o *Orchestrator) forwardTranscripts(out chan<- frames.TranscriptEvent) error {
	defer close(out)
	for ev := range o.deps.STT.Results() {
		switch ev.Kind {
		case stt.EventTranscript:
			tr := ev.Transcript
			if tr.IsFinal && strings.TrimSpace(tr.Text) != "" {
				o.emit(Event{Kind: EventSpeechTranscribed, Transcript: tr.Text})
			}
			select {
			case <-o.ctx.Done():
				return nil
			case out <- tr:
			}
		case stt.EventError:
			if errorsx.KindOf(ev.Err) == errorsx.KindFatalTransport {
				return errorsx.Wrap(ev.Err, errorsx.ReasonSTTStream)
			}
			o.logger.Warn("stt_error", "error", ev.Err)
		}
	}
	if o.closing.Load() || o.ctx.Err() != nil {
		return nil
	}
	return errorsx.WithKind(errorsx.Wrap(fmt.Errorf("%s: result stream ended", o.deps.STT.Name()), errorsx.ReasonSTTStream), errorsx.KindFatalTransport)
}

func (o *Orchestrator) loop() {
	signals := o.detector.Signals()
	linkDone := o.link.Done()
	for {
		select {
		case <-o.ctx.Done():
			return
		case sig, ok := <-signals:
			if !ok {
				signals = nil
				continue
			}
			o.onSignal(sig)
		case res := <-o.results:
			o.onTurnResult(res)
		case <-linkDone:
			if err := o.link.Err(); err != nil {
				o.closeWith(errorsx.WithKind(errorsx.Wrap(fmt.Errorf("link %s: %w", o.link.ID(), err), errorsx.ReasonTransportLost), errorsx.KindFatalTransport))
			} else {
				o.logger.Info("participant_left")
				o.closeWith(nil)
			}
			return
		}
	}
}

func (o *Orchestrator) onSignal(sig turn.Signal) {
	switch sig.Kind {
	case turn.SignalStarted:
		o.emit(Event{Kind: EventTurnStarted, TurnID: sig.TurnID, At: sig.At})
	case turn.SignalProvisional:
		o.emit(Event{Kind: EventTurnProvisional, TurnID: sig.TurnID, Transcript: sig.Transcript})
		if !o.cfg.Turn.Preemptive {
			return
		}
		o.mu.Lock()
		if o.spec != nil {
			o.cancelSpecLocked(ReasonTranscriptChanged)
		}
		o.spec = o.replies.Start(o.ctx, sig.TurnID, sig.Transcript)
		o.mu.Unlock()
		o.logger.Debug("speculation_started", "turn_id", sig.TurnID)
	case turn.SignalRetracted:
		o.mu.Lock()
		if o.spec != nil && o.spec.TurnID == sig.TurnID {
			o.cancelSpecLocked(ReasonRetracted)
		}
		o.mu.Unlock()
		o.emit(Event{Kind: EventTurnRetracted, TurnID: sig.TurnID})
	case turn.SignalConfirmed:
		o.onConfirmed(sig)
	}
}

func (o *Orchestrator) cancelSpecLocked(reason string) {
	id := o.spec.TurnID
	o.spec.Cancel()
	o.spec = nil
	o.logger.Debug("generation_cancelled", "turn_id", id, "reason", reason)
	o.emit(Event{Kind: EventGenerationCancelled, TurnID: id, Reason: reason})
}

func (o *Orchestrator) onConfirmed(sig turn.Signal) {
	t := sig.Turn
	o.emit(Event{Kind: EventTurnConfirmed, TurnID: t.ID, Transcript: t.Transcript, Forced: t.Forced})
	o.emit(Event{Kind: EventSpeechCommitted, TurnID: t.ID, Transcript: t.Transcript})

	o.mu.Lock()
	defer o.mu.Unlock()
	var gen *reply.Generation
	if o.spec != nil {
		if o.spec.TurnID == t.ID && o.spec.Transcript == t.Transcript {
			gen = o.spec
			o.spec = nil
			o.logger.Debug("speculation_adopted", "turn_id", t.ID)
		} else {
			o.cancelSpecLocked(ReasonTranscriptChanged)
		}
	}
	if o.turn != nil || o.sm.State() != StateListening {
		if gen != nil {
			gen.Cancel()
		}
		o.logger.Warn("turn_dropped_busy", "turn_id", t.ID, "state", o.sm.State().String())
		o.emit(Event{Kind: EventTurnDropped, TurnID: t.ID, Reason: "busy"})
		return
	}
	if gen == nil {
		gen = o.replies.Start(o.ctx, t.ID, t.Transcript)
	}
	o.beginLocked(t.ID, t.Transcript, gen, 0)
}

// beginLocked makes gen the active turn and starts playing it. o.mu must
// be held and the session must be Listening or Thinking.
func (o *Orchestrator) beginLocked(id uint64, transcript string, gen *reply.Generation, attempt int) {
	ctx, cancel := context.WithCancel(o.ctx)
	t := &activeTurn{
		id:          id,
		transcript:  transcript,
		attempt:     attempt,
		gen:         gen,
		ctx:         ctx,
		cancel:      cancel,
		confirmedAt: time.Now(),
		gateOpen:    true,
	}
	o.turn = t
	if o.sm.State() == StateListening {
		reason := "turn_confirmed"
		if id == 0 {
			reason = "greeting"
		}
		_ = o.sm.Transition(StateThinking, reason)
	}
	o.wg.Add(1)
	go o.runTurn(t)
}

func (o *Orchestrator) runTurn(t *activeTurn) {
	defer o.wg.Done()
	defer t.gen.Cancel()
	defer t.cancel()

	segs := make(chan frames.ReplySegment, o.cfg.QueueSize)
	go func() {
		defer close(segs)
		for seg := range t.gen.Segments() {
			t.addSegment(seg.Text)
			select {
			case <-t.ctx.Done():
				return
			case segs <- seg:
			}
		}
	}()

	chunks, errc := o.synth.Run(t.ctx, t.id, segs)
	var (
		playhead time.Time
		sawLast  bool
		err      error
	)
	for chunk := range chunks {
		if o.cfg.RealtimePlayback && !playhead.IsZero() {
			if !waitUntil(t.ctx, playhead.Add(-playbackLead)) {
				break
			}
		}
		if err = o.play(t, chunk); err != nil {
			t.cancel()
			break
		}
		if now := time.Now(); playhead.Before(now) {
			playhead = now
		}
		playhead = playhead.Add(chunk.Duration())
		if chunk.LastOfTurn {
			sawLast = true
		}
	}
	if errors.Is(err, errGateClosed) || o.ctx.Err() != nil {
		return
	}
	if err == nil && t.ctx.Err() != nil {
		// interrupted while waiting on playback
		return
	}
	if err == nil && !sawLast {
		err = <-errc
		if err == nil {
			select {
			case <-t.gen.Done():
				err = t.gen.Err()
			case <-t.ctx.Done():
				return
			}
		}
		if err == nil {
			err = errorsx.WithKind(errReplyTruncated, errorsx.KindStreamDesync)
		}
	}
	if err == nil && o.cfg.RealtimePlayback && !waitUntil(t.ctx, playhead) {
		return
	}
	select {
	case <-o.ctx.Done():
	case o.results <- turnResult{turn: t, err: err}:
	}
}

// play renders and writes one chunk unless the turn's gate was closed.
// Rendering feeds the avatar's own audio path, so it happens under playMu
// like the link write: a barge-in either sees both or neither.
func (o *Orchestrator) play(t *activeTurn, chunk frames.AudioChunk) error {
	o.playMu.Lock()
	defer o.playMu.Unlock()
	if !t.gateOpen || t.ctx.Err() != nil {
		return errGateClosed
	}
	video := o.avatar.Render(t.ctx, chunk)
	if !t.started {
		t.started = true
		_ = o.sm.Transition(StateResponding, "first_audio")
		o.emit(Event{Kind: EventResponseStarted, TurnID: t.id, Latency: time.Since(t.confirmedAt)})
	}
	if len(chunk.Data) > 0 {
		if err := o.link.SendAudio(chunk); err != nil {
			return errorsx.WithKind(errorsx.Wrap(fmt.Errorf("send audio: %w", err), errorsx.ReasonTransportSend), errorsx.KindFatalTransport)
		}
		o.obs.RecordEvent(metrics.MetricsEvent{
			Name:   metrics.EventAudioOut,
			Time:   time.Now(),
			Value:  float64(len(chunk.Data)),
			Tags:   map[string]string{metrics.TagComponent: "session", metrics.TagTurnID: strconv.FormatUint(t.id, 10)},
			Fields: map[string]any{"sample_rate": chunk.SampleRate},
		})
	}
	for _, v := range video {
		if err := o.link.SendVideo(v); err != nil {
			o.logger.Debug("send_video_failed", "turn_id", t.id, "error", err)
			break
		}
	}
	if chunk.Segment+1 > t.heard {
		t.heard = chunk.Segment + 1
	}
	return nil
}

// bargeIn interrupts the active turn when the strategy allows speech to
// cut the agent off.
func (o *Orchestrator) bargeIn() {
	if !o.cfg.Strategy.BargeInEnabled() {
		return
	}
	o.mu.Lock()
	t := o.turn
	if t == nil || !o.busy() {
		o.mu.Unlock()
		return
	}
	o.playMu.Lock()
	t.gateOpen = false
	heard := t.heard
	if err := o.link.ClearPlayback(); err != nil {
		o.logger.Warn("clear_playback_failed", "turn_id", t.id, "error", err)
	}
	o.playMu.Unlock()

	t.cancel()
	t.gen.Cancel()
	o.turn = nil
	_ = o.sm.Transition(StateInterrupted, "barge_in")
	spoken := t.spoken(heard)
	o.replies.Commit(t.transcript, spoken)
	o.logger.Info("interruption", "turn_id", t.id, "segments_heard", heard)
	o.emit(Event{Kind: EventInterruption, TurnID: t.id, Reply: spoken, Reason: ReasonInterrupted})
	_ = o.sm.Transition(StateListening, "barge_in")
	o.mu.Unlock()

	o.avatar.Interrupt(o.ctx)
}

// onTurnResult applies the error policy to a finished turn.
func (o *Orchestrator) onTurnResult(res turnResult) {
	o.mu.Lock()
	fatal := o.applyResultLocked(res)
	o.mu.Unlock()
	if fatal != nil {
		o.closeWith(fatal)
	}
}

// applyResultLocked returns the error that must close the session, if any.
func (o *Orchestrator) applyResultLocked(res turnResult) error {
	t := res.turn
	if o.turn != t {
		return nil
	}
	o.playMu.Lock()
	open, started := t.gateOpen, t.started
	o.playMu.Unlock()
	if !open {
		return nil
	}

	if res.err == nil {
		o.turn = nil
		text := t.gen.Text()
		o.replies.Commit(t.transcript, text)
		_ = o.sm.Transition(StateListening, "response_completed")
		ev := Event{Kind: EventResponseCompleted, TurnID: t.id, Reply: text, Latency: time.Since(t.confirmedAt)}
		if strings.TrimSpace(text) == "" {
			ev.Reason = ReasonEmptyReply
		}
		o.emit(ev)
		return nil
	}

	kind := errorsx.KindOf(res.err)
	switch {
	case kind == errorsx.KindFatalTransport:
		o.turn = nil
		return res.err
	case kind == errorsx.KindCanceled:
		return nil
	case kind == errorsx.KindTransient && !started && t.attempt < o.cfg.TurnRetries:
		o.logger.Warn("turn_retried", "turn_id", t.id, "attempt", t.attempt+1, "error", res.err)
		o.emit(Event{Kind: EventTurnRetried, TurnID: t.id, ErrKind: kind, Err: res.err})
		var gen *reply.Generation
		if t.id == 0 {
			gen = reply.Static(0, o.cfg.Greeting)
		} else {
			gen = o.replies.Start(o.ctx, t.id, t.transcript)
		}
		o.beginLocked(t.id, t.transcript, gen, t.attempt+1)
		return nil
	}

	o.turn = nil
	if started {
		if err := o.link.ClearPlayback(); err != nil {
			o.logger.Debug("clear_playback_failed", "turn_id", t.id, "error", err)
		}
	}
	o.logger.Warn("turn_dropped", "turn_id", t.id, "error_kind", kind.String(), "error", res.err)
	_ = o.sm.Transition(StateListening, "turn_dropped")
	o.emit(Event{Kind: EventTurnDropped, TurnID: t.id, Reason: kind.String(), ErrKind: kind, Err: res.err})
	return nil
}

func waitUntil(ctx context.Context, at time.Time) bool {
	d := time.Until(at)
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
