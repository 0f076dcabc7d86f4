package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	avatarapi "github.com/harunnryd/duplex/pkg/adapters/avatar"
	"github.com/harunnryd/duplex/pkg/adapters/tts"
	"github.com/harunnryd/duplex/pkg/audio"
	"github.com/harunnryd/duplex/pkg/errorsx"
	"github.com/harunnryd/duplex/pkg/frames"
	"github.com/harunnryd/duplex/pkg/llm"
	"github.com/harunnryd/duplex/pkg/providers/mock"
	"github.com/harunnryd/duplex/pkg/synth"
	transportmock "github.com/harunnryd/duplex/pkg/transports/mock"
	"github.com/harunnryd/duplex/pkg/turn"
	"github.com/harunnryd/duplex/pkg/vad"
)

const (
	testRate    = 16000
	frameSample = 320
	waitTimeout = 3 * time.Second
)

type recorder struct {
	mu     sync.Mutex
	events []Event
	notify chan struct{}
}

func record(o *Orchestrator) *recorder {
	r := &recorder{notify: make(chan struct{}, 1)}
	go func() {
		for ev := range o.Events() {
			r.mu.Lock()
			r.events = append(r.events, ev)
			r.mu.Unlock()
			select {
			case r.notify <- struct{}{}:
			default:
			}
		}
	}()
	return r
}

func (r *recorder) snapshot() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// index returns the position of the nth (from 1) event of kind for turnID,
// or -1.
func (r *recorder) index(kind EventKind, turnID uint64, nth int) int {
	seen := 0
	for i, ev := range r.snapshot() {
		if ev.Kind == kind && ev.TurnID == turnID {
			seen++
			if seen == nth {
				return i
			}
		}
	}
	return -1
}

func (r *recorder) count(kind EventKind) int {
	n := 0
	for _, ev := range r.snapshot() {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

func (r *recorder) waitNth(t *testing.T, kind EventKind, turnID uint64, nth int) Event {
	t.Helper()
	deadline := time.NewTimer(waitTimeout)
	defer deadline.Stop()
	for {
		if i := r.index(kind, turnID, nth); i >= 0 {
			return r.snapshot()[i]
		}
		select {
		case <-r.notify:
		case <-deadline.C:
			t.Fatalf("timed out waiting for %s #%d of turn %d; got %v", kind, nth, turnID, kinds(r.snapshot()))
		}
	}
}

func (r *recorder) wait(t *testing.T, kind EventKind, turnID uint64) Event {
	t.Helper()
	return r.waitNth(t, kind, turnID, 1)
}

func kinds(evs []Event) []string {
	out := make([]string, len(evs))
	for i, ev := range evs {
		out[i] = string(ev.Kind)
	}
	return out
}

type harness struct {
	t    *testing.T
	link *transportmock.Link
	stt  *mock.STT
	llm  *mock.LLMAdapter
	tts  tts.Synthesizer
	o    *Orchestrator
	rec  *recorder
}

func testConfig() Config {
	return Config{
		SessionID:    "sess-test",
		SampleRate:   testRate,
		QueueSize:    64,
		Backpressure: audio.BackpressureWait,
		TurnRetries:  1,
		VAD: vad.StreamConfig{
			MinSpeech:  40 * time.Millisecond,
			MinSilence: 40 * time.Millisecond,
		},
		Turn: turn.Config{
			SilenceThreshold:    30 * time.Millisecond,
			MaxSilenceThreshold: 30 * time.Millisecond,
			FinalizeTimeout:     time.Second,
		},
		Synth: synth.Config{RetryBackoff: 5 * time.Millisecond},
	}
}

type option func(*Config, *Deps)

func newHarness(t *testing.T, llmCfg mock.LLMConfig, voice tts.Synthesizer, opts ...option) *harness {
	t.Helper()
	det, err := vad.NewDetector(func() (vad.Model, error) { return vad.NewEnergyModel(0), nil }, 1)
	if err != nil {
		t.Fatalf("detector: %v", err)
	}
	t.Cleanup(func() { _ = det.Close() })

	part := frames.NewParticipant("caller", frames.KindStandard, nil)
	link := transportmock.NewLink("link-1", "room-1", part)
	sttMock := mock.NewSTT(mock.STTConfig{Participant: "caller"})
	llmMock := mock.NewLLMAdapter(llmCfg)
	if voice == nil {
		voice = mock.NewTTS(mock.TTSConfig{})
	}
	cfg := testConfig()
	deps := Deps{STT: sttMock, LLM: llmMock, TTS: voice, VAD: det}
	for _, opt := range opts {
		opt(&cfg, &deps)
	}
	o, err := New(cfg, deps, link)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	h := &harness{t: t, link: link, stt: sttMock, llm: llmMock, tts: voice, o: o, rec: record(o)}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		_ = o.Close()
		cancel()
		o.Wait()
	})
	if err := o.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	return h
}

func (h *harness) speech(n int) {
	for i := 0; i < n; i++ {
		h.link.Push(audio.Tone(220, 0.5, frameSample, testRate), testRate)
	}
}

func (h *harness) silence(n int) {
	for i := 0; i < n; i++ {
		h.link.Push(make([]byte, frameSample*2), testRate)
	}
}

// say speaks one utterance as turn id with the given final transcript.
func (h *harness) say(id uint64, text string) {
	h.t.Helper()
	h.speech(4)
	h.rec.wait(h.t, EventTurnStarted, id)
	h.final(text)
	h.silence(4)
}

// final delivers a final transcript and waits until the session saw it.
func (h *harness) final(text string) {
	h.t.Helper()
	n := h.rec.count(EventSpeechTranscribed) + 1
	h.stt.Final(text)
	h.rec.waitNth(h.t, EventSpeechTranscribed, 0, n)
}

func (h *harness) waitState(want State) {
	h.t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for h.o.State() != want {
		if time.Now().After(deadline) {
			h.t.Fatalf("state = %s, want %s", h.o.State(), want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func chunksOf(sent []frames.AudioChunk, turnID uint64) int {
	n := 0
	for _, c := range sent {
		if c.TurnID == turnID {
			n++
		}
	}
	return n
}

func TestHelloTurn(t *testing.T) {
	h := newHarness(t, mock.LLMConfig{Replies: map[string][]string{"hello.": {"Hi ", "there."}}}, nil)
	h.say(1, "hello.")

	h.rec.wait(t, EventResponseCompleted, 1)
	started := h.rec.index(EventTurnStarted, 1, 1)
	confirmed := h.rec.index(EventTurnConfirmed, 1, 1)
	completed := h.rec.index(EventResponseCompleted, 1, 1)
	if !(started < confirmed && confirmed < completed) {
		t.Fatalf("unexpected order: %v", kinds(h.rec.snapshot()))
	}
	if h.o.State() != StateListening {
		t.Fatalf("state = %s", h.o.State())
	}
	sent := h.link.Sent()
	if len(sent) == 0 || chunksOf(sent, 1) != len(sent) {
		t.Fatalf("expected audio for turn 1 only, got %d chunks", len(sent))
	}
	msgs := h.o.History().Messages()
	if len(msgs) != 2 || msgs[0].Content != "hello." || msgs[1].Content != "Hi there." {
		t.Fatalf("unexpected history %+v", msgs)
	}
	if h.rec.count(EventSpeechTranscribed) != 1 || h.rec.count(EventSpeechCommitted) != 1 {
		t.Fatalf("expected one transcribed and one committed event: %v", kinds(h.rec.snapshot()))
	}
}

func TestBargeInCancelsResponse(t *testing.T) {
	slow := mock.NewTTS(mock.TTSConfig{ChunksPerSegment: 80, ChunkDelay: 10 * time.Millisecond})
	h := newHarness(t, mock.LLMConfig{Replies: map[string][]string{"hello.": {"Hi there."}}}, slow)
	h.say(1, "hello.")
	h.rec.wait(t, EventResponseStarted, 1)

	h.speech(4)
	h.rec.wait(t, EventInterruption, 1)
	played := chunksOf(h.link.Sent(), 1)
	h.rec.wait(t, EventTurnStarted, 2)
	if h.rec.index(EventInterruption, 1, 1) > h.rec.index(EventTurnStarted, 2, 1) {
		t.Fatalf("interruption must precede the next turn: %v", kinds(h.rec.snapshot()))
	}

	time.Sleep(100 * time.Millisecond)
	if got := chunksOf(h.link.Sent(), 1); got != played {
		t.Fatalf("chunks written after interruption: %d -> %d", played, got)
	}
	if h.link.Clears() == 0 {
		t.Fatalf("playback buffer was not cleared")
	}
	if h.rec.count(EventResponseCompleted) != 0 {
		t.Fatalf("interrupted turn must not complete")
	}
	msgs := h.o.History().Messages()
	if len(msgs) != 2 || msgs[0].Role != llm.RoleUser || msgs[1].Content != "Hi there." {
		t.Fatalf("expected user turn and spoken prefix in history, got %+v", msgs)
	}
}

func TestPoliteStrategyIgnoresSpeechWhileResponding(t *testing.T) {
	slow := mock.NewTTS(mock.TTSConfig{ChunksPerSegment: 10, ChunkDelay: 10 * time.Millisecond})
	h := newHarness(t, mock.LLMConfig{}, slow, func(c *Config, _ *Deps) { c.Strategy = turn.PoliteStrategy{} })
	h.say(1, "hello.")
	h.rec.wait(t, EventResponseStarted, 1)
	h.speech(4)
	h.silence(4)
	h.rec.wait(t, EventResponseCompleted, 1)
	if n := h.rec.count(EventInterruption); n != 0 {
		t.Fatalf("polite strategy interrupted %d times", n)
	}
}

func TestPreemptiveGenerationAdopted(t *testing.T) {
	replies := map[string][]string{"hello.": {"Hi ", "there. ", "How can I help?"}}
	run := func(preemptive bool) (*harness, []string) {
		voice := mock.NewTTS(mock.TTSConfig{})
		h := newHarness(t, mock.LLMConfig{Replies: replies}, voice, func(c *Config, _ *Deps) {
			c.Turn.Preemptive = preemptive
			c.Turn.SilenceThreshold = 150 * time.Millisecond
			c.Turn.MaxSilenceThreshold = 150 * time.Millisecond
		})
		h.say(1, "hello.")
		if preemptive {
			h.rec.wait(t, EventTurnProvisional, 1)
		}
		h.rec.wait(t, EventResponseCompleted, 1)
		return h, voice.Texts()
	}

	spec, specTexts := run(true)
	plain, plainTexts := run(false)

	if spec.llm.Calls() != 1 {
		t.Fatalf("speculation should be adopted, llm calls = %d", spec.llm.Calls())
	}
	if n := spec.rec.count(EventGenerationCancelled); n != 0 {
		t.Fatalf("unexpected cancellations: %d", n)
	}
	if len(specTexts) == 0 || len(specTexts) != len(plainTexts) {
		t.Fatalf("synthesized %q, want %q", specTexts, plainTexts)
	}
	for i := range specTexts {
		if specTexts[i] != plainTexts[i] {
			t.Fatalf("segment %d: synthesized %q, want %q", i, specTexts[i], plainTexts[i])
		}
	}
	got, want := spec.o.History().Messages(), plain.o.History().Messages()
	if len(got) != 2 || len(got) != len(want) {
		t.Fatalf("history %+v, want %+v", got, want)
	}
	for i := range got {
		if got[i].Role != want[i].Role || got[i].Content != want[i].Content {
			t.Fatalf("history[%d] = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestRetractCancelsSpeculationOnce(t *testing.T) {
	h := newHarness(t, mock.LLMConfig{}, nil, func(c *Config, _ *Deps) {
		c.Turn.Preemptive = true
		c.Turn.SilenceThreshold = 400 * time.Millisecond
		c.Turn.MaxSilenceThreshold = 400 * time.Millisecond
	})
	h.say(1, "hello.")
	h.rec.wait(t, EventTurnProvisional, 1)

	h.speech(4)
	h.rec.wait(t, EventTurnRetracted, 1)
	cancelled := h.rec.wait(t, EventGenerationCancelled, 1)
	if cancelled.Reason != ReasonRetracted {
		t.Fatalf("reason = %q", cancelled.Reason)
	}
	h.final("how are you?")
	h.silence(4)

	h.rec.waitNth(t, EventTurnProvisional, 1, 2)
	h.rec.wait(t, EventResponseCompleted, 1)
	if n := h.rec.count(EventGenerationCancelled); n != 1 {
		t.Fatalf("expected exactly one cancellation, got %d", n)
	}
	prompts := h.llm.Prompts()
	last := prompts[len(prompts)-1].Messages
	if got := last[len(last)-1].Content; got != "hello. how are you?" {
		t.Fatalf("adopted prompt = %q", got)
	}
}

func TestChangedTranscriptDiscardsSpeculation(t *testing.T) {
	h := newHarness(t, mock.LLMConfig{}, nil, func(c *Config, _ *Deps) {
		c.Turn.Preemptive = true
		c.Turn.SilenceThreshold = 300 * time.Millisecond
		c.Turn.MaxSilenceThreshold = 300 * time.Millisecond
	})
	h.say(1, "hello.")
	h.rec.wait(t, EventTurnProvisional, 1)
	h.final("world")

	confirmed := h.rec.wait(t, EventTurnConfirmed, 1)
	if confirmed.Transcript != "hello. world" {
		t.Fatalf("confirmed transcript = %q", confirmed.Transcript)
	}
	cancelled := h.rec.wait(t, EventGenerationCancelled, 1)
	if cancelled.Reason != ReasonTranscriptChanged {
		t.Fatalf("reason = %q", cancelled.Reason)
	}
	h.rec.wait(t, EventResponseCompleted, 1)
	if h.llm.Calls() != 2 {
		t.Fatalf("expected a fresh generation, llm calls = %d", h.llm.Calls())
	}
}

type desyncTTS struct{}

func (desyncTTS) Name() string    { return "desync" }
func (desyncTTS) SampleRate() int { return testRate }
func (desyncTTS) Synthesize(context.Context, string) (<-chan tts.Audio, error) {
	return nil, errorsx.WithKind(errors.New("segment out of order"), errorsx.KindStreamDesync)
}

func TestStreamDesyncDropsTurn(t *testing.T) {
	h := newHarness(t, mock.LLMConfig{}, desyncTTS{})
	h.say(1, "hello.")
	ev := h.rec.wait(t, EventTurnDropped, 1)
	if ev.ErrKind != errorsx.KindStreamDesync {
		t.Fatalf("dropped with %s", ev.ErrKind)
	}
	if h.rec.count(EventTurnRetried) != 0 {
		t.Fatalf("desync must not be retried")
	}
	h.waitState(StateListening)
	if h.o.History().Len() != 0 {
		t.Fatalf("dropped turn must not be committed")
	}
}

func TestTransientFailureRetriesTurn(t *testing.T) {
	flaky := mock.NewTTS(mock.TTSConfig{FailFirst: 1})
	h := newHarness(t, mock.LLMConfig{}, flaky)
	h.say(1, "hello.")
	h.rec.wait(t, EventTurnRetried, 1)
	h.rec.wait(t, EventResponseCompleted, 1)
	if h.llm.Calls() != 2 {
		t.Fatalf("retry should regenerate, llm calls = %d", h.llm.Calls())
	}
}

func TestTransientFailureDropsAfterRetries(t *testing.T) {
	broken := mock.NewTTS(mock.TTSConfig{FailFirst: 100})
	h := newHarness(t, mock.LLMConfig{}, broken)
	h.say(1, "hello.")
	ev := h.rec.wait(t, EventTurnDropped, 1)
	if ev.ErrKind != errorsx.KindTransient {
		t.Fatalf("dropped with %s", ev.ErrKind)
	}
	if n := h.rec.count(EventTurnRetried); n != 1 {
		t.Fatalf("expected one retry, got %d", n)
	}
	h.waitState(StateListening)

	// the session keeps serving turns
	h.say(2, "again.")
	h.rec.wait(t, EventTurnDropped, 2)
}

type fakeRenderer struct {
	attachBlock bool
	renderErr   error
	interrupts  atomic.Int32
}

func (f *fakeRenderer) Name() string { return "fake_avatar" }

func (f *fakeRenderer) Attach(ctx context.Context, _ avatarapi.SessionInfo) error {
	if f.attachBlock {
		<-ctx.Done()
		return ctx.Err()
	}
	return nil
}

func (f *fakeRenderer) Render(_ context.Context, c frames.AudioChunk) ([]frames.VideoFrame, error) {
	if f.renderErr != nil {
		return nil, f.renderErr
	}
	return []frames.VideoFrame{{TurnID: c.TurnID, Seq: c.Seq}}, nil
}

func (f *fakeRenderer) Interrupt(context.Context) error {
	f.interrupts.Add(1)
	return nil
}

func (f *fakeRenderer) Close() error { return nil }

func withAvatar(r avatarapi.Renderer) option {
	return func(c *Config, d *Deps) {
		c.AvatarAttachTimeout = 30 * time.Millisecond
		d.Avatar = r
	}
}

func TestAvatarAttachTimeoutFallsBackToAudio(t *testing.T) {
	h := newHarness(t, mock.LLMConfig{}, nil, withAvatar(&fakeRenderer{attachBlock: true}))
	ev := h.rec.wait(t, EventSubsystemDegraded, 0)
	if ev.ErrKind != errorsx.KindAttachment || ev.Subsystem != "avatar" {
		t.Fatalf("unexpected degrade event %+v", ev)
	}
	h.say(1, "hello.")
	h.rec.wait(t, EventResponseCompleted, 1)
	if n := h.rec.count(EventSubsystemDegraded); n != 1 {
		t.Fatalf("expected one degrade event, got %d", n)
	}
	if len(h.link.Sent()) == 0 || len(h.link.Video()) != 0 {
		t.Fatalf("expected audio without video")
	}
}

func TestAvatarRenderFailureDegradesOnce(t *testing.T) {
	h := newHarness(t, mock.LLMConfig{}, nil, withAvatar(&fakeRenderer{renderErr: errors.New("gpu lost")}))
	h.say(1, "hello.")
	h.rec.wait(t, EventResponseCompleted, 1)
	h.say(2, "again.")
	h.rec.wait(t, EventResponseCompleted, 2)
	if n := h.rec.count(EventSubsystemDegraded); n != 1 {
		t.Fatalf("expected one degrade event, got %d", n)
	}
	if h.o.AvatarActive() {
		t.Fatalf("avatar should be inactive")
	}
}

func TestAvatarVideoFollowsAudio(t *testing.T) {
	r := &fakeRenderer{}
	slow := mock.NewTTS(mock.TTSConfig{ChunksPerSegment: 80, ChunkDelay: 10 * time.Millisecond})
	h := newHarness(t, mock.LLMConfig{}, slow, withAvatar(r))
	h.say(1, "hello.")
	h.rec.wait(t, EventResponseStarted, 1)
	h.speech(4)
	h.rec.wait(t, EventInterruption, 1)
	if len(h.link.Video()) == 0 {
		t.Fatalf("expected rendered video")
	}
	deadline := time.Now().Add(waitTimeout)
	for r.interrupts.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("interrupt not forwarded to the avatar")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// gatedRenderer blocks inside Render on the nth chunk of turn 1 until
// released, and records every turn-1 chunk it consumed.
type gatedRenderer struct {
	fakeRenderer
	blockAt int
	blocked chan struct{}
	release chan struct{}

	mu              sync.Mutex
	rendered        int
	afterInterrupt  int
	interruptCalled bool
}

func (g *gatedRenderer) Render(ctx context.Context, c frames.AudioChunk) ([]frames.VideoFrame, error) {
	if c.TurnID != 1 {
		return nil, nil
	}
	g.mu.Lock()
	g.rendered++
	n := g.rendered
	g.mu.Unlock()
	if n == g.blockAt {
		close(g.blocked)
		<-g.release
	}
	g.mu.Lock()
	if g.interruptCalled {
		g.afterInterrupt++
	}
	g.mu.Unlock()
	return nil, nil
}

func (g *gatedRenderer) Interrupt(ctx context.Context) error {
	g.mu.Lock()
	g.interruptCalled = true
	g.mu.Unlock()
	return g.fakeRenderer.Interrupt(ctx)
}

func (g *gatedRenderer) counts() (rendered, after int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.rendered, g.afterInterrupt
}

func TestBargeInDuringRenderKeepsAvatarInStep(t *testing.T) {
	r := &gatedRenderer{blockAt: 3, blocked: make(chan struct{}), release: make(chan struct{})}
	slow := mock.NewTTS(mock.TTSConfig{ChunksPerSegment: 80, ChunkDelay: 10 * time.Millisecond})
	h := newHarness(t, mock.LLMConfig{}, slow, withAvatar(r))
	h.say(1, "hello.")
	select {
	case <-r.blocked:
	case <-time.After(waitTimeout):
		t.Fatalf("renderer never reached chunk %d", r.blockAt)
	}

	h.speech(4)
	time.Sleep(50 * time.Millisecond)
	close(r.release)
	h.rec.wait(t, EventInterruption, 1)

	time.Sleep(100 * time.Millisecond)
	rendered, after := r.counts()
	if after != 0 {
		t.Fatalf("%d turn-1 chunks reached the avatar after the interrupt", after)
	}
	if played := chunksOf(h.link.Sent(), 1); played != rendered {
		t.Fatalf("avatar consumed %d chunks but %d were played", rendered, played)
	}
	if r.interrupts.Load() != 1 {
		t.Fatalf("expected one avatar interrupt, got %d", r.interrupts.Load())
	}
}

func TestNoiseProcessorSelection(t *testing.T) {
	det, err := vad.NewDetector(func() (vad.Model, error) { return vad.NewEnergyModel(0), nil }, 1)
	if err != nil {
		t.Fatalf("detector: %v", err)
	}
	defer det.Close()
	cases := []struct {
		part frames.Participant
		want string
	}{
		{frames.NewParticipant("a", frames.KindUnknown, nil), "general"},
		{frames.NewParticipant("b", frames.KindTelephony, nil), "telephony"},
		{frames.NewParticipant("c", frames.KindUnknown, map[string]string{"sip.callID": "x"}), "telephony"},
		{frames.NewParticipant("d", frames.KindStandard, nil), "general"},
	}
	for _, tc := range cases {
		deps := Deps{
			STT: mock.NewSTT(mock.STTConfig{}),
			LLM: mock.NewLLMAdapter(mock.LLMConfig{}),
			TTS: mock.NewTTS(mock.TTSConfig{}),
			VAD: det,
		}
		o, err := New(testConfig(), deps, transportmock.NewLink("l", "r", tc.part))
		if err != nil {
			t.Fatalf("new: %v", err)
		}
		if got := o.NoiseProcessor(); got != tc.want {
			t.Fatalf("%s: processor = %s, want %s", tc.part.Identity, got, tc.want)
		}
		_ = o.Close()
	}
}

func TestNewRequiresStages(t *testing.T) {
	link := transportmock.NewLink("l", "r", frames.NewParticipant("a", frames.KindStandard, nil))
	if _, err := New(testConfig(), Deps{}, link); err == nil {
		t.Fatalf("expected missing stages to be rejected")
	}
}

func TestGreetingIsSpokenFirst(t *testing.T) {
	h := newHarness(t, mock.LLMConfig{}, nil, func(c *Config, _ *Deps) { c.Greeting = "Welcome." })
	h.rec.wait(t, EventResponseCompleted, 0)
	texts := h.tts.(*mock.TTS).Texts()
	if len(texts) == 0 || texts[0] != "Welcome." {
		t.Fatalf("greeting not synthesized first: %v", texts)
	}
	if h.llm.Calls() != 0 {
		t.Fatalf("greeting must not call the llm")
	}
	msgs := h.o.History().Messages()
	if len(msgs) != 1 || msgs[0].Role != llm.RoleAssistant {
		t.Fatalf("unexpected history %+v", msgs)
	}
}

func TestLinkLossClosesSession(t *testing.T) {
	h := newHarness(t, mock.LLMConfig{}, nil)
	h.link.Leave(errors.New("connection reset"))
	select {
	case <-h.o.Done():
	case <-time.After(waitTimeout):
		t.Fatalf("session did not close")
	}
	err := h.o.Err()
	if errorsx.KindOf(err) != errorsx.KindFatalTransport || !errorsx.HasReason(err, errorsx.ReasonTransportLost) {
		t.Fatalf("unexpected close reason %v", err)
	}
	if h.o.State() != StateClosed {
		t.Fatalf("state = %s", h.o.State())
	}
	h.rec.wait(t, EventSessionClosed, 0)
}

func TestSendFailureClosesSession(t *testing.T) {
	h := newHarness(t, mock.LLMConfig{}, nil)
	h.link.FailSends(errors.New("broken pipe"))
	h.say(1, "hello.")
	select {
	case <-h.o.Done():
	case <-time.After(waitTimeout):
		t.Fatalf("session did not close")
	}
	if errorsx.KindOf(h.o.Err()) != errorsx.KindFatalTransport {
		t.Fatalf("unexpected close reason %v", h.o.Err())
	}
}

func TestTranscriberEndClosesSession(t *testing.T) {
	h := newHarness(t, mock.LLMConfig{}, nil)
	_ = h.stt.Close()
	select {
	case <-h.o.Done():
	case <-time.After(waitTimeout):
		t.Fatalf("session did not close")
	}
	if !errorsx.HasReason(h.o.Err(), errorsx.ReasonSTTStream) {
		t.Fatalf("unexpected close reason %v", h.o.Err())
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	h := newHarness(t, mock.LLMConfig{}, nil)
	_ = h.o.Close()
	_ = h.o.Close()
	if h.o.Err() != nil {
		t.Fatalf("normal close should not record an error: %v", h.o.Err())
	}
	h.rec.wait(t, EventSessionClosed, 0)
	if n := h.rec.count(EventSessionClosed); n != 1 {
		t.Fatalf("session_closed emitted %d times", n)
	}
	if err := h.o.Start(context.Background()); err == nil {
		t.Fatalf("restart must fail")
	}
}

func TestCloseCancelsInFlightTurn(t *testing.T) {
	slow := mock.NewTTS(mock.TTSConfig{ChunksPerSegment: 80, ChunkDelay: 10 * time.Millisecond})
	h := newHarness(t, mock.LLMConfig{Replies: map[string][]string{"hello.": {"Hi there."}}}, slow)
	h.say(1, "hello.")
	h.rec.wait(t, EventResponseStarted, 1)

	_ = h.o.Close()
	h.rec.wait(t, EventSessionClosed, 0)
	cancelled := h.rec.index(EventGenerationCancelled, 1, 1)
	if cancelled < 0 {
		t.Fatalf("in-flight turn was not cancelled: %v", kinds(h.rec.snapshot()))
	}
	if ev := h.rec.snapshot()[cancelled]; ev.Reason != ReasonClosed {
		t.Fatalf("cancel reason = %q", ev.Reason)
	}
	if cancelled > h.rec.index(EventSessionClosed, 0, 1) {
		t.Fatalf("cancellation must precede session_closed: %v", kinds(h.rec.snapshot()))
	}
	if h.rec.count(EventResponseCompleted) != 0 {
		t.Fatalf("closed turn must not complete")
	}
}

func TestEmptyReplyCompletes(t *testing.T) {
	h := newHarness(t, mock.LLMConfig{Replies: map[string][]string{"hello.": {""}}}, nil)
	h.say(1, "hello.")
	ev := h.rec.wait(t, EventResponseCompleted, 1)
	if ev.Reason != ReasonEmptyReply || ev.Reply != "" {
		t.Fatalf("completed with reason %q reply %q", ev.Reason, ev.Reply)
	}
	if msgs := h.o.History().Messages(); len(msgs) != 1 || msgs[0].Role != llm.RoleUser {
		t.Fatalf("expected only the user message in history, got %+v", msgs)
	}
	h.waitState(StateListening)
}

func TestStartAfterCloseReleasesStages(t *testing.T) {
	det, err := vad.NewDetector(func() (vad.Model, error) { return vad.NewEnergyModel(0), nil }, 1)
	if err != nil {
		t.Fatalf("detector: %v", err)
	}
	defer det.Close()
	part := frames.NewParticipant("caller", frames.KindStandard, nil)
	link := transportmock.NewLink("link-1", "room-1", part)
	deps := Deps{
		STT: mock.NewSTT(mock.STTConfig{Participant: "caller"}),
		LLM: mock.NewLLMAdapter(mock.LLMConfig{}),
		TTS: mock.NewTTS(mock.TTSConfig{}),
		VAD: det,
	}
	o, err := New(testConfig(), deps, link)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	_ = o.Close()
	if err := o.Start(context.Background()); err == nil {
		t.Fatalf("start after close must fail")
	}

	waited := make(chan struct{})
	go func() {
		o.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-time.After(waitTimeout):
		t.Fatalf("stages still running after a failed start")
	}
	if o.State() != StateClosed {
		t.Fatalf("state = %s", o.State())
	}
}
