package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	avatarapi "github.com/harunnryd/duplex/pkg/adapters/avatar"
	"github.com/harunnryd/duplex/pkg/archive"
	"github.com/harunnryd/duplex/pkg/catalog"
	"github.com/harunnryd/duplex/pkg/config"
	"github.com/harunnryd/duplex/pkg/frames"
	"github.com/harunnryd/duplex/pkg/runner"
	"github.com/harunnryd/duplex/pkg/session"
	transportmock "github.com/harunnryd/duplex/pkg/transports/mock"
)

const waitTimeout = 3 * time.Second

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func testConfig() config.Config {
	return config.Config{
		Audio:   config.AudioConfig{SampleRate: 16000, FrameMS: 20},
		Session: config.SessionConfig{QueueSize: 16, Backpressure: "wait", TurnRetries: 1, BargeIn: "aggressive", EventBuffer: 64},
		VAD:     config.VADConfig{Model: "energy", ActivationThreshold: 0.5, MinSpeechMS: 60, MinSilenceMS: 200, PoolSize: 1},
		Turn:    config.TurnConfig{SilenceThresholdMS: 500, MaxSilenceThresholdMS: 2000, FinalizeTimeoutMS: 1200, PreemptiveThreshold: 0.6},
		Synth:   config.SynthConfig{Lookahead: 2, Retries: 1, RetryBackoffMS: 10},
		LLM:     config.LLMConfig{Retries: 1, RetryBaseMS: 10, CircuitThreshold: 3, CircuitCooldownMS: 1000},
		Context: config.ContextConfig{MaxHistory: 12},
		Agent:   config.AgentConfig{Instructions: "Be brief.", Greeting: "Hello there."},
		Vendors: config.VendorsConfig{
			STT: config.VendorConfig{Provider: "mock"},
			TTS: config.VendorConfig{Provider: "mock"},
			LLM: config.VendorConfig{Provider: "mock"},
		},
		Transports:    config.TransportsConfig{Provider: "mock"},
		Observability: config.ObservabilityConfig{SampleRate: 1},
		Engine:        config.EngineConfig{DrainTimeoutMS: 2000},
	}
}

type fakeArchive struct {
	mu     sync.Mutex
	opened []archive.SessionRecord
	events []session.Event
}

func (f *fakeArchive) OpenSession(_ context.Context, rec archive.SessionRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opened = append(f.opened, rec)
	return nil
}

func (f *fakeArchive) Record(_ context.Context, ev session.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return nil
}

func (f *fakeArchive) find(kind session.EventKind) (session.Event, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ev := range f.events {
		if ev.Kind == kind {
			return ev, true
		}
	}
	return session.Event{}, false
}

func (f *fakeArchive) records() []archive.SessionRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]archive.SessionRecord(nil), f.opened...)
}

type resolverFunc func(ctx context.Context, sel catalog.Selector) (catalog.Handle, error)

func (f resolverFunc) Resolve(ctx context.Context, sel catalog.Selector) (catalog.Handle, error) {
	return f(ctx, sel)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestEngineRunsSessionPerLink(t *testing.T) {
	tr := transportmock.New()
	arc := &fakeArchive{}
	e, err := NewEngine(Options{Config: testConfig(), Transport: tr, Archive: arc, Logger: quiet})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := e.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("expected second start to fail, got %v", err)
	}

	part := frames.NewParticipant("alice", frames.KindStandard, map[string]string{TraceAttr: "trace-1"})
	link := tr.Join("l1", "lobby", part)

	waitFor(t, "greeting to complete", func() bool {
		_, ok := arc.find(session.EventResponseCompleted)
		return ok
	})
	greeting, _ := arc.find(session.EventResponseCompleted)
	if greeting.TurnID != 0 || greeting.Reply != "Hello there." {
		t.Fatalf("unexpected greeting event: %+v", greeting)
	}
	recs := arc.records()
	if len(recs) != 1 {
		t.Fatalf("expected one archived session, got %d", len(recs))
	}
	if recs[0].TraceID != "trace-1" || recs[0].Room != "lobby" || recs[0].Participant != "alice" || recs[0].ParticipantKind != "standard" {
		t.Fatalf("unexpected session record: %+v", recs[0])
	}
	if len(link.Sent()) == 0 {
		t.Fatalf("expected greeting audio on the link")
	}
	if e.Registry().Count() != 1 {
		t.Fatalf("expected one live session, got %d", e.Registry().Count())
	}

	if err := e.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if e.Registry().Count() != 0 {
		t.Fatalf("sessions left after stop: %d", e.Registry().Count())
	}
	if _, ok := arc.find(session.EventSessionClosed); !ok {
		t.Fatalf("session close was not archived")
	}
	if e.State() != runner.StateStopped {
		t.Fatalf("expected stopped engine, got %s", e.State())
	}
}

func TestEngineRejectsBeyondMaxSessions(t *testing.T) {
	cfg := testConfig()
	cfg.Engine.MaxSessions = 1
	cfg.Agent.Greeting = ""
	tr := transportmock.New()
	e, err := NewEngine(Options{Config: cfg, Transport: tr, Logger: quiet})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer e.Stop()

	tr.Join("a", "room", frames.NewParticipant("a", frames.KindStandard, nil))
	waitFor(t, "first session", func() bool { return e.Registry().Count() == 1 })
	second := tr.Join("b", "room", frames.NewParticipant("b", frames.KindTelephony, nil))
	select {
	case <-second.Done():
	case <-time.After(waitTimeout):
		t.Fatalf("second link was not rejected")
	}
	if e.Registry().Count() != 1 {
		t.Fatalf("expected one session, got %d", e.Registry().Count())
	}
}

func TestStartFailsWhenCatalogLookupFails(t *testing.T) {
	errLookup := errors.New("persona lookup failed")
	cfg := testConfig()
	cfg.Avatar.Enabled = true
	cfg.Vendors.Avatar = config.VendorConfig{Provider: "fake"}
	cfg.Catalog = config.VendorConfig{Settings: map[string]any{"persona_name": "Ada"}}

	reg := NewProviderRegistry()
	RegisterBuiltins(reg)
	built := false
	reg.RegisterCatalog("fake", func(config.Config) (catalog.Resolver, error) {
		return resolverFunc(func(context.Context, catalog.Selector) (catalog.Handle, error) {
			return catalog.Handle{}, errLookup
		}), nil
	})
	reg.RegisterAvatar("fake", func(config.Config, catalog.Handle) (AvatarFactory, error) {
		built = true
		return nil, nil
	})

	tr := transportmock.New()
	e, err := NewEngine(Options{Config: cfg, Providers: reg, Transport: tr, Logger: quiet})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	err = e.Start(context.Background())
	if !errors.Is(err, errLookup) {
		t.Fatalf("expected catalog error, got %v", err)
	}
	if built {
		t.Fatalf("avatar built despite failed lookup")
	}
	_ = e.Stop()
}

func TestAvatarFactoryGetsResolvedHandle(t *testing.T) {
	cfg := testConfig()
	cfg.Agent.Greeting = ""
	cfg.Avatar.Enabled = true
	cfg.Vendors.Avatar = config.VendorConfig{Provider: "fake", Settings: map[string]any{"replica_id": "r-from-avatar"}}
	cfg.Catalog = config.VendorConfig{Settings: map[string]any{"persona_name": "Ada"}}

	reg := NewProviderRegistry()
	RegisterBuiltins(reg)
	var gotSel catalog.Selector
	reg.RegisterCatalog("fake", func(config.Config) (catalog.Resolver, error) {
		return resolverFunc(func(_ context.Context, sel catalog.Selector) (catalog.Handle, error) {
			gotSel = sel
			return catalog.Handle{
				Persona: catalog.Persona{ID: "p1", Name: sel.PersonaName},
				Replica: catalog.Replica{ID: sel.ReplicaID},
			}, nil
		}), nil
	})
	var (
		mu       sync.Mutex
		handle   catalog.Handle
		sessions []string
	)
	reg.RegisterAvatar("fake", func(_ config.Config, h catalog.Handle) (AvatarFactory, error) {
		handle = h
		return func(sessionID string) avatarapi.Renderer {
			mu.Lock()
			sessions = append(sessions, sessionID)
			mu.Unlock()
			return nil
		}, nil
	})

	tr := transportmock.New()
	e, err := NewEngine(Options{Config: cfg, Providers: reg, Transport: tr, Logger: quiet})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer e.Stop()

	if gotSel.PersonaName != "Ada" || gotSel.ReplicaID != "r-from-avatar" {
		t.Fatalf("selector not merged from settings: %+v", gotSel)
	}
	if handle.Persona.ID != "p1" || handle.Replica.ID != "r-from-avatar" {
		t.Fatalf("unexpected handle: %+v", handle)
	}
	tr.Join("a", "room", frames.NewParticipant("a", frames.KindStandard, nil))
	waitFor(t, "avatar renderer per session", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(sessions) == 1 && sessions[0] != ""
	})
}

func TestNewEngineUnknownProvider(t *testing.T) {
	cfg := testConfig()
	cfg.Vendors.LLM.Provider = "nope"
	_, err := NewEngine(Options{Config: cfg, Transport: transportmock.New(), Logger: quiet})
	if err == nil || !strings.Contains(err.Error(), "llm provider not registered: nope") {
		t.Fatalf("expected unregistered provider error, got %v", err)
	}
}

func TestNewEngineRequiresTransport(t *testing.T) {
	if _, err := NewEngine(Options{Config: testConfig(), Logger: quiet}); err == nil {
		t.Fatalf("expected error without transport")
	}
}

func TestSessionConfigMapsDurations(t *testing.T) {
	cfg := testConfig()
	cfg.Session.BargeIn = "polite"
	e := &Engine{cfg: cfg}
	sc := e.sessionConfig("s1", "t1")
	if sc.Turn.SilenceThreshold != 500*time.Millisecond || sc.Turn.FinalizeTimeout != 1200*time.Millisecond {
		t.Fatalf("turn durations not mapped: %+v", sc.Turn)
	}
	if sc.VAD.MinSilence != 200*time.Millisecond || sc.Synth.RetryBackoff != 10*time.Millisecond {
		t.Fatalf("stage durations not mapped: %+v %+v", sc.VAD, sc.Synth)
	}
	if sc.Strategy.BargeInEnabled() {
		t.Fatalf("polite strategy should not barge in")
	}
	if sc.SessionID != "s1" || sc.TraceID != "t1" || sc.Greeting != "Hello there." {
		t.Fatalf("identity not mapped: %+v", sc)
	}
}

func TestInheritCredentialsFromAvatarSettings(t *testing.T) {
	avatarSettings := map[string]any{"api_key": "avatar-key", "base_url": "https://tavus.test", "replica_id": "r1"}
	got := inheritCredentials(map[string]any{"persona_name": "Ada", "API_KEY": "own"}, avatarSettings)
	if got["API_KEY"] != "own" || got["base_url"] != "https://tavus.test" {
		t.Fatalf("unexpected merge: %v", got)
	}
	if _, ok := got["replica_id"]; ok {
		t.Fatalf("selector keys must not be inherited: %v", got)
	}
	if got := inheritCredentials(nil, avatarSettings); got["replica_id"] != "r1" {
		t.Fatalf("empty catalog settings should use avatar settings: %v", got)
	}
}
