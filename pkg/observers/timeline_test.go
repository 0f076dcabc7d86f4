package observers

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/harunnryd/duplex/pkg/metrics"
)

func sessionTags(turn string) map[string]string {
	tags := map[string]string{
		metrics.TagSessionID: "sess-1",
		metrics.TagTraceID:   "trace-1",
	}
	if turn != "" {
		tags[metrics.TagTurnID] = turn
	}
	return tags
}

func TestTimelineObserverWritesJSONL(t *testing.T) {
	dir := t.TempDir()
	obs := NewTimelineObserver(dir)

	obs.RecordEvent(metrics.MetricsEvent{Name: "turn_confirmed", Time: time.Now(), Tags: sessionTags("1"), Fields: map[string]any{"transcript": "hi"}})
	obs.RecordEvent(metrics.MetricsEvent{Name: "session_closed", Time: time.Now(), Tags: sessionTags("")})
	if err := obs.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	b, err := os.ReadFile(filepath.Join(dir, "trace-1.jsonl"))
	if err != nil {
		t.Fatalf("read file: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(b)), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}
	var first timelineEvent
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if first.Event != "turn_confirmed" || first.SessionID != "sess-1" || first.TurnID != "1" {
		t.Fatalf("unexpected entry %+v", first)
	}
	if len(obs.files) != 0 {
		t.Fatalf("expected file to be released on session_closed")
	}
}

func TestTimelineObserverIgnoresUntaggedEvents(t *testing.T) {
	dir := t.TempDir()
	obs := NewTimelineObserver(dir)
	obs.RecordEvent(metrics.MetricsEvent{Name: metrics.EventBreakerOpen, Time: time.Now(), Tags: map[string]string{metrics.TagProvider: "openai"}})
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Fatalf("expected no files, got %d", len(entries))
	}
}

func TestTimelineObserverEvictsAndReopens(t *testing.T) {
	dir := t.TempDir()
	obs := NewTimelineObserver(dir)
	obs.maxOpen = 1
	tags := func(trace string) map[string]string {
		return map[string]string{metrics.TagSessionID: "s-" + trace, metrics.TagTraceID: trace}
	}
	obs.RecordEvent(metrics.MetricsEvent{Name: metrics.EventAudioIn, Time: time.Now(), Tags: tags("a")})
	obs.RecordEvent(metrics.MetricsEvent{Name: "turn_started", Time: time.Now(), Tags: tags("b")})
	if len(obs.files) != 1 {
		t.Fatalf("expected one open file, got %d", len(obs.files))
	}
	// evicted trace "a" was flushed before closing
	b, err := os.ReadFile(filepath.Join(dir, "a.jsonl"))
	if err != nil || strings.Count(string(b), "\n") != 1 {
		t.Fatalf("expected buffered line flushed on eviction, got %q err=%v", b, err)
	}
	obs.RecordEvent(metrics.MetricsEvent{Name: "turn_started", Time: time.Now(), Tags: tags("a")})
	if err := obs.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	b, _ = os.ReadFile(filepath.Join(dir, "a.jsonl"))
	if strings.Count(string(b), "\n") != 2 {
		t.Fatalf("expected reopened trace to append, got %q", b)
	}
}

func TestCostObserverWritesOnClose(t *testing.T) {
	dir := t.TempDir()
	obs := NewCostObserver(dir)
	now := time.Now()
	// one second of 16kHz PCM16 in and half a second out
	obs.RecordEvent(metrics.MetricsEvent{Name: metrics.EventAudioIn, Time: now, Value: 32000, Tags: sessionTags(""), Fields: map[string]any{"sample_rate": 16000}})
	obs.RecordEvent(metrics.MetricsEvent{Name: metrics.EventAudioOut, Time: now, Value: 24000, Tags: sessionTags("1"), Fields: map[string]any{"sample_rate": 24000}})
	obs.RecordEvent(metrics.MetricsEvent{Name: metrics.EventLLMDone, Time: now, Value: 300, Tags: sessionTags("1")})
	obs.RecordEvent(metrics.MetricsEvent{Name: "session_closed", Time: now, Tags: sessionTags("")})

	b, err := os.ReadFile(filepath.Join(dir, "sess-1.cost.json"))
	if err != nil {
		t.Fatalf("read cost: %v", err)
	}
	var sum CostSummary
	if err := json.Unmarshal(b, &sum); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if sum.STTAudioSec != 1 || sum.TTSAudioSec != 0.5 || sum.LLMCalls != 1 || sum.TraceID != "trace-1" {
		t.Fatalf("unexpected summary %+v", sum)
	}
}

type captureHandler struct {
	records []slog.Record
}

func (h *captureHandler) Enabled(_ context.Context, _ slog.Level) bool { return true }
func (h *captureHandler) Handle(_ context.Context, r slog.Record) error {
	h.records = append(h.records, r)
	return nil
}
func (h *captureHandler) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h *captureHandler) WithGroup(string) slog.Handler      { return h }

func TestLatencyObserverLogsCompletedTurn(t *testing.T) {
	h := &captureHandler{}
	obs := NewLatencyObserver(slog.New(h))
	base := time.Now()
	obs.RecordEvent(metrics.MetricsEvent{Name: metrics.EventLLMFirst, Time: base, Tags: sessionTags("1")})
	obs.RecordEvent(metrics.MetricsEvent{Name: "turn_confirmed", Time: base, Tags: sessionTags("1")})
	obs.RecordEvent(metrics.MetricsEvent{Name: metrics.EventLLMFirst, Time: base.Add(100 * time.Millisecond), Tags: sessionTags("1")})
	obs.RecordEvent(metrics.MetricsEvent{Name: metrics.EventTTSFirst, Time: base.Add(250 * time.Millisecond), Tags: sessionTags("1")})
	obs.RecordEvent(metrics.MetricsEvent{Name: "response_started", Time: base.Add(260 * time.Millisecond), Tags: sessionTags("1")})
	obs.RecordEvent(metrics.MetricsEvent{Name: "response_completed", Time: base.Add(time.Second), Tags: sessionTags("1")})

	if len(h.records) != 1 {
		t.Fatalf("expected one latency line, got %d", len(h.records))
	}
	got := map[string]int64{}
	h.records[0].Attrs(func(a slog.Attr) bool {
		if a.Value.Kind() == slog.KindInt64 {
			got[a.Key] = a.Value.Int64()
		}
		return true
	})
	if got["llm_first_token_ms"] != 100 || got["tts_first_audio_ms"] != 150 || got["response_start_ms"] != 260 {
		t.Fatalf("unexpected latencies %v", got)
	}
	if len(obs.traces) != 0 {
		t.Fatalf("expected trace to be released")
	}
}

func TestDurationMsClampsSpeculation(t *testing.T) {
	now := time.Now()
	if got := durationMs(now, now.Add(-time.Second)); got != 0 {
		t.Fatalf("expected 0 for reversed order, got %d", got)
	}
	if got := durationMs(time.Time{}, now); got != -1 {
		t.Fatalf("expected -1 for unknown start, got %d", got)
	}
}

func TestPurgeArtifactsKeepsOtherFiles(t *testing.T) {
	dir := t.TempDir()
	old := time.Now().Add(-48 * time.Hour)
	for _, name := range []string{"a.jsonl", "a.cost.json", "notes.txt"} {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
		if err := os.Chtimes(path, old, old); err != nil {
			t.Fatal(err)
		}
	}
	removed, err := PurgeArtifacts(dir, 24*time.Hour)
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if removed != 2 {
		t.Fatalf("expected 2 removed, got %d", removed)
	}
	if _, err := os.Stat(filepath.Join(dir, "notes.txt")); err != nil {
		t.Fatalf("notes.txt should survive: %v", err)
	}
}

func TestRetentionRunSweepsUntilCanceled(t *testing.T) {
	dir := t.TempDir()
	r := NewRetention(dir, time.Hour, slog.New(&captureHandler{}))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx, 5*time.Millisecond)
		close(done)
	}()

	path := filepath.Join(dir, "old.jsonl")
	if err := os.WriteFile(path, []byte("{}\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	old := time.Now().Add(-2 * time.Hour)
	if err := os.Chtimes(path, old, old); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("old artifact was not swept")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("retention did not stop")
	}
	if n, err := PurgeArtifacts(filepath.Join(dir, "missing"), time.Hour); n != 0 || err != nil {
		t.Fatalf("missing dir should be a no-op, got %d %v", n, err)
	}
}
