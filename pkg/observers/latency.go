package observers

import (
	"log/slog"
	"sync"
	"time"

	"github.com/harunnryd/duplex/pkg/metrics"
)

// LatencyObserver logs one turn_latency line per finished turn, splitting
// the time from confirmation to first audio into its LLM and TTS parts.
type LatencyObserver struct {
	mu     sync.Mutex
	traces map[turnKey]*trace
	log    *slog.Logger
}

type turnKey struct {
	session string
	turn    string
}

type trace struct {
	confirmed time.Time
	llmFirst  time.Time
	ttsFirst  time.Time
	started   time.Time
	traceID   string
}

func NewLatencyObserver(log *slog.Logger) *LatencyObserver {
	if log == nil {
		log = slog.Default()
	}
	return &LatencyObserver{
		traces: make(map[turnKey]*trace),
		log:    log,
	}
}

func (o *LatencyObserver) RecordEvent(ev metrics.MetricsEvent) {
	if ev.Tags == nil {
		return
	}
	key := turnKey{session: ev.Tag(metrics.TagSessionID), turn: ev.Tag(metrics.TagTurnID)}
	if key.session == "" || key.turn == "" {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if ev.Name == "session_closed" {
		for k := range o.traces {
			if k.session == key.session {
				delete(o.traces, k)
			}
		}
		return
	}
	t := o.traces[key]
	if t == nil {
		if ev.Name != "turn_confirmed" {
			return
		}
		t = &trace{traceID: ev.Tag(metrics.TagTraceID)}
		o.traces[key] = t
	}
	switch ev.Name {
	case "turn_confirmed":
		t.confirmed = ev.Time
	case metrics.EventLLMFirst:
		if t.llmFirst.IsZero() {
			t.llmFirst = ev.Time
		}
	case metrics.EventTTSFirst:
		if t.ttsFirst.IsZero() {
			t.ttsFirst = ev.Time
		}
	case "response_started":
		t.started = ev.Time
	case "response_completed", "interruption", "turn_dropped":
		o.logLocked(key, t, ev.Name)
		delete(o.traces, key)
	}
}

func (o *LatencyObserver) logLocked(key turnKey, t *trace, outcome string) {
	o.log.Info("turn_latency",
		"session_id", key.session,
		"turn_id", key.turn,
		"trace_id", t.traceID,
		"outcome", outcome,
		"llm_first_token_ms", durationMs(t.confirmed, t.llmFirst),
		"tts_first_audio_ms", durationMs(t.llmFirst, t.ttsFirst),
		"response_start_ms", durationMs(t.confirmed, t.started),
	)
}

// durationMs is -1 when either end is unknown. A speculative reply can
// stream its first token before confirmation, which yields a negative
// LLM latency; that is reported as zero.
func durationMs(a, b time.Time) int64 {
	if a.IsZero() || b.IsZero() {
		return -1
	}
	if b.Before(a) {
		return 0
	}
	return b.Sub(a).Milliseconds()
}
