package observers

import (
	"context"
	"log/slog"
	"sync"

	"github.com/harunnryd/duplex/pkg/metrics"
)

// levels overrides the info default. Per-frame events go to debug so a
// session at info logs one line per turn step, not per 20ms of audio.
var levels = map[string]slog.Level{
	metrics.EventAudioIn:      slog.LevelDebug,
	metrics.EventAudioOut:     slog.LevelDebug,
	metrics.EventVADSample:    slog.LevelDebug,
	metrics.EventAvatarRender: slog.LevelDebug,
	"state_changed":           slog.LevelDebug,

	metrics.EventBreakerOpen:   slog.LevelWarn,
	metrics.EventBreakerDenied: slog.LevelWarn,
	metrics.EventRateLimit:     slog.LevelWarn,
	metrics.EventFramesDrop:    slog.LevelWarn,
	"turn_dropped":             slog.LevelWarn,
	"subsystem_degraded":       slog.LevelWarn,
}

// LoggerObserver writes each event as a log line whose message is the
// event name.
type LoggerObserver struct {
	log *slog.Logger
}

func NewLoggerObserver(log *slog.Logger) *LoggerObserver {
	if log == nil {
		log = slog.Default()
	}
	return &LoggerObserver{log: log}
}

func (o *LoggerObserver) RecordEvent(ev metrics.MetricsEvent) {
	level, ok := levels[ev.Name]
	if !ok {
		level = slog.LevelInfo
	}
	ctx := context.Background()
	if !o.log.Enabled(ctx, level) {
		return
	}
	attrs := make([]slog.Attr, 0, len(ev.Tags)+len(ev.Fields)+1)
	if ev.Value != 0 {
		attrs = append(attrs, slog.Float64("value", ev.Value))
	}
	for k, v := range ev.Tags {
		attrs = append(attrs, slog.String(k, v))
	}
	for k, v := range ev.Fields {
		attrs = append(attrs, slog.Any(k, v))
	}
	o.log.LogAttrs(ctx, level, ev.Name, attrs...)
}

// MultiObserver fans each event out to every registered observer in order.
type MultiObserver struct {
	mu   sync.RWMutex
	list []metrics.Observer
}

func NewMultiObserver(list ...metrics.Observer) *MultiObserver {
	m := &MultiObserver{}
	for _, obs := range list {
		m.Add(obs)
	}
	return m
}

// Add registers obs. Nil observers are ignored.
func (m *MultiObserver) Add(obs metrics.Observer) {
	if obs == nil {
		return
	}
	m.mu.Lock()
	m.list = append(m.list, obs)
	m.mu.Unlock()
}

func (m *MultiObserver) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.list)
}

func (m *MultiObserver) RecordEvent(ev metrics.MetricsEvent) {
	m.mu.RLock()
	list := m.list
	m.mu.RUnlock()
	for _, obs := range list {
		obs.RecordEvent(ev)
	}
}
