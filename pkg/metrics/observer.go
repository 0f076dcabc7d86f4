// Package metrics carries named, tagged events from sessions and providers
// to observers.
package metrics

import "time"

// MetricsEvent is one observation. Value holds the measured quantity,
// usually milliseconds for latency events; Fields carry free-form detail
// that observers may persist.
type MetricsEvent struct {
	Name   string
	Time   time.Time
	Value  float64
	Tags   map[string]string
	Fields map[string]any
}

// Tag returns the tag value for key, or "" when the event has none.
func (ev MetricsEvent) Tag(key string) string {
	return ev.Tags[key]
}

// Observer receives events. Implementations must not block the caller
// for long; wrap slow sinks in an AsyncObserver.
type Observer interface {
	RecordEvent(ev MetricsEvent)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ev MetricsEvent)

func (f ObserverFunc) RecordEvent(ev MetricsEvent) { f(ev) }

type NoopObserver struct{}

func (NoopObserver) RecordEvent(MetricsEvent) {}
