package metrics

// TaggingObserver adds fixed tags to every event it forwards. Tags already
// set on the event win.
type TaggingObserver struct {
	inner Observer
	tags  map[string]string
}

func WithTags(inner Observer, tags map[string]string) *TaggingObserver {
	if inner == nil {
		inner = NoopObserver{}
	}
	return &TaggingObserver{inner: inner, tags: tags}
}

func (t *TaggingObserver) RecordEvent(ev MetricsEvent) {
	merged := make(map[string]string, len(t.tags)+len(ev.Tags))
	for k, v := range t.tags {
		if v != "" {
			merged[k] = v
		}
	}
	for k, v := range ev.Tags {
		if v != "" {
			merged[k] = v
		}
	}
	ev.Tags = merged
	t.inner.RecordEvent(ev)
}
