package observers

import (
	"bufio"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/harunnryd/duplex/pkg/metrics"
	"github.com/harunnryd/duplex/pkg/redact"
)

// defaultMaxOpen bounds open timeline files; the least recently written
// one is closed first and reopened in append mode if it resumes.
const defaultMaxOpen = 256

// TimelineObserver writes one JSONL trace per session, named after the
// trace ID when present. Per-frame events are buffered and lifecycle
// events flush, so a crash loses at most the audio tail of a turn.
type TimelineObserver struct {
	dir     string
	maxOpen int

	mu    sync.Mutex
	files map[string]*timelineFile
}

type timelineFile struct {
	f    *os.File
	w    *bufio.Writer
	last time.Time
}

func NewTimelineObserver(dir string) *TimelineObserver {
	return &TimelineObserver{dir: dir, maxOpen: defaultMaxOpen, files: make(map[string]*timelineFile)}
}

func (o *TimelineObserver) RecordEvent(ev metrics.MetricsEvent) {
	if strings.TrimSpace(o.dir) == "" {
		return
	}
	sessionID := ev.Tag(metrics.TagSessionID)
	traceID := ev.Tag(metrics.TagTraceID)
	key := sanitizeID(traceID)
	if key == "" {
		key = sanitizeID(sessionID)
	}
	if key == "" {
		return
	}
	line, err := json.Marshal(timelineEvent{
		Time:      ev.Time.UTC(),
		Event:     ev.Name,
		SessionID: sessionID,
		TraceID:   traceID,
		TurnID:    ev.Tag(metrics.TagTurnID),
		Value:     ev.Value,
		Tags:      extraTags(ev.Tags),
		Fields:    redact.Fields(ev.Fields),
	})
	if err != nil {
		return
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	tf := o.openLocked(key)
	if tf == nil {
		return
	}
	tf.last = time.Now()
	_, _ = tf.w.Write(append(line, '\n'))
	switch {
	case ev.Name == "session_closed":
		_ = tf.close()
		delete(o.files, key)
	case !isHighVolume(ev.Name):
		_ = tf.w.Flush()
	}
}

// Close flushes and closes every open trace.
func (o *TimelineObserver) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	var err error
	for key, tf := range o.files {
		err = errors.Join(err, tf.close())
		delete(o.files, key)
	}
	return err
}

func (o *TimelineObserver) openLocked(key string) *timelineFile {
	if tf := o.files[key]; tf != nil {
		return tf
	}
	if len(o.files) >= o.maxOpen {
		o.evictLocked()
	}
	if err := os.MkdirAll(o.dir, 0o755); err != nil {
		return nil
	}
	f, err := os.OpenFile(filepath.Join(o.dir, key+".jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil
	}
	tf := &timelineFile{f: f, w: bufio.NewWriter(f)}
	o.files[key] = tf
	return tf
}

func (o *TimelineObserver) evictLocked() {
	var oldest string
	var at time.Time
	for key, tf := range o.files {
		if oldest == "" || tf.last.Before(at) {
			oldest, at = key, tf.last
		}
	}
	if oldest != "" {
		_ = o.files[oldest].close()
		delete(o.files, oldest)
	}
}

func (tf *timelineFile) close() error {
	return errors.Join(tf.w.Flush(), tf.f.Close())
}

type timelineEvent struct {
	Time      time.Time         `json:"time"`
	Event     string            `json:"event"`
	SessionID string            `json:"session_id,omitempty"`
	TraceID   string            `json:"trace_id,omitempty"`
	TurnID    string            `json:"turn_id,omitempty"`
	Value     float64           `json:"value,omitempty"`
	Tags      map[string]string `json:"tags,omitempty"`
	Fields    map[string]any    `json:"fields,omitempty"`
}

func isHighVolume(name string) bool {
	for _, n := range metrics.HighVolume {
		if n == name {
			return true
		}
	}
	return false
}

func sanitizeID(id string) string {
	id = strings.TrimSpace(id)
	if id == "" {
		return ""
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-' || r == '_' || r == '.':
			return r
		default:
			return '_'
		}
	}, id)
}

// extraTags drops the tags already promoted to top-level fields.
func extraTags(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		switch k {
		case metrics.TagSessionID, metrics.TagTraceID, metrics.TagTurnID:
			continue
		}
		out[k] = v
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

var _ metrics.Observer = (*TimelineObserver)(nil)
