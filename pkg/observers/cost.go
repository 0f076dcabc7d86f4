package observers

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/harunnryd/duplex/pkg/metrics"
)

// CostSummary is the billable usage of one session.
type CostSummary struct {
	SessionID     string  `json:"session_id"`
	TraceID       string  `json:"trace_id,omitempty"`
	STTAudioSec   float64 `json:"stt_audio_seconds"`
	TTSAudioSec   float64 `json:"tts_audio_seconds"`
	LLMCalls      int     `json:"llm_calls"`
	LLMMillis     float64 `json:"llm_ms"`
	AvatarFrames  int     `json:"avatar_frames"`
	RecordedAtUTC string  `json:"recorded_at_utc"`
}

// CostObserver accumulates usage per session and writes
// <session>.cost.json when the session closes.
type CostObserver struct {
	dir   string
	mu    sync.Mutex
	stats map[string]*CostSummary
}

func NewCostObserver(dir string) *CostObserver {
	return &CostObserver{dir: dir, stats: make(map[string]*CostSummary)}
}

func (o *CostObserver) RecordEvent(ev metrics.MetricsEvent) {
	if strings.TrimSpace(o.dir) == "" || ev.Tags == nil {
		return
	}
	id := ev.Tag(metrics.TagSessionID)
	if id == "" {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	stat := o.stats[id]
	if stat == nil {
		stat = &CostSummary{SessionID: id}
		o.stats[id] = stat
	}
	if stat.TraceID == "" {
		stat.TraceID = ev.Tag(metrics.TagTraceID)
	}
	switch ev.Name {
	case metrics.EventAudioIn:
		stat.STTAudioSec += pcmSeconds(ev)
	case metrics.EventAudioOut:
		stat.TTSAudioSec += pcmSeconds(ev)
	case metrics.EventLLMDone:
		stat.LLMCalls++
		stat.LLMMillis += ev.Value
	case metrics.EventAvatarRender:
		stat.AvatarFrames += int(ev.Value)
	case "session_closed":
		if err := o.writeLocked(id, stat); err == nil {
			delete(o.stats, id)
		}
	}
}

// Close writes the summaries of sessions that are still open.
func (o *CostObserver) Close() error {
	if strings.TrimSpace(o.dir) == "" {
		return nil
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	var errOut error
	for id, stat := range o.stats {
		errOut = errors.Join(errOut, o.writeLocked(id, stat))
	}
	o.stats = make(map[string]*CostSummary)
	return errOut
}

func (o *CostObserver) writeLocked(id string, stat *CostSummary) error {
	if err := os.MkdirAll(o.dir, 0o755); err != nil {
		return err
	}
	stat.RecordedAtUTC = time.Now().UTC().Format(time.RFC3339)
	b, err := json.MarshalIndent(stat, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(o.dir, sanitizeID(id)+".cost.json"), b, 0o644)
}

// pcmSeconds converts an audio event's byte count to seconds of mono
// PCM16.
func pcmSeconds(ev metrics.MetricsEvent) float64 {
	rate := 0
	switch v := ev.Fields["sample_rate"].(type) {
	case int:
		rate = v
	case float64:
		rate = int(v)
	}
	if rate <= 0 || ev.Value <= 0 {
		return 0
	}
	return ev.Value / float64(2*rate)
}

var _ metrics.Observer = (*CostObserver)(nil)
