package session

import (
	"strconv"
	"time"

	"github.com/harunnryd/duplex/pkg/errorsx"
	"github.com/harunnryd/duplex/pkg/metrics"
	"github.com/harunnryd/duplex/pkg/redact"
)

type EventKind string

const (
	EventSessionStarted      EventKind = "session_started"
	EventStateChanged        EventKind = "state_changed"
	EventSessionClosed       EventKind = "session_closed"
	EventTurnStarted         EventKind = "turn_started"
	EventTurnProvisional     EventKind = "turn_provisional"
	EventTurnRetracted       EventKind = "turn_retracted"
	EventTurnConfirmed       EventKind = "turn_confirmed"
	EventTurnDropped         EventKind = "turn_dropped"
	EventTurnRetried         EventKind = "turn_retried"
	EventResponseStarted     EventKind = "response_started"
	EventResponseCompleted   EventKind = "response_completed"
	EventInterruption        EventKind = "interruption"
	EventGenerationCancelled EventKind = "generation_cancelled"
	EventSubsystemDegraded   EventKind = "subsystem_degraded"
	EventSpeechTranscribed   EventKind = "user_speech_transcribed"
	EventSpeechCommitted     EventKind = "user_speech_committed"
)

// Reasons carried by generation_cancelled and turn_dropped.
const (
	ReasonRetracted         = "retracted"
	ReasonTranscriptChanged = "transcript_changed"
	ReasonInterrupted       = "interrupted"
	ReasonClosed            = "closed"
	ReasonEmptyReply        = "empty_reply"
)

// Event is a session lifecycle notification. Fields not relevant to Kind
// are zero.
type Event struct {
	Kind       EventKind
	SessionID  string
	TurnID     uint64
	At         time.Time
	From       State
	To         State
	Transcript string
	// Reply is the agent text of a completed turn, or the part the
	// participant heard before an interruption.
	Reply     string
	Forced    bool
	Reason    string
	ErrKind   errorsx.Kind
	Err       error
	Subsystem string
	Latency   time.Duration
}

// Metrics converts the event for metrics observers. Transcripts pass
// through PII redaction.
func (e Event) Metrics() metrics.MetricsEvent {
	tags := map[string]string{
		metrics.TagSessionID: e.SessionID,
		metrics.TagComponent: "session",
	}
	switch e.Kind {
	case EventSessionStarted, EventSessionClosed, EventStateChanged, EventSubsystemDegraded, EventSpeechTranscribed:
	default:
		tags[metrics.TagTurnID] = strconv.FormatUint(e.TurnID, 10)
	}
	fields := map[string]any{}
	if e.Kind == EventStateChanged {
		fields["from"] = e.From.String()
		fields["to"] = e.To.String()
	}
	if e.Transcript != "" {
		fields["transcript"] = redact.Text(e.Transcript)
	}
	if e.Reply != "" {
		fields["reply"] = redact.Text(e.Reply)
	}
	if e.Forced {
		fields["forced"] = true
	}
	if e.Reason != "" {
		fields["reason"] = e.Reason
	}
	if e.Err != nil {
		fields["error"] = e.Err.Error()
		fields["error_kind"] = e.ErrKind.String()
	}
	if e.Subsystem != "" {
		tags["subsystem"] = e.Subsystem
	}
	return metrics.MetricsEvent{
		Name:   string(e.Kind),
		Time:   e.At,
		Value:  float64(e.Latency.Milliseconds()),
		Tags:   tags,
		Fields: fields,
	}
}
