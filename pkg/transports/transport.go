package transports

import (
	"context"
	"errors"
	"time"

	"github.com/harunnryd/duplex/pkg/frames"
)

// ErrLinkClosed is returned by Link writes after the link went away.
var ErrLinkClosed = errors.New("link closed")

// Transport is a room or telephony boundary. Each remote participant that
// joins is delivered as a Link. Implementations own their network lifecycle.
type Transport interface {
	Name() string
	Start(ctx context.Context) error
	Stop() error
	Links() <-chan Link
}

// Link is one connected participant.
type Link interface {
	ID() string
	Room() string
	Participant() frames.Participant
	// Audio delivers inbound frames and is closed when the participant
	// leaves.
	Audio() <-chan frames.AudioFrame
	SendAudio(chunk frames.AudioChunk) error
	SendVideo(frame frames.VideoFrame) error
	// ClearPlayback drops audio that was sent but not yet played.
	ClearPlayback() error
	Done() <-chan struct{}
	// Err is nil when the participant left normally.
	Err() error
	Close() error
}

// OutboundDialer allows transports to initiate outbound calls.
type OutboundDialer interface {
	Dial(ctx context.Context, to, from, url string) (callSID string, err error)
}

// DialOptions carries optional outbound dial settings.
type DialOptions struct {
	// SendDigits are played as DTMF once the call connects.
	SendDigits string
	// Room and TraceID are handed to the session created for the call.
	Room    string
	TraceID string
	// RingTimeout bounds how long the callee may ring. Zero uses the
	// carrier default.
	RingTimeout time.Duration
}

// OutboundDialerWithOptions extends dialing with optional parameters.
type OutboundDialerWithOptions interface {
	DialWithOptions(ctx context.Context, to, from, url string, opts DialOptions) (callSID string, err error)
}

// ReadyReporter allows transports to expose readiness metadata (e.g., webhook URLs).
// Implementations are optional and used for informational logging only.
type ReadyReporter interface {
	ReadyFields() map[string]any
}
