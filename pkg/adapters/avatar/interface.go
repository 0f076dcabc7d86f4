package avatar

import (
	"context"

	"github.com/harunnryd/duplex/pkg/frames"
)

type SessionInfo struct {
	SessionID   string
	Room        string
	Participant frames.Participant
	SampleRate  int
}

// Renderer turns agent speech into synchronized avatar video.
type Renderer interface {
	Name() string
	// Attach prepares the renderer for the session. Audio must not be
	// rendered before Attach returns nil.
	Attach(ctx context.Context, info SessionInfo) error
	// Render consumes one audio chunk and returns the video frames that
	// accompany it. Renderers that publish video on their own return nil.
	Render(ctx context.Context, chunk frames.AudioChunk) ([]frames.VideoFrame, error)
	Close() error
}

// Interrupter is implemented by renderers that buffer audio remotely and
// must be told when the agent is cut off.
type Interrupter interface {
	Interrupt(ctx context.Context) error
}
