package synth

import (
	"fmt"

	"github.com/harunnryd/duplex/pkg/errorsx"
)

// StreamDesyncError reports a segment that breaks the gapless per-turn
// ordering the pipeline relies on.
type StreamDesyncError struct {
	TurnID    uint64
	GotTurnID uint64
	Expected  int
	Got       int
	AfterLast bool
}

func (e *StreamDesyncError) Error() string {
	switch {
	case e.GotTurnID != e.TurnID:
		return fmt.Sprintf("segment for turn %d on turn %d stream", e.GotTurnID, e.TurnID)
	case e.AfterLast:
		return fmt.Sprintf("turn %d: segment %d after last segment", e.TurnID, e.Got)
	default:
		return fmt.Sprintf("turn %d: expected segment %d, got %d", e.TurnID, e.Expected, e.Got)
	}
}

func desync(e *StreamDesyncError) error {
	return errorsx.WithKind(errorsx.Wrap(e, errorsx.ReasonSynthDesync), errorsx.KindStreamDesync)
}
