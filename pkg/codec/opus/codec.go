// Package opus wraps libopus for browser audio. Builds without the opus
// tag get a codec that reports ErrUnavailable.
package opus

import (
	"errors"
	"time"
)

var ErrUnavailable = errors.New("opus: built without libopus (use -tags opus)")

// FrameDuration is the packet size produced by Encoder.
const FrameDuration = 20 * time.Millisecond

func frameSamples(rate int) int {
	return rate * int(FrameDuration/time.Millisecond) / 1000
}
