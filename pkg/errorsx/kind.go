package errorsx

import (
	"context"
	"errors"
	"net"

	"github.com/harunnryd/duplex/pkg/resilience"
)

// Kind classifies an error for the session error policy.
type Kind int

const (
	KindUnknown Kind = iota
	KindTransient
	KindStreamDesync
	KindAttachment
	KindClassification
	KindFatalTransport
	KindCanceled
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindStreamDesync:
		return "stream_desync"
	case KindAttachment:
		return "attachment"
	case KindClassification:
		return "classification"
	case KindFatalTransport:
		return "fatal_transport"
	case KindCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// KindedError attaches a Kind to an error.
type KindedError struct {
	Err  error
	Kind Kind
}

func (e KindedError) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return e.Err.Error()
}

func (e KindedError) Unwrap() error { return e.Err }

// WithKind tags err with kind (no-op if err is nil or already tagged).
func WithKind(err error, kind Kind) error {
	if err == nil {
		return nil
	}
	var ke KindedError
	if errors.As(err, &ke) {
		return err
	}
	return KindedError{Err: err, Kind: kind}
}

// KindOf classifies err. Explicit tags win; rate limits and network errors
// are transient; context cancellation is canceled.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var ke KindedError
	if errors.As(err, &ke) {
		return ke.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindCanceled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}
	if resilience.IsRateLimit(err) {
		return KindTransient
	}
	var nerr net.Error
	if errors.As(err, &nerr) {
		return KindTransient
	}
	return KindUnknown
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	return KindOf(err) == KindTransient
}
