package errorsx

import (
	"errors"
	"fmt"
	"log/slog"
)

// Reasoned carries a machine-readable reason next to the error it wraps.
// Logged through slog it expands into msg, reason and kind attributes.
type Reasoned struct {
	Err    error
	Reason ReasonCode
}

func (e *Reasoned) Error() string {
	if e.Err == nil {
		return string(e.Reason)
	}
	return e.Err.Error()
}

func (e *Reasoned) Unwrap() error { return e.Err }

func (e *Reasoned) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("msg", e.Error()),
		slog.String("reason", string(e.Reason)),
		slog.String("kind", KindOf(e).String()),
	)
}

// Wrap attaches reason to err. The innermost reason wins, so a provider's
// reason survives being re-wrapped by the stage that called it.
func Wrap(err error, reason ReasonCode) error {
	if err == nil {
		return nil
	}
	var re *Reasoned
	if errors.As(err, &re) {
		return err
	}
	return &Reasoned{Err: err, Reason: reason}
}

// Errorf formats an error and attaches reason to it.
func Errorf(reason ReasonCode, format string, args ...any) error {
	return Wrap(fmt.Errorf(format, args...), reason)
}

// Reason returns the reason attached to err, or ReasonUnknown.
func Reason(err error) ReasonCode {
	var re *Reasoned
	if err != nil && errors.As(err, &re) {
		return re.Reason
	}
	return ReasonUnknown
}

func HasReason(err error, reason ReasonCode) bool {
	return Reason(err) == reason
}
