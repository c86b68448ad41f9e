// Package clodputererr defines the core's error taxonomy and the policy for
// how each kind propagates: recovered-and-logged, recorded as a run
// failure, or surfaced to the caller as an exception.
package clodputererr

import "fmt"

// Kind enumerates the named error kinds from the error handling design.
type Kind string

const (
	ConfigMissing         Kind = "ConfigMissing"
	LockUnavailable       Kind = "LockUnavailable"
	QueueCorrupt          Kind = "QueueCorrupt"
	SpawnFailed           Kind = "SpawnFailed"
	Timeout               Kind = "Timeout"
	NonZeroExit           Kind = "NonZeroExit"
	OutputParseError      Kind = "OutputParseError"
	CronToolFailure       Kind = "CronToolFailure"
	InvalidCronExpression Kind = "InvalidCronExpression"
	WatcherAlreadyRunning Kind = "WatcherAlreadyRunning"
)

// Error wraps an underlying cause with a classified Kind.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a classified error.
func New(op string, kind Kind, err error) *Error {
	return &Error{Op: op, Kind: kind, Err: err}
}

// Disposition describes how a given Kind is handled by its caller.
type Disposition int

const (
	// RecoveredLogged means the error is handled locally, logged at
	// warning level, and otherwise invisible to the caller.
	RecoveredLogged Disposition = iota
	// RecordedAsFailure means the error is recorded as the outcome of a
	// task run, visible in the event log and the failed ring.
	RecordedAsFailure
	// Surfaced means the error propagates to the caller as an exception
	// and is never written into the queue document.
	Surfaced
)

// DispositionOf classifies how a Kind should propagate, per the error
// handling design's propagation policy.
func DispositionOf(k Kind) Disposition {
	switch k {
	case Timeout, NonZeroExit, OutputParseError, ConfigMissing:
		return RecordedAsFailure
	case LockUnavailable, SpawnFailed, QueueCorrupt, CronToolFailure,
		WatcherAlreadyRunning, InvalidCronExpression:
		return Surfaced
	default:
		return RecoveredLogged
	}
}

// KindOf extracts the Kind from err if it (or something it wraps) is an
// *Error, reporting ok=false otherwise.
func KindOf(err error) (Kind, bool) {
	var e *Error
	for err != nil {
		if asErr, ok := err.(*Error); ok {
			e = asErr
			break
		}
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = unwrapper.Unwrap()
	}
	if e == nil {
		return "", false
	}
	return e.Kind, true
}
