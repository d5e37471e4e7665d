package tts

import (
	"context"
	"errors"
)

// ErrSynthesisCanceled is the error a caller reports for a Canceled outcome.
var ErrSynthesisCanceled = errors.New("speech synthesis canceled")

// Status is the terminal state of one synthesis.
type Status int

const (
	StatusCompleted Status = iota // audio was produced
	StatusCanceled                // the service gave up; Reason says why
)

func (s Status) String() string {
	switch s {
	case StatusCompleted:
		return "completed"
	case StatusCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Outcome is the result of Synthesize. Audio is set only when Completed.
type Outcome struct {
	Status      Status
	Audio       []byte
	ContentType string
	Reason      string
	// Cause is the underlying failure of a Canceled outcome, when known.
	Cause error
}

// Completed reports whether audio was produced.
func (o Outcome) Completed() bool {
	return o.Status == StatusCompleted && len(o.Audio) > 0
}

// Err returns nil for a completed outcome and a wrapped
// ErrSynthesisCanceled otherwise.
func (o Outcome) Err() error {
	if o.Completed() {
		return nil
	}
	if o.Reason == "" && o.Cause == nil {
		return ErrSynthesisCanceled
	}
	return &CanceledError{Reason: o.Reason, Cause: o.Cause}
}

// CanceledError carries the cancellation reason. It matches
// ErrSynthesisCanceled and, through Cause, errors such as
// context.DeadlineExceeded.
type CanceledError struct {
	Reason string
	Cause  error
}

func (e *CanceledError) Error() string {
	reason := e.Reason
	if reason == "" && e.Cause != nil {
		reason = e.Cause.Error()
	}
	if reason == "" {
		return ErrSynthesisCanceled.Error()
	}
	return ErrSynthesisCanceled.Error() + ": " + reason
}

func (e *CanceledError) Unwrap() []error {
	if e.Cause == nil {
		return []error{ErrSynthesisCanceled}
	}
	return []error{ErrSynthesisCanceled, e.Cause}
}

// Synthesizer turns text into audio with a fixed voice.
type Synthesizer interface {
	// Synthesize never returns audio for a canceled outcome
	Synthesize(ctx context.Context, text string) Outcome
}
