package stage

import (
	"errors"

	"creativepipe/internal/events"
	"creativepipe/internal/services"
)

// Outcome is how a delivery is settled.
type Outcome int

const (
	// OutcomeAck confirms the delivery.
	OutcomeAck Outcome = iota
	// OutcomeRetry naks the delivery for redelivery, or parks it once the
	// delivery budget is spent.
	OutcomeRetry
	// OutcomeTerm parks the delivery immediately.
	OutcomeTerm
	// OutcomeDrop acks the delivery without doing the work.
	OutcomeDrop
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAck:
		return "ack"
	case OutcomeRetry:
		return "retry"
	case OutcomeTerm:
		return "term"
	case OutcomeDrop:
		return "drop"
	default:
		return "unknown"
	}
}

type taggedError struct {
	outcome Outcome
	err     error
}

func (e *taggedError) Error() string { return e.err.Error() }
func (e *taggedError) Unwrap() error { return e.err }

// Retryable marks err as worth redelivering.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &taggedError{outcome: OutcomeRetry, err: err}
}

// Fatal marks err as permanent: the delivery is parked without retry.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &taggedError{outcome: OutcomeTerm, err: err}
}

// Classify maps a handler error to an Outcome. Tagged errors keep their tag;
// untagged errors go through services.FailureDisposition, so anything not
// known to be permanent is retried.
func Classify(err error) Outcome {
	if err == nil {
		return OutcomeAck
	}
	var tagged *taggedError
	if errors.As(err, &tagged) {
		return tagged.outcome
	}
	if errors.Is(err, events.ErrMalformed) {
		return OutcomeTerm
	}
	switch services.FailureDisposition(err) {
	case services.DispositionDrop:
		return OutcomeDrop
	case services.DispositionTerminate:
		return OutcomeTerm
	default:
		return OutcomeRetry
	}
}
