package services

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrExternalTool  = errors.New("external tool error")
	ErrValidation    = errors.New("validation error")
	ErrConfiguration = errors.New("configuration error")
	ErrNotFound      = errors.New("not found")
	ErrTimeout       = errors.New("timeout")
	ErrTransient     = errors.New("transient failure")
	// ErrFenced marks work for a campaign that can no longer make progress.
	ErrFenced = errors.New("campaign fenced")
)

// Disposition is what the delivery layer should do with a message whose
// processing returned an error.
type Disposition int

const (
	// DispositionRetry negatively acknowledges so the bus redelivers.
	DispositionRetry Disposition = iota
	// DispositionTerminate parks the message without spending the redelivery budget.
	DispositionTerminate
	// DispositionDrop acknowledges the message and discards the work.
	DispositionDrop
)

func (d Disposition) String() string {
	switch d {
	case DispositionTerminate:
		return "terminate"
	case DispositionDrop:
		return "drop"
	default:
		return "retry"
	}
}

// Wrap builds an error message that includes stage context while tagging it with
// the provided marker for later classification. The marker should be one
// of the exported sentinel errors above.
func Wrap(marker error, stage, operation, message string, err error) error {
	detail := buildDetail(stage, operation, message)
	if marker == nil {
		marker = ErrTransient
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	return fmt.Errorf("%w: %s", marker, detail)
}

// FailureDisposition maps a stage error to the delivery action.
// Anything not known to be permanent is retried; redelivery is bounded by the bus.
func FailureDisposition(err error) Disposition {
	switch {
	case errors.Is(err, ErrFenced):
		return DispositionDrop
	case errors.Is(err, ErrValidation), errors.Is(err, ErrConfiguration):
		return DispositionTerminate
	default:
		return DispositionRetry
	}
}

func buildDetail(stage, operation, message string) string {
	parts := make([]string, 0, 3)
	if stage = strings.TrimSpace(stage); stage != "" {
		parts = append(parts, stage)
	}
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if message = strings.TrimSpace(message); message != "" {
		parts = append(parts, message)
	}
	if len(parts) == 0 {
		return "service failure"
	}
	return strings.Join(parts, ": ")
}
