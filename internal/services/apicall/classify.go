package apicall

import (
	"context"
	"errors"
	"fmt"

	"creativepipe/internal/services"
)

// Classify tags the final error of a Do call with a services marker.
func Classify(component, op string, attempts int, err error) error {
	var statusErr *StatusError
	detail := fmt.Sprintf("after %d attempts", attempts)
	switch {
	case errors.As(err, &statusErr) && statusErr.Unauthorized():
		return services.Wrap(services.ErrConfiguration, component, op, "credentials rejected", err)
	case BreakerOpen(err):
		return services.Wrap(services.ErrTransient, component, op, "circuit open", err)
	case errors.Is(err, context.DeadlineExceeded), IsTimeout(err):
		return services.Wrap(services.ErrTimeout, component, op, detail, err)
	default:
		return services.Wrap(services.ErrExternalTool, component, op, detail, err)
	}
}
