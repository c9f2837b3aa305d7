package stage

import (
	"context"
	"errors"
	"time"

	"creativepipe/internal/bus"
	"creativepipe/internal/events"
	"creativepipe/internal/services"
	"creativepipe/internal/store"
)

// MissingPrerequisite turns a lookup miss for an upstream artifact into a
// retryable error. Chain order inside a campaign is enforced this way: a
// stage that runs ahead of the write it depends on waits for redelivery.
func MissingPrerequisite(stageName, what string, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return Retryable(services.Wrap(services.ErrNotFound, stageName, "load "+what, what+" not yet persisted", err))
	}
	return Retryable(services.Wrap(services.ErrTransient, stageName, "load "+what, "", err))
}

// PersistFailed wraps a store write failure as retryable.
func PersistFailed(stageName, what string, err error) error {
	return Retryable(services.Wrap(services.ErrTransient, stageName, "persist "+what, "", err))
}

// Emit publishes the next event in the chain. A publish failure after the
// persist step is retryable: redelivery finds the stored artifact and
// publishes again under the same dedup key.
func Emit(ctx context.Context, pub bus.Publisher, stageName string, t events.Type, addr events.Address, payload any, now time.Time) error {
	env, err := events.New(t, addr, payload, now)
	if err != nil {
		return Fatal(services.Wrap(services.ErrValidation, stageName, "build "+string(t), "", err))
	}
	if err := bus.PublishEnvelope(ctx, pub, env); err != nil {
		return Retryable(services.Wrap(services.ErrTransient, stageName, "publish "+string(t), "", err))
	}
	return nil
}
