// Package claim guards expensive external calls with short leases.
//
// A stage takes a lease on the natural key of the work it is about to do
// (stage, campaign, locale, aspect ratio) before calling a generator. Two
// concurrent deliveries of the same message then cannot both pay for the
// call: the loser gets a retryable error and, when redelivered, finds the
// winner's artifact already persisted.
package claim

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"creativepipe/internal/services"
)

// Ledger hands out leases keyed by string.
type Ledger interface {
	// Acquire takes key for owner for ttl. It succeeds when the key is free,
	// expired, or already held by owner.
	Acquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	// Release drops the lease if owner still holds it.
	Release(ctx context.Context, key, owner string) error
}

// Key builds the lease key for a unit of stage work. Empty parts are skipped.
func Key(stage, campaignID string, parts ...string) string {
	fields := []string{stage, campaignID}
	for _, p := range parts {
		if p != "" {
			fields = append(fields, p)
		}
	}
	return strings.Join(fields, ":")
}

// NewOwner returns an identity unique to this process.
func NewOwner() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	return fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8])
}

// Guard runs fn while holding the lease on key. When another owner holds the
// lease, fn is not called and a transient error is returned so the delivery
// is retried later. The lease is released once fn returns.
func Guard(ctx context.Context, ledger Ledger, key, owner string, ttl time.Duration, fn func(context.Context) error) error {
	if ledger == nil {
		return fn(ctx)
	}
	ok, err := ledger.Acquire(ctx, key, owner, ttl)
	if err != nil {
		return services.Wrap(services.ErrTransient, "claim", "acquire", key, err)
	}
	if !ok {
		return services.Wrap(services.ErrTransient, "claim", "acquire", "lease held by another worker: "+key, nil)
	}
	defer func() {
		// The caller's context may already be cancelled; release on a fresh one.
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = ledger.Release(releaseCtx, key, owner)
	}()
	return fn(ctx)
}

// Noop grants every lease. It disables claim checking.
type Noop struct{}

func (Noop) Acquire(context.Context, string, string, time.Duration) (bool, error) { return true, nil }
func (Noop) Release(context.Context, string, string) error                        { return nil }
