package claim

import (
	"context"
	"time"

	"creativepipe/internal/store"
)

// StoreLedger keeps leases in the state store's claims table.
type StoreLedger struct {
	claims store.Claims
}

// NewStoreLedger wraps a store backend.
func NewStoreLedger(claims store.Claims) *StoreLedger {
	return &StoreLedger{claims: claims}
}

func (l *StoreLedger) Acquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	return l.claims.AcquireClaim(ctx, key, owner, ttl)
}

func (l *StoreLedger) Release(ctx context.Context, key, owner string) error {
	return l.claims.ReleaseClaim(ctx, key, owner)
}
