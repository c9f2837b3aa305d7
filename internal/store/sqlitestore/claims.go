package sqlitestore

import (
	"context"
	"fmt"
	"time"

	"creativepipe/internal/sqliteutil"
)

// AcquireClaim takes the lease on key for owner until ttl elapses. An expired
// lease or one already held by owner is taken over.
func (s *Store) AcquireClaim(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	now := s.now()
	res, err := s.execWithRetry(ctx,
		`INSERT INTO claims (key, owner, expires_at) VALUES (?, ?, ?)
         ON CONFLICT(key) DO UPDATE SET owner = excluded.owner, expires_at = excluded.expires_at
         WHERE claims.expires_at <= ? OR claims.owner = excluded.owner`,
		key, owner, sqliteutil.FormatTime(now.Add(ttl)), sqliteutil.FormatTime(now),
	)
	if err != nil {
		return false, fmt.Errorf("acquire claim %s: %w", key, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("acquire claim %s: %w", key, err)
	}
	return affected > 0, nil
}

// ReleaseClaim drops the lease if owner still holds it.
func (s *Store) ReleaseClaim(ctx context.Context, key, owner string) error {
	if _, err := s.execWithRetry(ctx,
		`DELETE FROM claims WHERE key = ? AND owner = ?`, key, owner,
	); err != nil {
		return fmt.Errorf("release claim %s: %w", key, err)
	}
	return nil
}
