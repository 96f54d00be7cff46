package store

import (
	"context"
	"fmt"
	"time"
)

// Allow counts one request against key in a fixed window. The first request
// after the window expired opens a new one. It reports whether the request
// fits under limit and when the current window ends.
func (s *Store) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, time.Time, error) {
	now := s.now().UnixMilli()
	expires := now + window.Milliseconds()

	var count, expiresAt int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO rate_limits (key, count, expires_at) VALUES (?, 1, ?)
		ON CONFLICT(key) DO UPDATE SET
			count = CASE WHEN rate_limits.expires_at <= ? THEN 1 ELSE rate_limits.count + 1 END,
			expires_at = CASE WHEN rate_limits.expires_at <= ? THEN excluded.expires_at ELSE rate_limits.expires_at END
		RETURNING count, expires_at`,
		key, expires, now, now,
	).Scan(&count, &expiresAt)
	if err != nil {
		return false, time.Time{}, fmt.Errorf("count request for %s: %w", key, err)
	}

	return count <= int64(limit), time.UnixMilli(expiresAt), nil
}
