package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// IdempotencyKey derives a stable key from the work identity. Two deliveries
// of the same job in the same epoch produce the same key.
func IdempotencyKey(meetingID, step string, epoch int, payload []byte) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%d|", meetingID, step, epoch)
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// ClaimIdempotency claims the key for this execution. Returns false when a
// previous execution already claimed it, meaning the side effect must be
// skipped.
func (s *Store) ClaimIdempotency(ctx context.Context, key, meetingID, step string, epoch int) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO idempotency_keys (key, meeting_id, step, epoch)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (key) DO NOTHING`,
		key, meetingID, step, epoch)
	if err != nil {
		return false, fmt.Errorf("claim idempotency key: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim idempotency rows: %w", err)
	}
	return n == 1, nil
}

// ReleaseIdempotency removes a claim after a failed execution so a retry can
// run the side effect again.
func (s *Store) ReleaseIdempotency(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM idempotency_keys WHERE key = $1`, key); err != nil {
		return fmt.Errorf("release idempotency key: %w", err)
	}
	return nil
}

// PruneIdempotencyKeys deletes claims older than cutoff. Called by the
// retention pass; the table would otherwise grow without bound.
func (s *Store) PruneIdempotencyKeys(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM idempotency_keys WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune idempotency keys: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune idempotency rows: %w", err)
	}
	return n, nil
}
