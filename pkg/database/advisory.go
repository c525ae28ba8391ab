package database

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// WithMeetingLock runs fn inside a transaction holding the per-meeting
// advisory lock. The lock serializes chunk sequence assignment and artifact
// writes for one meeting and releases automatically at transaction end, so a
// crashed holder never wedges the meeting.
func WithMeetingLock(ctx context.Context, db *sqlx.DB, meetingID string, fn func(tx *sqlx.Tx) error) error {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin meeting lock tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, meetingID); err != nil {
		return fmt.Errorf("acquire meeting lock: %w", err)
	}

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit meeting lock tx: %w", err)
	}
	return nil
}
