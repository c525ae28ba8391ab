package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/meetpipe/meetpipe/pkg/models"
)

const sessionColumns = `id, meeting_id, provider, state, provider_ref, joined_at,
	last_seen, live_pull_failures, last_error, updated_at`

// CreateSession inserts a new connector session in the joining state. The
// partial unique index rejects a second non-terminal session for the same
// (meeting, provider); that surfaces as ErrAlreadyExists.
func (s *Store) CreateSession(ctx context.Context, meetingID, provider string) (*models.ConnectorSession, error) {
	var sess models.ConnectorSession
	err := s.db.GetContext(ctx, &sess, `
		INSERT INTO connector_sessions (meeting_id, provider, state)
		VALUES ($1, $2, 'joining')
		RETURNING `+sessionColumns,
		meetingID, provider)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: active session for meeting %s", ErrAlreadyExists, meetingID)
		}
		return nil, fmt.Errorf("create session: %w", err)
	}
	return &sess, nil
}

// GetSession fetches a session by id.
func (s *Store) GetSession(ctx context.Context, id int64) (*models.ConnectorSession, error) {
	var sess models.ConnectorSession
	err := s.db.GetContext(ctx, &sess,
		`SELECT `+sessionColumns+` FROM connector_sessions WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: session %d", ErrNotFound, id)
		}
		return nil, fmt.Errorf("get session: %w", err)
	}
	return &sess, nil
}

// ActiveSession returns the non-terminal session for (meeting, provider).
func (s *Store) ActiveSession(ctx context.Context, meetingID, provider string) (*models.ConnectorSession, error) {
	var sess models.ConnectorSession
	err := s.db.GetContext(ctx, &sess, `
		SELECT `+sessionColumns+` FROM connector_sessions
		WHERE meeting_id = $1 AND provider = $2 AND state <> 'dead'`,
		meetingID, provider)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: no active session for meeting %s", ErrNotFound, meetingID)
		}
		return nil, fmt.Errorf("get active session: %w", err)
	}
	return &sess, nil
}

// MarkSessionConnected records a successful join with the provider's
// reference, stamping joined_at and last_seen.
func (s *Store) MarkSessionConnected(ctx context.Context, id int64, providerRef string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE connector_sessions
		SET state = 'connected', provider_ref = $2, joined_at = now(), last_seen = now(),
		    live_pull_failures = 0, last_error = '', updated_at = now()
		WHERE id = $1`,
		id, providerRef)
	if err != nil {
		return fmt.Errorf("mark session connected: %w", err)
	}
	return checkSessionUpdated(res, id)
}

// SetSessionState moves the session to state, recording the error text for
// failure transitions.
func (s *Store) SetSessionState(ctx context.Context, id int64, state models.SessionState, lastError string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE connector_sessions
		SET state = $2, last_error = $3, updated_at = now()
		WHERE id = $1`,
		id, state, lastError)
	if err != nil {
		return fmt.Errorf("set session state: %w", err)
	}
	return checkSessionUpdated(res, id)
}

// TouchSessionSeen refreshes last_seen and clears the live-pull failure
// counter after a successful pull.
func (s *Store) TouchSessionSeen(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE connector_sessions
		SET last_seen = now(), live_pull_failures = 0, updated_at = now()
		WHERE id = $1`,
		id)
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	return checkSessionUpdated(res, id)
}

// IncrementLivePullFailures bumps the consecutive failure counter and returns
// the new value. The manager forces a reconnect past the threshold.
func (s *Store) IncrementLivePullFailures(ctx context.Context, id int64, lastError string) (int, error) {
	var failures int
	err := s.db.GetContext(ctx, &failures, `
		UPDATE connector_sessions
		SET live_pull_failures = live_pull_failures + 1, last_error = $2, updated_at = now()
		WHERE id = $1
		RETURNING live_pull_failures`,
		id, lastError)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, fmt.Errorf("%w: session %d", ErrNotFound, id)
		}
		return 0, fmt.Errorf("increment live pull failures: %w", err)
	}
	return failures, nil
}

// ListSessionsByMeeting returns every session for a meeting, newest first.
func (s *Store) ListSessionsByMeeting(ctx context.Context, meetingID string) ([]models.ConnectorSession, error) {
	var sessions []models.ConnectorSession
	err := s.db.SelectContext(ctx, &sessions, `
		SELECT `+sessionColumns+` FROM connector_sessions
		WHERE meeting_id = $1 ORDER BY id DESC`,
		meetingID)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return sessions, nil
}

// ListConnectedSessions returns connected sessions, oldest last_seen first,
// up to limit. The reconciler's live-pull round walks these.
func (s *Store) ListConnectedSessions(ctx context.Context, limit int) ([]models.ConnectorSession, error) {
	if limit <= 0 {
		limit = 50
	}
	var sessions []models.ConnectorSession
	err := s.db.SelectContext(ctx, &sessions, `
		SELECT `+sessionColumns+` FROM connector_sessions
		WHERE state = 'connected'
		ORDER BY last_seen ASC NULLS FIRST
		LIMIT $1`,
		limit)
	if err != nil {
		return nil, fmt.Errorf("list connected sessions: %w", err)
	}
	return sessions, nil
}

// ListStaleSessions returns sessions not seen since cutoff that are still
// nominally live, up to limit. These are reconnect candidates.
func (s *Store) ListStaleSessions(ctx context.Context, cutoff time.Time, limit int) ([]models.ConnectorSession, error) {
	if limit <= 0 {
		limit = 20
	}
	var sessions []models.ConnectorSession
	err := s.db.SelectContext(ctx, &sessions, `
		SELECT `+sessionColumns+` FROM connector_sessions
		WHERE state IN ('connected', 'disconnected')
		  AND (last_seen IS NULL OR last_seen < $1)
		ORDER BY last_seen ASC NULLS FIRST
		LIMIT $2`,
		cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("list stale sessions: %w", err)
	}
	return sessions, nil
}

func checkSessionUpdated(res sql.Result, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("session update rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: session %d", ErrNotFound, id)
	}
	return nil
}
