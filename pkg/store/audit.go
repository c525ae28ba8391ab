package store

import (
	"context"
	"fmt"

	"github.com/meetpipe/meetpipe/pkg/models"
)

// AppendAudit persists one security audit event.
func (s *Store) AppendAudit(ctx context.Context, e *models.AuditEvent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO security_audit_events (endpoint, method, subject, auth_type, decision, reason)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		e.Endpoint, e.Method, e.Subject, e.AuthType, e.Decision, e.Reason)
	if err != nil {
		return fmt.Errorf("append audit event: %w", err)
	}
	return nil
}

// ListAudit returns the most recent audit events, newest first.
func (s *Store) ListAudit(ctx context.Context, limit int) ([]models.AuditEvent, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var events []models.AuditEvent
	err := s.db.SelectContext(ctx, &events, `
		SELECT id, ts, endpoint, method, subject, auth_type, decision, reason
		FROM security_audit_events ORDER BY ts DESC LIMIT $1`,
		limit)
	if err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}
	return events, nil
}
