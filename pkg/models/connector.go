package models

import "time"

// SessionState is the lifecycle state of a connector session.
type SessionState string

// Connector session states.
const (
	SessionJoining      SessionState = "joining"
	SessionConnected    SessionState = "connected"
	SessionDisconnected SessionState = "disconnected"
	SessionLeaving      SessionState = "leaving"
	SessionDead         SessionState = "dead"
)

// Terminal reports whether s is a terminal session state.
func (s SessionState) Terminal() bool { return s == SessionDead }

// ConnectorSession is the durable per-(meeting, provider) session record.
// At most one non-terminal session exists per (meeting, provider).
type ConnectorSession struct {
	ID               int64        `db:"id" json:"id"`
	MeetingID        string       `db:"meeting_id" json:"meeting_id"`
	Provider         string       `db:"provider" json:"provider"`
	State            SessionState `db:"state" json:"state"`
	ProviderRef      string       `db:"provider_ref" json:"provider_ref,omitempty"`
	JoinedAt         *time.Time   `db:"joined_at" json:"joined_at,omitempty"`
	LastSeen         *time.Time   `db:"last_seen" json:"last_seen,omitempty"`
	LivePullFailures int          `db:"live_pull_failures" json:"live_pull_failures"`
	LastError        string       `db:"last_error" json:"last_error,omitempty"`
	UpdatedAt        time.Time    `db:"updated_at" json:"updated_at"`
}

// AuditDecision is the outcome of an authorization check.
type AuditDecision string

// Audit decisions.
const (
	DecisionAllow AuditDecision = "allow"
	DecisionDeny  AuditDecision = "deny"
)

// AuditEvent is one append-only security audit record.
type AuditEvent struct {
	ID       int64         `db:"id" json:"id"`
	TS       time.Time     `db:"ts" json:"ts"`
	Endpoint string        `db:"endpoint" json:"endpoint"`
	Method   string        `db:"method" json:"method"`
	Subject  string        `db:"subject" json:"subject"`
	AuthType string        `db:"auth_type" json:"auth_type"`
	Decision AuditDecision `db:"decision" json:"decision"`
	Reason   string        `db:"reason" json:"reason,omitempty"`
}
