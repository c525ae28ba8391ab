package api

import (
	"time"

	"github.com/meetpipe/meetpipe/pkg/broker"
	"github.com/meetpipe/meetpipe/pkg/models"
)

// StartMeetingResponse surfaces the created meeting and, for realtime
// meetings, the connector auto-join outcome.
type StartMeetingResponse struct {
	MeetingID          string `json:"meeting_id"`
	Mode               string `json:"mode"`
	Status             string `json:"status"`
	ConnectorAutoJoin  bool   `json:"connector_auto_join"`
	ConnectorProvider  string `json:"connector_provider,omitempty"`
	ConnectorConnected bool   `json:"connector_connected"`
	ConnectorError     string `json:"connector_error,omitempty"`
}

// MeetingResponse is the full meeting read model, including the textual
// artifacts produced so far.
type MeetingResponse struct {
	MeetingID          string     `json:"meeting_id"`
	Tenant             string     `json:"tenant,omitempty"`
	Mode               string     `json:"mode"`
	Status             string     `json:"status"`
	Epoch              int        `json:"epoch"`
	Language           string     `json:"language,omitempty"`
	Recipients         []string   `json:"recipients,omitempty"`
	ConnectorProvider  string     `json:"connector_provider,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	FinalizedAt        *time.Time `json:"finalized_at,omitempty"`
	LastChunkAt        *time.Time `json:"last_chunk_at,omitempty"`
	ChunkCount         int        `json:"chunk_count"`
	RawTranscript      string     `json:"raw_transcript,omitempty"`
	EnhancedTranscript string     `json:"enhanced_transcript,omitempty"`
	Report             string     `json:"report,omitempty"`
}

// UploadChunkResponse returns the assigned sequence.
type UploadChunkResponse struct {
	MeetingID string `json:"meeting_id"`
	ChunkSeq  int64  `json:"chunk_seq"`
}

// FinalizeResponse reports whether this call closed ingestion or it was
// already closed.
type FinalizeResponse struct {
	MeetingID string `json:"meeting_id"`
	Finalized bool   `json:"finalized"`
	Repeated  bool   `json:"repeated"`
}

// RebuildResponse is returned with 202 Accepted.
type RebuildResponse struct {
	MeetingID string `json:"meeting_id"`
	From      string `json:"from"`
	Epoch     int    `json:"epoch"`
	Status    string `json:"status"`
}

// QueueHealth is one queue's depth snapshot. Error carries a per-queue
// probe failure without failing the whole report.
type QueueHealth struct {
	Ready    int64  `json:"ready"`
	Pending  int64  `json:"pending"`
	Inflight int64  `json:"inflight"`
	DLQ      int64  `json:"dlq"`
	Error    string `json:"error,omitempty"`
}

// QueuesHealthResponse is returned by GET /v1/admin/queues/health.
type QueuesHealthResponse struct {
	Mode   string                 `json:"mode"`
	Queues map[string]QueueHealth `json:"queues"`
}

// StorageHealthResponse is returned by GET /v1/admin/storage/health.
type StorageHealthResponse struct {
	Mode    string `json:"mode"`
	Healthy bool   `json:"healthy"`
	Error   string `json:"error,omitempty"`
}

// AuditResponse wraps the audit trail.
type AuditResponse struct {
	Events []models.AuditEvent `json:"events"`
}

// DLQPeekResponse lists dead jobs without consuming them.
type DLQPeekResponse struct {
	Queue string        `json:"queue"`
	Depth int64         `json:"depth"`
	Jobs  []*broker.Job `json:"jobs"`
}

// DLQReplayResponse reports how many jobs were re-enqueued.
type DLQReplayResponse struct {
	Queue    string `json:"queue"`
	Replayed int    `json:"replayed"`
}

// ConnectorStatusResponse pairs the session with the breaker snapshot.
type ConnectorStatusResponse struct {
	Provider string                   `json:"provider"`
	Session  *models.ConnectorSession `json:"session,omitempty"`
	Breaker  any                      `json:"circuit_breaker,omitempty"`
}

// LivePullResponse reports one manual live-pull round.
type LivePullResponse struct {
	Provider string `json:"provider"`
	Chunks   int    `json:"chunks"`
}
