// Package models defines the domain records shared across the store, the
// pipeline, and the API layer.
package models

import "time"

// MeetingMode selects how chunks reach the meeting.
type MeetingMode string

// Meeting modes.
const (
	ModeBatch    MeetingMode = "batch"
	ModeRealtime MeetingMode = "realtime"
)

// Valid reports whether m is a known mode.
func (m MeetingMode) Valid() bool {
	return m == ModeBatch || m == ModeRealtime
}

// MeetingStatus is the lifecycle status of a meeting. The ordering is
// monotone forward; only an explicit rebuild may move processing ↔ failed.
type MeetingStatus string

// Meeting statuses, in lifecycle order.
const (
	StatusCreated    MeetingStatus = "created"
	StatusIngesting  MeetingStatus = "ingesting"
	StatusProcessing MeetingStatus = "processing"
	StatusDone       MeetingStatus = "done"
	StatusFailed     MeetingStatus = "failed"
)

// statusRank orders statuses for the monotone-forward invariant.
// failed ranks with done: both are terminal relative to normal flow.
var statusRank = map[MeetingStatus]int{
	StatusCreated:    0,
	StatusIngesting:  1,
	StatusProcessing: 2,
	StatusDone:       3,
	StatusFailed:     3,
}

// Rank returns the monotone ordering rank of s, or -1 for unknown statuses.
func (s MeetingStatus) Rank() int {
	if r, ok := statusRank[s]; ok {
		return r
	}
	return -1
}

// Valid reports whether s is a known status.
func (s MeetingStatus) Valid() bool { return s.Rank() >= 0 }

// Terminal reports whether s is a terminal status.
func (s MeetingStatus) Terminal() bool { return s == StatusDone || s == StatusFailed }

// Meeting is the durable record of one meeting.
type Meeting struct {
	MeetingID         string        `db:"meeting_id" json:"meeting_id"`
	Tenant            string        `db:"tenant" json:"tenant,omitempty"`
	Mode              MeetingMode   `db:"mode" json:"mode"`
	Status            MeetingStatus `db:"status" json:"status"`
	Epoch             int           `db:"epoch" json:"epoch"`
	Language          string        `db:"language" json:"language,omitempty"`
	Recipients        StringList    `db:"recipients" json:"recipients,omitempty"`
	ConnectorProvider string        `db:"connector_provider" json:"connector_provider,omitempty"`
	CreatedAt         time.Time     `db:"created_at" json:"created_at"`
	FinalizedAt       *time.Time    `db:"finalized_at" json:"finalized_at,omitempty"`
	LastChunkAt       *time.Time    `db:"last_chunk_at" json:"last_chunk_at,omitempty"`
}

// Chunk is one ingested media fragment. Immutable once persisted.
type Chunk struct {
	MeetingID   string    `db:"meeting_id" json:"meeting_id"`
	ChunkSeq    int64     `db:"chunk_seq" json:"chunk_seq"`
	BlobKey     string    `db:"blob_key" json:"blob_key"`
	SizeBytes   int64     `db:"size_bytes" json:"size_bytes"`
	TraceID     string    `db:"trace_id" json:"trace_id,omitempty"`
	ReceivedAt  time.Time `db:"received_at" json:"received_at"`
	Transcribed bool      `db:"transcribed" json:"transcribed"`
}
