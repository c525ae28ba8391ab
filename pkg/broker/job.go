package broker

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/meetpipe/meetpipe/pkg/trace"
)

// SchemaVersion is stamped on every job envelope so consumers can reject
// payloads written by an incompatible producer.
const SchemaVersion = "v1"

// Stage queue names. The retention queue is fed by the finalize path and
// drained on a slow cadence.
const (
	QueueSTT       = "q:stt"
	QueueEnhancer  = "q:enhancer"
	QueueAnalytics = "q:analytics"
	QueueDelivery  = "q:delivery"
	QueueRetention = "q:retention"
)

// StageQueues lists every stage queue in pipeline order.
func StageQueues() []string {
	return []string{QueueSTT, QueueEnhancer, QueueAnalytics, QueueDelivery, QueueRetention}
}

// Job is the envelope carried through the queue fabric. Payload is
// stage-specific and opaque to the broker.
type Job struct {
	JobID         string          `json:"job_id"`
	Queue         string          `json:"queue"`
	MeetingID     string          `json:"meeting_id"`
	Step          string          `json:"step"`
	Attempt       int             `json:"attempt"`
	MaxAttempts   int             `json:"max_attempts"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Trace         trace.Context   `json:"trace"`
	EnqueuedAt    time.Time       `json:"enqueued_at"`
	SchemaVersion string          `json:"schema_version"`

	// Set only on dead-lettered jobs.
	FailureReason string     `json:"failure_reason,omitempty"`
	FailedAt      *time.Time `json:"failed_at,omitempty"`
}

// NewJob builds an envelope for the given queue with a fresh job ID.
func NewJob(queue, meetingID, step string, payload json.RawMessage, tc trace.Context, maxAttempts int) *Job {
	return &Job{
		JobID:         uuid.NewString(),
		Queue:         queue,
		MeetingID:     meetingID,
		Step:          step,
		Attempt:       0,
		MaxAttempts:   maxAttempts,
		Payload:       payload,
		Trace:         tc,
		EnqueuedAt:    time.Now().UTC(),
		SchemaVersion: SchemaVersion,
	}
}

func (j *Job) marshal() ([]byte, error) {
	return json.Marshal(j)
}

func unmarshalJob(data []byte) (*Job, error) {
	var j Job
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, err
	}
	return &j, nil
}
