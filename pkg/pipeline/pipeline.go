// Package pipeline implements the staged processing chain: transcription,
// enhancement, analytics, delivery, and retention. Each stage is a queue
// handler; stages hand off by enqueueing the next stage's job. In inline
// mode the same handlers run synchronously in the caller's goroutine.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/meetpipe/meetpipe/pkg/blob"
	"github.com/meetpipe/meetpipe/pkg/broker"
	"github.com/meetpipe/meetpipe/pkg/config"
	"github.com/meetpipe/meetpipe/pkg/delivery"
	"github.com/meetpipe/meetpipe/pkg/llm"
	"github.com/meetpipe/meetpipe/pkg/models"
	"github.com/meetpipe/meetpipe/pkg/queue"
	"github.com/meetpipe/meetpipe/pkg/stt"
	"github.com/meetpipe/meetpipe/pkg/trace"
)

// Stage step names stamped on job envelopes.
const (
	StepSTT       = "stt"
	StepEnhance   = "enhance"
	StepAnalytics = "analytics"
	StepDelivery  = "delivery"
	StepRetention = "retention"
)

// Meeting event names pushed to WebSocket listeners.
const (
	EventTranscriptUpdate = "transcript.update"
	EventReport           = "report"
	EventError            = "error"
)

// ErrNotFinalized rejects rebuilds of meetings still ingesting.
var ErrNotFinalized = errors.New("meeting not finalized")

// ErrAudioRetained rejects raw-transcript rebuilds once retention has purged
// the meeting's audio; there is nothing left to transcribe.
var ErrAudioRetained = errors.New("meeting audio already purged by retention")

// Enqueuer hands a job to the next stage. The broker-backed queue set
// implements it in redis mode; InlineRunner implements it in inline mode.
type Enqueuer interface {
	Enqueue(ctx context.Context, queueName string, job *broker.Job, delay time.Duration) error
}

// Notifier pushes meeting events to live listeners. The WebSocket hub
// implements it.
type Notifier interface {
	Notify(meetingID, event string, payload any)
}

// NopNotifier drops all events.
type NopNotifier struct{}

// Notify implements Notifier.
func (NopNotifier) Notify(string, string, any) {}

// Store is the persistence surface the pipeline needs. *store.Store
// satisfies it; tests substitute a fake.
type Store interface {
	GetMeeting(ctx context.Context, meetingID, tenant string) (*models.Meeting, error)
	UpdateStatus(ctx context.Context, meetingID string, next models.MeetingStatus, allowRebuild bool) error
	Finalize(ctx context.Context, meetingID string) (bool, error)
	BumpEpoch(ctx context.Context, meetingID string) (int, error)
	ListInactiveIngesting(ctx context.Context, cutoff time.Time, limit int) ([]models.Meeting, error)

	GetChunk(ctx context.Context, meetingID string, seq int64) (*models.Chunk, error)
	ListChunks(ctx context.Context, meetingID string) ([]models.Chunk, error)
	CountPendingTranscription(ctx context.Context, meetingID string) (int64, error)
	ResetTranscription(ctx context.Context, meetingID string) error

	GetArtifact(ctx context.Context, meetingID string, kind models.ArtifactKind) (*models.Artifact, error)
	SaveArtifact(ctx context.Context, a *models.Artifact) error
	AppendTranscriptSegment(ctx context.Context, meetingID, language string, seq int64, text string, epoch int) error
	ClearDownstream(ctx context.Context, meetingID string, from models.ArtifactKind) error

	ClaimIdempotency(ctx context.Context, key, meetingID, step string, epoch int) (bool, error)
	ReleaseIdempotency(ctx context.Context, key string) error
	PruneIdempotencyKeys(ctx context.Context, cutoff time.Time) (int64, error)
}

// StagePayload is the stage-specific job payload. Epoch fences jobs written
// before a rebuild; ChunkSeq is set only on transcription jobs.
type StagePayload struct {
	Epoch    int   `json:"epoch"`
	ChunkSeq int64 `json:"chunk_seq,omitempty"`
}

func encodePayload(p StagePayload) json.RawMessage {
	raw, _ := json.Marshal(p)
	return raw
}

func decodePayload(raw json.RawMessage) (StagePayload, error) {
	var p StagePayload
	if len(raw) == 0 {
		return p, nil
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, fmt.Errorf("decode stage payload: %w", err)
	}
	return p, nil
}

// Pipeline bundles the stage handlers and their dependencies.
type Pipeline struct {
	store       Store
	blobs       blob.Store
	enqueuer    Enqueuer
	transcriber stt.Transcriber
	llm         llm.Client
	sender      delivery.Sender
	notifier    Notifier
	cfg         *config.QueueConfig
	piiMasking  bool
	logger      *slog.Logger
}

// New builds the pipeline. The enqueuer and notifier may be replaced after
// construction (inline mode and the WebSocket hub wire up later in startup).
func New(
	st Store,
	blobs blob.Store,
	enqueuer Enqueuer,
	transcriber stt.Transcriber,
	llmClient llm.Client,
	sender delivery.Sender,
	cfg *config.QueueConfig,
	piiMasking bool,
	logger *slog.Logger,
) *Pipeline {
	return &Pipeline{
		store:       st,
		blobs:       blobs,
		enqueuer:    enqueuer,
		transcriber: transcriber,
		llm:         llmClient,
		sender:      sender,
		notifier:    NopNotifier{},
		cfg:         cfg,
		piiMasking:  piiMasking,
		logger:      logger.With("component", "pipeline"),
	}
}

// SetEnqueuer replaces the stage hand-off mechanism. Used to close the loop
// in inline mode.
func (p *Pipeline) SetEnqueuer(e Enqueuer) { p.enqueuer = e }

// SetNotifier attaches the live event sink once the WebSocket hub exists.
func (p *Pipeline) SetNotifier(n Notifier) { p.notifier = n }

// Handler returns the stage handler for a queue name, or nil for unknown
// queues.
func (p *Pipeline) Handler(queueName string) queue.Handler {
	switch queueName {
	case broker.QueueSTT:
		return p.HandleSTT
	case broker.QueueEnhancer:
		return p.HandleEnhance
	case broker.QueueAnalytics:
		return p.HandleAnalytics
	case broker.QueueDelivery:
		return p.HandleDelivery
	case broker.QueueRetention:
		return p.HandleRetention
	default:
		return nil
	}
}

// OnDeadLetter marks the meeting failed when one of its jobs exhausts its
// retry budget, and pushes an error event to listeners. Retention jobs are
// exempt; losing one never fails a delivered meeting.
func (p *Pipeline) OnDeadLetter(ctx context.Context, job *broker.Job, reason string) {
	if job.Step == StepRetention {
		return
	}
	if err := p.store.UpdateStatus(ctx, job.MeetingID, models.StatusFailed, false); err != nil {
		p.logger.Error("Failed to mark meeting failed after dead-letter",
			"meeting_id", job.MeetingID, "error", err)
	}
	p.notifier.Notify(job.MeetingID, EventError, map[string]any{
		"step":   job.Step,
		"reason": reason,
	})
}

// checkEpoch loads the meeting and fences jobs from an older rebuild epoch.
func (p *Pipeline) checkEpoch(ctx context.Context, job *broker.Job, payload StagePayload) (*models.Meeting, error) {
	meeting, err := p.store.GetMeeting(ctx, job.MeetingID, "")
	if err != nil {
		return nil, err
	}
	if payload.Epoch < meeting.Epoch {
		return nil, fmt.Errorf("%w: job epoch %d, meeting epoch %d",
			queue.ErrDiscard, payload.Epoch, meeting.Epoch)
	}
	return meeting, nil
}

// enqueueStage hands a fresh job to the named queue with a child span.
func (p *Pipeline) enqueueStage(ctx context.Context, queueName, step, meetingID string, payload StagePayload, delay time.Duration) error {
	job := broker.NewJob(queueName, meetingID, step, encodePayload(payload), trace.From(ctx).Child(), p.cfg.MaxAttempts)
	if err := p.enqueuer.Enqueue(ctx, queueName, job, delay); err != nil {
		return fmt.Errorf("enqueue %s for meeting %s: %w", step, meetingID, err)
	}
	return nil
}

// EnqueueSTT schedules transcription of one chunk. The ingest paths (HTTP,
// WebSocket, live-pull) all call this after persisting the chunk.
func (p *Pipeline) EnqueueSTT(ctx context.Context, meetingID string, epoch int, chunkSeq int64) error {
	return p.enqueueStage(ctx, broker.QueueSTT, StepSTT, meetingID,
		StagePayload{Epoch: epoch, ChunkSeq: chunkSeq}, 0)
}
