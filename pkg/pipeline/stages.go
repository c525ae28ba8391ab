package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/meetpipe/meetpipe/pkg/broker"
	"github.com/meetpipe/meetpipe/pkg/models"
	"github.com/meetpipe/meetpipe/pkg/queue"
	"github.com/meetpipe/meetpipe/pkg/store"
)

const (
	enhanceSystemPrompt = "You clean up raw meeting transcripts. Fix recognition errors, add " +
		"punctuation, and remove filler words. Preserve the speakers' meaning exactly."
	reportSystemPrompt = "You write concise meeting reports. Summarize decisions, action items, " +
		"and open questions from the transcript."
	scorecardSystemPrompt = "You evaluate meetings. Produce a short scorecard rating structure, " +
		"participation, and clarity of outcomes on a 1-5 scale with one sentence each."
)

// EnhancedTranscript is the enhanced_transcript artifact content.
type EnhancedTranscript struct {
	Text      string `json:"text"`
	PIIMasked bool   `json:"pii_masked"`
}

// Report is the report artifact content.
type Report struct {
	MeetingID   string    `json:"meeting_id"`
	Summary     string    `json:"summary"`
	GeneratedAt time.Time `json:"generated_at"`
}

// Scorecard is the scorecard artifact content.
type Scorecard struct {
	MeetingID   string    `json:"meeting_id"`
	Content     string    `json:"content"`
	GeneratedAt time.Time `json:"generated_at"`
}

// Comparison is the comparison artifact content: how much enhancement
// changed the raw transcript.
type Comparison struct {
	MeetingID     string    `json:"meeting_id"`
	RawChars      int       `json:"raw_chars"`
	EnhancedChars int       `json:"enhanced_chars"`
	SegmentCount  int       `json:"segment_count"`
	ChangeRatio   float64   `json:"change_ratio"`
	GeneratedAt   time.Time `json:"generated_at"`
}

// HandleSTT transcribes one chunk and appends the segment to the raw
// transcript. When the meeting is finalized and no chunks remain, it starts
// the enhancement stage.
func (p *Pipeline) HandleSTT(ctx context.Context, job *broker.Job) error {
	payload, err := decodePayload(job.Payload)
	if err != nil {
		return queue.Permanent(err)
	}
	meeting, err := p.checkEpoch(ctx, job, payload)
	if err != nil {
		return err
	}

	chunk, err := p.store.GetChunk(ctx, job.MeetingID, payload.ChunkSeq)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return queue.Permanent(err)
		}
		return err
	}

	// Redelivered jobs for an already-transcribed chunk skip straight to the
	// completion check.
	if !chunk.Transcribed {
		audio, err := p.blobs.Get(ctx, chunk.BlobKey)
		if err != nil {
			return queue.Permanent(fmt.Errorf("chunk blob missing: %w", err))
		}

		text, err := p.transcriber.Transcribe(ctx, job.MeetingID, chunk.ChunkSeq, audio, meeting.Language)
		if err != nil {
			return fmt.Errorf("transcribe chunk %d: %w", chunk.ChunkSeq, err)
		}

		if err := p.store.AppendTranscriptSegment(ctx, job.MeetingID, meeting.Language, chunk.ChunkSeq, text, payload.Epoch); err != nil {
			return err
		}

		p.notifier.Notify(job.MeetingID, EventTranscriptUpdate, map[string]any{
			"chunk_seq": chunk.ChunkSeq,
			"text":      text,
		})
	}

	return p.maybeStartEnhance(ctx, meeting, payload.Epoch)
}

// maybeStartEnhance enqueues the enhancement stage once the meeting is
// finalized and every chunk is transcribed. A duplicate enqueue from two
// racing final chunks is harmless; downstream stages are idempotent.
func (p *Pipeline) maybeStartEnhance(ctx context.Context, meeting *models.Meeting, epoch int) error {
	if meeting.FinalizedAt == nil {
		return nil
	}
	pending, err := p.store.CountPendingTranscription(ctx, meeting.MeetingID)
	if err != nil {
		return err
	}
	if pending > 0 {
		return nil
	}
	return p.enqueueStage(ctx, broker.QueueEnhancer, StepEnhance, meeting.MeetingID,
		StagePayload{Epoch: epoch}, 0)
}

// HandleEnhance rewrites the raw transcript with the LLM, optionally masking
// PII first, and hands off to analytics. A redelivered job whose output
// already landed skips the LLM call.
func (p *Pipeline) HandleEnhance(ctx context.Context, job *broker.Job) error {
	payload, err := decodePayload(job.Payload)
	if err != nil {
		return queue.Permanent(err)
	}
	if _, err := p.checkEpoch(ctx, job, payload); err != nil {
		return err
	}

	raw, err := p.store.GetArtifact(ctx, job.MeetingID, models.ArtifactRawTranscript)
	if err != nil {
		// The raw transcript may still be landing; retry.
		return err
	}

	key := store.IdempotencyKey(job.MeetingID, StepEnhance, payload.Epoch, raw.Content)
	claimed, err := p.store.ClaimIdempotency(ctx, key, job.MeetingID, StepEnhance, payload.Epoch)
	if err != nil {
		return err
	}
	if !claimed {
		if _, artErr := p.store.GetArtifact(ctx, job.MeetingID, models.ArtifactEnhancedTranscript); artErr == nil {
			// A previous attempt already enhanced this exact transcript.
			p.logger.Info("Skipping duplicate enhancement", "meeting_id", job.MeetingID, "epoch", payload.Epoch)
			return p.enqueueStage(ctx, broker.QueueAnalytics, StepAnalytics, job.MeetingID,
				StagePayload{Epoch: payload.Epoch}, 0)
		}
		// Claimed earlier but the artifact never landed; redo the work.
	}

	transcript, err := models.ParseTranscript(raw.Content)
	if err != nil {
		return queue.Permanent(fmt.Errorf("parse raw transcript: %w", err))
	}

	text := transcript.Text()
	masked := false
	if p.piiMasking {
		var n int
		text, n = MaskPII(text)
		masked = n > 0
	}

	enhanced, err := p.llm.Complete(ctx, enhanceSystemPrompt, text)
	if err != nil {
		return p.releaseAndFail(ctx, job.MeetingID, key, fmt.Errorf("enhance transcript: %w", err))
	}

	content, err := json.Marshal(EnhancedTranscript{Text: enhanced, PIIMasked: masked})
	if err != nil {
		return queue.Permanent(err)
	}
	if err := p.store.SaveArtifact(ctx, &models.Artifact{
		MeetingID: job.MeetingID,
		Kind:      models.ArtifactEnhancedTranscript,
		Content:   content,
		Epoch:     payload.Epoch,
	}); err != nil {
		return err
	}

	return p.enqueueStage(ctx, broker.QueueAnalytics, StepAnalytics, job.MeetingID,
		StagePayload{Epoch: payload.Epoch}, 0)
}

// HandleAnalytics produces the report, scorecard, and comparison artifacts,
// then hands off to delivery. A redelivered job whose report already landed
// skips the LLM calls.
func (p *Pipeline) HandleAnalytics(ctx context.Context, job *broker.Job) error {
	payload, err := decodePayload(job.Payload)
	if err != nil {
		return queue.Permanent(err)
	}
	if _, err := p.checkEpoch(ctx, job, payload); err != nil {
		return err
	}

	enhancedArtifact, err := p.store.GetArtifact(ctx, job.MeetingID, models.ArtifactEnhancedTranscript)
	if err != nil {
		return err
	}
	var enhanced EnhancedTranscript
	if err := json.Unmarshal(enhancedArtifact.Content, &enhanced); err != nil {
		return queue.Permanent(fmt.Errorf("parse enhanced transcript: %w", err))
	}

	key := store.IdempotencyKey(job.MeetingID, StepAnalytics, payload.Epoch, enhancedArtifact.Content)
	claimed, err := p.store.ClaimIdempotency(ctx, key, job.MeetingID, StepAnalytics, payload.Epoch)
	if err != nil {
		return err
	}
	if !claimed {
		if _, artErr := p.store.GetArtifact(ctx, job.MeetingID, models.ArtifactReport); artErr == nil {
			// A previous attempt already analyzed this exact transcript.
			p.logger.Info("Skipping duplicate analytics", "meeting_id", job.MeetingID, "epoch", payload.Epoch)
			return p.enqueueStage(ctx, broker.QueueDelivery, StepDelivery, job.MeetingID,
				StagePayload{Epoch: payload.Epoch}, 0)
		}
		// Claimed earlier but the artifacts never landed; redo the work.
	}

	summary, err := p.llm.Complete(ctx, reportSystemPrompt, enhanced.Text)
	if err != nil {
		return p.releaseAndFail(ctx, job.MeetingID, key, fmt.Errorf("generate report: %w", err))
	}
	scorecard, err := p.llm.Complete(ctx, scorecardSystemPrompt, enhanced.Text)
	if err != nil {
		return p.releaseAndFail(ctx, job.MeetingID, key, fmt.Errorf("generate scorecard: %w", err))
	}

	now := time.Now().UTC()
	artifacts := []struct {
		kind    models.ArtifactKind
		content any
	}{
		{models.ArtifactReport, Report{MeetingID: job.MeetingID, Summary: summary, GeneratedAt: now}},
		{models.ArtifactScorecard, Scorecard{MeetingID: job.MeetingID, Content: scorecard, GeneratedAt: now}},
	}

	if comparison, err := p.buildComparison(ctx, job.MeetingID, enhanced, now); err == nil {
		artifacts = append(artifacts, struct {
			kind    models.ArtifactKind
			content any
		}{models.ArtifactComparison, comparison})
	} else {
		p.logger.Warn("Skipping comparison artifact", "meeting_id", job.MeetingID, "error", err)
	}

	for _, a := range artifacts {
		content, err := json.Marshal(a.content)
		if err != nil {
			return queue.Permanent(err)
		}
		if err := p.store.SaveArtifact(ctx, &models.Artifact{
			MeetingID: job.MeetingID,
			Kind:      a.kind,
			Content:   content,
			Epoch:     payload.Epoch,
		}); err != nil {
			return err
		}
	}

	return p.enqueueStage(ctx, broker.QueueDelivery, StepDelivery, job.MeetingID,
		StagePayload{Epoch: payload.Epoch}, 0)
}

// releaseAndFail undoes an idempotency claim after a failed attempt so the
// retry repeats the work, then returns the original error.
func (p *Pipeline) releaseAndFail(ctx context.Context, meetingID, key string, err error) error {
	if relErr := p.store.ReleaseIdempotency(ctx, key); relErr != nil {
		p.logger.Error("Failed to release idempotency claim", "meeting_id", meetingID, "error", relErr)
	}
	return err
}

func (p *Pipeline) buildComparison(ctx context.Context, meetingID string, enhanced EnhancedTranscript, now time.Time) (Comparison, error) {
	raw, err := p.store.GetArtifact(ctx, meetingID, models.ArtifactRawTranscript)
	if err != nil {
		return Comparison{}, err
	}
	transcript, err := models.ParseTranscript(raw.Content)
	if err != nil {
		return Comparison{}, err
	}
	rawText := transcript.Text()
	ratio := 0.0
	if len(rawText) > 0 {
		ratio = float64(len(enhanced.Text)) / float64(len(rawText))
	}
	return Comparison{
		MeetingID:     meetingID,
		RawChars:      len(rawText),
		EnhancedChars: len(enhanced.Text),
		SegmentCount:  len(transcript.Segments),
		ChangeRatio:   ratio,
		GeneratedAt:   now,
	}, nil
}

// HandleDelivery sends the report to the meeting's recipients exactly once
// per epoch, marks the meeting done, and schedules retention.
func (p *Pipeline) HandleDelivery(ctx context.Context, job *broker.Job) error {
	payload, err := decodePayload(job.Payload)
	if err != nil {
		return queue.Permanent(err)
	}
	meeting, err := p.checkEpoch(ctx, job, payload)
	if err != nil {
		return err
	}

	reportArtifact, err := p.store.GetArtifact(ctx, job.MeetingID, models.ArtifactReport)
	if err != nil {
		return err
	}

	key := store.IdempotencyKey(job.MeetingID, StepDelivery, payload.Epoch, reportArtifact.Content)
	claimed, err := p.store.ClaimIdempotency(ctx, key, job.MeetingID, StepDelivery, payload.Epoch)
	if err != nil {
		return err
	}
	if !claimed {
		// A previous attempt already delivered this exact report.
		p.logger.Info("Skipping duplicate delivery", "meeting_id", job.MeetingID, "epoch", payload.Epoch)
		return p.finishDelivery(ctx, job.MeetingID, payload.Epoch)
	}

	if len(meeting.Recipients) > 0 {
		subject := fmt.Sprintf("Meeting report: %s", job.MeetingID)
		if err := p.sender.Send(ctx, job.MeetingID, meeting.Recipients, subject, reportArtifact.Content); err != nil {
			return p.releaseAndFail(ctx, job.MeetingID, key, fmt.Errorf("deliver report: %w", err))
		}
	} else {
		p.logger.Info("Meeting has no recipients, skipping send", "meeting_id", job.MeetingID)
	}

	return p.finishDelivery(ctx, job.MeetingID, payload.Epoch)
}

func (p *Pipeline) finishDelivery(ctx context.Context, meetingID string, epoch int) error {
	if err := p.store.UpdateStatus(ctx, meetingID, models.StatusDone, false); err != nil &&
		!errors.Is(err, store.ErrInvalidTransition) {
		return err
	}
	p.notifier.Notify(meetingID, EventReport, map[string]any{"epoch": epoch})
	if err := p.enqueueStage(ctx, broker.QueueRetention, StepRetention, meetingID,
		StagePayload{Epoch: epoch}, p.cfg.RetentionDelay); err != nil {
		// Retention is best effort; never fail a finished delivery over it.
		p.logger.Error("Failed to schedule retention", "meeting_id", meetingID, "error", err)
	}
	return nil
}

// HandleRetention deletes the meeting's chunk blobs and prunes expired
// idempotency keys.
func (p *Pipeline) HandleRetention(ctx context.Context, job *broker.Job) error {
	chunks, err := p.store.ListChunks(ctx, job.MeetingID)
	if err != nil {
		return err
	}
	for _, c := range chunks {
		if err := p.blobs.Delete(ctx, c.BlobKey); err != nil {
			return fmt.Errorf("delete chunk blob %s: %w", c.BlobKey, err)
		}
	}

	pruned, err := p.store.PruneIdempotencyKeys(ctx, time.Now().Add(-p.cfg.IdempotencyTTL))
	if err != nil {
		return err
	}
	p.logger.Info("Retention pass complete",
		"meeting_id", job.MeetingID, "blobs_deleted", len(chunks), "idempotency_pruned", pruned)
	return nil
}
