package pipeline

import (
	"context"
	"fmt"

	"github.com/meetpipe/meetpipe/pkg/broker"
	"github.com/meetpipe/meetpipe/pkg/models"
)

// Rebuild re-runs the pipeline from the given artifact onward: it bumps the
// meeting epoch (fencing in-flight jobs), clears the artifact and everything
// downstream, and enqueues the producing stage. A raw-transcript rebuild also
// resets the per-chunk transcription state, and is refused with
// ErrAudioRetained when retention has already purged the audio. Returns the
// new epoch.
func (p *Pipeline) Rebuild(ctx context.Context, meetingID string, from models.ArtifactKind) (int, error) {
	if !from.Valid() {
		return 0, fmt.Errorf("unknown artifact kind %q", from)
	}

	meeting, err := p.store.GetMeeting(ctx, meetingID, "")
	if err != nil {
		return 0, err
	}
	if meeting.FinalizedAt == nil {
		return 0, fmt.Errorf("%w: meeting %s", ErrNotFinalized, meetingID)
	}

	// Re-running STT needs the original audio. Check before clearing anything
	// so a rebuild against purged audio leaves the existing artifacts intact.
	var chunks []models.Chunk
	if from == models.ArtifactRawTranscript {
		chunks, err = p.store.ListChunks(ctx, meetingID)
		if err != nil {
			return 0, err
		}
		for _, c := range chunks {
			ok, err := p.blobs.Exists(ctx, c.BlobKey)
			if err != nil {
				return 0, err
			}
			if !ok {
				return 0, fmt.Errorf("%w: chunk %d of meeting %s", ErrAudioRetained, c.ChunkSeq, meetingID)
			}
		}
	}

	epoch, err := p.store.BumpEpoch(ctx, meetingID)
	if err != nil {
		return 0, err
	}
	if err := p.store.ClearDownstream(ctx, meetingID, from); err != nil {
		return 0, err
	}
	if from == models.ArtifactRawTranscript {
		if err := p.store.ResetTranscription(ctx, meetingID); err != nil {
			return 0, err
		}
	}
	if err := p.store.UpdateStatus(ctx, meetingID, models.StatusProcessing, true); err != nil {
		return 0, err
	}

	p.logger.Info("Rebuilding meeting artifacts",
		"meeting_id", meetingID, "from", string(from), "epoch", epoch)

	switch from {
	case models.ArtifactRawTranscript:
		for _, c := range chunks {
			if err := p.EnqueueSTT(ctx, meetingID, epoch, c.ChunkSeq); err != nil {
				return 0, err
			}
		}
	case models.ArtifactEnhancedTranscript:
		if err := p.enqueueStage(ctx, broker.QueueEnhancer, StepEnhance, meetingID,
			StagePayload{Epoch: epoch}, 0); err != nil {
			return 0, err
		}
	default:
		// report, scorecard, comparison all come out of analytics.
		if err := p.enqueueStage(ctx, broker.QueueAnalytics, StepAnalytics, meetingID,
			StagePayload{Epoch: epoch}, 0); err != nil {
			return 0, err
		}
	}
	return epoch, nil
}
