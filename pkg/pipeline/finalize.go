package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/meetpipe/meetpipe/pkg/broker"
	"github.com/meetpipe/meetpipe/pkg/config"
	"github.com/meetpipe/meetpipe/pkg/models"
	"github.com/meetpipe/meetpipe/pkg/store"
)

// FinalizeMeeting marks the meeting finalized and, when transcription has
// already caught up, starts the enhancement stage. Safe to call repeatedly
// and from any path (API, WebSocket frame, inactivity watcher); only the
// first call acts.
func (p *Pipeline) FinalizeMeeting(ctx context.Context, meetingID, source string) (bool, error) {
	first, err := p.store.Finalize(ctx, meetingID)
	if err != nil {
		return false, err
	}
	if !first {
		return false, nil
	}
	p.logger.Info("Meeting finalized", "meeting_id", meetingID, "source", source)

	meeting, err := p.store.GetMeeting(ctx, meetingID, "")
	if err != nil {
		return true, err
	}

	chunks, err := p.store.ListChunks(ctx, meetingID)
	if err != nil {
		return true, err
	}
	if len(chunks) == 0 {
		// Nothing was ever ingested: there is no transcript to process.
		if err := p.store.UpdateStatus(ctx, meetingID, models.StatusDone, false); err != nil &&
			!errors.Is(err, store.ErrInvalidTransition) {
			return true, err
		}
		return true, nil
	}

	pending, err := p.store.CountPendingTranscription(ctx, meetingID)
	if err != nil {
		return true, err
	}
	if pending == 0 {
		if err := p.enqueueStage(ctx, broker.QueueEnhancer, StepEnhance, meetingID,
			StagePayload{Epoch: meeting.Epoch}, 0); err != nil {
			return true, err
		}
	}
	// Otherwise the last STT job triggers enhancement.
	return true, nil
}

// FinalizeWatcher finalizes ingesting meetings whose chunk flow went quiet.
// An explicit finalize always wins; the watcher's call is then a no-op.
type FinalizeWatcher struct {
	pipeline *Pipeline
	cfg      *config.QueueConfig
	logger   *slog.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewFinalizeWatcher builds the watcher.
func NewFinalizeWatcher(p *Pipeline, cfg *config.QueueConfig, logger *slog.Logger) *FinalizeWatcher {
	return &FinalizeWatcher{
		pipeline: p,
		cfg:      cfg,
		logger:   logger.With("component", "finalize_watcher"),
		stopCh:   make(chan struct{}),
	}
}

// Start launches the watcher loop.
func (w *FinalizeWatcher) Start() {
	w.wg.Add(1)
	go w.run()
	w.logger.Info("Finalize watcher started", "inactivity", w.cfg.FinalizeInactivity.String())
}

// Stop terminates the loop and waits for it.
func (w *FinalizeWatcher) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
}

func (w *FinalizeWatcher) run() {
	defer w.wg.Done()

	interval := w.cfg.FinalizeInactivity / 3
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.sweep()
		}
	}
}

func (w *FinalizeWatcher) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cutoff := time.Now().Add(-w.cfg.FinalizeInactivity)
	meetings, err := w.pipeline.store.ListInactiveIngesting(ctx, cutoff, 50)
	if err != nil {
		w.logger.Error("Failed to list inactive meetings", "error", err)
		return
	}
	for _, m := range meetings {
		first, err := w.pipeline.FinalizeMeeting(ctx, m.MeetingID, "inactivity")
		if err != nil {
			w.logger.Error("Failed to auto-finalize meeting", "meeting_id", m.MeetingID, "error", err)
			continue
		}
		if first {
			w.logger.Info("Auto-finalized inactive meeting",
				"meeting_id", m.MeetingID, "last_chunk_at", m.LastChunkAt)
		}
	}
}
