package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/meetpipe/meetpipe/pkg/broker"
	"github.com/meetpipe/meetpipe/pkg/llm"
	"github.com/meetpipe/meetpipe/pkg/models"
	"github.com/meetpipe/meetpipe/pkg/store"
)

// fakeStore is an in-memory Store with the same semantics as the PostgreSQL
// repositories, minus locking (tests are single-goroutine per meeting).
type fakeStore struct {
	mu        sync.Mutex
	meetings  map[string]*models.Meeting
	chunks    map[string][]*models.Chunk
	artifacts map[string]map[models.ArtifactKind]*models.Artifact
	claims    map[string]bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		meetings:  map[string]*models.Meeting{},
		chunks:    map[string][]*models.Chunk{},
		artifacts: map[string]map[models.ArtifactKind]*models.Artifact{},
		claims:    map[string]bool{},
	}
}

func (f *fakeStore) addMeeting(m *models.Meeting) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.meetings[m.MeetingID] = m
}

func (f *fakeStore) addChunk(c *models.Chunk) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chunks[c.MeetingID] = append(f.chunks[c.MeetingID], c)
}

func (f *fakeStore) GetMeeting(_ context.Context, meetingID, tenant string) (*models.Meeting, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.meetings[meetingID]
	if !ok || (tenant != "" && m.Tenant != tenant) {
		return nil, fmt.Errorf("%w: meeting %s", store.ErrNotFound, meetingID)
	}
	copied := *m
	return &copied, nil
}

func (f *fakeStore) UpdateStatus(_ context.Context, meetingID string, next models.MeetingStatus, allowRebuild bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.meetings[meetingID]
	if !ok {
		return store.ErrNotFound
	}
	if next.Rank() < m.Status.Rank() && !(allowRebuild && next == models.StatusProcessing) {
		return fmt.Errorf("%w: %s -> %s", store.ErrInvalidTransition, m.Status, next)
	}
	m.Status = next
	return nil
}

func (f *fakeStore) Finalize(_ context.Context, meetingID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.meetings[meetingID]
	if !ok {
		return false, store.ErrNotFound
	}
	if m.FinalizedAt != nil {
		return false, nil
	}
	now := time.Now()
	m.FinalizedAt = &now
	m.Status = models.StatusProcessing
	return true, nil
}

func (f *fakeStore) BumpEpoch(_ context.Context, meetingID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.meetings[meetingID]
	if !ok {
		return 0, store.ErrNotFound
	}
	m.Epoch++
	return m.Epoch, nil
}

func (f *fakeStore) ListInactiveIngesting(_ context.Context, cutoff time.Time, _ int) ([]models.Meeting, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Meeting
	for _, m := range f.meetings {
		if m.Status == models.StatusIngesting && m.FinalizedAt == nil &&
			m.LastChunkAt != nil && m.LastChunkAt.Before(cutoff) {
			out = append(out, *m)
		}
	}
	return out, nil
}

func (f *fakeStore) GetChunk(_ context.Context, meetingID string, seq int64) (*models.Chunk, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.chunks[meetingID] {
		if c.ChunkSeq == seq {
			copied := *c
			return &copied, nil
		}
	}
	return nil, fmt.Errorf("%w: chunk %d", store.ErrNotFound, seq)
}

func (f *fakeStore) ListChunks(_ context.Context, meetingID string) ([]models.Chunk, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.Chunk, 0, len(f.chunks[meetingID]))
	for _, c := range f.chunks[meetingID] {
		out = append(out, *c)
	}
	return out, nil
}

func (f *fakeStore) ResetTranscription(_ context.Context, meetingID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.chunks[meetingID] {
		c.Transcribed = false
	}
	return nil
}

func (f *fakeStore) CountPendingTranscription(_ context.Context, meetingID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, c := range f.chunks[meetingID] {
		if !c.Transcribed {
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) GetArtifact(_ context.Context, meetingID string, kind models.ArtifactKind) (*models.Artifact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.artifacts[meetingID][kind]
	if !ok {
		return nil, fmt.Errorf("%w: artifact %s", store.ErrNotFound, kind)
	}
	copied := *a
	return &copied, nil
}

func (f *fakeStore) SaveArtifact(_ context.Context, a *models.Artifact) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.artifacts[a.MeetingID] == nil {
		f.artifacts[a.MeetingID] = map[models.ArtifactKind]*models.Artifact{}
	}
	copied := *a
	copied.UpdatedAt = time.Now()
	f.artifacts[a.MeetingID][a.Kind] = &copied
	return nil
}

func (f *fakeStore) AppendTranscriptSegment(ctx context.Context, meetingID, language string, seq int64, text string, epoch int) error {
	f.mu.Lock()
	transcript := &models.Transcript{Language: language}
	if a, ok := f.artifacts[meetingID][models.ArtifactRawTranscript]; ok {
		parsed, err := models.ParseTranscript(a.Content)
		if err != nil {
			f.mu.Unlock()
			return err
		}
		transcript = parsed
	}
	transcript.Upsert(models.TranscriptSegment{ChunkSeq: seq, Text: text})
	content, err := transcript.Marshal()
	if err != nil {
		f.mu.Unlock()
		return err
	}
	for _, c := range f.chunks[meetingID] {
		if c.ChunkSeq == seq {
			c.Transcribed = true
		}
	}
	f.mu.Unlock()
	return f.SaveArtifact(ctx, &models.Artifact{
		MeetingID: meetingID,
		Kind:      models.ArtifactRawTranscript,
		Content:   content,
		Epoch:     epoch,
	})
}

func (f *fakeStore) ClearDownstream(_ context.Context, meetingID string, from models.ArtifactKind) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, kind := range models.DownstreamKinds(from) {
		delete(f.artifacts[meetingID], kind)
	}
	return nil
}

func (f *fakeStore) ClaimIdempotency(_ context.Context, key, _, _ string, _ int) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.claims[key] {
		return false, nil
	}
	f.claims[key] = true
	return true, nil
}

func (f *fakeStore) ReleaseIdempotency(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.claims, key)
	return nil
}

func (f *fakeStore) PruneIdempotencyKeys(_ context.Context, _ time.Time) (int64, error) {
	return 0, nil
}

// captureEnqueuer records jobs instead of running them.
type captureEnqueuer struct {
	mu   sync.Mutex
	jobs []capturedJob
}

type capturedJob struct {
	queue string
	job   *broker.Job
	delay time.Duration
}

func (c *captureEnqueuer) Enqueue(_ context.Context, queueName string, job *broker.Job, delay time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.jobs = append(c.jobs, capturedJob{queue: queueName, job: job, delay: delay})
	return nil
}

func (c *captureEnqueuer) captured() []capturedJob {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]capturedJob(nil), c.jobs...)
}

// countingLLM wraps a client and counts completions per system prompt.
type countingLLM struct {
	mu    sync.Mutex
	inner llm.Client
	calls map[string]int
}

func newCountingLLM() *countingLLM {
	return &countingLLM{inner: llm.NewMockClient(), calls: map[string]int{}}
}

func (c *countingLLM) Name() string { return c.inner.Name() }

func (c *countingLLM) Complete(ctx context.Context, system, user string) (string, error) {
	c.mu.Lock()
	c.calls[system]++
	c.mu.Unlock()
	return c.inner.Complete(ctx, system, user)
}

func (c *countingLLM) completions(system string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[system]
}

// captureNotifier records meeting events.
type captureNotifier struct {
	mu     sync.Mutex
	events []capturedEvent
}

type capturedEvent struct {
	meetingID string
	event     string
	payload   any
}

func (c *captureNotifier) Notify(meetingID, event string, payload any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, capturedEvent{meetingID: meetingID, event: event, payload: payload})
}

func (c *captureNotifier) byName(event string) []capturedEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []capturedEvent
	for _, e := range c.events {
		if e.event == event {
			out = append(out, e)
		}
	}
	return out
}
