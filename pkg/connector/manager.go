package connector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/meetpipe/meetpipe/pkg/breaker"
	"github.com/meetpipe/meetpipe/pkg/broker"
	"github.com/meetpipe/meetpipe/pkg/config"
	"github.com/meetpipe/meetpipe/pkg/metrics"
	"github.com/meetpipe/meetpipe/pkg/models"
	"github.com/meetpipe/meetpipe/pkg/store"
)

// ErrBusy surfaces when another lifecycle operation holds the per-meeting
// operation lock.
var ErrBusy = broker.ErrBusy

// SessionStore is the persistence surface the manager needs. *store.Store
// satisfies it.
type SessionStore interface {
	GetMeeting(ctx context.Context, meetingID, tenant string) (*models.Meeting, error)
	CreateSession(ctx context.Context, meetingID, provider string) (*models.ConnectorSession, error)
	ActiveSession(ctx context.Context, meetingID, provider string) (*models.ConnectorSession, error)
	MarkSessionConnected(ctx context.Context, id int64, providerRef string) error
	SetSessionState(ctx context.Context, id int64, state models.SessionState, lastError string) error
	TouchSessionSeen(ctx context.Context, id int64) error
	IncrementLivePullFailures(ctx context.Context, id int64, lastError string) (int, error)
	ListSessionsByMeeting(ctx context.Context, meetingID string) ([]models.ConnectorSession, error)
	ListConnectedSessions(ctx context.Context, limit int) ([]models.ConnectorSession, error)
	ListStaleSessions(ctx context.Context, cutoff time.Time, limit int) ([]models.ConnectorSession, error)
}

// ChunkIngestor feeds pulled audio into the normal ingest path. The ingest
// service implements it.
type ChunkIngestor interface {
	IngestConnectorChunk(ctx context.Context, meetingID string, data []byte) error
}

// Manager runs the connector session lifecycle for one provider. All
// lifecycle operations serialize per meeting through a Redis operation lock;
// a concurrent operation gets ErrBusy rather than queueing.
type Manager struct {
	store    SessionStore
	redis    *redis.Client
	breaker  *breaker.Breaker
	adapter  Adapter
	ingestor ChunkIngestor
	cfg      *config.ConnectorConfig
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// NewManager wires the lifecycle manager.
func NewManager(
	st SessionStore,
	redisClient *redis.Client,
	brk *breaker.Breaker,
	adapter Adapter,
	ingestor ChunkIngestor,
	cfg *config.ConnectorConfig,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Manager {
	return &Manager{
		store:    st,
		redis:    redisClient,
		breaker:  brk,
		adapter:  adapter,
		ingestor: ingestor,
		cfg:      cfg,
		metrics:  m,
		logger:   logger.With("component", "connector_manager", "provider", adapter.Name()),
	}
}

// Provider returns the managed provider name.
func (m *Manager) Provider() string { return m.adapter.Name() }

// Breaker exposes the provider's circuit breaker for the admin API and the
// reconciler's self-heal pass.
func (m *Manager) Breaker() *breaker.Breaker { return m.breaker }

// withOpLock runs fn holding the per-meeting operation lock.
func (m *Manager) withOpLock(ctx context.Context, meetingID string, fn func() error) error {
	key := broker.OpLockKey(m.adapter.Name(), meetingID)
	token, err := broker.AcquireOpLock(ctx, m.redis, key, m.cfg.OpLockTTL)
	if err != nil {
		return err
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := broker.ReleaseOpLock(releaseCtx, m.redis, key, token); err != nil {
			m.logger.Error("Failed to release op lock", "meeting_id", meetingID, "error", err)
		}
	}()
	return fn()
}

// guarded runs one provider call behind the circuit breaker.
func (m *Manager) guarded(ctx context.Context, fn func() error) error {
	if err := m.breaker.Allow(ctx); err != nil {
		// Only a genuine rejection means the circuit tripped. A Redis error
		// fails the call without changing the reported breaker state.
		if errors.Is(err, breaker.ErrCircuitOpen) {
			m.setBreakerGauge(breaker.StateOpen)
		}
		return err
	}
	if err := fn(); err != nil {
		if ctx.Err() == nil {
			state, repErr := m.breaker.ReportFailure(ctx, failureReason(err))
			if repErr != nil {
				m.logger.Error("Failed to record breaker failure", "error", repErr)
			} else {
				m.setBreakerGauge(state)
			}
		}
		return err
	}
	if err := m.breaker.ReportSuccess(ctx); err != nil {
		m.logger.Error("Failed to record breaker success", "error", err)
	}
	m.setBreakerGauge(breaker.StateClosed)
	return nil
}

// failureReason maps a provider error to the breaker's failure
// classification. Auth failures block breaker self-heal.
func failureReason(err error) string {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return string(pe.Category)
	}
	return "error"
}

func (m *Manager) setBreakerGauge(state breaker.State) {
	var v float64
	switch state {
	case breaker.StateHalfOpen:
		v = 1
	case breaker.StateOpen:
		v = 2
	}
	m.metrics.BreakerState.WithLabelValues(m.adapter.Name()).Set(v)
}

// Join puts the bot into the meeting. Joining a meeting with a session
// connected within the idempotency window returns that session without a
// provider call; an older connected session is re-joined to refresh the
// provider reference.
func (m *Manager) Join(ctx context.Context, meetingID string) (*models.ConnectorSession, error) {
	if _, err := m.store.GetMeeting(ctx, meetingID, ""); err != nil {
		return nil, err
	}

	var result *models.ConnectorSession
	err := m.withOpLock(ctx, meetingID, func() error {
		session, err := m.store.ActiveSession(ctx, meetingID, m.adapter.Name())
		if err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				return err
			}
			session, err = m.store.CreateSession(ctx, meetingID, m.adapter.Name())
			if err != nil {
				return err
			}
		}

		if session.State == models.SessionConnected && session.JoinedAt != nil &&
			time.Since(*session.JoinedAt) < m.cfg.JoinIdempotentTTL {
			result = session
			return nil
		}

		var ref string
		joinErr := m.guarded(ctx, func() error {
			var err error
			ref, err = m.adapter.Join(ctx, meetingID)
			return err
		})
		if joinErr != nil {
			state := models.SessionDead
			if session.State == models.SessionConnected || session.State == models.SessionDisconnected {
				// The bot may still be in the meeting; keep the session
				// alive for the reconciler.
				state = models.SessionDisconnected
			}
			if stErr := m.store.SetSessionState(ctx, session.ID, state, joinErr.Error()); stErr != nil {
				m.logger.Error("Failed to record join failure", "meeting_id", meetingID, "error", stErr)
			}
			return joinErr
		}

		if err := m.store.MarkSessionConnected(ctx, session.ID, ref); err != nil {
			return err
		}
		session.State = models.SessionConnected
		session.ProviderRef = ref
		result = session
		m.logger.Info("Connector joined meeting", "meeting_id", meetingID, "session_id", session.ID)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Leave removes the bot from the meeting and marks the session dead.
func (m *Manager) Leave(ctx context.Context, meetingID string) error {
	return m.withOpLock(ctx, meetingID, func() error {
		session, err := m.store.ActiveSession(ctx, meetingID, m.adapter.Name())
		if err != nil {
			return err
		}
		if err := m.store.SetSessionState(ctx, session.ID, models.SessionLeaving, ""); err != nil {
			return err
		}

		leaveErr := m.guarded(ctx, func() error {
			return m.adapter.Leave(ctx, session.ProviderRef)
		})
		if leaveErr != nil {
			// The bot may still be in the meeting. Keep the session for the
			// reconciler instead of declaring it dead.
			if stErr := m.store.SetSessionState(ctx, session.ID, models.SessionDisconnected, leaveErr.Error()); stErr != nil {
				m.logger.Error("Failed to record leave failure", "meeting_id", meetingID, "error", stErr)
			}
			return leaveErr
		}

		if err := m.store.SetSessionState(ctx, session.ID, models.SessionDead, ""); err != nil {
			return err
		}
		m.logger.Info("Connector left meeting", "meeting_id", meetingID, "session_id", session.ID)
		return nil
	})
}

// Reconnect re-joins the provider for an existing session, refreshing the
// provider reference. Used after live-pull failures and by the reconciler.
func (m *Manager) Reconnect(ctx context.Context, meetingID string) (*models.ConnectorSession, error) {
	var result *models.ConnectorSession
	err := m.withOpLock(ctx, meetingID, func() error {
		session, err := m.store.ActiveSession(ctx, meetingID, m.adapter.Name())
		if err != nil {
			return err
		}

		// Best effort: tell the provider to drop the old bot first.
		if session.ProviderRef != "" {
			if leaveErr := m.guarded(ctx, func() error {
				return m.adapter.Leave(ctx, session.ProviderRef)
			}); leaveErr != nil {
				m.logger.Warn("Reconnect could not leave old session",
					"meeting_id", meetingID, "error", leaveErr)
			}
		}

		var ref string
		joinErr := m.guarded(ctx, func() error {
			var err error
			ref, err = m.adapter.Join(ctx, meetingID)
			return err
		})
		if joinErr != nil {
			if stErr := m.store.SetSessionState(ctx, session.ID, models.SessionDisconnected, joinErr.Error()); stErr != nil {
				m.logger.Error("Failed to record reconnect failure", "meeting_id", meetingID, "error", stErr)
			}
			return joinErr
		}

		if err := m.store.MarkSessionConnected(ctx, session.ID, ref); err != nil {
			return err
		}
		session.State = models.SessionConnected
		session.ProviderRef = ref
		session.LivePullFailures = 0
		result = session
		m.logger.Info("Connector reconnected", "meeting_id", meetingID, "session_id", session.ID)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// PullSession fetches buffered chunks for one connected session and feeds
// them through the ingest path. It returns the chunk count and whether the
// consecutive failure threshold now demands a reconnect.
func (m *Manager) PullSession(ctx context.Context, session *models.ConnectorSession) (int, bool, error) {
	var chunks [][]byte
	pullErr := m.guarded(ctx, func() error {
		var err error
		chunks, err = m.adapter.PullChunks(ctx, session.ProviderRef, m.cfg.LivePullBatchLimit)
		return err
	})
	if pullErr != nil {
		m.metrics.LivePullsTotal.WithLabelValues(m.adapter.Name(), "error").Inc()
		failures, incErr := m.store.IncrementLivePullFailures(ctx, session.ID, pullErr.Error())
		if incErr != nil {
			m.logger.Error("Failed to record live-pull failure", "meeting_id", session.MeetingID, "error", incErr)
		}
		return 0, failures >= m.cfg.LivePullFailReconnectThreshold, pullErr
	}

	ingested, invalid := 0, 0
	for _, data := range chunks {
		if len(data) == 0 {
			invalid++
			continue
		}
		if err := m.ingestor.IngestConnectorChunk(ctx, session.MeetingID, data); err != nil {
			m.metrics.LivePullsTotal.WithLabelValues(m.adapter.Name(), "ingest_error").Inc()
			return ingested, false, fmt.Errorf("ingest pulled chunk: %w", err)
		}
		ingested++
	}
	if invalid > 0 {
		m.logger.Warn("Skipped invalid pulled chunks",
			"meeting_id", session.MeetingID, "invalid", invalid)
	}

	if err := m.store.TouchSessionSeen(ctx, session.ID); err != nil {
		m.logger.Error("Failed to touch session", "meeting_id", session.MeetingID, "error", err)
	}
	m.metrics.LivePullsTotal.WithLabelValues(m.adapter.Name(), "ok").Inc()
	return ingested, false, nil
}

// Status returns the meeting's active session, or store.ErrNotFound.
func (m *Manager) Status(ctx context.Context, meetingID string) (*models.ConnectorSession, error) {
	return m.store.ActiveSession(ctx, meetingID, m.adapter.Name())
}

// Sessions lists every session recorded for a meeting.
func (m *Manager) Sessions(ctx context.Context, meetingID string) ([]models.ConnectorSession, error) {
	return m.store.ListSessionsByMeeting(ctx, meetingID)
}

// Health checks the provider endpoint directly. The check bypasses the
// breaker on purpose: operators need to see the real provider state even
// while the breaker is open.
func (m *Manager) Health(ctx context.Context) error {
	return m.adapter.Health(ctx)
}
