package api

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/jmoiron/sqlx"
	echo "github.com/labstack/echo/v5"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/meetpipe/meetpipe/pkg/auth"
	"github.com/meetpipe/meetpipe/pkg/blob"
	"github.com/meetpipe/meetpipe/pkg/breaker"
	"github.com/meetpipe/meetpipe/pkg/broker"
	"github.com/meetpipe/meetpipe/pkg/config"
	"github.com/meetpipe/meetpipe/pkg/connector"
	"github.com/meetpipe/meetpipe/pkg/ingest"
	"github.com/meetpipe/meetpipe/pkg/metrics"
	"github.com/meetpipe/meetpipe/pkg/models"
	"github.com/meetpipe/meetpipe/pkg/queue"
	"github.com/meetpipe/meetpipe/pkg/store"
)

// testEnv bundles a Server wired against sqlmock, miniredis, and a mock
// connector adapter, plus the router built from it.
type testEnv struct {
	server   *Server
	router   *echo.Echo
	sqlmock  sqlmock.Sqlmock
	redis    *redis.Client
	cfg      *config.Config
	sessions *fakeSessions
}

type noopEnqueuer struct{}

func (noopEnqueuer) EnqueueSTT(context.Context, string, int, int64) error { return nil }

func testConfig() *config.Config {
	return &config.Config{
		AppEnv:             "dev",
		HTTPPort:           "8080",
		CORSAllowedOrigins: "*",
		RedisURL:           "redis://localhost:6379/0",
		Queue:              config.DefaultQueueConfig(),
		Auth:               config.DefaultAuthConfig(),
		Storage:            &config.StorageConfig{Mode: "local"},
		Connector:          config.DefaultConnectorConfig(),
		Providers:          &config.ProviderConfig{STT: "mock", LLM: "mock", Delivery: "mock"},
	}
}

func newTestEnv(t *testing.T, mutate func(*config.Config)) *testEnv {
	t.Helper()

	cfg := testConfig()
	if mutate != nil {
		mutate(cfg)
	}

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	sqlxDB := sqlx.NewDb(db, "sqlmock")
	st := store.New(sqlxDB)

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	blobs, err := blob.NewFSStore(t.TempDir(), "local")
	require.NoError(t, err)

	logger := slog.Default()
	m := metrics.New()
	ingestSvc := ingest.NewService(st, blobs, noopEnqueuer{}, logger)

	sessions := newFakeSessions()
	brk := breaker.New(client, "mock", breaker.Settings{
		FailureThreshold: cfg.Connector.CBFailureThreshold,
		Window:           cfg.Connector.CBWindow,
		OpenFor:          cfg.Connector.CBOpen,
	})
	manager := connector.NewManager(sessions, client, brk, connector.NewMockAdapter(),
		ingestSvc, cfg.Connector, m, logger)

	srv := NewServer(Deps{
		Config:  cfg,
		Store:   st,
		DB:      sqlxDB,
		Redis:   client,
		Blobs:   blobs,
		Ingest:  ingestSvc,
		Queues:  queue.NewSet(client, broker.StageQueues()...),
		Manager: manager,
		Auth:    auth.New(cfg.Auth, cfg.IsProd(), nil, logger),
		Metrics: m,
		Logger:  logger,
	})

	return &testEnv{
		server:   srv,
		router:   srv.Router(),
		sqlmock:  mock,
		redis:    client,
		cfg:      cfg,
		sessions: sessions,
	}
}

// fakeSessions is an in-memory connector.SessionStore with one pre-seeded
// meeting per id registered through addMeeting.
type fakeSessions struct {
	mu       sync.Mutex
	meetings map[string]*models.Meeting
	sessions map[int64]*models.ConnectorSession
	nextID   int64
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{
		meetings: map[string]*models.Meeting{},
		sessions: map[int64]*models.ConnectorSession{},
	}
}

func (f *fakeSessions) addMeeting(meetingID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.meetings[meetingID] = &models.Meeting{
		MeetingID: meetingID,
		Mode:      models.ModeRealtime,
		Status:    models.StatusIngesting,
		Epoch:     1,
		CreatedAt: time.Now(),
	}
}

func (f *fakeSessions) GetMeeting(_ context.Context, meetingID, _ string) (*models.Meeting, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.meetings[meetingID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return m, nil
}

func (f *fakeSessions) CreateSession(_ context.Context, meetingID, provider string) (*models.ConnectorSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	s := &models.ConnectorSession{
		ID:        f.nextID,
		MeetingID: meetingID,
		Provider:  provider,
		State:     models.SessionJoining,
		UpdatedAt: time.Now(),
	}
	f.sessions[s.ID] = s
	cp := *s
	return &cp, nil
}

func (f *fakeSessions) ActiveSession(_ context.Context, meetingID, provider string) (*models.ConnectorSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.sessions {
		if s.MeetingID == meetingID && s.Provider == provider && !s.State.Terminal() {
			cp := *s
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (f *fakeSessions) MarkSessionConnected(_ context.Context, id int64, providerRef string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return store.ErrNotFound
	}
	now := time.Now()
	s.State = models.SessionConnected
	s.ProviderRef = providerRef
	s.JoinedAt = &now
	s.LastSeen = &now
	s.LivePullFailures = 0
	s.LastError = ""
	return nil
}

func (f *fakeSessions) SetSessionState(_ context.Context, id int64, state models.SessionState, lastError string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return store.ErrNotFound
	}
	s.State = state
	s.LastError = lastError
	return nil
}

func (f *fakeSessions) TouchSessionSeen(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.sessions[id]; ok {
		now := time.Now()
		s.LastSeen = &now
	}
	return nil
}

func (f *fakeSessions) IncrementLivePullFailures(_ context.Context, id int64, lastError string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return 0, store.ErrNotFound
	}
	s.LivePullFailures++
	s.LastError = lastError
	return s.LivePullFailures, nil
}

func (f *fakeSessions) ListSessionsByMeeting(_ context.Context, meetingID string) ([]models.ConnectorSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.ConnectorSession
	for _, s := range f.sessions {
		if s.MeetingID == meetingID {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeSessions) ListConnectedSessions(_ context.Context, limit int) ([]models.ConnectorSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.ConnectorSession
	for _, s := range f.sessions {
		if s.State == models.SessionConnected {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeSessions) ListStaleSessions(_ context.Context, cutoff time.Time, limit int) ([]models.ConnectorSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.ConnectorSession
	for _, s := range f.sessions {
		if s.State != models.SessionConnected && s.State != models.SessionDisconnected {
			continue
		}
		if s.LastSeen != nil && s.LastSeen.After(cutoff) {
			continue
		}
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
