// Package api is the HTTP and WebSocket surface: the user contour for
// meetings, chunks, and artifacts, the service contour for internal ingest,
// and the admin surface for queues, storage, connector lifecycle, and the
// circuit breaker.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/jmoiron/sqlx"
	echo "github.com/labstack/echo/v5"
	"github.com/redis/go-redis/v9"

	"github.com/meetpipe/meetpipe/pkg/auth"
	"github.com/meetpipe/meetpipe/pkg/blob"
	"github.com/meetpipe/meetpipe/pkg/broker"
	"github.com/meetpipe/meetpipe/pkg/config"
	"github.com/meetpipe/meetpipe/pkg/connector"
	"github.com/meetpipe/meetpipe/pkg/database"
	"github.com/meetpipe/meetpipe/pkg/ingest"
	"github.com/meetpipe/meetpipe/pkg/metrics"
	"github.com/meetpipe/meetpipe/pkg/pipeline"
	"github.com/meetpipe/meetpipe/pkg/queue"
	"github.com/meetpipe/meetpipe/pkg/reconcile"
	"github.com/meetpipe/meetpipe/pkg/store"
)

// Server carries every dependency the handlers need.
type Server struct {
	cfg        *config.Config
	store      *store.Store
	db         *sqlx.DB
	redis      *redis.Client
	blobs      blob.Store
	ingest     *ingest.Service
	pipeline   *pipeline.Pipeline
	queues     *queue.Set
	manager    *connector.Manager
	reconciler *reconcile.Reconciler
	authn      *auth.Authenticator
	hub        *Hub
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

// Deps bundles the server's collaborators. Queues is nil in inline mode;
// Manager and Reconciler are nil when no connector provider is configured.
type Deps struct {
	Config     *config.Config
	Store      *store.Store
	DB         *sqlx.DB
	Redis      *redis.Client
	Blobs      blob.Store
	Ingest     *ingest.Service
	Pipeline   *pipeline.Pipeline
	Queues     *queue.Set
	Manager    *connector.Manager
	Reconciler *reconcile.Reconciler
	Auth       *auth.Authenticator
	Metrics    *metrics.Metrics
	Logger     *slog.Logger
}

// NewServer builds the server and its WebSocket hub.
func NewServer(d Deps) *Server {
	logger := d.Logger.With("component", "api")
	return &Server{
		cfg:        d.Config,
		store:      d.Store,
		db:         d.DB,
		redis:      d.Redis,
		blobs:      d.Blobs,
		ingest:     d.Ingest,
		pipeline:   d.Pipeline,
		queues:     d.Queues,
		manager:    d.Manager,
		reconciler: d.Reconciler,
		authn:      d.Auth,
		hub:        NewHub(d.Metrics, d.Logger),
		metrics:    d.Metrics,
		logger:     logger,
	}
}

// Hub returns the WebSocket hub so main can attach it to the pipeline as
// its notifier.
func (s *Server) Hub() *Hub { return s.hub }

// Router builds the echo instance with every route and middleware.
func (s *Server) Router() *echo.Echo {
	e := echo.New()
	e.Use(traceMiddleware(), securityHeaders(), s.corsMiddleware())

	e.GET("/healthz", s.healthHandler)
	e.GET("/metrics", echo.WrapHandler(s.metrics.Handler()))

	v1 := e.Group("/v1")

	// User contour.
	user := v1.Group("", s.userAuth())
	user.POST("/meetings/start", s.startMeetingHandler)
	user.GET("/meetings/:id", s.getMeetingHandler)
	user.POST("/meetings/:id/chunks", s.uploadChunkHandler)
	user.POST("/meetings/:id/finalize", s.finalizeMeetingHandler)
	user.GET("/meetings/:id/artifact", s.getArtifactHandler)
	user.POST("/meetings/:id/artifacts/rebuild", s.rebuildHandler)
	user.GET("/ws", s.wsHandler)

	// Service contour.
	internal := v1.Group("/internal", s.serviceAuth(config.ScopeWSInternal))
	internal.POST("/meetings/:id/chunks", s.uploadChunkHandler)
	v1.GET("/ws/internal", s.wsInternalHandler, s.serviceAuth(config.ScopeWSInternal))

	// Admin reads.
	adminRead := v1.Group("/admin", s.serviceAuth(config.ScopeAdminRead))
	adminRead.GET("/queues/health", s.queuesHealthHandler)
	adminRead.GET("/queues/:name/dlq", s.dlqPeekHandler)
	adminRead.GET("/storage/health", s.storageHealthHandler)
	adminRead.GET("/system/readiness", s.readinessHandler)
	adminRead.GET("/audit", s.auditHandler)
	adminRead.GET("/connectors/:provider/health", s.connectorHealthHandler)
	adminRead.GET("/connectors/:provider/circuit-breaker", s.breakerGetHandler)
	adminRead.GET("/connectors/:provider/:id/status", s.connectorStatusHandler)
	adminRead.GET("/connectors/:provider/:id/sessions", s.connectorSessionsHandler)

	// Admin writes.
	adminWrite := v1.Group("/admin", s.serviceAuth(config.ScopeAdminWrite))
	adminWrite.POST("/queues/:name/dlq/replay", s.dlqReplayHandler)
	adminWrite.POST("/connectors/:provider/circuit-breaker/reset", s.breakerResetHandler)
	adminWrite.POST("/connectors/:provider/reconcile", s.reconcileNowHandler)
	adminWrite.POST("/connectors/:provider/live-pull", s.livePullHandler)
	adminWrite.POST("/connectors/:provider/:id/join", s.connectorJoinHandler)
	adminWrite.POST("/connectors/:provider/:id/leave", s.connectorLeaveHandler)
	adminWrite.POST("/connectors/:provider/:id/reconnect", s.connectorReconnectHandler)

	return e
}

// healthHandler reports liveness of the two hard dependencies.
func (s *Server) healthHandler(c *echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	result := map[string]any{"status": "healthy"}
	healthy := true

	if err := database.Health(ctx, s.db); err != nil {
		result["database"] = err.Error()
		healthy = false
	} else {
		result["database"] = "ok"
	}
	if err := broker.Health(ctx, s.redis); err != nil {
		result["broker"] = err.Error()
		healthy = false
	} else {
		result["broker"] = "ok"
	}

	if !healthy {
		result["status"] = "unhealthy"
		return c.JSON(http.StatusServiceUnavailable, result)
	}
	return c.JSON(http.StatusOK, result)
}
