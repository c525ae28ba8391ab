package api

import (
	"net/http"
	"strconv"

	echo "github.com/labstack/echo/v5"

	"github.com/meetpipe/meetpipe/pkg/broker"
	"github.com/meetpipe/meetpipe/pkg/config"
)

// queuesHealthHandler handles GET /v1/admin/queues/health. Per-queue probe
// failures land in that queue's Error field instead of failing the report.
func (s *Server) queuesHealthHandler(c *echo.Context) error {
	ctx := c.Request().Context()

	if s.queues == nil {
		return c.JSON(http.StatusOK, QueuesHealthResponse{
			Mode:   config.QueueModeInline,
			Queues: map[string]QueueHealth{},
		})
	}

	resp := QueuesHealthResponse{
		Mode:   config.QueueModeRedis,
		Queues: make(map[string]QueueHealth, len(s.queues.Names())),
	}
	for _, name := range s.queues.Names() {
		q := s.queues.Get(name)
		var h QueueHealth
		var err error
		if h.Ready, err = q.Depth(ctx); err == nil {
			if h.Pending, err = q.PendingDepth(ctx); err == nil {
				if h.Inflight, err = q.InflightDepth(ctx); err == nil {
					h.DLQ, err = q.DLQDepth(ctx)
				}
			}
		}
		if err != nil {
			h.Error = err.Error()
		}
		resp.Queues[name] = h
	}
	return c.JSON(http.StatusOK, resp)
}

// storageHealthHandler handles GET /v1/admin/storage/health.
func (s *Server) storageHealthHandler(c *echo.Context) error {
	resp := StorageHealthResponse{Mode: s.blobs.Mode(), Healthy: true}
	if err := s.blobs.Probe(c.Request().Context()); err != nil {
		resp.Healthy = false
		resp.Error = err.Error()
	}
	return c.JSON(http.StatusOK, resp)
}

// readinessHandler handles GET /v1/admin/system/readiness. It re-evaluates
// the startup readiness rules against the live configuration.
func (s *Server) readinessHandler(c *echo.Context) error {
	return c.JSON(http.StatusOK, config.EvaluateReadiness(s.cfg))
}

// auditHandler handles GET /v1/admin/audit?limit=.
func (s *Server) auditHandler(c *echo.Context) error {
	limit := queryInt(c, "limit", 100)
	events, err := s.store.ListAudit(c.Request().Context(), limit)
	if err != nil {
		return s.respondError(c, err)
	}
	return c.JSON(http.StatusOK, AuditResponse{Events: events})
}

// dlqPeekHandler handles GET /v1/admin/queues/:name/dlq?limit=.
func (s *Server) dlqPeekHandler(c *echo.Context) error {
	q, err := s.namedQueue(c)
	if err != nil {
		return s.respondError(c, err)
	}
	ctx := c.Request().Context()

	depth, err := q.DLQDepth(ctx)
	if err != nil {
		return s.respondError(c, err)
	}
	jobs, err := q.DLQPeek(ctx, int64(queryInt(c, "limit", 20)))
	if err != nil {
		return s.respondError(c, err)
	}
	return c.JSON(http.StatusOK, DLQPeekResponse{Queue: q.Name(), Depth: depth, Jobs: jobs})
}

// dlqReplayHandler handles POST /v1/admin/queues/:name/dlq/replay. Replayed
// jobs restart with a fresh attempt budget.
func (s *Server) dlqReplayHandler(c *echo.Context) error {
	q, err := s.namedQueue(c)
	if err != nil {
		return s.respondError(c, err)
	}

	var req DLQReplayRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	limit := req.Limit
	if limit <= 0 {
		limit = 50
	}

	replayed, err := q.DLQReplay(c.Request().Context(), int64(limit), s.cfg.Queue.MaxAttempts)
	if err != nil {
		return s.respondError(c, err)
	}
	s.logger.Info("DLQ replay", "queue", q.Name(), "replayed", replayed)
	return c.JSON(http.StatusOK, DLQReplayResponse{Queue: q.Name(), Replayed: replayed})
}

// namedQueue resolves the :name path param against the configured queue set.
func (s *Server) namedQueue(c *echo.Context) (*broker.Queue, error) {
	if s.queues == nil {
		return nil, errInlineMode
	}
	q := s.queues.Get(c.Param("name"))
	if q == nil {
		return nil, errUnknownQueue
	}
	return q, nil
}

func queryInt(c *echo.Context, name string, def int) int {
	raw := c.QueryParam(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
