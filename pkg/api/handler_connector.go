package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/meetpipe/meetpipe/pkg/connector"
)

// checkProvider validates the :provider path param against the configured
// connector manager.
func (s *Server) checkProvider(c *echo.Context) (*connector.Manager, error) {
	if s.manager == nil {
		return nil, errNoConnector
	}
	if c.Param("provider") != s.manager.Provider() {
		return nil, errUnknownProvider
	}
	return s.manager, nil
}

// connectorJoinHandler handles POST /v1/admin/connectors/:provider/:id/join.
func (s *Server) connectorJoinHandler(c *echo.Context) error {
	mgr, err := s.checkProvider(c)
	if err != nil {
		return s.respondError(c, err)
	}
	session, err := mgr.Join(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.respondError(c, err)
	}
	return c.JSON(http.StatusOK, ConnectorStatusResponse{
		Provider: mgr.Provider(),
		Session:  session,
	})
}

// connectorLeaveHandler handles POST /v1/admin/connectors/:provider/:id/leave.
func (s *Server) connectorLeaveHandler(c *echo.Context) error {
	mgr, err := s.checkProvider(c)
	if err != nil {
		return s.respondError(c, err)
	}
	if err := mgr.Leave(c.Request().Context(), c.Param("id")); err != nil {
		return s.respondError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// connectorReconnectHandler handles POST /v1/admin/connectors/:provider/:id/reconnect.
func (s *Server) connectorReconnectHandler(c *echo.Context) error {
	mgr, err := s.checkProvider(c)
	if err != nil {
		return s.respondError(c, err)
	}
	session, err := mgr.Reconnect(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.respondError(c, err)
	}
	return c.JSON(http.StatusOK, ConnectorStatusResponse{
		Provider: mgr.Provider(),
		Session:  session,
	})
}

// connectorStatusHandler handles GET /v1/admin/connectors/:provider/:id/status.
// Pairs the active session with the breaker snapshot.
func (s *Server) connectorStatusHandler(c *echo.Context) error {
	mgr, err := s.checkProvider(c)
	if err != nil {
		return s.respondError(c, err)
	}
	ctx := c.Request().Context()

	session, err := mgr.Status(ctx, c.Param("id"))
	if err != nil {
		return s.respondError(c, err)
	}
	resp := ConnectorStatusResponse{Provider: mgr.Provider(), Session: session}
	if info, err := mgr.Breaker().Snapshot(ctx); err == nil {
		resp.Breaker = info
	}
	return c.JSON(http.StatusOK, resp)
}

// connectorSessionsHandler handles GET /v1/admin/connectors/:provider/:id/sessions,
// listing the full session history for the meeting.
func (s *Server) connectorSessionsHandler(c *echo.Context) error {
	mgr, err := s.checkProvider(c)
	if err != nil {
		return s.respondError(c, err)
	}
	sessions, err := mgr.Sessions(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.respondError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"provider": mgr.Provider(),
		"sessions": sessions,
	})
}

// connectorHealthHandler handles GET /v1/admin/connectors/:provider/health.
// The probe goes straight to the provider so operators see its real state
// even while the breaker is open.
func (s *Server) connectorHealthHandler(c *echo.Context) error {
	mgr, err := s.checkProvider(c)
	if err != nil {
		return s.respondError(c, err)
	}
	resp := map[string]any{"provider": mgr.Provider(), "healthy": true}
	if err := mgr.Health(c.Request().Context()); err != nil {
		resp["healthy"] = false
		resp["error"] = err.Error()
	}
	return c.JSON(http.StatusOK, resp)
}

// breakerGetHandler handles GET /v1/admin/connectors/:provider/circuit-breaker.
func (s *Server) breakerGetHandler(c *echo.Context) error {
	mgr, err := s.checkProvider(c)
	if err != nil {
		return s.respondError(c, err)
	}
	info, err := mgr.Breaker().Snapshot(c.Request().Context())
	if err != nil {
		return s.respondError(c, err)
	}
	return c.JSON(http.StatusOK, info)
}

// breakerResetHandler handles POST /v1/admin/connectors/:provider/circuit-breaker/reset.
func (s *Server) breakerResetHandler(c *echo.Context) error {
	mgr, err := s.checkProvider(c)
	if err != nil {
		return s.respondError(c, err)
	}

	var req BreakerResetRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}

	ctx := c.Request().Context()
	if err := mgr.Breaker().Reset(ctx, "operator", req.Reason); err != nil {
		return s.respondError(c, err)
	}
	info, err := mgr.Breaker().Snapshot(ctx)
	if err != nil {
		return s.respondError(c, err)
	}
	return c.JSON(http.StatusOK, info)
}

// reconcileNowHandler handles POST /v1/admin/connectors/:provider/reconcile,
// running one full reconciliation cycle synchronously.
func (s *Server) reconcileNowHandler(c *echo.Context) error {
	if _, err := s.checkProvider(c); err != nil {
		return s.respondError(c, err)
	}
	if s.reconciler == nil {
		return s.respondError(c, errNoConnector)
	}
	s.reconciler.Cycle(c.Request().Context())
	return c.JSON(http.StatusOK, map[string]any{"provider": s.manager.Provider(), "reconciled": true})
}

// livePullHandler handles POST /v1/admin/connectors/:provider/live-pull,
// running one live-pull round across connected sessions.
func (s *Server) livePullHandler(c *echo.Context) error {
	if _, err := s.checkProvider(c); err != nil {
		return s.respondError(c, err)
	}
	if s.reconciler == nil {
		return s.respondError(c, errNoConnector)
	}
	chunks := s.reconciler.LivePullRound(c.Request().Context())
	return c.JSON(http.StatusOK, LivePullResponse{
		Provider: s.manager.Provider(),
		Chunks:   chunks,
	})
}
