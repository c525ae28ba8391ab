package api

import (
	"net/http"
	"strings"

	echo "github.com/labstack/echo/v5"

	"github.com/meetpipe/meetpipe/pkg/auth"
	"github.com/meetpipe/meetpipe/pkg/models"
	"github.com/meetpipe/meetpipe/pkg/trace"
)

// TraceHeader carries the request trace ID in both directions.
const TraceHeader = "X-Trace-Id"

// traceMiddleware accepts a valid inbound trace ID or mints a fresh one,
// echoes it on the response, and stores it in the request context so it
// propagates into queue jobs.
func traceMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			tc := trace.FromHeader(c.Request().Header.Get(TraceHeader))
			c.Response().Header().Set(TraceHeader, tc.TraceID)
			c.SetRequest(c.Request().WithContext(trace.Into(c.Request().Context(), tc)))
			return next(c)
		}
	}
}

// securityHeaders sets standard security response headers.
func securityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			h := c.Response().Header()
			h.Set("X-Frame-Options", "DENY")
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
			return next(c)
		}
	}
}

// corsMiddleware applies the configured origin allowlist and answers
// preflight requests.
func (s *Server) corsMiddleware() echo.MiddlewareFunc {
	allowed := strings.TrimSpace(s.cfg.CORSAllowedOrigins)
	wildcard := allowed == "" || allowed == "*"
	origins := map[string]bool{}
	for _, o := range strings.Split(allowed, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins[o] = true
		}
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			origin := c.Request().Header.Get("Origin")
			h := c.Response().Header()
			switch {
			case wildcard:
				h.Set("Access-Control-Allow-Origin", "*")
			case origin != "" && origins[origin]:
				h.Set("Access-Control-Allow-Origin", origin)
				h.Set("Vary", "Origin")
			}
			if c.Request().Method == http.MethodOptions {
				h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				h.Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-API-Key, X-Trace-Id")
				return c.NoContent(http.StatusNoContent)
			}
			return next(c)
		}
	}
}

// credentialsFrom pulls the caller's secrets from headers, with query
// fallbacks for WebSocket clients that cannot set headers.
func credentialsFrom(c *echo.Context) auth.Credentials {
	creds := auth.Credentials{APIKey: c.Request().Header.Get("X-API-Key")}
	if h := c.Request().Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		creds.BearerToken = strings.TrimPrefix(h, "Bearer ")
	}
	if creds.APIKey == "" {
		creds.APIKey = c.QueryParam("api_key")
	}
	if creds.BearerToken == "" {
		creds.BearerToken = c.QueryParam("access_token")
	}
	return creds
}

// userAuth guards the user contour.
func (s *Server) userAuth() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			ctx := c.Request().Context()
			endpoint, method := c.Request().URL.Path, c.Request().Method

			principal, err := s.authn.AuthenticateUser(ctx, credentialsFrom(c))
			if err != nil {
				s.authn.Audit(ctx, endpoint, method, nil, models.DecisionDeny, err.Error())
				return s.respondError(c, err)
			}
			s.authn.Audit(ctx, endpoint, method, principal, models.DecisionAllow, "")
			c.SetRequest(c.Request().WithContext(auth.Into(ctx, principal)))
			return next(c)
		}
	}
}

// serviceAuth guards the service contour, demanding the given scope from
// JWT principals.
func (s *Server) serviceAuth(scope string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			ctx := c.Request().Context()
			endpoint, method := c.Request().URL.Path, c.Request().Method

			principal, err := s.authn.AuthenticateService(ctx, credentialsFrom(c), scope)
			if err != nil {
				s.authn.Audit(ctx, endpoint, method, nil, models.DecisionDeny, err.Error())
				return s.respondError(c, err)
			}
			s.authn.Audit(ctx, endpoint, method, principal, models.DecisionAllow, "")
			c.SetRequest(c.Request().WithContext(auth.Into(ctx, principal)))
			return next(c)
		}
	}
}
