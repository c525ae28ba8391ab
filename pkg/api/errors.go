package api

import (
	"errors"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/meetpipe/meetpipe/pkg/auth"
	"github.com/meetpipe/meetpipe/pkg/breaker"
	"github.com/meetpipe/meetpipe/pkg/broker"
	"github.com/meetpipe/meetpipe/pkg/ingest"
	"github.com/meetpipe/meetpipe/pkg/pipeline"
	"github.com/meetpipe/meetpipe/pkg/store"
)

// Admin resolution errors for path params that name runtime objects.
var (
	errInlineMode      = errors.New("queue fabric runs in inline mode")
	errUnknownQueue    = errors.New("unknown queue")
	errUnknownProvider = errors.New("unknown connector provider")
	errNoConnector     = errors.New("no connector provider configured")
)

// ErrorResponse is the error body on every endpoint: a stable machine code
// plus a human reason.
type ErrorResponse struct {
	Code   string `json:"code"`
	Reason string `json:"reason"`
}

// badRequest writes a 400 with the given reason.
func badRequest(c *echo.Context, reason string) error {
	return c.JSON(http.StatusBadRequest, ErrorResponse{Code: "bad_request", Reason: reason})
}

// respondError maps domain errors to HTTP responses.
func (s *Server) respondError(c *echo.Context, err error) error {
	status, code := classifyError(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("Request failed",
			"method", c.Request().Method, "path", c.Request().URL.Path, "error", err)
		return c.JSON(status, ErrorResponse{Code: code, Reason: "internal server error"})
	}
	return c.JSON(status, ErrorResponse{Code: code, Reason: err.Error()})
}

func classifyError(err error) (int, string) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, errUnknownQueue), errors.Is(err, errUnknownProvider):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, errInlineMode), errors.Is(err, errNoConnector):
		return http.StatusConflict, "not_available"
	case errors.Is(err, store.ErrAlreadyExists):
		return http.StatusConflict, "already_exists"
	case errors.Is(err, store.ErrMeetingFinalized):
		return http.StatusConflict, "meeting_finalized"
	case errors.Is(err, store.ErrInvalidTransition):
		return http.StatusConflict, "invalid_transition"
	case errors.Is(err, pipeline.ErrNotFinalized):
		return http.StatusConflict, "not_finalized"
	case errors.Is(err, pipeline.ErrAudioRetained):
		return http.StatusConflict, "audio_retained"
	case errors.Is(err, broker.ErrBusy):
		return http.StatusConflict, "operation_in_progress"
	case errors.Is(err, breaker.ErrCircuitOpen):
		return http.StatusServiceUnavailable, "circuit_open"
	case errors.Is(err, ingest.ErrEmptyChunk):
		return http.StatusBadRequest, "empty_chunk"
	case errors.Is(err, auth.ErrUnauthorized):
		return http.StatusUnauthorized, "unauthorized"
	case errors.Is(err, auth.ErrForbidden):
		return http.StatusForbidden, "forbidden"
	default:
		return http.StatusInternalServerError, "internal"
	}
}
