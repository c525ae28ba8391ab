package api

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	echo "github.com/labstack/echo/v5"

	"github.com/meetpipe/meetpipe/pkg/auth"
	"github.com/meetpipe/meetpipe/pkg/models"
)

// startMeetingHandler handles POST /v1/meetings/start.
// Creates the meeting record and, for realtime meetings, optionally joins
// the configured connector. A connector join failure does not fail the
// request; the meeting exists either way and the error is surfaced in the
// response.
func (s *Server) startMeetingHandler(c *echo.Context) error {
	var req StartMeetingRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}

	mode := models.MeetingMode(req.Mode)
	if !mode.Valid() {
		return badRequest(c, "mode must be batch or realtime")
	}

	meetingID := req.MeetingID
	if meetingID == "" {
		meetingID = uuid.NewString()
	}

	ctx := c.Request().Context()
	meeting := &models.Meeting{
		MeetingID:         meetingID,
		Tenant:            auth.TenantFrom(ctx),
		Mode:              mode,
		Status:            models.StatusCreated,
		Epoch:             1,
		Language:          req.Language,
		Recipients:        models.StringList(req.Recipients),
		ConnectorProvider: req.ConnectorProvider,
	}
	if err := s.store.CreateMeeting(ctx, meeting); err != nil {
		return s.respondError(c, err)
	}

	resp := StartMeetingResponse{
		MeetingID: meetingID,
		Mode:      string(mode),
		Status:    string(meeting.Status),
	}

	if mode == models.ModeRealtime && s.manager != nil {
		autoJoin := s.cfg.Connector.AutoJoinRealtime
		if req.AutoJoinConnector != nil {
			autoJoin = *req.AutoJoinConnector
		}
		if autoJoin {
			resp.ConnectorAutoJoin = true
			resp.ConnectorProvider = s.manager.Provider()
			if _, err := s.manager.Join(ctx, meetingID); err != nil {
				s.logger.Warn("Connector auto-join failed",
					"meeting_id", meetingID, "provider", s.manager.Provider(), "error", err)
				resp.ConnectorError = err.Error()
			} else {
				resp.ConnectorConnected = true
			}
		}
	}

	return c.JSON(http.StatusCreated, resp)
}

// getMeetingHandler handles GET /v1/meetings/:id. The read model includes
// the chunk count and the textual artifacts produced so far.
func (s *Server) getMeetingHandler(c *echo.Context) error {
	ctx := c.Request().Context()
	meetingID := c.Param("id")

	meeting, err := s.store.GetMeeting(ctx, meetingID, auth.TenantFrom(ctx))
	if err != nil {
		return s.respondError(c, err)
	}

	chunks, err := s.store.ListChunks(ctx, meetingID)
	if err != nil {
		return s.respondError(c, err)
	}

	resp := MeetingResponse{
		MeetingID:         meeting.MeetingID,
		Tenant:            meeting.Tenant,
		Mode:              string(meeting.Mode),
		Status:            string(meeting.Status),
		Epoch:             meeting.Epoch,
		Language:          meeting.Language,
		Recipients:        meeting.Recipients,
		ConnectorProvider: meeting.ConnectorProvider,
		CreatedAt:         meeting.CreatedAt,
		FinalizedAt:       meeting.FinalizedAt,
		LastChunkAt:       meeting.LastChunkAt,
		ChunkCount:        len(chunks),
	}
	resp.RawTranscript = s.artifactText(ctx, meetingID, models.ArtifactRawTranscript)
	resp.EnhancedTranscript = s.artifactText(ctx, meetingID, models.ArtifactEnhancedTranscript)
	resp.Report = s.artifactText(ctx, meetingID, models.ArtifactReport)

	return c.JSON(http.StatusOK, resp)
}

// artifactText fetches one artifact's content as text, empty when absent.
func (s *Server) artifactText(ctx context.Context, meetingID string, kind models.ArtifactKind) string {
	a, err := s.store.GetArtifact(ctx, meetingID, kind)
	if err != nil {
		return ""
	}
	return string(a.Content)
}

// finalizeMeetingHandler handles POST /v1/meetings/:id/finalize. Idempotent:
// repeated calls report repeated=true.
func (s *Server) finalizeMeetingHandler(c *echo.Context) error {
	ctx := c.Request().Context()
	meetingID := c.Param("id")

	if _, err := s.store.GetMeeting(ctx, meetingID, auth.TenantFrom(ctx)); err != nil {
		return s.respondError(c, err)
	}

	first, err := s.pipeline.FinalizeMeeting(ctx, meetingID, "api")
	if err != nil {
		return s.respondError(c, err)
	}
	return c.JSON(http.StatusOK, FinalizeResponse{
		MeetingID: meetingID,
		Finalized: true,
		Repeated:  !first,
	})
}
