package api

import (
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/meetpipe/meetpipe/pkg/auth"
	"github.com/meetpipe/meetpipe/pkg/models"
)

// ArtifactResponse is the JSON form of one artifact.
type ArtifactResponse struct {
	MeetingID string              `json:"meeting_id"`
	Kind      models.ArtifactKind `json:"kind"`
	Epoch     int                 `json:"epoch"`
	UpdatedAt string              `json:"updated_at"`
	Content   string              `json:"content"`
}

// getArtifactHandler handles GET /v1/meetings/:id/artifact?kind=&fmt=.
// fmt=raw streams the artifact bytes; the default is a JSON envelope.
func (s *Server) getArtifactHandler(c *echo.Context) error {
	ctx := c.Request().Context()
	meetingID := c.Param("id")

	kind := models.ArtifactKind(c.QueryParam("kind"))
	if !kind.Valid() {
		return badRequest(c, "unknown artifact kind")
	}

	if _, err := s.store.GetMeeting(ctx, meetingID, auth.TenantFrom(ctx)); err != nil {
		return s.respondError(c, err)
	}

	artifact, err := s.store.GetArtifact(ctx, meetingID, kind)
	if err != nil {
		return s.respondError(c, err)
	}

	if c.QueryParam("fmt") == "raw" {
		return c.Blob(http.StatusOK, "text/plain; charset=utf-8", artifact.Content)
	}
	return c.JSON(http.StatusOK, ArtifactResponse{
		MeetingID: artifact.MeetingID,
		Kind:      artifact.Kind,
		Epoch:     artifact.Epoch,
		UpdatedAt: artifact.UpdatedAt.Format(time.RFC3339),
		Content:   string(artifact.Content),
	})
}

// rebuildHandler handles POST /v1/meetings/:id/artifacts/rebuild. Rebuild
// bumps the epoch, clears downstream artifacts, and re-enqueues processing;
// the work itself runs asynchronously, hence 202.
func (s *Server) rebuildHandler(c *echo.Context) error {
	ctx := c.Request().Context()
	meetingID := c.Param("id")

	var req RebuildRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	from := models.ArtifactKind(req.From)
	if !from.Valid() {
		return badRequest(c, "from must name an artifact kind")
	}

	if _, err := s.store.GetMeeting(ctx, meetingID, auth.TenantFrom(ctx)); err != nil {
		return s.respondError(c, err)
	}

	epoch, err := s.pipeline.Rebuild(ctx, meetingID, from)
	if err != nil {
		return s.respondError(c, err)
	}
	return c.JSON(http.StatusAccepted, RebuildResponse{
		MeetingID: meetingID,
		From:      string(from),
		Epoch:     epoch,
		Status:    string(models.StatusProcessing),
	})
}
