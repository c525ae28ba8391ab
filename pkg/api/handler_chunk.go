package api

import (
	"encoding/base64"
	"errors"
	"io"
	"net/http"
	"strings"

	echo "github.com/labstack/echo/v5"

	"github.com/meetpipe/meetpipe/pkg/auth"
)

// maxChunkBytes bounds a single uploaded chunk.
const maxChunkBytes = 32 << 20

// uploadChunkHandler handles POST /v1/meetings/:id/chunks and the internal
// variant. The body is either multipart with a "media" part or JSON with a
// base64 payload; both feed the same ingest path.
func (s *Server) uploadChunkHandler(c *echo.Context) error {
	ctx := c.Request().Context()
	meetingID := c.Param("id")

	data, err := chunkPayload(c)
	if err != nil {
		return badRequest(c, err.Error())
	}

	chunk, err := s.ingest.IngestChunk(ctx, meetingID, auth.TenantFrom(ctx), data)
	if err != nil {
		return s.respondError(c, err)
	}
	return c.JSON(http.StatusOK, UploadChunkResponse{
		MeetingID: meetingID,
		ChunkSeq:  chunk.ChunkSeq,
	})
}

// chunkPayload extracts the media bytes from either body encoding.
func chunkPayload(c *echo.Context) ([]byte, error) {
	contentType := c.Request().Header.Get("Content-Type")

	if strings.HasPrefix(contentType, "multipart/form-data") {
		fh, err := c.FormFile("media")
		if err != nil {
			return nil, errors.New("multipart body requires a media part")
		}
		if fh.Size > maxChunkBytes {
			return nil, errors.New("media part too large")
		}
		f, err := fh.Open()
		if err != nil {
			return nil, err
		}
		defer f.Close()
		return io.ReadAll(io.LimitReader(f, maxChunkBytes))
	}

	var req UploadChunkRequest
	if err := c.Bind(&req); err != nil {
		return nil, errors.New("invalid request body")
	}
	data, err := base64.StdEncoding.DecodeString(req.MediaB64)
	if err != nil {
		return nil, errors.New("media_b64 is not valid base64")
	}
	if len(data) > maxChunkBytes {
		return nil, errors.New("media payload too large")
	}
	return data, nil
}
