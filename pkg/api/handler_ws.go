package api

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"strings"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	echo "github.com/labstack/echo/v5"

	"github.com/meetpipe/meetpipe/pkg/auth"
	"github.com/meetpipe/meetpipe/pkg/store"
)

// wsInFrame is a client-to-server frame on either contour.
type wsInFrame struct {
	Type          string `json:"type"`
	Seq           int64  `json:"seq,omitempty"`
	MediaB64      string `json:"media_b64,omitempty"`
	SchemaVersion string `json:"schema_version,omitempty"`
}

// wsAckFrame acknowledges a chunk or finalize frame.
type wsAckFrame struct {
	Type          string `json:"type"`
	Seq           *int64 `json:"seq,omitempty"`
	SchemaVersion string `json:"schema_version"`
}

// wsErrorFrame reports a per-frame failure without closing the stream.
type wsErrorFrame struct {
	Type          string `json:"type"`
	Code          string `json:"code"`
	Reason        string `json:"reason"`
	SchemaVersion string `json:"schema_version"`
}

// wsHandler serves GET /v1/ws?meeting_id=. The connection is bound to one
// meeting; chunk and finalize frames ride the same ingest path as HTTP.
func (s *Server) wsHandler(c *echo.Context) error {
	return s.serveWS(c)
}

// wsInternalHandler serves the service contour at GET /v1/ws/internal.
func (s *Server) wsInternalHandler(c *echo.Context) error {
	return s.serveWS(c)
}

func (s *Server) serveWS(c *echo.Context) error {
	meetingID := c.QueryParam("meeting_id")
	if meetingID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "meeting_id query parameter is required")
	}

	ctx := c.Request().Context()
	tenant := auth.TenantFrom(ctx)
	if _, err := s.store.GetMeeting(ctx, meetingID, tenant); err != nil {
		return s.respondError(c, err)
	}

	conn, err := websocket.Accept(c.Response(), c.Request(), s.acceptOptions())
	if err != nil {
		return err
	}

	session := &wsSession{conn: conn}
	s.hub.add(meetingID, session)
	defer func() {
		s.hub.remove(meetingID, session)
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}()

	s.logger.Info("WebSocket connected", "meeting_id", meetingID)
	s.readLoop(ctx, meetingID, tenant, conn, session)
	return nil
}

func (s *Server) acceptOptions() *websocket.AcceptOptions {
	origins := strings.TrimSpace(s.cfg.CORSAllowedOrigins)
	if origins == "" || origins == "*" {
		return &websocket.AcceptOptions{InsecureSkipVerify: true}
	}
	var patterns []string
	for _, o := range strings.Split(origins, ",") {
		o = strings.TrimSpace(o)
		o = strings.TrimPrefix(o, "https://")
		o = strings.TrimPrefix(o, "http://")
		if o != "" {
			patterns = append(patterns, o)
		}
	}
	return &websocket.AcceptOptions{OriginPatterns: patterns}
}

func (s *Server) readLoop(ctx context.Context, meetingID, tenant string, conn *websocket.Conn, session *wsSession) {
	for {
		var frame wsInFrame
		if err := wsjson.Read(ctx, conn, &frame); err != nil {
			if websocket.CloseStatus(err) == -1 && ctx.Err() == nil {
				s.logger.Debug("WebSocket read failed", "meeting_id", meetingID, "error", err)
			}
			return
		}

		switch frame.Type {
		case "chunk":
			s.handleWSChunk(ctx, meetingID, tenant, frame, session)
		case "finalize":
			s.handleWSFinalize(ctx, meetingID, session)
		default:
			s.sendWSError(session, "bad_frame", "unknown frame type "+frame.Type)
		}
	}
}

func (s *Server) handleWSChunk(ctx context.Context, meetingID, tenant string, frame wsInFrame, session *wsSession) {
	data, err := base64.StdEncoding.DecodeString(frame.MediaB64)
	if err != nil {
		s.sendWSError(session, "bad_media", "media_b64 is not valid base64")
		return
	}

	chunk, err := s.ingest.IngestChunk(ctx, meetingID, tenant, data)
	if err != nil {
		s.sendWSError(session, wsIngestCode(err), err.Error())
		return
	}

	seq := chunk.ChunkSeq
	if err := session.send(wsAckFrame{Type: "ack", Seq: &seq, SchemaVersion: wsSchemaVersion}); err != nil {
		s.logger.Debug("Failed to ack chunk frame", "meeting_id", meetingID, "error", err)
	}
}

func (s *Server) handleWSFinalize(ctx context.Context, meetingID string, session *wsSession) {
	if _, err := s.pipeline.FinalizeMeeting(ctx, meetingID, "websocket"); err != nil {
		s.sendWSError(session, "finalize_failed", err.Error())
		return
	}
	if err := session.send(wsAckFrame{Type: "ack", SchemaVersion: wsSchemaVersion}); err != nil {
		s.logger.Debug("Failed to ack finalize frame", "meeting_id", meetingID, "error", err)
	}
}

func (s *Server) sendWSError(session *wsSession, code, reason string) {
	frame := wsErrorFrame{Type: "error", Code: code, Reason: reason, SchemaVersion: wsSchemaVersion}
	if err := session.send(frame); err != nil {
		s.logger.Debug("Failed to send error frame", "error", err)
	}
}

func wsIngestCode(err error) string {
	switch {
	case errors.Is(err, store.ErrMeetingFinalized):
		return "meeting_finalized"
	case errors.Is(err, store.ErrNotFound):
		return "not_found"
	default:
		return "ingest_failed"
	}
}
