package api

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/meetpipe/meetpipe/pkg/metrics"
)

// wsSchemaVersion is stamped on every frame in both directions.
const wsSchemaVersion = "v1"

// wsSendTimeout bounds one broadcast write; a stuck client is dropped.
const wsSendTimeout = 5 * time.Second

// Hub fans pipeline events out to the WebSocket sessions subscribed to each
// meeting. It implements the pipeline's Notifier.
type Hub struct {
	metrics *metrics.Metrics
	logger  *slog.Logger

	mu   sync.RWMutex
	subs map[string]map[*wsSession]struct{}
}

// NewHub builds an empty hub.
func NewHub(m *metrics.Metrics, logger *slog.Logger) *Hub {
	return &Hub{
		metrics: m,
		logger:  logger.With("component", "ws_hub"),
		subs:    map[string]map[*wsSession]struct{}{},
	}
}

// Notify implements pipeline.Notifier: pushes one event to every session
// watching the meeting. Payload maps are flattened into the frame.
func (h *Hub) Notify(meetingID, event string, payload any) {
	frame := map[string]any{
		"type":           event,
		"meeting_id":     meetingID,
		"schema_version": wsSchemaVersion,
	}
	if fields, ok := payload.(map[string]any); ok {
		for k, v := range fields {
			frame[k] = v
		}
	} else if payload != nil {
		frame["payload"] = payload
	}

	h.mu.RLock()
	sessions := make([]*wsSession, 0, len(h.subs[meetingID]))
	for s := range h.subs[meetingID] {
		sessions = append(sessions, s)
	}
	h.mu.RUnlock()

	for _, s := range sessions {
		if err := s.send(frame); err != nil {
			h.logger.Debug("Dropping unreachable WebSocket session",
				"meeting_id", meetingID, "error", err)
			h.remove(meetingID, s)
			_ = s.conn.Close(websocket.StatusGoingAway, "write failed")
		}
	}
}

// Connections returns the current session count across meetings.
func (h *Hub) Connections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, set := range h.subs {
		n += len(set)
	}
	return n
}

func (h *Hub) add(meetingID string, s *wsSession) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.subs[meetingID]
	if !ok {
		set = map[*wsSession]struct{}{}
		h.subs[meetingID] = set
	}
	set[s] = struct{}{}
	h.metrics.WSConnections.Inc()
}

func (h *Hub) remove(meetingID string, s *wsSession) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.subs[meetingID]
	if !ok {
		return
	}
	if _, present := set[s]; !present {
		return
	}
	delete(set, s)
	if len(set) == 0 {
		delete(h.subs, meetingID)
	}
	h.metrics.WSConnections.Dec()
}

// wsSession serializes writes to one connection; coder/websocket allows only
// one concurrent writer.
type wsSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *wsSession) send(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), wsSendTimeout)
	defer cancel()
	return wsjson.Write(ctx, s.conn, v)
}
