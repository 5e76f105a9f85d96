package mcp

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/ashfox/meshgate/internal/eventlog"
	"github.com/ashfox/meshgate/internal/logger"
	"github.com/ashfox/meshgate/internal/session"
	"github.com/ashfox/meshgate/internal/workspace"
)

// NotificationProjectEvent is the method of the JSON-RPC notification
// carrying project events to SSE subscribers.
const NotificationProjectEvent = "notifications/project_event"

// fanOutEvent is registered as an event log watcher: every appended
// project event becomes a JSON-RPC notification broadcast to every
// session's live SSE streams.
func (s *Server) fanOutEvent(projectKey string, event eventlog.Event) {
	data, err := json.Marshal(eventNotification(projectKey, event))
	if err != nil {
		logger.Error("failed to marshal event notification: %v", err)
		return
	}
	for _, sess := range s.sessions.All() {
		sess.Broadcast(data)
	}
}

func eventNotification(projectKey string, event eventlog.Event) *Notification {
	return &Notification{
		JSONRPC: "2.0",
		Method:  NotificationProjectEvent,
		Params: map[string]any{
			"projectKey": projectKey,
			"seq":        event.Seq,
			"event":      event.Kind,
			"payload":    event.Payload,
			"at":         event.At,
		},
	}
}

// handleSSE attaches a stream to the session named by Mcp-Session-Id.
// With workspaceId/projectId/cursor query parameters the stream first
// replays the project's events with seq > cursor, then goes live.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	id := r.Header.Get("Mcp-Session-Id")
	if id == "" {
		writeTransportError(w, http.StatusBadRequest, CodeInvalidRequest, "Mcp-Session-Id required")
		return
	}
	sess := s.sessions.Get(id)
	if sess == nil {
		writeTransportError(w, http.StatusNotFound, CodeInvalidRequest, "Unknown session")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeTransportError(w, http.StatusInternalServerError, CodeInternalError, "streaming unsupported")
		return
	}

	conn := session.NewConn(s.cfg.SSEWriteQueueSize)
	if err := s.sessions.AttachSSE(sess, conn); err != nil {
		writeTransportError(w, http.StatusTooManyRequests, CodeRateLimited, err.Error())
		return
	}
	defer s.sessions.DetachSSE(sess, conn)
	s.sessions.Touch(sess)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	if !s.replay(w, r) {
		return
	}
	flusher.Flush()

	ping := time.NewTicker(s.cfg.SSEPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case msg, open := <-conn.Messages():
			if !open {
				return
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", msg); err != nil {
				return
			}
			flusher.Flush()
		case <-ping.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// replay writes the requested project's backlog. Returns false when the
// client went away mid-replay.
func (s *Server) replay(w http.ResponseWriter, r *http.Request) bool {
	if s.events == nil {
		return true
	}
	query := r.URL.Query()
	projectID := query.Get("projectId")
	if projectID == "" {
		return true
	}
	workspaceID := query.Get("workspaceId")
	if workspaceID == "" {
		workspaceID = workspace.DefaultWorkspaceID
	}
	cursor, _ := strconv.ParseUint(query.Get("cursor"), 10, 64)

	for _, event := range s.events.Since(eventlog.Key(workspaceID, projectID), cursor) {
		data, err := json.Marshal(eventNotification(eventlog.Key(workspaceID, projectID), event))
		if err != nil {
			continue
		}
		if _, err := fmt.Fprintf(w, "id: %d\ndata: %s\n\n", event.Seq, data); err != nil {
			return false
		}
	}
	return true
}
