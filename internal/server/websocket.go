package server

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/michaelbrown/crucible/internal/collab"
	"github.com/michaelbrown/crucible/internal/fault"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // identity is pre-validated upstream
	},
}

// wsIncoming is a client frame on the collaboration channel. One
// connection multiplexes any number of sessions within its project.
type wsIncoming struct {
	Type      string         `json:"type"` // join | edit | terminal | cursor | leave | ping
	SurfaceID string         `json:"surfaceId,omitempty"`
	Kind      string         `json:"kind,omitempty"` // editor | terminal, join only
	SessionID string         `json:"sessionId,omitempty"`
	Payload   string         `json:"payload,omitempty"`
	Cursor    *collab.Cursor `json:"cursor,omitempty"`
}

// Server-local frame types layered on the collab frame set.
const (
	frameAck   = "ack"
	frameError = "error"
	framePong  = "pong"
)

func (s *Server) handleCollab(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")
	userID := r.URL.Query().Get("user")
	if userID == "" {
		writeError(w, http.StatusBadRequest, fault.CodeValidation, "user query parameter is required")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	connID := uuid.New().String()
	out := s.hub.NewOutbox()

	s.connsMu.Lock()
	s.conns[connID] = conn
	s.connsMu.Unlock()

	s.presence.Track(connID)

	// Single-writer: everything to the client flows through the outbox,
	// so session fan-out, acks and errors never interleave mid-frame.
	writeDone := make(chan struct{})
	go func() {
		defer close(writeDone)
		for f := range out.Frames() {
			if err := conn.WriteJSON(f); err != nil {
				return
			}
		}
	}()

	s.readLoop(r.Context(), conn, projectID, userID, connID, out)

	// Teardown is identical no matter how the connection ended.
	s.presence.Forget(connID)
	out.Close()
	conn.Close()
	<-writeDone

	s.connsMu.Lock()
	delete(s.conns, connID)
	s.connsMu.Unlock()

	s.hub.Disconnect(context.Background(), connID)
}

func (s *Server) readLoop(ctx context.Context, conn *websocket.Conn, projectID, userID, connID string, out *collab.Outbox) {
	for {
		var msg wsIncoming
		if err := conn.ReadJSON(&msg); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Debug("websocket read ended", zap.String("connection_id", connID), zap.Error(err))
			}
			return
		}

		// Any inbound frame proves liveness.
		s.presence.Heartbeat(connID)

		switch msg.Type {
		case "join":
			kind := collab.SurfaceEditor
			if msg.Kind == string(collab.SurfaceTerminal) {
				kind = collab.SurfaceTerminal
			}
			if _, err := s.hub.Join(ctx, projectID, msg.SurfaceID, kind, connID, userID, out); err != nil {
				sendError(out, msg.SurfaceID, err)
			}

		case "edit", "terminal":
			seq, err := s.hub.Apply(msg.SessionID, connID, msg.Payload)
			if err != nil {
				sendError(out, msg.SessionID, err)
				continue
			}
			// Acknowledge commitment to the originator; delivery to the
			// others is the router's business.
			out.TrySend(collab.Frame{Type: frameAck, SessionID: msg.SessionID, Seq: seq})

		case "cursor":
			if msg.Cursor != nil {
				s.hub.UpdateCursor(msg.SessionID, connID, *msg.Cursor)
			}

		case "leave":
			s.hub.Leave(ctx, msg.SessionID, connID)

		case "ping":
			out.TrySend(collab.Frame{Type: framePong})

		default:
			sendError(out, msg.SessionID, fault.Newf(fault.CodeValidation, "unknown frame type %q", msg.Type))
		}
	}
}

func sendError(out *collab.Outbox, sessionID string, err error) {
	payload, _ := json.Marshal(map[string]string{
		"code":    string(fault.CodeOf(err)),
		"message": err.Error(),
	})
	out.TrySend(collab.Frame{Type: frameError, SessionID: sessionID, Payload: string(payload)})
}
