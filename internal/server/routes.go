package server

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"jigsaw-server/internal/disconnect"
	"jigsaw-server/internal/push"
)

func (s *Server) RegisterRoutes() http.Handler {
	mux := http.NewServeMux()

	// Register routes
	mux.HandleFunc("/", s.HelloWorldHandler)

	mux.HandleFunc("/health", s.healthHandler)

	mux.HandleFunc("/websocket", s.websocketHandler)

	// Wrap the mux with CORS middleware
	return s.corsMiddleware(mux)
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Set CORS headers
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS, PATCH")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type, X-CSRF-Token")
		w.Header().Set("Access-Control-Allow-Credentials", "false")

		// Handle preflight OPTIONS requests
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) HelloWorldHandler(w http.ResponseWriter, r *http.Request) {
	resp := map[string]string{"message": "Hello World"}
	jsonResp, err := json.Marshal(resp)
	if err != nil {
		http.Error(w, "Failed to marshal response", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if _, err := w.Write(jsonResp); err != nil {
		log.Printf("Failed to write response: %v", err)
	}
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	health := s.db.Health()
	health["active_sessions"] = strconv.Itoa(s.sessions.ActiveSessions())
	health["heartbeat_clients"] = strconv.Itoa(s.heartbeat.Count())
	health["lobbies"] = strconv.Itoa(s.lobbies.Count())
	health["connections"] = strconv.Itoa(s.connectionManager.Count())
	health["workers_failed"] = strconv.FormatInt(s.pool.Failed(), 10)

	resp, err := json.Marshal(health)
	if err != nil {
		http.Error(w, "Failed to marshal health check response", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if health["status"] != "up" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	if _, err := w.Write(resp); err != nil {
		log.Printf("Failed to write response: %v", err)
	}
}

// clientConn is the read loop's view of one socket. Only the loop's own
// goroutine touches it.
type clientConn struct {
	id       string
	sink     *wsSink
	username string
	playerID string
}

func (s *Server) websocketHandler(w http.ResponseWriter, r *http.Request) {
	if !s.trackHandler() {
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}
	defer s.handlers.Done()

	socket, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		log.Printf("Failed to open websocket: %v", err)
		return
	}

	ctx := r.Context()

	connectionID := uuid.New().String()
	log.Printf("New connection: %s", connectionID)

	c := &clientConn{id: connectionID, sink: newWSSink(connectionID, socket)}
	s.connectionManager.AddConnection(connectionID, c.sink)
	defer s.closeConnection(c)

	for {
		msgType, data, err := socket.Read(ctx)
		if err != nil {
			log.Printf("Connection %s read error: %v", connectionID, err)
			return
		}

		if msgType != websocket.MessageText {
			log.Printf("Non-text input from %s", connectionID)
			continue
		}

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Printf("Invalid JSON from %s: %v", connectionID, err)
			s.sendError(ctx, c, ErrInvalidJSON)
			continue
		}

		s.handleMessage(ctx, c, msg)
	}
}

// closeConnection runs when the read loop exits. The user's cleanup only
// starts when this socket was still their current one; a socket replaced by
// a newer hello leaves nothing behind.
func (s *Server) closeConnection(c *clientConn) {
	username, current := s.connectionManager.RemoveConnection(c.id)
	s.rateLimiter.RemoveConnection(c.id)

	if current {
		// Detach the heartbeat hook first so closing the socket below is not
		// reported as a channel fault.
		s.heartbeat.UnregisterClient(username)
	}
	c.sink.Close(websocket.StatusNormalClosure, "Connection closed")
	log.Printf("Connection closed: %s", c.id)

	if current {
		s.disconnects.HandleFullDisconnectionAsync(username, disconnect.ReasonChannelClosed)
	}
}

func (s *Server) handleMessage(ctx context.Context, c *clientConn, msg ClientMessage) {
	if err := ValidateMessageType(msg.Type); err != nil {
		log.Printf("Unknown message type '%s' from %s", msg.Type, c.id)
		s.sendError(ctx, c, err)
		return
	}

	if requiresIdentity(msg.Type) && !s.identified(c) {
		s.sendError(ctx, c, ErrNotIdentified)
		return
	}

	if rateLimited(msg.Type) && !s.rateLimiter.Allow(c.id) {
		s.sendError(ctx, c, ErrRateLimited)
		return
	}

	switch msg.Type {
	case MsgHello:
		s.handleHello(ctx, c, msg.Payload)
	case MsgHeartbeat:
		s.handleHeartbeat(ctx, c, msg.Payload)
	case MsgLogout:
		s.handleLogout(ctx, c)
	case MsgCreateLobby:
		s.handleCreateLobby(ctx, c, msg.Payload)
	case MsgJoinLobby:
		s.handleJoinLobby(ctx, c, msg.Payload)
	case MsgLeaveLobby:
		s.handleLeaveLobby(ctx, c)
	case MsgSetReady:
		s.handleSetReady(ctx, c, msg.Payload)
	case MsgStartMatch:
		s.handleStartMatch(ctx, c)
	case MsgChatMessage:
		s.handleChatMessage(ctx, c, msg.Payload)
	case MsgPieceDrag:
		s.handlePieceDrag(c, msg.Payload)
	case MsgPieceMove:
		s.handlePieceMove(c, msg.Payload)
	case MsgPieceDrop:
		s.handlePieceDrop(c, msg.Payload)
	case MsgPieceRelease:
		s.handlePieceRelease(c, msg.Payload)
	case MsgSync:
		s.handleSync(ctx, c)
	}
}

// identified reports whether c completed a hello and is still the user's
// current connection. A connection whose user was cleaned up, or taken over
// elsewhere, must say hello again.
func (s *Server) identified(c *clientConn) bool {
	if c.username == "" {
		return false
	}
	if s.connectionManager.ConnectionFor(c.username) != c.id {
		c.username, c.playerID = "", ""
		return false
	}
	return true
}

func (s *Server) send(ctx context.Context, c *clientConn, eventType string, payload any) {
	if err := c.sink.Send(ctx, push.Event{Type: eventType, Payload: payload}); err != nil {
		log.Printf("Failed to send %s to %s: %v", eventType, c.id, err)
	}
}

func (s *Server) sendError(ctx context.Context, c *clientConn, err error) {
	s.send(ctx, c, EventError, ErrorMessage{
		Message: err.Error(),
		Code:    errorCode(err),
	})
}

// errorCode extracts the CODE from errors formatted as "CODE: message".
func errorCode(err error) string {
	code, _, ok := strings.Cut(err.Error(), ":")
	if !ok || code == "" {
		return ""
	}
	for _, r := range code {
		if (r < 'A' || r > 'Z') && r != '_' {
			return ""
		}
	}
	return code
}
