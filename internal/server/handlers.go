package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/coder/websocket"

	"jigsaw-server/internal/disconnect"
	"jigsaw-server/internal/push"
	"jigsaw-server/internal/session"
)

var (
	ErrInvalidJSON       = errors.New("INVALID_JSON: Message is not valid JSON")
	ErrNotIdentified     = errors.New("NOT_IDENTIFIED: Send hello first")
	ErrAlreadyIdentified = errors.New("ALREADY_IDENTIFIED: Log out before switching users")
	ErrCleanupPending    = errors.New("CLEANUP_PENDING: Your previous connection is still being cleaned up, retry shortly")
	ErrRateLimited       = errors.New("RATE_LIMITED: Too many messages, slow down")
	ErrHeartbeatRejected = errors.New("HEARTBEAT_REJECTED: Client is not registered for heartbeats")
	ErrPuzzleUnavailable = errors.New("PUZZLE_NOT_FOUND: Puzzle is not available")
)

const (
	closeReasonLeftLobby  = "left lobby"
	disconnectedElsewhere = "You connected on another device"
)

func invalidPayload(msgType string) error {
	return fmt.Errorf("INVALID_PAYLOAD: Invalid %s payload", msgType)
}

// handleHello binds the connection to a username. The heartbeat record and
// matchmaking sink move to this connection before any older connection for
// the same user is closed, so closing it never reads as a disconnect.
func (s *Server) handleHello(ctx context.Context, c *clientConn, payload json.RawMessage) {
	var req HelloRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		s.sendError(ctx, c, invalidPayload(MsgHello))
		return
	}

	username := strings.TrimSpace(req.Username)
	if err := ValidateUsername(username); err != nil {
		s.sendError(ctx, c, err)
		return
	}
	if c.username != "" && c.username != username && s.identified(c) {
		s.sendError(ctx, c, ErrAlreadyIdentified)
		return
	}
	if s.disconnects.InProgress(username) {
		s.sendError(ctx, c, ErrCleanupPending)
		return
	}

	info, resumed := s.sessionManager.Resume(req.Token, username)
	previous := s.connectionManager.BindUser(c.id, username)
	c.username, c.playerID = username, info.PlayerID

	s.heartbeat.RegisterClient(username, c.sink)
	s.matchmaking.Register(username, c.sink)

	if previous != "" && previous != c.id {
		if old := s.connectionManager.GetConnection(previous); old != nil {
			sendCtx, cancel := context.WithTimeout(ctx, notifyTimeout)
			if err := old.Send(sendCtx, push.Event{
				Type:    EventDisconnectedElsewhere,
				Payload: DisconnectedElsewhere{Message: disconnectedElsewhere},
			}); err != nil {
				log.Printf("Failed to notify replaced connection %s: %v", previous, err)
			}
			cancel()
			// The close handshake waits on the old client; keep it off this loop.
			go old.Close(websocket.StatusPolicyViolation, "Connected from another device")
		}
		log.Printf("%s moved from connection %s to %s", username, previous, c.id)
	}

	welcome := WelcomeResponse{
		Username: username,
		PlayerID: info.PlayerID,
		Token:    info.Token,
		Resumed:  resumed,
	}

	if gs := s.sessions.FindSessionByUsername(username); gs != nil {
		if id := gs.ReattachSink(username, c.sink); id != "" {
			c.playerID = id
			welcome.PlayerID = id
			welcome.LobbyCode = gs.LobbyCode
			if id != info.PlayerID {
				info.PlayerID = id
				s.sessionManager.StoreSession(info)
			}
		}
	}

	totals, err := s.persistenceManager.LoadPlayerTotals(ctx, username)
	if err != nil {
		log.Printf("Failed to load totals for %s: %v", username, err)
	}
	welcome.Totals = totals

	s.send(ctx, c, EventWelcome, welcome)
	s.connectionManager.BroadcastPresence(username, true)
	log.Printf("%s identified on %s (resumed: %t)", username, c.id, resumed)
}

func (s *Server) handleHeartbeat(ctx context.Context, c *clientConn, payload json.RawMessage) {
	var req HeartbeatRequest
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &req); err != nil {
			s.sendError(ctx, c, invalidPayload(MsgHeartbeat))
			return
		}
	}

	if !s.heartbeat.RecordHeartbeat(c.username, req.Seq) {
		s.sendError(ctx, c, ErrHeartbeatRejected)
		return
	}

	s.send(ctx, c, EventHeartbeatAck, HeartbeatAck{Seq: req.Seq, ServerTime: time.Now().UTC()})
}

// handleLogout runs the cleanup inline so a hello that follows on the same
// connection starts from a clean slate.
func (s *Server) handleLogout(ctx context.Context, c *clientConn) {
	username := c.username

	s.heartbeat.UnregisterClient(username)
	if err := s.disconnects.HandleFullDisconnection(ctx, username, disconnect.ReasonLogout); err != nil {
		log.Printf("Logout cleanup for %s finished with errors: %v", username, err)
	}

	c.username, c.playerID = "", ""
	s.send(ctx, c, EventLoggedOut, LoggedOut{Username: username})
}

func (s *Server) handleCreateLobby(ctx context.Context, c *clientConn, payload json.RawMessage) {
	var req CreateLobbyRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		s.sendError(ctx, c, invalidPayload(MsgCreateLobby))
		return
	}

	if _, _, err := s.puzzles.Load(ctx, strings.TrimSpace(req.PuzzleID)); err != nil {
		log.Printf("create_lobby from %s: %v", c.username, err)
		s.sendError(ctx, c, ErrPuzzleUnavailable)
		return
	}

	state, err := s.lobbies.CreateLobby(c.username, c.playerID, req.PuzzleID, req.Difficulty)
	if err != nil {
		s.sendError(ctx, c, err)
		return
	}

	s.chat.Join(state.LobbyCode, c.username)
	s.send(ctx, c, EventLobbyUpdate, state)
}

func (s *Server) handleJoinLobby(ctx context.Context, c *clientConn, payload json.RawMessage) {
	var req JoinLobbyRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		s.sendError(ctx, c, invalidPayload(MsgJoinLobby))
		return
	}

	state, err := s.lobbies.JoinLobby(req.LobbyCode, c.username, c.playerID)
	if err != nil {
		s.sendError(ctx, c, err)
		return
	}

	history := s.chat.Join(state.LobbyCode, c.username)
	s.send(ctx, c, EventChatHistory, history)
}

// handleLeaveLobby also takes the player out of a running match, including
// one whose lobby already closed.
func (s *Server) handleLeaveLobby(ctx context.Context, c *clientConn) {
	code := s.lobbies.CodeFor(c.username)
	if code == "" {
		code = s.sessions.SessionCodeFor(c.username)
	}
	if code == "" {
		s.sendError(ctx, c, ErrNotInLobby)
		return
	}

	if departure, ok := s.sessions.HandlePlayerDisconnect(c.username, c.playerID); ok {
		s.recordPlaytime(departure)
	}
	s.lobbies.RemoveMember(c.username)
	s.chat.RemoveMember(c.username)

	s.send(ctx, c, EventLobbyClosed, LobbyClosed{LobbyCode: code, Reason: closeReasonLeftLobby})
}

func (s *Server) handleSetReady(ctx context.Context, c *clientConn, payload json.RawMessage) {
	var req SetReadyRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		s.sendError(ctx, c, invalidPayload(MsgSetReady))
		return
	}

	if _, err := s.lobbies.SetReady(c.username, req.Ready); err != nil {
		s.sendError(ctx, c, err)
	}
}

func (s *Server) handleStartMatch(ctx context.Context, c *clientConn) {
	gs, err := s.lobbies.StartMatch(ctx, c.username)
	if err != nil {
		s.sendError(ctx, c, err)
		return
	}

	started := MatchStarted{
		LobbyCode:   gs.LobbyCode,
		MatchID:     gs.MatchID,
		PieceWidth:  gs.Puzzle.PieceWidth,
		PieceHeight: gs.Puzzle.PieceHeight,
		Image:       gs.Image,
		State:       gs.Snapshot(),
	}
	gs.Broadcast(push.Event{Type: EventMatchStarted, Payload: started})
}

func (s *Server) handleChatMessage(ctx context.Context, c *clientConn, payload json.RawMessage) {
	var req ChatMessageRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		s.sendError(ctx, c, invalidPayload(MsgChatMessage))
		return
	}

	msg, members, err := s.chat.Post(c.username, req.Text)
	if err != nil {
		s.sendError(ctx, c, err)
		return
	}

	s.matchmaking.Notify(members, push.Event{Type: EventChatMessage, Payload: msg})
}

// Piece messages for a match that already ended, or that the player is not
// part of, are dropped without a reply; the client learns the outcome from
// the session's own events. They are routed by the player's session because
// the lobby that started a match can close while the match goes on.

func (s *Server) handlePieceDrag(c *clientConn, payload json.RawMessage) {
	var req PieceRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		log.Printf("Invalid %s payload from %s", MsgPieceDrag, c.id)
		return
	}
	s.sessions.HandlePieceDrag(s.sessions.SessionCodeFor(c.username), c.playerID, req.PieceID)
}

func (s *Server) handlePieceMove(c *clientConn, payload json.RawMessage) {
	var req PiecePositionRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		log.Printf("Invalid %s payload from %s", MsgPieceMove, c.id)
		return
	}
	s.sessions.HandlePieceMove(s.sessions.SessionCodeFor(c.username), c.playerID, req.PieceID, req.X, req.Y)
}

func (s *Server) handlePieceDrop(c *clientConn, payload json.RawMessage) {
	var req PiecePositionRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		log.Printf("Invalid %s payload from %s", MsgPieceDrop, c.id)
		return
	}

	code := s.sessions.SessionCodeFor(c.username)
	outcome := s.sessions.HandlePieceDrop(code, c.playerID, req.PieceID, req.X, req.Y)
	if outcome.Completed {
		s.endMatch(code)
	}
}

func (s *Server) handlePieceRelease(c *clientConn, payload json.RawMessage) {
	var req PieceRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		log.Printf("Invalid %s payload from %s", MsgPieceRelease, c.id)
		return
	}
	s.sessions.HandlePieceRelease(s.sessions.SessionCodeFor(c.username), c.playerID, req.PieceID)
}

func (s *Server) handleSync(ctx context.Context, c *clientConn) {
	var state SyncState
	if lobby, err := s.lobbies.LobbyFor(c.username); err == nil {
		state.Lobby = &lobby
	}
	if gs := s.sessions.FindSessionByUsername(c.username); gs != nil {
		snap := gs.Snapshot()
		state.Game = &snap
	}
	s.send(ctx, c, EventSyncState, state)
}

// endMatch retires a completed session, books each player's playtime and
// returns the lobby to waiting for a rematch.
func (s *Server) endMatch(code string) {
	for _, departure := range s.sessions.EndSession(code) {
		s.recordPlaytime(departure)
	}
	s.lobbies.MatchFinished(code)
}

func (s *Server) recordPlaytime(d session.Departure) {
	if d.Player == nil || d.Playtime <= 0 {
		return
	}
	username, playtime := d.Player.Username, d.Playtime
	s.pool.Submit("playtime:"+username, func(ctx context.Context) error {
		return s.persistenceManager.AddPlaytime(ctx, username, playtime)
	})
}
