package server

import (
	"time"

	"jigsaw-server/internal/session"
)

// ============================================================================
// ERROR RESPONSES
// ============================================================================
type ErrorMessage struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// ============================================================================
// IDENTITY (hello, logout)
// ============================================================================
type HelloRequest struct {
	Username string `json:"username"`
	// Token resumes an earlier identity when it still belongs to Username.
	Token string `json:"token,omitempty"`
}

type WelcomeResponse struct {
	Username string       `json:"username"`
	PlayerID string       `json:"playerId"`
	Token    string       `json:"token"`
	Resumed  bool         `json:"resumed"`
	Totals   PlayerTotals `json:"totals"`
	// LobbyCode is set when the player is still in a running match.
	LobbyCode string `json:"lobbyCode,omitempty"`
}

type LoggedOut struct {
	Username string `json:"username"`
}

type DisconnectedElsewhere struct {
	Message string `json:"message"`
}

type PresenceNotification struct {
	Username string `json:"username"`
	Online   bool   `json:"online"`
}

// ============================================================================
// HEARTBEAT (heartbeat)
// ============================================================================
type HeartbeatRequest struct {
	Seq int64 `json:"seq"`
}

type HeartbeatAck struct {
	Seq        int64     `json:"seq"`
	ServerTime time.Time `json:"serverTime"`
}

// ============================================================================
// LOBBY (create_lobby, join_lobby, leave_lobby, set_ready, start_match)
// ============================================================================
type CreateLobbyRequest struct {
	PuzzleID   string `json:"puzzleId"`
	Difficulty string `json:"difficulty"`
}

type JoinLobbyRequest struct {
	LobbyCode string `json:"lobbyCode"`
}

type SetReadyRequest struct {
	Ready bool `json:"ready"`
}

type LobbyState struct {
	LobbyCode  string        `json:"lobbyCode"`
	Host       string        `json:"host"`
	PuzzleID   string        `json:"puzzleId"`
	Difficulty string        `json:"difficulty"`
	Status     string        `json:"status"`
	Players    []LobbyPlayer `json:"players"`
	AllReady   bool          `json:"allReady"`
}

type LobbyPlayer struct {
	Username string `json:"username"`
	Ready    bool   `json:"ready"`
	IsHost   bool   `json:"isHost"`
}

type LobbyClosed struct {
	LobbyCode string `json:"lobbyCode"`
	Reason    string `json:"reason"`
}

type MatchStarted struct {
	LobbyCode   string           `json:"lobbyCode"`
	MatchID     string           `json:"matchId"`
	PieceWidth  float64          `json:"pieceWidth"`
	PieceHeight float64          `json:"pieceHeight"`
	Image       []byte           `json:"image"`
	State       session.Snapshot `json:"state"`
}

// ============================================================================
// CHAT (chat_message)
// ============================================================================
type ChatMessageRequest struct {
	Text string `json:"text"`
}

// ============================================================================
// PIECES (piece_drag, piece_move, piece_drop, piece_release)
// ============================================================================
type PieceRequest struct {
	PieceID int `json:"pieceId"`
}

type PiecePositionRequest struct {
	PieceID int     `json:"pieceId"`
	X       float64 `json:"x"`
	Y       float64 `json:"y"`
}

// ============================================================================
// SYNC (sync)
// ============================================================================
type SyncState struct {
	Lobby *LobbyState       `json:"lobby,omitempty"`
	Game  *session.Snapshot `json:"game,omitempty"`
}
