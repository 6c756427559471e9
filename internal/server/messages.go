package server

import (
	"encoding/json"
	"fmt"
)

type ClientMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Inbound message types.
const (
	MsgHello        = "hello"
	MsgHeartbeat    = "heartbeat"
	MsgLogout       = "logout"
	MsgCreateLobby  = "create_lobby"
	MsgJoinLobby    = "join_lobby"
	MsgLeaveLobby   = "leave_lobby"
	MsgSetReady     = "set_ready"
	MsgStartMatch   = "start_match"
	MsgChatMessage  = "chat_message"
	MsgPieceDrag    = "piece_drag"
	MsgPieceMove    = "piece_move"
	MsgPieceDrop    = "piece_drop"
	MsgPieceRelease = "piece_release"
	MsgSync         = "sync"
)

// Outbound event types produced by this package. Game events are defined
// alongside the session.
const (
	EventError                 = "error"
	EventWelcome               = "welcome"
	EventHeartbeatAck          = "heartbeat_ack"
	EventLoggedOut             = "logged_out"
	EventDisconnectedElsewhere = "disconnected_elsewhere"
	EventPresence              = "presence"
	EventLobbyUpdate           = "lobby_update"
	EventLobbyClosed           = "lobby_closed"
	EventChatMessage           = "chat_message"
	EventChatHistory           = "chat_history"
	EventMatchStarted          = "match_started"
	EventSyncState             = "sync_state"
	EventServerShutdown        = "server_shutdown"
)

var validMessageTypes = map[string]bool{
	MsgHello:        true,
	MsgHeartbeat:    true,
	MsgLogout:       true,
	MsgCreateLobby:  true,
	MsgJoinLobby:    true,
	MsgLeaveLobby:   true,
	MsgSetReady:     true,
	MsgStartMatch:   true,
	MsgChatMessage:  true,
	MsgPieceDrag:    true,
	MsgPieceMove:    true,
	MsgPieceDrop:    true,
	MsgPieceRelease: true,
	MsgSync:         true,
}

// ValidateMessageType checks if a message type is recognized
func ValidateMessageType(msgType string) error {
	if !validMessageTypes[msgType] {
		return fmt.Errorf("INVALID_MESSAGE_TYPE: Unknown message type '%s'", msgType)
	}
	return nil
}

// requiresIdentity reports whether the message needs a prior hello.
func requiresIdentity(msgType string) bool {
	return msgType != MsgHello
}

// rateLimited reports whether the message counts against the per-connection
// budget. Heartbeats and drag updates are high-frequency by nature.
func rateLimited(msgType string) bool {
	return msgType != MsgHeartbeat && msgType != MsgPieceMove
}
