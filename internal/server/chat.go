package server

import (
	"errors"
	"strings"
	"sync"
	"time"
	"unicode/utf8"
)

const (
	MaxChatHistory    = 50
	MaxChatMessageLen = 500
)

var (
	ErrNotInChat    = errors.New("NOT_IN_CHAT: Join a lobby before chatting")
	ErrEmptyMessage = errors.New("INVALID_MESSAGE: Message cannot be empty")
)

type ChatMessage struct {
	LobbyCode string    `json:"lobbyCode"`
	Username  string    `json:"username"`
	Text      string    `json:"text"`
	SentAt    time.Time `json:"sentAt"`
}

type chatRoom struct {
	members map[string]struct{}
	history []ChatMessage
}

// ChatManager keeps per-lobby chat rosters and a bounded message history.
// A room's history is purged as soon as its roster empties.
type ChatManager struct {
	rooms  map[string]*chatRoom
	member map[string]string // username → lobby code
	mu     sync.Mutex
}

func NewChatManager() *ChatManager {
	return &ChatManager{
		rooms:  make(map[string]*chatRoom),
		member: make(map[string]string),
	}
}

// Join adds username to the lobby's room, leaving any other room first. It
// returns the room's history for the newcomer.
func (cm *ChatManager) Join(lobbyCode, username string) []ChatMessage {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if current, ok := cm.member[username]; ok && current != lobbyCode {
		cm.leaveLocked(username)
	}

	room, ok := cm.rooms[lobbyCode]
	if !ok {
		room = &chatRoom{members: make(map[string]struct{})}
		cm.rooms[lobbyCode] = room
	}
	room.members[username] = struct{}{}
	cm.member[username] = lobbyCode

	return append([]ChatMessage(nil), room.history...)
}

// truncateMessage caps text at MaxChatMessageLen bytes without splitting a
// multi-byte character.
func truncateMessage(text string) string {
	if len(text) <= MaxChatMessageLen {
		return text
	}
	cut := MaxChatMessageLen
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut]
}

// Post appends a message to the sender's room and returns it together with
// the room's current members.
func (cm *ChatManager) Post(username, text string) (ChatMessage, []string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return ChatMessage{}, nil, ErrEmptyMessage
	}
	text = truncateMessage(text)

	cm.mu.Lock()
	defer cm.mu.Unlock()

	code, ok := cm.member[username]
	if !ok {
		return ChatMessage{}, nil, ErrNotInChat
	}
	room := cm.rooms[code]

	msg := ChatMessage{
		LobbyCode: code,
		Username:  username,
		Text:      text,
		SentAt:    time.Now().UTC(),
	}
	room.history = append(room.history, msg)
	if len(room.history) > MaxChatHistory {
		room.history = append([]ChatMessage(nil), room.history[len(room.history)-MaxChatHistory:]...)
	}

	return msg, membersOf(room), nil
}

func (cm *ChatManager) RemoveMember(username string) bool {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.leaveLocked(username)
}

// CloseRoom drops a room and its history regardless of who is in it.
func (cm *ChatManager) CloseRoom(lobbyCode string) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	room, ok := cm.rooms[lobbyCode]
	if !ok {
		return
	}
	for username := range room.members {
		delete(cm.member, username)
	}
	delete(cm.rooms, lobbyCode)
}

func (cm *ChatManager) History(lobbyCode string) []ChatMessage {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	room, ok := cm.rooms[lobbyCode]
	if !ok {
		return nil
	}
	return append([]ChatMessage(nil), room.history...)
}

func (cm *ChatManager) Rooms() int {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return len(cm.rooms)
}

func (cm *ChatManager) leaveLocked(username string) bool {
	code, ok := cm.member[username]
	if !ok {
		return false
	}
	delete(cm.member, username)

	room := cm.rooms[code]
	delete(room.members, username)
	if len(room.members) == 0 {
		delete(cm.rooms, code)
	}
	return true
}

func membersOf(room *chatRoom) []string {
	out := make([]string, 0, len(room.members))
	for username := range room.members {
		out = append(out, username)
	}
	return out
}
