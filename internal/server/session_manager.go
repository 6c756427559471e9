package server

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

var ErrTokenNotFound = errors.New("TOKEN_NOT_FOUND: Invalid session token")

// SessionInfo is an authentication session record. Tokens are opaque and
// only identify a username across reconnects.
type SessionInfo struct {
	Token     string
	Username  string
	PlayerID  string
	CreatedAt time.Time
}

type SessionManager struct {
	sessions map[string]SessionInfo // Token -> SessionInfo
	mu       sync.RWMutex
}

func NewSessionManager() *SessionManager {
	return &SessionManager{
		sessions: make(map[string]SessionInfo),
	}
}

// Resume returns the record for token when it belongs to username, or
// issues a fresh token otherwise. A user who still holds a record under
// another token keeps their player id.
func (sm *SessionManager) Resume(token, username string) (SessionInfo, bool) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if info, ok := sm.sessions[token]; ok && info.Username == username {
		return info, true
	}

	playerID := uuid.New().String()
	for _, existing := range sm.sessions {
		if existing.Username == username {
			playerID = existing.PlayerID
			break
		}
	}

	info := SessionInfo{
		Token:     uuid.New().String(),
		Username:  username,
		PlayerID:  playerID,
		CreatedAt: time.Now(),
	}
	sm.sessions[info.Token] = info
	return info, false
}

func (sm *SessionManager) StoreSession(info SessionInfo) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.sessions[info.Token] = info
}

func (sm *SessionManager) GetSession(token string) (SessionInfo, error) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	session, exists := sm.sessions[token]
	if !exists {
		return SessionInfo{}, ErrTokenNotFound
	}

	return session, nil
}

func (sm *SessionManager) RemoveSession(token string) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	delete(sm.sessions, token)
}

// RemoveByUsername drops every record for username and reports how many
// were removed.
func (sm *SessionManager) RemoveByUsername(username string) int {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	removed := 0
	for token, info := range sm.sessions {
		if info.Username == username {
			delete(sm.sessions, token)
			removed++
		}
	}
	return removed
}

func (sm *SessionManager) GetAllSessions() []SessionInfo {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	sessions := make([]SessionInfo, 0, len(sm.sessions))
	for _, session := range sm.sessions {
		sessions = append(sessions, session)
	}

	return sessions
}

func (sm *SessionManager) Count() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return len(sm.sessions)
}
