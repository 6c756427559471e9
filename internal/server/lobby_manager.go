package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"jigsaw-server/internal/push"
	"jigsaw-server/internal/puzzle"
	"jigsaw-server/internal/session"
)

const MaxLobbyPlayers = 8

var (
	ErrLobbyNotFound   = errors.New("LOBBY_NOT_FOUND: Lobby not found")
	ErrLobbyFull       = fmt.Errorf("LOBBY_FULL: Lobby is full (%d/%d players)", MaxLobbyPlayers, MaxLobbyPlayers)
	ErrMatchInProgress = errors.New("MATCH_IN_PROGRESS: Lobby is already playing")
	ErrAlreadyInLobby  = errors.New("ALREADY_IN_LOBBY: Leave your current lobby first")
	ErrNotInLobby      = errors.New("NOT_IN_LOBBY: You are not in a lobby")
	ErrNotHost         = errors.New("NOT_HOST: Only the host can start the match")
	ErrNotAllReady     = errors.New("NOT_ALL_READY: Cannot start match, not all players ready")
	ErrMissingPuzzle   = errors.New("INVALID_PUZZLE: Puzzle id cannot be empty")
)

type LobbyStatus string

const (
	LobbyWaiting LobbyStatus = "waiting"
	LobbyInGame  LobbyStatus = "in_game"
)

const (
	closeReasonHostLeft = "host left"
	closeReasonEmpty    = "lobby empty"
)

type Lobby struct {
	Code       string
	Host       string
	PuzzleID   string
	Difficulty puzzle.Difficulty
	Status     LobbyStatus
	Members    []*LobbyMember
	CreatedAt  time.Time
	UpdatedAt  time.Time

	mu sync.Mutex
}

type LobbyMember struct {
	Username string
	PlayerID string
	Ready    bool
	JoinedAt time.Time
}

type MatchStarter interface {
	CreateGameSession(ctx context.Context, lobbyID, matchID, puzzleID string, difficulty puzzle.Difficulty, players []session.Participant) (*session.GameSession, error)
	GetSession(lobbyCode string) *session.GameSession
}

type LobbyNotifier interface {
	SinkFor(username string) push.Sink
	Notify(usernames []string, event push.Event)
}

// LobbyManager owns pre-game lobbies. The manager lock guards the lobby and
// membership maps; each lobby's own lock guards its roster. The order is
// always manager before lobby.
type LobbyManager struct {
	lobbies   map[string]*Lobby
	usedCodes map[string]bool
	members   map[string]string // username → lobby code
	mu        sync.RWMutex

	starter  MatchStarter
	notifier LobbyNotifier
	onClose  func(code string)
}

func NewLobbyManager(starter MatchStarter, notifier LobbyNotifier, onClose func(code string)) *LobbyManager {
	if onClose == nil {
		onClose = func(string) {}
	}
	return &LobbyManager{
		lobbies:   make(map[string]*Lobby),
		usedCodes: make(map[string]bool),
		members:   make(map[string]string),
		starter:   starter,
		notifier:  notifier,
		onClose:   onClose,
	}
}

func (lm *LobbyManager) CreateLobby(username, playerID, puzzleID, difficulty string) (LobbyState, error) {
	puzzleID = strings.TrimSpace(puzzleID)
	if puzzleID == "" {
		return LobbyState{}, ErrMissingPuzzle
	}
	diff, err := puzzle.ParseDifficulty(difficulty)
	if err != nil {
		return LobbyState{}, err
	}

	lm.mu.Lock()
	defer lm.mu.Unlock()

	if _, ok := lm.members[username]; ok {
		return LobbyState{}, ErrAlreadyInLobby
	}

	// A closed lobby's match may still be running under its code.
	code := GenerateLobbyCode(lm.usedCodes)
	for lm.starter.GetSession(code) != nil {
		code = GenerateLobbyCode(lm.usedCodes)
	}
	lm.usedCodes[code] = true

	now := time.Now()
	lobby := &Lobby{
		Code:       code,
		Host:       username,
		PuzzleID:   puzzleID,
		Difficulty: diff,
		Status:     LobbyWaiting,
		Members: []*LobbyMember{{
			Username: username,
			PlayerID: playerID,
			JoinedAt: now,
		}},
		CreatedAt: now,
		UpdatedAt: now,
	}
	lm.lobbies[code] = lobby
	lm.members[username] = code

	log.Printf("Lobby %s created by %s (puzzle %s, %s)", code, username, puzzleID, diff)
	return lobby.state(), nil
}

func (lm *LobbyManager) JoinLobby(code, username, playerID string) (LobbyState, error) {
	code, err := NormalizeLobbyCode(code)
	if err != nil {
		return LobbyState{}, err
	}

	lm.mu.Lock()
	lobby, ok := lm.lobbies[code]
	if !ok {
		lm.mu.Unlock()
		return LobbyState{}, ErrLobbyNotFound
	}
	if current, in := lm.members[username]; in {
		lm.mu.Unlock()
		if current == code {
			return lobby.lockedState(), nil
		}
		return LobbyState{}, ErrAlreadyInLobby
	}

	lobby.mu.Lock()
	if lobby.Status != LobbyWaiting {
		lobby.mu.Unlock()
		lm.mu.Unlock()
		return LobbyState{}, ErrMatchInProgress
	}
	if len(lobby.Members) >= MaxLobbyPlayers {
		lobby.mu.Unlock()
		lm.mu.Unlock()
		return LobbyState{}, ErrLobbyFull
	}
	lobby.Members = append(lobby.Members, &LobbyMember{
		Username: username,
		PlayerID: playerID,
		JoinedAt: time.Now(),
	})
	lobby.UpdatedAt = time.Now()
	state := lobby.state()
	lobby.mu.Unlock()

	lm.members[username] = code
	lm.mu.Unlock()

	lm.notifier.Notify(state.usernames(), push.Event{Type: EventLobbyUpdate, Payload: state})
	return state, nil
}

// RemoveMember takes username out of their lobby. The lobby is torn down
// when the host leaves or nobody is left; remaining members are told it
// closed. It reports whether the user was in a lobby.
func (lm *LobbyManager) RemoveMember(username string) bool {
	lm.mu.Lock()
	code, ok := lm.members[username]
	if !ok {
		lm.mu.Unlock()
		return false
	}
	delete(lm.members, username)
	lobby := lm.lobbies[code]

	lobby.mu.Lock()
	lobby.removeLocked(username)
	teardown := username == lobby.Host || len(lobby.Members) == 0

	var evicted []string
	if teardown {
		for _, m := range lobby.Members {
			evicted = append(evicted, m.Username)
			delete(lm.members, m.Username)
		}
		lobby.Members = nil
		delete(lm.lobbies, code)
		delete(lm.usedCodes, code)
	}
	state := lobby.state()
	lobby.mu.Unlock()
	lm.mu.Unlock()

	if !teardown {
		log.Printf("%s left lobby %s", username, code)
		lm.notifier.Notify(state.usernames(), push.Event{Type: EventLobbyUpdate, Payload: state})
		return true
	}

	reason := closeReasonEmpty
	if username == state.Host {
		reason = closeReasonHostLeft
	}
	log.Printf("Lobby %s closed: %s (%d members evicted)", code, reason, len(evicted))

	lm.notifier.Notify(evicted, push.Event{
		Type:    EventLobbyClosed,
		Payload: LobbyClosed{LobbyCode: code, Reason: reason},
	})
	lm.onClose(code)
	return true
}

func (lm *LobbyManager) SetReady(username string, ready bool) (LobbyState, error) {
	lobby, err := lm.lobbyOf(username)
	if err != nil {
		return LobbyState{}, err
	}

	lobby.mu.Lock()
	if lobby.Status != LobbyWaiting {
		lobby.mu.Unlock()
		return LobbyState{}, ErrMatchInProgress
	}
	for _, m := range lobby.Members {
		if m.Username == username {
			m.Ready = ready
		}
	}
	lobby.UpdatedAt = time.Now()
	state := lobby.state()
	lobby.mu.Unlock()

	lm.notifier.Notify(state.usernames(), push.Event{Type: EventLobbyUpdate, Payload: state})
	return state, nil
}

// StartMatch hands the final roster to the session manager. Only the host
// may start, and every other member must be ready.
func (lm *LobbyManager) StartMatch(ctx context.Context, username string) (*session.GameSession, error) {
	lobby, err := lm.lobbyOf(username)
	if err != nil {
		return nil, err
	}

	lobby.mu.Lock()
	if lobby.Host != username {
		lobby.mu.Unlock()
		return nil, ErrNotHost
	}
	if lobby.Status != LobbyWaiting {
		lobby.mu.Unlock()
		return nil, ErrMatchInProgress
	}
	if !lobby.allReadyLocked() {
		lobby.mu.Unlock()
		return nil, ErrNotAllReady
	}

	participants := make([]session.Participant, 0, len(lobby.Members))
	for _, m := range lobby.Members {
		sink := lm.notifier.SinkFor(m.Username)
		if sink == nil {
			log.Printf("Lobby %s: %s has no channel, left out of the match", lobby.Code, m.Username)
			continue
		}
		participants = append(participants, session.Participant{
			PlayerID: m.PlayerID,
			Username: m.Username,
			Sink:     sink,
		})
	}
	lobby.Status = LobbyInGame
	lobby.UpdatedAt = time.Now()
	code, puzzleID, difficulty := lobby.Code, lobby.PuzzleID, lobby.Difficulty
	lobby.mu.Unlock()

	gs, err := lm.starter.CreateGameSession(ctx, code, "", puzzleID, difficulty, participants)
	if err != nil {
		lobby.mu.Lock()
		lobby.Status = LobbyWaiting
		lobby.mu.Unlock()
		return nil, fmt.Errorf("MATCH_START_FAILED: %w", err)
	}

	log.Printf("Lobby %s started match %s with %d players", code, gs.MatchID, len(participants))
	return gs, nil
}

// MatchFinished puts the lobby back into waiting with everyone unready.
func (lm *LobbyManager) MatchFinished(code string) {
	lm.mu.RLock()
	lobby, ok := lm.lobbies[code]
	lm.mu.RUnlock()
	if !ok {
		return
	}

	lobby.mu.Lock()
	lobby.Status = LobbyWaiting
	for _, m := range lobby.Members {
		m.Ready = false
	}
	lobby.UpdatedAt = time.Now()
	state := lobby.state()
	lobby.mu.Unlock()

	lm.notifier.Notify(state.usernames(), push.Event{Type: EventLobbyUpdate, Payload: state})
}

func (lm *LobbyManager) GetLobby(code string) (LobbyState, error) {
	lm.mu.RLock()
	lobby, ok := lm.lobbies[code]
	lm.mu.RUnlock()
	if !ok {
		return LobbyState{}, ErrLobbyNotFound
	}
	return lobby.lockedState(), nil
}

func (lm *LobbyManager) LobbyFor(username string) (LobbyState, error) {
	lobby, err := lm.lobbyOf(username)
	if err != nil {
		return LobbyState{}, err
	}
	return lobby.lockedState(), nil
}

// CodeFor returns the code of username's lobby, or "" when they are in none.
func (lm *LobbyManager) CodeFor(username string) string {
	lm.mu.RLock()
	defer lm.mu.RUnlock()
	return lm.members[username]
}

func (lm *LobbyManager) Count() int {
	lm.mu.RLock()
	defer lm.mu.RUnlock()
	return len(lm.lobbies)
}

func (lm *LobbyManager) lobbyOf(username string) (*Lobby, error) {
	lm.mu.RLock()
	defer lm.mu.RUnlock()

	code, ok := lm.members[username]
	if !ok {
		return nil, ErrNotInLobby
	}
	return lm.lobbies[code], nil
}

func (l *Lobby) removeLocked(username string) {
	for i, m := range l.Members {
		if m.Username == username {
			l.Members = append(l.Members[:i], l.Members[i+1:]...)
			break
		}
	}
	l.UpdatedAt = time.Now()
}

func (l *Lobby) allReadyLocked() bool {
	for _, m := range l.Members {
		if m.Username != l.Host && !m.Ready {
			return false
		}
	}
	return true
}

func (l *Lobby) lockedState() LobbyState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state()
}

// state must be called with l.mu held.
func (l *Lobby) state() LobbyState {
	players := make([]LobbyPlayer, 0, len(l.Members))
	for _, m := range l.Members {
		players = append(players, LobbyPlayer{
			Username: m.Username,
			Ready:    m.Ready,
			IsHost:   m.Username == l.Host,
		})
	}
	return LobbyState{
		LobbyCode:  l.Code,
		Host:       l.Host,
		PuzzleID:   l.PuzzleID,
		Difficulty: string(l.Difficulty),
		Status:     string(l.Status),
		Players:    players,
		AllReady:   l.allReadyLocked(),
	}
}

func (s LobbyState) usernames() []string {
	out := make([]string, 0, len(s.Players))
	for _, p := range s.Players {
		out = append(out, p.Username)
	}
	return out
}
