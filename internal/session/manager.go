package session

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"jigsaw-server/internal/puzzle"
	"jigsaw-server/internal/scoring"
)

type Config struct {
	Tolerance   float64
	SendTimeout time.Duration
}

type Dependencies struct {
	Puzzles    puzzle.Resource
	Scores     ScoreStore
	Results    ResultsProcessor
	Pool       Dispatcher
	Calculator *scoring.Calculator
	Clock      func() time.Time
}

// Manager is the registry of active game sessions keyed by lobby code,
// with a secondary index from username to lobby code. The registry lock only
// guards the maps; each session has its own lock and the order is always
// manager before session.
type Manager struct {
	sessions map[string]*GameSession
	byUser   map[string]string
	mu       sync.RWMutex

	cfg  Config
	deps Dependencies
}

func NewManager(cfg Config, deps Dependencies) *Manager {
	if cfg.Tolerance <= 0 {
		cfg.Tolerance = DefaultTolerance
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = DefaultSendTimeout
	}
	if deps.Pool == nil {
		deps.Pool = goDispatcher{}
	}
	if deps.Calculator == nil {
		deps.Calculator = scoring.NewCalculator()
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	return &Manager{
		sessions: make(map[string]*GameSession),
		byUser:   make(map[string]string),
		cfg:      cfg,
		deps:     deps,
	}
}

// CreateGameSession builds a session for a lobby whose roster is final. A
// blank lobby id or an unknown puzzle is a caller bug and is returned as is.
// Any stale session under the same lobby id is replaced.
func (m *Manager) CreateGameSession(ctx context.Context, lobbyID, matchID, puzzleID string, difficulty puzzle.Difficulty, players []Participant) (*GameSession, error) {
	lobbyID = strings.TrimSpace(lobbyID)
	if lobbyID == "" {
		return nil, ErrBlankLobbyID
	}
	if m.deps.Puzzles == nil {
		return nil, ErrNoPuzzleStore
	}

	meta, image, err := m.deps.Puzzles.Load(ctx, puzzleID)
	if err != nil {
		return nil, fmt.Errorf("failed to load puzzle %s: %w", puzzleID, err)
	}

	pieceCount, err := puzzle.PieceCountFor(difficulty)
	if err != nil {
		return nil, err
	}

	def, err := puzzle.Generate(meta, pieceCount)
	if err != nil {
		return nil, fmt.Errorf("failed to generate puzzle %s: %w", puzzleID, err)
	}

	if strings.TrimSpace(matchID) == "" {
		matchID = uuid.New().String()
	}

	s := NewGameSession(lobbyID, matchID, def,
		WithTolerance(m.cfg.Tolerance),
		WithSendTimeout(m.cfg.SendTimeout),
		WithCalculator(m.deps.Calculator),
		WithScoreStore(m.deps.Scores),
		WithDispatcher(m.deps.Pool),
		WithClock(m.deps.Clock),
	)
	s.Image = image

	for _, p := range players {
		s.AddPlayer(&PlayerSessionData{
			PlayerID: p.PlayerID,
			Username: p.Username,
			Sink:     p.Sink,
		})
	}

	m.mu.Lock()
	if stale, ok := m.sessions[lobbyID]; ok {
		log.Printf("[sessions] replacing stale session %s (match %s) for lobby %s", stale.MatchID, matchID, lobbyID)
		m.forgetLobbyLocked(lobbyID)
	}
	m.sessions[lobbyID] = s
	for _, p := range players {
		m.byUser[p.Username] = lobbyID
	}
	m.mu.Unlock()

	log.Printf("[sessions] created session for lobby %s: match %s, puzzle %s, %d pieces, %d players",
		lobbyID, matchID, puzzleID, pieceCount, len(players))
	return s, nil
}

// GetSession returns nil when no session exists for the lobby.
func (m *Manager) GetSession(lobbyCode string) *GameSession {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[lobbyCode]
}

func (m *Manager) HandlePieceDrag(lobbyCode, playerID string, pieceID int) bool {
	s := m.lookup(lobbyCode, "drag")
	if s == nil {
		return false
	}
	return s.HandlePieceDrag(playerID, pieceID)
}

func (m *Manager) HandlePieceMove(lobbyCode, playerID string, pieceID int, x, y float64) bool {
	s := m.lookup(lobbyCode, "move")
	if s == nil {
		return false
	}
	return s.HandlePieceMove(playerID, pieceID, x, y)
}

// HandlePieceDrop delegates the drop, charges a penalty on a miss and closes
// out the match when the drop completed the puzzle.
func (m *Manager) HandlePieceDrop(lobbyCode, playerID string, pieceID int, x, y float64) DropOutcome {
	s := m.lookup(lobbyCode, "drop")
	if s == nil {
		return DropOutcome{Result: DropIgnored}
	}

	outcome := s.HandlePieceDrop(playerID, pieceID, x, y)
	switch outcome.Result {
	case DropMissed:
		s.ApplyMissPenalty(playerID)
	case DropPlaced:
		if outcome.Completed {
			m.finishMatch(s)
		}
	}
	return outcome
}

func (m *Manager) HandlePieceRelease(lobbyCode, playerID string, pieceID int) bool {
	s := m.lookup(lobbyCode, "release")
	if s == nil {
		return false
	}
	return s.HandlePieceRelease(playerID, pieceID)
}

// HandlePlayerDisconnect removes the player from whichever session holds
// them, matching on player id when given and on username otherwise. An
// emptied session is dropped from the registry.
func (m *Manager) HandlePlayerDisconnect(username, playerID string) (Departure, bool) {
	for _, s := range m.Sessions() {
		var removed *PlayerSessionData
		if playerID != "" {
			removed = s.RemovePlayer(playerID)
		} else {
			removed = s.RemovePlayerByUsername(username)
		}
		if removed == nil {
			continue
		}

		m.forgetUser(removed.Username, s.LobbyCode)
		m.removeIfEmpty(s)

		return Departure{
			LobbyCode: s.LobbyCode,
			MatchID:   s.MatchID,
			Player:    removed,
			Playtime:  m.deps.Clock().Sub(removed.JoinedAt),
		}, true
	}

	log.Printf("[sessions] disconnect for %s: not in any session", username)
	return Departure{}, false
}

// FindSessionByUsername returns the session the user plays in, whether or
// not the lobby that started it still exists. Index entries are checked
// against the roster and a miss falls back to a scan.
func (m *Manager) FindSessionByUsername(username string) *GameSession {
	m.mu.RLock()
	s := m.sessions[m.byUser[username]]
	m.mu.RUnlock()
	if s != nil && s.HasUsername(username) {
		return s
	}

	for _, s := range m.Sessions() {
		if s.HasUsername(username) {
			return s
		}
	}
	return nil
}

// SessionCodeFor returns the lobby code of the user's session, or "".
func (m *Manager) SessionCodeFor(username string) string {
	if s := m.FindSessionByUsername(username); s != nil {
		return s.LobbyCode
	}
	return ""
}

func (m *Manager) IsPlayerInAnySession(username string) bool {
	return m.FindSessionByUsername(username) != nil
}

// RemoveSession drops a session regardless of its roster.
func (m *Manager) RemoveSession(lobbyCode string) *GameSession {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[lobbyCode]
	if !ok {
		return nil
	}
	delete(m.sessions, lobbyCode)
	m.forgetLobbyLocked(lobbyCode)
	return s
}

// EndSession drops a session once its match is over and reports a
// departure per player so callers can account playtime.
func (m *Manager) EndSession(lobbyCode string) []Departure {
	s := m.RemoveSession(lobbyCode)
	if s == nil {
		return nil
	}

	now := m.deps.Clock()
	roster := s.Roster()
	out := make([]Departure, 0, len(roster))
	for i := range roster {
		p := roster[i]
		out = append(out, Departure{
			LobbyCode: s.LobbyCode,
			MatchID:   s.MatchID,
			Player:    &p,
			Playtime:  now.Sub(p.JoinedAt),
		})
	}
	log.Printf("[sessions] session %s (match %s) ended with %d players", s.LobbyCode, s.MatchID, len(out))
	return out
}

func (m *Manager) Sessions() []*GameSession {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*GameSession, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

func (m *Manager) ActiveSessions() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

func (m *Manager) lookup(lobbyCode, op string) *GameSession {
	s := m.GetSession(lobbyCode)
	if s == nil {
		// The session may have ended between the client sending and us reading.
		log.Printf("[sessions] %s ignored: no session for lobby %s", op, lobbyCode)
	}
	return s
}

func (m *Manager) removeIfEmpty(s *GameSession) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if current, ok := m.sessions[s.LobbyCode]; !ok || current != s {
		return
	}
	if s.PlayerCount() > 0 {
		return
	}
	delete(m.sessions, s.LobbyCode)
	m.forgetLobbyLocked(s.LobbyCode)
	log.Printf("[sessions] session %s (match %s) removed: no players left", s.LobbyCode, s.MatchID)
}

func (m *Manager) forgetUser(username, lobbyCode string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.byUser[username] == lobbyCode {
		delete(m.byUser, username)
	}
}

func (m *Manager) forgetLobbyLocked(lobbyCode string) {
	for username, code := range m.byUser {
		if code == lobbyCode {
			delete(m.byUser, username)
		}
	}
}

func (m *Manager) finishMatch(s *GameSession) {
	summary, ok := s.finish()
	if !ok {
		return
	}

	log.Printf("[sessions] match %s in lobby %s completed", s.MatchID, s.LobbyCode)
	if m.deps.Results == nil {
		return
	}

	m.deps.Pool.Submit("process-results", func(ctx context.Context) error {
		return m.deps.Results.Process(ctx, summary)
	})
}
