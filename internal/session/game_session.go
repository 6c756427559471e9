package session

import (
	"context"
	"log"
	"math"
	"sort"
	"sync"
	"time"

	"jigsaw-server/internal/push"
	"jigsaw-server/internal/puzzle"
	"jigsaw-server/internal/results"
	"jigsaw-server/internal/scoring"
)

const (
	DefaultTolerance   = 30.0
	DefaultSendTimeout = 2 * time.Second
)

// GameSession is one match's piece state machine and player roster.
//
// Every mutation and the broadcast it produces happen under mu, so clients
// observe events for a session in commit order. Sessions never share a lock.
type GameSession struct {
	LobbyCode string
	MatchID   string
	Puzzle    *puzzle.Definition
	Image     []byte
	StartedAt time.Time

	mu         sync.Mutex
	players    map[string]*PlayerSessionData
	pieces     map[int]*PieceState
	placed     int
	firstBlood bool
	finished   bool

	// Score writes are queued under mu and handed to the dispatcher after
	// mu is released. scoreVersion orders them in the store.
	pendingScores []pendingScore
	scoreVersion  int64

	tolerance   float64
	sendTimeout time.Duration
	calculator  *scoring.Calculator
	scores      ScoreStore
	dispatcher  Dispatcher
	now         func() time.Time
}

type Option func(*GameSession)

func WithTolerance(tolerance float64) Option {
	return func(s *GameSession) {
		if tolerance > 0 {
			s.tolerance = tolerance
		}
	}
}

func WithSendTimeout(d time.Duration) Option {
	return func(s *GameSession) {
		if d > 0 {
			s.sendTimeout = d
		}
	}
}

func WithCalculator(c *scoring.Calculator) Option {
	return func(s *GameSession) {
		if c != nil {
			s.calculator = c
		}
	}
}

func WithScoreStore(store ScoreStore) Option {
	return func(s *GameSession) {
		s.scores = store
	}
}

func WithDispatcher(d Dispatcher) Option {
	return func(s *GameSession) {
		if d != nil {
			s.dispatcher = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *GameSession) {
		s.now = now
	}
}

func NewGameSession(lobbyCode, matchID string, def *puzzle.Definition, opts ...Option) *GameSession {
	s := &GameSession{
		LobbyCode:   lobbyCode,
		MatchID:     matchID,
		Puzzle:      def,
		players:     make(map[string]*PlayerSessionData),
		pieces:      make(map[int]*PieceState, len(def.Pieces)),
		tolerance:   DefaultTolerance,
		sendTimeout: DefaultSendTimeout,
		calculator:  scoring.NewCalculator(),
		dispatcher:  goDispatcher{},
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.StartedAt = s.now()

	for _, p := range def.Pieces {
		s.pieces[p.ID] = &PieceState{
			PieceID: p.ID,
			FinalX:  p.FinalX,
			FinalY:  p.FinalY,
			Edge:    p.Edge,
		}
	}

	return s
}

func (s *GameSession) AddPlayer(p *PlayerSessionData) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p.JoinedAt.IsZero() {
		p.JoinedAt = s.now()
	}
	s.players[p.PlayerID] = p
}

// RemovePlayer drops the player and force-releases every piece they held.
// It returns the removed record, or nil when the player was not here.
func (s *GameSession) RemovePlayer(playerID string) *PlayerSessionData {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removePlayerLocked(playerID)
}

func (s *GameSession) RemovePlayerByUsername(username string) *PlayerSessionData {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, p := range s.players {
		if p.Username == username {
			return s.removePlayerLocked(id)
		}
	}
	return nil
}

// ReattachSink points a reconnecting player's notifications at their new
// channel. It returns the player's id, or "" when they are not here.
func (s *GameSession) ReattachSink(username string, sink push.Sink) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, p := range s.players {
		if p.Username == username {
			p.Sink = sink
			log.Printf("[GameSession %s] reattached %s", s.LobbyCode, username)
			return id
		}
	}
	return ""
}

func (s *GameSession) removePlayerLocked(playerID string) *PlayerSessionData {
	player, ok := s.players[playerID]
	if !ok {
		return nil
	}
	delete(s.players, playerID)

	for _, piece := range s.sortedPiecesLocked() {
		if piece.Holder != playerID {
			continue
		}
		piece.Holder = ""
		s.broadcastLocked(push.Event{
			Type:    EventPieceReleased,
			Payload: PieceReleased{PieceID: piece.PieceID, PlayerID: playerID, Forced: true},
		})
	}

	s.broadcastLocked(push.Event{
		Type:    EventPlayerLeft,
		Payload: PlayerLeft{PlayerID: playerID, Username: player.Username},
	})

	log.Printf("[GameSession %s] player %s (%s) removed, %d remaining", s.LobbyCode, player.Username, playerID, len(s.players))
	return player
}

func (s *GameSession) HandlePieceDrag(playerID string, pieceID int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	player, ok := s.players[playerID]
	if !ok {
		log.Printf("[GameSession %s] drag ignored: player %s not in session", s.LobbyCode, playerID)
		return false
	}

	piece, ok := s.pieces[pieceID]
	if !ok {
		log.Printf("[GameSession %s] drag ignored: unknown piece %d", s.LobbyCode, pieceID)
		return false
	}
	if piece.Placed {
		log.Printf("[GameSession %s] drag ignored: piece %d already placed", s.LobbyCode, pieceID)
		return false
	}
	if piece.Holder != "" && piece.Holder != playerID {
		log.Printf("[GameSession %s] drag ignored: piece %d held by %s, requested by %s", s.LobbyCode, pieceID, piece.Holder, playerID)
		return false
	}

	piece.Holder = playerID
	s.broadcastLocked(push.Event{
		Type:    EventPieceDragStarted,
		Payload: PieceDragStarted{PieceID: pieceID, PlayerID: playerID, Username: player.Username},
	})
	return true
}

func (s *GameSession) HandlePieceMove(playerID string, pieceID int, x, y float64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	piece, ok := s.heldByLocked(playerID, pieceID, "move")
	if !ok {
		return false
	}

	piece.CurrentX, piece.CurrentY = x, y
	s.broadcastLocked(push.Event{
		Type:    EventPieceMoved,
		Payload: PieceMoved{PieceID: pieceID, PlayerID: playerID, X: x, Y: y},
	})
	return true
}

// HandlePieceDrop always clears the holder. A drop inside the tolerance on
// both axes places the piece; anything else degrades to a move. Penalties
// for misses are the caller's concern.
func (s *GameSession) HandlePieceDrop(playerID string, pieceID int, x, y float64) DropOutcome {
	defer s.flushScores()
	s.mu.Lock()
	defer s.mu.Unlock()

	piece, ok := s.heldByLocked(playerID, pieceID, "drop")
	if !ok {
		return DropOutcome{Result: DropIgnored}
	}
	piece.Holder = ""

	if piece.Placed || !s.withinTolerance(piece, x, y) {
		piece.CurrentX, piece.CurrentY = x, y
		s.broadcastLocked(push.Event{
			Type:    EventPieceMoved,
			Payload: PieceMoved{PieceID: pieceID, PlayerID: playerID, X: x, Y: y},
		})
		return DropOutcome{Result: DropMissed}
	}

	piece.Placed = true
	piece.CurrentX, piece.CurrentY = piece.FinalX, piece.FinalY
	s.placed++

	player := s.players[playerID]
	firstBlood := !s.firstBlood
	s.firstBlood = true
	completed := s.placed == len(s.pieces)

	res, err := s.calculator.CalculatePointsForPlacement(&scoring.PlacementContext{
		Player:          &player.Progress,
		EdgePiece:       piece.Edge,
		FirstPlacement:  firstBlood,
		CompletesPuzzle: completed,
	})
	if err != nil {
		log.Printf("[GameSession %s] scoring failed for %s: %v", s.LobbyCode, playerID, err)
	}

	player.Score += res.Points
	player.PiecesPlaced++
	player.NegativeStreak = 0
	s.persistScoreLocked(player)

	s.broadcastLocked(push.Event{
		Type: EventPiecePlaced,
		Payload: PiecePlaced{
			PieceID:      pieceID,
			PlayerID:     playerID,
			Username:     player.Username,
			X:            piece.CurrentX,
			Y:            piece.CurrentY,
			Points:       res.Points,
			Bonus:        res.Label,
			Score:        player.Score,
			PiecesPlaced: player.PiecesPlaced,
		},
	})

	return DropOutcome{Result: DropPlaced, Points: res.Points, Label: res.Label, Completed: completed}
}

// ApplyMissPenalty charges the player for a missed drop based on their own
// consecutive miss count. The score never goes below zero.
func (s *GameSession) ApplyMissPenalty(playerID string) int {
	defer s.flushScores()
	s.mu.Lock()
	defer s.mu.Unlock()

	player, ok := s.players[playerID]
	if !ok {
		return 0
	}

	player.NegativeStreak++
	player.Progress.CurrentStreak = 0
	penalty := scoring.CalculatePenaltyPoints(player.NegativeStreak)
	player.Score = max(0, player.Score-penalty)
	s.persistScoreLocked(player)

	s.broadcastLocked(push.Event{
		Type: EventScorePenalty,
		Payload: ScorePenalty{
			PlayerID:  playerID,
			Penalty:   penalty,
			Score:     player.Score,
			MissCount: player.NegativeStreak,
		},
	})
	return penalty
}

func (s *GameSession) HandlePieceRelease(playerID string, pieceID int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	piece, ok := s.heldByLocked(playerID, pieceID, "release")
	if !ok {
		return false
	}

	piece.Holder = ""
	s.broadcastLocked(push.Event{
		Type:    EventPieceReleased,
		Payload: PieceReleased{PieceID: pieceID, PlayerID: playerID},
	})
	return true
}

// Broadcast sends event to every player in the session.
func (s *GameSession) Broadcast(event push.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.broadcastLocked(event)
}

// broadcastLocked never aborts on a failing recipient: each send is bounded
// by sendTimeout and its error only affects that one player.
func (s *GameSession) broadcastLocked(event push.Event) {
	for _, p := range s.players {
		if p.Sink == nil {
			continue
		}
		if !p.Sink.Usable() {
			log.Printf("[GameSession %s] skipping %s for %s: channel unusable", s.LobbyCode, event.Type, p.Username)
			continue
		}
		s.sendTo(p, event)
	}
}

func (s *GameSession) sendTo(p *PlayerSessionData, event push.Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[GameSession %s] send %s to %s panicked: %v", s.LobbyCode, event.Type, p.Username, r)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), s.sendTimeout)
	defer cancel()

	if err := p.Sink.Send(ctx, event); err != nil {
		log.Printf("[GameSession %s] failed to send %s to %s: %v", s.LobbyCode, event.Type, p.Username, err)
	}
}

func (s *GameSession) IsComplete() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.placed == len(s.pieces)
}

func (s *GameSession) PlayerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.players)
}

func (s *GameSession) HasPlayer(playerID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.players[playerID]
	return ok
}

func (s *GameSession) HasUsername(username string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.players {
		if p.Username == username {
			return true
		}
	}
	return false
}

// Player returns a copy of the player's record.
func (s *GameSession) Player(playerID string) (PlayerSessionData, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.players[playerID]
	if !ok {
		return PlayerSessionData{}, false
	}
	return *p, true
}

// Roster returns copies of every player record.
func (s *GameSession) Roster() []PlayerSessionData {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]PlayerSessionData, 0, len(s.players))
	for _, p := range s.players {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out
}

// Piece returns a copy of the piece state.
func (s *GameSession) Piece(pieceID int) (PieceState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.pieces[pieceID]
	if !ok {
		return PieceState{}, false
	}
	return *p, true
}

func (s *GameSession) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		LobbyCode: s.LobbyCode,
		MatchID:   s.MatchID,
		PuzzleID:  s.Puzzle.Puzzle.ID,
		Rows:      s.Puzzle.Rows,
		Cols:      s.Puzzle.Cols,
		Width:     s.Puzzle.Puzzle.Width,
		Height:    s.Puzzle.Puzzle.Height,
		Pieces:    make([]PieceState, 0, len(s.pieces)),
		Players:   make([]PlayerView, 0, len(s.players)),
		Complete:  s.placed == len(s.pieces),
	}
	for _, piece := range s.sortedPiecesLocked() {
		snap.Pieces = append(snap.Pieces, *piece)
	}
	for _, st := range s.standingsLocked() {
		snap.Players = append(snap.Players, PlayerView{
			PlayerID:     st.PlayerID,
			Username:     st.Username,
			Score:        st.Score,
			PiecesPlaced: st.PiecesPlaced,
		})
	}
	return snap
}

// Standings ranks players by score, then pieces placed, then username.
func (s *GameSession) Standings() []results.Standing {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.standingsLocked()
}

func (s *GameSession) standingsLocked() []results.Standing {
	out := make([]results.Standing, 0, len(s.players))
	for _, p := range s.players {
		out = append(out, results.Standing{
			PlayerID:     p.PlayerID,
			Username:     p.Username,
			Score:        p.Score,
			PiecesPlaced: p.PiecesPlaced,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		if out[i].PiecesPlaced != out[j].PiecesPlaced {
			return out[i].PiecesPlaced > out[j].PiecesPlaced
		}
		return out[i].Username < out[j].Username
	})
	for i := range out {
		out[i].Rank = i + 1
	}
	return out
}

// finish marks the match finished and returns its summary. Only the first
// call reports true.
func (s *GameSession) finish() (results.Summary, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.finished || s.placed != len(s.pieces) {
		return results.Summary{}, false
	}
	s.finished = true

	summary := results.Summary{
		MatchID:    s.MatchID,
		LobbyCode:  s.LobbyCode,
		PuzzleID:   s.Puzzle.Puzzle.ID,
		PieceCount: len(s.pieces),
		StartedAt:  s.StartedAt,
		FinishedAt: s.now(),
		Players:    s.standingsLocked(),
	}

	s.broadcastLocked(push.Event{
		Type:    EventMatchCompleted,
		Payload: MatchCompleted{MatchID: s.MatchID, Standings: summary.Players},
	})
	return summary, true
}

func (s *GameSession) heldByLocked(playerID string, pieceID int, op string) (*PieceState, bool) {
	piece, ok := s.pieces[pieceID]
	if !ok {
		log.Printf("[GameSession %s] %s ignored: unknown piece %d", s.LobbyCode, op, pieceID)
		return nil, false
	}
	if piece.Holder != playerID {
		log.Printf("[GameSession %s] %s ignored: piece %d not held by %s", s.LobbyCode, op, pieceID, playerID)
		return nil, false
	}
	return piece, true
}

// withinTolerance checks each axis on its own, not a Euclidean distance, so a
// drop near the corner of the tolerance box still counts.
func (s *GameSession) withinTolerance(piece *PieceState, x, y float64) bool {
	return math.Abs(x-piece.FinalX) < s.tolerance && math.Abs(y-piece.FinalY) < s.tolerance
}

type pendingScore struct {
	username string
	score    int
	version  int64
}

func (s *GameSession) persistScoreLocked(p *PlayerSessionData) {
	if s.scores == nil {
		return
	}
	s.scoreVersion++
	s.pendingScores = append(s.pendingScores, pendingScore{
		username: p.Username,
		score:    p.Score,
		version:  s.scoreVersion,
	})
}

// flushScores submits queued score writes. It must run without mu held.
func (s *GameSession) flushScores() {
	s.mu.Lock()
	writes := s.pendingScores
	s.pendingScores = nil
	s.mu.Unlock()

	for _, w := range writes {
		s.dispatcher.Submit("save-score", func(ctx context.Context) error {
			if err := s.scores.SaveScore(ctx, s.MatchID, w.username, w.score, w.version); err != nil {
				// In-memory score stays authoritative; the stored one may lag.
				log.Printf("[GameSession %s] failed to persist score for %s: %v", s.LobbyCode, w.username, err)
			}
			return nil
		})
	}
}

func (s *GameSession) sortedPiecesLocked() []*PieceState {
	out := make([]*PieceState, 0, len(s.pieces))
	for _, p := range s.pieces {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PieceID < out[j].PieceID })
	return out
}
