package session

import (
	"context"
	"errors"
	"log"
	"time"

	"jigsaw-server/internal/push"
	"jigsaw-server/internal/results"
	"jigsaw-server/internal/scoring"
	"jigsaw-server/internal/worker"
)

var (
	ErrBlankLobbyID  = errors.New("INVALID_LOBBY: Lobby id cannot be blank")
	ErrNoPuzzleStore = errors.New("NO_PUZZLE_RESOURCE: Session manager has no puzzle resource")
)

// PieceState is the live state of one piece. Holder is empty when nobody is
// dragging the piece. Placed never reverts once set.
type PieceState struct {
	PieceID  int     `json:"pieceId"`
	FinalX   float64 `json:"-"`
	FinalY   float64 `json:"-"`
	CurrentX float64 `json:"x"`
	CurrentY float64 `json:"y"`
	Placed   bool    `json:"placed"`
	Holder   string  `json:"holder,omitempty"`
	Edge     bool    `json:"edge"`
}

type PlayerSessionData struct {
	PlayerID       string
	Username       string
	Sink           push.Sink
	Score          int
	PiecesPlaced   int
	NegativeStreak int
	JoinedAt       time.Time
	Progress       scoring.Progress
}

// Participant is a roster entry handed over by the lobby when a match starts.
type Participant struct {
	PlayerID string
	Username string
	Sink     push.Sink
}

type DropResult int

const (
	DropIgnored DropResult = iota
	DropMissed
	DropPlaced
)

func (r DropResult) String() string {
	switch r {
	case DropMissed:
		return "missed"
	case DropPlaced:
		return "placed"
	default:
		return "ignored"
	}
}

type DropOutcome struct {
	Result    DropResult
	Points    int
	Label     string
	Completed bool
}

// Departure describes a player removed from a session by a disconnect.
type Departure struct {
	LobbyCode string
	MatchID   string
	Player    *PlayerSessionData
	Playtime  time.Duration
}

// ScoreStore persists a player's running score. Writes are best effort and
// may arrive out of order; a write with a lower version than the stored one
// must not replace it.
type ScoreStore interface {
	SaveScore(ctx context.Context, matchID, username string, score int, version int64) error
}

// ResultsProcessor receives the final standings once per finished match.
type ResultsProcessor interface {
	Process(ctx context.Context, summary results.Summary) error
}

type Dispatcher interface {
	Submit(name string, task worker.Task) bool
}

// goDispatcher runs each task on its own goroutine. Used when no pool is wired.
type goDispatcher struct{}

func (goDispatcher) Submit(name string, task worker.Task) bool {
	go func() {
		if err := task(context.Background()); err != nil {
			log.Printf("[sessions] task %s failed: %v", name, err)
		}
	}()
	return true
}
