package session

import "jigsaw-server/internal/results"

const (
	EventPieceDragStarted = "piece_drag_started"
	EventPieceMoved       = "piece_moved"
	EventPiecePlaced      = "piece_placed"
	EventPieceReleased    = "piece_released"
	EventScorePenalty     = "score_penalty"
	EventPlayerLeft       = "player_left"
	EventMatchCompleted   = "match_completed"
)

type PieceDragStarted struct {
	PieceID  int    `json:"pieceId"`
	PlayerID string `json:"playerId"`
	Username string `json:"username"`
}

type PieceMoved struct {
	PieceID  int     `json:"pieceId"`
	PlayerID string  `json:"playerId"`
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
}

type PiecePlaced struct {
	PieceID      int     `json:"pieceId"`
	PlayerID     string  `json:"playerId"`
	Username     string  `json:"username"`
	X            float64 `json:"x"`
	Y            float64 `json:"y"`
	Points       int     `json:"points"`
	Bonus        string  `json:"bonus,omitempty"`
	Score        int     `json:"score"`
	PiecesPlaced int     `json:"piecesPlaced"`
}

type PieceReleased struct {
	PieceID  int    `json:"pieceId"`
	PlayerID string `json:"playerId"`
	Forced   bool   `json:"forced"`
}

type ScorePenalty struct {
	PlayerID  string `json:"playerId"`
	Penalty   int    `json:"penalty"`
	Score     int    `json:"score"`
	MissCount int    `json:"missCount"`
}

type PlayerLeft struct {
	PlayerID string `json:"playerId"`
	Username string `json:"username"`
}

type MatchCompleted struct {
	MatchID   string             `json:"matchId"`
	Standings []results.Standing `json:"standings"`
}

type PlayerView struct {
	PlayerID     string `json:"playerId"`
	Username     string `json:"username"`
	Score        int    `json:"score"`
	PiecesPlaced int    `json:"piecesPlaced"`
}

// Snapshot is the full session view sent to a client on (re)sync.
type Snapshot struct {
	LobbyCode string       `json:"lobbyCode"`
	MatchID   string       `json:"matchId"`
	PuzzleID  string       `json:"puzzleId"`
	Rows      int          `json:"rows"`
	Cols      int          `json:"cols"`
	Width     int          `json:"width"`
	Height    int          `json:"height"`
	Pieces    []PieceState `json:"pieces"`
	Players   []PlayerView `json:"players"`
	Complete  bool         `json:"complete"`
}
