package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"jigsaw-server/internal/database"
	"jigsaw-server/internal/results"
)

// PersistenceManager stores scores, playtime and match results. Queries are
// written with ? placeholders and rebound for Postgres.
type PersistenceManager struct {
	db     *sql.DB
	driver string
}

type PlayerTotals struct {
	Username        string `json:"username"`
	MatchesPlayed   int64  `json:"matchesPlayed"`
	Wins            int64  `json:"wins"`
	TotalScore      int64  `json:"totalScore"`
	PlaytimeSeconds int64  `json:"playtimeSeconds"`
}

func NewPersistenceManager(db *sql.DB, driver string) *PersistenceManager {
	return &PersistenceManager{
		db:     db,
		driver: driver,
	}
}

// SaveScore records a player's running score for a match. A write whose
// version is not newer than the stored one is ignored, so writes that
// finish out of order never roll a score back.
func (pm *PersistenceManager) SaveScore(ctx context.Context, matchID, username string, score int, version int64) error {
	query := pm.rebind(`
		INSERT INTO player_scores (match_id, username, score, version, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (match_id, username) DO UPDATE
		SET score = excluded.score, version = excluded.version, updated_at = excluded.updated_at
		WHERE excluded.version > player_scores.version
	`)

	if _, err := pm.db.ExecContext(ctx, query, matchID, username, score, version, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to save score for %s in match %s: %w", username, matchID, err)
	}
	return nil
}

func (pm *PersistenceManager) LoadScore(ctx context.Context, matchID, username string) (int, error) {
	query := pm.rebind(`SELECT score FROM player_scores WHERE match_id = ? AND username = ?`)

	var score int
	err := pm.db.QueryRowContext(ctx, query, matchID, username).Scan(&score)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("score not found: %s/%s", matchID, username)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to load score for %s in match %s: %w", username, matchID, err)
	}
	return score, nil
}

// AddPlaytime accumulates time spent in game sessions.
func (pm *PersistenceManager) AddPlaytime(ctx context.Context, username string, playtime time.Duration) error {
	seconds := int64(playtime.Round(time.Second) / time.Second)

	query := pm.rebind(`
		INSERT INTO player_playtime (username, playtime_seconds, sessions, updated_at)
		VALUES (?, ?, 1, ?)
		ON CONFLICT (username) DO UPDATE
		SET playtime_seconds = player_playtime.playtime_seconds + excluded.playtime_seconds,
		    sessions = player_playtime.sessions + 1,
		    updated_at = excluded.updated_at
	`)

	if _, err := pm.db.ExecContext(ctx, query, username, seconds, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to add playtime for %s: %w", username, err)
	}
	return nil
}

// SaveMatchResults writes one row per player in a single transaction.
func (pm *PersistenceManager) SaveMatchResults(ctx context.Context, summary results.Summary) error {
	tx, err := pm.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := pm.rebind(`
		INSERT INTO match_results (
			match_id, username, lobby_code, puzzle_id, piece_count,
			player_rank, score, pieces_placed, started_at, finished_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (match_id, username) DO UPDATE
		SET player_rank = excluded.player_rank,
		    score = excluded.score,
		    pieces_placed = excluded.pieces_placed,
		    finished_at = excluded.finished_at
	`)

	for _, p := range summary.Players {
		_, err := tx.ExecContext(ctx, query,
			summary.MatchID,
			p.Username,
			summary.LobbyCode,
			summary.PuzzleID,
			summary.PieceCount,
			p.Rank,
			p.Score,
			p.PiecesPlaced,
			summary.StartedAt.UTC(),
			summary.FinishedAt.UTC(),
		)
		if err != nil {
			return fmt.Errorf("failed to save result for %s in match %s: %w", p.Username, summary.MatchID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit match %s: %w", summary.MatchID, err)
	}
	return nil
}

// LoadPlayerTotals aggregates a player's history. Unknown players get zero
// totals, not an error.
func (pm *PersistenceManager) LoadPlayerTotals(ctx context.Context, username string) (PlayerTotals, error) {
	totals := PlayerTotals{Username: username}

	query := pm.rebind(`
		SELECT COUNT(*),
		       COALESCE(SUM(CASE WHEN player_rank = 1 THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(score), 0)
		FROM match_results
		WHERE username = ?
	`)
	err := pm.db.QueryRowContext(ctx, query, username).Scan(&totals.MatchesPlayed, &totals.Wins, &totals.TotalScore)
	if err != nil {
		return PlayerTotals{}, fmt.Errorf("failed to load match totals for %s: %w", username, err)
	}

	query = pm.rebind(`SELECT playtime_seconds FROM player_playtime WHERE username = ?`)
	err = pm.db.QueryRowContext(ctx, query, username).Scan(&totals.PlaytimeSeconds)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return PlayerTotals{}, fmt.Errorf("failed to load playtime for %s: %w", username, err)
	}

	return totals, nil
}

// CleanupOldResults deletes match results and per-match scores older than
// the retention window.
func (pm *PersistenceManager) CleanupOldResults(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan)

	res, err := pm.db.ExecContext(ctx, pm.rebind(`DELETE FROM match_results WHERE finished_at < ?`), cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup match results: %w", err)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to check deletion result: %w", err)
	}

	if _, err := pm.db.ExecContext(ctx, pm.rebind(`DELETE FROM player_scores WHERE updated_at < ?`), cutoff); err != nil {
		return deleted, fmt.Errorf("failed to cleanup scores: %w", err)
	}

	return deleted, nil
}

// rebind rewrites ? placeholders to $n for Postgres.
func (pm *PersistenceManager) rebind(query string) string {
	if pm.driver != database.DriverPostgres {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, ch := range query {
		if ch == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(ch)
	}
	return b.String()
}
