package results

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go"
)

type Standing struct {
	Rank         int    `json:"rank"`
	PlayerID     string `json:"playerId"`
	Username     string `json:"username"`
	Score        int    `json:"score"`
	PiecesPlaced int    `json:"piecesPlaced"`
}

// Summary is the end-of-match record handed to the stats/achievement side.
type Summary struct {
	MatchID    string     `json:"matchId"`
	LobbyCode  string     `json:"lobbyCode"`
	PuzzleID   string     `json:"puzzleId"`
	PieceCount int        `json:"pieceCount"`
	StartedAt  time.Time  `json:"startedAt"`
	FinishedAt time.Time  `json:"finishedAt"`
	Players    []Standing `json:"players"`
}

type Store interface {
	SaveMatchResults(ctx context.Context, summary Summary) error
}

type Publisher interface {
	Publish(ctx context.Context, summary Summary) error
}

type Processor struct {
	store     Store
	publisher Publisher
}

// NewProcessor wires the durable store and an optional publisher. Either may
// be nil; a nil dependency is skipped.
func NewProcessor(store Store, publisher Publisher) *Processor {
	return &Processor{store: store, publisher: publisher}
}

func (p *Processor) Process(ctx context.Context, summary Summary) error {
	if p.store != nil {
		if err := p.store.SaveMatchResults(ctx, summary); err != nil {
			return fmt.Errorf("failed to save results for match %s: %w", summary.MatchID, err)
		}
	}

	if p.publisher != nil {
		if err := p.publisher.Publish(ctx, summary); err != nil {
			return fmt.Errorf("failed to publish results for match %s: %w", summary.MatchID, err)
		}
	}

	log.Printf("[results] match %s processed (%d players)", summary.MatchID, len(summary.Players))
	return nil
}

// NATSPublisher sends finished-match summaries to the external stats
// processor as JSON on a single subject.
type NATSPublisher struct {
	conn    *nats.Conn
	subject string
}

func NewNATSPublisher(url, subject string) (*NATSPublisher, error) {
	conn, err := nats.Connect(url,
		nats.Name("jigsaw-server"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[results] nats disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Printf("[results] nats reconnected to %s", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats at %s: %w", url, err)
	}
	return &NATSPublisher{conn: conn, subject: subject}, nil
}

func (p *NATSPublisher) Publish(ctx context.Context, summary Summary) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("marshal summary: %w", err)
	}

	return p.conn.Publish(p.subject, data)
}

func (p *NATSPublisher) Close() {
	if err := p.conn.Drain(); err != nil {
		log.Printf("[results] nats drain failed: %v", err)
	}
}
