package session

import (
	"bytes"
	"context"
	"errors"
	"log"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jigsaw-server/internal/puzzle"
)

func newTestManager(t *testing.T, deps Dependencies) *Manager {
	t.Helper()

	catalog := puzzle.NewStaticCatalog()
	catalog.Add(puzzle.Metadata{ID: "harbor", Name: "Harbor", Width: 400, Height: 400}, []byte("png"))

	deps.Puzzles = catalog
	if deps.Pool == nil {
		deps.Pool = syncDispatcher{}
	}
	return NewManager(Config{Tolerance: 30}, deps)
}

func participants(names ...string) ([]Participant, map[string]*recordingSink) {
	out := make([]Participant, 0, len(names))
	sinks := make(map[string]*recordingSink, len(names))
	for _, name := range names {
		sink := newSink()
		sinks[name] = sink
		out = append(out, Participant{PlayerID: "id-" + name, Username: name, Sink: sink})
	}
	return out, sinks
}

func TestManager_CreateGameSession(t *testing.T) {
	m := newTestManager(t, Dependencies{})
	players, _ := participants("alice", "bob")

	s, err := m.CreateGameSession(context.Background(), "WXYZ", "", "harbor", puzzle.Easy, players)
	require.NoError(t, err)

	assert.Equal(t, "WXYZ", s.LobbyCode)
	assert.NotEmpty(t, s.MatchID, "a match id is generated when none is given")
	assert.Equal(t, 2, s.PlayerCount())
	assert.Len(t, s.Snapshot().Pieces, 16)
	assert.Equal(t, []byte("png"), s.Image)
	assert.Same(t, s, m.GetSession("WXYZ"))
	assert.Equal(t, 1, m.ActiveSessions())
}

// Why: blank lobby ids and unknown puzzles are caller bugs and must surface
func TestManager_CreateGameSessionContractViolations(t *testing.T) {
	m := newTestManager(t, Dependencies{})
	players, _ := participants("alice")

	_, err := m.CreateGameSession(context.Background(), "   ", "m", "harbor", puzzle.Easy, players)
	assert.ErrorIs(t, err, ErrBlankLobbyID)

	_, err = m.CreateGameSession(context.Background(), "WXYZ", "m", "nope", puzzle.Easy, players)
	assert.ErrorIs(t, err, puzzle.ErrPuzzleNotFound)

	_, err = m.CreateGameSession(context.Background(), "WXYZ", "m", "harbor", puzzle.Difficulty("extreme"), players)
	assert.ErrorIs(t, err, puzzle.ErrInvalidDifficulty)

	assert.Equal(t, 0, m.ActiveSessions())
}

func TestManager_CreateGameSessionReplacesStale(t *testing.T) {
	m := newTestManager(t, Dependencies{})
	players, _ := participants("alice")

	first, err := m.CreateGameSession(context.Background(), "WXYZ", "m1", "harbor", puzzle.Easy, players)
	require.NoError(t, err)
	second, err := m.CreateGameSession(context.Background(), "WXYZ", "m2", "harbor", puzzle.Easy, players)
	require.NoError(t, err)

	assert.NotSame(t, first, second)
	assert.Same(t, second, m.GetSession("WXYZ"))
	assert.Equal(t, 1, m.ActiveSessions())
}

// Why: the session may end between a client's send and our processing
func TestManager_OperationsOnMissingSession(t *testing.T) {
	m := newTestManager(t, Dependencies{})

	assert.Nil(t, m.GetSession("NONE"))
	assert.False(t, m.HandlePieceDrag("NONE", "p", 0))
	assert.False(t, m.HandlePieceMove("NONE", "p", 0, 1, 1))
	assert.Equal(t, DropIgnored, m.HandlePieceDrop("NONE", "p", 0, 1, 1).Result)
	assert.False(t, m.HandlePieceRelease("NONE", "p", 0))
}

func TestManager_DropMissAppliesPenalty(t *testing.T) {
	m := newTestManager(t, Dependencies{})
	players, sinks := participants("alice")
	s, err := m.CreateGameSession(context.Background(), "WXYZ", "m1", "harbor", puzzle.Easy, players)
	require.NoError(t, err)

	require.True(t, m.HandlePieceDrag("WXYZ", "id-alice", 5))
	outcome := m.HandlePieceDrop("WXYZ", "id-alice", 5, 1000, 1000)
	assert.Equal(t, DropMissed, outcome.Result)

	p, _ := s.Player("id-alice")
	assert.Equal(t, 1, p.NegativeStreak)
	assert.Equal(t, EventScorePenalty, sinks["alice"].Last().Type)
}

// Why: completing the puzzle hands the standings to the results processor once
func TestManager_CompletionProcessesResultsOnce(t *testing.T) {
	processor := &fakeResults{}
	m := newTestManager(t, Dependencies{Results: processor})
	players, sinks := participants("alice", "bob")
	s, err := m.CreateGameSession(context.Background(), "WXYZ", "m1", "harbor", puzzle.Easy, players)
	require.NoError(t, err)

	for id := 0; id < 16; id++ {
		player := "id-alice"
		if id%2 == 1 {
			player = "id-bob"
		}
		piece, ok := s.Piece(id)
		require.True(t, ok)
		require.True(t, m.HandlePieceDrag("WXYZ", player, id))
		require.Equal(t, DropPlaced, m.HandlePieceDrop("WXYZ", player, id, piece.FinalX+5, piece.FinalY-5).Result)
	}

	assert.True(t, s.IsComplete())
	assert.Equal(t, 1, processor.Count())

	summary := processor.summaries[0]
	assert.Equal(t, "m1", summary.MatchID)
	assert.Equal(t, 16, summary.PieceCount)
	require.Len(t, summary.Players, 2)
	assert.Equal(t, 1, summary.Players[0].Rank)

	assert.Equal(t, EventMatchCompleted, sinks["alice"].Last().Type)

	// A second finish attempt is ignored
	m.finishMatch(s)
	assert.Equal(t, 1, processor.Count())
}

func TestManager_HandlePlayerDisconnect(t *testing.T) {
	clock := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	m := newTestManager(t, Dependencies{Clock: func() time.Time { return clock }})
	players, sinks := participants("alice", "bob")
	_, err := m.CreateGameSession(context.Background(), "WXYZ", "m1", "harbor", puzzle.Easy, players)
	require.NoError(t, err)

	require.True(t, m.HandlePieceDrag("WXYZ", "id-alice", 2))
	clock = clock.Add(90 * time.Second)

	departure, ok := m.HandlePlayerDisconnect("alice", "")
	require.True(t, ok)
	assert.Equal(t, "WXYZ", departure.LobbyCode)
	assert.Equal(t, "alice", departure.Player.Username)
	assert.Equal(t, 90*time.Second, departure.Playtime)

	// The held piece was force-released to bob
	assert.Contains(t, sinks["bob"].Types(), EventPieceReleased)
	assert.NotNil(t, m.GetSession("WXYZ"), "bob is still playing")

	_, ok = m.HandlePlayerDisconnect("bob", "id-bob")
	require.True(t, ok)
	assert.Nil(t, m.GetSession("WXYZ"), "empty sessions are dropped")

	// Safe for a player in no session
	_, ok = m.HandlePlayerDisconnect("carol", "")
	assert.False(t, ok)
}

func TestManager_FindSessionByUsername(t *testing.T) {
	m := newTestManager(t, Dependencies{})
	p1, _ := participants("alice")
	p2, _ := participants("bob")

	_, err := m.CreateGameSession(context.Background(), "AAAA", "m1", "harbor", puzzle.Easy, p1)
	require.NoError(t, err)
	s2, err := m.CreateGameSession(context.Background(), "BBBB", "m2", "harbor", puzzle.Easy, p2)
	require.NoError(t, err)

	assert.Same(t, s2, m.FindSessionByUsername("bob"))
	assert.True(t, m.IsPlayerInAnySession("alice"))
	assert.False(t, m.IsPlayerInAnySession("carol"))
	assert.Nil(t, m.FindSessionByUsername("carol"))
}

// Why: piece messages are routed by the player's session, so the index must
// follow players out of sessions and sessions out of the registry
func TestManager_SessionCodeFor(t *testing.T) {
	m := newTestManager(t, Dependencies{})
	players, _ := participants("alice", "bob")
	_, err := m.CreateGameSession(context.Background(), "CCCC", "m1", "harbor", puzzle.Easy, players)
	require.NoError(t, err)

	assert.Equal(t, "CCCC", m.SessionCodeFor("alice"))
	assert.Equal(t, "CCCC", m.SessionCodeFor("bob"))
	assert.Equal(t, "", m.SessionCodeFor("carol"))

	_, ok := m.HandlePlayerDisconnect("alice", "id-alice")
	require.True(t, ok)
	assert.Equal(t, "", m.SessionCodeFor("alice"))
	assert.Equal(t, "CCCC", m.SessionCodeFor("bob"))

	m.EndSession("CCCC")
	assert.Equal(t, "", m.SessionCodeFor("bob"))

	// A player removed behind the manager's back is not reported
	again, _ := participants("dave")
	s, err := m.CreateGameSession(context.Background(), "DDDD", "m2", "harbor", puzzle.Easy, again)
	require.NoError(t, err)
	s.RemovePlayer("id-dave")
	assert.Equal(t, "", m.SessionCodeFor("dave"))
}

// Why: unrelated sessions must progress independently under concurrency
func TestManager_ConcurrentSessions(t *testing.T) {
	m := newTestManager(t, Dependencies{})
	codes := []string{"AAAA", "BBBB", "CCCC", "DDDD"}
	for _, code := range codes {
		players, _ := participants("alice-"+code, "bob-"+code)
		_, err := m.CreateGameSession(context.Background(), code, "", "harbor", puzzle.Easy, players)
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	for _, code := range codes {
		for _, who := range []string{"alice", "bob"} {
			wg.Add(1)
			go func(code, who string) {
				defer wg.Done()
				playerID := "id-" + who + "-" + code
				for piece := 0; piece < 16; piece++ {
					if m.HandlePieceDrag(code, playerID, piece) {
						m.HandlePieceMove(code, playerID, piece, 10, 10)
						m.HandlePieceRelease(code, playerID, piece)
					}
				}
			}(code, who)
		}
	}
	wg.Wait()

	for _, code := range codes {
		for _, piece := range m.GetSession(code).Snapshot().Pieces {
			assert.Empty(t, piece.Holder)
			assert.False(t, piece.Placed)
		}
	}
}

// Why: a finished match releases its players and reports their playtime
func TestManager_EndSession(t *testing.T) {
	clock := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	m := newTestManager(t, Dependencies{Clock: func() time.Time { return clock }})
	players, _ := participants("alice", "bob")
	_, err := m.CreateGameSession(context.Background(), "WXYZ", "m1", "harbor", puzzle.Easy, players)
	require.NoError(t, err)

	clock = clock.Add(5 * time.Minute)
	departures := m.EndSession("WXYZ")

	require.Len(t, departures, 2)
	assert.Equal(t, "alice", departures[0].Player.Username)
	assert.Equal(t, 5*time.Minute, departures[0].Playtime)
	assert.Equal(t, "m1", departures[1].MatchID)

	assert.Nil(t, m.GetSession("WXYZ"))
	assert.False(t, m.IsPlayerInAnySession("alice"))
	assert.Nil(t, m.EndSession("WXYZ"))
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// Why: without a pool, a failed results hand-off must still leave a trace
func TestGoDispatcher_LogsTaskErrors(t *testing.T) {
	out := &lockedBuffer{}
	log.SetOutput(out)
	t.Cleanup(func() { log.SetOutput(os.Stderr) })

	goDispatcher{}.Submit("process-results", func(ctx context.Context) error {
		return errors.New("results store offline")
	})

	assert.Eventually(t, func() bool {
		return strings.Contains(out.String(), "task process-results failed: results store offline")
	}, time.Second, 5*time.Millisecond)
}
