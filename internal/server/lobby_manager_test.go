package server

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jigsaw-server/internal/puzzle"
	"jigsaw-server/internal/session"
)

type lobbyFixture struct {
	lobbies     *LobbyManager
	sessions    *session.Manager
	matchmaking *MatchmakingRegistry
	sinks       map[string]*recordingSink
	closed      []string
}

func newLobbyFixture(t *testing.T, users ...string) *lobbyFixture {
	t.Helper()

	catalog := puzzle.NewStaticCatalog()
	catalog.Add(puzzle.Metadata{ID: "harbor", Name: "Harbor", Width: 400, Height: 400}, []byte("png"))

	f := &lobbyFixture{
		sessions:    session.NewManager(session.Config{}, session.Dependencies{Puzzles: catalog, Pool: syncDispatcher{}}),
		matchmaking: NewMatchmakingRegistry(),
		sinks:       make(map[string]*recordingSink),
	}
	f.lobbies = NewLobbyManager(f.sessions, f.matchmaking, func(code string) {
		f.closed = append(f.closed, code)
	})

	for _, u := range users {
		f.sinks[u] = &recordingSink{}
		f.matchmaking.Register(u, f.sinks[u])
	}
	return f
}

func (f *lobbyFixture) create(t *testing.T, host string) string {
	t.Helper()
	state, err := f.lobbies.CreateLobby(host, "id-"+host, "harbor", "easy")
	require.NoError(t, err)
	return state.LobbyCode
}

// Test: Create a lobby
// Why: Basic functionality - the creator becomes the host of a waiting lobby
func TestLobbyManager_CreateLobby(t *testing.T) {
	f := newLobbyFixture(t, "alice")

	state, err := f.lobbies.CreateLobby("alice", "id-alice", "harbor", "Easy")
	require.NoError(t, err)

	assert.Len(t, state.LobbyCode, LobbyCodeLength)
	assert.Equal(t, "alice", state.Host)
	assert.Equal(t, string(LobbyWaiting), state.Status)
	assert.Equal(t, "easy", state.Difficulty)
	require.Len(t, state.Players, 1)
	assert.True(t, state.Players[0].IsHost)
	assert.True(t, state.AllReady, "a lone host needs nobody else ready")
	assert.Equal(t, state.LobbyCode, f.lobbies.CodeFor("alice"))
}

func TestLobbyManager_CreateLobby_Validation(t *testing.T) {
	f := newLobbyFixture(t, "alice")

	_, err := f.lobbies.CreateLobby("alice", "id-alice", "  ", "easy")
	assert.ErrorIs(t, err, ErrMissingPuzzle)

	_, err = f.lobbies.CreateLobby("alice", "id-alice", "harbor", "nightmare")
	assert.ErrorIs(t, err, puzzle.ErrInvalidDifficulty)

	f.create(t, "alice")
	_, err = f.lobbies.CreateLobby("alice", "id-alice", "harbor", "easy")
	assert.ErrorIs(t, err, ErrAlreadyInLobby)
	assert.Equal(t, 1, f.lobbies.Count())
}

// Test: Join notifies every member
// Why: Lobby screens render from lobby_update alone
func TestLobbyManager_JoinLobby(t *testing.T) {
	f := newLobbyFixture(t, "alice", "bob")
	code := f.create(t, "alice")

	state, err := f.lobbies.JoinLobby(" "+code+" ", "bob", "id-bob")
	require.NoError(t, err)
	assert.Len(t, state.Players, 2)
	assert.False(t, state.AllReady)

	assert.Equal(t, []string{EventLobbyUpdate}, f.sinks["alice"].Types())
	assert.Equal(t, []string{EventLobbyUpdate}, f.sinks["bob"].Types())

	// Joining the same lobby again is a no-op
	again, err := f.lobbies.JoinLobby(code, "bob", "id-bob")
	require.NoError(t, err)
	assert.Len(t, again.Players, 2)
}

func TestLobbyManager_JoinLobby_Errors(t *testing.T) {
	f := newLobbyFixture(t, "alice", "bob")
	code := f.create(t, "alice")

	_, err := f.lobbies.JoinLobby("ZZ", "bob", "id-bob")
	assert.ErrorIs(t, err, ErrInvalidLobbyCode)

	other := "ABCD"
	if code == other {
		other = "ABCE"
	}
	_, err = f.lobbies.JoinLobby(other, "bob", "id-bob")
	assert.ErrorIs(t, err, ErrLobbyNotFound)

	f.create(t, "bob")
	_, err = f.lobbies.JoinLobby(code, "bob", "id-bob")
	assert.ErrorIs(t, err, ErrAlreadyInLobby)
}

// Why: A lobby never grows past its capacity, even under concurrent joins
func TestLobbyManager_JoinLobby_ConcurrentCapacity(t *testing.T) {
	f := newLobbyFixture(t)
	code := f.create(t, "host")

	var joined atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			name := fmt.Sprintf("user-%d", i)
			_, err := f.lobbies.JoinLobby(code, name, "id-"+name)
			if err == nil {
				joined.Add(1)
			} else {
				assert.ErrorIs(t, err, ErrLobbyFull)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(MaxLobbyPlayers-1), joined.Load())
	state, err := f.lobbies.GetLobby(code)
	require.NoError(t, err)
	assert.Len(t, state.Players, MaxLobbyPlayers)
}

// Test: Start a match from the lobby
// Why: The roster handed to the session must be the lobby's members
func TestLobbyManager_StartMatch(t *testing.T) {
	f := newLobbyFixture(t, "alice", "bob")
	code := f.create(t, "alice")
	_, err := f.lobbies.JoinLobby(code, "bob", "id-bob")
	require.NoError(t, err)

	_, err = f.lobbies.StartMatch(context.Background(), "bob")
	assert.ErrorIs(t, err, ErrNotHost)

	_, err = f.lobbies.StartMatch(context.Background(), "alice")
	assert.ErrorIs(t, err, ErrNotAllReady)

	_, err = f.lobbies.SetReady("bob", true)
	require.NoError(t, err)

	gs, err := f.lobbies.StartMatch(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, code, gs.LobbyCode)
	assert.Equal(t, 2, gs.PlayerCount())
	assert.True(t, gs.HasPlayer("id-bob"))
	assert.Same(t, gs, f.sessions.GetSession(code))

	state, err := f.lobbies.GetLobby(code)
	require.NoError(t, err)
	assert.Equal(t, string(LobbyInGame), state.Status)

	// Nobody can join or change readiness mid-match
	f.matchmaking.Register("carol", &recordingSink{})
	_, err = f.lobbies.JoinLobby(code, "carol", "id-carol")
	assert.ErrorIs(t, err, ErrMatchInProgress)
	_, err = f.lobbies.SetReady("bob", false)
	assert.ErrorIs(t, err, ErrMatchInProgress)
	_, err = f.lobbies.StartMatch(context.Background(), "alice")
	assert.ErrorIs(t, err, ErrMatchInProgress)
}

// Why: A failed session start must leave the lobby startable again
func TestLobbyManager_StartMatch_FailureReverts(t *testing.T) {
	f := newLobbyFixture(t, "alice")
	state, err := f.lobbies.CreateLobby("alice", "id-alice", "missing-puzzle", "easy")
	require.NoError(t, err)

	_, err = f.lobbies.StartMatch(context.Background(), "alice")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MATCH_START_FAILED")
	assert.ErrorIs(t, err, puzzle.ErrPuzzleNotFound)

	after, err := f.lobbies.GetLobby(state.LobbyCode)
	require.NoError(t, err)
	assert.Equal(t, string(LobbyWaiting), after.Status)
}

// Why: A rematch requires everyone to ready up again
func TestLobbyManager_MatchFinished(t *testing.T) {
	f := newLobbyFixture(t, "alice", "bob")
	code := f.create(t, "alice")
	_, _ = f.lobbies.JoinLobby(code, "bob", "id-bob")
	_, _ = f.lobbies.SetReady("bob", true)
	_, err := f.lobbies.StartMatch(context.Background(), "alice")
	require.NoError(t, err)

	f.lobbies.MatchFinished(code)

	state, err := f.lobbies.GetLobby(code)
	require.NoError(t, err)
	assert.Equal(t, string(LobbyWaiting), state.Status)
	for _, p := range state.Players {
		assert.False(t, p.Ready, "%s should be unready", p.Username)
	}
	assert.Equal(t, EventLobbyUpdate, f.sinks["bob"].Last().Type)

	// Unknown lobby is ignored
	f.lobbies.MatchFinished("QQQQ")
}

// Test: A non-host member leaves
// Why: Remaining members see the updated roster
func TestLobbyManager_RemoveMember_Guest(t *testing.T) {
	f := newLobbyFixture(t, "alice", "bob")
	code := f.create(t, "alice")
	_, _ = f.lobbies.JoinLobby(code, "bob", "id-bob")

	assert.True(t, f.lobbies.RemoveMember("bob"))
	assert.False(t, f.lobbies.RemoveMember("bob"), "second removal is a no-op")

	state, err := f.lobbies.GetLobby(code)
	require.NoError(t, err)
	assert.Len(t, state.Players, 1)
	assert.Equal(t, EventLobbyUpdate, f.sinks["alice"].Last().Type)
	assert.Empty(t, f.closed)
}

// Test: The host leaves
// Why: Without a host nobody could start the match, so the lobby closes
func TestLobbyManager_RemoveMember_HostClosesLobby(t *testing.T) {
	f := newLobbyFixture(t, "alice", "bob")
	code := f.create(t, "alice")
	_, _ = f.lobbies.JoinLobby(code, "bob", "id-bob")

	assert.True(t, f.lobbies.RemoveMember("alice"))

	_, err := f.lobbies.GetLobby(code)
	assert.ErrorIs(t, err, ErrLobbyNotFound)
	_, err = f.lobbies.LobbyFor("bob")
	assert.ErrorIs(t, err, ErrNotInLobby)

	last := f.sinks["bob"].Last()
	assert.Equal(t, EventLobbyClosed, last.Type)
	assert.Equal(t, LobbyClosed{LobbyCode: code, Reason: closeReasonHostLeft}, last.Payload)
	assert.Equal(t, []string{code}, f.closed)
	assert.Equal(t, 0, f.lobbies.Count())
}

func TestMatchmakingRegistry(t *testing.T) {
	r := NewMatchmakingRegistry()
	alice := &recordingSink{}
	r.Register("alice", alice)

	assert.Same(t, alice, r.SinkFor("alice"))
	assert.Nil(t, r.SinkFor("bob"))

	// Unregistered recipients are skipped
	r.Notify([]string{"alice", "bob"}, pushEvent(EventLobbyUpdate))
	assert.Equal(t, []string{EventLobbyUpdate}, alice.Types())

	assert.True(t, r.Unregister("alice"))
	assert.False(t, r.Unregister("alice"))
	assert.Equal(t, 0, r.Count())
}

// Why: One broken channel must not stop delivery to the others
func TestMatchmakingRegistry_NotifyIsolatesFailures(t *testing.T) {
	r := NewMatchmakingRegistry()
	broken, conn := newTestSink("conn-broken")
	conn.failing = true
	healthy := &recordingSink{}
	r.Register("broken", broken)
	r.Register("healthy", healthy)

	r.Notify([]string{"broken", "healthy"}, pushEvent(EventChatMessage))
	r.Notify([]string{"broken", "healthy"}, pushEvent(EventChatMessage))

	assert.False(t, broken.Usable())
	assert.Len(t, healthy.Types(), 2)
}
