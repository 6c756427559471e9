package session

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"jigsaw-server/internal/push"
	"jigsaw-server/internal/puzzle"
	"jigsaw-server/internal/results"
	"jigsaw-server/internal/worker"
)

type recordingSink struct {
	mu       sync.Mutex
	events   []push.Event
	unusable bool
	failWith error
}

func newSink() *recordingSink { return &recordingSink{} }

func (s *recordingSink) Usable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.unusable
}

func (s *recordingSink) Send(ctx context.Context, event push.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return s.failWith
	}
	s.events = append(s.events, event)
	return nil
}

func (s *recordingSink) OnUnusable(fn func()) func() { return func() {} }

func (s *recordingSink) Types() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.events))
	for i, e := range s.events {
		out[i] = e.Type
	}
	return out
}

func (s *recordingSink) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func (s *recordingSink) Last() push.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.events) == 0 {
		return push.Event{}
	}
	return s.events[len(s.events)-1]
}

// syncDispatcher runs tasks inline so persistence side effects are visible
// as soon as the triggering call returns.
type syncDispatcher struct{}

func (syncDispatcher) Submit(name string, task worker.Task) bool {
	_ = task(context.Background())
	return true
}

type scoreWrite struct {
	matchID  string
	username string
	score    int
	version  int64
}

type fakeScoreStore struct {
	mu     sync.Mutex
	writes []scoreWrite
	err    error
}

func (f *fakeScoreStore) SaveScore(ctx context.Context, matchID, username string, score int, version int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.writes = append(f.writes, scoreWrite{matchID, username, score, version})
	return nil
}

type fakeResults struct {
	mu        sync.Mutex
	summaries []results.Summary
}

func (f *fakeResults) Process(ctx context.Context, summary results.Summary) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.summaries = append(f.summaries, summary)
	return nil
}

func (f *fakeResults) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.summaries)
}

var errSendFailed = errors.New("connection reset")

// newTestSession builds a square grid with 100px cells.
func newTestSession(t *testing.T, pieceCount int, opts ...Option) *GameSession {
	t.Helper()

	rows, cols, err := puzzle.GridFor(pieceCount)
	require.NoError(t, err)

	def, err := puzzle.Generate(puzzle.Metadata{ID: "test", Width: cols * 100, Height: rows * 100}, pieceCount)
	require.NoError(t, err)

	opts = append([]Option{WithTolerance(30), WithDispatcher(syncDispatcher{})}, opts...)
	return NewGameSession("ABCD", "match-1", def, opts...)
}

func addPlayer(s *GameSession, id, username string) *recordingSink {
	sink := newSink()
	s.AddPlayer(&PlayerSessionData{PlayerID: id, Username: username, Sink: sink})
	return sink
}
