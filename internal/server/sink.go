package server

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/coder/websocket"

	"jigsaw-server/internal/push"
)

type socketConn interface {
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// wsSink adapts a websocket connection to push.Sink. The first failed write
// or an explicit Close marks it unusable and fires the registered hooks.
type wsSink struct {
	connectionID string
	conn         socketConn

	unusable atomic.Bool

	mu       sync.Mutex
	hooks    map[int]func()
	nextHook int
}

func newWSSink(connectionID string, conn socketConn) *wsSink {
	return &wsSink{
		connectionID: connectionID,
		conn:         conn,
		hooks:        make(map[int]func()),
	}
}

func (s *wsSink) Usable() bool {
	return !s.unusable.Load()
}

func (s *wsSink) Send(ctx context.Context, event push.Event) error {
	if !s.Usable() {
		return fmt.Errorf("CONNECTION_CLOSED: connection %s is closed", s.connectionID)
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("Marshal error: %w", err)
	}

	if err := s.conn.Write(ctx, websocket.MessageText, data); err != nil {
		s.markUnusable()
		return fmt.Errorf("write to %s: %w", s.connectionID, err)
	}
	return nil
}

func (s *wsSink) OnUnusable(fn func()) func() {
	s.mu.Lock()
	id := s.nextHook
	s.nextHook++
	s.hooks[id] = fn
	s.mu.Unlock()

	if !s.Usable() {
		// Already dead: fire right away, as a late subscriber would otherwise
		// never hear about it.
		s.fire(map[int]func(){id: fn})
	}

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.hooks, id)
	}
}

// Close marks the sink unusable and closes the socket.
func (s *wsSink) Close(code websocket.StatusCode, reason string) {
	s.markUnusable()
	s.conn.Close(code, reason)
}

// Terminate hangs up on a client the server gave up on.
func (s *wsSink) Terminate(reason string) {
	s.Close(websocket.StatusPolicyViolation, reason)
}

func (s *wsSink) markUnusable() {
	if !s.unusable.CompareAndSwap(false, true) {
		return
	}

	s.mu.Lock()
	hooks := s.hooks
	s.hooks = make(map[int]func())
	s.mu.Unlock()

	s.fire(hooks)
}

// fire runs hooks on their own goroutines; a hook may take locks held by
// whoever is writing to this sink.
func (s *wsSink) fire(hooks map[int]func()) {
	for _, fn := range hooks {
		go fn()
	}
}
