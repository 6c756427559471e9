package server

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/coder/websocket"

	"jigsaw-server/internal/push"
	"jigsaw-server/internal/worker"
)

// fakeConn stands in for a websocket connection and records every frame.
type fakeConn struct {
	mu      sync.Mutex
	frames  [][]byte
	failing bool
	closed  bool
}

func (c *fakeConn) Write(ctx context.Context, typ websocket.MessageType, p []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failing || c.closed {
		return errors.New("use of closed network connection")
	}
	c.frames = append(c.frames, append([]byte(nil), p...))
	return nil
}

func (c *fakeConn) Close(code websocket.StatusCode, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) Types() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.frames))
	for _, f := range c.frames {
		var ev struct {
			Type string `json:"type"`
		}
		_ = json.Unmarshal(f, &ev)
		out = append(out, ev.Type)
	}
	return out
}

func (c *fakeConn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func newTestSink(id string) (*wsSink, *fakeConn) {
	conn := &fakeConn{}
	return newWSSink(id, conn), conn
}

// syncDispatcher runs tasks inline.
type syncDispatcher struct{}

func (syncDispatcher) Submit(name string, task worker.Task) bool {
	_ = task(context.Background())
	return true
}

// recordingSink is a push.Sink that only records events.
type recordingSink struct {
	mu     sync.Mutex
	events []push.Event
}

func (s *recordingSink) Usable() bool { return true }

func (s *recordingSink) Send(ctx context.Context, event push.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
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

func (s *recordingSink) Last() push.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.events) == 0 {
		return push.Event{}
	}
	return s.events[len(s.events)-1]
}

func pushEvent(eventType string) push.Event {
	return push.Event{Type: eventType}
}
