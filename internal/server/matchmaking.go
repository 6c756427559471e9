package server

import (
	"context"
	"log"
	"sync"
	"time"

	"jigsaw-server/internal/push"
)

const notifyTimeout = 2 * time.Second

// MatchmakingRegistry maps a username to the push sink used for lobby and
// match notifications outside of a running game.
type MatchmakingRegistry struct {
	sinks map[string]push.Sink
	mu    sync.RWMutex
}

func NewMatchmakingRegistry() *MatchmakingRegistry {
	return &MatchmakingRegistry{
		sinks: make(map[string]push.Sink),
	}
}

func (r *MatchmakingRegistry) Register(username string, sink push.Sink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sinks[username] = sink
}

func (r *MatchmakingRegistry) Unregister(username string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sinks[username]; !ok {
		return false
	}
	delete(r.sinks, username)
	return true
}

// SinkFor returns nil when the user is not registered.
func (r *MatchmakingRegistry) SinkFor(username string) push.Sink {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sinks[username]
}

// Notify sends event to each listed user that is registered. Failures are
// logged per recipient.
func (r *MatchmakingRegistry) Notify(usernames []string, event push.Event) {
	for _, username := range usernames {
		sink := r.SinkFor(username)
		if sink == nil || !sink.Usable() {
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
		if err := sink.Send(ctx, event); err != nil {
			log.Printf("Failed to send %s to %s: %v", event.Type, username, err)
		}
		cancel()
	}
}

func (r *MatchmakingRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sinks)
}
