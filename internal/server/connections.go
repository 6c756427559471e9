package server

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/coder/websocket"

	"jigsaw-server/internal/push"
	"jigsaw-server/internal/session"
)

const presenceSendTimeout = 2 * time.Second

// ConnectionManager tracks open sockets and the connected-users registry.
// A username maps to at most one connection; a newer hello takes over.
type ConnectionManager struct {
	connections map[string]*wsSink // connectionID → sink
	usernames   map[string]string  // connectionID → username
	users       map[string]string  // username → connectionID
	mu          sync.RWMutex

	pool session.Dispatcher
}

func NewConnectionManager(pool session.Dispatcher) *ConnectionManager {
	return &ConnectionManager{
		connections: make(map[string]*wsSink),
		usernames:   make(map[string]string),
		users:       make(map[string]string),
		pool:        pool,
	}
}

func (cm *ConnectionManager) AddConnection(id string, sink *wsSink) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.connections[id] = sink
}

// BindUser attaches username to the connection and returns the connection
// the user was previously bound to, if any.
func (cm *ConnectionManager) BindUser(id, username string) (previous string) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	previous = cm.users[username]
	cm.users[username] = id
	cm.usernames[id] = username
	if previous != "" && previous != id {
		delete(cm.usernames, previous)
	}
	return previous
}

// RemoveConnection forgets the socket. It reports the username bound to it
// and whether this connection was still the user's current one. The
// connected-users entry is left for the disconnection cascade.
func (cm *ConnectionManager) RemoveConnection(id string) (username string, current bool) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	username = cm.usernames[id]
	delete(cm.connections, id)
	delete(cm.usernames, id)
	return username, username != "" && cm.users[username] == id
}

// RemoveUser drops username from the connected-users registry and tells
// everyone else they went offline.
func (cm *ConnectionManager) RemoveUser(username string) bool {
	cm.mu.Lock()
	id, ok := cm.users[username]
	if ok {
		delete(cm.users, username)
		delete(cm.usernames, id)
	}
	cm.mu.Unlock()

	if ok {
		cm.BroadcastPresence(username, false)
	}
	return ok
}

// BroadcastPresence runs on the pool; presence is advisory.
func (cm *ConnectionManager) BroadcastPresence(username string, online bool) {
	event := push.Event{
		Type:    EventPresence,
		Payload: PresenceNotification{Username: username, Online: online},
	}
	cm.pool.Submit("presence:"+username, func(ctx context.Context) error {
		for _, sink := range cm.sinksExcept(username) {
			sendCtx, cancel := context.WithTimeout(ctx, presenceSendTimeout)
			if err := sink.Send(sendCtx, event); err != nil {
				log.Printf("Failed to send presence to %s: %v", sink.connectionID, err)
			}
			cancel()
		}
		return nil
	})
}

// Broadcast sends event to every open connection.
func (cm *ConnectionManager) Broadcast(ctx context.Context, event push.Event) {
	for _, sink := range cm.sinksExcept("") {
		if err := sink.Send(ctx, event); err != nil {
			log.Printf("Failed to send %s to %s: %v", event.Type, sink.connectionID, err)
		}
	}
}

// CloseAll closes every open socket and waits for the close handshakes. The
// read loops then run their usual connection teardown.
func (cm *ConnectionManager) CloseAll(code websocket.StatusCode, reason string) int {
	sinks := cm.sinksExcept("")

	var wg sync.WaitGroup
	for _, sink := range sinks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sink.Close(code, reason)
		}()
	}
	wg.Wait()
	return len(sinks)
}

func (cm *ConnectionManager) sinksExcept(username string) []*wsSink {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	out := make([]*wsSink, 0, len(cm.connections))
	for id, sink := range cm.connections {
		if username != "" && cm.usernames[id] == username {
			continue
		}
		out = append(out, sink)
	}
	return out
}

// GetConnection returns the sink for connectionID
func (cm *ConnectionManager) GetConnection(connectionID string) *wsSink {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.connections[connectionID]
}

func (cm *ConnectionManager) ConnectionFor(username string) string {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.users[username]
}

func (cm *ConnectionManager) IsConnected(username string) bool {
	return cm.ConnectionFor(username) != ""
}

func (cm *ConnectionManager) ConnectedUsers() int {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return len(cm.users)
}

func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return len(cm.connections)
}
