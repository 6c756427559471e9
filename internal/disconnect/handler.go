// Package disconnect unwinds a user's presence across every subsystem once
// they are gone, whether by heartbeat timeout, a closed channel or logout.
package disconnect

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"jigsaw-server/internal/session"
	"jigsaw-server/internal/worker"
)

const (
	ReasonChannelClosed = "channel closed"
	ReasonLogout        = "logout"
)

type SessionRegistry interface {
	HandlePlayerDisconnect(username, playerID string) (session.Departure, bool)
}

type PlaytimeStore interface {
	AddPlaytime(ctx context.Context, username string, playtime time.Duration) error
}

type LobbyRegistry interface {
	RemoveMember(username string) bool
}

type ChatRegistry interface {
	RemoveMember(username string) bool
}

type MatchmakingRegistry interface {
	Unregister(username string) bool
}

type PresenceRegistry interface {
	RemoveUser(username string) bool
}

type AuthRegistry interface {
	RemoveByUsername(username string) int
}

type Dispatcher interface {
	Submit(name string, task worker.Task) bool
}

// Dependencies lists the registries the cascade cleans. A nil entry skips
// its stage.
type Dependencies struct {
	Sessions    SessionRegistry
	Playtime    PlaytimeStore
	Lobbies     LobbyRegistry
	Chat        ChatRegistry
	Matchmaking MatchmakingRegistry
	Presence    PresenceRegistry
	Auth        AuthRegistry
}

type stage struct {
	name string
	run  func(ctx context.Context, username string) error
}

type Handler struct {
	deps Dependencies
	pool Dispatcher

	inProgress map[string]struct{}
	mu         sync.Mutex
}

func NewHandler(deps Dependencies, pool Dispatcher) *Handler {
	return &Handler{
		deps:       deps,
		pool:       pool,
		inProgress: make(map[string]struct{}),
	}
}

// HandleFullDisconnectionAsync runs the cascade on the pool.
func (h *Handler) HandleFullDisconnectionAsync(username, reason string) {
	task := func(ctx context.Context) error {
		return h.HandleFullDisconnection(ctx, username, reason)
	}
	if h.pool == nil {
		go task(context.Background())
		return
	}
	// A closed pool means the process is exiting; the pool logs the drop.
	h.pool.Submit("cascade:"+username, task)
}

// HandleFullDisconnection runs every stage in order. A failing stage is
// logged and the rest still run; the joined stage errors are returned.
// Concurrent calls for the same username collapse into one execution.
func (h *Handler) HandleFullDisconnection(ctx context.Context, username, reason string) error {
	if !h.begin(username) {
		log.Printf("[disconnect] cascade for %s already running, skipping (%s)", username, reason)
		return nil
	}
	defer h.end(username)

	log.Printf("[disconnect] starting cascade for %s: %s", username, reason)
	start := time.Now()

	var errs []error
	for _, st := range h.stages() {
		if err := runStage(ctx, st, username); err != nil {
			log.Printf("[disconnect] stage %s failed for %s: %v", st.name, username, err)
			errs = append(errs, err)
		}
	}

	log.Printf("[disconnect] cascade for %s finished in %s (%d failed stages)", username, time.Since(start), len(errs))
	return errors.Join(errs...)
}

// InProgress reports whether a cascade is running for username.
func (h *Handler) InProgress(username string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.inProgress[username]
	return ok
}

func (h *Handler) begin(username string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.inProgress[username]; ok {
		return false
	}
	h.inProgress[username] = struct{}{}
	return true
}

func (h *Handler) end(username string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.inProgress, username)
}

func runStage(ctx context.Context, st stage, username string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s: panic: %v", st.name, r)
		}
	}()
	if err := st.run(ctx, username); err != nil {
		return fmt.Errorf("%s: %w", st.name, err)
	}
	return nil
}

func (h *Handler) stages() []stage {
	var stages []stage

	if h.deps.Sessions != nil {
		stages = append(stages, stage{"game session", h.leaveGameSession})
	}
	if h.deps.Lobbies != nil {
		stages = append(stages, stage{"lobby", func(ctx context.Context, username string) error {
			if !h.deps.Lobbies.RemoveMember(username) {
				log.Printf("[disconnect] %s was not in a lobby", username)
			}
			return nil
		}})
	}
	if h.deps.Chat != nil {
		stages = append(stages, stage{"chat", func(ctx context.Context, username string) error {
			h.deps.Chat.RemoveMember(username)
			return nil
		}})
	}
	if h.deps.Matchmaking != nil {
		stages = append(stages, stage{"matchmaking", func(ctx context.Context, username string) error {
			h.deps.Matchmaking.Unregister(username)
			return nil
		}})
	}
	if h.deps.Presence != nil {
		stages = append(stages, stage{"connected users", func(ctx context.Context, username string) error {
			h.deps.Presence.RemoveUser(username)
			return nil
		}})
	}
	if h.deps.Auth != nil {
		stages = append(stages, stage{"auth session", func(ctx context.Context, username string) error {
			if n := h.deps.Auth.RemoveByUsername(username); n > 0 {
				log.Printf("[disconnect] removed %d auth session(s) for %s", n, username)
			}
			return nil
		}})
	}

	return stages
}

func (h *Handler) leaveGameSession(ctx context.Context, username string) error {
	departure, ok := h.deps.Sessions.HandlePlayerDisconnect(username, "")
	if !ok {
		return nil
	}

	log.Printf("[disconnect] %s left game session %s after %s", username, departure.LobbyCode, departure.Playtime.Round(time.Second))
	if h.deps.Playtime == nil || departure.Playtime <= 0 {
		return nil
	}
	if err := h.deps.Playtime.AddPlaytime(ctx, username, departure.Playtime); err != nil {
		return fmt.Errorf("failed to persist playtime: %w", err)
	}
	return nil
}
