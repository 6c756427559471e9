package server

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"jigsaw-server/internal/config"
	"jigsaw-server/internal/database"
	"jigsaw-server/internal/disconnect"
	"jigsaw-server/internal/heartbeat"
	"jigsaw-server/internal/push"
	"jigsaw-server/internal/puzzle"
	"jigsaw-server/internal/results"
	"jigsaw-server/internal/session"
	"jigsaw-server/internal/worker"
)

const (
	rateLimiterCleanupInterval = time.Minute
	resultsCleanupInterval     = time.Hour
)

type Server struct {
	cfg     config.Config
	db      database.Service
	puzzles puzzle.Resource

	pool               *worker.Pool
	persistenceManager *PersistenceManager
	sessions           *session.Manager
	lobbies            *LobbyManager
	chat               *ChatManager
	matchmaking        *MatchmakingRegistry
	connectionManager  *ConnectionManager
	sessionManager     *SessionManager
	rateLimiter        *RateLimiter
	disconnects        *disconnect.Handler
	heartbeat          *heartbeat.Monitor

	publisher *results.NATSPublisher

	cancel       context.CancelFunc
	background   sync.WaitGroup
	shutdownOnce sync.Once

	// handlers counts running websocket read loops; closing stops new ones.
	handlersMu sync.Mutex
	handlers   sync.WaitGroup
	closing    bool
}

// NewServer opens the configured database and puzzle directory, connects the
// optional results publisher and returns the wired server together with the
// http.Server that serves it.
func NewServer(cfg config.Config) (*Server, *http.Server, error) {
	dbService, err := database.New(cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		return nil, nil, err
	}

	var (
		natsPublisher *results.NATSPublisher
		publisher     results.Publisher
	)
	if cfg.NATSURL != "" {
		natsPublisher, err = results.NewNATSPublisher(cfg.NATSURL, cfg.NATSSubject)
		if err != nil {
			// Results still reach the database; the stats feed is optional.
			log.Printf("Warning: results publisher unavailable: %v", err)
		} else {
			publisher = natsPublisher
		}
	}

	s := New(cfg, dbService, puzzle.NewCatalog(cfg.PuzzleDir), publisher)
	s.publisher = natsPublisher
	s.Start()

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.RegisterRoutes(),
		IdleTimeout:  time.Minute,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	return s, httpServer, nil
}

// New wires every component around an already opened database. Background
// tasks are not started until Start.
func New(cfg config.Config, db database.Service, puzzles puzzle.Resource, publisher results.Publisher) *Server {
	pool := worker.NewPool(cfg.WorkerLimit)
	persistenceManager := NewPersistenceManager(db.DB(), db.Driver())

	sessions := session.NewManager(session.Config{
		Tolerance:   cfg.SnapTolerance,
		SendTimeout: cfg.SendTimeout,
	}, session.Dependencies{
		Puzzles: puzzles,
		Scores:  persistenceManager,
		Results: results.NewProcessor(persistenceManager, publisher),
		Pool:    pool,
	})

	matchmaking := NewMatchmakingRegistry()
	chat := NewChatManager()
	connectionManager := NewConnectionManager(pool)
	sessionManager := NewSessionManager()
	lobbies := NewLobbyManager(sessions, matchmaking, chat.CloseRoom)

	disconnects := disconnect.NewHandler(disconnect.Dependencies{
		Sessions:    sessions,
		Playtime:    persistenceManager,
		Lobbies:     lobbies,
		Chat:        chat,
		Matchmaking: matchmaking,
		Presence:    connectionManager,
		Auth:        sessionManager,
	}, pool)

	monitor := heartbeat.NewMonitor(heartbeat.Config{
		Interval:  cfg.HeartbeatInterval,
		Timeout:   cfg.HeartbeatTimeout,
		MaxMissed: cfg.HeartbeatMaxMissed,
	}, disconnects, pool)

	return &Server{
		cfg:                cfg,
		db:                 db,
		puzzles:            puzzles,
		pool:               pool,
		persistenceManager: persistenceManager,
		sessions:           sessions,
		lobbies:            lobbies,
		chat:               chat,
		matchmaking:        matchmaking,
		connectionManager:  connectionManager,
		sessionManager:     sessionManager,
		rateLimiter:        NewRateLimiter(cfg.RateLimit, cfg.RateWindow),
		disconnects:        disconnects,
		heartbeat:          monitor,
	}
}

// Start launches the heartbeat sweep and the periodic cleanup task.
func (s *Server) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.background.Add(2)
	go func() {
		defer s.background.Done()
		s.heartbeat.Run(ctx)
	}()
	go func() {
		defer s.background.Done()
		s.cleanupTask(ctx)
	}()
}

// cleanupTask prunes idle rate limiter entries every minute and deletes
// match results older than the configured retention every hour.
func (s *Server) cleanupTask(ctx context.Context) {
	limiterTicker := time.NewTicker(rateLimiterCleanupInterval)
	defer limiterTicker.Stop()
	resultsTicker := time.NewTicker(resultsCleanupInterval)
	defer resultsTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-limiterTicker.C:
			s.rateLimiter.Cleanup()
		case <-resultsTicker.C:
			deleted, err := s.persistenceManager.CleanupOldResults(ctx, s.cfg.ResultsRetention)
			if err != nil {
				log.Printf("Cleanup task failed: %v", err)
				continue
			}
			if deleted > 0 {
				log.Printf("Cleanup task: deleted %d old match results", deleted)
			}
		}
	}
}

// Shutdown tells every client the server is going away, closes their
// sockets and drains in-flight work before closing the database. Only the
// first call does anything.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	s.shutdownOnce.Do(func() {
		err = s.shutdown(ctx)
	})
	return err
}

func (s *Server) shutdown(ctx context.Context) error {
	log.Println("Shutting down game server...")

	if s.cancel != nil {
		s.cancel()
	}
	s.background.Wait()

	s.handlersMu.Lock()
	s.closing = true
	s.handlersMu.Unlock()

	s.connectionManager.Broadcast(ctx, push.Event{
		Type:    EventServerShutdown,
		Payload: ErrorMessage{Message: "Server is shutting down"},
	})
	closed := s.connectionManager.CloseAll(websocket.StatusGoingAway, "Server shutting down")
	log.Printf("Closed %d connections", closed)

	// Each read loop submits its disconnect cascade on the way out, so the
	// pool is drained only after every loop has returned.
	loopsDone := make(chan struct{})
	go func() {
		s.handlers.Wait()
		close(loopsDone)
	}()
	select {
	case <-loopsDone:
	case <-ctx.Done():
		log.Printf("Connection handlers did not stop before deadline: %v", ctx.Err())
	}

	if err := s.pool.Shutdown(ctx); err != nil {
		log.Printf("Worker pool did not drain before deadline: %v", err)
	}

	if s.publisher != nil {
		s.publisher.Close()
	}

	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

// trackHandler registers a websocket read loop unless shutdown has begun.
func (s *Server) trackHandler() bool {
	s.handlersMu.Lock()
	defer s.handlersMu.Unlock()
	if s.closing {
		return false
	}
	s.handlers.Add(1)
	return true
}
