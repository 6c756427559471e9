// Package heartbeat tracks client liveness and starts the disconnection
// cascade for clients that go silent or whose channel faults.
package heartbeat

import (
	"context"
	"log"
	"sync"
	"time"

	"jigsaw-server/internal/push"
	"jigsaw-server/internal/worker"
)

const (
	DefaultInterval  = 5 * time.Second
	DefaultTimeout   = 15 * time.Second
	DefaultMaxMissed = 3

	// Sequence numbers that move back by more than this are logged.
	seqJumpThreshold = 1000

	notifyTimeout = 2 * time.Second
)

const (
	ReasonChannelFaulted   = "channel faulted"
	ReasonHeartbeatTimeout = "heartbeat timeout"
)

const EventHeartbeatTerminated = "heartbeat_terminated"

type Terminated struct {
	Reason string `json:"reason"`
}

type Config struct {
	Interval  time.Duration
	Timeout   time.Duration
	MaxMissed int
}

// Disconnector runs the full cleanup for a user.
type Disconnector interface {
	HandleFullDisconnection(ctx context.Context, username, reason string) error
}

type Dispatcher interface {
	Submit(name string, task worker.Task) bool
}

type clientInfo struct {
	username      string
	sink          push.Sink
	detach        func()
	lastSeen      time.Time
	lastSeq       int64
	missed        int
	disconnecting bool
}

// Monitor holds one liveness record per username. A record is created on
// registration and destroyed on unregister or once disconnection begins.
// terminating tracks users whose notice and cascade are still running.
type Monitor struct {
	clients     map[string]*clientInfo
	terminating map[string]int
	mu          sync.Mutex

	cfg     Config
	cascade Disconnector
	pool    Dispatcher
	now     func() time.Time
}

type Option func(*Monitor)

func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

func NewMonitor(cfg Config, cascade Disconnector, pool Dispatcher, opts ...Option) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxMissed <= 0 {
		cfg.MaxMissed = DefaultMaxMissed
	}

	m := &Monitor{
		clients:     make(map[string]*clientInfo),
		terminating: make(map[string]int),
		cfg:         cfg,
		cascade:     cascade,
		pool:        pool,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// RegisterClient upserts the liveness record for username. The previous
// record's fault hook is detached before the new sink is hooked so a stale
// channel closing cannot tear down the fresh registration.
func (m *Monitor) RegisterClient(username string, sink push.Sink) {
	c := &clientInfo{
		username: username,
		sink:     sink,
		lastSeen: m.now(),
	}

	m.mu.Lock()
	previous := m.clients[username]
	m.clients[username] = c
	m.mu.Unlock()

	if previous != nil && previous.detach != nil {
		previous.detach()
	}

	detach := sink.OnUnusable(func() {
		m.disconnectRecord(c, ReasonChannelFaulted)
	})

	m.mu.Lock()
	if m.clients[username] == c {
		c.detach = detach
		m.mu.Unlock()
	} else {
		// Replaced or removed while we were hooking up.
		m.mu.Unlock()
		detach()
	}

	log.Printf("[heartbeat] registered %s (replaced=%t)", username, previous != nil)
}

// RecordHeartbeat returns false when the client is unknown or already being
// disconnected, so a late heartbeat cannot revive a client mid-teardown.
func (m *Monitor) RecordHeartbeat(username string, seq int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.clients[username]
	if !ok {
		if m.terminating[username] > 0 {
			log.Printf("[heartbeat] heartbeat %d from %s rejected: being disconnected", seq, username)
		} else {
			log.Printf("[heartbeat] heartbeat %d from %s rejected: not registered", seq, username)
		}
		return false
	}
	if c.disconnecting {
		log.Printf("[heartbeat] heartbeat %d from %s rejected: being disconnected", seq, username)
		return false
	}

	if c.lastSeq-seq > seqJumpThreshold {
		log.Printf("[heartbeat] %s sequence jumped back from %d to %d", username, c.lastSeq, seq)
	}

	c.lastSeen = m.now()
	c.lastSeq = seq
	c.missed = 0
	return true
}

// Sweep checks every registered client once. A faulted channel disconnects
// immediately; otherwise a client past the timeout accrues a miss and is
// disconnected once misses reach MaxMissed.
func (m *Monitor) Sweep() {
	now := m.now()

	m.mu.Lock()
	clients := make([]*clientInfo, 0, len(m.clients))
	for _, c := range m.clients {
		if !c.disconnecting {
			clients = append(clients, c)
		}
	}
	m.mu.Unlock()

	type verdict struct {
		client *clientInfo
		reason string
	}
	var doomed []verdict

	for _, c := range clients {
		if !c.sink.Usable() {
			doomed = append(doomed, verdict{c, ReasonChannelFaulted})
			continue
		}

		m.mu.Lock()
		if m.clients[c.username] != c || c.disconnecting {
			m.mu.Unlock()
			continue
		}
		if now.Sub(c.lastSeen) > m.cfg.Timeout {
			c.missed++
			log.Printf("[heartbeat] %s missed heartbeat (%d/%d)", c.username, c.missed, m.cfg.MaxMissed)
			if c.missed >= m.cfg.MaxMissed {
				doomed = append(doomed, verdict{c, ReasonHeartbeatTimeout})
			}
		}
		m.mu.Unlock()
	}

	for _, v := range doomed {
		m.disconnectRecord(v.client, v.reason)
	}
}

// Run sweeps on a fixed interval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	log.Printf("[heartbeat] sweeping every %s (timeout %s, max missed %d)", m.cfg.Interval, m.cfg.Timeout, m.cfg.MaxMissed)
	for {
		select {
		case <-ctx.Done():
			log.Printf("[heartbeat] sweep loop stopped")
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}

// InitiateClientDisconnection notifies the client, drops its record and
// hands the cascade to the pool. Concurrent calls for the same client
// collapse into one.
func (m *Monitor) InitiateClientDisconnection(username, reason string) bool {
	m.mu.Lock()
	c, ok := m.clients[username]
	m.mu.Unlock()

	if !ok {
		log.Printf("[heartbeat] disconnect %s (%s) ignored: not registered", username, reason)
		return false
	}
	return m.disconnectRecord(c, reason)
}

// disconnectRecord drops the record and detaches its hook right away, then
// hands the notice, the cascade and the hang-up to the pool so a slow
// channel never holds up the caller.
func (m *Monitor) disconnectRecord(c *clientInfo, reason string) bool {
	m.mu.Lock()
	if c.disconnecting || m.clients[c.username] != c {
		m.mu.Unlock()
		return false
	}
	c.disconnecting = true
	delete(m.clients, c.username)
	m.terminating[c.username]++
	detach := c.detach
	m.mu.Unlock()

	if detach != nil {
		detach()
	}

	log.Printf("[heartbeat] disconnecting %s: %s", c.username, reason)

	username := c.username
	task := func(ctx context.Context) error {
		defer m.doneTerminating(username)

		m.notifyTerminated(ctx, c, reason)
		if m.cascade != nil {
			if err := m.cascade.HandleFullDisconnection(ctx, username, reason); err != nil {
				log.Printf("[heartbeat] cascade for %s failed: %v", username, err)
			}
		}
		// After the cascade, so closing the channel is not read as a second
		// disconnect for this user.
		if closer, ok := c.sink.(push.Closer); ok {
			closer.Terminate(reason)
		}
		return nil
	}
	if m.pool == nil {
		go task(context.Background())
		return true
	}
	if !m.pool.Submit("disconnect:"+username, task) {
		m.doneTerminating(username)
	}
	return true
}

func (m *Monitor) doneTerminating(username string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.terminating[username] <= 1 {
		delete(m.terminating, username)
		return
	}
	m.terminating[username]--
}

// notifyTerminated is best effort; the channel may already be gone.
func (m *Monitor) notifyTerminated(ctx context.Context, c *clientInfo, reason string) {
	if !c.sink.Usable() {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, notifyTimeout)
	defer cancel()

	err := c.sink.Send(ctx, push.Event{
		Type:    EventHeartbeatTerminated,
		Payload: Terminated{Reason: reason},
	})
	if err != nil {
		log.Printf("[heartbeat] could not notify %s of termination: %v", c.username, err)
	}
}

// UnregisterClient removes the record without running the cascade.
func (m *Monitor) UnregisterClient(username string) {
	m.mu.Lock()
	c, ok := m.clients[username]
	var detach func()
	if ok {
		delete(m.clients, username)
		detach = c.detach
	}
	m.mu.Unlock()

	if !ok {
		return
	}
	if detach != nil {
		detach()
	}
	log.Printf("[heartbeat] unregistered %s", username)
}

func (m *Monitor) IsRegistered(username string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.clients[username]
	return ok
}

func (m *Monitor) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.clients)
}

// Missed reports the current missed count, or -1 when unregistered.
func (m *Monitor) Missed(username string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.clients[username]; ok {
		return c.missed
	}
	return -1
}
