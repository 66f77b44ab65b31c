// Package pool implements the connection pool described in spec §4.6: a
// bounded set of reusable *session.Session instances that are pre-warmed,
// acquired by a client id, validated, idle-reaped, and force-closed on
// shutdown. It is independent of the wire server's own accept loop; an
// embedder that wants to hand sessions out to multiple short-lived callers
// (rather than one goroutine per TCP connection for the session's lifetime)
// uses this package to manage them.
package pool

import (
	"container/list"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pgmockd/pgmockd/session"
)

// Config mirrors the configuration surface defaults from spec §4.6.
type Config struct {
	MaxConnections       int
	MinConnections        int
	MaxIdleConnections    int
	IdleTimeout           time.Duration
	AcquisitionTimeout    time.Duration
	ValidateConnections   bool
	ValidationInterval    time.Duration
	CleanupInterval       time.Duration
}

// DefaultConfig returns the pool defaults named in spec §4.6.
func DefaultConfig() Config {
	return Config{
		MaxConnections:      50,
		MinConnections:      5,
		MaxIdleConnections:  10,
		IdleTimeout:         300 * time.Second,
		AcquisitionTimeout:  5 * time.Second,
		ValidateConnections: true,
		ValidationInterval:  60 * time.Second,
		CleanupInterval:     30 * time.Second,
	}
}

// Factory creates a new Session to back a PooledConnection. The pool never
// dials a socket itself; the embedder supplies however sessions are made.
type Factory func() (*session.Session, error)

// PooledConnection is the pool's wrapper around a Session, tracking the
// Created -> InUse -> Idle -> Destroyed lifecycle from spec §4.6.
type PooledConnection struct {
	ID             int64
	Session        *session.Session
	CreatedAt      time.Time
	LastUsed       time.Time
	LastValidated  time.Time
	InUse          bool
	UsageCount     int64
	CurrentClientID string
}

type waiter struct {
	deadline time.Time
	result   chan acquireResult
}

type acquireResult struct {
	conn *PooledConnection
	err  error
}

// ErrTimeout is returned by Acquire when no connection becomes available
// before the caller's deadline.
var ErrTimeout = fmt.Errorf("pool: acquire timed out")

// ErrShuttingDown is returned by Acquire once Shutdown has been called.
var ErrShuttingDown = fmt.Errorf("pool: shutting down")

// ErrAlreadyInitialized is returned by a second call to Initialize.
var ErrAlreadyInitialized = fmt.Errorf("pool: already initialized")

// Pool is the connection pool manager. Safe for concurrent use.
type Pool struct {
	cfg     Config
	factory Factory
	logger  *slog.Logger

	mu          sync.Mutex
	all         map[int64]*PooledConnection
	idle        *list.List // of *PooledConnection, front = oldest
	waiters     *list.List // of *waiter
	nextID      int64
	initialized bool
	shuttingDown bool
	peak        int

	stopCleanup chan struct{}
	wg          sync.WaitGroup

	acquireLatencies []time.Duration
}

// New constructs a Pool. Initialize must be called before Acquire is used.
func New(cfg Config, factory Factory, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}

	return &Pool{
		cfg:         cfg,
		factory:     factory,
		logger:      logger,
		all:         make(map[int64]*PooledConnection),
		idle:        list.New(),
		waiters:     list.New(),
		stopCleanup: make(chan struct{}),
	}
}

// Initialize pre-creates MinConnections pooled connections and starts the
// periodic cleanup and validation tasks. Calling it twice is an error.
func (p *Pool) Initialize() error {
	p.mu.Lock()
	if p.initialized {
		p.mu.Unlock()
		return ErrAlreadyInitialized
	}
	p.initialized = true
	p.mu.Unlock()

	for i := 0; i < p.cfg.MinConnections; i++ {
		conn, err := p.createLocked()
		if err != nil {
			return fmt.Errorf("pool: pre-warm failed: %w", err)
		}

		p.mu.Lock()
		p.idle.PushBack(conn)
		p.mu.Unlock()
	}

	if p.cfg.CleanupInterval > 0 {
		p.wg.Add(1)
		go p.cleanupLoop()
	}

	if p.cfg.ValidateConnections && p.cfg.ValidationInterval > 0 {
		p.wg.Add(1)
		go p.validateLoop()
	}

	return nil
}

func (p *Pool) createLocked() (*PooledConnection, error) {
	sess, err := p.factory()
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.nextID++
	id := p.nextID
	now := time.Now()
	conn := &PooledConnection{
		ID:            id,
		Session:       sess,
		CreatedAt:     now,
		LastUsed:      now,
		LastValidated: now,
	}
	p.all[id] = conn
	if len(p.all) > p.peak {
		p.peak = len(p.all)
	}
	p.mu.Unlock()

	return conn, nil
}

// Acquire assigns an idle connection, creates a new one if under
// MaxConnections, or blocks as a FIFO waiter until one frees or the deadline
// passes.
func (p *Pool) Acquire(clientID string, timeout time.Duration) (*PooledConnection, error) {
	start := time.Now()
	defer func() { p.recordAcquireLatency(time.Since(start)) }()

	if timeout <= 0 {
		timeout = p.cfg.AcquisitionTimeout
	}
	deadline := start.Add(timeout)

	for {
		p.mu.Lock()
		if p.shuttingDown {
			p.mu.Unlock()
			return nil, ErrShuttingDown
		}

		for p.idle.Len() > 0 {
			front := p.idle.Front()
			conn := p.idle.Remove(front).(*PooledConnection)

			if !p.validate(conn) {
				p.mu.Unlock()
				p.destroyLocked(conn.ID)
				p.mu.Lock()
				continue
			}

			conn.InUse = true
			conn.CurrentClientID = clientID
			conn.UsageCount++
			conn.LastUsed = time.Now()
			p.mu.Unlock()
			return conn, nil
		}

		if len(p.all) < p.cfg.MaxConnections {
			p.mu.Unlock()

			conn, err := p.createLocked()
			if err != nil {
				return nil, err
			}

			p.mu.Lock()
			conn.InUse = true
			conn.CurrentClientID = clientID
			conn.UsageCount++
			conn.LastUsed = time.Now()
			p.mu.Unlock()
			return conn, nil
		}

		w := &waiter{deadline: deadline, result: make(chan acquireResult, 1)}
		p.waiters.PushBack(w)
		p.mu.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			p.removeWaiter(w)
			return nil, ErrTimeout
		}

		timer := time.NewTimer(remaining)
		select {
		case res := <-w.result:
			timer.Stop()
			if res.err != nil {
				return nil, res.err
			}
			return res.conn, nil
		case <-timer.C:
			p.removeWaiter(w)
			return nil, ErrTimeout
		}
	}
}

func (p *Pool) removeWaiter(target *waiter) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for e := p.waiters.Front(); e != nil; e = e.Next() {
		if e.Value.(*waiter) == target {
			p.waiters.Remove(e)
			return
		}
	}
}

// validate checks a Connected session still connected and not beyond twice
// the idle timeout in age, per spec §4.6.
func (p *Pool) validate(conn *PooledConnection) bool {
	if !conn.Session.Connected() {
		return false
	}

	if p.cfg.IdleTimeout > 0 && time.Since(conn.CreatedAt) >= 2*p.cfg.IdleTimeout {
		return false
	}

	return true
}

// Release returns a connection to the idle pool, validating that clientID
// matches the current holder. Mismatches are refused with a warning.
// Dequeues at most one waiter per freed connection.
func (p *Pool) Release(connectionID int64, clientID string) error {
	p.mu.Lock()

	conn, ok := p.all[connectionID]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("pool: unknown connection %d", connectionID)
	}

	if conn.CurrentClientID != clientID {
		p.mu.Unlock()
		p.logger.Warn("release refused: client mismatch", "connection_id", connectionID, "holder", conn.CurrentClientID, "caller", clientID)
		return fmt.Errorf("pool: connection %d is not held by client %q", connectionID, clientID)
	}

	conn.InUse = false
	conn.CurrentClientID = ""
	conn.LastUsed = time.Now()

	if !conn.Session.ResetForReuse() {
		p.mu.Unlock()
		p.destroyLocked(connectionID)
		p.dequeueWaiter()
		return nil
	}

	if p.idle.Len() < p.cfg.MaxIdleConnections {
		p.idle.PushBack(conn)
		p.mu.Unlock()
	} else {
		p.mu.Unlock()
		p.destroyLocked(connectionID)
	}

	p.dequeueWaiter()
	return nil
}

// dequeueWaiter hands the next idle connection, if any, to the oldest
// waiter. Runs outside the caller's original lock scope to avoid recursion.
func (p *Pool) dequeueWaiter() {
	p.mu.Lock()
	if p.waiters.Len() == 0 || p.idle.Len() == 0 {
		p.mu.Unlock()
		return
	}

	we := p.waiters.Front()
	w := p.waiters.Remove(we).(*waiter)

	ce := p.idle.Front()
	conn := p.idle.Remove(ce).(*PooledConnection)
	conn.InUse = true
	conn.LastUsed = time.Now()
	conn.UsageCount++
	p.mu.Unlock()

	w.result <- acquireResult{conn: conn}
}

// destroyLocked closes the session and removes every trace of the connection.
func (p *Pool) destroyLocked(id int64) {
	p.mu.Lock()
	conn, ok := p.all[id]
	if !ok {
		p.mu.Unlock()
		return
	}
	delete(p.all, id)
	for e := p.idle.Front(); e != nil; e = e.Next() {
		if e.Value.(*PooledConnection).ID == id {
			p.idle.Remove(e)
			break
		}
	}
	p.mu.Unlock()

	_ = conn.Session.Close()
	p.logger.Debug("pooled connection destroyed", "connection_id", id, "lifetime", time.Since(conn.CreatedAt), "usage_count", conn.UsageCount)
}

func (p *Pool) cleanupLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.cleanup()
		case <-p.stopCleanup:
			return
		}
	}
}

// cleanup destroys idle connections whose idle time exceeds IdleTimeout,
// but never below MinConnections.
func (p *Pool) cleanup() {
	p.mu.Lock()
	var victims []int64

	for e := p.idle.Front(); e != nil; {
		next := e.Next()
		conn := e.Value.(*PooledConnection)

		if time.Since(conn.LastUsed) > p.cfg.IdleTimeout && len(p.all)-len(victims) > p.cfg.MinConnections {
			p.idle.Remove(e)
			victims = append(victims, conn.ID)
		}

		e = next
	}
	p.mu.Unlock()

	for _, id := range victims {
		p.destroyLocked(id)
	}
}

func (p *Pool) validateLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.ValidationInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.validateIdleConnections()
		case <-p.stopCleanup:
			return
		}
	}
}

// validateIdleConnections revalidates idle connections whose LastValidated
// is stale, destroying any that fail.
func (p *Pool) validateIdleConnections() {
	p.mu.Lock()
	var stale []*PooledConnection
	now := time.Now()

	for e := p.idle.Front(); e != nil; e = e.Next() {
		conn := e.Value.(*PooledConnection)
		if now.Sub(conn.LastValidated) >= p.cfg.ValidationInterval {
			stale = append(stale, conn)
		}
	}
	p.mu.Unlock()

	for _, conn := range stale {
		ok := p.validate(conn)

		p.mu.Lock()
		conn.LastValidated = now
		p.mu.Unlock()

		if !ok {
			p.removeFromIdle(conn.ID)
			p.destroyLocked(conn.ID)
		}
	}
}

func (p *Pool) removeFromIdle(id int64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for e := p.idle.Front(); e != nil; e = e.Next() {
		if e.Value.(*PooledConnection).ID == id {
			p.idle.Remove(e)
			return
		}
	}
}

func (p *Pool) recordAcquireLatency(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.acquireLatencies = append(p.acquireLatencies, d)
	if len(p.acquireLatencies) > 100 {
		p.acquireLatencies = p.acquireLatencies[len(p.acquireLatencies)-100:]
	}
}

// Stats reports a snapshot of pool occupancy for introspection and metrics.
type Stats struct {
	Total   int
	Idle    int
	InUse   int
	Waiting int
	Peak    int
}

// Stats returns a point-in-time snapshot.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	return Stats{
		Total:   len(p.all),
		Idle:    p.idle.Len(),
		InUse:   len(p.all) - p.idle.Len(),
		Waiting: p.waiters.Len(),
		Peak:    p.peak,
	}
}

// Shutdown stops the background timers, rejects queued waiters with
// ErrShuttingDown, waits for in-use connections to release up to timeout,
// then force-destroys everything still remaining.
func (p *Pool) Shutdown(timeout time.Duration) {
	p.mu.Lock()
	p.shuttingDown = true
	for e := p.waiters.Front(); e != nil; e = e.Next() {
		w := e.Value.(*waiter)
		w.result <- acquireResult{err: ErrShuttingDown}
	}
	p.waiters.Init()
	p.mu.Unlock()

	close(p.stopCleanup)
	p.wg.Wait()

	deadline := time.Now().Add(timeout)
	for {
		p.mu.Lock()
		inUse := len(p.all) - p.idle.Len()
		p.mu.Unlock()

		if inUse == 0 || time.Now().After(deadline) {
			break
		}

		time.Sleep(10 * time.Millisecond)
	}

	p.mu.Lock()
	ids := make([]int64, 0, len(p.all))
	for id := range p.all {
		ids = append(ids, id)
	}
	p.mu.Unlock()

	for _, id := range ids {
		p.destroyLocked(id)
	}
}
