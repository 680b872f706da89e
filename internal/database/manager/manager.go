// Package manager supervises the connections of one configured database
// instance. It owns either a single connection or a pool, runs a periodic
// health check, and reconnects with exponential backoff when the backend
// goes away.
package manager

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/relialab/dbcore/internal/database/pool"
	"github.com/relialab/dbcore/pkg/adapter"
	"github.com/relialab/dbcore/pkg/dbcapabilities"
	"github.com/relialab/dbcore/pkg/logger"
)

const (
	healthCheckInterval = 10 * time.Second
	// healthStaleness is how long the last successful check stays good.
	// IsHealthy reports false once it ages out.
	healthStaleness = 30 * time.Second

	reconnectBaseDelay   = 1 * time.Second
	reconnectMaxDelay    = 30 * time.Second
	maxReconnectAttempts = 10
)

// Manager hands out connections for one configured instance.
type Manager struct {
	adapter adapter.Adapter
	config  adapter.ConnectionConfig
	dbType  dbcapabilities.DatabaseType
	log     *logger.Logger

	// onFatal is invoked, at most once, when reconnection attempts are
	// exhausted. Optional.
	onFatal func(alias string, err error)

	pooled bool
	pool   *pool.Pool

	mu              sync.Mutex
	single          adapter.Connection
	lastHealthCheck time.Time
	closed          bool

	// reconnecting serializes reconnect attempts; concurrent operations wait
	// on reconnectDone rather than piling up their own attempts.
	reconnecting  bool
	reconnectDone chan struct{}
	fatalOnce     sync.Once
	fatal         atomic.Bool

	healthStop chan struct{}
	healthDone chan struct{}
}

// Option configures a Manager.
type Option func(*Manager)

// WithFatalHandler registers a callback for reconnect exhaustion.
func WithFatalHandler(fn func(alias string, err error)) Option {
	return func(m *Manager) { m.onFatal = fn }
}

// New creates a manager. Connect must be called before GetConnection.
func New(a adapter.Adapter, config adapter.ConnectionConfig, log *logger.Logger, opts ...Option) *Manager {
	m := &Manager{
		adapter: a,
		config:  config,
		dbType:  a.Type(),
		log:     log,
		pooled:  config.Pool.Max > 1,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Pooled reports whether this manager runs a connection pool.
func (m *Manager) Pooled() bool { return m.pooled }

// Connect establishes the initial connection or initializes the pool, then
// starts the health monitor.
func (m *Manager) Connect(ctx context.Context) error {
	if m.pooled {
		m.pool = pool.New(m.dbType, m.config.Pool, m.dial, m.log)
		if err := m.pool.Initialize(ctx); err != nil {
			return err
		}
		m.mu.Lock()
		m.lastHealthCheck = time.Now()
		m.mu.Unlock()
	} else {
		conn, err := m.dial(ctx)
		if err != nil {
			return err
		}
		m.mu.Lock()
		m.single = conn
		m.lastHealthCheck = time.Now()
		m.mu.Unlock()
	}

	m.healthStop = make(chan struct{})
	m.healthDone = make(chan struct{})
	go m.healthLoop()
	return nil
}

func (m *Manager) dial(ctx context.Context) (adapter.Connection, error) {
	return m.adapter.Connect(ctx, m.config)
}

// GetConnection returns a usable connection. With a pool this acquires one;
// without, it returns the single connection, waiting out any reconnect in
// progress.
func (m *Manager) GetConnection(ctx context.Context) (adapter.Connection, error) {
	if m.fatal.Load() {
		return nil, adapter.NewError(m.dbType, adapter.CodeConnection, "get_connection", adapter.ErrConnectionFailed).
			WithContext("alias", m.config.Alias)
	}
	if m.pooled {
		return m.pool.Acquire(ctx)
	}

	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return nil, adapter.ErrConnectionClosed
		}
		if m.reconnecting {
			done := m.reconnectDone
			m.mu.Unlock()
			select {
			case <-done:
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		conn := m.single
		m.mu.Unlock()

		if conn == nil || !conn.IsConnected() {
			if err := m.reconnect(ctx); err != nil {
				return nil, err
			}
			continue
		}
		return conn, nil
	}
}

// ReleaseConnection returns a pooled connection; a no-op for single mode.
func (m *Manager) ReleaseConnection(conn adapter.Connection) {
	if m.pooled {
		m.pool.Release(conn)
	}
}

// Stats reports pool occupancy, or a synthetic single-connection snapshot.
func (m *Manager) Stats() pool.Stats {
	if m.pooled {
		return m.pool.Stats()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s := pool.Stats{Min: 1, Max: 1}
	if m.single != nil && m.single.IsConnected() {
		s.Total = 1
		s.Active = 1
	}
	return s
}

// healthLoop pings a connection every tick and triggers reconnection when a
// ping fails. The loop stops once reconnect attempts are exhausted.
func (m *Manager) healthLoop() {
	defer close(m.healthDone)
	ticker := time.NewTicker(healthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.healthStop:
			return
		case <-ticker.C:
			m.checkHealth()
			if m.fatal.Load() {
				return
			}
		}
	}
}

// IsHealthy reports whether the instance passed a health check within the
// staleness window. A manager whose reconnect attempts were exhausted is
// never healthy again.
func (m *Manager) IsHealthy() bool {
	if m.fatal.Load() {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.closed && time.Since(m.lastHealthCheck) < healthStaleness
}

func (m *Manager) markHealthy() {
	m.mu.Lock()
	m.lastHealthCheck = time.Now()
	m.mu.Unlock()
}

// checkHealth verifies the backend with a real ping. Only a successful ping
// refreshes the health timestamp, so a dead backend ages the instance into
// unhealthy even while reconnection is still being attempted.
func (m *Manager) checkHealth() {
	if m.fatal.Load() {
		return
	}
	m.mu.Lock()
	if m.closed || m.reconnecting {
		m.mu.Unlock()
		return
	}
	conn := m.single
	m.mu.Unlock()

	if m.pooled {
		s := m.pool.Stats()
		m.log.Debugf("pool %s: total=%d active=%d idle=%d waiting=%d",
			m.config.Alias, s.Total, s.Active, s.Idle, s.Waiting)

		ctx, cancel := context.WithTimeout(context.Background(), healthCheckInterval)
		pooled, err := m.pool.Acquire(ctx)
		if err == nil {
			err = pooled.Ping(ctx)
			// A failed ping fails the release-time validation too, so the
			// pool discards the broken connection here.
			m.pool.Release(pooled)
		}
		cancel()
		if err != nil {
			m.log.Warnf("health check failed for %s: %v", m.config.Alias, err)
			return
		}
		m.markHealthy()
		return
	}

	if conn == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), healthCheckInterval)
	err := conn.Ping(ctx)
	cancel()

	if err != nil {
		m.log.Warnf("health check failed for %s: %v", m.config.Alias, err)
		rctx, rcancel := context.WithTimeout(context.Background(), reconnectMaxDelay*time.Duration(maxReconnectAttempts))
		defer rcancel()
		if rerr := m.reconnect(rctx); rerr != nil {
			m.log.Errorf("reconnect failed for %s: %v", m.config.Alias, rerr)
		}
		return
	}
	m.markHealthy()
}

// reconnect replaces the single connection, retrying with exponential
// backoff. Only one reconnect runs at a time; concurrent callers wait for
// its outcome.
func (m *Manager) reconnect(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return adapter.ErrConnectionClosed
	}
	if m.reconnecting {
		done := m.reconnectDone
		m.mu.Unlock()
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	m.reconnecting = true
	m.reconnectDone = make(chan struct{})
	stale := m.single
	m.single = nil
	m.mu.Unlock()

	if stale != nil {
		stale.Close()
	}

	var lastErr error
	for attempt := 0; attempt < maxReconnectAttempts; attempt++ {
		if attempt > 0 {
			delay := reconnectBaseDelay << uint(attempt-1)
			if delay > reconnectMaxDelay {
				delay = reconnectMaxDelay
			}
			m.log.Infof("reconnect attempt %d/%d for %s in %s",
				attempt+1, maxReconnectAttempts, m.config.Alias, delay)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				m.finishReconnect(nil)
				return ctx.Err()
			}
		}

		conn, err := m.dial(ctx)
		if err == nil {
			m.log.Infof("reconnected %s", m.config.Alias)
			m.finishReconnect(conn)
			return nil
		}
		lastErr = err
	}

	m.finishReconnect(nil)
	m.fatal.Store(true)
	m.fatalOnce.Do(func() {
		m.log.Errorf("giving up on %s after %d reconnect attempts: %v",
			m.config.Alias, maxReconnectAttempts, lastErr)
		if m.onFatal != nil {
			m.onFatal(m.config.Alias, lastErr)
		}
	})
	return adapter.NewError(m.dbType, adapter.CodeConnection, "reconnect", lastErr).
		WithContext("attempts", maxReconnectAttempts)
}

func (m *Manager) finishReconnect(conn adapter.Connection) {
	m.mu.Lock()
	m.single = conn
	if conn != nil {
		m.lastHealthCheck = time.Now()
	}
	m.reconnecting = false
	close(m.reconnectDone)
	m.mu.Unlock()
}

// Disconnect stops the health monitor and closes every connection.
func (m *Manager) Disconnect() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	conn := m.single
	m.single = nil
	m.mu.Unlock()

	if m.healthStop != nil {
		close(m.healthStop)
		<-m.healthDone
	}
	if m.pooled {
		m.pool.Drain()
		return nil
	}
	if conn != nil {
		return conn.Close()
	}
	return nil
}
