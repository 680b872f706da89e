// Package pool provides a bounded pool of adapter connections with a strict
// FIFO wait queue, borrow-time validation, and idle reaping down to the
// configured minimum.
package pool

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/relialab/dbcore/pkg/adapter"
	"github.com/relialab/dbcore/pkg/dbcapabilities"
	"github.com/relialab/dbcore/pkg/logger"
)

// Factory creates one new backend connection.
type Factory func(ctx context.Context) (adapter.Connection, error)

// Stats is a point-in-time snapshot of pool occupancy.
type Stats struct {
	Total   int `json:"total"`
	Active  int `json:"active"`
	Idle    int `json:"idle"`
	Waiting int `json:"waiting"`
	Min     int `json:"min"`
	Max     int `json:"max"`
}

// pooled pairs a backend connection with pool-owned bookkeeping. The driver
// object itself is never mutated.
type pooled struct {
	conn       adapter.Connection
	createdAt  time.Time
	lastUsedAt time.Time
}

// waiter is one queued Acquire call. The pool hands a connection over the
// channel; the waiter may have given up in the meantime, in which case the
// handover fails and the connection is re-homed.
type waiter struct {
	ch chan *pooled
}

// Pool is a bounded set of live connections for one configuration.
type Pool struct {
	dbType  dbcapabilities.DatabaseType
	cfg     adapter.PoolConfig
	factory Factory
	log     *logger.Logger

	// validateOnBorrow pings a connection before lending it out and when it
	// comes back. Failed connections are discarded and replaced.
	validateOnBorrow bool

	mu       sync.Mutex
	conns    map[string]*pooled // every live connection, keyed by connection ID
	idle     []*pooled          // available connections, oldest first
	waiters  *list.List         // FIFO of *waiter
	active   int                // connections currently lent out
	pending  int                // connections being created (reserve max slots)
	draining bool

	reaperStop chan struct{}
	reaperDone chan struct{}
}

// reaperInterval is how often idle connections are examined.
const reaperInterval = 30 * time.Second

// validatePingTimeout bounds the borrow-time validation ping.
const validatePingTimeout = 3 * time.Second

// New creates a pool. Initialize must be called before Acquire.
func New(dbType dbcapabilities.DatabaseType, cfg adapter.PoolConfig, factory Factory, log *logger.Logger) *Pool {
	return &Pool{
		dbType:           dbType,
		cfg:              cfg,
		factory:          factory,
		log:              log,
		validateOnBorrow: true,
		conns:            make(map[string]*pooled),
		waiters:          list.New(),
	}
}

// SetValidateOnBorrow toggles ping validation at acquire/release time.
func (p *Pool) SetValidateOnBorrow(v bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.validateOnBorrow = v
}

// Initialize creates the minimum number of connections concurrently and
// starts the idle reaper. A creation failure closes every connection created
// so far and fails initialization.
func (p *Pool) Initialize(ctx context.Context) error {
	type outcome struct {
		conn adapter.Connection
		err  error
	}

	results := make(chan outcome, p.cfg.Min)
	for i := 0; i < p.cfg.Min; i++ {
		go func() {
			conn, err := p.factory(ctx)
			results <- outcome{conn: conn, err: err}
		}()
	}

	var created []adapter.Connection
	var firstErr error
	for i := 0; i < p.cfg.Min; i++ {
		r := <-results
		if r.err != nil {
			if firstErr == nil {
				firstErr = r.err
			}
			continue
		}
		created = append(created, r.conn)
	}
	if firstErr != nil {
		for _, conn := range created {
			conn.Close()
		}
		return fmt.Errorf("pool initialization failed: %w", firstErr)
	}

	now := time.Now()
	p.mu.Lock()
	for _, conn := range created {
		entry := &pooled{conn: conn, createdAt: now, lastUsedAt: now}
		p.conns[conn.ID()] = entry
		p.idle = append(p.idle, entry)
	}
	p.reaperStop = make(chan struct{})
	p.reaperDone = make(chan struct{})
	p.mu.Unlock()

	go p.reapLoop()
	return nil
}

// Acquire borrows a connection: an idle one if available, a new one if the
// pool is under its maximum, otherwise the caller joins the FIFO wait queue
// until a connection is released or the acquire timeout elapses.
func (p *Pool) Acquire(ctx context.Context) (adapter.Connection, error) {
	for {
		p.mu.Lock()
		if p.draining {
			p.mu.Unlock()
			return nil, adapter.ErrPoolDraining
		}

		if len(p.idle) > 0 {
			entry := p.idle[0]
			p.idle = p.idle[1:]
			p.active++
			validate := p.validateOnBorrow
			p.mu.Unlock()

			if validate && !p.validate(entry) {
				p.discard(entry)
				continue
			}
			entry.lastUsedAt = time.Now()
			return entry.conn, nil
		}

		if len(p.conns)+p.pending < p.cfg.Max {
			p.pending++
			p.mu.Unlock()
			return p.createForCaller(ctx)
		}

		w := &waiter{ch: make(chan *pooled, 1)}
		element := p.waiters.PushBack(w)
		p.mu.Unlock()

		timer := time.NewTimer(p.cfg.AcquireTimeout)
		select {
		case entry, ok := <-w.ch:
			timer.Stop()
			if !ok {
				return nil, adapter.ErrPoolDraining
			}
			entry.lastUsedAt = time.Now()
			return entry.conn, nil
		case <-timer.C:
			if entry := p.abandonWaiter(element, w); entry != nil {
				// Handover raced the timeout; keep the connection.
				entry.lastUsedAt = time.Now()
				return entry.conn, nil
			}
			return nil, adapter.NewError(p.dbType, adapter.CodeTimeout, "acquire", adapter.ErrAcquireTimeout).
				WithContext("acquireTimeoutMs", p.cfg.AcquireTimeout.Milliseconds())
		case <-ctx.Done():
			timer.Stop()
			if entry := p.abandonWaiter(element, w); entry != nil {
				entry.lastUsedAt = time.Now()
				return entry.conn, nil
			}
			return nil, ctx.Err()
		}
	}
}

// abandonWaiter removes a timed-out waiter. If a connection was handed over
// concurrently it is returned so the caller can use (or re-release) it.
func (p *Pool) abandonWaiter(element *list.Element, w *waiter) *pooled {
	p.mu.Lock()
	// Still queued: remove exactly this waiter, leaving others untouched.
	for e := p.waiters.Front(); e != nil; e = e.Next() {
		if e == element {
			p.waiters.Remove(e)
			p.mu.Unlock()
			return nil
		}
	}
	p.mu.Unlock()

	// Already served: the connection is sitting in the channel buffer.
	select {
	case entry := <-w.ch:
		return entry
	default:
		return nil
	}
}

// createForCaller builds a new connection for a caller that reserved a slot.
func (p *Pool) createForCaller(ctx context.Context) (adapter.Connection, error) {
	conn, err := p.factory(ctx)

	p.mu.Lock()
	p.pending--
	if err != nil {
		p.mu.Unlock()
		return nil, err
	}
	now := time.Now()
	entry := &pooled{conn: conn, createdAt: now, lastUsedAt: now}
	p.conns[conn.ID()] = entry
	p.active++
	p.mu.Unlock()
	return conn, nil
}

// Release returns a borrowed connection. While draining the connection is
// closed immediately; otherwise it is validated, then handed to the oldest
// waiter or parked in the idle set.
func (p *Pool) Release(conn adapter.Connection) {
	p.mu.Lock()
	entry, ok := p.conns[conn.ID()]
	if !ok {
		p.mu.Unlock()
		conn.Close()
		return
	}
	if p.draining {
		delete(p.conns, conn.ID())
		p.active--
		p.mu.Unlock()
		conn.Close()
		return
	}
	validate := p.validateOnBorrow
	p.mu.Unlock()

	if validate && !p.validate(entry) {
		p.discard(entry)
		p.replenish()
		return
	}

	entry.lastUsedAt = time.Now()

	p.mu.Lock()
	p.active--
	if element := p.waiters.Front(); element != nil {
		w := p.waiters.Remove(element).(*waiter)
		p.active++
		// Send under the lock: the channel is buffered, so this cannot block,
		// and a timed-out waiter scanning the queue in abandonWaiter observes
		// removal and handover as one step.
		w.ch <- entry
		p.mu.Unlock()
		return
	}
	p.idle = append(p.idle, entry)
	p.mu.Unlock()
}

// validate pings the connection with a short timeout.
func (p *Pool) validate(entry *pooled) bool {
	if !entry.conn.IsConnected() {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), validatePingTimeout)
	defer cancel()
	if err := entry.conn.Ping(ctx); err != nil {
		p.log.Warnf("pooled connection %s failed validation: %v", entry.conn.ID(), err)
		return false
	}
	return true
}

// discard removes a broken connection from the pool and closes it.
func (p *Pool) discard(entry *pooled) {
	p.mu.Lock()
	if _, ok := p.conns[entry.conn.ID()]; ok {
		delete(p.conns, entry.conn.ID())
		p.active--
	}
	p.mu.Unlock()
	if err := entry.conn.Close(); err != nil {
		p.log.Debugf("closing discarded connection %s: %v", entry.conn.ID(), err)
	}
}

// replenish restores the pool to its minimum after a discard.
func (p *Pool) replenish() {
	p.mu.Lock()
	if p.draining || len(p.conns)+p.pending >= p.cfg.Min {
		p.mu.Unlock()
		return
	}
	p.pending++
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), validatePingTimeout*2)
	defer cancel()
	conn, err := p.factory(ctx)

	p.mu.Lock()
	p.pending--
	if err != nil {
		p.mu.Unlock()
		p.log.Warnf("replacing discarded connection failed: %v", err)
		return
	}
	now := time.Now()
	entry := &pooled{conn: conn, createdAt: now, lastUsedAt: now}
	p.conns[conn.ID()] = entry
	if element := p.waiters.Front(); element != nil {
		w := p.waiters.Remove(element).(*waiter)
		p.active++
		// Buffered channel; sending under the lock keeps removal and handover
		// atomic with respect to abandonWaiter.
		w.ch <- entry
		p.mu.Unlock()
		return
	}
	p.idle = append(p.idle, entry)
	p.mu.Unlock()
}

// reapLoop closes idle connections older than the idle timeout, keeping at
// least the configured minimum alive.
func (p *Pool) reapLoop() {
	defer close(p.reaperDone)
	ticker := time.NewTicker(reaperInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.reaperStop:
			return
		case <-ticker.C:
			p.reapIdle()
		}
	}
}

func (p *Pool) reapIdle() {
	cutoff := time.Now().Add(-p.cfg.IdleTimeout)

	var victims []*pooled
	p.mu.Lock()
	if p.draining {
		p.mu.Unlock()
		return
	}
	kept := p.idle[:0]
	for _, entry := range p.idle {
		// Victims are removed from conns as they are chosen, so the map length
		// already reflects them.
		if entry.lastUsedAt.Before(cutoff) && len(p.conns) > p.cfg.Min {
			victims = append(victims, entry)
			delete(p.conns, entry.conn.ID())
			continue
		}
		kept = append(kept, entry)
	}
	p.idle = kept
	p.mu.Unlock()

	for _, entry := range victims {
		if err := entry.conn.Close(); err != nil {
			p.log.Debugf("closing idle connection %s: %v", entry.conn.ID(), err)
		}
	}
	if len(victims) > 0 {
		p.log.Debugf("reaped %d idle connections", len(victims))
	}
}

// Stats returns a snapshot of pool occupancy.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Total:   len(p.conns) + p.pending,
		Active:  p.active,
		Idle:    len(p.idle),
		Waiting: p.waiters.Len(),
		Min:     p.cfg.Min,
		Max:     p.cfg.Max,
	}
}

// Drain rejects all waiters, closes every connection, and resets the pool.
// Safe to call concurrently with Acquire/Release; once draining, new acquires
// fail fast with ErrPoolDraining.
func (p *Pool) Drain() {
	p.mu.Lock()
	if p.draining {
		p.mu.Unlock()
		return
	}
	p.draining = true

	for element := p.waiters.Front(); element != nil; element = element.Next() {
		close(element.Value.(*waiter).ch)
	}
	p.waiters.Init()

	victims := make([]*pooled, 0, len(p.idle))
	victims = append(victims, p.idle...)
	for _, entry := range victims {
		delete(p.conns, entry.conn.ID())
	}
	p.idle = nil

	stop := p.reaperStop
	p.mu.Unlock()

	if stop != nil {
		close(stop)
		<-p.reaperDone
	}
	for _, entry := range victims {
		entry.conn.Close()
	}
	// Connections still lent out are closed as they come back via Release.
}
