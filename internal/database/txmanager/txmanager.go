// Package txmanager layers nested transactions on top of a backend's flat
// transaction support. The outermost Begin starts a real transaction; inner
// Begins create savepoints, so an inner rollback unwinds only its own work.
// Backends without savepoints get tracked-only nesting at reduced fidelity.
package txmanager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/relialab/dbcore/pkg/adapter"
	"github.com/relialab/dbcore/pkg/dbcapabilities"
	"github.com/relialab/dbcore/pkg/logger"
)

// savepointSeq makes savepoint names unique across the process.
var savepointSeq atomic.Uint64

func nextSavepointName() string {
	return fmt.Sprintf("sp_%d_%d", time.Now().UnixNano(), savepointSeq.Add(1))
}

// frame is one level of transaction nesting on a connection. Level 0 is the
// real transaction and has no savepoint name.
type frame struct {
	level     int
	savepoint string
	// tracked frames exist only in bookkeeping; the backend has no
	// corresponding marker and a rollback to one cannot undo work.
	tracked bool
}

// Manager tracks transaction state per connection.
type Manager struct {
	log *logger.Logger

	mu     sync.Mutex
	stacks map[string][]frame // connection ID -> open frames, bottom first
}

// New creates a transaction manager.
func New(log *logger.Logger) *Manager {
	return &Manager{log: log, stacks: make(map[string][]frame)}
}

// Depth reports how many frames are open on the connection.
func (m *Manager) Depth(conn adapter.Connection) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.stacks[conn.ID()])
}

// InTransaction reports whether the connection has an open transaction.
func (m *Manager) InTransaction(conn adapter.Connection) bool {
	return m.Depth(conn) > 0
}

func (m *Manager) txError(conn adapter.Connection, op string, err error) error {
	var dbErr *adapter.DatabaseError
	if errors.As(err, &dbErr) {
		return err
	}
	return adapter.NewError(conn.Type(), adapter.CodeTransaction, op, err)
}

// Begin opens a transaction frame. At depth 0 this starts a real transaction
// with the requested isolation level; deeper calls create a savepoint and
// return its name. Backends without savepoint support get a tracked frame
// and a logged warning instead.
func (m *Manager) Begin(ctx context.Context, conn adapter.Connection, isolation dbcapabilities.IsolationLevel) (string, error) {
	caps := conn.Adapter().Capabilities()
	if !caps.Transactions {
		return "", adapter.NewUnsupportedOperationError(conn.Type(), "beginTransaction", "engine has no transaction support")
	}

	m.mu.Lock()
	depth := len(m.stacks[conn.ID()])
	m.mu.Unlock()

	if depth == 0 {
		if err := conn.Tx().Begin(ctx, isolation); err != nil {
			return "", m.txError(conn, "begin", err)
		}
		m.push(conn, frame{level: 0})
		return "", nil
	}

	if !caps.Savepoints {
		m.log.Warnf("%s does not support savepoints; nested transaction on %s is tracking-only",
			conn.Type(), conn.ID())
		m.push(conn, frame{level: depth, tracked: true})
		return "", nil
	}

	name := nextSavepointName()
	if err := conn.Tx().CreateSavepoint(ctx, name); err != nil {
		return "", m.txError(conn, "create_savepoint", err)
	}
	m.push(conn, frame{level: depth, savepoint: name})
	return name, nil
}

// Commit closes the innermost frame. The outermost frame commits the real
// transaction; inner frames release their savepoint. A release failure is
// logged, not raised, since the work is preserved by the enclosing
// transaction either way.
func (m *Manager) Commit(ctx context.Context, conn adapter.Connection) error {
	top, ok := m.pop(conn)
	if !ok {
		return m.txError(conn, "commit", adapter.ErrNoActiveTransaction)
	}

	if top.level == 0 {
		if err := conn.Tx().Commit(ctx); err != nil {
			return m.txError(conn, "commit", err)
		}
		return nil
	}
	if top.tracked || top.savepoint == "" {
		return nil
	}
	if err := conn.Tx().ReleaseSavepoint(ctx, top.savepoint); err != nil {
		m.log.Warnf("releasing savepoint %s on %s: %v", top.savepoint, conn.ID(), err)
	}
	return nil
}

// Rollback unwinds transaction frames. With an empty name it rolls back the
// innermost frame: the real transaction at depth 1, otherwise a rollback to
// the frame's savepoint. With a savepoint name it unwinds every frame above
// that savepoint, leaving the savepoint's own frame open.
func (m *Manager) Rollback(ctx context.Context, conn adapter.Connection, savepoint string) error {
	if savepoint != "" {
		return m.rollbackTo(ctx, conn, savepoint)
	}

	top, ok := m.pop(conn)
	if !ok {
		return m.txError(conn, "rollback", adapter.ErrNoActiveTransaction)
	}

	if top.level == 0 {
		if err := conn.Tx().Rollback(ctx); err != nil {
			return m.txError(conn, "rollback", err)
		}
		return nil
	}
	if top.tracked || top.savepoint == "" {
		m.log.Warnf("rollback of tracking-only frame on %s cannot undo backend work", conn.ID())
		return nil
	}
	if err := conn.Tx().RollbackToSavepoint(ctx, top.savepoint); err != nil {
		return m.txError(conn, "rollback_to_savepoint", err)
	}
	return nil
}

// rollbackTo rolls the backend back to the named savepoint and truncates the
// frame stack above it.
func (m *Manager) rollbackTo(ctx context.Context, conn adapter.Connection, savepoint string) error {
	m.mu.Lock()
	stack := m.stacks[conn.ID()]
	target := -1
	for i, f := range stack {
		if f.savepoint == savepoint {
			target = i
			break
		}
	}
	m.mu.Unlock()

	if target < 0 {
		return m.txError(conn, "rollback_to_savepoint",
			fmt.Errorf("unknown savepoint %q", savepoint))
	}

	if err := conn.Tx().RollbackToSavepoint(ctx, savepoint); err != nil {
		return m.txError(conn, "rollback_to_savepoint", err)
	}

	m.mu.Lock()
	// Frames above the savepoint are gone; the savepoint itself stays open
	// so it can be rolled back to again or committed normally.
	m.stacks[conn.ID()] = m.stacks[conn.ID()][:target+1]
	m.mu.Unlock()
	return nil
}

// ExecuteInTransaction runs fn inside a transaction frame, committing on
// success and rolling back on error or panic. Inside an existing transaction
// it opens a nested frame, so a failure here unwinds only fn's work.
func (m *Manager) ExecuteInTransaction(ctx context.Context, conn adapter.Connection, fn func(ctx context.Context) error) (err error) {
	if _, err = m.Begin(ctx, conn, ""); err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			if rbErr := m.Rollback(ctx, conn, ""); rbErr != nil {
				m.log.Errorf("rollback after panic on %s: %v", conn.ID(), rbErr)
			}
			panic(r)
		}
		if err != nil {
			if rbErr := m.Rollback(ctx, conn, ""); rbErr != nil {
				m.log.Errorf("rollback on %s: %v", conn.ID(), rbErr)
			}
			return
		}
		err = m.Commit(ctx, conn)
	}()

	err = fn(ctx)
	return err
}

// Forget drops all bookkeeping for a connection, for use when the
// connection itself is closed or replaced.
func (m *Manager) Forget(conn adapter.Connection) {
	m.mu.Lock()
	delete(m.stacks, conn.ID())
	m.mu.Unlock()
}

func (m *Manager) push(conn adapter.Connection, f frame) {
	m.mu.Lock()
	m.stacks[conn.ID()] = append(m.stacks[conn.ID()], f)
	m.mu.Unlock()
}

func (m *Manager) pop(conn adapter.Connection) (frame, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stack := m.stacks[conn.ID()]
	if len(stack) == 0 {
		return frame{}, false
	}
	top := stack[len(stack)-1]
	m.stacks[conn.ID()] = stack[:len(stack)-1]
	return top, true
}
