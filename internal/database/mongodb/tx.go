package mongodb

import (
	"context"

	"github.com/relialab/dbcore/pkg/adapter"
	"github.com/relialab/dbcore/pkg/dbcapabilities"
)

// txOps maps the transaction contract onto a driver session. Isolation hints
// are ignored; MongoDB transactions always run with snapshot semantics.
type txOps struct {
	c *Conn
}

func (t *txOps) Begin(ctx context.Context, isolation dbcapabilities.IsolationLevel) error {
	if err := t.c.guard(); err != nil {
		return err
	}
	if isolation != "" {
		t.c.log.Warnf("mongodb ignores isolation level %q; transactions use snapshot semantics", isolation)
	}

	t.c.mu.Lock()
	defer t.c.mu.Unlock()
	if t.c.session != nil {
		return adapter.NewError(dbcapabilities.MongoDB, adapter.CodeTransaction, "beginTransaction",
			adapter.ErrConnectionFailed).WithContext("reason", "transaction already active")
	}

	session, err := t.c.client.StartSession()
	if err != nil {
		return mapError("beginTransaction", err)
	}
	if err := session.StartTransaction(); err != nil {
		session.EndSession(ctx)
		return mapError("beginTransaction", err)
	}
	t.c.session = session
	return nil
}

func (t *txOps) Commit(ctx context.Context) error {
	if err := t.c.guard(); err != nil {
		return err
	}
	t.c.mu.Lock()
	session := t.c.session
	t.c.session = nil
	t.c.mu.Unlock()

	if session == nil {
		return adapter.NewError(dbcapabilities.MongoDB, adapter.CodeTransaction, "commitTransaction",
			adapter.ErrNoActiveTransaction)
	}
	err := session.CommitTransaction(ctx)
	session.EndSession(ctx)
	if err != nil {
		return mapError("commitTransaction", err)
	}
	return nil
}

func (t *txOps) Rollback(ctx context.Context) error {
	if err := t.c.guard(); err != nil {
		return err
	}
	t.c.mu.Lock()
	session := t.c.session
	t.c.session = nil
	t.c.mu.Unlock()

	if session == nil {
		return adapter.NewError(dbcapabilities.MongoDB, adapter.CodeTransaction, "rollbackTransaction",
			adapter.ErrNoActiveTransaction)
	}
	err := session.AbortTransaction(ctx)
	session.EndSession(ctx)
	if err != nil {
		return mapError("rollbackTransaction", err)
	}
	return nil
}

// MongoDB has no savepoints; the capability flags announce this and callers
// fall back to tracking-only nesting.
func (t *txOps) CreateSavepoint(context.Context, string) error {
	return adapter.NewUnsupportedOperationError(dbcapabilities.MongoDB, "createSavepoint", "engine has no savepoint support")
}

func (t *txOps) ReleaseSavepoint(context.Context, string) error {
	return adapter.NewUnsupportedOperationError(dbcapabilities.MongoDB, "releaseSavepoint", "engine has no savepoint support")
}

func (t *txOps) RollbackToSavepoint(context.Context, string) error {
	return adapter.NewUnsupportedOperationError(dbcapabilities.MongoDB, "rollbackToSavepoint", "engine has no savepoint support")
}
