package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/relialab/dbcore/pkg/adapter"
	"github.com/relialab/dbcore/pkg/dbcapabilities"
)

// txOps drives transactions with raw statements on the single connection,
// keeping begin/savepoint/commit on the exact wire connection the queries
// around them use.
type txOps struct {
	c *Conn
}

func (t *txOps) Begin(ctx context.Context, isolation dbcapabilities.IsolationLevel) error {
	if err := t.c.guard(); err != nil {
		return err
	}
	stmt := "BEGIN"
	if isolation != "" {
		capability := dbcapabilities.MustGet(dbcapabilities.PostgreSQL)
		if capability.SupportsIsolation(isolation) {
			stmt = fmt.Sprintf("BEGIN ISOLATION LEVEL %s", isolation)
		} else {
			t.c.log.Warnf("isolation level %q not supported by postgres, using engine default", isolation)
		}
	}
	if _, err := t.c.conn.Exec(ctx, stmt); err != nil {
		return txError("beginTransaction", err)
	}
	return nil
}

func (t *txOps) Commit(ctx context.Context) error {
	if err := t.c.guard(); err != nil {
		return err
	}
	if _, err := t.c.conn.Exec(ctx, "COMMIT"); err != nil {
		return txError("commitTransaction", err)
	}
	return nil
}

func (t *txOps) Rollback(ctx context.Context) error {
	if err := t.c.guard(); err != nil {
		return err
	}
	if _, err := t.c.conn.Exec(ctx, "ROLLBACK"); err != nil {
		return txError("rollbackTransaction", err)
	}
	return nil
}

func (t *txOps) CreateSavepoint(ctx context.Context, name string) error {
	if err := t.c.guard(); err != nil {
		return err
	}
	if _, err := t.c.conn.Exec(ctx, fmt.Sprintf("SAVEPOINT %s", name)); err != nil {
		return txError("createSavepoint", err)
	}
	return nil
}

func (t *txOps) ReleaseSavepoint(ctx context.Context, name string) error {
	if err := t.c.guard(); err != nil {
		return err
	}
	if _, err := t.c.conn.Exec(ctx, fmt.Sprintf("RELEASE SAVEPOINT %s", name)); err != nil {
		return txError("releaseSavepoint", err)
	}
	return nil
}

func (t *txOps) RollbackToSavepoint(ctx context.Context, name string) error {
	if err := t.c.guard(); err != nil {
		return err
	}
	if _, err := t.c.conn.Exec(ctx, fmt.Sprintf("ROLLBACK TO SAVEPOINT %s", name)); err != nil {
		return txError("rollbackToSavepoint", err)
	}
	return nil
}

func txError(operation string, err error) error {
	mapped := mapError(operation, err)
	var dbErr *adapter.DatabaseError
	if errors.As(mapped, &dbErr) && dbErr.Code == adapter.CodeQuery {
		dbErr.Code = adapter.CodeTransaction
	}
	return mapped
}
