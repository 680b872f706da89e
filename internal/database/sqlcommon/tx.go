package sqlcommon

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/relialab/dbcore/pkg/adapter"
	"github.com/relialab/dbcore/pkg/dbcapabilities"
)

// txOps drives transactions with raw statements on the pinned session. Using
// statements instead of database/sql's Tx keeps begin/savepoint/commit on the
// exact wire connection the surrounding queries use.
type txOps struct {
	s *Session
}

func (t *txOps) Begin(ctx context.Context, isolation dbcapabilities.IsolationLevel) error {
	if err := t.s.guard(); err != nil {
		return err
	}
	for _, stmt := range t.s.dialect.BeginStatement(checkIsolation(t.s, isolation)) {
		if _, err := t.s.execContext(ctx, stmt); err != nil {
			return wrapTxError(t.s, "beginTransaction", err)
		}
	}
	return nil
}

func (t *txOps) Commit(ctx context.Context) error {
	if err := t.s.guard(); err != nil {
		return err
	}
	if _, err := t.s.execContext(ctx, "COMMIT"); err != nil {
		return wrapTxError(t.s, "commitTransaction", err)
	}
	return nil
}

func (t *txOps) Rollback(ctx context.Context) error {
	if err := t.s.guard(); err != nil {
		return err
	}
	stmt := "ROLLBACK"
	if t.s.dialect.Type() == dbcapabilities.SQLServer {
		stmt = "ROLLBACK TRANSACTION"
	}
	if _, err := t.s.execContext(ctx, stmt); err != nil {
		return wrapTxError(t.s, "rollbackTransaction", err)
	}
	return nil
}

func (t *txOps) CreateSavepoint(ctx context.Context, name string) error {
	syntax := t.s.dialect.Savepoints()
	if syntax.Create == "" {
		return adapter.NewUnsupportedOperationError(t.s.dialect.Type(), "createSavepoint", "dialect has no savepoint syntax")
	}
	if _, err := t.s.execContext(ctx, fmt.Sprintf(syntax.Create, name)); err != nil {
		return wrapTxError(t.s, "createSavepoint", err)
	}
	return nil
}

func (t *txOps) ReleaseSavepoint(ctx context.Context, name string) error {
	syntax := t.s.dialect.Savepoints()
	if syntax.Release == "" {
		// Some dialects (SQL Server) have no explicit release; the savepoint
		// simply goes out of scope at commit.
		t.s.log.Debugf("%s has no savepoint release, skipping %s", t.s.dialect.Type(), name)
		return nil
	}
	if _, err := t.s.execContext(ctx, fmt.Sprintf(syntax.Release, name)); err != nil {
		return wrapTxError(t.s, "releaseSavepoint", err)
	}
	return nil
}

func (t *txOps) RollbackToSavepoint(ctx context.Context, name string) error {
	syntax := t.s.dialect.Savepoints()
	if syntax.RollbackTo == "" {
		return adapter.NewUnsupportedOperationError(t.s.dialect.Type(), "rollbackToSavepoint", "dialect has no savepoint syntax")
	}
	if _, err := t.s.execContext(ctx, fmt.Sprintf(syntax.RollbackTo, name)); err != nil {
		return wrapTxError(t.s, "rollbackToSavepoint", err)
	}
	return nil
}

// DriverTxDialect marks dialects whose driver suppresses autocommit only
// inside database/sql's own transaction. go-hdb sends an autocommit flag with
// every statement and clears it solely in its BeginTx, so raw BEGIN/COMMIT
// statements would leave each DML committing individually.
type DriverTxDialect interface {
	TxOptions(isolation dbcapabilities.IsolationLevel) sql.TxOptions
}

// driverTxOps drives transactions through BeginTx on the pinned connection.
// While a transaction is open the session routes every statement through it.
type driverTxOps struct {
	s *Session
	d DriverTxDialect
}

func (t *driverTxOps) Begin(ctx context.Context, isolation dbcapabilities.IsolationLevel) error {
	if err := t.s.guard(); err != nil {
		return err
	}
	opts := t.d.TxOptions(checkIsolation(t.s, isolation))

	t.s.txmu.Lock()
	open := t.s.tx != nil
	t.s.txmu.Unlock()
	if open {
		return adapter.NewError(t.s.dialect.Type(), adapter.CodeTransaction, "beginTransaction",
			errors.New("transaction already open on this session"))
	}

	tx, err := t.s.conn.BeginTx(ctx, &opts)
	if err != nil {
		return wrapTxError(t.s, "beginTransaction", err)
	}
	t.s.txmu.Lock()
	t.s.tx = tx
	t.s.txmu.Unlock()
	return nil
}

func (t *driverTxOps) Commit(ctx context.Context) error {
	tx := t.takeTx()
	if tx == nil {
		return adapter.NewError(t.s.dialect.Type(), adapter.CodeTransaction, "commitTransaction",
			adapter.ErrNoActiveTransaction)
	}
	if err := tx.Commit(); err != nil {
		return wrapTxError(t.s, "commitTransaction", err)
	}
	return nil
}

func (t *driverTxOps) Rollback(ctx context.Context) error {
	tx := t.takeTx()
	if tx == nil {
		return adapter.NewError(t.s.dialect.Type(), adapter.CodeTransaction, "rollbackTransaction",
			adapter.ErrNoActiveTransaction)
	}
	if err := tx.Rollback(); err != nil {
		return wrapTxError(t.s, "rollbackTransaction", err)
	}
	return nil
}

func (t *driverTxOps) CreateSavepoint(ctx context.Context, name string) error {
	return adapter.NewUnsupportedOperationError(t.s.dialect.Type(), "createSavepoint", "dialect has no savepoint syntax")
}

func (t *driverTxOps) ReleaseSavepoint(ctx context.Context, name string) error {
	return adapter.NewUnsupportedOperationError(t.s.dialect.Type(), "releaseSavepoint", "dialect has no savepoint syntax")
}

func (t *driverTxOps) RollbackToSavepoint(ctx context.Context, name string) error {
	return adapter.NewUnsupportedOperationError(t.s.dialect.Type(), "rollbackToSavepoint", "dialect has no savepoint syntax")
}

func (t *driverTxOps) takeTx() *sql.Tx {
	t.s.txmu.Lock()
	defer t.s.txmu.Unlock()
	tx := t.s.tx
	t.s.tx = nil
	return tx
}

// checkIsolation downgrades an unsupported isolation hint to the engine
// default with a warning.
func checkIsolation(s *Session, isolation dbcapabilities.IsolationLevel) dbcapabilities.IsolationLevel {
	if isolation == "" {
		return isolation
	}
	capability := dbcapabilities.MustGet(s.dialect.Type())
	if !capability.SupportsIsolation(isolation) {
		s.log.Warnf("isolation level %q not supported by %s, using engine default", isolation, s.dialect.Type())
		return ""
	}
	return isolation
}

func wrapTxError(s *Session, operation string, err error) error {
	mapped := s.dialect.MapError(operation, err)
	var dbErr *adapter.DatabaseError
	if errors.As(mapped, &dbErr) && dbErr.Code == adapter.CodeUnknown {
		dbErr.Code = adapter.CodeTransaction
		dbErr.Hint = adapter.HintFor(adapter.CodeTransaction)
	}
	return mapped
}
