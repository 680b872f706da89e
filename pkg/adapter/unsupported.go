package adapter

import (
	"context"

	"github.com/relialab/dbcore/pkg/dbcapabilities"
)

// UnsupportedTx is a TxOperator that rejects every call. Engines without
// native transactions embed it so the contract stays uniform; capability flags
// announce the gap to callers before any call is made.
type UnsupportedTx struct {
	DatabaseType dbcapabilities.DatabaseType
}

func (u UnsupportedTx) Begin(context.Context, dbcapabilities.IsolationLevel) error {
	return NewUnsupportedOperationError(u.DatabaseType, "beginTransaction", "engine has no transaction support")
}

func (u UnsupportedTx) Commit(context.Context) error {
	return NewUnsupportedOperationError(u.DatabaseType, "commitTransaction", "engine has no transaction support")
}

func (u UnsupportedTx) Rollback(context.Context) error {
	return NewUnsupportedOperationError(u.DatabaseType, "rollbackTransaction", "engine has no transaction support")
}

func (u UnsupportedTx) CreateSavepoint(context.Context, string) error {
	return NewUnsupportedOperationError(u.DatabaseType, "createSavepoint", "engine has no savepoint support")
}

func (u UnsupportedTx) ReleaseSavepoint(context.Context, string) error {
	return NewUnsupportedOperationError(u.DatabaseType, "releaseSavepoint", "engine has no savepoint support")
}

func (u UnsupportedTx) RollbackToSavepoint(context.Context, string) error {
	return NewUnsupportedOperationError(u.DatabaseType, "rollbackToSavepoint", "engine has no savepoint support")
}

// UnsupportedPrepare returns the standard error for engines without prepared
// statements.
func UnsupportedPrepare(dbType dbcapabilities.DatabaseType) (PreparedStatement, error) {
	return nil, NewUnsupportedOperationError(dbType, "prepare", "engine has no prepared statement support")
}

// UnsupportedCancel returns the standard error for engines without query
// cancellation.
func UnsupportedCancel(dbType dbcapabilities.DatabaseType) error {
	return NewUnsupportedOperationError(dbType, "cancelQuery", "engine has no query cancellation support")
}
