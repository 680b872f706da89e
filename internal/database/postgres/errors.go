package postgres

import (
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/relialab/dbcore/pkg/adapter"
	"github.com/relialab/dbcore/pkg/dbcapabilities"
)

// mapError translates SQLSTATE codes to the shared taxonomy.
func mapError(operation string, err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		code := codeForSQLState(pgErr.Code)
		return adapter.NewError(dbcapabilities.PostgreSQL, code, operation, err).
			WithContext("sqlstate", pgErr.Code)
	}
	return adapter.NewError(dbcapabilities.PostgreSQL, adapter.ClassifyTransport(err), operation, err)
}

func codeForSQLState(sqlstate string) adapter.ErrorCode {
	switch sqlstate {
	case "23505":
		return adapter.CodeDuplicateKey
	case "23503":
		return adapter.CodeForeignKey
	case "23502":
		return adapter.CodeNotNull
	case "42501":
		return adapter.CodePermission
	case "57014":
		// query_canceled, raised by statement_timeout and cancel requests.
		return adapter.CodeTimeout
	case "40001", "40P01", "25P02":
		return adapter.CodeTransaction
	}
	switch {
	case strings.HasPrefix(sqlstate, "28"):
		return adapter.CodeAuth
	case strings.HasPrefix(sqlstate, "08"):
		return adapter.CodeConnection
	case strings.HasPrefix(sqlstate, "57P"):
		return adapter.CodeConnection
	}
	return adapter.CodeQuery
}
