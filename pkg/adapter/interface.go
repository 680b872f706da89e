// Package adapter defines the uniform contract every database backend
// implements, along with the shared configuration, result, option, and error
// types that flow through it.
package adapter

import (
	"context"

	"github.com/relialab/dbcore/pkg/dbcapabilities"
)

// Adapter represents a database technology. One implementation exists per
// supported engine; the facade selects it once at construction by type tag.
type Adapter interface {
	// Type returns the canonical database type identifier.
	Type() dbcapabilities.DatabaseType

	// Capabilities returns the capability metadata for this engine.
	Capabilities() dbcapabilities.Capability

	// Connect establishes one connection (a single pinned session for
	// relational engines, so transaction statements share a wire connection).
	Connect(ctx context.Context, config ConnectionConfig) (Connection, error)
}

// Connection is an active connection to a database. A connection is
// exclusively owned by one logical caller between pool acquire and release and
// must never serve two concurrent operations.
type Connection interface {
	// ID returns the unique connection identity.
	ID() string

	// Type returns the database type.
	Type() dbcapabilities.DatabaseType

	// IsConnected reports whether the connection is usable.
	IsConnected() bool

	// Ping verifies the server is reachable on this connection.
	Ping(ctx context.Context) error

	// Close tears the connection down. Safe to call more than once.
	Close() error

	// Operation groups. Tx returns nil when the engine has no transaction
	// support at all (capability flags announce this to callers up front).
	Data() DataOperator
	Tx() TxOperator
	Metadata() MetadataOperator

	// Raw exposes the underlying driver handle for operations outside the
	// uniform contract. Type assertion required.
	Raw() any

	// Config returns the owning configuration.
	Config() ConnectionConfig

	// Adapter returns the adapter that created this connection.
	Adapter() Adapter
}

// DataOperator executes queries and writes.
type DataOperator interface {
	// Query runs a statement with positional parameters and normalizes the
	// backend's raw result shape. Query text is dialect SQL for relational
	// engines, a JSON command document for the document store, and a command
	// line for the key-value store.
	Query(ctx context.Context, query string, params []any, opts QueryOptions) (*Result, error)

	// Prepare readies a statement for repeated execution.
	Prepare(ctx context.Context, query string) (PreparedStatement, error)

	// BulkInsert writes rows into a table/collection and returns the number
	// of rows written. Implementations chunk large inputs.
	BulkInsert(ctx context.Context, table string, rows []Row) (int64, error)

	// Stream reads a large result incrementally. Capability-gated.
	Stream(ctx context.Context, query string, params []any, opts QueryOptions) (RowStream, error)

	// CancelQuery aborts the in-flight query on this connection, best effort.
	// Engines without cancellation support return ErrOperationNotSupported.
	CancelQuery(ctx context.Context) error
}

// TxOperator drives the engine's native transaction primitives. The
// transaction manager layers savepoint-emulated nesting on top.
type TxOperator interface {
	Begin(ctx context.Context, isolation dbcapabilities.IsolationLevel) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error

	CreateSavepoint(ctx context.Context, name string) error
	ReleaseSavepoint(ctx context.Context, name string) error
	RollbackToSavepoint(ctx context.Context, name string) error
}

// MetadataOperator introspects server and schema metadata.
type MetadataOperator interface {
	CollectDatabaseMetadata(ctx context.Context) (*DatabaseMetadata, error)
	GetTableInfo(ctx context.Context, table string) (*TableInfo, error)
	GetVersion(ctx context.Context) (string, error)
}

// PreparedStatement is a statement readied on one connection.
type PreparedStatement interface {
	// ID identifies the statement for logging.
	ID() string

	// Query returns the original statement text.
	Query() string

	// ParamCount returns the number of bind parameters, -1 when unknown.
	ParamCount() int

	// Execute runs the statement with the given parameters.
	Execute(ctx context.Context, params []any) (*Result, error)

	// Close releases the statement.
	Close(ctx context.Context) error
}

// RowStream yields rows incrementally. Callers must Close it.
type RowStream interface {
	// Next returns the next row, or (nil, false, nil) when exhausted.
	Next(ctx context.Context) (Row, bool, error)

	// Fields returns the column metadata, available after the first Next.
	Fields() []FieldMeta

	// Close releases the underlying cursor.
	Close() error
}

// Escaper provides dialect-specific identifier and value escaping. SQL
// adapters embed a default implementation and override what differs.
type Escaper interface {
	// EscapeIdentifier quotes a table or column name.
	EscapeIdentifier(name string) string

	// Placeholder returns the bind-parameter marker for position n (1-based).
	Placeholder(n int) string
}
