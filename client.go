package dbcore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/relialab/dbcore/internal/database/executor"
	"github.com/relialab/dbcore/internal/database/manager"
	"github.com/relialab/dbcore/internal/database/pool"
	"github.com/relialab/dbcore/internal/database/txmanager"
	"github.com/relialab/dbcore/pkg/adapter"
	"github.com/relialab/dbcore/pkg/dbcapabilities"
	"github.com/relialab/dbcore/pkg/logger"
)

// Client is one open database instance. All operations enforce the engine's
// capability flags up front, so an unsupported call fails fast instead of
// reaching the backend.
type Client struct {
	alias    string
	dbType   dbcapabilities.DatabaseType
	caps     dbcapabilities.Capability
	config   adapter.ConnectionConfig
	manager  *manager.Manager
	tx       *txmanager.Manager
	executor *executor.Executor
	log      *logger.Logger

	// txConn pins one connection for the duration of an open transaction so
	// every statement inside it lands on the same backend session.
	mu     sync.Mutex
	txConn adapter.Connection
	closed bool
}

// Statement is one entry of a batch.
type Statement struct {
	Query  string
	Params []any
}

// Alias returns the instance name.
func (c *Client) Alias() string { return c.alias }

// Type returns the canonical engine identifier.
func (c *Client) Type() dbcapabilities.DatabaseType { return c.dbType }

// Capabilities returns the engine's capability flags.
func (c *Client) Capabilities() dbcapabilities.Capability { return c.caps }

// Stats reports pool occupancy for this instance.
func (c *Client) Stats() pool.Stats { return c.manager.Stats() }

// IsHealthy reports whether the instance passed a recent health check.
func (c *Client) IsHealthy() bool {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	return !closed && c.manager.IsHealthy()
}

// Ping verifies the instance is reachable.
func (c *Client) Ping(ctx context.Context) (err error) {
	done := c.observe("ping", nil)
	defer func() { done(-1, err) }()

	conn, release, err := c.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()
	err = c.wrap("ping", conn.Ping(ctx))
	return err
}

// acquire returns the pinned transaction connection when one is open,
// otherwise borrows from the manager. The release function is a no-op for
// the pinned connection.
func (c *Client) acquire(ctx context.Context) (adapter.Connection, func(), error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, nil, adapter.ErrConnectionClosed
	}
	if c.txConn != nil {
		conn := c.txConn
		c.mu.Unlock()
		return conn, func() {}, nil
	}
	c.mu.Unlock()

	conn, err := c.manager.GetConnection(ctx)
	if err != nil {
		return nil, nil, c.wrap("acquire", err)
	}
	return conn, func() { c.manager.ReleaseConnection(conn) }, nil
}

// observe emits the start event for a public operation and returns the
// completion emitter. Failures are reported at warn level with the error
// attached.
func (c *Client) observe(operation string, fields map[string]any) func(rows int64, err error) {
	start := time.Now()
	c.log.EmitEvent(logger.LevelDebug, operation+".start", c.alias, -1, -1, fields)
	return func(rows int64, err error) {
		level := logger.LevelDebug
		done := make(map[string]any, len(fields)+1)
		for k, v := range fields {
			done[k] = v
		}
		if err != nil {
			level = logger.LevelWarn
			done["error"] = err.Error()
		}
		c.log.EmitEvent(level, operation, c.alias, time.Since(start).Milliseconds(), rows, done)
	}
}

// wrap attaches the instance alias to a failure.
func (c *Client) wrap(operation string, err error) error {
	if err == nil {
		return nil
	}
	wrapped := adapter.WrapError(c.dbType, operation, err)
	var dbErr *adapter.DatabaseError
	if errors.As(wrapped, &dbErr) {
		dbErr.WithContext("instance", c.alias)
	}
	return wrapped
}

func (c *Client) unsupported(operation, capability string) error {
	return adapter.NewUnsupportedOperationError(c.dbType, operation,
		fmt.Sprintf("%s is not supported by %s", capability, c.dbType))
}

// Query runs one statement with positional parameters.
func (c *Client) Query(ctx context.Context, query string, params ...any) (*adapter.Result, error) {
	return c.QueryWithOptions(ctx, query, params, adapter.QueryOptions{})
}

// QueryWithOptions runs one statement with explicit execution options.
func (c *Client) QueryWithOptions(ctx context.Context, query string, params []any, opts adapter.QueryOptions) (result *adapter.Result, err error) {
	done := c.observe("query", map[string]any{"params": len(params)})
	defer func() {
		if result != nil {
			done(result.RowCount, err)
		} else {
			done(-1, err)
		}
	}()

	conn, release, err := c.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	result, err = c.executor.Execute(ctx, conn, query, params, &opts)
	if err != nil {
		return nil, c.wrap("query", err)
	}
	return result, nil
}

// ExecuteStoredProcedure invokes a stored procedure by name with the
// engine's own call syntax.
func (c *Client) ExecuteStoredProcedure(ctx context.Context, procedure string, params ...any) (*adapter.Result, error) {
	if !c.caps.StoredProcedures {
		return nil, c.unsupported("executeStoredProcedure", "stored procedures")
	}
	call, err := buildProcedureCall(c.dbType, procedure, len(params))
	if err != nil {
		return nil, err
	}
	return c.QueryWithOptions(ctx, call, params, adapter.QueryOptions{})
}

func buildProcedureCall(dbType dbcapabilities.DatabaseType, procedure string, paramCount int) (string, error) {
	markers := make([]string, paramCount)
	switch dbType {
	case dbcapabilities.PostgreSQL:
		for i := range markers {
			markers[i] = fmt.Sprintf("$%d", i+1)
		}
		return fmt.Sprintf("CALL %s(%s)", procedure, strings.Join(markers, ", ")), nil
	case dbcapabilities.MySQL, dbcapabilities.HANA:
		for i := range markers {
			markers[i] = "?"
		}
		return fmt.Sprintf("CALL %s(%s)", procedure, strings.Join(markers, ", ")), nil
	case dbcapabilities.SQLServer:
		for i := range markers {
			markers[i] = fmt.Sprintf("@p%d", i+1)
		}
		return fmt.Sprintf("EXEC %s %s", procedure, strings.Join(markers, ", ")), nil
	default:
		return "", adapter.NewUnsupportedOperationError(dbType, "executeStoredProcedure",
			"no procedure call syntax for this engine")
	}
}

// Begin opens a transaction, or a nested savepoint frame when one is already
// open. The returned name identifies the nested frame's savepoint; it is
// empty for the outermost transaction.
func (c *Client) Begin(ctx context.Context) (string, error) {
	return c.BeginWithIsolation(ctx, "")
}

// BeginWithIsolation opens a transaction with an isolation hint.
func (c *Client) BeginWithIsolation(ctx context.Context, isolation dbcapabilities.IsolationLevel) (name string, err error) {
	if !c.caps.Transactions {
		return "", c.unsupported("begin", "transactions")
	}
	done := c.observe("begin", map[string]any{"isolation": string(isolation)})
	defer func() { done(-1, err) }()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return "", adapter.ErrConnectionClosed
	}
	pinned := c.txConn
	c.mu.Unlock()

	if pinned == nil {
		conn, err := c.manager.GetConnection(ctx)
		if err != nil {
			return "", c.wrap("begin", err)
		}
		name, err := c.tx.Begin(ctx, conn, isolation)
		if err != nil {
			c.manager.ReleaseConnection(conn)
			return "", c.wrap("begin", err)
		}
		c.mu.Lock()
		c.txConn = conn
		c.mu.Unlock()
		return name, nil
	}

	name, err = c.tx.Begin(ctx, pinned, isolation)
	return name, c.wrap("begin", err)
}

// Commit closes the innermost transaction frame. Committing the outermost
// frame releases the pinned connection back to the pool.
func (c *Client) Commit(ctx context.Context) (err error) {
	done := c.observe("commit", nil)
	defer func() { done(-1, err) }()

	conn := c.pinnedConn()
	if conn == nil {
		return c.wrap("commit", adapter.ErrNoActiveTransaction)
	}
	if err := c.tx.Commit(ctx, conn); err != nil {
		return c.wrap("commit", err)
	}
	c.unpinIfDone(conn)
	return nil
}

// Rollback unwinds the innermost transaction frame.
func (c *Client) Rollback(ctx context.Context) (err error) {
	done := c.observe("rollback", nil)
	defer func() { done(-1, err) }()

	conn := c.pinnedConn()
	if conn == nil {
		return c.wrap("rollback", adapter.ErrNoActiveTransaction)
	}
	if err := c.tx.Rollback(ctx, conn, ""); err != nil {
		return c.wrap("rollback", err)
	}
	c.unpinIfDone(conn)
	return nil
}

// RollbackToSavepoint unwinds every frame opened after the named savepoint,
// leaving the savepoint's own frame open.
func (c *Client) RollbackToSavepoint(ctx context.Context, name string) (err error) {
	if !c.caps.Savepoints {
		return c.unsupported("rollbackToSavepoint", "savepoints")
	}
	done := c.observe("rollback_to_savepoint", map[string]any{"savepoint": name})
	defer func() { done(-1, err) }()

	conn := c.pinnedConn()
	if conn == nil {
		return c.wrap("rollbackToSavepoint", adapter.ErrNoActiveTransaction)
	}
	err = c.wrap("rollbackToSavepoint", c.tx.Rollback(ctx, conn, name))
	return err
}

// InTransaction reports whether this instance has an open transaction.
func (c *Client) InTransaction() bool {
	conn := c.pinnedConn()
	return conn != nil && c.tx.InTransaction(conn)
}

func (c *Client) pinnedConn() adapter.Connection {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.txConn
}

// unpinIfDone releases the transaction connection once no frames remain.
func (c *Client) unpinIfDone(conn adapter.Connection) {
	if c.tx.Depth(conn) > 0 {
		return
	}
	c.mu.Lock()
	if c.txConn == conn {
		c.txConn = nil
	}
	c.mu.Unlock()
	c.tx.Forget(conn)
	c.manager.ReleaseConnection(conn)
}

// ExecuteInTransaction runs fn inside a transaction frame, committing on
// success and rolling back on error or panic. When a transaction is already
// open, fn runs in a nested frame.
func (c *Client) ExecuteInTransaction(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if _, err = c.Begin(ctx); err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			if rbErr := c.Rollback(ctx); rbErr != nil {
				c.log.Errorf("rollback after panic: %v", rbErr)
			}
			panic(r)
		}
		if err != nil {
			if rbErr := c.Rollback(ctx); rbErr != nil {
				c.log.Errorf("rollback: %v", rbErr)
			}
			return
		}
		err = c.Commit(ctx)
	}()

	err = fn(ctx)
	return err
}

// ExecuteBatch runs the statements in order inside one transaction and
// returns their results. Engines without transaction support run the batch
// sequentially with no atomicity.
func (c *Client) ExecuteBatch(ctx context.Context, statements []Statement) (results []*adapter.Result, err error) {
	done := c.observe("execute_batch", map[string]any{"statements": len(statements)})
	defer func() { done(int64(len(results)), err) }()

	results = make([]*adapter.Result, 0, len(statements))

	run := func(ctx context.Context) error {
		for i, stmt := range statements {
			result, err := c.QueryWithOptions(ctx, stmt.Query, stmt.Params, adapter.QueryOptions{})
			if err != nil {
				return fmt.Errorf("statement %d: %w", i, err)
			}
			results = append(results, result)
		}
		return nil
	}

	if !c.caps.Transactions {
		if err := run(ctx); err != nil {
			return nil, err
		}
		return results, nil
	}
	if err := c.ExecuteInTransaction(ctx, run); err != nil {
		return nil, err
	}
	return results, nil
}

// BulkInsert writes rows into a table or collection, chunked by the adapter.
func (c *Client) BulkInsert(ctx context.Context, table string, rows []adapter.Row) (written int64, err error) {
	if !c.caps.BulkInsert {
		return 0, c.unsupported("bulkInsert", "bulk insert")
	}
	done := c.observe("bulk_insert", map[string]any{"table": table, "rows": len(rows)})
	defer func() { done(written, err) }()

	conn, release, err := c.acquire(ctx)
	if err != nil {
		return 0, err
	}
	defer release()

	written, err = conn.Data().BulkInsert(ctx, table, rows)
	if err != nil {
		return 0, c.wrap("bulkInsert", err)
	}
	return written, nil
}

// Prepare readies a statement. The statement holds its connection until
// Close, so prepared statements on pooled instances should be short-lived.
func (c *Client) Prepare(ctx context.Context, query string) (_ adapter.PreparedStatement, err error) {
	if !c.caps.PreparedStatements {
		return nil, c.unsupported("prepare", "prepared statements")
	}
	done := c.observe("prepare", nil)
	defer func() { done(-1, err) }()

	conn, release, err := c.acquire(ctx)
	if err != nil {
		return nil, err
	}
	stmt, err := conn.Data().Prepare(ctx, query)
	if err != nil {
		release()
		return nil, c.wrap("prepare", err)
	}
	return &pinnedStatement{PreparedStatement: stmt, release: release}, nil
}

type pinnedStatement struct {
	adapter.PreparedStatement
	release  func()
	released bool
}

func (p *pinnedStatement) Close(ctx context.Context) error {
	err := p.PreparedStatement.Close(ctx)
	if !p.released {
		p.released = true
		p.release()
	}
	return err
}

// Stream reads a large result incrementally. The stream holds its connection
// until Close.
func (c *Client) Stream(ctx context.Context, query string, params []any, opts adapter.QueryOptions) (_ adapter.RowStream, err error) {
	if !c.caps.Streaming {
		return nil, c.unsupported("stream", "streaming")
	}
	done := c.observe("stream", map[string]any{"params": len(params)})
	defer func() { done(-1, err) }()

	conn, release, err := c.acquire(ctx)
	if err != nil {
		return nil, err
	}
	stream, err := conn.Data().Stream(ctx, query, params, opts)
	if err != nil {
		release()
		return nil, c.wrap("stream", err)
	}
	return &pinnedStream{RowStream: stream, release: release}, nil
}

type pinnedStream struct {
	adapter.RowStream
	release  func()
	released bool
}

func (p *pinnedStream) Close() error {
	err := p.RowStream.Close()
	if !p.released {
		p.released = true
		p.release()
	}
	return err
}

// GetMetadata collects server-level metadata for the instance.
func (c *Client) GetMetadata(ctx context.Context) (_ *adapter.DatabaseMetadata, err error) {
	done := c.observe("get_metadata", nil)
	defer func() { done(-1, err) }()

	conn, release, err := c.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	meta, err := conn.Metadata().CollectDatabaseMetadata(ctx)
	return meta, c.wrap("getMetadata", err)
}

// GetTableInfo describes one table, collection, or key.
func (c *Client) GetTableInfo(ctx context.Context, table string) (_ *adapter.TableInfo, err error) {
	done := c.observe("get_table_info", map[string]any{"table": table})
	defer func() { done(-1, err) }()

	conn, release, err := c.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	info, err := conn.Metadata().GetTableInfo(ctx, table)
	return info, c.wrap("getTableInfo", err)
}

// GetVersion returns the backend server version string.
func (c *Client) GetVersion(ctx context.Context) (_ string, err error) {
	done := c.observe("get_version", nil)
	defer func() { done(-1, err) }()

	conn, release, err := c.acquire(ctx)
	if err != nil {
		return "", err
	}
	defer release()

	version, err := conn.Metadata().GetVersion(ctx)
	return version, c.wrap("getVersion", err)
}

// Close rolls back any open transaction and disconnects the instance.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.txConn
	c.txConn = nil
	c.mu.Unlock()

	if conn != nil {
		c.log.Warnf("closing %s with an open transaction, rolling back", c.alias)
		if err := c.tx.Rollback(context.Background(), conn, ""); err != nil {
			c.log.Errorf("rollback on close: %v", err)
		}
		c.tx.Forget(conn)
		c.manager.ReleaseConnection(conn)
	}
	c.log.EmitEvent(logger.LevelInfo, "disconnect", c.alias, -1, -1, nil)
	return c.manager.Disconnect()
}
