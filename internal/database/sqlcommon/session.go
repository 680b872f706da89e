package sqlcommon

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/relialab/dbcore/pkg/adapter"
	"github.com/relialab/dbcore/pkg/dbcapabilities"
	"github.com/relialab/dbcore/pkg/logger"
)

// Session is one pinned database/sql session implementing adapter.Connection.
// It holds a single *sql.Conn so that BEGIN/SAVEPOINT statements issued by the
// transaction manager land on the same wire connection as the queries around
// them, and so that a connection broken mid-transaction fails loudly instead
// of being transparently replaced by the database/sql pool.
type Session struct {
	id        string
	db        *sql.DB
	conn      *sql.Conn
	dialect   Dialect
	config    adapter.ConnectionConfig
	owner     adapter.Adapter
	log       *logger.Logger
	connected int32

	// tx is the open driver-level transaction for dialects that need one
	// (DriverTxDialect). Statements route through it while it is open.
	txmu sync.Mutex
	tx   *sql.Tx
}

// Open dials the engine through its dialect, pins a single session, verifies
// it with a ping, and applies the configured session parameters.
func Open(ctx context.Context, dialect Dialect, config adapter.ConnectionConfig, owner adapter.Adapter, log *logger.Logger) (*Session, error) {
	dsn, err := dialect.BuildDSN(config)
	if err != nil {
		return nil, adapter.NewConfigurationError(dialect.Type(), "connection", err.Error())
	}

	db, err := sql.Open(dialect.DriverName(), dsn)
	if err != nil {
		return nil, adapter.NewConnectionError(dialect.Type(), config.Host, config.Port, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxIdleTime(0)

	dialCtx, cancel := context.WithTimeout(ctx, config.ConnectionTimeout)
	defer cancel()
	conn, err := db.Conn(dialCtx)
	if err != nil {
		db.Close()
		return nil, adapter.NewConnectionError(dialect.Type(), config.Host, config.Port, err)
	}
	if err := conn.PingContext(dialCtx); err != nil {
		conn.Close()
		db.Close()
		return nil, adapter.NewConnectionError(dialect.Type(), config.Host, config.Port, err)
	}

	s := &Session{
		id:        uuid.NewString(),
		db:        db,
		conn:      conn,
		dialect:   dialect,
		config:    config,
		owner:     owner,
		log:       log,
		connected: 1,
	}

	for key, value := range config.SessionParameters {
		stmt := dialect.SessionStatement(key, value)
		if stmt == "" {
			continue
		}
		if _, err := s.execContext(ctx, stmt); err != nil {
			s.Close()
			return nil, adapter.NewConfigurationError(dialect.Type(), "sessionParameters",
				fmt.Sprintf("applying %s: %v", key, err))
		}
	}

	return s, nil
}

func (s *Session) ID() string                        { return s.id }
func (s *Session) Type() dbcapabilities.DatabaseType { return s.dialect.Type() }
func (s *Session) IsConnected() bool                 { return atomic.LoadInt32(&s.connected) == 1 }
func (s *Session) Raw() any                          { return s.conn }
func (s *Session) Config() adapter.ConnectionConfig  { return s.config }
func (s *Session) Adapter() adapter.Adapter          { return s.owner }
func (s *Session) Data() adapter.DataOperator        { return &dataOps{s: s} }

// Tx selects statement-driven transactions unless the dialect requires the
// driver's own BeginTx to leave autocommit.
func (s *Session) Tx() adapter.TxOperator {
	if d, ok := s.dialect.(DriverTxDialect); ok {
		return &driverTxOps{s: s, d: d}
	}
	return &txOps{s: s}
}

func (s *Session) Metadata() adapter.MetadataOperator { return &metadataOps{s: s} }

// Ping verifies the server is reachable on the pinned connection.
func (s *Session) Ping(ctx context.Context) error {
	if !s.IsConnected() {
		return adapter.ErrConnectionClosed
	}
	if err := s.conn.PingContext(ctx); err != nil {
		return s.dialect.MapError("ping", err)
	}
	return nil
}

// Close tears the session down. Safe to call more than once.
func (s *Session) Close() error {
	if !atomic.CompareAndSwapInt32(&s.connected, 1, 0) {
		return nil
	}
	s.txmu.Lock()
	if s.tx != nil {
		s.tx.Rollback()
		s.tx = nil
	}
	s.txmu.Unlock()
	err := s.conn.Close()
	if dbErr := s.db.Close(); err == nil {
		err = dbErr
	}
	return err
}

// Dialect exposes the dialect for engine-specific operators.
func (s *Session) Dialect() Dialect { return s.dialect }

// Conn exposes the pinned connection for engine-specific operators.
func (s *Session) Conn() *sql.Conn { return s.conn }

// Logger returns the session logger.
func (s *Session) Logger() *logger.Logger { return s.log }

// guard returns the standard error when the session is closed.
func (s *Session) guard() error {
	if !s.IsConnected() {
		return adapter.ErrConnectionClosed
	}
	return nil
}

// currentTx returns the open driver-level transaction, if any.
func (s *Session) currentTx() *sql.Tx {
	s.txmu.Lock()
	defer s.txmu.Unlock()
	return s.tx
}

func (s *Session) execContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	if tx := s.currentTx(); tx != nil {
		return tx.ExecContext(ctx, query, args...)
	}
	return s.conn.ExecContext(ctx, query, args...)
}

func (s *Session) queryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	if tx := s.currentTx(); tx != nil {
		return tx.QueryContext(ctx, query, args...)
	}
	return s.conn.QueryContext(ctx, query, args...)
}

func (s *Session) queryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	if tx := s.currentTx(); tx != nil {
		return tx.QueryRowContext(ctx, query, args...)
	}
	return s.conn.QueryRowContext(ctx, query, args...)
}

func (s *Session) prepareContext(ctx context.Context, query string) (*sql.Stmt, error) {
	if tx := s.currentTx(); tx != nil {
		return tx.PrepareContext(ctx, query)
	}
	return s.conn.PrepareContext(ctx, query)
}
