// Package postgres implements the adapter contract for PostgreSQL on a
// single pgx connection per adapter.Connection, so transaction control and
// queries always share one wire connection.
package postgres

import (
	"context"
	"fmt"
	"net/url"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/relialab/dbcore/pkg/adapter"
	"github.com/relialab/dbcore/pkg/dbcapabilities"
	"github.com/relialab/dbcore/pkg/logger"
)

// Adapter connects to PostgreSQL servers.
type Adapter struct {
	log *logger.Logger
}

// NewAdapter creates the PostgreSQL adapter.
func NewAdapter(log *logger.Logger) *Adapter {
	return &Adapter{log: log}
}

func (a *Adapter) Type() dbcapabilities.DatabaseType {
	return dbcapabilities.PostgreSQL
}

func (a *Adapter) Capabilities() dbcapabilities.Capability {
	return dbcapabilities.MustGet(dbcapabilities.PostgreSQL)
}

// Connect dials one pgx connection.
func (a *Adapter) Connect(ctx context.Context, config adapter.ConnectionConfig) (adapter.Connection, error) {
	dsn, err := buildDSN(config)
	if err != nil {
		return nil, err
	}

	dialCtx, cancel := context.WithTimeout(ctx, config.ConnectionTimeout)
	defer cancel()
	pgConn, err := pgx.Connect(dialCtx, dsn)
	if err != nil {
		return nil, mapError("connect", err)
	}

	c := &Conn{
		id:        uuid.NewString(),
		conn:      pgConn,
		config:    config,
		owner:     a,
		log:       a.log,
		connected: 1,
	}

	for key, value := range config.SessionParameters {
		stmt := fmt.Sprintf("SET %s = %s", key, value)
		if _, err := pgConn.Exec(ctx, stmt); err != nil {
			pgConn.Close(ctx)
			return nil, adapter.NewConfigurationError(dbcapabilities.PostgreSQL, "sessionParameters",
				fmt.Sprintf("applying %s: %v", key, err))
		}
	}

	a.log.Infof("connected to postgres at %s:%d/%s", config.Host, config.Port, config.DatabaseName)
	return c, nil
}

func buildDSN(config adapter.ConnectionConfig) (string, error) {
	query := url.Values{}
	sslMode := "disable"
	if config.SSL {
		sslMode = "require"
		if config.SSLMode != "" {
			sslMode = config.SSLMode
		}
		if config.SSLCert != "" {
			query.Set("sslcert", config.SSLCert)
		}
		if config.SSLKey != "" {
			query.Set("sslkey", config.SSLKey)
		}
		if config.SSLRootCert != "" {
			query.Set("sslrootcert", config.SSLRootCert)
		}
	}
	query.Set("sslmode", sslMode)
	for key, value := range config.AdditionalOptions {
		query.Set(key, fmt.Sprint(value))
	}

	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(config.Username, config.Password),
		Host:     fmt.Sprintf("%s:%d", config.Host, config.Port),
		Path:     "/" + config.DatabaseName,
		RawQuery: query.Encode(),
	}
	return u.String(), nil
}

// Conn is one live PostgreSQL connection.
type Conn struct {
	id        string
	conn      *pgx.Conn
	config    adapter.ConnectionConfig
	owner     *Adapter
	log       *logger.Logger
	connected int32
}

func (c *Conn) ID() string                        { return c.id }
func (c *Conn) Type() dbcapabilities.DatabaseType { return dbcapabilities.PostgreSQL }
func (c *Conn) IsConnected() bool                 { return atomic.LoadInt32(&c.connected) == 1 }
func (c *Conn) Raw() any                          { return c.conn }
func (c *Conn) Config() adapter.ConnectionConfig  { return c.config }
func (c *Conn) Adapter() adapter.Adapter          { return c.owner }
func (c *Conn) Data() adapter.DataOperator        { return &dataOps{c: c} }
func (c *Conn) Tx() adapter.TxOperator            { return &txOps{c: c} }
func (c *Conn) Metadata() adapter.MetadataOperator {
	return &metadataOps{c: c}
}

func (c *Conn) Ping(ctx context.Context) error {
	if !c.IsConnected() {
		return adapter.ErrConnectionClosed
	}
	if err := c.conn.Ping(ctx); err != nil {
		return mapError("ping", err)
	}
	return nil
}

func (c *Conn) Close() error {
	if !atomic.CompareAndSwapInt32(&c.connected, 1, 0) {
		return nil
	}
	return c.conn.Close(context.Background())
}

func (c *Conn) guard() error {
	if !c.IsConnected() {
		return adapter.ErrConnectionClosed
	}
	return nil
}
