// Package redis implements the adapter contract for Redis. Query text is a
// command line ("GET user:1", "HSET user:1 name alice"); transactions are
// rejected up front per the capability flags.
package redis

import (
	"context"
	"crypto/tls"
	"fmt"
	"strconv"
	"sync/atomic"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/relialab/dbcore/pkg/adapter"
	"github.com/relialab/dbcore/pkg/dbcapabilities"
	"github.com/relialab/dbcore/pkg/logger"
)

// Adapter connects to Redis servers.
type Adapter struct {
	log *logger.Logger
}

// NewAdapter creates the Redis adapter.
func NewAdapter(log *logger.Logger) *Adapter {
	return &Adapter{log: log}
}

func (a *Adapter) Type() dbcapabilities.DatabaseType {
	return dbcapabilities.Redis
}

func (a *Adapter) Capabilities() dbcapabilities.Capability {
	return dbcapabilities.MustGet(dbcapabilities.Redis)
}

func (a *Adapter) Connect(ctx context.Context, config adapter.ConnectionConfig) (adapter.Connection, error) {
	dbIndex := 0
	if config.DatabaseName != "" {
		parsed, err := strconv.Atoi(config.DatabaseName)
		if err != nil {
			return nil, adapter.NewConfigurationError(dbcapabilities.Redis, "database",
				fmt.Sprintf("redis database must be a numeric index, got %q", config.DatabaseName))
		}
		dbIndex = parsed
	}

	opts := &goredis.Options{
		Addr:        fmt.Sprintf("%s:%d", config.Host, config.Port),
		Username:    config.Username,
		Password:    config.Password,
		DB:          dbIndex,
		DialTimeout: config.ConnectionTimeout,
		// One connection per adapter.Connection; pooling happens above.
		PoolSize:     1,
		MinIdleConns: 0,
	}
	if config.SSL {
		tlsConfig := &tls.Config{ServerName: config.Host}
		if config.SSLRejectUnauthorized != nil && !*config.SSLRejectUnauthorized {
			tlsConfig.InsecureSkipVerify = true
		}
		opts.TLSConfig = tlsConfig
	}

	client := goredis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, config.ConnectionTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, mapError("connect", err)
	}

	c := &Conn{
		id:        uuid.NewString(),
		client:    client,
		config:    config,
		owner:     a,
		log:       a.log,
		connected: 1,
	}
	a.log.Infof("connected to redis at %s:%d db=%d", config.Host, config.Port, dbIndex)
	return c, nil
}

// Conn is one Redis connection.
type Conn struct {
	id        string
	client    *goredis.Client
	config    adapter.ConnectionConfig
	owner     *Adapter
	log       *logger.Logger
	connected int32
}

func (c *Conn) ID() string                        { return c.id }
func (c *Conn) Type() dbcapabilities.DatabaseType { return dbcapabilities.Redis }
func (c *Conn) IsConnected() bool                 { return atomic.LoadInt32(&c.connected) == 1 }
func (c *Conn) Raw() any                          { return c.client }
func (c *Conn) Config() adapter.ConnectionConfig  { return c.config }
func (c *Conn) Adapter() adapter.Adapter          { return c.owner }
func (c *Conn) Data() adapter.DataOperator        { return &dataOps{c: c} }

// Tx rejects every call; Redis MULTI/EXEC queues commands without reads and
// cannot express the interactive transaction contract.
func (c *Conn) Tx() adapter.TxOperator {
	return adapter.UnsupportedTx{DatabaseType: dbcapabilities.Redis}
}

func (c *Conn) Metadata() adapter.MetadataOperator { return &metadataOps{c: c} }

func (c *Conn) Ping(ctx context.Context) error {
	if !c.IsConnected() {
		return adapter.ErrConnectionClosed
	}
	if err := c.client.Ping(ctx).Err(); err != nil {
		return mapError("ping", err)
	}
	return nil
}

func (c *Conn) Close() error {
	if !atomic.CompareAndSwapInt32(&c.connected, 1, 0) {
		return nil
	}
	return c.client.Close()
}

func (c *Conn) guard() error {
	if !c.IsConnected() {
		return adapter.ErrConnectionClosed
	}
	return nil
}
