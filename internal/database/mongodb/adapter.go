// Package mongodb implements the adapter contract for MongoDB. Query text is
// a JSON command document run against the configured database; transactions
// ride on a driver session pinned to the connection.
package mongodb

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/relialab/dbcore/pkg/adapter"
	"github.com/relialab/dbcore/pkg/dbcapabilities"
	"github.com/relialab/dbcore/pkg/logger"
)

// Adapter connects to MongoDB deployments.
type Adapter struct {
	log *logger.Logger
}

// NewAdapter creates the MongoDB adapter.
func NewAdapter(log *logger.Logger) *Adapter {
	return &Adapter{log: log}
}

func (a *Adapter) Type() dbcapabilities.DatabaseType {
	return dbcapabilities.MongoDB
}

func (a *Adapter) Capabilities() dbcapabilities.Capability {
	return dbcapabilities.MustGet(dbcapabilities.MongoDB)
}

func (a *Adapter) Connect(ctx context.Context, config adapter.ConnectionConfig) (adapter.Connection, error) {
	uri := buildURI(config)
	clientOpts := options.Client().
		ApplyURI(uri).
		SetConnectTimeout(config.ConnectionTimeout).
		SetMaxPoolSize(1)

	client, err := mongo.Connect(clientOpts)
	if err != nil {
		return nil, mapError("connect", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, config.ConnectionTimeout)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		client.Disconnect(context.Background())
		return nil, mapError("connect", err)
	}

	c := &Conn{
		id:        uuid.NewString(),
		client:    client,
		db:        client.Database(config.DatabaseName),
		config:    config,
		owner:     a,
		log:       a.log,
		connected: 1,
	}
	a.log.Infof("connected to mongodb at %s:%d/%s", config.Host, config.Port, config.DatabaseName)
	return c, nil
}

func buildURI(config adapter.ConnectionConfig) string {
	if config.ConnectionString != "" {
		return config.ConnectionString
	}
	query := url.Values{}
	query.Set("authSource", "admin")
	if config.SSL {
		query.Set("tls", "true")
		if config.SSLRejectUnauthorized != nil && !*config.SSLRejectUnauthorized {
			query.Set("tlsInsecure", "true")
		}
	}
	for key, value := range config.AdditionalOptions {
		query.Set(key, fmt.Sprint(value))
	}

	u := url.URL{
		Scheme:   "mongodb",
		Host:     fmt.Sprintf("%s:%d", config.Host, config.Port),
		Path:     "/" + config.DatabaseName,
		RawQuery: query.Encode(),
	}
	if config.Username != "" {
		u.User = url.UserPassword(config.Username, config.Password)
	}
	return u.String()
}

// Conn is one logical MongoDB connection. The driver's internal pool is
// capped at one so session state stays on a single server connection.
type Conn struct {
	id        string
	client    *mongo.Client
	db        *mongo.Database
	config    adapter.ConnectionConfig
	owner     *Adapter
	log       *logger.Logger
	connected int32

	mu      sync.Mutex
	session *mongo.Session
}

func (c *Conn) ID() string                         { return c.id }
func (c *Conn) Type() dbcapabilities.DatabaseType  { return dbcapabilities.MongoDB }
func (c *Conn) IsConnected() bool                  { return atomic.LoadInt32(&c.connected) == 1 }
func (c *Conn) Raw() any                           { return c.client }
func (c *Conn) Config() adapter.ConnectionConfig   { return c.config }
func (c *Conn) Adapter() adapter.Adapter           { return c.owner }
func (c *Conn) Data() adapter.DataOperator         { return &dataOps{c: c} }
func (c *Conn) Tx() adapter.TxOperator             { return &txOps{c: c} }
func (c *Conn) Metadata() adapter.MetadataOperator { return &metadataOps{c: c} }

func (c *Conn) Ping(ctx context.Context) error {
	if !c.IsConnected() {
		return adapter.ErrConnectionClosed
	}
	if err := c.client.Ping(ctx, nil); err != nil {
		return mapError("ping", err)
	}
	return nil
}

func (c *Conn) Close() error {
	if !atomic.CompareAndSwapInt32(&c.connected, 1, 0) {
		return nil
	}
	c.mu.Lock()
	if c.session != nil {
		c.session.EndSession(context.Background())
		c.session = nil
	}
	c.mu.Unlock()
	return c.client.Disconnect(context.Background())
}

func (c *Conn) guard() error {
	if !c.IsConnected() {
		return adapter.ErrConnectionClosed
	}
	return nil
}

// opCtx attaches the active transaction session, if any, to the context so
// commands run inside the transaction.
func (c *Conn) opCtx(ctx context.Context) context.Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session != nil {
		return mongo.NewSessionContext(ctx, c.session)
	}
	return ctx
}
