// Package dbcore is a backend-agnostic database access layer. A Registry
// holds named database instances; each instance is a Client that runs
// queries, transactions, and metadata operations through a uniform contract,
// with pooling, health monitoring, and savepoint-emulated nested transactions
// underneath.
package dbcore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/relialab/dbcore/internal/database/executor"
	"github.com/relialab/dbcore/internal/database/hana"
	"github.com/relialab/dbcore/internal/database/manager"
	"github.com/relialab/dbcore/internal/database/mongodb"
	"github.com/relialab/dbcore/internal/database/mssql"
	"github.com/relialab/dbcore/internal/database/mysql"
	"github.com/relialab/dbcore/internal/database/postgres"
	"github.com/relialab/dbcore/internal/database/redis"
	"github.com/relialab/dbcore/internal/database/txmanager"
	"github.com/relialab/dbcore/pkg/adapter"
	"github.com/relialab/dbcore/pkg/configprovider"
	"github.com/relialab/dbcore/pkg/dbcapabilities"
	"github.com/relialab/dbcore/pkg/logger"
	"github.com/relialab/dbcore/pkg/secrets"
)

// Registry holds named database instances. It is an explicit object; create
// one per process (or per test) rather than sharing hidden globals.
type Registry struct {
	log       *logger.Logger
	decrypter secrets.Decrypter
	adapters  *adapter.Registry
	onFatal   func(alias string, err error)

	mu      sync.Mutex
	clients map[string]*Client
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger shared by all instances.
func WithLogger(log *logger.Logger) Option {
	return func(r *Registry) { r.log = log }
}

// WithDecrypter sets the secret decrypter for enc: password values.
func WithDecrypter(d secrets.Decrypter) Option {
	return func(r *Registry) { r.decrypter = d }
}

// WithAdapterRegistry replaces the default engine set, for tests or for
// trimmed builds.
func WithAdapterRegistry(adapters *adapter.Registry) Option {
	return func(r *Registry) { r.adapters = adapters }
}

// WithFatalHandler registers a callback invoked when an instance exhausts
// its reconnect attempts.
func WithFatalHandler(fn func(alias string, err error)) Option {
	return func(r *Registry) { r.onFatal = fn }
}

// NewRegistry creates a registry with every supported engine registered.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		log:       logger.New("dbcore"),
		decrypter: secrets.Passthrough(),
		clients:   make(map[string]*Client),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.adapters == nil {
		r.adapters = DefaultAdapters(r.log)
	}
	return r
}

// DefaultAdapters builds an adapter registry with all six engines.
func DefaultAdapters(log *logger.Logger) *adapter.Registry {
	reg := adapter.NewRegistry()
	reg.Register(postgres.NewAdapter(log.Named("postgres")))
	reg.Register(mysql.NewAdapter(log.Named("mysql")))
	reg.Register(mssql.NewAdapter(log.Named("mssql")))
	reg.Register(hana.NewAdapter(log.Named("hana")))
	reg.Register(mongodb.NewAdapter(log.Named("mongodb")))
	reg.Register(redis.NewAdapter(log.Named("redis")))
	return reg
}

// Open normalizes the configuration, connects the instance, and registers it
// under its alias. The alias must be unused.
func (r *Registry) Open(ctx context.Context, config adapter.ConnectionConfig) (*Client, error) {
	if !config.Processed() {
		normalized, err := config.Normalize(r.decrypter)
		if err != nil {
			return nil, err
		}
		config = normalized
	}
	dbType, err := config.DatabaseType()
	if err != nil {
		return nil, err
	}
	a, err := r.adapters.Get(dbType)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	if _, exists := r.clients[config.Alias]; exists {
		r.mu.Unlock()
		return nil, fmt.Errorf("instance %q is already open", config.Alias)
	}
	r.mu.Unlock()

	log := r.log.Named(config.Alias)
	log.EmitEvent(logger.LevelDebug, "connect.start", config.Alias, -1, -1,
		map[string]any{"type": string(dbType), "host": config.Host})
	start := time.Now()
	mgr := manager.New(a, config, log, manager.WithFatalHandler(r.onFatal))
	if err := mgr.Connect(ctx); err != nil {
		log.EmitEvent(logger.LevelWarn, "connect", config.Alias,
			time.Since(start).Milliseconds(), -1,
			map[string]any{"type": string(dbType), "host": config.Host, "error": err.Error()})
		return nil, adapter.WrapError(dbType, "connect", err)
	}
	log.EmitEvent(logger.LevelInfo, "connect", config.Alias,
		time.Since(start).Milliseconds(), -1,
		map[string]any{"type": string(dbType), "host": config.Host, "pooled": mgr.Pooled()})

	client := &Client{
		alias:    config.Alias,
		dbType:   dbType,
		caps:     a.Capabilities(),
		config:   config,
		manager:  mgr,
		tx:       txmanager.New(log.Named("tx")),
		executor: executor.New(log.Named("exec"), config.QueryTimeout),
		log:      log,
	}

	r.mu.Lock()
	if _, exists := r.clients[config.Alias]; exists {
		r.mu.Unlock()
		mgr.Disconnect()
		return nil, fmt.Errorf("instance %q is already open", config.Alias)
	}
	r.clients[config.Alias] = client
	r.mu.Unlock()
	return client, nil
}

// OpenFromProvider reads the instance's configuration from a provider using
// the db.<alias>.* key layout.
func (r *Registry) OpenFromProvider(ctx context.Context, p configprovider.Provider, alias string) (*Client, error) {
	config, err := adapter.ConfigFromProvider(p, alias)
	if err != nil {
		return nil, err
	}
	return r.Open(ctx, config)
}

// Get returns the open instance registered under alias.
func (r *Registry) Get(alias string) (*Client, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	client, ok := r.clients[alias]
	return client, ok
}

// Aliases lists the open instances.
func (r *Registry) Aliases() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	aliases := make([]string, 0, len(r.clients))
	for alias := range r.clients {
		aliases = append(aliases, alias)
	}
	return aliases
}

// Close disconnects and removes one instance.
func (r *Registry) Close(alias string) error {
	r.mu.Lock()
	client, ok := r.clients[alias]
	delete(r.clients, alias)
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("no open instance %q", alias)
	}
	return client.Close()
}

// CloseAll disconnects every instance, returning the first error seen.
func (r *Registry) CloseAll() error {
	r.mu.Lock()
	clients := make([]*Client, 0, len(r.clients))
	for _, client := range r.clients {
		clients = append(clients, client)
	}
	r.clients = make(map[string]*Client)
	r.mu.Unlock()

	var firstErr error
	for _, client := range clients {
		if err := client.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// CapabilitiesFor resolves an engine name or alias to its capability entry.
func (r *Registry) CapabilitiesFor(name string) (dbcapabilities.Capability, error) {
	dbType, ok := dbcapabilities.ParseID(name)
	if !ok {
		return dbcapabilities.Capability{}, fmt.Errorf("unknown database type %q", name)
	}
	return r.adapters.GetCapabilities(dbType)
}
