package adapter

import (
	"fmt"
	"time"

	"github.com/relialab/dbcore/pkg/configprovider"
	"github.com/relialab/dbcore/pkg/dbcapabilities"
	"github.com/relialab/dbcore/pkg/secrets"
)

// Default sizing and timing applied by ConnectionConfig.Normalize.
const (
	DefaultConnectionTimeout = 30 * time.Second
	DefaultQueryTimeout      = 60 * time.Second
	DefaultPoolMin           = 2
	DefaultPoolMax           = 10
	DefaultAcquireTimeout    = 30 * time.Second
	DefaultIdleTimeout       = 5 * time.Minute
)

// PoolConfig sizes the connection pool for one instance.
type PoolConfig struct {
	Min            int           `json:"min"`
	Max            int           `json:"max"`
	AcquireTimeout time.Duration `json:"acquireTimeout"`
	IdleTimeout    time.Duration `json:"idleTimeout"`
}

// ConnectionConfig is the unified configuration for one database instance.
// Normalize processes it exactly once (connection-string expansion, defaults,
// credential decryption); after that it is treated as immutable.
type ConnectionConfig struct {
	// Alias names the instance in the registry and in log events.
	Alias string `json:"alias,omitempty"`

	// Type is the engine tag; any registered alias is accepted.
	Type string `json:"type"`

	Host         string `json:"host"`
	Port         int    `json:"port"`
	DatabaseName string `json:"database"`
	Username     string `json:"username,omitempty"`

	// Password may arrive prefixed "enc:"; Normalize resolves it through the
	// secrets collaborator.
	Password string `json:"password,omitempty"`

	// SSL/TLS configuration.
	SSL                   bool   `json:"ssl,omitempty"`
	SSLMode               string `json:"sslMode,omitempty"`
	SSLRejectUnauthorized *bool  `json:"sslRejectUnauthorized,omitempty"`
	SSLCert               string `json:"sslCert,omitempty"`
	SSLKey                string `json:"sslKey,omitempty"`
	SSLRootCert           string `json:"sslRootCert,omitempty"`

	// Timeouts.
	ConnectionTimeout time.Duration `json:"connectionTimeout,omitempty"`
	QueryTimeout      time.Duration `json:"queryTimeout,omitempty"`

	// Pool sizing. Pool.Max == 0 after Normalize means pooling is disabled and
	// the manager keeps a single connection.
	Pool PoolConfig `json:"pool,omitempty"`

	// SessionParameters are applied on every new connection post-connect.
	SessionParameters map[string]string `json:"sessionParameters,omitempty"`

	// AdditionalOptions are backend-specific passthrough values.
	AdditionalOptions map[string]string `json:"additionalOptions,omitempty"`

	// ConnectionString, when set, supplies type/host/port/database/credentials;
	// explicit fields above win over parsed values.
	ConnectionString string `json:"connectionString,omitempty"`

	// Retry is the instance-level default retry policy.
	Retry RetryPolicy `json:"retry,omitempty"`

	processed bool
}

// Processed reports whether Normalize already ran on this config.
func (c ConnectionConfig) Processed() bool { return c.processed }

// DatabaseType resolves the configured type tag to a canonical engine ID.
func (c ConnectionConfig) DatabaseType() (dbcapabilities.DatabaseType, error) {
	id, ok := dbcapabilities.ParseID(c.Type)
	if !ok {
		return "", NewConfigurationError(dbcapabilities.DatabaseType(c.Type), "type",
			fmt.Sprintf("unknown database type %q", c.Type))
	}
	return id, nil
}

// Normalize expands the connection string, applies defaults, and resolves
// encrypted credentials. It returns a processed copy; calling it on an
// already-processed config is an error.
func (c ConnectionConfig) Normalize(decrypter secrets.Decrypter) (ConnectionConfig, error) {
	if c.processed {
		return c, fmt.Errorf("configuration already processed")
	}

	if c.ConnectionString != "" {
		details, err := dbcapabilities.ParseConnectionString(c.ConnectionString)
		if err != nil {
			return c, NewConfigurationError(dbcapabilities.DatabaseType(c.Type), "connectionString", err.Error())
		}
		if c.Type == "" {
			c.Type = string(details.DatabaseType)
		}
		if c.Host == "" {
			c.Host = details.Host
		}
		if c.Port == 0 {
			c.Port = details.Port
		}
		if c.DatabaseName == "" {
			c.DatabaseName = details.DatabaseName
		}
		if c.Username == "" {
			c.Username = details.Username
		}
		if c.Password == "" {
			c.Password = details.Password
		}
		if !c.SSL {
			c.SSL = details.SSL
			if c.SSLMode == "" {
				c.SSLMode = details.SSLMode
			}
		}
		for k, v := range details.Parameters {
			if c.AdditionalOptions == nil {
				c.AdditionalOptions = make(map[string]string)
			}
			if _, exists := c.AdditionalOptions[k]; !exists {
				c.AdditionalOptions[k] = v
			}
		}
	}

	dbType, err := c.DatabaseType()
	if err != nil {
		return c, err
	}
	capability := dbcapabilities.MustGet(dbType)

	if c.Host == "" {
		return c, NewConfigurationError(dbType, "host", "host is required")
	}
	if c.Port == 0 {
		c.Port = capability.DefaultPort
	}
	if c.ConnectionTimeout == 0 {
		c.ConnectionTimeout = DefaultConnectionTimeout
	}
	if c.QueryTimeout == 0 {
		c.QueryTimeout = DefaultQueryTimeout
	}
	if c.Pool.Max > 0 {
		if c.Pool.Min < 0 || c.Pool.Min > c.Pool.Max {
			return c, NewConfigurationError(dbType, "pool",
				fmt.Sprintf("pool min %d must be within [0, max %d]", c.Pool.Min, c.Pool.Max))
		}
		if c.Pool.AcquireTimeout == 0 {
			c.Pool.AcquireTimeout = DefaultAcquireTimeout
		}
		if c.Pool.IdleTimeout == 0 {
			c.Pool.IdleTimeout = DefaultIdleTimeout
		}
	}
	if c.Retry.RetryableCodes == nil {
		c.Retry = DefaultRetryPolicy()
	}

	password, err := secrets.Resolve(c.Password, decrypter)
	if err != nil {
		return c, NewConfigurationError(dbType, "password", err.Error())
	}
	c.Password = password

	c.processed = true
	return c, nil
}

// ConfigFromProvider assembles a ConnectionConfig for a named instance from a
// configuration provider. Keys follow the pattern "db.<alias>.<field>".
func ConfigFromProvider(p configprovider.Provider, alias string) (ConnectionConfig, error) {
	prefix := "db." + alias + "."
	get := func(field string) string {
		v, _ := p.Get(prefix + field)
		return v
	}

	cfg := ConnectionConfig{
		Alias:            alias,
		Type:             get("type"),
		Host:             get("host"),
		DatabaseName:     get("database"),
		Username:         get("username"),
		Password:         get("password"),
		SSLMode:          get("sslmode"),
		SSLCert:          get("sslcert"),
		SSLKey:           get("sslkey"),
		SSLRootCert:      get("sslrootcert"),
		ConnectionString: get("connectionstring"),
	}

	var err error
	if cfg.Port, err = p.GetInt(prefix+"port", 0); err != nil {
		return cfg, err
	}
	if cfg.SSL, err = p.GetBool(prefix+"ssl", false); err != nil {
		return cfg, err
	}
	if cfg.ConnectionTimeout, err = p.GetDuration(prefix+"connectiontimeout", 0); err != nil {
		return cfg, err
	}
	if cfg.QueryTimeout, err = p.GetDuration(prefix+"querytimeout", 0); err != nil {
		return cfg, err
	}

	// poolsize is shorthand for min == max.
	poolSize, err := p.GetInt(prefix+"poolsize", 0)
	if err != nil {
		return cfg, err
	}
	if poolSize > 0 {
		cfg.Pool.Min, cfg.Pool.Max = poolSize, poolSize
	}
	if cfg.Pool.Min, err = p.GetInt(prefix+"poolmin", cfg.Pool.Min); err != nil {
		return cfg, err
	}
	if cfg.Pool.Max, err = p.GetInt(prefix+"poolmax", cfg.Pool.Max); err != nil {
		return cfg, err
	}
	if cfg.Pool.AcquireTimeout, err = p.GetDuration(prefix+"poolacquiretimeout", 0); err != nil {
		return cfg, err
	}
	if cfg.Pool.IdleTimeout, err = p.GetDuration(prefix+"poolidletimeout", 0); err != nil {
		return cfg, err
	}

	// Remaining keys under the alias become session parameters or passthrough
	// options.
	for _, key := range p.AllKeys() {
		if len(key) <= len(prefix) || key[:len(prefix)] != prefix {
			continue
		}
		field := key[len(prefix):]
		switch {
		case len(field) > 8 && field[:8] == "session.":
			if cfg.SessionParameters == nil {
				cfg.SessionParameters = make(map[string]string)
			}
			cfg.SessionParameters[field[8:]], _ = p.Get(key)
		case len(field) > 8 && field[:8] == "options.":
			if cfg.AdditionalOptions == nil {
				cfg.AdditionalOptions = make(map[string]string)
			}
			cfg.AdditionalOptions[field[8:]], _ = p.Get(key)
		}
	}

	if cfg.Type == "" && cfg.ConnectionString == "" {
		return cfg, fmt.Errorf("instance %q: either %stype or %sconnectionstring must be set", alias, prefix, prefix)
	}
	return cfg, nil
}
