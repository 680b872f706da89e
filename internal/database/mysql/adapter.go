// Package mysql implements the adapter contract for MySQL and MariaDB
// through the shared database/sql session machinery.
package mysql

import (
	"context"

	"github.com/relialab/dbcore/internal/database/sqlcommon"
	"github.com/relialab/dbcore/pkg/adapter"
	"github.com/relialab/dbcore/pkg/dbcapabilities"
	"github.com/relialab/dbcore/pkg/logger"
)

// Adapter connects to MySQL servers.
type Adapter struct {
	dialect *dialect
	log     *logger.Logger
}

// NewAdapter creates the MySQL adapter.
func NewAdapter(log *logger.Logger) *Adapter {
	return &Adapter{dialect: &dialect{}, log: log}
}

func (a *Adapter) Type() dbcapabilities.DatabaseType {
	return dbcapabilities.MySQL
}

func (a *Adapter) Capabilities() dbcapabilities.Capability {
	return dbcapabilities.MustGet(dbcapabilities.MySQL)
}

// Connect opens a pinned session so transaction control statements share one
// wire connection with the queries around them.
func (a *Adapter) Connect(ctx context.Context, config adapter.ConnectionConfig) (adapter.Connection, error) {
	session, err := sqlcommon.Open(ctx, a.dialect, config, a, a.log)
	if err != nil {
		return nil, err
	}
	a.log.Infof("connected to mysql at %s:%d/%s", config.Host, config.Port, config.DatabaseName)
	return session, nil
}
