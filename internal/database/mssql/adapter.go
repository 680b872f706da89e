// Package mssql implements the adapter contract for Microsoft SQL Server
// through the shared database/sql session machinery.
package mssql

import (
	"context"

	"github.com/relialab/dbcore/internal/database/sqlcommon"
	"github.com/relialab/dbcore/pkg/adapter"
	"github.com/relialab/dbcore/pkg/dbcapabilities"
	"github.com/relialab/dbcore/pkg/logger"
)

// Adapter connects to SQL Server instances.
type Adapter struct {
	dialect *dialect
	log     *logger.Logger
}

// NewAdapter creates the SQL Server adapter.
func NewAdapter(log *logger.Logger) *Adapter {
	return &Adapter{dialect: &dialect{}, log: log}
}

func (a *Adapter) Type() dbcapabilities.DatabaseType {
	return dbcapabilities.SQLServer
}

func (a *Adapter) Capabilities() dbcapabilities.Capability {
	return dbcapabilities.MustGet(dbcapabilities.SQLServer)
}

func (a *Adapter) Connect(ctx context.Context, config adapter.ConnectionConfig) (adapter.Connection, error) {
	session, err := sqlcommon.Open(ctx, a.dialect, config, a, a.log)
	if err != nil {
		return nil, err
	}
	a.log.Infof("connected to sqlserver at %s:%d/%s", config.Host, config.Port, config.DatabaseName)
	return session, nil
}
