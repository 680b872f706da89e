// Package hana implements the adapter contract for SAP HANA through the
// shared database/sql session machinery and the go-hdb driver.
package hana

import (
	"context"

	// Registers the "hdb" driver.
	_ "github.com/SAP/go-hdb/driver"

	"github.com/relialab/dbcore/internal/database/sqlcommon"
	"github.com/relialab/dbcore/pkg/adapter"
	"github.com/relialab/dbcore/pkg/dbcapabilities"
	"github.com/relialab/dbcore/pkg/logger"
)

// Adapter connects to SAP HANA instances.
type Adapter struct {
	dialect *dialect
	log     *logger.Logger
}

// NewAdapter creates the HANA adapter.
func NewAdapter(log *logger.Logger) *Adapter {
	return &Adapter{dialect: &dialect{}, log: log}
}

func (a *Adapter) Type() dbcapabilities.DatabaseType {
	return dbcapabilities.HANA
}

func (a *Adapter) Capabilities() dbcapabilities.Capability {
	return dbcapabilities.MustGet(dbcapabilities.HANA)
}

func (a *Adapter) Connect(ctx context.Context, config adapter.ConnectionConfig) (adapter.Connection, error) {
	session, err := sqlcommon.Open(ctx, a.dialect, config, a, a.log)
	if err != nil {
		return nil, err
	}
	a.log.Infof("connected to hana at %s:%d", config.Host, config.Port)
	return session, nil
}
