package mssql

import (
	"errors"
	"fmt"
	"net/url"

	gomssql "github.com/microsoft/go-mssqldb"

	"github.com/relialab/dbcore/internal/database/sqlcommon"
	"github.com/relialab/dbcore/pkg/adapter"
	"github.com/relialab/dbcore/pkg/dbcapabilities"
)

type dialect struct{}

func (d *dialect) Type() dbcapabilities.DatabaseType { return dbcapabilities.SQLServer }

func (d *dialect) DriverName() string { return "sqlserver" }

// BuildDSN renders the sqlserver:// URL form the driver accepts.
func (d *dialect) BuildDSN(config adapter.ConnectionConfig) (string, error) {
	query := url.Values{}
	query.Set("database", config.DatabaseName)
	query.Set("dial timeout", fmt.Sprintf("%d", int(config.ConnectionTimeout.Seconds())))
	if config.SSL {
		query.Set("encrypt", "true")
		if config.SSLRejectUnauthorized != nil && !*config.SSLRejectUnauthorized {
			query.Set("TrustServerCertificate", "true")
		}
	} else {
		query.Set("encrypt", "disable")
	}
	for key, value := range config.AdditionalOptions {
		query.Set(key, fmt.Sprint(value))
	}

	u := url.URL{
		Scheme:   "sqlserver",
		User:     url.UserPassword(config.Username, config.Password),
		Host:     fmt.Sprintf("%s:%d", config.Host, config.Port),
		RawQuery: query.Encode(),
	}
	return u.String(), nil
}

func (d *dialect) Escaper() adapter.Escaper {
	return sqlcommon.AnsiEscaper{QuoteOpen: '[', QuoteClose: ']', PlaceholderFunc: sqlcommon.AtPlaceholder}
}

// MapError translates T-SQL error numbers to the shared taxonomy.
func (d *dialect) MapError(operation string, err error) error {
	if err == nil {
		return nil
	}
	var sqlErr gomssql.Error
	if errors.As(err, &sqlErr) {
		code := adapter.CodeQuery
		switch sqlErr.Number {
		case 2601, 2627:
			code = adapter.CodeDuplicateKey
		case 547:
			code = adapter.CodeForeignKey
		case 515:
			code = adapter.CodeNotNull
		case 229, 230, 300:
			code = adapter.CodePermission
		case 18456, 18452, 4060:
			code = adapter.CodeAuth
		case 1222, 8645:
			code = adapter.CodeTimeout
		case 10053, 10054, 10060, 233:
			code = adapter.CodeConnection
		}
		return adapter.NewError(dbcapabilities.SQLServer, code, operation, err).
			WithContext("mssqlNumber", sqlErr.Number)
	}
	return adapter.NewError(dbcapabilities.SQLServer, adapter.ClassifyTransport(err), operation, err)
}

func (d *dialect) NormalizeType(nativeType string) adapter.NormalType {
	return sqlcommon.NormalizeSQLType(nativeType)
}

func (d *dialect) BeginStatement(isolation dbcapabilities.IsolationLevel) []string {
	if isolation == "" {
		return []string{"BEGIN TRANSACTION"}
	}
	return []string{
		fmt.Sprintf("SET TRANSACTION ISOLATION LEVEL %s", isolation),
		"BEGIN TRANSACTION",
	}
}

// T-SQL savepoints have no explicit release; the shared session logs and
// skips the release call.
func (d *dialect) Savepoints() sqlcommon.SavepointSyntax {
	return sqlcommon.SavepointSyntax{
		Create:     "SAVE TRANSACTION %s",
		Release:    "",
		RollbackTo: "ROLLBACK TRANSACTION %s",
	}
}

func (d *dialect) SessionStatement(key, value string) string {
	return fmt.Sprintf("SET %s %s", key, value)
}

func (d *dialect) MetadataQueries() sqlcommon.MetadataQueries {
	return sqlcommon.MetadataQueries{
		Version:       "SELECT @@VERSION",
		CurrentUser:   "SELECT SUSER_SNAME()",
		CurrentSchema: "SELECT SCHEMA_NAME()",
		CharacterSet:  "SELECT CONVERT(varchar(128), SERVERPROPERTY('Collation'))",
		TableColumns: `SELECT COLUMN_NAME, DATA_TYPE,
			CASE WHEN IS_NULLABLE = 'YES' THEN 1 ELSE 0 END,
			COLUMN_DEFAULT, CHARACTER_MAXIMUM_LENGTH, NUMERIC_PRECISION, NUMERIC_SCALE
			FROM INFORMATION_SCHEMA.COLUMNS
			WHERE TABLE_NAME = @p1
			ORDER BY ORDINAL_POSITION`,
		TableIndexes: `SELECT i.name, c.name,
			CASE WHEN i.is_unique = 1 THEN 1 ELSE 0 END
			FROM sys.indexes i
			JOIN sys.index_columns ic ON i.object_id = ic.object_id AND i.index_id = ic.index_id
			JOIN sys.columns c ON ic.object_id = c.object_id AND ic.column_id = c.column_id
			WHERE i.object_id = OBJECT_ID(@p1) AND i.name IS NOT NULL
			ORDER BY i.name, ic.key_ordinal`,
		TableConstraints: `SELECT tc.CONSTRAINT_NAME, tc.CONSTRAINT_TYPE, ccu.COLUMN_NAME
			FROM INFORMATION_SCHEMA.TABLE_CONSTRAINTS tc
			JOIN INFORMATION_SCHEMA.CONSTRAINT_COLUMN_USAGE ccu
			  ON tc.CONSTRAINT_NAME = ccu.CONSTRAINT_NAME
			WHERE tc.TABLE_NAME = @p1
			ORDER BY tc.CONSTRAINT_NAME`,
		TableRowCount: "SELECT COUNT(*) FROM %s",
	}
}
