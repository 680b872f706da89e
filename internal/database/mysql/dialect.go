package mysql

import (
	"errors"
	"fmt"

	gomysql "github.com/go-sql-driver/mysql"

	"github.com/relialab/dbcore/internal/database/sqlcommon"
	"github.com/relialab/dbcore/pkg/adapter"
	"github.com/relialab/dbcore/pkg/dbcapabilities"
)

type dialect struct{}

func (d *dialect) Type() dbcapabilities.DatabaseType { return dbcapabilities.MySQL }

func (d *dialect) DriverName() string { return "mysql" }

// BuildDSN renders the go-sql-driver DSN from the unified configuration.
func (d *dialect) BuildDSN(config adapter.ConnectionConfig) (string, error) {
	cfg := gomysql.NewConfig()
	cfg.User = config.Username
	cfg.Passwd = config.Password
	cfg.Net = "tcp"
	cfg.Addr = fmt.Sprintf("%s:%d", config.Host, config.Port)
	cfg.DBName = config.DatabaseName
	cfg.ParseTime = true
	cfg.Timeout = config.ConnectionTimeout
	cfg.ReadTimeout = 0
	cfg.WriteTimeout = 0

	if config.SSL {
		if config.SSLRejectUnauthorized != nil && !*config.SSLRejectUnauthorized {
			cfg.TLSConfig = "skip-verify"
		} else {
			cfg.TLSConfig = "true"
		}
	}
	for key, value := range config.AdditionalOptions {
		if cfg.Params == nil {
			cfg.Params = make(map[string]string)
		}
		cfg.Params[key] = fmt.Sprint(value)
	}
	return cfg.FormatDSN(), nil
}

func (d *dialect) Escaper() adapter.Escaper {
	return sqlcommon.AnsiEscaper{QuoteOpen: '`', QuoteClose: '`', PlaceholderFunc: sqlcommon.QuestionPlaceholder}
}

// MapError translates server error numbers to the shared taxonomy.
func (d *dialect) MapError(operation string, err error) error {
	if err == nil {
		return nil
	}
	var myErr *gomysql.MySQLError
	if errors.As(err, &myErr) {
		code := adapter.CodeQuery
		switch myErr.Number {
		case 1062:
			code = adapter.CodeDuplicateKey
		case 1216, 1217, 1451, 1452:
			code = adapter.CodeForeignKey
		case 1048, 1364:
			code = adapter.CodeNotNull
		case 1044, 1142, 1143, 1227:
			code = adapter.CodePermission
		case 1045, 1698:
			code = adapter.CodeAuth
		case 1205, 3024:
			code = adapter.CodeTimeout
		case 1040, 1053, 2006, 2013:
			code = adapter.CodeConnection
		}
		return adapter.NewError(dbcapabilities.MySQL, code, operation, err).
			WithContext("mysqlErrno", myErr.Number)
	}
	if errors.Is(err, gomysql.ErrInvalidConn) {
		return adapter.NewError(dbcapabilities.MySQL, adapter.CodeConnection, operation, err)
	}
	return adapter.NewError(dbcapabilities.MySQL, adapter.ClassifyTransport(err), operation, err)
}

func (d *dialect) NormalizeType(nativeType string) adapter.NormalType {
	return sqlcommon.NormalizeSQLType(nativeType)
}

func (d *dialect) BeginStatement(isolation dbcapabilities.IsolationLevel) []string {
	if isolation == "" {
		return []string{"START TRANSACTION"}
	}
	return []string{
		fmt.Sprintf("SET TRANSACTION ISOLATION LEVEL %s", isolation),
		"START TRANSACTION",
	}
}

func (d *dialect) Savepoints() sqlcommon.SavepointSyntax {
	return sqlcommon.SavepointSyntax{
		Create:     "SAVEPOINT %s",
		Release:    "RELEASE SAVEPOINT %s",
		RollbackTo: "ROLLBACK TO SAVEPOINT %s",
	}
}

func (d *dialect) SessionStatement(key, value string) string {
	return fmt.Sprintf("SET SESSION %s = %s", key, value)
}

func (d *dialect) MetadataQueries() sqlcommon.MetadataQueries {
	return sqlcommon.MetadataQueries{
		Version:       "SELECT VERSION()",
		CurrentUser:   "SELECT CURRENT_USER()",
		CurrentSchema: "SELECT DATABASE()",
		CharacterSet:  "SELECT @@character_set_database",
		TableColumns: `SELECT column_name, data_type,
			CASE WHEN is_nullable = 'YES' THEN 1 ELSE 0 END,
			column_default, character_maximum_length, numeric_precision, numeric_scale
			FROM information_schema.columns
			WHERE table_schema = DATABASE() AND table_name = ?
			ORDER BY ordinal_position`,
		TableIndexes: `SELECT index_name, column_name,
			CASE WHEN non_unique = 0 THEN 1 ELSE 0 END
			FROM information_schema.statistics
			WHERE table_schema = DATABASE() AND table_name = ?
			ORDER BY index_name, seq_in_index`,
		TableConstraints: `SELECT tc.constraint_name, tc.constraint_type, kcu.column_name
			FROM information_schema.table_constraints tc
			JOIN information_schema.key_column_usage kcu
			  ON tc.constraint_name = kcu.constraint_name
			 AND tc.table_schema = kcu.table_schema
			 AND tc.table_name = kcu.table_name
			WHERE tc.table_schema = DATABASE() AND tc.table_name = ?
			ORDER BY tc.constraint_name, kcu.ordinal_position`,
		TableRowCount: "SELECT COUNT(*) FROM %s",
	}
}
