package hana

import (
	"database/sql"
	"fmt"
	"net/url"

	"github.com/relialab/dbcore/internal/database/sqlcommon"
	"github.com/relialab/dbcore/pkg/adapter"
	"github.com/relialab/dbcore/pkg/dbcapabilities"
)

type dialect struct{}

func (d *dialect) Type() dbcapabilities.DatabaseType { return dbcapabilities.HANA }

func (d *dialect) DriverName() string { return "hdb" }

// BuildDSN renders the hdb:// URL form the go-hdb driver accepts.
func (d *dialect) BuildDSN(config adapter.ConnectionConfig) (string, error) {
	query := url.Values{}
	if config.DatabaseName != "" {
		query.Set("defaultSchema", config.DatabaseName)
	}
	query.Set("timeout", fmt.Sprintf("%d", int(config.ConnectionTimeout.Seconds())))
	if config.SSL {
		query.Set("TLSServerName", config.Host)
		if config.SSLRejectUnauthorized != nil && !*config.SSLRejectUnauthorized {
			query.Set("TLSInsecureSkipVerify", "true")
		}
	}
	for key, value := range config.AdditionalOptions {
		query.Set(key, fmt.Sprint(value))
	}

	u := url.URL{
		Scheme:   "hdb",
		User:     url.UserPassword(config.Username, config.Password),
		Host:     fmt.Sprintf("%s:%d", config.Host, config.Port),
		RawQuery: query.Encode(),
	}
	return u.String(), nil
}

func (d *dialect) Escaper() adapter.Escaper {
	return sqlcommon.AnsiEscaper{QuoteOpen: '"', QuoteClose: '"', PlaceholderFunc: sqlcommon.QuestionPlaceholder}
}

// hanaErrorCodes maps HANA SQL error codes to the shared taxonomy.
var hanaErrorCodes = map[int]adapter.ErrorCode{
	301: adapter.CodeDuplicateKey, // unique constraint violated
	287: adapter.CodeNotNull,      // cannot insert NULL
	461: adapter.CodeForeignKey,   // foreign key constraint violation
	462: adapter.CodeForeignKey,   // failed on update or delete by foreign key
	258: adapter.CodePermission,   // insufficient privilege
	10:  adapter.CodeAuth,         // authentication failed
	414: adapter.CodeAuth,         // user is forced to change password
	131: adapter.CodeTransaction,  // transaction rolled back by lock wait timeout
	133: adapter.CodeTransaction,  // transaction rolled back by detected deadlock
	613: adapter.CodeTimeout,      // statement timeout
}

// sqlCoder is satisfied by go-hdb server errors.
type sqlCoder interface {
	Code() int
}

func (d *dialect) MapError(operation string, err error) error {
	if err == nil {
		return nil
	}
	if coder, ok := err.(sqlCoder); ok {
		code, mapped := hanaErrorCodes[coder.Code()]
		if !mapped {
			code = adapter.CodeQuery
		}
		return adapter.NewError(dbcapabilities.HANA, code, operation, err).
			WithContext("hanaCode", coder.Code())
	}
	return adapter.NewError(dbcapabilities.HANA, adapter.ClassifyTransport(err), operation, err)
}

func (d *dialect) NormalizeType(nativeType string) adapter.NormalType {
	return sqlcommon.NormalizeSQLType(nativeType)
}

// HANA has no explicit BEGIN statement, and go-hdb sends an autocommit flag
// with every statement that only its own BeginTx clears. Transactions
// therefore go through TxOptions and the driver; BeginStatement carries just
// the isolation hint for callers issuing it manually.
func (d *dialect) BeginStatement(isolation dbcapabilities.IsolationLevel) []string {
	if isolation == "" {
		return nil
	}
	return []string{fmt.Sprintf("SET TRANSACTION ISOLATION LEVEL %s", isolation)}
}

// TxOptions maps the normalized isolation level onto database/sql's, routing
// transactions through the driver's BeginTx so autocommit is actually off.
func (d *dialect) TxOptions(isolation dbcapabilities.IsolationLevel) sql.TxOptions {
	switch isolation {
	case dbcapabilities.RepeatableRead:
		return sql.TxOptions{Isolation: sql.LevelRepeatableRead}
	case dbcapabilities.Serializable:
		return sql.TxOptions{Isolation: sql.LevelSerializable}
	case dbcapabilities.ReadCommitted:
		return sql.TxOptions{Isolation: sql.LevelReadCommitted}
	default:
		return sql.TxOptions{}
	}
}

// HANA has no user-defined savepoints. The capability flags announce this;
// nested transactions degrade to tracking-only frames.
func (d *dialect) Savepoints() sqlcommon.SavepointSyntax {
	return sqlcommon.SavepointSyntax{}
}

func (d *dialect) SessionStatement(key, value string) string {
	return fmt.Sprintf("SET '%s' = '%s'", key, value)
}

func (d *dialect) MetadataQueries() sqlcommon.MetadataQueries {
	return sqlcommon.MetadataQueries{
		Version:       "SELECT VERSION FROM SYS.M_DATABASE",
		CurrentUser:   "SELECT CURRENT_USER FROM DUMMY",
		CurrentSchema: "SELECT CURRENT_SCHEMA FROM DUMMY",
		CharacterSet:  "",
		TableColumns: `SELECT COLUMN_NAME, DATA_TYPE_NAME, IS_NULLABLE,
			DEFAULT_VALUE, LENGTH, LENGTH, SCALE
			FROM SYS.TABLE_COLUMNS
			WHERE SCHEMA_NAME = CURRENT_SCHEMA AND TABLE_NAME = ?
			ORDER BY POSITION`,
		TableIndexes: `SELECT i.INDEX_NAME, ic.COLUMN_NAME,
			CASE WHEN i.CONSTRAINT LIKE '%UNIQUE%' THEN 1 ELSE 0 END
			FROM SYS.INDEXES i
			JOIN SYS.INDEX_COLUMNS ic
			  ON i.SCHEMA_NAME = ic.SCHEMA_NAME AND i.INDEX_NAME = ic.INDEX_NAME
			WHERE i.SCHEMA_NAME = CURRENT_SCHEMA AND i.TABLE_NAME = ?
			ORDER BY i.INDEX_NAME, ic.POSITION`,
		TableConstraints: `SELECT CONSTRAINT_NAME,
			CASE WHEN IS_PRIMARY_KEY = 'TRUE' THEN 'PRIMARY KEY'
			     WHEN IS_UNIQUE_KEY = 'TRUE' THEN 'UNIQUE'
			     ELSE 'CHECK' END,
			COLUMN_NAME
			FROM SYS.CONSTRAINTS
			WHERE SCHEMA_NAME = CURRENT_SCHEMA AND TABLE_NAME = ?
			ORDER BY CONSTRAINT_NAME, POSITION`,
		TableRowCount: "SELECT COUNT(*) FROM %s",
	}
}
