package mysql

import (
	"errors"
	"fmt"
	"testing"
	"time"

	gomysql "github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relialab/dbcore/pkg/adapter"
)

func TestBuildDSN(t *testing.T) {
	d := &dialect{}
	config := adapter.ConnectionConfig{
		Host:              "db.internal",
		Port:              3306,
		DatabaseName:      "orders",
		Username:          "app",
		Password:          "pw",
		ConnectionTimeout: 10 * time.Second,
	}
	dsn, err := d.BuildDSN(config)
	require.NoError(t, err)

	parsed, err := gomysql.ParseDSN(dsn)
	require.NoError(t, err)
	assert.Equal(t, "app", parsed.User)
	assert.Equal(t, "pw", parsed.Passwd)
	assert.Equal(t, "db.internal:3306", parsed.Addr)
	assert.Equal(t, "orders", parsed.DBName)
	assert.True(t, parsed.ParseTime)
	assert.Equal(t, 10*time.Second, parsed.Timeout)
}

func TestBuildDSNTLS(t *testing.T) {
	d := &dialect{}
	config := adapter.ConnectionConfig{Host: "h", Port: 3306, SSL: true}
	dsn, err := d.BuildDSN(config)
	require.NoError(t, err)
	parsed, err := gomysql.ParseDSN(dsn)
	require.NoError(t, err)
	assert.Equal(t, "true", parsed.TLSConfig)

	insecure := false
	config.SSLRejectUnauthorized = &insecure
	dsn, err = d.BuildDSN(config)
	require.NoError(t, err)
	parsed, err = gomysql.ParseDSN(dsn)
	require.NoError(t, err)
	assert.Equal(t, "skip-verify", parsed.TLSConfig)
}

func TestBuildDSNAdditionalOptions(t *testing.T) {
	d := &dialect{}
	config := adapter.ConnectionConfig{
		Host: "h", Port: 3306,
		AdditionalOptions: map[string]string{"charset": "utf8mb4"},
	}
	dsn, err := d.BuildDSN(config)
	require.NoError(t, err)
	assert.Contains(t, dsn, "charset=utf8mb4")
}

func TestMapError(t *testing.T) {
	d := &dialect{}
	tests := []struct {
		errno    uint16
		expected adapter.ErrorCode
	}{
		{1062, adapter.CodeDuplicateKey},
		{1452, adapter.CodeForeignKey},
		{1048, adapter.CodeNotNull},
		{1142, adapter.CodePermission},
		{1045, adapter.CodeAuth},
		{1205, adapter.CodeTimeout},
		{2006, adapter.CodeConnection},
		{1146, adapter.CodeQuery},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("errno_%d", tt.errno), func(t *testing.T) {
			err := d.MapError("query", &gomysql.MySQLError{Number: tt.errno, Message: "x"})
			assert.Equal(t, tt.expected, adapter.CodeOf(err))

			var dbErr *adapter.DatabaseError
			require.True(t, errors.As(err, &dbErr))
			assert.Equal(t, tt.errno, dbErr.Context["mysqlErrno"])
		})
	}
}

func TestMapErrorFallbacks(t *testing.T) {
	d := &dialect{}
	assert.Nil(t, d.MapError("query", nil))

	err := d.MapError("query", gomysql.ErrInvalidConn)
	assert.Equal(t, adapter.CodeConnection, adapter.CodeOf(err))

	err = d.MapError("query", fmt.Errorf("dial tcp: connection refused"))
	assert.Equal(t, adapter.CodeConnection, adapter.CodeOf(err))

	err = d.MapError("query", fmt.Errorf("something else"))
	assert.Equal(t, adapter.CodeUnknown, adapter.CodeOf(err))
}

func TestBeginStatement(t *testing.T) {
	d := &dialect{}
	assert.Equal(t, []string{"START TRANSACTION"}, d.BeginStatement(""))
	assert.Equal(t, []string{
		"SET TRANSACTION ISOLATION LEVEL REPEATABLE READ",
		"START TRANSACTION",
	}, d.BeginStatement("REPEATABLE READ"))
}

func TestEscaperAndSavepoints(t *testing.T) {
	d := &dialect{}
	assert.Equal(t, "`users`", d.Escaper().EscapeIdentifier("users"))
	assert.Equal(t, "?", d.Escaper().Placeholder(4))

	sp := d.Savepoints()
	assert.Equal(t, "SAVEPOINT %s", sp.Create)
	assert.Equal(t, "RELEASE SAVEPOINT %s", sp.Release)
	assert.Equal(t, "ROLLBACK TO SAVEPOINT %s", sp.RollbackTo)

	assert.Equal(t, "SET SESSION time_zone = '+00:00'", d.SessionStatement("time_zone", "'+00:00'"))
}
