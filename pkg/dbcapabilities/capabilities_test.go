package dbcapabilities

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseID(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected DatabaseType
		ok       bool
	}{
		{"canonical postgres", "postgres", PostgreSQL, true},
		{"postgresql alias", "postgresql", PostgreSQL, true},
		{"uppercase", "MYSQL", MySQL, true},
		{"sqlserver alias", "sqlserver", SQLServer, true},
		{"mssql alias", "mssql", SQLServer, true},
		{"hana alias", "hana", HANA, true},
		{"mongo alias", "mongo", MongoDB, true},
		{"redis", "redis", Redis, true},
		{"unknown", "oracle", "", false},
		{"empty", "", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, ok := ParseID(tt.input)
			assert.Equal(t, tt.ok, ok)
			if ok {
				assert.Equal(t, tt.expected, id)
			}
		})
	}
}

func TestGetAndMustGet(t *testing.T) {
	cap, ok := Get(PostgreSQL)
	require.True(t, ok)
	assert.Equal(t, PostgreSQL, cap.ID)
	assert.Equal(t, 5432, cap.DefaultPort)

	_, ok = Get(DatabaseType("nope"))
	assert.False(t, ok)

	assert.NotPanics(t, func() { MustGet(MySQL) })
	assert.Panics(t, func() { MustGet(DatabaseType("nope")) })
}

func TestCapabilityFlags(t *testing.T) {
	pg := MustGet(PostgreSQL)
	assert.True(t, pg.Transactions)
	assert.True(t, pg.Savepoints)
	assert.True(t, pg.PreparedStatements)
	assert.True(t, pg.StoredProcedures)

	redis := MustGet(Redis)
	assert.False(t, redis.Transactions)
	assert.False(t, redis.Savepoints)
	assert.False(t, redis.StoredProcedures)

	mongo := MustGet(MongoDB)
	assert.True(t, mongo.Transactions)
	assert.False(t, mongo.Savepoints)

	hana := MustGet(HANA)
	assert.True(t, hana.Transactions)
	assert.False(t, hana.Savepoints)
}

func TestSupportsIsolation(t *testing.T) {
	pg := MustGet(PostgreSQL)
	assert.True(t, pg.SupportsIsolation(Serializable))
	assert.True(t, pg.SupportsIsolation(ReadCommitted))

	hana := MustGet(HANA)
	assert.True(t, hana.SupportsIsolation(ReadCommitted))
	assert.False(t, hana.SupportsIsolation(ReadUncommitted))

	redis := MustGet(Redis)
	assert.False(t, redis.SupportsIsolation(ReadCommitted))
}

func TestIsSystemDatabase(t *testing.T) {
	pg := MustGet(PostgreSQL)
	assert.True(t, pg.IsSystemDatabase("postgres"))
	assert.True(t, pg.IsSystemDatabase("POSTGRES"))
	assert.False(t, pg.IsSystemDatabase("orders"))

	my := MustGet(MySQL)
	assert.True(t, my.IsSystemDatabase("information_schema"))
	assert.False(t, my.IsSystemDatabase("app"))
}

func TestIDsCoverAllEngines(t *testing.T) {
	ids := IDs()
	assert.Len(t, ids, len(All))
	seen := make(map[DatabaseType]bool)
	for _, id := range ids {
		seen[id] = true
	}
	for _, want := range []DatabaseType{PostgreSQL, MySQL, SQLServer, HANA, MongoDB, Redis} {
		assert.True(t, seen[want], "missing %s", want)
	}
}
