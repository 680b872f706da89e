package dbcore

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relialab/dbcore/internal/database/testutil"
	"github.com/relialab/dbcore/pkg/adapter"
	"github.com/relialab/dbcore/pkg/configprovider"
	"github.com/relialab/dbcore/pkg/dbcapabilities"
	"github.com/relialab/dbcore/pkg/logger"
)

func newTestRegistry(t *testing.T, adapters ...adapter.Adapter) (*Registry, *testutil.FakeAdapter) {
	t.Helper()
	fake := testutil.NewAdapter()
	reg := adapter.NewRegistry()
	reg.Register(fake)
	for _, a := range adapters {
		reg.Register(a)
	}

	r := NewRegistry(WithLogger(logger.Nop()), WithAdapterRegistry(reg))
	t.Cleanup(func() { r.CloseAll() })
	return r, fake
}

func testConfig(alias string) adapter.ConnectionConfig {
	return adapter.ConnectionConfig{
		Alias:        alias,
		Type:         "postgres",
		Host:         "localhost",
		Port:         5432,
		DatabaseName: "app",
		Username:     "svc",
	}
}

func TestOpenAndGet(t *testing.T) {
	r, _ := newTestRegistry(t)

	client, err := r.Open(context.Background(), testConfig("primary"))
	require.NoError(t, err)
	assert.Equal(t, "primary", client.Alias())
	assert.Equal(t, dbcapabilities.PostgreSQL, client.Type())
	assert.True(t, client.Capabilities().Transactions)

	got, ok := r.Get("primary")
	require.True(t, ok)
	assert.Same(t, client, got)
	assert.Equal(t, []string{"primary"}, r.Aliases())

	_, ok = r.Get("missing")
	assert.False(t, ok)
}

func TestOpenDuplicateAlias(t *testing.T) {
	r, _ := newTestRegistry(t)

	_, err := r.Open(context.Background(), testConfig("primary"))
	require.NoError(t, err)
	_, err = r.Open(context.Background(), testConfig("primary"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already open")
}

func TestOpenUnknownType(t *testing.T) {
	r, _ := newTestRegistry(t)

	config := testConfig("bad")
	config.Type = "oracle"
	_, err := r.Open(context.Background(), config)
	require.Error(t, err)
}

func TestOpenConnectFailure(t *testing.T) {
	r, fake := newTestRegistry(t)
	fake.FailNextDials(5)

	_, err := r.Open(context.Background(), testConfig("primary"))
	require.Error(t, err)
	assert.True(t, adapter.IsConnectionError(err))
	assert.Empty(t, r.Aliases())
}

func TestCloseRemovesInstance(t *testing.T) {
	r, _ := newTestRegistry(t)

	client, err := r.Open(context.Background(), testConfig("primary"))
	require.NoError(t, err)
	require.NoError(t, r.Close("primary"))
	assert.Empty(t, r.Aliases())

	err = client.Ping(context.Background())
	assert.ErrorIs(t, err, adapter.ErrConnectionClosed)

	err = r.Close("primary")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no open instance")
}

func TestCloseAll(t *testing.T) {
	r, fake := newTestRegistry(t)

	_, err := r.Open(context.Background(), testConfig("a"))
	require.NoError(t, err)
	_, err = r.Open(context.Background(), testConfig("b"))
	require.NoError(t, err)

	require.NoError(t, r.CloseAll())
	assert.Empty(t, r.Aliases())
	assert.Equal(t, 0, fake.OpenConns())
}

func TestOpenFromProvider(t *testing.T) {
	r, _ := newTestRegistry(t)
	p := configprovider.FromMap(map[string]string{
		"db.main.type":     "postgres",
		"db.main.host":     "localhost",
		"db.main.port":     "5432",
		"db.main.database": "app",
		"db.main.username": "svc",
	})

	client, err := r.OpenFromProvider(context.Background(), p, "main")
	require.NoError(t, err)
	assert.Equal(t, "main", client.Alias())
}

func TestCapabilitiesFor(t *testing.T) {
	r, _ := newTestRegistry(t)

	caps, err := r.CapabilitiesFor("postgresql")
	require.NoError(t, err)
	assert.Equal(t, dbcapabilities.PostgreSQL, caps.ID)

	_, err = r.CapabilitiesFor("oracle")
	require.Error(t, err)
}

func TestQuery(t *testing.T) {
	r, fake := newTestRegistry(t)
	fake.QueryHook = func(query string, params []any) (*adapter.Result, error) {
		return &adapter.Result{
			Command:  adapter.CommandSelect,
			Fields:   []adapter.FieldMeta{{Name: "id", Type: adapter.TypeInteger}},
			Rows:     []adapter.Row{{"id": int64(1)}, {"id": int64(2)}},
			RowCount: 2,
		}, nil
	}

	client, err := r.Open(context.Background(), testConfig("primary"))
	require.NoError(t, err)

	result, err := client.Query(context.Background(), "SELECT id FROM users WHERE org = $1", "acme")
	require.NoError(t, err)
	assert.Equal(t, int64(2), result.RowCount)
	assert.Equal(t, []string{"id"}, result.Columns())
}

func TestPingAndVersion(t *testing.T) {
	r, _ := newTestRegistry(t)
	client, err := r.Open(context.Background(), testConfig("primary"))
	require.NoError(t, err)

	require.NoError(t, client.Ping(context.Background()))

	version, err := client.GetVersion(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "fake-1.0", version)

	meta, err := client.GetMetadata(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "app", meta.DatabaseName)
}

func TestTransactionPinsConnection(t *testing.T) {
	r, fake := newTestRegistry(t)
	client, err := r.Open(context.Background(), testConfig("primary"))
	require.NoError(t, err)

	ctx := context.Background()
	name, err := client.Begin(ctx)
	require.NoError(t, err)
	assert.Empty(t, name)
	assert.True(t, client.InTransaction())

	_, err = client.Query(ctx, "UPDATE accounts SET n = n + 1")
	require.NoError(t, err)
	_, err = client.Query(ctx, "UPDATE audit SET n = n + 1")
	require.NoError(t, err)
	require.NoError(t, client.Commit(ctx))
	assert.False(t, client.InTransaction())

	var txConn *testutil.FakeConn
	for _, conn := range fake.Conns() {
		for _, stmt := range conn.Recorded() {
			if stmt == "BEGIN" {
				txConn = conn
			}
		}
	}
	require.NotNil(t, txConn)
	assert.Equal(t, []string{
		"BEGIN",
		"UPDATE accounts SET n = n + 1",
		"UPDATE audit SET n = n + 1",
		"COMMIT",
	}, txConn.Recorded())
}

func TestNestedTransactionSavepoints(t *testing.T) {
	r, _ := newTestRegistry(t)
	client, err := r.Open(context.Background(), testConfig("primary"))
	require.NoError(t, err)

	ctx := context.Background()
	_, err = client.Begin(ctx)
	require.NoError(t, err)

	inner, err := client.Begin(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, inner)

	require.NoError(t, client.RollbackToSavepoint(ctx, inner))
	assert.True(t, client.InTransaction())

	require.NoError(t, client.Commit(ctx)) // inner frame
	require.NoError(t, client.Commit(ctx)) // outermost
	assert.False(t, client.InTransaction())
}

func TestCommitWithoutTransaction(t *testing.T) {
	r, _ := newTestRegistry(t)
	client, err := r.Open(context.Background(), testConfig("primary"))
	require.NoError(t, err)

	err = client.Commit(context.Background())
	assert.ErrorIs(t, err, adapter.ErrNoActiveTransaction)
	err = client.Rollback(context.Background())
	assert.ErrorIs(t, err, adapter.ErrNoActiveTransaction)
}

func TestExecuteInTransactionRollsBackOnError(t *testing.T) {
	r, fake := newTestRegistry(t)
	client, err := r.Open(context.Background(), testConfig("primary"))
	require.NoError(t, err)

	boom := errors.New("boom")
	err = client.ExecuteInTransaction(context.Background(), func(ctx context.Context) error {
		_, qErr := client.Query(ctx, "INSERT INTO t VALUES (1)")
		require.NoError(t, qErr)
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.False(t, client.InTransaction())

	rolledBack := false
	for _, conn := range fake.Conns() {
		for _, stmt := range conn.Recorded() {
			if stmt == "ROLLBACK" {
				rolledBack = true
			}
		}
	}
	assert.True(t, rolledBack)
}

func TestExecuteBatchAtomic(t *testing.T) {
	r, fake := newTestRegistry(t)
	client, err := r.Open(context.Background(), testConfig("primary"))
	require.NoError(t, err)

	results, err := client.ExecuteBatch(context.Background(), []Statement{
		{Query: "INSERT INTO t VALUES ($1)", Params: []any{1}},
		{Query: "INSERT INTO t VALUES ($1)", Params: []any{2}},
	})
	require.NoError(t, err)
	assert.Len(t, results, 2)

	var txConn *testutil.FakeConn
	for _, conn := range fake.Conns() {
		for _, stmt := range conn.Recorded() {
			if stmt == "BEGIN" {
				txConn = conn
			}
		}
	}
	require.NotNil(t, txConn)
	recorded := txConn.Recorded()
	assert.Equal(t, "BEGIN", recorded[0])
	assert.Equal(t, "COMMIT", recorded[len(recorded)-1])
}

func TestExecuteBatchStopsAtFailure(t *testing.T) {
	r, fake := newTestRegistry(t)
	calls := 0
	fake.QueryHook = func(query string, params []any) (*adapter.Result, error) {
		calls++
		if calls == 2 {
			return nil, adapter.NewError(dbcapabilities.PostgreSQL, adapter.CodeQuery, "query",
				errors.New("syntax error"))
		}
		return &adapter.Result{}, nil
	}
	client, err := r.Open(context.Background(), testConfig("primary"))
	require.NoError(t, err)

	_, err = client.ExecuteBatch(context.Background(), []Statement{
		{Query: "INSERT INTO t VALUES (1)"},
		{Query: "INSERT WRONG"},
		{Query: "INSERT INTO t VALUES (3)"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "statement 1")
	assert.Equal(t, 2, calls)
}

func TestBulkInsert(t *testing.T) {
	r, _ := newTestRegistry(t)
	client, err := r.Open(context.Background(), testConfig("primary"))
	require.NoError(t, err)

	written, err := client.BulkInsert(context.Background(), "users", []adapter.Row{
		{"name": "Ada"}, {"name": "Grace"},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), written)
}

func TestPrepareReleasesOnClose(t *testing.T) {
	r, _ := newTestRegistry(t)
	client, err := r.Open(context.Background(), testConfig("primary"))
	require.NoError(t, err)

	stmt, err := client.Prepare(context.Background(), "SELECT 1")
	require.NoError(t, err)
	assert.Equal(t, "SELECT 1", stmt.Query())

	_, err = stmt.Execute(context.Background(), nil)
	require.NoError(t, err)
	require.NoError(t, stmt.Close(context.Background()))
	require.NoError(t, stmt.Close(context.Background()))
}

func TestStream(t *testing.T) {
	r, fake := newTestRegistry(t)
	fake.QueryHook = func(query string, params []any) (*adapter.Result, error) {
		return &adapter.Result{
			Fields: []adapter.FieldMeta{{Name: "id"}},
			Rows:   []adapter.Row{{"id": 1}, {"id": 2}},
		}, nil
	}
	client, err := r.Open(context.Background(), testConfig("primary"))
	require.NoError(t, err)

	stream, err := client.Stream(context.Background(), "SELECT id FROM big", nil, adapter.QueryOptions{})
	require.NoError(t, err)
	defer stream.Close()

	var ids []any
	for {
		row, ok, err := stream.Next(context.Background())
		require.NoError(t, err)
		if !ok {
			break
		}
		ids = append(ids, row["id"])
	}
	assert.Equal(t, []any{1, 2}, ids)
}

func TestCapabilityGating(t *testing.T) {
	kv := testutil.NewAdapterWithCaps(dbcapabilities.Redis, dbcapabilities.MustGet(dbcapabilities.Redis))
	r, _ := newTestRegistry(t, kv)

	config := testConfig("cache")
	config.Type = "redis"
	config.Port = 6379
	client, err := r.Open(context.Background(), config)
	require.NoError(t, err)

	_, err = client.Begin(context.Background())
	assert.True(t, adapter.IsUnsupported(err))

	_, err = client.Prepare(context.Background(), "GET k")
	assert.True(t, adapter.IsUnsupported(err))

	_, err = client.ExecuteStoredProcedure(context.Background(), "proc")
	assert.True(t, adapter.IsUnsupported(err))

	err = client.RollbackToSavepoint(context.Background(), "sp1")
	assert.True(t, adapter.IsUnsupported(err))
}

func TestBatchWithoutTransactionsRunsSequentially(t *testing.T) {
	kv := testutil.NewAdapterWithCaps(dbcapabilities.Redis, dbcapabilities.MustGet(dbcapabilities.Redis))
	r, _ := newTestRegistry(t, kv)

	config := testConfig("cache")
	config.Type = "redis"
	config.Port = 6379
	client, err := r.Open(context.Background(), config)
	require.NoError(t, err)

	results, err := client.ExecuteBatch(context.Background(), []Statement{
		{Query: "SET a 1"},
		{Query: "SET b 2"},
	})
	require.NoError(t, err)
	assert.Len(t, results, 2)

	for _, conn := range kv.Conns() {
		for _, stmt := range conn.Recorded() {
			assert.NotEqual(t, "BEGIN", stmt)
		}
	}
}

func TestBuildProcedureCall(t *testing.T) {
	tests := []struct {
		dbType   dbcapabilities.DatabaseType
		expected string
	}{
		{dbcapabilities.PostgreSQL, "CALL audit($1, $2)"},
		{dbcapabilities.MySQL, "CALL audit(?, ?)"},
		{dbcapabilities.HANA, "CALL audit(?, ?)"},
		{dbcapabilities.SQLServer, "EXEC audit @p1, @p2"},
	}
	for _, tt := range tests {
		t.Run(string(tt.dbType), func(t *testing.T) {
			call, err := buildProcedureCall(tt.dbType, "audit", 2)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, call)
		})
	}

	_, err := buildProcedureCall(dbcapabilities.MongoDB, "audit", 0)
	assert.True(t, adapter.IsUnsupported(err))
}

func TestClientCloseRollsBackOpenTransaction(t *testing.T) {
	r, fake := newTestRegistry(t)
	client, err := r.Open(context.Background(), testConfig("primary"))
	require.NoError(t, err)

	_, err = client.Begin(context.Background())
	require.NoError(t, err)
	require.NoError(t, r.Close("primary"))

	rolledBack := false
	for _, conn := range fake.Conns() {
		for _, stmt := range conn.Recorded() {
			if stmt == "ROLLBACK" {
				rolledBack = true
			}
		}
	}
	assert.True(t, rolledBack)
	assert.Equal(t, 0, fake.OpenConns())
}

type eventSink struct {
	mu     sync.Mutex
	events []logger.Event
}

func (s *eventSink) Emit(ev logger.Event) {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
}

func (s *eventSink) names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.events))
	for i, ev := range s.events {
		out[i] = ev.Name
	}
	return out
}

func (s *eventSink) find(name string) (logger.Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ev := range s.events {
		if ev.Name == name {
			return ev, true
		}
	}
	return logger.Event{}, false
}

func newObservedRegistry(t *testing.T) (*Registry, *testutil.FakeAdapter, *eventSink) {
	t.Helper()
	sink := &eventSink{}
	log := logger.New("dbcore-test")
	log.SetOutput(io.Discard)
	log.SetSink(sink)

	fake := testutil.NewAdapter()
	reg := adapter.NewRegistry()
	reg.Register(fake)
	r := NewRegistry(WithLogger(log), WithAdapterRegistry(reg))
	t.Cleanup(func() { r.CloseAll() })
	return r, fake, sink
}

func TestEveryOperationEmitsLifecycleEvents(t *testing.T) {
	r, _, sink := newObservedRegistry(t)

	ctx := context.Background()
	client, err := r.Open(ctx, testConfig("primary"))
	require.NoError(t, err)

	_, err = client.Begin(ctx)
	require.NoError(t, err)
	_, err = client.Query(ctx, "INSERT INTO t VALUES (1)")
	require.NoError(t, err)
	require.NoError(t, client.Commit(ctx))

	require.NoError(t, client.Ping(ctx))
	_, err = client.GetVersion(ctx)
	require.NoError(t, err)
	_, err = client.GetMetadata(ctx)
	require.NoError(t, err)
	_, err = client.BulkInsert(ctx, "t", []adapter.Row{{"a": 1}})
	require.NoError(t, err)
	stmt, err := client.Prepare(ctx, "SELECT 1")
	require.NoError(t, err)
	require.NoError(t, stmt.Close(ctx))
	require.NoError(t, r.Close("primary"))

	names := sink.names()
	for _, op := range []string{"connect", "begin", "query", "commit", "ping", "get_version", "get_metadata", "bulk_insert", "prepare"} {
		assert.Contains(t, names, op+".start", op)
		assert.Contains(t, names, op, op)
	}
	assert.Contains(t, names, "disconnect")

	query, ok := sink.find("query")
	require.True(t, ok)
	assert.Equal(t, "primary", query.Subject)
	assert.GreaterOrEqual(t, query.DurationMs, int64(0))
}

func TestFailedOperationEmitsWarnEvent(t *testing.T) {
	r, fake, sink := newObservedRegistry(t)

	ctx := context.Background()
	client, err := r.Open(ctx, testConfig("primary"))
	require.NoError(t, err)

	fake.QueryHook = func(query string, params []any) (*adapter.Result, error) {
		return nil, adapter.NewError(dbcapabilities.PostgreSQL, adapter.CodeQuery, "query", errors.New("syntax error"))
	}
	_, err = client.Query(ctx, "SELEC 1")
	require.Error(t, err)

	ev, ok := sink.find("query")
	require.True(t, ok)
	assert.Equal(t, logger.LevelWarn, ev.Level)
	assert.Contains(t, ev.Fields["error"], "syntax error")
}
