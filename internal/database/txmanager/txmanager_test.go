package txmanager

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relialab/dbcore/internal/database/testutil"
	"github.com/relialab/dbcore/pkg/adapter"
	"github.com/relialab/dbcore/pkg/dbcapabilities"
	"github.com/relialab/dbcore/pkg/logger"
)

func newConn(t *testing.T, fake *testutil.FakeAdapter) *testutil.FakeConn {
	t.Helper()
	conn, err := fake.Connect(context.Background(), adapter.ConnectionConfig{Host: "fake"})
	require.NoError(t, err)
	return conn.(*testutil.FakeConn)
}

func TestBeginCommitOutermost(t *testing.T) {
	fake := testutil.NewAdapter()
	conn := newConn(t, fake)
	m := New(logger.Nop())

	name, err := m.Begin(context.Background(), conn, "")
	require.NoError(t, err)
	assert.Empty(t, name)
	assert.Equal(t, 1, m.Depth(conn))
	assert.True(t, m.InTransaction(conn))

	require.NoError(t, m.Commit(context.Background(), conn))
	assert.Equal(t, 0, m.Depth(conn))
	assert.Equal(t, []string{"BEGIN", "COMMIT"}, conn.Recorded())
}

func TestBeginWithIsolation(t *testing.T) {
	fake := testutil.NewAdapter()
	conn := newConn(t, fake)
	m := New(logger.Nop())

	_, err := m.Begin(context.Background(), conn, dbcapabilities.Serializable)
	require.NoError(t, err)
	require.NoError(t, m.Rollback(context.Background(), conn, ""))
	assert.Equal(t, []string{"BEGIN ISOLATION LEVEL SERIALIZABLE", "ROLLBACK"}, conn.Recorded())
}

func TestNestedBeginCreatesSavepoints(t *testing.T) {
	fake := testutil.NewAdapter()
	conn := newConn(t, fake)
	m := New(logger.Nop())

	_, err := m.Begin(context.Background(), conn, "")
	require.NoError(t, err)

	sp1, err := m.Begin(context.Background(), conn, "")
	require.NoError(t, err)
	assert.NotEmpty(t, sp1)

	sp2, err := m.Begin(context.Background(), conn, "")
	require.NoError(t, err)
	assert.NotEmpty(t, sp2)
	assert.NotEqual(t, sp1, sp2)
	assert.Equal(t, 3, m.Depth(conn))

	require.NoError(t, m.Commit(context.Background(), conn))
	require.NoError(t, m.Commit(context.Background(), conn))
	require.NoError(t, m.Commit(context.Background(), conn))
	assert.Equal(t, 0, m.Depth(conn))

	assert.Equal(t, []string{
		"BEGIN",
		"SAVEPOINT " + sp1,
		"SAVEPOINT " + sp2,
		"RELEASE SAVEPOINT " + sp2,
		"RELEASE SAVEPOINT " + sp1,
		"COMMIT",
	}, conn.Recorded())
}

func TestInnerRollbackUnwindsOnlyItsFrame(t *testing.T) {
	fake := testutil.NewAdapter()
	conn := newConn(t, fake)
	m := New(logger.Nop())

	_, err := m.Begin(context.Background(), conn, "")
	require.NoError(t, err)
	sp, err := m.Begin(context.Background(), conn, "")
	require.NoError(t, err)

	require.NoError(t, m.Rollback(context.Background(), conn, ""))
	assert.Equal(t, 1, m.Depth(conn))

	require.NoError(t, m.Commit(context.Background(), conn))
	assert.Equal(t, []string{
		"BEGIN",
		"SAVEPOINT " + sp,
		"ROLLBACK TO SAVEPOINT " + sp,
		"COMMIT",
	}, conn.Recorded())
}

func TestRollbackToNamedSavepointTruncatesStack(t *testing.T) {
	fake := testutil.NewAdapter()
	conn := newConn(t, fake)
	m := New(logger.Nop())

	_, err := m.Begin(context.Background(), conn, "")
	require.NoError(t, err)
	sp1, err := m.Begin(context.Background(), conn, "")
	require.NoError(t, err)
	_, err = m.Begin(context.Background(), conn, "")
	require.NoError(t, err)
	_, err = m.Begin(context.Background(), conn, "")
	require.NoError(t, err)
	assert.Equal(t, 4, m.Depth(conn))

	// Unwind two levels at once; sp1's own frame stays open.
	require.NoError(t, m.Rollback(context.Background(), conn, sp1))
	assert.Equal(t, 2, m.Depth(conn))

	require.NoError(t, m.Commit(context.Background(), conn))
	require.NoError(t, m.Commit(context.Background(), conn))
	assert.Equal(t, 0, m.Depth(conn))
}

func TestRollbackToUnknownSavepoint(t *testing.T) {
	fake := testutil.NewAdapter()
	conn := newConn(t, fake)
	m := New(logger.Nop())

	_, err := m.Begin(context.Background(), conn, "")
	require.NoError(t, err)

	err = m.Rollback(context.Background(), conn, "sp_never_created")
	require.Error(t, err)
	assert.Equal(t, adapter.CodeTransaction, adapter.CodeOf(err))
	assert.Equal(t, 1, m.Depth(conn))
	require.NoError(t, m.Rollback(context.Background(), conn, ""))
}

func TestCommitWithoutBegin(t *testing.T) {
	fake := testutil.NewAdapter()
	conn := newConn(t, fake)
	m := New(logger.Nop())

	err := m.Commit(context.Background(), conn)
	require.Error(t, err)
	assert.True(t, errors.Is(err, adapter.ErrNoActiveTransaction))

	err = m.Rollback(context.Background(), conn, "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, adapter.ErrNoActiveTransaction))
}

func TestUnsupportedEngineRejected(t *testing.T) {
	fake := testutil.NewAdapterWithCaps(dbcapabilities.Redis, dbcapabilities.MustGet(dbcapabilities.Redis))
	conn := newConn(t, fake)
	m := New(logger.Nop())

	_, err := m.Begin(context.Background(), conn, "")
	require.Error(t, err)
	assert.True(t, adapter.IsUnsupported(err))
	assert.Equal(t, 0, m.Depth(conn))
}

func TestTrackedNestingWithoutSavepoints(t *testing.T) {
	caps := dbcapabilities.MustGet(dbcapabilities.HANA)
	fake := testutil.NewAdapterWithCaps(dbcapabilities.HANA, caps)
	conn := newConn(t, fake)
	m := New(logger.Nop())

	_, err := m.Begin(context.Background(), conn, "")
	require.NoError(t, err)

	// Nested frames are tracked without backend markers.
	name, err := m.Begin(context.Background(), conn, "")
	require.NoError(t, err)
	assert.Empty(t, name)
	assert.Equal(t, 2, m.Depth(conn))

	require.NoError(t, m.Rollback(context.Background(), conn, ""))
	require.NoError(t, m.Commit(context.Background(), conn))
	assert.Equal(t, []string{"BEGIN", "COMMIT"}, conn.Recorded())
}

func TestExecuteInTransactionCommits(t *testing.T) {
	fake := testutil.NewAdapter()
	conn := newConn(t, fake)
	m := New(logger.Nop())

	err := m.ExecuteInTransaction(context.Background(), conn, func(ctx context.Context) error {
		_, qerr := conn.Data().Query(ctx, "INSERT INTO t VALUES (1)", nil, adapter.QueryOptions{})
		return qerr
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"BEGIN", "INSERT INTO t VALUES (1)", "COMMIT"}, conn.Recorded())
	assert.Equal(t, 0, m.Depth(conn))
}

func TestExecuteInTransactionRollsBackOnError(t *testing.T) {
	fake := testutil.NewAdapter()
	conn := newConn(t, fake)
	m := New(logger.Nop())

	boom := fmt.Errorf("boom")
	err := m.ExecuteInTransaction(context.Background(), conn, func(context.Context) error {
		return boom
	})
	assert.True(t, errors.Is(err, boom))
	assert.Equal(t, []string{"BEGIN", "ROLLBACK"}, conn.Recorded())
	assert.Equal(t, 0, m.Depth(conn))
}

func TestExecuteInTransactionRollsBackOnPanic(t *testing.T) {
	fake := testutil.NewAdapter()
	conn := newConn(t, fake)
	m := New(logger.Nop())

	assert.Panics(t, func() {
		_ = m.ExecuteInTransaction(context.Background(), conn, func(context.Context) error {
			panic("kaboom")
		})
	})
	assert.Equal(t, []string{"BEGIN", "ROLLBACK"}, conn.Recorded())
	assert.Equal(t, 0, m.Depth(conn))
}

func TestForget(t *testing.T) {
	fake := testutil.NewAdapter()
	conn := newConn(t, fake)
	m := New(logger.Nop())

	_, err := m.Begin(context.Background(), conn, "")
	require.NoError(t, err)
	m.Forget(conn)
	assert.Equal(t, 0, m.Depth(conn))
}

func TestIndependentConnections(t *testing.T) {
	fake := testutil.NewAdapter()
	c1 := newConn(t, fake)
	c2 := newConn(t, fake)
	m := New(logger.Nop())

	_, err := m.Begin(context.Background(), c1, "")
	require.NoError(t, err)
	assert.Equal(t, 1, m.Depth(c1))
	assert.Equal(t, 0, m.Depth(c2))
	require.NoError(t, m.Rollback(context.Background(), c1, ""))
}
