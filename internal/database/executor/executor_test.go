package executor

import (
	"bytes"
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

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

func TestExecuteReturnsResult(t *testing.T) {
	fake := testutil.NewAdapter()
	fake.QueryHook = func(query string, params []any) (*adapter.Result, error) {
		return &adapter.Result{
			Rows:     []adapter.Row{{"n": int64(1)}},
			RowCount: 1,
			Command:  adapter.CommandSelect,
		}, nil
	}
	conn := newConn(t, fake)
	e := New(logger.Nop(), time.Second)

	result, err := e.Execute(context.Background(), conn, "SELECT 1", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), result.RowCount)
	assert.Greater(t, result.Duration, time.Duration(0))
}

func TestExecuteTimesOutAndCancels(t *testing.T) {
	fake := testutil.NewAdapter()
	conn := newConn(t, fake)
	conn.SetQueryDelay(time.Second)
	e := New(logger.Nop(), 50*time.Millisecond)

	opts := &adapter.QueryOptions{Retry: &adapter.RetryPolicy{Count: 0}}
	start := time.Now()
	_, err := e.Execute(context.Background(), conn, "SELECT pg_sleep(10)", nil, opts)
	require.Error(t, err)
	assert.Equal(t, adapter.CodeTimeout, adapter.CodeOf(err))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Less(t, time.Since(start), 500*time.Millisecond)

	// Backend-side cancellation was attempted exactly once.
	assert.Eventually(t, func() bool { return conn.CancelCalls.Load() == 1 },
		time.Second, 10*time.Millisecond)
}

func TestExecuteRetriesTransientFailures(t *testing.T) {
	fake := testutil.NewAdapter()
	var calls atomic.Int32
	fake.QueryHook = func(string, []any) (*adapter.Result, error) {
		if calls.Add(1) < 3 {
			return nil, adapter.NewError(dbcapabilities.PostgreSQL, adapter.CodeConnection, "query", errors.New("reset"))
		}
		return &adapter.Result{Command: adapter.CommandSelect}, nil
	}
	conn := newConn(t, fake)
	e := New(logger.Nop(), time.Second)

	opts := &adapter.QueryOptions{Retry: &adapter.RetryPolicy{
		Count:          2,
		Delay:          time.Millisecond,
		RetryableCodes: []adapter.ErrorCode{adapter.CodeConnection},
	}}
	_, err := e.Execute(context.Background(), conn, "SELECT 1", nil, opts)
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestExecuteStopsAfterRetryBudget(t *testing.T) {
	fake := testutil.NewAdapter()
	var calls atomic.Int32
	fake.QueryHook = func(string, []any) (*adapter.Result, error) {
		calls.Add(1)
		return nil, adapter.NewError(dbcapabilities.PostgreSQL, adapter.CodeConnection, "query", errors.New("reset"))
	}
	conn := newConn(t, fake)
	e := New(logger.Nop(), time.Second)

	opts := &adapter.QueryOptions{Retry: &adapter.RetryPolicy{
		Count:          2,
		Delay:          time.Millisecond,
		RetryableCodes: []adapter.ErrorCode{adapter.CodeConnection},
	}}
	_, err := e.Execute(context.Background(), conn, "SELECT 1", nil, opts)
	require.Error(t, err)
	// Initial attempt plus two retries.
	assert.Equal(t, int32(3), calls.Load())
}

func TestExecuteDoesNotRetryPermanentErrors(t *testing.T) {
	fake := testutil.NewAdapter()
	var calls atomic.Int32
	fake.QueryHook = func(string, []any) (*adapter.Result, error) {
		calls.Add(1)
		return nil, adapter.NewError(dbcapabilities.PostgreSQL, adapter.CodeDuplicateKey, "insert", errors.New("dup"))
	}
	conn := newConn(t, fake)
	e := New(logger.Nop(), time.Second)

	_, err := e.Execute(context.Background(), conn, "INSERT INTO t VALUES (1)", nil, nil)
	require.Error(t, err)
	assert.Equal(t, adapter.CodeDuplicateKey, adapter.CodeOf(err))
	assert.Equal(t, int32(1), calls.Load())
}

func TestExecuteHonorsCallerContext(t *testing.T) {
	fake := testutil.NewAdapter()
	conn := newConn(t, fake)
	conn.SetQueryDelay(time.Second)
	e := New(logger.Nop(), 10*time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	opts := &adapter.QueryOptions{Retry: &adapter.RetryPolicy{Count: 0}}
	_, err := e.Execute(ctx, conn, "SELECT 1", nil, opts)
	require.Error(t, err)
	assert.Equal(t, adapter.CodeTimeout, adapter.CodeOf(err))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestSlowQueryWarningOnCompletion(t *testing.T) {
	fake := testutil.NewAdapter()
	conn := newConn(t, fake)
	conn.SetQueryDelay(30 * time.Millisecond)

	var buf bytes.Buffer
	log := logger.New("exec-test")
	log.SetOutput(&buf)
	e := New(log, time.Second)
	e.slowThreshold = time.Millisecond

	_, err := e.Execute(context.Background(), conn, "SELECT 1", nil, nil)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "slow query")
}

func TestSlowQueryWarningOnTimeout(t *testing.T) {
	fake := testutil.NewAdapter()
	conn := newConn(t, fake)
	conn.SetQueryDelay(time.Second)

	var buf bytes.Buffer
	log := logger.New("exec-test")
	log.SetOutput(&buf)
	e := New(log, 50*time.Millisecond)
	e.slowThreshold = 10 * time.Millisecond

	opts := &adapter.QueryOptions{Retry: &adapter.RetryPolicy{Count: 0}}
	_, err := e.Execute(context.Background(), conn, "SELECT pg_sleep(10)", nil, opts)
	require.Error(t, err)
	assert.Equal(t, adapter.CodeTimeout, adapter.CodeOf(err))

	// The query never completed, but it still gets flagged as slow.
	assert.Contains(t, buf.String(), "slow query")
}

func TestTruncateQuery(t *testing.T) {
	short := "SELECT 1"
	assert.Equal(t, short, truncateQuery(short))

	long := make([]byte, logQueryLimit+50)
	for i := range long {
		long[i] = 'x'
	}
	truncated := truncateQuery(string(long))
	assert.Len(t, truncated, logQueryLimit+3)
	assert.True(t, truncated[len(truncated)-1] == '.')
}
