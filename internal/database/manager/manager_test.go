package manager

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relialab/dbcore/internal/database/testutil"
	"github.com/relialab/dbcore/pkg/adapter"
	"github.com/relialab/dbcore/pkg/logger"
)

func testConfig(poolMax int) adapter.ConnectionConfig {
	cfg := adapter.ConnectionConfig{
		Alias: "testdb",
		Type:  "postgres",
		Host:  "fake",
		Pool:  adapter.PoolConfig{Min: 1, Max: poolMax, AcquireTimeout: time.Second, IdleTimeout: time.Minute},
	}
	normalized, err := cfg.Normalize(nil)
	if err != nil {
		panic(err)
	}
	return normalized
}

func TestSingleModeReturnsSameConnection(t *testing.T) {
	fake := testutil.NewAdapter()
	m := New(fake, testConfig(1), logger.Nop())
	require.NoError(t, m.Connect(context.Background()))
	defer m.Disconnect()

	assert.False(t, m.Pooled())

	c1, err := m.GetConnection(context.Background())
	require.NoError(t, err)
	c2, err := m.GetConnection(context.Background())
	require.NoError(t, err)
	assert.Equal(t, c1.ID(), c2.ID())
	assert.Equal(t, 1, fake.DialCount())

	m.ReleaseConnection(c1) // no-op in single mode
	stats := m.Stats()
	assert.Equal(t, 1, stats.Total)
	assert.Equal(t, 1, stats.Max)
}

func TestPooledMode(t *testing.T) {
	fake := testutil.NewAdapter()
	m := New(fake, testConfig(4), logger.Nop())
	require.NoError(t, m.Connect(context.Background()))
	defer m.Disconnect()

	assert.True(t, m.Pooled())

	c1, err := m.GetConnection(context.Background())
	require.NoError(t, err)
	c2, err := m.GetConnection(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, c1.ID(), c2.ID())

	m.ReleaseConnection(c1)
	m.ReleaseConnection(c2)
	stats := m.Stats()
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 0, stats.Active)
}

func TestConnectFailure(t *testing.T) {
	fake := testutil.NewAdapter()
	fake.FailNextDials(1)
	m := New(fake, testConfig(1), logger.Nop())
	err := m.Connect(context.Background())
	assert.Error(t, err)
}

func TestSingleModeReconnectsDeadConnection(t *testing.T) {
	fake := testutil.NewAdapter()
	m := New(fake, testConfig(1), logger.Nop())
	require.NoError(t, m.Connect(context.Background()))
	defer m.Disconnect()

	c1, err := m.GetConnection(context.Background())
	require.NoError(t, err)

	// Kill the connection out from under the manager.
	require.NoError(t, c1.Close())

	c2, err := m.GetConnection(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, c1.ID(), c2.ID())
	assert.True(t, c2.IsConnected())
	assert.Equal(t, 2, fake.DialCount())
}

func TestGetConnectionAfterDisconnect(t *testing.T) {
	fake := testutil.NewAdapter()
	m := New(fake, testConfig(1), logger.Nop())
	require.NoError(t, m.Connect(context.Background()))
	require.NoError(t, m.Disconnect())

	_, err := m.GetConnection(context.Background())
	assert.True(t, errors.Is(err, adapter.ErrConnectionClosed))
	assert.Equal(t, 0, fake.OpenConns())

	// Idempotent.
	assert.NoError(t, m.Disconnect())
}

func TestDisconnectDrainsPool(t *testing.T) {
	fake := testutil.NewAdapter()
	m := New(fake, testConfig(3), logger.Nop())
	require.NoError(t, m.Connect(context.Background()))

	conn, err := m.GetConnection(context.Background())
	require.NoError(t, err)

	require.NoError(t, m.Disconnect())
	m.ReleaseConnection(conn)
	assert.Equal(t, 0, fake.OpenConns())
}

func TestSingleModeHealthCheckRefreshes(t *testing.T) {
	fake := testutil.NewAdapter()
	m := New(fake, testConfig(1), logger.Nop())
	require.NoError(t, m.Connect(context.Background()))
	defer m.Disconnect()

	assert.True(t, m.IsHealthy())

	m.mu.Lock()
	m.lastHealthCheck = time.Now().Add(-time.Minute)
	m.mu.Unlock()
	assert.False(t, m.IsHealthy())

	m.checkHealth()
	assert.True(t, m.IsHealthy())
	assert.Equal(t, 1, fake.DialCount())
}

func TestPooledHealthCheckPingsABorrowedConnection(t *testing.T) {
	fake := testutil.NewAdapter()
	m := New(fake, testConfig(3), logger.Nop())
	require.NoError(t, m.Connect(context.Background()))
	defer m.Disconnect()

	m.mu.Lock()
	m.lastHealthCheck = time.Now().Add(-time.Minute)
	m.mu.Unlock()
	assert.False(t, m.IsHealthy())

	m.checkHealth()
	assert.True(t, m.IsHealthy())

	// The borrowed connection went back to the pool.
	assert.Equal(t, 0, m.Stats().Active)
}

func TestFailedPingDoesNotRefreshHealth(t *testing.T) {
	fake := testutil.NewAdapter()
	m := New(fake, testConfig(3), logger.Nop())
	require.NoError(t, m.Connect(context.Background()))
	defer m.Disconnect()

	m.pool.SetValidateOnBorrow(false)
	for _, c := range fake.Conns() {
		c.SetPingErr(errors.New("backend gone"))
	}
	m.mu.Lock()
	m.lastHealthCheck = time.Now().Add(-time.Minute)
	m.mu.Unlock()

	m.checkHealth()
	assert.False(t, m.IsHealthy())
}

func TestFatalStopsHealthChecks(t *testing.T) {
	fake := testutil.NewAdapter()
	m := New(fake, testConfig(1), logger.Nop())
	require.NoError(t, m.Connect(context.Background()))
	defer m.Disconnect()

	fake.Conns()[0].SetPingErr(errors.New("unreachable"))
	m.fatal.Store(true)

	assert.False(t, m.IsHealthy())
	_, err := m.GetConnection(context.Background())
	assert.Error(t, err)

	// A fatal manager stops probing; no reconnect dial happens.
	m.checkHealth()
	assert.Equal(t, 1, fake.DialCount())
}

func TestConcurrentGetDuringReconnect(t *testing.T) {
	fake := testutil.NewAdapter()
	m := New(fake, testConfig(1), logger.Nop())
	require.NoError(t, m.Connect(context.Background()))
	defer m.Disconnect()

	c1, err := m.GetConnection(context.Background())
	require.NoError(t, err)
	require.NoError(t, c1.Close())

	// All callers ride the same reconnect attempt rather than each dialing.
	fake.SetDialDelay(30 * time.Millisecond)
	results := make(chan error, 4)
	for i := 0; i < 4; i++ {
		go func() {
			_, err := m.GetConnection(context.Background())
			results <- err
		}()
	}
	for i := 0; i < 4; i++ {
		require.NoError(t, <-results)
	}
	assert.Equal(t, 2, fake.DialCount())
}
