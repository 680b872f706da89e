// Package testutil provides an in-memory adapter implementing the full
// connection contract, with hooks for driving failure and latency scenarios
// in pool, manager, transaction, and executor tests.
package testutil

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/relialab/dbcore/pkg/adapter"
	"github.com/relialab/dbcore/pkg/dbcapabilities"
)

// FakeAdapter is a configurable in-memory adapter.
type FakeAdapter struct {
	DBType dbcapabilities.DatabaseType
	Caps   dbcapabilities.Capability

	mu        sync.Mutex
	dialCount int
	failDials int
	dialDelay time.Duration
	conns     []*FakeConn

	// QueryHook, when set, handles every query on every connection.
	QueryHook func(query string, params []any) (*adapter.Result, error)
}

// NewAdapter creates a fake with full capabilities under the PostgreSQL tag.
func NewAdapter() *FakeAdapter {
	return &FakeAdapter{
		DBType: dbcapabilities.PostgreSQL,
		Caps:   dbcapabilities.MustGet(dbcapabilities.PostgreSQL),
	}
}

// NewAdapterWithCaps creates a fake with explicit capability flags.
func NewAdapterWithCaps(dbType dbcapabilities.DatabaseType, caps dbcapabilities.Capability) *FakeAdapter {
	return &FakeAdapter{DBType: dbType, Caps: caps}
}

func (a *FakeAdapter) Type() dbcapabilities.DatabaseType       { return a.DBType }
func (a *FakeAdapter) Capabilities() dbcapabilities.Capability { return a.Caps }

// FailNextDials makes the next n Connect calls fail.
func (a *FakeAdapter) FailNextDials(n int) {
	a.mu.Lock()
	a.failDials = n
	a.mu.Unlock()
}

// SetDialDelay adds latency to every Connect call.
func (a *FakeAdapter) SetDialDelay(d time.Duration) {
	a.mu.Lock()
	a.dialDelay = d
	a.mu.Unlock()
}

// DialCount reports how many Connect calls were made.
func (a *FakeAdapter) DialCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.dialCount
}

// Conns returns every connection ever dialed, open or closed.
func (a *FakeAdapter) Conns() []*FakeConn {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]*FakeConn, len(a.conns))
	copy(out, a.conns)
	return out
}

// OpenConns counts connections not yet closed.
func (a *FakeAdapter) OpenConns() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, c := range a.conns {
		if c.IsConnected() {
			n++
		}
	}
	return n
}

func (a *FakeAdapter) Connect(ctx context.Context, config adapter.ConnectionConfig) (adapter.Connection, error) {
	a.mu.Lock()
	a.dialCount++
	delay := a.dialDelay
	fail := a.failDials > 0
	if fail {
		a.failDials--
	}
	a.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if fail {
		return nil, adapter.NewConnectionError(a.DBType, config.Host, config.Port, fmt.Errorf("dial refused"))
	}

	c := &FakeConn{
		id:      uuid.NewString(),
		owner:   a,
		config:  config,
		created: time.Now(),
	}
	c.connected.Store(true)

	a.mu.Lock()
	a.conns = append(a.conns, c)
	a.mu.Unlock()
	return c, nil
}

// FakeConn is one in-memory connection. Statements records every query and
// transaction control call in order.
type FakeConn struct {
	id        string
	owner     *FakeAdapter
	config    adapter.ConnectionConfig
	created   time.Time
	connected atomic.Bool

	mu         sync.Mutex
	Statements []string
	pingErr    error
	queryDelay time.Duration

	CancelCalls atomic.Int32
}

func (c *FakeConn) ID() string                         { return c.id }
func (c *FakeConn) Type() dbcapabilities.DatabaseType  { return c.owner.DBType }
func (c *FakeConn) IsConnected() bool                  { return c.connected.Load() }
func (c *FakeConn) Raw() any                           { return nil }
func (c *FakeConn) Config() adapter.ConnectionConfig   { return c.config }
func (c *FakeConn) Adapter() adapter.Adapter           { return c.owner }
func (c *FakeConn) Data() adapter.DataOperator         { return &fakeData{c: c} }
func (c *FakeConn) Tx() adapter.TxOperator             { return &fakeTx{c: c} }
func (c *FakeConn) Metadata() adapter.MetadataOperator { return &fakeMeta{c: c} }

// SetPingErr makes subsequent pings fail; nil restores health.
func (c *FakeConn) SetPingErr(err error) {
	c.mu.Lock()
	c.pingErr = err
	c.mu.Unlock()
}

// SetQueryDelay adds latency to every query on this connection.
func (c *FakeConn) SetQueryDelay(d time.Duration) {
	c.mu.Lock()
	c.queryDelay = d
	c.mu.Unlock()
}

// Recorded returns a copy of the statement log.
func (c *FakeConn) Recorded() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.Statements))
	copy(out, c.Statements)
	return out
}

func (c *FakeConn) record(stmt string) {
	c.mu.Lock()
	c.Statements = append(c.Statements, stmt)
	c.mu.Unlock()
}

func (c *FakeConn) Ping(ctx context.Context) error {
	if !c.IsConnected() {
		return adapter.ErrConnectionClosed
	}
	c.mu.Lock()
	err := c.pingErr
	c.mu.Unlock()
	return err
}

func (c *FakeConn) Close() error {
	c.connected.Store(false)
	return nil
}

func (c *FakeConn) guard() error {
	if !c.IsConnected() {
		return adapter.ErrConnectionClosed
	}
	return nil
}

type fakeData struct {
	c *FakeConn
}

func (d *fakeData) Query(ctx context.Context, query string, params []any, opts adapter.QueryOptions) (*adapter.Result, error) {
	if err := d.c.guard(); err != nil {
		return nil, err
	}
	d.c.record(query)

	d.c.mu.Lock()
	delay := d.c.queryDelay
	d.c.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, adapter.NewError(d.c.Type(), adapter.CodeTimeout, "query", ctx.Err())
		}
	}

	if d.c.owner.QueryHook != nil {
		return d.c.owner.QueryHook(query, params)
	}
	return &adapter.Result{Command: adapter.ClassifyCommand(query)}, nil
}

func (d *fakeData) Prepare(ctx context.Context, query string) (adapter.PreparedStatement, error) {
	if err := d.c.guard(); err != nil {
		return nil, err
	}
	return &fakeStmt{c: d.c, query: query}, nil
}

type fakeStmt struct {
	c     *FakeConn
	query string
}

func (s *fakeStmt) ID() string      { return "stmt-" + s.c.id }
func (s *fakeStmt) Query() string   { return s.query }
func (s *fakeStmt) ParamCount() int { return -1 }

func (s *fakeStmt) Execute(ctx context.Context, params []any) (*adapter.Result, error) {
	return (&fakeData{c: s.c}).Query(ctx, s.query, params, adapter.QueryOptions{})
}

func (s *fakeStmt) Close(context.Context) error { return nil }

func (d *fakeData) BulkInsert(ctx context.Context, table string, rows []adapter.Row) (int64, error) {
	if err := d.c.guard(); err != nil {
		return 0, err
	}
	d.c.record(fmt.Sprintf("BULK INSERT %s (%d rows)", table, len(rows)))
	return int64(len(rows)), nil
}

func (d *fakeData) Stream(ctx context.Context, query string, params []any, opts adapter.QueryOptions) (adapter.RowStream, error) {
	result, err := d.Query(ctx, query, params, opts)
	if err != nil {
		return nil, err
	}
	return &sliceStream{rows: result.Rows, fields: result.Fields}, nil
}

type sliceStream struct {
	rows   []adapter.Row
	fields []adapter.FieldMeta
	pos    int
}

func (s *sliceStream) Next(context.Context) (adapter.Row, bool, error) {
	if s.pos >= len(s.rows) {
		return nil, false, nil
	}
	row := s.rows[s.pos]
	s.pos++
	return row, true, nil
}

func (s *sliceStream) Fields() []adapter.FieldMeta { return s.fields }
func (s *sliceStream) Close() error                { return nil }

func (d *fakeData) CancelQuery(context.Context) error {
	d.c.CancelCalls.Add(1)
	return nil
}

type fakeTx struct {
	c *FakeConn
}

func (t *fakeTx) Begin(ctx context.Context, isolation dbcapabilities.IsolationLevel) error {
	if err := t.c.guard(); err != nil {
		return err
	}
	if isolation != "" {
		t.c.record(fmt.Sprintf("BEGIN ISOLATION LEVEL %s", isolation))
		return nil
	}
	t.c.record("BEGIN")
	return nil
}

func (t *fakeTx) Commit(ctx context.Context) error {
	if err := t.c.guard(); err != nil {
		return err
	}
	t.c.record("COMMIT")
	return nil
}

func (t *fakeTx) Rollback(ctx context.Context) error {
	if err := t.c.guard(); err != nil {
		return err
	}
	t.c.record("ROLLBACK")
	return nil
}

func (t *fakeTx) CreateSavepoint(ctx context.Context, name string) error {
	if err := t.c.guard(); err != nil {
		return err
	}
	t.c.record("SAVEPOINT " + name)
	return nil
}

func (t *fakeTx) ReleaseSavepoint(ctx context.Context, name string) error {
	if err := t.c.guard(); err != nil {
		return err
	}
	t.c.record("RELEASE SAVEPOINT " + name)
	return nil
}

func (t *fakeTx) RollbackToSavepoint(ctx context.Context, name string) error {
	if err := t.c.guard(); err != nil {
		return err
	}
	t.c.record("ROLLBACK TO SAVEPOINT " + name)
	return nil
}

type fakeMeta struct {
	c *FakeConn
}

func (m *fakeMeta) GetVersion(context.Context) (string, error) {
	return "fake-1.0", nil
}

func (m *fakeMeta) CollectDatabaseMetadata(context.Context) (*adapter.DatabaseMetadata, error) {
	return &adapter.DatabaseMetadata{
		DatabaseType: string(m.c.Type()),
		DatabaseName: m.c.config.DatabaseName,
		Version:      "fake-1.0",
	}, nil
}

func (m *fakeMeta) GetTableInfo(ctx context.Context, table string) (*adapter.TableInfo, error) {
	return &adapter.TableInfo{Name: table}, nil
}
