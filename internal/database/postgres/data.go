package postgres

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/relialab/dbcore/internal/database/sqlcommon"
	"github.com/relialab/dbcore/pkg/adapter"
)

type dataOps struct {
	c *Conn
}

// Query runs a statement. Row-returning statements are collected and
// normalized; everything else goes through Exec for its affected-row count.
func (d *dataOps) Query(ctx context.Context, query string, params []any, opts adapter.QueryOptions) (*adapter.Result, error) {
	if err := d.c.guard(); err != nil {
		return nil, err
	}
	command := adapter.ClassifyCommand(query)
	start := time.Now()

	if command != adapter.CommandSelect && command != adapter.CommandCall {
		tag, err := d.c.conn.Exec(ctx, query, params...)
		if err != nil {
			return nil, mapError("query", err)
		}
		return &adapter.Result{
			Command:      command,
			AffectedRows: tag.RowsAffected(),
			Duration:     time.Since(start),
		}, nil
	}

	rows, err := d.c.conn.Query(ctx, query, params...)
	if err != nil {
		return nil, mapError("query", err)
	}
	result, err := d.collect(rows, opts)
	if err != nil {
		return nil, err
	}
	result.Command = command
	result.Duration = time.Since(start)
	opts.ApplyTransform(result)
	return result, nil
}

// collect drains pgx rows into the normalized result shape, honoring the
// offset and limit implied by the options.
func (d *dataOps) collect(rows pgx.Rows, opts adapter.QueryOptions) (*adapter.Result, error) {
	defer rows.Close()

	fields := fieldMeta(d.c.conn, rows.FieldDescriptions())
	result := &adapter.Result{Fields: fields}

	offset := opts.Offset()
	limit := opts.Limit()
	var seen int64
	for rows.Next() {
		seen++
		if seen <= offset {
			continue
		}
		if limit > 0 && int64(len(result.Rows)) >= limit {
			break
		}
		values, err := rows.Values()
		if err != nil {
			return nil, mapError("scan", err)
		}
		row := make(adapter.Row, len(fields))
		for i, f := range fields {
			if i < len(values) {
				row[f.Name] = values[i]
			}
		}
		result.Rows = append(result.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError("scan", err)
	}
	result.RowCount = int64(len(result.Rows))
	return result, nil
}

func fieldMeta(conn *pgx.Conn, descs []pgconn.FieldDescription) []adapter.FieldMeta {
	fields := make([]adapter.FieldMeta, len(descs))
	for i, desc := range descs {
		meta := adapter.FieldMeta{Name: desc.Name, Type: adapter.TypeUnknown}
		if t, ok := conn.TypeMap().TypeForOID(desc.DataTypeOID); ok {
			meta.NativeType = t.Name
			meta.Type = sqlcommon.NormalizeSQLType(strings.ToUpper(t.Name))
		}
		fields[i] = meta
	}
	return fields
}

// Prepare readies a named server-side statement.
func (d *dataOps) Prepare(ctx context.Context, query string) (adapter.PreparedStatement, error) {
	if err := d.c.guard(); err != nil {
		return nil, err
	}
	name := "dbcore_" + uuid.NewString()
	desc, err := d.c.conn.Prepare(ctx, name, query)
	if err != nil {
		return nil, mapError("prepare", err)
	}
	return &preparedStatement{c: d.c, name: name, query: query, paramCount: len(desc.ParamOIDs)}, nil
}

type preparedStatement struct {
	c          *Conn
	name       string
	query      string
	paramCount int
}

func (p *preparedStatement) ID() string      { return p.name }
func (p *preparedStatement) Query() string   { return p.query }
func (p *preparedStatement) ParamCount() int { return p.paramCount }

func (p *preparedStatement) Execute(ctx context.Context, params []any) (*adapter.Result, error) {
	if err := p.c.guard(); err != nil {
		return nil, err
	}
	ops := &dataOps{c: p.c}
	command := adapter.ClassifyCommand(p.query)
	start := time.Now()

	if command != adapter.CommandSelect && command != adapter.CommandCall {
		tag, err := p.c.conn.Exec(ctx, p.name, params...)
		if err != nil {
			return nil, mapError("execute", err)
		}
		return &adapter.Result{
			Command:      command,
			AffectedRows: tag.RowsAffected(),
			Duration:     time.Since(start),
		}, nil
	}

	rows, err := p.c.conn.Query(ctx, p.name, params...)
	if err != nil {
		return nil, mapError("execute", err)
	}
	result, err := ops.collect(rows, adapter.QueryOptions{})
	if err != nil {
		return nil, err
	}
	result.Command = command
	result.Duration = time.Since(start)
	return result, nil
}

func (p *preparedStatement) Close(ctx context.Context) error {
	if err := p.c.guard(); err != nil {
		return err
	}
	if err := p.c.conn.Deallocate(ctx, p.name); err != nil {
		return mapError("deallocate", err)
	}
	return nil
}

// BulkInsert writes rows through the COPY protocol.
func (d *dataOps) BulkInsert(ctx context.Context, table string, rows []adapter.Row) (int64, error) {
	if err := d.c.guard(); err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}

	columns := make([]string, 0, len(rows[0]))
	for col := range rows[0] {
		columns = append(columns, col)
	}
	sort.Strings(columns)

	values := make([][]any, len(rows))
	for i, row := range rows {
		record := make([]any, len(columns))
		for j, col := range columns {
			record[j] = row[col]
		}
		values[i] = record
	}

	var ident pgx.Identifier
	for _, part := range strings.Split(table, ".") {
		ident = append(ident, part)
	}

	copied, err := d.c.conn.CopyFrom(ctx, ident, columns, pgx.CopyFromRows(values))
	if err != nil {
		return 0, mapError("bulkInsert", err)
	}
	d.c.log.Debugf("copied %d rows into %s", copied, table)
	return copied, nil
}

// Stream reads a large result incrementally on the single connection. The
// stream must be closed before the connection can run another query.
func (d *dataOps) Stream(ctx context.Context, query string, params []any, opts adapter.QueryOptions) (adapter.RowStream, error) {
	if err := d.c.guard(); err != nil {
		return nil, err
	}
	rows, err := d.c.conn.Query(ctx, query, params...)
	if err != nil {
		return nil, mapError("stream", err)
	}
	return &rowStream{c: d.c, rows: rows, fields: fieldMeta(d.c.conn, rows.FieldDescriptions())}, nil
}

type rowStream struct {
	c      *Conn
	rows   pgx.Rows
	fields []adapter.FieldMeta
	closed bool
}

func (s *rowStream) Next(ctx context.Context) (adapter.Row, bool, error) {
	if s.closed {
		return nil, false, fmt.Errorf("stream is closed")
	}
	if !s.rows.Next() {
		if err := s.rows.Err(); err != nil {
			return nil, false, mapError("stream", err)
		}
		return nil, false, nil
	}
	values, err := s.rows.Values()
	if err != nil {
		return nil, false, mapError("stream", err)
	}
	row := make(adapter.Row, len(s.fields))
	for i, f := range s.fields {
		if i < len(values) {
			row[f.Name] = values[i]
		}
	}
	return row, true, nil
}

func (s *rowStream) Fields() []adapter.FieldMeta { return s.fields }

func (s *rowStream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.rows.Close()
	return nil
}

// CancelQuery sends an out-of-band cancel request for whatever statement is
// running on this connection.
func (d *dataOps) CancelQuery(ctx context.Context) error {
	if err := d.c.guard(); err != nil {
		return err
	}
	if err := d.c.conn.PgConn().CancelRequest(ctx); err != nil {
		return mapError("cancelQuery", err)
	}
	return nil
}
