package sqlcommon

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/relialab/dbcore/pkg/adapter"
)

// dataOps implements adapter.DataOperator over a pinned session.
type dataOps struct {
	s *Session
}

func (d *dataOps) Query(ctx context.Context, query string, params []any, opts adapter.QueryOptions) (*adapter.Result, error) {
	if err := d.s.guard(); err != nil {
		return nil, err
	}

	command := adapter.ClassifyCommand(query)
	start := time.Now()

	if command == adapter.CommandSelect {
		rows, err := d.s.queryContext(ctx, query, params...)
		if err != nil {
			return nil, d.s.dialect.MapError("query", err)
		}
		result, err := ScanRows(rows, d.s.dialect, opts)
		if err != nil {
			return nil, d.s.dialect.MapError("query", err)
		}
		result.Command = command
		result.Duration = time.Since(start)
		opts.ApplyTransform(result)
		return result, nil
	}

	execResult, err := d.s.execContext(ctx, query, params...)
	if err != nil {
		return nil, d.s.dialect.MapError("query", err)
	}
	result := &adapter.Result{
		Command:  command,
		Duration: time.Since(start),
	}
	if affected, err := execResult.RowsAffected(); err == nil {
		result.AffectedRows = affected
		result.RowCount = affected
	}
	if id, err := execResult.LastInsertId(); err == nil && id != 0 {
		result.InsertedIDs = []any{id}
	}
	return result, nil
}

func (d *dataOps) Prepare(ctx context.Context, query string) (adapter.PreparedStatement, error) {
	if err := d.s.guard(); err != nil {
		return nil, err
	}
	stmt, err := d.s.prepareContext(ctx, query)
	if err != nil {
		return nil, d.s.dialect.MapError("prepare", err)
	}
	return &preparedStatement{
		id:    uuid.NewString(),
		query: query,
		stmt:  stmt,
		s:     d.s,
	}, nil
}

func (d *dataOps) BulkInsert(ctx context.Context, table string, rows []adapter.Row) (int64, error) {
	if err := d.s.guard(); err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}

	var total int64
	for start := 0; start < len(rows); start += BulkChunkSize {
		end := start + BulkChunkSize
		if end > len(rows) {
			end = len(rows)
		}
		query, args, err := BuildInsert(d.s.dialect.Escaper(), table, rows[start:end])
		if err != nil {
			return total, adapter.NewError(d.s.dialect.Type(), adapter.CodeQuery, "bulkInsert", err)
		}
		execResult, err := d.s.execContext(ctx, query, args...)
		if err != nil {
			return total, d.s.dialect.MapError("bulkInsert", err)
		}
		if affected, err := execResult.RowsAffected(); err == nil {
			total += affected
		} else {
			total += int64(end - start)
		}
	}
	return total, nil
}

func (d *dataOps) Stream(ctx context.Context, query string, params []any, opts adapter.QueryOptions) (adapter.RowStream, error) {
	if err := d.s.guard(); err != nil {
		return nil, err
	}
	rows, err := d.s.queryContext(ctx, query, params...)
	if err != nil {
		return nil, d.s.dialect.MapError("stream", err)
	}
	fields, scanTargets, err := fieldsFromColumns(rows, d.s.dialect)
	if err != nil {
		rows.Close()
		return nil, d.s.dialect.MapError("stream", err)
	}
	return &rowStream{rows: rows, fields: fields, targets: scanTargets, dialect: d.s.dialect}, nil
}

func (d *dataOps) CancelQuery(ctx context.Context) error {
	// database/sql cancels in-flight statements through their context; the
	// executor's timeout already aborted the call by the time this runs.
	return adapter.UnsupportedCancel(d.s.dialect.Type())
}

// preparedStatement wraps a database/sql prepared statement.
type preparedStatement struct {
	id    string
	query string
	stmt  *sql.Stmt
	s     *Session
}

func (p *preparedStatement) ID() string    { return p.id }
func (p *preparedStatement) Query() string { return p.query }

func (p *preparedStatement) ParamCount() int {
	// database/sql exposes no portable parameter count; count markers.
	return strings.Count(p.query, "?") + countDollarMarkers(p.query) + countAtMarkers(p.query)
}

func (p *preparedStatement) Execute(ctx context.Context, params []any) (*adapter.Result, error) {
	if err := p.s.guard(); err != nil {
		return nil, err
	}
	start := time.Now()
	command := adapter.ClassifyCommand(p.query)

	if command == adapter.CommandSelect {
		rows, err := p.stmt.QueryContext(ctx, params...)
		if err != nil {
			return nil, p.s.dialect.MapError("executePrepared", err)
		}
		result, err := ScanRows(rows, p.s.dialect, adapter.QueryOptions{})
		if err != nil {
			return nil, p.s.dialect.MapError("executePrepared", err)
		}
		result.Command = command
		result.Duration = time.Since(start)
		return result, nil
	}

	execResult, err := p.stmt.ExecContext(ctx, params...)
	if err != nil {
		return nil, p.s.dialect.MapError("executePrepared", err)
	}
	result := &adapter.Result{Command: command, Duration: time.Since(start)}
	if affected, err := execResult.RowsAffected(); err == nil {
		result.AffectedRows = affected
		result.RowCount = affected
	}
	return result, nil
}

func (p *preparedStatement) Close(ctx context.Context) error {
	return p.stmt.Close()
}

func countDollarMarkers(query string) int {
	count := 0
	for i := 0; i < len(query)-1; i++ {
		if query[i] == '$' && query[i+1] >= '1' && query[i+1] <= '9' {
			count++
		}
	}
	return count
}

func countAtMarkers(query string) int {
	return strings.Count(strings.ToLower(query), "@p")
}

// rowStream yields rows from an open cursor.
type rowStream struct {
	rows    *sql.Rows
	fields  []adapter.FieldMeta
	targets func() []any
	dialect Dialect
}

func (r *rowStream) Next(ctx context.Context) (adapter.Row, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	if !r.rows.Next() {
		if err := r.rows.Err(); err != nil {
			return nil, false, r.dialect.MapError("stream", err)
		}
		return nil, false, nil
	}
	values := r.targets()
	if err := r.rows.Scan(values...); err != nil {
		return nil, false, r.dialect.MapError("stream", err)
	}
	row := make(adapter.Row, len(r.fields))
	for i, f := range r.fields {
		row[f.Name] = normalizeValue(values[i])
	}
	return row, true, nil
}

func (r *rowStream) Fields() []adapter.FieldMeta { return r.fields }
func (r *rowStream) Close() error                { return r.rows.Close() }

// BuildInsert renders a multi-row INSERT for one chunk. Column order follows
// the first row; missing values in later rows become NULL.
func BuildInsert(escaper adapter.Escaper, table string, rows []adapter.Row) (string, []any, error) {
	if len(rows) == 0 {
		return "", nil, fmt.Errorf("no rows to insert")
	}
	columns := make([]string, 0, len(rows[0]))
	for col := range rows[0] {
		columns = append(columns, col)
	}
	sort.Strings(columns)

	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(escaper.EscapeIdentifier(table))
	b.WriteString(" (")
	for i, col := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(escaper.EscapeIdentifier(col))
	}
	b.WriteString(") VALUES ")

	args := make([]any, 0, len(rows)*len(columns))
	marker := 1
	for i, row := range rows {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(")
		for j, col := range columns {
			if j > 0 {
				b.WriteString(", ")
			}
			b.WriteString(escaper.Placeholder(marker))
			marker++
			args = append(args, row[col])
		}
		b.WriteString(")")
	}
	return b.String(), args, nil
}

// BulkChunkSize bounds the rows per generated INSERT statement.
const BulkChunkSize = 500
