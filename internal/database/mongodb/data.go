package mongodb

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"

	"github.com/relialab/dbcore/pkg/adapter"
	"github.com/relialab/dbcore/pkg/dbcapabilities"
)

type dataOps struct {
	c *Conn
}

// Query runs a JSON command document against the connection's database.
// Positional parameters are not supported; values belong in the document.
func (d *dataOps) Query(ctx context.Context, query string, params []any, opts adapter.QueryOptions) (*adapter.Result, error) {
	if err := d.c.guard(); err != nil {
		return nil, err
	}
	if len(params) > 0 {
		return nil, adapter.NewError(dbcapabilities.MongoDB, adapter.CodeQuery, "query",
			errors.New("positional parameters are not supported; embed values in the command document"))
	}

	command, err := parseCommand(query)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	kind := commandKind(command)
	ctx = d.c.opCtx(ctx)

	if kind == adapter.CommandSelect {
		cursor, err := d.c.db.RunCommandCursor(ctx, command)
		if err != nil {
			return nil, mapError("query", err)
		}
		result, err := collectCursor(ctx, cursor, opts)
		if err != nil {
			return nil, err
		}
		result.Command = kind
		result.Duration = time.Since(start)
		opts.ApplyTransform(result)
		return result, nil
	}

	var response bson.M
	if err := d.c.db.RunCommand(ctx, command).Decode(&response); err != nil {
		return nil, mapError("query", err)
	}
	result := &adapter.Result{Command: kind, Duration: time.Since(start)}
	if n, ok := response["n"]; ok {
		result.AffectedRows = toInt64(n)
	}
	if n, ok := response["nModified"]; ok {
		result.AffectedRows = toInt64(n)
	}
	return result, nil
}

// parseCommand decodes the extended-JSON command document, preserving key
// order so the command name stays first.
func parseCommand(query string) (bson.D, error) {
	var command bson.D
	if err := bson.UnmarshalExtJSON([]byte(query), false, &command); err != nil {
		return nil, adapter.NewError(dbcapabilities.MongoDB, adapter.CodeQuery, "query",
			fmt.Errorf("invalid command document: %w", err))
	}
	if len(command) == 0 {
		return nil, adapter.NewError(dbcapabilities.MongoDB, adapter.CodeQuery, "query",
			errors.New("empty command document"))
	}
	return command, nil
}

// commandKind classifies a command by its name, the document's first key.
func commandKind(command bson.D) adapter.CommandKind {
	switch strings.ToLower(command[0].Key) {
	case "find", "aggregate", "count", "distinct", "listcollections", "listindexes":
		return adapter.CommandSelect
	case "insert":
		return adapter.CommandInsert
	case "update", "findandmodify":
		return adapter.CommandUpdate
	case "delete":
		return adapter.CommandDelete
	case "create", "createindexes", "drop", "dropdatabase", "dropindexes":
		return adapter.CommandDDL
	default:
		return adapter.CommandGeneric
	}
}

// collectCursor drains a command cursor into the normalized result shape.
// Field metadata is derived from the first document's keys.
func collectCursor(ctx context.Context, cursor *mongo.Cursor, opts adapter.QueryOptions) (*adapter.Result, error) {
	defer cursor.Close(ctx)

	result := &adapter.Result{}
	offset := opts.Offset()
	limit := opts.Limit()
	var seen int64
	for cursor.Next(ctx) {
		seen++
		if seen <= offset {
			continue
		}
		if limit > 0 && int64(len(result.Rows)) >= limit {
			break
		}
		var doc bson.M
		if err := cursor.Decode(&doc); err != nil {
			return nil, mapError("scan", err)
		}
		result.Rows = append(result.Rows, adapter.Row(doc))
	}
	if err := cursor.Err(); err != nil {
		return nil, mapError("scan", err)
	}
	result.RowCount = int64(len(result.Rows))
	result.Fields = fieldsFromRows(result.Rows)
	return result, nil
}

func fieldsFromRows(rows []adapter.Row) []adapter.FieldMeta {
	if len(rows) == 0 {
		return nil
	}
	names := make([]string, 0, len(rows[0]))
	for name := range rows[0] {
		names = append(names, name)
	}
	sort.Strings(names)

	fields := make([]adapter.FieldMeta, len(names))
	for i, name := range names {
		fields[i] = adapter.FieldMeta{Name: name, Type: normalizeBSONType(rows[0][name]), Nullable: true}
	}
	return fields
}

func normalizeBSONType(value any) adapter.NormalType {
	switch value.(type) {
	case string:
		return adapter.TypeString
	case int32, int64, int:
		return adapter.TypeInteger
	case float32, float64:
		return adapter.TypeFloat
	case bool:
		return adapter.TypeBoolean
	case bson.DateTime, time.Time:
		return adapter.TypeDateTime
	case bson.ObjectID:
		return adapter.TypeString
	case bson.M, bson.D, bson.A:
		return adapter.TypeJSON
	case bson.Binary, []byte:
		return adapter.TypeBinary
	case bson.Decimal128:
		return adapter.TypeDecimal
	default:
		return adapter.TypeUnknown
	}
}

// Prepare is not available; the capability flags announce this.
func (d *dataOps) Prepare(ctx context.Context, query string) (adapter.PreparedStatement, error) {
	return adapter.UnsupportedPrepare(dbcapabilities.MongoDB)
}

// BulkInsert writes documents with InsertMany and reports the inserted IDs.
func (d *dataOps) BulkInsert(ctx context.Context, table string, rows []adapter.Row) (int64, error) {
	if err := d.c.guard(); err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}
	docs := make([]any, len(rows))
	for i, row := range rows {
		docs[i] = bson.M(row)
	}

	res, err := d.c.db.Collection(table).InsertMany(d.c.opCtx(ctx), docs)
	if err != nil {
		return 0, mapError("bulkInsert", err)
	}
	return int64(len(res.InsertedIDs)), nil
}

// Stream runs a cursor-producing command and yields documents incrementally.
func (d *dataOps) Stream(ctx context.Context, query string, params []any, opts adapter.QueryOptions) (adapter.RowStream, error) {
	if err := d.c.guard(); err != nil {
		return nil, err
	}
	if len(params) > 0 {
		return nil, adapter.NewError(dbcapabilities.MongoDB, adapter.CodeQuery, "stream",
			errors.New("positional parameters are not supported; embed values in the command document"))
	}
	command, err := parseCommand(query)
	if err != nil {
		return nil, err
	}
	cursor, err := d.c.db.RunCommandCursor(d.c.opCtx(ctx), command)
	if err != nil {
		return nil, mapError("stream", err)
	}
	return &rowStream{cursor: cursor}, nil
}

type rowStream struct {
	cursor *mongo.Cursor
	fields []adapter.FieldMeta
	closed bool
}

func (s *rowStream) Next(ctx context.Context) (adapter.Row, bool, error) {
	if s.closed {
		return nil, false, errors.New("stream is closed")
	}
	if !s.cursor.Next(ctx) {
		if err := s.cursor.Err(); err != nil {
			return nil, false, mapError("stream", err)
		}
		return nil, false, nil
	}
	var doc bson.M
	if err := s.cursor.Decode(&doc); err != nil {
		return nil, false, mapError("stream", err)
	}
	row := adapter.Row(doc)
	if s.fields == nil {
		s.fields = fieldsFromRows([]adapter.Row{row})
	}
	return row, true, nil
}

func (s *rowStream) Fields() []adapter.FieldMeta { return s.fields }

func (s *rowStream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return s.cursor.Close(context.Background())
}

// CancelQuery is not available; callers rely on context cancellation.
func (d *dataOps) CancelQuery(ctx context.Context) error {
	return adapter.UnsupportedCancel(dbcapabilities.MongoDB)
}

func toInt64(value any) int64 {
	switch v := value.(type) {
	case int32:
		return int64(v)
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	default:
		return 0
	}
}
