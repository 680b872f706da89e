package redis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/relialab/dbcore/pkg/adapter"
	"github.com/relialab/dbcore/pkg/dbcapabilities"
)

type dataOps struct {
	c *Conn
}

// Query runs a command line. Positional parameters are appended as trailing
// command arguments.
func (d *dataOps) Query(ctx context.Context, query string, params []any, opts adapter.QueryOptions) (*adapter.Result, error) {
	if err := d.c.guard(); err != nil {
		return nil, err
	}
	args, err := splitCommandLine(query)
	if err != nil {
		return nil, adapter.NewError(dbcapabilities.Redis, adapter.CodeQuery, "query", err)
	}
	if len(args) == 0 {
		return nil, adapter.NewError(dbcapabilities.Redis, adapter.CodeQuery, "query",
			errors.New("empty command"))
	}
	for _, p := range params {
		args = append(args, p)
	}

	start := time.Now()
	reply, err := d.c.client.Do(ctx, args...).Result()
	if err != nil && !errors.Is(err, goredis.Nil) {
		return nil, mapError("query", err)
	}

	result := normalizeReply(args, reply)
	result.Duration = time.Since(start)
	applyWindow(result, opts)
	opts.ApplyTransform(result)
	return result, nil
}

// splitCommandLine tokenizes a command line, honoring single and double
// quoted arguments.
func splitCommandLine(line string) ([]any, error) {
	var args []any
	var current strings.Builder
	var quote rune
	inToken := false

	for _, r := range line {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			} else {
				current.WriteRune(r)
			}
		case r == '\'' || r == '"':
			quote = r
			inToken = true
		case r == ' ' || r == '\t':
			if inToken {
				args = append(args, current.String())
				current.Reset()
				inToken = false
			}
		default:
			current.WriteRune(r)
			inToken = true
		}
	}
	if quote != 0 {
		return nil, fmt.Errorf("unterminated quote in command")
	}
	if inToken {
		args = append(args, current.String())
	}
	return args, nil
}

// writeCommands change server state; everything else reads.
var writeCommands = map[string]adapter.CommandKind{
	"SET": adapter.CommandInsert, "SETNX": adapter.CommandInsert, "SETEX": adapter.CommandInsert,
	"MSET": adapter.CommandInsert, "HSET": adapter.CommandInsert, "HMSET": adapter.CommandInsert,
	"LPUSH": adapter.CommandInsert, "RPUSH": adapter.CommandInsert, "SADD": adapter.CommandInsert,
	"ZADD": adapter.CommandInsert, "XADD": adapter.CommandInsert,
	"APPEND": adapter.CommandUpdate, "INCR": adapter.CommandUpdate, "INCRBY": adapter.CommandUpdate,
	"DECR": adapter.CommandUpdate, "DECRBY": adapter.CommandUpdate, "EXPIRE": adapter.CommandUpdate,
	"RENAME": adapter.CommandUpdate, "PERSIST": adapter.CommandUpdate,
	"DEL": adapter.CommandDelete, "UNLINK": adapter.CommandDelete, "HDEL": adapter.CommandDelete,
	"LPOP": adapter.CommandDelete, "RPOP": adapter.CommandDelete, "SREM": adapter.CommandDelete,
	"ZREM": adapter.CommandDelete, "FLUSHDB": adapter.CommandDelete, "FLUSHALL": adapter.CommandDelete,
}

// normalizeReply converts a RESP reply into the tabular result shape. Scalars
// become a single "value" row; arrays become one row per element; maps become
// "field"/"value" rows.
func normalizeReply(args []any, reply any) *adapter.Result {
	name := strings.ToUpper(fmt.Sprint(args[0]))
	kind, isWrite := writeCommands[name]
	if !isWrite {
		kind = adapter.CommandSelect
	}

	result := &adapter.Result{Command: kind}
	switch v := reply.(type) {
	case nil:
		// Missing key; an empty result, not an error.
	case []any:
		result.Fields = []adapter.FieldMeta{{Name: "value", Type: adapter.TypeString, Nullable: true}}
		for _, item := range v {
			result.Rows = append(result.Rows, adapter.Row{"value": item})
		}
	case map[any]any:
		result.Fields = []adapter.FieldMeta{
			{Name: "field", Type: adapter.TypeString},
			{Name: "value", Type: adapter.TypeString, Nullable: true},
		}
		fields := make([]string, 0, len(v))
		byField := make(map[string]any, len(v))
		for key, value := range v {
			field := fmt.Sprint(key)
			fields = append(fields, field)
			byField[field] = value
		}
		sort.Strings(fields)
		for _, field := range fields {
			result.Rows = append(result.Rows, adapter.Row{"field": field, "value": byField[field]})
		}
	case map[string]any:
		result.Fields = []adapter.FieldMeta{
			{Name: "field", Type: adapter.TypeString},
			{Name: "value", Type: adapter.TypeString, Nullable: true},
		}
		fields := make([]string, 0, len(v))
		for field := range v {
			fields = append(fields, field)
		}
		sort.Strings(fields)
		for _, field := range fields {
			result.Rows = append(result.Rows, adapter.Row{"field": field, "value": v[field]})
		}
	case int64:
		if isWrite {
			result.AffectedRows = v
		}
		result.Fields = []adapter.FieldMeta{{Name: "value", Type: adapter.TypeInteger}}
		result.Rows = append(result.Rows, adapter.Row{"value": v})
	default:
		result.Fields = []adapter.FieldMeta{{Name: "value", Type: adapter.TypeString, Nullable: true}}
		result.Rows = append(result.Rows, adapter.Row{"value": v})
	}
	result.RowCount = int64(len(result.Rows))
	return result
}

func applyWindow(result *adapter.Result, opts adapter.QueryOptions) {
	offset := opts.Offset()
	limit := opts.Limit()
	if offset > 0 {
		if offset >= int64(len(result.Rows)) {
			result.Rows = nil
		} else {
			result.Rows = result.Rows[offset:]
		}
	}
	if limit > 0 && int64(len(result.Rows)) > limit {
		result.Rows = result.Rows[:limit]
	}
	result.RowCount = int64(len(result.Rows))
}

// Prepare is not available; the capability flags announce this.
func (d *dataOps) Prepare(ctx context.Context, query string) (adapter.PreparedStatement, error) {
	return adapter.UnsupportedPrepare(dbcapabilities.Redis)
}

// BulkInsert writes rows through one pipeline. Each row must carry a "key"
// entry; a row with only "key" and "value" becomes SET, anything else HSET.
func (d *dataOps) BulkInsert(ctx context.Context, table string, rows []adapter.Row) (int64, error) {
	if err := d.c.guard(); err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}

	pipe := d.c.client.Pipeline()
	for i, row := range rows {
		keyValue, ok := row["key"]
		if !ok {
			return 0, adapter.NewError(dbcapabilities.Redis, adapter.CodeQuery, "bulkInsert",
				fmt.Errorf("row %d has no \"key\" entry", i))
		}
		key := fmt.Sprint(keyValue)
		if table != "" {
			key = table + ":" + key
		}

		if value, only := row["value"]; only && len(row) == 2 {
			pipe.Set(ctx, key, value, 0)
			continue
		}
		fields := make([]any, 0, (len(row)-1)*2)
		for field, value := range row {
			if field == "key" {
				continue
			}
			fields = append(fields, field, value)
		}
		pipe.HSet(ctx, key, fields...)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return 0, mapError("bulkInsert", err)
	}
	return int64(len(rows)), nil
}

// Stream iterates keys matching a SCAN pattern, one row per key.
func (d *dataOps) Stream(ctx context.Context, query string, params []any, opts adapter.QueryOptions) (adapter.RowStream, error) {
	if err := d.c.guard(); err != nil {
		return nil, err
	}
	pattern := strings.TrimSpace(query)
	if pattern == "" {
		pattern = "*"
	}
	count := int64(opts.FetchSize)
	if count <= 0 {
		count = 100
	}
	iter := d.c.client.Scan(ctx, 0, pattern, count).Iterator()
	return &rowStream{iter: iter}, nil
}

type rowStream struct {
	iter   *goredis.ScanIterator
	closed bool
}

var streamFields = []adapter.FieldMeta{{Name: "key", Type: adapter.TypeString}}

func (s *rowStream) Next(ctx context.Context) (adapter.Row, bool, error) {
	if s.closed {
		return nil, false, errors.New("stream is closed")
	}
	if !s.iter.Next(ctx) {
		if err := s.iter.Err(); err != nil {
			return nil, false, mapError("stream", err)
		}
		return nil, false, nil
	}
	return adapter.Row{"key": s.iter.Val()}, true, nil
}

func (s *rowStream) Fields() []adapter.FieldMeta { return streamFields }

func (s *rowStream) Close() error {
	s.closed = true
	return nil
}

// CancelQuery is not available; callers rely on context cancellation.
func (d *dataOps) CancelQuery(ctx context.Context) error {
	return adapter.UnsupportedCancel(dbcapabilities.Redis)
}
