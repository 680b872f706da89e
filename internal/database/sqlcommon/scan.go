package sqlcommon

import (
	"database/sql"
	"time"

	"github.com/relialab/dbcore/pkg/adapter"
)

// ScanRows drains a cursor into the canonical result shape, applying the
// option's row limit and pagination offset. The cursor is always closed.
func ScanRows(rows *sql.Rows, dialect Dialect, opts adapter.QueryOptions) (*adapter.Result, error) {
	defer rows.Close()

	fields, newTargets, err := fieldsFromColumns(rows, dialect)
	if err != nil {
		return nil, err
	}

	result := &adapter.Result{Fields: fields}
	offset := opts.Offset()
	limit := opts.Limit()

	var skipped int64
	for rows.Next() {
		if skipped < offset {
			// Drain skipped rows; Scan is still required to advance some drivers.
			values := newTargets()
			if err := rows.Scan(values...); err != nil {
				return nil, err
			}
			skipped++
			continue
		}
		if limit > 0 && int64(len(result.Rows)) >= limit {
			break
		}
		values := newTargets()
		if err := rows.Scan(values...); err != nil {
			return nil, err
		}
		row := make(adapter.Row, len(fields))
		for i, f := range fields {
			row[f.Name] = normalizeValue(values[i])
		}
		result.Rows = append(result.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	result.RowCount = int64(len(result.Rows))
	return result, nil
}

// fieldsFromColumns derives field metadata and a scan-target factory from the
// cursor's column types.
func fieldsFromColumns(rows *sql.Rows, dialect Dialect) ([]adapter.FieldMeta, func() []any, error) {
	columnTypes, err := rows.ColumnTypes()
	if err != nil {
		return nil, nil, err
	}

	fields := make([]adapter.FieldMeta, len(columnTypes))
	for i, ct := range columnTypes {
		meta := adapter.FieldMeta{
			Name:       ct.Name(),
			NativeType: ct.DatabaseTypeName(),
			Type:       dialect.NormalizeType(ct.DatabaseTypeName()),
		}
		if nullable, ok := ct.Nullable(); ok {
			meta.Nullable = nullable
		}
		if length, ok := ct.Length(); ok {
			meta.Length = length
		}
		if precision, scale, ok := ct.DecimalSize(); ok {
			meta.Precision = int(precision)
			meta.Scale = int(scale)
		}
		fields[i] = meta
	}

	newTargets := func() []any {
		values := make([]any, len(fields))
		for i := range values {
			values[i] = new(any)
		}
		return values
	}
	return fields, newTargets, nil
}

// normalizeValue converts driver scan results into plain Go values: []byte
// becomes string, time.Time passes through, everything else unwraps.
func normalizeValue(target any) any {
	ptr, ok := target.(*any)
	if !ok {
		return target
	}
	switch v := (*ptr).(type) {
	case nil:
		return nil
	case []byte:
		return string(v)
	case time.Time:
		return v
	default:
		return v
	}
}

// NormalizeSQLType maps common SQL type names shared across dialects; engine
// dialects call it first and only handle their own specials.
func NormalizeSQLType(nativeType string) adapter.NormalType {
	switch nativeType {
	case "VARCHAR", "NVARCHAR", "CHAR", "NCHAR", "TEXT", "NTEXT", "LONGTEXT",
		"MEDIUMTEXT", "TINYTEXT", "CLOB", "NCLOB", "ENUM", "SET", "XML",
		"CHARACTER VARYING", "BPCHAR", "NAME", "SHORTTEXT", "ALPHANUM":
		return adapter.TypeString
	case "INT", "INTEGER", "BIGINT", "SMALLINT", "TINYINT", "MEDIUMINT",
		"INT2", "INT4", "INT8", "SERIAL", "BIGSERIAL", "YEAR":
		return adapter.TypeInteger
	case "FLOAT", "DOUBLE", "REAL", "FLOAT4", "FLOAT8", "DOUBLE PRECISION":
		return adapter.TypeFloat
	case "DECIMAL", "NUMERIC", "MONEY", "SMALLMONEY", "SMALLDECIMAL":
		return adapter.TypeDecimal
	case "BOOL", "BOOLEAN", "BIT":
		return adapter.TypeBoolean
	case "TIMESTAMP", "TIMESTAMPTZ", "DATETIME", "DATETIME2", "SMALLDATETIME",
		"DATETIMEOFFSET", "SECONDDATE", "LONGDATE":
		return adapter.TypeDateTime
	case "DATE", "DAYDATE":
		return adapter.TypeDate
	case "TIME", "TIMETZ", "SECONDTIME":
		return adapter.TypeTime
	case "BYTEA", "BLOB", "LONGBLOB", "MEDIUMBLOB", "TINYBLOB", "BINARY",
		"VARBINARY", "IMAGE", "RAW":
		return adapter.TypeBinary
	case "JSON", "JSONB":
		return adapter.TypeJSON
	case "UUID", "UNIQUEIDENTIFIER":
		return adapter.TypeUUID
	default:
		return adapter.TypeUnknown
	}
}
