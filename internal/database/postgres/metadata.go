package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/relialab/dbcore/internal/database/sqlcommon"
	"github.com/relialab/dbcore/pkg/adapter"
)

type metadataOps struct {
	c *Conn
}

func (m *metadataOps) GetVersion(ctx context.Context) (string, error) {
	if err := m.c.guard(); err != nil {
		return "", err
	}
	var version string
	if err := m.c.conn.QueryRow(ctx, "SELECT version()").Scan(&version); err != nil {
		return "", mapError("getVersion", err)
	}
	return version, nil
}

func (m *metadataOps) CollectDatabaseMetadata(ctx context.Context) (*adapter.DatabaseMetadata, error) {
	if err := m.c.guard(); err != nil {
		return nil, err
	}
	meta := &adapter.DatabaseMetadata{
		DatabaseType: "postgres",
		DatabaseName: m.c.config.DatabaseName,
	}
	if err := m.c.conn.QueryRow(ctx, "SELECT version()").Scan(&meta.Version); err != nil {
		return nil, mapError("getMetadata", err)
	}
	// Best effort; a restricted user may lack access to these.
	if err := m.c.conn.QueryRow(ctx, "SELECT current_user").Scan(&meta.CurrentUser); err != nil {
		m.c.log.Debugf("current user probe failed: %v", err)
	}
	if err := m.c.conn.QueryRow(ctx, "SELECT current_schema()").Scan(&meta.CurrentSchema); err != nil {
		m.c.log.Debugf("current schema probe failed: %v", err)
	}
	if err := m.c.conn.QueryRow(ctx,
		"SELECT pg_encoding_to_char(encoding) FROM pg_database WHERE datname = current_database()").
		Scan(&meta.CharacterSet); err != nil {
		m.c.log.Debugf("character set probe failed: %v", err)
	}
	return meta, nil
}

func (m *metadataOps) GetTableInfo(ctx context.Context, table string) (*adapter.TableInfo, error) {
	if err := m.c.guard(); err != nil {
		return nil, err
	}
	info := &adapter.TableInfo{Name: table}

	rows, err := m.c.conn.Query(ctx, `
		SELECT column_name, data_type,
		       is_nullable = 'YES',
		       column_default, character_maximum_length, numeric_precision, numeric_scale
		FROM information_schema.columns
		WHERE table_schema = current_schema() AND table_name = $1
		ORDER BY ordinal_position`, table)
	if err != nil {
		return nil, mapError("getTableInfo", err)
	}
	for rows.Next() {
		var col adapter.ColumnInfo
		var nullable bool
		var defaultValue *string
		var length, precision, scale *int64
		if err := rows.Scan(&col.Name, &col.NativeType, &nullable, &defaultValue, &length, &precision, &scale); err != nil {
			rows.Close()
			return nil, mapError("getTableInfo", err)
		}
		col.Type = sqlcommon.NormalizeSQLType(strings.ToUpper(col.NativeType))
		col.Nullable = nullable
		if defaultValue != nil {
			col.Default = *defaultValue
		}
		if length != nil {
			col.Length = *length
		}
		if precision != nil {
			col.Precision = int(*precision)
		}
		if scale != nil {
			col.Scale = int(*scale)
		}
		info.Columns = append(info.Columns, col)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, mapError("getTableInfo", err)
	}
	if len(info.Columns) == 0 {
		return nil, adapter.NewError(m.c.Type(), adapter.CodeQuery, "getTableInfo",
			fmt.Errorf("table %q not found", table))
	}

	if err := m.collectIndexes(ctx, table, info); err != nil {
		m.c.log.Debugf("index introspection failed for %s: %v", table, err)
	}
	if err := m.collectConstraints(ctx, table, info); err != nil {
		m.c.log.Debugf("constraint introspection failed for %s: %v", table, err)
	}

	escaper := sqlcommon.AnsiEscaper{QuoteOpen: '"', QuoteClose: '"'}
	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM %s", escaper.EscapeIdentifier(table))
	if err := m.c.conn.QueryRow(ctx, countQuery).Scan(&info.RowCount); err != nil {
		m.c.log.Debugf("row count failed for %s: %v", table, err)
	}

	for _, c := range info.Constraints {
		if c.Type == "PRIMARY KEY" {
			for i := range info.Columns {
				for _, pkCol := range c.Columns {
					if info.Columns[i].Name == pkCol {
						info.Columns[i].IsPrimaryKey = true
					}
				}
			}
		}
	}
	return info, nil
}

func (m *metadataOps) collectIndexes(ctx context.Context, table string, info *adapter.TableInfo) error {
	rows, err := m.c.conn.Query(ctx, `
		SELECT i.relname, a.attname, ix.indisunique
		FROM pg_class t
		JOIN pg_index ix ON t.oid = ix.indrelid
		JOIN pg_class i ON i.oid = ix.indexrelid
		JOIN pg_attribute a ON a.attrelid = t.oid AND a.attnum = ANY(ix.indkey)
		WHERE t.relname = $1 AND t.relkind = 'r'
		ORDER BY i.relname, a.attnum`, table)
	if err != nil {
		return err
	}
	defer rows.Close()

	byName := make(map[string]*adapter.IndexInfo)
	var order []string
	for rows.Next() {
		var name, column string
		var unique bool
		if err := rows.Scan(&name, &column, &unique); err != nil {
			return err
		}
		idx, ok := byName[name]
		if !ok {
			idx = &adapter.IndexInfo{Name: name, Unique: unique}
			byName[name] = idx
			order = append(order, name)
		}
		idx.Columns = append(idx.Columns, column)
	}
	for _, name := range order {
		info.Indexes = append(info.Indexes, *byName[name])
	}
	return rows.Err()
}

func (m *metadataOps) collectConstraints(ctx context.Context, table string, info *adapter.TableInfo) error {
	rows, err := m.c.conn.Query(ctx, `
		SELECT tc.constraint_name, tc.constraint_type, kcu.column_name
		FROM information_schema.table_constraints tc
		LEFT JOIN information_schema.key_column_usage kcu
		  ON tc.constraint_name = kcu.constraint_name
		 AND tc.table_schema = kcu.table_schema
		WHERE tc.table_schema = current_schema() AND tc.table_name = $1
		ORDER BY tc.constraint_name, kcu.ordinal_position`, table)
	if err != nil {
		return err
	}
	defer rows.Close()

	byName := make(map[string]*adapter.ConstraintInfo)
	var order []string
	for rows.Next() {
		var name, ctype string
		var column *string
		if err := rows.Scan(&name, &ctype, &column); err != nil {
			return err
		}
		c, ok := byName[name]
		if !ok {
			c = &adapter.ConstraintInfo{Name: name, Type: strings.ToUpper(ctype)}
			byName[name] = c
			order = append(order, name)
		}
		if column != nil {
			c.Columns = append(c.Columns, *column)
		}
	}
	for _, name := range order {
		info.Constraints = append(info.Constraints, *byName[name])
	}
	return rows.Err()
}
