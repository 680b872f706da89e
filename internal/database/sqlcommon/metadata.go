package sqlcommon

import (
	"context"
	"fmt"
	"strings"

	"github.com/relialab/dbcore/pkg/adapter"
)

// metadataOps implements adapter.MetadataOperator from the dialect's
// introspection queries.
type metadataOps struct {
	s *Session
}

func (m *metadataOps) GetVersion(ctx context.Context) (string, error) {
	if err := m.s.guard(); err != nil {
		return "", err
	}
	queries := m.s.dialect.MetadataQueries()
	var version string
	if err := m.s.queryRowContext(ctx, queries.Version).Scan(&version); err != nil {
		return "", m.s.dialect.MapError("getVersion", err)
	}
	return version, nil
}

func (m *metadataOps) CollectDatabaseMetadata(ctx context.Context) (*adapter.DatabaseMetadata, error) {
	if err := m.s.guard(); err != nil {
		return nil, err
	}
	queries := m.s.dialect.MetadataQueries()

	meta := &adapter.DatabaseMetadata{
		DatabaseType: string(m.s.dialect.Type()),
		DatabaseName: m.s.config.DatabaseName,
	}

	if err := m.s.queryRowContext(ctx, queries.Version).Scan(&meta.Version); err != nil {
		return nil, m.s.dialect.MapError("getMetadata", err)
	}
	// The remaining probes are best effort; a restricted user may lack access.
	if queries.CurrentUser != "" {
		if err := m.s.queryRowContext(ctx, queries.CurrentUser).Scan(&meta.CurrentUser); err != nil {
			m.s.log.Debugf("current user probe failed: %v", err)
		}
	}
	if queries.CurrentSchema != "" {
		if err := m.s.queryRowContext(ctx, queries.CurrentSchema).Scan(&meta.CurrentSchema); err != nil {
			m.s.log.Debugf("current schema probe failed: %v", err)
		}
	}
	if queries.CharacterSet != "" {
		if err := m.s.queryRowContext(ctx, queries.CharacterSet).Scan(&meta.CharacterSet); err != nil {
			m.s.log.Debugf("character set probe failed: %v", err)
		}
	}
	return meta, nil
}

func (m *metadataOps) GetTableInfo(ctx context.Context, table string) (*adapter.TableInfo, error) {
	if err := m.s.guard(); err != nil {
		return nil, err
	}
	queries := m.s.dialect.MetadataQueries()

	info := &adapter.TableInfo{Name: table}

	rows, err := m.s.queryContext(ctx, queries.TableColumns, table)
	if err != nil {
		return nil, m.s.dialect.MapError("getTableInfo", err)
	}
	for rows.Next() {
		var col adapter.ColumnInfo
		var nullable string
		var defaultValue, length, precision, scale any
		if err := rows.Scan(&col.Name, &col.NativeType, &nullable, &defaultValue, &length, &precision, &scale); err != nil {
			rows.Close()
			return nil, m.s.dialect.MapError("getTableInfo", err)
		}
		col.Type = m.s.dialect.NormalizeType(strings.ToUpper(col.NativeType))
		col.Nullable = isAffirmative(nullable)
		if defaultValue != nil {
			col.Default = fmt.Sprintf("%v", normalizeValue(ptrOf(defaultValue)))
		}
		col.Length = toInt64(length)
		col.Precision = int(toInt64(precision))
		col.Scale = int(toInt64(scale))
		info.Columns = append(info.Columns, col)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, m.s.dialect.MapError("getTableInfo", err)
	}
	if len(info.Columns) == 0 {
		return nil, adapter.NewError(m.s.dialect.Type(), adapter.CodeQuery, "getTableInfo",
			fmt.Errorf("table %q not found", table))
	}

	if queries.TableIndexes != "" {
		if err := m.collectIndexes(ctx, queries.TableIndexes, table, info); err != nil {
			m.s.log.Debugf("index introspection failed for %s: %v", table, err)
		}
	}
	if queries.TableConstraints != "" {
		if err := m.collectConstraints(ctx, queries.TableConstraints, table, info); err != nil {
			m.s.log.Debugf("constraint introspection failed for %s: %v", table, err)
		}
	}
	if queries.TableRowCount != "" {
		countQuery := fmt.Sprintf(queries.TableRowCount, m.s.dialect.Escaper().EscapeIdentifier(table))
		if err := m.s.queryRowContext(ctx, countQuery).Scan(&info.RowCount); err != nil {
			m.s.log.Debugf("row count failed for %s: %v", table, err)
		}
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

// collectIndexes expects rows of (index_name, column_name, is_unique).
func (m *metadataOps) collectIndexes(ctx context.Context, query, table string, info *adapter.TableInfo) error {
	rows, err := m.s.queryContext(ctx, query, table)
	if err != nil {
		return err
	}
	defer rows.Close()

	byName := make(map[string]*adapter.IndexInfo)
	var order []string
	for rows.Next() {
		var name, column string
		var unique any
		if err := rows.Scan(&name, &column, &unique); err != nil {
			return err
		}
		idx, ok := byName[name]
		if !ok {
			idx = &adapter.IndexInfo{Name: name, Unique: isTruthy(unique)}
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

// collectConstraints expects rows of (constraint_name, constraint_type, column_name).
func (m *metadataOps) collectConstraints(ctx context.Context, query, table string, info *adapter.TableInfo) error {
	rows, err := m.s.queryContext(ctx, query, table)
	if err != nil {
		return err
	}
	defer rows.Close()

	byName := make(map[string]*adapter.ConstraintInfo)
	var order []string
	for rows.Next() {
		var name, ctype string
		var column any
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
			c.Columns = append(c.Columns, fmt.Sprintf("%v", normalizeValue(ptrOf(column))))
		}
	}
	for _, name := range order {
		info.Constraints = append(info.Constraints, *byName[name])
	}
	return rows.Err()
}

func isAffirmative(value string) bool {
	switch strings.ToUpper(strings.TrimSpace(value)) {
	case "YES", "Y", "TRUE", "1":
		return true
	}
	return false
}

func isTruthy(value any) bool {
	switch v := value.(type) {
	case bool:
		return v
	case int64:
		return v != 0
	case string:
		return isAffirmative(v)
	case []byte:
		return isAffirmative(string(v))
	default:
		return false
	}
}

func toInt64(value any) int64 {
	switch v := value.(type) {
	case int64:
		return v
	case int32:
		return int64(v)
	case int:
		return int64(v)
	case float64:
		return int64(v)
	case []byte:
		var n int64
		fmt.Sscanf(string(v), "%d", &n)
		return n
	case string:
		var n int64
		fmt.Sscanf(v, "%d", &n)
		return n
	default:
		return 0
	}
}

func ptrOf(v any) *any { return &v }
