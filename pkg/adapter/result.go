package adapter

import "time"

// NormalType is the backend-agnostic field type every driver type is mapped to.
type NormalType string

const (
	TypeString   NormalType = "string"
	TypeInteger  NormalType = "integer"
	TypeFloat    NormalType = "float"
	TypeDecimal  NormalType = "decimal"
	TypeBoolean  NormalType = "boolean"
	TypeDateTime NormalType = "datetime"
	TypeDate     NormalType = "date"
	TypeTime     NormalType = "time"
	TypeBinary   NormalType = "binary"
	TypeJSON     NormalType = "json"
	TypeUUID     NormalType = "uuid"
	TypeUnknown  NormalType = "unknown"
)

// CommandKind classifies what a statement did.
type CommandKind string

const (
	CommandSelect  CommandKind = "SELECT"
	CommandInsert  CommandKind = "INSERT"
	CommandUpdate  CommandKind = "UPDATE"
	CommandDelete  CommandKind = "DELETE"
	CommandDDL     CommandKind = "DDL"
	CommandCall    CommandKind = "CALL"
	CommandGeneric CommandKind = "COMMAND"
)

// FieldMeta describes one result column in backend-agnostic terms.
type FieldMeta struct {
	Name      string     `json:"name"`
	Type      NormalType `json:"type"`
	Nullable  bool       `json:"nullable"`
	Length    int64      `json:"length,omitempty"`
	Precision int        `json:"precision,omitempty"`
	Scale     int        `json:"scale,omitempty"`
	// NativeType preserves the driver's own type name for diagnostics.
	NativeType string `json:"nativeType,omitempty"`
}

// Row is one record. Column order lives in Result.Fields; the map holds values
// keyed by column name.
type Row map[string]any

// Result is the canonical result shape every adapter normalizes into.
type Result struct {
	Rows     []Row       `json:"rows"`
	Fields   []FieldMeta `json:"fields"`
	RowCount int64       `json:"rowCount"`
	Command  CommandKind `json:"command"`
	Duration time.Duration

	// Backend-specific extras.
	AffectedRows int64 `json:"affectedRows,omitempty"`
	InsertedIDs  []any `json:"insertedIds,omitempty"`
}

// Columns returns the ordered column names.
func (r *Result) Columns() []string {
	cols := make([]string, len(r.Fields))
	for i, f := range r.Fields {
		cols[i] = f.Name
	}
	return cols
}

// Empty reports whether the result carries no rows.
func (r *Result) Empty() bool {
	return len(r.Rows) == 0
}

// First returns the first row, or nil for an empty result.
func (r *Result) First() Row {
	if len(r.Rows) == 0 {
		return nil
	}
	return r.Rows[0]
}

// ClassifyCommand derives the command kind from the leading query keyword.
func ClassifyCommand(query string) CommandKind {
	word := leadingKeyword(query)
	switch word {
	case "SELECT", "SHOW", "WITH", "DESCRIBE", "EXPLAIN", "FIND":
		return CommandSelect
	case "INSERT":
		return CommandInsert
	case "UPDATE":
		return CommandUpdate
	case "DELETE", "TRUNCATE":
		return CommandDelete
	case "CREATE", "ALTER", "DROP":
		return CommandDDL
	case "CALL", "EXEC", "EXECUTE":
		return CommandCall
	default:
		return CommandGeneric
	}
}

func leadingKeyword(query string) string {
	start := 0
	for start < len(query) && (query[start] == ' ' || query[start] == '\t' || query[start] == '\n' || query[start] == '\r' || query[start] == '(') {
		start++
	}
	end := start
	for end < len(query) {
		c := query[end]
		if !(c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z') {
			break
		}
		end++
	}
	word := query[start:end]
	upper := make([]byte, len(word))
	for i := 0; i < len(word); i++ {
		c := word[i]
		if c >= 'a' && c <= 'z' {
			c -= 'a' - 'A'
		}
		upper[i] = c
	}
	return string(upper)
}

// DatabaseMetadata is the backend-agnostic server/database introspection shape.
type DatabaseMetadata struct {
	DatabaseType  string         `json:"databaseType"`
	Version       string         `json:"version"`
	DatabaseName  string         `json:"databaseName"`
	CharacterSet  string         `json:"characterSet,omitempty"`
	CurrentUser   string         `json:"currentUser,omitempty"`
	CurrentSchema string         `json:"currentSchema,omitempty"`
	TableCount    int            `json:"tableCount,omitempty"`
	SizeBytes     int64          `json:"sizeBytes,omitempty"`
	Extra         map[string]any `json:"extra,omitempty"`
}

// ColumnInfo describes one table column.
type ColumnInfo struct {
	Name         string     `json:"name"`
	Type         NormalType `json:"type"`
	NativeType   string     `json:"nativeType"`
	Nullable     bool       `json:"nullable"`
	Default      string     `json:"default,omitempty"`
	Length       int64      `json:"length,omitempty"`
	Precision    int        `json:"precision,omitempty"`
	Scale        int        `json:"scale,omitempty"`
	IsPrimaryKey bool       `json:"isPrimaryKey,omitempty"`
}

// IndexInfo describes one table index.
type IndexInfo struct {
	Name    string   `json:"name"`
	Columns []string `json:"columns"`
	Unique  bool     `json:"unique"`
}

// ConstraintInfo describes one table constraint.
type ConstraintInfo struct {
	Name       string   `json:"name"`
	Type       string   `json:"type"` // PRIMARY KEY, FOREIGN KEY, UNIQUE, CHECK
	Columns    []string `json:"columns,omitempty"`
	Definition string   `json:"definition,omitempty"`
}

// TableInfo is the backend-agnostic table introspection shape.
type TableInfo struct {
	Name        string           `json:"name"`
	Schema      string           `json:"schema,omitempty"`
	Columns     []ColumnInfo     `json:"columns"`
	Indexes     []IndexInfo      `json:"indexes,omitempty"`
	Constraints []ConstraintInfo `json:"constraints,omitempty"`
	RowCount    int64            `json:"rowCount"`
}
