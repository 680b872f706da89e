// Package dbcapabilities describes what each supported database engine can do.
// Components consult this registry instead of probing adapters at call time.
package dbcapabilities

import "strings"

// DatabaseType is the canonical identifier for a supported database engine.
type DatabaseType string

const (
	PostgreSQL DatabaseType = "postgres"
	MySQL      DatabaseType = "mysql"
	SQLServer  DatabaseType = "mssql"
	HANA       DatabaseType = "hana"
	MongoDB    DatabaseType = "mongodb"
	Redis      DatabaseType = "redis"
)

// DataParadigm enumerates the primary data storage paradigms an engine supports.
type DataParadigm string

const (
	ParadigmRelational DataParadigm = "relational"
	ParadigmDocument   DataParadigm = "document"
	ParadigmKeyValue   DataParadigm = "keyvalue"
)

// IsolationLevel is the normalized transaction isolation level. Adapters map
// it to dialect syntax.
type IsolationLevel string

const (
	ReadUncommitted IsolationLevel = "READ UNCOMMITTED"
	ReadCommitted   IsolationLevel = "READ COMMITTED"
	RepeatableRead  IsolationLevel = "REPEATABLE READ"
	Serializable    IsolationLevel = "SERIALIZABLE"
)

// Capability describes what a database engine supports in a way the facade and
// executor can consume uniformly. Operations whose flag is false are rejected
// before the adapter is ever called.
type Capability struct {
	// Human-friendly product name, e.g. "PostgreSQL".
	Name string `json:"name"`

	// Canonical ID used across the codebase, e.g. "postgres".
	ID DatabaseType `json:"id"`

	// Default TCP port when none is configured or parsed.
	DefaultPort int `json:"defaultPort"`

	// Optional-feature flags.
	Transactions       bool `json:"transactions"`
	Savepoints         bool `json:"savepoints"`
	PreparedStatements bool `json:"preparedStatements"`
	Streaming          bool `json:"streaming"`
	BulkInsert         bool `json:"bulkInsert"`
	StoredProcedures   bool `json:"storedProcedures"`
	QueryCancellation  bool `json:"queryCancellation"`

	// Isolation levels the engine accepts. Empty means isolation hints are
	// ignored (with a logged warning).
	IsolationLevels []IsolationLevel `json:"isolationLevels,omitempty"`

	// Primary data storage paradigms.
	Paradigms []DataParadigm `json:"paradigms"`

	// Whether the engine exposes built-in/system databases and their names.
	SystemDatabases []string `json:"systemDatabases,omitempty"`

	// Common aliases (connection-string schemes, env labels) mapping to this engine.
	Aliases []string `json:"aliases,omitempty"`
}

var allIsolationLevels = []IsolationLevel{ReadUncommitted, ReadCommitted, RepeatableRead, Serializable}

// All is the capability registry keyed by canonical database type.
var All = map[DatabaseType]Capability{
	PostgreSQL: {
		Name:               "PostgreSQL",
		ID:                 PostgreSQL,
		DefaultPort:        5432,
		Transactions:       true,
		Savepoints:         true,
		PreparedStatements: true,
		Streaming:          true,
		BulkInsert:         true,
		StoredProcedures:   true,
		QueryCancellation:  true,
		IsolationLevels:    allIsolationLevels,
		Paradigms:          []DataParadigm{ParadigmRelational},
		SystemDatabases:    []string{"postgres"},
		Aliases:            []string{"postgresql", "pgsql", "pg"},
	},
	MySQL: {
		Name:               "MySQL",
		ID:                 MySQL,
		DefaultPort:        3306,
		Transactions:       true,
		Savepoints:         true,
		PreparedStatements: true,
		Streaming:          true,
		BulkInsert:         true,
		StoredProcedures:   true,
		QueryCancellation:  true,
		IsolationLevels:    allIsolationLevels,
		Paradigms:          []DataParadigm{ParadigmRelational},
		SystemDatabases:    []string{"mysql", "information_schema"},
		Aliases:            []string{"mariadb"},
	},
	SQLServer: {
		Name:               "Microsoft SQL Server",
		ID:                 SQLServer,
		DefaultPort:        1433,
		Transactions:       true,
		Savepoints:         true,
		PreparedStatements: true,
		Streaming:          true,
		BulkInsert:         true,
		StoredProcedures:   true,
		QueryCancellation:  true,
		IsolationLevels:    allIsolationLevels,
		Paradigms:          []DataParadigm{ParadigmRelational},
		SystemDatabases:    []string{"master", "msdb", "tempdb"},
		Aliases:            []string{"sqlserver", "azure-sql"},
	},
	HANA: {
		Name:         "SAP HANA",
		ID:           HANA,
		DefaultPort:  30015,
		Transactions: true,
		// HANA has no user-defined savepoints; nested transactions are
		// tracked without real markers.
		Savepoints:         false,
		PreparedStatements: true,
		Streaming:          true,
		BulkInsert:         true,
		StoredProcedures:   true,
		QueryCancellation:  false,
		IsolationLevels:    []IsolationLevel{ReadCommitted, RepeatableRead, Serializable},
		Paradigms:          []DataParadigm{ParadigmRelational},
		SystemDatabases:    []string{"SYSTEMDB"},
		Aliases:            []string{"hdb", "saphana"},
	},
	MongoDB: {
		Name:         "MongoDB",
		ID:           MongoDB,
		DefaultPort:  27017,
		Transactions: true,
		// Savepoint calls are accepted but tracked only for API symmetry; see
		// the mongodb adapter.
		Savepoints:         false,
		PreparedStatements: false,
		Streaming:          true,
		BulkInsert:         true,
		StoredProcedures:   false,
		QueryCancellation:  false,
		Paradigms:          []DataParadigm{ParadigmDocument},
		SystemDatabases:    []string{"admin", "local", "config"},
		Aliases:            []string{"mongo"},
	},
	Redis: {
		Name:               "Redis",
		ID:                 Redis,
		DefaultPort:        6379,
		Transactions:       false,
		Savepoints:         false,
		PreparedStatements: false,
		Streaming:          true,
		BulkInsert:         true,
		StoredProcedures:   false,
		QueryCancellation:  false,
		Paradigms:          []DataParadigm{ParadigmKeyValue},
		Aliases:            []string{"rediss", "keydb"},
	},
}

// aliasIndex maps lowercase names and aliases to canonical IDs. Built once at init.
var aliasIndex = map[string]DatabaseType{}

func init() {
	for id, capability := range All {
		aliasIndex[strings.ToLower(string(id))] = id
		aliasIndex[strings.ToLower(capability.Name)] = id
		for _, alias := range capability.Aliases {
			aliasIndex[strings.ToLower(alias)] = id
		}
	}
}

// ParseID resolves a name or alias to a canonical database type.
func ParseID(name string) (DatabaseType, bool) {
	id, ok := aliasIndex[strings.ToLower(strings.TrimSpace(name))]
	return id, ok
}

// Get returns the capability entry for a canonical database type.
func Get(id DatabaseType) (Capability, bool) {
	capability, ok := All[id]
	return capability, ok
}

// MustGet returns the capability entry or panics. Only for statically known IDs.
func MustGet(id DatabaseType) Capability {
	capability, ok := All[id]
	if !ok {
		panic("dbcapabilities: unknown database type: " + string(id))
	}
	return capability
}

// GetByName resolves a name or alias and returns its capability entry.
func GetByName(name string) (Capability, bool) {
	id, ok := ParseID(name)
	if !ok {
		return Capability{}, false
	}
	return Get(id)
}

// IDs returns all canonical database types in the registry.
func IDs() []DatabaseType {
	ids := make([]DatabaseType, 0, len(All))
	for id := range All {
		ids = append(ids, id)
	}
	return ids
}

// SupportsIsolation reports whether the engine accepts the given isolation level.
func (c Capability) SupportsIsolation(level IsolationLevel) bool {
	for _, l := range c.IsolationLevels {
		if l == level {
			return true
		}
	}
	return false
}

// IsSystemDatabase reports whether the given database name is one of the
// engine's system databases.
func (c Capability) IsSystemDatabase(name string) bool {
	for _, sys := range c.SystemDatabases {
		if strings.EqualFold(name, sys) {
			return true
		}
	}
	return false
}
