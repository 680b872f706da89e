// Package sqlcommon implements the uniform adapter contract once for every
// engine driven through database/sql. Engine packages supply a Dialect (DSN,
// escaping, error mapping, introspection queries) and reuse the shared
// session, scanning, and bulk-insert machinery.
package sqlcommon

import (
	"fmt"
	"strings"

	"github.com/relialab/dbcore/pkg/adapter"
	"github.com/relialab/dbcore/pkg/dbcapabilities"
)

// SavepointSyntax carries the dialect's savepoint statement templates. An
// empty Release means the dialect has no explicit release; the call is logged
// and skipped.
type SavepointSyntax struct {
	Create     string // e.g. "SAVEPOINT %s"
	Release    string // e.g. "RELEASE SAVEPOINT %s"; empty when unsupported
	RollbackTo string // e.g. "ROLLBACK TO SAVEPOINT %s"
}

// Dialect is what an engine package provides to drive the shared session.
type Dialect interface {
	// Type returns the engine's canonical identifier.
	Type() dbcapabilities.DatabaseType

	// DriverName is the database/sql driver registration name.
	DriverName() string

	// BuildDSN renders the driver's connection string from the unified config.
	// The password is already decrypted.
	BuildDSN(config adapter.ConnectionConfig) (string, error)

	// Escaper quotes identifiers and renders bind placeholders.
	Escaper() adapter.Escaper

	// MapError maps a native driver error to the taxonomy. It must not wrap
	// nil and must fall back to adapter.ClassifyTransport for unrecognized
	// errors.
	MapError(operation string, err error) error

	// NormalizeType maps a driver column type name to the normalized enum.
	NormalizeType(nativeType string) adapter.NormalType

	// BeginStatement renders the transaction start for an isolation level
	// (empty level means engine default).
	BeginStatement(isolation dbcapabilities.IsolationLevel) []string

	// Savepoints returns the dialect's savepoint syntax.
	Savepoints() SavepointSyntax

	// SessionStatement renders a post-connect session parameter assignment.
	SessionStatement(key, value string) string

	// MetadataQueries supplies the dialect-specific introspection SQL.
	MetadataQueries() MetadataQueries
}

// MetadataQueries holds per-dialect introspection statements. TableColumns,
// TableIndexes and TableConstraints take the table name as their single bind
// parameter; TableRowCount receives the escaped table name via fmt.Sprintf.
type MetadataQueries struct {
	Version          string
	CurrentUser      string
	CurrentSchema    string
	CharacterSet     string
	TableColumns     string
	TableIndexes     string
	TableConstraints string
	TableRowCount    string
}

// AnsiEscaper implements double-quote identifier escaping with a configurable
// placeholder renderer. It covers PostgreSQL-style dialects; MySQL and SQL
// Server override the quoting runes.
type AnsiEscaper struct {
	QuoteOpen       rune
	QuoteClose      rune
	PlaceholderFunc func(n int) string
}

// EscapeIdentifier quotes an identifier, doubling embedded quote runes.
// Dotted names are quoted segment by segment.
func (e AnsiEscaper) EscapeIdentifier(name string) string {
	parts := strings.Split(name, ".")
	for i, part := range parts {
		doubled := strings.ReplaceAll(part, string(e.QuoteClose), string(e.QuoteClose)+string(e.QuoteClose))
		parts[i] = string(e.QuoteOpen) + doubled + string(e.QuoteClose)
	}
	return strings.Join(parts, ".")
}

// Placeholder renders the bind marker for position n (1-based).
func (e AnsiEscaper) Placeholder(n int) string {
	if e.PlaceholderFunc != nil {
		return e.PlaceholderFunc(n)
	}
	return "?"
}

// QuestionPlaceholder renders "?" regardless of position.
func QuestionPlaceholder(int) string { return "?" }

// DollarPlaceholder renders "$1", "$2", ...
func DollarPlaceholder(n int) string { return fmt.Sprintf("$%d", n) }

// AtPlaceholder renders "@p1", "@p2", ...
func AtPlaceholder(n int) string { return fmt.Sprintf("@p%d", n) }
