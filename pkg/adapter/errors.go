package adapter

import (
	"errors"
	"fmt"
	"strings"

	"github.com/relialab/dbcore/pkg/dbcapabilities"
)

// ErrorCode is the closed taxonomy every backend error is mapped to at the
// adapter boundary.
type ErrorCode string

const (
	CodeConnection    ErrorCode = "CONNECTION_ERROR"
	CodeAuth          ErrorCode = "AUTHENTICATION_ERROR"
	CodeQuery         ErrorCode = "QUERY_ERROR"
	CodeTimeout       ErrorCode = "TIMEOUT_ERROR"
	CodeTransaction   ErrorCode = "TRANSACTION_ERROR"
	CodeDuplicateKey  ErrorCode = "DUPLICATE_KEY"
	CodeForeignKey    ErrorCode = "FOREIGN_KEY_VIOLATION"
	CodeNotNull       ErrorCode = "NOT_NULL_VIOLATION"
	CodePermission    ErrorCode = "PERMISSION_DENIED"
	CodeUnknown       ErrorCode = "UNKNOWN_ERROR"
	CodeUnsupported   ErrorCode = "UNSUPPORTED_OPERATION"
	CodeConfiguration ErrorCode = "CONFIGURATION_ERROR"
)

// Standard sentinel errors for errors.Is checks.
var (
	ErrConnectionClosed      = errors.New("connection is closed")
	ErrConnectionFailed      = errors.New("connection failed")
	ErrOperationNotSupported = errors.New("operation not supported by this database")
	ErrAdapterNotFound       = errors.New("adapter not found")
	ErrInvalidConfiguration  = errors.New("invalid configuration")
	ErrNoActiveTransaction   = errors.New("no active transaction")
	ErrAcquireTimeout        = errors.New("timed out waiting for a pooled connection")
	ErrPoolDraining          = errors.New("connection pool is draining")
)

// defaultHints supplies a remediation hint per taxonomy code when the adapter
// does not attach a more specific one.
var defaultHints = map[ErrorCode]string{
	CodeConnection:    "check host, port and network connectivity to the database server",
	CodeAuth:          "verify the username and password, and that the account is not locked",
	CodeQuery:         "check the query syntax and that referenced objects exist",
	CodeTimeout:       "increase the operation timeout or reduce the amount of data processed",
	CodeTransaction:   "check the transaction state; begin must precede commit or rollback",
	CodeDuplicateKey:  "ensure unique constraint values are not duplicated",
	CodeForeignKey:    "ensure referenced rows exist before inserting or deleting",
	CodeNotNull:       "provide values for all non-nullable columns",
	CodePermission:    "grant the required privileges to the database user",
	CodeUnsupported:   "consult the capability flags for this database type",
	CodeConfiguration: "review the connection configuration values",
	CodeUnknown:       "inspect the underlying driver error for details",
}

// HintFor returns the default remediation hint for a taxonomy code.
func HintFor(code ErrorCode) string {
	return defaultHints[code]
}

// DatabaseError is the uniform error shape surfaced by every adapter. The
// facade adds operation context without changing the taxonomy code.
type DatabaseError struct {
	Code         ErrorCode
	DatabaseType dbcapabilities.DatabaseType
	Operation    string
	Hint         string
	Context      map[string]any
	Cause        error
}

func (e *DatabaseError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s: %s", e.DatabaseType, e.Operation, e.Code)
	if e.Cause != nil {
		fmt.Fprintf(&b, ": %v", e.Cause)
	}
	if e.Hint != "" {
		fmt.Fprintf(&b, " (hint: %s)", e.Hint)
	}
	if len(e.Context) > 0 {
		fmt.Fprintf(&b, " (context: %v)", e.Context)
	}
	return b.String()
}

func (e *DatabaseError) Unwrap() error { return e.Cause }

// Is matches either another DatabaseError with the same code or a wrapped
// sentinel.
func (e *DatabaseError) Is(target error) bool {
	var other *DatabaseError
	if errors.As(target, &other) {
		return e.Code == other.Code
	}
	return errors.Is(e.Cause, target)
}

// WithContext attaches a context key/value pair and returns the error.
func (e *DatabaseError) WithContext(key string, value any) *DatabaseError {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// NewError creates a DatabaseError with the default hint for its code.
func NewError(dbType dbcapabilities.DatabaseType, code ErrorCode, operation string, cause error) *DatabaseError {
	return &DatabaseError{
		Code:         code,
		DatabaseType: dbType,
		Operation:    operation,
		Hint:         defaultHints[code],
		Cause:        cause,
	}
}

// WrapError wraps an error with database context, preserving an existing
// DatabaseError's code. Nil in, nil out.
func WrapError(dbType dbcapabilities.DatabaseType, operation string, err error) error {
	if err == nil {
		return nil
	}
	var dbErr *DatabaseError
	if errors.As(err, &dbErr) {
		return err
	}
	return NewError(dbType, ClassifyTransport(err), operation, err)
}

// CodeOf extracts the taxonomy code from an error chain, CodeUnknown if absent.
func CodeOf(err error) ErrorCode {
	var dbErr *DatabaseError
	if errors.As(err, &dbErr) {
		return dbErr.Code
	}
	return CodeUnknown
}

// ClassifyTransport inspects an error's text for transport-level failure
// signatures shared by every driver. Adapters call it as a fallback after
// their native code mapping.
func ClassifyTransport(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout"),
		strings.Contains(msg, "timed out"),
		strings.Contains(msg, "context deadline exceeded"):
		return CodeTimeout
	case strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "broken pipe"),
		strings.Contains(msg, "no such host"),
		strings.Contains(msg, "network is unreachable"),
		strings.Contains(msg, "unexpected eof"),
		strings.Contains(msg, "closed network connection"):
		return CodeConnection
	case strings.Contains(msg, "authentication"),
		strings.Contains(msg, "password"),
		strings.Contains(msg, "access denied"):
		return CodeAuth
	default:
		return CodeUnknown
	}
}

// UnsupportedOperationError is returned when an operation is rejected by the
// capability flags or attempted against an adapter that cannot perform it.
type UnsupportedOperationError struct {
	DatabaseType dbcapabilities.DatabaseType
	Operation    string
	Reason       string
}

func (e *UnsupportedOperationError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s does not support %s: %s", e.DatabaseType, e.Operation, e.Reason)
	}
	return fmt.Sprintf("%s does not support %s", e.DatabaseType, e.Operation)
}

func (e *UnsupportedOperationError) Is(target error) bool {
	if errors.Is(target, ErrOperationNotSupported) {
		return true
	}
	var other *DatabaseError
	return errors.As(target, &other) && other.Code == CodeUnsupported
}

// NewUnsupportedOperationError creates a new UnsupportedOperationError.
func NewUnsupportedOperationError(dbType dbcapabilities.DatabaseType, operation, reason string) *UnsupportedOperationError {
	return &UnsupportedOperationError{DatabaseType: dbType, Operation: operation, Reason: reason}
}

// ConnectionError is returned when establishing a connection fails.
type ConnectionError struct {
	DatabaseType dbcapabilities.DatabaseType
	Host         string
	Port         int
	Cause        error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("failed to connect to %s at %s:%d: %v (hint: %s)",
		e.DatabaseType, e.Host, e.Port, e.Cause, defaultHints[CodeConnection])
}

func (e *ConnectionError) Unwrap() error { return e.Cause }

func (e *ConnectionError) Is(target error) bool {
	if errors.Is(target, ErrConnectionFailed) {
		return true
	}
	var other *DatabaseError
	if errors.As(target, &other) {
		return other.Code == CodeConnection || other.Code == CodeAuth
	}
	return errors.Is(e.Cause, target)
}

// Code returns the taxonomy code for the connection failure, distinguishing
// authentication failures from plain connectivity ones.
func (e *ConnectionError) Code() ErrorCode {
	if code := ClassifyTransport(e.Cause); code == CodeAuth {
		return CodeAuth
	}
	return CodeConnection
}

// NewConnectionError creates a new ConnectionError.
func NewConnectionError(dbType dbcapabilities.DatabaseType, host string, port int, cause error) *ConnectionError {
	return &ConnectionError{DatabaseType: dbType, Host: host, Port: port, Cause: cause}
}

// ConfigurationError is returned for invalid configuration values.
type ConfigurationError struct {
	DatabaseType dbcapabilities.DatabaseType
	Field        string
	Reason       string
}

func (e *ConfigurationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("invalid configuration for %s: field %q: %s", e.DatabaseType, e.Field, e.Reason)
	}
	return fmt.Sprintf("invalid configuration for %s: %s", e.DatabaseType, e.Reason)
}

func (e *ConfigurationError) Is(target error) bool {
	return errors.Is(target, ErrInvalidConfiguration)
}

// NewConfigurationError creates a new ConfigurationError.
func NewConfigurationError(dbType dbcapabilities.DatabaseType, field, reason string) *ConfigurationError {
	return &ConfigurationError{DatabaseType: dbType, Field: field, Reason: reason}
}

// IsUnsupported reports whether an error indicates an unsupported operation.
func IsUnsupported(err error) bool {
	return errors.Is(err, ErrOperationNotSupported) || CodeOf(err) == CodeUnsupported
}

// IsConnectionError reports whether an error is connectivity-related.
func IsConnectionError(err error) bool {
	if errors.Is(err, ErrConnectionFailed) {
		return true
	}
	return CodeOf(err) == CodeConnection
}

// IsTimeout reports whether an error is a timeout.
func IsTimeout(err error) bool {
	return CodeOf(err) == CodeTimeout
}
