package adapter

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relialab/dbcore/pkg/dbcapabilities"
)

func TestNewErrorCarriesHint(t *testing.T) {
	err := NewError(dbcapabilities.PostgreSQL, CodeDuplicateKey, "insert", fmt.Errorf("dup"))
	assert.Equal(t, CodeDuplicateKey, err.Code)
	assert.Equal(t, HintFor(CodeDuplicateKey), err.Hint)
	assert.Contains(t, err.Error(), "insert")
	assert.Contains(t, err.Error(), "DUPLICATE_KEY")
	assert.Contains(t, err.Error(), "hint:")
}

func TestWrapErrorPreservesCode(t *testing.T) {
	inner := NewError(dbcapabilities.MySQL, CodeForeignKey, "delete", fmt.Errorf("fk"))
	wrapped := WrapError(dbcapabilities.MySQL, "execute", fmt.Errorf("outer: %w", inner))
	assert.Equal(t, CodeForeignKey, CodeOf(wrapped))

	// Plain errors get classified, not re-coded.
	plain := WrapError(dbcapabilities.MySQL, "execute", fmt.Errorf("connection refused"))
	assert.Equal(t, CodeConnection, CodeOf(plain))

	assert.Nil(t, WrapError(dbcapabilities.MySQL, "execute", nil))
}

func TestCodeOf(t *testing.T) {
	assert.Equal(t, CodeUnknown, CodeOf(fmt.Errorf("anything")))
	assert.Equal(t, CodeTimeout, CodeOf(NewError(dbcapabilities.Redis, CodeTimeout, "query", nil)))
}

func TestDatabaseErrorIs(t *testing.T) {
	err := NewError(dbcapabilities.PostgreSQL, CodeTransaction, "commit", ErrNoActiveTransaction)
	assert.True(t, errors.Is(err, ErrNoActiveTransaction))

	other := NewError(dbcapabilities.MySQL, CodeTransaction, "rollback", nil)
	assert.True(t, errors.Is(err, other))

	different := NewError(dbcapabilities.MySQL, CodeQuery, "query", nil)
	assert.False(t, errors.Is(err, different))
}

func TestWithContext(t *testing.T) {
	err := NewError(dbcapabilities.PostgreSQL, CodeTimeout, "query", nil).
		WithContext("timeoutMs", int64(500)).
		WithContext("query", "SELECT 1")
	assert.Equal(t, int64(500), err.Context["timeoutMs"])
	assert.Contains(t, err.Error(), "context:")
}

func TestClassifyTransport(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected ErrorCode
	}{
		{"nil", nil, CodeUnknown},
		{"refused", fmt.Errorf("dial tcp: connection refused"), CodeConnection},
		{"reset", fmt.Errorf("read: connection reset by peer"), CodeConnection},
		{"no host", fmt.Errorf("lookup db: no such host"), CodeConnection},
		{"deadline", context.DeadlineExceeded, CodeTimeout},
		{"timed out", fmt.Errorf("i/o timeout"), CodeTimeout},
		{"auth", fmt.Errorf("password authentication failed"), CodeAuth},
		{"access denied", fmt.Errorf("Access denied for user"), CodeAuth},
		{"other", fmt.Errorf("syntax error"), CodeUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, ClassifyTransport(tt.err))
		})
	}
}

func TestUnsupportedOperationError(t *testing.T) {
	err := NewUnsupportedOperationError(dbcapabilities.Redis, "beginTransaction", "engine has no transaction support")
	assert.True(t, errors.Is(err, ErrOperationNotSupported))
	assert.True(t, IsUnsupported(err))
	assert.Contains(t, err.Error(), "redis")
	assert.Contains(t, err.Error(), "beginTransaction")

	bare := NewUnsupportedOperationError(dbcapabilities.Redis, "prepare", "")
	assert.NotContains(t, bare.Error(), ": ")
}

func TestConnectionError(t *testing.T) {
	cause := fmt.Errorf("dial tcp 10.0.0.9:5432: connection refused")
	err := NewConnectionError(dbcapabilities.PostgreSQL, "10.0.0.9", 5432, cause)
	assert.True(t, errors.Is(err, ErrConnectionFailed))
	assert.True(t, errors.Is(err, cause))
	assert.Equal(t, CodeConnection, err.Code())
	assert.Contains(t, err.Error(), "10.0.0.9:5432")

	authErr := NewConnectionError(dbcapabilities.PostgreSQL, "h", 5432, fmt.Errorf("password authentication failed"))
	assert.Equal(t, CodeAuth, authErr.Code())
}

func TestConfigurationError(t *testing.T) {
	err := NewConfigurationError(dbcapabilities.MySQL, "port", "out of range")
	require.True(t, errors.Is(err, ErrInvalidConfiguration))
	assert.Contains(t, err.Error(), `"port"`)

	noField := NewConfigurationError(dbcapabilities.MySQL, "", "bad")
	assert.NotContains(t, noField.Error(), "field")
}

func TestIsHelpers(t *testing.T) {
	assert.True(t, IsTimeout(NewError(dbcapabilities.MySQL, CodeTimeout, "query", nil)))
	assert.False(t, IsTimeout(fmt.Errorf("nope")))
	assert.True(t, IsConnectionError(NewError(dbcapabilities.MySQL, CodeConnection, "dial", nil)))
	assert.False(t, IsConnectionError(NewError(dbcapabilities.MySQL, CodeQuery, "query", nil)))
}
