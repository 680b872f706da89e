package redis

import (
	"strings"

	"github.com/relialab/dbcore/pkg/adapter"
	"github.com/relialab/dbcore/pkg/dbcapabilities"
)

// mapError translates server error prefixes to the shared taxonomy. Redis
// reports errors as text, so this is prefix matching by necessity.
func mapError(operation string, err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	code := adapter.CodeUnknown
	switch {
	case strings.HasPrefix(msg, "NOAUTH"), strings.HasPrefix(msg, "WRONGPASS"):
		code = adapter.CodeAuth
	case strings.HasPrefix(msg, "NOPERM"):
		code = adapter.CodePermission
	case strings.HasPrefix(msg, "ERR"), strings.HasPrefix(msg, "WRONGTYPE"):
		code = adapter.CodeQuery
	case strings.HasPrefix(msg, "LOADING"), strings.HasPrefix(msg, "MASTERDOWN"),
		strings.HasPrefix(msg, "CLUSTERDOWN"), strings.HasPrefix(msg, "READONLY"):
		code = adapter.CodeConnection
	default:
		code = adapter.ClassifyTransport(err)
	}
	return adapter.NewError(dbcapabilities.Redis, code, operation, err)
}
