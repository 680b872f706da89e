package mongodb

import (
	"errors"

	"go.mongodb.org/mongo-driver/v2/mongo"

	"github.com/relialab/dbcore/pkg/adapter"
	"github.com/relialab/dbcore/pkg/dbcapabilities"
)

// mapError translates driver and server errors to the shared taxonomy.
func mapError(operation string, err error) error {
	if err == nil {
		return nil
	}
	if mongo.IsDuplicateKeyError(err) {
		return adapter.NewError(dbcapabilities.MongoDB, adapter.CodeDuplicateKey, operation, err)
	}
	if mongo.IsTimeout(err) {
		return adapter.NewError(dbcapabilities.MongoDB, adapter.CodeTimeout, operation, err)
	}
	if mongo.IsNetworkError(err) {
		return adapter.NewError(dbcapabilities.MongoDB, adapter.CodeConnection, operation, err)
	}

	var cmdErr mongo.CommandError
	if errors.As(err, &cmdErr) {
		code := adapter.CodeQuery
		switch cmdErr.Code {
		case 13:
			code = adapter.CodePermission
		case 18:
			code = adapter.CodeAuth
		case 50:
			code = adapter.CodeTimeout
		case 112, 251:
			// WriteConflict, NoSuchTransaction.
			code = adapter.CodeTransaction
		}
		return adapter.NewError(dbcapabilities.MongoDB, code, operation, err).
			WithContext("mongoCode", cmdErr.Code)
	}
	return adapter.NewError(dbcapabilities.MongoDB, adapter.ClassifyTransport(err), operation, err)
}
