package mongodb

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"

	"github.com/relialab/dbcore/pkg/adapter"
	"github.com/relialab/dbcore/pkg/dbcapabilities"
)

type metadataOps struct {
	c *Conn
}

func (m *metadataOps) GetVersion(ctx context.Context) (string, error) {
	if err := m.c.guard(); err != nil {
		return "", err
	}
	var info bson.M
	if err := m.c.db.RunCommand(ctx, bson.D{{Key: "buildInfo", Value: 1}}).Decode(&info); err != nil {
		return "", mapError("getVersion", err)
	}
	version, _ := info["version"].(string)
	return version, nil
}

func (m *metadataOps) CollectDatabaseMetadata(ctx context.Context) (*adapter.DatabaseMetadata, error) {
	if err := m.c.guard(); err != nil {
		return nil, err
	}
	meta := &adapter.DatabaseMetadata{
		DatabaseType: string(dbcapabilities.MongoDB),
		DatabaseName: m.c.config.DatabaseName,
		CurrentUser:  m.c.config.Username,
	}
	version, err := m.GetVersion(ctx)
	if err != nil {
		return nil, err
	}
	meta.Version = version
	meta.CurrentSchema = m.c.config.DatabaseName
	return meta, nil
}

// GetTableInfo describes a collection: its options, document count, and
// indexes. Columns are approximated by sampling one document.
func (m *metadataOps) GetTableInfo(ctx context.Context, table string) (*adapter.TableInfo, error) {
	if err := m.c.guard(); err != nil {
		return nil, err
	}
	info := &adapter.TableInfo{Name: table}
	coll := m.c.db.Collection(table)

	names, err := m.c.db.ListCollectionNames(ctx, bson.M{"name": table})
	if err != nil {
		return nil, mapError("getTableInfo", err)
	}
	if len(names) == 0 {
		return nil, adapter.NewError(dbcapabilities.MongoDB, adapter.CodeQuery, "getTableInfo",
			fmt.Errorf("collection %q not found", table))
	}

	count, err := coll.EstimatedDocumentCount(ctx)
	if err != nil {
		m.c.log.Debugf("document count failed for %s: %v", table, err)
	}
	info.RowCount = count

	if err := m.sampleColumns(ctx, coll, info); err != nil {
		m.c.log.Debugf("column sampling failed for %s: %v", table, err)
	}
	if err := m.collectIndexes(ctx, coll, info); err != nil {
		m.c.log.Debugf("index introspection failed for %s: %v", table, err)
	}
	return info, nil
}

func (m *metadataOps) sampleColumns(ctx context.Context, coll *mongo.Collection, info *adapter.TableInfo) error {
	var doc bson.M
	err := coll.FindOne(ctx, bson.M{}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil
	}
	if err != nil {
		return err
	}
	for _, field := range fieldsFromRows([]adapter.Row{adapter.Row(doc)}) {
		info.Columns = append(info.Columns, adapter.ColumnInfo{
			Name:         field.Name,
			Type:         field.Type,
			NativeType:   "bson",
			Nullable:     true,
			IsPrimaryKey: field.Name == "_id",
		})
	}
	return nil
}

func (m *metadataOps) collectIndexes(ctx context.Context, coll *mongo.Collection, info *adapter.TableInfo) error {
	cursor, err := coll.Indexes().List(ctx)
	if err != nil {
		return err
	}
	defer cursor.Close(ctx)

	for cursor.Next(ctx) {
		var spec bson.M
		if err := cursor.Decode(&spec); err != nil {
			return err
		}
		idx := adapter.IndexInfo{}
		if name, ok := spec["name"].(string); ok {
			idx.Name = name
		}
		if unique, ok := spec["unique"].(bool); ok {
			idx.Unique = unique
		}
		if key, ok := spec["key"].(bson.M); ok {
			for column := range key {
				idx.Columns = append(idx.Columns, column)
			}
		}
		info.Indexes = append(info.Indexes, idx)
	}
	return cursor.Err()
}
