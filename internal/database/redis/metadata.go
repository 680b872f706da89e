package redis

import (
	"bufio"
	"context"
	"fmt"
	"strings"

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
	info, err := m.c.client.Info(ctx, "server").Result()
	if err != nil {
		return "", mapError("getVersion", err)
	}
	return infoField(info, "redis_version"), nil
}

func (m *metadataOps) CollectDatabaseMetadata(ctx context.Context) (*adapter.DatabaseMetadata, error) {
	if err := m.c.guard(); err != nil {
		return nil, err
	}
	version, err := m.GetVersion(ctx)
	if err != nil {
		return nil, err
	}
	return &adapter.DatabaseMetadata{
		DatabaseType: string(dbcapabilities.Redis),
		DatabaseName: m.c.config.DatabaseName,
		Version:      version,
		CurrentUser:  m.c.config.Username,
	}, nil
}

// GetTableInfo describes a single key: its RESP type, element count, and for
// hashes the field names as columns.
func (m *metadataOps) GetTableInfo(ctx context.Context, table string) (*adapter.TableInfo, error) {
	if err := m.c.guard(); err != nil {
		return nil, err
	}
	keyType, err := m.c.client.Type(ctx, table).Result()
	if err != nil {
		return nil, mapError("getTableInfo", err)
	}
	if keyType == "none" {
		return nil, adapter.NewError(dbcapabilities.Redis, adapter.CodeQuery, "getTableInfo",
			fmt.Errorf("key %q not found", table))
	}

	info := &adapter.TableInfo{Name: table}
	switch keyType {
	case "string":
		info.RowCount = 1
	case "list":
		info.RowCount, err = m.c.client.LLen(ctx, table).Result()
	case "set":
		info.RowCount, err = m.c.client.SCard(ctx, table).Result()
	case "zset":
		info.RowCount, err = m.c.client.ZCard(ctx, table).Result()
	case "hash":
		info.RowCount, err = m.c.client.HLen(ctx, table).Result()
		if err == nil {
			var fields []string
			fields, err = m.c.client.HKeys(ctx, table).Result()
			for _, field := range fields {
				info.Columns = append(info.Columns, adapter.ColumnInfo{
					Name:       field,
					Type:       adapter.TypeString,
					NativeType: "hash-field",
					Nullable:   true,
				})
			}
		}
	case "stream":
		info.RowCount, err = m.c.client.XLen(ctx, table).Result()
	}
	if err != nil {
		return nil, mapError("getTableInfo", err)
	}

	if info.Columns == nil {
		info.Columns = []adapter.ColumnInfo{{
			Name:       "value",
			Type:       adapter.TypeString,
			NativeType: keyType,
			Nullable:   true,
		}}
	}
	return info, nil
}

// infoField extracts one "name:value" line from INFO output.
func infoField(info, name string) string {
	scanner := bufio.NewScanner(strings.NewReader(info))
	for scanner.Scan() {
		line := scanner.Text()
		if value, ok := strings.CutPrefix(line, name+":"); ok {
			return strings.TrimSpace(value)
		}
	}
	return ""
}
