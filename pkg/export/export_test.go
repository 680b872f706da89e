package export

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/relialab/dbcore/pkg/adapter"
)

func sampleResult() *adapter.Result {
	return &adapter.Result{
		Fields: []adapter.FieldMeta{
			{Name: "id", Type: adapter.TypeInteger},
			{Name: "name", Type: adapter.TypeString},
			{Name: "active", Type: adapter.TypeBoolean},
		},
		Rows: []adapter.Row{
			{"id": int64(1), "name": "Ada", "active": true},
			{"id": int64(2), "name": "Grace", "active": false},
		},
		RowCount: 2,
		Command:  adapter.CommandSelect,
	}
}

func TestWriteCSV(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, sampleResult()))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "id,name,active", lines[0])
	assert.Equal(t, "1,Ada,true", lines[1])
	assert.Equal(t, "2,Grace,false", lines[2])
}

func TestWriteCSVQuoting(t *testing.T) {
	result := &adapter.Result{
		Fields: []adapter.FieldMeta{{Name: "note"}},
		Rows:   []adapter.Row{{"note": `said "hi", left`}},
	}
	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, result))
	assert.Contains(t, buf.String(), `"said ""hi"", left"`)
}

func TestWriteJSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteJSON(&buf, sampleResult()))

	var rows []map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rows))
	require.Len(t, rows, 2)
	assert.Equal(t, "Ada", rows[0]["name"])
	assert.Equal(t, true, rows[0]["active"])

	// Empty result encodes as [] rather than null.
	buf.Reset()
	require.NoError(t, WriteJSON(&buf, &adapter.Result{}))
	assert.Equal(t, "[]", strings.TrimSpace(buf.String()))
}

func TestWriteXML(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteXML(&buf, sampleResult()))

	out := buf.String()
	assert.Contains(t, out, `<rows count="2">`)
	assert.Contains(t, out, `<field name="name">Ada</field>`)
	assert.Contains(t, out, `<field name="active">false</field>`)
	assert.True(t, strings.HasPrefix(out, "<?xml"))
}

func TestWriteFixedWidth(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFixedWidth(&buf, sampleResult(), nil))

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	require.Len(t, lines, 3)
	// Header and rows line up column by column.
	assert.True(t, strings.HasPrefix(lines[0], "id"))
	assert.Equal(t, strings.Index(lines[0], "name"), strings.Index(lines[1], "Ada"))
	assert.Equal(t, strings.Index(lines[0], "active"), strings.Index(lines[2], "false"))
}

func TestWriteFixedWidthExplicitWidthsTruncate(t *testing.T) {
	short := &adapter.Result{
		Fields: []adapter.FieldMeta{{Name: "name"}},
		Rows:   []adapter.Row{{"name": "verylongvalue"}},
	}
	var buf bytes.Buffer
	require.NoError(t, WriteFixedWidth(&buf, short, map[string]int{"name": 4}))
	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	assert.Equal(t, "name", lines[0])
	assert.Equal(t, "very", lines[1])
}

func TestWriteXLSX(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteXLSX(&buf, sampleResult(), "Data"))

	f, err := excelize.OpenReader(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	defer f.Close()

	rows, err := f.GetRows("Data")
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, []string{"id", "name", "active"}, rows[0])
	assert.Equal(t, "Ada", rows[1][1])
}

func TestWriteDispatch(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, sampleResult(), FormatCSV))
	assert.Error(t, Write(&buf, sampleResult(), Format("parquet")))
}

func TestImportCSV(t *testing.T) {
	input := "id,name\n1,Ada\n2,Grace\n"
	rows, columns, err := ImportCSV(strings.NewReader(input), true)
	require.NoError(t, err)
	assert.Equal(t, []string{"id", "name"}, columns)
	require.Len(t, rows, 2)
	assert.Equal(t, "Ada", rows[0]["name"])
	assert.Equal(t, "2", rows[1]["id"])
}

func TestImportCSVWithoutHeader(t *testing.T) {
	rows, columns, err := ImportCSV(strings.NewReader("a,b\nc,d\n"), false)
	require.NoError(t, err)
	assert.Equal(t, []string{"col1", "col2"}, columns)
	require.Len(t, rows, 2)
	assert.Equal(t, "a", rows[0]["col1"])
	assert.Equal(t, "d", rows[1]["col2"])
}

func TestFormatValue(t *testing.T) {
	ts := time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)
	assert.Equal(t, "", formatValue(nil))
	assert.Equal(t, "bytes", formatValue([]byte("bytes")))
	assert.Equal(t, "2025-03-14T09:26:53Z", formatValue(ts))
	assert.Equal(t, "3.14", formatValue(3.14))
	assert.Equal(t, "7", formatValue(int64(7)))
}
