// Package export renders normalized query results to interchange formats
// (CSV, JSON, XML, fixed-width text, XLSX) and reads CSV back into rows.
package export

import (
	"encoding/csv"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/relialab/dbcore/pkg/adapter"
)

// Format names a supported export format.
type Format string

const (
	FormatCSV        Format = "csv"
	FormatJSON       Format = "json"
	FormatXML        Format = "xml"
	FormatFixedWidth Format = "fixed"
	FormatXLSX       Format = "xlsx"
)

// Write renders the result in the requested format. Fixed-width output uses
// widths derived from the data; use WriteFixedWidth for explicit widths.
func Write(w io.Writer, result *adapter.Result, format Format) error {
	switch format {
	case FormatCSV:
		return WriteCSV(w, result)
	case FormatJSON:
		return WriteJSON(w, result)
	case FormatXML:
		return WriteXML(w, result)
	case FormatFixedWidth:
		return WriteFixedWidth(w, result, nil)
	case FormatXLSX:
		return WriteXLSX(w, result, "Sheet1")
	default:
		return fmt.Errorf("unknown export format %q", format)
	}
}

// WriteCSV writes a header row of column names followed by one record per row.
func WriteCSV(w io.Writer, result *adapter.Result) error {
	columns := result.Columns()
	cw := csv.NewWriter(w)
	if err := cw.Write(columns); err != nil {
		return err
	}
	record := make([]string, len(columns))
	for _, row := range result.Rows {
		for i, col := range columns {
			record[i] = formatValue(row[col])
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteJSON writes the rows as a JSON array of objects.
func WriteJSON(w io.Writer, result *adapter.Result) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	rows := result.Rows
	if rows == nil {
		rows = []adapter.Row{}
	}
	return enc.Encode(rows)
}

// xmlField carries one column value with its name as an attribute, keeping
// arbitrary column names legal in the output.
type xmlField struct {
	XMLName xml.Name `xml:"field"`
	Name    string   `xml:"name,attr"`
	Value   string   `xml:",chardata"`
}

type xmlRow struct {
	XMLName xml.Name   `xml:"row"`
	Fields  []xmlField `xml:"field"`
}

type xmlResult struct {
	XMLName xml.Name `xml:"rows"`
	Count   int64    `xml:"count,attr"`
	Rows    []xmlRow `xml:"row"`
}

// WriteXML writes a <rows> document with one <row> element per record.
func WriteXML(w io.Writer, result *adapter.Result) error {
	columns := result.Columns()
	doc := xmlResult{Count: result.RowCount}
	for _, row := range result.Rows {
		var xr xmlRow
		for _, col := range columns {
			xr.Fields = append(xr.Fields, xmlField{Name: col, Value: formatValue(row[col])})
		}
		doc.Rows = append(doc.Rows, xr)
	}
	if _, err := io.WriteString(w, xml.Header); err != nil {
		return err
	}
	enc := xml.NewEncoder(w)
	enc.Indent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return err
	}
	_, err := io.WriteString(w, "\n")
	return err
}

// WriteFixedWidth writes space-padded columns. Widths maps column name to
// field width; columns absent from the map get the larger of the header and
// the widest value. Values longer than their width are truncated.
func WriteFixedWidth(w io.Writer, result *adapter.Result, widths map[string]int) error {
	columns := result.Columns()

	resolved := make([]int, len(columns))
	for i, col := range columns {
		if width, ok := widths[col]; ok && width > 0 {
			resolved[i] = width
			continue
		}
		width := len(col)
		for _, row := range result.Rows {
			if n := len(formatValue(row[col])); n > width {
				width = n
			}
		}
		resolved[i] = width
	}

	writeLine := func(cells []string) error {
		var b strings.Builder
		for i, cell := range cells {
			if len(cell) > resolved[i] {
				cell = cell[:resolved[i]]
			}
			b.WriteString(cell)
			if pad := resolved[i] - len(cell); pad > 0 {
				b.WriteString(strings.Repeat(" ", pad))
			}
			if i < len(cells)-1 {
				b.WriteString("  ")
			}
		}
		b.WriteString("\n")
		_, err := io.WriteString(w, b.String())
		return err
	}

	if err := writeLine(columns); err != nil {
		return err
	}
	cells := make([]string, len(columns))
	for _, row := range result.Rows {
		for i, col := range columns {
			cells[i] = formatValue(row[col])
		}
		if err := writeLine(cells); err != nil {
			return err
		}
	}
	return nil
}

// WriteXLSX writes the result as one worksheet of an XLSX workbook.
func WriteXLSX(w io.Writer, result *adapter.Result, sheet string) error {
	f := excelize.NewFile()
	defer f.Close()

	index, err := f.NewSheet(sheet)
	if err != nil {
		return err
	}
	f.SetActiveSheet(index)
	if sheet != "Sheet1" {
		f.DeleteSheet("Sheet1")
	}

	columns := result.Columns()
	for i, col := range columns {
		cell, err := excelize.CoordinatesToCellName(i+1, 1)
		if err != nil {
			return err
		}
		if err := f.SetCellValue(sheet, cell, col); err != nil {
			return err
		}
	}
	for r, row := range result.Rows {
		for i, col := range columns {
			cell, err := excelize.CoordinatesToCellName(i+1, r+2)
			if err != nil {
				return err
			}
			if err := f.SetCellValue(sheet, cell, cellValue(row[col])); err != nil {
				return err
			}
		}
	}
	_, err = f.WriteTo(w)
	return err
}

// cellValue keeps types excelize can render natively; everything else
// degrades to the string form.
func cellValue(value any) any {
	switch value.(type) {
	case nil:
		return ""
	case string, bool, int, int32, int64, float32, float64, time.Time:
		return value
	default:
		return formatValue(value)
	}
}

// ImportCSV reads CSV records into rows. With hasHeader the first record
// names the columns; otherwise columns are named col1, col2, ...
func ImportCSV(r io.Reader, hasHeader bool) ([]adapter.Row, []string, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	var columns []string
	var rows []adapter.Row
	for {
		record, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, err
		}
		if columns == nil {
			if hasHeader {
				columns = append(columns, record...)
				continue
			}
			for i := range record {
				columns = append(columns, fmt.Sprintf("col%d", i+1))
			}
		}
		row := make(adapter.Row, len(record))
		for i, value := range record {
			if i < len(columns) {
				row[columns[i]] = value
			}
		}
		rows = append(rows, row)
	}
	return rows, columns, nil
}

func formatValue(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case []byte:
		return string(v)
	case time.Time:
		return v.Format(time.RFC3339)
	case float64:
		return fmt.Sprintf("%g", v)
	case float32:
		return fmt.Sprintf("%g", v)
	default:
		return fmt.Sprint(v)
	}
}
