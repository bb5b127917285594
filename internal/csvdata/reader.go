package csvdata

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
)

// FilenameColumn, when present in the data file, names the output PDF for
// that row. It is never written into the form itself.
const FilenameColumn = "Filename"

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

var (
	ErrNoHeader  = errors.New("data file has no header")
	ErrBadRecord = errors.New("malformed data row")
)

// Row maps column names to cleaned cell values.
type Row map[string]string

// Document is a parsed data file with header order preserved.
type Document struct {
	Header []string
	Rows   []Row
}

// Parse reads the full CSV, stripping a UTF-8 BOM if present. Cell values
// are cleaned the same way the row processor expects them.
func Parse(data []byte) (*Document, error) {
	reader := csv.NewReader(bytes.NewReader(bytes.TrimPrefix(data, utf8BOM)))
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err == io.EOF {
		return nil, ErrNoHeader
	}
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	for i := range header {
		header[i] = strings.TrimSpace(header[i])
	}

	doc := &Document{Header: header}
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadRecord, err)
		}

		row := make(Row, len(header))
		for i, name := range header {
			if name == "" {
				continue
			}
			value := ""
			if i < len(record) {
				value = record[i]
			}
			row[name] = CleanValue(value)
		}
		doc.Rows = append(doc.Rows, row)
	}
	return doc, nil
}

// CountRows counts data rows, excluding the header.
func CountRows(data []byte) (int, error) {
	doc, err := Parse(data)
	if err != nil {
		return 0, err
	}
	return len(doc.Rows), nil
}

// CleanValue trims whitespace and drops a trailing ".0" so spreadsheet
// exported integers render as integers.
func CleanValue(value string) string {
	value = strings.TrimSpace(value)
	if strings.HasSuffix(value, ".0") {
		value = value[:len(value)-2]
	}
	return value
}

// OutputName returns the output filename for a row: the Filename column
// when present, a stable index-based name otherwise.
func OutputName(row Row, index int) string {
	name := strings.TrimSpace(row[FilenameColumn])
	if name == "" {
		return fmt.Sprintf("row_%04d.pdf", index+1)
	}
	if !strings.HasSuffix(strings.ToLower(name), ".pdf") {
		name += ".pdf"
	}
	return name
}

// Values returns the fillable values of a row, excluding control columns.
func Values(row Row) map[string]string {
	values := make(map[string]string, len(row))
	for key, value := range row {
		if key == FilenameColumn {
			continue
		}
		values[key] = value
	}
	return values
}
