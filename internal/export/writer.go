package export

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"
)

// Format selects the file format of an export.
type Format string

const (
	FormatCSV  Format = "csv"
	FormatXLSX Format = "xlsx"
)

// DefaultSheet names the worksheet of an XLSX export.
const DefaultSheet = "results"

// ParseFormat accepts a format name, defaulting to xlsx.
func ParseFormat(raw string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(raw))) {
	case "", FormatXLSX:
		return FormatXLSX, nil
	case FormatCSV:
		return FormatCSV, nil
	default:
		return "", fmt.Errorf("unsupported export format %q", raw)
	}
}

// ContentType returns the MIME type of the format.
func (f Format) ContentType() string {
	if f == FormatCSV {
		return "text/csv"
	}
	return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
}

// leadingColumns are placed first, in this order, when present.
var leadingColumns = []string{"space", "externalId", "type", "startNode", "endNode", "version", "createdTime", "lastUpdatedTime", "deletedTime"}

// Columns returns the union of the row keys: identity and metadata columns
// first, then the remaining keys sorted by name.
func Columns(rows []map[string]any) []string {
	seen := make(map[string]struct{})
	for _, row := range rows {
		for key := range row {
			seen[key] = struct{}{}
		}
	}
	columns := make([]string, 0, len(seen))
	for _, key := range leadingColumns {
		if _, ok := seen[key]; ok {
			columns = append(columns, key)
			delete(seen, key)
		}
	}
	rest := make([]string, 0, len(seen))
	for key := range seen {
		rest = append(rest, key)
	}
	sort.Strings(rest)
	return append(columns, rest...)
}

// Write encodes rows to w in the given format and returns the number of data
// rows written.
func Write(w io.Writer, format Format, rows []map[string]any) (int, error) {
	switch format {
	case FormatCSV:
		return WriteCSV(w, rows)
	case FormatXLSX:
		return WriteXLSX(w, rows, DefaultSheet)
	default:
		return 0, fmt.Errorf("unsupported export format %q", format)
	}
}

// WriteCSV writes a header row followed by one line per row. Nested values
// are JSON encoded.
func WriteCSV(w io.Writer, rows []map[string]any) (int, error) {
	buffered := bufio.NewWriter(w)
	csvWriter := csv.NewWriter(buffered)

	headers := Columns(rows)
	if len(headers) > 0 {
		if err := csvWriter.Write(headers); err != nil {
			return 0, fmt.Errorf("write header: %w", err)
		}
	}
	record := make([]string, len(headers))
	for n, row := range rows {
		for i, column := range headers {
			record[i] = formatValue(row[column])
		}
		if err := csvWriter.Write(record); err != nil {
			return n, fmt.Errorf("write row %d: %w", n, err)
		}
	}
	csvWriter.Flush()
	if err := csvWriter.Error(); err != nil {
		return 0, fmt.Errorf("flush rows: %w", err)
	}
	if err := buffered.Flush(); err != nil {
		return 0, fmt.Errorf("flush buffered rows: %w", err)
	}
	return len(rows), nil
}

// WriteXLSX writes rows to a single worksheet. Numbers and booleans keep
// their cell types; everything else is written as text.
func WriteXLSX(w io.Writer, rows []map[string]any, sheet string) (int, error) {
	if sheet == "" {
		sheet = DefaultSheet
	}
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	if err := f.SetSheetName(f.GetSheetName(0), sheet); err != nil {
		return 0, fmt.Errorf("name sheet: %w", err)
	}
	stream, err := f.NewStreamWriter(sheet)
	if err != nil {
		return 0, fmt.Errorf("open sheet writer: %w", err)
	}

	headers := Columns(rows)
	header := make([]any, len(headers))
	for i, column := range headers {
		header[i] = column
	}
	if err := stream.SetRow("A1", header); err != nil {
		return 0, fmt.Errorf("write header: %w", err)
	}
	for n, row := range rows {
		cells := make([]any, len(headers))
		for i, column := range headers {
			cells[i] = cellValue(row[column])
		}
		cell, err := excelize.CoordinatesToCellName(1, n+2)
		if err != nil {
			return n, err
		}
		if err := stream.SetRow(cell, cells); err != nil {
			return n, fmt.Errorf("write row %d: %w", n, err)
		}
	}
	if err := stream.Flush(); err != nil {
		return 0, fmt.Errorf("flush sheet: %w", err)
	}
	if err := f.Write(w); err != nil {
		return 0, fmt.Errorf("write workbook: %w", err)
	}
	return len(rows), nil
}

// FileName builds a download name such as "plant-asset-1.xlsx".
func FileName(base string, format Format) string {
	return sanitizeFileComponent(base) + "." + string(format)
}

func cellValue(value any) any {
	switch v := value.(type) {
	case nil:
		return ""
	case bool, int, int32, int64, float32, float64:
		return v
	case json.Number:
		if f, err := v.Float64(); err == nil {
			return f
		}
		return v.String()
	default:
		return formatValue(v)
	}
}

func formatValue(value any) string {
	if value == nil {
		return ""
	}
	switch v := value.(type) {
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	case time.Time:
		return v.UTC().Format(time.RFC3339)
	case bool:
		if v {
			return "true"
		}
		return "false"
	case json.Number:
		return v.String()
	case float32, float64, int, int32, int64, uint, uint32, uint64:
		return fmt.Sprintf("%v", v)
	case []byte:
		return string(v)
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(encoded)
	}
}

func sanitizeFileComponent(value string) string {
	value = strings.ToLower(strings.TrimSpace(value))
	builder := strings.Builder{}
	for _, r := range value {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			builder.WriteRune(r)
		default:
			builder.WriteRune('-')
		}
	}
	result := strings.Trim(builder.String(), "-")
	if result == "" {
		return "export"
	}
	return result
}
