package ingestion

import (
	"bufio"
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/rpattn/dmquery/internal/domain"
	"github.com/rpattn/dmquery/internal/repository"
)

// DefaultBatchSize caps the nodes written per store call.
const DefaultBatchSize = 500

// ExternalIDColumn is the default column holding node external ids.
const ExternalIDColumn = "externalId"

var (
	// ErrUnsupportedFormat is returned when an uploaded file is not supported.
	ErrUnsupportedFormat = errors.New("unsupported file format")

	byteOrderMark = []byte{0xEF, 0xBB, 0xBF}

	timeLayouts = []string{
		time.RFC3339,
		time.RFC3339Nano,
		"2006-01-02",
		"2006-01-02 15:04:05",
		"2006/01/02",
	}
)

// Store is what ingestion needs from a backend: view lookups and writes.
type Store interface {
	RetrieveViews(ctx context.Context, ids []domain.ViewReference) ([]domain.View, error)
	repository.InstanceWriter
}

// Service loads tabular files into node instances of a view.
type Service struct {
	store     Store
	logger    *slog.Logger
	batchSize int
	now       func() time.Time
}

// NewService creates a new ingestion service.
func NewService(store Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, logger: logger, batchSize: DefaultBatchSize, now: time.Now}
}

// Request describes the ingestion input. Space defaults to the view's space.
type Request struct {
	View             domain.ViewReference
	Space            string
	FileName         string
	ExternalIDColumn string
	HeaderRowIndex   *int
	Data             io.Reader
}

// RowError reports a rejected row. Row numbers are 1-based file lines.
type RowError struct {
	Row     int    `json:"row"`
	Message string `json:"message"`
}

// Summary returns ingestion level metrics.
type Summary struct {
	TotalRows      int        `json:"totalRows"`
	ValidRows      int        `json:"validRows"`
	InvalidRows    int        `json:"invalidRows"`
	IgnoredColumns []string   `json:"ignoredColumns"`
	Errors         []RowError `json:"errors"`
}

type tableData struct {
	headers        []string
	rows           [][]string
	headerRowIndex int
}

// Ingest reads the file, coerces every row against the view's property
// types, and writes the valid rows as nodes. Invalid rows are reported in the
// summary and skipped.
func (s *Service) Ingest(ctx context.Context, req Request) (Summary, error) {
	summary := Summary{IgnoredColumns: []string{}, Errors: []RowError{}}

	if req.View.IsZero() {
		return summary, errors.New("view is required")
	}
	if req.Data == nil {
		return summary, errors.New("data is required")
	}
	payload, err := io.ReadAll(req.Data)
	if err != nil {
		return summary, fmt.Errorf("read upload: %w", err)
	}

	views, err := s.store.RetrieveViews(ctx, []domain.ViewReference{req.View})
	if err != nil {
		return summary, fmt.Errorf("load view %s: %w", req.View, err)
	}
	if len(views) == 0 {
		return summary, fmt.Errorf("%w: %s", repository.ErrViewNotFound, req.View)
	}
	view := views[0]
	if view.UsedFor == domain.UsedForEdge {
		return summary, fmt.Errorf("view %s holds edges; only node views can be ingested", view.Ref)
	}

	table, err := parseTable(req.FileName, payload, req.HeaderRowIndex)
	if err != nil {
		return summary, err
	}

	idColumn := strings.TrimSpace(req.ExternalIDColumn)
	if idColumn == "" {
		idColumn = ExternalIDColumn
	}
	idIndex := -1
	columns := make([]*domain.ViewProperty, len(table.headers))
	for i, header := range table.headers {
		if header == idColumn {
			idIndex = i
			continue
		}
		prop, ok := view.Property(header)
		if !ok || prop.ConnectionKind() == domain.ConnectionEdge || prop.ConnectionKind() == domain.ConnectionReverseDirectRelation {
			summary.IgnoredColumns = append(summary.IgnoredColumns, header)
			continue
		}
		columns[i] = &prop
	}
	if idIndex < 0 {
		return summary, fmt.Errorf("column %q is required", idColumn)
	}

	space := strings.TrimSpace(req.Space)
	if space == "" {
		space = view.Ref.Space
	}
	now := s.now().UnixMilli()

	batch := make([]domain.Record, 0, s.batchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := s.store.ApplyInstances(ctx, batch); err != nil {
			return fmt.Errorf("write nodes: %w", err)
		}
		batch = batch[:0]
		return nil
	}

	for i, row := range table.rows {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		summary.TotalRows++
		rowNumber := table.headerRowIndex + i + 2
		node, err := buildNode(view, space, row, idIndex, columns, now)
		if err != nil {
			summary.InvalidRows++
			summary.Errors = append(summary.Errors, RowError{Row: rowNumber, Message: err.Error()})
			s.logger.Debug("rejected ingestion row",
				slog.String("view", view.Ref.String()),
				slog.Int("row", rowNumber),
				slog.Any("error", err))
			continue
		}
		summary.ValidRows++
		batch = append(batch, node)
		if len(batch) >= s.batchSize {
			if err := flush(); err != nil {
				return summary, err
			}
		}
	}
	if err := flush(); err != nil {
		return summary, err
	}

	s.logger.Info("ingested file",
		slog.String("view", view.Ref.String()),
		slog.String("file", req.FileName),
		slog.Int("valid", summary.ValidRows),
		slog.Int("invalid", summary.InvalidRows))
	return summary, nil
}

func buildNode(view domain.View, space string, row []string, idIndex int, columns []*domain.ViewProperty, now int64) (*domain.Node, error) {
	externalID := strings.TrimSpace(row[idIndex])
	if externalID == "" {
		return nil, errors.New("external id is empty")
	}
	props := make(map[string]any)
	for i, prop := range columns {
		if prop == nil {
			continue
		}
		raw := strings.TrimSpace(row[i])
		if raw == "" {
			continue
		}
		value, err := coerceValue(*prop, raw, space)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", prop.Name, err)
		}
		props[prop.Name] = value
	}
	return &domain.Node{
		InstanceID: domain.NewInstanceID(space, externalID),
		InstanceMeta: domain.InstanceMeta{
			Version:         1,
			CreatedTime:     now,
			LastUpdatedTime: now,
		},
		Properties: domain.PropertyBag{
			view.Ref.Space: {view.Ref.Identifier(): props},
		},
	}, nil
}

func parseTable(fileName string, payload []byte, headerRowIndex *int) (tableData, error) {
	ext := strings.ToLower(filepath.Ext(fileName))
	switch ext {
	case ".csv":
		return parseCSV(payload, headerRowIndex)
	case ".xlsx":
		return parseExcel(payload, headerRowIndex)
	default:
		return tableData{}, fmt.Errorf("%w: %q", ErrUnsupportedFormat, ext)
	}
}

func parseCSV(payload []byte, headerRowIndex *int) (tableData, error) {
	reader := bufio.NewReader(bytes.NewReader(payload))
	if prefix, err := reader.Peek(len(byteOrderMark)); err == nil && bytes.Equal(prefix, byteOrderMark) {
		_, _ = reader.Discard(len(byteOrderMark))
	}

	csvReader := csv.NewReader(reader)
	csvReader.TrimLeadingSpace = true
	csvReader.FieldsPerRecord = -1

	records, err := csvReader.ReadAll()
	if err != nil {
		return tableData{}, fmt.Errorf("failed to read csv: %w", err)
	}
	return normalizeTable(records, headerRowIndex)
}

func parseExcel(payload []byte, headerRowIndex *int) (tableData, error) {
	f, err := excelize.OpenReader(bytes.NewReader(payload))
	if err != nil {
		return tableData{}, fmt.Errorf("failed to open xlsx: %w", err)
	}
	defer func() { _ = f.Close() }()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return tableData{}, errors.New("excel file has no sheets")
	}

	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return tableData{}, fmt.Errorf("failed to read rows from xlsx: %w", err)
	}
	return normalizeTable(rows, headerRowIndex)
}

// normalizeTable picks the header row (the first non-empty row unless an
// index is given) and pads every data row to the header width.
func normalizeTable(records [][]string, headerRowIndex *int) (tableData, error) {
	if len(records) == 0 {
		return tableData{}, errors.New("no rows found in file")
	}

	start := 0
	if headerRowIndex != nil {
		if *headerRowIndex < 0 || *headerRowIndex >= len(records) {
			return tableData{}, fmt.Errorf("header row index %d out of range", *headerRowIndex)
		}
		if isEmptyRow(records[*headerRowIndex]) {
			return tableData{}, fmt.Errorf("selected header row %d is empty", *headerRowIndex+1)
		}
		start = *headerRowIndex
	} else {
		for start < len(records) && isEmptyRow(records[start]) {
			start++
		}
		if start == len(records) {
			return tableData{}, errors.New("header row could not be detected")
		}
	}

	headers := sanitizeHeaders(records[start])
	var rows [][]string
	for _, row := range records[start+1:] {
		if isEmptyRow(row) {
			continue
		}
		rows = append(rows, padRow(row, len(headers)))
	}
	return tableData{headers: headers, rows: rows, headerRowIndex: start}, nil
}

func isEmptyRow(row []string) bool {
	for _, cell := range row {
		if strings.TrimSpace(cell) != "" {
			return false
		}
	}
	return true
}

func sanitizeHeaders(raw []string) []string {
	headers := make([]string, len(raw))
	seen := make(map[string]int)

	for idx, value := range raw {
		name := strings.TrimSpace(value)
		name = strings.ReplaceAll(name, " ", "_")
		name = strings.ReplaceAll(name, ".", "_")
		name = strings.Trim(name, "_")
		if name == "" {
			name = fmt.Sprintf("column_%d", idx+1)
		}

		base := name
		count := seen[base]
		if count > 0 {
			name = fmt.Sprintf("%s_%d", base, count+1)
		}
		seen[base] = count + 1

		headers[idx] = name
	}
	return headers
}

func padRow(row []string, length int) []string {
	if len(row) >= length {
		return row[:length]
	}
	padded := make([]string, length)
	copy(padded, row)
	return padded
}

// coerceValue converts a cell to the stored form of the property type. List
// properties take a JSON array cell.
func coerceValue(prop domain.ViewProperty, raw, space string) (any, error) {
	if prop.List {
		var items []any
		if err := json.Unmarshal([]byte(raw), &items); err != nil {
			return nil, fmt.Errorf("list value must be a JSON array: %w", err)
		}
		out := make([]any, 0, len(items))
		for _, item := range items {
			text, ok := item.(string)
			if !ok {
				encoded, _ := json.Marshal(item)
				text = string(encoded)
			}
			value, err := coerceScalar(prop.Type, text, space)
			if err != nil {
				return nil, err
			}
			out = append(out, value)
		}
		return out, nil
	}
	return coerceScalar(prop.Type, raw, space)
}

func coerceScalar(propertyType domain.PropertyType, raw, space string) (any, error) {
	switch propertyType {
	case domain.PropertyTypeInt:
		if i, err := strconv.ParseInt(raw, 10, 64); err == nil {
			return i, nil
		}
		if f, err := strconv.ParseFloat(raw, 64); err == nil && math.Mod(f, 1) == 0 {
			return int64(f), nil
		}
		return nil, fmt.Errorf("unable to coerce %q to integer", raw)
	case domain.PropertyTypeFloat:
		if f, err := strconv.ParseFloat(raw, 64); err == nil {
			return f, nil
		}
		return nil, fmt.Errorf("unable to coerce %q to float", raw)
	case domain.PropertyTypeBoolean:
		value := strings.ToLower(raw)
		switch value {
		case "1", "yes", "y":
			return true, nil
		case "0", "no", "n":
			return false, nil
		}
		boolVal, err := strconv.ParseBool(value)
		if err != nil {
			return nil, fmt.Errorf("unable to coerce %q to boolean", raw)
		}
		return boolVal, nil
	case domain.PropertyTypeTimestamp:
		ts, err := parseTimestamp(raw)
		if err != nil {
			return nil, fmt.Errorf("unable to coerce %q to timestamp: %w", raw, err)
		}
		return ts.UTC().Format(time.RFC3339Nano), nil
	case domain.PropertyTypeDate:
		ts, err := parseTimestamp(raw)
		if err != nil {
			return nil, fmt.Errorf("unable to coerce %q to date: %w", raw, err)
		}
		return ts.Format("2006-01-02"), nil
	case domain.PropertyTypeJSON:
		var out any
		if err := json.Unmarshal([]byte(raw), &out); err != nil {
			return nil, fmt.Errorf("invalid json payload: %w", err)
		}
		return out, nil
	case domain.PropertyTypeDirectRelation:
		target := domain.NewInstanceID(space, raw)
		if s, id, ok := strings.Cut(raw, ":"); ok {
			target = domain.NewInstanceID(s, id)
		}
		if target.Space == "" || target.ExternalID == "" {
			return nil, fmt.Errorf("invalid relation %q: expected [space:]externalId", raw)
		}
		return target.Dump(), nil
	default:
		return raw, nil
	}
}

func parseTimestamp(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	for _, layout := range timeLayouts {
		if ts, err := time.Parse(layout, raw); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp format")
}
