package repository

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/rpattn/dmquery/internal/domain"
)

const (
	defaultMemoryPageLimit = 1000
	// defaultMaxCursors bounds outstanding cursor tokens; the oldest is
	// evicted first.
	defaultMaxCursors = 10000
)

// Seed is the YAML fixture format understood by MemoryStore.
type Seed struct {
	Views []domain.View  `yaml:"views"`
	Nodes []*domain.Node `yaml:"nodes"`
	Edges []*domain.Edge `yaml:"edges"`
}

// LoadSeedFile reads a YAML seed file from disk.
func LoadSeedFile(path string) (Seed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Seed{}, fmt.Errorf("read seed file: %w", err)
	}
	return ParseSeed(data)
}

// ParseSeed decodes a YAML seed document.
func ParseSeed(data []byte) (Seed, error) {
	var seed Seed
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return Seed{}, fmt.Errorf("decode seed: %w", err)
	}
	return seed, nil
}

type instanceKey struct {
	kind domain.InstanceKind
	id   domain.InstanceID
}

// MemoryStore is an InstanceStore held entirely in memory. Insertion order is
// the natural order of list results when no sort is requested.
type MemoryStore struct {
	mu      sync.RWMutex
	views   map[domain.ViewReference]domain.View
	records []domain.Record
	index   map[instanceKey]int
	cursors    map[string]memoryCursor
	cursorSeq  uint64
	maxCursors int
	logger     *slog.Logger
}

type memoryCursor struct {
	offset int
	seq    uint64
}

// NewMemoryStore creates an empty store.
func NewMemoryStore(logger *slog.Logger) *MemoryStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryStore{
		views:   make(map[domain.ViewReference]domain.View),
		index:   make(map[instanceKey]int),
		cursors:    make(map[string]memoryCursor),
		maxCursors: defaultMaxCursors,
		logger:     logger,
	}
}

// Load applies a seed to the store.
func (s *MemoryStore) Load(ctx context.Context, seed Seed) error {
	if err := s.ApplyViews(ctx, seed.Views); err != nil {
		return err
	}
	records := make([]domain.Record, 0, len(seed.Nodes)+len(seed.Edges))
	for _, node := range seed.Nodes {
		records = append(records, node)
	}
	for _, edge := range seed.Edges {
		records = append(records, edge)
	}
	return s.ApplyInstances(ctx, records)
}

func (s *MemoryStore) ApplyViews(_ context.Context, views []domain.View) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, view := range views {
		if err := view.Validate(); err != nil {
			return err
		}
		s.views[view.Ref] = view
	}
	return nil
}

func (s *MemoryStore) ApplyInstances(_ context.Context, records []domain.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, record := range records {
		if record == nil || record.ID().IsZero() {
			return fmt.Errorf("instance without identifier")
		}
		key := instanceKey{kind: record.Kind(), id: record.ID()}
		if pos, ok := s.index[key]; ok {
			s.records[pos] = record
			continue
		}
		s.index[key] = len(s.records)
		s.records = append(s.records, record)
	}
	return nil
}

func (s *MemoryStore) RetrieveViews(_ context.Context, ids []domain.ViewReference) ([]domain.View, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	views := make([]domain.View, 0, len(ids))
	for _, id := range ids {
		if view, ok := s.views[id]; ok {
			views = append(views, view)
		}
	}
	return views, nil
}

func (s *MemoryStore) ListInstances(_ context.Context, req domain.ListRequest) (domain.InstancePage, error) {
	limit := req.Limit
	if limit <= 0 {
		limit = defaultMemoryPageLimit
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	offset := 0
	if req.Cursor != "" {
		pos, ok := s.cursors[req.Cursor]
		if !ok {
			return domain.InstancePage{}, fmt.Errorf("unknown cursor %q", req.Cursor)
		}
		delete(s.cursors, req.Cursor)
		offset = pos.offset
	}

	matched, err := s.match(req.InstanceType, req.Sources, req.Filter)
	if err != nil {
		return domain.InstancePage{}, err
	}
	if err := sortRecords(matched, req.Sort); err != nil {
		return domain.InstancePage{}, err
	}

	if offset > len(matched) {
		offset = len(matched)
	}
	end := offset + limit
	if end > len(matched) {
		end = len(matched)
	}
	page := domain.InstancePage{Items: projectRecords(matched[offset:end], req.Sources)}
	if end < len(matched) {
		page.NextCursor = s.issueCursor(end)
	}
	s.logger.Debug("memory list",
		slog.String("instanceType", string(req.InstanceType)),
		slog.Int("offset", offset),
		slog.Int("returned", len(page.Items)),
		slog.Bool("more", page.NextCursor != ""))
	return page, nil
}

// issueCursor stores a single-use token for offset. Callers hold s.mu.
func (s *MemoryStore) issueCursor(offset int) string {
	for len(s.cursors) >= s.maxCursors && len(s.cursors) > 0 {
		oldest, oldestSeq := "", uint64(math.MaxUint64)
		for token, cursor := range s.cursors {
			if cursor.seq < oldestSeq {
				oldest, oldestSeq = token, cursor.seq
			}
		}
		delete(s.cursors, oldest)
		s.logger.Debug("evicted memory cursor", slog.String("cursor", oldest))
	}
	s.cursorSeq++
	token := uuid.NewString()
	s.cursors[token] = memoryCursor{offset: offset, seq: s.cursorSeq}
	return token
}

func (s *MemoryStore) SearchInstances(_ context.Context, req domain.SearchRequest) ([]domain.Record, error) {
	limit := req.Limit
	if limit <= 0 {
		limit = defaultMemoryPageLimit
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	sources := []domain.ViewReference{req.View}
	matched, err := s.match(req.InstanceType, sources, req.Filter)
	if err != nil {
		return nil, err
	}
	matched = filterByQuery(matched, req.View, req.Query, req.Properties)
	if err := sortRecords(matched, req.Sort); err != nil {
		return nil, err
	}
	if len(matched) > limit {
		matched = matched[:limit]
	}
	return projectRecords(matched, sources), nil
}

func (s *MemoryStore) AggregateInstances(_ context.Context, req domain.AggregateRequest) (domain.AggregateResponse, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matched, err := s.match(req.InstanceType, []domain.ViewReference{req.View}, req.Filter)
	if err != nil {
		return domain.AggregateResponse{}, err
	}
	matched = filterByQuery(matched, req.View, req.Query, req.Properties)

	if len(req.GroupBy) == 0 {
		return domain.AggregateResponse{Groups: []domain.AggregateGroup{{
			Aggregates: computeAggregates(matched, req.View, req.Aggregates),
		}}}, nil
	}

	type bucket struct {
		group   map[string]any
		records []domain.Record
	}
	var order []string
	buckets := make(map[string]*bucket)
	for _, record := range matched {
		group := make(map[string]any, len(req.GroupBy))
		parts := make([]string, 0, len(req.GroupBy))
		for _, name := range req.GroupBy {
			value, _ := propertyValue(record, req.View, name)
			group[name] = value
			parts = append(parts, fmt.Sprintf("%v", value))
		}
		key := strings.Join(parts, "\x00")
		b, ok := buckets[key]
		if !ok {
			b = &bucket{group: group}
			buckets[key] = b
			order = append(order, key)
		}
		b.records = append(b.records, record)
	}

	if req.Limit > 0 && len(order) > req.Limit {
		order = order[:req.Limit]
	}
	response := domain.AggregateResponse{Groups: make([]domain.AggregateGroup, 0, len(order))}
	for _, key := range order {
		b := buckets[key]
		response.Groups = append(response.Groups, domain.AggregateGroup{
			Group:      b.group,
			Aggregates: computeAggregates(b.records, req.View, req.Aggregates),
		})
	}
	return response, nil
}

func (s *MemoryStore) HistogramInstances(_ context.Context, req domain.HistogramRequest) ([]domain.HistogramValue, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matched, err := s.match(req.InstanceType, []domain.ViewReference{req.View}, req.Filter)
	if err != nil {
		return nil, err
	}
	matched = filterByQuery(matched, req.View, req.Query, req.Properties)

	values := make([]domain.HistogramValue, 0, len(req.Histograms))
	for _, histogram := range req.Histograms {
		if histogram.Interval <= 0 {
			return nil, fmt.Errorf("histogram on %s: interval must be positive", histogram.Property)
		}
		counts := make(map[float64]int64)
		for _, record := range matched {
			raw, ok := propertyValue(record, req.View, histogram.Property)
			if !ok {
				continue
			}
			number, ok := toFloat(raw)
			if !ok {
				continue
			}
			counts[math.Floor(number/histogram.Interval)*histogram.Interval]++
		}
		buckets := make([]domain.HistogramBucket, 0, len(counts))
		for start, count := range counts {
			buckets = append(buckets, domain.HistogramBucket{Start: start, Count: count})
		}
		sort.Slice(buckets, func(i, j int) bool { return buckets[i].Start < buckets[j].Start })
		if req.Limit > 0 && len(buckets) > req.Limit {
			buckets = buckets[:req.Limit]
		}
		values = append(values, domain.HistogramValue{
			Property: histogram.Property,
			Interval: histogram.Interval,
			Buckets:  buckets,
		})
	}
	return values, nil
}

// match returns the records of the given kind with data in one of the sources
// that satisfy the filter. Callers must hold the lock.
func (s *MemoryStore) match(kind domain.InstanceKind, sources []domain.ViewReference, filter domain.Filter) ([]domain.Record, error) {
	matched := make([]domain.Record, 0)
	for _, record := range s.records {
		if record.Kind() != kind {
			continue
		}
		if record.Meta().DeletedTime != nil {
			continue
		}
		if !hasAnySource(record, sources) {
			continue
		}
		ok, err := matchesFilter(record, filter)
		if err != nil {
			return nil, err
		}
		if ok {
			matched = append(matched, record)
		}
	}
	return matched, nil
}

// hasAnySource keeps edges without properties when no edge source view is set,
// which is how plain connection edges are stored.
func hasAnySource(record domain.Record, sources []domain.ViewReference) bool {
	if len(sources) == 0 {
		return true
	}
	for _, source := range sources {
		if record.Props().ForView(source) != nil {
			return true
		}
	}
	return false
}

func propertyValue(record domain.Record, view domain.ViewReference, name string) (any, bool) {
	switch name {
	case "externalId":
		return record.ID().ExternalID, true
	case "space":
		return record.ID().Space, true
	}
	return record.Props().Lookup(view.PropertyPath(name))
}

func filterByQuery(records []domain.Record, view domain.ViewReference, query string, properties []string) []domain.Record {
	tokens := strings.Fields(strings.ToLower(query))
	if len(tokens) == 0 {
		return records
	}
	kept := records[:0:0]
	for _, record := range records {
		props := record.Props().ForView(view)
		var haystack []string
		if len(properties) == 0 {
			for _, value := range props {
				if text, ok := value.(string); ok {
					haystack = append(haystack, strings.ToLower(text))
				}
			}
		} else {
			for _, name := range properties {
				if text, ok := props[name].(string); ok {
					haystack = append(haystack, strings.ToLower(text))
				}
			}
		}
		joined := strings.Join(haystack, " ")
		all := true
		for _, token := range tokens {
			if !strings.Contains(joined, token) {
				all = false
				break
			}
		}
		if all {
			kept = append(kept, record)
		}
	}
	return kept
}

func computeAggregates(records []domain.Record, view domain.ViewReference, aggregations []domain.Aggregation) []domain.AggregatedValue {
	values := make([]domain.AggregatedValue, 0, len(aggregations))
	for _, aggregation := range aggregations {
		var (
			count    int
			sum      float64
			min, max = math.Inf(1), math.Inf(-1)
		)
		for _, record := range records {
			raw, ok := propertyValue(record, view, aggregation.Property)
			if !ok || raw == nil {
				continue
			}
			count++
			if number, ok := toFloat(raw); ok {
				sum += number
				min = math.Min(min, number)
				max = math.Max(max, number)
			}
		}
		value := domain.AggregatedValue{Kind: aggregation.Kind, Property: aggregation.Property}
		switch aggregation.Kind {
		case domain.AggregateCount:
			v := float64(count)
			value.Value = &v
		case domain.AggregateSum:
			value.Value = &sum
		case domain.AggregateMin:
			if count > 0 && !math.IsInf(min, 1) {
				value.Value = &min
			}
		case domain.AggregateMax:
			if count > 0 && !math.IsInf(max, -1) {
				value.Value = &max
			}
		case domain.AggregateAvg:
			if count > 0 {
				avg := sum / float64(count)
				value.Value = &avg
			}
		}
		values = append(values, value)
	}
	return values
}

func sortRecords(records []domain.Record, sorts []domain.InstanceSort) error {
	if len(sorts) == 0 {
		return nil
	}
	sort.SliceStable(records, func(i, j int) bool {
		for _, spec := range sorts {
			left, leftOK := resolveProperty(records[i], spec.Property)
			right, rightOK := resolveProperty(records[j], spec.Property)
			leftNull := !leftOK || left == nil
			rightNull := !rightOK || right == nil
			if leftNull || rightNull {
				if leftNull == rightNull {
					continue
				}
				return leftNull == spec.NullsFirst
			}
			cmp, ok := compareValues(left, right)
			if !ok || cmp == 0 {
				continue
			}
			if spec.Descending() {
				return cmp > 0
			}
			return cmp < 0
		}
		return false
	})
	return nil
}

// projectRecords returns copies carrying only the properties of the requested
// sources, so callers never share maps with the store.
func projectRecords(records []domain.Record, sources []domain.ViewReference) []domain.Record {
	projected := make([]domain.Record, 0, len(records))
	for _, record := range records {
		props := make(domain.PropertyBag)
		for space, byView := range record.Props() {
			for viewID, values := range byView {
				if len(sources) > 0 && !containsView(sources, space, viewID) {
					continue
				}
				if props[space] == nil {
					props[space] = make(map[string]map[string]any)
				}
				copied := make(map[string]any, len(values))
				for name, value := range values {
					copied[name] = value
				}
				props[space][viewID] = copied
			}
		}
		switch r := record.(type) {
		case *domain.Node:
			clone := *r
			clone.Properties = props
			projected = append(projected, &clone)
		case *domain.Edge:
			clone := *r
			clone.Properties = props
			projected = append(projected, &clone)
		}
	}
	return projected
}

func containsView(sources []domain.ViewReference, space, viewID string) bool {
	for _, source := range sources {
		if source.Space == space && source.Identifier() == viewID {
			return true
		}
	}
	return false
}
