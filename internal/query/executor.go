package query

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/rpattn/dmquery/internal/domain"
	"github.com/rpattn/dmquery/internal/metrics"
	"github.com/rpattn/dmquery/internal/repository"
)

// DefaultLimit is used when a request does not set a limit.
const DefaultLimit = 25

// CursorNotStarted is the resume cursor of an instance kind a flat listing
// stopped before reaching.
const CursorNotStarted = "start"

// ListOptions configures Executor.List.
type ListOptions struct {
	Filter domain.Filter
	Sort   []domain.InstanceSort
	// Limit caps the root records. Zero selects DefaultLimit, negative is unbounded.
	Limit int
	// Cursors resumes a flat listing per instance kind. When set, kinds
	// without an entry were exhausted by an earlier call and are skipped.
	Cursors    map[domain.InstanceKind]string
	EdgePolicy EdgePolicy
	// KeepNotConnected skips pruning of records not connected to the root.
	KeepNotConnected bool
	Reverse          ReverseViewsLookup
}

// ListResult carries the rows of a list or search call.
type ListResult struct {
	Items []map[string]any `json:"items"`
	// Cursors holds resume cursors for flat listings that stopped at the limit.
	// Kinds that are exhausted have no entry.
	Cursors     map[domain.InstanceKind]string `json:"cursors,omitempty"`
	Diagnostics []Diagnostic                   `json:"diagnostics,omitempty"`
	Removed     map[string]int                 `json:"removed,omitempty"`
}

func (r *ListResult) setCursor(kind domain.InstanceKind, cursor string) {
	if r.Cursors == nil {
		r.Cursors = make(map[domain.InstanceKind]string)
	}
	r.Cursors[kind] = cursor
}

// SearchOptions configures Executor.Search.
type SearchOptions struct {
	Query            string
	SearchProperties []string
	Filter           domain.Filter
	Sort             []domain.InstanceSort
	Limit            int
	EdgePolicy       EdgePolicy
	KeepNotConnected bool
	Reverse          ReverseViewsLookup
}

// AggregateOptions configures Executor.Aggregate. Aggregates and Histograms
// are mutually exclusive.
type AggregateOptions struct {
	Aggregates       []domain.Aggregation
	Histograms       []domain.Histogram
	GroupBy          []string
	Filter           domain.Filter
	Query            string
	SearchProperties []string
	Limit            int
}

// AggregateResult holds the outcome of one of the three aggregation modes.
type AggregateResult struct {
	Values     AggregateValues         `json:"values,omitempty"`
	Groups     []GroupedAggregate      `json:"groups,omitempty"`
	Histograms []domain.HistogramValue `json:"histograms,omitempty"`
}

// HistogramOptions configures Executor.Histogram.
type HistogramOptions struct {
	Histograms       []domain.Histogram
	Filter           domain.Filter
	Query            string
	SearchProperties []string
	Limit            int
}

// Executor is the query engine entry point.
type Executor struct {
	store   repository.InstanceStore
	views   ViewResolver
	opts    []Option
	cfg     settings
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewExecutor creates an executor. A nil views resolver falls back to one
// store call per view lookup.
func NewExecutor(store repository.InstanceStore, views ViewResolver, opts ...Option) *Executor {
	if views == nil {
		views = NewStoreViewResolver(store)
	}
	cfg := newSettings(opts)
	return &Executor{
		store:   store,
		views:   views,
		opts:    opts,
		cfg:     cfg,
		logger:  cfg.logger,
		metrics: cfg.metrics,
	}
}

// List returns the instances of a view. Flat selections are served by a single
// paginated fetch; selections traversing connections run a multi-step query.
func (e *Executor) List(ctx context.Context, ref domain.ViewReference, selection []SelectedProperty, opts ListOptions) (ListResult, error) {
	defer e.metrics.ObserveSince("list", time.Now())

	view, err := e.views.View(ctx, ref)
	if err != nil {
		return ListResult{}, err
	}
	opts.Filter = NormalizeNullFilters(opts.Filter)
	limit := effectiveLimit(opts.Limit)

	if !HasNested(selection) {
		return e.listFlat(ctx, view, selection, opts, limit)
	}
	if view.UsedFor == domain.UsedForEdge {
		return ListResult{}, invalidRequest("nested properties are not supported on edge view %s", view.Ref)
	}
	return e.listNested(ctx, view, selection, opts, limit)
}

func (e *Executor) listFlat(ctx context.Context, view domain.View, selection []SelectedProperty, opts ListOptions, limit int) (ListResult, error) {
	var names []string
	if len(selection) > 0 {
		names = Names(selection)
	}
	result := ListResult{Items: make([]map[string]any, 0)}
	resuming := len(opts.Cursors) > 0
	for _, kind := range view.UsedFor.InstanceKinds() {
		cursor := ""
		if resuming {
			var pending bool
			cursor, pending = opts.Cursors[kind]
			if !pending {
				continue
			}
			if cursor == CursorNotStarted {
				cursor = ""
			}
		}
		remaining := limit
		if limit >= 0 {
			remaining = limit - len(result.Items)
			if remaining <= 0 {
				if cursor == "" {
					cursor = CursorNotStarted
				}
				result.setCursor(kind, cursor)
				continue
			}
		}
		req := domain.ListRequest{
			InstanceType: kind,
			Sources:      []domain.ViewReference{view.Ref},
			Filter:       opts.Filter,
			Sort:         opts.Sort,
		}
		records, next, err := fetchPages(ctx, e.store, req, cursor, remaining, e.cfg.pageSize, e.metrics, string(kind))
		if err != nil {
			return ListResult{}, err
		}
		e.metrics.Retrieved(string(kind), len(records))
		for _, record := range records {
			result.Items = append(result.Items, flattenDump(record, names))
		}
		if next != "" {
			result.setCursor(kind, next)
		}
	}
	return result, nil
}

func (e *Executor) listNested(ctx context.Context, view domain.View, selection []SelectedProperty, opts ListOptions, limit int) (ListResult, error) {
	builder := NewQueryBuilder(e.opts...)
	factory := NewStepFactory(builder, e.views, opts.Reverse)
	rootOpts := RootOptions{Filter: opts.Filter, Sort: opts.Sort, Limit: limit}
	if err := factory.Build(ctx, view, selection, rootOpts); err != nil {
		return ListResult{}, err
	}

	executor := builder.Build()
	steps, err := executor.Execute(ctx, e.store, !opts.KeepNotConnected)
	if err != nil {
		return ListResult{}, err
	}
	rows, diagnostics, err := NewQueryUnpacker(steps, opts.EdgePolicy, e.logger).Unpack()
	if err != nil {
		return ListResult{}, err
	}
	e.metrics.Diagnostic(len(diagnostics))
	if rows == nil {
		rows = make([]map[string]any, 0)
	}
	return ListResult{Items: rows, Diagnostics: diagnostics, Removed: executor.Removed()}, nil
}

// Search runs a free-text search. Dual-kind views are searched once per
// instance kind. Nested selections rerun the node hits through a multi-step
// query rooted at the hits, preserving hit order.
func (e *Executor) Search(ctx context.Context, ref domain.ViewReference, selection []SelectedProperty, opts SearchOptions) (ListResult, error) {
	defer e.metrics.ObserveSince("search", time.Now())

	view, err := e.views.View(ctx, ref)
	if err != nil {
		return ListResult{}, err
	}
	nested := HasNested(selection)
	if nested && view.UsedFor == domain.UsedForEdge {
		return ListResult{}, invalidRequest("nested properties are not supported on edge view %s", view.Ref)
	}
	filter := NormalizeNullFilters(opts.Filter)
	limit := effectiveLimit(opts.Limit)

	var names []string
	if len(selection) > 0 {
		names = Names(selection)
	}
	result := ListResult{Items: make([]map[string]any, 0)}
	for _, kind := range view.UsedFor.InstanceKinds() {
		e.metrics.StoreCall("search", string(kind))
		records, err := e.store.SearchInstances(ctx, domain.SearchRequest{
			View:         view.Ref,
			Query:        opts.Query,
			InstanceType: kind,
			Properties:   opts.SearchProperties,
			Filter:       filter,
			Sort:         opts.Sort,
			Limit:        limit,
		})
		if err != nil {
			return ListResult{}, fmt.Errorf("search %s instances of %s: %w", kind, view.Ref, err)
		}
		e.metrics.Retrieved(string(kind), len(records))

		if nested && kind == domain.InstanceKindNode {
			rows, err := e.nestHits(ctx, view, selection, records, opts)
			if err != nil {
				return ListResult{}, err
			}
			result.Items = append(result.Items, rows.Items...)
			result.Diagnostics = append(result.Diagnostics, rows.Diagnostics...)
			continue
		}
		for _, record := range records {
			result.Items = append(result.Items, flattenDump(record, names))
		}
	}
	return result, nil
}

func (e *Executor) nestHits(ctx context.Context, view domain.View, selection []SelectedProperty, hits []domain.Record, opts SearchOptions) (ListResult, error) {
	if len(hits) == 0 {
		return ListResult{}, nil
	}
	ids := recordIDs(hits)
	nested, err := e.listNested(ctx, view, selection, ListOptions{
		Filter:           domain.In{Property: domain.NodeIDProperty, Values: domain.IDValues(ids)},
		EdgePolicy:       opts.EdgePolicy,
		KeepNotConnected: opts.KeepNotConnected,
		Reverse:          opts.Reverse,
	}, Unlimited)
	if err != nil {
		return ListResult{}, err
	}

	byID := make(map[domain.InstanceID]map[string]any, len(nested.Items))
	for _, row := range nested.Items {
		space, _ := row["space"].(string)
		externalID, _ := row["externalId"].(string)
		byID[domain.NewInstanceID(space, externalID)] = row
	}
	ordered := make([]map[string]any, 0, len(ids))
	for _, id := range ids {
		if row, ok := byID[id]; ok {
			ordered = append(ordered, row)
		}
	}
	return ListResult{Items: ordered, Diagnostics: nested.Diagnostics}, nil
}

// Aggregate computes metric aggregates, grouped or not, or histograms. Views
// backed by both nodes and edges are aggregated per kind and merged.
func (e *Executor) Aggregate(ctx context.Context, ref domain.ViewReference, opts AggregateOptions) (AggregateResult, error) {
	defer e.metrics.ObserveSince("aggregate", time.Now())

	if len(opts.Aggregates) > 0 && len(opts.Histograms) > 0 {
		return AggregateResult{}, invalidRequest("metric and histogram aggregates cannot be combined")
	}
	if len(opts.Aggregates) == 0 && len(opts.Histograms) == 0 {
		return AggregateResult{}, invalidRequest("no aggregates requested")
	}
	if len(opts.Histograms) > 0 {
		histograms, err := e.Histogram(ctx, ref, HistogramOptions{
			Histograms:       opts.Histograms,
			Filter:           opts.Filter,
			Query:            opts.Query,
			SearchProperties: opts.SearchProperties,
			Limit:            opts.Limit,
		})
		if err != nil {
			return AggregateResult{}, err
		}
		return AggregateResult{Histograms: histograms}, nil
	}

	view, err := e.views.View(ctx, ref)
	if err != nil {
		return AggregateResult{}, err
	}
	kinds := view.UsedFor.InstanceKinds()
	if len(kinds) > 1 {
		for _, aggregation := range opts.Aggregates {
			if aggregation.Kind == domain.AggregateAvg {
				return AggregateResult{}, invalidRequest("average of %s is not supported on views backed by nodes and edges", aggregation.Property)
			}
		}
	}

	filter := NormalizeNullFilters(opts.Filter)
	responses := make([]domain.AggregateResponse, 0, len(kinds))
	for _, kind := range kinds {
		e.metrics.StoreCall("aggregate", string(kind))
		response, err := e.store.AggregateInstances(ctx, domain.AggregateRequest{
			View:         view.Ref,
			InstanceType: kind,
			GroupBy:      opts.GroupBy,
			Aggregates:   opts.Aggregates,
			Filter:       filter,
			Query:        opts.Query,
			Properties:   opts.SearchProperties,
			Limit:        opts.Limit,
		})
		if err != nil {
			return AggregateResult{}, fmt.Errorf("aggregate %s instances of %s: %w", kind, view.Ref, err)
		}
		responses = append(responses, response)
	}

	if len(opts.GroupBy) > 0 {
		partials := make([][]domain.AggregateGroup, 0, len(responses))
		for _, response := range responses {
			partials = append(partials, response.Groups)
		}
		groups, err := MergeGroups(partials...)
		if err != nil {
			return AggregateResult{}, err
		}
		return AggregateResult{Groups: groups}, nil
	}

	partials := make([][]domain.AggregatedValue, 0, len(responses))
	for _, response := range responses {
		var values []domain.AggregatedValue
		for _, group := range response.Groups {
			values = append(values, group.Aggregates...)
		}
		partials = append(partials, values)
	}
	values, err := MergeAggregates(partials...)
	if err != nil {
		return AggregateResult{}, err
	}
	return AggregateResult{Values: values}, nil
}

// Histogram computes histograms over a node-only or edge-only view.
func (e *Executor) Histogram(ctx context.Context, ref domain.ViewReference, opts HistogramOptions) ([]domain.HistogramValue, error) {
	defer e.metrics.ObserveSince("histogram", time.Now())

	if len(opts.Histograms) == 0 {
		return nil, invalidRequest("no histograms requested")
	}
	view, err := e.views.View(ctx, ref)
	if err != nil {
		return nil, err
	}
	kinds := view.UsedFor.InstanceKinds()
	if len(kinds) > 1 {
		return nil, invalidRequest("histograms are not supported on views backed by nodes and edges")
	}
	e.metrics.StoreCall("histogram", string(kinds[0]))
	values, err := e.store.HistogramInstances(ctx, domain.HistogramRequest{
		View:         view.Ref,
		InstanceType: kinds[0],
		Histograms:   opts.Histograms,
		Filter:       NormalizeNullFilters(opts.Filter),
		Query:        opts.Query,
		Properties:   opts.SearchProperties,
		Limit:        opts.Limit,
	})
	if err != nil {
		return nil, fmt.Errorf("histogram %s instances of %s: %w", kinds[0], view.Ref, err)
	}
	return values, nil
}

func effectiveLimit(limit int) int {
	switch {
	case limit == 0:
		return DefaultLimit
	case limit < 0:
		return Unlimited
	default:
		return limit
	}
}
