package query

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/rpattn/dmquery/internal/domain"
	"github.com/rpattn/dmquery/internal/metrics"
	"github.com/rpattn/dmquery/internal/repository"
)

// StepExecutor drives an ordered step sequence against an instance store.
type StepExecutor struct {
	steps     []*Step
	pageSize  int
	chunkSize int
	logger    *slog.Logger
	metrics   *metrics.Metrics

	removed map[string]int
}

// Removed returns the records pruned per step by the last Execute call with
// removeNotConnected set.
func (e *StepExecutor) Removed() map[string]int {
	return e.removed
}

// Execute runs every step in order, filling each step's Results. Child steps
// only run for the identities their parent produced. Any store error aborts the
// whole query.
func (e *StepExecutor) Execute(ctx context.Context, store repository.InstanceStore, removeNotConnected bool) ([]*Step, error) {
	byName := make(map[string]*Step, len(e.steps))
	for _, step := range e.steps {
		step.Results = nil
		if !step.IsRoot() {
			if _, ok := byName[step.From]; !ok {
				return nil, fmt.Errorf("%w: step %q runs before its parent %q", ErrInconsistentState, step.Name, step.From)
			}
		}
		byName[step.Name] = step
	}

	for _, step := range e.steps {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var err error
		if step.IsRoot() {
			step.Results, _, err = e.fetch(ctx, store, step, step.Filter, "", step.Limit)
		} else {
			step.Results, err = e.fetchChild(ctx, store, step, byName[step.From])
		}
		if err != nil {
			return nil, err
		}
		e.metrics.Retrieved(string(step.Kind), len(step.Results))
		e.logger.Debug("query step complete",
			slog.String("step", step.Name),
			slog.String("from", step.From),
			slog.String("instanceType", string(step.Kind)),
			slog.Int("results", len(step.Results)))
	}

	e.removed = nil
	if removeNotConnected {
		removed, err := NewQueryResultCleaner(e.steps).Clean()
		if err != nil {
			return nil, err
		}
		e.removed = removed
		for _, step := range e.steps {
			e.metrics.Pruned(string(step.Kind), removed[step.Name])
		}
	}
	return e.steps, nil
}

func (e *StepExecutor) fetchChild(ctx context.Context, store repository.InstanceStore, step, parent *Step) ([]domain.Record, error) {
	property, ids := narrowing(step, parent)
	if len(ids) == 0 {
		return nil, nil
	}

	var base domain.Filter
	if step.IsEdge() {
		base = domain.Equals{Property: domain.EdgeTypeProperty, Value: step.EdgeType}
	}

	seen := make(idSet)
	var results []domain.Record
	for start := 0; start < len(ids); start += e.chunkSize {
		end := start + e.chunkSize
		if end > len(ids) {
			end = len(ids)
		}
		limit := step.Limit
		if !step.Unbounded() {
			limit -= len(results)
			if limit <= 0 {
				break
			}
		}
		filter := domain.AndFilters(base, domain.In{Property: property, Values: domain.IDValues(ids[start:end])}, step.Filter)
		records, _, err := e.fetch(ctx, store, step, filter, "", limit)
		if err != nil {
			return nil, err
		}
		for _, record := range records {
			if seen.has(record.ID()) {
				continue
			}
			seen.add(record.ID())
			results = append(results, record)
		}
	}
	return results, nil
}

// fetch pages through the store until limit records were read or the store is
// exhausted. The returned cursor is non-empty when the store had more results.
func (e *StepExecutor) fetch(ctx context.Context, store repository.InstanceStore, step *Step, filter domain.Filter, cursor string, limit int) ([]domain.Record, string, error) {
	req := domain.ListRequest{
		InstanceType: step.Kind,
		Filter:       filter,
		Sort:         step.Sort,
	}
	if !step.View.IsZero() {
		req.Sources = []domain.ViewReference{step.View}
	}
	return fetchPages(ctx, store, req, cursor, limit, e.pageSize, e.metrics, step.Name)
}

func fetchPages(ctx context.Context, store repository.InstanceStore, req domain.ListRequest, cursor string, limit, pageSize int, m *metrics.Metrics, label string) ([]domain.Record, string, error) {
	var records []domain.Record
	for {
		if err := ctx.Err(); err != nil {
			return nil, "", err
		}
		req.Limit = pageSize
		if limit >= 0 {
			remaining := limit - len(records)
			if remaining <= 0 {
				return records, cursor, nil
			}
			if remaining < req.Limit {
				req.Limit = remaining
			}
		}
		req.Cursor = cursor
		m.StoreCall("list", string(req.InstanceType))
		page, err := store.ListInstances(ctx, req)
		if err != nil {
			return nil, "", fmt.Errorf("list instances for step %s: %w", label, err)
		}
		records = append(records, page.Items...)
		cursor = page.NextCursor
		if cursor == "" {
			return records, "", nil
		}
	}
}
