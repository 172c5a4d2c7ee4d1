package repository

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rpattn/dmquery/internal/domain"
)

var assetView = domain.ViewReference{Space: "plant", ExternalID: "Asset", Version: "1"}

const seedYAML = `
views:
  - ref: {space: plant, externalId: Asset, version: "1"}
    usedFor: node
    properties:
      name: {type: text}
      pressure: {type: float64}
      parent:
        type: direct
        target: {space: plant, externalId: Asset, version: "1"}
nodes:
  - space: plant
    externalId: pump-1
    properties:
      plant:
        Asset/1: {name: Main pump, pressure: 4.5}
  - space: plant
    externalId: pump-2
    properties:
      plant:
        Asset/1:
          name: Spare pump
          pressure: 1.5
          parent: {space: plant, externalId: pump-1}
  - space: plant
    externalId: valve-1
    properties:
      plant:
        Asset/1: {name: Relief valve}
edges:
  - space: plant
    externalId: feeds-1
    type: {space: plant, externalId: feeds}
    startNode: {space: plant, externalId: pump-1}
    endNode: {space: plant, externalId: valve-1}
`

func newSeededStore(t *testing.T) *MemoryStore {
	t.Helper()
	seed, err := ParseSeed([]byte(seedYAML))
	require.NoError(t, err)
	store := NewMemoryStore(slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, store.Load(context.Background(), seed))
	return store
}

func listIDs(t *testing.T, store *MemoryStore, req domain.ListRequest) []string {
	t.Helper()
	page, err := store.ListInstances(context.Background(), req)
	require.NoError(t, err)
	ids := make([]string, 0, len(page.Items))
	for _, item := range page.Items {
		ids = append(ids, item.ID().ExternalID)
	}
	return ids
}

func TestMemoryStoreFilters(t *testing.T) {
	store := newSeededStore(t)
	pressure := assetView.PropertyPath("pressure")
	parent := assetView.PropertyPath("parent")
	base := domain.ListRequest{InstanceType: domain.InstanceKindNode, Sources: []domain.ViewReference{assetView}}

	tests := []struct {
		name     string
		filter   domain.Filter
		expected []string
	}{
		{name: "no filter", expected: []string{"pump-1", "pump-2", "valve-1"}},
		{name: "range", filter: domain.Range{Property: pressure, GT: 2}, expected: []string{"pump-1"}},
		{name: "prefix", filter: domain.Prefix{Property: assetView.PropertyPath("name"), Value: "Spare"}, expected: []string{"pump-2"}},
		{name: "exists", filter: domain.Exists{Property: pressure}, expected: []string{"pump-1", "pump-2"}},
		{name: "not exists", filter: domain.Not{Filter: domain.Exists{Property: pressure}}, expected: []string{"valve-1"}},
		{name: "relation by identifier", filter: domain.Equals{Property: parent, Value: domain.NewInstanceID("plant", "pump-1")}, expected: []string{"pump-2"}},
		{name: "node id in", filter: domain.In{Property: domain.NodeIDProperty, Values: []any{
			domain.NewInstanceID("plant", "valve-1"),
			map[string]any{"space": "plant", "externalId": "pump-1"},
		}}, expected: []string{"pump-1", "valve-1"}},
		{name: "or", filter: domain.Or{Filters: []domain.Filter{
			domain.Equals{Property: domain.NodeExternalIDProperty, Value: "valve-1"},
			domain.Range{Property: pressure, LTE: 1.5},
		}}, expected: []string{"pump-2", "valve-1"}},
		{name: "has data", filter: domain.HasData{Views: []domain.ViewReference{{Space: "plant", ExternalID: "Other", Version: "1"}}}, expected: []string{}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := base
			req.Filter = tc.filter
			assert.Equal(t, tc.expected, listIDs(t, store, req))
		})
	}
}

func TestMemoryStoreRejectsNullEquality(t *testing.T) {
	store := newSeededStore(t)
	_, err := store.ListInstances(context.Background(), domain.ListRequest{
		InstanceType: domain.InstanceKindNode,
		Filter:       domain.Equals{Property: assetView.PropertyPath("pressure"), Value: nil},
	})
	assert.Error(t, err)
}

func TestMemoryStoreSortAndCursor(t *testing.T) {
	store := newSeededStore(t)
	req := domain.ListRequest{
		InstanceType: domain.InstanceKindNode,
		Sources:      []domain.ViewReference{assetView},
		Sort: []domain.InstanceSort{{
			Property:   assetView.PropertyPath("pressure"),
			Direction:  domain.SortDirectionDesc,
			NullsFirst: true,
		}},
		Limit: 2,
	}

	first, err := store.ListInstances(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, first.Items, 2)
	assert.Equal(t, "valve-1", first.Items[0].ID().ExternalID)
	assert.Equal(t, "pump-1", first.Items[1].ID().ExternalID)
	require.NotEmpty(t, first.NextCursor)

	req.Cursor = first.NextCursor
	second, err := store.ListInstances(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, second.Items, 1)
	assert.Equal(t, "pump-2", second.Items[0].ID().ExternalID)
	assert.Empty(t, second.NextCursor)

	_, err = store.ListInstances(context.Background(), req)
	assert.Error(t, err, "cursors are single use")
}

func TestMemoryStoreEvictsOldestCursors(t *testing.T) {
	store := newSeededStore(t)
	store.maxCursors = 2
	req := domain.ListRequest{
		InstanceType: domain.InstanceKindNode,
		Sources:      []domain.ViewReference{assetView},
		Limit:        1,
	}

	var tokens []string
	for i := 0; i < 3; i++ {
		page, err := store.ListInstances(context.Background(), req)
		require.NoError(t, err)
		require.NotEmpty(t, page.NextCursor)
		tokens = append(tokens, page.NextCursor)
	}
	assert.Len(t, store.cursors, 2)

	req.Cursor = tokens[0]
	_, err := store.ListInstances(context.Background(), req)
	assert.Error(t, err, "the oldest cursor was evicted")

	req.Cursor = tokens[2]
	page, err := store.ListInstances(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
}

func TestMemoryStoreEdges(t *testing.T) {
	store := newSeededStore(t)
	page, err := store.ListInstances(context.Background(), domain.ListRequest{
		InstanceType: domain.InstanceKindEdge,
		Filter: domain.And{Filters: []domain.Filter{
			domain.Equals{Property: domain.EdgeTypeProperty, Value: domain.NewInstanceID("plant", "feeds")},
			domain.In{Property: domain.EdgeStartNodeProperty, Values: []any{domain.NewInstanceID("plant", "pump-1")}},
		}},
	})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	edge, ok := page.Items[0].(*domain.Edge)
	require.True(t, ok)
	assert.Equal(t, domain.NewInstanceID("plant", "valve-1"), edge.EndNode)
}

func TestMemoryStoreProjectsSources(t *testing.T) {
	store := newSeededStore(t)
	other := domain.ViewReference{Space: "plant", ExternalID: "Maintenance", Version: "1"}
	pump := &domain.Node{InstanceID: domain.NewInstanceID("plant", "pump-3"), Properties: domain.PropertyBag{}}
	pump.Properties.Set(assetView, "name", "Booster")
	pump.Properties.Set(other, "due", "2026-01-01")
	require.NoError(t, store.ApplyInstances(context.Background(), []domain.Record{pump}))

	page, err := store.ListInstances(context.Background(), domain.ListRequest{
		InstanceType: domain.InstanceKindNode,
		Sources:      []domain.ViewReference{assetView},
		Filter:       domain.Equals{Property: domain.NodeExternalIDProperty, Value: "pump-3"},
	})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Nil(t, page.Items[0].Props().ForView(other))

	page.Items[0].Props().ForView(assetView)["name"] = "changed"
	again, err := store.ListInstances(context.Background(), domain.ListRequest{
		InstanceType: domain.InstanceKindNode,
		Filter:       domain.Equals{Property: domain.NodeExternalIDProperty, Value: "pump-3"},
	})
	require.NoError(t, err)
	assert.Equal(t, "Booster", again.Items[0].Props().ForView(assetView)["name"])
}

func TestMemoryStoreSearchAggregateHistogram(t *testing.T) {
	store := newSeededStore(t)
	ctx := context.Background()

	hits, err := store.SearchInstances(ctx, domain.SearchRequest{
		View:         assetView,
		Query:        "PUMP",
		InstanceType: domain.InstanceKindNode,
		Properties:   []string{"name"},
	})
	require.NoError(t, err)
	assert.Len(t, hits, 2)

	aggregate, err := store.AggregateInstances(ctx, domain.AggregateRequest{
		View:         assetView,
		InstanceType: domain.InstanceKindNode,
		Aggregates: []domain.Aggregation{
			{Kind: domain.AggregateCount, Property: "pressure"},
			{Kind: domain.AggregateAvg, Property: "pressure"},
			{Kind: domain.AggregateMax, Property: "pressure"},
		},
	})
	require.NoError(t, err)
	require.Len(t, aggregate.Groups, 1)
	values := aggregate.Groups[0].Aggregates
	assert.Equal(t, 2.0, *values[0].Value)
	assert.Equal(t, 3.0, *values[1].Value)
	assert.Equal(t, 4.5, *values[2].Value)

	histograms, err := store.HistogramInstances(ctx, domain.HistogramRequest{
		View:         assetView,
		InstanceType: domain.InstanceKindNode,
		Histograms:   []domain.Histogram{{Property: "pressure", Interval: 2}},
	})
	require.NoError(t, err)
	require.Len(t, histograms, 1)
	assert.Equal(t, []domain.HistogramBucket{{Start: 0, Count: 1}, {Start: 4, Count: 1}}, histograms[0].Buckets)

	_, err = store.HistogramInstances(ctx, domain.HistogramRequest{
		View:       assetView,
		Histograms: []domain.Histogram{{Property: "pressure"}},
	})
	assert.Error(t, err)
}

func TestMemoryStoreRetrieveViews(t *testing.T) {
	store := newSeededStore(t)
	views, err := store.RetrieveViews(context.Background(), []domain.ViewReference{
		assetView,
		{Space: "plant", ExternalID: "Missing", Version: "1"},
	})
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Equal(t, domain.PropertyTypeDirectRelation, views[0].Properties["parent"].Type)
}
