package query

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rpattn/dmquery/internal/domain"
)

var onlyJennifer = domain.Equals{Property: domain.NodeExternalIDProperty, Value: "jennifer"}

func TestListSingleHopSkip(t *testing.T) {
	executor := newTestExecutor(loadGraph(t))
	selection, err := ParseSelection("name outwards { externalId }")
	require.NoError(t, err)

	result, err := executor.List(context.Background(), personView, selection, ListOptions{
		Filter:     onlyJennifer,
		EdgePolicy: EdgesSkip,
	})
	require.NoError(t, err)
	require.Len(t, result.Items, 1)

	row := result.Items[0]
	assert.Equal(t, "jennifer", row["externalId"])
	assert.Equal(t, "Jennifer", row["name"])
	assert.Equal(t, []any{map[string]any{"space": "test_space", "externalId": "brenda"}}, row["outwards"])
	assert.NotContains(t, row, "age", "unselected properties are left out")
}

func TestListTwoHopSkip(t *testing.T) {
	executor := newTestExecutor(loadGraph(t))
	selection, err := ParseSelection("name outwards { externalId name }")
	require.NoError(t, err)

	result, err := executor.List(context.Background(), personView, selection, ListOptions{
		Filter:     onlyJennifer,
		EdgePolicy: EdgesSkip,
	})
	require.NoError(t, err)
	require.Len(t, result.Items, 1)

	outwards, ok := result.Items[0]["outwards"].([]any)
	require.True(t, ok)
	require.Len(t, outwards, 1)
	brenda := outwards[0].(map[string]any)
	assert.Equal(t, "brenda", brenda["externalId"])
	assert.Equal(t, "Brenda", brenda["name"])
	assert.Equal(t, "test_space", brenda["space"])
}

func TestListEdgePolicies(t *testing.T) {
	store := loadGraph(t)
	selection, err := ParseSelection("name outwards { name }")
	require.NoError(t, err)

	results := make(map[EdgePolicy][]map[string]any)
	for _, policy := range []EdgePolicy{EdgesSkip, EdgesIdentifier, EdgesInclude} {
		result, err := newTestExecutor(store).List(context.Background(), personView, selection, ListOptions{
			Limit:      Unlimited,
			EdgePolicy: policy,
		})
		require.NoError(t, err)
		results[policy] = result.Items
	}

	skipIDs := externalIDs(results[EdgesSkip])
	assert.Equal(t, []string{"jennifer", "brenda", "carl"}, skipIDs)
	assert.Equal(t, skipIDs, externalIDs(results[EdgesIdentifier]))
	assert.Equal(t, skipIDs, externalIDs(results[EdgesInclude]))

	for policy, rows := range results {
		for i, row := range rows {
			for key, value := range row {
				if key == "outwards" {
					continue
				}
				assert.Equal(t, results[EdgesSkip][i][key], value, "policy %s differs outside the connection key", policy)
			}
		}
	}

	identifier := results[EdgesIdentifier][0]["outwards"].([]any)[0].(map[string]any)
	assert.Equal(t, "jennifer-brenda", identifier["externalId"])
	assert.Equal(t, "Brenda", identifier["endNode"].(map[string]any)["name"])
	assert.NotContains(t, identifier, "since")

	include := results[EdgesInclude][0]["outwards"].([]any)[0].(map[string]any)
	assert.Equal(t, "jennifer-brenda", include["externalId"])
	assert.Equal(t, 2015, include["since"])
	assert.Equal(t, map[string]any{"space": "test_space", "externalId": "outwards"}, include["type"])
	assert.Equal(t, "Brenda", include["endNode"].(map[string]any)["name"])

	brenda := results[EdgesSkip][1]
	assert.Equal(t, []any{}, brenda["outwards"], "multi-valued connections without matches are empty lists")
}

func TestListInwardsEdge(t *testing.T) {
	executor := newTestExecutor(loadGraph(t))
	selection, err := ParseSelection("name inwards { name }")
	require.NoError(t, err)

	result, err := executor.List(context.Background(), personView, selection, ListOptions{
		Filter:     onlyJennifer,
		EdgePolicy: EdgesIdentifier,
	})
	require.NoError(t, err)
	require.Len(t, result.Items, 1)

	inwards := result.Items[0]["inwards"].([]any)
	require.Len(t, inwards, 1)
	item := inwards[0].(map[string]any)
	assert.Equal(t, "carl-jennifer", item["externalId"])
	assert.Equal(t, "Carl", item["startNode"].(map[string]any)["name"])
}

func TestListDirectRelations(t *testing.T) {
	executor := newTestExecutor(loadGraph(t))
	selection, err := ParseSelection("name bestFriend { name } friends { name }")
	require.NoError(t, err)

	result, err := executor.List(context.Background(), personView, selection, ListOptions{Filter: onlyJennifer})
	require.NoError(t, err)
	require.Len(t, result.Items, 1)
	assert.Empty(t, result.Diagnostics)

	row := result.Items[0]
	bestFriend := row["bestFriend"].(map[string]any)
	assert.Equal(t, "Brenda", bestFriend["name"])

	friends := row["friends"].([]any)
	require.Len(t, friends, 2)
	assert.Equal(t, "Brenda", friends[0].(map[string]any)["name"])
	assert.Equal(t, "Carl", friends[1].(map[string]any)["name"])
}

func TestListReverseRelations(t *testing.T) {
	executor := newTestExecutor(loadGraph(t))
	selection, err := ParseSelection("name admirers { name } fanOf { name }")
	require.NoError(t, err)

	result, err := executor.List(context.Background(), personView, selection, ListOptions{
		Filter: domain.Equals{Property: domain.NodeExternalIDProperty, Value: "brenda"},
	})
	require.NoError(t, err)
	require.Len(t, result.Items, 1)

	admirers := result.Items[0]["admirers"].([]any)
	require.Len(t, admirers, 2)
	assert.Equal(t, "Jennifer", admirers[0].(map[string]any)["name"])
	assert.Equal(t, "Carl", admirers[1].(map[string]any)["name"])
	assert.NotContains(t, admirers[0], "bestFriend", "unselected back references stay out of nested rows")

	fans := result.Items[0]["fanOf"].([]any)
	assert.Len(t, fans, 2)
}

func TestListReverseListRelationDuplicatesWithoutAliasing(t *testing.T) {
	executor := newTestExecutor(loadGraph(t))
	selection, err := ParseSelection("name fanOf { name }")
	require.NoError(t, err)

	result, err := executor.List(context.Background(), personView, selection, ListOptions{Limit: Unlimited})
	require.NoError(t, err)

	rows := make(map[string]map[string]any)
	for _, row := range result.Items {
		rows[row["externalId"].(string)] = row
	}
	brendaFans := rows["brenda"]["fanOf"].([]any)
	carlFans := rows["carl"]["fanOf"].([]any)
	require.Len(t, brendaFans, 2)
	require.Len(t, carlFans, 1)

	jenniferForCarl := carlFans[0].(map[string]any)
	jenniferForCarl["name"] = "changed"
	assert.Equal(t, "Jennifer", brendaFans[0].(map[string]any)["name"])
}

func TestListSharedTargetsAreNotAliased(t *testing.T) {
	store := loadGraph(t)
	require.NoError(t, store.ApplyInstances(context.Background(), []domain.Record{edge("carl-brenda", "carl", "brenda")}))
	executor := newTestExecutor(store)

	result, err := executor.List(context.Background(), personView, mustParse(t, "name bestFriend { name }"), ListOptions{Limit: Unlimited})
	require.NoError(t, err)
	rows := make(map[string]map[string]any)
	for _, row := range result.Items {
		rows[row["externalId"].(string)] = row
	}
	rows["jennifer"]["bestFriend"].(map[string]any)["name"] = "changed"
	assert.Equal(t, "Brenda", rows["carl"]["bestFriend"].(map[string]any)["name"])

	result, err = executor.List(context.Background(), personView, mustParse(t, "name outwards { name }"), ListOptions{
		Limit:      Unlimited,
		EdgePolicy: EdgesSkip,
	})
	require.NoError(t, err)
	rows = make(map[string]map[string]any)
	for _, row := range result.Items {
		rows[row["externalId"].(string)] = row
	}
	jenniferOut := rows["jennifer"]["outwards"].([]any)
	require.Len(t, jenniferOut, 1)
	jenniferOut[0].(map[string]any)["name"] = "changed"

	var carlSeesBrenda bool
	for _, item := range rows["carl"]["outwards"].([]any) {
		target := item.(map[string]any)
		if target["externalId"] == "brenda" {
			carlSeesBrenda = true
			assert.Equal(t, "Brenda", target["name"])
		}
	}
	assert.True(t, carlSeesBrenda)
}

func mustParse(t *testing.T, text string) []SelectedProperty {
	t.Helper()
	selection, err := ParseSelection(text)
	require.NoError(t, err)
	return selection
}

func TestListMissingReferenceProducesDiagnostic(t *testing.T) {
	store := loadGraph(t)
	require.NoError(t, store.ApplyInstances(context.Background(), []domain.Record{
		node("dora", map[string]any{"name": "Dora", "bestFriend": id("ghost").Dump()}),
	}))
	executor := newTestExecutor(store)
	selection, err := ParseSelection("name bestFriend { name }")
	require.NoError(t, err)

	result, err := executor.List(context.Background(), personView, selection, ListOptions{
		Filter: domain.Equals{Property: domain.NodeExternalIDProperty, Value: "dora"},
	})
	require.NoError(t, err)
	require.Len(t, result.Items, 1)
	assert.Equal(t, map[string]any{"space": "test_space", "externalId": "ghost"}, result.Items[0]["bestFriend"])
	require.Len(t, result.Diagnostics, 1)
	assert.Equal(t, id("ghost"), result.Diagnostics[0].Reference)
	assert.Equal(t, id("dora"), result.Diagnostics[0].Source)
}

func TestListFlatPagination(t *testing.T) {
	store := newPagedStore(23)
	executor := newTestExecutor(store, WithPageSize(5))

	all, err := executor.List(context.Background(), personView, nil, ListOptions{Limit: Unlimited})
	require.NoError(t, err)
	require.Len(t, all.Items, 23)
	for i, row := range all.Items {
		assert.Equal(t, i, row["age"], "rows keep store order")
	}
	assert.Empty(t, all.Cursors)
	assert.Equal(t, 5, store.calls)

	store.calls = 0
	first, err := executor.List(context.Background(), personView, nil, ListOptions{Limit: 7})
	require.NoError(t, err)
	assert.Equal(t, []string{"p0", "p1", "p2", "p3", "p4", "p5", "p6"}, externalIDs(first.Items))
	assert.Equal(t, 2, store.calls)
	require.NotEmpty(t, first.Cursors[domain.InstanceKindNode])

	rest, err := executor.List(context.Background(), personView, nil, ListOptions{
		Limit:   Unlimited,
		Cursors: first.Cursors,
	})
	require.NoError(t, err)
	require.Len(t, rest.Items, 16)
	assert.Equal(t, "p7", rest.Items[0]["externalId"])
}

func TestListFlatResumesDualKindViews(t *testing.T) {
	ctx := context.Background()
	store := loadGraph(t)
	box := &domain.Edge{
		InstanceID: id("box"),
		Type:       domain.NewInstanceID("test_space", "holds"),
		StartNode:  id("crate"),
		EndNode:    id("crate"),
		Properties: domain.PropertyBag{},
	}
	box.Properties.Set(thingView, "weight", 1.5)
	require.NoError(t, store.ApplyInstances(ctx, []domain.Record{box}))
	executor := newTestExecutor(store, WithPageSize(1))

	first, err := executor.List(ctx, thingView, nil, ListOptions{Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"crate", "pallet"}, externalIDs(first.Items))
	assert.NotContains(t, first.Cursors, domain.InstanceKindNode, "nodes are exhausted")
	require.NotEmpty(t, first.Cursors[domain.InstanceKindEdge])

	rest, err := executor.List(ctx, thingView, nil, ListOptions{Limit: Unlimited, Cursors: first.Cursors})
	require.NoError(t, err)
	assert.Equal(t, []string{"box"}, externalIDs(rest.Items))
	assert.Empty(t, rest.Cursors)

	nodesOnly, err := executor.List(ctx, thingView, nil, ListOptions{Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, []string{"crate"}, externalIDs(nodesOnly.Items))
	assert.Equal(t, map[domain.InstanceKind]string{domain.InstanceKindEdge: CursorNotStarted}, nodesOnly.Cursors)

	edges, err := executor.List(ctx, thingView, nil, ListOptions{Limit: Unlimited, Cursors: nodesOnly.Cursors})
	require.NoError(t, err)
	assert.Equal(t, []string{"pallet", "box"}, externalIDs(edges.Items))
	assert.Empty(t, edges.Cursors)
}

func TestListDefaultLimit(t *testing.T) {
	executor := newTestExecutor(newPagedStore(40))
	result, err := executor.List(context.Background(), personView, nil, ListOptions{})
	require.NoError(t, err)
	assert.Len(t, result.Items, DefaultLimit)
}

func TestListStoreErrorAborts(t *testing.T) {
	store := newPagedStore(3)
	store.err = errors.New("store unavailable")
	executor := newTestExecutor(store)

	_, err := executor.List(context.Background(), personView, SelectProperties("age"), ListOptions{})
	require.ErrorIs(t, err, store.err)
}

func TestListNestedRejectedOnEdgeView(t *testing.T) {
	store := &recordingStore{InstanceStore: loadGraph(t)}
	executor := newTestExecutor(store)
	selection := []SelectedProperty{{Name: "since", Properties: SelectProperties("name")}}

	_, err := executor.List(context.Background(), knowsView, selection, ListOptions{})
	require.ErrorIs(t, err, ErrInvalidRequest)
	assert.Empty(t, store.lists, "no store call is made")
}

func TestListUnknownView(t *testing.T) {
	executor := newTestExecutor(loadGraph(t))
	_, err := executor.List(context.Background(), domain.ViewReference{Space: "x", ExternalID: "y", Version: "1"}, nil, ListOptions{})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestListDualKindFlat(t *testing.T) {
	executor := newTestExecutor(loadGraph(t))
	result, err := executor.List(context.Background(), thingView, SelectProperties("weight"), ListOptions{Limit: Unlimited})
	require.NoError(t, err)
	assert.Equal(t, []string{"crate", "pallet"}, externalIDs(result.Items))
}

func TestListNullFilterRewrite(t *testing.T) {
	store := &recordingStore{InstanceStore: loadGraph(t)}
	executor := newTestExecutor(store)
	bestFriend := personView.PropertyPath("bestFriend")

	result, err := executor.List(context.Background(), personView, SelectProperties("name"), ListOptions{
		Filter: domain.Equals{Property: bestFriend, Value: nil},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"brenda"}, externalIDs(result.Items))
	require.NotEmpty(t, store.lists)
	assert.Equal(t, domain.Not{Filter: domain.Exists{Property: bestFriend}}, store.lists[0].Filter)
}

func TestSearchNestedKeepsHitOrder(t *testing.T) {
	executor := newTestExecutor(loadGraph(t))
	selection, err := ParseSelection("name bestFriend { name }")
	require.NoError(t, err)

	result, err := executor.Search(context.Background(), personView, selection, SearchOptions{
		SearchProperties: []string{"name"},
		Sort: []domain.InstanceSort{{
			Property:  personView.PropertyPath("age"),
			Direction: domain.SortDirectionDesc,
		}},
		Limit: 10,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"carl", "jennifer", "brenda"}, externalIDs(result.Items))
	assert.Equal(t, "Brenda", result.Items[0]["bestFriend"].(map[string]any)["name"])
}

func TestSearchText(t *testing.T) {
	executor := newTestExecutor(loadGraph(t))
	result, err := executor.Search(context.Background(), personView, SelectProperties("name"), SearchOptions{Query: "bren"})
	require.NoError(t, err)
	assert.Equal(t, []string{"brenda"}, externalIDs(result.Items))
}

func TestSearchNestedRejectedOnEdgeView(t *testing.T) {
	store := &recordingStore{InstanceStore: loadGraph(t)}
	executor := newTestExecutor(store)
	selection := []SelectedProperty{{Name: "since", Properties: SelectProperties("name")}}

	_, err := executor.Search(context.Background(), knowsView, selection, SearchOptions{})
	require.ErrorIs(t, err, ErrInvalidRequest)
	assert.Empty(t, store.searches)
}

func TestSearchDualKind(t *testing.T) {
	store := &recordingStore{InstanceStore: loadGraph(t)}
	executor := newTestExecutor(store)
	result, err := executor.Search(context.Background(), thingView, nil, SearchOptions{})
	require.NoError(t, err)
	assert.Len(t, result.Items, 2)
	require.Len(t, store.searches, 2)
	assert.Equal(t, domain.InstanceKindNode, store.searches[0].InstanceType)
	assert.Equal(t, domain.InstanceKindEdge, store.searches[1].InstanceType)
}

func TestAggregateDualKindMerge(t *testing.T) {
	executor := newTestExecutor(loadGraph(t))
	result, err := executor.Aggregate(context.Background(), thingView, AggregateOptions{
		Aggregates: []domain.Aggregation{
			{Kind: domain.AggregateCount, Property: "externalId"},
			{Kind: domain.AggregateSum, Property: "weight"},
			{Kind: domain.AggregateMin, Property: "weight"},
			{Kind: domain.AggregateMax, Property: "weight"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, AggregateValues{
		"count": {"externalId": 2.0},
		"sum":   {"weight": 10.0},
		"min":   {"weight": 2.5},
		"max":   {"weight": 7.5},
	}, result.Values)
}

func TestAggregateGrouped(t *testing.T) {
	executor := newTestExecutor(loadGraph(t))
	result, err := executor.Aggregate(context.Background(), personView, AggregateOptions{
		Aggregates: []domain.Aggregation{{Kind: domain.AggregateCount, Property: "externalId"}},
		GroupBy:    []string{"bestFriend"},
	})
	require.NoError(t, err)
	require.Len(t, result.Groups, 2)
	assert.Equal(t, 2.0, result.Groups[0].Values["count"]["externalId"])
	assert.Equal(t, 1.0, result.Groups[1].Values["count"]["externalId"])
}

func TestAggregateInvalidRequests(t *testing.T) {
	store := &recordingStore{InstanceStore: loadGraph(t)}
	executor := newTestExecutor(store)
	ctx := context.Background()

	_, err := executor.Aggregate(ctx, personView, AggregateOptions{
		Aggregates: []domain.Aggregation{{Kind: domain.AggregateCount, Property: "externalId"}},
		Histograms: []domain.Histogram{{Property: "age", Interval: 10}},
	})
	assert.ErrorIs(t, err, ErrInvalidRequest, "mixed metric and histogram")

	_, err = executor.Aggregate(ctx, thingView, AggregateOptions{
		Aggregates: []domain.Aggregation{{Kind: domain.AggregateAvg, Property: "weight"}},
	})
	assert.ErrorIs(t, err, ErrInvalidRequest, "average over two instance kinds")

	_, err = executor.Histogram(ctx, thingView, HistogramOptions{
		Histograms: []domain.Histogram{{Property: "weight", Interval: 1}},
	})
	assert.ErrorIs(t, err, ErrInvalidRequest, "histogram over two instance kinds")

	_, err = executor.Aggregate(ctx, personView, AggregateOptions{})
	assert.ErrorIs(t, err, ErrInvalidRequest, "nothing requested")

	assert.Empty(t, store.aggregates)
	assert.Empty(t, store.histograms)
}

func TestAggregateNullFilterRewrite(t *testing.T) {
	store := &recordingStore{InstanceStore: loadGraph(t)}
	executor := newTestExecutor(store)
	bestFriend := personView.PropertyPath("bestFriend")

	result, err := executor.Aggregate(context.Background(), personView, AggregateOptions{
		Aggregates: []domain.Aggregation{{Kind: domain.AggregateCount, Property: "externalId"}},
		Filter: domain.And{Filters: []domain.Filter{
			domain.Equals{Property: bestFriend, Value: nil},
			domain.Or{Filters: []domain.Filter{domain.And{}}},
		}},
	})
	require.NoError(t, err)
	assert.Equal(t, 1.0, result.Values["count"]["externalId"])
	require.Len(t, store.aggregates, 1)
	assert.Equal(t, domain.And{Filters: []domain.Filter{
		domain.Not{Filter: domain.Exists{Property: bestFriend}},
	}}, store.aggregates[0].Filter)
}

func TestAggregateHistogramMode(t *testing.T) {
	executor := newTestExecutor(loadGraph(t))
	result, err := executor.Aggregate(context.Background(), personView, AggregateOptions{
		Histograms: []domain.Histogram{{Property: "age", Interval: 10}},
	})
	require.NoError(t, err)
	require.Len(t, result.Histograms, 1)
	assert.Equal(t, []domain.HistogramBucket{
		{Start: 20, Count: 1},
		{Start: 30, Count: 1},
		{Start: 40, Count: 1},
	}, result.Histograms[0].Buckets)
}
