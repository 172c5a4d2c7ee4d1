package query

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rpattn/dmquery/internal/domain"
)

func buildSteps(t *testing.T, store *recordingStore, text string, opts RootOptions, builderOpts ...Option) *StepExecutor {
	t.Helper()
	views := NewStoreViewResolver(store)
	view, err := views.View(context.Background(), personView)
	require.NoError(t, err)
	selection, err := ParseSelection(text)
	require.NoError(t, err)

	builder := NewQueryBuilder(append([]Option{WithLogger(quietLogger())}, builderOpts...)...)
	require.NoError(t, NewStepFactory(builder, views, nil).Build(context.Background(), view, selection, opts))
	return builder.Build()
}

func TestStepExecutorNarrowsChildSteps(t *testing.T) {
	store := &recordingStore{InstanceStore: loadGraph(t)}
	executor := buildSteps(t, store, "name outwards { name }", RootOptions{Filter: onlyJennifer, Limit: Unlimited})

	steps, err := executor.Execute(context.Background(), store, false)
	require.NoError(t, err)
	require.Len(t, steps, 3)
	require.Len(t, store.lists, 3)

	edgeFilter, ok := store.lists[1].Filter.(domain.And)
	require.True(t, ok)
	assert.Contains(t, edgeFilter.Filters, domain.Filter(domain.Equals{Property: domain.EdgeTypeProperty, Value: outwardsID}))
	assert.Contains(t, edgeFilter.Filters, domain.Filter(domain.In{
		Property: domain.EdgeStartNodeProperty,
		Values:   []any{id("jennifer")},
	}))
	assert.Equal(t, domain.InstanceKindEdge, store.lists[1].InstanceType)
	assert.Empty(t, store.lists[1].Sources)

	assert.Equal(t, domain.In{Property: domain.NodeIDProperty, Values: []any{id("brenda")}}, store.lists[2].Filter)
	assert.Equal(t, []domain.ViewReference{personView}, store.lists[2].Sources)
	assert.Equal(t, []domain.InstanceID{id("brenda")}, recordIDs(steps[2].Results))
}

func TestStepExecutorChunksIdentities(t *testing.T) {
	store := &recordingStore{InstanceStore: loadGraph(t)}
	executor := buildSteps(t, store, "name outwards { externalId }", RootOptions{Limit: Unlimited}, WithChunkSize(2))

	steps, err := executor.Execute(context.Background(), store, true)
	require.NoError(t, err)

	var edgeCalls []domain.ListRequest
	for _, req := range store.lists {
		if req.InstanceType == domain.InstanceKindEdge {
			edgeCalls = append(edgeCalls, req)
		}
	}
	require.Len(t, edgeCalls, 2, "three parents in chunks of two")
	assert.Len(t, steps[1].Results, 2)
	assert.Equal(t, map[string]int{"0": 0, "0_0": 0}, executor.Removed())
}

func TestStepExecutorSkipsChildrenOfEmptyParents(t *testing.T) {
	store := &recordingStore{InstanceStore: loadGraph(t)}
	executor := buildSteps(t, store, "name outwards { name }", RootOptions{
		Filter: domain.Equals{Property: domain.NodeExternalIDProperty, Value: "nobody"},
		Limit:  Unlimited,
	})

	steps, err := executor.Execute(context.Background(), store, true)
	require.NoError(t, err)
	assert.Len(t, store.lists, 1)
	for _, step := range steps {
		assert.Empty(t, step.Results)
	}
}

func TestStepExecutorChildLimit(t *testing.T) {
	store := &recordingStore{InstanceStore: loadGraph(t)}
	executor := buildSteps(t, store, "name fanOf(limit: 1) { name }", RootOptions{Limit: Unlimited})

	steps, err := executor.Execute(context.Background(), store, false)
	require.NoError(t, err)
	assert.Len(t, steps[1].Results, 1)
}

func TestStepExecutorHonoursCancellation(t *testing.T) {
	store := &recordingStore{InstanceStore: loadGraph(t)}
	executor := buildSteps(t, store, "name outwards { name }", RootOptions{Limit: Unlimited})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := executor.Execute(ctx, store, true)
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, store.lists)
}

func TestStepExecutorRejectsOutOfOrderSteps(t *testing.T) {
	executor := &StepExecutor{
		steps: []*Step{
			{Name: "0_0", From: "0", Kind: domain.InstanceKindEdge},
			{Name: "0", Kind: domain.InstanceKindNode},
		},
		pageSize:  DefaultPageSize,
		chunkSize: DefaultChunkSize,
		logger:    quietLogger(),
	}
	_, err := executor.Execute(context.Background(), newPagedStore(1), false)
	require.ErrorIs(t, err, ErrInconsistentState)
}
