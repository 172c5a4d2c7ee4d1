package query

import (
	"context"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rpattn/dmquery/internal/domain"
	"github.com/rpattn/dmquery/internal/repository"
)

var (
	personView = domain.ViewReference{Space: "test_space", ExternalID: "Person", Version: "v1"}
	thingView  = domain.ViewReference{Space: "test_space", ExternalID: "Thing", Version: "v1"}
	knowsView  = domain.ViewReference{Space: "test_space", ExternalID: "Knows", Version: "v1"}
	outwardsID = domain.NewInstanceID("test_space", "outwards")
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func loadGraph(t *testing.T) *repository.MemoryStore {
	t.Helper()
	seed, err := repository.LoadSeedFile("testdata/graph.yaml")
	require.NoError(t, err)
	store := repository.NewMemoryStore(quietLogger())
	require.NoError(t, store.Load(context.Background(), seed))
	return store
}

func newTestExecutor(store repository.InstanceStore, opts ...Option) *Executor {
	opts = append([]Option{WithLogger(quietLogger())}, opts...)
	return NewExecutor(store, nil, opts...)
}

func id(externalID string) domain.InstanceID {
	return domain.NewInstanceID("test_space", externalID)
}

func node(externalID string, props map[string]any) *domain.Node {
	bag := domain.PropertyBag{}
	for name, value := range props {
		bag.Set(personView, name, value)
	}
	return &domain.Node{InstanceID: id(externalID), Properties: bag}
}

func edge(externalID, start, end string) *domain.Edge {
	return &domain.Edge{
		InstanceID: id(externalID),
		Type:       outwardsID,
		StartNode:  id(start),
		EndNode:    id(end),
	}
}

func externalIDs(rows []map[string]any) []string {
	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row["externalId"].(string))
	}
	return ids
}

// recordingStore wraps a store and keeps every request it sees.
type recordingStore struct {
	repository.InstanceStore

	mu         sync.Mutex
	lists      []domain.ListRequest
	searches   []domain.SearchRequest
	aggregates []domain.AggregateRequest
	histograms []domain.HistogramRequest
}

func (s *recordingStore) ListInstances(ctx context.Context, req domain.ListRequest) (domain.InstancePage, error) {
	s.mu.Lock()
	s.lists = append(s.lists, req)
	s.mu.Unlock()
	return s.InstanceStore.ListInstances(ctx, req)
}

func (s *recordingStore) SearchInstances(ctx context.Context, req domain.SearchRequest) ([]domain.Record, error) {
	s.mu.Lock()
	s.searches = append(s.searches, req)
	s.mu.Unlock()
	return s.InstanceStore.SearchInstances(ctx, req)
}

func (s *recordingStore) AggregateInstances(ctx context.Context, req domain.AggregateRequest) (domain.AggregateResponse, error) {
	s.mu.Lock()
	s.aggregates = append(s.aggregates, req)
	s.mu.Unlock()
	return s.InstanceStore.AggregateInstances(ctx, req)
}

func (s *recordingStore) HistogramInstances(ctx context.Context, req domain.HistogramRequest) ([]domain.HistogramValue, error) {
	s.mu.Lock()
	s.histograms = append(s.histograms, req)
	s.mu.Unlock()
	return s.InstanceStore.HistogramInstances(ctx, req)
}

// pagedStore serves a fixed list of nodes with offset cursors.
type pagedStore struct {
	view  domain.View
	nodes []domain.Record
	calls int
	err   error
}

func newPagedStore(n int) *pagedStore {
	store := &pagedStore{view: domain.View{Ref: personView, UsedFor: domain.UsedForNode}}
	for i := 0; i < n; i++ {
		store.nodes = append(store.nodes, node("p"+strconv.Itoa(i), map[string]any{"age": i}))
	}
	return store
}

func (s *pagedStore) ListInstances(_ context.Context, req domain.ListRequest) (domain.InstancePage, error) {
	s.calls++
	if s.err != nil {
		return domain.InstancePage{}, s.err
	}
	offset := 0
	if req.Cursor != "" {
		offset, _ = strconv.Atoi(req.Cursor)
	}
	end := offset + req.Limit
	if end > len(s.nodes) {
		end = len(s.nodes)
	}
	page := domain.InstancePage{Items: s.nodes[offset:end]}
	if end < len(s.nodes) {
		page.NextCursor = strconv.Itoa(end)
	}
	return page, nil
}

func (s *pagedStore) SearchInstances(context.Context, domain.SearchRequest) ([]domain.Record, error) {
	return nil, nil
}

func (s *pagedStore) AggregateInstances(context.Context, domain.AggregateRequest) (domain.AggregateResponse, error) {
	return domain.AggregateResponse{}, nil
}

func (s *pagedStore) HistogramInstances(context.Context, domain.HistogramRequest) ([]domain.HistogramValue, error) {
	return nil, nil
}

func (s *pagedStore) RetrieveViews(context.Context, []domain.ViewReference) ([]domain.View, error) {
	return []domain.View{s.view}, nil
}
