package viewloader

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rpattn/dmquery/internal/domain"
	"github.com/rpattn/dmquery/internal/query"
	"github.com/rpattn/dmquery/internal/repository"
)

var (
	pumpView  = domain.ViewReference{Space: "plant", ExternalID: "Pump", Version: "1"}
	valveView = domain.ViewReference{Space: "plant", ExternalID: "Valve", Version: "2"}
)

type countingStore struct {
	repository.InstanceStore
	mu      sync.Mutex
	batches [][]domain.ViewReference
	err     error
}

func (s *countingStore) RetrieveViews(_ context.Context, ids []domain.ViewReference) ([]domain.View, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, append([]domain.ViewReference(nil), ids...))
	if s.err != nil {
		return nil, s.err
	}
	var views []domain.View
	for _, id := range ids {
		if id == pumpView || id == valveView {
			views = append(views, domain.View{Ref: id, UsedFor: domain.UsedForNode})
		}
	}
	return views, nil
}

func TestViewLoaderBatchesAndCaches(t *testing.T) {
	store := &countingStore{}
	loader := NewViewLoader(store)

	views, err := loader.Views(context.Background(), []domain.ViewReference{valveView, pumpView})
	require.NoError(t, err)
	require.Len(t, views, 2)
	assert.Equal(t, valveView, views[0].Ref)
	assert.Equal(t, pumpView, views[1].Ref)

	view, err := loader.View(context.Background(), pumpView)
	require.NoError(t, err)
	assert.Equal(t, pumpView, view.Ref)
	assert.Len(t, store.batches, 1, "second lookup is served from the cache")
}

func TestViewLoaderMissingView(t *testing.T) {
	loader := NewViewLoader(&countingStore{})
	_, err := loader.View(context.Background(), domain.ViewReference{Space: "plant", ExternalID: "Ghost", Version: "1"})
	require.ErrorIs(t, err, query.ErrNotFound)
}

func TestViewLoaderStoreError(t *testing.T) {
	loader := NewViewLoader(&countingStore{err: errors.New("store down")})
	_, err := loader.View(context.Background(), pumpView)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store down")
}
