package viewloader

import (
	"context"
	"fmt"
	"time"

	"github.com/graph-gophers/dataloader"

	"github.com/rpattn/dmquery/internal/domain"
	"github.com/rpattn/dmquery/internal/query"
	"github.com/rpattn/dmquery/internal/repository"
)

// ViewLoader batches and caches view lookups. Create one per request so view
// changes are picked up between requests.
type ViewLoader struct {
	Loader *dataloader.Loader
}

var _ query.ViewResolver = (*ViewLoader)(nil)

func NewViewLoader(store repository.InstanceStore) *ViewLoader {
	batchFn := func(ctx context.Context, keys dataloader.Keys) []*dataloader.Result {
		refs := make([]domain.ViewReference, len(keys))
		for i, k := range keys {
			ref, err := domain.ParseViewReference(k.String())
			if err != nil {
				return failAll(len(keys), fmt.Errorf("invalid view key: %w", err))
			}
			refs[i] = ref
		}

		views, err := store.RetrieveViews(ctx, refs)
		if err != nil {
			return failAll(len(keys), fmt.Errorf("retrieve views: %w", err))
		}

		byRef := make(map[domain.ViewReference]domain.View, len(views))
		for _, view := range views {
			byRef[view.Ref] = view
		}

		// Results must line up with keys.
		results := make([]*dataloader.Result, len(keys))
		for i, ref := range refs {
			if view, ok := byRef[ref]; ok {
				results[i] = &dataloader.Result{Data: view}
			} else {
				results[i] = &dataloader.Result{Error: fmt.Errorf("view %s: %w", ref, query.ErrNotFound)}
			}
		}
		return results
	}

	loader := dataloader.NewBatchedLoader(batchFn, dataloader.WithWait(2*time.Millisecond))
	return &ViewLoader{Loader: loader}
}

// View resolves one view through the batch.
func (l *ViewLoader) View(ctx context.Context, ref domain.ViewReference) (domain.View, error) {
	data, err := l.Loader.Load(ctx, dataloader.StringKey(ref.String()))()
	if err != nil {
		return domain.View{}, err
	}
	view, ok := data.(domain.View)
	if !ok {
		return domain.View{}, fmt.Errorf("view %s: unexpected loader value %T", ref, data)
	}
	return view, nil
}

// Views resolves several views in one batch, in input order.
func (l *ViewLoader) Views(ctx context.Context, refs []domain.ViewReference) ([]domain.View, error) {
	keys := make(dataloader.Keys, len(refs))
	for i, ref := range refs {
		keys[i] = dataloader.StringKey(ref.String())
	}
	data, errs := l.Loader.LoadMany(ctx, keys)()
	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	views := make([]domain.View, 0, len(data))
	for i, item := range data {
		view, ok := item.(domain.View)
		if !ok {
			return nil, fmt.Errorf("view %s: unexpected loader value %T", refs[i], item)
		}
		views = append(views, view)
	}
	return views, nil
}

func failAll(n int, err error) []*dataloader.Result {
	results := make([]*dataloader.Result, n)
	for i := range results {
		results[i] = &dataloader.Result{Error: err}
	}
	return results
}
