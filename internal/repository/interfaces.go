package repository

import (
	"context"
	"errors"

	"github.com/rpattn/dmquery/internal/domain"
)

// ErrViewNotFound is returned when a requested view does not exist in the store.
var ErrViewNotFound = errors.New("view not found")

// InstanceStore is the boundary with the graph-instance store. Implementations
// are the postgres repository, the in-memory store and the NATS client.
type InstanceStore interface {
	// ListInstances returns one page of instances. An empty NextCursor marks exhaustion.
	ListInstances(ctx context.Context, req domain.ListRequest) (domain.InstancePage, error)
	SearchInstances(ctx context.Context, req domain.SearchRequest) ([]domain.Record, error)
	AggregateInstances(ctx context.Context, req domain.AggregateRequest) (domain.AggregateResponse, error)
	HistogramInstances(ctx context.Context, req domain.HistogramRequest) ([]domain.HistogramValue, error)
	// RetrieveViews returns the views that exist, in no particular order.
	RetrieveViews(ctx context.Context, ids []domain.ViewReference) ([]domain.View, error)
}

// InstanceWriter loads instances and views into a store. It is used by seeding
// and tests; the query engine itself never writes.
type InstanceWriter interface {
	ApplyViews(ctx context.Context, views []domain.View) error
	ApplyInstances(ctx context.Context, records []domain.Record) error
}
