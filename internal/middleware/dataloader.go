package middleware

import (
	"context"
	"net/http"

	"github.com/rpattn/dmquery/internal/repository"
	"github.com/rpattn/dmquery/internal/viewloader"
)

type ctxKey string

const viewLoaderKey ctxKey = "viewLoader"

// DataLoaderMiddleware attaches a fresh view loader to the request context
func DataLoaderMiddleware(store repository.InstanceStore) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			loader := viewloader.NewViewLoader(store)
			ctx := context.WithValue(r.Context(), viewLoaderKey, loader)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ViewLoaderFromContext retrieves the view loader from context
func ViewLoaderFromContext(ctx context.Context) *viewloader.ViewLoader {
	if l, ok := ctx.Value(viewLoaderKey).(*viewloader.ViewLoader); ok {
		return l
	}
	return nil
}
