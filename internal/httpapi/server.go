package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/rpattn/dmquery/internal/domain"
	"github.com/rpattn/dmquery/internal/middleware"
	"github.com/rpattn/dmquery/internal/query"
	"github.com/rpattn/dmquery/internal/repository"
)

// maxBodyBytes bounds JSON request bodies.
const maxBodyBytes = 4 << 20

// Server serves the query engine as a JSON API.
type Server struct {
	store      repository.InstanceStore
	opts       []query.Option
	edgePolicy query.EdgePolicy
	ingest     http.Handler
	logger     *slog.Logger
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithQueryOptions passes options to every executor the server creates.
func WithQueryOptions(opts ...query.Option) ServerOption {
	return func(s *Server) {
		s.opts = append(s.opts, opts...)
	}
}

// WithEdgePolicy sets the edge policy used when a request does not name one.
func WithEdgePolicy(policy query.EdgePolicy) ServerOption {
	return func(s *Server) {
		s.edgePolicy = policy
	}
}

// WithIngestHandler mounts a file ingestion handler at POST /v1/ingest.
func WithIngestHandler(h http.Handler) ServerOption {
	return func(s *Server) {
		s.ingest = h
	}
}

// NewServer creates a server over store.
func NewServer(store repository.InstanceStore, logger *slog.Logger, opts ...ServerOption) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{store: store, edgePolicy: query.EdgesSkip, logger: logger}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Routes returns the API mux. Every request gets its own view loader.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.HandleFunc("GET /v1/views", s.handleView)
	mux.HandleFunc("POST /v1/list", s.handleList)
	mux.HandleFunc("POST /v1/search", s.handleSearch)
	mux.HandleFunc("POST /v1/aggregate", s.handleAggregate)
	mux.HandleFunc("POST /v1/histogram", s.handleHistogram)
	mux.HandleFunc("POST /v1/export", s.handleExport)
	if s.ingest != nil {
		mux.Handle("POST /v1/ingest", s.ingest)
	}
	return middleware.DataLoaderMiddleware(s.store)(mux)
}

func (s *Server) executor(r *http.Request) *query.Executor {
	opts := append([]query.Option{query.WithLogger(s.logger)}, s.opts...)
	if loader := middleware.ViewLoaderFromContext(r.Context()); loader != nil {
		return query.NewExecutor(s.store, loader, opts...)
	}
	return query.NewExecutor(s.store, nil, opts...)
}

func (s *Server) handleView(w http.ResponseWriter, r *http.Request) {
	ref, err := domain.ParseViewReference(r.URL.Query().Get("ref"))
	if err != nil {
		s.writeError(w, r, badRequest(err))
		return
	}
	var view domain.View
	if loader := middleware.ViewLoaderFromContext(r.Context()); loader != nil {
		view, err = loader.View(r.Context(), ref)
	} else {
		view, err = query.NewStoreViewResolver(s.store).View(r.Context(), ref)
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	var body listBody
	if err := decodeBody(w, r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	req, err := body.parse(s.edgePolicy)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	result, err := s.executor(r).List(r.Context(), req.view, req.selection, req.list)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var body listBody
	if err := decodeBody(w, r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	req, err := body.parse(s.edgePolicy)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	result, err := s.executor(r).Search(r.Context(), req.view, req.selection, req.search)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleAggregate(w http.ResponseWriter, r *http.Request) {
	var body aggregateBody
	if err := decodeBody(w, r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	view, filter, err := body.parse()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	result, err := s.executor(r).Aggregate(r.Context(), view, query.AggregateOptions{
		Aggregates:       body.Aggregates,
		Histograms:       body.Histograms,
		GroupBy:          body.GroupBy,
		Filter:           filter,
		Query:            body.Query,
		SearchProperties: body.Properties,
		Limit:            body.Limit,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleHistogram(w http.ResponseWriter, r *http.Request) {
	var body aggregateBody
	if err := decodeBody(w, r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	view, filter, err := body.parse()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	histograms, err := s.executor(r).Histogram(r.Context(), view, query.HistogramOptions{
		Histograms:       body.Histograms,
		Filter:           filter,
		Query:            body.Query,
		SearchProperties: body.Properties,
		Limit:            body.Limit,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"histograms": histograms})
}

// requestError marks client mistakes found while decoding a request.
type requestError struct {
	err error
}

func (e requestError) Error() string { return e.err.Error() }
func (e requestError) Unwrap() error { return e.err }

func badRequest(err error) error {
	return requestError{err: err}
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := decoder.Decode(dst); err != nil {
		return badRequest(fmt.Errorf("invalid request body: %w", err))
	}
	return nil
}

func statusFor(err error) int {
	var reqErr requestError
	switch {
	case errors.As(err, &reqErr), errors.Is(err, query.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, query.ErrNotFound), errors.Is(err, repository.ErrViewNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed",
			slog.String("path", r.URL.Path),
			slog.String("request_id", middleware.RequestIDFromContext(r.Context())),
			slog.Any("error", err))
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
