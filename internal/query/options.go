package query

import (
	"log/slog"

	"github.com/rpattn/dmquery/internal/metrics"
)

const (
	// DefaultPageSize is the number of records requested per store call.
	DefaultPageSize = 1000
	// DefaultChunkSize is the number of identities sent in one narrowing filter.
	DefaultChunkSize = 1000
)

type settings struct {
	pageSize  int
	chunkSize int
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

// Option configures builders and executors.
type Option func(*settings)

func WithPageSize(n int) Option {
	return func(s *settings) {
		if n > 0 {
			s.pageSize = n
		}
	}
}

func WithChunkSize(n int) Option {
	return func(s *settings) {
		if n > 0 {
			s.chunkSize = n
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *settings) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *settings) {
		s.metrics = m
	}
}

func newSettings(opts []Option) settings {
	s := settings{
		pageSize:  DefaultPageSize,
		chunkSize: DefaultChunkSize,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(&s)
	}
	return s
}
