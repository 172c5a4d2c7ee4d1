package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/nats-io/nats.go"

	"github.com/rpattn/dmquery/internal/config"
	"github.com/rpattn/dmquery/internal/db"
	"github.com/rpattn/dmquery/internal/domain"
	"github.com/rpattn/dmquery/internal/metrics"
	"github.com/rpattn/dmquery/internal/query"
	"github.com/rpattn/dmquery/internal/repository"
)

// app holds the wired dependencies of one command invocation.
type app struct {
	cfg     config.Config
	logger  *slog.Logger
	metrics *metrics.Metrics
	store   repository.InstanceStore
	// writer is nil for read-only backends.
	writer repository.InstanceWriter

	closers []func()
}

func loadConfig(flags *globalFlags) (config.Config, error) {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return config.Config{}, err
	}
	if flags.backend != "" {
		cfg.Store.Backend = flags.backend
	}
	if flags.seedFile != "" {
		cfg.Store.SeedFile = flags.seedFile
	}
	if flags.logLevel != "" {
		cfg.Log.Level = flags.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func newApp(ctx context.Context, flags *globalFlags) (*app, error) {
	cfg, err := loadConfig(flags)
	if err != nil {
		return nil, err
	}
	a := &app{
		cfg:     cfg,
		logger:  cfg.Log.NewLogger(os.Stderr),
		metrics: metrics.New(),
	}
	slog.SetDefault(a.logger)

	if err := a.openStore(ctx); err != nil {
		a.Close()
		return nil, err
	}
	if cfg.Store.SeedFile != "" {
		if err := a.seed(ctx, cfg.Store.SeedFile); err != nil {
			a.Close()
			return nil, err
		}
	}
	return a, nil
}

func (a *app) openStore(ctx context.Context) error {
	switch a.cfg.Store.Backend {
	case config.BackendMemory:
		store := repository.NewMemoryStore(a.logger)
		a.store, a.writer = store, store
	case config.BackendPostgres:
		conn, err := db.NewConnection(ctx, a.cfg.Database, a.logger)
		if err != nil {
			return fmt.Errorf("connect to database: %w", err)
		}
		a.closers = append(a.closers, conn.Close)
		store := repository.NewInstanceRepository(conn.Pool, conn, a.logger)
		a.store, a.writer = store, store
	case config.BackendNATS:
		nc, err := a.connectNATS()
		if err != nil {
			return err
		}
		a.store = repository.NewNATSStore(nc, a.cfg.NATS.Prefix, a.logger)
	default:
		return fmt.Errorf("unknown store backend %q", a.cfg.Store.Backend)
	}
	a.logger.Info("store ready", slog.String("backend", a.cfg.Store.Backend))
	return nil
}

func (a *app) connectNATS() (*nats.Conn, error) {
	nc, err := nats.Connect(a.cfg.NATS.URL,
		nats.Name(appName),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				a.logger.Warn("nats disconnected", slog.Any("error", err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			a.logger.Info("nats reconnected", slog.String("url", nc.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats at %s: %w", a.cfg.NATS.URL, err)
	}
	a.closers = append(a.closers, nc.Close)
	return nc, nil
}

func (a *app) seed(ctx context.Context, path string) error {
	if a.writer == nil {
		return fmt.Errorf("store backend %q does not accept seed data", a.cfg.Store.Backend)
	}
	seed, err := repository.LoadSeedFile(path)
	if err != nil {
		return err
	}
	if err := a.writer.ApplyViews(ctx, seed.Views); err != nil {
		return fmt.Errorf("apply seed views: %w", err)
	}
	records := make([]domain.Record, 0, len(seed.Nodes)+len(seed.Edges))
	for _, node := range seed.Nodes {
		records = append(records, node)
	}
	for _, edge := range seed.Edges {
		records = append(records, edge)
	}
	if err := a.writer.ApplyInstances(ctx, records); err != nil {
		return fmt.Errorf("apply seed instances: %w", err)
	}
	a.logger.Info("seed loaded",
		slog.String("file", path),
		slog.Int("views", len(seed.Views)),
		slog.Int("instances", len(records)))
	return nil
}

func (a *app) queryOptions() []query.Option {
	return []query.Option{
		query.WithLogger(a.logger),
		query.WithMetrics(a.metrics),
		query.WithPageSize(a.cfg.Query.PageSize),
		query.WithChunkSize(a.cfg.Query.ChunkSize),
	}
}

func (a *app) executor() *query.Executor {
	return query.NewExecutor(a.store, nil, a.queryOptions()...)
}

// Close releases connections in reverse order of creation.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
