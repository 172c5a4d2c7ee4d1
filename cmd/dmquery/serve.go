package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/spf13/cobra"

	"github.com/rpattn/dmquery/internal/config"
	"github.com/rpattn/dmquery/internal/httpapi"
	"github.com/rpattn/dmquery/internal/ingestion"
	"github.com/rpattn/dmquery/internal/metrics"
	"github.com/rpattn/dmquery/internal/middleware"
	"github.com/rpattn/dmquery/internal/repository"
)

func serveCmd(flags *globalFlags) *cobra.Command {
	var (
		addr          string
		natsResponder bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP query API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), flags, addr, natsResponder)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address override")
	cmd.Flags().BoolVar(&natsResponder, "nats-responder", false, "Also serve the store to NATS clients")
	return cmd
}

func runServe(ctx context.Context, flags *globalFlags, addr string, natsResponder bool) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, flags)
	if err != nil {
		return err
	}
	defer a.Close()
	logger := a.logger
	if addr == "" {
		addr = a.cfg.Server.Addr
	}

	if natsResponder || a.cfg.NATS.Responder {
		if a.cfg.Store.Backend == config.BackendNATS {
			return errors.New("nats responder needs a local store backend")
		}
		nc, err := a.connectNATS()
		if err != nil {
			return err
		}
		responder := repository.NewNATSResponder(a.store, a.cfg.NATS.Prefix, logger)
		if err := responder.Subscribe(nc, a.cfg.NATS.Queue); err != nil {
			return err
		}
		defer func() {
			if err := responder.Close(); err != nil {
				logger.Warn("failed to close store responder", slog.Any("error", err))
			}
		}()
	}

	serverOpts := []httpapi.ServerOption{
		httpapi.WithQueryOptions(a.queryOptions()...),
		httpapi.WithEdgePolicy(a.cfg.EdgePolicy()),
	}
	if store, ok := a.store.(ingestion.Store); ok {
		serverOpts = append(serverOpts, httpapi.WithIngestHandler(
			ingestion.NewHTTPHandler(ingestion.NewService(store, logger))))
	}
	api := httpapi.NewServer(a.store, logger, serverOpts...)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.NewRegistry(a.metrics), promhttp.HandlerOpts{}))
	mux.Handle("/", api.Routes())

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   a.cfg.Server.CORSOrigins,
		AllowCredentials: true,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
	})

	server := &http.Server{
		Addr:         addr,
		Handler:      corsHandler.Handler(middleware.LoggingMiddleware(logger)(mux)),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting query server",
			slog.String("addr", addr),
			slog.String("store", a.cfg.Store.Backend),
			slog.String("version", Version))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	logger.Info("server exited")
	return nil
}
