// Command stancore serves lineage queries and transfer audit exports over
// the sample action log.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"stancore/internal/adapters/reports"
	"stancore/internal/audit"
	"stancore/internal/blob"
	"stancore/internal/config"
	"stancore/internal/core"
	"stancore/internal/infra/events"
	"stancore/internal/infra/graphdb"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "stancore: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := core.OpenPersistentStore(core.NewDefaultRulesEngine())
	if err != nil {
		return fmt.Errorf("open action log: %w", err)
	}
	defer func() { _ = store.Close() }()

	registry := prometheus.NewRegistry()
	metrics, err := core.NewPrometheusMetricsRecorder(registry)
	if err != nil {
		return err
	}
	opts := []core.Option{
		core.WithLogger(logger),
		core.WithMetricsRecorder(metrics),
		core.WithAncestoriserOptions(core.WithBatchSize(cfg.BatchSize)),
	}

	if cfg.Neo4j.Enabled() {
		graph, err := graphdb.Open(ctx, graphdb.Config{
			URI:      cfg.Neo4j.URI,
			Username: cfg.Neo4j.Username,
			Password: cfg.Neo4j.Password,
			Database: cfg.Neo4j.Database,
		})
		if err != nil {
			return err
		}
		defer func() { _ = graph.Close(context.Background()) }()
		switch {
		case cfg.LineageSource == config.LineageFromNeo4j:
			opts = append(opts, core.WithLineageMirror(graph))
		case cfg.Neo4j.Mirror:
			opts = append(opts, core.WithActionMirror(graph))
		}
		logger.Info("neo4j connected", "lineage_source", cfg.LineageSource, "uri", cfg.Neo4j.URI)
	}

	var exportAudit reports.AuditLogger
	if cfg.NATS.URL != "" {
		pub, err := events.Connect(cfg.NATS.URL, cfg.NATS.Subject, logger)
		if err != nil {
			return err
		}
		defer func() { _ = pub.Close() }()
		opts = append(opts, core.WithAuditRecorder(pub))
		exportAudit = reports.AuditLoggerFunc(func(ctx context.Context, e reports.AuditEntry) {
			if err := pub.Publish(ctx, "export", e); err != nil {
				logger.Warn("export audit publish failed", "export_id", e.ExportID, "error", err)
			}
		})
	}

	svc := core.NewService(store, opts...)
	if cfg.LineageSource == config.LineageFromNeo4j {
		if err := svc.SyncLineageMirror(ctx); err != nil {
			return fmt.Errorf("backfill neo4j lineage: %w", err)
		}
	}

	artifacts, err := blob.Open(ctx)
	if err != nil {
		return fmt.Errorf("open blob store: %w", err)
	}
	worker, err := reports.NewWorker(audit.NewCompiler(svc, store), artifacts, exportAudit,
		reports.WithQueueSize(cfg.Reports.QueueSize),
		reports.WithHistorySize(cfg.Reports.HistorySize),
		reports.WithLogger(logger),
	)
	if err != nil {
		return err
	}
	worker.Start()

	mux := http.NewServeMux()
	handler := reports.NewHandler(worker, artifacts, svc)
	mux.Handle("/api/v1/", handler)
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("listening", "addr", cfg.HTTPAddr, "blob_driver", artifacts.Driver())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("http shutdown", "error", err)
		}
		return worker.Stop(shutdownCtx)
	})
	err = g.Wait()
	logger.Info("stopped")
	return err
}
