// Package main provides the prontuário API service entry point.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/drfirst/go-prontuario/internal/api"
	"github.com/drfirst/go-prontuario/internal/api/handlers"
	"github.com/drfirst/go-prontuario/internal/config"
	"github.com/drfirst/go-prontuario/internal/convert"
	"github.com/drfirst/go-prontuario/internal/domain/record"
	"github.com/drfirst/go-prontuario/internal/generation"
	"github.com/drfirst/go-prontuario/internal/history"
	"github.com/drfirst/go-prontuario/internal/infrastructure/postgres"
	"github.com/drfirst/go-prontuario/internal/infrastructure/redpanda"
	"github.com/drfirst/go-prontuario/internal/notify"
	"github.com/drfirst/go-prontuario/internal/observability/metrics"
	"github.com/drfirst/go-prontuario/internal/observability/tracing"
	"github.com/drfirst/go-prontuario/internal/render"
	"github.com/drfirst/go-prontuario/pkg/circuitbreaker"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	cfg, err := config.Load("prontuario-api")
	if err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}
	ctx := context.Background()

	traceCfg := tracing.DefaultConfig(cfg.ServiceName)
	traceCfg.OTLPEndpoint = cfg.OTLPEndpoint
	traceCfg.SampleRate = cfg.SampleRate
	tp, err := tracing.Init(ctx, traceCfg)
	if err != nil {
		logger.Fatal("tracing init failed", zap.Error(err))
	}
	defer tp.Shutdown(context.Background())

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer pool.Close()
	if err := pool.Ping(ctx); err != nil {
		logger.Fatal("database ping failed", zap.Error(err))
	}
	if err := postgres.Migrate(ctx, pool, logger); err != nil {
		logger.Fatal("migration failed", zap.Error(err))
	}
	logger.Info("connected to database")

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	breakers := circuitbreaker.NewManager(logger, func(name string, _, to circuitbreaker.State) {
		m.CircuitBreakerState.WithLabelValues(name).Set(to.Gauge())
	})
	notifier := notify.Multi{notify.NewLogNotifier(logger), notify.Scoped{}}

	repo := record.NewRepository(pool, logger)
	adapter, err := history.NewAdapter(repo, breakers, notifier, logger,
		history.WithResultObserver(func(result string) { m.HistoryWrites.WithLabelValues(result).Inc() }))
	if err != nil {
		logger.Fatal("history adapter", zap.Error(err))
	}

	catalog, err := loadCatalog(cfg.CatalogFile)
	if err != nil {
		logger.Fatal("catalog", zap.Error(err))
	}

	renderOpts := render.DefaultOptions()
	renderOpts.PrescriptionRows = cfg.PrescriptionRows
	renderOpts.AntibioticsSection = cfg.AntibioticsSection
	renderer, err := render.New(renderOpts)
	if err != nil {
		logger.Fatal("renderer", zap.Error(err))
	}

	docxOpts := convert.DefaultDocxOptions()
	docxOpts.MarginTwips = cfg.DocxMargin
	pdfOpts := convert.DefaultPDFOptions()
	pdfOpts.Scale = cfg.PDFScale

	gen, err := generation.New(generation.Deps{
		Renderer:  renderer,
		Registry:  convert.DefaultRegistry(docxOpts, pdfOpts, convert.NewStage()),
		Persister: adapter,
		Notifier:  notifier,
		Logger:    logger,
		Metrics:   m,
	})
	if err != nil {
		logger.Fatal("generator", zap.Error(err))
	}

	router := api.NewRouter(api.Deps{
		ServiceName:     cfg.ServiceName,
		Generator:       gen,
		Renderer:        renderer,
		Catalog:         catalog,
		History:         adapter,
		Enqueuer:        repo,
		RegenerateTopic: redpanda.TopicRegenerate,
		APIKeys:         cfg.APIKeys,
		Checks: map[string]handlers.Check{
			"database": pool.Ping,
			"redpanda": func(ctx context.Context) error { return redpanda.HealthCheck(ctx, cfg.Brokers) },
		},
		Breakers: breakers,
		Metrics:  m.Handler(),
		Logger:   logger,
	})

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		logger.Info("shutting down server")
		ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			logger.Error("shutdown error", zap.Error(err))
		}
	}()

	logger.Info("starting prontuario API", zap.String("port", cfg.Port))
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		logger.Fatal("server error", zap.Error(err))
	}
	logger.Info("server stopped")
}

func loadCatalog(path string) (*record.Catalog, error) {
	if path == "" {
		return record.DefaultCatalog(), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return record.LoadCatalog(f)
}
