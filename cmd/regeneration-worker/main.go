// Package main provides the regeneration worker entry point.
// It consumes regeneration requests and writes rebuilt documents to the output directory.
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
	"go.uber.org/zap"

	"github.com/drfirst/go-prontuario/internal/api/handlers"
	"github.com/drfirst/go-prontuario/internal/config"
	"github.com/drfirst/go-prontuario/internal/convert"
	"github.com/drfirst/go-prontuario/internal/domain/record"
	"github.com/drfirst/go-prontuario/internal/generation"
	"github.com/drfirst/go-prontuario/internal/history"
	"github.com/drfirst/go-prontuario/internal/infrastructure/filesink"
	"github.com/drfirst/go-prontuario/internal/infrastructure/redpanda"
	"github.com/drfirst/go-prontuario/internal/notify"
	"github.com/drfirst/go-prontuario/internal/observability/metrics"
	"github.com/drfirst/go-prontuario/internal/observability/tracing"
	"github.com/drfirst/go-prontuario/internal/regeneration"
	"github.com/drfirst/go-prontuario/internal/render"
	"github.com/drfirst/go-prontuario/pkg/circuitbreaker"
	"github.com/drfirst/go-prontuario/pkg/idempotency"
	"github.com/drfirst/go-prontuario/pkg/workerpool"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	cfg, err := config.Load("regeneration-worker")
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
		logger.Fatal("database connection failed", zap.Error(err))
	}
	defer pool.Close()

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	breakers := circuitbreaker.NewManager(logger, func(name string, _, to circuitbreaker.State) {
		m.CircuitBreakerState.WithLabelValues(name).Set(to.Gauge())
	})

	adapter, err := history.NewAdapter(record.NewRepository(pool, logger), breakers, notify.NewLogNotifier(logger), logger)
	if err != nil {
		logger.Fatal("history adapter", zap.Error(err))
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
		Renderer: renderer,
		Registry: convert.DefaultRegistry(docxOpts, pdfOpts, convert.NewStage()),
		Notifier: notify.NewLogNotifier(logger),
		Logger:   logger,
		Metrics:  m,
	})
	if err != nil {
		logger.Fatal("generator", zap.Error(err))
	}

	sink, err := filesink.NewDir(cfg.OutputDir, logger)
	if err != nil {
		logger.Fatal("output directory", zap.Error(err))
	}

	inbox := idempotency.NewInbox(pool, idempotency.DefaultConfig(), logger)
	if n, err := inbox.RecoverStaleEntries(ctx); err != nil {
		logger.Warn("stale inbox recovery failed", zap.Error(err))
	} else if n > 0 {
		logger.Info("recovered stale inbox entries", zap.Int64("count", n))
	}
	inbox.StartCleanup()
	defer inbox.Stop()

	producerCfg := redpanda.DefaultProducerConfig()
	producerCfg.Brokers = cfg.Brokers
	producer, err := redpanda.NewProducer(producerCfg, logger, redpanda.WithProducedHook(m.KafkaMessagesProduced.Inc))
	if err != nil {
		logger.Fatal("producer creation failed", zap.Error(err))
	}
	defer producer.Close()

	poolCfg := workerpool.DefaultConfig()
	poolCfg.Workers = cfg.Workers
	poolCfg.QueueSize = cfg.QueueSize
	poolCfg.GracefulShutdownTimeout = cfg.ShutdownTimeout
	worker, err := regeneration.New(regeneration.Config{
		Pool:            poolCfg,
		DeadLetterTopic: redpanda.TopicDeadLetter,
	}, adapter, gen, sink, inbox, producer, logger)
	if err != nil {
		logger.Fatal("worker creation failed", zap.Error(err))
	}
	worker.Start()

	consumerCfg := redpanda.DefaultConsumerConfig()
	consumerCfg.Brokers = cfg.Brokers
	consumerCfg.GroupID = cfg.ConsumerGroup
	consumer, err := redpanda.NewConsumer(consumerCfg, worker.Handle, logger,
		redpanda.WithDeadLetter(producer),
		redpanda.WithConsumedHook(m.KafkaMessagesConsumed.Inc))
	if err != nil {
		logger.Fatal("consumer creation failed", zap.Error(err))
	}
	consumer.Start()

	admin, err := redpanda.NewAdmin(cfg.Brokers, logger)
	if err != nil {
		logger.Fatal("admin client creation failed", zap.Error(err))
	}
	defer admin.Close()
	lagCtx, stopLag := context.WithCancel(ctx)
	go regeneration.WatchLag(lagCtx, admin, consumerCfg.GroupID, 30*time.Second, func(topic string, lag int64) {
		m.ConsumerLag.WithLabelValues(topic).Set(float64(lag))
	}, logger)

	health := handlers.NewHealthHandler(cfg.ServiceName, map[string]handlers.Check{
		"database": pool.Ping,
		"redpanda": func(ctx context.Context) error { return redpanda.HealthCheck(ctx, cfg.Brokers) },
		"workers":  worker.Ready,
	}, breakers)
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/health", health.Health)
	mux.HandleFunc("/ready", health.Ready)
	server := &http.Server{Addr: ":" + cfg.Port, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("metrics server error", zap.Error(err))
		}
	}()
	logger.Info("regeneration worker started",
		zap.Strings("topics", consumerCfg.Topics),
		zap.String("output", sink.Root()))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down")
	stopLag()
	consumer.Stop()
	worker.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	server.Shutdown(shutdownCtx)
	logger.Info("regeneration worker stopped")
}
