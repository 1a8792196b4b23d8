package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"

	"github.com/angelmondragon/compliance-ledger/pkg/config"
	"github.com/angelmondragon/compliance-ledger/pkg/db"
	"github.com/angelmondragon/compliance-ledger/pkg/instance"
	"github.com/angelmondragon/compliance-ledger/pkg/kafka"
	"github.com/angelmondragon/compliance-ledger/pkg/logger"
	"github.com/angelmondragon/compliance-ledger/pkg/metrics"
	"github.com/angelmondragon/compliance-ledger/pkg/migrate"
	"github.com/angelmondragon/compliance-ledger/pkg/outbox"
	"github.com/angelmondragon/compliance-ledger/pkg/outbox/idempotency"
	"github.com/angelmondragon/compliance-ledger/pkg/outbox/registry"
	"github.com/angelmondragon/compliance-ledger/pkg/pubsub"
	"github.com/angelmondragon/compliance-ledger/pkg/redis"
)

const deliveryMarkTTL = 7 * 24 * time.Hour

func main() {
	replay := flag.String("replay", "", "requeue the dead-lettered outbox event with this id, then exit")
	flag.Parse()

	logg := logger.New(logger.Options{ServiceName: "outbox-publisher"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	cfg.Service.Kind = config.ServiceKindOutboxPublisher

	logg = logger.New(logger.Options{
		ServiceName: "outbox-publisher",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
		Format:      cfg.App.LogFormat,
	})

	if !cfg.Ledger.UsesPostgres() {
		logg.Error(context.Background(), "failed to start", errors.New("outbox publisher requires the postgres storage backend"))
		os.Exit(1)
	}

	dbClient, err := db.New(context.Background(), cfg.DB, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap database", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing database", err)
		}
	}()

	if err := migrate.MaybeRunDev(context.Background(), cfg, logg, dbClient); err != nil {
		logg.Error(context.Background(), "failed to run dev migrations", err)
		os.Exit(1)
	}

	if *replay != "" {
		ctx := logg.WithField(context.Background(), "event_id", *replay)
		if err := replayDeadLetter(ctx, dbClient, *replay); err != nil {
			logg.Error(ctx, "failed to replay dead letter", err)
			os.Exit(1)
		}
		logg.Info(ctx, "dead letter requeued")
		return
	}

	publisher, err := newBrokerPublisher(context.Background(), cfg, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap broker", err)
		os.Exit(1)
	}
	defer func() {
		if err := publisher.Close(); err != nil {
			logg.Error(context.Background(), "error closing broker publisher", err)
		}
	}()

	eventRegistry, err := registry.NewEventRegistry(registry.Topics{
		Records:   cfg.PubSub.RecordsTopic,
		Alerts:    cfg.PubSub.AlertsTopic,
		Lifecycle: cfg.PubSub.LifecycleTopic,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to build event registry", err)
		os.Exit(1)
	}

	var guard deliveryGuard
	if cfg.Redis.Enabled() {
		redisClient, err := redis.New(context.Background(), cfg.Redis, logg)
		if err != nil {
			logg.Error(context.Background(), "failed to bootstrap redis", err)
			os.Exit(1)
		}
		defer func() {
			if err := redisClient.Close(); err != nil {
				logg.Error(context.Background(), "error closing redis", err)
			}
		}()
		g, err := idempotency.NewGuard(redisClient, config.ServiceKindOutboxPublisher, deliveryMarkTTL)
		if err != nil {
			logg.Error(context.Background(), "failed to build delivery guard", err)
			os.Exit(1)
		}
		guard = g
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector(), prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	service, err := NewService(ServiceParams{
		Config:        cfg,
		Logger:        logg,
		DB:            dbClient,
		Publisher:     publisher,
		Repository:    outbox.NewRepository(dbClient.DB()),
		Registry:      eventRegistry,
		DLQRepository: outbox.NewDLQRepository(dbClient.DB()),
		Metrics:       metrics.NewOutboxMetrics(reg),
		Guard:         guard,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create outbox publisher", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logg.WithFields(ctx, map[string]any{
		"env":         cfg.App.Env,
		"serviceKind": config.ServiceKindOutboxPublisher,
		"instance":    instance.ID(),
		"broker":      cfg.Eventing.Broker,
	})

	metricsSrv := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.App.Port),
		Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logg.Error(ctx, "metrics server stopped", err)
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsSrv.Shutdown(shutdownCtx)
	}()

	logg.Info(ctx, "starting outbox publisher")

	if err := service.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logg.Error(ctx, "outbox publisher stopped unexpectedly", err)
		os.Exit(1)
	}

	logg.Info(ctx, "outbox publisher shutting down gracefully")
}

func newBrokerPublisher(ctx context.Context, cfg *config.Config, logg *logger.Logger) (outbox.Publisher, error) {
	switch strings.ToLower(cfg.Eventing.Broker) {
	case config.BrokerKafka:
		p, err := kafka.NewPublisher(ctx, cfg.Kafka, logg)
		if err != nil {
			return nil, err
		}
		return p, nil
	case config.BrokerPubSub:
		c, err := pubsub.NewClient(ctx, cfg.GCP, cfg.PubSub, logg)
		if err != nil {
			return nil, err
		}
		return c, nil
	default:
		return nil, fmt.Errorf("unsupported broker %q", cfg.Eventing.Broker)
	}
}

func replayDeadLetter(ctx context.Context, dbClient *db.Client, rawID string) error {
	eventID, err := uuid.Parse(rawID)
	if err != nil {
		return fmt.Errorf("parse event id: %w", err)
	}
	dlq := outbox.NewDLQRepository(dbClient.DB())
	return dbClient.WithTx(ctx, func(tx *gorm.DB) error {
		return dlq.Replay(ctx, tx, eventID)
	})
}
