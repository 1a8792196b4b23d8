package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/angelmondragon/compliance-ledger/internal/app"
	"github.com/angelmondragon/compliance-ledger/internal/cron"
	"github.com/angelmondragon/compliance-ledger/pkg/config"
	"github.com/angelmondragon/compliance-ledger/pkg/instance"
	"github.com/angelmondragon/compliance-ledger/pkg/logger"
	"github.com/angelmondragon/compliance-ledger/pkg/metrics"
	"github.com/angelmondragon/compliance-ledger/pkg/outbox"
)

const lockName = "maintenance"

func main() {
	once := flag.Bool("once", false, "run every job a single time and exit")
	flag.Parse()

	logg := logger.New(logger.Options{ServiceName: config.ServiceKindCron})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}
	cfg.Service.Kind = config.ServiceKindCron

	logg = logger.New(logger.Options{
		ServiceName: config.ServiceKindCron,
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
		Format:      cfg.App.LogFormat,
	})

	if !cfg.Ledger.UsesPostgres() {
		logg.Error(context.Background(), "cron worker requires the postgres storage backend", errors.New("storage backend is "+cfg.Ledger.StorageBackend))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector(), prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	rt, err := app.Build(ctx, cfg, logg, reg)
	if err != nil {
		logg.Error(ctx, "failed to build ledger runtime", err)
		os.Exit(1)
	}
	defer func() {
		if err := rt.Close(); err != nil {
			logg.Error(context.Background(), "error closing ledger runtime", err)
		}
	}()

	var lock cron.Lock
	if rt.Redis != nil {
		lock, err = cron.NewRedisLock(rt.Redis, rt.Redis.CronLockKey(lockName), cfg.Cron.LockTTL)
		if err != nil {
			logg.Error(ctx, "failed to create cron lock", err)
			os.Exit(1)
		}
	} else {
		logg.Warn(ctx, "redis disabled; cron lock is process-local")
		lock = cron.NewLocalLock()
	}

	registry, err := buildRegistry(cfg, logg, rt)
	if err != nil {
		logg.Error(ctx, "failed to register cron jobs", err)
		os.Exit(1)
	}

	service, err := cron.NewService(cron.ServiceParams{
		Logger:     logg,
		Registry:   registry,
		Lock:       lock,
		Metrics:    metrics.NewCronJobMetrics(reg),
		Interval:   cfg.Cron.Interval,
		JobTimeout: cfg.Cron.LockTTL,
	})
	if err != nil {
		logg.Error(ctx, "failed to create cron service", err)
		os.Exit(1)
	}

	ctx = logg.WithFields(ctx, map[string]any{
		"env":         cfg.App.Env,
		"serviceKind": cfg.Service.Kind,
		"instance":    instance.ID(),
		"jobs":        registry.Names(),
		"interval":    cfg.Cron.Interval.String(),
	})

	if *once {
		logg.Info(ctx, "running cron jobs once")
		if err := service.RunOnce(ctx); err != nil {
			logg.Error(ctx, "cron run failed", err)
			os.Exit(1)
		}
		return
	}

	metricsSrv := &http.Server{
		Addr:              ":" + cfg.App.Port,
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

	logg.Info(ctx, "starting cron worker")
	if err := service.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logg.Error(ctx, "cron worker stopped unexpectedly", err)
		os.Exit(1)
	}
	logg.Info(ctx, "cron worker shutting down gracefully")
}

func buildRegistry(cfg *config.Config, logg *logger.Logger, rt *app.Runtime) (*cron.Registry, error) {
	registry, err := cron.NewRegistry()
	if err != nil {
		return nil, err
	}
	if cfg.Cron.VerifyChains {
		job, err := cron.NewIntegrityJob(cron.IntegrityJobParams{Logger: logg, Chains: rt.Manager})
		if err != nil {
			return nil, err
		}
		if err := registry.Register(job); err != nil {
			return nil, err
		}
	}
	if cfg.Cron.OutboxRetention {
		job, err := cron.NewOutboxRetentionJob(cron.OutboxRetentionJobParams{
			Logger:      logg,
			DB:          rt.DB,
			Repository:  outbox.NewRepository(rt.DB.DB()),
			DeadLetters: outbox.NewDLQRepository(rt.DB.DB()),
			Retention:   cfg.Outbox.RetentionDays,
			MinAttempts: cfg.Outbox.MaxAttempts,
		})
		if err != nil {
			return nil, err
		}
		if err := registry.Register(job); err != nil {
			return nil, err
		}
	}
	return registry, nil
}
