package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/angelmondragon/compliance-ledger/api/controllers"
	"github.com/angelmondragon/compliance-ledger/api/routes"
	"github.com/angelmondragon/compliance-ledger/internal/app"
	"github.com/angelmondragon/compliance-ledger/pkg/config"
	"github.com/angelmondragon/compliance-ledger/pkg/logger"
	"github.com/angelmondragon/compliance-ledger/pkg/metrics"
)

const shutdownTimeout = 15 * time.Second

func main() {
	logg := logger.New(logger.Options{ServiceName: "api"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}
	cfg.Service.Kind = config.ServiceKindAPI

	logg = logger.New(logger.Options{
		ServiceName: "api",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
		Format:      cfg.App.LogFormat,
	})

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

	if err := rt.WatchRules(ctx, cfg); err != nil {
		logg.Error(ctx, "failed to watch compliance rules", err)
		os.Exit(1)
	}

	readiness := map[string]controllers.Pinger{}
	if rt.DB != nil {
		readiness["database"] = rt.DB
	}
	if rt.Redis != nil {
		readiness["redis"] = rt.Redis
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = cfg.App.Port
	}
	addr := ":" + port
	ctx = logg.WithFields(ctx, map[string]any{
		"env":     cfg.App.Env,
		"addr":    addr,
		"storage": cfg.Ledger.StorageBackend,
		"digest":  cfg.Ledger.DigestAlgorithm,
		"signing": cfg.Signing.Enabled(),
	})

	server := &http.Server{
		Addr: addr,
		Handler: routes.NewRouter(
			cfg,
			logg,
			rt.Manager,
			rt.Redis,
			readiness,
			metrics.NewHTTPMetrics(reg),
			promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		),
		ReadHeaderTimeout: 5 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logg.Info(ctx, "starting api server")
		serveErr <- server.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logg.Error(ctx, "api server stopped unexpectedly", err)
			os.Exit(1)
		}
	case <-ctx.Done():
		logg.Info(ctx, "api server shutting down gracefully")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logg.Error(shutdownCtx, "api server shutdown failed", err)
		}
	}
}
