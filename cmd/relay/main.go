package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"voxrelay/internal/core/services"
	httphandlers "voxrelay/internal/handlers/http"
	"voxrelay/internal/infrastructure/distributed"
	"voxrelay/internal/infrastructure/middleware"
	"voxrelay/internal/infrastructure/monitoring"
	"voxrelay/internal/infrastructure/repositories"
	"voxrelay/internal/infrastructure/transport"
	"voxrelay/pkg/config"
	"voxrelay/pkg/logger"
	"voxrelay/pkg/tracing"
	"voxrelay/pkg/utils"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	configPath := os.Getenv("VOXRELAY_CONFIG")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "voxrelay: %v\n", err)
		os.Exit(1)
	}

	zapLogger := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	tp, err := tracing.Init(cfg.Tracing)
	if err != nil {
		log.Fatalw("failed to initialise tracing", "error", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	repoFactory := repositories.NewRepositoryFactory(cfg, log)
	epochs := repoFactory.CreateKeyEpochRepository()

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := monitoring.NewPrometheusCollector(promRegistry)

	health := monitoring.NewHealthChecker()
	health.AddKeyEpochCheck(epochs, 2*time.Second)
	if client := repoFactory.RedisClient(); client != nil {
		health.AddRedisCheck(client, 2*time.Second)
	}

	instanceID := utils.GenerateID("relay")
	bus := distributed.NewEventBus(repoFactory.RedisClient(), instanceID, log)

	authService := services.NewAuthService(cfg.Auth.JWTSecret, cfg.Auth.AccessTokenTTL)
	udp := transport.NewUDPServer(transport.ConfigFrom(cfg), authService, collector, log)

	registry := services.NewChannelRegistry([]byte(cfg.Keys.ServerSecret), supervisorConfig(cfg), services.SupervisorDeps{
		Epochs:    epochs,
		Sender:    udp,
		Gate:      authService,
		Events:    bus,
		Encoder:   monitoring.NewDirectiveRecorder(collector, log),
		Telemetry: collector,
		Logger:    log,
	})
	udp.SetRegistry(registry)
	registry.Start(ctx)

	go func() {
		if err := bus.Subscribe(ctx, registry.HandleKeyRotated); err != nil && !errors.Is(err, context.Canceled) {
			log.Errorw("event subscription stopped", "error", err)
		}
	}()

	if err := udp.Listen(); err != nil {
		log.Fatalw("failed to start relay listener", "error", err)
	}
	udpErr := make(chan error, 1)
	go func() {
		udpErr <- udp.Serve(ctx)
	}()

	ice := services.NewICEIssuer(iceConfig(cfg), log, nil)

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(
		middleware.RecoveryMiddleware(log),
		middleware.TracingMiddleware(),
		middleware.RequestLoggingMiddleware(logger.NewContextLogger(zapLogger)),
		middleware.NewHTTPRateLimitMiddleware(cfg),
		middleware.ErrorHandlerMiddleware(log),
	)

	var metrics http.Handler
	if cfg.Monitoring.PrometheusEnabled {
		metrics = promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{})
	}
	httphandlers.NewHealthHandler(health).SetupRoutes(router, metrics)
	httphandlers.NewRelayHandler(registry, ice, authService).SetupRoutes(router)

	srv := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	httpErr := make(chan error, 1)
	go func() {
		log.Infow("starting HTTP server", "address", cfg.Server.Address, "instance_id", instanceID)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("received shutdown signal")
	case err := <-httpErr:
		log.Errorw("HTTP server failed", "error", err)
	case err := <-udpErr:
		log.Errorw("relay listener stopped", "error", err)
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error during HTTP shutdown", "error", err)
		_ = srv.Close()
	}
	if err := udp.Close(shutdownCtx); err != nil {
		log.Errorw("error closing relay listener", "error", err)
	}
	registry.CloseAll(shutdownCtx)

	if err := repoFactory.Close(); err != nil {
		log.Errorw("error closing repositories", "error", err)
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error shutting down tracer", "error", err)
	}
	log.Info("voxrelay stopped")
}
