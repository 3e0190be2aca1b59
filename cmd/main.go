package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"flowstudio"
	"flowstudio/internal/api/handler/endpoints"
	"flowstudio/internal/api/repo"
	"flowstudio/internal/api/service"
	"flowstudio/internal/api/websocket"
	"flowstudio/internal/realtime"
	"flowstudio/internal/workflow/engine"
	"flowstudio/internal/workflow/events"
	"flowstudio/internal/workflow/metrics"
	"flowstudio/internal/workflow/models"
	"flowstudio/pkg"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/graceful"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

// runStore is satisfied by both the gorm and the in-memory run repository.
type runStore interface {
	engine.Store
	service.RunStore
}

func main() {
	flowstudio.InitConfig(".env")
	cfg := flowstudio.GetConfig()
	logger := flowstudio.Logger
	gin.SetMode(gin.ReleaseMode)

	var runs runStore
	var workflows service.WorkflowStore
	if flowstudio.DB != nil {
		runRepo := repo.NewRunRepository()
		workflowRepo := repo.NewWorkflowRepository()
		if cfg.Mode == "dev" {
			if err := runRepo.Migrate(); err != nil {
				logger.Fatal().Err(err).Msg("Failed to migrate run tables")
			}
			if err := workflowRepo.Migrate(); err != nil {
				logger.Fatal().Err(err).Msg("Failed to migrate workflow table")
			}
			logger.Info().Msg("Database migrated successfully")
		}
		runs, workflows = runRepo, workflowRepo
	} else {
		runs, workflows = repo.NewMemoryRunRepository(), repo.NewMemoryWorkflowRepository()
	}
	if cfg.Mode == "dev" {
		gin.SetMode(gin.DebugMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bus := events.NewBus(logger)
	defer bus.Close()

	types := models.DefaultNodeTypes()
	opts := []engine.Option{engine.WithNodeTypes(types)}

	notifier := service.NewNotificationService(service.SmtpSettings{
		Host:      cfg.SmtpConfig.Host,
		Port:      cfg.SmtpConfig.Port,
		Username:  cfg.SmtpConfig.Username,
		Password:  cfg.SmtpConfig.Password,
		From:      cfg.SmtpConfig.From,
		UseTLS:    cfg.SmtpConfig.UseTLS,
		NotifyTo:  cfg.SmtpConfig.NotifyTo,
		OnSuccess: cfg.SmtpConfig.OnSuccess,
	}, logger)
	opts = append(opts, engine.WithNotifier(notifier))

	if flowstudio.Redis != nil {
		ttl := time.Duration(cfg.RedisConfig.LockTTLSeconds) * time.Second
		opts = append(opts, engine.WithLocker(pkg.NewRedisLocker(flowstudio.Redis, "flowstudio:run:", ttl, logger)))
		logger.Info().Msg("Run exclusion backed by Redis")
	}

	orchestrator := engine.New(runs, bus, engineConfig(cfg), logger, opts...)
	workflowService := service.NewWorkflowService(types, bus, orchestrator, workflows, runs, logger)

	hub := websocket.NewHub(logger)
	go hub.Run(ctx)
	relay, unsubscribe := bus.Subscribe(nil, 1024)
	defer unsubscribe()
	go hub.Relay(ctx, relay)
	logger.Info().Msg("WebSocket hub started")

	publisher := realtime.NewNATSPublisher(cfg.NatsConfig.URL, cfg.NatsConfig.TenantID, logger)
	defer publisher.Close()
	if publisher.Enabled() {
		forward, unsubscribeNats := bus.Subscribe(nil, 1024)
		defer unsubscribeNats()
		go publisher.Forward(ctx, forward)
	}

	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry)
	observed, unsubscribeMetrics := bus.Subscribe(nil, 1024)
	defer unsubscribeMetrics()
	go collector.Consume(ctx, observed)

	router, err := graceful.Default(graceful.WithAddr(cfg.ApiPort))
	if err != nil {
		panic(err)
	}
	defer router.Close()

	router.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	processor := websocket.NewMessageProcessor(workflowService, logger)
	endpoints.AuthHandler(router, cfg, logger)
	endpoints.WorkflowHandler(router, workflowService, cfg, logger)
	endpoints.WebSocketHandler(router, hub, processor, cfg, logger)
	endpoints.MetricsHandler(router, registry)

	logger.Debug().Msgf("Starting workflow API on port %s", cfg.ApiPort)
	if err = router.RunWithContext(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("Server stopped")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := orchestrator.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("Runs still active at shutdown")
	}
}

func engineConfig(cfg flowstudio.AppConfig) engine.Config {
	return engine.Config{
		NodeTimeout:    time.Duration(cfg.EngineConfig.NodeTimeoutSeconds) * time.Second,
		MaxRetries:     cfg.EngineConfig.MaxRetries,
		RetryBaseDelay: time.Duration(cfg.EngineConfig.RetryBaseDelayMs) * time.Millisecond,
		RetryMaxDelay:  time.Duration(cfg.EngineConfig.RetryMaxDelayMs) * time.Millisecond,
		MaxParallel:    cfg.EngineConfig.MaxParallelNodes,
		RetainRuns:     cfg.EngineConfig.RetainRuns,
	}
}
