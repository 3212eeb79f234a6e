package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/crabzie/Delegate-Task-Control-Plane/config/logger"
	postgresConfig "github.com/crabzie/Delegate-Task-Control-Plane/config/storage/postgresql"
	redisConfig "github.com/crabzie/Delegate-Task-Control-Plane/config/storage/redis"
	config "github.com/crabzie/Delegate-Task-Control-Plane/config/utils"
	"github.com/crabzie/Delegate-Task-Control-Plane/internal/adapter/gate"
	httpHandler "github.com/crabzie/Delegate-Task-Control-Plane/internal/adapter/handler/http"
	promAdapter "github.com/crabzie/Delegate-Task-Control-Plane/internal/adapter/monitoring/prometheus"
	"github.com/crabzie/Delegate-Task-Control-Plane/internal/adapter/queue/rabbitmq"
	postgresAdapter "github.com/crabzie/Delegate-Task-Control-Plane/internal/adapter/storage/postgres"
	redisAdapter "github.com/crabzie/Delegate-Task-Control-Plane/internal/adapter/storage/redis"
	"github.com/crabzie/Delegate-Task-Control-Plane/internal/core/domain"
	"github.com/crabzie/Delegate-Task-Control-Plane/internal/core/port"
	"github.com/crabzie/Delegate-Task-Control-Plane/internal/core/service"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// _shutdownPeriod is time to wait before gracefully shutting server
// _readinessDrainDelay is time to sleep while context shutdown message propagate
const (
	_shutdownPeriod      = 10 * time.Second
	_readinessDrainDelay = 5 * time.Second
)

func main() {
	rootCtx, rootCtxCancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer rootCtxCancel()

	// Init config
	appConfig := config.New()
	baseLogger := logger.Build(appConfig.Logger)
	zap.L().Info("Starting the application",
		zap.String("app", appConfig.App.Name),
		zap.String("env", appConfig.App.Env),
		zap.String("owner", appConfig.App.Owner))

	// Init database service
	dbLogger := baseLogger.Named("DB")
	dbService, err := postgresConfig.New(rootCtx, appConfig.DB, dbLogger)
	if err != nil {
		zap.L().Error("Error initializing database connection", zap.Error(err))
		os.Exit(1)
	}
	defer dbService.Close()
	if err := dbService.Migrate(); err != nil {
		zap.L().Error("Error migrating database", zap.Error(err))
		os.Exit(1)
	}
	zap.L().Info("Successfully connected & migrated the database")

	// Init cache service
	redisService, err := redisConfig.New(rootCtx, appConfig.Redis)
	if err != nil {
		zap.L().Error("Error initializing cache connection", zap.Error(err))
		os.Exit(1)
	}
	zap.L().Info("Successfully connected to the cache server", zap.String("address", appConfig.Redis.Addr))

	// Init intake broker
	queueLogger := baseLogger.Named("Intake")
	intake, err := rabbitmq.NewTaskIntake(
		appConfig.RabbitMQ.URL, appConfig.RabbitMQ.Exchange, appConfig.RabbitMQ.IntakeQueue, queueLogger)
	if err != nil {
		zap.L().Error("Error initializing task intake", zap.Error(err))
		os.Exit(1)
	}

	// Repositories & ledgers
	storeLogger := baseLogger.Named("Store")
	taskRepo := postgresAdapter.NewTaskRepository(dbService.Pool, dbService.QueryBuilder, storeLogger)
	workerRepo := postgresAdapter.NewWorkerRepository(dbService.Pool, dbService.QueryBuilder, storeLogger)
	eventRepo := postgresAdapter.NewTaskEventRepository(dbService.Pool, dbService.QueryBuilder, storeLogger)
	ledger := redisAdapter.NewCapacityLedger(redisService.Client, storeLogger)
	validation := redisAdapter.NewValidationCache(redisService.Client, storeLogger)

	metrics := promAdapter.New(prometheus.DefaultRegisterer)

	// External collaborators
	allowlist, err := gate.NewCIDRAllowlist(appConfig.Protocol.AllowedCIDRs)
	if err != nil {
		zap.L().Error("Bad allowlist configuration", zap.Error(err))
		os.Exit(1)
	}
	accounts := gate.NewStaticAccounts(appConfig.Protocol.TerminatedAccounts)
	versions := gate.NewConfigVersions(appConfig.Protocol.AcceptableVersions)

	// Core services
	svcLogger := baseLogger.Named("Service")
	registry := service.NewRegistryService(workerRepo, ledger, allowlist, accounts, versions,
		appConfig.Protocol.LivenessThreshold, svcLogger)
	acquisition := service.NewAcquisitionService(taskRepo, workerRepo, ledger, validation, metrics,
		appConfig.Protocol.ValidationTTL, svcLogger)
	poll := service.NewPollService(registry, eventRepo, workerRepo,
		appConfig.Protocol.PollBatchLimit, appConfig.Protocol.PollInterval, svcLogger)
	dispatcher := service.NewDispatchService(taskRepo, eventRepo, workerRepo, ledger, validation,
		intake, registry, metrics, appConfig.Protocol.ExpiryBuffer, appConfig.Protocol.RedispatchInterval, svcLogger)
	sweeper := service.NewSweepService(taskRepo, ledger, metrics, appConfig.Protocol.SweepInterval, svcLogger)
	router := service.NewResultRouter(metrics, baseLogger.Named("Router"))
	registerResultHandlers(router, acquisition)

	// Background loops
	go sweeper.Run(rootCtx)
	go func() {
		if err := dispatcher.Run(rootCtx); err != nil {
			zap.L().Error("Dispatch loop failed", zap.Error(err))
		}
	}()

	// HTTP surface
	server := httpHandler.NewServer(registry, poll, acquisition, router,
		appConfig.Protocol, baseLogger.Named("Fiber"))
	app := server.App(appConfig.Server, redisService.Storage)
	go func() {
		if err := app.Listen(appConfig.Server.Addr); err != nil {
			zap.L().Error("HTTP server stopped", zap.Error(err))
			rootCtxCancel()
		}
	}()
	zap.L().Info("Listening for workers", zap.String("addr", appConfig.Server.Addr))

	// Wait for ctx cancelation
	<-rootCtx.Done()

	// Wait for signal propagation
	time.Sleep(_readinessDrainDelay)
	zap.L().Info("Readiness check propagated, now waiting for ongoing requests to finish")

	if err := app.ShutdownWithTimeout(_shutdownPeriod); err != nil {
		zap.L().Error("Forced shutdown", zap.Error(err))
	}
	zap.L().Info("Graceful shutdown complete.")
}

// registerResultHandlers wires the plane's own task finalization into the
// router; every other callback domain belongs to injected downstream
// consumers and stays best-effort.
func registerResultHandlers(router *service.ResultRouter, acquisition *service.AcquisitionService) {
	complete := port.ResultHandlerFunc(func(ctx context.Context, correlationID, accountID string, env *domain.Envelope) error {
		return acquisition.CompleteTask(ctx, accountID, correlationID, false)
	})
	fail := port.ResultHandlerFunc(func(ctx context.Context, correlationID, accountID string, env *domain.Envelope) error {
		return acquisition.CompleteTask(ctx, accountID, correlationID, true)
	})

	router.Register("polling", domain.TypeTagTaskResult, complete)
	router.Register("polling", domain.TypeTagPolling, complete)
	router.Register("polling", domain.TypeTagFailure, fail)
	router.Register("polling", domain.TypeTagError, fail)

	// task finalization must not lose undecodable results silently
	router.MarkCritical("polling")
}
