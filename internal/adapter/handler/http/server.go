// Package http exposes the authenticated-worker HTTP surface of the
// control plane over Fiber.
package http

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/storage/redis/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	config "github.com/crabzie/Delegate-Task-Control-Plane/config/utils"
	"github.com/crabzie/Delegate-Task-Control-Plane/internal/core/service"
)

// Server wires the delegate protocol services into the worker-facing API
type Server struct {
	registry    *service.RegistryService
	poll        *service.PollService
	acquisition *service.AcquisitionService
	router      *service.ResultRouter
	protocol    *config.Protocol
	log         *zap.Logger
}

func NewServer(
	registry *service.RegistryService,
	poll *service.PollService,
	acquisition *service.AcquisitionService,
	router *service.ResultRouter,
	protocol *config.Protocol,
	log *zap.Logger,
) *Server {
	return &Server{
		registry:    registry,
		poll:        poll,
		acquisition: acquisition,
		router:      router,
		protocol:    protocol,
		log:         log,
	}
}

// App builds the fiber application. Rate limiting rides on the shared redis
// storage so all instances count together; pass nil storage to keep the
// limiter in-memory (tests, simulation).
func (s *Server) App(cfg *config.Server, storage *redis.Storage) *fiber.App {
	app := fiber.New(fiber.Config{
		AppName:      "delegate-control-plane",
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	app.Use(recover.New())
	app.Use(requestLogger(s.log))

	app.Get("/healthz", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(
		prometheus.DefaultGatherer, promhttp.HandlerOpts{})))

	limit := cfg.RateLimit
	if limit <= 0 {
		limit = 300
	}
	window := cfg.RateWindow
	if window <= 0 {
		window = time.Minute
	}
	limiterCfg := limiter.Config{Max: limit, Expiration: window}
	if storage != nil {
		limiterCfg.Storage = storage
	}

	agent := app.Group("/api/agent/delegates",
		limiter.New(limiterCfg),
		accountAuth(cfg.AuthSecret, s.log))

	agent.Get("/configuration", s.handleConfiguration)
	agent.Post("/register", s.handleRegister)
	agent.Post("/unregister", s.handleUnregister)
	agent.Post("/heartbeat-with-polling", s.handleHeartbeatWithPolling)
	agent.Get("/delegateScripts", s.handleDelegateScripts)
	agent.Post("/register-delegate-capacity/:workerId", s.handleRegisterCapacity)

	agent.Get("/:workerId/task-events", s.handleTaskEvents)
	agent.Get("/:workerId/upgrade", s.handleUpgrade)
	agent.Put("/:workerId/tasks/:taskId/acquire", s.handleAcquireV1)
	agent.Put("/:workerId/tasks/:taskId/acquire/v2", s.handleAcquireV2)
	agent.Post("/:workerId/tasks/:taskId/report", s.handleReportV1)
	agent.Post("/:workerId/tasks/:taskId/report/v2", s.handleReportV2)

	// generic result-callback family: decode, classify, forward, ack
	for _, callback := range callbackDomains {
		domainName := callback
		agent.Post("/"+domainName+"-collection/:correlationId", s.callbackHandler(domainName))
		agent.Post("/"+domainName+"/:correlationId", s.callbackHandler(domainName))
	}

	return app
}

// callbackDomains is the result-router endpoint family
var callbackDomains = []string{
	"artifact",
	"instance-sync",
	"manifest",
	"connection-heartbeat",
	"polling",
}
