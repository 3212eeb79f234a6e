package http

import (
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/crabzie/Delegate-Task-Control-Plane/internal/core/domain"
	"github.com/crabzie/Delegate-Task-Control-Plane/internal/core/service"
)

// workerParamsRequest is the shared register/heartbeat body
type workerParamsRequest struct {
	WorkerID         string   `json:"worker_id"`
	Hostname         string   `json:"hostname"`
	Version          string   `json:"version"`
	Type             string   `json:"type"`
	PollingMode      bool     `json:"polling_mode"`
	Immutable        bool     `json:"immutable"`
	ConnectedViaMTLS bool     `json:"connected_via_mtls"`
	DeclaredCapacity int      `json:"declared_capacity"`
	Tags             []string `json:"tags"`
}

func (r *workerParamsRequest) toParams() service.WorkerParams {
	return service.WorkerParams{
		WorkerID:         r.WorkerID,
		Hostname:         r.Hostname,
		Version:          r.Version,
		Type:             domain.WorkerType(r.Type),
		PollingMode:      r.PollingMode,
		Immutable:        r.Immutable,
		ConnectedViaMTLS: r.ConnectedViaMTLS,
		DeclaredCapacity: r.DeclaredCapacity,
		Tags:             r.Tags,
	}
}

type configurationResponse struct {
	PollIntervalMs     int64    `json:"poll_interval_ms"`
	AcceptableVersions []string `json:"acceptable_versions"` // primary last
}

// handleConfiguration returns polling parameters and the acceptable worker
// version ring
func (s *Server) handleConfiguration(c *fiber.Ctx) error {
	return c.JSON(configurationResponse{
		PollIntervalMs:     s.protocol.PollInterval.Milliseconds(),
		AcceptableVersions: s.protocol.AcceptableVersions,
	})
}

// handleRegister admits a worker. Rejection is an empty 200 body so
// unauthenticated-adjacent callers learn nothing; the worker backs off per
// its own policy.
func (s *Server) handleRegister(c *fiber.Ctx) error {
	var req workerParamsRequest
	if err := c.BodyParser(&req); err != nil {
		return c.SendStatus(fiber.StatusBadRequest)
	}

	result, err := s.registry.Register(c.Context(), accountID(c), req.toParams(), c.IP())
	if err != nil {
		s.log.Error("Registration failed", zap.Error(err))
		return c.SendStatus(fiber.StatusInternalServerError)
	}
	if result == nil {
		return c.SendStatus(fiber.StatusOK)
	}
	return c.JSON(result)
}

func (s *Server) handleUnregister(c *fiber.Ctx) error {
	var req workerParamsRequest
	if err := c.BodyParser(&req); err != nil {
		return c.SendStatus(fiber.StatusBadRequest)
	}
	if err := s.registry.Unregister(c.Context(), accountID(c), req.WorkerID); err != nil {
		s.log.Error("Unregister failed", zap.Error(err))
		return c.SendStatus(fiber.StatusInternalServerError)
	}
	return c.SendStatus(fiber.StatusOK)
}

func (s *Server) handleHeartbeatWithPolling(c *fiber.Ctx) error {
	var req workerParamsRequest
	if err := c.BodyParser(&req); err != nil {
		return c.SendStatus(fiber.StatusBadRequest)
	}
	resp, err := s.poll.HeartbeatWithPolling(c.Context(), accountID(c), req.toParams())
	if err != nil {
		s.log.Error("Heartbeat failed", zap.Error(err))
		return c.SendStatus(fiber.StatusInternalServerError)
	}
	return c.JSON(resp)
}

func (s *Server) handleTaskEvents(c *fiber.Ctx) error {
	syncOnly := c.QueryBool("syncOnly")
	events, err := s.poll.TaskEvents(c.Context(), accountID(c), c.Params("workerId"), syncOnly)
	if err == domain.ErrWorkerNotFound {
		return c.SendStatus(fiber.StatusOK)
	}
	if err != nil {
		s.log.Error("Task event poll failed", zap.Error(err))
		return c.SendStatus(fiber.StatusInternalServerError)
	}
	return c.JSON(fiber.Map{"events": events})
}

func (s *Server) handleAcquireV1(c *fiber.Ctx) error { return s.acquire(c) }

// handleAcquireV2 shares v1 semantics; only the package's envelope format
// differs and that travels inside the package itself
func (s *Server) handleAcquireV2(c *fiber.Ctx) error { return s.acquire(c) }

func (s *Server) acquire(c *fiber.Ctx) error {
	pkg, err := s.acquisition.Acquire(c.Context(), accountID(c), c.Params("workerId"), c.Params("taskId"))
	if err == domain.ErrAccountMismatch {
		return c.SendStatus(fiber.StatusForbidden)
	}
	if err != nil {
		// correctness-critical path: propagate so the worker retries
		s.log.Error("Acquire failed", zap.Error(err))
		return c.SendStatus(fiber.StatusInternalServerError)
	}
	if pkg == nil {
		// lost the race or admission denied; poll again
		return c.SendStatus(fiber.StatusOK)
	}
	return c.JSON(pkg)
}

type reportRequest struct {
	Results []*domain.ConnectionValidationResult `json:"results"`
}

func (s *Server) handleReportV1(c *fiber.Ctx) error { return s.report(c) }
func (s *Server) handleReportV2(c *fiber.Ctx) error { return s.report(c) }

func (s *Server) report(c *fiber.Ctx) error {
	var req reportRequest
	if err := c.BodyParser(&req); err != nil {
		// correctness-critical path: hard failure, the worker must retry
		return c.SendStatus(fiber.StatusBadRequest)
	}
	pkg, err := s.acquisition.ReportConnectionResults(c.Context(),
		accountID(c), c.Params("workerId"), c.Params("taskId"), req.Results)
	if err == domain.ErrAccountMismatch {
		return c.SendStatus(fiber.StatusForbidden)
	}
	if err != nil {
		s.log.Error("Report failed", zap.Error(err))
		return c.SendStatus(fiber.StatusInternalServerError)
	}
	if pkg == nil {
		return c.SendStatus(fiber.StatusOK)
	}
	return c.JSON(pkg)
}

type capacityRequest struct {
	MaxConcurrent int `json:"max_concurrent"`
}

func (s *Server) handleRegisterCapacity(c *fiber.Ctx) error {
	var req capacityRequest
	if err := c.BodyParser(&req); err != nil {
		return c.SendStatus(fiber.StatusBadRequest)
	}
	if err := s.registry.RegisterCapacity(c.Context(), accountID(c), c.Params("workerId"), req.MaxConcurrent); err != nil {
		s.log.Error("Capacity registration failed", zap.Error(err))
		return c.SendStatus(fiber.StatusInternalServerError)
	}
	return c.SendStatus(fiber.StatusOK)
}

// handleUpgrade serves the opaque upgrade bundle descriptor
func (s *Server) handleUpgrade(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"worker_id":  c.Params("workerId"),
		"bundle_url": s.protocol.UpgradeBundleURL,
		"versions":   s.protocol.AcceptableVersions,
	})
}

func (s *Server) handleDelegateScripts(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"script_url": s.protocol.DelegateScriptURL})
}
