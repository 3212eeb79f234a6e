package service

import (
	"context"
	"fmt"

	"github.com/crabzie/Delegate-Task-Control-Plane/internal/core/domain"
	"github.com/crabzie/Delegate-Task-Control-Plane/internal/core/port"
	"go.uber.org/zap"
)

// ResultRouter decodes opaque completion payloads and forwards them to the
// handler registered for their (callback domain, type tag) pair. Its whole
// contract is decode, classify, forward, ack; business content belongs to
// the injected handlers.
type ResultRouter struct {
	handlers map[string]map[string]port.ResultHandler
	critical map[string]bool
	metrics  port.Instrumentation
	log      *zap.Logger
}

func NewResultRouter(metrics port.Instrumentation, log *zap.Logger) *ResultRouter {
	return &ResultRouter{
		handlers: make(map[string]map[string]port.ResultHandler),
		critical: make(map[string]bool),
		metrics:  metrics,
		log:      log,
	}
}

// Register installs the handler for a (domain, type tag) pair. Call during
// wiring; the router is not safe for concurrent registration.
func (r *ResultRouter) Register(domainName, typeTag string, handler port.ResultHandler) {
	byTag, ok := r.handlers[domainName]
	if !ok {
		byTag = make(map[string]port.ResultHandler)
		r.handlers[domainName] = byTag
	}
	byTag[typeTag] = handler
}

// MarkCritical flags a callback domain as correctness-critical: decode
// failures there propagate as hard errors, making the worker retry
func (r *ResultRouter) MarkCritical(domainName string) {
	r.critical[domainName] = true
}

// Route decodes and dispatches a result envelope. The bool is the ack to
// send the worker. Best-effort domains ack even on decode failures (the
// worker must not retry forever on a payload the server cannot parse) and
// always ack on handler errors, which are surfaced via logs and metrics
// only.
func (r *ResultRouter) Route(ctx context.Context, domainName string, env *domain.ResultEnvelope) (bool, error) {
	decoded, err := domain.DecodeEnvelope(env.Format, env.Payload)
	if err != nil {
		if r.critical[domainName] {
			return false, fmt.Errorf("decode result for %s: %w", domainName, err)
		}
		r.log.Warn("Undecodable result payload, acking anyway",
			zap.String("callback_domain", domainName),
			zap.String("correlation_id", env.CorrelationID),
			zap.Error(err))
		r.metrics.ResultDispatched(domainName, "", false)
		return true, nil
	}

	handler := r.handlers[domainName][decoded.TypeTag]
	if handler == nil {
		r.log.Warn("No handler registered for result",
			zap.String("callback_domain", domainName),
			zap.String("type_tag", decoded.TypeTag))
		r.metrics.ResultDispatched(domainName, decoded.TypeTag, false)
		return true, nil
	}

	if err := handler.Handle(ctx, env.CorrelationID, env.AccountID, decoded); err != nil {
		// isolated per handler; the router's own job succeeded
		r.log.Error("Result handler failed",
			zap.String("callback_domain", domainName),
			zap.String("type_tag", decoded.TypeTag),
			zap.String("correlation_id", env.CorrelationID),
			zap.Error(err))
		r.metrics.ResultDispatched(domainName, decoded.TypeTag, false)
		return true, nil
	}

	r.metrics.ResultDispatched(domainName, decoded.TypeTag, true)
	return true, nil
}
