package http

import (
	"strconv"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/crabzie/Delegate-Task-Control-Plane/internal/core/domain"
)

// envelopeFormatHeader declares the payload's serialization format; absent
// means v1
const envelopeFormatHeader = "X-Envelope-Format"

// callbackHandler builds the shared result-callback endpoint for one
// domain: read the opaque body, hand it to the router, ack. Whether decode
// failures are swallowed or propagated is the router's call per domain.
func (s *Server) callbackHandler(domainName string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		format := domain.FormatV1
		if raw := c.Get(envelopeFormatHeader); raw != "" {
			if v, err := strconv.Atoi(raw); err == nil {
				format = domain.EnvelopeFormat(v)
			}
		}

		env := &domain.ResultEnvelope{
			CorrelationID: c.Params("correlationId"),
			AccountID:     accountID(c),
			Format:        format,
			Payload:       append([]byte(nil), c.Body()...),
		}

		ack, err := s.router.Route(c.Context(), domainName, env)
		if err != nil {
			s.log.Error("Result routing failed on critical domain",
				zap.String("callback_domain", domainName), zap.Error(err))
			return c.SendStatus(fiber.StatusBadRequest)
		}
		return c.JSON(fiber.Map{"ack": ack})
	}
}
