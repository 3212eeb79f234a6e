package http

import (
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

const accountIDKey = "accountID"

// requestLogger logs every request with zap the way the rest of the plane
// logs
func requestLogger(log *zap.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()
		log.Debug("Handled request",
			zap.String("method", c.Method()),
			zap.String("path", c.Path()),
			zap.Int("status", c.Response().StatusCode()),
			zap.Duration("took", time.Since(start)))
		return err
	}
}

// accountAuth binds the caller to an account. With a secret configured the
// bearer token must be an HS256 JWT carrying an accountId claim; without
// one (tests, simulation) the X-Account-Id header is trusted.
func accountAuth(secret string, log *zap.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if secret == "" {
			accountID := c.Get("X-Account-Id")
			if accountID == "" {
				return c.SendStatus(fiber.StatusUnauthorized)
			}
			c.Locals(accountIDKey, accountID)
			return c.Next()
		}

		header := c.Get(fiber.HeaderAuthorization)
		raw, ok := strings.CutPrefix(header, "Bearer ")
		if !ok {
			return c.SendStatus(fiber.StatusUnauthorized)
		}

		token, err := jwt.Parse(raw, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
			}
			return []byte(secret), nil
		})
		if err != nil || !token.Valid {
			log.Debug("Rejected worker token", zap.Error(err))
			return c.SendStatus(fiber.StatusUnauthorized)
		}

		claims, ok := token.Claims.(jwt.MapClaims)
		if !ok {
			return c.SendStatus(fiber.StatusUnauthorized)
		}
		accountID, _ := claims["accountId"].(string)
		if accountID == "" {
			return c.SendStatus(fiber.StatusUnauthorized)
		}

		c.Locals(accountIDKey, accountID)
		return c.Next()
	}
}

func accountID(c *fiber.Ctx) string {
	id, _ := c.Locals(accountIDKey).(string)
	return id
}
