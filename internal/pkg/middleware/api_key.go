package middleware

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"golang.org/x/crypto/bcrypt"
)

// KeyOpsAuthenticated is set in Locals once the ops API key has been verified.
const KeyOpsAuthenticated = "OPS_AUTHENTICATED"

// OpsAPIKeyAuth protects operator endpoints with a single shared key whose bcrypt hash is
// configured in OPS_API_KEY_HASH. With no hash configured every request is rejected.
func OpsAPIKeyAuth(keyHash string) fiber.Handler {
	hash := []byte(strings.TrimSpace(keyHash))
	if len(hash) == 0 {
		log.Warn("[Ops] OPS_API_KEY_HASH not set, operator endpoints are disabled")
	}

	return func(c *fiber.Ctx) error {
		if len(hash) == 0 {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"status": "error", "message": "Operator API not configured"})
		}

		apiKey := extractAPIKeyFromHeader(c)
		if apiKey == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"status": "error", "message": "Missing API key"})
		}
		if err := bcrypt.CompareHashAndPassword(hash, []byte(apiKey)); err != nil {
			log.Warnf("[Ops] rejected API key from %s for %s %s", c.IP(), c.Method(), c.Path())
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"status": "error", "message": "Invalid API key"})
		}

		c.Locals(KeyOpsAuthenticated, true)
		return c.Next()
	}
}

func extractAPIKeyFromHeader(c *fiber.Ctx) string {
	apiKey := strings.TrimSpace(c.Get("X-API-Key"))
	if apiKey != "" {
		return apiKey
	}
	auth := strings.TrimSpace(c.Get("Authorization"))
	if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}
