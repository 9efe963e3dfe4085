package controllers

import (
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"github.com/ommanoj88/SEV-sub002/internal/pkg/apperror"
)

// GetClientIP determines the originating client address behind Cloudflare or a proxy chain.
// IPv4 is preferred when the request carries both families.
func GetClientIP(c *fiber.Ctx) string {
	// 1. Cloudflare provides the original client IP in this header
	if cfIP := strings.TrimSpace(c.Get("CF-Connecting-IP")); cfIP != "" {
		if strings.Contains(cfIP, ":") {
			if v4 := firstIPv4(c.Get("X-Forwarded-For")); v4 != "" {
				return v4
			}
		}
		return cfIP
	}

	// 2. X-Forwarded-For can contain a list of IPs - the first one is the original client IP
	if xff := c.Get("X-Forwarded-For"); xff != "" {
		first := strings.TrimSpace(strings.Split(xff, ",")[0])
		if strings.Contains(first, ":") {
			if v4 := firstIPv4(xff); v4 != "" {
				return v4
			}
		}
		if first != "" {
			return first
		}
	}

	// 3. No proxy headers, use the socket address
	ipAddr := c.IP()
	// IPv4 in IPv6 mapping (::ffff:192.168.1.1)
	if strings.HasPrefix(ipAddr, "::ffff:") && strings.Contains(ipAddr, ".") {
		return strings.TrimPrefix(ipAddr, "::ffff:")
	}
	if strings.Contains(ipAddr, ":") {
		if realIP := strings.TrimSpace(c.Get("X-Real-IP")); realIP != "" && !strings.Contains(realIP, ":") {
			return realIP
		}
	}
	return ipAddr
}

func firstIPv4(list string) string {
	for _, ip := range strings.Split(list, ",") {
		ip = strings.TrimSpace(ip)
		if ip != "" && !strings.Contains(ip, ":") {
			return ip
		}
	}
	return ""
}

// respondError writes err as {status:"error", message} with the status its kind maps to.
// Internal causes are logged, never returned to the caller.
func respondError(c *fiber.Ctx, err error) error {
	status := apperror.HTTPStatus(err)
	if status >= fiber.StatusInternalServerError {
		log.Errorf("[HTTP] %s %s: %v", c.Method(), c.Path(), err)
	}
	return c.Status(status).JSON(fiber.Map{"status": "error", "message": apperror.Message(err)})
}

// paramID parses a positive numeric path parameter.
func paramID(c *fiber.Ctx, name string) (uint, error) {
	raw := c.Params(name)
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 {
		return 0, apperror.Validation("invalid " + name + ": " + raw)
	}
	return uint(id), nil
}
