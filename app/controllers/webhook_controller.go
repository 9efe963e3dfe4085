package controllers

import (
	"net/http"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/ommanoj88/SEV-sub002/internal/pkg/apperror"
	"github.com/ommanoj88/SEV-sub002/internal/pkg/billing"
)

// WebhookController is the gateway-facing HTTP boundary.
type WebhookController struct {
	ingestor *billing.Ingestor
	now      func() time.Time
}

func NewWebhookController(ingestor *billing.Ingestor) *WebhookController {
	return &WebhookController{ingestor: ingestor, now: time.Now}
}

// signatureHeader returns X-<Gateway>-Signature for a gateway path segment.
func signatureHeader(gateway string) string {
	return http.CanonicalHeaderKey("X-" + gateway + "-Signature")
}

// HandleWebhook ingests one gateway delivery. The raw body is verified byte for byte,
// so it is never re-encoded before ingestion.
func (w *WebhookController) HandleWebhook(c *fiber.Ctx) error {
	gateway := strings.ToLower(c.Params("gateway"))
	if !billing.ValidGateway(gateway) {
		return respondError(c, apperror.Validation("unknown gateway"))
	}

	payload := append([]byte(nil), c.Body()...)
	result, err := w.ingestor.Ingest(c.UserContext(), billing.IngestRequest{
		Source:    gateway,
		Payload:   payload,
		Signature: c.Get(signatureHeader(gateway)),
		ClientIP:  GetClientIP(c),
		UserAgent: c.Get(fiber.HeaderUserAgent),
	})
	if err != nil {
		return respondError(c, err)
	}

	body := fiber.Map{
		"status":  result.Status,
		"message": result.Message,
		"eventId": result.EventID,
	}
	if result.EventType != "" {
		body["eventType"] = result.EventType
	}
	return c.Status(fiber.StatusOK).JSON(body)
}

func (w *WebhookController) HandleHealth(c *fiber.Ctx) error {
	gateway := strings.ToLower(c.Params("gateway"))
	if !billing.ValidGateway(gateway) {
		return respondError(c, apperror.Validation("unknown gateway"))
	}
	return c.JSON(fiber.Map{
		"status":            "healthy",
		"webhookConfigured": w.ingestor.Config().VerifierFor(gateway).Configured(),
		"timestamp":         w.now().UTC().Format(time.RFC3339),
	})
}
