package billing

import (
	"encoding/json"
	"strings"

	"github.com/ommanoj88/SEV-sub002/app/models"
)

// Event is a parsed gateway delivery handed to the dispatcher.
type Event struct {
	ID     string
	Type   string
	Source string
	// RowID is the WebhookEvent row this delivery is recorded in.
	RowID   uint
	Payload EventPayload
}

// envelope is the gateway wire format. Legacy deliveries carry the id in payload.entity.id.
type envelope struct {
	ID        string       `json:"id"`
	Event     string       `json:"event"`
	CreatedAt int64        `json:"created_at"`
	Payload   EventPayload `json:"payload"`
}

type EventPayload struct {
	Entity  *EntityRef      `json:"entity,omitempty"`
	Payment *PaymentWrapper `json:"payment,omitempty"`
	Order   *OrderWrapper   `json:"order,omitempty"`
	Refund  *RefundWrapper  `json:"refund,omitempty"`
}

type EntityRef struct {
	ID string `json:"id"`
}

type PaymentWrapper struct {
	Entity PaymentEntity `json:"entity"`
}

type OrderWrapper struct {
	Entity OrderEntity `json:"entity"`
}

type RefundWrapper struct {
	Entity RefundEntity `json:"entity"`
}

type PaymentEntity struct {
	ID               string `json:"id"`
	OrderID          string `json:"order_id"`
	Amount           int64  `json:"amount"`
	Currency         string `json:"currency"`
	Status           string `json:"status"`
	Method           string `json:"method"`
	ErrorCode        string `json:"error_code"`
	ErrorDescription string `json:"error_description"`
	ErrorReason      string `json:"error_reason"`
}

type OrderEntity struct {
	ID         string `json:"id"`
	Amount     int64  `json:"amount"`
	AmountPaid int64  `json:"amount_paid"`
	Status     string `json:"status"`
	Receipt    string `json:"receipt"`
}

type RefundEntity struct {
	ID        string `json:"id"`
	PaymentID string `json:"payment_id"`
	Amount    int64  `json:"amount"`
	Status    string `json:"status"`
}

// ParseEvent decodes a raw delivery. It fails only for malformed JSON; a blank id is
// reported by the returned event's empty ID.
func ParseEvent(source string, payload []byte) (*Event, error) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, err
	}

	id := strings.TrimSpace(env.ID)
	if id == "" && env.Payload.Entity != nil {
		id = strings.TrimSpace(env.Payload.Entity.ID)
	}
	eventType := strings.TrimSpace(env.Event)
	if eventType == "" {
		eventType = models.WebhookEventUnknown
	}

	return &Event{
		ID:      id,
		Type:    eventType,
		Source:  source,
		Payload: env.Payload,
	}, nil
}

// PaymentID returns the gateway payment id the event refers to, if any.
func (e *Event) PaymentID() string {
	switch {
	case e.Payload.Payment != nil && e.Payload.Payment.Entity.ID != "":
		return e.Payload.Payment.Entity.ID
	case e.Payload.Refund != nil:
		return e.Payload.Refund.Entity.PaymentID
	}
	return ""
}

// OrderID returns the gateway order id the event refers to, if any.
func (e *Event) OrderID() string {
	switch {
	case e.Payload.Payment != nil && e.Payload.Payment.Entity.OrderID != "":
		return e.Payload.Payment.Entity.OrderID
	case e.Payload.Order != nil:
		return e.Payload.Order.Entity.ID
	}
	return ""
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
