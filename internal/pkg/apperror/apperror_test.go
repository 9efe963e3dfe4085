package apperror

import (
	"errors"
	"fmt"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
)

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{Validation("invalid payload"), fiber.StatusBadRequest},
		{Auth("invalid signature"), fiber.StatusUnauthorized},
		{Conflict("in flight"), fiber.StatusConflict},
		{NotFound("subscription %d not found", 7), fiber.StatusNotFound},
		{Processing("handler failed", errors.New("boom")), fiber.StatusOK},
		{errors.New("plain"), fiber.StatusInternalServerError},
		{fmt.Errorf("wrapped: %w", Conflict("x")), fiber.StatusConflict},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, HTTPStatus(tt.err), tt.err.Error())
	}
}

func TestErrorsIsMatchesKind(t *testing.T) {
	err := fmt.Errorf("load order: %w", NotFound("order %s not found", "order_1"))
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.False(t, errors.Is(err, ErrConflict))
	assert.Equal(t, "order order_1 not found", Message(err))
}

func TestWrapKeepsCause(t *testing.T) {
	cause := errors.New("db down")
	err := Internal("load invoice", cause)
	assert.True(t, errors.Is(err, cause))
	assert.Equal(t, "load invoice: db down", err.Error())
	assert.Equal(t, KindInternal, KindOf(err))
	assert.Equal(t, "internal server error", Message(errors.New("secret detail")))
}
