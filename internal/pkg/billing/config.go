package billing

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/ommanoj88/SEV-sub002/internal/pkg/env"
)

var gatewayNamePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,31}$`)

// Config holds webhook verification and reprocessing settings.
type Config struct {
	// DefaultSecret is WEBHOOK_SECRET; WEBHOOK_SECRET_<GATEWAY> overrides it per gateway.
	DefaultSecret string
	// CheckoutKeySecret signs checkout callbacks.
	CheckoutKeySecret string
	// AllowUnsigned accepts deliveries when no secret is configured (dev/test only).
	AllowUnsigned bool
	MaxAttempts   int           `validate:"min=1,max=100"`
	StaleAfter    time.Duration `validate:"min=1m"`
	SweepBatch    int           `validate:"min=1,max=1000"`

	lookup func(key, def string) string
}

func ConfigFromEnv() (Config, error) {
	cfg := Config{
		DefaultSecret:     env.GetEnv("WEBHOOK_SECRET", ""),
		CheckoutKeySecret: env.GetEnv("CHECKOUT_KEY_SECRET", ""),
		AllowUnsigned:     env.IsNonProduction(),
		MaxAttempts:       env.GetEnvInt("WEBHOOK_MAX_ATTEMPTS", 5),
		StaleAfter:        time.Duration(env.GetEnvInt("WEBHOOK_STALE_AFTER_MINUTES", 15)) * time.Minute,
		SweepBatch:        env.GetEnvInt("WEBHOOK_SWEEP_BATCH", 100),
		lookup:            env.GetEnv,
	}
	if err := validator.New().Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("invalid webhook config: %w", err)
	}
	return cfg, nil
}

// SecretFor returns the signing secret for a gateway.
func (c Config) SecretFor(gateway string) string {
	if c.lookup != nil {
		if s := c.lookup("WEBHOOK_SECRET_"+strings.ToUpper(strings.ReplaceAll(gateway, "-", "_")), ""); s != "" {
			return s
		}
	}
	return c.DefaultSecret
}

// VerifierFor builds the signature verifier for a gateway.
func (c Config) VerifierFor(gateway string) *Verifier {
	return NewVerifier(c.SecretFor(gateway), c.AllowUnsigned)
}

// ValidGateway reports whether a path segment is an acceptable gateway name.
func ValidGateway(gateway string) bool {
	return gatewayNamePattern.MatchString(gateway)
}
