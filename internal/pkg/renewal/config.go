package renewal

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/ommanoj88/SEV-sub002/internal/pkg/env"
	"github.com/robfig/cron/v3"
)

type Config struct {
	Enabled            bool
	ReminderDaysBefore int           `validate:"min=0,max=90"`
	GracePeriodDays    int           `validate:"min=0,max=90"`
	Schedule           string        `validate:"required"`
	NotifyTimeout      time.Duration `validate:"min=1s"`
}

func DefaultConfig() Config {
	return Config{
		Enabled:            true,
		ReminderDaysBefore: 7,
		GracePeriodDays:    3,
		Schedule:           "0 6 * * *",
		NotifyTimeout:      10 * time.Second,
	}
}

// ConfigFromEnv reads the RENEWAL_* keys.
func ConfigFromEnv() (Config, error) {
	def := DefaultConfig()
	cfg := Config{
		Enabled:            env.GetEnvBool("RENEWAL_ENABLED", def.Enabled),
		ReminderDaysBefore: env.GetEnvInt("RENEWAL_REMINDER_DAYS_BEFORE", def.ReminderDaysBefore),
		GracePeriodDays:    env.GetEnvInt("RENEWAL_GRACE_PERIOD_DAYS", def.GracePeriodDays),
		Schedule:           env.GetEnv("RENEWAL_SCHEDULE", def.Schedule),
		NotifyTimeout:      time.Duration(env.GetEnvInt("RENEWAL_NOTIFY_TIMEOUT_SECONDS", int(def.NotifyTimeout/time.Second))) * time.Second,
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid renewal config: %w", err)
	}
	if _, err := cron.ParseStandard(c.Schedule); err != nil {
		return fmt.Errorf("invalid renewal config: schedule %q: %w", c.Schedule, err)
	}
	return nil
}
