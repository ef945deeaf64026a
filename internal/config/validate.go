package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Validate reports every structural problem in cfg at once. Semantic
// checks that need other packages (catalog content) run in the app's
// reload validator.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	dur := func(path, raw string) {
		_, err := ParseDurationField(path, raw)
		add(err)
	}

	t := c.Telegram
	if strings.TrimSpace(t.Token) == "" {
		add(errors.New("telegram.token is required (or set " + EnvBotToken + ")"))
	}
	switch t.Mode {
	case "", "polling":
	case "webhook":
		if strings.TrimSpace(t.PublicURL) == "" {
			add(errors.New("telegram.public_url is required in webhook mode"))
		}
		if !c.HTTP.Enabled {
			add(errors.New("webhook mode needs http.enabled"))
		}
	default:
		add(fmt.Errorf("telegram.mode: unknown mode %q", t.Mode))
	}
	if p := strings.TrimSpace(t.WebhookPath); p != "" && !strings.HasPrefix(p, "/") {
		add(fmt.Errorf("telegram.webhook_path must start with /: %q", p))
	}
	dur("telegram.poll_timeout", t.PollTimeout)

	s := c.Storage
	switch s.Driver {
	case "", "sqlite":
	case "postgres":
		if strings.TrimSpace(s.DSN) == "" {
			add(errors.New("storage.dsn is required for postgres (or set " + EnvStorageDSN + ")"))
		}
	default:
		add(fmt.Errorf("storage.driver: unknown driver %q", s.Driver))
	}
	switch s.Duplicates {
	case "", "allow", "replace":
	default:
		add(fmt.Errorf("storage.duplicates: want allow or replace, got %q", s.Duplicates))
	}
	dur("storage.busy_timeout", s.BusyTimeout)

	d := c.Delivery
	if every, err := ParseDurationField("delivery.every", d.Every); err != nil {
		add(err)
	} else if every > 0 && every < time.Second {
		add(errors.New("delivery.every must be at least 1s"))
	}
	dur("delivery.timeout", d.Timeout)
	dur("delivery.send_timeout", d.SendTimeout)
	dur("delivery.backoff_base", d.BackoffBase)
	dur("delivery.backoff_max", d.BackoffMax)
	if d.BatchSize < 0 || d.Workers < 0 || d.MaxAttempts < 0 {
		add(errors.New("delivery: batch_size, workers and max_attempts must be >= 0"))
	}

	if at := strings.TrimSpace(c.Retention.At); at != "" {
		add(ParseClockField("retention.at", at))
	}
	dur("retention.max_age", c.Retention.MaxAge)

	b := c.Broadcast
	if b.Workers < 0 || b.RatePerSec < 0 || b.RetryMax < 0 || b.QueueSize < 0 {
		add(errors.New("broadcast: values must be >= 0"))
	}

	if tz := strings.TrimSpace(c.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			add(fmt.Errorf("scheduler.timezone: %w", err))
		}
	}
	dur("scheduler.default_timeout", c.Scheduler.DefaultTimeout)

	dur("http.read_timeout", c.HTTP.ReadTimeout)
	dur("http.write_timeout", c.HTTP.WriteTimeout)
	dur("http.idle_timeout", c.HTTP.IdleTimeout)

	if c.Logging.Telegram.Enabled && c.Logging.Telegram.ChatID == 0 {
		add(errors.New("logging.telegram.chat_id is required when enabled"))
	}

	for i, e := range c.Catalog {
		dur(fmt.Sprintf("catalog[%d].delay", i), e.Delay)
	}
	return errors.Join(errs...)
}
