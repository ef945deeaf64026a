package app

import (
	"fmt"
	"strings"
	"time"

	"dripbot/internal/broadcast"
	"dripbot/internal/catalog"
	"dripbot/internal/config"
	"dripbot/internal/delivery"
	"dripbot/internal/observability/httpserver"
	"dripbot/internal/scheduler"
	"dripbot/internal/storage"
	telegram "dripbot/internal/transport/telegram/adapter"
	logx "dripbot/pkg/logx"
)

const (
	defaultDeliveryEvery  = time.Minute
	defaultRetentionAt    = "03:30"
	defaultRetentionAge   = 7 * 24 * time.Hour
	defaultPollTimeout    = 10 * time.Second
	defaultTaskTimeout    = 2 * time.Minute
	defaultSchedTimeout   = 5 * time.Minute
	defaultSchedHistory   = 100
	defaultRetentionLimit = 10 * time.Minute
)

func mapTelegramConfig(cfg *config.Config) (telegram.Config, error) {
	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, defaultPollTimeout)
	if err != nil {
		return telegram.Config{}, err
	}
	return telegram.Config{
		Token:       cfg.Telegram.Token,
		Mode:        cfg.Telegram.Mode,
		PollTimeout: pollTimeout,
		PublicURL:   cfg.Telegram.PublicURL,
		Path:        cfg.Telegram.WebhookPath,
		SecretToken: cfg.Telegram.SecretToken,
		DropPending: cfg.Telegram.DropPending,
		RatePerSec:  cfg.Telegram.RatePerSec,
		APIURL:      cfg.Telegram.APIURL,
	}, nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	busy, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	dup, err := storage.ParseDuplicatePolicy(cfg.Storage.Duplicates)
	if err != nil {
		return storage.Config{}, fmt.Errorf("storage.duplicates: %w", err)
	}
	return storage.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		DSN:         cfg.Storage.DSN,
		BusyTimeout: busy,
		Duplicates:  dup,
	}, nil
}

// deliverySettings is the delivery section split into the engine config
// and the trigger parameters owned by the scheduler.
type deliverySettings struct {
	engine  delivery.Config
	every   time.Duration
	timeout time.Duration
}

func mapDeliveryConfig(cfg *config.Config) (deliverySettings, error) {
	d := cfg.Delivery
	every, err := config.ParseDurationOrDefault("delivery.every", d.Every, defaultDeliveryEvery)
	if err != nil {
		return deliverySettings{}, err
	}
	timeout, err := config.ParseDurationOrDefault("delivery.timeout", d.Timeout, defaultTaskTimeout)
	if err != nil {
		return deliverySettings{}, err
	}
	sendTimeout, err := config.ParseDurationField("delivery.send_timeout", d.SendTimeout)
	if err != nil {
		return deliverySettings{}, err
	}
	base, err := config.ParseDurationField("delivery.backoff_base", d.BackoffBase)
	if err != nil {
		return deliverySettings{}, err
	}
	limit, err := config.ParseDurationField("delivery.backoff_max", d.BackoffMax)
	if err != nil {
		return deliverySettings{}, err
	}
	return deliverySettings{
		engine: delivery.Config{
			BatchSize:     d.BatchSize,
			Workers:       d.Workers,
			SendTimeout:   sendTimeout,
			MaxAttempts:   d.MaxAttempts,
			BackoffBase:   base,
			BackoffMax:    limit,
			StrictCatalog: d.StrictCatalog,
		},
		every:   every,
		timeout: timeout,
	}, nil
}

type retentionSettings struct {
	enabled bool
	at      string
	maxAge  time.Duration
}

func mapRetentionConfig(cfg *config.Config) (retentionSettings, error) {
	at := strings.TrimSpace(cfg.Retention.At)
	if at == "" {
		at = defaultRetentionAt
	}
	if err := config.ParseClockField("retention.at", at); err != nil {
		return retentionSettings{}, err
	}
	age, err := config.ParseDurationOrDefault("retention.max_age", cfg.Retention.MaxAge, defaultRetentionAge)
	if err != nil {
		return retentionSettings{}, err
	}
	return retentionSettings{enabled: cfg.Retention.IsEnabled(), at: at, maxAge: age}, nil
}

func mapBroadcastConfig(cfg *config.Config) broadcast.Config {
	return broadcast.Config{
		Workers:    cfg.Broadcast.Workers,
		RatePerSec: cfg.Broadcast.RatePerSec,
		RetryMax:   cfg.Broadcast.RetryMax,
		QueueSize:  cfg.Broadcast.QueueSize,
	}
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	timeout, err := config.ParseDurationOrDefault("scheduler.default_timeout", cfg.Scheduler.DefaultTimeout, defaultSchedTimeout)
	if err != nil {
		return scheduler.Config{}, err
	}
	history := cfg.Scheduler.HistorySize
	if history <= 0 {
		history = defaultSchedHistory
	}
	return scheduler.Config{
		Timezone:       cfg.Scheduler.Timezone,
		DefaultTimeout: timeout,
		HistorySize:    history,
	}, nil
}

func mapHTTPConfig(cfg *config.Config) (httpserver.Config, error) {
	h := cfg.HTTP
	read, err := config.ParseDurationField("http.read_timeout", h.ReadTimeout)
	if err != nil {
		return httpserver.Config{}, err
	}
	write, err := config.ParseDurationField("http.write_timeout", h.WriteTimeout)
	if err != nil {
		return httpserver.Config{}, err
	}
	idle, err := config.ParseDurationField("http.idle_timeout", h.IdleTimeout)
	if err != nil {
		return httpserver.Config{}, err
	}
	return httpserver.Config{
		Addr:         h.Addr,
		Pprof:        h.Pprof,
		ReadTimeout:  read,
		WriteTimeout: write,
		IdleTimeout:  idle,
		CheckTimeout: 3 * time.Second,
	}, nil
}

func mapLogConfig(cfg *config.Config) logx.Config {
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File: logx.FileConfig{
			Enabled: l.File.Enabled,
			Path:    l.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    l.Telegram.Enabled,
			ChatID:     l.Telegram.ChatID,
			ThreadID:   l.Telegram.ThreadID,
			MinLevel:   l.Telegram.MinLevel,
			RatePerSec: l.Telegram.RatePerSec,
		},
	}
}

// buildCatalog returns the configured sequence, or the built-in one when
// the config lists none.
func buildCatalog(cfg *config.Config) (*catalog.Catalog, error) {
	if len(cfg.Catalog) == 0 {
		return catalog.Default(), nil
	}
	entries := make([]catalog.Entry, 0, len(cfg.Catalog))
	for i, ce := range cfg.Catalog {
		delay, err := config.ParseDurationField(fmt.Sprintf("catalog[%d].delay", i), ce.Delay)
		if err != nil {
			return nil, err
		}
		content := catalog.Content{Text: ce.Text, Image: ce.Image}
		if url := strings.TrimSpace(ce.ButtonURL); url != "" {
			label := strings.TrimSpace(ce.ButtonText)
			if label == "" {
				label = catalog.DefaultButtonLabel
			}
			content.Button = &catalog.Button{Label: label, URL: url}
		}
		entries = append(entries, catalog.Entry{Stage: ce.Stage, Delay: delay, Content: content})
	}
	return catalog.New(entries)
}

// validate maps every section once so a hot reload that would fail to
// apply is rejected before it is committed.
func validate(cfg *config.Config) error {
	if _, err := mapTelegramConfig(cfg); err != nil {
		return err
	}
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapDeliveryConfig(cfg); err != nil {
		return err
	}
	if _, err := mapRetentionConfig(cfg); err != nil {
		return err
	}
	if _, err := mapSchedulerConfig(cfg); err != nil {
		return err
	}
	if _, err := mapHTTPConfig(cfg); err != nil {
		return err
	}
	if _, err := buildCatalog(cfg); err != nil {
		return err
	}
	return nil
}
