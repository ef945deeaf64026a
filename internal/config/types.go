package config

type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Storage   StorageConfig   `json:"storage"`
	Delivery  DeliveryConfig  `json:"delivery"`
	Retention RetentionConfig `json:"retention"`
	Broadcast BroadcastConfig `json:"broadcast"`
	Scheduler SchedulerConfig `json:"scheduler"`
	HTTP      HTTPConfig      `json:"http"`
	Logging   LoggingConfig   `json:"logging"`

	// Catalog replaces the built-in message sequence when non-empty.
	Catalog []CatalogEntry `json:"catalog,omitempty"`
}

type TelegramConfig struct {
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`

	// Mode is "polling" (default) or "webhook".
	Mode string `json:"mode,omitempty"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout,omitempty"`

	// Webhook settings. PublicURL is the externally reachable base URL;
	// the bot registers PublicURL+WebhookPath with Telegram.
	PublicURL   string `json:"public_url,omitempty"`
	WebhookPath string `json:"webhook_path,omitempty"`
	SecretToken string `json:"secret_token,omitempty"`
	DropPending bool   `json:"drop_pending,omitempty"`

	RatePerSec int    `json:"rate_per_sec,omitempty"`
	APIURL     string `json:"api_url,omitempty"`
}

// StorageConfig selects the database.
//
// Example:
//
//	storage: { driver: sqlite, path: ./data/dripbot.db }
//	storage: { driver: postgres, dsn: postgres://u:p@db/drip }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
	// Duplicates is "allow" (default) or "replace".
	Duplicates string `json:"duplicates,omitempty"`
}

// DeliveryConfig tunes the periodic delivery cycle.
//
// Defaults: every "1m", workers 4, no batch limit, retry forever without
// backoff.
type DeliveryConfig struct {
	Every       string `json:"every,omitempty"`
	Timeout     string `json:"timeout,omitempty"`
	BatchSize   int    `json:"batch_size,omitempty"`
	Workers     int    `json:"workers,omitempty"`
	SendTimeout string `json:"send_timeout,omitempty"`

	MaxAttempts int    `json:"max_attempts,omitempty"`
	BackoffBase string `json:"backoff_base,omitempty"`
	BackoffMax  string `json:"backoff_max,omitempty"`

	StrictCatalog bool `json:"strict_catalog,omitempty"`
}

// RetentionConfig controls the purge of sent and failed rows.
// Enabled is a pointer so an omitted block defaults to on.
type RetentionConfig struct {
	Enabled *bool  `json:"enabled,omitempty"`
	At      string `json:"at,omitempty"`      // HH:MM in scheduler timezone, default "03:30"
	MaxAge  string `json:"max_age,omitempty"` // default "168h"
}

func (r RetentionConfig) IsEnabled() bool { return r.Enabled == nil || *r.Enabled }

type BroadcastConfig struct {
	Workers    int `json:"workers,omitempty"`
	RatePerSec int `json:"rate_per_sec,omitempty"`
	RetryMax   int `json:"retry_max,omitempty"`
	QueueSize  int `json:"queue_size,omitempty"`
}

type SchedulerConfig struct {
	// Trigger timezone.
	Timezone string `json:"timezone,omitempty"`
	// DefaultTimeout is a Go duration string (e.g. "10s", "1m").
	// Use "0s" to disable a global default timeout.
	DefaultTimeout string `json:"default_timeout,omitempty"`
	HistorySize    int    `json:"history_size,omitempty"`
}

// HTTPConfig controls the ops HTTP server (/health, /status, /metrics and
// the webhook endpoint).
//
// Security note:
//   - Prefer binding to localhost unless webhook mode needs the port.
//   - /debug/pprof is only mounted when pprof is true.
type HTTPConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default ":8080"
	Pprof   bool   `json:"pprof,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ChatID     int64  `json:"chat_id"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// CatalogEntry is one stage of a configured sequence. Delay is a Go
// duration string relative to enrollment.
type CatalogEntry struct {
	Stage      int    `json:"stage"`
	Delay      string `json:"delay"`
	Text       string `json:"text"`
	Image      string `json:"image,omitempty"`
	ButtonText string `json:"button_text,omitempty"`
	ButtonURL  string `json:"button_url,omitempty"`
}
