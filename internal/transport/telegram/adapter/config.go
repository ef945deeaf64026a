package adapter

import (
	"errors"
	"strings"
	"time"
)

var errNoPublicURL = errors.New("telegram: webhook public url is not configured")

// Mode selects how updates are received.
const (
	ModePolling = "polling"
	ModeWebhook = "webhook"
)

type Config struct {
	Token       string
	Mode        string // "polling" (default) | "webhook"
	PollTimeout time.Duration

	// Webhook mode. PublicURL is the externally reachable base URL and
	// Path is appended to it; updates are served by WebhookHandler.
	PublicURL   string
	Path        string
	SecretToken string
	DropPending bool

	// RatePerSec caps outgoing API calls across all senders.
	RatePerSec int
	// APIURL overrides the Bot API endpoint (tests, local Bot API server).
	APIURL string
	// Offline skips the getMe call on construction.
	Offline bool
}

func (c Config) withDefaults() Config {
	c.Mode = strings.ToLower(strings.TrimSpace(c.Mode))
	if c.Mode == "" {
		c.Mode = ModePolling
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = 10 * time.Second
	}
	if c.Path == "" {
		c.Path = "/webhook"
	}
	if !strings.HasPrefix(c.Path, "/") {
		c.Path = "/" + c.Path
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 25
	}
	return c
}

// WebhookURL is the full URL registered with Telegram.
func (c Config) WebhookURL() string {
	c = c.withDefaults()
	base := strings.TrimRight(strings.TrimSpace(c.PublicURL), "/")
	if base == "" {
		return ""
	}
	return base + c.Path
}
