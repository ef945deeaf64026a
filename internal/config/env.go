package config

import (
	"errors"
	"io/fs"
	"strings"

	"github.com/joho/godotenv"
)

// Environment overrides. They win over the config file so secrets can stay
// out of it.
const (
	EnvBotToken   = "BOT_TOKEN"
	EnvWebhookURL = "WEBHOOK_URL"
	// EnvRenderURL is set by the Render platform; used when WEBHOOK_URL is not.
	EnvRenderURL  = "RENDER_EXTERNAL_URL"
	EnvStorageDSN = "DRIPBOT_STORAGE_DSN"
)

// LoadDotEnv reads KEY=VALUE files into the process environment. Variables
// that are already set win. Missing files are skipped.
func LoadDotEnv(files ...string) error {
	for _, f := range files {
		if strings.TrimSpace(f) == "" {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return err
		}
	}
	return nil
}

// ApplyEnv overlays environment overrides on cfg and returns the names of
// the variables that were applied.
func ApplyEnv(cfg *Config, getenv func(string) string) []string {
	if cfg == nil || getenv == nil {
		return nil
	}
	var applied []string
	get := func(k string) string { return strings.TrimSpace(getenv(k)) }

	if v := get(EnvBotToken); v != "" {
		cfg.Telegram.Token = v
		applied = append(applied, EnvBotToken)
	}
	url, name := get(EnvWebhookURL), EnvWebhookURL
	if url == "" {
		url, name = get(EnvRenderURL), EnvRenderURL
	}
	if url != "" {
		cfg.Telegram.PublicURL = url
		if cfg.Telegram.Mode == "" {
			cfg.Telegram.Mode = "webhook"
		}
		applied = append(applied, name)
	}
	if v := get(EnvStorageDSN); v != "" {
		cfg.Storage.DSN = v
		if cfg.Storage.Driver == "" {
			cfg.Storage.Driver = "postgres"
		}
		applied = append(applied, EnvStorageDSN)
	}
	return applied
}
