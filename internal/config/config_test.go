package config

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	logx "dripbot/pkg/logx"
)

const sampleYAML = `
telegram:
  token: "123:abc"
  owner_user_ids: [1, 2]
storage:
  driver: sqlite
  path: ./data/drip.db
delivery:
  every: 30s
  max_attempts: 5
retention:
  at: "04:15"
  max_age: 72h
http:
  enabled: true
  addr: 127.0.0.1:8080
logging:
  level: debug
  console: true
  file: { enabled: false, path: "" }
  telegram: { enabled: false, chat_id: 0, thread_id: 0, min_level: "", rate_per_sec: 0 }
catalog:
  - { stage: 0, delay: 0s, text: "hi {name}" }
  - { stage: 1, delay: 1m, text: "next", button_text: Go, button_url: "https://x" }
`

func noEnv(string) string { return "" }

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	return p
}

func TestDecodeYAML(t *testing.T) {
	cfg, err := Decode("c.yaml", []byte(sampleYAML))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if cfg.Telegram.Token != "123:abc" || !reflect.DeepEqual(cfg.Telegram.OwnerUserIDs, []int64{1, 2}) {
		t.Fatalf("telegram = %+v", cfg.Telegram)
	}
	if cfg.Delivery.Every != "30s" || cfg.Delivery.MaxAttempts != 5 {
		t.Fatalf("delivery = %+v", cfg.Delivery)
	}
	if len(cfg.Catalog) != 2 || cfg.Catalog[1].ButtonURL != "https://x" {
		t.Fatalf("catalog = %+v", cfg.Catalog)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestDecodeRejectsUnknownFieldsAndTrailingData(t *testing.T) {
	if _, err := Decode("c.yaml", []byte("telegram:\n  tokn: x\n")); err == nil {
		t.Fatalf("unknown field accepted")
	}
	if _, err := Decode("c.json", []byte(`{"telegram":{}} {}`)); err == nil {
		t.Fatalf("trailing data accepted")
	}
	if _, err := Decode("c.yaml", nil); err != nil {
		t.Fatalf("empty yaml: %v", err)
	}
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		return &Config{Telegram: TelegramConfig{Token: "t"}}
	}
	cases := []struct {
		name string
		mut  func(*Config)
		want string
	}{
		{"ok", func(*Config) {}, ""},
		{"no token", func(c *Config) { c.Telegram.Token = "" }, "telegram.token"},
		{"bad mode", func(c *Config) { c.Telegram.Mode = "push" }, "telegram.mode"},
		{"webhook without url", func(c *Config) { c.Telegram.Mode = "webhook"; c.HTTP.Enabled = true }, "public_url"},
		{"webhook without http", func(c *Config) { c.Telegram.Mode = "webhook"; c.Telegram.PublicURL = "https://x" }, "http.enabled"},
		{"postgres without dsn", func(c *Config) { c.Storage.Driver = "postgres" }, "storage.dsn"},
		{"bad driver", func(c *Config) { c.Storage.Driver = "mysql" }, "storage.driver"},
		{"bad duplicates", func(c *Config) { c.Storage.Duplicates = "merge" }, "storage.duplicates"},
		{"bad every", func(c *Config) { c.Delivery.Every = "soon" }, "delivery.every"},
		{"tiny every", func(c *Config) { c.Delivery.Every = "10ms" }, "at least 1s"},
		{"bad clock", func(c *Config) { c.Retention.At = "25:00" }, "retention.at"},
		{"bad tz", func(c *Config) { c.Scheduler.Timezone = "Mars/Base" }, "scheduler.timezone"},
		{"bad delay", func(c *Config) { c.Catalog = []CatalogEntry{{Delay: "-1m", Text: "x"}} }, "catalog[0].delay"},
		{"log chat", func(c *Config) { c.Logging.Telegram.Enabled = true }, "chat_id"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := base()
			tc.mut(c)
			err := c.Validate()
			if tc.want == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("err = %v, want mention of %q", err, tc.want)
			}
		})
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		EnvBotToken:   "env-token",
		EnvRenderURL:  "https://app.onrender.com",
		EnvStorageDSN: "postgres://u@db/drip",
	}
	cfg := &Config{Telegram: TelegramConfig{Token: "file-token"}}
	applied := ApplyEnv(cfg, func(k string) string { return env[k] })

	if cfg.Telegram.Token != "env-token" {
		t.Fatalf("token not overridden")
	}
	if cfg.Telegram.PublicURL != "https://app.onrender.com" || cfg.Telegram.Mode != "webhook" {
		t.Fatalf("telegram = %+v", cfg.Telegram)
	}
	if cfg.Storage.Driver != "postgres" || cfg.Storage.DSN == "" {
		t.Fatalf("storage = %+v", cfg.Storage)
	}
	want := []string{EnvBotToken, EnvRenderURL, EnvStorageDSN}
	if !reflect.DeepEqual(applied, want) {
		t.Fatalf("applied = %v, want %v", applied, want)
	}

	// WEBHOOK_URL wins over the platform variable; an explicit mode is kept.
	env[EnvWebhookURL] = "https://bot.example.com"
	cfg = &Config{Telegram: TelegramConfig{Mode: "polling"}}
	ApplyEnv(cfg, func(k string) string { return env[k] })
	if cfg.Telegram.PublicURL != "https://bot.example.com" || cfg.Telegram.Mode != "polling" {
		t.Fatalf("telegram = %+v", cfg.Telegram)
	}
}

func TestLoadDotEnvSkipsMissingFiles(t *testing.T) {
	p := writeFile(t, ".env", "DRIPBOT_TEST_DOTENV=from-file\n")
	t.Setenv("DRIPBOT_TEST_DOTENV", "")
	os.Unsetenv("DRIPBOT_TEST_DOTENV")

	if err := LoadDotEnv(filepath.Join(t.TempDir(), "missing.env"), p); err != nil {
		t.Fatalf("LoadDotEnv: %v", err)
	}
	if got := os.Getenv("DRIPBOT_TEST_DOTENV"); got != "from-file" {
		t.Fatalf("env = %q", got)
	}
}

func TestDiff(t *testing.T) {
	a, err := Decode("c.yaml", []byte(sampleYAML))
	if err != nil {
		t.Fatal(err)
	}
	b, _ := Decode("c.yaml", []byte(sampleYAML))
	if ch := Diff(a, b); !ch.Empty() {
		t.Fatalf("identical configs differ: %v", ch.Sections)
	}

	b.Telegram.OwnerUserIDs = []int64{9}
	b.Delivery.Every = "2m"
	b.Catalog = b.Catalog[:1]
	ch := Diff(a, b)
	if !reflect.DeepEqual(ch.Sections, []string{"telegram", "delivery", "catalog"}) {
		t.Fatalf("sections = %v", ch.Sections)
	}
	if len(ch.RestartRequired) != 0 {
		t.Fatalf("owner change should apply live: %v", ch.RestartRequired)
	}

	b.Storage.Path = "other.db"
	b.Telegram.Token = "new"
	ch = Diff(a, b)
	if !reflect.DeepEqual(ch.RestartRequired, []string{"telegram", "storage"}) {
		t.Fatalf("restart = %v", ch.RestartRequired)
	}
	var buf bytes.Buffer
	logx.NewWriter(&buf, "debug").Info("config changed", ch.Fields...)
	if strings.Contains(buf.String(), `"new"`) {
		t.Fatalf("token leaked into log fields: %s", buf.String())
	}
}

func TestManagerLoadAndReload(t *testing.T) {
	p := writeFile(t, "dripbot.yaml", sampleYAML)
	m := NewManager(p)
	m.SetEnv(noEnv)

	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if m.Get() != cfg {
		t.Fatalf("Get should return the committed config")
	}

	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)

	// unchanged content is not republished
	if err := m.Reload(context.Background()); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	select {
	case <-sub:
		t.Fatalf("unchanged config published")
	default:
	}

	if err := os.WriteFile(p, []byte(strings.Replace(sampleYAML, "every: 30s", "every: 2m", 1)), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := m.Reload(context.Background()); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	select {
	case got := <-sub:
		if got.Delivery.Every != "2m" {
			t.Fatalf("published every = %q", got.Delivery.Every)
		}
	default:
		t.Fatalf("changed config not published")
	}
}

func TestManagerValidatorRejects(t *testing.T) {
	p := writeFile(t, "dripbot.yaml", sampleYAML)
	m := NewManager(p)
	m.SetEnv(noEnv)
	if _, err := m.Load(); err != nil {
		t.Fatal(err)
	}
	old := m.Get()
	m.SetValidator(func(context.Context, *Config) error { return os.ErrInvalid })

	_ = os.WriteFile(p, []byte(strings.Replace(sampleYAML, "max_attempts: 5", "max_attempts: 6", 1)), 0o600)
	if err := m.Reload(context.Background()); err == nil {
		t.Fatalf("validator error ignored")
	}
	if m.Get() != old {
		t.Fatalf("rejected config was committed")
	}
}

func TestManagerWatchPublishes(t *testing.T) {
	p := writeFile(t, "dripbot.yaml", sampleYAML)
	m := NewManager(p)
	m.SetEnv(noEnv)
	m.debounce = 20 * time.Millisecond
	if _, err := m.Load(); err != nil {
		t.Fatal(err)
	}
	sub := m.Subscribe(1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { _ = m.Watch(ctx); close(done) }()
	defer func() { cancel(); <-done }()

	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	body := strings.Replace(sampleYAML, "level: debug", "level: warn", 1)
	for {
		select {
		case got := <-sub:
			if got.Logging.Level != "warn" {
				t.Fatalf("level = %q", got.Logging.Level)
			}
			return
		case <-tick.C:
			// rewrite until the watcher is registered and sees a change
			_ = os.WriteFile(p, []byte(body), 0o600)
		case <-deadline:
			t.Fatalf("watch did not publish")
		}
	}
}

func TestParseClockField(t *testing.T) {
	for _, ok := range []string{"00:00", "03:30", "23:59"} {
		if err := ParseClockField("x", ok); err != nil {
			t.Fatalf("%s: %v", ok, err)
		}
	}
	for _, bad := range []string{"3:3", "24:00", "12", "ab:cd", "12:60"} {
		if err := ParseClockField("x", bad); err == nil {
			t.Fatalf("%s accepted", bad)
		}
	}
}
