package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	logx "dripbot/pkg/logx"
)

func TestRunRejectsBadUsage(t *testing.T) {
	ctx := context.Background()
	var out bytes.Buffer
	cases := []struct {
		cmd  string
		args []string
	}{
		{"nope", nil},
		{"service", nil},
		{"service", []string{"reload"}},
		{"status", []string{"--bogus"}},
	}
	for _, tc := range cases {
		err := run(ctx, &out, "missing.yaml", logx.Nop(), tc.cmd, tc.args)
		if !errors.Is(err, errUsage) {
			t.Fatalf("%s %v: err = %v, want usage error", tc.cmd, tc.args, err)
		}
	}
}

func TestRunStatusPrintsJSON(t *testing.T) {
	for _, k := range []string{"BOT_TOKEN", "WEBHOOK_URL", "RENDER_EXTERNAL_URL", "DRIPBOT_STORAGE_DSN"} {
		t.Setenv(k, "")
	}
	dir := t.TempDir()
	cfg := "telegram: { token: \"123:abc\" }\nstorage: { driver: sqlite, path: " + filepath.Join(dir, "d.db") + " }\n"
	p := filepath.Join(dir, "dripbot.yaml")
	if err := os.WriteFile(p, []byte(cfg), 0o600); err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer
	if err := run(context.Background(), &out, p, logx.Nop(), "status", nil); err != nil {
		t.Fatalf("status: %v", err)
	}
	if !strings.Contains(out.String(), `"Subscribers": 0`) {
		t.Fatalf("output = %s", out.String())
	}
}
