package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	tele "gopkg.in/telebot.v4"

	kit "dripbot/internal/transport"
	logx "dripbot/pkg/logx"
)

func TestSplitTelegramText(t *testing.T) {
	t.Parallel()
	if got := splitTelegramText("short", 10, ""); len(got) != 1 || got[0] != "short" {
		t.Fatalf("short text split: %q", got)
	}

	long := strings.Repeat("a", 6) + "\n" + strings.Repeat("b", 6)
	got := splitTelegramText(long, 10, "")
	if len(got) != 2 || got[0] != "aaaaaa" || got[1] != "bbbbbb" {
		t.Fatalf("newline split: %q", got)
	}

	html := "xxxxxx<b>bold</b>"
	got = splitTelegramText(html, 8, tele.ModeHTML)
	if got[0] != "xxxxxx" {
		t.Fatalf("split inside tag: %q", got)
	}
	if strings.Join(got, "") != html {
		t.Fatalf("content lost: %q", got)
	}
}

func TestConfigWebhookURL(t *testing.T) {
	t.Parallel()
	tests := []struct {
		cfg  Config
		want string
	}{
		{Config{PublicURL: "https://bot.example.com/"}, "https://bot.example.com/webhook"},
		{Config{PublicURL: "https://bot.example.com", Path: "tg"}, "https://bot.example.com/tg"},
		{Config{}, ""},
	}
	for _, tt := range tests {
		if got := tt.cfg.WebhookURL(); got != tt.want {
			t.Fatalf("WebhookURL(%+v)=%q want %q", tt.cfg, got, tt.want)
		}
	}
}

func TestMapError(t *testing.T) {
	t.Parallel()
	if err := mapError(tele.ErrBlockedByUser); !errors.Is(err, kit.ErrBlocked) || !errors.Is(err, tele.ErrBlockedByUser) {
		t.Fatalf("blocked not mapped: %v", err)
	}
	flood := mapError(tele.FloodError{RetryAfter: 3})
	if kit.RetryAfter(flood) != 3*time.Second {
		t.Fatal("flood control hint not exposed")
	}
	other := errors.New("boom")
	if err := mapError(other); err != other {
		t.Fatalf("unrelated error changed: %v", err)
	}
}

func TestRedactStripsToken(t *testing.T) {
	t.Parallel()
	const token = "123456:SECRET-TOKEN"
	uerr := &url.Error{Op: "Post", URL: "https://api.telegram.org/bot" + token + "/sendMessage", Err: context.DeadlineExceeded}
	err := redact(fmt.Errorf("telebot: %w", uerr), token)
	if strings.Contains(err.Error(), token) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("redact(url error) = %v", err)
	}
	err = redact(errors.New("bad request to /bot"+token+"/getMe"), token)
	if strings.Contains(err.Error(), token) || !strings.Contains(err.Error(), "/bot***/getMe") {
		t.Fatalf("redact(plain) = %v", err)
	}
	if err := redact(tele.ErrBlockedByUser, token); err != tele.ErrBlockedByUser {
		t.Fatalf("API error changed: %v", err)
	}
}

func TestSendErrorsHideToken(t *testing.T) {
	const token = "123456:SECRET-TOKEN"
	a, err := New(Config{Token: token, APIURL: "http://127.0.0.1:1", Offline: true, RatePerSec: 1000}, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()
	_, sendErr := a.SendText(ctx, kit.ChatTarget{ChatID: 1}, "hello", nil)
	_, photoErr := a.SendPhoto(ctx, kit.ChatTarget{ChatID: 1}, "file-id", "hi", nil)
	_, infoErr := a.WebhookInfo(ctx)
	for _, err := range []error{sendErr, photoErr, infoErr} {
		if err == nil {
			t.Fatal("expected a connection error")
		}
		if strings.Contains(err.Error(), token) {
			t.Fatalf("token leaked: %v", err)
		}
	}
}

func TestPhotoFile(t *testing.T) {
	t.Parallel()
	if f := photoFile("https://x.example/p.png"); f.FileURL != "https://x.example/p.png" {
		t.Fatalf("url not used: %+v", f)
	}
	if f := photoFile("AgACAgIAAx"); f.FileID != "AgACAgIAAx" {
		t.Fatalf("file id not used: %+v", f)
	}
}

func TestToMessage(t *testing.T) {
	t.Parallel()
	m := toMessage(&tele.Message{
		ID:     3,
		Text:   "/start",
		Chat:   &tele.Chat{ID: 9, Type: tele.ChatPrivate},
		Sender: &tele.User{ID: 9, FirstName: "Ann", LastName: "Lee", Username: "ann"},
	})
	if !m.IsPrivate || m.FromID != 9 || m.DisplayName() != "Ann Lee" || m.FromUsername != "ann" {
		t.Fatalf("unexpected message: %+v", m)
	}
}

// fakeAPI is a minimal Bot API endpoint recording sendMessage calls.
type fakeAPI struct {
	mu      sync.Mutex
	calls   []map[string]any
	blocked map[string]bool
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	var params map[string]any
	_ = json.Unmarshal(body, &params)

	method := r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:]
	f.mu.Lock()
	params["_method"] = method
	f.calls = append(f.calls, params)
	chatID, _ := params["chat_id"].(string)
	blocked := f.blocked[chatID]
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if blocked {
		w.WriteHeader(http.StatusForbidden)
		_, _ = io.WriteString(w, `{"ok":false,"error_code":403,"description":"Forbidden: bot was blocked by the user"}`)
		return
	}
	_, _ = io.WriteString(w, `{"ok":true,"result":{"message_id":77,"date":0,"chat":{"id":1,"type":"private"}}}`)
}

func newTestAdapter(t *testing.T, api *fakeAPI) *Adapter {
	t.Helper()
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)
	a, err := New(Config{Token: "123:abc", APIURL: srv.URL, Offline: true, RatePerSec: 1000}, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a
}

func TestSendTextWithButton(t *testing.T) {
	api := &fakeAPI{}
	a := newTestAdapter(t, api)

	ref, err := a.SendText(context.Background(), kit.ChatTarget{ChatID: 1}, "hello", &kit.SendOptions{
		Button: &kit.Button{Label: "More", URL: "https://example.com"},
	})
	if err != nil {
		t.Fatalf("SendText: %v", err)
	}
	if ref.MessageID != 77 {
		t.Fatalf("ref=%+v", ref)
	}

	api.mu.Lock()
	defer api.mu.Unlock()
	if len(api.calls) != 1 || api.calls[0]["_method"] != "sendMessage" {
		t.Fatalf("calls=%v", api.calls)
	}
	markup, _ := api.calls[0]["reply_markup"].(string)
	if !strings.Contains(markup, "https://example.com") || !strings.Contains(markup, "More") {
		t.Fatalf("button missing from reply_markup: %q", markup)
	}
}

func TestSendTextBlockedUser(t *testing.T) {
	api := &fakeAPI{blocked: map[string]bool{"2": true}}
	a := newTestAdapter(t, api)

	_, err := a.SendText(context.Background(), kit.ChatTarget{ChatID: 2}, "hello", nil)
	if !errors.Is(err, kit.ErrBlocked) {
		t.Fatalf("err=%v want ErrBlocked", err)
	}
}

func TestNewValidatesConfig(t *testing.T) {
	if _, err := New(Config{}, logx.Nop()); err == nil {
		t.Fatal("empty token accepted")
	}
	if _, err := New(Config{Token: "1:x", Mode: "webhook", Offline: true}, logx.Nop()); err == nil {
		t.Fatal("webhook mode without url accepted")
	}
	if _, err := New(Config{Token: "1:x", Mode: "carrier-pigeon", Offline: true}, logx.Nop()); err == nil {
		t.Fatal("unknown mode accepted")
	}
	a, err := New(Config{Token: "1:x", Mode: "webhook", PublicURL: "https://h.example", Offline: true}, logx.Nop())
	if err != nil {
		t.Fatalf("webhook mode: %v", err)
	}
	if a.WebhookHandler() == nil {
		t.Fatal("webhook mode should expose a handler")
	}
}
