// Package adapter implements the chat transport on the Telegram Bot API.
package adapter

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	rtsup "dripbot/internal/runtime/supervisor"
	kit "dripbot/internal/transport"
	logx "dripbot/pkg/logx"
)

type Adapter struct {
	cfg     Config
	log     logx.Logger
	bot     *tele.Bot
	webhook *tele.Webhook
	limiter *rate.Limiter

	out     atomic.Value // chan<- kit.Update
	runMu   sync.Mutex
	running bool
	sup     *rtsup.Supervisor

	droppedUpdates atomic.Uint64

	menuMu   sync.Mutex
	menuHash uint64
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	cfg = cfg.withDefaults()
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	a := &Adapter{
		cfg:     cfg,
		log:     log.With(logx.String("comp", "telegram")),
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
	}

	var poller tele.Poller
	switch cfg.Mode {
	case ModePolling:
		poller = &tele.LongPoller{Timeout: cfg.PollTimeout}
	case ModeWebhook:
		if cfg.WebhookURL() == "" {
			return nil, errors.New("webhook mode needs a public url")
		}
		// Empty Listen: updates arrive through WebhookHandler mounted on
		// the ops HTTP server instead of telebot's own listener.
		a.webhook = a.newWebhook(cfg.DropPending)
		poller = a.webhook
	default:
		return nil, fmt.Errorf("unknown telegram mode %q", cfg.Mode)
	}

	b, err := tele.NewBot(tele.Settings{
		URL:     cfg.APIURL,
		Token:   cfg.Token,
		Poller:  poller,
		Offline: cfg.Offline,
		OnError: func(err error, c tele.Context) {
			a.log.Warn("telegram handler error", logx.Err(redact(err, cfg.Token)))
		},
	})
	if err != nil {
		return nil, redact(err, cfg.Token)
	}
	a.bot = b

	var nilOut chan<- kit.Update
	a.out.Store(nilOut)
	a.registerHandlers()
	return a, nil
}

func (a *Adapter) newWebhook(drop bool) *tele.Webhook {
	return &tele.Webhook{
		Endpoint:    &tele.WebhookEndpoint{PublicURL: a.cfg.WebhookURL()},
		SecretToken: a.cfg.SecretToken,
		DropUpdates: drop,
		AllowedUpdates: []string{
			"message",
		},
	}
}

// Mode reports the configured update mode.
func (a *Adapter) Mode() string { return a.cfg.Mode }

// Supervisor returns the adapter's internal supervisor (nil if not started).
func (a *Adapter) Supervisor() *rtsup.Supervisor {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	return a.sup
}

func (a *Adapter) registerHandlers() {
	// Commands without a registered endpoint fall through to OnText, so
	// this single handler sees /start and friends too.
	a.bot.Handle(tele.OnText, func(c tele.Context) error {
		m := c.Message()
		if m == nil || m.Sender == nil || m.Chat == nil {
			return nil
		}
		a.sendUpdate(kit.Update{Kind: kit.UpdateMessage, Message: toMessage(m)})
		return nil
	})
}

func toMessage(m *tele.Message) *kit.Message {
	return &kit.Message{
		ID:            m.ID,
		ChatID:        m.Chat.ID,
		ThreadID:      m.ThreadID,
		FromID:        m.Sender.ID,
		FromUsername:  m.Sender.Username,
		FromFirstName: m.Sender.FirstName,
		FromLastName:  m.Sender.LastName,
		Text:          m.Text,
		IsPrivate:     m.Chat.Type == tele.ChatPrivate,
	}
}

func (a *Adapter) sendUpdate(up kit.Update) {
	out, _ := a.out.Load().(chan<- kit.Update)
	if out == nil {
		return
	}
	select {
	case out <- up:
	default:
		a.droppedUpdates.Add(1)
	}
}

func (a *Adapter) Start(ctx context.Context, out chan<- kit.Update) error {
	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return nil
	}
	a.running = true
	a.out.Store(out)
	a.sup = rtsup.New(ctx,
		rtsup.WithLogger(a.log),
		// adapter errors should not take down the whole app
		rtsup.WithCancelOnError(false),
	)
	sup := a.sup
	a.runMu.Unlock()

	sup.Go0("updates.drop_report", func(c context.Context) {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-c.Done():
				a.reportDropped(cap(out))
				return
			case <-ticker.C:
				a.reportDropped(cap(out))
			}
		}
	})

	sup.Go0("telebot.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		a.bot.Stop()
	})

	// telebot's Start can return unexpectedly; restart it until cancelled.
	sup.GoRestart("telebot.poll", func(c context.Context) error {
		a.log.Info("receiving updates", logx.String("mode", a.cfg.Mode))
		a.bot.Start()
		a.log.Info("update loop stopped")
		return nil
	},
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		rtsup.WithPublishFirstError(true),
		rtsup.WithStopOnCleanExit(false),
	)
	return nil
}

func (a *Adapter) reportDropped(capacity int) {
	if n := a.droppedUpdates.Swap(0); n > 0 {
		a.log.Warn("incoming updates dropped (channel full)", logx.Uint64("count", n), logx.Int("chan_cap", capacity))
	}
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	sup := a.sup
	a.sup = nil
	wasRunning := a.running
	a.running = false
	var nilOut chan<- kit.Update
	a.out.Store(nilOut)
	a.runMu.Unlock()

	if !wasRunning || sup == nil {
		return nil
	}
	a.log.Info("stopping")
	sup.Cancel()
	go a.bot.Stop()

	// keep shutdown snappy even if getUpdates is still long-polling
	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < grace {
			grace = rem
		}
	}
	wctx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()
	if err := sup.Wait(wctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			a.log.Warn("telegram stop timed out", logx.Err(err))
			return nil
		}
		a.log.Debug("telegram stopped with supervisor error", logx.Err(err))
	}
	return nil
}

// WebhookHandler serves Telegram webhook POSTs. It is nil in polling mode.
func (a *Adapter) WebhookHandler() http.Handler {
	if a.webhook == nil {
		return nil
	}
	return a.webhook
}
