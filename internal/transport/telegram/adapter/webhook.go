package adapter

import (
	"context"
	"time"

	tele "gopkg.in/telebot.v4"

	kit "dripbot/internal/transport"
	logx "dripbot/pkg/logx"
)

// WebhookInfo is the subset of getWebhookInfo shown to operators.
type WebhookInfo struct {
	URL            string    `json:"url"`
	PendingUpdates int       `json:"pending_update_count"`
	MaxConnections int       `json:"max_connections,omitempty"`
	LastError      string    `json:"last_error,omitempty"`
	LastErrorAt    time.Time `json:"last_error_at,omitzero"`
}

// SetWebhook registers the configured public URL with Telegram.
func (a *Adapter) SetWebhook(ctx context.Context, dropPending bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if a.cfg.WebhookURL() == "" {
		return errNoPublicURL
	}
	if err := a.bot.SetWebhook(a.newWebhook(dropPending)); err != nil {
		return a.apiErr(err)
	}
	a.log.Info("webhook set", logx.String("url", a.cfg.WebhookURL()), logx.Bool("drop_pending", dropPending))
	return nil
}

// RemoveWebhook deletes the webhook, optionally dropping queued updates.
func (a *Adapter) RemoveWebhook(ctx context.Context, dropPending bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := a.bot.RemoveWebhook(dropPending); err != nil {
		return a.apiErr(err)
	}
	a.log.Info("webhook removed", logx.Bool("drop_pending", dropPending))
	return nil
}

// ResetWebhook removes and re-registers the webhook, dropping pending
// updates when asked. It recovers a bot stuck on a stale URL.
func (a *Adapter) ResetWebhook(ctx context.Context, dropPending bool) error {
	if err := a.RemoveWebhook(ctx, dropPending); err != nil {
		return err
	}
	return a.SetWebhook(ctx, dropPending)
}

func (a *Adapter) WebhookInfo(ctx context.Context) (WebhookInfo, error) {
	if err := ctx.Err(); err != nil {
		return WebhookInfo{}, err
	}
	wh, err := a.bot.Webhook()
	if err != nil {
		return WebhookInfo{}, a.apiErr(err)
	}
	return toWebhookInfo(wh), nil
}

func toWebhookInfo(wh *tele.Webhook) WebhookInfo {
	info := WebhookInfo{
		URL:            wh.Listen,
		PendingUpdates: wh.PendingUpdates,
		MaxConnections: wh.MaxConnections,
		LastError:      wh.ErrorMessage,
	}
	if wh.ErrorUnixtime > 0 {
		info.LastErrorAt = time.Unix(wh.ErrorUnixtime, 0)
	}
	return info
}

var _ kit.Adapter = (*Adapter)(nil)
