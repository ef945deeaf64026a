package app

import (
	"context"
	"fmt"
	"time"

	"dripbot/internal/broadcast"
	"dripbot/internal/catalog"
	"dripbot/internal/config"
	"dripbot/internal/delivery"
	"dripbot/internal/storage"
	telegram "dripbot/internal/transport/telegram/adapter"
	logx "dripbot/pkg/logx"
)

// Toolkit runs one-shot operator tasks against the same config, store and
// bot account as the service, without receiving updates.
type Toolkit struct {
	cfg     *config.Config
	log     logx.Logger
	store   *storage.Store
	adapter *telegram.Adapter
	engine  *delivery.Engine
	bcast   *broadcast.Service
}

func OpenToolkit(ctx context.Context, cfgPath string, log logx.Logger) (*Toolkit, error) {
	if err := config.LoadDotEnv(".env"); err != nil {
		return nil, err
	}
	cfg, err := config.NewManager(cfgPath).Load()
	if err != nil {
		return nil, err
	}
	tcfg, err := mapTelegramConfig(cfg)
	if err != nil {
		return nil, err
	}
	// no getMe round trip for a one-shot command
	tcfg.Offline = true
	ad, err := telegram.New(tcfg, log)
	if err != nil {
		return nil, err
	}
	scfg, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	ds, err := mapDeliveryConfig(cfg)
	if err != nil {
		return nil, err
	}
	cat, err := buildCatalog(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(ctx, scfg, log)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	return &Toolkit{
		cfg:     cfg,
		log:     log,
		store:   store,
		adapter: ad,
		engine:  delivery.New(store, ad, cat, ds.engine, delivery.WithLogger(log)),
		bcast:   broadcast.New(store, ad, mapBroadcastConfig(cfg), broadcast.WithLogger(log)),
	}, nil
}

func (t *Toolkit) Close() error { return t.store.Close() }

func (t *Toolkit) Stats(ctx context.Context) (storage.Stats, error) { return t.store.Stats(ctx) }

// Broadcast sends c to every subscriber and waits for the result.
func (t *Toolkit) Broadcast(ctx context.Context, c catalog.Content) (broadcast.Result, error) {
	return t.bcast.Send(ctx, c)
}

// RunOnce runs one delivery cycle. Do not use while the service is running
// against the same store; both would send the same due rows.
func (t *Toolkit) RunOnce(ctx context.Context) (delivery.Report, error) {
	return t.engine.RunOnce(ctx)
}

// Purge deletes sent and failed rows older than age; zero means the
// configured retention.max_age.
func (t *Toolkit) Purge(ctx context.Context, age time.Duration) (int64, error) {
	if age <= 0 {
		rs, err := mapRetentionConfig(t.cfg)
		if err != nil {
			return 0, err
		}
		age = rs.maxAge
	}
	return t.store.PurgeSentOlderThan(ctx, age)
}

// ResetWebhook re-registers the configured webhook, or removes it in
// polling mode.
func (t *Toolkit) ResetWebhook(ctx context.Context, dropPending bool) error {
	if t.adapter.Mode() != telegram.ModeWebhook {
		return t.adapter.RemoveWebhook(ctx, dropPending)
	}
	return t.adapter.ResetWebhook(ctx, dropPending)
}

func (t *Toolkit) WebhookInfo(ctx context.Context) (telegram.WebhookInfo, error) {
	return t.adapter.WebhookInfo(ctx)
}
