package app

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"dripbot/internal/bot"
	"dripbot/internal/broadcast"
	"dripbot/internal/config"
	"dripbot/internal/delivery"
	"dripbot/internal/enroll"
	"dripbot/internal/eventbus"
	"dripbot/internal/metrics"
	"dripbot/internal/observability/httpserver"
	rtsup "dripbot/internal/runtime/supervisor"
	"dripbot/internal/scheduler"
	"dripbot/internal/storage"
	kit "dripbot/internal/transport"
	telegram "dripbot/internal/transport/telegram/adapter"
	logx "dripbot/pkg/logx"
	"dripbot/pkg/systemd"
)

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log     logx.Logger
	logs    *logx.Service
	bus     eventbus.Bus
	events  *eventbus.Recorder
	metrics *metrics.Metrics
	store   *storage.Store

	adapter *telegram.Adapter
	enroll  *enroll.Handler
	engine  *delivery.Engine
	bcast   *broadcast.Service
	sched   *scheduler.Service
	router  *bot.Router
	http    *httpserver.Service
	sd      *systemd.Notifier

	updates chan kit.Update
}

// New loads the config at cfgPath (plus .env files next to it and in the
// working directory) and wires every component. Nothing runs until Start.
func New(cfgPath string) (*App, error) {
	if err := config.LoadDotEnv(".env", filepath.Join(filepath.Dir(cfgPath), ".env")); err != nil {
		return nil, err
	}
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	tcfg, err := mapTelegramConfig(cfg)
	if err != nil {
		return nil, err
	}
	bootLog := logx.NewConsole("info").With(logx.String("comp", "telegram"))
	ad, err := telegram.New(tcfg, bootLog)
	if err != nil {
		return nil, err
	}

	// The adapter doubles as the sender for the Telegram log sink.
	logSvc, log := logx.New(mapLogConfig(cfg), ad)
	log = log.With(logx.String("comp", "app"))

	a, err := build(cfgm, cfg, ad, logSvc, log)
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	return a, nil
}

func build(cfgm *config.Manager, cfg *config.Config, ad *telegram.Adapter, logSvc *logx.Service, log logx.Logger) (*App, error) {
	scfg, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	ds, err := mapDeliveryConfig(cfg)
	if err != nil {
		return nil, err
	}
	schedCfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		return nil, err
	}
	cat, err := buildCatalog(cfg)
	if err != nil {
		return nil, err
	}

	octx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	store, err := storage.Open(octx, scfg, log)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	bus := eventbus.New()
	m := metrics.New()
	comp := func(name string) logx.Logger { return log.With(logx.String("comp", name)) }

	enr := enroll.New(store, ad, cat,
		enroll.WithLogger(comp("enroll")), enroll.WithMetrics(m), enroll.WithBus(bus))
	eng := delivery.New(store, ad, cat, ds.engine,
		delivery.WithLogger(comp("delivery")), delivery.WithMetrics(m), delivery.WithBus(bus))
	bc := broadcast.New(store, ad, mapBroadcastConfig(cfg),
		broadcast.WithLogger(comp("broadcast")), broadcast.WithMetrics(m), broadcast.WithBus(bus))
	sched := scheduler.New(schedCfg, comp("scheduler"), bus)

	router := bot.NewRouter(comp("bot"), ad, cfg.Telegram.OwnerUserIDs)
	router.SetCommands(bot.Commands(bot.Deps{
		Enroller:  enr,
		Stats:     store,
		Broadcast: bc,
		Tasks:     sched,
		Reports:   eng,
	}))

	a := &App{
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		events:  eventbus.NewRecorder(64),
		metrics: m,
		store:   store,
		adapter: ad,
		enroll:  enr,
		engine:  eng,
		bcast:   bc,
		sched:   sched,
		router:  router,
		sd:      systemd.NewNotifier(comp("systemd")),
		updates: make(chan kit.Update, 256),
	}

	if cfg.HTTP.Enabled {
		hcfg, err := mapHTTPConfig(cfg)
		if err != nil {
			_ = store.Close()
			return nil, err
		}
		a.http = httpserver.New(hcfg, httpserver.Deps{
			Checks:      a.checks(),
			Status:      func(ctx context.Context) (any, error) { return a.Status(ctx) },
			Metrics:     m.Handler(),
			Webhook:     ad.WebhookHandler(),
			WebhookPath: cfg.Telegram.WebhookPath,
		}, log)
	}
	return a, nil
}

func (a *App) checks() []httpserver.Check {
	return []httpserver.Check{
		{Name: "storage", Critical: true, Probe: a.store.Ping},
		{Name: "telegram", Probe: func(ctx context.Context) error {
			_, err := a.adapter.WebhookInfo(ctx)
			return err
		}},
	}
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	// transactional reload: a config that cannot be mapped is never committed
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validate(cfg)
	})

	cfg := a.cfgm.Get()
	ds, err := mapDeliveryConfig(cfg)
	if err != nil {
		return err
	}
	rs, err := mapRetentionConfig(cfg)
	if err != nil {
		return err
	}

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}
	if a.adapter.Mode() == telegram.ModeWebhook {
		wctx, cancel := context.WithTimeout(ctx, 15*time.Second)
		err := a.adapter.SetWebhook(wctx, cfg.Telegram.DropPending)
		cancel()
		if err != nil {
			return fmt.Errorf("set webhook: %w", err)
		}
	}

	a.bcast.Start(a.sup.Context())
	if err := a.registerTasks(ds, rs); err != nil {
		return err
	}
	a.sched.Start(a.sup.Context())

	if a.http != nil {
		if err := a.http.Start(a.sup.Context()); err != nil {
			return fmt.Errorf("http: %w", err)
		}
	}

	a.sup.Go("bot.router", func(c context.Context) error {
		return a.router.Run(c, a.updates)
	})
	a.sup.Go0("bot.menu", func(c context.Context) {
		mctx, cancel := context.WithTimeout(c, 15*time.Second)
		defer cancel()
		if err := a.router.PublishMenu(mctx); err != nil {
			a.log.Warn("command menu not published", logx.Err(err))
		}
	})

	a.sup.Go0("eventbus.record", func(c context.Context) { a.events.Run(c, a.bus) })
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.sd.Ready()
	a.sup.Go0("systemd.watchdog", func(c context.Context) {
		a.sd.RunWatchdog(c, a.store.Ping)
	})

	a.log.Info("app started",
		logx.String("mode", a.adapter.Mode()),
		logx.Bool("http", a.http != nil),
		logx.String("every", ds.every.String()),
	)
	return nil
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sd.Stopping()

	// Cancel first so background loops start unwinding immediately.
	a.sup.Cancel()

	// Bounded shutdown steps; one component can't stall the whole stop.
	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", limit))

		stepCtx := ctx
		if limit > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				if rem := time.Until(dl); rem < limit {
					limit = max(rem, 0)
				}
			}
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, limit)
			defer cancel()
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			// fn must honor stepCtx; if it doesn't, log the leak.
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
			go func() {
				err := <-done
				fields := []logx.Field{logx.String("name", name), logx.Duration("took", time.Since(start))}
				if err != nil {
					a.log.Warn("stop step finished after deadline", append(fields, logx.Err(err))...)
					return
				}
				a.log.Info("stop step finished after deadline", fields...)
			}()
		}
	}

	// Triggers first, then senders, then the transport and the store.
	step("scheduler", 3*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("broadcast", 3*time.Second, func(c context.Context) error { a.bcast.Stop(c); return nil })
	step("http", 2*time.Second, func(c context.Context) error {
		if a.http != nil {
			return a.http.Stop(c)
		}
		return nil
	})
	step("adapter", 2*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	step("storage", 1*time.Second, func(c context.Context) error { return a.store.Close() })

	// Finally, wait for supervised goroutines (config watch/reload, router, etc.)
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
