package delivery

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"dripbot/internal/catalog"
	"dripbot/internal/eventbus"
	"dripbot/internal/metrics"
	"dripbot/internal/storage"
	kit "dripbot/internal/transport"
	logx "dripbot/pkg/logx"
)

// writeTimeout bounds store writes that follow a send. They run detached
// from the cycle context so shutdown does not lose a completed send.
const writeTimeout = 5 * time.Second

type Engine struct {
	store    Store
	notifier kit.Notifier

	log     logx.Logger
	metrics *metrics.Metrics
	bus     eventbus.Bus
	now     func() time.Time

	mu      sync.RWMutex
	cfg     Config
	catalog *catalog.Catalog
	last    Report

	running atomic.Bool
}

type Option func(*Engine)

func WithLogger(log logx.Logger) Option    { return func(e *Engine) { e.log = log } }
func WithMetrics(m *metrics.Metrics) Option { return func(e *Engine) { e.metrics = m } }
func WithBus(b eventbus.Bus) Option         { return func(e *Engine) { e.bus = b } }
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

func New(store Store, notifier kit.Notifier, cat *catalog.Catalog, cfg Config, opts ...Option) *Engine {
	e := &Engine{
		store:    store,
		notifier: notifier,
		cfg:      cfg.withDefaults(),
		catalog:  cat,
		now:      time.Now,
		bus:      eventbus.Nop(),
	}
	for _, o := range opts {
		o(e)
	}
	if e.log.IsZero() {
		e.log = logx.Nop()
	}
	e.log = e.log.With(logx.String("comp", "delivery"))
	return e
}

// SetCatalog swaps the catalog used by later cycles.
func (e *Engine) SetCatalog(c *catalog.Catalog) {
	e.mu.Lock()
	e.catalog = c
	e.mu.Unlock()
}

// SetConfig swaps tuning knobs used by later cycles.
func (e *Engine) SetConfig(cfg Config) {
	e.mu.Lock()
	e.cfg = cfg.withDefaults()
	e.mu.Unlock()
}

// LastReport returns the report of the most recent finished cycle.
func (e *Engine) LastReport() Report {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.last
}

// tally collects per-item outcomes from concurrent workers.
type tally struct {
	delivered, failed, dropped atomic.Int64
}

// RunOnce delivers every message due at call time. It returns ErrBusy if a
// cycle is already running and a wrapped store error if the cycle aborted.
func (e *Engine) RunOnce(ctx context.Context) (Report, error) {
	if !e.running.CompareAndSwap(false, true) {
		e.metrics.DeliveryRun("busy", 0, 0)
		return Report{}, ErrBusy
	}
	defer e.running.Store(false)

	e.mu.RLock()
	cfg, cat := e.cfg, e.catalog
	e.mu.RUnlock()

	started := e.now()
	rep := Report{StartedAt: started}

	due, err := e.store.Due(ctx, cfg.BatchSize)
	if err != nil {
		err = fmt.Errorf("load due messages: %w", err)
		return e.finish(rep, started, err), err
	}
	rep.Due = len(due)
	items := collapse(due)
	rep.Collapsed = len(due) - len(items)

	var t tally
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.Workers)
	for _, it := range items {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error { return e.process(gctx, cfg, cat, it, &t) })
	}
	err = g.Wait()

	rep.Delivered = int(t.delivered.Load())
	rep.Failed = int(t.failed.Load())
	rep.Dropped = int(t.dropped.Load())
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	if err != nil {
		err = fmt.Errorf("delivery cycle aborted: %w", err)
	}
	return e.finish(rep, started, err), err
}

func (e *Engine) finish(rep Report, started time.Time, err error) Report {
	rep.Took = e.now().Sub(started)
	result := "ok"
	if err != nil {
		rep.Error = err.Error()
		result = "error"
		e.log.Error("delivery cycle failed", logx.Err(err), logx.Int("due", rep.Due), logx.Int("delivered", rep.Delivered))
	} else if rep.Due > 0 {
		e.log.Info("delivery cycle done",
			logx.Int("due", rep.Due),
			logx.Int("delivered", rep.Delivered),
			logx.Int("failed", rep.Failed),
			logx.Int("dropped", rep.Dropped),
			logx.Int("collapsed", rep.Collapsed),
			logx.Duration("took", rep.Took),
		)
	} else {
		e.log.Debug("nothing due")
	}
	e.metrics.DeliveryRun(result, rep.Due, rep.Took)

	e.mu.Lock()
	e.last = rep
	e.mu.Unlock()
	e.bus.Publish(eventbus.Event{Type: eventbus.DeliveryCycle, Data: rep})
	return rep
}

// item is one message to send plus same-(subscriber, stage) rows from the
// same snapshot that are settled by its success.
type item struct {
	msg   storage.DueMessage
	dupes []int64
}

// collapse keeps the earliest row per (subscriber, stage); due is ordered
// by due_at so order is preserved.
func collapse(due []storage.DueMessage) []item {
	type key struct {
		sub   int64
		stage int
	}
	idx := make(map[key]int, len(due))
	out := make([]item, 0, len(due))
	for _, m := range due {
		k := key{m.SubscriberID, m.Stage}
		if i, ok := idx[k]; ok {
			out[i].dupes = append(out[i].dupes, m.ID)
			continue
		}
		idx[k] = len(out)
		out = append(out, item{msg: m})
	}
	return out
}

// process handles one item. Only store errors are returned; notifier
// errors are recorded on the row.
func (e *Engine) process(ctx context.Context, cfg Config, cat *catalog.Catalog, it item, t *tally) error {
	m := it.msg
	log := e.log.With(logx.Int64("msg_id", m.ID), logx.Int64("subscriber", m.SubscriberID), logx.Int("stage", m.Stage))

	entry, err := cat.Get(m.Stage)
	if err != nil {
		log.Error("scheduled stage is not in the catalog, dropping", logx.Err(err))
		return e.drop(ctx, it, err.Error(), t)
	}
	if m.Fingerprint != "" && m.Fingerprint != entry.Content.Fingerprint() {
		if cfg.StrictCatalog {
			log.Error("catalog content changed since scheduling, dropping", logx.String("fingerprint", m.Fingerprint))
			return e.drop(ctx, it, "catalog content changed", t)
		}
		log.Warn("catalog content changed since scheduling, sending current content")
	}

	content := entry.Content.Render(catalog.Vars{FirstName: m.DisplayName, Username: m.Handle})

	sctx, cancel := ctx, context.CancelFunc(func() {})
	if cfg.SendTimeout > 0 {
		sctx, cancel = context.WithTimeout(ctx, cfg.SendTimeout)
	}
	sendErr := SendContent(sctx, e.notifier, m.SubscriberID, content)
	cancel()

	if sendErr != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return e.fail(ctx, cfg, log, m, sendErr, t)
	}

	wctx, wcancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer wcancel()
	if err := e.store.MarkSent(wctx, m.ID); err != nil {
		return err
	}
	for _, id := range it.dupes {
		if err := e.store.MarkSent(wctx, id); err != nil {
			return err
		}
	}
	if err := e.store.AdvanceStage(wctx, m.SubscriberID, m.Stage); err != nil {
		return err
	}

	t.delivered.Add(1)
	e.metrics.Sent(strconv.Itoa(m.Stage))
	e.bus.Publish(eventbus.Event{Type: eventbus.DeliverySent, Data: SentEvent{SubscriberID: m.SubscriberID, Stage: m.Stage, MessageID: m.ID}})
	log.Debug("message delivered")
	return nil
}

func (e *Engine) fail(ctx context.Context, cfg Config, log logx.Logger, m storage.DueMessage, sendErr error, t *tally) error {
	attempts := m.Attempts + 1
	f := storage.Failure{Reason: sendErr.Error()}
	if cfg.BackoffBase > 0 {
		f.RetryAt = e.now().Add(backoff(cfg.BackoffBase, cfg.BackoffMax, attempts))
	}
	if after := kit.RetryAfter(sendErr); after > 0 && e.now().Add(after).After(f.RetryAt) {
		f.RetryAt = e.now().Add(after)
	}
	if cfg.MaxAttempts > 0 && attempts >= cfg.MaxAttempts {
		f.Terminal = true
	}

	reason := "transient"
	switch {
	case f.Terminal:
		reason = "terminal"
	case errors.Is(sendErr, kit.ErrBlocked):
		reason = "blocked"
	}
	e.metrics.SendFailed(reason)
	t.failed.Add(1)

	fields := []logx.Field{logx.Err(sendErr), logx.Int("attempts", attempts)}
	if f.Terminal {
		log.Error("delivery failed, giving up", fields...)
	} else {
		if !f.RetryAt.IsZero() {
			fields = append(fields, logx.Time("retry_at", f.RetryAt))
		}
		log.Warn("delivery failed, will retry", fields...)
	}
	e.bus.Publish(eventbus.Event{Type: eventbus.DeliveryFailed, Data: FailedEvent{
		SubscriberID: m.SubscriberID, Stage: m.Stage, MessageID: m.ID,
		Attempts: attempts, Terminal: f.Terminal, Reason: f.Reason,
	}})
	return e.store.RecordFailure(ctx, m.ID, f)
}

// drop marks an item and its duplicates permanently failed.
func (e *Engine) drop(ctx context.Context, it item, reason string, t *tally) error {
	t.dropped.Add(1)
	e.metrics.SendFailed("catalog")
	ids := append([]int64{it.msg.ID}, it.dupes...)
	for _, id := range ids {
		if err := e.store.RecordFailure(ctx, id, storage.Failure{Reason: reason, Terminal: true}); err != nil {
			return err
		}
	}
	return nil
}

// backoff returns base * 2^(attempt-1) capped at limit.
func backoff(base, limit time.Duration, attempt int) time.Duration {
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= limit || d <= 0 {
			return limit
		}
	}
	return min(d, limit)
}
