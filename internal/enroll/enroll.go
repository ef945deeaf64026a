// Package enroll turns a /start interaction into a subscriber: the profile
// is upserted, the stage 0 message is sent inline and every later catalog
// stage is scheduled.
package enroll

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"dripbot/internal/catalog"
	"dripbot/internal/delivery"
	"dripbot/internal/eventbus"
	"dripbot/internal/metrics"
	"dripbot/internal/storage"
	kit "dripbot/internal/transport"
	logx "dripbot/pkg/logx"
)

// ErrEnrollFailed means the subscriber could not be persisted. Nothing was
// sent or scheduled.
var ErrEnrollFailed = errors.New("enroll: subscriber not stored")

// Store is the subset of storage the handler needs.
type Store interface {
	Upsert(ctx context.Context, p storage.Profile) (storage.Subscriber, bool, error)
	Schedule(ctx context.Context, subscriberID int64, stage int, delay time.Duration, fingerprint string) (int64, error)
}

// Result describes what happened during one enrollment.
type Result struct {
	Subscriber storage.Subscriber
	Created    bool
	// WelcomeSent is false when the stage 0 send failed.
	WelcomeSent bool
	// Scheduled lists the ids of the rows created for stages 1..n-1.
	Scheduled []int64
}

// EnrolledEvent is published on the bus after every enrollment.
type EnrolledEvent struct {
	SubscriberID int64 `json:"subscriber_id"`
	Created      bool  `json:"created"`
	WelcomeSent  bool  `json:"welcome_sent"`
	Scheduled    int   `json:"scheduled"`
}

type Handler struct {
	store    Store
	notifier kit.Notifier

	log     logx.Logger
	metrics *metrics.Metrics
	bus     eventbus.Bus

	mu      sync.RWMutex
	catalog *catalog.Catalog
}

type Option func(*Handler)

func WithLogger(log logx.Logger) Option    { return func(h *Handler) { h.log = log } }
func WithMetrics(m *metrics.Metrics) Option { return func(h *Handler) { h.metrics = m } }
func WithBus(b eventbus.Bus) Option         { return func(h *Handler) { h.bus = b } }

func New(store Store, notifier kit.Notifier, cat *catalog.Catalog, opts ...Option) *Handler {
	h := &Handler{store: store, notifier: notifier, catalog: cat, bus: eventbus.Nop()}
	for _, o := range opts {
		o(h)
	}
	if h.log.IsZero() {
		h.log = logx.Nop()
	}
	h.log = h.log.With(logx.String("comp", "enroll"))
	return h
}

// SetCatalog swaps the catalog used by later enrollments.
func (h *Handler) SetCatalog(c *catalog.Catalog) {
	h.mu.Lock()
	h.catalog = c
	h.mu.Unlock()
}

// Enroll upserts p, sends stage 0 and schedules the remaining stages.
//
// A store failure on upsert returns ErrEnrollFailed. Once the subscriber is
// stored, a failed welcome send does not stop scheduling; the welcome and
// schedule errors are joined into the returned error while Result still
// reports what was done.
func (h *Handler) Enroll(ctx context.Context, p storage.Profile) (Result, error) {
	h.mu.RLock()
	cat := h.catalog
	h.mu.RUnlock()

	log := h.log.With(logx.Int64("subscriber", p.ID))

	sub, created, err := h.store.Upsert(ctx, p)
	if err != nil {
		log.Error("upsert subscriber failed", logx.Err(err))
		h.metrics.Enrolled(metrics.EnrollError)
		return Result{}, fmt.Errorf("%w: %w", ErrEnrollFailed, err)
	}
	res := Result{Subscriber: sub, Created: created}

	var errs []error
	welcome, err := cat.Get(0)
	if err != nil {
		errs = append(errs, err)
	} else {
		content := welcome.Content.Render(catalog.Vars{FirstName: sub.DisplayName, Username: sub.Handle})
		if err := delivery.SendContent(ctx, h.notifier, sub.ID, content); err != nil {
			log.Warn("welcome send failed", logx.Err(err))
			h.metrics.SendFailed("welcome")
			errs = append(errs, fmt.Errorf("send welcome: %w", err))
		} else {
			res.WelcomeSent = true
			h.metrics.Sent("0")
		}
	}

	for stage := 1; stage < cat.Len(); stage++ {
		e, err := cat.Get(stage)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		id, err := h.store.Schedule(ctx, sub.ID, stage, e.Delay, e.Content.Fingerprint())
		if err != nil {
			log.Error("schedule stage failed", logx.Int("stage", stage), logx.Err(err))
			errs = append(errs, err)
			continue
		}
		res.Scheduled = append(res.Scheduled, id)
	}

	kind := metrics.EnrollNew
	if !created {
		kind = metrics.EnrollAgain
	}
	h.metrics.Enrolled(kind)
	log.Info("subscriber enrolled",
		logx.String("kind", kind),
		logx.Bool("welcome_sent", res.WelcomeSent),
		logx.Int("scheduled", len(res.Scheduled)),
	)
	h.bus.Publish(eventbus.Event{Type: eventbus.SubscriberEnrolled, Data: EnrolledEvent{
		SubscriberID: sub.ID,
		Created:      created,
		WelcomeSent:  res.WelcomeSent,
		Scheduled:    len(res.Scheduled),
	}})

	return res, errors.Join(errs...)
}
