package broadcast

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"dripbot/internal/catalog"
	"dripbot/internal/delivery"
	"dripbot/internal/eventbus"
	kit "dripbot/internal/transport"
	logx "dripbot/pkg/logx"
)

// Send delivers c to every subscriber and waits. Per-recipient failures are
// counted, never returned; the error is non-nil only when the recipient
// list could not be loaded, there were no recipients, or ctx ended.
func (s *Service) Send(ctx context.Context, c catalog.Content) (Result, error) {
	if err := c.Validate(); err != nil {
		return Result{}, fmt.Errorf("broadcast content: %w", err)
	}
	ids, err := s.recipients.ListIDs(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("list subscribers: %w", err)
	}
	if len(ids) == 0 {
		return Result{}, ErrNoRecipients
	}
	res, err := s.fanOut(ctx, ids, c, nil)
	s.report("", res, time.Time{})
	return res, err
}

// outcome is called once per recipient, possibly concurrently.
type outcome func(chatID int64, err error)

func (s *Service) fanOut(ctx context.Context, ids []int64, c catalog.Content, observe outcome) (Result, error) {
	s.mu.Lock()
	cfg, lim := s.cfg, s.limiter
	s.mu.Unlock()

	var (
		mu  sync.Mutex
		res = Result{Total: len(ids)}
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.Workers)
	for _, id := range ids {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			err := s.sendOne(gctx, lim, cfg.RetryMax, id, c)
			mu.Lock()
			if err != nil {
				res.Failed++
			} else {
				res.Delivered++
			}
			mu.Unlock()
			if observe != nil {
				observe(id, err)
			}
			return nil
		})
	}
	_ = g.Wait()

	mu.Lock()
	defer mu.Unlock()
	// Recipients skipped after cancellation count as failed.
	res.Failed = res.Total - res.Delivered
	return res, ctx.Err()
}

func (s *Service) sendOne(ctx context.Context, lim *rate.Limiter, retry int, chatID int64, c catalog.Content) error {
	var last error
	for i := 0; i <= retry; i++ {
		if err := lim.Wait(ctx); err != nil {
			if last == nil {
				last = err
			}
			break
		}
		err := delivery.SendContent(ctx, s.notifier, chatID, c)
		if err == nil {
			return nil
		}
		last = err
		if i == retry || errors.Is(err, context.Canceled) || errors.Is(err, kit.ErrBlocked) {
			break
		}
		// flood control: wait out the window Telegram asked for
		delay := max(time.Duration(200+100*i)*time.Millisecond, kit.RetryAfter(err))
		s.log.Debug("broadcast send retry scheduled", logx.Int64("chat_id", chatID), logx.Int("attempt", i+2), logx.Duration("delay", delay), logx.Err(err))
		tmr := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			tmr.Stop()
			return ctx.Err()
		case <-tmr.C:
		}
	}
	s.log.Warn("broadcast send failed", logx.Int64("chat_id", chatID), logx.Err(last))
	return last
}

func (s *Service) report(jobID string, res Result, started time.Time) {
	s.metrics.BroadcastRecipients(res.Delivered, res.Failed)
	fields := []logx.Field{
		logx.Int("total", res.Total),
		logx.Int("delivered", res.Delivered),
		logx.Int("failed", res.Failed),
	}
	if jobID != "" {
		fields = append(fields, logx.String("job", jobID))
	}
	if !started.IsZero() {
		fields = append(fields, logx.Duration("dur", s.now().Sub(started)))
	}
	if res.Failed > 0 {
		s.log.Warn("broadcast finished with failures", fields...)
	} else {
		s.log.Info("broadcast finished", fields...)
	}
	s.bus.Publish(eventbus.Event{Type: eventbus.BroadcastFinished, Data: FinishedEvent{JobID: jobID, Result: res}})
}
