package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"dripbot/internal/eventbus"
	logx "dripbot/pkg/logx"
)

// TaskEvent is published on the bus after every run.
type TaskEvent struct {
	Name     string        `json:"name"`
	Trigger  string        `json:"trigger"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

// RunNow runs the named job synchronously under the same skip-if-running
// guard as scheduled triggers. ctx bounds this run only.
func (s *Service) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	d, ok := s.findLocked(name)
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	return s.run(ctx, d, "manual")
}

// trigger is the cron callback.
func (s *Service) trigger(d scheduleDef, kind string) {
	s.mu.Lock()
	ctx := s.runCtx
	s.mu.Unlock()
	if err := s.run(ctx, d, kind); errors.Is(err, ErrSkipped) {
		s.log.Debug("schedule trigger skipped", logx.String("schedule", d.name))
	}
}

func (s *Service) run(parent context.Context, d scheduleDef, kind string) (err error) {
	if !d.running.CompareAndSwap(false, true) {
		d.skipped.Add(1)
		return ErrSkipped
	}
	defer d.running.Store(false)

	s.mu.Lock()
	timeout := d.timeout
	if timeout <= 0 {
		timeout = s.cfg.DefaultTimeout
	}
	s.mu.Unlock()

	ctx := parent
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(parent, timeout)
		defer cancel()
	}

	start := time.Now()
	func() {
		// a panicking job must not take the process down
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
				s.log.Error("task panic", logx.String("task", d.name), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			}
		}()
		err = d.job(ctx)
	}()
	dur := time.Since(start)

	item := HistoryItem{Name: d.name, Trigger: kind, Started: start, Duration: dur}
	ev := eventbus.Event{Type: eventbus.TaskFinished}
	if err != nil {
		item.Error = err.Error()
		ev.Type = eventbus.TaskFailed
		s.log.Warn("task failed", logx.String("task", d.name), logx.String("trigger", kind), logx.Err(err), logx.Duration("dur", dur))
	} else if dur >= 750*time.Millisecond {
		s.log.Info("task completed", logx.String("task", d.name), logx.String("trigger", kind), logx.Duration("dur", dur))
	} else {
		s.log.Debug("task completed", logx.String("task", d.name), logx.String("trigger", kind), logx.Duration("dur", dur))
	}
	ev.Data = TaskEvent(item)
	s.bus.Publish(ev)
	s.record(item)
	return err
}

func (s *Service) record(item HistoryItem) {
	s.mu.Lock()
	size := s.cfg.HistorySize
	s.mu.Unlock()
	if size <= 0 {
		size = defaultHistorySize
	}

	s.hmu.Lock()
	defer s.hmu.Unlock()
	s.history = append(s.history, item)
	if len(s.history) > size {
		s.history = s.history[len(s.history)-size:]
	}
}
