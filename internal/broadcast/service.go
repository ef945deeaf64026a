package broadcast

import (
	"context"
	"runtime/debug"
	"time"

	"golang.org/x/time/rate"

	"dripbot/internal/eventbus"
	"dripbot/internal/metrics"
	kit "dripbot/internal/transport"
	logx "dripbot/pkg/logx"
)

type Option func(*Service)

func WithLogger(log logx.Logger) Option    { return func(s *Service) { s.log = log } }
func WithMetrics(m *metrics.Metrics) Option { return func(s *Service) { s.metrics = m } }
func WithBus(b eventbus.Bus) Option         { return func(s *Service) { s.bus = b } }
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

func New(recipients Recipients, notifier kit.Notifier, cfg Config, opts ...Option) *Service {
	cfg = cfg.withDefaults()
	s := &Service{
		recipients: recipients,
		notifier:   notifier,
		bus:        eventbus.Nop(),
		now:        time.Now,
		cfg:        cfg,
		limiter:    rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
		status:     map[string]*JobStatus{},
		statusMax:  defaultStatusMax,
		statusTTL:  defaultStatusTTL,
	}
	for _, o := range opts {
		o(s)
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	s.log = s.log.With(logx.String("comp", "broadcast"))
	return s
}

// Apply swaps the config. The queue is not resized while running.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

// Start launches the async job runner. Jobs run one at a time; each job
// fans out with the configured worker limit.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopCh != nil {
		return
	}
	s.queue = make(chan job, s.cfg.QueueSize)
	s.stopCh = make(chan struct{})
	queue, stopCh := s.queue, s.stopCh

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("panic in broadcast runner", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			}
		}()
		s.run(ctx, stopCh, queue)
	}()
	s.log.Info("service started", logx.Int("workers", s.cfg.Workers), logx.Int("rps", s.cfg.RatePerSec))
}

// Stop halts the runner and waits for it until ctx is done. Queued jobs
// that never started are marked failed.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	close(s.stopCh)
	s.stopCh = nil
	queue := s.queue
	s.queue = nil
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.log.Warn("stop timed out; runner still finishing")
		return
	}

	for {
		select {
		case j := <-queue:
			s.abandon(j.id, "service stopped")
		default:
			s.log.Info("service stopped", logx.Duration("took", time.Since(start)))
			return
		}
	}
}

func (s *Service) run(ctx context.Context, stopCh <-chan struct{}, queue <-chan job) {
	for {
		// stop wins over queued work
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case j := <-queue:
			s.execJob(ctx, j)
		}
	}
}
