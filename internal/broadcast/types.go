package broadcast

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"dripbot/internal/catalog"
	"dripbot/internal/eventbus"
	"dripbot/internal/metrics"
	kit "dripbot/internal/transport"
	logx "dripbot/pkg/logx"
)

var (
	// ErrNoRecipients is returned when there is nobody to send to.
	ErrNoRecipients = errors.New("broadcast: no subscribers")
	// ErrNotRunning is returned by Enqueue before Start or after Stop.
	ErrNotRunning = errors.New("broadcast: service not running")
	// ErrQueueFull is returned by Enqueue when the job queue is full.
	ErrQueueFull = errors.New("broadcast: queue full")
)

// Recipients lists every subscriber id.
type Recipients interface {
	ListIDs(ctx context.Context) ([]int64, error)
}

type Config struct {
	// Workers bounds concurrent sends within one broadcast.
	Workers int
	// RatePerSec caps sends across all broadcasts.
	RatePerSec int
	// RetryMax is the number of extra attempts per recipient.
	RetryMax int
	// QueueSize bounds pending async jobs.
	QueueSize int
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 10
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 16
	}
	return c
}

// Result counts one broadcast. Total = Delivered + Failed.
type Result struct {
	Total     int `json:"total"`
	Delivered int `json:"delivered"`
	Failed    int `json:"failed"`
}

// JobStatus is a snapshot of an async broadcast.
type JobStatus struct {
	ID        string    `json:"id"`
	Total     int       `json:"total"`
	Done      int       `json:"done"`
	Delivered int       `json:"delivered"`
	Failed    int       `json:"failed"`
	Failures  []int64   `json:"failures,omitempty"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	StartedAt time.Time `json:"started_at,omitzero"`
	DoneAt    time.Time `json:"done_at,omitzero"`
	Running   bool      `json:"running"`
}

// FinishedEvent is published when a broadcast completes.
type FinishedEvent struct {
	JobID string `json:"job_id,omitempty"`
	Result
}

type job struct {
	id      string
	content catalog.Content
}

type Service struct {
	recipients Recipients
	notifier   kit.Notifier
	log        logx.Logger
	metrics    *metrics.Metrics
	bus        eventbus.Bus
	now        func() time.Time

	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter
	queue   chan job
	stopCh  chan struct{}
	wg      sync.WaitGroup

	statusMu  sync.RWMutex
	status    map[string]*JobStatus
	statusMax int
	statusTTL time.Duration
}
