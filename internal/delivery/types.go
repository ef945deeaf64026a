package delivery

import (
	"context"
	"errors"
	"time"

	"dripbot/internal/storage"
)

// ErrBusy is returned when RunOnce is called while a cycle is running.
var ErrBusy = errors.New("delivery: cycle already running")

// Store is the subset of storage the engine needs.
type Store interface {
	Due(ctx context.Context, limit int) ([]storage.DueMessage, error)
	MarkSent(ctx context.Context, id int64) error
	RecordFailure(ctx context.Context, id int64, f storage.Failure) error
	AdvanceStage(ctx context.Context, subscriberID int64, stage int) error
}

type Config struct {
	// BatchSize bounds one snapshot; 0 means every due row.
	BatchSize int
	// Workers bounds concurrent sends within a cycle.
	Workers int
	// SendTimeout bounds one notifier call; 0 leaves it to the notifier.
	SendTimeout time.Duration

	// MaxAttempts > 0 turns a row failed after that many attempts.
	// 0 retries forever.
	MaxAttempts int
	// BackoffBase > 0 pushes due_at forward after each failure
	// (base * 2^(attempts-1), capped at BackoffMax).
	BackoffBase time.Duration
	BackoffMax  time.Duration

	// StrictCatalog treats a fingerprint mismatch as a permanent failure
	// instead of sending the current catalog content.
	StrictCatalog bool
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.BackoffBase > 0 && c.BackoffMax <= 0 {
		c.BackoffMax = time.Hour
	}
	return c
}

// Report summarizes one cycle.
type Report struct {
	StartedAt time.Time     `json:"started_at"`
	Took      time.Duration `json:"took"`
	Due       int           `json:"due"`
	Delivered int           `json:"delivered"`
	Failed    int           `json:"failed"`
	Dropped   int           `json:"dropped"`
	Collapsed int           `json:"collapsed"`
	Error     string        `json:"error,omitempty"`
}

// SentEvent is published on the event bus for every delivered message.
type SentEvent struct {
	SubscriberID int64 `json:"subscriber_id"`
	Stage        int   `json:"stage"`
	MessageID    int64 `json:"message_id"`
}

// FailedEvent is published for every failed attempt.
type FailedEvent struct {
	SubscriberID int64  `json:"subscriber_id"`
	Stage        int    `json:"stage"`
	MessageID    int64  `json:"message_id"`
	Attempts     int    `json:"attempts"`
	Terminal     bool   `json:"terminal"`
	Reason       string `json:"reason"`
}
