package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"dripbot/internal/eventbus"
	logx "dripbot/pkg/logx"
)

var (
	// ErrSkipped is returned by RunNow when the job is already running.
	ErrSkipped = errors.New("scheduler: job already running")
	// ErrUnknownJob is returned by RunNow for names that were never added.
	ErrUnknownJob = errors.New("scheduler: unknown job")
)

type Config struct {
	Timezone       string // IANA TZ, e.g. "Europe/Moscow"
	DefaultTimeout time.Duration
	HistorySize    int
}

// Job is the unit the scheduler runs.
type Job func(ctx context.Context) error

type scheduleDef struct {
	name          string
	spec          string // cron spec or @every
	timeout       time.Duration
	job           Job
	entryID       cron.EntryID
	startupSpread time.Duration
	running       *atomic.Bool
	skipped       *atomic.Uint64
}

type Service struct {
	// life serializes Start, Stop and Apply. Jobs never take it, so it may
	// be held while waiting for in-flight runs.
	life sync.Mutex
	mu   sync.Mutex

	log logx.Logger
	cfg Config
	loc *time.Location
	bus eventbus.Bus

	parser cron.Parser
	c      *cron.Cron
	defs   []scheduleDef
	runCtx context.Context

	hmu     sync.Mutex
	history []HistoryItem
}

type ScheduleInfo struct {
	Name          string        `json:"name"`
	Spec          string        `json:"spec"`
	Timeout       time.Duration `json:"timeout"`
	StartupSpread time.Duration `json:"startup_spread,omitempty"`
	Running       bool          `json:"running"`
	Skipped       uint64        `json:"skipped"`
	Next          time.Time     `json:"next,omitzero"`
	Prev          time.Time     `json:"prev,omitzero"`
}

type HistoryItem struct {
	Name     string        `json:"name"`
	Trigger  string        `json:"trigger"` // "schedule" | "manual"
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

type Snapshot struct {
	Running   bool           `json:"running"`
	Timezone  string         `json:"timezone"`
	Schedules []ScheduleInfo `json:"schedules"`
	History   []HistoryItem  `json:"history"`
}
