package storage

import (
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("storage: not found")
	ErrClosed   = errors.New("storage: closed")
)

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file at Path
//   - "postgres": PostgreSQL reachable through DSN
type Config struct {
	Driver      string
	Path        string
	DSN         string
	BusyTimeout time.Duration // sqlite only; 0 means default

	// Duplicates controls Schedule when a pending row for the same
	// (subscriber, stage) already exists.
	Duplicates DuplicatePolicy

	// Now is the clock used for due_at, due() and purge. nil means time.Now.
	Now func() time.Time
}

// DuplicatePolicy decides what Schedule does with an existing pending row
// for the same (subscriber, stage).
type DuplicatePolicy string

const (
	// DuplicatesAllow inserts unconditionally. The delivery engine collapses
	// duplicates at read time.
	DuplicatesAllow DuplicatePolicy = "allow"
	// DuplicatesReplace deletes older pending rows in the same transaction.
	DuplicatesReplace DuplicatePolicy = "replace"
)

func ParseDuplicatePolicy(s string) (DuplicatePolicy, error) {
	switch DuplicatePolicy(s) {
	case "", DuplicatesAllow:
		return DuplicatesAllow, nil
	case DuplicatesReplace:
		return DuplicatesReplace, nil
	default:
		return "", errors.New("unknown duplicate policy: " + s)
	}
}

// Profile is the descriptive data carried by an enrollment event.
type Profile struct {
	ID          int64
	DisplayName string
	Handle      string
}

type Subscriber struct {
	ID          int64
	DisplayName string
	Handle      string
	EnrolledAt  time.Time
	UpdatedAt   time.Time
	Stage       int
}

// ScheduledMessage is one row of the drip schedule.
type ScheduledMessage struct {
	ID           int64
	SubscriberID int64
	Stage        int
	DueAt        time.Time
	CreatedAt    time.Time
	SentAt       time.Time // zero while pending
	Sent         bool
	Failed       bool
	Attempts     int
	LastError    string
	Fingerprint  string
}

// DueMessage is a pending message joined with its subscriber's metadata.
type DueMessage struct {
	ScheduledMessage
	DisplayName string
	Handle      string
}

// Failure describes an unsuccessful delivery attempt.
type Failure struct {
	Reason string
	// RetryAt moves due_at forward when set; zero keeps the row due.
	RetryAt time.Time
	// Terminal marks the row failed; it will never be returned by Due again.
	Terminal bool
}

// Stats are operator-facing counters.
type Stats struct {
	Subscribers int64
	Pending     int64
	Due         int64
	Sent        int64
	Failed      int64
}
