package storage

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	logx "dripbot/pkg/logx"
)

// Store is the SQL-backed subscriber and schedule store.
// It is safe for concurrent use.
type Store struct {
	db         *sql.DB
	dialect    dialect
	log        logx.Logger
	duplicates DuplicatePolicy
	now        func() time.Time
}

// Open initializes the configured store and applies migrations.
func Open(ctx context.Context, cfg Config, log logx.Logger) (*Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	dup, err := ParseDuplicatePolicy(string(cfg.Duplicates))
	if err != nil {
		return nil, err
	}

	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	var (
		db *sql.DB
		d  dialect
	)
	switch driver {
	case "", "sqlite", "sqlite3":
		db, err = openSQLite(ctx, cfg)
		d = dialectSQLite
	case "postgres", "postgresql", "pgx":
		db, err = openPostgres(ctx, cfg)
		d = dialectPostgres
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
	if err != nil {
		return nil, err
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	st := &Store{
		db:         db,
		dialect:    d,
		log:        log.With(logx.String("comp", "storage"), logx.String("driver", d.name)),
		duplicates: dup,
		now:        now,
	}
	if err := st.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	st.log.Info("storage ready")
	return st, nil
}

func (s *Store) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile(s.dialect.migrations)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// q rebinds a '?'-placeholder query for the active dialect.
func (s *Store) q(query string) string { return s.dialect.rebind(query) }

func (s *Store) nowMS() int64 { return s.now().UnixMilli() }

func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func fromMS(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
