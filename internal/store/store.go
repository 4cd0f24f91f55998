// Package store is the durable tier of the cache: a SQLite file shared by all
// sibling processes on the host. It also holds the leadership lease and the
// offline write queue.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite" // pure-Go SQLite driver (no CGO required)

	"github.com/realtycrm/unicache/internal/circuit"
	cacheerrors "github.com/realtycrm/unicache/pkg/errors"
	"github.com/realtycrm/unicache/pkg/types"
	"github.com/realtycrm/unicache/pkg/utils"
)

var migrations = []struct {
	version int
	sql     string
}{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS entries (
    key         TEXT PRIMARY KEY,
    value       TEXT NOT NULL,
    strategy    TEXT NOT NULL,
    expires_at  INTEGER NOT NULL DEFAULT 0,
    timestamp   INTEGER NOT NULL,
    version     TEXT NOT NULL DEFAULT '',
    metadata    TEXT NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_entries_strategy   ON entries(strategy);
CREATE INDEX IF NOT EXISTS idx_entries_expires_at ON entries(expires_at);

CREATE TABLE IF NOT EXISTS entry_tags (
    key  TEXT NOT NULL,
    tag  TEXT NOT NULL,
    PRIMARY KEY (key, tag)
);
CREATE INDEX IF NOT EXISTS idx_entry_tags_tag ON entry_tags(tag);

CREATE TABLE IF NOT EXISTS leases (
    name        TEXT PRIMARY KEY,
    holder      TEXT NOT NULL,
    renewed_at  INTEGER NOT NULL
);
`,
	},
	{
		version: 2,
		sql: `
CREATE TABLE IF NOT EXISTS offline_queue (
    id           TEXT PRIMARY KEY,
    seq          INTEGER NOT NULL,
    operation    TEXT NOT NULL,
    key          TEXT NOT NULL,
    payload      BLOB,
    strategy     TEXT NOT NULL DEFAULT '',
    tags         TEXT NOT NULL DEFAULT '[]',
    enqueued_at  INTEGER NOT NULL,
    retry_count  INTEGER NOT NULL DEFAULT 0,
    max_retries  INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_offline_queue_seq ON offline_queue(seq ASC);
`,
	},
}

// Config configures the durable store
type Config struct {
	Path           string
	BusyTimeout    time.Duration
	BreakerEnabled bool
	Breaker        circuit.Config

	// Clock used for expiry filtering and lease timestamps
	Now func() time.Time
}

// Store is the SQLite-backed durable tier. The database is opened lazily on
// first use; a failed open is retried on the next call.
type Store struct {
	config  Config
	logger  *zap.Logger
	breaker *circuit.Breaker

	mu     sync.Mutex
	db     *sql.DB
	closed bool
}

// New creates a store. Nothing touches the filesystem until the first call.
func New(config Config, logger *zap.Logger) *Store {
	if config.BusyTimeout <= 0 {
		config.BusyTimeout = 5 * time.Second
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	s := &Store{
		config: config,
		logger: utils.OrNop(logger).Named("store"),
	}

	if config.BreakerEnabled {
		bc := config.Breaker
		userHook := bc.OnStateChange
		bc.OnStateChange = func(name string, from, to circuit.State) {
			s.logger.Warn("Store circuit breaker changed state",
				zap.String("from", from.String()), zap.String("to", to.String()))
			if userHook != nil {
				userHook(name, from, to)
			}
		}
		if bc.Now == nil {
			bc.Now = config.Now
		}
		s.breaker = circuit.New("store", bc)
	}

	return s
}

// Path returns the database file path
func (s *Store) Path() string {
	return s.config.Path
}

// BreakerState reports the circuit breaker state, CLOSED when disabled
func (s *Store) BreakerState() circuit.State {
	if s.breaker == nil {
		return circuit.StateClosed
	}
	return s.breaker.State()
}

func (s *Store) dsn() string {
	q := url.Values{}
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", s.config.BusyTimeout.Milliseconds()))
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "synchronous(NORMAL)")
	q.Set("_txlock", "immediate")
	return "file:" + s.config.Path + "?" + q.Encode()
}

func (s *Store) open(ctx context.Context) (*sql.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, cacheerrors.NewError(cacheerrors.ErrCodeComponentStopped, "store is closed").
			WithComponent("store")
	}
	if s.db != nil {
		return s.db, nil
	}
	if s.config.Path == "" {
		return nil, fmt.Errorf("store path is empty")
	}

	if err := utils.EnsureDir(filepath.Dir(s.config.Path)); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", s.dsn())
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", s.config.Path, err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite %q: %w", s.config.Path, err)
	}
	if err := migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	s.db = db
	s.logger.Info("Durable store opened", zap.String("path", s.config.Path))
	return db, nil
}

// migrate applies any unapplied migrations in order. Sibling processes may
// race here, so every statement is idempotent.
func migrate(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_versions (
        version    INTEGER PRIMARY KEY,
        applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
    )`)
	if err != nil {
		return fmt.Errorf("create schema_versions: %w", err)
	}

	for _, m := range migrations {
		var count int
		err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_versions WHERE version = ?`, m.version).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %d: %w", m.version, err)
		}
		if count > 0 {
			continue
		}

		if _, err := db.ExecContext(ctx, m.sql); err != nil {
			return fmt.Errorf("apply migration %d: %w", m.version, err)
		}
		if _, err := db.ExecContext(ctx, `INSERT OR IGNORE INTO schema_versions(version) VALUES(?)`, m.version); err != nil {
			return fmt.Errorf("record migration %d: %w", m.version, err)
		}
	}
	return nil
}

// do runs fn against the database behind the circuit breaker and maps any
// failure to a persistence error.
func (s *Store) do(ctx context.Context, operation string, fn func(ctx context.Context, db *sql.DB) error) error {
	run := func(ctx context.Context) error {
		db, err := s.open(ctx)
		if err != nil {
			return err
		}
		return fn(ctx, db)
	}

	var err error
	if s.breaker != nil {
		err = s.breaker.Execute(ctx, run)
	} else {
		err = run(ctx)
	}
	if err == nil {
		return nil
	}

	var cacheErr *cacheerrors.CacheError
	if errors.As(err, &cacheErr) {
		return cacheErr.WithOperation(operation)
	}
	if errors.Is(err, circuit.ErrOpenState) || errors.Is(err, circuit.ErrTooManyRequests) {
		return cacheerrors.NewError(cacheerrors.ErrCodePersistenceUnavailable, "durable store is unavailable").
			WithComponent("store").
			WithOperation(operation).
			WithCause(err)
	}
	return cacheerrors.Persistence(operation, err)
}

// Ping opens the database if needed and checks the connection
func (s *Store) Ping(ctx context.Context) error {
	return s.do(ctx, "ping", func(ctx context.Context, db *sql.DB) error {
		return db.PingContext(ctx)
	})
}

// Close closes the database. The store cannot be reopened.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *Store) now() time.Time {
	return s.config.Now()
}

func toUnixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

var _ types.Persister = (*Store)(nil)
