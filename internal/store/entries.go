package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	json "github.com/goccy/go-json"

	cacheerrors "github.com/realtycrm/unicache/pkg/errors"
	"github.com/realtycrm/unicache/pkg/types"
)

const entryColumns = `key, value, strategy, expires_at, timestamp, version, metadata`

// freshClause selects entries that are not expired at the bound time
const freshClause = `(expires_at = 0 OR expires_at > ?)`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*types.Entry, error) {
	var (
		e         types.Entry
		strategy  string
		expiresAt int64
		timestamp int64
		metadata  string
	)
	if err := row.Scan(&e.Key, &e.Value, &strategy, &expiresAt, &timestamp, &e.Version, &metadata); err != nil {
		return nil, err
	}
	e.Strategy = types.Strategy(strategy)
	e.ExpiresAt = fromUnixNano(expiresAt)
	e.Timestamp = fromUnixNano(timestamp)
	if metadata != "" {
		if err := json.Unmarshal([]byte(metadata), &e.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata for %q: %w", e.Key, err)
		}
	}
	return &e, nil
}

func (s *Store) getEntry(ctx context.Context, operation, key string) (*types.Entry, error) {
	var entry *types.Entry
	err := s.do(ctx, operation, func(ctx context.Context, db *sql.DB) error {
		row := db.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM entries WHERE key = ?`, key)
		e, err := scanEntry(row)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		entry = e
		return nil
	})
	return entry, err
}

// Get returns the entry for key if present and fresh
func (s *Store) Get(ctx context.Context, key string) (*types.Entry, bool, error) {
	entry, err := s.getEntry(ctx, "get", key)
	if err != nil || entry == nil {
		return nil, false, err
	}
	if entry.IsExpired(s.now()) {
		return nil, false, nil
	}
	return entry, true, nil
}

// GetStale returns the entry for key even if it has expired
func (s *Store) GetStale(ctx context.Context, key string) (*types.Entry, bool, error) {
	entry, err := s.getEntry(ctx, "get_stale", key)
	if err != nil || entry == nil {
		return nil, false, err
	}
	return entry, true, nil
}

// Set upserts entry and replaces its tags
func (s *Store) Set(ctx context.Context, entry *types.Entry) error {
	metadata, err := json.Marshal(entry.Metadata)
	if err != nil {
		return cacheerrors.Persistence("set", fmt.Errorf("encode metadata: %w", err))
	}

	return s.do(ctx, "set", func(ctx context.Context, db *sql.DB) error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		_, err = tx.ExecContext(ctx, `
            INSERT INTO entries(`+entryColumns+`)
            VALUES(?,?,?,?,?,?,?)
            ON CONFLICT(key) DO UPDATE SET
                value      = excluded.value,
                strategy   = excluded.strategy,
                expires_at = excluded.expires_at,
                timestamp  = excluded.timestamp,
                version    = excluded.version,
                metadata   = excluded.metadata
        `,
			entry.Key, entry.Value, string(entry.Strategy),
			toUnixNano(entry.ExpiresAt), toUnixNano(entry.Timestamp),
			entry.Version, string(metadata),
		)
		if err != nil {
			return fmt.Errorf("upsert entry: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM entry_tags WHERE key = ?`, entry.Key); err != nil {
			return fmt.Errorf("delete tags: %w", err)
		}
		for _, tag := range entry.Metadata.Tags {
			if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO entry_tags(key, tag) VALUES(?,?)`, entry.Key, tag); err != nil {
				return fmt.Errorf("insert tag: %w", err)
			}
		}

		return tx.Commit()
	})
}

// Delete removes key
func (s *Store) Delete(ctx context.Context, key string) error {
	_, err := s.deleteKeys(ctx, "delete", []string{key})
	return err
}

// DeleteMany removes keys and returns how many existed
func (s *Store) DeleteMany(ctx context.Context, keys []string) (int, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	return s.deleteKeys(ctx, "delete_many", keys)
}

func (s *Store) deleteKeys(ctx context.Context, operation string, keys []string) (int, error) {
	var removed int
	err := s.do(ctx, operation, func(ctx context.Context, db *sql.DB) error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		removed = 0
		for _, key := range keys {
			res, err := tx.ExecContext(ctx, `DELETE FROM entries WHERE key = ?`, key)
			if err != nil {
				return fmt.Errorf("delete entry: %w", err)
			}
			if n, err := res.RowsAffected(); err == nil {
				removed += int(n)
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM entry_tags WHERE key = ?`, key); err != nil {
				return fmt.Errorf("delete tags: %w", err)
			}
		}
		return tx.Commit()
	})
	return removed, err
}

// Clear removes every entry. Leases and the offline queue are untouched.
func (s *Store) Clear(ctx context.Context) error {
	return s.do(ctx, "clear", func(ctx context.Context, db *sql.DB) error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `DELETE FROM entries`); err != nil {
			return fmt.Errorf("clear entries: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM entry_tags`); err != nil {
			return fmt.Errorf("clear tags: %w", err)
		}
		return tx.Commit()
	})
}

// GetAll returns every fresh entry keyed by key
func (s *Store) GetAll(ctx context.Context) (map[string]*types.Entry, error) {
	result := make(map[string]*types.Entry)
	err := s.do(ctx, "get_all", func(ctx context.Context, db *sql.DB) error {
		rows, err := db.QueryContext(ctx, `SELECT `+entryColumns+` FROM entries WHERE `+freshClause,
			toUnixNano(s.now()))
		if err != nil {
			return err
		}
		defer rows.Close()

		now := s.now()
		for rows.Next() {
			e, err := scanEntry(rows)
			if err != nil {
				return err
			}
			if !e.IsExpired(now) {
				result[e.Key] = e
			}
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) queryKeys(ctx context.Context, operation, query string, args ...any) ([]string, error) {
	var keys []string
	err := s.do(ctx, operation, func(ctx context.Context, db *sql.DB) error {
		rows, err := db.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()

		keys = keys[:0]
		for rows.Next() {
			var key string
			if err := rows.Scan(&key); err != nil {
				return err
			}
			keys = append(keys, key)
		}
		return rows.Err()
	})
	return keys, err
}

// Keys lists the keys of fresh entries
func (s *Store) Keys(ctx context.Context) ([]string, error) {
	return s.queryKeys(ctx, "keys", `SELECT key FROM entries WHERE `+freshClause+` ORDER BY key`,
		toUnixNano(s.now()))
}

// Count returns the number of fresh entries
func (s *Store) Count(ctx context.Context) (int, error) {
	var count int
	err := s.do(ctx, "count", func(ctx context.Context, db *sql.DB) error {
		return db.QueryRowContext(ctx, `SELECT COUNT(*) FROM entries WHERE `+freshClause,
			toUnixNano(s.now())).Scan(&count)
	})
	return count, err
}

// ByStrategy lists every stored key with the given strategy, fresh or not
func (s *Store) ByStrategy(ctx context.Context, strategy types.Strategy) ([]string, error) {
	return s.queryKeys(ctx, "by_strategy", `SELECT key FROM entries WHERE strategy = ? ORDER BY key`,
		string(strategy))
}

// ByTag lists every stored key carrying tag
func (s *Store) ByTag(ctx context.Context, tag string) ([]string, error) {
	return s.queryKeys(ctx, "by_tag", `SELECT key FROM entry_tags WHERE tag = ? ORDER BY key`, tag)
}

// SweepExpired deletes expired entries and returns how many were removed
func (s *Store) SweepExpired(ctx context.Context) (int, error) {
	var removed int
	err := s.do(ctx, "sweep_expired", func(ctx context.Context, db *sql.DB) error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		res, err := tx.ExecContext(ctx,
			`DELETE FROM entries WHERE expires_at != 0 AND expires_at <= ?`,
			toUnixNano(s.now()))
		if err != nil {
			return fmt.Errorf("sweep entries: %w", err)
		}
		n, _ := res.RowsAffected()
		removed = int(n)

		if _, err := tx.ExecContext(ctx,
			`DELETE FROM entry_tags WHERE key NOT IN (SELECT key FROM entries)`); err != nil {
			return fmt.Errorf("sweep tags: %w", err)
		}
		return tx.Commit()
	})
	return removed, err
}
