package store

import (
	"context"
	"database/sql"
	"fmt"

	json "github.com/goccy/go-json"

	cacheerrors "github.com/realtycrm/unicache/pkg/errors"
	"github.com/realtycrm/unicache/pkg/types"
)

// EnqueueOffline appends item to the durable offline queue
func (s *Store) EnqueueOffline(ctx context.Context, item types.OfflineQueueItem) error {
	tags, err := json.Marshal(item.Tags)
	if err != nil {
		return cacheerrors.Persistence("enqueue_offline", fmt.Errorf("encode tags: %w", err))
	}

	return s.do(ctx, "enqueue_offline", func(ctx context.Context, db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
            INSERT INTO offline_queue(id, seq, operation, key, payload, strategy, tags, enqueued_at, retry_count, max_retries)
            VALUES(?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM offline_queue), ?,?,?,?,?,?,?,?)
            ON CONFLICT(id) DO NOTHING
        `,
			item.ID, string(item.Operation), item.Key, item.Payload, string(item.Strategy),
			string(tags), toUnixNano(item.EnqueuedAt), item.RetryCount, item.MaxRetries,
		)
		return err
	})
}

// ListOffline returns queued items in enqueue order
func (s *Store) ListOffline(ctx context.Context) ([]types.OfflineQueueItem, error) {
	var items []types.OfflineQueueItem
	err := s.do(ctx, "list_offline", func(ctx context.Context, db *sql.DB) error {
		rows, err := db.QueryContext(ctx, `
            SELECT id, operation, key, payload, strategy, tags, enqueued_at, retry_count, max_retries
            FROM offline_queue ORDER BY seq ASC
        `)
		if err != nil {
			return err
		}
		defer rows.Close()

		items = items[:0]
		for rows.Next() {
			var (
				item       types.OfflineQueueItem
				operation  string
				strategy   string
				tags       string
				enqueuedAt int64
			)
			if err := rows.Scan(&item.ID, &operation, &item.Key, &item.Payload, &strategy, &tags,
				&enqueuedAt, &item.RetryCount, &item.MaxRetries); err != nil {
				return err
			}
			item.Operation = types.OfflineOperation(operation)
			item.Strategy = types.Strategy(strategy)
			item.EnqueuedAt = fromUnixNano(enqueuedAt)
			if tags != "" && tags != "null" {
				if err := json.Unmarshal([]byte(tags), &item.Tags); err != nil {
					return fmt.Errorf("decode tags for %s: %w", item.ID, err)
				}
			}
			items = append(items, item)
		}
		return rows.Err()
	})
	return items, err
}

// UpdateOffline persists the retry count of a queued item
func (s *Store) UpdateOffline(ctx context.Context, item types.OfflineQueueItem) error {
	return s.do(ctx, "update_offline", func(ctx context.Context, db *sql.DB) error {
		_, err := db.ExecContext(ctx, `UPDATE offline_queue SET retry_count = ? WHERE id = ?`,
			item.RetryCount, item.ID)
		return err
	})
}

// RemoveOffline deletes a queued item
func (s *Store) RemoveOffline(ctx context.Context, id string) error {
	return s.do(ctx, "remove_offline", func(ctx context.Context, db *sql.DB) error {
		_, err := db.ExecContext(ctx, `DELETE FROM offline_queue WHERE id = ?`, id)
		return err
	})
}
