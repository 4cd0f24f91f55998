package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/realtycrm/unicache/pkg/types"
)

// ClaimLease takes the named lease for holder when it is free, stale (not
// renewed within liveness) or already held by holder. The upsert is a single
// statement so concurrent claimants cannot both win.
func (s *Store) ClaimLease(ctx context.Context, name, holder string, liveness time.Duration) (bool, error) {
	var claimed bool
	err := s.do(ctx, "claim_lease", func(ctx context.Context, db *sql.DB) error {
		now := s.now()
		res, err := db.ExecContext(ctx, `
            INSERT INTO leases(name, holder, renewed_at) VALUES(?,?,?)
            ON CONFLICT(name) DO UPDATE SET
                holder     = excluded.holder,
                renewed_at = excluded.renewed_at
            WHERE leases.holder = excluded.holder OR leases.renewed_at < ?
        `, name, holder, now.UnixNano(), now.Add(-liveness).UnixNano())
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		claimed = n > 0
		return nil
	})
	return claimed, err
}

// RenewLease refreshes the lease timestamp. It reports false when holder no
// longer owns the lease.
func (s *Store) RenewLease(ctx context.Context, name, holder string) (bool, error) {
	var renewed bool
	err := s.do(ctx, "renew_lease", func(ctx context.Context, db *sql.DB) error {
		res, err := db.ExecContext(ctx, `UPDATE leases SET renewed_at = ? WHERE name = ? AND holder = ?`,
			s.now().UnixNano(), name, holder)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		renewed = n > 0
		return nil
	})
	return renewed, err
}

// ReleaseLease deletes the lease if holder owns it
func (s *Store) ReleaseLease(ctx context.Context, name, holder string) error {
	return s.do(ctx, "release_lease", func(ctx context.Context, db *sql.DB) error {
		_, err := db.ExecContext(ctx, `DELETE FROM leases WHERE name = ? AND holder = ?`, name, holder)
		return err
	})
}

// ReadLease returns the current lease record
func (s *Store) ReadLease(ctx context.Context, name string) (types.Lease, bool, error) {
	var (
		lease types.Lease
		found bool
	)
	err := s.do(ctx, "read_lease", func(ctx context.Context, db *sql.DB) error {
		var renewedAt int64
		err := db.QueryRowContext(ctx, `SELECT name, holder, renewed_at FROM leases WHERE name = ?`, name).
			Scan(&lease.Name, &lease.Holder, &renewedAt)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		lease.RenewedAt = fromUnixNano(renewedAt)
		found = true
		return nil
	})
	return lease, found, err
}
