package store

import (
	"context"
	"time"
)

// AcquireLease takes the lease on flow for holder until now+ttl. It reports
// false when another holder's lease has not expired yet. A holder may renew
// its own lease.
func (s *Store) AcquireLease(ctx context.Context, flow, holder string, now time.Time, ttl time.Duration) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO flow_leases (flow, holder, acquired_at, expires_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(flow) DO UPDATE SET
			holder = excluded.holder,
			acquired_at = excluded.acquired_at,
			expires_at = excluded.expires_at
		WHERE flow_leases.expires_at <= ? OR flow_leases.holder = excluded.holder
	`, flow, holder, now.UTC(), now.Add(ttl).UnixMilli(), now.UnixMilli())
	if err != nil {
		return false, persistErr("acquire lease "+flow, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, persistErr("acquire lease "+flow, err)
	}
	return n > 0, nil
}

// ReleaseLease drops holder's lease on flow. Releasing a lease held by
// someone else is a no-op.
func (s *Store) ReleaseLease(ctx context.Context, flow, holder string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM flow_leases WHERE flow = ? AND holder = ?`, flow, holder); err != nil {
		return persistErr("release lease "+flow, err)
	}
	return nil
}
