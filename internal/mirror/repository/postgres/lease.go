package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/goodnatureofminers/blockmirror/internal/mirror/model"
)

// LeaseName identifies the single synchronizer lease of a mirror.
const LeaseName = "synchronizer"

const (
	acquireLeaseQuery = `
INSERT INTO sync_lease (name, holder, expires_at)
VALUES ($1, $2, now() + make_interval(secs => $3))
ON CONFLICT (name) DO UPDATE SET
	holder = EXCLUDED.holder,
	expires_at = EXCLUDED.expires_at
WHERE sync_lease.holder = EXCLUDED.holder OR sync_lease.expires_at < now()`

	releaseLeaseQuery = `DELETE FROM sync_lease WHERE name = $1 AND holder = $2`

	checkLeaseQuery = `
SELECT 1 FROM sync_lease
WHERE name = $1 AND holder = $2 AND expires_at > now()
FOR UPDATE`
)

// AcquireLease takes or renews the synchronizer lease for holder.
// It returns model.ErrLeaseHeld while another holder's lease is live.
func (r *Repository) AcquireLease(ctx context.Context, holder string, ttl time.Duration) (err error) {
	started := time.Now()
	defer func() {
		r.observe("acquire_lease", err, started)
	}()

	res, err := r.db.ExecContext(ctx, acquireLeaseQuery, LeaseName, holder, ttl.Seconds())
	if err != nil {
		err = fmt.Errorf("acquire lease: %w", classify(err))
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		err = fmt.Errorf("acquire lease: %w", classify(err))
		return err
	}
	if n == 0 {
		return model.ErrLeaseHeld
	}
	return nil
}

// ReleaseLease drops the lease if holder still owns it.
func (r *Repository) ReleaseLease(ctx context.Context, holder string) (err error) {
	started := time.Now()
	defer func() {
		r.observe("release_lease", err, started)
	}()

	if _, err = r.db.ExecContext(ctx, releaseLeaseQuery, LeaseName, holder); err != nil {
		err = fmt.Errorf("release lease: %w", classify(err))
		return err
	}
	return nil
}

// CheckLease verifies inside the transaction that holder still owns a live lease.
// The lease row stays locked until the transaction ends, so no other holder can take it
// between the check and Commit.
func (t *Tx) CheckLease(ctx context.Context, holder string) (err error) {
	started := time.Now()
	defer func() {
		t.observe("check_lease", err, started)
	}()
	if t.tx == nil {
		return errTxDone
	}

	var one int
	err = t.tx.QueryRowxContext(ctx, checkLeaseQuery, LeaseName, holder).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		err = fmt.Errorf("check lease of %s: %w", holder, model.ErrLeaseHeld)
		return err
	}
	if err != nil {
		err = fmt.Errorf("check lease: %w", classify(err))
		return err
	}
	return nil
}
