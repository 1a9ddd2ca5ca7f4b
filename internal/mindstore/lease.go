package mindstore

import (
	"context"
	"database/sql"
	"time"
)

// AcquireLease attempts to take the reflector singleton lease for scopeID
// (spec §3, §4.2). It is idempotent for the current owner: a caller holding
// the lease may call it again to confirm/extend. It otherwise succeeds only
// if the existing lease is expired relative to now. Grounded on the
// conditional-update lock pattern in internal/sessions/locker.go
// (DBLocker.tryAcquire).
func (s *Store) AcquireLease(ctx context.Context, scopeID, ownerID string, ownerPID *int, now time.Time, ttl time.Duration) (bool, error) {
	expiresAt := now.Add(ttl)
	var owner string
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO reflector_leases (scope_id, owner_id, owner_pid, acquired_at, heartbeat_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (scope_id) DO UPDATE SET
			owner_id = excluded.owner_id,
			owner_pid = excluded.owner_pid,
			acquired_at = CASE WHEN reflector_leases.owner_id = excluded.owner_id THEN reflector_leases.acquired_at ELSE excluded.acquired_at END,
			heartbeat_at = excluded.heartbeat_at,
			expires_at = excluded.expires_at
		WHERE reflector_leases.expires_at < ? OR reflector_leases.owner_id = ?
		RETURNING owner_id
	`, scopeID, ownerID, nullableInt(ownerPID), formatTime(now), formatTime(now), formatTime(expiresAt), formatTime(now), ownerID).Scan(&owner)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, wrapErr("lock_conflict", "acquire lease", err)
	}
	return owner == ownerID, nil
}

// HeartbeatLease extends expiry for the current owner. Only the current
// owner may extend; it reports ok=false if the caller does not (or no
// longer) holds the lease.
func (s *Store) HeartbeatLease(ctx context.Context, scopeID, ownerID string, now time.Time, ttl time.Duration) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE reflector_leases SET heartbeat_at = ?, expires_at = ?
		WHERE scope_id = ? AND owner_id = ?
	`, formatTime(now), formatTime(now.Add(ttl)), scopeID, ownerID)
	if err != nil {
		return false, wrapErr("lock_conflict", "heartbeat lease", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, wrapErr("lock_conflict", "rows affected", err)
	}
	return n > 0, nil
}

// ReleaseLease deletes the lease row if owned by ownerID. Best-effort: if
// it fails, the lease expires via TTL regardless.
func (s *Store) ReleaseLease(ctx context.Context, scopeID, ownerID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM reflector_leases WHERE scope_id = ? AND owner_id = ?`, scopeID, ownerID)
	if err != nil {
		return wrapErr("lock_conflict", "release lease", err)
	}
	return nil
}

// LeaseFor returns the current lease row for a scope, if any.
func (s *Store) LeaseFor(ctx context.Context, scopeID string) (Lease, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT scope_id, owner_id, owner_pid, acquired_at, heartbeat_at, expires_at
		FROM reflector_leases WHERE scope_id = ?
	`, scopeID)
	var l Lease
	var ownerPID sql.NullInt64
	var acquired, heartbeat, expires string
	if err := row.Scan(&l.ScopeID, &l.OwnerID, &ownerPID, &acquired, &heartbeat, &expires); err != nil {
		if err == sql.ErrNoRows {
			return Lease{}, false, nil
		}
		return Lease{}, false, wrapErr("invalid_payload", "scan lease", err)
	}
	if ownerPID.Valid {
		v := int(ownerPID.Int64)
		l.OwnerPID = &v
	}
	var err error
	if l.AcquiredAt, err = parseTime(acquired); err != nil {
		return Lease{}, false, wrapErr("invalid_payload", "parse acquired_at", err)
	}
	if l.HeartbeatAt, err = parseTime(heartbeat); err != nil {
		return Lease{}, false, wrapErr("invalid_payload", "parse heartbeat_at", err)
	}
	if l.ExpiresAt, err = parseTime(expires); err != nil {
		return Lease{}, false, wrapErr("invalid_payload", "parse expires_at", err)
	}
	return l, true, nil
}
