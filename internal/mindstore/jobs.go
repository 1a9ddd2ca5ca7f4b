package mindstore

import (
	"context"
	"database/sql"
	"time"
)

// EnqueueJob inserts j if absent by job_id (deterministic id, spec §3,
// §4.5). Identical inputs collapse to one job; it reports enqueued=false
// without error when the job already exists.
func (s *Store) EnqueueJob(ctx context.Context, j Job) (enqueued bool, err error) {
	obsIDs, err := marshalStrings(j.ObservationIDs)
	if err != nil {
		return false, wrapErr("invalid_payload", "marshal observation ids", err)
	}
	convIDs, err := marshalStrings(j.ConversationIDs)
	if err != nil {
		return false, wrapErr("invalid_payload", "marshal conversation ids", err)
	}
	now := formatTime(nowUTC())
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO reflector_jobs (job_id, active_tag, observation_ids_json, conversation_ids_json, estimated_tokens, status, attempts, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?)
		ON CONFLICT (job_id) DO NOTHING
	`, j.JobID, j.ActiveTag, obsIDs, convIDs, j.EstimatedTokens, string(JobPending), now, now)
	if err != nil {
		return false, wrapErr("invalid_payload", "enqueue job", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, wrapErr("invalid_payload", "rows affected", err)
	}
	return n > 0, nil
}

// ClaimJob flips one pending row for activeTag to claimed, requiring a
// valid live lease held by ownerID for scopeID. On a lost update race it
// retries up to maxRetries times (spec §4.2).
func (s *Store) ClaimJob(ctx context.Context, scopeID, activeTag, ownerID string, now time.Time) (Job, bool, error) {
	const maxRetries = 5
	for attempt := 0; attempt < maxRetries; attempt++ {
		lease, ok, err := s.LeaseFor(ctx, scopeID)
		if err != nil {
			return Job{}, false, err
		}
		if !ok || lease.OwnerID != ownerID || lease.ExpiresAt.Before(now) {
			return Job{}, false, newErr("lock_conflict", "caller does not hold a valid live lease")
		}

		row := s.db.QueryRowContext(ctx, `
			SELECT job_id FROM reflector_jobs WHERE active_tag = ? AND status = ? ORDER BY created_at ASC LIMIT 1
		`, activeTag, string(JobPending))
		var jobID string
		if err := row.Scan(&jobID); err != nil {
			if err == sql.ErrNoRows {
				return Job{}, false, nil
			}
			return Job{}, false, wrapErr("invalid_payload", "select pending job", err)
		}

		res, err := s.db.ExecContext(ctx, `
			UPDATE reflector_jobs SET status = ?, claimed_by = ?, claimed_at = ?, attempts = attempts + 1, updated_at = ?
			WHERE job_id = ? AND status = ?
		`, string(JobClaimed), ownerID, formatTime(now), formatTime(now), jobID, string(JobPending))
		if err != nil {
			return Job{}, false, wrapErr("invalid_payload", "claim job", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return Job{}, false, wrapErr("invalid_payload", "rows affected", err)
		}
		if n == 0 {
			// Lost the race to another claimant; retry.
			continue
		}
		job, found, err := s.JobByID(ctx, jobID)
		if err != nil || !found {
			return Job{}, false, err
		}
		return job, true, nil
	}
	return Job{}, false, newErr("lock_conflict", "exceeded claim retry bound")
}

// CompleteJob transitions a claimed job to completed. Only the claiming
// owner may transition it.
func (s *Store) CompleteJob(ctx context.Context, jobID, ownerID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE reflector_jobs SET status = ?, updated_at = ?
		WHERE job_id = ? AND claimed_by = ? AND status = ?
	`, string(JobCompleted), formatTime(nowUTC()), jobID, ownerID, string(JobClaimed))
	if err != nil {
		return wrapErr("invalid_payload", "complete job", err)
	}
	return requireAffected(res, "lock_conflict", "caller does not own the claimed job")
}

// FailJob transitions a claimed job either back to pending (requeue=true,
// clearing owner) or to a terminal failed state (requeue=false). Only the
// claiming owner may transition it.
func (s *Store) FailJob(ctx context.Context, jobID, ownerID, lastError string, requeue bool) error {
	status := string(JobFailed)
	var claimedBy any
	if requeue {
		status = string(JobPending)
		claimedBy = nil
	} else {
		claimedBy = ownerID
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE reflector_jobs SET status = ?, claimed_by = ?, last_error = ?, updated_at = ?
		WHERE job_id = ? AND claimed_by = ? AND status = ?
	`, status, claimedBy, lastError, formatTime(nowUTC()), jobID, ownerID, string(JobClaimed))
	if err != nil {
		return wrapErr("invalid_payload", "fail job", err)
	}
	return requireAffected(res, "lock_conflict", "caller does not own the claimed job")
}

func requireAffected(res sql.Result, code, message string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return wrapErr("invalid_payload", "rows affected", err)
	}
	if n == 0 {
		return newErr(code, message)
	}
	return nil
}

// JobByID fetches a job by id.
func (s *Store) JobByID(ctx context.Context, jobID string) (Job, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT job_id, active_tag, observation_ids_json, conversation_ids_json, estimated_tokens, status, claimed_by, claimed_at, attempts, last_error, created_at, updated_at
		FROM reflector_jobs WHERE job_id = ?
	`, jobID)
	j, err := scanJob(row)
	if err != nil {
		if errIsNoRows(err) {
			return Job{}, false, nil
		}
		return Job{}, false, err
	}
	return j, true, nil
}

func scanJob(row t0Scanner) (Job, error) {
	var j Job
	var status, created, updated string
	var obsJSON, convJSON string
	var claimedBy, claimedAt, lastError sql.NullString
	if err := row.Scan(&j.JobID, &j.ActiveTag, &obsJSON, &convJSON, &j.EstimatedTokens, &status,
		&claimedBy, &claimedAt, &j.Attempts, &lastError, &created, &updated); err != nil {
		return Job{}, wrapErr("invalid_payload", "scan job", err)
	}
	j.Status = JobStatus(status)
	var err error
	if j.ObservationIDs, err = unmarshalStrings(obsJSON); err != nil {
		return Job{}, wrapErr("invalid_payload", "unmarshal observation ids", err)
	}
	if j.ConversationIDs, err = unmarshalStrings(convJSON); err != nil {
		return Job{}, wrapErr("invalid_payload", "unmarshal conversation ids", err)
	}
	if claimedBy.Valid {
		v := claimedBy.String
		j.ClaimedBy = &v
	}
	if claimedAt.Valid {
		t, err := parseTime(claimedAt.String)
		if err != nil {
			return Job{}, wrapErr("invalid_payload", "parse claimed_at", err)
		}
		j.ClaimedAt = &t
	}
	if lastError.Valid {
		v := lastError.String
		j.LastError = &v
	}
	if j.CreatedAt, err = parseTime(created); err != nil {
		return Job{}, wrapErr("invalid_payload", "parse created_at", err)
	}
	if j.UpdatedAt, err = parseTime(updated); err != nil {
		return Job{}, wrapErr("invalid_payload", "parse updated_at", err)
	}
	return j, nil
}
