package mindstore

import (
	"context"
	"database/sql"
	"fmt"
)

// UpsertTaskLink inserts or replaces an artifact<->task link, uniquely keyed
// by (artifact_id, task_id, relation). It fails with invalid_confidence_bps
// if confidence is out of [0, 10000], or invalid_temporal_range if
// end_ts < start_ts (spec §4.2, §8 invariants).
func (s *Store) UpsertTaskLink(ctx context.Context, l TaskLink) error {
	if l.ConfidenceBps < 0 || l.ConfidenceBps > 10000 {
		return newErr("invalid_confidence_bps", fmt.Sprintf("confidence_bps=%d out of range", l.ConfidenceBps))
	}
	if l.EndTs != nil && l.EndTs.Before(l.StartTs) {
		return newErr("invalid_temporal_range", "end_ts is before start_ts")
	}

	evidence, err := marshalStrings(l.EvidenceEventIDs)
	if err != nil {
		return wrapErr("invalid_payload", "marshal evidence event ids", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO artifact_task_links (artifact_id, task_id, relation, confidence_bps, evidence_event_ids_json, source, start_ts, end_ts, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (artifact_id, task_id, relation) DO UPDATE SET
			confidence_bps = excluded.confidence_bps,
			evidence_event_ids_json = excluded.evidence_event_ids_json,
			source = excluded.source,
			start_ts = excluded.start_ts,
			end_ts = excluded.end_ts,
			updated_at = excluded.updated_at
	`, l.ArtifactID, l.TaskID, string(l.Relation), l.ConfidenceBps, evidence, l.Source,
		formatTime(l.StartTs), nullableTime(l.EndTs), formatTime(nowUTC()))
	if err != nil {
		return wrapErr("invalid_payload", "upsert task link", err)
	}
	return nil
}

// TaskLinksForArtifact returns every link for an artifact.
func (s *Store) TaskLinksForArtifact(ctx context.Context, artifactID string) ([]TaskLink, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT artifact_id, task_id, relation, confidence_bps, evidence_event_ids_json, source, start_ts, end_ts
		FROM artifact_task_links WHERE artifact_id = ? ORDER BY task_id ASC, relation ASC
	`, artifactID)
	if err != nil {
		return nil, wrapErr("invalid_payload", "query task links", err)
	}
	defer rows.Close()

	var out []TaskLink
	for rows.Next() {
		l, err := scanTaskLink(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// TaskLinksForTask returns every link referencing a task, across all
// artifacts, ordered by start_ts.
func (s *Store) TaskLinksForTask(ctx context.Context, taskID string) ([]TaskLink, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT artifact_id, task_id, relation, confidence_bps, evidence_event_ids_json, source, start_ts, end_ts
		FROM artifact_task_links WHERE task_id = ? ORDER BY start_ts ASC
	`, taskID)
	if err != nil {
		return nil, wrapErr("invalid_payload", "query task links", err)
	}
	defer rows.Close()

	var out []TaskLink
	for rows.Next() {
		l, err := scanTaskLink(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// ReplaceSegmentRoute implements the "segment route replace" operation
// (spec §4.2): deletes any prior routing links the attribution engine wrote
// for this artifact under the given relation, then writes primary plus
// ordered secondaries, each secondary's source tagged with a rank suffix
// ("<source>#2", "<source>#3", ...) so the ranking survives a round trip
// through the flat link table.
func (s *Store) ReplaceSegmentRoute(ctx context.Context, artifactID string, relation TaskRelation, primary TaskLink, secondaries []TaskLink) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapErr("invalid_payload", "begin segment route replace", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM artifact_task_links WHERE artifact_id = ? AND relation = ?`, artifactID, string(relation)); err != nil {
		return wrapErr("invalid_payload", "delete prior route", err)
	}

	writeLink := func(l TaskLink) error {
		if l.ConfidenceBps < 0 || l.ConfidenceBps > 10000 {
			return newErr("invalid_confidence_bps", "confidence_bps out of range")
		}
		evidence, err := marshalStrings(l.EvidenceEventIDs)
		if err != nil {
			return wrapErr("invalid_payload", "marshal evidence event ids", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO artifact_task_links (artifact_id, task_id, relation, confidence_bps, evidence_event_ids_json, source, start_ts, end_ts, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, artifactID, l.TaskID, string(relation), l.ConfidenceBps, evidence, l.Source, formatTime(l.StartTs), nullableTime(l.EndTs), formatTime(nowUTC()))
		return err
	}

	primary.ArtifactID = artifactID
	if err := writeLink(primary); err != nil {
		return wrapErr("invalid_payload", "write primary route", err)
	}
	for rank, sec := range secondaries {
		sec.ArtifactID = artifactID
		sec.Source = sec.Source + "#" + itoa(rank+2)
		if err := writeLink(sec); err != nil {
			return wrapErr("invalid_payload", "write secondary route", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return wrapErr("invalid_payload", "commit segment route replace", err)
	}
	return nil
}

func scanTaskLink(row t0Scanner) (TaskLink, error) {
	var l TaskLink
	var relation, startTs string
	var endTs sql.NullString
	var evidenceJSON string
	if err := row.Scan(&l.ArtifactID, &l.TaskID, &relation, &l.ConfidenceBps, &evidenceJSON, &l.Source, &startTs, &endTs); err != nil {
		return TaskLink{}, wrapErr("invalid_payload", "scan task link", err)
	}
	l.Relation = TaskRelation(relation)
	ts, err := parseTime(startTs)
	if err != nil {
		return TaskLink{}, wrapErr("invalid_payload", "parse start_ts", err)
	}
	l.StartTs = ts
	if endTs.Valid {
		t, err := parseTime(endTs.String)
		if err != nil {
			return TaskLink{}, wrapErr("invalid_payload", "parse end_ts", err)
		}
		l.EndTs = &t
	}
	ids, err := unmarshalStrings(evidenceJSON)
	if err != nil {
		return TaskLink{}, wrapErr("invalid_payload", "unmarshal evidence event ids", err)
	}
	l.EvidenceEventIDs = ids
	return l, nil
}
