package mindstore

import (
	"context"
)

// UpsertArtifact inserts or replaces a T1 observation or T2 reflection,
// keyed by artifact_id (spec §3, §4.2).
func (s *Store) UpsertArtifact(ctx context.Context, a Artifact) error {
	traceIDs, err := marshalStrings(a.TraceIDs)
	if err != nil {
		return wrapErr("invalid_payload", "marshal trace ids", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO artifacts (artifact_id, kind, conversation_id, ts, text, trace_ids_json, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (artifact_id) DO UPDATE SET
			kind = excluded.kind,
			conversation_id = excluded.conversation_id,
			ts = excluded.ts,
			text = excluded.text,
			trace_ids_json = excluded.trace_ids_json,
			updated_at = excluded.updated_at
	`, a.ArtifactID, string(a.Kind), a.ConversationID, formatTime(a.Ts), a.Text, traceIDs, formatTime(nowUTC()))
	if err != nil {
		return wrapErr("invalid_payload", "upsert artifact", err)
	}
	return nil
}

// ArtifactsForConversation returns every artifact for a conversation,
// ordered by (ts, artifact_id).
func (s *Store) ArtifactsForConversation(ctx context.Context, conversationID string) ([]Artifact, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT artifact_id, kind, conversation_id, ts, text, trace_ids_json
		FROM artifacts WHERE conversation_id = ? ORDER BY ts ASC, artifact_id ASC
	`, conversationID)
	if err != nil {
		return nil, wrapErr("invalid_payload", "query artifacts", err)
	}
	defer rows.Close()

	var out []Artifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ArtifactByID fetches a single artifact by id.
func (s *Store) ArtifactByID(ctx context.Context, artifactID string) (Artifact, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT artifact_id, kind, conversation_id, ts, text, trace_ids_json
		FROM artifacts WHERE artifact_id = ?
	`, artifactID)
	a, err := scanArtifact(row)
	if err != nil {
		if errIsNoRows(err) {
			return Artifact{}, false, nil
		}
		return Artifact{}, false, err
	}
	return a, true, nil
}

func scanArtifact(row t0Scanner) (Artifact, error) {
	var a Artifact
	var kind, tsStr, traceIDsJSON string
	if err := row.Scan(&a.ArtifactID, &kind, &a.ConversationID, &tsStr, &a.Text, &traceIDsJSON); err != nil {
		return Artifact{}, wrapErr("invalid_payload", "scan artifact", err)
	}
	ts, err := parseTime(tsStr)
	if err != nil {
		return Artifact{}, wrapErr("invalid_payload", "parse ts", err)
	}
	a.Ts = ts
	a.Kind = ArtifactKind(kind)
	ids, err := unmarshalStrings(traceIDsJSON)
	if err != nil {
		return Artifact{}, wrapErr("invalid_payload", "unmarshal trace ids", err)
	}
	a.TraceIDs = ids
	return a, nil
}
