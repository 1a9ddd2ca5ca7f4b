package mindstore

import (
	"context"
	"database/sql"
)

// InsertProvenance records one semantic-runtime attempt for an artifact
// (spec §3, §4.5). Attempts are unique per (artifact_id, attempt).
func (s *Store) InsertProvenance(ctx context.Context, p Provenance) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO semantic_provenance (artifact_id, attempt, stage, runtime, prompt_version, input_hash, output_hash, latency_ms, fallback_used, fallback_reason, failure_kind, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (artifact_id, attempt) DO UPDATE SET
			stage = excluded.stage,
			runtime = excluded.runtime,
			prompt_version = excluded.prompt_version,
			input_hash = excluded.input_hash,
			output_hash = excluded.output_hash,
			latency_ms = excluded.latency_ms,
			fallback_used = excluded.fallback_used,
			fallback_reason = excluded.fallback_reason,
			failure_kind = excluded.failure_kind
	`, p.ArtifactID, p.Attempt, string(p.Stage), string(p.Runtime), p.PromptVersion, p.InputHash,
		nullableString(p.OutputHash), p.LatencyMs, boolToInt(p.FallbackUsed), nullableString(p.FallbackReason),
		nullableString(p.FailureKind), formatTime(nowUTC()))
	if err != nil {
		return wrapErr("invalid_payload", "insert provenance", err)
	}
	return nil
}

// ProvenanceForArtifact returns every recorded attempt for an artifact,
// ordered by attempt.
func (s *Store) ProvenanceForArtifact(ctx context.Context, artifactID string) ([]Provenance, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT artifact_id, attempt, stage, runtime, prompt_version, input_hash, output_hash, latency_ms, fallback_used, fallback_reason, failure_kind
		FROM semantic_provenance WHERE artifact_id = ? ORDER BY attempt ASC
	`, artifactID)
	if err != nil {
		return nil, wrapErr("invalid_payload", "query provenance", err)
	}
	defer rows.Close()

	var out []Provenance
	for rows.Next() {
		var p Provenance
		var stage, runtime string
		var outputHash, fallbackReason, failureKind sql.NullString
		var fallbackUsed int
		if err := rows.Scan(&p.ArtifactID, &p.Attempt, &stage, &runtime, &p.PromptVersion, &p.InputHash,
			&outputHash, &p.LatencyMs, &fallbackUsed, &fallbackReason, &failureKind); err != nil {
			return nil, wrapErr("invalid_payload", "scan provenance", err)
		}
		p.Stage = SemanticStage(stage)
		p.Runtime = SemanticRuntime(runtime)
		p.FallbackUsed = fallbackUsed != 0
		if outputHash.Valid {
			v := outputHash.String
			p.OutputHash = &v
		}
		if fallbackReason.Valid {
			v := fallbackReason.String
			p.FallbackReason = &v
		}
		if failureKind.Valid {
			v := failureKind.String
			p.FailureKind = &v
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
