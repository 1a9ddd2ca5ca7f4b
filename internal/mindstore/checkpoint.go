package mindstore

import (
	"context"
	"database/sql"
)

// CheckpointFor returns the ingestion checkpoint for a conversation, or a
// zero-value checkpoint with ok=false if none exists yet.
func (s *Store) CheckpointFor(ctx context.Context, conversationID string) (Checkpoint, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT conversation_id, raw_cursor, t0_cursor, policy_version, updated_at
		FROM ingestion_checkpoints WHERE conversation_id = ?
	`, conversationID)
	var c Checkpoint
	var updated string
	if err := row.Scan(&c.ConversationID, &c.RawCursor, &c.T0Cursor, &c.PolicyVersion, &updated); err != nil {
		if err == sql.ErrNoRows {
			return Checkpoint{}, false, nil
		}
		return Checkpoint{}, false, wrapErr("invalid_payload", "scan checkpoint", err)
	}
	var err error
	if c.UpdatedAt, err = parseTime(updated); err != nil {
		return Checkpoint{}, false, wrapErr("invalid_payload", "parse updated_at", err)
	}
	return c, true, nil
}

// SaveCheckpoint atomically upserts the ingestion checkpoint (spec §4.3
// step 6: "update checkpoint atomically at the end").
func (s *Store) SaveCheckpoint(ctx context.Context, c Checkpoint) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ingestion_checkpoints (conversation_id, raw_cursor, t0_cursor, policy_version, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (conversation_id) DO UPDATE SET
			raw_cursor = excluded.raw_cursor,
			t0_cursor = excluded.t0_cursor,
			policy_version = excluded.policy_version,
			updated_at = excluded.updated_at
	`, c.ConversationID, c.RawCursor, c.T0Cursor, c.PolicyVersion, formatTime(nowUTC()))
	if err != nil {
		return wrapErr("invalid_payload", "save checkpoint", err)
	}
	return nil
}
