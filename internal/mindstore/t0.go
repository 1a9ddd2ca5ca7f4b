package mindstore

import (
	"context"
	"database/sql"
	"encoding/json"
)

// UpsertT0 upserts a T0 compact event keyed by compact_id, replacing all
// columns (spec §4.2).
func (s *Store) UpsertT0(ctx context.Context, c T0Compact) error {
	var toolMetaJSON sql.NullString
	if c.ToolMeta != nil {
		raw, err := json.Marshal(c.ToolMeta)
		if err != nil {
			return wrapErr("invalid_payload", "marshal tool meta", err)
		}
		toolMetaJSON = sql.NullString{String: string(raw), Valid: true}
	}
	sourceIDs, err := marshalStrings(c.SourceEventIDs)
	if err != nil {
		return wrapErr("invalid_payload", "marshal source event ids", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO t0_compacts (compact_id, compact_hash, schema_version, conversation_id, ts, role, text, tool_meta_json, snippet, source_event_ids_json, policy_version, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (compact_id) DO UPDATE SET
			compact_hash = excluded.compact_hash,
			schema_version = excluded.schema_version,
			conversation_id = excluded.conversation_id,
			ts = excluded.ts,
			role = excluded.role,
			text = excluded.text,
			tool_meta_json = excluded.tool_meta_json,
			snippet = excluded.snippet,
			source_event_ids_json = excluded.source_event_ids_json,
			policy_version = excluded.policy_version,
			updated_at = excluded.updated_at
	`, c.CompactID, c.CompactHash, c.SchemaVersion, c.ConversationID, formatTime(c.Ts),
		nullableString(c.Role), nullableString(c.Text), toolMetaJSON, nullableString(c.Snippet),
		sourceIDs, c.PolicyVersion, formatTime(nowUTC()))
	if err != nil {
		return wrapErr("invalid_payload", "upsert t0 compact", err)
	}
	return nil
}

// T0EventsForConversation returns every T0 compact for a conversation,
// ordered by (ts, compact_id).
func (s *Store) T0EventsForConversation(ctx context.Context, conversationID string) ([]T0Compact, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT compact_id, compact_hash, schema_version, conversation_id, ts, role, text, tool_meta_json, snippet, source_event_ids_json, policy_version
		FROM t0_compacts WHERE conversation_id = ? ORDER BY ts ASC, compact_id ASC
	`, conversationID)
	if err != nil {
		return nil, wrapErr("invalid_payload", "query t0 compacts", err)
	}
	defer rows.Close()

	var out []T0Compact
	for rows.Next() {
		c, err := scanT0(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

type t0Scanner interface {
	Scan(dest ...any) error
}

func scanT0(row t0Scanner) (T0Compact, error) {
	var c T0Compact
	var tsStr string
	var role, text, toolMetaJSON, snippet sql.NullString
	var sourceIDsJSON string
	if err := row.Scan(&c.CompactID, &c.CompactHash, &c.SchemaVersion, &c.ConversationID, &tsStr,
		&role, &text, &toolMetaJSON, &snippet, &sourceIDsJSON, &c.PolicyVersion); err != nil {
		return T0Compact{}, wrapErr("invalid_payload", "scan t0 compact", err)
	}
	ts, err := parseTime(tsStr)
	if err != nil {
		return T0Compact{}, wrapErr("invalid_payload", "parse ts", err)
	}
	c.Ts = ts
	if role.Valid {
		v := role.String
		c.Role = &v
	}
	if text.Valid {
		v := text.String
		c.Text = &v
	}
	if snippet.Valid {
		v := snippet.String
		c.Snippet = &v
	}
	if toolMetaJSON.Valid {
		var tm ToolMeta
		if err := json.Unmarshal([]byte(toolMetaJSON.String), &tm); err != nil {
			return T0Compact{}, wrapErr("invalid_payload", "unmarshal tool meta", err)
		}
		c.ToolMeta = &tm
	}
	ids, err := unmarshalStrings(sourceIDsJSON)
	if err != nil {
		return T0Compact{}, wrapErr("invalid_payload", "unmarshal source event ids", err)
	}
	c.SourceEventIDs = ids
	return c, nil
}

// T0ByID fetches a single T0 compact by id.
func (s *Store) T0ByID(ctx context.Context, compactID string) (T0Compact, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT compact_id, compact_hash, schema_version, conversation_id, ts, role, text, tool_meta_json, snippet, source_event_ids_json, policy_version
		FROM t0_compacts WHERE compact_id = ?
	`, compactID)
	c, err := scanT0(row)
	if err != nil {
		if errIsNoRows(err) {
			return T0Compact{}, false, nil
		}
		return T0Compact{}, false, err
	}
	return c, true, nil
}

func errIsNoRows(err error) bool {
	storeErr, ok := err.(*Error)
	if !ok {
		return false
	}
	return storeErr.Cause == sql.ErrNoRows
}
