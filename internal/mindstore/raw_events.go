package mindstore

import (
	"context"
	"database/sql"
	"encoding/json"
)

// InsertRawEvent inserts e if absent by event_id (write-once, spec §3). It
// reports inserted=false without error when the event already exists. If a
// lineage tuple can be derived from e.Attrs ("parent_conversation_id",
// "root_conversation_id", "session_id"), it is upserted as part of the same
// logical operation.
func (s *Store) InsertRawEvent(ctx context.Context, e RawEvent) (inserted bool, err error) {
	attrsJSON, err := json.Marshal(e.Attrs)
	if err != nil {
		return false, wrapErr("invalid_payload", "marshal attrs", err)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO raw_events (event_id, conversation_id, agent_id, ts, kind, body_json, attrs_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (event_id) DO NOTHING
	`, e.EventID, e.ConversationID, e.AgentID, formatTime(e.Ts), string(e.Kind), e.BodyJSON, string(attrsJSON), formatTime(e.Ts))
	if err != nil {
		return false, wrapErr("invalid_payload", "insert raw event", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, wrapErr("invalid_payload", "rows affected", err)
	}
	if n == 0 {
		return false, nil
	}

	if lineage, ok := lineageFromAttrs(e.ConversationID, e.Attrs); ok {
		if err := s.UpsertLineage(ctx, lineage); err != nil {
			return true, err
		}
	}
	return true, nil
}

func lineageFromAttrs(conversationID string, attrs map[string]any) (Lineage, bool) {
	sessionID, _ := attrs["session_id"].(string)
	if sessionID == "" {
		return Lineage{}, false
	}
	var parent *string
	if p, ok := attrs["parent_conversation_id"].(string); ok && p != "" {
		parent = &p
	}
	root, _ := attrs["root_conversation_id"].(string)
	if root == "" {
		root = conversationID
	}
	return Lineage{
		ConversationID:       conversationID,
		SessionID:            sessionID,
		ParentConversationID: parent,
		RootConversationID:   root,
	}, true
}

// RawEventByID fetches a raw event by id, or (RawEvent{}, false, nil) if
// absent.
func (s *Store) RawEventByID(ctx context.Context, eventID string) (RawEvent, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT event_id, conversation_id, agent_id, ts, kind, body_json, attrs_json
		FROM raw_events WHERE event_id = ?
	`, eventID)
	var e RawEvent
	var tsStr, attrsJSON string
	var kind string
	if err := row.Scan(&e.EventID, &e.ConversationID, &e.AgentID, &tsStr, &kind, &e.BodyJSON, &attrsJSON); err != nil {
		if err == sql.ErrNoRows {
			return RawEvent{}, false, nil
		}
		return RawEvent{}, false, wrapErr("invalid_payload", "scan raw event", err)
	}
	ts, err := parseTime(tsStr)
	if err != nil {
		return RawEvent{}, false, wrapErr("invalid_payload", "parse ts", err)
	}
	e.Ts = ts
	e.Kind = EventKind(kind)
	if err := json.Unmarshal([]byte(attrsJSON), &e.Attrs); err != nil {
		return RawEvent{}, false, wrapErr("invalid_payload", "unmarshal attrs", err)
	}
	return e, true, nil
}

// RawEventsForConversation returns all raw events for a conversation,
// ordered by (ts, event_id) (spec §4.2 queries).
func (s *Store) RawEventsForConversation(ctx context.Context, conversationID string) ([]RawEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, conversation_id, agent_id, ts, kind, body_json, attrs_json
		FROM raw_events WHERE conversation_id = ? ORDER BY ts ASC, event_id ASC
	`, conversationID)
	if err != nil {
		return nil, wrapErr("invalid_payload", "query raw events", err)
	}
	defer rows.Close()

	var out []RawEvent
	for rows.Next() {
		var e RawEvent
		var tsStr, attrsJSON, kind string
		if err := rows.Scan(&e.EventID, &e.ConversationID, &e.AgentID, &tsStr, &kind, &e.BodyJSON, &attrsJSON); err != nil {
			return nil, wrapErr("invalid_payload", "scan raw event", err)
		}
		ts, err := parseTime(tsStr)
		if err != nil {
			return nil, wrapErr("invalid_payload", "parse ts", err)
		}
		e.Ts = ts
		e.Kind = EventKind(kind)
		if err := json.Unmarshal([]byte(attrsJSON), &e.Attrs); err != nil {
			return nil, wrapErr("invalid_payload", "unmarshal attrs", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr("invalid_payload", "iterate raw events", err)
	}
	return out, nil
}

// UpsertLineage inserts or replaces a conversation's lineage row, enforcing
// the invariants from spec §3: a parent implies root != conversation_id and
// parent/root share a session; a parent equal to the conversation itself is
// rejected; a root different from the conversation without a parent is
// rejected.
func (s *Store) UpsertLineage(ctx context.Context, l Lineage) error {
	if l.SessionID == "" {
		return newErr(string(invalidLineage), "session_id is required for any lineage row")
	}
	if l.ParentConversationID != nil {
		if *l.ParentConversationID == l.ConversationID {
			return newErr(string(invalidLineage), "parent_conversation_id must not equal conversation_id")
		}
		if l.RootConversationID == l.ConversationID {
			return newErr(string(invalidLineage), "root_conversation_id must differ from conversation_id when a parent is set")
		}
	} else if l.RootConversationID != l.ConversationID {
		return newErr(string(invalidLineage), "root_conversation_id without a parent must equal conversation_id")
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversation_lineage (conversation_id, session_id, parent_conversation_id, root_conversation_id, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (conversation_id) DO UPDATE SET
			session_id = excluded.session_id,
			parent_conversation_id = excluded.parent_conversation_id,
			root_conversation_id = excluded.root_conversation_id,
			updated_at = excluded.updated_at
	`, l.ConversationID, l.SessionID, nullableString(l.ParentConversationID), l.RootConversationID, formatTime(nowUTC()))
	if err != nil {
		return wrapErr("invalid_payload", "upsert lineage", err)
	}
	return nil
}

const invalidLineage = "invalid_lineage_metadata"

// LineageFor returns the lineage row for a conversation, if any.
func (s *Store) LineageFor(ctx context.Context, conversationID string) (Lineage, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT conversation_id, session_id, parent_conversation_id, root_conversation_id
		FROM conversation_lineage WHERE conversation_id = ?
	`, conversationID)
	var l Lineage
	var parent sql.NullString
	if err := row.Scan(&l.ConversationID, &l.SessionID, &parent, &l.RootConversationID); err != nil {
		if err == sql.ErrNoRows {
			return Lineage{}, false, nil
		}
		return Lineage{}, false, wrapErr("invalid_payload", "scan lineage", err)
	}
	if parent.Valid {
		v := parent.String
		l.ParentConversationID = &v
	}
	return l, true, nil
}

// LineageTree returns every conversation in the session-scoped forest
// rooted at rootConversationID, resolved with a single session+root query
// rather than recursive traversal (spec §9 design notes).
func (s *Store) LineageTree(ctx context.Context, sessionID, rootConversationID string) ([]Lineage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT conversation_id, session_id, parent_conversation_id, root_conversation_id
		FROM conversation_lineage
		WHERE session_id = ? AND (conversation_id = ? OR root_conversation_id = ?)
		ORDER BY conversation_id ASC
	`, sessionID, rootConversationID, rootConversationID)
	if err != nil {
		return nil, wrapErr("invalid_payload", "query lineage tree", err)
	}
	defer rows.Close()

	var out []Lineage
	for rows.Next() {
		var l Lineage
		var parent sql.NullString
		if err := rows.Scan(&l.ConversationID, &l.SessionID, &parent, &l.RootConversationID); err != nil {
			return nil, wrapErr("invalid_payload", "scan lineage", err)
		}
		if parent.Valid {
			v := parent.String
			l.ParentConversationID = &v
		}
		out = append(out, l)
	}
	return out, rows.Err()
}
