package mindstore

import (
	"context"
	"database/sql"
	"time"
)

// AppendContextState writes one context snapshot row per (conversation_id,
// ts), deduplicating task lists (spec §4.2).
func (s *Store) AppendContextState(ctx context.Context, cs ContextState) error {
	activeTasks, err := marshalStrings(cs.ActiveTasks)
	if err != nil {
		return wrapErr("invalid_payload", "marshal active tasks", err)
	}
	signalTasks, err := marshalStrings(cs.SignalTaskIDs)
	if err != nil {
		return wrapErr("invalid_payload", "marshal signal task ids", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO context_states (conversation_id, ts, active_tag, active_tasks_json, lifecycle, signal_task_ids_json, signal_source)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (conversation_id, ts) DO UPDATE SET
			active_tag = excluded.active_tag,
			active_tasks_json = excluded.active_tasks_json,
			lifecycle = excluded.lifecycle,
			signal_task_ids_json = excluded.signal_task_ids_json,
			signal_source = excluded.signal_source
	`, cs.ConversationID, formatTime(cs.Ts), nullableString(cs.ActiveTag), activeTasks,
		nullableString(cs.Lifecycle), signalTasks, nullableString(cs.SignalSource))
	if err != nil {
		return wrapErr("invalid_payload", "append context state", err)
	}
	return nil
}

// ContextStates returns every snapshot for a conversation, ordered by ts.
func (s *Store) ContextStates(ctx context.Context, conversationID string) ([]ContextState, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT conversation_id, ts, active_tag, active_tasks_json, lifecycle, signal_task_ids_json, signal_source
		FROM context_states WHERE conversation_id = ? ORDER BY ts ASC
	`, conversationID)
	if err != nil {
		return nil, wrapErr("invalid_payload", "query context states", err)
	}
	defer rows.Close()

	var out []ContextState
	for rows.Next() {
		cs, err := scanContextState(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cs)
	}
	return out, rows.Err()
}

// LatestContextStateAt returns the most recent snapshot with ts <= at, or
// ok=false if none exists (spec §4.5, §4.6: "resolve as the latest context
// snapshot whose ts <= observation/artifact ts").
func (s *Store) LatestContextStateAt(ctx context.Context, conversationID string, at time.Time) (ContextState, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT conversation_id, ts, active_tag, active_tasks_json, lifecycle, signal_task_ids_json, signal_source
		FROM context_states WHERE conversation_id = ? AND ts <= ? ORDER BY ts DESC LIMIT 1
	`, conversationID, formatTime(at))
	cs, err := scanContextState(row)
	if err != nil {
		if errIsNoRows(err) {
			return ContextState{}, false, nil
		}
		return ContextState{}, false, err
	}
	return cs, true, nil
}

func scanContextState(row t0Scanner) (ContextState, error) {
	var cs ContextState
	var tsStr string
	var activeTag, lifecycle, signalSource sql.NullString
	var activeTasksJSON, signalTasksJSON string
	if err := row.Scan(&cs.ConversationID, &tsStr, &activeTag, &activeTasksJSON, &lifecycle, &signalTasksJSON, &signalSource); err != nil {
		return ContextState{}, wrapErr("invalid_payload", "scan context state", err)
	}
	ts, err := parseTime(tsStr)
	if err != nil {
		return ContextState{}, wrapErr("invalid_payload", "parse ts", err)
	}
	cs.Ts = ts
	if activeTag.Valid {
		v := activeTag.String
		cs.ActiveTag = &v
	}
	if lifecycle.Valid {
		v := lifecycle.String
		cs.Lifecycle = &v
	}
	if signalSource.Valid {
		v := signalSource.String
		cs.SignalSource = &v
	}
	tasks, err := unmarshalStrings(activeTasksJSON)
	if err != nil {
		return ContextState{}, wrapErr("invalid_payload", "unmarshal active tasks", err)
	}
	cs.ActiveTasks = tasks
	signalTasks, err := unmarshalStrings(signalTasksJSON)
	if err != nil {
		return ContextState{}, wrapErr("invalid_payload", "unmarshal signal task ids", err)
	}
	cs.SignalTaskIDs = signalTasks
	return cs, nil
}
