package ingest

import (
	"sort"
	"strings"
	"time"

	"github.com/aoc/cockpit/internal/mindstore"
)

// attributionState is the per-conversation in-memory state carried while
// ingesting, seeded from the latest stored context snapshot (spec §4.3.2).
type attributionState struct {
	activeTag   *string
	activeTasks map[string]bool
}

func newAttributionState(seed mindstore.ContextState) *attributionState {
	tasks := make(map[string]bool, len(seed.ActiveTasks))
	for _, id := range seed.ActiveTasks {
		tasks[id] = true
	}
	return &attributionState{activeTag: seed.ActiveTag, activeTasks: tasks}
}

var clearWords = []string{"clear", "reset"}
var removeWords = []string{"done", "completed", "cancel", "closed", "remove"}

func containsAny(s string, words []string) bool {
	lower := strings.ToLower(s)
	for _, w := range words {
		if strings.Contains(lower, w) {
			return true
		}
	}
	return false
}

// apply updates the state with sig and returns the snapshot to persist
// (spec §4.3.2).
func (a *attributionState) apply(conversationID string, ts time.Time, sig Signal) mindstore.ContextState {
	if sig.ActiveTag != nil && *sig.ActiveTag != "" {
		a.activeTag = sig.ActiveTag
	}
	if sig.Lifecycle != nil {
		switch {
		case containsAny(*sig.Lifecycle, clearWords):
			a.activeTasks = map[string]bool{}
		case containsAny(*sig.Lifecycle, removeWords):
			for _, id := range sig.TaskIDs {
				delete(a.activeTasks, id)
			}
		default:
			for _, id := range sig.TaskIDs {
				a.activeTasks[id] = true
			}
		}
	} else {
		for _, id := range sig.TaskIDs {
			a.activeTasks[id] = true
		}
	}

	ids := make([]string, 0, len(a.activeTasks))
	for id := range a.activeTasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	cs := mindstore.ContextState{
		ConversationID: conversationID,
		Ts:             ts,
		ActiveTag:      a.activeTag,
		ActiveTasks:    ids,
		Lifecycle:      sig.Lifecycle,
		SignalTaskIDs:  sig.TaskIDs,
		SignalSource:   strPtr(sig.Source),
	}
	return cs
}
