// Package attribution implements task attribution (C6): for each artifact,
// it resolves active tasks, mentioned tasks, and completion signals into a
// deduped set of artifact<->task links. Grounded on the original Rust
// aoc-task-attribution engine's confidence scale and merge semantics.
package attribution

import (
	"context"
	"sort"
	"time"

	"github.com/aoc/cockpit/internal/mindstore"
)

// Confidence constants, in basis points (spec §4.6).
const (
	ConfidenceActive             = 8500
	ConfidenceMentioned          = 7200
	ConfidenceWorkedOn           = 8800
	ConfidenceWorkedOnBackfill   = 9300
	ConfidenceCompleted          = 9600
)

// MentionWindowBefore/After bound the T0 event window searched for mentions
// around an artifact's timestamp (spec §4.6 step 2).
const (
	MentionWindowBefore = 30 * time.Minute
	MentionWindowAfter  = 5 * time.Minute
)

// completionLifecycleWords identify a completion signal (spec §4.6 step 4).
var completionLifecycleWords = []string{"done", "complete", "cancel", "closed"}

// completionSignal is a derived (task, ts) completion event, sourced from a
// context snapshot's lifecycle + signal task ids.
type completionSignal struct {
	taskID string
	ts     time.Time
}

// Engine computes task links for artifacts against a Mind Store.
type Engine struct {
	store *mindstore.Store
}

// New builds an Engine over store.
func New(store *mindstore.Store) *Engine {
	return &Engine{store: store}
}

// draftKey identifies one (task, relation) draft link within an artifact,
// the dedup unit from spec §4.6 "Deduping".
type draftKey struct {
	taskID   string
	relation mindstore.TaskRelation
}

type draft struct {
	confidence int
	evidence   map[string]bool
	source     string
	endTs      *time.Time
}

func (d *draft) merge(confidence int, evidence []string, source string, endTs *time.Time) {
	if confidence > d.confidence {
		d.confidence = confidence
		d.source = source
	}
	for _, e := range evidence {
		d.evidence[e] = true
	}
	if d.endTs == nil && endTs != nil {
		d.endTs = endTs
	}
}

func newDraft(confidence int, evidence []string, source string, endTs *time.Time) *draft {
	d := &draft{confidence: confidence, evidence: map[string]bool{}, source: source, endTs: endTs}
	for _, e := range evidence {
		d.evidence[e] = true
	}
	return d
}

func (d *draft) evidenceIDs() []string {
	out := make([]string, 0, len(d.evidence))
	for id := range d.evidence {
		out = append(out, id)
	}
	return sortedUnique(out)
}

// AttributeArtifact computes and replaces the task links for one artifact
// (spec §4.6). It is safe to re-run: links are upserted by
// (artifact_id, task_id, relation).
func (e *Engine) AttributeArtifact(ctx context.Context, artifact mindstore.Artifact) ([]mindstore.TaskLink, error) {
	drafts := map[draftKey]*draft{}

	active, activeEvidence, err := e.resolveActive(ctx, artifact)
	if err != nil {
		return nil, err
	}
	for _, taskID := range active {
		drafts[draftKey{taskID, mindstore.RelationActive}] = newDraft(ConfidenceActive, activeEvidence, "context_state", nil)
	}

	_, mentionEvidence, err := e.resolveMentioned(ctx, artifact)
	if err != nil {
		return nil, err
	}
	for taskID, evidence := range mentionEvidence {
		drafts[draftKey{taskID, mindstore.RelationMentioned}] = newDraft(ConfidenceMentioned, evidence, "mention_pattern", nil)
	}

	workedOn := unionTaskIDs(active, taskIDsOf(mentionEvidence))
	for _, taskID := range workedOn {
		evidence := append(append([]string{}, activeEvidence...), mentionEvidence[taskID]...)
		drafts[draftKey{taskID, mindstore.RelationWorkedOn}] = newDraft(ConfidenceWorkedOn, evidence, "active_or_mentioned", nil)
	}

	completions, err := e.resolveCompletionSignals(ctx, artifact.ConversationID, workedOn)
	if err != nil {
		return nil, err
	}
	for _, cs := range completions {
		if cs.ts.After(artifact.Ts) {
			key := draftKey{cs.taskID, mindstore.RelationWorkedOn}
			endTs := cs.ts
			if d, ok := drafts[key]; ok {
				d.merge(ConfidenceWorkedOnBackfill, nil, "completion_backfill", &endTs)
			} else {
				drafts[key] = newDraft(ConfidenceWorkedOnBackfill, nil, "completion_backfill", &endTs)
			}
		} else {
			key := draftKey{cs.taskID, mindstore.RelationCompleted}
			endTs := cs.ts
			if d, ok := drafts[key]; ok {
				d.merge(ConfidenceCompleted, nil, "completion_backfill", &endTs)
			} else {
				drafts[key] = newDraft(ConfidenceCompleted, nil, "completion_backfill", &endTs)
			}
		}
	}

	keys := make([]draftKey, 0, len(drafts))
	for key := range drafts {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].taskID != keys[j].taskID {
			return keys[i].taskID < keys[j].taskID
		}
		return keys[i].relation < keys[j].relation
	})

	links := make([]mindstore.TaskLink, 0, len(drafts))
	for _, key := range keys {
		d := drafts[key]
		link := mindstore.TaskLink{
			ArtifactID:       artifact.ArtifactID,
			TaskID:           key.taskID,
			Relation:         key.relation,
			ConfidenceBps:    d.confidence,
			EvidenceEventIDs: d.evidenceIDs(),
			Source:           d.source,
			StartTs:          artifact.Ts,
			EndTs:            d.endTs,
		}
		if err := e.store.UpsertTaskLink(ctx, link); err != nil {
			return nil, err
		}
		links = append(links, link)
	}
	return links, nil
}

func taskIDsOf(m map[string][]string) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

func unionTaskIDs(a, b []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, id := range a {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	for _, id := range b {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return sortedUnique(out)
}

// resolveActive resolves the current context snapshot (last snapshot with
// ts <= artifact.ts) and returns every currently active task plus the
// context-state evidence (spec §4.6 step 1).
func (e *Engine) resolveActive(ctx context.Context, artifact mindstore.Artifact) ([]string, []string, error) {
	cs, ok, err := e.store.LatestContextStateAt(ctx, artifact.ConversationID, artifact.Ts)
	if err != nil {
		return nil, nil, err
	}
	if !ok {
		return nil, nil, nil
	}
	return cs.ActiveTasks, artifact.TraceIDs, nil
}

// resolveMentioned collects mentioned tasks from the artifact text and any
// T0 event within the mention window, returning task id -> evidence event
// ids (spec §4.6 step 2).
func (e *Engine) resolveMentioned(ctx context.Context, artifact mindstore.Artifact) ([]string, map[string][]string, error) {
	evidence := map[string][]string{}
	for _, id := range mentionedTaskIDs(artifact.Text) {
		evidence[id] = append(evidence[id], artifact.TraceIDs...)
	}

	events, err := e.store.T0EventsForConversation(ctx, artifact.ConversationID)
	if err != nil {
		return nil, nil, err
	}
	windowStart := artifact.Ts.Add(-MentionWindowBefore)
	windowEnd := artifact.Ts.Add(MentionWindowAfter)
	for _, ev := range events {
		if ev.Ts.Before(windowStart) || ev.Ts.After(windowEnd) {
			continue
		}
		var text string
		if ev.Text != nil {
			text = *ev.Text
		}
		if ev.Snippet != nil {
			text += "\n" + *ev.Snippet
		}
		for _, id := range mentionedTaskIDs(text) {
			evidence[id] = append(evidence[id], ev.SourceEventIDs...)
		}
	}

	ids := taskIDsOf(evidence)
	for id, ev := range evidence {
		evidence[id] = sortedUnique(ev)
	}
	return sortedUnique(ids), evidence, nil
}

// resolveCompletionSignals scans context snapshots for a completion
// lifecycle applying to any of candidateTaskIDs (spec §4.6 steps 4-5).
func (e *Engine) resolveCompletionSignals(ctx context.Context, conversationID string, candidateTaskIDs []string) ([]completionSignal, error) {
	candidates := map[string]bool{}
	for _, id := range candidateTaskIDs {
		candidates[id] = true
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	states, err := e.store.ContextStates(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	var out []completionSignal
	for _, cs := range states {
		if cs.Lifecycle == nil || !containsAny(*cs.Lifecycle, completionLifecycleWords) {
			continue
		}
		for _, id := range cs.SignalTaskIDs {
			if candidates[id] {
				out = append(out, completionSignal{taskID: id, ts: cs.Ts})
			}
		}
	}
	return out, nil
}
