package distill

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/aoc/cockpit/internal/envelope"
	"github.com/aoc/cockpit/internal/mindstore"
)

// Params parameterizes T1/T2 planning (spec §4.5).
type Params struct {
	TargetTokens    int
	HardCapTokens   int
	T1OutputMaxChars int
	T2TriggerTokens int
	T2OutputMaxChars int
}

// DefaultParams returns the spec's default budgets.
func DefaultParams() Params {
	return Params{
		TargetTokens:     28000,
		HardCapTokens:    32000,
		T1OutputMaxChars: 1200,
		T2TriggerTokens:  2400,
		T2OutputMaxChars: 1400,
	}
}

// ErrOverHardCap is returned when a single event's estimate exceeds
// HardCapTokens (spec §4.5).
var ErrOverHardCap = errors.New("event estimate exceeds hard cap")

// batch is one timestamp-ordered run of T0 compacts sharing a conversation,
// closed once the next event would exceed TargetTokens.
type batch struct {
	compacts  []mindstore.T0Compact
	artifacts []mindstore.Artifact
	tokens    int
}

// planBatches implements T1 planning step 1 (spec §4.5): if total tokens
// fit within target, emit a single batch; otherwise walk in timestamp order
// closing a batch before it would exceed target. Any oversized single event
// fails the whole conversation. All compacts must share one conversation id
// (spec §4.5 step 1, §8 scenario 2); a mismatch fails with
// envelope.CodeT1CrossConversation before any batching is attempted,
// mirroring aoc-mind's plan_t1_batches rejecting the first event whose
// conversation_id differs from the first.
func planBatches(compacts []mindstore.T0Compact, target, hardCap int) ([]batch, error) {
	if len(compacts) == 0 {
		return nil, nil
	}

	first := compacts[0].ConversationID
	for _, c := range compacts[1:] {
		if c.ConversationID != first {
			return nil, &envelope.Error{
				Code:    envelope.CodeT1CrossConversation,
				Message: fmt.Sprintf("event conversation_id %q does not match batch conversation_id %q", c.ConversationID, first),
			}
		}
	}

	estimates := make([]int, len(compacts))
	total := 0
	for i, c := range compacts {
		est := estimateCompact(c)
		if est > hardCap {
			return nil, fmt.Errorf("%w: event estimate %d > hard cap %d", ErrOverHardCap, est, hardCap)
		}
		estimates[i] = est
		total += est
	}

	if total <= target {
		return []batch{{compacts: compacts, tokens: total}}, nil
	}

	var out []batch
	cur := batch{}
	for i, c := range compacts {
		if cur.tokens > 0 && cur.tokens+estimates[i] > target {
			out = append(out, cur)
			cur = batch{}
		}
		cur.compacts = append(cur.compacts, c)
		cur.tokens += estimates[i]
	}
	if len(cur.compacts) > 0 {
		out = append(out, cur)
	}
	return out, nil
}

// renderT1Text renders a batch's bounded text (spec §4.5 step 2): a header
// line plus one line per event, truncated to maxChars with a trailing "…".
func renderT1Text(batchIndex, batchCount int, b batch, maxChars int) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "T1 observation %d/%d; tokens=%d events=%d\n", batchIndex+1, batchCount, b.tokens, len(b.compacts))
	for _, c := range b.compacts {
		sb.WriteString(renderCompactLine(c))
		sb.WriteString("\n")
	}
	return truncateWithEllipsis(sb.String(), maxChars)
}

func renderCompactLine(c mindstore.T0Compact) string {
	if c.ToolMeta != nil {
		snippet := ""
		if c.Snippet != nil {
			snippet = *c.Snippet
		}
		return fmt.Sprintf("tool %s status=%s exit=%s bytes=%d %s", c.ToolMeta.Name, c.ToolMeta.Status, formatIntPtr(c.ToolMeta.ExitCode), c.ToolMeta.OutputBytes, snippet)
	}
	role := ""
	if c.Role != nil {
		role = *c.Role
	}
	text := ""
	if c.Text != nil {
		text = normalizeText(*c.Text)
	}
	return role + ": " + text
}

func formatIntPtr(p *int) string {
	if p == nil {
		return "-"
	}
	return fmt.Sprintf("%d", *p)
}

func normalizeText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func truncateWithEllipsis(s string, maxChars int) string {
	runes := []rune(s)
	if len(runes) <= maxChars {
		return s
	}
	if maxChars <= 1 {
		return "…"
	}
	return string(runes[:maxChars-1]) + "…"
}

func sortedUniqueStrings(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// t1ArtifactID derives the deterministic observation id (spec §4.5 step 3):
// "obs:" + first16(sha256(conversation_id "|obs|" budget "|"
// sorted_trace_ids)).
func t1ArtifactID(conversationID string, budget int, traceIDs []string) (string, error) {
	core := fmt.Sprintf("%s|obs|%d|%s", conversationID, budget, strings.Join(traceIDs, ","))
	hash, err := envelope.Hash(core)
	if err != nil {
		return "", err
	}
	return "obs:" + envelope.First16(hash), nil
}

// Observer runs T1 planning and materializes observation artifacts.
type Observer struct {
	store  *mindstore.Store
	params Params
}

// NewObserver builds an Observer over store with the given params.
func NewObserver(store *mindstore.Store, params Params) *Observer {
	return &Observer{store: store, params: params}
}

// Observe plans and upserts T1 observations for every T0 compact currently
// stored for conversationID (spec §4.5).
func (o *Observer) Observe(ctx context.Context, conversationID string) ([]mindstore.Artifact, error) {
	compacts, err := o.store.T0EventsForConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	batches, err := planBatches(compacts, o.params.TargetTokens, o.params.HardCapTokens)
	if err != nil {
		return nil, err
	}

	var artifacts []mindstore.Artifact
	for i, b := range batches {
		text := renderT1Text(i, len(batches), b, o.params.T1OutputMaxChars)
		traceIDs := make([]string, 0, len(b.compacts))
		for _, c := range b.compacts {
			traceIDs = append(traceIDs, c.SourceEventIDs...)
		}
		traceIDs = sortedUniqueStrings(traceIDs)

		id, err := t1ArtifactID(conversationID, o.params.TargetTokens, traceIDs)
		if err != nil {
			return nil, err
		}
		ts := b.compacts[len(b.compacts)-1].Ts

		artifact := mindstore.Artifact{
			ArtifactID:     id,
			Kind:           mindstore.ArtifactT1,
			ConversationID: conversationID,
			Ts:             ts,
			Text:           text,
			TraceIDs:       traceIDs,
		}
		if err := o.store.UpsertArtifact(ctx, artifact); err != nil {
			return nil, err
		}

		inputHash, err := envelope.Hash(traceIDs)
		if err != nil {
			return nil, err
		}
		outputHash, err := envelope.Hash(text)
		if err != nil {
			return nil, err
		}
		if err := o.store.InsertProvenance(ctx, mindstore.Provenance{
			ArtifactID:    id,
			Attempt:       1,
			Stage:         mindstore.StageT1Observer,
			Runtime:       mindstore.RuntimeDeterministic,
			PromptVersion: "t1-v1",
			InputHash:     inputHash,
			OutputHash:    &outputHash,
		}); err != nil {
			return nil, err
		}

		artifacts = append(artifacts, artifact)
	}
	return artifacts, nil
}

// ActiveTagFor resolves the active_tag for a timestamp as the latest stored
// context snapshot with ts <= at, defaulting to "global", lowercased (spec
// §4.5 step 4, §4.6).
func (o *Observer) ActiveTagFor(ctx context.Context, conversationID string, at time.Time) (string, error) {
	cs, ok, err := o.store.LatestContextStateAt(ctx, conversationID, at)
	if err != nil {
		return "", err
	}
	if !ok || cs.ActiveTag == nil || *cs.ActiveTag == "" {
		return "global", nil
	}
	return strings.ToLower(*cs.ActiveTag), nil
}
