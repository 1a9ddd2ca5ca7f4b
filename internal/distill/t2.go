package distill

import (
	"context"
	"fmt"
	"strings"

	"github.com/aoc/cockpit/internal/envelope"
	"github.com/aoc/cockpit/internal/mindstore"
)

// tagGroup is a batch of T1 observations sharing an active_tag, pending T2
// chunking.
type tagGroup struct {
	tag          string
	observations []mindstore.Artifact
	tokens       int
}

// Reflector runs T2 triggering/batching over T1 observations (spec §4.5).
type Reflector struct {
	store    *mindstore.Store
	params   Params
	observer *Observer
}

// NewReflector builds a Reflector over store with the given params.
func NewReflector(store *mindstore.Store, params Params) *Reflector {
	return &Reflector{store: store, params: params, observer: NewObserver(store, params)}
}

// groupByActiveTag resolves each observation's active_tag and groups them,
// preserving timestamp order within each group (spec §4.5 "T2 triggering").
func (r *Reflector) groupByActiveTag(ctx context.Context, conversationID string, observations []mindstore.Artifact) ([]*tagGroup, error) {
	groups := make(map[string]*tagGroup)
	var order []string
	for _, obs := range observations {
		tag, err := r.observer.ActiveTagFor(ctx, conversationID, obs.Ts)
		if err != nil {
			return nil, err
		}
		g, ok := groups[tag]
		if !ok {
			g = &tagGroup{tag: tag}
			groups[tag] = g
			order = append(order, tag)
		}
		g.observations = append(g.observations, obs)
		g.tokens += estimateArtifactText(obs.Text)
	}
	out := make([]*tagGroup, 0, len(order))
	for _, tag := range order {
		out = append(out, groups[tag])
	}
	return out, nil
}

// t2Chunks implements the same running-budget chunking rule as T1 planning,
// applied to a tag group's observations (spec §4.5 "T2 triggering").
func t2Chunks(g *tagGroup, target int) []batch {
	var out []batch
	cur := batch{}
	for _, obs := range g.observations {
		est := estimateArtifactText(obs.Text)
		if cur.tokens > 0 && cur.tokens+est > target {
			out = append(out, cur)
			cur = batch{}
		}
		cur.compacts = nil // t2 batches carry artifacts, not compacts; tokens only.
		cur.tokens += est
		cur.artifacts = append(cur.artifacts, obs)
	}
	if len(cur.artifacts) > 0 {
		out = append(out, cur)
	}
	return out
}

// Reflect runs T2 over the given T1 observations, grouping by active_tag and
// emitting one reflection per chunk for tags whose summed tokens reach
// T2TriggerTokens (spec §4.5).
func (r *Reflector) Reflect(ctx context.Context, conversationID string, observations []mindstore.Artifact) ([]mindstore.Artifact, error) {
	groups, err := r.groupByActiveTag(ctx, conversationID, observations)
	if err != nil {
		return nil, err
	}

	var reflections []mindstore.Artifact
	for _, g := range groups {
		if g.tokens < r.params.T2TriggerTokens {
			continue
		}
		chunks := t2Chunks(g, r.params.TargetTokens)
		for i, chunk := range chunks {
			text := renderT2Text(i, len(chunks), chunk, r.params.T2OutputMaxChars)
			obsIDs := make([]string, 0, len(chunk.artifacts))
			for _, a := range chunk.artifacts {
				obsIDs = append(obsIDs, a.ArtifactID)
			}
			obsIDs = sortedUniqueStrings(obsIDs)

			id, err := t2ArtifactID(conversationID, r.params.TargetTokens, obsIDs)
			if err != nil {
				return nil, err
			}
			ts := chunk.artifacts[len(chunk.artifacts)-1].Ts

			traceIDs := make([]string, 0)
			for _, a := range chunk.artifacts {
				traceIDs = append(traceIDs, a.TraceIDs...)
			}
			traceIDs = sortedUniqueStrings(traceIDs)

			artifact := mindstore.Artifact{
				ArtifactID:     id,
				Kind:           mindstore.ArtifactT2,
				ConversationID: conversationID,
				Ts:             ts,
				Text:           text,
				TraceIDs:       traceIDs,
			}
			if err := r.store.UpsertArtifact(ctx, artifact); err != nil {
				return nil, err
			}

			inputHash, err := envelope.Hash(obsIDs)
			if err != nil {
				return nil, err
			}
			outputHash, err := envelope.Hash(text)
			if err != nil {
				return nil, err
			}
			if err := r.store.InsertProvenance(ctx, mindstore.Provenance{
				ArtifactID:    id,
				Attempt:       1,
				Stage:         mindstore.StageT2Reflector,
				Runtime:       mindstore.RuntimeDeterministic,
				PromptVersion: "t2-v1",
				InputHash:     inputHash,
				OutputHash:    &outputHash,
			}); err != nil {
				return nil, err
			}

			reflections = append(reflections, artifact)
		}
	}
	return reflections, nil
}

// renderT2Text renders a reflection's text: a header plus one line per
// observation (id + 180-char preview), truncated to maxChars (spec §4.5).
func renderT2Text(chunkIndex, chunkCount int, b batch, maxChars int) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "T2 reflection %d/%d; tokens=%d observations=%d\n", chunkIndex+1, chunkCount, b.tokens, len(b.artifacts))
	for _, a := range b.artifacts {
		preview := truncateWithEllipsis(normalizeText(a.Text), 180)
		fmt.Fprintf(&sb, "%s: %s\n", a.ArtifactID, preview)
	}
	return truncateWithEllipsis(sb.String(), maxChars)
}

// t2ArtifactID derives the deterministic reflection id (spec §4.5):
// "ref:" + first16(sha256(conversation_id "|ref|" budget "|"
// sorted_observation_ids)).
func t2ArtifactID(conversationID string, budget int, observationIDs []string) (string, error) {
	core := fmt.Sprintf("%s|ref|%d|%s", conversationID, budget, strings.Join(observationIDs, ","))
	hash, err := envelope.Hash(core)
	if err != nil {
		return "", err
	}
	return "ref:" + envelope.First16(hash), nil
}
