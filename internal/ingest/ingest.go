// Package ingest implements the conversation ingestor (C3): it walks a
// conversation log from a checkpoint, normalizes lines into raw events,
// drives T0 compaction, and maintains the per-conversation attribution
// state machine.
package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"time"

	"github.com/aoc/cockpit/internal/compact"
	"github.com/aoc/cockpit/internal/mindstore"
)

// Report summarizes one ingestion pass (spec §4.3).
type Report struct {
	TruncationRecovered bool
	DeferredPartial     bool
	CorruptLines        int
	EventsInserted      int
	EventsSeen          int
}

// Ingestor drives conversation ingestion against a Mind Store.
type Ingestor struct {
	store     *mindstore.Store
	compactor *compact.Compactor
	logger    *slog.Logger
}

// Option configures an Ingestor.
type Option func(*Ingestor)

// WithLogger overrides the default logger (a text handler on stderr).
func WithLogger(l *slog.Logger) Option {
	return func(g *Ingestor) { g.logger = l }
}

// WithCompactor overrides the default compaction policy.
func WithCompactor(c *compact.Compactor) Option {
	return func(g *Ingestor) { g.compactor = c }
}

// New builds an Ingestor backed by store.
func New(store *mindstore.Store, opts ...Option) *Ingestor {
	g := &Ingestor{
		store:     store,
		compactor: compact.New(compact.DefaultPolicy()),
		logger:    slog.New(slog.NewTextHandler(os.Stderr, nil)),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// IngestFile runs one ingestion pass over the log at path for conversation
// conversationID, scoped to agentID, resuming from and updating the stored
// checkpoint (spec §4.3).
func (g *Ingestor) IngestFile(ctx context.Context, conversationID, agentID, path string) (Report, error) {
	var report Report

	data, err := os.ReadFile(path)
	if err != nil {
		return report, err
	}

	checkpoint, _, err := g.store.CheckpointFor(ctx, conversationID)
	if err != nil {
		return report, err
	}
	if checkpoint.ConversationID == "" {
		checkpoint = mindstore.Checkpoint{ConversationID: conversationID, PolicyVersion: "t0-v1"}
	}

	rawCursor := checkpoint.RawCursor
	if rawCursor > int64(len(data)) {
		rawCursor = 0
		checkpoint.T0Cursor = 0
		report.TruncationRecovered = true
	}

	seed, _, err := g.store.LatestContextStateAt(ctx, conversationID, time.Now())
	if err != nil {
		return report, err
	}
	if seed.ConversationID == "" {
		seed = mindstore.ContextState{ConversationID: conversationID}
	}
	state := newAttributionState(seed)

	pos := int(rawCursor)
	for pos < len(data) {
		nl := bytes.IndexByte(data[pos:], '\n')
		if nl < 0 {
			report.DeferredPartial = true
			break
		}
		lineStart := pos
		line := bytes.TrimRight(data[pos:pos+nl], "\r")
		pos += nl + 1

		trimmed := bytes.TrimSpace(line)
		if len(trimmed) == 0 {
			continue
		}

		var raw json.RawMessage = append(json.RawMessage(nil), trimmed...)
		if !json.Valid(raw) {
			report.CorruptLines++
			continue
		}

		n, err := normalizeLine(conversationID, agentID, int64(lineStart), raw)
		if err != nil {
			report.CorruptLines++
			continue
		}
		report.EventsSeen++

		inserted, err := g.store.InsertRawEvent(ctx, n.event)
		if err != nil {
			return report, err
		}
		if inserted {
			report.EventsInserted++
			if _, _, err := g.compactAndStore(ctx, n.event); err != nil {
				return report, err
			}
		}

		if n.hasSig {
			snapshot := state.apply(conversationID, n.event.Ts, n.signal)
			if err := g.store.AppendContextState(ctx, snapshot); err != nil {
				return report, err
			}
		}
	}

	checkpoint.RawCursor = int64(pos)
	checkpoint.T0Cursor = int64(pos)
	if err := g.store.SaveCheckpoint(ctx, checkpoint); err != nil {
		return report, err
	}
	return report, nil
}

func (g *Ingestor) compactAndStore(ctx context.Context, e mindstore.RawEvent) (mindstore.T0Compact, bool, error) {
	c, ok, err := g.compactor.Compact(e)
	if err != nil || !ok {
		return mindstore.T0Compact{}, false, err
	}
	if err := g.store.UpsertT0(ctx, c); err != nil {
		return mindstore.T0Compact{}, false, err
	}
	return c, true, nil
}
