package mindstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(context.Background(), filepath.Join(dir, "mind.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRawEventInsertIfAbsent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	e := RawEvent{EventID: "evt:1", ConversationID: "c1", AgentID: "s::p", Ts: time.Now(), Kind: KindMessage, BodyJSON: `{"role":"user","text":"hi"}`}

	inserted, err := s.InsertRawEvent(ctx, e)
	if err != nil || !inserted {
		t.Fatalf("expected insert, got inserted=%v err=%v", inserted, err)
	}
	inserted, err = s.InsertRawEvent(ctx, e)
	if err != nil || inserted {
		t.Fatalf("expected no-op on duplicate insert, got inserted=%v err=%v", inserted, err)
	}
}

func TestLineageRejectsPartialMetadata(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	err := s.UpsertLineage(ctx, Lineage{ConversationID: "c1", RootConversationID: "c1"})
	if err == nil {
		t.Fatal("expected error for missing session id")
	}

	parent := "c1"
	err = s.UpsertLineage(ctx, Lineage{ConversationID: "c1", SessionID: "s1", ParentConversationID: &parent, RootConversationID: "c0"})
	if err == nil {
		t.Fatal("expected error for parent == conversation id")
	}

	err = s.UpsertLineage(ctx, Lineage{ConversationID: "c1", SessionID: "s1", RootConversationID: "c2"})
	if err == nil {
		t.Fatal("expected error for root != conversation without a parent")
	}
}

func TestTaskLinkRejectsOutOfRangeConfidence(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	err := s.UpsertTaskLink(ctx, TaskLink{ArtifactID: "obs:1", TaskID: "101", Relation: RelationActive, ConfidenceBps: 10001, StartTs: now})
	if err == nil {
		t.Fatal("expected invalid_confidence_bps error")
	}

	end := now.Add(-time.Minute)
	err = s.UpsertTaskLink(ctx, TaskLink{ArtifactID: "obs:1", TaskID: "101", Relation: RelationActive, ConfidenceBps: 8500, StartTs: now, EndTs: &end})
	if err == nil {
		t.Fatal("expected invalid_temporal_range error")
	}
}

func TestContextStateDedupesTaskLists(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	ts := time.Now()

	err := s.AppendContextState(ctx, ContextState{
		ConversationID: "c1", Ts: ts,
		ActiveTasks: []string{"102", "101", "101"},
	})
	if err != nil {
		t.Fatal(err)
	}
	states, err := s.ContextStates(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if len(states) != 1 {
		t.Fatalf("expected 1 state, got %d", len(states))
	}
	if got := states[0].ActiveTasks; len(got) != 2 || got[0] != "101" || got[1] != "102" {
		t.Fatalf("expected sorted-unique [101 102], got %v", got)
	}
}

func TestLeaseAcquireIsIdempotentForOwnerAndRejectsOthersUntilExpired(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	ok, err := s.AcquireLease(ctx, "mind", "worker-a", nil, now, time.Minute)
	if err != nil || !ok {
		t.Fatalf("expected acquire, got ok=%v err=%v", ok, err)
	}
	ok, err = s.AcquireLease(ctx, "mind", "worker-a", nil, now.Add(time.Second), time.Minute)
	if err != nil || !ok {
		t.Fatalf("expected idempotent re-acquire, got ok=%v err=%v", ok, err)
	}
	ok, err = s.AcquireLease(ctx, "mind", "worker-b", nil, now.Add(2*time.Second), time.Minute)
	if err != nil || ok {
		t.Fatalf("expected worker-b to fail while lease live, got ok=%v err=%v", ok, err)
	}
	ok, err = s.AcquireLease(ctx, "mind", "worker-b", nil, now.Add(2*time.Minute), time.Minute)
	if err != nil || !ok {
		t.Fatalf("expected worker-b to acquire after expiry, got ok=%v err=%v", ok, err)
	}
}

func TestJobEnqueueIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	j := Job{JobID: "rfj:abc", ActiveTag: "mind", ObservationIDs: []string{"obs:1"}, ConversationIDs: []string{"c1"}, EstimatedTokens: 100}

	enq, err := s.EnqueueJob(ctx, j)
	if err != nil || !enq {
		t.Fatalf("expected enqueue, got enq=%v err=%v", enq, err)
	}
	enq, err = s.EnqueueJob(ctx, j)
	if err != nil || enq {
		t.Fatalf("expected no-op on duplicate enqueue, got enq=%v err=%v", enq, err)
	}
}
