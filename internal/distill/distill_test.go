package distill

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/aoc/cockpit/internal/compact"
	"github.com/aoc/cockpit/internal/envelope"
	"github.com/aoc/cockpit/internal/mindstore"
)

func openTestStore(t *testing.T) *mindstore.Store {
	t.Helper()
	dir := t.TempDir()
	s, err := mindstore.Open(context.Background(), filepath.Join(dir, "mind.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func seedCompacts(t *testing.T, s *mindstore.Store, conversationID string, n int) {
	t.Helper()
	ctx := context.Background()
	c := compact.New(compact.DefaultPolicy())
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		e := mindstore.RawEvent{
			EventID:        "evt:" + itoaTest(i),
			ConversationID: conversationID,
			Ts:             base.Add(time.Duration(i) * time.Second),
			Kind:           mindstore.KindMessage,
			BodyJSON:       `{"role":"user","text":"message number ` + itoaTest(i) + `"}`,
		}
		if _, err := s.InsertRawEvent(ctx, e); err != nil {
			t.Fatal(err)
		}
		compacted, ok, err := c.Compact(e)
		if err != nil {
			t.Fatal(err)
		}
		if !ok {
			continue
		}
		if err := s.UpsertT0(ctx, compacted); err != nil {
			t.Fatal(err)
		}
	}
}

func itoaTest(i int) string {
	if i == 0 {
		return "0"
	}
	neg := i < 0
	if neg {
		i = -i
	}
	var buf [20]byte
	pos := len(buf)
	for i > 0 {
		pos--
		buf[pos] = byte('0' + i%10)
		i /= 10
	}
	if neg {
		pos--
		buf[pos] = '-'
	}
	return string(buf[pos:])
}

func TestObserveProducesOneBatchUnderTarget(t *testing.T) {
	s := openTestStore(t)
	seedCompacts(t, s, "c1", 5)

	obs := NewObserver(s, DefaultParams())
	artifacts, err := obs.Observe(context.Background(), "c1")
	if err != nil {
		t.Fatal(err)
	}
	if len(artifacts) != 1 {
		t.Fatalf("expected a single observation batch, got %d", len(artifacts))
	}
	if artifacts[0].Kind != mindstore.ArtifactT1 {
		t.Fatalf("expected kind t1, got %s", artifacts[0].Kind)
	}
}

func TestObserveIsDeterministic(t *testing.T) {
	s := openTestStore(t)
	seedCompacts(t, s, "c1", 3)

	obs := NewObserver(s, DefaultParams())
	a1, err := obs.Observe(context.Background(), "c1")
	if err != nil {
		t.Fatal(err)
	}
	a2, err := obs.Observe(context.Background(), "c1")
	if err != nil {
		t.Fatal(err)
	}
	if len(a1) != len(a2) || a1[0].ArtifactID != a2[0].ArtifactID {
		t.Fatal("expected re-running Observe to be idempotent")
	}
}

func TestObserveFailsConversationOnOverCapEvent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	hugeText := make([]byte, 200000)
	for i := range hugeText {
		hugeText[i] = 'x'
	}
	e := mindstore.RawEvent{
		EventID: "evt:huge", ConversationID: "c1", Ts: time.Now(),
		Kind: mindstore.KindMessage, BodyJSON: `{"role":"user","text":"` + string(hugeText) + `"}`,
	}
	if _, err := s.InsertRawEvent(ctx, e); err != nil {
		t.Fatal(err)
	}
	c := compact.New(compact.DefaultPolicy())
	compacted, ok, err := c.Compact(e)
	if err != nil || !ok {
		t.Fatalf("ok=%v err=%v", ok, err)
	}
	if err := s.UpsertT0(ctx, compacted); err != nil {
		t.Fatal(err)
	}

	obs := NewObserver(s, DefaultParams())
	if _, err := obs.Observe(ctx, "c1"); err == nil {
		t.Fatal("expected over-hard-cap error")
	}
}

func TestPlanBatchesRejectsCrossConversationEvents(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	text1, text2 := "hello", "world"
	compacts := []mindstore.T0Compact{
		{ConversationID: "c1", Ts: base, Role: &text1, Text: &text1},
		{ConversationID: "c2", Ts: base.Add(time.Second), Role: &text2, Text: &text2},
	}

	_, err := planBatches(compacts, 28000, 32000)
	if err == nil {
		t.Fatal("expected a t1_cross_conversation error")
	}
	var envErr *envelope.Error
	if !errors.As(err, &envErr) {
		t.Fatalf("expected *envelope.Error, got %T: %v", err, err)
	}
	if envErr.Code != envelope.CodeT1CrossConversation {
		t.Fatalf("code = %q, want %q", envErr.Code, envelope.CodeT1CrossConversation)
	}
}

func TestReflectGroupsByActiveTagAndTriggers(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	conversationID := "c1"

	tag := "sprint-3"
	if err := s.AppendContextState(ctx, mindstore.ContextState{ConversationID: conversationID, Ts: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), ActiveTag: &tag}); err != nil {
		t.Fatal(err)
	}

	params := DefaultParams()
	params.T2TriggerTokens = 1
	observer := NewObserver(s, params)
	reflector := NewReflector(s, params)

	seedCompacts(t, s, conversationID, 5)
	observations, err := observer.Observe(ctx, conversationID)
	if err != nil {
		t.Fatal(err)
	}

	reflections, err := reflector.Reflect(ctx, conversationID, observations)
	if err != nil {
		t.Fatal(err)
	}
	if len(reflections) == 0 {
		t.Fatal("expected at least one reflection once trigger threshold is reached")
	}
	if reflections[0].Kind != mindstore.ArtifactT2 {
		t.Fatalf("expected kind t2, got %s", reflections[0].Kind)
	}
}

func TestWorkerEnqueueReflectionJobIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	reflector := NewReflector(s, DefaultParams())
	w := NewWorker(s, reflector, "mind")

	enq1, err := w.EnqueueReflectionJob(ctx, "sprint-3", []string{"obs:2", "obs:1"}, []string{"c1"}, 500)
	if err != nil || !enq1 {
		t.Fatalf("enq1=%v err=%v", enq1, err)
	}
	enq2, err := w.EnqueueReflectionJob(ctx, "sprint-3", []string{"obs:1", "obs:2"}, []string{"c1"}, 500)
	if err != nil || enq2 {
		t.Fatalf("expected duplicate enqueue (same set, different order) to collapse, enq2=%v err=%v", enq2, err)
	}
}

func TestWorkerRunUntilLeasedSucceedsImmediatelyWhenFree(t *testing.T) {
	s := openTestStore(t)
	reflector := NewReflector(s, DefaultParams())
	w := NewWorker(s, reflector, "mind", WithRetryDelay(time.Millisecond))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := w.RunUntilLeased(ctx); err != nil {
		t.Fatal(err)
	}
}
