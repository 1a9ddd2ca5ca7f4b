package compact

import (
	"testing"
	"time"

	"github.com/aoc/cockpit/internal/mindstore"
)

func TestCompactMessageDropsNonKeptRoles(t *testing.T) {
	c := New(DefaultPolicy())
	e := mindstore.RawEvent{
		EventID: "evt:1", ConversationID: "c1", Ts: time.Now(),
		Kind: mindstore.KindMessage, BodyJSON: `{"role":"system","text":"setup"}`,
	}
	_, ok, err := c.Compact(e)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("expected system role to be dropped by default policy")
	}
}

func TestCompactMessageIsDeterministic(t *testing.T) {
	c := New(DefaultPolicy())
	ts := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	e := mindstore.RawEvent{
		EventID: "evt:1", ConversationID: "c1", Ts: ts,
		Kind: mindstore.KindMessage, BodyJSON: `{"role":"user","text":"hi"}`,
	}
	a, ok, err := c.Compact(e)
	if err != nil || !ok {
		t.Fatalf("ok=%v err=%v", ok, err)
	}
	b, ok, err := c.Compact(e)
	if err != nil || !ok {
		t.Fatalf("ok=%v err=%v", ok, err)
	}
	if a.CompactID != b.CompactID || a.CompactHash != b.CompactHash {
		t.Fatal("expected compact id/hash to be stable for identical input")
	}
	if *a.Role != "user" || *a.Text != "hi" {
		t.Fatalf("unexpected role/text: %+v", a)
	}
}

func TestCompactToolResultRedactsSnippetWhenMarked(t *testing.T) {
	policy := DefaultPolicy()
	policy.ToolSnippetAllowlist["bash"] = 10
	c := New(policy)
	e := mindstore.RawEvent{
		EventID: "evt:2", ConversationID: "c1", Ts: time.Now(),
		Kind:     mindstore.KindToolResult,
		BodyJSON: `{"tool_name":"bash","status":"success","output":"super secret output","redacted":true}`,
	}
	compacted, ok, err := c.Compact(e)
	if err != nil || !ok {
		t.Fatalf("ok=%v err=%v", ok, err)
	}
	if compacted.Snippet == nil || *compacted.Snippet != policy.RedactionMarker {
		t.Fatalf("expected redaction marker, got %+v", compacted.Snippet)
	}
	if compacted.ToolMeta == nil || compacted.ToolMeta.Name != "bash" {
		t.Fatalf("expected tool meta retained, got %+v", compacted.ToolMeta)
	}
}

func TestCompactToolResultTruncatesSnippetToAllowlist(t *testing.T) {
	policy := DefaultPolicy()
	policy.ToolSnippetAllowlist["bash"] = 5
	c := New(policy)
	e := mindstore.RawEvent{
		EventID: "evt:3", ConversationID: "c1", Ts: time.Now(),
		Kind:     mindstore.KindToolResult,
		BodyJSON: `{"tool_name":"bash","status":"success","output":"0123456789","redacted":false}`,
	}
	compacted, ok, err := c.Compact(e)
	if err != nil || !ok {
		t.Fatalf("ok=%v err=%v", ok, err)
	}
	if compacted.Snippet == nil || *compacted.Snippet != "01234" {
		t.Fatalf("expected truncated snippet '01234', got %+v", compacted.Snippet)
	}
}

func TestCompactToolResultOmitsSnippetOutsideAllowlist(t *testing.T) {
	c := New(DefaultPolicy())
	e := mindstore.RawEvent{
		EventID: "evt:4", ConversationID: "c1", Ts: time.Now(),
		Kind:     mindstore.KindToolResult,
		BodyJSON: `{"tool_name":"curl","status":"success","output":"body"}`,
	}
	compacted, ok, err := c.Compact(e)
	if err != nil || !ok {
		t.Fatalf("ok=%v err=%v", ok, err)
	}
	if compacted.Snippet != nil {
		t.Fatalf("expected no snippet for tool outside allowlist, got %v", *compacted.Snippet)
	}
}

func TestCompactTaskSignalIsDropped(t *testing.T) {
	c := New(DefaultPolicy())
	e := mindstore.RawEvent{EventID: "evt:5", ConversationID: "c1", Ts: time.Now(), Kind: mindstore.KindTaskSignal, BodyJSON: `{}`}
	_, ok, err := c.Compact(e)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("expected task_signal events to never produce a compact")
	}
}
