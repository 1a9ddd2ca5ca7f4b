package ingest

import (
	"context"
	"os"
	"path/filepath"
	"testing"

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

func writeLog(t *testing.T, lines ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "conversation.jsonl")
	data := ""
	for _, l := range lines {
		data += l + "\n"
	}
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestIngestFileParsesMessagesAndCompacts(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	path := writeLog(t,
		`{"role":"user","text":"please check task 101"}`,
		`{"role":"assistant","text":"sure, looking at it"}`,
	)

	g := New(s)
	report, err := g.IngestFile(ctx, "c1", "s1::p1", path)
	if err != nil {
		t.Fatal(err)
	}
	if report.EventsInserted != 2 || report.CorruptLines != 0 || report.DeferredPartial {
		t.Fatalf("unexpected report: %+v", report)
	}

	events, err := s.RawEventsForConversation(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 raw events, got %d", len(events))
	}

	compacts, err := s.T0EventsForConversation(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if len(compacts) != 2 {
		t.Fatalf("expected 2 t0 compacts (user+assistant kept by default policy), got %d", len(compacts))
	}
}

func TestIngestFileSkipsCorruptLinesWithoutAborting(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	path := writeLog(t,
		`{"role":"user","text":"hello"}`,
		`not json at all`,
		`{"role":"assistant","text":"hi back"}`,
	)

	g := New(s)
	report, err := g.IngestFile(ctx, "c1", "s1::p1", path)
	if err != nil {
		t.Fatal(err)
	}
	if report.CorruptLines != 1 {
		t.Fatalf("expected 1 corrupt line, got %d", report.CorruptLines)
	}
	if report.EventsInserted != 2 {
		t.Fatalf("expected 2 events inserted around the corrupt line, got %d", report.EventsInserted)
	}
}

func TestIngestFileDefersIncompleteTrailingLine(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "c.jsonl")
	if err := os.WriteFile(path, []byte(`{"role":"user","text":"complete"}`+"\n"+`{"role":"user","text":"incomple`), 0o644); err != nil {
		t.Fatal(err)
	}

	g := New(s)
	report, err := g.IngestFile(ctx, "c1", "s1::p1", path)
	if err != nil {
		t.Fatal(err)
	}
	if !report.DeferredPartial {
		t.Fatal("expected deferred partial to be flagged")
	}
	if report.EventsInserted != 1 {
		t.Fatalf("expected only the complete line ingested, got %d", report.EventsInserted)
	}

	cp, ok, err := s.CheckpointFor(ctx, "c1")
	if err != nil || !ok {
		t.Fatalf("expected checkpoint, ok=%v err=%v", ok, err)
	}

	// A second pass with the rest of the line appended should pick up from
	// the checkpoint and ingest the now-complete line.
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteString("te\"}\n"); err != nil {
		t.Fatal(err)
	}
	f.Close()

	report2, err := g.IngestFile(ctx, "c1", "s1::p1", path)
	if err != nil {
		t.Fatal(err)
	}
	if report2.EventsInserted != 1 {
		t.Fatalf("expected the completed line to ingest on resume, got %d", report2.EventsInserted)
	}
	if cp.RawCursor == 0 {
		t.Fatal("expected non-zero checkpoint after first pass")
	}
}

func TestIngestFileRecoversFromTruncation(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	path := writeLog(t, `{"role":"user","text":"first pass"}`)

	g := New(s)
	if _, err := g.IngestFile(ctx, "c1", "s1::p1", path); err != nil {
		t.Fatal(err)
	}

	// Truncate to a shorter file; raw_cursor will now exceed len(L).
	if err := os.WriteFile(path, []byte(`{"role":"user","text":"new"}`+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	report, err := g.IngestFile(ctx, "c1", "s1::p1", path)
	if err != nil {
		t.Fatal(err)
	}
	if !report.TruncationRecovered {
		t.Fatal("expected truncation-recovered to be flagged")
	}
	if report.EventsInserted != 1 {
		t.Fatalf("expected 1 event ingested after recovery, got %d", report.EventsInserted)
	}
}

func TestIngestFileAppliesTaskmasterCommandSignal(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	path := writeLog(t,
		`{"tool_name":"bash","status":"success","command":"tm --tag sprint-3 status 101 in-progress","output":"ok"}`,
	)

	g := New(s)
	if _, err := g.IngestFile(ctx, "c1", "s1::p1", path); err != nil {
		t.Fatal(err)
	}

	states, err := s.ContextStates(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if len(states) != 1 {
		t.Fatalf("expected 1 context snapshot, got %d", len(states))
	}
	cs := states[0]
	if cs.ActiveTag == nil || *cs.ActiveTag != "sprint-3" {
		t.Fatalf("expected active_tag sprint-3, got %+v", cs.ActiveTag)
	}
	if len(cs.ActiveTasks) != 1 || cs.ActiveTasks[0] != "101" {
		t.Fatalf("expected active task 101, got %v", cs.ActiveTasks)
	}
}

func TestIngestFileRemovesTasksOnCompletionLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	path := writeLog(t,
		`{"active_tag":"sprint-3","task_ids":["101","102"],"lifecycle":"start"}`,
		`{"active_tag":"sprint-3","task_ids":["101"],"lifecycle":"done"}`,
	)

	g := New(s)
	if _, err := g.IngestFile(ctx, "c1", "s1::p1", path); err != nil {
		t.Fatal(err)
	}

	states, err := s.ContextStates(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	last := states[len(states)-1]
	if len(last.ActiveTasks) != 1 || last.ActiveTasks[0] != "102" {
		t.Fatalf("expected only task 102 to remain active, got %v", last.ActiveTasks)
	}
}

func TestIngestFileIsIdempotentAcrossReruns(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	path := writeLog(t, `{"role":"user","text":"hello"}`)

	g := New(s)
	if _, err := g.IngestFile(ctx, "c1", "s1::p1", path); err != nil {
		t.Fatal(err)
	}
	report, err := g.IngestFile(ctx, "c1", "s1::p1", path)
	if err != nil {
		t.Fatal(err)
	}
	if report.EventsInserted != 0 {
		t.Fatalf("expected no new events on re-run past the checkpoint, got %d", report.EventsInserted)
	}
}
