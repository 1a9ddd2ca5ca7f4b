package envelope

import (
	"strings"
	"testing"
	"time"
)

func TestCanonicalSortsKeysAtAllDepths(t *testing.T) {
	v := map[string]any{
		"b": 1,
		"a": map[string]any{"z": 1, "y": 2},
	}
	got, err := Canonical(v)
	if err != nil {
		t.Fatalf("Canonical: %v", err)
	}
	want := `{"a":{"y":2,"z":1},"b":1}`
	if string(got) != want {
		t.Fatalf("got %s, want %s", got, want)
	}
}

func TestCanonicalPreservesArrayOrder(t *testing.T) {
	v := []any{"c", "a", "b"}
	got, err := Canonical(v)
	if err != nil {
		t.Fatalf("Canonical: %v", err)
	}
	if string(got) != `["c","a","b"]` {
		t.Fatalf("got %s", got)
	}
}

func TestHashStableAcrossFieldOrder(t *testing.T) {
	h1, err := Hash(map[string]any{"a": 1, "b": 2})
	if err != nil {
		t.Fatal(err)
	}
	h2, err := Hash(map[string]any{"b": 2, "a": 1})
	if err != nil {
		t.Fatal(err)
	}
	if h1 != h2 {
		t.Fatalf("hash not stable: %s != %s", h1, h2)
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	e, err := New(TypeHeartbeat, "sess1", "agent1", HeartbeatPayload{AgentID: "sess1::pane1"})
	if err != nil {
		t.Fatal(err)
	}
	data, err := e.Encode()
	if err != nil {
		t.Fatal(err)
	}
	got, err := Decode(data)
	if err != nil {
		t.Fatal(err)
	}
	if got.Type != e.Type || got.SessionID != e.SessionID || got.SenderID != e.SenderID {
		t.Fatalf("round trip mismatch: %+v vs %+v", got, e)
	}
}

func TestValidateRejectsMissingFields(t *testing.T) {
	e := &Envelope{Version: Version, Type: TypeHeartbeat, Timestamp: time.Now()}
	err := e.Validate()
	if err == nil {
		t.Fatal("expected error")
	}
	var verr *Error
	if !isErr(err, &verr) || verr.Code != CodeMissingRequiredFields {
		t.Fatalf("expected missing_required_fields, got %v", err)
	}
}

func TestValidateRejectsFutureVersion(t *testing.T) {
	e := &Envelope{
		Version:   Version + 1,
		Type:      TypeHeartbeat,
		SessionID: "s", SenderID: "a",
		Timestamp: time.Now(),
		Payload:   []byte(`{}`),
	}
	err := e.Validate()
	var verr *Error
	if !isErr(err, &verr) || verr.Code != CodeUnsupportedVersion {
		t.Fatalf("expected unsupported_version, got %v", err)
	}
}

func TestEncodeRejectsOversizedEnvelope(t *testing.T) {
	big := strings.Repeat("x", MaxEnvelopeBytes+1)
	e, err := New(TypeHeartbeat, "s", "a", map[string]string{"pad": big})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.Encode(); err == nil {
		t.Fatal("expected size error")
	}
}

func TestFrameReaderSkipsBlankAndMalformedLines(t *testing.T) {
	e, err := New(TypeHeartbeat, "s", "a", HeartbeatPayload{AgentID: "s::p"})
	if err != nil {
		t.Fatal(err)
	}
	good, err := e.Encode()
	if err != nil {
		t.Fatal(err)
	}
	stream := "\n   \nnot json\n" + string(good) + "\n"
	fr := NewFrameReader(strings.NewReader(stream))
	got, err := fr.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if got.SessionID != "s" {
		t.Fatalf("unexpected envelope: %+v", got)
	}
}

func TestAgentIDScoping(t *testing.T) {
	id := AgentID("sess1", "pane0")
	if id != "sess1::pane0" {
		t.Fatalf("got %s", id)
	}
	if !BelongsToSession(id, "sess1") {
		t.Fatal("expected BelongsToSession true")
	}
	if BelongsToSession(id, "sess2") {
		t.Fatal("expected BelongsToSession false")
	}
	sess, pane, ok := SplitAgentID(id)
	if !ok || sess != "sess1" || pane != "pane0" {
		t.Fatalf("SplitAgentID got %s %s %v", sess, pane, ok)
	}
}

func isErr(err error, target **Error) bool {
	e, ok := err.(*Error)
	if !ok {
		return false
	}
	*target = e
	return true
}
