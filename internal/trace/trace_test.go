package trace

import (
	"strings"
	"testing"
	"time"

	"github.com/opencontrolgate/opencontrolgate/internal/store"
)

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	if err := st.Initialize(); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestIngestNormalises(t *testing.T) {
	st := newTestStore(t)
	ing := NewIngestor(st, nil)

	started := time.Now().UTC().Add(-time.Second)
	ended := started.Add(250 * time.Millisecond)
	spans := []*store.Span{
		{SpanID: "sp_1", TraceID: "tr_1", Name: "fetch", StartedAt: started, EndedAt: &ended},
	}

	inserted, skipped, err := ing.Ingest(spans)
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if inserted != 1 || skipped != 0 {
		t.Errorf("Ingest = (%d,%d)", inserted, skipped)
	}

	got, err := st.GetSpan("sp_1")
	if err != nil {
		t.Fatalf("GetSpan: %v", err)
	}
	if got.Kind != store.SpanCustom {
		t.Errorf("kind = %s, want default %s", got.Kind, store.SpanCustom)
	}
	if got.Status != "ok" {
		t.Errorf("status = %s, want ok", got.Status)
	}
	if got.DurationMs != 250 {
		t.Errorf("duration = %d, want 250", got.DurationMs)
	}
}

func TestIngestRejectsMissingIDs(t *testing.T) {
	st := newTestStore(t)
	ing := NewIngestor(st, nil)

	if _, _, err := ing.Ingest([]*store.Span{{TraceID: "tr_1", Name: "x"}}); err == nil {
		t.Error("span without span_id accepted")
	}
	if _, _, err := ing.Ingest([]*store.Span{{SpanID: "sp_1", Name: "x"}}); err == nil {
		t.Error("span without trace_id accepted")
	}
}

func TestIngestIdempotent(t *testing.T) {
	st := newTestStore(t)
	ing := NewIngestor(st, nil)
	spans := []*store.Span{{SpanID: "sp_1", TraceID: "tr_1", Name: "x"}}

	if _, _, err := ing.Ingest(spans); err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	inserted, skipped, err := ing.Ingest(spans)
	if err != nil {
		t.Fatalf("replay Ingest: %v", err)
	}
	if inserted != 0 || skipped != 1 {
		t.Errorf("replay = (%d,%d), want (0,1)", inserted, skipped)
	}
}

func TestLinkEvaluation(t *testing.T) {
	st := newTestStore(t)
	l := NewLinker(NewIngestor(st, nil), nil)

	l.LinkEvaluation("tr_1", "sp_parent", "shell",
		map[string]interface{}{"decision": "block"}, time.Now().UTC().Add(-10*time.Millisecond))

	spans, err := st.ListSpans("tr_1")
	if err != nil {
		t.Fatalf("ListSpans: %v", err)
	}
	if len(spans) != 1 {
		t.Fatalf("have %d spans, want 1", len(spans))
	}
	sp := spans[0]
	if !strings.HasPrefix(sp.SpanID, "gov_") {
		t.Errorf("span id = %s, want gov_ prefix", sp.SpanID)
	}
	if sp.Kind != store.SpanGovernance {
		t.Errorf("kind = %s, want governance", sp.Kind)
	}
	if sp.Name != "governor.evaluate(shell)" {
		t.Errorf("name = %s", sp.Name)
	}
	if sp.ParentSpanID != "sp_parent" {
		t.Errorf("parent = %s", sp.ParentSpanID)
	}
}

func TestLinkVerificationStatus(t *testing.T) {
	st := newTestStore(t)
	l := NewLinker(NewIngestor(st, nil), nil)

	l.LinkVerification("tr_1", "", "shell", "violation", nil, time.Now().UTC())
	l.LinkVerification("tr_1", "", "shell", "compliant", nil, time.Now().UTC())

	spans, _ := st.ListSpans("tr_1")
	if len(spans) != 2 {
		t.Fatalf("have %d spans, want 2", len(spans))
	}
	statuses := map[string]int{}
	for _, sp := range spans {
		statuses[sp.Status]++
	}
	if statuses["error"] != 1 || statuses["ok"] != 1 {
		t.Errorf("statuses = %v", statuses)
	}
}

func TestLinkNoopWithoutTraceID(t *testing.T) {
	st := newTestStore(t)
	l := NewLinker(NewIngestor(st, nil), nil)

	l.LinkEvaluation("", "", "shell", nil, time.Now().UTC())
	spans, _ := st.ListSpans("")
	if len(spans) != 0 {
		t.Errorf("linked %d spans without a trace id", len(spans))
	}
}
