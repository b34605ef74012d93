package session

import (
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

func insertAction(t *testing.T, st *store.SQLiteStore, id, agentID, sessionID, tool string, at time.Time) {
	t.Helper()
	err := st.InsertAction(&store.ActionRecord{
		ID:        id,
		CreatedAt: at,
		Tool:      tool,
		AgentID:   agentID,
		SessionID: sessionID,
		Decision:  store.DecisionAllow,
		RiskScore: 10,
		PolicyIDs: "p1, p2",
	})
	if err != nil {
		t.Fatalf("InsertAction %s: %v", id, err)
	}
}

func TestHistoryOldestFirst(t *testing.T) {
	st := newTestStore(t)
	s := NewStore(st, 0, 0, nil)
	now := time.Now().UTC()

	insertAction(t, st, "act_1", "agent-a", "s1", "file_read", now.Add(-3*time.Minute))
	insertAction(t, st, "act_2", "agent-a", "s1", "file_write", now.Add(-2*time.Minute))
	insertAction(t, st, "act_3", "agent-a", "s1", "shell", now.Add(-time.Minute))

	h, err := s.History("agent-a", "")
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(h) != 3 {
		t.Fatalf("len = %d, want 3", len(h))
	}
	want := []string{"file_read", "file_write", "shell"}
	for i, tool := range want {
		if h[i].Tool != tool {
			t.Errorf("h[%d].Tool = %s, want %s", i, h[i].Tool, tool)
		}
	}
	if len(h[0].PolicyIDs) != 2 || h[0].PolicyIDs[0] != "p1" || h[0].PolicyIDs[1] != "p2" {
		t.Errorf("policy ids = %v, want [p1 p2]", h[0].PolicyIDs)
	}
}

func TestHistorySandboxing(t *testing.T) {
	st := newTestStore(t)
	s := NewStore(st, 0, 0, nil)
	now := time.Now().UTC()

	insertAction(t, st, "act_1", "agent-a", "s1", "shell", now)
	insertAction(t, st, "act_2", "agent-b", "s9", "shell", now)

	h, _ := s.History("agent-a", "")
	if len(h) != 1 {
		t.Errorf("agent sandbox leaked: %d entries", len(h))
	}

	h, _ = s.History("agent-a", "s9")
	if len(h) != 0 {
		t.Errorf("session sandbox leaked: %d entries", len(h))
	}

	// Anonymous requests have no history window at all.
	h, err := s.History("", "")
	if err != nil || h != nil {
		t.Errorf("History(\"\") = (%v, %v), want (nil, nil)", h, err)
	}
}

func TestHistoryWindowExcludesOldActions(t *testing.T) {
	st := newTestStore(t)
	s := NewStore(st, 10*time.Minute, 0, nil)
	now := time.Now().UTC()

	insertAction(t, st, "act_old", "agent-a", "s1", "shell", now.Add(-time.Hour))
	insertAction(t, st, "act_new", "agent-a", "s1", "shell", now.Add(-time.Minute))

	h, _ := s.History("agent-a", "")
	if len(h) != 1 || h[0].Tool != "shell" {
		t.Fatalf("h = %+v, want only the recent action", h)
	}
}
