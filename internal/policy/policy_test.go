package policy

import (
	"errors"
	"testing"

	"github.com/opencontrolgate/opencontrolgate/internal/store"
)

func newTestRegistry(t *testing.T) (*Registry, *store.SQLiteStore) {
	t.Helper()
	st, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	if err := st.Initialize(); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	r, err := NewRegistry(st, 0, nil)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	return r, st
}

func TestValidate(t *testing.T) {
	cel, err := NewCELEvaluator()
	if err != nil {
		t.Fatalf("NewCELEvaluator: %v", err)
	}

	cases := []struct {
		name  string
		p     Policy
		field string // empty means valid
	}{
		{"valid", Policy{ID: "p", Severity: 50, Action: store.DecisionBlock}, ""},
		{"missing id", Policy{Severity: 50, Action: store.DecisionBlock}, "policy_id"},
		{"bad action", Policy{ID: "p", Severity: 50, Action: "nuke"}, "action"},
		{"severity out of range", Policy{ID: "p", Severity: 101, Action: store.DecisionAllow}, "severity"},
		{"bad url regex", Policy{ID: "p", Severity: 10, Action: store.DecisionAllow, URLRegex: "("}, "url_regex"},
		{"bad args regex", Policy{ID: "p", Severity: 10, Action: store.DecisionAllow, ArgsRegex: "[z"}, "args_regex"},
		{"bad condition", Policy{ID: "p", Severity: 10, Action: store.DecisionAllow, Condition: "tool =="}, "condition"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.p.Validate(cel)
			if tc.field == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			var ve *ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("err = %v, want ValidationError", err)
			}
			if ve.Field != tc.field {
				t.Errorf("field = %s, want %s", ve.Field, tc.field)
			}
		})
	}
}

func TestMatchesPredicates(t *testing.T) {
	regexes := NewRegexCache(0)
	cel, _ := NewCELEvaluator()

	in := NewMatchInput("http_request",
		map[string]interface{}{"url": "https://api.internal/export", "body": "all customer rows"},
		map[string]interface{}{"agent_id": "agent-a"})

	cases := []struct {
		name string
		p    Policy
		want bool
	}{
		{"no predicates matches all", Policy{ID: "catch-all"}, true},
		{"tool match", Policy{ID: "t", Tool: "http_request"}, true},
		{"tool mismatch", Policy{ID: "t", Tool: "shell"}, false},
		{"url regex match", Policy{ID: "u", URLRegex: `api\.internal`}, true},
		{"url regex mismatch", Policy{ID: "u", URLRegex: `evil\.example`}, false},
		{"args regex over flat payload", Policy{ID: "a", ArgsRegex: "customer rows"}, true},
		{"args regex case insensitive via lowering", Policy{ID: "a", ArgsRegex: "CUSTOMER"}, false},
		{"bad regex is non-match", Policy{ID: "b", ArgsRegex: "("}, false},
		{"condition true", Policy{ID: "c", Condition: `tool == "http_request"`}, true},
		{"condition false", Policy{ID: "c", Condition: `tool == "shell"`}, false},
		{"predicates are ANDed", Policy{ID: "and", Tool: "http_request", ArgsRegex: "no-such-text"}, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.p.Matches(in, regexes, cel); got != tc.want {
				t.Errorf("Matches = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestURLRegexOnlyFiresForHTTPRequest(t *testing.T) {
	regexes := NewRegexCache(0)
	p := Policy{ID: "u", URLRegex: `.*`}
	in := NewMatchInput("file_read", map[string]interface{}{"url": "https://x"}, nil)
	if p.Matches(in, regexes, nil) {
		t.Error("url_regex predicate fired for a non-http_request tool")
	}
}

func TestEvaluatePrecedence(t *testing.T) {
	r, _ := newTestRegistry(t)
	r.SetBasePolicies([]*Policy{
		{ID: "allowish", Severity: 20, Action: store.DecisionAllow},
		{ID: "reviewer", Severity: 60, Action: store.DecisionReview},
		{ID: "blocker", Severity: 95, Tool: "shell", Action: store.DecisionBlock},
	})

	in := NewMatchInput("shell", map[string]interface{}{"command": "ls"}, nil)
	matched, maxSev, action, err := r.Evaluate(in)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if action != store.DecisionBlock {
		t.Errorf("action = %s, want block", action)
	}
	if maxSev != 95 {
		t.Errorf("max severity = %d, want 95", maxSev)
	}
	if len(matched) != 3 {
		t.Errorf("matched %d policies, want 3", len(matched))
	}

	// Without the blocker's tool, review wins over allow.
	in = NewMatchInput("file_read", nil, nil)
	_, _, action, _ = r.Evaluate(in)
	if action != store.DecisionReview {
		t.Errorf("action = %s, want review", action)
	}
}

func TestSetBasePoliciesSkipsInvalid(t *testing.T) {
	r, _ := newTestRegistry(t)
	r.SetBasePolicies([]*Policy{
		{ID: "ok", Severity: 50, Action: store.DecisionReview},
		{ID: "broken", Severity: 50, Action: store.DecisionBlock, ArgsRegex: "("},
	})

	active, err := r.LoadActive()
	if err != nil {
		t.Fatalf("LoadActive: %v", err)
	}
	if len(active) != 1 || active[0].ID != "ok" {
		t.Errorf("active = %+v, want just ok", active)
	}
}

func TestRegistryCacheAndInvalidate(t *testing.T) {
	r, st := newTestRegistry(t)

	first, err := r.LoadActive()
	if err != nil {
		t.Fatalf("LoadActive: %v", err)
	}
	if len(first) != 0 {
		t.Fatalf("expected empty active set, got %d", len(first))
	}

	rec := (&Policy{ID: "dyn", Severity: 70, Action: store.DecisionReview, IsActive: true, Version: 1}).ToRecord()
	rec.CreatedAt = now()
	rec.UpdatedAt = rec.CreatedAt
	if err := st.InsertPolicy(rec); err != nil {
		t.Fatalf("InsertPolicy: %v", err)
	}

	// Still cached: the new row is invisible within the TTL.
	cached, _ := r.LoadActive()
	if len(cached) != 0 {
		t.Errorf("cache served %d policies, want 0 until invalidated", len(cached))
	}

	r.Invalidate()
	fresh, _ := r.LoadActive()
	if len(fresh) != 1 || fresh[0].ID != "dyn" {
		t.Errorf("after invalidate got %+v, want dyn", fresh)
	}
}

func TestAdminLifecycle(t *testing.T) {
	r, st := newTestRegistry(t)
	admin := NewAdmin(st, r, nil)

	created, err := admin.Create(&Policy{ID: "pol-1", Severity: 80, Action: store.DecisionBlock, ArgsRegex: "drop table"}, "alice", "initial")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if created.Version != 1 || !created.IsActive {
		t.Errorf("created = %+v, want version 1 active", created)
	}

	if _, err := admin.Create(&Policy{ID: "pol-1", Severity: 10, Action: store.DecisionAllow}, "alice", ""); !errors.Is(err, store.ErrConflict) {
		t.Errorf("duplicate create err = %v, want ErrConflict", err)
	}

	updated, err := admin.Update(&Policy{ID: "pol-1", Severity: 85, Action: store.DecisionBlock}, "bob", "raise severity")
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if updated.Version != 2 {
		t.Errorf("updated version = %d, want 2", updated.Version)
	}

	if err := admin.Archive("pol-1", "bob", "retired"); err != nil {
		t.Fatalf("Archive: %v", err)
	}
	active, _ := st.ActivePolicies()
	if len(active) != 0 {
		t.Errorf("archived policy still active")
	}

	// Restoring version 1 must produce a strictly newer version, not
	// rewrite history.
	restored, err := admin.Restore("pol-1", 1, "carol")
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if restored.Version != 4 {
		t.Errorf("restored version = %d, want 4", restored.Version)
	}
	if restored.Severity != 80 || restored.ArgsRegex != "drop table" {
		t.Errorf("restored content = %+v, want version 1 content", restored)
	}

	versions, _ := st.ListPolicyVersions("pol-1")
	if len(versions) != 4 {
		t.Errorf("have %d version snapshots, want 4", len(versions))
	}
	audit, _ := st.ListPolicyAudit("pol-1")
	if len(audit) != 4 {
		t.Fatalf("have %d audit entries, want 4", len(audit))
	}
	ops := map[string]bool{}
	for _, e := range audit {
		ops[e.Operation] = true
	}
	for _, op := range []string{"create", "update", "archive", "restore"} {
		if !ops[op] {
			t.Errorf("audit trail missing %s entry", op)
		}
	}
}

func TestAdminValidationBeforeWrite(t *testing.T) {
	r, st := newTestRegistry(t)
	admin := NewAdmin(st, r, nil)

	_, err := admin.Create(&Policy{ID: "bad", Severity: 50, Action: store.DecisionBlock, ArgsRegex: "("}, "alice", "")
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("err = %v, want ValidationError", err)
	}
	if _, err := st.GetPolicy("bad"); !errors.Is(err, store.ErrNotFound) {
		t.Error("invalid policy was persisted")
	}
}

func TestUpdateMissingPolicy(t *testing.T) {
	r, st := newTestRegistry(t)
	admin := NewAdmin(st, r, nil)
	if _, err := admin.Update(&Policy{ID: "ghost", Severity: 10, Action: store.DecisionAllow}, "a", ""); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("update missing err = %v, want ErrNotFound", err)
	}
}
