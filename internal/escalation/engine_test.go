package escalation

import (
	"testing"
	"time"

	"github.com/opencontrolgate/opencontrolgate/internal/bus"
	"github.com/opencontrolgate/opencontrolgate/internal/killswitch"
	"github.com/opencontrolgate/opencontrolgate/internal/store"
)

type harness struct {
	store *store.SQLiteStore
	bus   *bus.Bus
	ks    *killswitch.Switch
	eng   *Engine
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	st, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	if err := st.Initialize(); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	b := bus.New(nil)
	t.Cleanup(b.Close)

	ks, err := killswitch.New(st, nil)
	if err != nil {
		t.Fatalf("killswitch.New: %v", err)
	}
	return &harness{store: st, bus: b, ks: ks, eng: NewEngine(st, b, ks, nil, nil)}
}

func (h *harness) seedAction(t *testing.T, id string, decision store.Decision, risk int) {
	t.Helper()
	err := h.store.InsertAction(&store.ActionRecord{
		ID: id, CreatedAt: time.Now().UTC(), Tool: "shell",
		AgentID: "agent-a", Decision: decision, RiskScore: risk,
	})
	if err != nil {
		t.Fatalf("seed %s: %v", id, err)
	}
}

func TestSeverityLadder(t *testing.T) {
	cases := []struct {
		decision store.Decision
		risk     int
		chain    string
		want     string
	}{
		{store.DecisionBlock, 95, "", store.SeverityCritical},
		{store.DecisionBlock, 50, "", store.SeverityHigh},
		{store.DecisionReview, 85, "", store.SeverityHigh},
		{store.DecisionReview, 60, "privilege-chain", store.SeverityMedium},
		{store.DecisionReview, 55, "", store.SeverityMedium},
		{store.DecisionReview, 20, "", store.SeverityLow},
	}
	for _, tc := range cases {
		if got := SeverityFor(tc.decision, tc.risk, tc.chain); got != tc.want {
			t.Errorf("SeverityFor(%s,%d,%q) = %s, want %s", tc.decision, tc.risk, tc.chain, got, tc.want)
		}
	}
}

func TestTriggerMapping(t *testing.T) {
	if got := TriggerFor(store.DecisionBlock, "browse-then-exfil"); got != store.TriggerChainEscalation {
		t.Errorf("chain trigger = %s", got)
	}
	if got := TriggerFor(store.DecisionBlock, ""); got != store.TriggerPolicyBlock {
		t.Errorf("block trigger = %s", got)
	}
	if got := TriggerFor(store.DecisionReview, ""); got != store.TriggerPolicyReview {
		t.Errorf("review trigger = %s", got)
	}
}

func TestResolveConfigScopes(t *testing.T) {
	h := newHarness(t)

	// With nothing persisted, the defaults apply.
	cfg := h.eng.ResolveConfig("agent-a")
	if cfg != DefaultConfig() {
		t.Errorf("config = %+v, want defaults", cfg)
	}

	global := DefaultConfig()
	global.BlockThreshold = 5
	if err := h.eng.SetConfig("*", global); err != nil {
		t.Fatalf("SetConfig: %v", err)
	}
	if got := h.eng.ResolveConfig("agent-a"); got.BlockThreshold != 5 {
		t.Errorf("global scope not applied: %+v", got)
	}

	perAgent := DefaultConfig()
	perAgent.BlockThreshold = 1
	if err := h.eng.SetConfig("agent:agent-a", perAgent); err != nil {
		t.Fatalf("SetConfig agent: %v", err)
	}
	if got := h.eng.ResolveConfig("agent-a"); got.BlockThreshold != 1 {
		t.Errorf("per-agent scope not applied: %+v", got)
	}
	if got := h.eng.ResolveConfig("agent-b"); got.BlockThreshold != 5 {
		t.Errorf("per-agent scope leaked to other agents: %+v", got)
	}
}

func TestAfterEvaluationCreatesEscalation(t *testing.T) {
	h := newHarness(t)

	out := h.eng.AfterEvaluation("act_1", "agent-a", "shell", store.DecisionBlock, 95, "")
	if out.EscalationID == "" {
		t.Fatal("no escalation created for block decision")
	}
	if out.Severity != store.SeverityCritical {
		t.Errorf("severity = %s, want critical", out.Severity)
	}

	ev, err := h.store.GetEscalation(out.EscalationID)
	if err != nil {
		t.Fatalf("GetEscalation: %v", err)
	}
	if ev.Trigger != store.TriggerPolicyBlock || ev.Status != store.EscalationPending {
		t.Errorf("event = %+v", ev)
	}
	if ev.ActionID != "act_1" || ev.AgentID != "agent-a" {
		t.Errorf("event linkage = %+v", ev)
	}
}

func TestAfterEvaluationAllowIsQuiet(t *testing.T) {
	h := newHarness(t)

	out := h.eng.AfterEvaluation("act_1", "agent-a", "shell", store.DecisionAllow, 10, "")
	if out.EscalationID != "" || out.AutoKSTriggered {
		t.Errorf("allow decision escalated: %+v", out)
	}
	evs, _ := h.store.ListEscalations("", 10)
	if len(evs) != 0 {
		t.Errorf("have %d escalations, want 0", len(evs))
	}
}

func TestAutoKSOnBlockCount(t *testing.T) {
	h := newHarness(t)
	cfg := DefaultConfig()
	cfg.AutoKSEnabled = true
	if err := h.eng.SetConfig("*", cfg); err != nil {
		t.Fatalf("SetConfig: %v", err)
	}

	events, _ := h.bus.Subscribe()

	h.seedAction(t, "act_1", store.DecisionBlock, 90)
	h.seedAction(t, "act_2", store.DecisionBlock, 90)
	h.seedAction(t, "act_3", store.DecisionBlock, 95)

	out := h.eng.AfterEvaluation("act_3", "agent-a", "shell", store.DecisionBlock, 95, "")
	if !out.AutoKSTriggered {
		t.Fatal("auto kill switch did not trigger on block count")
	}
	if !h.ks.Engaged() {
		t.Error("kill switch not engaged")
	}

	// A synthetic critical escalation records the trip.
	evs, _ := h.store.ListEscalations("", 10)
	foundAutoKS := false
	for _, ev := range evs {
		if ev.Trigger == store.TriggerAutoKS && ev.Severity == store.SeverityCritical {
			foundAutoKS = true
		}
	}
	if !foundAutoKS {
		t.Error("no auto_ks escalation recorded")
	}

	// The bus carries the auto_kill_switch event.
	sawEvent := false
	for i := 0; i < 5; i++ {
		select {
		case ev := <-events:
			if ev.Type == bus.EventAutoKillSwitch {
				sawEvent = true
			}
		default:
		}
		if sawEvent {
			break
		}
	}
	if !sawEvent {
		t.Error("auto_kill_switch event not published")
	}
}

func TestAutoKSCountsHighRiskReviews(t *testing.T) {
	h := newHarness(t)
	cfg := DefaultConfig()
	cfg.AutoKSEnabled = true
	if err := h.eng.SetConfig("*", cfg); err != nil {
		t.Fatalf("SetConfig: %v", err)
	}

	// One block plus two reviews at risk 75 (>= ReviewRiskThreshold 70)
	// reach the block threshold; mean risk 80 stays under 82.
	h.seedAction(t, "act_1", store.DecisionBlock, 90)
	h.seedAction(t, "act_2", store.DecisionReview, 75)
	h.seedAction(t, "act_3", store.DecisionReview, 75)

	out := h.eng.AfterEvaluation("act_3", "agent-a", "shell", store.DecisionReview, 75, "")
	if !out.AutoKSTriggered {
		t.Fatal("high-risk reviews did not count toward the block threshold")
	}
	if !h.ks.Engaged() {
		t.Error("kill switch not engaged")
	}
}

func TestAutoKSIgnoresLowRiskReviews(t *testing.T) {
	h := newHarness(t)
	cfg := DefaultConfig()
	cfg.AutoKSEnabled = true
	if err := h.eng.SetConfig("*", cfg); err != nil {
		t.Fatalf("SetConfig: %v", err)
	}

	h.seedAction(t, "act_1", store.DecisionBlock, 90)
	h.seedAction(t, "act_2", store.DecisionReview, 50)
	h.seedAction(t, "act_3", store.DecisionReview, 50)

	out := h.eng.AfterEvaluation("act_3", "agent-a", "shell", store.DecisionReview, 50, "")
	if out.AutoKSTriggered || h.ks.Engaged() {
		t.Error("reviews below the risk threshold tripped the kill switch")
	}
}

func TestAutoKSOnMeanRisk(t *testing.T) {
	h := newHarness(t)
	cfg := DefaultConfig()
	cfg.AutoKSEnabled = true
	if err := h.eng.SetConfig("*", cfg); err != nil {
		t.Fatalf("SetConfig: %v", err)
	}

	// No blocks, but the window's mean risk crosses the threshold.
	h.seedAction(t, "act_1", store.DecisionReview, 85)
	h.seedAction(t, "act_2", store.DecisionReview, 88)
	out := h.eng.AfterEvaluation("act_2", "agent-a", "shell", store.DecisionReview, 88, "")
	if !out.AutoKSTriggered {
		t.Fatal("auto kill switch did not trigger on mean risk")
	}
}

func TestAutoKSIdempotent(t *testing.T) {
	h := newHarness(t)
	cfg := DefaultConfig()
	cfg.AutoKSEnabled = true
	_ = h.eng.SetConfig("*", cfg)

	h.seedAction(t, "act_1", store.DecisionBlock, 90)
	h.seedAction(t, "act_2", store.DecisionBlock, 90)
	h.seedAction(t, "act_3", store.DecisionBlock, 95)

	first := h.eng.AfterEvaluation("act_3", "agent-a", "shell", store.DecisionBlock, 95, "")
	if !first.AutoKSTriggered {
		t.Fatal("first pass did not trigger")
	}

	// An already engaged switch is never re-tripped.
	second := h.eng.AfterEvaluation("act_3", "agent-a", "shell", store.DecisionBlock, 95, "")
	if second.AutoKSTriggered {
		t.Error("auto kill switch re-triggered while engaged")
	}
}

func TestAutoKSDisabledByDefault(t *testing.T) {
	h := newHarness(t)

	h.seedAction(t, "act_1", store.DecisionBlock, 95)
	h.seedAction(t, "act_2", store.DecisionBlock, 95)
	h.seedAction(t, "act_3", store.DecisionBlock, 95)

	out := h.eng.AfterEvaluation("act_3", "agent-a", "shell", store.DecisionBlock, 95, "")
	if out.AutoKSTriggered || h.ks.Engaged() {
		t.Error("auto kill switch fired while disabled")
	}
}

func TestEscalateVerification(t *testing.T) {
	h := newHarness(t)

	id := h.eng.EscalateVerification("act_1", "agent-a", "shell", 85)
	if id == "" {
		t.Fatal("no escalation id")
	}
	ev, err := h.store.GetEscalation(id)
	if err != nil {
		t.Fatalf("GetEscalation: %v", err)
	}
	if ev.Severity != store.SeverityCritical {
		t.Errorf("severity = %s, want critical for delta 85", ev.Severity)
	}

	id = h.eng.EscalateVerification("act_2", "agent-a", "shell", 40)
	ev, _ = h.store.GetEscalation(id)
	if ev.Severity != store.SeverityHigh {
		t.Errorf("severity = %s, want high for delta 40", ev.Severity)
	}
}
