package chain

import (
	"strings"
	"testing"
	"time"

	"github.com/opencontrolgate/opencontrolgate/internal/session"
	"github.com/opencontrolgate/opencontrolgate/internal/store"
)

func entry(tool string, decision store.Decision, opts ...func(*session.Entry)) session.Entry {
	e := session.Entry{Tool: tool, Decision: decision, Timestamp: time.Now()}
	for _, o := range opts {
		o(&e)
	}
	return e
}

func withArgs(args string) func(*session.Entry) {
	return func(e *session.Entry) { e.Args = args }
}

func withRisk(r int) func(*session.Entry) {
	return func(e *session.Entry) { e.RiskScore = r }
}

func withPolicies(ids ...string) func(*session.Entry) {
	return func(e *session.Entry) { e.PolicyIDs = ids }
}

func withTime(ts time.Time) func(*session.Entry) {
	return func(e *session.Entry) { e.Timestamp = ts }
}

func TestAnalyzeEmptyHistory(t *testing.T) {
	a := NewAnalyzer(nil)
	if got := a.Analyze(nil); got != nil {
		t.Errorf("Analyze(nil) = %+v, want nil", got)
	}
}

func TestPrivilegeChain(t *testing.T) {
	a := NewAnalyzer(nil)
	h := []session.Entry{
		entry("file_read", store.DecisionAllow),
		entry("secrets_get", store.DecisionAllow),
		entry("shell", store.DecisionReview),
	}
	got := a.Analyze(h)
	if got == nil || got.Name != "privilege-chain" {
		t.Fatalf("Analyze = %+v, want privilege-chain", got)
	}
	if got.Boost != 65 {
		t.Errorf("boost = %d, want 65", got.Boost)
	}
	if !strings.Contains(got.Evidence, "session depth: 3") {
		t.Errorf("evidence = %q", got.Evidence)
	}
}

func TestPrivilegeChainOrderMatters(t *testing.T) {
	a := NewAnalyzer(nil)
	// Exec before the credential touch: no chain.
	h := []session.Entry{
		entry("shell", store.DecisionAllow),
		entry("secrets_get", store.DecisionAllow),
		entry("file_read", store.DecisionAllow),
	}
	if got := a.Analyze(h); got != nil && got.Name == "privilege-chain" {
		t.Errorf("out-of-order history matched privilege-chain")
	}
}

func TestCredentialKeywordInArgs(t *testing.T) {
	a := NewAnalyzer(nil)
	// Credential touch via args keywords rather than a cred tool.
	h := []session.Entry{
		entry("file_read", store.DecisionAllow, withArgs(`{"path":"/app/secret.env","note":"api key"}`)),
		entry("http_request", store.DecisionAllow),
	}
	got := a.Analyze(h)
	if got == nil || got.Name != "credential-then-http" {
		t.Fatalf("Analyze = %+v, want credential-then-http", got)
	}
}

func TestRepeatedScopeProbing(t *testing.T) {
	a := NewAnalyzer(nil)
	h := []session.Entry{
		entry("db_admin", store.DecisionBlock, withPolicies("scope-violation")),
		entry("spawn", store.DecisionBlock, withPolicies("scope-violation")),
		entry("payments", store.DecisionBlock, withPolicies("scope-violation")),
	}
	got := a.Analyze(h)
	if got == nil || got.Name != "repeated-scope-probing" {
		t.Fatalf("Analyze = %+v, want repeated-scope-probing", got)
	}
}

func TestVerificationEvasion(t *testing.T) {
	a := NewAnalyzer(nil)
	h := []session.Entry{
		entry("db_query", store.DecisionReview),
		entry("file_read", store.DecisionAllow),
		entry("db_query", store.DecisionReview),
	}
	got := a.Analyze(h)
	if got == nil || got.Name != "verification-evasion" {
		t.Fatalf("Analyze = %+v, want verification-evasion", got)
	}
}

func TestEscalatingRisk(t *testing.T) {
	a := NewAnalyzer(nil)
	h := []session.Entry{
		entry("a", store.DecisionAllow, withRisk(20)),
		entry("b", store.DecisionAllow, withRisk(35)),
		entry("c", store.DecisionAllow, withRisk(55)),
	}
	got := a.Analyze(h)
	if got == nil || got.Name != "escalating-risk" {
		t.Fatalf("Analyze = %+v, want escalating-risk", got)
	}

	// A dip in the middle breaks monotonicity.
	h[1].RiskScore = 10
	if got := a.Analyze(h); got != nil && got.Name == "escalating-risk" {
		t.Error("non-monotonic history matched escalating-risk")
	}
}

func TestHighBlockRate(t *testing.T) {
	a := NewAnalyzer(nil)
	h := []session.Entry{
		entry("a", store.DecisionBlock),
		entry("b", store.DecisionAllow),
		entry("c", store.DecisionBlock),
		entry("d", store.DecisionAllow),
	}
	got := a.Analyze(h)
	if got == nil || got.Name != "high-block-rate" {
		t.Fatalf("Analyze = %+v, want high-block-rate", got)
	}
}

func TestReadWriteExec(t *testing.T) {
	a := NewAnalyzer(nil)
	h := []session.Entry{
		entry("file_read", store.DecisionAllow),
		entry("file_write", store.DecisionAllow),
		entry("run_code", store.DecisionAllow),
	}
	got := a.Analyze(h)
	if got == nil || got.Name != "read-write-exec" {
		t.Fatalf("Analyze = %+v, want read-write-exec", got)
	}
}

func TestArgumentMutation(t *testing.T) {
	a := NewAnalyzer(nil)
	h := []session.Entry{
		entry("http_request", store.DecisionBlock, withArgs(`{"url":"https://evil/a"}`)),
		entry("http_request", store.DecisionAllow, withArgs(`{"url":"https://evil/b"}`)),
		entry("http_request", store.DecisionAllow, withArgs(`{"url":"https://evil/c"}`)),
	}
	got := a.Analyze(h)
	if got == nil {
		t.Fatal("Analyze = nil")
	}
	// block-bypass-retry (40) also fires here; argument-mutation (45) has
	// the higher boost and must win.
	if got.Name != "argument-mutation" {
		t.Errorf("winner = %s, want argument-mutation", got.Name)
	}
}

func TestBlockBypassRetry(t *testing.T) {
	a := NewAnalyzer(nil)
	h := []session.Entry{
		entry("file_write", store.DecisionBlock),
		entry("file_write", store.DecisionAllow),
	}
	got := a.Analyze(h)
	if got == nil || got.Name != "block-bypass-retry" {
		t.Fatalf("Analyze = %+v, want block-bypass-retry", got)
	}
}

func TestBrowseThenExfil(t *testing.T) {
	a := NewAnalyzer(nil)
	h := []session.Entry{
		entry("http_request", store.DecisionAllow),
		entry("messaging_send", store.DecisionReview),
	}
	got := a.Analyze(h)
	if got == nil || got.Name != "browse-then-exfil" {
		t.Fatalf("Analyze = %+v, want browse-then-exfil", got)
	}

	// Exfil before browse does not count.
	h = []session.Entry{
		entry("messaging_send", store.DecisionAllow),
		entry("http_request", store.DecisionAllow),
	}
	if got := a.Analyze(h); got != nil {
		t.Errorf("reversed order matched %s", got.Name)
	}
}

func TestRapidToolSwitching(t *testing.T) {
	a := NewAnalyzer(nil)
	base := time.Now()
	h := []session.Entry{
		entry("a", store.DecisionAllow, withTime(base)),
		entry("b", store.DecisionAllow, withTime(base.Add(5*time.Second))),
		entry("c", store.DecisionAllow, withTime(base.Add(10*time.Second))),
		entry("d", store.DecisionAllow, withTime(base.Add(15*time.Second))),
		entry("e", store.DecisionAllow, withTime(base.Add(20*time.Second))),
	}
	got := a.Analyze(h)
	if got == nil || got.Name != "rapid-tool-switching" {
		t.Fatalf("Analyze = %+v, want rapid-tool-switching", got)
	}

	// Spread the same history over ten minutes: no match.
	for i := range h {
		h[i].Timestamp = base.Add(time.Duration(i) * 2 * time.Minute)
	}
	if got := a.Analyze(h); got != nil {
		t.Errorf("slow history matched %s", got.Name)
	}
}

func TestPanickingPatternIsNonMatch(t *testing.T) {
	a := NewAnalyzer(nil)
	a.patterns = append([]Pattern{{
		Name:       "broken",
		Boost:      99,
		MinActions: 1,
		Match:      func(h []session.Entry) bool { panic("boom") },
	}}, a.patterns...)

	h := []session.Entry{
		entry("http_request", store.DecisionAllow),
		entry("messaging_send", store.DecisionAllow),
	}
	got := a.Analyze(h)
	if got == nil || got.Name != "browse-then-exfil" {
		t.Fatalf("Analyze = %+v, want panic skipped and browse-then-exfil", got)
	}
}
