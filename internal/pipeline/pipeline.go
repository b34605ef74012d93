// Package pipeline implements the five-layer evaluation pipeline: kill
// switch, injection firewall, scope enforcer, policy engine, and neuro risk
// with behavioural chain analysis. The first blocking layer short-circuits;
// every layer that runs appends exactly one record to the execution trace.
package pipeline

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/opencontrolgate/opencontrolgate/internal/chain"
	"github.com/opencontrolgate/opencontrolgate/internal/killswitch"
	"github.com/opencontrolgate/opencontrolgate/internal/neuro"
	"github.com/opencontrolgate/opencontrolgate/internal/payload"
	"github.com/opencontrolgate/opencontrolgate/internal/policy"
	"github.com/opencontrolgate/opencontrolgate/internal/session"
	"github.com/opencontrolgate/opencontrolgate/internal/store"
)

// Fixed severity ladder for the deterministic layers.
const (
	killSwitchRisk = 100
	injectionRisk  = 95
	scopeRisk      = 90

	// chain-promoted reviews require the adopted risk to reach this.
	chainReviewThreshold = 80
)

// Request is one intended tool invocation submitted for evaluation.
type Request struct {
	Tool    string                 `json:"tool"`
	Args    map[string]interface{} `json:"args,omitempty"`
	Context map[string]interface{} `json:"context,omitempty"`
	Prompt  string                 `json:"prompt,omitempty"`
}

// Recognised context keys. Unknown keys are preserved in persistence but
// never affect evaluation.
func (r *Request) ctxString(key string) string {
	if r.Context == nil {
		return ""
	}
	s, _ := r.Context[key].(string)
	return s
}

func (r *Request) AgentID() string        { return r.ctxString("agent_id") }
func (r *Request) SessionID() string      { return r.ctxString("session_id") }
func (r *Request) UserID() string         { return r.ctxString("user_id") }
func (r *Request) Channel() string        { return r.ctxString("channel") }
func (r *Request) TraceID() string        { return r.ctxString("trace_id") }
func (r *Request) SpanID() string         { return r.ctxString("span_id") }
func (r *Request) ConversationID() string { return r.ctxString("conversation_id") }
func (r *Request) TurnID() string         { return r.ctxString("turn_id") }

// AllowedTools returns the scope list from context, nil when absent.
func (r *Request) AllowedTools() []string {
	if r.Context == nil {
		return nil
	}
	switch t := r.Context["allowed_tools"].(type) {
	case []string:
		return t
	case []interface{}:
		out := make([]string, 0, len(t))
		for _, v := range t {
			if s, ok := v.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// LayerRecord is one execution-trace entry.
type LayerRecord struct {
	Layer      int      `json:"layer"`
	Name       string   `json:"name"`
	Outcome    string   `json:"outcome"` // pass, block, review
	Risk       int      `json:"risk"`
	Matched    []string `json:"matched,omitempty"`
	Detail     string   `json:"detail,omitempty"`
	DurationMs float64  `json:"duration_ms"`
}

// Decision is the full evaluation outcome.
type Decision struct {
	Decision           store.Decision `json:"decision"`
	RiskScore          int            `json:"risk_score"`
	Explanation        string         `json:"explanation"`
	PolicyIDs          []string       `json:"policy_ids"`
	ExecutionTrace     []LayerRecord  `json:"execution_trace"`
	ChainPattern       string         `json:"chain_pattern,omitempty"`
	SessionDepth       int            `json:"session_depth,omitempty"`
	EscalationID       string         `json:"escalation_id,omitempty"`
	AutoKSTriggered    bool           `json:"auto_ks_triggered"`
	EscalationSeverity string         `json:"escalation_severity,omitempty"`
}

// Evaluator orchestrates the five layers.
type Evaluator struct {
	killSwitch *killswitch.Switch
	registry   *policy.Registry
	sessions   *session.Store
	chains     *chain.Analyzer
	logger     *slog.Logger
}

// NewEvaluator wires the pipeline.
func NewEvaluator(
	ks *killswitch.Switch,
	registry *policy.Registry,
	sessions *session.Store,
	chains *chain.Analyzer,
	logger *slog.Logger,
) *Evaluator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Evaluator{
		killSwitch: ks,
		registry:   registry,
		sessions:   sessions,
		chains:     chains,
		logger:     logger.With("component", "pipeline.Evaluator"),
	}
}

// Evaluate runs the layers in order and returns the decision. Layers 1-3
// short-circuit on block; layer 5 never blocks.
func (e *Evaluator) Evaluate(req *Request) *Decision {
	d := &Decision{
		Decision:  store.DecisionAllow,
		PolicyIDs: []string{},
	}

	if e.runKillSwitch(req, d) {
		return d
	}
	if e.runFirewall(req, d) {
		return d
	}
	if e.runScopeEnforcer(req, d) {
		return d
	}
	e.runPolicyEngine(req, d)
	if d.Decision == store.DecisionBlock {
		return d
	}
	e.runNeuroChain(req, d)

	if d.Explanation == "" {
		d.Explanation = "no policy or behavioural signal fired"
	}
	return d
}

// --- layer 1: kill switch ---

func (e *Evaluator) runKillSwitch(req *Request, d *Decision) bool {
	start := time.Now()
	engaged := e.killSwitch.Engaged()

	rec := LayerRecord{Layer: 1, Name: "kill-switch", Outcome: "pass"}
	if engaged {
		rec.Outcome = "block"
		rec.Risk = killSwitchRisk
		rec.Matched = []string{"kill-switch"}
		rec.Detail = "kill switch engaged"
	}
	rec.DurationMs = msSince(start)
	d.ExecutionTrace = append(d.ExecutionTrace, rec)

	if engaged {
		d.Decision = store.DecisionBlock
		d.RiskScore = killSwitchRisk
		d.PolicyIDs = []string{"kill-switch"}
		d.Explanation = "kill switch engaged: all agent actions are blocked"
		return true
	}
	return false
}

// --- layer 2: injection firewall ---

func (e *Evaluator) runFirewall(req *Request, d *Decision) bool {
	start := time.Now()
	normalized := payload.Normalize(payload.Flatten(req.Tool, req.Args, req.Context, req.Prompt))
	name := MatchInjection(normalized)

	rec := LayerRecord{Layer: 2, Name: "injection-firewall", Outcome: "pass"}
	if name != "" {
		rec.Outcome = "block"
		rec.Risk = injectionRisk
		rec.Matched = []string{"injection-firewall"}
		rec.Detail = "matched injection pattern: " + name
	}
	rec.DurationMs = msSince(start)
	d.ExecutionTrace = append(d.ExecutionTrace, rec)

	if name != "" {
		d.Decision = store.DecisionBlock
		d.RiskScore = injectionRisk
		d.PolicyIDs = []string{"injection-firewall"}
		d.Explanation = fmt.Sprintf("prompt injection detected (%s)", name)
		return true
	}
	return false
}

// --- layer 3: scope enforcer ---

func (e *Evaluator) runScopeEnforcer(req *Request, d *Decision) bool {
	start := time.Now()
	allowed := req.AllowedTools()

	inScope := true
	if len(allowed) > 0 {
		inScope = false
		for _, t := range allowed {
			if t == req.Tool {
				inScope = true
				break
			}
		}
	}

	rec := LayerRecord{Layer: 3, Name: "scope-enforcer", Outcome: "pass"}
	if !inScope {
		rec.Outcome = "block"
		rec.Risk = scopeRisk
		rec.Matched = []string{"scope-violation"}
		rec.Detail = fmt.Sprintf("tool %q not in allowed_tools (%d entries)", req.Tool, len(allowed))
	}
	rec.DurationMs = msSince(start)
	d.ExecutionTrace = append(d.ExecutionTrace, rec)

	if !inScope {
		d.Decision = store.DecisionBlock
		d.RiskScore = scopeRisk
		d.PolicyIDs = []string{"scope-violation"}
		d.Explanation = fmt.Sprintf("tool %q is outside the agent's allowed scope", req.Tool)
		return true
	}
	return false
}

// --- layer 4: policy engine ---

func (e *Evaluator) runPolicyEngine(req *Request, d *Decision) {
	start := time.Now()
	in := policy.NewMatchInput(req.Tool, req.Args, req.Context)
	matched, maxSeverity, action, err := e.registry.Evaluate(in)

	rec := LayerRecord{Layer: 4, Name: "policy-engine", Outcome: "pass"}
	if err != nil {
		// Policy load failure must not crash the evaluation; the
		// remaining layers still run.
		e.logger.Error("policy load failed during evaluation", "error", err)
		rec.Detail = "policy load failed: " + err.Error()
		rec.DurationMs = msSince(start)
		d.ExecutionTrace = append(d.ExecutionTrace, rec)
		return
	}

	ids := make([]string, 0, len(matched))
	for _, p := range matched {
		ids = append(ids, p.ID)
	}

	if len(matched) > 0 {
		rec.Matched = ids
		rec.Risk = maxSeverity
		rec.Detail = fmt.Sprintf("matched %d policies", len(matched))
		switch action {
		case store.DecisionBlock:
			rec.Outcome = "block"
		case store.DecisionReview:
			rec.Outcome = "review"
		}
	}
	rec.DurationMs = msSince(start)
	d.ExecutionTrace = append(d.ExecutionTrace, rec)

	d.PolicyIDs = append(d.PolicyIDs, ids...)
	if maxSeverity > d.RiskScore {
		d.RiskScore = maxSeverity
	}
	switch action {
	case store.DecisionBlock:
		d.Decision = store.DecisionBlock
		d.Explanation = fmt.Sprintf("blocked by policy: %s", strings.Join(ids, ", "))
	case store.DecisionReview:
		if d.Decision != store.DecisionBlock {
			d.Decision = store.DecisionReview
			d.Explanation = fmt.Sprintf("flagged for review by policy: %s", strings.Join(ids, ", "))
		}
	}
}

// --- layer 5: neuro risk + chain analysis ---

func (e *Evaluator) runNeuroChain(req *Request, d *Decision) {
	start := time.Now()

	history, err := e.sessions.History(req.AgentID(), req.SessionID())
	if err != nil {
		// History is advisory: log and continue with an empty window.
		e.logger.Warn("failed to load session history", "agent_id", req.AgentID(), "error", err)
		history = nil
	}
	d.SessionDepth = len(history)

	neural := neuro.Estimate(req.Tool, req.Args, req.Context)

	var chainResult *chain.Result
	if len(history) > 0 {
		chainResult = e.chains.Analyze(history)
	}
	if chainResult != nil {
		neural += chainResult.Boost
		if neural > 100 {
			neural = 100
		}
		d.ChainPattern = chainResult.Name
	}

	rec := LayerRecord{Layer: 5, Name: "neuro-chain", Outcome: "pass", Risk: neural}
	if chainResult != nil {
		rec.Matched = []string{chainResult.Name}
		rec.Detail = chainResult.Evidence
	} else {
		rec.Detail = fmt.Sprintf("neural risk %d, no chain pattern", neural)
	}

	if neural > d.RiskScore {
		d.RiskScore = neural
	}

	// A chain can promote allow to review; this layer never blocks.
	if chainResult != nil && d.RiskScore >= chainReviewThreshold && d.Decision == store.DecisionAllow {
		d.Decision = store.DecisionReview
		d.Explanation = fmt.Sprintf("behavioural chain %q raised risk to %d", chainResult.Name, d.RiskScore)
		rec.Outcome = "review"
	} else if chainResult != nil && d.Explanation == "" {
		d.Explanation = fmt.Sprintf("behavioural chain %q observed (risk %d)", chainResult.Name, d.RiskScore)
	}

	rec.DurationMs = msSince(start)
	d.ExecutionTrace = append(d.ExecutionTrace, rec)
}

func msSince(start time.Time) float64 {
	return float64(time.Since(start).Microseconds()) / 1000.0
}
