// Package verify runs post-execution checks against the result an agent
// reports for a previously evaluated action: credential leaks, destructive
// output, scope compliance, diff anomalies, intent alignment, output
// injection, an independent policy re-evaluation, and cross-session drift.
package verify

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/opencontrolgate/opencontrolgate/internal/payload"
	"github.com/opencontrolgate/opencontrolgate/internal/pipeline"
	"github.com/opencontrolgate/opencontrolgate/internal/policy"
	"github.com/opencontrolgate/opencontrolgate/internal/store"
)

// Check outcomes.
const (
	ResultPass = "pass"
	ResultWarn = "warn"
	ResultFail = "fail"
)

// Verdicts.
const (
	VerdictCompliant  = "compliant"
	VerdictSuspicious = "suspicious"
	VerdictViolation  = "violation"
)

// Risk contributions per non-pass finding.
const (
	riskCredentialLeak   = 40
	riskDestructive      = 35
	riskScopeFail        = 30
	riskScopeWarn        = 15
	riskDiffAnomaly      = 10
	riskIntentFail       = 50
	riskIntentWarn       = 20
	riskIntentErrorWarn  = 5
	riskOutputInjection  = 30
	riskReverifyFail     = 40
	riskReverifyWarn     = 15
	riskDriftFail        = 35
	riskDriftWarn        = 20
)

// Drift verdict thresholds.
const (
	driftFailThreshold = 0.85
	driftWarnThreshold = 0.70
)

// Finding is one check outcome.
type Finding struct {
	Check            string  `json:"check"`
	Result           string  `json:"result"`
	Detail           string  `json:"detail,omitempty"`
	RiskContribution int     `json:"risk_contribution"`
	DurationMs       float64 `json:"duration_ms"`
}

// Request is one verification submission.
type Request struct {
	ActionID     string                 `json:"action_id"`
	Tool         string                 `json:"tool"`
	Result       map[string]interface{} `json:"result,omitempty"`
	AllowedTools []string               `json:"allowed_tools,omitempty"`
	OriginalArgs map[string]interface{} `json:"original_args,omitempty"`
	Context      map[string]interface{} `json:"context,omitempty"`
}

// Report is the aggregate verification outcome.
type Report struct {
	Verdict      string        `json:"verdict"`
	RiskDelta    int           `json:"risk_delta"`
	Findings     []Finding     `json:"findings"`
	DriftScore   float64       `json:"drift_score"`
	DriftSignals []DriftSignal `json:"drift_signals,omitempty"`
}

// Engine runs the eight verification checks.
type Engine struct {
	registry *policy.Registry
	drift    *DriftDetector
	logger   *slog.Logger
}

// NewEngine creates a verification engine sharing the pipeline's policy
// registry for the independent re-evaluation check.
func NewEngine(registry *policy.Registry, drift *DriftDetector, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		registry: registry,
		drift:    drift,
		logger:   logger.With("component", "verify.Engine"),
	}
}

// Verify runs every check against the submitted result and the original
// audit entry. Checks are independent; one check's outcome never gates
// another.
func (e *Engine) Verify(original *store.ActionRecord, req *Request) *Report {
	flatRaw := payload.Flatten(req.Result)
	flatNorm := payload.Normalize(flatRaw)

	report := &Report{}
	report.add(e.checkCredentialLeak(flatRaw))
	report.add(e.checkDestructiveOutput(flatRaw))
	report.add(e.checkScopeCompliance(req, flatRaw))
	report.add(e.checkDiffSize(req))
	report.add(e.checkIntentAlignment(original, req))
	report.add(e.checkOutputInjection(flatNorm))
	report.add(e.checkReverification(req))
	report.add(e.checkDrift(original, req, report))

	report.Verdict = VerdictCompliant
	delta := 0
	for _, f := range report.Findings {
		switch f.Result {
		case ResultFail:
			report.Verdict = VerdictViolation
			delta += f.RiskContribution
		case ResultWarn:
			if report.Verdict != VerdictViolation {
				report.Verdict = VerdictSuspicious
			}
			delta += f.RiskContribution
		}
	}
	if delta > 100 {
		delta = 100
	}
	report.RiskDelta = delta
	return report
}

func (r *Report) add(f Finding) {
	r.Findings = append(r.Findings, f)
}

func timed(check string, fn func(f *Finding)) Finding {
	start := time.Now()
	f := Finding{Check: check, Result: ResultPass}
	fn(&f)
	f.DurationMs = float64(time.Since(start).Microseconds()) / 1000.0
	return f
}

func (e *Engine) checkCredentialLeak(flat string) Finding {
	return timed("credential-leak", func(f *Finding) {
		if hits := scanCatalogue(secretPatterns, flat); len(hits) > 0 {
			f.Result = ResultFail
			f.RiskContribution = riskCredentialLeak
			f.Detail = "secret material in result: " + strings.Join(hits, ", ")
		}
	})
}

func (e *Engine) checkDestructiveOutput(flat string) Finding {
	return timed("destructive-output", func(f *Finding) {
		if hits := scanCatalogue(destructivePatterns, flat); len(hits) > 0 {
			f.Result = ResultFail
			f.RiskContribution = riskDestructive
			f.Detail = "result shows destructive activity: " + strings.Join(hits, ", ")
		}
	})
}

// checkScopeCompliance fails when the tool has left the allowed set, and
// warns when the result references sensitive paths the original request
// never mentioned.
func (e *Engine) checkScopeCompliance(req *Request, flat string) Finding {
	return timed("scope-compliance", func(f *Finding) {
		if len(req.AllowedTools) > 0 {
			inScope := false
			for _, t := range req.AllowedTools {
				if t == req.Tool {
					inScope = true
					break
				}
			}
			if !inScope {
				f.Result = ResultFail
				f.RiskContribution = riskScopeFail
				f.Detail = fmt.Sprintf("tool %q no longer in allowed_tools", req.Tool)
				return
			}
		}

		originalFlat := payload.Flatten(req.OriginalArgs)
		var novel []string
		for _, p := range pathRe.FindAllString(flat, -1) {
			if !strings.Contains(originalFlat, p) {
				novel = append(novel, p)
			}
		}
		if len(novel) > 0 {
			f.Result = ResultWarn
			f.RiskContribution = riskScopeWarn
			f.Detail = "result references sensitive paths absent from request: " + strings.Join(dedupe(novel), ", ")
		}
	})
}

func (e *Engine) checkDiffSize(req *Request) Finding {
	return timed("diff-size", func(f *Finding) {
		if diff, ok := req.Result["diff"].(string); ok {
			if lines := strings.Count(diff, "\n") + 1; lines > 500 {
				f.Result = ResultWarn
				f.RiskContribution = riskDiffAnomaly
				f.Detail = fmt.Sprintf("diff spans %d lines", lines)
				return
			}
		}
		if out, ok := req.Result["output"].(string); ok && len(out) > 100000 {
			f.Result = ResultWarn
			f.RiskContribution = riskDiffAnomaly
			f.Detail = fmt.Sprintf("output is %d bytes", len(out))
		}
	})
}

// checkIntentAlignment compares the submitted result against the original
// decision: a result for a blocked action is itself a violation, a result
// for a review decision a possible bypass.
func (e *Engine) checkIntentAlignment(original *store.ActionRecord, req *Request) Finding {
	return timed("intent-alignment", func(f *Finding) {
		switch original.Decision {
		case store.DecisionBlock:
			f.Result = ResultFail
			f.RiskContribution = riskIntentFail
			f.Detail = "result submitted for a blocked action"
		case store.DecisionReview:
			f.Result = ResultWarn
			f.RiskContribution = riskIntentWarn
			f.Detail = "result submitted while decision was pending review"
		default:
			if original.RiskScore < 30 && resultHasError(req.Result) {
				f.Result = ResultWarn
				f.RiskContribution = riskIntentErrorWarn
				f.Detail = "low-risk action produced an error result"
			}
		}
	})
}

func (e *Engine) checkOutputInjection(flatNorm string) Finding {
	return timed("output-injection", func(f *Finding) {
		if name := pipeline.MatchInjection(flatNorm); name != "" {
			f.Result = ResultFail
			f.RiskContribution = riskOutputInjection
			f.Detail = "injection pattern in tool output: " + name
		}
	})
}

// checkReverification re-runs the policy engine over a synthetic request
// carrying the result as args.
func (e *Engine) checkReverification(req *Request) Finding {
	return timed("re-verification", func(f *Finding) {
		in := policy.NewMatchInput(req.Tool, req.Result, req.Context)
		matched, maxSeverity, _, err := e.registry.Evaluate(in)
		if err != nil {
			e.logger.Error("re-verification policy load failed", "error", err)
			f.Detail = "policy load failed, check skipped"
			return
		}
		if len(matched) == 0 {
			return
		}
		ids := make([]string, 0, len(matched))
		for _, p := range matched {
			ids = append(ids, p.ID)
		}
		if maxSeverity >= 80 {
			f.Result = ResultFail
			f.RiskContribution = riskReverifyFail
		} else {
			f.Result = ResultWarn
			f.RiskContribution = riskReverifyWarn
		}
		f.Detail = fmt.Sprintf("result re-matched policies (max severity %d): %s",
			maxSeverity, strings.Join(ids, ", "))
	})
}

// checkDrift records the drift score and signal breakdown on the report as
// a side effect so the persisted verification log carries them.
func (e *Engine) checkDrift(original *store.ActionRecord, req *Request, report *Report) Finding {
	return timed("cross-session-drift", func(f *Finding) {
		agentID := original.AgentID
		if agentID == "" {
			f.Detail = "no agent id, drift not applicable"
			return
		}
		dr, err := e.drift.Detect(agentID, req.Tool)
		if err != nil {
			e.logger.Error("drift detection failed", "agent_id", agentID, "error", err)
			f.Detail = "drift detection failed, check skipped"
			return
		}
		report.DriftScore = dr.Score
		report.DriftSignals = dr.Signals

		f.Detail = fmt.Sprintf("drift score %.2f", dr.Score)
		switch {
		case dr.Score >= driftFailThreshold:
			f.Result = ResultFail
			f.RiskContribution = riskDriftFail
		case dr.Score >= driftWarnThreshold:
			f.Result = ResultWarn
			f.RiskContribution = riskDriftWarn
		}
	})
}

func resultHasError(result map[string]interface{}) bool {
	if result == nil {
		return false
	}
	if v, ok := result["error"]; ok && v != nil {
		if s, isStr := v.(string); !isStr || s != "" {
			return true
		}
	}
	if s, ok := result["status"].(string); ok && s == "error" {
		return true
	}
	if ok, isBool := result["success"].(bool); isBool && !ok {
		return true
	}
	return false
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := in[:0]
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
