// Package governor orchestrates the full evaluation and verification
// flows: admission gating, the five-layer pipeline, audit persistence,
// event publication, receipts, trace linking and escalation.
package governor

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/opencontrolgate/opencontrolgate/internal/bus"
	"github.com/opencontrolgate/opencontrolgate/internal/escalation"
	"github.com/opencontrolgate/opencontrolgate/internal/ledger"
	"github.com/opencontrolgate/opencontrolgate/internal/pipeline"
	"github.com/opencontrolgate/opencontrolgate/internal/store"
	"github.com/opencontrolgate/opencontrolgate/internal/trace"
	"github.com/opencontrolgate/opencontrolgate/internal/verify"
)

// Evaluation is the response to one evaluate call.
type Evaluation struct {
	ActionID string `json:"action_id"`
	pipeline.Decision
	Receipt *store.Receipt `json:"receipt,omitempty"`
}

// Verification is the response to one verify call.
type Verification struct {
	ID           string               `json:"id"`
	ActionID     string               `json:"action_id"`
	Verdict      string               `json:"verdict"`
	RiskDelta    int                  `json:"risk_delta"`
	Findings     []verify.Finding     `json:"findings"`
	DriftScore   float64              `json:"drift_score"`
	DriftSignals []verify.DriftSignal `json:"drift_signals,omitempty"`
	Escalated    bool                 `json:"escalated"`
	EscalationID string               `json:"escalation_id,omitempty"`
}

// Governor wires the subsystems behind the two public operations.
type Governor struct {
	store      store.Store
	evaluator  *pipeline.Evaluator
	verifier   *verify.Engine
	ledger     *ledger.Ledger
	escalation *escalation.Engine
	bus        *bus.Bus
	linker     *trace.Linker
	logger     *slog.Logger
}

// New assembles a Governor.
func New(
	st store.Store,
	evaluator *pipeline.Evaluator,
	verifier *verify.Engine,
	lg *ledger.Ledger,
	esc *escalation.Engine,
	b *bus.Bus,
	linker *trace.Linker,
	logger *slog.Logger,
) *Governor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Governor{
		store:      st,
		evaluator:  evaluator,
		verifier:   verifier,
		ledger:     lg,
		escalation: esc,
		bus:        b,
		linker:     linker,
		logger:     logger.With("component", "governor"),
	}
}

// Evaluate runs the full decision flow for one intended tool invocation.
// A refused admission (payment required) returns before anything is
// recorded: no audit entry, no receipt, no event, no escalation.
func (g *Governor) Evaluate(req *pipeline.Request) (*Evaluation, error) {
	start := time.Now().UTC()

	if err := g.ledger.Gate(req.AgentID()); err != nil {
		return nil, err
	}

	d := g.evaluator.Evaluate(req)

	actionID := "act_" + ulid.Make().String()
	rec := g.buildActionRecord(actionID, start, req, d)
	if err := g.store.InsertAction(rec); err != nil {
		return nil, fmt.Errorf("failed to persist audit entry: %w", err)
	}

	g.bus.Publish(bus.EventActionEvaluated, eventPayload(req, d, actionID))

	receipt, err := g.ledger.ChargeAndReceipt(req.Tool, d.Decision, d.RiskScore, d.PolicyIDs, d.ChainPattern, req.AgentID())
	if err != nil {
		// The decision stands even when receipting fails.
		g.logger.Error("failed to produce receipt", "action_id", actionID, "error", err)
		receipt = nil
	}

	g.linker.LinkEvaluation(req.TraceID(), req.SpanID(), req.Tool, map[string]interface{}{
		"action_id":     actionID,
		"decision":      string(d.Decision),
		"risk_score":    d.RiskScore,
		"policy_ids":    d.PolicyIDs,
		"chain_pattern": d.ChainPattern,
	}, start)

	out := g.escalation.AfterEvaluation(actionID, req.AgentID(), req.Tool, d.Decision, d.RiskScore, d.ChainPattern)
	d.EscalationID = out.EscalationID
	d.EscalationSeverity = out.Severity
	d.AutoKSTriggered = out.AutoKSTriggered

	g.logger.Info("action evaluated",
		"action_id", actionID,
		"tool", req.Tool,
		"decision", d.Decision,
		"risk_score", d.RiskScore,
		"agent_id", req.AgentID(),
		"chain_pattern", d.ChainPattern,
	)

	return &Evaluation{ActionID: actionID, Decision: *d, Receipt: receipt}, nil
}

// Verify runs the post-execution checks against a previously evaluated
// action. An unknown action id returns store.ErrNotFound.
func (g *Governor) Verify(req *verify.Request) (*Verification, error) {
	start := time.Now().UTC()

	original, err := g.store.GetAction(req.ActionID)
	if err != nil {
		return nil, err
	}
	if req.Tool == "" {
		req.Tool = original.Tool
	}

	report := g.verifier.Verify(original, req)

	v := &Verification{
		ID:           "ver_" + ulid.Make().String(),
		ActionID:     req.ActionID,
		Verdict:      report.Verdict,
		RiskDelta:    report.RiskDelta,
		Findings:     report.Findings,
		DriftScore:   report.DriftScore,
		DriftSignals: report.DriftSignals,
	}

	if report.Verdict == verify.VerdictViolation {
		if id := g.escalation.EscalateVerification(req.ActionID, original.AgentID, req.Tool, report.RiskDelta); id != "" {
			v.Escalated = true
			v.EscalationID = id
		}
	}

	if err := g.store.InsertVerification(g.buildVerificationRecord(v, original, req)); err != nil {
		return nil, fmt.Errorf("failed to persist verification: %w", err)
	}

	g.bus.Publish(bus.EventActionVerified, map[string]interface{}{
		"action_id":  req.ActionID,
		"tool":       req.Tool,
		"verdict":    report.Verdict,
		"risk_delta": report.RiskDelta,
		"agent_id":   original.AgentID,
		"session_id": original.SessionID,
		"escalated":  v.Escalated,
		"timestamp":  start.Format(time.RFC3339),
	})

	g.linker.LinkVerification(original.TraceID, "", req.Tool, report.Verdict, map[string]interface{}{
		"action_id":   req.ActionID,
		"verdict":     report.Verdict,
		"risk_delta":  report.RiskDelta,
		"drift_score": report.DriftScore,
	}, start)

	if v.Escalated {
		g.escalation.Dispatch(bus.EventActionVerified, map[string]interface{}{
			"action_id":  req.ActionID,
			"agent_id":   original.AgentID,
			"tool":       req.Tool,
			"verdict":    report.Verdict,
			"risk_delta": report.RiskDelta,
			"severity":   store.SeverityHigh,
		})
	}

	g.logger.Info("action verified",
		"action_id", req.ActionID,
		"verdict", report.Verdict,
		"risk_delta", report.RiskDelta,
		"drift_score", report.DriftScore,
	)

	return v, nil
}

func (g *Governor) buildActionRecord(actionID string, at time.Time, req *pipeline.Request, d *pipeline.Decision) *store.ActionRecord {
	return &store.ActionRecord{
		ID:             actionID,
		CreatedAt:      at,
		Tool:           req.Tool,
		Args:           marshalLoose(req.Args, g.logger),
		Context:        marshalLoose(req.Context, g.logger),
		AgentID:        req.AgentID(),
		SessionID:      req.SessionID(),
		UserID:         req.UserID(),
		Channel:        req.Channel(),
		TraceID:        req.TraceID(),
		ConversationID: req.ConversationID(),
		TurnID:         req.TurnID(),
		Decision:       d.Decision,
		RiskScore:      d.RiskScore,
		Explanation:    d.Explanation,
		PolicyIDs:      strings.Join(d.PolicyIDs, ","),
		ChainPattern:   d.ChainPattern,
		ExecutionTrace: marshalLoose(d.ExecutionTrace, g.logger),
	}
}

func (g *Governor) buildVerificationRecord(v *Verification, original *store.ActionRecord, req *verify.Request) *store.VerificationRecord {
	return &store.VerificationRecord{
		ID:           v.ID,
		ActionID:     v.ActionID,
		Tool:         req.Tool,
		AgentID:      original.AgentID,
		SessionID:    original.SessionID,
		Result:       marshalLoose(req.Result, g.logger),
		Verdict:      v.Verdict,
		RiskDelta:    v.RiskDelta,
		Findings:     marshalLoose(v.Findings, g.logger),
		DriftScore:   v.DriftScore,
		DriftSignals: marshalLoose(v.DriftSignals, g.logger),
		Escalated:    v.Escalated,
		EscalationID: v.EscalationID,
		CreatedAt:    time.Now().UTC(),
	}
}

func eventPayload(req *pipeline.Request, d *pipeline.Decision, actionID string) map[string]interface{} {
	return map[string]interface{}{
		"action_id":     actionID,
		"tool":          req.Tool,
		"decision":      string(d.Decision),
		"risk_score":    d.RiskScore,
		"explanation":   d.Explanation,
		"policy_ids":    d.PolicyIDs,
		"agent_id":      req.AgentID(),
		"session_id":    req.SessionID(),
		"user_id":       req.UserID(),
		"channel":       req.Channel(),
		"chain_pattern": d.ChainPattern,
		"timestamp":     time.Now().UTC().Format(time.RFC3339),
	}
}

func marshalLoose(v interface{}, logger *slog.Logger) json.RawMessage {
	if v == nil {
		return nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		logger.Warn("failed to marshal payload fragment", "error", err)
		return nil
	}
	return raw
}
