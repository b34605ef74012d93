// Package escalation turns block/review decisions into review-queue items,
// watches the recent audit window for auto-kill-switch conditions, and fans
// governance events out to operator notification channels.
package escalation

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/oklog/ulid/v2"

	"github.com/opencontrolgate/opencontrolgate/internal/bus"
	"github.com/opencontrolgate/opencontrolgate/internal/killswitch"
	"github.com/opencontrolgate/opencontrolgate/internal/store"
)

// Config governs escalation behaviour for one scope. Scopes resolve
// per-agent (`agent:<id>`) over global (`*`) over these hard-coded
// defaults.
type Config struct {
	AutoKSEnabled  bool    `json:"auto_ks_enabled"`
	BlockThreshold int     `json:"block_threshold"`
	RiskThreshold  float64 `json:"risk_threshold"`
	WindowSize     int     `json:"window_size"`
	// Review decisions at or above this risk count toward BlockThreshold
	// in the auto-kill-switch window.
	ReviewRiskThreshold int  `json:"review_risk_threshold"`
	NotifyAll           bool `json:"notify_all"`
}

// DefaultConfig are the hard-coded fallbacks.
func DefaultConfig() Config {
	return Config{
		AutoKSEnabled:       false,
		BlockThreshold:      3,
		RiskThreshold:       82,
		WindowSize:          10,
		ReviewRiskThreshold: 70,
		NotifyAll:           true,
	}
}

// stateKeyPrefix namespaces escalation configs in runtime state.
const stateKeyPrefix = "escalation:"

// Outcome reports what the engine did after one evaluation.
type Outcome struct {
	EscalationID    string
	Severity        string
	AutoKSTriggered bool
	AutoKSReason    string
}

// Engine is the escalation service.
type Engine struct {
	store      store.Store
	bus        *bus.Bus
	killSwitch *killswitch.Switch
	dispatcher *Dispatcher
	logger     *slog.Logger
}

// NewEngine wires the escalation engine.
func NewEngine(st store.Store, b *bus.Bus, ks *killswitch.Switch, dispatcher *Dispatcher, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:      st,
		bus:        b,
		killSwitch: ks,
		dispatcher: dispatcher,
		logger:     logger.With("component", "escalation.Engine"),
	}
}

// ResolveConfig loads the effective config for an agent: per-agent scope
// overrides global, which overrides defaults. Corrupt entries fall back.
func (e *Engine) ResolveConfig(agentID string) Config {
	if agentID != "" {
		if cfg, ok := e.loadConfig("agent:" + agentID); ok {
			return cfg
		}
	}
	if cfg, ok := e.loadConfig("*"); ok {
		return cfg
	}
	return DefaultConfig()
}

func (e *Engine) loadConfig(scope string) (Config, bool) {
	raw, ok, err := e.store.GetState(stateKeyPrefix + scope)
	if err != nil || !ok {
		return Config{}, false
	}
	var cfg Config
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		e.logger.Warn("corrupt escalation config, ignoring", "scope", scope, "error", err)
		return Config{}, false
	}
	return cfg, true
}

// SetConfig persists the config for a scope (`*` or `agent:<id>`).
func (e *Engine) SetConfig(scope string, cfg Config) error {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal escalation config: %w", err)
	}
	return e.store.SetState(stateKeyPrefix+scope, string(raw))
}

// AfterEvaluation runs the post-decision escalation flow: review-queue
// insertion for block/review decisions, the auto-kill-switch window check,
// and notification fan-out. It is called after the audit entry is
// persisted so the window check sees the current action.
func (e *Engine) AfterEvaluation(actionID, agentID, tool string, decision store.Decision, risk int, chainPattern string) Outcome {
	cfg := e.ResolveConfig(agentID)
	var out Outcome

	if decision == store.DecisionBlock || decision == store.DecisionReview {
		trigger := TriggerFor(decision, chainPattern)
		severity := SeverityFor(decision, risk, chainPattern)

		ev := &store.EscalationEvent{
			ID:        "esc_" + ulid.Make().String(),
			Trigger:   trigger,
			Severity:  severity,
			Status:    store.EscalationPending,
			ActionID:  actionID,
			AgentID:   agentID,
			Tool:      tool,
			Decision:  decision,
			RiskScore: risk,
			Reason:    fmt.Sprintf("%s decision at risk %d", decision, risk),
			CreatedAt: nowUTC(),
		}
		if err := e.store.InsertEscalation(ev); err != nil {
			e.logger.Error("failed to insert escalation event", "action_id", actionID, "error", err)
		} else {
			out.EscalationID = ev.ID
			out.Severity = severity
			if cfg.NotifyAll || severity == store.SeverityCritical {
				e.Dispatch(bus.EventActionEvaluated, map[string]interface{}{
					"escalation_id": ev.ID,
					"severity":      severity,
					"agent_id":      agentID,
					"tool":          tool,
					"decision":      string(decision),
					"risk_score":    risk,
					"reason":        ev.Reason,
				})
			}
		}
	}

	if trigger := e.checkAutoKS(cfg, agentID); trigger != "" {
		out.AutoKSTriggered = true
		out.AutoKSReason = trigger
	}

	return out
}

// EscalateVerification creates a pending escalation for a verification
// violation and returns its id.
func (e *Engine) EscalateVerification(actionID, agentID, tool string, riskDelta int) string {
	severity := store.SeverityHigh
	if riskDelta >= 80 {
		severity = store.SeverityCritical
	}
	ev := &store.EscalationEvent{
		ID:        "esc_" + ulid.Make().String(),
		Trigger:   store.TriggerManual,
		Severity:  severity,
		Status:    store.EscalationPending,
		ActionID:  actionID,
		AgentID:   agentID,
		Tool:      tool,
		RiskScore: riskDelta,
		Reason:    "post-execution verification reported a violation",
		CreatedAt: nowUTC(),
	}
	if err := e.store.InsertEscalation(ev); err != nil {
		e.logger.Error("failed to insert verification escalation", "action_id", actionID, "error", err)
		return ""
	}
	return ev.ID
}

// checkAutoKS engages the kill switch when the recent window breaches the
// block-count or mean-risk threshold. It is idempotent: an engaged switch
// is never re-engaged. Returns a human-readable trigger description, or
// "" when nothing fired.
func (e *Engine) checkAutoKS(cfg Config, agentID string) string {
	if !cfg.AutoKSEnabled || e.killSwitch.Engaged() {
		return ""
	}

	window, err := e.store.RecentActions(cfg.WindowSize)
	if err != nil {
		e.logger.Error("auto-ks window query failed", "error", err)
		return ""
	}
	if len(window) == 0 {
		return ""
	}

	blocks := 0
	hotReviews := 0
	riskSum := 0
	for _, a := range window {
		switch {
		case a.Decision == store.DecisionBlock:
			blocks++
		case a.Decision == store.DecisionReview && a.RiskScore >= cfg.ReviewRiskThreshold:
			// High-risk reviews count toward the block threshold.
			hotReviews++
		}
		riskSum += a.RiskScore
	}
	meanRisk := float64(riskSum) / float64(len(window))

	var reason string
	switch {
	case blocks+hotReviews >= cfg.BlockThreshold:
		reason = fmt.Sprintf("%d blocks and %d reviews at risk >= %d in last %d actions (threshold %d)",
			blocks, hotReviews, cfg.ReviewRiskThreshold, len(window), cfg.BlockThreshold)
	case meanRisk >= cfg.RiskThreshold:
		reason = fmt.Sprintf("mean risk %.1f over last %d actions (threshold %.1f)", meanRisk, len(window), cfg.RiskThreshold)
	default:
		return ""
	}

	if err := e.killSwitch.Engage("auto: " + reason); err != nil {
		e.logger.Error("failed to engage auto kill switch", "error", err)
		return ""
	}

	ev := &store.EscalationEvent{
		ID:        "esc_" + ulid.Make().String(),
		Trigger:   store.TriggerAutoKS,
		Severity:  store.SeverityCritical,
		Status:    store.EscalationPending,
		AgentID:   agentID,
		Reason:    reason,
		CreatedAt: nowUTC(),
	}
	if err := e.store.InsertEscalation(ev); err != nil {
		e.logger.Error("failed to record auto-ks escalation", "error", err)
	}

	e.bus.Publish(bus.EventAutoKillSwitch, map[string]interface{}{
		"reason":   reason,
		"agent_id": agentID,
	})
	e.Dispatch(bus.EventAutoKillSwitch, map[string]interface{}{
		"reason":   reason,
		"agent_id": agentID,
		"severity": store.SeverityCritical,
	})

	e.logger.Error("AUTO KILL SWITCH TRIGGERED", "reason", reason)
	return reason
}

// Dispatch fans an event out to the active notification channels whose
// event flags include it. Fan-out runs off the response path and adapter
// failures never propagate.
func (e *Engine) Dispatch(eventType string, payload map[string]interface{}) {
	if e.dispatcher == nil {
		return
	}
	go e.dispatcher.Dispatch(eventType, payload)
}

// TriggerFor maps a decision and chain state onto the escalation trigger.
func TriggerFor(decision store.Decision, chainPattern string) string {
	if chainPattern != "" {
		return store.TriggerChainEscalation
	}
	if decision == store.DecisionBlock {
		return store.TriggerPolicyBlock
	}
	return store.TriggerPolicyReview
}

// SeverityFor computes the escalation severity ladder.
func SeverityFor(decision store.Decision, risk int, chainPattern string) string {
	switch {
	case decision == store.DecisionBlock && risk >= 90:
		return store.SeverityCritical
	case decision == store.DecisionBlock || risk >= 80:
		return store.SeverityHigh
	case chainPattern != "" || risk >= 50:
		return store.SeverityMedium
	default:
		return store.SeverityLow
	}
}
