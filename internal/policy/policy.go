// Package policy implements the governance policy layer: the runtime policy
// model, predicate matching, the TTL-cached registry over base and dynamic
// policies, a bounded regex compilation cache, and the guarded mutation API
// that snapshots every change as an immutable version.
package policy

import (
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/opencontrolgate/opencontrolgate/internal/store"
)

// Policy is the runtime representation of one governance policy. Predicates
// are ANDed; a policy with no predicates matches every request (relied on by
// catch-all review policies).
type Policy struct {
	ID          string         `json:"policy_id"`
	Description string         `json:"description"`
	Severity    int            `json:"severity"`
	Tool        string         `json:"tool,omitempty"`
	URLRegex    string         `json:"url_regex,omitempty"`
	ArgsRegex   string         `json:"args_regex,omitempty"`
	Condition   string         `json:"condition,omitempty"`
	Action      store.Decision `json:"action"`
	IsActive    bool           `json:"is_active"`
	Version     int            `json:"version"`
}

// FromRecord converts a persisted policy row into its runtime form.
func FromRecord(r *store.PolicyRecord) *Policy {
	return &Policy{
		ID:          r.PolicyID,
		Description: r.Description,
		Severity:    r.Severity,
		Tool:        r.Tool,
		URLRegex:    r.URLRegex,
		ArgsRegex:   r.ArgsRegex,
		Condition:   r.Condition,
		Action:      r.Action,
		IsActive:    r.IsActive,
		Version:     r.Version,
	}
}

// ToRecord converts a runtime policy into its persisted form. Timestamps
// are left for the caller to fill.
func (p *Policy) ToRecord() *store.PolicyRecord {
	return &store.PolicyRecord{
		PolicyID:    p.ID,
		Description: p.Description,
		Severity:    p.Severity,
		Tool:        p.Tool,
		URLRegex:    p.URLRegex,
		ArgsRegex:   p.ArgsRegex,
		Condition:   p.Condition,
		Action:      p.Action,
		IsActive:    p.IsActive,
		Version:     p.Version,
	}
}

// Snapshot renders the policy content for an immutable version row.
func (p *Policy) Snapshot() json.RawMessage {
	b, _ := json.Marshal(p)
	return b
}

// ValidationError reports a policy that cannot be persisted. It is surfaced
// before any state change.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid policy %s: %s", e.Field, e.Reason)
}

// Validate checks that the policy is storable: action is a known decision,
// severity is in range, and every regex compiles. Match-time compile
// failures are tolerated (treated as non-match); write-time failures are
// not.
func (p *Policy) Validate(cel *CELEvaluator) error {
	if p.ID == "" {
		return &ValidationError{Field: "policy_id", Reason: "must not be empty"}
	}
	switch p.Action {
	case store.DecisionAllow, store.DecisionReview, store.DecisionBlock:
	default:
		return &ValidationError{Field: "action", Reason: fmt.Sprintf("unknown action %q", p.Action)}
	}
	if p.Severity < 0 || p.Severity > 100 {
		return &ValidationError{Field: "severity", Reason: "must be in [0,100]"}
	}
	if p.URLRegex != "" {
		if _, err := regexp.Compile(p.URLRegex); err != nil {
			return &ValidationError{Field: "url_regex", Reason: err.Error()}
		}
	}
	if p.ArgsRegex != "" {
		if _, err := regexp.Compile(p.ArgsRegex); err != nil {
			return &ValidationError{Field: "args_regex", Reason: err.Error()}
		}
	}
	if p.Condition != "" && cel != nil {
		if _, err := cel.Compile(p.Condition); err != nil {
			return &ValidationError{Field: "condition", Reason: err.Error()}
		}
	}
	return nil
}

// now is swappable for tests.
var now = func() time.Time { return time.Now().UTC() }
