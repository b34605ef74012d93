package store

import (
	"encoding/json"
	"time"
)

// Decision is the outcome of an evaluation.
type Decision string

const (
	DecisionAllow  Decision = "allow"
	DecisionReview Decision = "review"
	DecisionBlock  Decision = "block"
)

// ActionRecord is one append-only audit entry for an evaluated action.
type ActionRecord struct {
	ID             string          `json:"id" db:"id"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
	Tool           string          `json:"tool" db:"tool"`
	Args           json.RawMessage `json:"args,omitempty" db:"args"`
	Context        json.RawMessage `json:"context,omitempty" db:"context"`
	AgentID        string          `json:"agent_id,omitempty" db:"agent_id"`
	SessionID      string          `json:"session_id,omitempty" db:"session_id"`
	UserID         string          `json:"user_id,omitempty" db:"user_id"`
	Channel        string          `json:"channel,omitempty" db:"channel"`
	TraceID        string          `json:"trace_id,omitempty" db:"trace_id"`
	ConversationID string          `json:"conversation_id,omitempty" db:"conversation_id"`
	TurnID         string          `json:"turn_id,omitempty" db:"turn_id"`
	Decision       Decision        `json:"decision" db:"decision"`
	RiskScore      int             `json:"risk_score" db:"risk_score"`
	Explanation    string          `json:"explanation" db:"explanation"`
	PolicyIDs      string          `json:"policy_ids" db:"policy_ids"` // comma-joined
	ChainPattern   string          `json:"chain_pattern,omitempty" db:"chain_pattern"`
	ExecutionTrace json.RawMessage `json:"execution_trace,omitempty" db:"execution_trace"`
}

// ActionFilter narrows audit-log queries.
type ActionFilter struct {
	AgentID   string
	SessionID string
	Decision  Decision
	Since     time.Time
	Until     time.Time
	Limit     int
	Offset    int
}

// PolicyRecord is a dynamic policy row. Match fields mirror the predicate
// structure: Tool equality, URLRegex against args.url for http_request, and
// ArgsRegex against the flattened payload. Condition is an optional CEL
// expression over {tool, args, context}.
type PolicyRecord struct {
	PolicyID    string    `json:"policy_id" db:"policy_id"`
	Description string    `json:"description" db:"description"`
	Severity    int       `json:"severity" db:"severity"`
	Tool        string    `json:"tool,omitempty" db:"tool"`
	URLRegex    string    `json:"url_regex,omitempty" db:"url_regex"`
	ArgsRegex   string    `json:"args_regex,omitempty" db:"args_regex"`
	Condition   string    `json:"condition,omitempty" db:"condition"`
	Action      Decision  `json:"action" db:"action"`
	IsActive    bool      `json:"is_active" db:"is_active"`
	Version     int       `json:"version" db:"version"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time `json:"updated_at" db:"updated_at"`
}

// PolicyVersion is an immutable snapshot of a policy at a given version.
type PolicyVersion struct {
	PolicyID  string          `json:"policy_id" db:"policy_id"`
	Version   int             `json:"version" db:"version"`
	Content   json.RawMessage `json:"content" db:"content"`
	Actor     string          `json:"actor,omitempty" db:"actor"`
	Note      string          `json:"note,omitempty" db:"note"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
}

// PolicyAuditEntry records one mutation through the policy admin surface.
type PolicyAuditEntry struct {
	ID        string    `json:"id" db:"id"`
	PolicyID  string    `json:"policy_id" db:"policy_id"`
	Operation string    `json:"operation" db:"operation"` // create, update, archive, restore
	Actor     string    `json:"actor,omitempty" db:"actor"`
	Note      string    `json:"note,omitempty" db:"note"`
	Version   int       `json:"version" db:"version"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// SpanKind categorises trace spans.
type SpanKind string

const (
	SpanAgent      SpanKind = "agent"
	SpanLLM        SpanKind = "llm"
	SpanTool       SpanKind = "tool"
	SpanGovernance SpanKind = "governance"
	SpanRetrieval  SpanKind = "retrieval"
	SpanChain      SpanKind = "chain"
	SpanCustom     SpanKind = "custom"
)

// Span is one node of an agent execution trace. Spans form a forest via
// ParentSpanID and are stored as flat rows keyed by SpanID.
type Span struct {
	SpanID       string          `json:"span_id" db:"span_id"`
	TraceID      string          `json:"trace_id" db:"trace_id"`
	ParentSpanID string          `json:"parent_span_id,omitempty" db:"parent_span_id"`
	Kind         SpanKind        `json:"kind" db:"kind"`
	Name         string          `json:"name" db:"name"`
	Status       string          `json:"status" db:"status"` // ok, error
	StartedAt    time.Time       `json:"started_at" db:"started_at"`
	EndedAt      *time.Time      `json:"ended_at,omitempty" db:"ended_at"`
	DurationMs   int64           `json:"duration_ms" db:"duration_ms"`
	Attributes   json.RawMessage `json:"attributes,omitempty" db:"attributes"`
	Input        json.RawMessage `json:"input,omitempty" db:"input"`
	Output       json.RawMessage `json:"output,omitempty" db:"output"`
	Events       json.RawMessage `json:"events,omitempty" db:"events"`
}

// VerificationRecord is one post-execution verification outcome.
type VerificationRecord struct {
	ID           string          `json:"id" db:"id"`
	ActionID     string          `json:"action_id" db:"action_id"`
	Tool         string          `json:"tool" db:"tool"`
	AgentID      string          `json:"agent_id,omitempty" db:"agent_id"`
	SessionID    string          `json:"session_id,omitempty" db:"session_id"`
	Result       json.RawMessage `json:"result,omitempty" db:"result"`
	Verdict      string          `json:"verdict" db:"verdict"` // compliant, suspicious, violation
	RiskDelta    int             `json:"risk_delta" db:"risk_delta"`
	Findings     json.RawMessage `json:"findings,omitempty" db:"findings"`
	DriftScore   float64         `json:"drift_score" db:"drift_score"`
	DriftSignals json.RawMessage `json:"drift_signals,omitempty" db:"drift_signals"`
	Escalated    bool            `json:"escalated" db:"escalated"`
	EscalationID string          `json:"escalation_id,omitempty" db:"escalation_id"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
}

// Escalation trigger, severity and status enumerations.
const (
	TriggerPolicyBlock     = "policy_block"
	TriggerPolicyReview    = "policy_review"
	TriggerChainEscalation = "chain_escalation"
	TriggerAutoKS          = "auto_ks"
	TriggerManual          = "manual"

	SeverityCritical = "critical"
	SeverityHigh     = "high"
	SeverityMedium   = "medium"
	SeverityLow      = "low"

	EscalationPending      = "pending"
	EscalationApproved     = "approved"
	EscalationRejected     = "rejected"
	EscalationExpired      = "expired"
	EscalationAutoResolved = "auto_resolved"
)

// EscalationEvent is one review-queue item. Once Status leaves pending it
// is terminal.
type EscalationEvent struct {
	ID             string    `json:"id" db:"id"`
	Trigger        string    `json:"trigger" db:"trigger"`
	Severity       string    `json:"severity" db:"severity"`
	Status         string    `json:"status" db:"status"`
	ActionID       string    `json:"action_id,omitempty" db:"action_id"`
	AgentID        string    `json:"agent_id,omitempty" db:"agent_id"`
	Tool           string    `json:"tool,omitempty" db:"tool"`
	Decision       Decision  `json:"decision,omitempty" db:"decision"`
	RiskScore      int       `json:"risk_score" db:"risk_score"`
	Reason         string    `json:"reason,omitempty" db:"reason"`
	ResolvedBy     string    `json:"resolved_by,omitempty" db:"resolved_by"`
	ResolutionNote string    `json:"resolution_note,omitempty" db:"resolution_note"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
	ResolvedAt     *time.Time `json:"resolved_at,omitempty" db:"resolved_at"`
}

// Receipt is an append-only attestation record for one evaluation.
type Receipt struct {
	ReceiptID    string    `json:"receipt_id" db:"receipt_id"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
	Tool         string    `json:"tool" db:"tool"`
	Decision     Decision  `json:"decision" db:"decision"`
	RiskScore    int       `json:"risk_score" db:"risk_score"`
	PolicyIDs    string    `json:"policy_ids" db:"policy_ids"`
	ChainPattern string    `json:"chain_pattern,omitempty" db:"chain_pattern"`
	AgentID      string    `json:"agent_id,omitempty" db:"agent_id"`
	Digest       string    `json:"digest" db:"digest"`
	Fee          string    `json:"fee,omitempty" db:"fee"`
}

// Wallet is a per-agent fee-bearing balance. Amounts are fixed-scale
// decimal strings with 4 fractional digits; never binary floats.
type Wallet struct {
	WalletID      string    `json:"wallet_id" db:"wallet_id"`
	Label         string    `json:"label" db:"label"`
	Balance       string    `json:"balance" db:"balance"`
	TotalDeposited string   `json:"total_deposited" db:"total_deposited"`
	TotalFeesPaid string    `json:"total_fees_paid" db:"total_fees_paid"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time `json:"updated_at" db:"updated_at"`
}

// Channel is a notification channel registration for escalation dispatch.
type Channel struct {
	ID         string     `json:"id" db:"id"`
	Kind       string     `json:"kind" db:"kind"` // slack, webhook, email, jira, whatsapp
	Label      string     `json:"label" db:"label"`
	Target     string     `json:"target" db:"target"` // URL or address, adapter-specific
	Secret     string     `json:"secret,omitempty" db:"secret"`
	Events     string     `json:"events" db:"events"` // comma-joined event types, "*" for all
	IsActive   bool       `json:"is_active" db:"is_active"`
	ErrorCount int        `json:"error_count" db:"error_count"`
	LastSentAt *time.Time `json:"last_sent_at,omitempty" db:"last_sent_at"`
}

// ToolStat is one row of a per-tool aggregate over a time range, used for
// drift baselining.
type ToolStat struct {
	Tool       string
	Count      int
	AvgRisk    float64
	BlockCount int
}
