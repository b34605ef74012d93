// Package store provides durable persistence for OpenControlGate: the
// append-only audit log of evaluated actions, dynamic policies with their
// immutable version history, agent trace spans, receipts, wallets,
// escalation events, verification logs and the small keyed runtime state
// (including the kill switch).
package store

import "time"

// Store defines the interface for persistence backends.
type Store interface {
	// Initialize creates tables and indexes.
	Initialize() error

	// Close cleanly shuts down the store.
	Close() error

	// Actions (append-only audit log)
	InsertAction(a *ActionRecord) error
	GetAction(id string) (*ActionRecord, error)
	ListActions(filter ActionFilter) ([]*ActionRecord, error)
	RecentActions(limit int) ([]*ActionRecord, error)
	AgentActions(agentID, sessionID string, since time.Time, limit int) ([]*ActionRecord, error)
	AgentActionsInRange(agentID string, from, to time.Time) ([]*ActionRecord, error)

	// Policies
	InsertPolicy(p *PolicyRecord) error
	UpdatePolicy(p *PolicyRecord) error
	GetPolicy(policyID string) (*PolicyRecord, error)
	ListPolicies(includeArchived bool) ([]*PolicyRecord, error)
	ActivePolicies() ([]*PolicyRecord, error)
	InsertPolicyVersion(v *PolicyVersion) error
	GetPolicyVersion(policyID string, version int) (*PolicyVersion, error)
	ListPolicyVersions(policyID string) ([]*PolicyVersion, error)
	MaxPolicyVersion(policyID string) (int, error)
	InsertPolicyAudit(e *PolicyAuditEntry) error
	ListPolicyAudit(policyID string) ([]*PolicyAuditEntry, error)

	// Trace spans. InsertSpans is idempotent per span_id and reports how
	// many rows were inserted vs. silently skipped.
	InsertSpans(spans []*Span) (inserted, skipped int, err error)
	GetSpan(spanID string) (*Span, error)
	ListSpans(traceID string) ([]*Span, error)
	DeleteTrace(traceID string) (int64, error)

	// Verification logs
	InsertVerification(v *VerificationRecord) error
	ListVerifications(actionID string) ([]*VerificationRecord, error)

	// Escalations
	InsertEscalation(e *EscalationEvent) error
	GetEscalation(id string) (*EscalationEvent, error)
	ListEscalations(status string, limit int) ([]*EscalationEvent, error)
	ResolveEscalation(id, status, resolvedBy, note string) error

	// Receipts
	InsertReceipt(r *Receipt) error
	GetReceipt(receiptID string) (*Receipt, error)
	ListReceipts(agentID string, limit int) ([]*Receipt, error)

	// Wallets. DebitWallet and CreditWallet serialise the read-modify-write
	// inside one transaction.
	CreateWallet(w *Wallet) error
	GetWallet(walletID string) (*Wallet, error)
	ListWallets() ([]*Wallet, error)
	DebitWallet(walletID, amount string) error
	CreditWallet(walletID, amount string) error

	// Notification channels
	UpsertChannel(c *Channel) error
	ListActiveChannels() ([]*Channel, error)
	RecordChannelResult(id string, ok bool) error

	// Runtime state (keyed strings; kill_switch lives here)
	GetState(key string) (string, bool, error)
	SetState(key, value string) error
}
