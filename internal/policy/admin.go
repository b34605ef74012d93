package policy

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/oklog/ulid/v2"

	"github.com/opencontrolgate/opencontrolgate/internal/store"
)

// Admin is the guarded mutation surface for dynamic policies. Every write
// produces exactly one immutable version snapshot and one audit-trail
// entry, then invalidates the registry cache. Validation failures surface
// before any persisted change.
type Admin struct {
	store    store.Store
	registry *Registry
	logger   *slog.Logger
}

// NewAdmin creates the policy mutation service.
func NewAdmin(st store.Store, registry *Registry, logger *slog.Logger) *Admin {
	if logger == nil {
		logger = slog.Default()
	}
	return &Admin{
		store:    st,
		registry: registry,
		logger:   logger.With("component", "policy.Admin"),
	}
}

// Create persists a new dynamic policy at version 1. Duplicate ids are a
// conflict.
func (a *Admin) Create(p *Policy, actor, note string) (*Policy, error) {
	if err := p.Validate(a.registry.CEL()); err != nil {
		return nil, err
	}

	p.Version = 1
	p.IsActive = true
	rec := p.ToRecord()
	rec.CreatedAt = now()
	rec.UpdatedAt = rec.CreatedAt

	if err := a.store.InsertPolicy(rec); err != nil {
		return nil, err
	}
	a.snapshot(p, actor, note, "create")
	a.registry.Invalidate()

	a.logger.Info("policy created", "policy_id", p.ID, "actor", actor)
	return p, nil
}

// Update replaces a policy's content, bumping its version.
func (a *Admin) Update(p *Policy, actor, note string) (*Policy, error) {
	if err := p.Validate(a.registry.CEL()); err != nil {
		return nil, err
	}

	existing, err := a.store.GetPolicy(p.ID)
	if err != nil {
		return nil, err
	}

	p.Version = existing.Version + 1
	p.IsActive = existing.IsActive
	rec := p.ToRecord()
	rec.CreatedAt = existing.CreatedAt
	rec.UpdatedAt = now()

	if err := a.store.UpdatePolicy(rec); err != nil {
		return nil, err
	}
	a.snapshot(p, actor, note, "update")
	a.registry.Invalidate()

	a.logger.Info("policy updated", "policy_id", p.ID, "version", p.Version, "actor", actor)
	return p, nil
}

// Archive deactivates a policy. Archived policies never participate in
// evaluation but keep their full version history.
func (a *Admin) Archive(policyID, actor, note string) error {
	existing, err := a.store.GetPolicy(policyID)
	if err != nil {
		return err
	}

	p := FromRecord(existing)
	p.IsActive = false
	p.Version = existing.Version + 1
	rec := p.ToRecord()
	rec.CreatedAt = existing.CreatedAt
	rec.UpdatedAt = now()

	if err := a.store.UpdatePolicy(rec); err != nil {
		return err
	}
	a.snapshot(p, actor, note, "archive")
	a.registry.Invalidate()

	a.logger.Info("policy archived", "policy_id", policyID, "actor", actor)
	return nil
}

// Restore re-applies the content of an earlier version as a new version.
// The new version is strictly greater than every prior one; history is
// never rewritten.
func (a *Admin) Restore(policyID string, version int, actor string) (*Policy, error) {
	snap, err := a.store.GetPolicyVersion(policyID, version)
	if err != nil {
		return nil, err
	}
	existing, err := a.store.GetPolicy(policyID)
	if err != nil {
		return nil, err
	}

	var p Policy
	if err := json.Unmarshal(snap.Content, &p); err != nil {
		return nil, fmt.Errorf("corrupt snapshot for %s@%d: %w", policyID, version, err)
	}

	maxVersion, err := a.store.MaxPolicyVersion(policyID)
	if err != nil {
		return nil, err
	}
	if maxVersion < existing.Version {
		maxVersion = existing.Version
	}

	p.ID = policyID
	p.Version = maxVersion + 1
	rec := p.ToRecord()
	rec.CreatedAt = existing.CreatedAt
	rec.UpdatedAt = now()

	if err := a.store.UpdatePolicy(rec); err != nil {
		return nil, err
	}
	a.snapshot(&p, actor, fmt.Sprintf("restored from version %d", version), "restore")
	a.registry.Invalidate()

	a.logger.Info("policy restored", "policy_id", policyID, "from_version", version, "new_version", p.Version)
	return &p, nil
}

// snapshot writes the immutable version row and the audit entry for one
// mutation. Failures here are logged, not propagated: the policy row is
// already committed and the caller's mutation must not be reported as
// failed.
func (a *Admin) snapshot(p *Policy, actor, note, operation string) {
	ts := now()
	if err := a.store.InsertPolicyVersion(&store.PolicyVersion{
		PolicyID:  p.ID,
		Version:   p.Version,
		Content:   p.Snapshot(),
		Actor:     actor,
		Note:      note,
		CreatedAt: ts,
	}); err != nil {
		a.logger.Error("failed to snapshot policy version", "policy_id", p.ID, "error", err)
	}
	if err := a.store.InsertPolicyAudit(&store.PolicyAuditEntry{
		ID:        ulid.Make().String(),
		PolicyID:  p.ID,
		Operation: operation,
		Actor:     actor,
		Note:      note,
		Version:   p.Version,
		CreatedAt: ts,
	}); err != nil {
		a.logger.Error("failed to write policy audit entry", "policy_id", p.ID, "error", err)
	}
}
