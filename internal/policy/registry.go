package policy

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/opencontrolgate/opencontrolgate/internal/store"
)

const defaultCacheTTL = 10 * time.Second

// Registry serves the active policy set to the evaluation pipeline. It
// merges base (declarative, config-shipped) policies with dynamic policies
// from the store, caches the merged set for a bounded TTL, and is
// invalidated by every administrative mutation and by config hot reload.
type Registry struct {
	store   store.Store
	ttl     time.Duration
	regexes *RegexCache
	cel     *CELEvaluator
	logger  *slog.Logger

	mu       sync.RWMutex
	base     []*Policy
	cached   []*Policy
	loadedAt time.Time
}

// NewRegistry creates a Registry over the given store. A ttl of zero uses
// the default 10 seconds.
func NewRegistry(st store.Store, ttl time.Duration, logger *slog.Logger) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	cel, err := NewCELEvaluator()
	if err != nil {
		return nil, err
	}
	return &Registry{
		store:   st,
		ttl:     ttl,
		regexes: NewRegexCache(0),
		cel:     cel,
		logger:  logger.With("component", "policy.Registry"),
	}, nil
}

// SetBasePolicies replaces the declarative base set (called at startup and
// on config hot reload) and invalidates the cache. Base policies that fail
// validation are skipped with a warning rather than aborting the load.
func (r *Registry) SetBasePolicies(base []*Policy) {
	kept := make([]*Policy, 0, len(base))
	for _, p := range base {
		if err := p.Validate(r.cel); err != nil {
			r.logger.Warn("skipping invalid base policy", "policy_id", p.ID, "error", err)
			continue
		}
		kept = append(kept, p)
	}

	r.mu.Lock()
	r.base = kept
	r.cached = nil
	r.loadedAt = time.Time{}
	r.mu.Unlock()

	r.logger.Info("base policies loaded", "count", len(kept))
}

// LoadActive returns the active policy set, serving from cache within the
// TTL. Archived policies never appear.
func (r *Registry) LoadActive() ([]*Policy, error) {
	r.mu.RLock()
	if r.cached != nil && time.Since(r.loadedAt) < r.ttl {
		cached := r.cached
		r.mu.RUnlock()
		return cached, nil
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()

	// Another loader may have refreshed while we waited for the lock.
	if r.cached != nil && time.Since(r.loadedAt) < r.ttl {
		return r.cached, nil
	}

	records, err := r.store.ActivePolicies()
	if err != nil {
		return nil, fmt.Errorf("failed to load active policies: %w", err)
	}

	merged := make([]*Policy, 0, len(r.base)+len(records))
	merged = append(merged, r.base...)
	for _, rec := range records {
		merged = append(merged, FromRecord(rec))
	}

	// Pre-compile conditions outside the hot path; failures are logged
	// once and the predicate simply never matches.
	for _, p := range merged {
		if p.Condition == "" {
			continue
		}
		if _, err := r.cel.Compile(p.Condition); err != nil {
			r.logger.Warn("policy condition does not compile, treating as non-match",
				"policy_id", p.ID, "error", err)
		}
	}

	r.cached = merged
	r.loadedAt = time.Now()
	return merged, nil
}

// Invalidate drops the cached set. Called after every policy mutation.
func (r *Registry) Invalidate() {
	r.mu.Lock()
	r.cached = nil
	r.loadedAt = time.Time{}
	r.mu.Unlock()
}

// Regexes exposes the shared regex cache for predicate matching.
func (r *Registry) Regexes() *RegexCache { return r.regexes }

// CEL exposes the shared condition evaluator.
func (r *Registry) CEL() *CELEvaluator { return r.cel }

// Evaluate runs the request against every active policy and aggregates the
// layer-4 outcome: matched ids in traversal order, maximum severity, and
// the strongest action (block > review > allow).
func (r *Registry) Evaluate(in MatchInput) (matched []*Policy, maxSeverity int, action store.Decision, err error) {
	policies, err := r.LoadActive()
	if err != nil {
		return nil, 0, store.DecisionAllow, err
	}

	action = store.DecisionAllow
	for _, p := range policies {
		if !p.Matches(in, r.regexes, r.cel) {
			continue
		}
		matched = append(matched, p)
		if p.Severity > maxSeverity {
			maxSeverity = p.Severity
		}
		switch p.Action {
		case store.DecisionBlock:
			action = store.DecisionBlock
		case store.DecisionReview:
			if action != store.DecisionBlock {
				action = store.DecisionReview
			}
		}
	}
	return matched, maxSeverity, action, nil
}
