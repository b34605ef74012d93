// Package session serves the recent per-agent action history that feeds
// chain analysis and drift baselining. History is sandboxed by agent
// identity and, when supplied, session identity: an agent can never
// observe another agent's actions, and a session-scoped read can never
// observe another session's.
package session

import (
	"log/slog"
	"strings"
	"time"

	"github.com/opencontrolgate/opencontrolgate/internal/store"
)

const (
	// DefaultWindow is the sliding time window for history reads.
	DefaultWindow = 60 * time.Minute
	// DefaultLimit caps the number of entries returned.
	DefaultLimit = 50
)

// Entry is one historical action as seen by chain analysis.
type Entry struct {
	Tool      string         `json:"tool"`
	Decision  store.Decision `json:"decision"`
	PolicyIDs []string       `json:"policy_ids,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	SessionID string         `json:"session_id,omitempty"`
	RiskScore int            `json:"risk_score"`
	Args      string         `json:"-"`
}

// Store reads sandboxed history windows from the audit log.
type Store struct {
	store  store.Store
	window time.Duration
	limit  int
	logger *slog.Logger
}

// NewStore creates a history reader. Zero window/limit use the defaults
// (60 minutes, 50 entries).
func NewStore(st store.Store, window time.Duration, limit int, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	if window <= 0 {
		window = DefaultWindow
	}
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &Store{
		store:  st,
		window: window,
		limit:  limit,
		logger: logger.With("component", "session.Store"),
	}
}

// History returns the agent's recent actions ordered oldest to newest.
// An empty agentID yields the empty list; a non-empty sessionID further
// narrows the read to that session.
func (s *Store) History(agentID, sessionID string) ([]Entry, error) {
	if agentID == "" {
		return nil, nil
	}

	records, err := s.store.AgentActions(agentID, sessionID, time.Now().Add(-s.window), s.limit)
	if err != nil {
		return nil, err
	}

	// Store returns newest first; chain analysis wants oldest first.
	entries := make([]Entry, 0, len(records))
	for i := len(records) - 1; i >= 0; i-- {
		r := records[i]
		entries = append(entries, Entry{
			Tool:      r.Tool,
			Decision:  r.Decision,
			PolicyIDs: splitPolicyIDs(r.PolicyIDs),
			Timestamp: r.CreatedAt,
			SessionID: r.SessionID,
			RiskScore: r.RiskScore,
			Args:      string(r.Args),
		})
	}
	return entries, nil
}

func splitPolicyIDs(joined string) []string {
	if joined == "" {
		return nil
	}
	parts := strings.Split(joined, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
