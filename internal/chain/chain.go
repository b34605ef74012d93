// Package chain inspects an agent's recent session history for multi-step
// behavioural patterns — attack chains that no single-action policy can
// see. Patterns are ordered by boost; the strongest matching pattern wins.
package chain

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/opencontrolgate/opencontrolgate/internal/session"
	"github.com/opencontrolgate/opencontrolgate/internal/store"
)

// Pattern is one named behavioural predicate over session history.
type Pattern struct {
	Name        string
	Description string
	Boost       int
	MinActions  int
	Match       func(history []session.Entry) bool
}

// Result reports the winning pattern for a history window.
type Result struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Boost       int    `json:"boost"`
	Evidence    string `json:"evidence"`
}

// Analyzer holds the fixed pattern catalogue, sorted by descending boost.
type Analyzer struct {
	patterns []Pattern
	logger   *slog.Logger
}

// NewAnalyzer creates an Analyzer with the canonical pattern catalogue.
func NewAnalyzer(logger *slog.Logger) *Analyzer {
	if logger == nil {
		logger = slog.Default()
	}
	patterns := catalogue()
	sort.SliceStable(patterns, func(i, j int) bool {
		return patterns[i].Boost > patterns[j].Boost
	})
	return &Analyzer{
		patterns: patterns,
		logger:   logger.With("component", "chain.Analyzer"),
	}
}

// Analyze evaluates patterns in descending boost order and returns the
// first match, or nil when nothing fires. A panicking pattern is treated
// as a non-match; one malformed pattern must never take down an
// evaluation.
func (a *Analyzer) Analyze(history []session.Entry) *Result {
	if len(history) == 0 {
		return nil
	}

	for _, p := range a.patterns {
		if len(history) < p.MinActions {
			continue
		}
		if a.safeMatch(p, history) {
			return &Result{
				Name:        p.Name,
				Description: p.Description,
				Boost:       p.Boost,
				Evidence:    evidence(history),
			}
		}
	}
	return nil
}

func (a *Analyzer) safeMatch(p Pattern, history []session.Entry) (matched bool) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Warn("chain pattern panicked, treating as non-match",
				"pattern", p.Name, "panic", fmt.Sprint(r))
			matched = false
		}
	}()
	return p.Match(history)
}

// evidence summarises the match: the last five tools and the session depth.
func evidence(history []session.Entry) string {
	start := len(history) - 5
	if start < 0 {
		start = 0
	}
	tools := make([]string, 0, 5)
	for _, e := range history[start:] {
		tools = append(tools, e.Tool)
	}
	return fmt.Sprintf("recent tools: %s; session depth: %d",
		strings.Join(tools, " -> "), len(history))
}

// --- tool classes shared by patterns ---

var (
	browseTools = toolSet("http_request", "browser_open", "web_search", "fetch_url")
	exfilTools  = toolSet("messaging_send", "email_send", "send_message", "post_message", "upload_file")
	readTools   = toolSet("file_read", "read_file", "read_contract", "db_query")
	writeTools  = toolSet("file_write", "write_file", "db_write")
	execTools   = toolSet("shell", "exec", "run_code")
	credTools   = toolSet("credentials_read", "secrets_get", "vault_read", "keychain_read")
)

func toolSet(names ...string) map[string]bool {
	m := make(map[string]bool, len(names))
	for _, n := range names {
		m[n] = true
	}
	return m
}

func touchesCredentials(e session.Entry) bool {
	if credTools[e.Tool] {
		return true
	}
	args := strings.ToLower(e.Args)
	for _, kw := range []string{"credential", "secret", "password", "private key", "api key", "access token"} {
		if strings.Contains(args, kw) {
			return true
		}
	}
	return false
}

func hasPolicyID(e session.Entry, id string) bool {
	for _, p := range e.PolicyIDs {
		if p == id {
			return true
		}
	}
	return false
}

// indexAfter returns the first index >= from whose entry satisfies pred,
// or -1.
func indexAfter(history []session.Entry, from int, pred func(session.Entry) bool) int {
	for i := from; i < len(history); i++ {
		if pred(history[i]) {
			return i
		}
	}
	return -1
}

// catalogue returns the canonical patterns. Boosts are fixed; tuning them
// is a policy decision, not a config knob.
func catalogue() []Pattern {
	return []Pattern{
		{
			Name:        "privilege-chain",
			Description: "read access, then credential access, then privileged execution",
			Boost:       65,
			MinActions:  3,
			Match: func(h []session.Entry) bool {
				read := indexAfter(h, 0, func(e session.Entry) bool { return readTools[e.Tool] || browseTools[e.Tool] })
				if read < 0 {
					return false
				}
				cred := indexAfter(h, read+1, touchesCredentials)
				if cred < 0 {
					return false
				}
				return indexAfter(h, cred+1, func(e session.Entry) bool { return execTools[e.Tool] }) >= 0
			},
		},
		{
			Name:        "repeated-scope-probing",
			Description: "repeated attempts to call tools outside the allowed scope",
			Boost:       60,
			MinActions:  3,
			Match: func(h []session.Entry) bool {
				probes := 0
				for _, e := range h {
					if hasPolicyID(e, "scope-violation") {
						probes++
					}
				}
				return probes >= 3
			},
		},
		{
			Name:        "credential-then-http",
			Description: "credential access followed by outbound network activity",
			Boost:       55,
			MinActions:  2,
			Match: func(h []session.Entry) bool {
				cred := indexAfter(h, 0, touchesCredentials)
				if cred < 0 {
					return false
				}
				return indexAfter(h, cred+1, func(e session.Entry) bool {
					return e.Tool == "http_request" || e.Tool == "browser_open"
				}) >= 0
			},
		},
		{
			Name:        "verification-evasion",
			Description: "repeating actions that were flagged for review without awaiting resolution",
			Boost:       55,
			MinActions:  3,
			Match: func(h []session.Entry) bool {
				reviewed := make(map[string]int)
				for _, e := range h {
					if e.Decision == store.DecisionReview {
						reviewed[e.Tool]++
					}
				}
				for _, n := range reviewed {
					if n >= 2 {
						return true
					}
				}
				return false
			},
		},
		{
			Name:        "escalating-risk",
			Description: "risk scores climbing monotonically across consecutive actions",
			Boost:       50,
			MinActions:  3,
			Match: func(h []session.Entry) bool {
				tail := h
				if len(tail) > 5 {
					tail = tail[len(tail)-5:]
				}
				for i := 1; i < len(tail); i++ {
					if tail[i].RiskScore < tail[i-1].RiskScore {
						return false
					}
				}
				climb := tail[len(tail)-1].RiskScore - tail[0].RiskScore
				return climb >= 20 && tail[len(tail)-1].RiskScore >= 50
			},
		},
		{
			Name:        "high-block-rate",
			Description: "half or more of recent actions were blocked",
			Boost:       50,
			MinActions:  4,
			Match: func(h []session.Entry) bool {
				blocks := 0
				for _, e := range h {
					if e.Decision == store.DecisionBlock {
						blocks++
					}
				}
				return blocks*2 >= len(h)
			},
		},
		{
			Name:        "read-write-exec",
			Description: "file read, then file write, then code execution",
			Boost:       45,
			MinActions:  3,
			Match: func(h []session.Entry) bool {
				read := indexAfter(h, 0, func(e session.Entry) bool { return readTools[e.Tool] })
				if read < 0 {
					return false
				}
				write := indexAfter(h, read+1, func(e session.Entry) bool { return writeTools[e.Tool] })
				if write < 0 {
					return false
				}
				return indexAfter(h, write+1, func(e session.Entry) bool { return execTools[e.Tool] }) >= 0
			},
		},
		{
			Name:        "argument-mutation",
			Description: "same tool retried with mutated arguments after rejection",
			Boost:       45,
			MinActions:  3,
			Match: func(h []session.Entry) bool {
				byTool := make(map[string][]session.Entry)
				for _, e := range h {
					byTool[e.Tool] = append(byTool[e.Tool], e)
				}
				for _, entries := range byTool {
					if len(entries) < 3 {
						continue
					}
					variants := make(map[string]bool)
					rejected := false
					for _, e := range entries {
						variants[e.Args] = true
						if e.Decision != store.DecisionAllow {
							rejected = true
						}
					}
					if len(variants) >= 2 && rejected {
						return true
					}
				}
				return false
			},
		},
		{
			Name:        "block-bypass-retry",
			Description: "retrying a tool after it was blocked",
			Boost:       40,
			MinActions:  2,
			Match: func(h []session.Entry) bool {
				blocked := indexAfter(h, 0, func(e session.Entry) bool { return e.Decision == store.DecisionBlock })
				if blocked < 0 {
					return false
				}
				tool := h[blocked].Tool
				return indexAfter(h, blocked+1, func(e session.Entry) bool { return e.Tool == tool }) >= 0
			},
		},
		{
			Name:        "browse-then-exfil",
			Description: "browsing or fetching content followed by an outbound send",
			Boost:       35,
			MinActions:  2,
			Match: func(h []session.Entry) bool {
				browse := indexAfter(h, 0, func(e session.Entry) bool { return browseTools[e.Tool] })
				if browse < 0 {
					return false
				}
				return indexAfter(h, browse+1, func(e session.Entry) bool { return exfilTools[e.Tool] }) >= 0
			},
		},
		{
			Name:        "rapid-tool-switching",
			Description: "many distinct tools exercised in a very short window",
			Boost:       30,
			MinActions:  5,
			Match: func(h []session.Entry) bool {
				tail := h[len(h)-5:]
				span := tail[len(tail)-1].Timestamp.Sub(tail[0].Timestamp)
				if span > time.Minute {
					return false
				}
				distinct := make(map[string]bool)
				for _, e := range tail {
					distinct[e.Tool] = true
				}
				return len(distinct) >= 4
			},
		},
	}
}
