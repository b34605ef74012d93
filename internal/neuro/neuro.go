// Package neuro scores a request 0-100 with a fast heuristic estimator:
// tool-class baselines, recipient cardinality, and keyword hits over the
// flattened payload. It is deliberately cheap — it runs on every
// evaluation, after the deterministic layers.
package neuro

import (
	"strings"

	"github.com/opencontrolgate/opencontrolgate/internal/payload"
)

// Tool-class baselines.
var (
	highRiskTools = map[string]bool{
		"shell":    true,
		"exec":     true,
		"run_code": true,
	}
	mediumRiskTools = map[string]bool{
		"http_request": true,
		"browser_open": true,
		"file_write":   true,
	}
)

// feeGatedPrefix marks tools that bill per invocation; their blast radius
// warrants a high baseline.
const feeGatedPrefix = "surge_"

// riskKeywords scanned against the flattened lower-case payload.
var riskKeywords = []string{
	"delete", "destroy", "wipe", "format", "shutdown", "privileged", "root",
	"sudo", "credential", "api key", "secret", "password", "private key",
	"access token",
}

// Estimate returns the heuristic risk for a request: the maximum of the
// tool-class baseline, the recipient-cardinality tier and the keyword-hit
// tier, clamped to [0,100].
func Estimate(tool string, args, context map[string]interface{}) int {
	score := toolBaseline(tool)

	if s := recipientScore(args); s > score {
		score = s
	}
	if s := keywordScore(tool, args, context); s > score {
		score = s
	}

	if score > 100 {
		score = 100
	}
	if score < 0 {
		score = 0
	}
	return score
}

func toolBaseline(tool string) int {
	switch {
	case strings.HasPrefix(tool, feeGatedPrefix):
		return 70
	case highRiskTools[tool]:
		return 40
	case mediumRiskTools[tool]:
		return 20
	default:
		return 0
	}
}

// recipientScore tiers by total recipient cardinality across the usual
// addressing fields. Mass sends are the cheapest exfiltration channel.
func recipientScore(args map[string]interface{}) int {
	total := 0
	for _, field := range []string{"to", "cc", "bcc", "recipients"} {
		total += cardinality(args[field])
	}
	switch {
	case total >= 50:
		return 80
	case total >= 10:
		return 60
	default:
		return 0
	}
}

func cardinality(v interface{}) int {
	switch t := v.(type) {
	case nil:
		return 0
	case string:
		if t == "" {
			return 0
		}
		return len(strings.Split(t, ","))
	case []interface{}:
		return len(t)
	case []string:
		return len(t)
	default:
		return 1
	}
}

func keywordScore(tool string, args, context map[string]interface{}) int {
	flat := strings.ToLower(payload.Flatten(tool, args, context))
	hits := 0
	for _, kw := range riskKeywords {
		if strings.Contains(flat, kw) {
			hits++
		}
	}
	switch {
	case hits >= 3:
		return 80
	case hits >= 1:
		return 60
	default:
		return 0
	}
}
