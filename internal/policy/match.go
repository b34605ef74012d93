package policy

import (
	"strings"

	"github.com/opencontrolgate/opencontrolgate/internal/payload"
)

// MatchInput carries the pieces of a request the predicates inspect. Flat
// is the lower-cased flattened payload (tool + args + context, without
// normalisation); it is computed once per evaluation and shared across
// policies.
type MatchInput struct {
	Tool    string
	Args    map[string]interface{}
	Context map[string]interface{}
	Flat    string
}

// NewMatchInput flattens the request once for predicate scanning.
func NewMatchInput(tool string, args, context map[string]interface{}) MatchInput {
	return MatchInput{
		Tool:    tool,
		Args:    args,
		Context: context,
		Flat:    strings.ToLower(payload.Flatten(tool, args, context)),
	}
}

// Matches reports whether the policy fires for the request. Present
// predicates are ANDed; a policy with none matches every request. Predicate
// evaluation never fails: a regex that does not compile, or a condition
// that errors, is a non-match.
func (p *Policy) Matches(in MatchInput, regexes *RegexCache, cel *CELEvaluator) bool {
	if p.Tool != "" && p.Tool != in.Tool {
		return false
	}

	if p.URLRegex != "" {
		if in.Tool != "http_request" {
			return false
		}
		url, _ := in.Args["url"].(string)
		re, ok := regexes.Get(p.URLRegex)
		if !ok || !re.MatchString(url) {
			return false
		}
	}

	if p.ArgsRegex != "" {
		re, ok := regexes.Get(p.ArgsRegex)
		if !ok || !re.MatchString(in.Flat) {
			return false
		}
	}

	if p.Condition != "" {
		if cel == nil || !cel.Evaluate(p.Condition, in.Tool, in.Args, in.Context) {
			return false
		}
	}

	return true
}
