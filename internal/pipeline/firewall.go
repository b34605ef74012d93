package pipeline

import "regexp"

// injectionPattern is one named firewall predicate, compiled at init.
type injectionPattern struct {
	name string
	re   *regexp.Regexp
}

// The firewall catalogue is fixed. Patterns run against the NFKC-normalised,
// whitespace-collapsed, lower-cased payload, so they only need to handle
// single-space separators — but the classic `\s+` forms are kept so the
// catalogue also works on raw text.
var injectionPatterns = compilePatterns([]struct{ name, pattern string }{
	{"ignore-previous", `ignore\s+previous\s+instructions`},
	{"override-rules", `override\s+all\s+prior\s+rules`},
	{"disable-safety", `disable\s+safety`},
	{"jailbreak", `jailbreak`},
	{"dan", `do\s+anything\s+now`},
	{"developer-mode", `developer[_\s]mode`},
	{"rm-rf-root", `rm\s+-rf\s+/`},
	{"format-c", `format\s+c:`},
	{"drop-database", `drop\s+database`},
	{"xp-cmdshell", `exec\s+xp_cmdshell`},
	{"base64-decode", `base64_decode\s*\(`},
	{"ignore-all-rules", `ignore\s+all\s+rules`},
	{"you-are-now-in", `you\s+are\s+now\s+in`},
	{"pretend-you-are", `pretend\s+you\s+are`},
	{"no-restrictions", `act\s+as\s+if\s+you\s+have\s+no\s+restrictions`},
	{"forget-instructions", `forget\s+(all\s+)?instructions`},
	{"system-prompt-override", `system\s*prompt\s*override`},
	{"sudo-rm", `\bsudo\b.*\brm\b`},
	{"eval-call", `eval\s*\(`},
	{"os-system", `os\.system\s*\(`},
})

func compilePatterns(raw []struct{ name, pattern string }) []injectionPattern {
	out := make([]injectionPattern, 0, len(raw))
	for _, r := range raw {
		out = append(out, injectionPattern{name: r.name, re: regexp.MustCompile(`(?i)` + r.pattern)})
	}
	return out
}

// MatchInjection returns the name of the first matching pattern, or "".
// The verification engine reuses it to scan tool output.
func MatchInjection(normalized string) string {
	for _, p := range injectionPatterns {
		if p.re.MatchString(normalized) {
			return p.name
		}
	}
	return ""
}
