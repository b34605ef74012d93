package verify

import "regexp"

// namedPattern is one entry of a scan catalogue.
type namedPattern struct {
	name string
	re   *regexp.Regexp
}

func compileCatalogue(raw []struct{ name, pattern string }) []namedPattern {
	out := make([]namedPattern, 0, len(raw))
	for _, r := range raw {
		out = append(out, namedPattern{name: r.name, re: regexp.MustCompile(r.pattern)})
	}
	return out
}

// secretPatterns is the credential-leak catalogue. Patterns run against the
// raw flattened result, not the lower-cased form, because most token
// formats are case-sensitive.
var secretPatterns = compileCatalogue([]struct{ name, pattern string }{
	{"aws-access-key", `\b(?:AKIA|ABIA|ACCA|ASIA)[A-Z0-9]{16}\b`},
	{"github-pat", `\bghp_[A-Za-z0-9]{36,}\b`},
	{"github-oauth", `\bgho_[A-Za-z0-9]{36,}\b`},
	{"gitlab-pat", `\bglpat-[A-Za-z0-9\-_]{20,}\b`},
	{"openai-key", `\bsk-[A-Za-z0-9\-_]{32,}\b`},
	{"slack-token", `\bxox[bpsa]-[A-Za-z0-9\-]{10,}\b`},
	{"pem-private-key", `-----BEGIN (?:RSA |EC |OPENSSH |DSA |PGP )?PRIVATE KEY`},
	{"jwt-token", `\beyJ[A-Za-z0-9_-]{10,}\.[A-Za-z0-9_-]{10,}\.[A-Za-z0-9_-]{10,}\b`},
	{"bearer-token", `(?i)\bbearer\s+[A-Za-z0-9\-._~+/]{20,}=*`},
	{"credential-assignment", `(?i)\b(?:password|passwd|secret|api[_-]?key|access[_-]?token|private[_-]?key)\s*[:=]\s*['"]?[^\s'"]{8,}`},
	{"base64-blob", `\b[A-Za-z0-9+/]{64,}={0,2}\b`},
})

// destructivePatterns catch evidence that a tool's output describes damage
// already done.
var destructivePatterns = compileCatalogue([]struct{ name, pattern string }{
	{"mass-deletion", `(?i)\b(?:deleted|removed|removing)\s+\d{3,}\s+(?:files|rows|records|objects)\b`},
	{"schema-destruction", `(?i)\b(?:dropped|truncated)\s+(?:table|database|schema|collection)\b`},
	{"disk-format", `(?i)\b(?:formatted|wiping|erased)\s+(?:disk|drive|volume|partition)\b`},
	{"permission-escalation", `(?i)\bchmod\s+(?:-r\s+)?0?777\b`},
	{"ownership-escalation", `(?i)\bchown\s+(?:-r\s+)?root\b`},
	{"security-disabling", `(?i)\b(?:disabled|stopped)\s+(?:firewall|selinux|apparmor|antivirus|auditd)\b`},
	{"process-termination", `(?i)\bkill(?:ed)?\s+-9\s+(?:1\b|-1\b)`},
})

// pathRe flags result references to sensitive system paths: /etc, /proc,
// /sys, /boot, /root, /var/log.
var pathRe = regexp.MustCompile(`(?:/(?:etc|proc|sys|boot|root|var/log)/[^\s'"]*)`)

// scanCatalogue returns the names of every matching pattern in order.
func scanCatalogue(catalogue []namedPattern, text string) []string {
	var hits []string
	for _, p := range catalogue {
		if p.re.MatchString(text) {
			hits = append(hits, p.name)
		}
	}
	return hits
}
