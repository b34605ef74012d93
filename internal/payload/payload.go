// Package payload flattens free-form request and result structures into
// strings for pattern scanning, and normalises them against homoglyph and
// zero-width obfuscation.
package payload

import (
	"fmt"
	"sort"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// Flatten renders a value tree (maps, slices, scalars) into a single
// space-joined string. Map keys are visited in sorted order so the output
// is deterministic.
func Flatten(values ...interface{}) string {
	var sb strings.Builder
	for _, v := range values {
		flattenInto(&sb, v)
	}
	return strings.TrimSpace(sb.String())
}

func flattenInto(sb *strings.Builder, v interface{}) {
	switch t := v.(type) {
	case nil:
	case string:
		if t != "" {
			sb.WriteString(t)
			sb.WriteByte(' ')
		}
	case map[string]interface{}:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			sb.WriteString(k)
			sb.WriteByte(' ')
			flattenInto(sb, t[k])
		}
	case []interface{}:
		for _, e := range t {
			flattenInto(sb, e)
		}
	case []string:
		for _, e := range t {
			flattenInto(sb, e)
		}
	default:
		sb.WriteString(fmt.Sprint(t))
		sb.WriteByte(' ')
	}
}

// zero-width characters that injection payloads use to split keywords.
var zeroWidth = map[rune]bool{
	'\u200B': true, // zero-width space
	'\u200C': true, // zero-width non-joiner
	'\u200D': true, // zero-width joiner
	'\uFEFF': true, // BOM
}

// Normalize applies NFKC compatibility decomposition, collapses whitespace
// runs (including zero-width characters) to a single ASCII space, and
// lowercases the result. This defeats full-width, zero-width-split and
// mixed-case variants of injection phrases.
func Normalize(s string) string {
	decomposed := norm.NFKC.String(s)

	var sb strings.Builder
	sb.Grow(len(decomposed))
	inSpace := false
	for _, r := range decomposed {
		if unicode.IsSpace(r) || zeroWidth[r] {
			if !inSpace {
				sb.WriteByte(' ')
				inSpace = true
			}
			continue
		}
		inSpace = false
		sb.WriteRune(unicode.ToLower(r))
	}
	return strings.TrimSpace(sb.String())
}
