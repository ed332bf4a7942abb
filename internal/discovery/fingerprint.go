package discovery

import (
	"fmt"
	"strings"
)

// BuildFingerprint encodes an element's structural position as
// tag[.primaryClass]@contextTag.ordinal, e.g. "button.btn-primary@form.2".
// The fingerprint survives attribute churn that breaks brittle selectors
// and is cheap to recompute for comparison after a re-render.
func BuildFingerprint(tag, primaryClass, contextTag string, ordinal int) string {
	tag = normalizeToken(tag)
	if tag == "" {
		tag = "node"
	}
	var b strings.Builder
	b.WriteString(tag)
	if pc := normalizeToken(primaryClass); pc != "" {
		b.WriteByte('.')
		b.WriteString(pc)
	}
	b.WriteByte('@')
	if ct := normalizeToken(contextTag); ct != "" {
		b.WriteString(ct)
	} else {
		b.WriteString("body")
	}
	fmt.Fprintf(&b, ".%d", ordinal)
	return b.String()
}

func normalizeToken(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	// Class attributes can carry framework noise; keep the first token only.
	if i := strings.IndexAny(s, " \t\n"); i >= 0 {
		s = s[:i]
	}
	return s
}
