// Package audit formats the machine-readable hints that end up in the
// audit_log.error_hint column. Hints are bounded and never carry secrets.
package audit

import (
	"fmt"
	"regexp"
	"strings"
)

// MaxHintLen is the column bound for error_hint.
const MaxHintLen = 255

var hexKeyPattern = regexp.MustCompile(`0x[0-9a-fA-F]{64}`)

// Redact replaces anything that looks like a hex private key.
func Redact(s string) string {
	return hexKeyPattern.ReplaceAllString(s, "0x<redacted>")
}

// Hint sanitizes and bounds a free-form error string for storage.
func Hint(s string) string {
	s = Redact(strings.TrimSpace(s))
	if len(s) > MaxHintLen {
		s = s[:MaxHintLen]
	}
	return s
}

// BlockedHint renders a spend-gate rejection as "br=<reason>;<detail>".
// The br= prefix is the contract consumed by operators and tests.
func BlockedHint(reason, detail string) string {
	if detail == "" {
		return Hint(fmt.Sprintf("br=%s;", reason))
	}
	return Hint(fmt.Sprintf("br=%s;%s", reason, detail))
}

// ValidationHint renders a request-shape failure as "validation:<field>".
func ValidationHint(field string) string {
	return Hint("validation:" + field)
}
