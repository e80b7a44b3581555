package audit

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRedact_HexPrivateKey(t *testing.T) {
	key := "0x" + strings.Repeat("ab", 32)
	assert.Equal(t, "send failed for 0x<redacted> nonce=3",
		Redact("send failed for "+key+" nonce=3"))

	// Addresses (20 bytes) and tx hashes without 0x are left alone.
	addr := "0x" + strings.Repeat("ab", 20)
	assert.Equal(t, addr, Redact(addr))
	assert.Equal(t, strings.Repeat("ab", 32), Redact(strings.Repeat("ab", 32)))
}

func TestHint_Bounds(t *testing.T) {
	long := strings.Repeat("x", 1000)
	assert.Len(t, Hint(long), MaxHintLen)

	assert.Equal(t, "trimmed", Hint("  trimmed  "))
	assert.Equal(t, "", Hint("   "))
}

func TestHint_RedactsBeforeTruncating(t *testing.T) {
	// A key near the end of a long string must still be redacted, not
	// sliced in half by the length bound.
	key := "0x" + strings.Repeat("cd", 32)
	s := strings.Repeat("y", 240) + " " + key
	out := Hint(s)
	assert.NotContains(t, out, "cdcd")
	assert.LessOrEqual(t, len(out), MaxHintLen)
}

func TestBlockedHint(t *testing.T) {
	assert.Equal(t, "br=insufficient_project_capital;bounty=b1",
		BlockedHint("insufficient_project_capital", "bounty=b1"))
	assert.Equal(t, "br=project_not_reconciled;", BlockedHint("project_not_reconciled", ""))
}

func TestValidationHint(t *testing.T) {
	assert.Equal(t, "validation:profit_month_id", ValidationHint("profit_month_id"))
}
