package chain

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeHint_Classification(t *testing.T) {
	cases := []struct {
		err    error
		prefix string
	}{
		{ErrRPCNotConfigured, "rpc_not_configured:"},
		{fmt.Errorf("dial rpc: %w", ErrRPCNotConfigured), "rpc_not_configured:"},
		{ErrSignerRequired, "signer_key_required:"},
		{context.DeadlineExceeded, "timeout:"},
		{errors.New("invalid_private_key: odd length"), "invalid_private_key:"},
		{errors.New("insufficient funds for gas * price + value"), "insufficient_funds:"},
		{errors.New("nonce too low"), "nonce_too_low:"},
		{errors.New("replacement transaction underpriced"), "replacement_underpriced:"},
		{errors.New("execution reverted: Distribution exists"), "execution_reverted:"},
		{errors.New("Post \"http://rpc\": context deadline exceeded"), "timeout:"},
		{errors.New("read tcp: i/o timeout"), "timeout:"},
		{errors.New("connection refused"), "rpc_error:"},
	}
	for _, tc := range cases {
		hint := NormalizeHint(tc.err)
		assert.True(t, strings.HasPrefix(hint, tc.prefix), "err=%v hint=%q want prefix %q", tc.err, hint, tc.prefix)
	}
}

func TestRetryable(t *testing.T) {
	for _, err := range []error{
		context.DeadlineExceeded,
		errors.New("connection refused"),
		errors.New("nonce too low"),
		errors.New("replacement transaction underpriced"),
		errors.New("read tcp: i/o timeout"),
	} {
		assert.True(t, Retryable(err), "err=%v", err)
	}

	// Configuration errors, reverts and funding shortfalls stay terminal.
	for _, err := range []error{
		ErrRPCNotConfigured,
		ErrSignerRequired,
		errors.New("invalid_private_key: odd length"),
		errors.New("insufficient funds for gas * price + value"),
		errors.New("execution reverted: Distribution exists"),
	} {
		assert.False(t, Retryable(err), "err=%v", err)
	}
}

func TestNormalizeHint_NilAndRedaction(t *testing.T) {
	assert.Equal(t, "", NormalizeHint(nil))

	key := "0x" + strings.Repeat("ef", 32)
	hint := NormalizeHint(errors.New("sign with " + key + " failed"))
	assert.NotContains(t, hint, "efef")
	assert.Contains(t, hint, "0x<redacted>")
	assert.LessOrEqual(t, len(hint), 255)
}
