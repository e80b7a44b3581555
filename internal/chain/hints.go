package chain

import (
	"context"
	"errors"
	"strings"

	"github.com/agentdao/backoffice/internal/audit"
)

// NormalizeHint maps an error from a chain call onto a short machine reason
// plus a redacted detail suitable for audit rows and task error_hint columns.
func NormalizeHint(err error) string {
	if err == nil {
		return ""
	}
	reason := classify(err)
	return audit.Hint(reason + ": " + err.Error())
}

// Retryable reports whether a chain error is transient. RPC transport
// failures, timeouts and nonce races heal on a later attempt; configuration
// errors, reverts and funding shortfalls do not.
func Retryable(err error) bool {
	switch classify(err) {
	case "timeout", "rpc_error", "nonce_too_low", "replacement_underpriced":
		return true
	}
	return false
}

func classify(err error) string {
	switch {
	case errors.Is(err, ErrRPCNotConfigured):
		return "rpc_not_configured"
	case errors.Is(err, ErrSignerRequired):
		return "signer_key_required"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "invalid_private_key"):
		return "invalid_private_key"
	case strings.Contains(msg, "insufficient funds"):
		return "insufficient_funds"
	case strings.Contains(msg, "nonce too low"):
		return "nonce_too_low"
	case strings.Contains(msg, "replacement transaction underpriced"):
		return "replacement_underpriced"
	case strings.Contains(msg, "execution reverted"):
		return "execution_reverted"
	case strings.Contains(msg, "context deadline exceeded"), strings.Contains(msg, "timeout"):
		return "timeout"
	default:
		return "rpc_error"
	}
}
