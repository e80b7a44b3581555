package reconcile

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/agentdao/backoffice/internal/store"
)

func TestBlocked(t *testing.T) {
	report := &store.ReconciliationReport{Scope: store.ScopePlatform, Ready: true}
	out := blocked(report, ReasonDistributorNotConfigured)
	assert.False(t, out.Ready)
	assert.Equal(t, "distributor_not_configured", out.BlockedReason)
}

func TestBlockedReasons_Distinct(t *testing.T) {
	// Operators tell config-missing from RPC-missing by the reason alone:
	// an unset distributor address must not masquerade as an RPC problem.
	reasons := []string{
		ReasonBalanceMismatch,
		ReasonNegativeProfit,
		ReasonRPCNotConfigured,
		ReasonRPCError,
		ReasonTreasuryNotConfigured,
		ReasonRevenueNotConfigured,
		ReasonDistributorNotConfigured,
		ReasonSettlementMissing,
	}
	seen := make(map[string]bool)
	for _, r := range reasons {
		assert.False(t, seen[r], "duplicate reason %q", r)
		seen[r] = true
	}
}
