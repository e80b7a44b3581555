package marketing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentdao/backoffice/internal/config"
	"github.com/agentdao/backoffice/internal/policy"
	"github.com/agentdao/backoffice/internal/store"
)

// stubGate returns a canned gate decision.
type stubGate struct {
	d policy.Decision
}

func (g stubGate) CheckPlatformOutflow(context.Context) (policy.Decision, error) {
	return g.d, nil
}

func svc(bps int64) *Service {
	return New(nil, &config.Config{MarketingFeeBps: bps}, stubGate{d: policy.Decision{Allowed: true}})
}

func TestFeeFor(t *testing.T) {
	s := svc(250) // 2.5%

	assert.Equal(t, int64(25_000), s.FeeFor(1_000_000))
	assert.Equal(t, int64(0), s.FeeFor(39), "fee floors to zero below 1/bps")
	assert.Equal(t, int64(1), s.FeeFor(40))
	assert.Equal(t, int64(0), s.FeeFor(0))

	// Zero bps accrues nothing.
	assert.Equal(t, int64(0), svc(0).FeeFor(1_000_000))
}

func TestFeeFor_Floors(t *testing.T) {
	s := svc(333)
	assert.Equal(t, int64(333), s.FeeFor(10_001))
	assert.Equal(t, int64(333), s.FeeFor(10_000))
	assert.Equal(t, int64(332), s.FeeFor(9_999))
}

func TestAccrueFromTransfers_DisabledFee(t *testing.T) {
	// Zero bps short-circuits before any store or tx access.
	n, err := svc(0).AccrueFromTransfers(context.Background(), nil,
		[]store.ObservedTransfer{{TxHash: "0xabc", AmountMicroUSDC: 1_000_000}})
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestDepositKey(t *testing.T) {
	assert.Equal(t, "deposit_marketing_fee:500:200", DepositKey(500, 200))

	// The key embeds both totals: a replay with unchanged books reuses the
	// task, while a new accrual produces a distinct key.
	assert.Equal(t, DepositKey(500, 200), DepositKey(500, 200))
	assert.NotEqual(t, DepositKey(500, 200), DepositKey(600, 200))
	assert.NotEqual(t, DepositKey(500, 200), DepositKey(500, 300))
}

func TestSettlementDeposit_RequiresTreasury(t *testing.T) {
	s := New(nil, &config.Config{MarketingFeeBps: 250}, stubGate{d: policy.Decision{Allowed: true}})
	_, err := s.SettlementDeposit(context.Background())
	assert.Error(t, err)
}

func TestSettlementDeposit_GateDenied(t *testing.T) {
	// The deposit is a platform outflow; a denied gate must short-circuit
	// before any sums or outbox writes (the nil store would panic otherwise).
	s := New(nil, &config.Config{MarketingFeeBps: 250, MarketingTreasury: "0xmkt"},
		stubGate{d: policy.Decision{Reason: "platform_not_reconciled"}})

	result, err := s.SettlementDeposit(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusBlocked, result.Status)
	assert.Equal(t, "platform_not_reconciled", result.BlockedReason)
	assert.Nil(t, result.Task)
}
