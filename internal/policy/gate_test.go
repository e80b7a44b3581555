package policy

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentdao/backoffice/internal/config"
	"github.com/agentdao/backoffice/internal/store"
)

func TestCheckScope_AddressMissingFirst(t *testing.T) {
	// The anchor check precedes every store read, so a nil store is safe.
	g := New(nil, &config.Config{})

	for _, scope := range []string{ScopeProjectCapital, ScopeProjectRevenue, ScopePlatform} {
		d, err := g.CheckScope(context.Background(), scope, "proj-1", "")
		require.NoError(t, err)
		assert.False(t, d.Allowed)
		assert.Equal(t, scope+"_address_missing", d.Reason)
	}
}

func TestCheckPlatformOutflow_DistributorMissing(t *testing.T) {
	// Platform outflows anchor on the distributor address; without one the
	// gate denies before reading any reconciliation state.
	g := New(nil, &config.Config{})

	d, err := g.CheckPlatformOutflow(context.Background())
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, "platform_address_missing", d.Reason)
}

func TestCheckCaps_PerBountyPrecedesSpendQueries(t *testing.T) {
	g := New(nil, &config.Config{SpendCapPerBounty: 1_000_000})
	project := &store.Project{ProjectID: "proj-1"}

	d, err := g.checkCaps(context.Background(), project, 1_000_001)
	require.NoError(t, err)
	assert.Equal(t, "project_spend_policy_per_bounty_exceeded", d.Reason)

	// At the cap exactly is allowed; day/month caps are unset so no store
	// reads happen.
	d, err = g.checkCaps(context.Background(), project, 1_000_000)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestMaxAge_PerScope(t *testing.T) {
	g := New(nil, &config.Config{
		CapitalReconcileMaxAge: 24 * time.Hour,
		RevenueReconcileMaxAge: 6 * time.Hour,
	})
	assert.Equal(t, 24*time.Hour, g.maxAge(ScopeProjectCapital))
	assert.Equal(t, 24*time.Hour, g.maxAge(ScopePlatform))
	assert.Equal(t, 6*time.Hour, g.maxAge(ScopeProjectRevenue))
}

func TestReconScope(t *testing.T) {
	assert.Equal(t, store.ScopeProjectCapital, reconScope(ScopeProjectCapital))
	assert.Equal(t, store.ScopeProjectRevenue, reconScope(ScopeProjectRevenue))
	assert.Equal(t, store.ScopePlatform, reconScope(ScopePlatform))
}

func TestDecisionHelpers(t *testing.T) {
	assert.True(t, allow().Allowed)
	assert.Empty(t, allow().Reason)
	d := deny("insufficient_project_capital")
	assert.False(t, d.Allowed)
	assert.Equal(t, "insufficient_project_capital", d.Reason)
}
