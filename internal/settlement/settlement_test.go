package settlement

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentdao/backoffice/internal/policy"
)

// stubGate returns a canned gate decision.
type stubGate struct {
	d policy.Decision
}

func (g stubGate) CheckPlatformOutflow(context.Context) (policy.Decision, error) {
	return g.d, nil
}

func TestValidatePayload(t *testing.T) {
	mk := func(nStakers, nAuthors int, shares int64) *ExecutePayload {
		p := &ExecutePayload{}
		for i := 0; i < nStakers; i++ {
			p.Stakers = append(p.Stakers, fmt.Sprintf("0xstaker%d", i))
			p.StakerShares = append(p.StakerShares, shares)
		}
		for i := 0; i < nAuthors; i++ {
			p.Authors = append(p.Authors, fmt.Sprintf("0xauthor%d", i))
			p.AuthorShares = append(p.AuthorShares, shares)
		}
		return p
	}

	t.Run("valid", func(t *testing.T) {
		p := mk(2, 1, 100)
		assert.Equal(t, "", ValidatePayload(p, 300))
	})

	t.Run("staker length mismatch", func(t *testing.T) {
		p := mk(2, 1, 100)
		p.StakerShares = p.StakerShares[:1]
		assert.Equal(t, ReasonLengthMismatch, ValidatePayload(p, 300))
	})

	t.Run("author length mismatch", func(t *testing.T) {
		p := mk(2, 1, 100)
		p.AuthorShares = nil
		assert.Equal(t, ReasonLengthMismatch, ValidatePayload(p, 300))
	})

	t.Run("too many stakers", func(t *testing.T) {
		p := mk(MaxStakers+1, 0, 1)
		assert.Equal(t, ReasonTooManyStakers, ValidatePayload(p, int64(MaxStakers+1)))
	})

	t.Run("too many authors", func(t *testing.T) {
		p := mk(0, MaxAuthors+1, 1)
		assert.Equal(t, ReasonTooManyAuthors, ValidatePayload(p, int64(MaxAuthors+1)))
	})

	t.Run("sum mismatch", func(t *testing.T) {
		p := mk(2, 1, 100)
		assert.Equal(t, ReasonSharesSumMismatch, ValidatePayload(p, 301))
	})

	t.Run("caps are inclusive", func(t *testing.T) {
		p := mk(MaxStakers, MaxAuthors, 1)
		assert.Equal(t, "", ValidatePayload(p, int64(MaxStakers+MaxAuthors)))
	})
}

func TestExecutePayload_Total(t *testing.T) {
	p := &ExecutePayload{
		StakerShares: []int64{1, 2, 3},
		AuthorShares: []int64{10},
	}
	assert.Equal(t, int64(16), p.Total())
	assert.Equal(t, int64(0), (&ExecutePayload{}).Total())
}

func TestCheckCreate_GateDeniedFirst(t *testing.T) {
	// The platform gate runs before any settlement read, so a denial never
	// touches the store (nil here) and surfaces the gate's reason verbatim.
	e := &Engine{gate: stubGate{d: policy.Decision{Reason: "platform_reconciliation_missing"}}}

	decision, err := e.CheckCreate(context.Background(), "202508")
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Equal(t, "platform_reconciliation_missing", decision.BlockedReason)
}

func TestCheckExecute_GateDeniedFirst(t *testing.T) {
	e := &Engine{gate: stubGate{d: policy.Decision{Reason: "platform_reconciliation_stale"}}}

	decision, err := e.CheckExecute(context.Background(), "202508", &ExecutePayload{})
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Equal(t, "platform_reconciliation_stale", decision.BlockedReason)
}

func TestIdempotencyKeys(t *testing.T) {
	assert.Equal(t, "create_distribution:202508:5000000", CreateKey("202508", 5_000_000))
	assert.Equal(t, "execute_distribution:202508:5000000", ExecuteKey("202508", 5_000_000))
	// Different profit figures must never collide.
	assert.NotEqual(t, CreateKey("202508", 1), CreateKey("202508", 2))
}
