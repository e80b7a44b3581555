package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentdao/backoffice/internal/chain"
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

// fakeChain implements chain.Client with canned responses.
type fakeChain struct {
	dist        *chain.Distribution
	distErr     error
	transferErr error

	transfers int
	creates   int
	executes  int
}

func (f *fakeChain) LatestBlock(context.Context) (uint64, error) { return 0, nil }
func (f *fakeChain) BalanceOf(context.Context, string) (int64, error) {
	return 0, nil
}
func (f *fakeChain) FilterTransfers(context.Context, uint64, uint64, []string) ([]chain.Transfer, error) {
	return nil, nil
}
func (f *fakeChain) TransferUSDC(ctx context.Context, to string, amount int64) (string, error) {
	if f.transferErr != nil {
		return "", f.transferErr
	}
	f.transfers++
	return "0xtransfer", nil
}
func (f *fakeChain) GetDistribution(context.Context, string) (*chain.Distribution, error) {
	return f.dist, f.distErr
}
func (f *fakeChain) CreateDistribution(context.Context, string, int64) (string, error) {
	f.creates++
	return "0xcreate", nil
}
func (f *fakeChain) ExecuteDistribution(context.Context, string, []string, []int64, []string, []int64) (string, error) {
	f.executes++
	return "0xexecute", nil
}
func (f *fakeChain) StakerSet(context.Context, int) ([]string, []int64, error) {
	return nil, nil, nil
}

func TestExecuteTx_Transfer(t *testing.T) {
	fc := &fakeChain{}
	hash, done, err := executeTx(context.Background(), fc, store.TaskDepositMarketingFee,
		&TxPayload{To: "0xabc", AmountMicroUSDC: 100})
	require.NoError(t, err)
	assert.Equal(t, "0xtransfer", hash)
	assert.False(t, done)
	assert.Equal(t, 1, fc.transfers)
}

func TestExecuteTx_TransferBadPayload(t *testing.T) {
	fc := &fakeChain{}
	for _, p := range []*TxPayload{
		{To: "", AmountMicroUSDC: 100},
		{To: "0xabc", AmountMicroUSDC: 0},
		{To: "0xabc", AmountMicroUSDC: -1},
	} {
		_, _, err := executeTx(context.Background(), fc, store.TaskUSDCTransfer, p)
		assert.Error(t, err)
	}
	assert.Equal(t, 0, fc.transfers)
}

func TestExecuteTx_CreateDistribution(t *testing.T) {
	t.Run("fresh month creates", func(t *testing.T) {
		fc := &fakeChain{dist: &chain.Distribution{Exists: false}}
		hash, done, err := executeTx(context.Background(), fc, store.TaskCreateDistribution,
			&TxPayload{ProfitMonthID: "202508", AmountMicroUSDC: 5000})
		require.NoError(t, err)
		assert.Equal(t, "0xcreate", hash)
		assert.False(t, done)
		assert.Equal(t, 1, fc.creates)
	})

	t.Run("existing month is a no-op terminal", func(t *testing.T) {
		fc := &fakeChain{dist: &chain.Distribution{Exists: true}}
		hash, done, err := executeTx(context.Background(), fc, store.TaskCreateDistribution,
			&TxPayload{ProfitMonthID: "202508", AmountMicroUSDC: 5000})
		require.NoError(t, err)
		assert.Equal(t, "", hash)
		assert.True(t, done)
		assert.Equal(t, 0, fc.creates, "must not re-submit")
	})
}

func TestExecuteTx_ExecuteDistribution(t *testing.T) {
	t.Run("undistributed executes", func(t *testing.T) {
		fc := &fakeChain{dist: &chain.Distribution{Exists: true}}
		hash, done, err := executeTx(context.Background(), fc, store.TaskExecuteDistribution,
			&TxPayload{ProfitMonthID: "202508", Stakers: []string{"0xs"}, StakerShares: []int64{5000}})
		require.NoError(t, err)
		assert.Equal(t, "0xexecute", hash)
		assert.False(t, done)
	})

	t.Run("distributed month is a no-op terminal", func(t *testing.T) {
		fc := &fakeChain{dist: &chain.Distribution{Exists: true, Distributed: true}}
		hash, done, err := executeTx(context.Background(), fc, store.TaskExecuteDistribution,
			&TxPayload{ProfitMonthID: "202508"})
		require.NoError(t, err)
		assert.Equal(t, "", hash)
		assert.True(t, done)
		assert.Equal(t, 0, fc.executes)
	})

	t.Run("read failure propagates", func(t *testing.T) {
		fc := &fakeChain{distErr: errors.New("execution reverted")}
		_, _, err := executeTx(context.Background(), fc, store.TaskExecuteDistribution,
			&TxPayload{ProfitMonthID: "202508"})
		assert.Error(t, err)
		assert.Equal(t, 0, fc.executes)
	})
}

func TestExecuteTx_NilClientAndUnknownType(t *testing.T) {
	_, _, err := executeTx(context.Background(), nil, store.TaskUSDCTransfer,
		&TxPayload{To: "0xabc", AmountMicroUSDC: 1})
	assert.ErrorIs(t, err, chain.ErrRPCNotConfigured)

	_, _, err = executeTx(context.Background(), &fakeChain{}, "mint_nft", &TxPayload{})
	assert.Error(t, err)
}

func TestCompletionStatus(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		// Configuration errors block until an operator intervenes.
		{chain.ErrRPCNotConfigured, store.TaskBlocked},
		{chain.ErrSignerRequired, store.TaskBlocked},
		{fmt.Errorf("send: %w", chain.ErrSignerRequired), store.TaskBlocked},
		// Transient chain errors return to pending for a later claim.
		{context.DeadlineExceeded, store.TaskPending},
		{errors.New("connection refused"), store.TaskPending},
		{errors.New("nonce too low"), store.TaskPending},
		// Unexecutable tasks and reverts fail terminally.
		{fmt.Errorf("%w: missing to/amount", errBadTask), store.TaskFailed},
		{fmt.Errorf("%w: unknown task type mint_nft", errBadTask), store.TaskFailed},
		{errors.New("execution reverted: Distribution exists"), store.TaskFailed},
		{errors.New("insufficient funds for gas * price + value"), store.TaskFailed},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, completionStatus(tc.err), "err=%v", tc.err)
	}
}

func TestPrecheck_GateDecides(t *testing.T) {
	denied := &TxWorker{gate: stubGate{d: policy.Decision{Reason: "platform_reconciliation_stale"}}}
	allowed := &TxWorker{gate: stubGate{d: policy.Decision{Allowed: true}}}

	// Platform-funded sends consult the gate at claim time.
	for _, taskType := range []string{
		store.TaskCreateDistribution, store.TaskExecuteDistribution, store.TaskDepositMarketingFee,
	} {
		reason, err := denied.precheck(context.Background(), taskType)
		require.NoError(t, err)
		assert.Equal(t, "platform_reconciliation_stale", reason, "task=%s", taskType)

		reason, err = allowed.precheck(context.Background(), taskType)
		require.NoError(t, err)
		assert.Equal(t, "", reason, "task=%s", taskType)
	}

	// deposit_profit repairs the platform balance and must never wait on it;
	// plain transfers spend project capital, gated at enqueue instead.
	for _, taskType := range []string{store.TaskDepositProfit, store.TaskUSDCTransfer} {
		reason, err := denied.precheck(context.Background(), taskType)
		require.NoError(t, err)
		assert.Equal(t, "", reason, "task=%s", taskType)
	}
}

func TestTxPayload_MarshalStability(t *testing.T) {
	p := &TxPayload{
		ProfitMonthID:   "202508",
		AmountMicroUSDC: 5000,
		Stakers:         []string{"0xa"},
		StakerShares:    []int64{5000},
	}
	a, err := json.Marshal(p)
	require.NoError(t, err)
	b, err := json.Marshal(p)
	require.NoError(t, err)
	assert.Equal(t, a, b, "payload serialization must be deterministic")

	// Empty fields are omitted so payloads round-trip compactly.
	raw, _ := json.Marshal(&TxPayload{To: "0xabc", AmountMicroUSDC: 1})
	assert.JSONEq(t, `{"to":"0xabc","amount_micro_usdc":1}`, string(raw))

	var back TxPayload
	require.NoError(t, json.Unmarshal(a, &back))
	assert.Equal(t, *p, back)
}
