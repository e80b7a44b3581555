// Package chain abstracts the EVM side of the control plane behind the
// smallest interface the core needs: balance reads, Transfer log scans,
// USDC sends and the dividend-distributor lifecycle calls.
package chain

import (
	"context"
	"errors"
	"math/big"
)

// ErrRPCNotConfigured means no JSON-RPC endpoint or contract anchor is set.
var ErrRPCNotConfigured = errors.New("chain: rpc not configured")

// ErrSignerRequired means a send was attempted without a signer key or
// Safe-mode configuration.
var ErrSignerRequired = errors.New("chain: signer key required")

// Transfer is one decoded ERC-20 Transfer event. A nil Amount marks a log
// that could not be decoded; its position fields are still valid.
type Transfer struct {
	TxHash   string
	LogIndex int64
	From     string
	To       string
	Amount   *big.Int
	Block    uint64
}

// Distribution mirrors the distributor contract's per-month record.
type Distribution struct {
	Exists      bool
	Distributed bool
	TotalAmount *big.Int
}

// Client is the on-chain collaborator surface. Implementations must bound
// every call with the context deadline.
type Client interface {
	// LatestBlock returns the current head block number.
	LatestBlock(ctx context.Context) (uint64, error)

	// BalanceOf returns the USDC balance of holder in micro-units.
	BalanceOf(ctx context.Context, holder string) (int64, error)

	// FilterTransfers returns Transfer events of the configured token in
	// [fromBlock, toBlock] where either side is in the watched set.
	FilterTransfers(ctx context.Context, fromBlock, toBlock uint64, watched []string) ([]Transfer, error)

	// TransferUSDC submits an ERC-20 transfer and returns the tx hash.
	TransferUSDC(ctx context.Context, to string, amountMicro int64) (string, error)

	// GetDistribution reads the distributor record for a YYYYMM month.
	GetDistribution(ctx context.Context, month string) (*Distribution, error)

	// CreateDistribution registers a month's profit for distribution.
	CreateDistribution(ctx context.Context, month string, amountMicro int64) (string, error)

	// ExecuteDistribution pays out the recipient vectors for a month.
	ExecuteDistribution(ctx context.Context, month string, stakers []string, stakerShares []int64, authors []string, authorShares []int64) (string, error)

	// StakerSet returns the funding-pool staker addresses, largest stake
	// first, capped to limit.
	StakerSet(ctx context.Context, limit int) ([]string, []int64, error)
}
