package chain

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"sort"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/agentdao/backoffice/internal/config"
)

const erc20ABI = `[
	{"name":"balanceOf","type":"function","stateMutability":"view","inputs":[{"name":"owner","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"name":"transfer","type":"function","stateMutability":"nonpayable","inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
	{"name":"Transfer","type":"event","anonymous":false,"inputs":[{"name":"from","type":"address","indexed":true},{"name":"to","type":"address","indexed":true},{"name":"value","type":"uint256","indexed":false}]}
]`

const distributorABI = `[
	{"name":"getDistribution","type":"function","stateMutability":"view","inputs":[{"name":"month","type":"uint256"}],"outputs":[{"name":"totalAmount","type":"uint256"},{"name":"distributed","type":"bool"},{"name":"exists","type":"bool"}]},
	{"name":"createDistribution","type":"function","stateMutability":"nonpayable","inputs":[{"name":"month","type":"uint256"},{"name":"amount","type":"uint256"}],"outputs":[]},
	{"name":"executeDistribution","type":"function","stateMutability":"nonpayable","inputs":[{"name":"month","type":"uint256"},{"name":"stakers","type":"address[]"},{"name":"stakerShares","type":"uint256[]"},{"name":"authors","type":"address[]"},{"name":"authorShares","type":"uint256[]"}],"outputs":[]}
]`

const fundingPoolABI = `[
	{"name":"getStakers","type":"function","stateMutability":"view","inputs":[{"name":"limit","type":"uint256"}],"outputs":[{"name":"addrs","type":"address[]"},{"name":"stakes","type":"uint256[]"}]}
]`

var transferTopic = gethcrypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

// EthClient is the JSON-RPC implementation of Client. Distribution sends
// optionally route through the Safe relay when Safe-mode is configured.
type EthClient struct {
	ec      *ethclient.Client
	chainID *big.Int

	token       common.Address
	distributor common.Address
	fundingPool common.Address
	hasDistrib  bool
	hasPool     bool

	erc20   abi.ABI
	distAbi abi.ABI
	poolAbi abi.ABI

	key  *ecdsa.PrivateKey
	from common.Address

	safe *SafeRelay
}

// NewEthClient dials the endpoint and parses anchors. Returns
// ErrRPCNotConfigured when the endpoint or token address is missing so the
// caller can surface rpc_not_configured instead of failing startup.
func NewEthClient(cfg *config.Config) (*EthClient, error) {
	if cfg.RPCURL == "" || cfg.USDCAddress == "" {
		return nil, ErrRPCNotConfigured
	}
	ec, err := ethclient.Dial(cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}

	erc20, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, fmt.Errorf("parse erc20 abi: %w", err)
	}
	distAbi, err := abi.JSON(strings.NewReader(distributorABI))
	if err != nil {
		return nil, fmt.Errorf("parse distributor abi: %w", err)
	}
	poolAbi, err := abi.JSON(strings.NewReader(fundingPoolABI))
	if err != nil {
		return nil, fmt.Errorf("parse funding pool abi: %w", err)
	}

	c := &EthClient{
		ec:      ec,
		chainID: big.NewInt(cfg.ChainID),
		token:   common.HexToAddress(cfg.USDCAddress),
		erc20:   erc20,
		distAbi: distAbi,
		poolAbi: poolAbi,
	}
	if cfg.DistributorAddress != "" {
		c.distributor = common.HexToAddress(cfg.DistributorAddress)
		c.hasDistrib = true
	}
	if cfg.FundingPoolAddress != "" {
		c.fundingPool = common.HexToAddress(cfg.FundingPoolAddress)
		c.hasPool = true
	}
	if cfg.SignerPrivateKey != "" {
		key, kerr := gethcrypto.HexToECDSA(strings.TrimPrefix(cfg.SignerPrivateKey, "0x"))
		if kerr != nil {
			return nil, fmt.Errorf("parse signer key: invalid_private_key")
		}
		c.key = key
		c.from = gethcrypto.PubkeyToAddress(key.PublicKey)
	}
	if cfg.SafeModeEnabled() {
		relay, rerr := NewSafeRelay(cfg)
		if rerr != nil {
			return nil, fmt.Errorf("safe relay: %w", rerr)
		}
		c.safe = relay
	}
	return c, nil
}

// LatestBlock returns the head block number.
func (c *EthClient) LatestBlock(ctx context.Context) (uint64, error) {
	return c.ec.BlockNumber(ctx)
}

// BalanceOf reads balanceOf(holder) on the token contract.
func (c *EthClient) BalanceOf(ctx context.Context, holder string) (int64, error) {
	data, err := c.erc20.Pack("balanceOf", common.HexToAddress(holder))
	if err != nil {
		return 0, fmt.Errorf("pack balanceOf: %w", err)
	}
	raw, err := c.ec.CallContract(ctx, ethereum.CallMsg{To: &c.token, Data: data}, nil)
	if err != nil {
		return 0, fmt.Errorf("call balanceOf: %w", err)
	}
	var out *big.Int
	if err := c.erc20.UnpackIntoInterface(&out, "balanceOf", raw); err != nil {
		return 0, fmt.Errorf("unpack balanceOf: %w", err)
	}
	if !out.IsInt64() {
		return 0, fmt.Errorf("balanceOf overflows int64 micro-units")
	}
	return out.Int64(), nil
}

// FilterTransfers scans Transfer logs touching the watched set. Two
// queries (from-side, to-side) are merged and deduped by (tx, log index).
func (c *EthClient) FilterTransfers(ctx context.Context, fromBlock, toBlock uint64, watched []string) ([]Transfer, error) {
	topics := make([]common.Hash, 0, len(watched))
	for _, w := range watched {
		topics = append(topics, common.BytesToHash(common.HexToAddress(w).Bytes()))
	}

	seen := make(map[string]bool)
	var out []Transfer
	for _, q := range []ethereum.FilterQuery{
		{
			FromBlock: new(big.Int).SetUint64(fromBlock),
			ToBlock:   new(big.Int).SetUint64(toBlock),
			Addresses: []common.Address{c.token},
			Topics:    [][]common.Hash{{transferTopic}, topics},
		},
		{
			FromBlock: new(big.Int).SetUint64(fromBlock),
			ToBlock:   new(big.Int).SetUint64(toBlock),
			Addresses: []common.Address{c.token},
			Topics:    [][]common.Hash{{transferTopic}, nil, topics},
		},
	} {
		logs, err := c.ec.FilterLogs(ctx, q)
		if err != nil {
			return nil, fmt.Errorf("filter logs: %w", err)
		}
		for _, lg := range logs {
			t, ok := decodeTransferLog(lg)
			if !ok {
				continue
			}
			key := fmt.Sprintf("%s:%d", t.TxHash, t.LogIndex)
			if seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Block != out[j].Block {
			return out[i].Block < out[j].Block
		}
		return out[i].LogIndex < out[j].LogIndex
	})
	return out, nil
}

// decodeTransferLog converts a raw log. Reorg-removed logs drop entirely; a
// log with an unexpected shape keeps its position with a nil Amount so the
// indexer can hold its cursor below it instead of silently passing it.
func decodeTransferLog(lg types.Log) (Transfer, bool) {
	if lg.Removed {
		return Transfer{}, false
	}
	t := Transfer{
		TxHash:   lg.TxHash.Hex(),
		LogIndex: int64(lg.Index),
		Block:    lg.BlockNumber,
	}
	if len(lg.Topics) != 3 {
		return t, true
	}
	t.From = common.BytesToAddress(lg.Topics[1].Bytes()).Hex()
	t.To = common.BytesToAddress(lg.Topics[2].Bytes()).Hex()
	t.Amount = new(big.Int).SetBytes(lg.Data)
	return t, true
}

// TransferUSDC submits an ERC-20 transfer from the signer address.
func (c *EthClient) TransferUSDC(ctx context.Context, to string, amountMicro int64) (string, error) {
	data, err := c.erc20.Pack("transfer", common.HexToAddress(to), big.NewInt(amountMicro))
	if err != nil {
		return "", fmt.Errorf("pack transfer: %w", err)
	}
	return c.submit(ctx, c.token, data)
}

// GetDistribution reads the distributor record for a month.
func (c *EthClient) GetDistribution(ctx context.Context, month string) (*Distribution, error) {
	if !c.hasDistrib {
		return nil, ErrRPCNotConfigured
	}
	m, err := monthToUint(month)
	if err != nil {
		return nil, err
	}
	data, err := c.distAbi.Pack("getDistribution", m)
	if err != nil {
		return nil, fmt.Errorf("pack getDistribution: %w", err)
	}
	raw, err := c.ec.CallContract(ctx, ethereum.CallMsg{To: &c.distributor, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("call getDistribution: %w", err)
	}
	vals, err := c.distAbi.Unpack("getDistribution", raw)
	if err != nil || len(vals) != 3 {
		return nil, fmt.Errorf("unpack getDistribution: %w", err)
	}
	total, _ := vals[0].(*big.Int)
	distributed, _ := vals[1].(bool)
	exists, _ := vals[2].(bool)
	return &Distribution{Exists: exists, Distributed: distributed, TotalAmount: total}, nil
}

// CreateDistribution registers a month's profit on the distributor.
func (c *EthClient) CreateDistribution(ctx context.Context, month string, amountMicro int64) (string, error) {
	if !c.hasDistrib {
		return "", ErrRPCNotConfigured
	}
	m, err := monthToUint(month)
	if err != nil {
		return "", err
	}
	data, err := c.distAbi.Pack("createDistribution", m, big.NewInt(amountMicro))
	if err != nil {
		return "", fmt.Errorf("pack createDistribution: %w", err)
	}
	if c.safe != nil {
		return c.safe.Propose(ctx, c.distributor.Hex(), data)
	}
	return c.submit(ctx, c.distributor, data)
}

// ExecuteDistribution pays out the recipient vectors for a month.
func (c *EthClient) ExecuteDistribution(ctx context.Context, month string, stakers []string, stakerShares []int64, authors []string, authorShares []int64) (string, error) {
	if !c.hasDistrib {
		return "", ErrRPCNotConfigured
	}
	m, err := monthToUint(month)
	if err != nil {
		return "", err
	}
	data, err := c.distAbi.Pack("executeDistribution", m,
		toAddresses(stakers), toBigInts(stakerShares),
		toAddresses(authors), toBigInts(authorShares))
	if err != nil {
		return "", fmt.Errorf("pack executeDistribution: %w", err)
	}
	if c.safe != nil {
		return c.safe.Propose(ctx, c.distributor.Hex(), data)
	}
	return c.submit(ctx, c.distributor, data)
}

// StakerSet reads the funding pool's stakers, largest stake first.
func (c *EthClient) StakerSet(ctx context.Context, limit int) ([]string, []int64, error) {
	if !c.hasPool {
		return nil, nil, ErrRPCNotConfigured
	}
	data, err := c.poolAbi.Pack("getStakers", big.NewInt(int64(limit)))
	if err != nil {
		return nil, nil, fmt.Errorf("pack getStakers: %w", err)
	}
	raw, err := c.ec.CallContract(ctx, ethereum.CallMsg{To: &c.fundingPool, Data: data}, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("call getStakers: %w", err)
	}
	vals, err := c.poolAbi.Unpack("getStakers", raw)
	if err != nil || len(vals) != 2 {
		return nil, nil, fmt.Errorf("unpack getStakers: %w", err)
	}
	addrs, _ := vals[0].([]common.Address)
	stakes, _ := vals[1].([]*big.Int)
	if len(addrs) != len(stakes) {
		return nil, nil, fmt.Errorf("getStakers length mismatch")
	}

	out := make([]string, len(addrs))
	amounts := make([]int64, len(stakes))
	for i := range addrs {
		out[i] = addrs[i].Hex()
		if !stakes[i].IsInt64() {
			return nil, nil, fmt.Errorf("stake overflows int64")
		}
		amounts[i] = stakes[i].Int64()
	}
	return out, amounts, nil
}

func (c *EthClient) submit(ctx context.Context, to common.Address, data []byte) (string, error) {
	if c.key == nil {
		return "", ErrSignerRequired
	}
	nonce, err := c.ec.PendingNonceAt(ctx, c.from)
	if err != nil {
		return "", fmt.Errorf("pending nonce: %w", err)
	}
	tip, err := c.ec.SuggestGasTipCap(ctx)
	if err != nil {
		return "", fmt.Errorf("suggest tip: %w", err)
	}
	head, err := c.ec.HeaderByNumber(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("head: %w", err)
	}
	feeCap := new(big.Int).Add(tip, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))

	gas, err := c.ec.EstimateGas(ctx, ethereum.CallMsg{From: c.from, To: &to, Data: data})
	if err != nil {
		return "", fmt.Errorf("estimate gas: %w", err)
	}

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   c.chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        &to,
		Data:      data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(c.chainID), c.key)
	if err != nil {
		return "", fmt.Errorf("sign tx: %w", err)
	}
	if err := c.ec.SendTransaction(ctx, signed); err != nil {
		return "", fmt.Errorf("send tx: %w", err)
	}
	return signed.Hash().Hex(), nil
}

func monthToUint(month string) (*big.Int, error) {
	n, err := strconv.ParseUint(month, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("bad month key %q", month)
	}
	return new(big.Int).SetUint64(n), nil
}

func toAddresses(in []string) []common.Address {
	out := make([]common.Address, len(in))
	for i, s := range in {
		out[i] = common.HexToAddress(s)
	}
	return out
}

func toBigInts(in []int64) []*big.Int {
	out := make([]*big.Int, len(in))
	for i, v := range in {
		out[i] = big.NewInt(v)
	}
	return out
}
