// Package marketing derives the marketing fee ledger from observed USDC
// inflows and funds the marketing treasury by delta-accounting against the
// tx outbox.
package marketing

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/agentdao/backoffice/internal/config"
	"github.com/agentdao/backoffice/internal/policy"
	"github.com/agentdao/backoffice/internal/store"
)

// Deposit outcomes.
const (
	StatusEnqueued      = "enqueued"
	StatusAlreadyFunded = "already_funded"
	StatusBlocked       = "blocked"
)

// spendGate gates the deposit send on platform reconciliation state.
type spendGate interface {
	CheckPlatformOutflow(ctx context.Context) (policy.Decision, error)
}

// Service accrues fees and settles the accrued/sent delta.
type Service struct {
	store    *store.Store
	gate     spendGate
	feeBps   int64
	treasury string
	chainID  int64

	distributor string
	fundingPool string
}

// New builds the service from config. A zero fee bps disables accrual.
func New(st *store.Store, cfg *config.Config, gate spendGate) *Service {
	return &Service{
		store:       st,
		gate:        gate,
		feeBps:      cfg.MarketingFeeBps,
		treasury:    cfg.MarketingTreasury,
		chainID:     cfg.ChainID,
		distributor: cfg.DistributorAddress,
		fundingPool: cfg.FundingPoolAddress,
	}
}

// FeeFor computes floor(gross * bps / 10_000).
func (s *Service) FeeFor(grossMicro int64) int64 {
	return grossMicro * s.feeBps / 10_000
}

// AccrueFromTransfers folds a batch of observed inflows into fee events.
// Classification is by destination address: project revenue addresses map
// to the project_revenue bucket, project treasuries to project_capital,
// and the distributor/funding pool to platform_revenue. Unrecognized
// destinations accrue nothing. Returns the number of new fee events. tx may
// be nil; callers folding observations pass theirs so the fee rows commit
// with the batch.
func (s *Service) AccrueFromTransfers(ctx context.Context, tx *sql.Tx, transfers []store.ObservedTransfer) (int, error) {
	if s.feeBps <= 0 {
		return 0, nil
	}
	buckets, err := s.bucketIndex(ctx)
	if err != nil {
		return 0, err
	}

	created := 0
	for _, t := range transfers {
		bucket, ok := buckets[strings.ToLower(t.ToAddress)]
		if !ok || t.AmountMicroUSDC <= 0 {
			continue
		}
		fee := s.FeeFor(t.AmountMicroUSDC)
		if fee <= 0 {
			continue
		}
		_, wasNew, err := s.store.AppendMarketingFeeEvent(ctx, tx, &store.MarketingFeeEvent{
			ChainID:        t.ChainID,
			TxHash:         t.TxHash,
			LogIndex:       t.LogIndex,
			ToAddress:      t.ToAddress,
			Bucket:         bucket,
			GrossMicroUSDC: t.AmountMicroUSDC,
			FeeMicroUSDC:   fee,
			IdempotencyKey: fmt.Sprintf("mfee:%d:%s:%d:%s", t.ChainID, t.TxHash, t.LogIndex, bucket),
		})
		if err != nil {
			return created, fmt.Errorf("accrue fee for %s:%d: %w", t.TxHash, t.LogIndex, err)
		}
		if wasNew {
			created++
		}
	}
	if created > 0 {
		log.Printf("[MARKETING] accrued %d fee events", created)
	}
	return created, nil
}

// AccrueRecent accrues over recent observations (incremental catch-up from
// a block floor, used by the autonomy loop).
func (s *Service) AccrueRecent(ctx context.Context, fromBlock uint64) (int, error) {
	transfers, err := s.store.ListObservedTransfersSinceBlock(ctx, s.chainID, fromBlock)
	if err != nil {
		return 0, err
	}
	return s.AccrueFromTransfers(ctx, nil, transfers)
}

func (s *Service) bucketIndex(ctx context.Context) (map[string]string, error) {
	projects, err := s.store.ListProjects(ctx)
	if err != nil {
		return nil, err
	}
	idx := make(map[string]string)
	for _, p := range projects {
		if p.RevenueAddress != "" {
			idx[strings.ToLower(p.RevenueAddress)] = store.BucketProjectRevenue
		}
		if p.TreasuryAddress != "" {
			idx[strings.ToLower(p.TreasuryAddress)] = store.BucketProjectCapital
		}
	}
	if s.distributor != "" {
		idx[strings.ToLower(s.distributor)] = store.BucketPlatformRevenue
	}
	if s.fundingPool != "" {
		idx[strings.ToLower(s.fundingPool)] = store.BucketPlatformRevenue
	}
	return idx, nil
}

// DepositResult reports one settlement-deposit evaluation.
type DepositResult struct {
	Status        string        `json:"status"`
	BlockedReason string        `json:"blocked_reason,omitempty"`
	AccruedTotal  int64         `json:"accrued_total"`
	SentTotal     int64         `json:"sent_total"`
	PendingDelta  int64         `json:"pending_delta"`
	Task          *store.TxTask `json:"task,omitempty"`
}

// DepositKey is the deterministic idempotency key for a deposit task. It
// embeds both totals, so a replay with unchanged books maps onto the same
// task row and a new accrual produces a distinct key.
func DepositKey(accrued, sent int64) string {
	return fmt.Sprintf("deposit_marketing_fee:%d:%d", accrued, sent)
}

// SettlementDeposit computes accrued − sent and enqueues a deposit task for
// any positive delta. The deposit is a platform outflow, so the spend gate
// runs first; a denial returns a blocked result without touching the outbox.
// sent counts deposit_marketing_fee tasks that are pending, processing or
// succeeded.
func (s *Service) SettlementDeposit(ctx context.Context) (*DepositResult, error) {
	if s.treasury == "" {
		return nil, fmt.Errorf("MARKETING_TREASURY_ADDRESS not configured")
	}
	gated, err := s.gate.CheckPlatformOutflow(ctx)
	if err != nil {
		return nil, err
	}
	if !gated.Allowed {
		return &DepositResult{Status: StatusBlocked, BlockedReason: gated.Reason}, nil
	}
	accrued, err := s.store.SumMarketingFeeAccrued(ctx)
	if err != nil {
		return nil, err
	}
	sent, err := s.store.SumMarketingFeeSent(ctx)
	if err != nil {
		return nil, err
	}
	result := &DepositResult{
		AccruedTotal: accrued,
		SentTotal:    sent,
		PendingDelta: accrued - sent,
	}
	if result.PendingDelta <= 0 {
		result.Status = StatusAlreadyFunded
		return result, nil
	}

	payload, _ := json.Marshal(map[string]any{
		"to":                s.treasury,
		"amount_micro_usdc": result.PendingDelta,
	})
	task, _, err := s.store.EnqueueTxTask(ctx, nil, &store.TxTask{
		TaskType:        store.TaskDepositMarketingFee,
		PayloadJSON:     string(payload),
		AmountMicroUSDC: result.PendingDelta,
		IdempotencyKey:  DepositKey(accrued, sent),
	})
	if err != nil {
		return nil, fmt.Errorf("enqueue marketing deposit: %w", err)
	}
	result.Status = StatusEnqueued
	result.Task = task
	log.Printf("[MARKETING] deposit delta=%d accrued=%d sent=%d task=%s",
		result.PendingDelta, accrued, sent, task.TaskID)
	return result, nil
}
