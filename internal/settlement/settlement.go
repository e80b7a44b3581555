// Package settlement rolls up a month's ledger into a profit figure and
// drives the on-chain distribution lifecycle for that month.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/agentdao/backoffice/internal/chain"
	"github.com/agentdao/backoffice/internal/events"
	"github.com/agentdao/backoffice/internal/ledger"
	"github.com/agentdao/backoffice/internal/policy"
	"github.com/agentdao/backoffice/internal/store"
)

// Recipient caps enforced on execute payloads.
const (
	MaxStakers = 200
	MaxAuthors = 50
)

// Blocked reasons for the distribution lifecycle. Reconciliation-state
// reasons come from the spend gate (platform_reconciliation_missing,
// platform_not_reconciled, platform_reconciliation_stale).
const (
	ReasonNoProfit           = "no_distributable_profit"
	ReasonAlreadyExists      = "already_exists"
	ReasonAlreadyDistributed = "already_distributed"
	ReasonNotCreated         = "distribution_not_created"
	ReasonLengthMismatch     = "recipient_shares_length_mismatch"
	ReasonSharesSumMismatch  = "recipient_shares_sum_mismatch"
	ReasonTooManyStakers     = "too_many_stakers"
	ReasonTooManyAuthors     = "too_many_authors"
	ReasonRPCNotConfigured   = "rpc_not_configured"
	ReasonSettlementMissing  = "settlement_missing"
)

// ExecutePayload is the recipient vectors for execute_distribution.
type ExecutePayload struct {
	Stakers      []string `json:"stakers"`
	StakerShares []int64  `json:"staker_shares"`
	Authors      []string `json:"authors"`
	AuthorShares []int64  `json:"author_shares"`
}

// Total sums both share vectors.
func (p *ExecutePayload) Total() int64 {
	var sum int64
	for _, s := range p.StakerShares {
		sum += s
	}
	for _, s := range p.AuthorShares {
		sum += s
	}
	return sum
}

// spendGate is the slice of the policy gate the engine consults before any
// distribution send.
type spendGate interface {
	CheckPlatformOutflow(ctx context.Context) (policy.Decision, error)
}

// Engine computes settlements and gates distribution transitions.
type Engine struct {
	store *store.Store
	chain chain.Client
	gate  spendGate
	pub   *events.Publisher
}

// New builds the engine. chain may be nil when no RPC is configured.
func New(st *store.Store, cl chain.Client, gate spendGate, pub *events.Publisher) *Engine {
	return &Engine{store: st, chain: cl, gate: gate, pub: pub}
}

// Compute aggregates the month's ledger and appends a settlement row.
func (e *Engine) Compute(ctx context.Context, month string) (*store.Settlement, error) {
	if !ledger.ValidMonth(month) {
		return nil, &ledger.ValidationError{Field: "profit_month_id"}
	}
	revenue, err := e.store.SumRevenueForMonth(ctx, month)
	if err != nil {
		return nil, err
	}
	expense, err := e.store.SumExpenseForMonth(ctx, month)
	if err != nil {
		return nil, err
	}
	profit := revenue - expense
	row, err := e.store.InsertSettlement(ctx, nil, &store.Settlement{
		ProfitMonthID:     month,
		RevenueSum:        revenue,
		ExpenseSum:        expense,
		ProfitSum:         profit,
		ProfitNonnegative: profit >= 0,
	})
	if err != nil {
		return nil, err
	}
	log.Printf("[SETTLEMENT] month=%s revenue=%d expense=%d profit=%d", month, revenue, expense, profit)
	e.pub.Publish(ctx, events.KindSettlementComputed, row)
	return row, nil
}

// CreateKey is the deterministic idempotency key for create_distribution.
func CreateKey(month string, profitSum int64) string {
	return fmt.Sprintf("create_distribution:%s:%d", month, profitSum)
}

// ExecuteKey is the deterministic idempotency key for execute_distribution.
func ExecuteKey(month string, profitSum int64) string {
	return fmt.Sprintf("execute_distribution:%s:%d", month, profitSum)
}

// CreateDecision is the verdict on whether create_distribution may proceed.
type CreateDecision struct {
	Allowed        bool
	BlockedReason  string
	ProfitSum      int64
	IdempotencyKey string
}

// CheckCreate applies the create_distribution preconditions: the platform
// spend gate (reconciliation present, ready and fresh), positive profit, and
// no existing on-chain record. already_exists is a successful terminal
// verdict, not an error.
func (e *Engine) CheckCreate(ctx context.Context, month string) (*CreateDecision, error) {
	gated, err := e.gate.CheckPlatformOutflow(ctx)
	if err != nil {
		return nil, err
	}
	if !gated.Allowed {
		return &CreateDecision{BlockedReason: gated.Reason}, nil
	}

	settlement, err := e.store.LatestSettlement(ctx, month)
	if errors.Is(err, store.ErrNotFound) {
		return &CreateDecision{BlockedReason: ReasonSettlementMissing}, nil
	}
	if err != nil {
		return nil, err
	}
	decision := &CreateDecision{
		ProfitSum:      settlement.ProfitSum,
		IdempotencyKey: CreateKey(month, settlement.ProfitSum),
	}
	if settlement.ProfitSum <= 0 {
		decision.BlockedReason = ReasonNoProfit
		return decision, nil
	}
	if e.chain == nil {
		decision.BlockedReason = ReasonRPCNotConfigured
		return decision, nil
	}
	dist, err := e.chain.GetDistribution(ctx, month)
	if err != nil {
		if errors.Is(err, chain.ErrRPCNotConfigured) {
			decision.BlockedReason = ReasonRPCNotConfigured
			return decision, nil
		}
		return nil, fmt.Errorf("getDistribution: %w", err)
	}
	if dist.Exists {
		decision.BlockedReason = ReasonAlreadyExists
		return decision, nil
	}
	decision.Allowed = true
	return decision, nil
}

// ExecuteDecision is the verdict on execute_distribution.
type ExecuteDecision struct {
	Allowed        bool
	BlockedReason  string
	ProfitSum      int64
	IdempotencyKey string
}

// CheckExecute runs the platform spend gate, then validates the recipient
// vectors against the month's settled profit and the on-chain distribution
// state.
func (e *Engine) CheckExecute(ctx context.Context, month string, payload *ExecutePayload) (*ExecuteDecision, error) {
	gated, err := e.gate.CheckPlatformOutflow(ctx)
	if err != nil {
		return nil, err
	}
	if !gated.Allowed {
		return &ExecuteDecision{BlockedReason: gated.Reason}, nil
	}

	settlement, err := e.store.LatestSettlement(ctx, month)
	if errors.Is(err, store.ErrNotFound) {
		return &ExecuteDecision{BlockedReason: ReasonSettlementMissing}, nil
	}
	if err != nil {
		return nil, err
	}
	decision := &ExecuteDecision{
		ProfitSum:      settlement.ProfitSum,
		IdempotencyKey: ExecuteKey(month, settlement.ProfitSum),
	}

	if reason := ValidatePayload(payload, settlement.ProfitSum); reason != "" {
		decision.BlockedReason = reason
		return decision, nil
	}
	if e.chain == nil {
		decision.BlockedReason = ReasonRPCNotConfigured
		return decision, nil
	}
	dist, err := e.chain.GetDistribution(ctx, month)
	if err != nil {
		if errors.Is(err, chain.ErrRPCNotConfigured) {
			decision.BlockedReason = ReasonRPCNotConfigured
			return decision, nil
		}
		return nil, fmt.Errorf("getDistribution: %w", err)
	}
	if !dist.Exists {
		decision.BlockedReason = ReasonNotCreated
		return decision, nil
	}
	if dist.Distributed {
		decision.BlockedReason = ReasonAlreadyDistributed
		return decision, nil
	}
	decision.Allowed = true
	return decision, nil
}

// ValidatePayload checks vector lengths, caps, and the exact share total.
// Returns the first failing reason or empty when valid.
func ValidatePayload(p *ExecutePayload, profitSum int64) string {
	if len(p.Stakers) != len(p.StakerShares) || len(p.Authors) != len(p.AuthorShares) {
		return ReasonLengthMismatch
	}
	if len(p.Stakers) > MaxStakers {
		return ReasonTooManyStakers
	}
	if len(p.Authors) > MaxAuthors {
		return ReasonTooManyAuthors
	}
	if p.Total() != profitSum {
		return ReasonSharesSumMismatch
	}
	return ""
}
