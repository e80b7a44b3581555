// Package reconcile compares ledger balances against live on-chain
// balances and records the verdict. Reports are append-only; the spend
// gate reads the latest row per scope.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/agentdao/backoffice/internal/chain"
	"github.com/agentdao/backoffice/internal/events"
	"github.com/agentdao/backoffice/internal/store"
)

// Blocked reasons written to report rows.
const (
	ReasonBalanceMismatch          = "balance_mismatch"
	ReasonNegativeProfit           = "negative_profit"
	ReasonRPCNotConfigured         = "rpc_not_configured"
	ReasonRPCError                 = "rpc_error"
	ReasonTreasuryNotConfigured    = "treasury_not_configured"
	ReasonRevenueNotConfigured     = "revenue_address_not_configured"
	ReasonDistributorNotConfigured = "distributor_not_configured"
	ReasonSettlementMissing        = "settlement_missing"
)

// Reconciler computes and persists reconciliation reports.
type Reconciler struct {
	store       *store.Store
	chain       chain.Client
	distributor string
	pub         *events.Publisher
}

// New builds a reconciler. chain may be nil when no RPC is configured; every
// report then carries rpc_not_configured.
func New(st *store.Store, cl chain.Client, distributorAddress string, pub *events.Publisher) *Reconciler {
	return &Reconciler{store: st, chain: cl, distributor: distributorAddress, pub: pub}
}

// ProjectCapital reconciles a project's signed capital ledger against
// balanceOf(treasury_address).
func (r *Reconciler) ProjectCapital(ctx context.Context, projectID string) (*store.ReconciliationReport, error) {
	project, err := r.store.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	report := &store.ReconciliationReport{Scope: store.ScopeProjectCapital, ProjectID: projectID}
	if project.TreasuryAddress == "" {
		return r.persist(ctx, blocked(report, ReasonTreasuryNotConfigured))
	}
	ledger, err := r.store.SumCapitalForProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	return r.persist(ctx, r.compare(ctx, report, ledger, project.TreasuryAddress))
}

// ProjectRevenue reconciles a project's cumulative revenue ledger against
// balanceOf(revenue_address).
func (r *Reconciler) ProjectRevenue(ctx context.Context, projectID string) (*store.ReconciliationReport, error) {
	project, err := r.store.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	report := &store.ReconciliationReport{Scope: store.ScopeProjectRevenue, ProjectID: projectID}
	if project.RevenueAddress == "" {
		return r.persist(ctx, blocked(report, ReasonRevenueNotConfigured))
	}
	ledger, err := r.store.SumRevenueForProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	return r.persist(ctx, r.compare(ctx, report, ledger, project.RevenueAddress))
}

// Platform reconciles a month's settled profit against
// balanceOf(distributor). Requires a prior settlement for the month.
func (r *Reconciler) Platform(ctx context.Context, month string) (*store.ReconciliationReport, error) {
	report := &store.ReconciliationReport{Scope: store.ScopePlatform, ProfitMonthID: month}
	settlement, err := r.store.LatestSettlement(ctx, month)
	if errors.Is(err, store.ErrNotFound) {
		return r.persist(ctx, blocked(report, ReasonSettlementMissing))
	}
	if err != nil {
		return nil, err
	}
	if settlement.ProfitSum < 0 {
		ledger := settlement.ProfitSum
		report.LedgerBalance = &ledger
		return r.persist(ctx, blocked(report, ReasonNegativeProfit))
	}
	if r.distributor == "" {
		return r.persist(ctx, blocked(report, ReasonDistributorNotConfigured))
	}
	return r.persist(ctx, r.compare(ctx, report, settlement.ProfitSum, r.distributor))
}

// compare fills balances, delta, ready and blocked_reason. RPC failures
// leave both balances null per the report contract.
func (r *Reconciler) compare(ctx context.Context, report *store.ReconciliationReport, ledger int64, address string) *store.ReconciliationReport {
	if r.chain == nil {
		return blocked(report, ReasonRPCNotConfigured)
	}
	onchain, err := r.chain.BalanceOf(ctx, address)
	if err != nil {
		if errors.Is(err, chain.ErrRPCNotConfigured) {
			return blocked(report, ReasonRPCNotConfigured)
		}
		log.Printf("[RECONCILE] balanceOf %s: %v", address, err)
		return blocked(report, ReasonRPCError)
	}
	delta := onchain - ledger
	report.LedgerBalance = &ledger
	report.OnchainBalance = &onchain
	report.Delta = &delta
	if delta == 0 && ledger >= 0 {
		report.Ready = true
	} else {
		report.BlockedReason = ReasonBalanceMismatch
	}
	return report
}

func blocked(report *store.ReconciliationReport, reason string) *store.ReconciliationReport {
	report.Ready = false
	report.BlockedReason = reason
	return report
}

func (r *Reconciler) persist(ctx context.Context, report *store.ReconciliationReport) (*store.ReconciliationReport, error) {
	out, err := r.store.InsertReconciliationReport(ctx, nil, report)
	if err != nil {
		return nil, fmt.Errorf("persist reconciliation: %w", err)
	}
	r.pub.Publish(ctx, events.KindReconciled, out)
	return out, nil
}
