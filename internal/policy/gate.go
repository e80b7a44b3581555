// Package policy is the fail-closed spend gate. Every outflow asks the
// gate first; the gate never mutates state and always reports exactly the
// first failing condition as a machine reason.
package policy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/agentdao/backoffice/internal/config"
	"github.com/agentdao/backoffice/internal/store"
)

// Gate scopes. The scope names the reconciliation stream the outflow spends
// against and prefixes every blocked reason.
const (
	ScopeProjectCapital = "project_capital"
	ScopeProjectRevenue = "project_revenue"
	ScopePlatform       = "platform"
)

// Decision is the gate verdict. Reason is empty iff Allowed.
type Decision struct {
	Allowed bool
	Reason  string
}

func allow() Decision             { return Decision{Allowed: true} }
func deny(reason string) Decision { return Decision{Reason: reason} }

// Gate evaluates spend preconditions against reconciliation state and caps.
type Gate struct {
	store         *store.Store
	distributor   string
	capitalMaxAge time.Duration
	revenueMaxAge time.Duration
	perBountyCap  int64
	perDayCap     int64
	now           func() time.Time
}

// New builds a gate from config.
func New(st *store.Store, cfg *config.Config) *Gate {
	return &Gate{
		store:         st,
		distributor:   cfg.DistributorAddress,
		capitalMaxAge: cfg.CapitalReconcileMaxAge,
		revenueMaxAge: cfg.RevenueReconcileMaxAge,
		perBountyCap:  cfg.SpendCapPerBounty,
		perDayCap:     cfg.SpendCapPerDay,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// CheckScope runs the reconciliation-freshness portion of the gate for one
// scope: anchor configured, report exists, ready with delta 0, fresh.
func (g *Gate) CheckScope(ctx context.Context, scope, projectID, anchorAddress string) (Decision, error) {
	if anchorAddress == "" {
		return deny(scope + "_address_missing"), nil
	}
	report, err := g.store.LatestReconciliationReport(ctx, reconScope(scope), projectID)
	if errors.Is(err, store.ErrNotFound) {
		return deny(scope + "_reconciliation_missing"), nil
	}
	if err != nil {
		return Decision{}, fmt.Errorf("gate: latest reconciliation: %w", err)
	}
	if !report.Ready || report.Delta == nil || *report.Delta != 0 {
		return deny(scope + "_not_reconciled"), nil
	}
	if g.now().Sub(report.ComputedAt) > g.maxAge(scope) {
		return deny(scope + "_reconciliation_stale"), nil
	}
	return allow(), nil
}

// CheckPlatformOutflow runs the scope checks for sends funded from the
// platform side: distribution create/execute and marketing fee deposits.
func (g *Gate) CheckPlatformOutflow(ctx context.Context) (Decision, error) {
	return g.CheckScope(ctx, ScopePlatform, "", g.distributor)
}

// CheckCapitalOutflow is the full ordered gate for spending project capital:
// scope checks, then spend caps, then capital sufficiency. Used by bounty
// payouts and capital outflow ingestion.
func (g *Gate) CheckCapitalOutflow(ctx context.Context, project *store.Project, amountMicro int64) (Decision, error) {
	d, err := g.CheckScope(ctx, ScopeProjectCapital, project.ProjectID, project.TreasuryAddress)
	if err != nil || !d.Allowed {
		return d, err
	}
	if d, err := g.checkCaps(ctx, project, amountMicro); err != nil || !d.Allowed {
		return d, err
	}
	balance, err := g.store.SumCapitalForProject(ctx, project.ProjectID)
	if err != nil {
		return Decision{}, fmt.Errorf("gate: capital balance: %w", err)
	}
	if balance < amountMicro {
		return deny("insufficient_project_capital"), nil
	}
	return allow(), nil
}

// checkCaps applies the optional per-bounty, per-day and per-month caps.
func (g *Gate) checkCaps(ctx context.Context, project *store.Project, amountMicro int64) (Decision, error) {
	if g.perBountyCap > 0 && amountMicro > g.perBountyCap {
		return deny("project_spend_policy_per_bounty_exceeded"), nil
	}
	now := g.now()
	if g.perDayCap > 0 {
		dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
		spent, err := g.store.SumExpenseForProjectSince(ctx, project.ProjectID, dayStart)
		if err != nil {
			return Decision{}, fmt.Errorf("gate: day spend: %w", err)
		}
		if spent+amountMicro > g.perDayCap {
			return deny("project_spend_policy_per_day_exceeded"), nil
		}
	}
	if project.MonthlyBudgetMicro > 0 {
		monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
		spent, err := g.store.SumExpenseForProjectSince(ctx, project.ProjectID, monthStart)
		if err != nil {
			return Decision{}, fmt.Errorf("gate: month spend: %w", err)
		}
		if spent+amountMicro > project.MonthlyBudgetMicro {
			return deny("project_spend_policy_per_month_exceeded"), nil
		}
	}
	return allow(), nil
}

func (g *Gate) maxAge(scope string) time.Duration {
	if scope == ScopeProjectRevenue {
		return g.revenueMaxAge
	}
	return g.capitalMaxAge
}

func reconScope(scope string) string {
	switch scope {
	case ScopeProjectRevenue:
		return store.ScopeProjectRevenue
	case ScopePlatform:
		return store.ScopePlatform
	default:
		return store.ScopeProjectCapital
	}
}
