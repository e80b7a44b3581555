// Package autonomy is the single-run orchestrator: one invocation walks a
// month through indexing, accrual, reconciliation, settlement and the
// distribution lifecycle. Every stage is idempotent, so the loop can be
// re-run until it exits 0.
package autonomy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/agentdao/backoffice/internal/chain"
	"github.com/agentdao/backoffice/internal/config"
	"github.com/agentdao/backoffice/internal/indexer"
	"github.com/agentdao/backoffice/internal/ledger"
	"github.com/agentdao/backoffice/internal/marketing"
	"github.com/agentdao/backoffice/internal/outbox"
	"github.com/agentdao/backoffice/internal/reconcile"
	"github.com/agentdao/backoffice/internal/settlement"
	"github.com/agentdao/backoffice/internal/store"
)

// Exit codes of the orchestrator.
const (
	ExitOK              = 0
	ExitRunnerError     = 1
	ExitSettlementError = 2
	ExitReconcileError  = 3
	ExitReconcileBlock  = 4
	ExitCreateBlocked   = 5
	ExitCreateError     = 6
	ExitExecuteBlocked  = 7
	ExitExecuteError    = 8
	ExitPayoutPending   = 10
)

// Options select the month and optional stage skips.
type Options struct {
	Month       string
	SkipIndexer bool
	SkipExecute bool
}

// StageResult is one line of the machine summary.
type StageResult struct {
	Stage  string `json:"stage"`
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Summary is the single JSON document emitted on stdout.
type Summary struct {
	Month    string        `json:"month"`
	Stages   []StageResult `json:"stages"`
	ExitCode int           `json:"exit_code"`
}

// Collaborator surfaces, narrowed to what the stages call.
type settler interface {
	Compute(ctx context.Context, month string) (*store.Settlement, error)
	CheckCreate(ctx context.Context, month string) (*settlement.CreateDecision, error)
	CheckExecute(ctx context.Context, month string, payload *settlement.ExecutePayload) (*settlement.ExecuteDecision, error)
	Synthesize(ctx context.Context, month string) (*settlement.ExecutePayload, error)
}

type accruer interface {
	AccrueRecent(ctx context.Context, fromBlock uint64) (int, error)
	SettlementDeposit(ctx context.Context) (*marketing.DepositResult, error)
}

type reconcilerSurface interface {
	ProjectCapital(ctx context.Context, projectID string) (*store.ReconciliationReport, error)
	ProjectRevenue(ctx context.Context, projectID string) (*store.ReconciliationReport, error)
	Platform(ctx context.Context, month string) (*store.ReconciliationReport, error)
}

type dispatcher interface {
	Dispatch(ctx context.Context, taskType string, payload *outbox.TxPayload, idempotencyKey string) (*outbox.DispatchResult, error)
}

type runnerStore interface {
	ListProjects(ctx context.Context) ([]store.Project, error)
	UpsertDistributionRecord(ctx context.Context, table string, rec *store.DistributionRecord) (*store.DistributionRecord, error)
}

// Runner wires the stages over the shared services.
type Runner struct {
	cfg        *config.Config
	store      runnerStore
	chain      chain.Client
	indexer    *indexer.Indexer
	marketing  accruer
	reconciler reconcilerSurface
	settle     settler
	dispatch   dispatcher

	stdout io.Writer
	stderr io.Writer

	stages []StageResult
}

// New builds a runner. chain may be nil.
func New(cfg *config.Config, st *store.Store, cl chain.Client, ix *indexer.Indexer,
	mkt *marketing.Service, rec *reconcile.Reconciler, set *settlement.Engine,
	dispatch *outbox.Dispatcher, stdout, stderr io.Writer) *Runner {
	return &Runner{
		cfg:        cfg,
		store:      st,
		chain:      cl,
		indexer:    ix,
		marketing:  mkt,
		reconciler: rec,
		settle:     set,
		dispatch:   dispatch,
		stdout:     stdout,
		stderr:     stderr,
	}
}

// Run executes the loop once and returns the process exit code. Progress
// lines go to stderr; the final summary is one JSON document on stdout.
func (r *Runner) Run(ctx context.Context, opts Options) int {
	if !ledger.ValidMonth(opts.Month) {
		fmt.Fprintf(r.stderr, "stage=validate status=error detail=bad_month\n")
		return r.finish(opts.Month, ExitRunnerError)
	}

	if code := r.stageIndex(ctx, opts); code != ExitOK {
		return r.finish(opts.Month, code)
	}
	if code := r.stageAccrue(ctx); code != ExitOK {
		return r.finish(opts.Month, code)
	}
	if code := r.stageProjectReconcile(ctx); code != ExitOK {
		return r.finish(opts.Month, code)
	}
	profit, delta, code := r.stageSettle(ctx, opts.Month)
	if code != ExitOK {
		return r.finish(opts.Month, code)
	}
	code, payout := r.stageEnqueues(ctx, opts.Month, profit, delta)
	if code != ExitOK {
		return r.finish(opts.Month, code)
	}
	if !payout {
		// Nothing to distribute this month; a healthy run still exits 0.
		return r.finish(opts.Month, ExitOK)
	}
	if !opts.SkipExecute {
		if code := r.stageExecute(ctx, opts.Month); code != ExitOK {
			return r.finish(opts.Month, code)
		}
	}
	return r.finish(opts.Month, r.stageConfirm(ctx, opts.Month))
}

func (r *Runner) stageIndex(ctx context.Context, opts Options) int {
	if opts.SkipIndexer || r.indexer == nil {
		r.report("index", "ok", "skipped")
		return ExitOK
	}
	r.report("index", "start", "")
	n, err := r.indexer.Tick(ctx)
	if err != nil {
		// Indexing catches up on the next run; keep going.
		r.report("index", "error", shortErr(err))
		return ExitOK
	}
	r.report("index", "ok", fmt.Sprintf("new=%d", n))
	return ExitOK
}

func (r *Runner) stageAccrue(ctx context.Context) int {
	r.report("accrue", "start", "")
	n, err := r.marketing.AccrueRecent(ctx, 0)
	if err != nil {
		r.report("accrue", "error", shortErr(err))
		return ExitRunnerError
	}
	r.report("accrue", "ok", fmt.Sprintf("fees=%d", n))
	return ExitOK
}

func (r *Runner) stageProjectReconcile(ctx context.Context) int {
	r.report("project_reconcile", "start", "")
	projects, err := r.store.ListProjects(ctx)
	if err != nil {
		r.report("project_reconcile", "error", shortErr(err))
		return ExitReconcileError
	}
	for _, p := range projects {
		if _, err := r.reconciler.ProjectCapital(ctx, p.ProjectID); err != nil {
			r.report("project_reconcile", "error", "capital:"+p.ProjectID)
			return ExitReconcileError
		}
		if _, err := r.reconciler.ProjectRevenue(ctx, p.ProjectID); err != nil {
			r.report("project_reconcile", "error", "revenue:"+p.ProjectID)
			return ExitReconcileError
		}
	}
	r.report("project_reconcile", "ok", fmt.Sprintf("projects=%d", len(projects)))
	return ExitOK
}

// stageSettle computes the settlement and the platform reconciliation.
// Returns the settled profit and the platform delta.
func (r *Runner) stageSettle(ctx context.Context, month string) (int64, int64, int) {
	r.report("settle", "start", "")
	st, err := r.settle.Compute(ctx, month)
	if err != nil {
		r.report("settle", "error", shortErr(err))
		return 0, 0, ExitSettlementError
	}
	r.report("settle", "ok", fmt.Sprintf("profit=%d", st.ProfitSum))

	r.report("platform_reconcile", "start", "")
	report, err := r.reconciler.Platform(ctx, month)
	if err != nil {
		r.report("platform_reconcile", "error", shortErr(err))
		return 0, 0, ExitReconcileError
	}
	var delta int64
	if report.Delta != nil {
		delta = *report.Delta
	}
	if !report.Ready {
		// A pure funding shortfall is repairable by the deposit_profit
		// enqueue below; anything else blocks the run.
		if report.BlockedReason == reconcile.ReasonBalanceMismatch && delta < 0 {
			r.report("platform_reconcile", "blocked", "short_by="+fmt.Sprint(-delta))
			return st.ProfitSum, delta, ExitOK
		}
		r.report("platform_reconcile", "blocked", report.BlockedReason)
		return 0, 0, ExitReconcileBlock
	}
	r.report("platform_reconcile", "ok", "")
	return st.ProfitSum, delta, ExitOK
}

// stageEnqueues funds shortfalls and dispatches create_distribution. The
// second return is false when the month has nothing to pay out, so the run
// skips the execute and confirm stages and exits clean.
func (r *Runner) stageEnqueues(ctx context.Context, month string, profit, delta int64) (int, bool) {
	// Fund the distributor when the on-chain balance trails the ledger.
	if delta < 0 && r.cfg.DistributorAddress != "" {
		r.report("deposit_profit", "start", "")
		key := fmt.Sprintf("deposit_profit:%s:%d", month, -delta)
		_, err := r.dispatch.Dispatch(ctx, store.TaskDepositProfit, &outbox.TxPayload{
			To:              r.cfg.DistributorAddress,
			AmountMicroUSDC: -delta,
			ProfitMonthID:   month,
		}, key)
		if err != nil {
			r.report("deposit_profit", "error", shortErr(err))
			return ExitRunnerError, false
		}
		r.report("deposit_profit", "ok", fmt.Sprintf("amount=%d", -delta))
	}

	// Marketing fee deposit for any outstanding accrual. A gate denial is
	// not fatal; the deposit retries on the next run.
	if r.cfg.MarketingTreasury != "" {
		r.report("marketing_deposit", "start", "")
		res, err := r.marketing.SettlementDeposit(ctx)
		switch {
		case err != nil:
			r.report("marketing_deposit", "error", shortErr(err))
			return ExitRunnerError, false
		case res.Status == marketing.StatusBlocked:
			r.report("marketing_deposit", "blocked", res.BlockedReason)
		default:
			r.report("marketing_deposit", "ok", res.Status)
		}
	}

	// create_distribution.
	r.report("create_distribution", "start", "")
	decision, err := r.settle.CheckCreate(ctx, month)
	if err != nil {
		r.report("create_distribution", "error", shortErr(err))
		return ExitCreateError, false
	}
	if !decision.Allowed {
		if decision.BlockedReason == settlement.ReasonAlreadyExists {
			r.report("create_distribution", "ok", "already_exists")
			return ExitOK, true
		}
		if decision.BlockedReason == settlement.ReasonNoProfit {
			r.report("create_distribution", "ok", "no_profit")
			return ExitOK, false
		}
		r.report("create_distribution", "blocked", decision.BlockedReason)
		return ExitCreateBlocked, false
	}
	if _, err := r.dispatch.Dispatch(ctx, store.TaskCreateDistribution, &outbox.TxPayload{
		ProfitMonthID:   month,
		AmountMicroUSDC: decision.ProfitSum,
	}, decision.IdempotencyKey); err != nil {
		r.report("create_distribution", "error", shortErr(err))
		return ExitCreateError, false
	}
	r.report("create_distribution", "ok", "")
	return ExitOK, true
}

func (r *Runner) stageExecute(ctx context.Context, month string) int {
	r.report("execute_distribution", "start", "")
	payload, err := r.settle.Synthesize(ctx, month)
	if err != nil {
		if errors.Is(err, settlement.ErrNoRecipients) {
			r.report("execute_distribution", "blocked", "no_recipients")
			return ExitExecuteBlocked
		}
		r.report("execute_distribution", "error", shortErr(err))
		return ExitExecuteError
	}

	decision, err := r.settle.CheckExecute(ctx, month, payload)
	if err != nil {
		r.report("execute_distribution", "error", shortErr(err))
		return ExitExecuteError
	}
	if !decision.Allowed {
		if decision.BlockedReason == settlement.ReasonAlreadyDistributed {
			r.report("execute_distribution", "ok", "already_distributed")
			return ExitOK
		}
		r.report("execute_distribution", "blocked", decision.BlockedReason)
		return ExitExecuteBlocked
	}
	if _, err := r.dispatch.Dispatch(ctx, store.TaskExecuteDistribution, &outbox.TxPayload{
		ProfitMonthID: month,
		Stakers:       payload.Stakers,
		StakerShares:  payload.StakerShares,
		Authors:       payload.Authors,
		AuthorShares:  payload.AuthorShares,
	}, decision.IdempotencyKey); err != nil {
		r.report("execute_distribution", "error", shortErr(err))
		return ExitExecuteError
	}
	r.report("execute_distribution", "ok", "")
	return ExitOK
}

// stageConfirm reads chain state to finalize the payout record.
func (r *Runner) stageConfirm(ctx context.Context, month string) int {
	r.report("confirm", "start", "")
	if r.chain == nil {
		r.report("confirm", "blocked", "rpc_not_configured")
		return ExitPayoutPending
	}
	dist, err := r.chain.GetDistribution(ctx, month)
	if err != nil {
		r.report("confirm", "error", shortErr(err))
		return ExitPayoutPending
	}
	if !dist.Exists || !dist.Distributed {
		r.report("confirm", "blocked", "payout_pending")
		return ExitPayoutPending
	}

	if _, err := r.store.UpsertDistributionRecord(ctx, store.TableDividendPayouts, &store.DistributionRecord{
		ProfitMonthID:  month,
		Status:         store.DistConfirmed,
		IdempotencyKey: "dividend_payout:" + month,
	}); err != nil {
		r.report("confirm", "error", shortErr(err))
		return ExitRunnerError
	}
	r.report("confirm", "ok", "")
	return ExitOK
}

func (r *Runner) report(stage, status, detail string) {
	if detail != "" {
		fmt.Fprintf(r.stderr, "stage=%s status=%s detail=%s\n", stage, status, detail)
	} else {
		fmt.Fprintf(r.stderr, "stage=%s status=%s\n", stage, status)
	}
	if status != "start" {
		r.stages = append(r.stages, StageResult{Stage: stage, Status: status, Detail: detail})
	}
}

func (r *Runner) finish(month string, code int) int {
	summary := Summary{Month: month, Stages: r.stages, ExitCode: code}
	enc := json.NewEncoder(r.stdout)
	if err := enc.Encode(summary); err != nil {
		fmt.Fprintf(r.stderr, "stage=summary status=error detail=%s\n", shortErr(err))
	}
	return code
}

// shortErr collapses an error message into a single stage-line token,
// truncated to 80 runes so a multi-byte character never splits.
func shortErr(err error) string {
	out := make([]rune, 0, 80)
	for _, c := range err.Error() {
		if len(out) == 80 {
			break
		}
		if c == ' ' || c == '\n' || c == '\t' {
			c = '_'
		}
		out = append(out, c)
	}
	return string(out)
}
