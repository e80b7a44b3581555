package autonomy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentdao/backoffice/internal/config"
	"github.com/agentdao/backoffice/internal/marketing"
	"github.com/agentdao/backoffice/internal/settlement"
	"github.com/agentdao/backoffice/internal/store"
)

func TestShortErr(t *testing.T) {
	assert.Equal(t, "dial_tcp:_connection_refused", shortErr(errors.New("dial tcp: connection refused")))

	long := errors.New(strings.Repeat("a b ", 50))
	out := shortErr(long)
	assert.Len(t, out, 80)
	assert.NotContains(t, out, " ")

	assert.Equal(t, "line1_line2", shortErr(errors.New("line1\nline2")))
}

func TestShortErr_MultibyteBoundary(t *testing.T) {
	// Truncation counts runes, so a multi-byte character is kept whole
	// instead of being split into an invalid byte sequence.
	out := shortErr(errors.New(strings.Repeat("é", 100)))
	assert.True(t, utf8.ValidString(out))
	assert.Equal(t, 80, utf8.RuneCountInString(out))
}

func TestRun_BadMonth(t *testing.T) {
	var stdout, stderr bytes.Buffer
	r := New(&config.Config{}, nil, nil, nil, nil, nil, nil, nil, &stdout, &stderr)

	code := r.Run(context.Background(), Options{Month: "2025-01"})
	assert.Equal(t, ExitRunnerError, code)

	// Stderr carries the stage line, stdout exactly one JSON summary.
	assert.Contains(t, stderr.String(), "stage=validate status=error detail=bad_month")

	var summary Summary
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &summary))
	assert.Equal(t, "2025-01", summary.Month)
	assert.Equal(t, ExitRunnerError, summary.ExitCode)
}

// Stage fakes for full-run tests.
type fakeSettler struct {
	profit     int64
	synthCalls int
}

func (f *fakeSettler) Compute(ctx context.Context, month string) (*store.Settlement, error) {
	return &store.Settlement{
		ProfitMonthID:     month,
		ProfitSum:         f.profit,
		ProfitNonnegative: f.profit >= 0,
	}, nil
}

func (f *fakeSettler) CheckCreate(ctx context.Context, month string) (*settlement.CreateDecision, error) {
	if f.profit <= 0 {
		return &settlement.CreateDecision{BlockedReason: settlement.ReasonNoProfit, ProfitSum: f.profit}, nil
	}
	return &settlement.CreateDecision{
		Allowed:        true,
		ProfitSum:      f.profit,
		IdempotencyKey: settlement.CreateKey(month, f.profit),
	}, nil
}

func (f *fakeSettler) CheckExecute(ctx context.Context, month string, payload *settlement.ExecutePayload) (*settlement.ExecuteDecision, error) {
	return &settlement.ExecuteDecision{Allowed: true, ProfitSum: f.profit}, nil
}

func (f *fakeSettler) Synthesize(ctx context.Context, month string) (*settlement.ExecutePayload, error) {
	f.synthCalls++
	return nil, errors.New("no recipients on record")
}

type fakeAccruer struct{}

func (fakeAccruer) AccrueRecent(context.Context, uint64) (int, error) { return 0, nil }
func (fakeAccruer) SettlementDeposit(context.Context) (*marketing.DepositResult, error) {
	return &marketing.DepositResult{Status: marketing.StatusAlreadyFunded}, nil
}

type fakeReconciler struct{}

func (fakeReconciler) ProjectCapital(context.Context, string) (*store.ReconciliationReport, error) {
	return &store.ReconciliationReport{Scope: store.ScopeProjectCapital, Ready: true}, nil
}
func (fakeReconciler) ProjectRevenue(context.Context, string) (*store.ReconciliationReport, error) {
	return &store.ReconciliationReport{Scope: store.ScopeProjectRevenue, Ready: true}, nil
}
func (fakeReconciler) Platform(ctx context.Context, month string) (*store.ReconciliationReport, error) {
	var delta int64
	return &store.ReconciliationReport{
		Scope:         store.ScopePlatform,
		ProfitMonthID: month,
		Delta:         &delta,
		Ready:         true,
	}, nil
}

type fakeRunnerStore struct{}

func (fakeRunnerStore) ListProjects(context.Context) ([]store.Project, error) { return nil, nil }
func (fakeRunnerStore) UpsertDistributionRecord(ctx context.Context, table string, rec *store.DistributionRecord) (*store.DistributionRecord, error) {
	return rec, nil
}

func TestRun_NoProfitMonthExitsClean(t *testing.T) {
	// A balanced month with nothing to distribute is a healthy run: the
	// execute and confirm stages are skipped rather than reported as errors.
	var stdout, stderr bytes.Buffer
	settle := &fakeSettler{profit: 0}
	r := &Runner{
		cfg:        &config.Config{},
		store:      fakeRunnerStore{},
		marketing:  fakeAccruer{},
		reconciler: fakeReconciler{},
		settle:     settle,
		stdout:     &stdout,
		stderr:     &stderr,
	}

	code := r.Run(context.Background(), Options{Month: "202508", SkipIndexer: true})
	assert.Equal(t, ExitOK, code)
	assert.Equal(t, 0, settle.synthCalls, "nothing to synthesize for an empty month")

	assert.Contains(t, stderr.String(), "stage=create_distribution status=ok detail=no_profit")
	assert.NotContains(t, stderr.String(), "stage=execute_distribution")

	var summary Summary
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &summary))
	assert.Equal(t, ExitOK, summary.ExitCode)
}

func TestReport_StageLineFormat(t *testing.T) {
	var stderr bytes.Buffer
	r := &Runner{stderr: &stderr, stdout: &bytes.Buffer{}}

	r.report("settle", "start", "")
	r.report("settle", "ok", "profit=500")
	r.report("confirm", "blocked", "payout_pending")

	lines := strings.Split(strings.TrimSpace(stderr.String()), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "stage=settle status=start", lines[0])
	assert.Equal(t, "stage=settle status=ok detail=profit=500", lines[1])
	assert.Equal(t, "stage=confirm status=blocked detail=payout_pending", lines[2])

	// start lines are progress only; the summary keeps terminal states.
	require.Len(t, r.stages, 2)
	assert.Equal(t, StageResult{Stage: "settle", Status: "ok", Detail: "profit=500"}, r.stages[0])
	assert.Equal(t, StageResult{Stage: "confirm", Status: "blocked", Detail: "payout_pending"}, r.stages[1])
}

func TestFinish_SummaryShape(t *testing.T) {
	var stdout bytes.Buffer
	r := &Runner{stdout: &stdout, stderr: &bytes.Buffer{}}
	r.stages = []StageResult{{Stage: "index", Status: "ok", Detail: "new=3"}}

	code := r.finish("202508", ExitPayoutPending)
	assert.Equal(t, ExitPayoutPending, code)

	var summary Summary
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &summary))
	assert.Equal(t, "202508", summary.Month)
	assert.Equal(t, ExitPayoutPending, summary.ExitCode)
	require.Len(t, summary.Stages, 1)
	assert.Equal(t, "index", summary.Stages[0].Stage)
}
