package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/agentdao/backoffice/internal/audit"
	"github.com/agentdao/backoffice/internal/ledger"
	"github.com/agentdao/backoffice/internal/marketing"
	"github.com/agentdao/backoffice/internal/outbox"
	"github.com/agentdao/backoffice/internal/settlement"
	"github.com/agentdao/backoffice/internal/store"
)

// handleSettlement computes and appends a month's roll-up.
func (s *Server) handleSettlement(w http.ResponseWriter, r *http.Request) {
	auth := AuthFrom(r.Context())
	month := mux.Vars(r)["month"]

	row, err := s.settle.Compute(r.Context(), month)
	if err != nil {
		var verr *ledger.ValidationError
		if errors.As(err, &verr) {
			writeValidation(w, verr.Field)
			return
		}
		writeError(w, http.StatusInternalServerError, "settlement failed")
		return
	}
	_ = s.store.InsertAudit(r.Context(), nil, auth.auditRow(r.Method, r.URL.Path, "", ""))
	writeData(w, row)
}

// handlePlatformReconciliation reconciles a month's settled profit against
// the distributor balance.
func (s *Server) handlePlatformReconciliation(w http.ResponseWriter, r *http.Request) {
	auth := AuthFrom(r.Context())
	month := mux.Vars(r)["month"]
	if !ledger.ValidMonth(month) {
		writeValidation(w, "profit_month_id")
		return
	}
	report, err := s.reconciler.Platform(r.Context(), month)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "reconciliation failed")
		return
	}
	_ = s.store.InsertAudit(r.Context(), nil, auth.auditRow(r.Method, r.URL.Path, "", ""))
	writeData(w, report)
}

func (s *Server) handleProjectCapitalReconciliation(w http.ResponseWriter, r *http.Request) {
	s.reconcileProject(w, r, true)
}

func (s *Server) handleProjectRevenueReconciliation(w http.ResponseWriter, r *http.Request) {
	s.reconcileProject(w, r, false)
}

func (s *Server) reconcileProject(w http.ResponseWriter, r *http.Request, capitalSide bool) {
	auth := AuthFrom(r.Context())
	projectID := mux.Vars(r)["id"]

	var report *store.ReconciliationReport
	var err error
	if capitalSide {
		report, err = s.reconciler.ProjectCapital(r.Context(), projectID)
	} else {
		report, err = s.reconciler.ProjectRevenue(r.Context(), projectID)
	}
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "unknown project")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "reconciliation failed")
		return
	}
	_ = s.store.InsertAudit(r.Context(), nil, auth.auditRow(r.Method, r.URL.Path, "", ""))
	writeData(w, report)
}

// handleDistributionCreate gates and dispatches create_distribution.
func (s *Server) handleDistributionCreate(w http.ResponseWriter, r *http.Request) {
	auth := AuthFrom(r.Context())
	month := mux.Vars(r)["month"]
	if !ledger.ValidMonth(month) {
		writeValidation(w, "profit_month_id")
		return
	}

	decision, err := s.settle.CheckCreate(r.Context(), month)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "create check failed")
		return
	}
	if !decision.Allowed {
		row := auth.auditRow(r.Method, r.URL.Path, decision.IdempotencyKey,
			audit.BlockedHint(decision.BlockedReason, "month="+month))
		_ = s.store.InsertAudit(r.Context(), nil, row)
		writeBlocked(w, decision.BlockedReason, map[string]any{
			"idempotency_key": decision.IdempotencyKey,
			"profit_sum":      decision.ProfitSum,
		})
		return
	}

	result, err := s.dispatch.Dispatch(r.Context(), store.TaskCreateDistribution, &outbox.TxPayload{
		ProfitMonthID:   month,
		AmountMicroUSDC: decision.ProfitSum,
	}, decision.IdempotencyKey)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "dispatch failed")
		return
	}
	_ = s.store.InsertAudit(r.Context(), nil, auth.auditRow(r.Method, r.URL.Path, decision.IdempotencyKey, ""))
	writeData(w, result)
}

// handleDistributionExecute validates recipient vectors against the settled
// profit and dispatches execute_distribution.
func (s *Server) handleDistributionExecute(w http.ResponseWriter, r *http.Request) {
	auth := AuthFrom(r.Context())
	month := mux.Vars(r)["month"]
	if !ledger.ValidMonth(month) {
		writeValidation(w, "profit_month_id")
		return
	}

	var payload settlement.ExecutePayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeValidation(w, "body")
		return
	}

	decision, err := s.settle.CheckExecute(r.Context(), month, &payload)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "execute check failed")
		return
	}
	if !decision.Allowed {
		row := auth.auditRow(r.Method, r.URL.Path, decision.IdempotencyKey,
			audit.BlockedHint(decision.BlockedReason, "month="+month))
		_ = s.store.InsertAudit(r.Context(), nil, row)
		writeBlocked(w, decision.BlockedReason, map[string]any{
			"idempotency_key": decision.IdempotencyKey,
		})
		return
	}

	result, err := s.dispatch.Dispatch(r.Context(), store.TaskExecuteDistribution, &outbox.TxPayload{
		ProfitMonthID: month,
		Stakers:       payload.Stakers,
		StakerShares:  payload.StakerShares,
		Authors:       payload.Authors,
		AuthorShares:  payload.AuthorShares,
	}, decision.IdempotencyKey)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "dispatch failed")
		return
	}
	_ = s.store.InsertAudit(r.Context(), nil, auth.auditRow(r.Method, r.URL.Path, decision.IdempotencyKey, ""))
	writeData(w, result)
}

// handleMarketingDeposit settles the accrued/sent fee delta.
func (s *Server) handleMarketingDeposit(w http.ResponseWriter, r *http.Request) {
	auth := AuthFrom(r.Context())
	result, err := s.marketing.SettlementDeposit(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "marketing deposit failed")
		return
	}
	if result.Status == marketing.StatusBlocked {
		row := auth.auditRow(r.Method, r.URL.Path, "",
			audit.BlockedHint(result.BlockedReason, "marketing_deposit"))
		_ = s.store.InsertAudit(r.Context(), nil, row)
		gateBlocks.WithLabelValues(result.BlockedReason).Inc()
		writeBlocked(w, result.BlockedReason, result)
		return
	}
	key := ""
	if result.Task != nil {
		key = result.Task.IdempotencyKey
	}
	_ = s.store.InsertAudit(r.Context(), nil, auth.auditRow(r.Method, r.URL.Path, key, ""))
	writeData(w, result)
}
