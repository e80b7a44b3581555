package api

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/agentdao/backoffice/internal/audit"
	"github.com/agentdao/backoffice/internal/ledger"
	"github.com/agentdao/backoffice/internal/store"
)

type ledgerEventRequest struct {
	ProfitMonthID   string `json:"profit_month_id"`
	ProjectID       string `json:"project_id"`
	AmountMicroUSDC int64  `json:"amount_micro_usdc"`
	TxHash          string `json:"tx_hash"`
	Source          string `json:"source"`
	Category        string `json:"category"`
	IdempotencyKey  string `json:"idempotency_key"`
	EvidenceURL     string `json:"evidence_url"`
}

func (s *Server) handleRevenueEvent(w http.ResponseWriter, r *http.Request) {
	s.appendLedgerEvent(w, r, false)
}

func (s *Server) handleExpenseEvent(w http.ResponseWriter, r *http.Request) {
	s.appendLedgerEvent(w, r, true)
}

func (s *Server) appendLedgerEvent(w http.ResponseWriter, r *http.Request, expense bool) {
	auth := AuthFrom(r.Context())
	var req ledgerEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeValidation(w, "body")
		return
	}
	source := req.Source
	if expense && req.Category != "" {
		source = req.Category
	}
	ev := &store.LedgerEvent{
		ProfitMonthID:   req.ProfitMonthID,
		ProjectID:       req.ProjectID,
		AmountMicroUSDC: req.AmountMicroUSDC,
		TxHash:          req.TxHash,
		Source:          source,
		IdempotencyKey:  req.IdempotencyKey,
		EvidenceURL:     req.EvidenceURL,
	}
	row := auth.auditRow(r.Method, r.URL.Path, req.IdempotencyKey, "")

	var out *store.LedgerEvent
	var err error
	if expense {
		out, _, err = s.ledger.AppendExpense(r.Context(), ev, row)
	} else {
		out, _, err = s.ledger.AppendRevenue(r.Context(), ev, row)
	}
	if err != nil {
		s.writeLedgerError(w, r, err)
		return
	}
	writeData(w, out)
}

func (s *Server) handleCapitalEvent(w http.ResponseWriter, r *http.Request) {
	auth := AuthFrom(r.Context())
	var req struct {
		ProjectID       string `json:"project_id"`
		ProfitMonthID   string `json:"profit_month_id"`
		AmountMicroUSDC int64  `json:"amount_micro_usdc"`
		Source          string `json:"source"`
		IdempotencyKey  string `json:"idempotency_key"`
		EvidenceTxHash  string `json:"evidence_tx_hash"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeValidation(w, "body")
		return
	}

	// Capital outflows spend treasury funds and must pass the gate first.
	if req.AmountMicroUSDC < 0 {
		project, err := s.store.GetProject(r.Context(), req.ProjectID)
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "unknown project")
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, "project lookup failed")
			return
		}
		decision, err := s.gate.CheckCapitalOutflow(r.Context(), project, -req.AmountMicroUSDC)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "gate evaluation failed")
			return
		}
		if !decision.Allowed {
			row := auth.auditRow(r.Method, r.URL.Path, req.IdempotencyKey,
				audit.BlockedHint(decision.Reason, "project="+req.ProjectID))
			_ = s.store.InsertAudit(r.Context(), nil, row)
			gateBlocks.WithLabelValues(decision.Reason).Inc()
			writeBlocked(w, decision.Reason, nil)
			return
		}
	}

	ev := &store.CapitalEvent{
		ProjectID:       req.ProjectID,
		ProfitMonthID:   req.ProfitMonthID,
		AmountMicroUSDC: req.AmountMicroUSDC,
		Source:          req.Source,
		IdempotencyKey:  req.IdempotencyKey,
		EvidenceTxHash:  req.EvidenceTxHash,
	}
	out, _, err := s.ledger.AppendCapital(r.Context(), ev, auth.auditRow(r.Method, r.URL.Path, req.IdempotencyKey, ""))
	if err != nil {
		s.writeLedgerError(w, r, err)
		return
	}
	writeData(w, out)
}

func (s *Server) writeLedgerError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *ledger.ValidationError
	if errors.As(err, &verr) {
		auth := AuthFrom(r.Context())
		_ = s.store.InsertAudit(r.Context(), nil,
			auth.auditRow(r.Method, r.URL.Path, "", audit.ValidationHint(verr.Field)))
		writeValidation(w, verr.Field)
		return
	}
	writeError(w, http.StatusInternalServerError, "ledger append failed")
}

// syncRequest bounds an observed-transfer sync pass.
type syncRequest struct {
	FromBlock uint64 `json:"from_block"`
}

// handleBillingSync folds observed inflows to project revenue addresses
// into revenue events keyed by the observation identity, then accrues
// marketing fees over the same batch.
func (s *Server) handleBillingSync(w http.ResponseWriter, r *http.Request) {
	s.syncObservations(w, r, false)
}

// handleCapitalSync is the treasury-side analogue: observed inflows to
// project treasuries become positive capital events.
func (s *Server) handleCapitalSync(w http.ResponseWriter, r *http.Request) {
	s.syncObservations(w, r, true)
}

func (s *Server) syncObservations(w http.ResponseWriter, r *http.Request, capitalSide bool) {
	auth := AuthFrom(r.Context())
	var req syncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeValidation(w, "body")
		return
	}

	projects, err := s.store.ListProjects(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "project list failed")
		return
	}
	byAddress := make(map[string]*store.Project)
	for i := range projects {
		p := &projects[i]
		if capitalSide && p.TreasuryAddress != "" {
			byAddress[strings.ToLower(p.TreasuryAddress)] = p
		}
		if !capitalSide && p.RevenueAddress != "" {
			byAddress[strings.ToLower(p.RevenueAddress)] = p
		}
	}

	transfers, err := s.store.ListObservedTransfersSinceBlock(r.Context(), s.cfg.ChainID, req.FromBlock)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "transfer list failed")
		return
	}

	// Ledger rows, fee accrual and the audit row land in one transaction so
	// a crash mid-batch never leaves appended events without their audit.
	month := time.Now().UTC().Format("200601")
	created := 0
	accrued := 0
	err = s.store.WithTx(r.Context(), func(tx *sql.Tx) error {
		for _, t := range transfers {
			project, ok := byAddress[strings.ToLower(t.ToAddress)]
			if !ok || t.AmountMicroUSDC <= 0 {
				continue
			}
			key := fmt.Sprintf("obs:%d:%s:%d", t.ChainID, t.TxHash, t.LogIndex)
			var wasNew bool
			var aerr error
			if capitalSide {
				_, wasNew, aerr = s.store.AppendCapitalEvent(r.Context(), tx, &store.CapitalEvent{
					ProjectID:       project.ProjectID,
					ProfitMonthID:   month,
					AmountMicroUSDC: t.AmountMicroUSDC,
					Source:          "chain_observation",
					IdempotencyKey:  key,
					EvidenceTxHash:  t.TxHash,
				})
			} else {
				_, wasNew, aerr = s.store.AppendRevenueEvent(r.Context(), tx, &store.LedgerEvent{
					ProfitMonthID:   month,
					ProjectID:       project.ProjectID,
					AmountMicroUSDC: t.AmountMicroUSDC,
					TxHash:          t.TxHash,
					Source:          "chain_observation",
					IdempotencyKey:  key,
				})
			}
			if aerr != nil {
				return aerr
			}
			if wasNew {
				created++
			}
		}

		n, aerr := s.marketing.AccrueFromTransfers(r.Context(), tx, transfers)
		if aerr != nil {
			return aerr
		}
		accrued = n

		return s.store.InsertAudit(r.Context(), tx, auth.auditRow(r.Method, r.URL.Path, "", ""))
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "sync failed")
		return
	}

	writeData(w, map[string]any{
		"observed":     len(transfers),
		"events_added": created,
		"fees_accrued": accrued,
		"profit_month": month,
	})
}
