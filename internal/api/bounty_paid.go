package api

import (
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/agentdao/backoffice/internal/audit"
	"github.com/agentdao/backoffice/internal/store"
)

// handleBountyMarkPaid settles a payout: the spend gate must pass, then the
// bounty transition, the expense row, the negative capital row and the
// audit row commit in one transaction. Replays resolve idempotently via the
// deterministic event keys.
func (s *Server) handleBountyMarkPaid(w http.ResponseWriter, r *http.Request) {
	auth := AuthFrom(r.Context())
	bountyID := mux.Vars(r)["id"]

	var req struct {
		PaidTxHash string `json:"paid_tx_hash"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeValidation(w, "body")
		return
	}
	if req.PaidTxHash == "" {
		writeValidation(w, "paid_tx_hash")
		return
	}

	bounty, err := s.store.GetBounty(r.Context(), bountyID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "unknown bounty")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "bounty lookup failed")
		return
	}
	if bounty.Status == "paid" {
		writeData(w, bounty)
		return
	}
	if bounty.Status != "eligible_for_payout" {
		writeBlocked(w, "bounty_not_eligible", bounty)
		return
	}

	project, err := s.store.GetProject(r.Context(), bounty.ProjectID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "project lookup failed")
		return
	}

	decision, err := s.gate.CheckCapitalOutflow(r.Context(), project, bounty.AmountMicroUSDC)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "gate evaluation failed")
		return
	}
	if !decision.Allowed {
		row := auth.auditRow(r.Method, r.URL.Path, "", audit.BlockedHint(decision.Reason, "bounty="+bountyID))
		_ = s.store.InsertAudit(r.Context(), nil, row)
		gateBlocks.WithLabelValues(decision.Reason).Inc()
		writeBlocked(w, decision.Reason, nil)
		return
	}

	month := time.Now().UTC().Format("200601")
	err = s.store.WithTx(r.Context(), func(tx *sql.Tx) error {
		if err := s.store.TransitionBounty(r.Context(), tx, bountyID,
			"eligible_for_payout", "paid", "", req.PaidTxHash); err != nil {
			return err
		}
		if _, _, err := s.store.AppendExpenseEvent(r.Context(), tx, &store.LedgerEvent{
			ProfitMonthID:   month,
			ProjectID:       bounty.ProjectID,
			AmountMicroUSDC: bounty.AmountMicroUSDC,
			TxHash:          req.PaidTxHash,
			Source:          "bounty_payout",
			IdempotencyKey:  "expense:bounty_paid:" + bountyID,
		}); err != nil {
			return err
		}
		if _, _, err := s.store.AppendCapitalEvent(r.Context(), tx, &store.CapitalEvent{
			ProjectID:       bounty.ProjectID,
			ProfitMonthID:   month,
			AmountMicroUSDC: -bounty.AmountMicroUSDC,
			Source:          "bounty_payout",
			IdempotencyKey:  "cap:bounty_paid:" + bountyID,
			EvidenceTxHash:  req.PaidTxHash,
		}); err != nil {
			return err
		}
		row := auth.auditRow(r.Method, r.URL.Path, "expense:bounty_paid:"+bountyID, "")
		row.TxHash = req.PaidTxHash
		return s.store.InsertAudit(r.Context(), tx, row)
	})
	if errors.Is(err, store.ErrRaceLost) {
		// Another caller finished the transition; report current state.
		current, gerr := s.store.GetBounty(r.Context(), bountyID)
		if gerr == nil && current.Status == "paid" {
			writeData(w, current)
			return
		}
		writeBlocked(w, "bounty_status_conflict", nil)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "mark-paid failed")
		return
	}

	paid, err := s.store.GetBounty(r.Context(), bountyID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "bounty lookup failed")
		return
	}
	writeData(w, paid)
}
