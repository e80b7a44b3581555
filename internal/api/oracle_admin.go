package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/agentdao/backoffice/internal/store"
)

// Operator read/maintenance endpoints on the oracle surface.

func queryLimit(r *http.Request, def, max int) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || n <= 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}

// handleAuditList returns recent audit rows, optionally filtered by path.
func (s *Server) handleAuditList(w http.ResponseWriter, r *http.Request) {
	rows, err := s.store.ListAuditRows(r.Context(), r.URL.Query().Get("path"), queryLimit(r, 100, 1000))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "audit query failed")
		return
	}
	writeData(w, rows)
}

// handleAgentRevoke stamps an agent credential revoked. Idempotent.
func (s *Server) handleAgentRevoke(w http.ResponseWriter, r *http.Request) {
	auth := AuthFrom(r.Context())
	agentID := mux.Vars(r)["id"]

	if _, err := s.store.GetAgent(r.Context(), agentID); errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "unknown agent")
		return
	} else if err != nil {
		writeError(w, http.StatusInternalServerError, "agent lookup failed")
		return
	}
	if err := s.store.RevokeAgent(r.Context(), agentID); err != nil {
		writeError(w, http.StatusInternalServerError, "revoke failed")
		return
	}
	_ = s.store.InsertAudit(r.Context(), nil, auth.auditRow(r.Method, r.URL.Path, "", ""))
	writeData(w, map[string]string{"agent_id": agentID, "status": "revoked"})
}

// handleProjectBalances reports a project's ledger-side balances.
func (s *Server) handleProjectBalances(w http.ResponseWriter, r *http.Request) {
	projectID := mux.Vars(r)["id"]
	if _, err := s.store.GetProject(r.Context(), projectID); errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "unknown project")
		return
	} else if err != nil {
		writeError(w, http.StatusInternalServerError, "project lookup failed")
		return
	}

	capital, err := s.ledger.CapitalBalance(r.Context(), projectID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "balance query failed")
		return
	}
	revenue, err := s.ledger.RevenueBalance(r.Context(), projectID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "balance query failed")
		return
	}
	writeData(w, map[string]any{
		"project_id":                 projectID,
		"capital_balance_micro_usdc": capital,
		"revenue_total_micro_usdc":   revenue,
	})
}

// handleTransferList returns observed transfers into one address, newest
// first.
func (s *Server) handleTransferList(w http.ResponseWriter, r *http.Request) {
	to := r.URL.Query().Get("to")
	if to == "" {
		writeValidation(w, "to")
		return
	}
	rows, err := s.store.ListObservedTransfersTo(r.Context(), to, queryLimit(r, 100, 1000))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "transfer query failed")
		return
	}
	writeData(w, rows)
}
