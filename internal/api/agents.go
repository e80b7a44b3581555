package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/agentdao/backoffice/internal/oracle"
	"github.com/agentdao/backoffice/internal/store"
)

// handleAgentRegister mints an agent identity and its API key. The
// plaintext key appears only in this response.
func (s *Server) handleAgentRegister(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DisplayName   string   `json:"display_name"`
		Capabilities  []string `json:"capabilities"`
		WalletAddress string   `json:"wallet_address"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeValidation(w, "body")
		return
	}
	if req.DisplayName == "" {
		writeValidation(w, "display_name")
		return
	}

	token, err := oracle.NewAPIKeyToken()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "key generation failed")
		return
	}
	hash, err := oracle.HashAPIKey(token)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "key generation failed")
		return
	}

	agent := &store.Agent{
		AgentID:         "agent_" + uuid.NewString(),
		DisplayName:     req.DisplayName,
		Capabilities:    req.Capabilities,
		WalletAddress:   req.WalletAddress,
		CredentialHash:  hash,
		CredentialLast4: oracle.Last4(token),
	}
	if err := s.store.InsertAgent(r.Context(), agent); err != nil {
		writeError(w, http.StatusInternalServerError, "agent insert failed")
		return
	}

	_ = s.store.InsertAudit(r.Context(), nil, &store.AuditRow{
		ActorType: "agent",
		ActorID:   agent.AgentID,
		Method:    r.Method,
		Path:      r.URL.Path,
	})

	writeData(w, map[string]any{
		"agent_id":   agent.AgentID,
		"api_key":    fmt.Sprintf("%s.%s", agent.AgentID, token),
		"created_at": time.Now().UTC(),
	})
}

// handleBountyCreate opens a bounty against a project.
func (s *Server) handleBountyCreate(w http.ResponseWriter, r *http.Request) {
	auth := AuthFrom(r.Context())
	var req struct {
		ProjectID       string `json:"project_id"`
		Title           string `json:"title"`
		AmountMicroUSDC int64  `json:"amount_micro_usdc"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeValidation(w, "body")
		return
	}
	if req.ProjectID == "" {
		writeValidation(w, "project_id")
		return
	}
	if req.Title == "" {
		writeValidation(w, "title")
		return
	}
	if req.AmountMicroUSDC <= 0 {
		writeValidation(w, "amount_micro_usdc")
		return
	}
	if _, err := s.store.GetProject(r.Context(), req.ProjectID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "unknown project")
			return
		}
		writeError(w, http.StatusInternalServerError, "project lookup failed")
		return
	}

	bounty := &store.Bounty{
		BountyID:        store.PrefixBounty + uuid.NewString(),
		ProjectID:       req.ProjectID,
		Title:           req.Title,
		AmountMicroUSDC: req.AmountMicroUSDC,
		Status:          "open",
	}
	if err := s.store.InsertBounty(r.Context(), bounty); err != nil {
		writeError(w, http.StatusInternalServerError, "bounty insert failed")
		return
	}
	_ = s.store.InsertAudit(r.Context(), nil, auth.auditRow(r.Method, r.URL.Path, "", ""))
	writeData(w, bounty)
}

// handleBountyClaim moves open -> claimed for the calling agent.
func (s *Server) handleBountyClaim(w http.ResponseWriter, r *http.Request) {
	s.transitionBounty(w, r, "open", "claimed", true)
}

// handleBountySubmit moves claimed -> submitted (claimant only).
func (s *Server) handleBountySubmit(w http.ResponseWriter, r *http.Request) {
	s.transitionBounty(w, r, "claimed", "submitted", false)
}

func (s *Server) transitionBounty(w http.ResponseWriter, r *http.Request, from, to string, setClaimant bool) {
	auth := AuthFrom(r.Context())
	bountyID := mux.Vars(r)["id"]

	bounty, err := s.store.GetBounty(r.Context(), bountyID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "unknown bounty")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "bounty lookup failed")
		return
	}
	if !setClaimant && bounty.ClaimedBy != auth.ActorID {
		writeError(w, http.StatusForbidden, "not the claimant")
		return
	}

	claimant := ""
	if setClaimant {
		claimant = auth.ActorID
	}
	err = s.store.TransitionBounty(r.Context(), nil, bountyID, from, to, claimant, "")
	if errors.Is(err, store.ErrRaceLost) {
		writeBlocked(w, "bounty_status_conflict", bounty)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "bounty transition failed")
		return
	}

	_ = s.store.InsertAudit(r.Context(), nil, auth.auditRow(r.Method, r.URL.Path, "", ""))
	updated, err := s.store.GetBounty(r.Context(), bountyID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "bounty lookup failed")
		return
	}
	writeData(w, updated)
}
