package api

import (
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/agentdao/backoffice/internal/oracle"
	"github.com/agentdao/backoffice/internal/store"
)

// agentAuth authenticates X-API-Key: {agent_id}.{token} against the stored
// PBKDF2 credential hash. Revoked agents stop authenticating immediately.
func (s *Server) agentAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("X-API-Key")
		agentID, token, ok := strings.Cut(key, ".")
		if !ok || agentID == "" || token == "" {
			s.rejectAgent(w, r, "", "missing_api_key")
			return
		}

		agent, err := s.store.GetAgent(r.Context(), agentID)
		if errors.Is(err, store.ErrNotFound) {
			s.rejectAgent(w, r, agentID, "unknown_agent")
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, "agent lookup failed")
			return
		}
		if agent.RevokedAt != nil {
			s.rejectAgent(w, r, agentID, "credential_revoked")
			return
		}
		if !oracle.VerifyAPIKey(token, agent.CredentialHash) {
			s.rejectAgent(w, r, agentID, "bad_credential")
			return
		}

		auth := &Auth{ActorType: "agent", ActorID: agentID}
		next.ServeHTTP(w, r.WithContext(withAuth(r.Context(), auth)))
	})
}

func (s *Server) rejectAgent(w http.ResponseWriter, r *http.Request, agentID, hint string) {
	row := &store.AuditRow{
		ActorType: "agent",
		ActorID:   agentID,
		Method:    r.Method,
		Path:      r.URL.Path,
		ErrorHint: hint,
	}
	if err := s.store.InsertAudit(r.Context(), nil, row); err != nil {
		log.Printf("[API] audit rejected agent request: %v", err)
	}
	writeError(w, http.StatusForbidden, hint)
}
