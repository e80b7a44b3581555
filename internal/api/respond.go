package api

import (
	"encoding/json"
	"net/http"

	"github.com/agentdao/backoffice/internal/audit"
)

// Result is the uniform response envelope. Gate refusals are 200 responses
// with success=false and a machine blocked_reason; HTTP errors are reserved
// for transport-level problems (auth, validation, not-found).
type Result struct {
	Success       bool   `json:"success"`
	BlockedReason string `json:"blocked_reason,omitempty"`
	Detail        string `json:"detail,omitempty"`
	Data          any    `json:"data,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeData(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, Result{Success: true, Data: data})
}

func writeBlocked(w http.ResponseWriter, reason string, data any) {
	writeJSON(w, http.StatusOK, Result{Success: false, BlockedReason: reason, Data: data})
}

func writeValidation(w http.ResponseWriter, field string) {
	writeJSON(w, http.StatusBadRequest, Result{Success: false, Detail: audit.ValidationHint(field)})
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, Result{Success: false, Detail: detail})
}
