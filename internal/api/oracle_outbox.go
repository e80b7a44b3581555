package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/agentdao/backoffice/internal/outbox"
	"github.com/agentdao/backoffice/internal/store"
)

// handleTxEnqueue inserts a tx task (insert-or-get by idempotency key).
func (s *Server) handleTxEnqueue(w http.ResponseWriter, r *http.Request) {
	auth := AuthFrom(r.Context())
	var req struct {
		TaskType       string           `json:"task_type"`
		Payload        outbox.TxPayload `json:"payload"`
		IdempotencyKey string           `json:"idempotency_key"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeValidation(w, "body")
		return
	}
	if !validTxTaskType(req.TaskType) {
		writeValidation(w, "task_type")
		return
	}
	if req.IdempotencyKey == "" {
		writeValidation(w, "idempotency_key")
		return
	}

	task, created, err := s.queue.EnqueueTx(r.Context(), req.TaskType, &req.Payload, req.IdempotencyKey)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "enqueue failed")
		return
	}
	_ = s.store.InsertAudit(r.Context(), nil, auth.auditRow(r.Method, r.URL.Path, req.IdempotencyKey, ""))
	writeData(w, map[string]any{"task": task, "created": created})
}

// handleTxClaimNext claims the oldest available task for a worker.
func (s *Server) handleTxClaimNext(w http.ResponseWriter, r *http.Request) {
	auth := AuthFrom(r.Context())
	var req struct {
		WorkerID string `json:"worker_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.WorkerID == "" {
		writeValidation(w, "worker_id")
		return
	}

	task, err := s.store.ClaimNextTxTask(r.Context(), req.WorkerID, s.cfg.OutboxLockTTL)
	s.writeClaim(w, r, auth, task, err)
}

func (s *Server) writeClaim(w http.ResponseWriter, r *http.Request, auth *Auth, task any, err error) {
	switch {
	case errors.Is(err, store.ErrNoTask):
		writeBlocked(w, "no_task", nil)
	case errors.Is(err, store.ErrRaceLost):
		writeBlocked(w, "race_lost", nil)
	case err != nil:
		writeError(w, http.StatusInternalServerError, "claim failed")
	default:
		_ = s.store.InsertAudit(r.Context(), nil, auth.auditRow(r.Method, r.URL.Path, "", ""))
		writeData(w, task)
	}
}

// handleTxUpdate persists an early tx_hash on a processing task.
func (s *Server) handleTxUpdate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TxHash string `json:"tx_hash"`
		Hint   string `json:"hint"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeValidation(w, "body")
		return
	}
	task, err := s.store.GetTxTaskByID(r.Context(), mux.Vars(r)["id"])
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "unknown task")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "task lookup failed")
		return
	}
	if err := s.store.UpdateTxTask(r.Context(), task.ID, req.TxHash, req.Hint); err != nil {
		writeError(w, http.StatusInternalServerError, "update failed")
		return
	}
	writeData(w, nil)
}

// handleTxComplete moves a processing task to a terminal status.
func (s *Server) handleTxComplete(w http.ResponseWriter, r *http.Request) {
	auth := AuthFrom(r.Context())
	var req struct {
		Status string `json:"status"`
		TxHash string `json:"tx_hash"`
		Hint   string `json:"hint"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeValidation(w, "body")
		return
	}
	if !terminalStatus(req.Status) {
		writeValidation(w, "status")
		return
	}
	task, err := s.store.GetTxTaskByID(r.Context(), mux.Vars(r)["id"])
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "unknown task")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "task lookup failed")
		return
	}

	err = s.store.CompleteTxTask(r.Context(), task.ID, req.Status, req.TxHash, req.Hint)
	if errors.Is(err, store.ErrRaceLost) {
		writeBlocked(w, "race_lost", nil)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "complete failed")
		return
	}
	row := auth.auditRow(r.Method, r.URL.Path, task.IdempotencyKey, "")
	row.TxHash = req.TxHash
	_ = s.store.InsertAudit(r.Context(), nil, row)
	writeData(w, nil)
}

func (s *Server) handleTxGet(w http.ResponseWriter, r *http.Request) {
	task, err := s.store.GetTxTaskByID(r.Context(), mux.Vars(r)["id"])
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "unknown task")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "task lookup failed")
		return
	}
	writeData(w, task)
}

// ============================================================================
// GIT OUTBOX
// ============================================================================

func (s *Server) handleGitEnqueue(w http.ResponseWriter, r *http.Request) {
	auth := AuthFrom(r.Context())
	var req struct {
		TaskType       string            `json:"task_type"`
		Payload        outbox.GitPayload `json:"payload"`
		ProjectID      string            `json:"project_id"`
		IdempotencyKey string            `json:"idempotency_key"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeValidation(w, "body")
		return
	}
	if !validGitTaskType(req.TaskType) {
		writeValidation(w, "task_type")
		return
	}
	if req.IdempotencyKey == "" {
		writeValidation(w, "idempotency_key")
		return
	}
	if req.Payload.Slug == "" {
		writeValidation(w, "slug")
		return
	}

	task, created, err := s.queue.EnqueueGit(r.Context(), req.TaskType, &req.Payload,
		req.ProjectID, auth.ActorID, req.IdempotencyKey)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "enqueue failed")
		return
	}
	_ = s.store.InsertAudit(r.Context(), nil, auth.auditRow(r.Method, r.URL.Path, req.IdempotencyKey, ""))
	writeData(w, map[string]any{"task": task, "created": created})
}

func (s *Server) handleGitClaimNext(w http.ResponseWriter, r *http.Request) {
	auth := AuthFrom(r.Context())
	var req struct {
		WorkerID string `json:"worker_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.WorkerID == "" {
		writeValidation(w, "worker_id")
		return
	}
	task, err := s.store.ClaimNextGitTask(r.Context(), req.WorkerID, s.cfg.OutboxLockTTL)
	s.writeClaim(w, r, auth, task, err)
}

func (s *Server) handleGitComplete(w http.ResponseWriter, r *http.Request) {
	auth := AuthFrom(r.Context())
	var req struct {
		Status     string `json:"status"`
		BranchName string `json:"branch_name"`
		CommitSHA  string `json:"commit_sha"`
		ResultJSON string `json:"result_json"`
		Hint       string `json:"hint"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeValidation(w, "body")
		return
	}
	if !terminalStatus(req.Status) {
		writeValidation(w, "status")
		return
	}
	task, err := s.store.GetGitTaskByID(r.Context(), mux.Vars(r)["id"])
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "unknown task")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "task lookup failed")
		return
	}

	err = s.store.CompleteGitTask(r.Context(), task.ID, req.Status,
		req.BranchName, req.CommitSHA, req.ResultJSON, req.Hint)
	if errors.Is(err, store.ErrRaceLost) {
		writeBlocked(w, "race_lost", nil)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "complete failed")
		return
	}
	_ = s.store.InsertAudit(r.Context(), nil, auth.auditRow(r.Method, r.URL.Path, task.IdempotencyKey, ""))
	writeData(w, nil)
}

func (s *Server) handleGitGet(w http.ResponseWriter, r *http.Request) {
	task, err := s.store.GetGitTaskByID(r.Context(), mux.Vars(r)["id"])
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "unknown task")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "task lookup failed")
		return
	}
	writeData(w, task)
}

// handleGitCommitTask is the agent-facing enqueue for commit tasks against
// a project's repo.
func (s *Server) handleGitCommitTask(taskType string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		auth := AuthFrom(r.Context())
		projectID := mux.Vars(r)["id"]

		project, err := s.store.GetProject(r.Context(), projectID)
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "unknown project")
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, "project lookup failed")
			return
		}

		var payload outbox.GitPayload
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			writeValidation(w, "body")
			return
		}
		payload.Slug = project.Slug
		if payload.CommitMessage == "" {
			writeValidation(w, "commit_message")
			return
		}
		key := r.Header.Get("Idempotency-Key")
		if key == "" {
			writeValidation(w, "idempotency_key")
			return
		}

		task, created, err := s.queue.EnqueueGit(r.Context(), taskType, &payload,
			projectID, auth.ActorID, key)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "enqueue failed")
			return
		}
		_ = s.store.InsertAudit(r.Context(), nil, auth.auditRow(r.Method, r.URL.Path, key, ""))
		writeData(w, map[string]any{"task": task, "created": created})
	}
}

func validTxTaskType(t string) bool {
	switch t {
	case store.TaskDepositProfit, store.TaskDepositMarketingFee,
		store.TaskCreateDistribution, store.TaskExecuteDistribution, store.TaskUSDCTransfer:
		return true
	}
	return false
}

func validGitTaskType(t string) bool {
	switch t {
	case store.TaskSurfaceCommit, store.TaskArtifactCommit, store.TaskOpenPR, store.TaskAutoMerge:
		return true
	}
	return false
}

func terminalStatus(s string) bool {
	switch s {
	case store.TaskSucceeded, store.TaskFailed, store.TaskBlocked:
		return true
	}
	return false
}
