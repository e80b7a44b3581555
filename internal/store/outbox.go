package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Outbox claim discipline: mutation is gated by conditional updates keyed on
// (id, status, locked_at) so two workers can never hold the same task. A
// claim that loses the conditional update returns ErrRaceLost; an empty
// queue returns ErrNoTask.

// ErrNoTask signals an empty queue (nothing pending, nothing stale).
var ErrNoTask = errors.New("store: no claimable task")

// ErrRaceLost signals another worker won the conditional update.
var ErrRaceLost = errors.New("store: claim race lost")

// ============================================================================
// TX OUTBOX
// ============================================================================

// EnqueueTxTask inserts a pending task or returns the existing row for the
// same idempotency key (created=false).
func (s *Store) EnqueueTxTask(ctx context.Context, tx *sql.Tx, task *TxTask) (*TxTask, bool, error) {
	q := s.q(tx)
	out := *task
	if out.TaskID == "" {
		out.TaskID = PrefixTxTask + uuid.NewString()
	}
	if out.Status == "" {
		out.Status = TaskPending
	}
	now := time.Now().UTC()
	out.CreatedAt = now
	out.UpdatedAt = now

	err := q.QueryRowContext(ctx, `
		INSERT INTO tx_outbox_tasks (task_id, task_type, payload_json, amount_micro_usdc, status, attempts, idempotency_key, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 0, $6, $7, $7)
		RETURNING id`,
		out.TaskID, out.TaskType, out.PayloadJSON, out.AmountMicroUSDC, out.Status,
		out.IdempotencyKey, now).Scan(&out.ID)
	if err != nil {
		if isUniqueViolation(err) {
			prior, gerr := s.getTxTask(ctx, q, `idempotency_key = $1`, out.IdempotencyKey)
			if gerr != nil {
				return nil, false, gerr
			}
			return prior, false, nil
		}
		return nil, false, fmt.Errorf("enqueue tx task: %w", err)
	}
	return &out, true, nil
}

// ClaimNextTxTask picks the oldest pending task FIFO by id, or failing that
// reclaims the oldest processing task whose lock expired.
func (s *Store) ClaimNextTxTask(ctx context.Context, workerID string, lockTTL time.Duration) (*TxTask, error) {
	id, err := s.claimTaskID(ctx, "tx_outbox_tasks", workerID, lockTTL)
	if err != nil {
		return nil, err
	}
	return s.getTxTask(ctx, s.db, `id = $1`, id)
}

// UpdateTxTask persists a tx_hash (and optional hint) on a processing task
// before side effects that must survive a crash.
func (s *Store) UpdateTxTask(ctx context.Context, id int64, txHash, hint string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE tx_outbox_tasks
		SET tx_hash = COALESCE(NULLIF($2, ''), tx_hash),
		    last_error_hint = COALESCE(NULLIF($3, ''), last_error_hint),
		    updated_at = NOW()
		WHERE id = $1 AND status = $4`,
		id, txHash, hint, TaskProcessing)
	if err != nil {
		return fmt.Errorf("update tx task: %w", err)
	}
	return nil
}

// RequeueTxTask returns a processing task to pending so the same semantic
// idempotency key stays retryable: the lock clears, the attempt count sticks,
// and the hint records why the last attempt did not land.
func (s *Store) RequeueTxTask(ctx context.Context, id int64, hint string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tx_outbox_tasks
		SET status = $2,
		    last_error_hint = COALESCE(NULLIF($3, ''), last_error_hint),
		    locked_at = NULL, locked_by = NULL, updated_at = NOW()
		WHERE id = $1 AND status = $4`,
		id, TaskPending, hint, TaskProcessing)
	if err != nil {
		return fmt.Errorf("requeue tx task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrRaceLost
	}
	return nil
}

// CompleteTxTask moves a processing task to its terminal status and clears
// the lock. Completing a task that is no longer processing is a no-op error
// so replayed completions cannot revive terminal rows.
func (s *Store) CompleteTxTask(ctx context.Context, id int64, status, txHash, hint string) error {
	return s.completeTask(ctx, "tx_outbox_tasks", id, status, txHash, hint)
}

// GetTxTaskByID fetches by external task id.
func (s *Store) GetTxTaskByID(ctx context.Context, taskID string) (*TxTask, error) {
	return s.getTxTask(ctx, s.db, `task_id = $1`, taskID)
}

// GetTxTaskByKey fetches by idempotency key.
func (s *Store) GetTxTaskByKey(ctx context.Context, key string) (*TxTask, error) {
	return s.getTxTask(ctx, s.db, `idempotency_key = $1`, key)
}

func (s *Store) getTxTask(ctx context.Context, q querier, where string, arg any) (*TxTask, error) {
	row := q.QueryRowContext(ctx, `
		SELECT id, task_id, task_type, payload_json, amount_micro_usdc, status, attempts,
		       locked_at, locked_by, tx_hash, last_error_hint, idempotency_key, created_at, updated_at
		FROM tx_outbox_tasks WHERE `+where, arg)

	var t TxTask
	var lockedAt sql.NullTime
	var lockedBy, txHash, hint sql.NullString
	err := row.Scan(&t.ID, &t.TaskID, &t.TaskType, &t.PayloadJSON, &t.AmountMicroUSDC,
		&t.Status, &t.Attempts, &lockedAt, &lockedBy, &txHash, &hint,
		&t.IdempotencyKey, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get tx task: %w", err)
	}
	t.LockedAt = timePtr(lockedAt)
	t.LockedBy = strOrEmpty(lockedBy)
	t.TxHash = strOrEmpty(txHash)
	t.LastErrorHint = strOrEmpty(hint)
	return &t, nil
}

// SumMarketingFeeSent totals deposit_marketing_fee task amounts that are
// pending, processing or succeeded (failed/blocked sends do not count as
// sent; the next settlement deposit re-derives the delta).
func (s *Store) SumMarketingFeeSent(ctx context.Context) (int64, error) {
	var sum int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount_micro_usdc), 0) FROM tx_outbox_tasks
		WHERE task_type = $1 AND status IN ($2, $3, $4)`,
		TaskDepositMarketingFee, TaskPending, TaskProcessing, TaskSucceeded).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("sum marketing fee sent: %w", err)
	}
	return sum, nil
}

// ============================================================================
// GIT OUTBOX
// ============================================================================

// EnqueueGitTask inserts a pending git task or returns the existing row.
func (s *Store) EnqueueGitTask(ctx context.Context, tx *sql.Tx, task *GitTask) (*GitTask, bool, error) {
	q := s.q(tx)
	out := *task
	if out.TaskID == "" {
		out.TaskID = PrefixGitTask + uuid.NewString()
	}
	if out.Status == "" {
		out.Status = TaskPending
	}
	now := time.Now().UTC()
	out.CreatedAt = now
	out.UpdatedAt = now

	err := q.QueryRowContext(ctx, `
		INSERT INTO git_outbox_tasks (task_id, task_type, payload_json, status, attempts, project_id, requested_by_agent_id, idempotency_key, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 0, $5, $6, $7, $8, $8)
		RETURNING id`,
		out.TaskID, out.TaskType, out.PayloadJSON, out.Status,
		nullStr(out.ProjectID), nullStr(out.RequestedBy), out.IdempotencyKey, now).Scan(&out.ID)
	if err != nil {
		if isUniqueViolation(err) {
			prior, gerr := s.getGitTask(ctx, q, `idempotency_key = $1`, out.IdempotencyKey)
			if gerr != nil {
				return nil, false, gerr
			}
			return prior, false, nil
		}
		return nil, false, fmt.Errorf("enqueue git task: %w", err)
	}
	return &out, true, nil
}

// ClaimNextGitTask mirrors ClaimNextTxTask for the git outbox.
func (s *Store) ClaimNextGitTask(ctx context.Context, workerID string, lockTTL time.Duration) (*GitTask, error) {
	id, err := s.claimTaskID(ctx, "git_outbox_tasks", workerID, lockTTL)
	if err != nil {
		return nil, err
	}
	return s.getGitTask(ctx, s.db, `id = $1`, id)
}

// CompleteGitTask moves a processing git task to a terminal status with its
// produced artifacts.
func (s *Store) CompleteGitTask(ctx context.Context, id int64, status, branch, commitSHA, resultJSON, hint string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE git_outbox_tasks
		SET status = $2,
		    branch_name = COALESCE(NULLIF($3, ''), branch_name),
		    commit_sha = COALESCE(NULLIF($4, ''), commit_sha),
		    result_json = COALESCE(NULLIF($5, ''), result_json),
		    last_error_hint = NULLIF($6, ''),
		    locked_at = NULL, locked_by = NULL, updated_at = NOW()
		WHERE id = $1 AND status = $7`,
		id, status, branch, commitSHA, resultJSON, hint, TaskProcessing)
	if err != nil {
		return fmt.Errorf("complete git task: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrRaceLost
	}
	return nil
}

// GetGitTaskByID fetches by external task id.
func (s *Store) GetGitTaskByID(ctx context.Context, taskID string) (*GitTask, error) {
	return s.getGitTask(ctx, s.db, `task_id = $1`, taskID)
}

func (s *Store) getGitTask(ctx context.Context, q querier, where string, arg any) (*GitTask, error) {
	row := q.QueryRowContext(ctx, `
		SELECT id, task_id, task_type, payload_json, status, attempts, locked_at, locked_by,
		       branch_name, commit_sha, result_json, project_id, requested_by_agent_id,
		       last_error_hint, idempotency_key, created_at, updated_at
		FROM git_outbox_tasks WHERE `+where, arg)

	var t GitTask
	var lockedAt sql.NullTime
	var lockedBy, branch, commit, result, projectID, requestedBy, hint sql.NullString
	err := row.Scan(&t.ID, &t.TaskID, &t.TaskType, &t.PayloadJSON, &t.Status, &t.Attempts,
		&lockedAt, &lockedBy, &branch, &commit, &result, &projectID, &requestedBy,
		&hint, &t.IdempotencyKey, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get git task: %w", err)
	}
	t.LockedAt = timePtr(lockedAt)
	t.LockedBy = strOrEmpty(lockedBy)
	t.BranchName = strOrEmpty(branch)
	t.CommitSHA = strOrEmpty(commit)
	t.ResultJSON = strOrEmpty(result)
	t.ProjectID = strOrEmpty(projectID)
	t.RequestedBy = strOrEmpty(requestedBy)
	t.LastErrorHint = strOrEmpty(hint)
	return &t, nil
}

// ============================================================================
// SHARED CLAIM MACHINERY
// ============================================================================

// claimTaskID implements the two-phase claim: pending first (FIFO by id),
// then stale-processing reclaim. Both transitions are conditional updates;
// losing one returns ErrRaceLost so the worker can immediately re-poll.
func (s *Store) claimTaskID(ctx context.Context, table, workerID string, lockTTL time.Duration) (int64, error) {
	now := time.Now().UTC()

	// Phase 1: oldest pending, unlocked.
	var id int64
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT id FROM %s WHERE status = $1 AND locked_at IS NULL ORDER BY id ASC LIMIT 1`, table),
		TaskPending).Scan(&id)
	switch {
	case err == sql.ErrNoRows:
		// Phase 2: oldest stale processing.
		var staleID int64
		var staleLockedAt time.Time
		err = s.db.QueryRowContext(ctx, fmt.Sprintf(`
			SELECT id, locked_at FROM %s WHERE status = $1 AND locked_at < $2 ORDER BY id ASC LIMIT 1`, table),
			TaskProcessing, now.Add(-lockTTL)).Scan(&staleID, &staleLockedAt)
		if err == sql.ErrNoRows {
			return 0, ErrNoTask
		}
		if err != nil {
			return 0, fmt.Errorf("find stale task: %w", err)
		}
		res, uerr := s.db.ExecContext(ctx, fmt.Sprintf(`
			UPDATE %s SET status = $2, locked_at = $3, locked_by = $4, attempts = attempts + 1, updated_at = $3
			WHERE id = $1 AND status = $5 AND locked_at = $6`, table),
			staleID, TaskProcessing, now, workerID, TaskProcessing, staleLockedAt)
		if uerr != nil {
			return 0, fmt.Errorf("reclaim task: %w", uerr)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return 0, ErrRaceLost
		}
		id = staleID
	case err != nil:
		return 0, fmt.Errorf("find pending task: %w", err)
	default:
		res, uerr := s.db.ExecContext(ctx, fmt.Sprintf(`
			UPDATE %s SET status = $2, locked_at = $3, locked_by = $4, attempts = attempts + 1, updated_at = $3
			WHERE id = $1 AND status = $5 AND locked_at IS NULL`, table),
			id, TaskProcessing, now, workerID, TaskPending)
		if uerr != nil {
			return 0, fmt.Errorf("claim task: %w", uerr)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return 0, ErrRaceLost
		}
	}

	return id, nil
}

func (s *Store) completeTask(ctx context.Context, table string, id int64, status, txHash, hint string) error {
	res, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE %s
		SET status = $2,
		    tx_hash = COALESCE(NULLIF($3, ''), tx_hash),
		    last_error_hint = NULLIF($4, ''),
		    locked_at = NULL, locked_by = NULL, updated_at = NOW()
		WHERE id = $1 AND status = $5`, table),
		id, status, txHash, hint, TaskProcessing)
	if err != nil {
		return fmt.Errorf("complete task: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrRaceLost
	}
	return nil
}
