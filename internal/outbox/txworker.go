package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/agentdao/backoffice/internal/chain"
	"github.com/agentdao/backoffice/internal/events"
	"github.com/agentdao/backoffice/internal/policy"
	"github.com/agentdao/backoffice/internal/store"
)

// errBadTask marks a task whose payload can never execute. Unlike transient
// chain errors these fail terminally instead of requeueing.
var errBadTask = errors.New("bad task")

// spendGate re-checks platform reconciliation state at claim time, so a task
// enqueued while the books were clean does not execute after they drift.
type spendGate interface {
	CheckPlatformOutflow(ctx context.Context) (policy.Decision, error)
}

var (
	txTasksCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "backoffice_tx_outbox_completed_total",
		Help: "Tx outbox task completions by terminal status",
	}, []string{"status"})
	txTaskDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "backoffice_tx_outbox_task_seconds",
		Help:    "Wall time per executed tx task",
		Buckets: prometheus.DefBuckets,
	})
)

// TxWorker drains the tx outbox. Each worker claims at most one task per
// iteration; horizontal concurrency is N workers sharing the table.
type TxWorker struct {
	store       *store.Store
	chain       chain.Client
	gate        spendGate
	pub         *events.Publisher
	workerID    string
	lockTTL     time.Duration
	taskTimeout time.Duration
}

// NewTxWorker builds one worker loop.
func NewTxWorker(st *store.Store, cl chain.Client, gate spendGate, pub *events.Publisher, workerID string, lockTTL, taskTimeout time.Duration) *TxWorker {
	return &TxWorker{
		store:       st,
		chain:       cl,
		gate:        gate,
		pub:         pub,
		workerID:    workerID,
		lockTTL:     lockTTL,
		taskTimeout: taskTimeout,
	}
}

// Run polls until the context is done.
func (w *TxWorker) Run(ctx context.Context, pollInterval time.Duration) {
	log.Printf("[TXWORKER %s] started", w.workerID)
	for {
		select {
		case <-ctx.Done():
			log.Printf("[TXWORKER %s] stopped", w.workerID)
			return
		default:
		}
		processed, err := w.RunOnce(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("[TXWORKER %s] %v", w.workerID, err)
		}
		if !processed {
			select {
			case <-ctx.Done():
			case <-time.After(pollInterval):
			}
		}
	}
}

// RunOnce claims and executes at most one task. Returns false when the
// queue is empty or a claim race was lost.
func (w *TxWorker) RunOnce(ctx context.Context) (bool, error) {
	task, err := w.store.ClaimNextTxTask(ctx, w.workerID, w.lockTTL)
	if errors.Is(err, store.ErrNoTask) || errors.Is(err, store.ErrRaceLost) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	start := time.Now()
	taskCtx, cancel := context.WithTimeout(ctx, w.taskTimeout)
	defer cancel()
	processed := w.process(taskCtx, task)
	txTaskDuration.Observe(time.Since(start).Seconds())
	return processed, nil
}

// process executes one claimed task. Returns false when the task was put
// back to pending (gate denial, transient failure) so the caller backs off
// instead of re-claiming the same row in a tight loop.
func (w *TxWorker) process(ctx context.Context, task *store.TxTask) bool {
	if reason, gerr := w.precheck(ctx, task.TaskType); gerr != nil || reason != "" {
		hint := reason
		if gerr != nil {
			hint = chain.NormalizeHint(gerr)
		}
		if rerr := w.store.RequeueTxTask(ctx, task.ID, hint); rerr != nil {
			log.Printf("[TXWORKER %s] requeue %s: %v", w.workerID, task.TaskID, rerr)
			return true
		}
		log.Printf("[TXWORKER %s] %s %s held (%s)", w.workerID, task.TaskType, task.TaskID, hint)
		return false
	}

	txHash, alreadyDone, err := w.execute(ctx, task)
	if err != nil {
		hint := chain.NormalizeHint(err)
		status := completionStatus(err)
		if status == store.TaskPending {
			// Transient: the same deterministic key retries on a later claim.
			if rerr := w.store.RequeueTxTask(ctx, task.ID, hint); rerr != nil {
				log.Printf("[TXWORKER %s] requeue %s: %v", w.workerID, task.TaskID, rerr)
				return true
			}
			w.recordDistribution(ctx, task, store.DistFailed, txHash)
			log.Printf("[TXWORKER %s] %s %s -> requeued (%s)", w.workerID, task.TaskType, task.TaskID, hint)
			return false
		}
		if cerr := w.store.CompleteTxTask(ctx, task.ID, status, txHash, hint); cerr != nil {
			log.Printf("[TXWORKER %s] complete %s: %v", w.workerID, task.TaskID, cerr)
			return true
		}
		w.recordDistribution(ctx, task, store.DistFailed, txHash)
		txTasksCompleted.WithLabelValues(status).Inc()
		log.Printf("[TXWORKER %s] %s %s -> %s (%s)", w.workerID, task.TaskType, task.TaskID, status, hint)
		w.publishFinished(ctx, task, status, txHash, hint)
		return true
	}

	// Persist the tx hash before recording so a crash here is recoverable.
	if txHash != "" {
		if uerr := w.store.UpdateTxTask(ctx, task.ID, txHash, ""); uerr != nil {
			log.Printf("[TXWORKER %s] update %s: %v", w.workerID, task.TaskID, uerr)
		}
	}
	recordStatus := store.DistSubmitted
	if alreadyDone {
		recordStatus = store.DistAlreadyDistributed
	}
	w.recordDistribution(ctx, task, recordStatus, txHash)

	if cerr := w.store.CompleteTxTask(ctx, task.ID, store.TaskSucceeded, txHash, ""); cerr != nil {
		log.Printf("[TXWORKER %s] complete %s: %v", w.workerID, task.TaskID, cerr)
		return true
	}
	txTasksCompleted.WithLabelValues(store.TaskSucceeded).Inc()
	log.Printf("[TXWORKER %s] %s %s -> succeeded tx=%s", w.workerID, task.TaskType, task.TaskID, txHash)
	w.publishFinished(ctx, task, store.TaskSucceeded, txHash, "")
	return true
}

// precheck re-runs the platform spend gate for reconciliation-dependent
// sends. deposit_profit is exempt: it is the repair for an unbalanced
// platform scope and would deadlock behind its own precondition.
func (w *TxWorker) precheck(ctx context.Context, taskType string) (string, error) {
	switch taskType {
	case store.TaskCreateDistribution, store.TaskExecuteDistribution, store.TaskDepositMarketingFee:
	default:
		return "", nil
	}
	if w.gate == nil {
		return "", nil
	}
	d, err := w.gate.CheckPlatformOutflow(ctx)
	if err != nil {
		return "", err
	}
	if !d.Allowed {
		return d.Reason, nil
	}
	return "", nil
}

// completionStatus maps an execute error onto the task's next status:
// blocked for configuration errors, pending for transient chain errors,
// failed otherwise.
func completionStatus(err error) string {
	switch {
	case errors.Is(err, chain.ErrRPCNotConfigured), errors.Is(err, chain.ErrSignerRequired):
		return store.TaskBlocked
	case errors.Is(err, errBadTask):
		return store.TaskFailed
	case chain.Retryable(err):
		return store.TaskPending
	}
	return store.TaskFailed
}

func (w *TxWorker) execute(ctx context.Context, task *store.TxTask) (string, bool, error) {
	var payload TxPayload
	if err := json.Unmarshal([]byte(task.PayloadJSON), &payload); err != nil {
		return "", false, fmt.Errorf("%w: bad payload: %v", errBadTask, err)
	}
	return executeTx(ctx, w.chain, task.TaskType, &payload)
}

// executeTx dispatches on task type. alreadyDone means the chain reports
// the operation complete (already_exists/already_distributed), a successful
// terminal with no new tx hash. Shared by the worker and the synchronous
// submit path.
func executeTx(ctx context.Context, cl chain.Client, taskType string, payload *TxPayload) (txHash string, alreadyDone bool, err error) {
	if cl == nil {
		return "", false, chain.ErrRPCNotConfigured
	}

	switch taskType {
	case store.TaskDepositProfit, store.TaskDepositMarketingFee, store.TaskUSDCTransfer:
		if payload.To == "" || payload.AmountMicroUSDC <= 0 {
			return "", false, fmt.Errorf("%w: missing to/amount", errBadTask)
		}
		hash, err := cl.TransferUSDC(ctx, payload.To, payload.AmountMicroUSDC)
		return hash, false, err

	case store.TaskCreateDistribution:
		dist, err := cl.GetDistribution(ctx, payload.ProfitMonthID)
		if err != nil {
			return "", false, err
		}
		if dist.Exists {
			return "", true, nil
		}
		hash, err := cl.CreateDistribution(ctx, payload.ProfitMonthID, payload.AmountMicroUSDC)
		return hash, false, err

	case store.TaskExecuteDistribution:
		dist, err := cl.GetDistribution(ctx, payload.ProfitMonthID)
		if err != nil {
			return "", false, err
		}
		if dist.Distributed {
			return "", true, nil
		}
		hash, err := cl.ExecuteDistribution(ctx, payload.ProfitMonthID,
			payload.Stakers, payload.StakerShares, payload.Authors, payload.AuthorShares)
		return hash, false, err

	default:
		return "", false, fmt.Errorf("%w: unknown task type %s", errBadTask, taskType)
	}
}

// recordDistribution mirrors create/execute outcomes to the dedicated
// lifecycle tables, keyed by the task's idempotency key.
func (w *TxWorker) recordDistribution(ctx context.Context, task *store.TxTask, status, txHash string) {
	var table string
	switch task.TaskType {
	case store.TaskCreateDistribution:
		table = store.TableDistributionCreations
	case store.TaskExecuteDistribution:
		table = store.TableDistributionExecutions
	default:
		return
	}
	var payload TxPayload
	_ = json.Unmarshal([]byte(task.PayloadJSON), &payload)
	_, err := w.store.UpsertDistributionRecord(ctx, table, &store.DistributionRecord{
		ProfitMonthID:  payload.ProfitMonthID,
		Status:         status,
		TxHash:         txHash,
		IdempotencyKey: task.IdempotencyKey,
	})
	if err != nil {
		log.Printf("[TXWORKER %s] record %s for %s: %v", w.workerID, table, task.TaskID, err)
	}
}

func (w *TxWorker) publishFinished(ctx context.Context, task *store.TxTask, status, txHash, hint string) {
	w.pub.Publish(ctx, events.KindTxTaskFinished, map[string]any{
		"task_id":   task.TaskID,
		"task_type": task.TaskType,
		"status":    status,
		"tx_hash":   txHash,
		"hint":      hint,
	})
}
