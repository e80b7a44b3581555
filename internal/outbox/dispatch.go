package outbox

import (
	"context"
	"errors"
	"log"

	"github.com/agentdao/backoffice/internal/chain"
	"github.com/agentdao/backoffice/internal/store"
)

// DispatchResult reports how a tx operation was handled. In outbox mode the
// task row carries the state; in synchronous mode Status/TxHash/Hint hold
// the immediate outcome and Task is nil.
type DispatchResult struct {
	Task    *store.TxTask `json:"task,omitempty"`
	Created bool          `json:"created"`
	Status  string        `json:"status"`
	TxHash  string        `json:"tx_hash,omitempty"`
	Hint    string        `json:"hint,omitempty"`
}

// Dispatcher routes tx operations to the outbox or, when the outbox is
// disabled, submits them inline. Both paths consume the same deterministic
// idempotency keys and feed the same distribution record tables, so the
// two modes are semantically interchangeable.
type Dispatcher struct {
	queue   *Queue
	store   *store.Store
	chain   chain.Client
	enabled bool
}

// NewDispatcher builds the routing surface.
func NewDispatcher(queue *Queue, st *store.Store, cl chain.Client, outboxEnabled bool) *Dispatcher {
	return &Dispatcher{queue: queue, store: st, chain: cl, enabled: outboxEnabled}
}

// Dispatch enqueues or synchronously executes one tx operation.
func (d *Dispatcher) Dispatch(ctx context.Context, taskType string, payload *TxPayload, idempotencyKey string) (*DispatchResult, error) {
	if d.enabled {
		task, created, err := d.queue.EnqueueTx(ctx, taskType, payload, idempotencyKey)
		if err != nil {
			return nil, err
		}
		return &DispatchResult{Task: task, Created: created, Status: task.Status}, nil
	}
	return d.submitSync(ctx, taskType, payload, idempotencyKey)
}

func (d *Dispatcher) submitSync(ctx context.Context, taskType string, payload *TxPayload, idempotencyKey string) (*DispatchResult, error) {
	// Replays resolve against the distribution record before touching the
	// chain; plain transfers rely on the chain-side idempotency of the
	// deterministic key holder (the caller re-reads its own ledger rows).
	// A failed record does not resolve: the submit below retries it.
	if table := distributionTable(taskType); table != "" {
		if rec, err := d.store.GetDistributionRecord(ctx, table, idempotencyKey); err == nil {
			if rec.Status != store.DistFailed {
				return &DispatchResult{Status: rec.Status, TxHash: rec.TxHash}, nil
			}
		} else if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
	}

	txHash, alreadyDone, err := executeTx(ctx, d.chain, taskType, payload)
	if err != nil {
		hint := chain.NormalizeHint(err)
		d.record(ctx, taskType, payload, idempotencyKey, store.DistFailed, txHash)
		log.Printf("[OUTBOX sync] %s failed: %s", taskType, hint)
		return &DispatchResult{Status: store.TaskFailed, TxHash: txHash, Hint: hint}, nil
	}
	status := store.DistSubmitted
	if alreadyDone {
		status = store.DistAlreadyDistributed
	}
	d.record(ctx, taskType, payload, idempotencyKey, status, txHash)
	return &DispatchResult{Status: status, TxHash: txHash}, nil
}

func (d *Dispatcher) record(ctx context.Context, taskType string, payload *TxPayload, idempotencyKey, status, txHash string) {
	table := distributionTable(taskType)
	if table == "" {
		return
	}
	_, err := d.store.UpsertDistributionRecord(ctx, table, &store.DistributionRecord{
		ProfitMonthID:  payload.ProfitMonthID,
		Status:         status,
		TxHash:         txHash,
		IdempotencyKey: idempotencyKey,
	})
	if err != nil {
		log.Printf("[OUTBOX sync] record %s: %v", table, err)
	}
}

func distributionTable(taskType string) string {
	switch taskType {
	case store.TaskCreateDistribution:
		return store.TableDistributionCreations
	case store.TaskExecuteDistribution:
		return store.TableDistributionExecutions
	default:
		return ""
	}
}
