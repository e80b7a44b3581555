// Package outbox runs the durable side-effect queues: on-chain sends in
// the tx outbox, repo actions in the git outbox. Workers coordinate only
// through conditional updates on the task rows.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/agentdao/backoffice/internal/events"
	"github.com/agentdao/backoffice/internal/githost"
	"github.com/agentdao/backoffice/internal/store"
)

// TxPayload is the closed set of keys a tx task payload may carry. Fields
// are serialized in struct order so deterministic keys stay stable.
type TxPayload struct {
	To              string   `json:"to,omitempty"`
	AmountMicroUSDC int64    `json:"amount_micro_usdc,omitempty"`
	ProfitMonthID   string   `json:"profit_month_id,omitempty"`
	Stakers         []string `json:"stakers,omitempty"`
	StakerShares    []int64  `json:"staker_shares,omitempty"`
	Authors         []string `json:"authors,omitempty"`
	AuthorShares    []int64  `json:"author_shares,omitempty"`
}

// GitPayload is the closed key set for git task payloads.
type GitPayload struct {
	Slug          string               `json:"slug"`
	BountyID      string               `json:"bounty_id,omitempty"`
	Branch        string               `json:"branch,omitempty"`
	CommitMessage string               `json:"commit_message,omitempty"`
	Files         []githost.File       `json:"files,omitempty"`
	PRTitle       string               `json:"pr_title,omitempty"`
	PRBody        string               `json:"pr_body,omitempty"`
	OpenPR        bool                 `json:"open_pr,omitempty"`
	AutoMerge     bool                 `json:"auto_merge,omitempty"`
	MergePolicy   *githost.MergePolicy `json:"merge_policy,omitempty"`
}

// Queue is the enqueue surface shared by the API and the autonomy loop.
type Queue struct {
	store *store.Store
	pub   *events.Publisher
}

// NewQueue builds the enqueue surface.
func NewQueue(st *store.Store, pub *events.Publisher) *Queue {
	return &Queue{store: st, pub: pub}
}

// EnqueueTx inserts (or re-reads) a tx task for a deterministic key.
func (q *Queue) EnqueueTx(ctx context.Context, taskType string, payload *TxPayload, idempotencyKey string) (*store.TxTask, bool, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, false, fmt.Errorf("marshal tx payload: %w", err)
	}
	task, created, err := q.store.EnqueueTxTask(ctx, nil, &store.TxTask{
		TaskType:        taskType,
		PayloadJSON:     string(raw),
		AmountMicroUSDC: payload.AmountMicroUSDC,
		IdempotencyKey:  idempotencyKey,
	})
	if err != nil {
		return nil, false, err
	}
	if created {
		q.pub.Publish(ctx, events.KindTxTaskEnqueued, task)
	}
	return task, created, nil
}

// EnqueueGit inserts (or re-reads) a git task.
func (q *Queue) EnqueueGit(ctx context.Context, taskType string, payload *GitPayload, projectID, requestedBy, idempotencyKey string) (*store.GitTask, bool, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, false, fmt.Errorf("marshal git payload: %w", err)
	}
	task, created, err := q.store.EnqueueGitTask(ctx, nil, &store.GitTask{
		TaskType:       taskType,
		PayloadJSON:    string(raw),
		ProjectID:      projectID,
		RequestedBy:    requestedBy,
		IdempotencyKey: idempotencyKey,
	})
	if err != nil {
		return nil, false, err
	}
	if created {
		q.pub.Publish(ctx, events.KindGitTaskEnqueued, task)
	}
	return task, created, nil
}
