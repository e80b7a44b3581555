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

	"github.com/agentdao/backoffice/internal/audit"
	"github.com/agentdao/backoffice/internal/events"
	"github.com/agentdao/backoffice/internal/githost"
	"github.com/agentdao/backoffice/internal/store"
)

var gitTasksCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "backoffice_git_outbox_completed_total",
	Help: "Git outbox task completions by terminal status",
}, []string{"status"})

// GitResult is the persisted result_json shape.
type GitResult struct {
	PRURL       string `json:"pr_url,omitempty"`
	MergeQueued bool   `json:"merge_queued,omitempty"`
}

// GitWorker drains the git outbox by shelling out through the Host.
type GitWorker struct {
	store       *store.Store
	host        githost.Host
	pub         *events.Publisher
	workerID    string
	lockTTL     time.Duration
	taskTimeout time.Duration
}

// NewGitWorker builds one git worker loop.
func NewGitWorker(st *store.Store, host githost.Host, pub *events.Publisher, workerID string, lockTTL, taskTimeout time.Duration) *GitWorker {
	return &GitWorker{
		store:       st,
		host:        host,
		pub:         pub,
		workerID:    workerID,
		lockTTL:     lockTTL,
		taskTimeout: taskTimeout,
	}
}

// Run polls until the context is done.
func (w *GitWorker) Run(ctx context.Context, pollInterval time.Duration) {
	log.Printf("[GITWORKER %s] started", w.workerID)
	for {
		select {
		case <-ctx.Done():
			log.Printf("[GITWORKER %s] stopped", w.workerID)
			return
		default:
		}
		processed, err := w.RunOnce(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("[GITWORKER %s] %v", w.workerID, err)
		}
		if !processed {
			select {
			case <-ctx.Done():
			case <-time.After(pollInterval):
			}
		}
	}
}

// RunOnce claims and executes at most one task.
func (w *GitWorker) RunOnce(ctx context.Context) (bool, error) {
	task, err := w.store.ClaimNextGitTask(ctx, w.workerID, w.lockTTL)
	if errors.Is(err, store.ErrNoTask) || errors.Is(err, store.ErrRaceLost) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	taskCtx, cancel := context.WithTimeout(ctx, w.taskTimeout)
	defer cancel()
	w.process(taskCtx, task)
	return true, nil
}

func (w *GitWorker) process(ctx context.Context, task *store.GitTask) {
	branch, sha, result, err := w.execute(ctx, task)

	resultJSON := ""
	if result != nil {
		if raw, merr := json.Marshal(result); merr == nil {
			resultJSON = string(raw)
		}
	}

	if err != nil {
		hint := audit.Hint(err.Error())
		if errors.Is(err, context.DeadlineExceeded) {
			hint = "timeout"
		}
		if cerr := w.store.CompleteGitTask(ctx, task.ID, store.TaskFailed, branch, sha, resultJSON, hint); cerr != nil {
			log.Printf("[GITWORKER %s] complete %s: %v", w.workerID, task.TaskID, cerr)
			return
		}
		gitTasksCompleted.WithLabelValues(store.TaskFailed).Inc()
		log.Printf("[GITWORKER %s] %s %s -> failed (%s)", w.workerID, task.TaskType, task.TaskID, hint)
		w.publishFinished(ctx, task, store.TaskFailed, hint)
		return
	}

	if cerr := w.store.CompleteGitTask(ctx, task.ID, store.TaskSucceeded, branch, sha, resultJSON, ""); cerr != nil {
		log.Printf("[GITWORKER %s] complete %s: %v", w.workerID, task.TaskID, cerr)
		return
	}
	gitTasksCompleted.WithLabelValues(store.TaskSucceeded).Inc()
	log.Printf("[GITWORKER %s] %s %s -> succeeded branch=%s", w.workerID, task.TaskType, task.TaskID, branch)
	w.publishFinished(ctx, task, store.TaskSucceeded, "")
}

// execute runs the repo actions a task calls for: commit, then optionally
// PR, then optionally auto-merge gated by the merge policy.
func (w *GitWorker) execute(ctx context.Context, task *store.GitTask) (branch, sha string, result *GitResult, err error) {
	var payload GitPayload
	if err := json.Unmarshal([]byte(task.PayloadJSON), &payload); err != nil {
		return "", "", nil, fmt.Errorf("bad payload: %w", err)
	}
	if payload.Slug == "" {
		return "", "", nil, fmt.Errorf("bad payload: missing slug")
	}

	branch = payload.Branch
	if branch == "" {
		branch = fmt.Sprintf("backoffice/%s", task.TaskID)
	}

	switch task.TaskType {
	case store.TaskSurfaceCommit, store.TaskArtifactCommit:
		sha, err = w.host.CommitFiles(ctx, payload.Slug, branch, payload.CommitMessage, payload.Files)
		if err != nil {
			return branch, "", nil, err
		}
		if !payload.OpenPR {
			return branch, sha, nil, nil
		}
		fallthrough

	case store.TaskOpenPR:
		prURL, perr := w.host.OpenPR(ctx, payload.Slug, branch, payload.PRTitle, payload.PRBody)
		if perr != nil {
			return branch, sha, nil, perr
		}
		result = &GitResult{PRURL: prURL}
		if !payload.AutoMerge {
			return branch, sha, result, nil
		}
		if merr := w.queueMerge(ctx, &payload, prURL); merr != nil {
			return branch, sha, result, merr
		}
		result.MergeQueued = true
		return branch, sha, result, nil

	case store.TaskAutoMerge:
		var prior GitResult
		if task.ResultJSON != "" {
			_ = json.Unmarshal([]byte(task.ResultJSON), &prior)
		}
		if prior.PRURL == "" {
			return branch, sha, nil, fmt.Errorf("auto_merge task without pr_url")
		}
		if merr := w.queueMerge(ctx, &payload, prior.PRURL); merr != nil {
			return branch, sha, &prior, merr
		}
		prior.MergeQueued = true
		return branch, sha, &prior, nil

	default:
		return "", "", nil, fmt.Errorf("unknown task type %s", task.TaskType)
	}
}

// queueMerge enforces the merge policy against live PR state before
// enabling auto-merge.
func (w *GitWorker) queueMerge(ctx context.Context, payload *GitPayload, prURL string) error {
	status, err := w.host.MergeStatus(ctx, payload.Slug, prURL)
	if err != nil {
		return err
	}
	if hint := githost.EvaluateMergePolicy(payload.MergePolicy, status); hint != "" {
		return errors.New(hint)
	}
	return w.host.QueueMerge(ctx, payload.Slug, prURL)
}

func (w *GitWorker) publishFinished(ctx context.Context, task *store.GitTask, status, hint string) {
	w.pub.Publish(ctx, events.KindGitTaskFinished, map[string]any{
		"task_id":   task.TaskID,
		"task_type": task.TaskType,
		"status":    status,
		"hint":      hint,
	})
}
