package outbox

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentdao/backoffice/internal/githost"
	"github.com/agentdao/backoffice/internal/store"
)

// fakeHost records calls and serves canned PR state.
type fakeHost struct {
	status       *githost.PRStatus
	commits      int
	prs          int
	mergesQueued int
}

func (f *fakeHost) CommitFiles(ctx context.Context, slug, branch, message string, files []githost.File) (string, error) {
	f.commits++
	return "abc123", nil
}

func (f *fakeHost) OpenPR(ctx context.Context, slug, branch, title, body string) (string, error) {
	f.prs++
	return "https://github.com/org/" + slug + "/pull/7", nil
}

func (f *fakeHost) MergeStatus(ctx context.Context, slug, prURL string) (*githost.PRStatus, error) {
	return f.status, nil
}

func (f *fakeHost) QueueMerge(ctx context.Context, slug, prURL string) error {
	f.mergesQueued++
	return nil
}

func gitTask(t *testing.T, taskType string, payload *GitPayload) *store.GitTask {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	return &store.GitTask{TaskID: "gto_1", TaskType: taskType, PayloadJSON: string(raw)}
}

func TestGitWorker_CommitOnly(t *testing.T) {
	host := &fakeHost{}
	w := &GitWorker{host: host}

	task := gitTask(t, store.TaskSurfaceCommit, &GitPayload{
		Slug:          "landing",
		CommitMessage: "update hero copy",
		Files:         []githost.File{{Path: "index.html", Content: "<h1>hi</h1>"}},
	})
	branch, sha, result, err := w.execute(context.Background(), task)
	require.NoError(t, err)
	assert.Equal(t, "backoffice/gto_1", branch, "default branch derives from the task id")
	assert.Equal(t, "abc123", sha)
	assert.Nil(t, result)
	assert.Equal(t, 1, host.commits)
	assert.Equal(t, 0, host.prs)
}

func TestGitWorker_CommitThenPRThenAutoMerge(t *testing.T) {
	host := &fakeHost{status: &githost.PRStatus{
		Approvals: 1,
		Checks:    map[string]string{"ci": "success"},
	}}
	w := &GitWorker{host: host}

	task := gitTask(t, store.TaskArtifactCommit, &GitPayload{
		Slug:          "backend",
		Branch:        "artifacts/202508",
		CommitMessage: "settlement artifacts",
		OpenPR:        true,
		AutoMerge:     true,
		MergePolicy: &githost.MergePolicy{
			RequiredChecks:    []string{"ci"},
			RequiredApprovals: 1,
		},
	})
	branch, sha, result, err := w.execute(context.Background(), task)
	require.NoError(t, err)
	assert.Equal(t, "artifacts/202508", branch)
	assert.Equal(t, "abc123", sha)
	require.NotNil(t, result)
	assert.Contains(t, result.PRURL, "/pull/7")
	assert.True(t, result.MergeQueued)
	assert.Equal(t, 1, host.mergesQueued)
}

func TestGitWorker_MergePolicyBlocksQueue(t *testing.T) {
	host := &fakeHost{status: &githost.PRStatus{
		Checks: map[string]string{"ci": "pending"},
	}}
	w := &GitWorker{host: host}

	task := gitTask(t, store.TaskOpenPR, &GitPayload{
		Slug:        "backend",
		Branch:      "artifacts/202508",
		AutoMerge:   true,
		MergePolicy: &githost.MergePolicy{RequiredChecks: []string{"ci"}},
	})
	_, _, result, err := w.execute(context.Background(), task)
	require.Error(t, err)
	assert.Equal(t, "merge_policy_checks_failing:ci", err.Error())
	require.NotNil(t, result, "the PR URL survives so auto_merge can retry")
	assert.False(t, result.MergeQueued)
	assert.Equal(t, 0, host.mergesQueued)
}

func TestGitWorker_AutoMergeNeedsPriorPR(t *testing.T) {
	w := &GitWorker{host: &fakeHost{}}
	task := gitTask(t, store.TaskAutoMerge, &GitPayload{Slug: "backend"})

	_, _, _, err := w.execute(context.Background(), task)
	assert.Error(t, err)
}

func TestGitWorker_BadPayload(t *testing.T) {
	w := &GitWorker{host: &fakeHost{}}

	_, _, _, err := w.execute(context.Background(), &store.GitTask{TaskID: "gto_1", TaskType: store.TaskOpenPR, PayloadJSON: "{"})
	assert.Error(t, err)

	task := gitTask(t, store.TaskOpenPR, &GitPayload{})
	_, _, _, err = w.execute(context.Background(), task)
	assert.ErrorContains(t, err, "slug")
}
