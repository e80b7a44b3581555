// Package githost abstracts repo-side effects behind the smallest surface
// the git outbox needs. The default implementation shells out to local git
// and the host CLI.
package githost

import "context"

// File is one file written by a commit task.
type File struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// MergePolicy gates auto-merge on live PR state.
type MergePolicy struct {
	RequiredChecks    []string `json:"required_checks,omitempty"`
	RequiredApprovals int      `json:"required_approvals,omitempty"`
	RequireNonDraft   bool     `json:"require_non_draft,omitempty"`
}

// PRStatus is a snapshot of a pull request's mergeability inputs.
type PRStatus struct {
	Draft     bool
	Approvals int
	// Checks maps check name to its current conclusion (success, failure,
	// pending, ...).
	Checks map[string]string
}

// Host is the repo-side collaborator surface.
type Host interface {
	// CommitFiles writes files on a branch (created if needed), commits and
	// pushes. Returns the commit SHA.
	CommitFiles(ctx context.Context, slug, branch, message string, files []File) (string, error)

	// OpenPR opens a pull request from branch and returns its URL.
	OpenPR(ctx context.Context, slug, branch, title, body string) (string, error)

	// MergeStatus reads the live PR state needed by the merge policy.
	MergeStatus(ctx context.Context, slug, prURL string) (*PRStatus, error)

	// QueueMerge enables auto-merge on the PR.
	QueueMerge(ctx context.Context, slug, prURL string) error
}

// EvaluateMergePolicy returns the first failing condition as a structured
// hint, or empty when the PR may be queued for merge.
func EvaluateMergePolicy(policy *MergePolicy, status *PRStatus) string {
	if policy == nil {
		return ""
	}
	for _, name := range policy.RequiredChecks {
		conclusion, ok := status.Checks[name]
		if !ok {
			return "merge_policy_checks_missing:" + name
		}
		if conclusion != "success" {
			return "merge_policy_checks_failing:" + name
		}
	}
	if status.Approvals < policy.RequiredApprovals {
		return "merge_policy_approvals_missing"
	}
	if policy.RequireNonDraft && status.Draft {
		return "merge_policy_draft"
	}
	return ""
}
