package githost

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// CLIHost drives local git plus the gh CLI. Each project slug maps to a
// pre-cloned working copy under reposDir.
type CLIHost struct {
	reposDir    string
	callTimeout time.Duration
}

// NewCLIHost builds the CLI-backed host.
func NewCLIHost(reposDir string, callTimeout time.Duration) *CLIHost {
	return &CLIHost{reposDir: reposDir, callTimeout: callTimeout}
}

func (h *CLIHost) repoDir(slug string) (string, error) {
	dir := filepath.Join(h.reposDir, slug)
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return "", fmt.Errorf("repo for slug %q not found under %s", slug, h.reposDir)
	}
	return dir, nil
}

func (h *CLIHost) run(ctx context.Context, dir string, name string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, h.callTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		detail := strings.TrimSpace(stderr.String())
		if detail == "" {
			detail = err.Error()
		}
		return "", fmt.Errorf("%s %s: %s", name, strings.Join(args, " "), detail)
	}
	return strings.TrimSpace(stdout.String()), nil
}

// CommitFiles checks out the branch, writes the files, commits and pushes.
func (h *CLIHost) CommitFiles(ctx context.Context, slug, branch, message string, files []File) (string, error) {
	dir, err := h.repoDir(slug)
	if err != nil {
		return "", err
	}
	if _, err := h.run(ctx, dir, "git", "fetch", "origin"); err != nil {
		return "", err
	}
	if _, err := h.run(ctx, dir, "git", "checkout", "-B", branch); err != nil {
		return "", err
	}
	for _, f := range files {
		path := filepath.Join(dir, filepath.Clean(f.Path))
		if !strings.HasPrefix(path, dir+string(os.PathSeparator)) {
			return "", fmt.Errorf("file path %q escapes repo", f.Path)
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", fmt.Errorf("mkdir for %s: %w", f.Path, err)
		}
		if err := os.WriteFile(path, []byte(f.Content), 0o644); err != nil {
			return "", fmt.Errorf("write %s: %w", f.Path, err)
		}
	}
	if _, err := h.run(ctx, dir, "git", "add", "-A"); err != nil {
		return "", err
	}
	if _, err := h.run(ctx, dir, "git", "commit", "-m", message); err != nil {
		return "", err
	}
	sha, err := h.run(ctx, dir, "git", "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	if _, err := h.run(ctx, dir, "git", "push", "-u", "origin", branch, "--force-with-lease"); err != nil {
		return "", err
	}
	return sha, nil
}

// OpenPR opens a pull request via gh and returns its URL.
func (h *CLIHost) OpenPR(ctx context.Context, slug, branch, title, body string) (string, error) {
	dir, err := h.repoDir(slug)
	if err != nil {
		return "", err
	}
	url, err := h.run(ctx, dir, "gh", "pr", "create",
		"--head", branch, "--title", title, "--body", body)
	if err != nil {
		// gh prints the existing PR URL on stderr when one is already open;
		// re-read instead of failing the idempotent replay.
		if existing, verr := h.run(ctx, dir, "gh", "pr", "view", branch, "--json", "url", "--jq", ".url"); verr == nil && existing != "" {
			return existing, nil
		}
		return "", err
	}
	return url, nil
}

// MergeStatus reads draft state, approvals and check conclusions.
func (h *CLIHost) MergeStatus(ctx context.Context, slug, prURL string) (*PRStatus, error) {
	dir, err := h.repoDir(slug)
	if err != nil {
		return nil, err
	}
	out, err := h.run(ctx, dir, "gh", "pr", "view", prURL,
		"--json", "isDraft,reviewDecision,latestReviews,statusCheckRollup")
	if err != nil {
		return nil, err
	}

	var raw struct {
		IsDraft       bool `json:"isDraft"`
		LatestReviews []struct {
			State string `json:"state"`
		} `json:"latestReviews"`
		StatusCheckRollup []struct {
			Name       string `json:"name"`
			Context    string `json:"context"`
			Conclusion string `json:"conclusion"`
			State      string `json:"state"`
		} `json:"statusCheckRollup"`
	}
	if err := json.Unmarshal([]byte(out), &raw); err != nil {
		return nil, fmt.Errorf("parse pr view output: %w", err)
	}

	status := &PRStatus{Draft: raw.IsDraft, Checks: make(map[string]string)}
	for _, r := range raw.LatestReviews {
		if r.State == "APPROVED" {
			status.Approvals++
		}
	}
	for _, c := range raw.StatusCheckRollup {
		name := c.Name
		if name == "" {
			name = c.Context
		}
		conclusion := strings.ToLower(c.Conclusion)
		if conclusion == "" {
			conclusion = strings.ToLower(c.State)
		}
		status.Checks[name] = conclusion
	}
	return status, nil
}

// QueueMerge enables auto-merge (squash) on the PR.
func (h *CLIHost) QueueMerge(ctx context.Context, slug, prURL string) error {
	dir, err := h.repoDir(slug)
	if err != nil {
		return err
	}
	_, err = h.run(ctx, dir, "gh", "pr", "merge", prURL, "--auto", "--squash")
	return err
}
