package githost

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEvaluateMergePolicy(t *testing.T) {
	policy := &MergePolicy{
		RequiredChecks:    []string{"ci", "lint"},
		RequiredApprovals: 1,
		RequireNonDraft:   true,
	}

	green := &PRStatus{
		Approvals: 2,
		Checks:    map[string]string{"ci": "success", "lint": "success"},
	}
	assert.Equal(t, "", EvaluateMergePolicy(policy, green))

	t.Run("missing check", func(t *testing.T) {
		st := &PRStatus{Approvals: 2, Checks: map[string]string{"ci": "success"}}
		assert.Equal(t, "merge_policy_checks_missing:lint", EvaluateMergePolicy(policy, st))
	})

	t.Run("failing check", func(t *testing.T) {
		st := &PRStatus{Approvals: 2, Checks: map[string]string{"ci": "failure", "lint": "success"}}
		assert.Equal(t, "merge_policy_checks_failing:ci", EvaluateMergePolicy(policy, st))
	})

	t.Run("pending check blocks", func(t *testing.T) {
		st := &PRStatus{Approvals: 2, Checks: map[string]string{"ci": "pending", "lint": "success"}}
		assert.Equal(t, "merge_policy_checks_failing:ci", EvaluateMergePolicy(policy, st))
	})

	t.Run("not enough approvals", func(t *testing.T) {
		st := &PRStatus{Approvals: 0, Checks: map[string]string{"ci": "success", "lint": "success"}}
		assert.Equal(t, "merge_policy_approvals_missing", EvaluateMergePolicy(policy, st))
	})

	t.Run("draft", func(t *testing.T) {
		st := &PRStatus{Draft: true, Approvals: 1, Checks: map[string]string{"ci": "success", "lint": "success"}}
		assert.Equal(t, "merge_policy_draft", EvaluateMergePolicy(policy, st))
	})

	t.Run("nil policy always passes", func(t *testing.T) {
		assert.Equal(t, "", EvaluateMergePolicy(nil, &PRStatus{Draft: true}))
	})

	t.Run("empty policy passes", func(t *testing.T) {
		assert.Equal(t, "", EvaluateMergePolicy(&MergePolicy{}, &PRStatus{Draft: true}))
	})
}
