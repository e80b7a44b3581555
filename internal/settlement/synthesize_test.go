package settlement

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func sum(shares []int64) int64 {
	var s int64
	for _, v := range shares {
		s += v
	}
	return s
}

func TestApportion_FloorDivision(t *testing.T) {
	shares := apportion(100, []int64{1, 1, 1})
	assert.Equal(t, []int64{33, 33, 33}, shares)
	assert.Equal(t, int64(99), sum(shares), "floor division leaves a residue")
}

func TestApportion_ProportionalToWeights(t *testing.T) {
	shares := apportion(1000, []int64{3, 1})
	assert.Equal(t, []int64{750, 250}, shares)
}

func TestApportion_Degenerate(t *testing.T) {
	assert.Empty(t, apportion(100, nil))
	assert.Equal(t, []int64{0, 0}, apportion(0, []int64{1, 2}))
	assert.Equal(t, []int64{0, 0}, apportion(-5, []int64{1, 2}))
	assert.Equal(t, []int64{0, 0}, apportion(100, []int64{0, 0}), "zero weight sum yields nothing")
}

func TestAddToLargest(t *testing.T) {
	t.Run("largest is a staker", func(t *testing.T) {
		p := &ExecutePayload{
			StakerShares: []int64{10, 40, 20},
			AuthorShares: []int64{30},
		}
		addToLargest(p, 7)
		assert.Equal(t, []int64{10, 47, 20}, p.StakerShares)
		assert.Equal(t, []int64{30}, p.AuthorShares)
	})

	t.Run("largest is an author", func(t *testing.T) {
		p := &ExecutePayload{
			StakerShares: []int64{10},
			AuthorShares: []int64{50, 5},
		}
		addToLargest(p, 3)
		assert.Equal(t, []int64{10}, p.StakerShares)
		assert.Equal(t, []int64{53, 5}, p.AuthorShares)
	})

	t.Run("authors only", func(t *testing.T) {
		p := &ExecutePayload{AuthorShares: []int64{1}}
		addToLargest(p, 2)
		assert.Equal(t, []int64{3}, p.AuthorShares)
	})
}

func TestApportionPlusResidue_ExactTotal(t *testing.T) {
	// The invariant execute_distribution depends on: after apportioning and
	// placing the residue, the vector total equals the pool exactly.
	weights := []int64{7, 13, 1, 29, 3}
	for _, total := range []int64{1, 10, 999, 1_000_003, 5_000_000} {
		shares := apportion(total, weights)
		p := &ExecutePayload{StakerShares: shares}
		if residue := total - sum(shares); residue > 0 {
			addToLargest(p, residue)
		}
		assert.Equal(t, total, sum(p.StakerShares), "total=%d", total)
	}
}
