package indexer

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentdao/backoffice/internal/chain"
)

func transferAt(block uint64, logIndex int64, amount *big.Int) chain.Transfer {
	return chain.Transfer{
		TxHash:   "0xabc",
		LogIndex: logIndex,
		From:     "0xfrom",
		To:       "0xto",
		Amount:   amount,
		Block:    block,
	}
}

func TestBuildRows_CleanBatch(t *testing.T) {
	ix := &Indexer{chainID: 8453}
	logs := []chain.Transfer{
		transferAt(100, 0, big.NewInt(1_000_000)),
		transferAt(101, 2, big.NewInt(5)),
	}

	rows, scanTo := ix.buildRows(logs, 110)
	assert.Equal(t, uint64(110), scanTo)
	require.Len(t, rows, 2)
	assert.Equal(t, int64(1_000_000), rows[0].AmountMicroUSDC)
	assert.Equal(t, uint64(101), rows[1].BlockNumber)
	assert.Equal(t, int64(8453), rows[0].ChainID)
}

func TestBuildRows_MalformedLogHoldsCursor(t *testing.T) {
	ix := &Indexer{chainID: 8453}

	t.Run("mid-batch truncates below the bad block", func(t *testing.T) {
		logs := []chain.Transfer{
			transferAt(100, 0, big.NewInt(10)),
			transferAt(105, 1, nil), // undecodable
			transferAt(106, 0, big.NewInt(20)),
		}
		rows, scanTo := ix.buildRows(logs, 110)
		assert.Equal(t, uint64(104), scanTo, "cursor must stop below the bad log")
		require.Len(t, rows, 1)
		assert.Equal(t, uint64(100), rows[0].BlockNumber)
	})

	t.Run("first block bad keeps everything in scan range", func(t *testing.T) {
		logs := []chain.Transfer{
			transferAt(100, 0, nil),
			transferAt(101, 0, big.NewInt(7)),
		}
		rows, scanTo := ix.buildRows(logs, 110)
		assert.Equal(t, uint64(99), scanTo)
		assert.Empty(t, rows)
	})

	t.Run("over-int64 amount is malformed", func(t *testing.T) {
		huge := new(big.Int).Lsh(big.NewInt(1), 70)
		rows, scanTo := ix.buildRows([]chain.Transfer{transferAt(100, 0, huge)}, 110)
		assert.Equal(t, uint64(99), scanTo)
		assert.Empty(t, rows)
	})
}
