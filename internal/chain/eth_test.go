package chain

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeTransferLog(t *testing.T) {
	sig := common.HexToHash("0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef")
	from := common.BytesToHash(common.HexToAddress("0x1111111111111111111111111111111111111111").Bytes())
	to := common.BytesToHash(common.HexToAddress("0x2222222222222222222222222222222222222222").Bytes())

	t.Run("well-formed", func(t *testing.T) {
		tr, ok := decodeTransferLog(types.Log{
			Topics:      []common.Hash{sig, from, to},
			Data:        big.NewInt(1_000_000).Bytes(),
			BlockNumber: 42,
			Index:       3,
		})
		require.True(t, ok)
		require.NotNil(t, tr.Amount)
		assert.Equal(t, int64(1_000_000), tr.Amount.Int64())
		assert.Equal(t, uint64(42), tr.Block)
		assert.Equal(t, int64(3), tr.LogIndex)
	})

	t.Run("reorged-out log is dropped", func(t *testing.T) {
		_, ok := decodeTransferLog(types.Log{Removed: true, Topics: []common.Hash{sig, from, to}})
		assert.False(t, ok)
	})

	t.Run("unexpected topic shape keeps position, nil amount", func(t *testing.T) {
		// A nil amount marks the log undecodable so the indexer can hold
		// its cursor there instead of silently skipping it.
		tr, ok := decodeTransferLog(types.Log{
			Topics:      []common.Hash{sig},
			BlockNumber: 42,
			Index:       7,
		})
		require.True(t, ok)
		assert.Nil(t, tr.Amount)
		assert.Equal(t, uint64(42), tr.Block)
		assert.Equal(t, int64(7), tr.LogIndex)
	})
}
