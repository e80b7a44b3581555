package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// InsertObservedTransfers dedupe-inserts a batch of Transfer observations
// and advances the indexer cursor in the same transaction. Returns the
// number of newly inserted rows.
func (s *Store) InsertObservedTransfers(ctx context.Context, cursorKey string, chainID int64, transfers []ObservedTransfer, toBlock uint64) (int, error) {
	inserted := 0
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		for _, t := range transfers {
			res, err := tx.ExecContext(ctx, `
				INSERT INTO observed_usdc_transfers (chain_id, tx_hash, log_index, from_address, to_address, amount_micro_usdc, block_number, observed_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
				ON CONFLICT (chain_id, tx_hash, log_index) DO NOTHING`,
				t.ChainID, t.TxHash, t.LogIndex, t.FromAddress, t.ToAddress,
				t.AmountMicroUSDC, t.BlockNumber, time.Now().UTC())
			if err != nil {
				return fmt.Errorf("insert observed transfer: %w", err)
			}
			if n, _ := res.RowsAffected(); n > 0 {
				inserted++
			}
		}
		// Cursor only moves forward.
		_, err := tx.ExecContext(ctx, `
			INSERT INTO indexer_cursors (cursor_key, chain_id, last_block_number)
			VALUES ($1, $2, $3)
			ON CONFLICT (cursor_key, chain_id) DO UPDATE
			SET last_block_number = GREATEST(indexer_cursors.last_block_number, EXCLUDED.last_block_number)`,
			cursorKey, chainID, toBlock)
		if err != nil {
			return fmt.Errorf("advance cursor: %w", err)
		}
		return nil
	})
	return inserted, err
}

// GetCursor returns the last confirmed block scanned for a cursor key, or
// 0 when the cursor has never been written.
func (s *Store) GetCursor(ctx context.Context, cursorKey string, chainID int64) (uint64, error) {
	var block uint64
	err := s.db.QueryRowContext(ctx, `
		SELECT last_block_number FROM indexer_cursors WHERE cursor_key = $1 AND chain_id = $2`,
		cursorKey, chainID).Scan(&block)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get cursor: %w", err)
	}
	return block, nil
}

// ListObservedTransfersTo returns observations whose to_address matches,
// newest first, for accrual and sync flows.
func (s *Store) ListObservedTransfersTo(ctx context.Context, toAddress string, limit int) ([]ObservedTransfer, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT chain_id, tx_hash, log_index, from_address, to_address, amount_micro_usdc, block_number, observed_at
		FROM observed_usdc_transfers WHERE LOWER(to_address) = LOWER($1)
		ORDER BY block_number DESC, log_index DESC LIMIT $2`, toAddress, limit)
	if err != nil {
		return nil, fmt.Errorf("list observed transfers: %w", err)
	}
	defer rows.Close()
	return scanTransfers(rows)
}

// ListObservedTransfersSinceBlock returns all observations at or above a
// block, oldest first, for incremental sync.
func (s *Store) ListObservedTransfersSinceBlock(ctx context.Context, chainID int64, fromBlock uint64) ([]ObservedTransfer, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT chain_id, tx_hash, log_index, from_address, to_address, amount_micro_usdc, block_number, observed_at
		FROM observed_usdc_transfers WHERE chain_id = $1 AND block_number >= $2
		ORDER BY block_number ASC, log_index ASC`, chainID, fromBlock)
	if err != nil {
		return nil, fmt.Errorf("list observed transfers: %w", err)
	}
	defer rows.Close()
	return scanTransfers(rows)
}

func scanTransfers(rows *sql.Rows) ([]ObservedTransfer, error) {
	var out []ObservedTransfer
	for rows.Next() {
		var t ObservedTransfer
		if err := rows.Scan(&t.ChainID, &t.TxHash, &t.LogIndex, &t.FromAddress,
			&t.ToAddress, &t.AmountMicroUSDC, &t.BlockNumber, &t.ObservedAt); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
