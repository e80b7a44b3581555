package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNonceReplay signals that a request_id has already been consumed.
var ErrNonceReplay = errors.New("store: oracle nonce replay")

// InsertOracleNonce consumes a request_id. The unique index on request_id
// is the replay lock: a second insert for the same id fails with
// ErrNonceReplay and the request must be rejected with 409.
func (s *Store) InsertOracleNonce(ctx context.Context, requestID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO oracle_nonces (request_id, created_at) VALUES ($1, $2)`,
		requestID, time.Now().UTC())
	if err != nil {
		if isUniqueViolation(err) {
			return ErrNonceReplay
		}
		return fmt.Errorf("insert oracle nonce: %w", err)
	}
	return nil
}

// PruneOracleNonces deletes nonces older than the retention window. Replay
// protection only needs to cover the request TTL plus skew.
func (s *Store) PruneOracleNonces(ctx context.Context, olderThan time.Duration) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM oracle_nonces WHERE created_at < $1`,
		time.Now().UTC().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("prune oracle nonces: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
