package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/agentdao/backoffice/internal/audit"
)

// InsertAudit writes one audit row. Pass the caller's tx to make the row
// atomic with the state change it describes; failed requests audit with a
// nil tx since there is no state change to join.
func (s *Store) InsertAudit(ctx context.Context, tx *sql.Tx, row *AuditRow) error {
	_, err := s.q(tx).ExecContext(ctx, `
		INSERT INTO audit_log (actor_type, actor_id, method, path, idempotency_key, body_hash, signature_status, request_id, tx_hash, error_hint, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		row.ActorType, nullStr(row.ActorID), row.Method, row.Path,
		nullStr(row.IdempotencyKey), nullStr(row.BodyHash), nullStr(row.SignatureStatus),
		nullStr(row.RequestID), nullStr(row.TxHash), nullStr(audit.Hint(row.ErrorHint)),
		time.Now().UTC())
	if err != nil {
		return fmt.Errorf("insert audit row: %w", err)
	}
	return nil
}

// ListAuditRows returns recent audit rows, newest first (operator queries).
func (s *Store) ListAuditRows(ctx context.Context, path string, limit int) ([]AuditRow, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT id, actor_type, actor_id, method, path, idempotency_key, body_hash, signature_status, request_id, tx_hash, error_hint, created_at
		FROM audit_log`
	args := []any{}
	if path != "" {
		query += ` WHERE path = $1`
		args = append(args, path)
	}
	query += fmt.Sprintf(` ORDER BY id DESC LIMIT %d`, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list audit rows: %w", err)
	}
	defer rows.Close()

	var out []AuditRow
	for rows.Next() {
		var r AuditRow
		var actorID, idem, bodyHash, sigStatus, reqID, txHash, hint sql.NullString
		if err := rows.Scan(&r.ID, &r.ActorType, &actorID, &r.Method, &r.Path,
			&idem, &bodyHash, &sigStatus, &reqID, &txHash, &hint, &r.CreatedAt); err != nil {
			return nil, err
		}
		r.ActorID = strOrEmpty(actorID)
		r.IdempotencyKey = strOrEmpty(idem)
		r.BodyHash = strOrEmpty(bodyHash)
		r.SignatureStatus = strOrEmpty(sigStatus)
		r.RequestID = strOrEmpty(reqID)
		r.TxHash = strOrEmpty(txHash)
		r.ErrorHint = strOrEmpty(hint)
		out = append(out, r)
	}
	return out, rows.Err()
}
