package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// InsertSettlement appends a monthly roll-up row.
func (s *Store) InsertSettlement(ctx context.Context, tx *sql.Tx, st *Settlement) (*Settlement, error) {
	out := *st
	out.ComputedAt = time.Now().UTC()
	err := s.q(tx).QueryRowContext(ctx, `
		INSERT INTO settlements (profit_month_id, revenue_sum, expense_sum, profit_sum, profit_nonnegative, computed_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`,
		out.ProfitMonthID, out.RevenueSum, out.ExpenseSum, out.ProfitSum,
		out.ProfitNonnegative, out.ComputedAt).Scan(&out.ID)
	if err != nil {
		return nil, fmt.Errorf("insert settlement: %w", err)
	}
	return &out, nil
}

// LatestSettlement returns the newest settlement for a month.
func (s *Store) LatestSettlement(ctx context.Context, month string) (*Settlement, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, profit_month_id, revenue_sum, expense_sum, profit_sum, profit_nonnegative, computed_at
		FROM settlements WHERE profit_month_id = $1
		ORDER BY computed_at DESC, id DESC LIMIT 1`, month)

	var st Settlement
	err := row.Scan(&st.ID, &st.ProfitMonthID, &st.RevenueSum, &st.ExpenseSum,
		&st.ProfitSum, &st.ProfitNonnegative, &st.ComputedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("latest settlement: %w", err)
	}
	return &st, nil
}

// InsertReconciliationReport appends a report row; rows are never updated.
func (s *Store) InsertReconciliationReport(ctx context.Context, tx *sql.Tx, r *ReconciliationReport) (*ReconciliationReport, error) {
	out := *r
	out.ComputedAt = time.Now().UTC()
	err := s.q(tx).QueryRowContext(ctx, `
		INSERT INTO reconciliation_reports (scope, project_id, profit_month_id, ledger_balance, onchain_balance, delta, ready, blocked_reason, computed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id`,
		out.Scope, nullStr(out.ProjectID), nullStr(out.ProfitMonthID),
		nullInt(out.LedgerBalance), nullInt(out.OnchainBalance), nullInt(out.Delta),
		out.Ready, nullStr(out.BlockedReason), out.ComputedAt).Scan(&out.ID)
	if err != nil {
		return nil, fmt.Errorf("insert reconciliation report: %w", err)
	}
	return &out, nil
}

// LatestReconciliationReport returns the authoritative (newest) report for
// a scope. projectID is ignored for the platform scope.
func (s *Store) LatestReconciliationReport(ctx context.Context, scope, projectID string) (*ReconciliationReport, error) {
	query := `
		SELECT id, scope, project_id, profit_month_id, ledger_balance, onchain_balance, delta, ready, blocked_reason, computed_at
		FROM reconciliation_reports WHERE scope = $1`
	args := []any{scope}
	if scope != ScopePlatform {
		query += ` AND project_id = $2`
		args = append(args, projectID)
	}
	query += ` ORDER BY computed_at DESC, id DESC LIMIT 1`

	row := s.db.QueryRowContext(ctx, query, args...)

	var r ReconciliationReport
	var proj, month, reason sql.NullString
	var ledger, onchain, delta sql.NullInt64
	err := row.Scan(&r.ID, &r.Scope, &proj, &month, &ledger, &onchain, &delta,
		&r.Ready, &reason, &r.ComputedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("latest reconciliation report: %w", err)
	}
	r.ProjectID = strOrEmpty(proj)
	r.ProfitMonthID = strOrEmpty(month)
	r.BlockedReason = strOrEmpty(reason)
	r.LedgerBalance = intPtr(ledger)
	r.OnchainBalance = intPtr(onchain)
	r.Delta = intPtr(delta)
	return &r, nil
}

// ============================================================================
// DISTRIBUTION LIFECYCLE RECORDS
// ============================================================================

// Distribution record tables share one shape.
const (
	TableDistributionCreations  = "distribution_creations"
	TableDistributionExecutions = "distribution_executions"
	TableDividendPayouts        = "dividend_payouts"
)

// UpsertDistributionRecord records a lifecycle fact keyed by the task's
// idempotency key; replays update status/tx_hash on the same row.
func (s *Store) UpsertDistributionRecord(ctx context.Context, table string, rec *DistributionRecord) (*DistributionRecord, error) {
	out := *rec
	out.CreatedAt = time.Now().UTC()
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (profit_month_id, status, tx_hash, idempotency_key, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (idempotency_key) DO UPDATE
		SET status = EXCLUDED.status,
		    tx_hash = COALESCE(NULLIF(EXCLUDED.tx_hash, ''), %s.tx_hash)
		RETURNING id`, table, table),
		out.ProfitMonthID, out.Status, nullStr(out.TxHash), out.IdempotencyKey, out.CreatedAt).Scan(&out.ID)
	if err != nil {
		return nil, fmt.Errorf("upsert %s: %w", table, err)
	}
	return &out, nil
}

// GetDistributionRecord fetches by idempotency key.
func (s *Store) GetDistributionRecord(ctx context.Context, table, idempotencyKey string) (*DistributionRecord, error) {
	row := s.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT id, profit_month_id, status, tx_hash, idempotency_key, created_at
		FROM %s WHERE idempotency_key = $1`, table), idempotencyKey)

	var rec DistributionRecord
	var txHash sql.NullString
	err := row.Scan(&rec.ID, &rec.ProfitMonthID, &rec.Status, &txHash, &rec.IdempotencyKey, &rec.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", table, err)
	}
	rec.TxHash = strOrEmpty(txHash)
	return &rec, nil
}

// LatestDistributionRecordForMonth returns the newest lifecycle fact for a
// month, used by the autonomy confirm stage.
func (s *Store) LatestDistributionRecordForMonth(ctx context.Context, table, month string) (*DistributionRecord, error) {
	row := s.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT id, profit_month_id, status, tx_hash, idempotency_key, created_at
		FROM %s WHERE profit_month_id = $1 ORDER BY created_at DESC, id DESC LIMIT 1`, table), month)

	var rec DistributionRecord
	var txHash sql.NullString
	err := row.Scan(&rec.ID, &rec.ProfitMonthID, &rec.Status, &txHash, &rec.IdempotencyKey, &rec.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("latest %s: %w", table, err)
	}
	rec.TxHash = strOrEmpty(txHash)
	return &rec, nil
}
