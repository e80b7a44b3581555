package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Ledger tables are append-only. Every append is insert-or-get on the
// unique idempotency_key: a duplicate returns the prior row untouched and
// created=false. Duplicates resolve via ON CONFLICT DO NOTHING rather than
// a caught unique violation, which would poison a surrounding transaction.
// Pass a non-nil tx to make the append atomic with the caller's audit write.

func (s *Store) q(tx *sql.Tx) querier {
	if tx != nil {
		return tx
	}
	return s.db
}

// AppendRevenueEvent inserts a revenue row or returns the existing one.
func (s *Store) AppendRevenueEvent(ctx context.Context, tx *sql.Tx, ev *LedgerEvent) (*LedgerEvent, bool, error) {
	return s.appendLedgerEvent(ctx, s.q(tx), "revenue_events", "source", PrefixRevenue, ev)
}

// AppendExpenseEvent inserts an expense row or returns the existing one.
func (s *Store) AppendExpenseEvent(ctx context.Context, tx *sql.Tx, ev *LedgerEvent) (*LedgerEvent, bool, error) {
	return s.appendLedgerEvent(ctx, s.q(tx), "expense_events", "category", PrefixExpense, ev)
}

func (s *Store) appendLedgerEvent(ctx context.Context, q querier, table, sourceCol, prefix string, ev *LedgerEvent) (*LedgerEvent, bool, error) {
	out := *ev
	if out.EventID == "" {
		out.EventID = prefix + uuid.NewString()
	}
	out.CreatedAt = time.Now().UTC()

	res, err := q.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (event_id, profit_month_id, project_id, amount_micro_usdc, tx_hash, %s, idempotency_key, evidence_url, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (idempotency_key) DO NOTHING`, table, sourceCol),
		out.EventID, out.ProfitMonthID, nullStr(out.ProjectID), out.AmountMicroUSDC,
		nullStr(out.TxHash), out.Source, out.IdempotencyKey, nullStr(out.EvidenceURL), out.CreatedAt)
	if err != nil {
		return nil, false, fmt.Errorf("insert %s: %w", table, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		prior, gerr := s.getLedgerEvent(ctx, q, table, sourceCol, ev.IdempotencyKey)
		if gerr != nil {
			return nil, false, gerr
		}
		return prior, false, nil
	}
	return &out, true, nil
}

func (s *Store) getLedgerEvent(ctx context.Context, q querier, table, sourceCol, idempotencyKey string) (*LedgerEvent, error) {
	row := q.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT event_id, profit_month_id, project_id, amount_micro_usdc, tx_hash, %s, idempotency_key, evidence_url, created_at
		FROM %s WHERE idempotency_key = $1`, sourceCol, table), idempotencyKey)

	var ev LedgerEvent
	var projectID, txHash, evidenceURL sql.NullString
	err := row.Scan(&ev.EventID, &ev.ProfitMonthID, &projectID, &ev.AmountMicroUSDC,
		&txHash, &ev.Source, &ev.IdempotencyKey, &evidenceURL, &ev.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", table, err)
	}
	ev.ProjectID = strOrEmpty(projectID)
	ev.TxHash = strOrEmpty(txHash)
	ev.EvidenceURL = strOrEmpty(evidenceURL)
	return &ev, nil
}

// AppendCapitalEvent inserts a signed project-capital delta or returns the
// existing row for its idempotency key.
func (s *Store) AppendCapitalEvent(ctx context.Context, tx *sql.Tx, ev *CapitalEvent) (*CapitalEvent, bool, error) {
	q := s.q(tx)
	out := *ev
	if out.EventID == "" {
		out.EventID = PrefixCapital + uuid.NewString()
	}
	out.CreatedAt = time.Now().UTC()

	res, err := q.ExecContext(ctx, `
		INSERT INTO project_capital_events (event_id, project_id, profit_month_id, amount_micro_usdc, source, idempotency_key, evidence_tx_hash, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (idempotency_key) DO NOTHING`,
		out.EventID, out.ProjectID, nullStr(out.ProfitMonthID), out.AmountMicroUSDC,
		out.Source, out.IdempotencyKey, nullStr(out.EvidenceTxHash), out.CreatedAt)
	if err != nil {
		return nil, false, fmt.Errorf("insert project_capital_events: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		prior, gerr := s.getCapitalEvent(ctx, q, ev.IdempotencyKey)
		if gerr != nil {
			return nil, false, gerr
		}
		return prior, false, nil
	}
	return &out, true, nil
}

func (s *Store) getCapitalEvent(ctx context.Context, q querier, idempotencyKey string) (*CapitalEvent, error) {
	row := q.QueryRowContext(ctx, `
		SELECT event_id, project_id, profit_month_id, amount_micro_usdc, source, idempotency_key, evidence_tx_hash, created_at
		FROM project_capital_events WHERE idempotency_key = $1`, idempotencyKey)

	var ev CapitalEvent
	var month, evidence sql.NullString
	err := row.Scan(&ev.EventID, &ev.ProjectID, &month, &ev.AmountMicroUSDC,
		&ev.Source, &ev.IdempotencyKey, &evidence, &ev.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get project_capital_events: %w", err)
	}
	ev.ProfitMonthID = strOrEmpty(month)
	ev.EvidenceTxHash = strOrEmpty(evidence)
	return &ev, nil
}

// AppendMarketingFeeEvent records a derived fee accrual, idempotent on the
// inflow identity plus bucket.
func (s *Store) AppendMarketingFeeEvent(ctx context.Context, tx *sql.Tx, ev *MarketingFeeEvent) (*MarketingFeeEvent, bool, error) {
	q := s.q(tx)
	out := *ev
	if out.EventID == "" {
		out.EventID = PrefixMarketingFee + uuid.NewString()
	}
	out.CreatedAt = time.Now().UTC()

	res, err := q.ExecContext(ctx, `
		INSERT INTO marketing_fee_events (event_id, chain_id, tx_hash, log_index, to_address, bucket, gross_micro_usdc, fee_micro_usdc, idempotency_key, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (idempotency_key) DO NOTHING`,
		out.EventID, out.ChainID, out.TxHash, out.LogIndex, out.ToAddress,
		out.Bucket, out.GrossMicroUSDC, out.FeeMicroUSDC, out.IdempotencyKey, out.CreatedAt)
	if err != nil {
		return nil, false, fmt.Errorf("insert marketing_fee_events: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		row := q.QueryRowContext(ctx, `
			SELECT event_id, chain_id, tx_hash, log_index, to_address, bucket, gross_micro_usdc, fee_micro_usdc, idempotency_key, created_at
			FROM marketing_fee_events WHERE idempotency_key = $1`, ev.IdempotencyKey)
		var prior MarketingFeeEvent
		if serr := row.Scan(&prior.EventID, &prior.ChainID, &prior.TxHash, &prior.LogIndex,
			&prior.ToAddress, &prior.Bucket, &prior.GrossMicroUSDC, &prior.FeeMicroUSDC,
			&prior.IdempotencyKey, &prior.CreatedAt); serr != nil {
			return nil, false, fmt.Errorf("get marketing_fee_events: %w", serr)
		}
		return &prior, false, nil
	}
	return &out, true, nil
}

// ============================================================================
// AGGREGATIONS — balances are always computed, never cached
// ============================================================================

// SumRevenueForMonth sums revenue events for a profit month across projects.
func (s *Store) SumRevenueForMonth(ctx context.Context, month string) (int64, error) {
	return s.sumColumn(ctx, `SELECT COALESCE(SUM(amount_micro_usdc), 0) FROM revenue_events WHERE profit_month_id = $1`, month)
}

// SumExpenseForMonth sums expense events for a profit month.
func (s *Store) SumExpenseForMonth(ctx context.Context, month string) (int64, error) {
	return s.sumColumn(ctx, `SELECT COALESCE(SUM(amount_micro_usdc), 0) FROM expense_events WHERE profit_month_id = $1`, month)
}

// SumRevenueForProject is the cumulative revenue ledger balance of one
// project, compared against balanceOf(revenue_address).
func (s *Store) SumRevenueForProject(ctx context.Context, projectID string) (int64, error) {
	return s.sumColumn(ctx, `SELECT COALESCE(SUM(amount_micro_usdc), 0) FROM revenue_events WHERE project_id = $1`, projectID)
}

// SumCapitalForProject is the signed capital balance of one project.
func (s *Store) SumCapitalForProject(ctx context.Context, projectID string) (int64, error) {
	return s.sumColumn(ctx, `SELECT COALESCE(SUM(amount_micro_usdc), 0) FROM project_capital_events WHERE project_id = $1`, projectID)
}

// SumRevenueForMonthByProject splits a month's revenue by project for the
// author-share synthesis. Projectless revenue is keyed by the empty string.
func (s *Store) SumRevenueForMonthByProject(ctx context.Context, month string) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT COALESCE(project_id, ''), COALESCE(SUM(amount_micro_usdc), 0)
		FROM revenue_events WHERE profit_month_id = $1 GROUP BY project_id`, month)
	if err != nil {
		return nil, fmt.Errorf("sum revenue by project: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var projectID string
		var sum int64
		if err := rows.Scan(&projectID, &sum); err != nil {
			return nil, err
		}
		out[projectID] = sum
	}
	return out, rows.Err()
}

// SumMarketingFeeAccrued totals all accrued marketing fees.
func (s *Store) SumMarketingFeeAccrued(ctx context.Context) (int64, error) {
	return s.sumColumnNoArg(ctx, `SELECT COALESCE(SUM(fee_micro_usdc), 0) FROM marketing_fee_events`)
}

// SumExpenseForProjectSince supports per-day/per-month spend caps: total
// bounty/outflow expense for a project since the cutoff.
func (s *Store) SumExpenseForProjectSince(ctx context.Context, projectID string, since time.Time) (int64, error) {
	var sum int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount_micro_usdc), 0) FROM expense_events
		WHERE project_id = $1 AND created_at >= $2`, projectID, since).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("sum project expense: %w", err)
	}
	return sum, nil
}

func (s *Store) sumColumn(ctx context.Context, query, arg string) (int64, error) {
	var sum int64
	if err := s.db.QueryRowContext(ctx, query, arg).Scan(&sum); err != nil {
		return 0, fmt.Errorf("aggregate: %w", err)
	}
	return sum, nil
}

func (s *Store) sumColumnNoArg(ctx context.Context, query string) (int64, error) {
	var sum int64
	if err := s.db.QueryRowContext(ctx, query).Scan(&sum); err != nil {
		return 0, fmt.Errorf("aggregate: %w", err)
	}
	return sum, nil
}
