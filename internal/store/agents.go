package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// ============================================================================
// AGENTS
// ============================================================================

// InsertAgent registers a new agent identity.
func (s *Store) InsertAgent(ctx context.Context, a *Agent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agents (agent_id, display_name, capabilities, wallet_address, credential_hash, credential_last4, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		a.AgentID, a.DisplayName, pq.Array(a.Capabilities), nullStr(a.WalletAddress),
		a.CredentialHash, a.CredentialLast4, time.Now().UTC())
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("insert agent: %w", err)
	}
	return nil
}

// GetAgent fetches an agent by external id.
func (s *Store) GetAgent(ctx context.Context, agentID string) (*Agent, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT agent_id, display_name, capabilities, wallet_address, credential_hash, credential_last4, revoked_at, created_at
		FROM agents WHERE agent_id = $1`, agentID)

	var a Agent
	var wallet sql.NullString
	var revoked sql.NullTime
	err := row.Scan(&a.AgentID, &a.DisplayName, pq.Array(&a.Capabilities),
		&wallet, &a.CredentialHash, &a.CredentialLast4, &revoked, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get agent: %w", err)
	}
	a.WalletAddress = strOrEmpty(wallet)
	a.RevokedAt = timePtr(revoked)
	return &a, nil
}

// RevokeAgent stamps the revocation time; revoked credentials stop
// authenticating immediately.
func (s *Store) RevokeAgent(ctx context.Context, agentID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE agents SET revoked_at = $2 WHERE agent_id = $1 AND revoked_at IS NULL`,
		agentID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("revoke agent: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ============================================================================
// PROJECTS
// ============================================================================

// GetProject fetches a project by external id.
func (s *Store) GetProject(ctx context.Context, projectID string) (*Project, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT project_id, slug, name, status, treasury_address, revenue_address, monthly_budget_micro_usdc, originator_agent_id, originator_wallet, created_at
		FROM projects WHERE project_id = $1`, projectID)
	return scanProject(row)
}

// ListProjects returns every project; the indexer derives its watched
// address set from the non-null treasury/revenue addresses.
func (s *Store) ListProjects(ctx context.Context) ([]Project, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT project_id, slug, name, status, treasury_address, revenue_address, monthly_budget_micro_usdc, originator_agent_id, originator_wallet, created_at
		FROM projects ORDER BY project_id`)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	var out []Project
	for rows.Next() {
		p, err := scanProjectRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func scanProject(row *sql.Row) (*Project, error) {
	var p Project
	var treasury, revenue, originator, originWallet sql.NullString
	err := row.Scan(&p.ProjectID, &p.Slug, &p.Name, &p.Status, &treasury, &revenue,
		&p.MonthlyBudgetMicro, &originator, &originWallet, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get project: %w", err)
	}
	p.TreasuryAddress = strOrEmpty(treasury)
	p.RevenueAddress = strOrEmpty(revenue)
	p.OriginatorAgentID = strOrEmpty(originator)
	p.OriginatorWallet = strOrEmpty(originWallet)
	return &p, nil
}

func scanProjectRows(rows *sql.Rows) (*Project, error) {
	var p Project
	var treasury, revenue, originator, originWallet sql.NullString
	err := rows.Scan(&p.ProjectID, &p.Slug, &p.Name, &p.Status, &treasury, &revenue,
		&p.MonthlyBudgetMicro, &originator, &originWallet, &p.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("scan project: %w", err)
	}
	p.TreasuryAddress = strOrEmpty(treasury)
	p.RevenueAddress = strOrEmpty(revenue)
	p.OriginatorAgentID = strOrEmpty(originator)
	p.OriginatorWallet = strOrEmpty(originWallet)
	return &p, nil
}

// ============================================================================
// BOUNTIES
// ============================================================================

// GetBounty fetches a bounty by external id.
func (s *Store) GetBounty(ctx context.Context, bountyID string) (*Bounty, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT bounty_id, project_id, title, amount_micro_usdc, status, claimed_by_agent_id, paid_tx_hash, created_at, updated_at
		FROM bounties WHERE bounty_id = $1`, bountyID)

	var b Bounty
	var claimedBy, paidTx sql.NullString
	err := row.Scan(&b.BountyID, &b.ProjectID, &b.Title, &b.AmountMicroUSDC,
		&b.Status, &claimedBy, &paidTx, &b.CreatedAt, &b.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get bounty: %w", err)
	}
	b.ClaimedBy = strOrEmpty(claimedBy)
	b.PaidTxHash = strOrEmpty(paidTx)
	return &b, nil
}

// InsertBounty creates a bounty in the open state.
func (s *Store) InsertBounty(ctx context.Context, b *Bounty) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO bounties (bounty_id, project_id, title, amount_micro_usdc, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)`,
		b.BountyID, b.ProjectID, b.Title, b.AmountMicroUSDC, b.Status, now)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("insert bounty: %w", err)
	}
	return nil
}

// TransitionBounty moves a bounty forward conditionally on its current
// status; a stale transition returns ErrRaceLost.
func (s *Store) TransitionBounty(ctx context.Context, tx *sql.Tx, bountyID, fromStatus, toStatus, claimedBy, paidTxHash string) error {
	res, err := s.q(tx).ExecContext(ctx, `
		UPDATE bounties
		SET status = $3,
		    claimed_by_agent_id = COALESCE(NULLIF($4, ''), claimed_by_agent_id),
		    paid_tx_hash = COALESCE(NULLIF($5, ''), paid_tx_hash),
		    updated_at = NOW()
		WHERE bounty_id = $1 AND status = $2`,
		bountyID, fromStatus, toStatus, claimedBy, paidTxHash)
	if err != nil {
		return fmt.Errorf("transition bounty: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrRaceLost
	}
	return nil
}
