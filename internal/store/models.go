package store

import "time"

// External id prefixes. Every write-capable row gets a deterministic
// external id so operators and the oracle CLI can reference rows without
// leaking serial database ids.
const (
	PrefixRevenue      = "rev_"
	PrefixExpense      = "exp_"
	PrefixCapital      = "pcap_"
	PrefixMarketingFee = "mfee_"
	PrefixBounty       = "bty_"
	PrefixProject      = "proj_"
	PrefixTxTask       = "txo_"
	PrefixGitTask      = "gto_"
)

// Agent is an external identity that authenticates with an API key.
type Agent struct {
	AgentID         string     `json:"agent_id"`
	DisplayName     string     `json:"display_name"`
	Capabilities    []string   `json:"capabilities"`
	WalletAddress   string     `json:"wallet_address,omitempty"`
	CredentialHash  string     `json:"-"`
	CredentialLast4 string     `json:"credential_last4"`
	RevokedAt       *time.Time `json:"revoked_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

// Project anchors capital and revenue flows on chain.
type Project struct {
	ProjectID           string    `json:"project_id"`
	Slug                string    `json:"slug"`
	Name                string    `json:"name"`
	Status              string    `json:"status"` // draft|fundraising|active|paused|archived
	TreasuryAddress     string    `json:"treasury_address,omitempty"`
	RevenueAddress      string    `json:"revenue_address,omitempty"`
	MonthlyBudgetMicro  int64     `json:"monthly_budget_micro_usdc"`
	OriginatorAgentID   string    `json:"originator_agent_id,omitempty"`
	OriginatorWallet    string    `json:"originator_wallet,omitempty"`
	CreatedAt           time.Time `json:"created_at"`
}

// Bounty is a git-deliverable unit of work paid from project capital.
type Bounty struct {
	BountyID        string    `json:"bounty_id"`
	ProjectID       string    `json:"project_id"`
	Title           string    `json:"title"`
	AmountMicroUSDC int64     `json:"amount_micro_usdc"`
	Status          string    `json:"status"` // open|claimed|submitted|eligible_for_payout|paid
	ClaimedBy       string    `json:"claimed_by_agent_id,omitempty"`
	PaidTxHash      string    `json:"paid_tx_hash,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// LedgerEvent is the shared shape of revenue and expense rows. Amounts are
// non-negative integer micro-USDC; corrections are opposing rows.
type LedgerEvent struct {
	EventID         string    `json:"event_id"`
	ProfitMonthID   string    `json:"profit_month_id"`
	ProjectID       string    `json:"project_id,omitempty"`
	AmountMicroUSDC int64     `json:"amount_micro_usdc"`
	TxHash          string    `json:"tx_hash,omitempty"`
	Source          string    `json:"source"` // category for expenses
	IdempotencyKey  string    `json:"idempotency_key"`
	EvidenceURL     string    `json:"evidence_url,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// CapitalEvent is a signed project-capital delta (positive = inflow).
type CapitalEvent struct {
	EventID         string    `json:"event_id"`
	ProjectID       string    `json:"project_id"`
	ProfitMonthID   string    `json:"profit_month_id,omitempty"`
	AmountMicroUSDC int64     `json:"amount_micro_usdc"`
	Source          string    `json:"source"`
	IdempotencyKey  string    `json:"idempotency_key"`
	EvidenceTxHash  string    `json:"evidence_tx_hash,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// Marketing fee buckets.
const (
	BucketProjectRevenue  = "project_revenue"
	BucketProjectCapital  = "project_capital"
	BucketPlatformRevenue = "platform_revenue"
)

// MarketingFeeEvent is a derived per-inflow fee accrual.
type MarketingFeeEvent struct {
	EventID        string    `json:"event_id"`
	ChainID        int64     `json:"chain_id"`
	TxHash         string    `json:"tx_hash"`
	LogIndex       int64     `json:"log_index"`
	ToAddress      string    `json:"to_address"`
	Bucket         string    `json:"bucket"`
	GrossMicroUSDC int64     `json:"gross_micro_usdc"`
	FeeMicroUSDC   int64     `json:"fee_micro_usdc"`
	IdempotencyKey string    `json:"idempotency_key"`
	CreatedAt      time.Time `json:"created_at"`
}

// ObservedTransfer is a canonical chain observation, unique by
// (chain_id, tx_hash, log_index).
type ObservedTransfer struct {
	ChainID         int64     `json:"chain_id"`
	TxHash          string    `json:"tx_hash"`
	LogIndex        int64     `json:"log_index"`
	FromAddress     string    `json:"from_address"`
	ToAddress       string    `json:"to_address"`
	AmountMicroUSDC int64     `json:"amount_micro_usdc"`
	BlockNumber     uint64    `json:"block_number"`
	ObservedAt      time.Time `json:"observed_at"`
}

// Settlement is the monthly revenue/expense/profit roll-up. Multiple rows
// per month are allowed; latest computed_at wins.
type Settlement struct {
	ID                int64     `json:"id"`
	ProfitMonthID     string    `json:"profit_month_id"`
	RevenueSum        int64     `json:"revenue_sum"`
	ExpenseSum        int64     `json:"expense_sum"`
	ProfitSum         int64     `json:"profit_sum"`
	ProfitNonnegative bool      `json:"profit_nonnegative"`
	ComputedAt        time.Time `json:"computed_at"`
}

// Reconciliation scopes.
const (
	ScopeProjectCapital = "project_capital"
	ScopeProjectRevenue = "project_revenue"
	ScopePlatform       = "platform"
)

// ReconciliationReport compares a ledger balance to a live on-chain
// balance. Rows are append-only; readers take the latest by computed_at.
type ReconciliationReport struct {
	ID             int64     `json:"id"`
	Scope          string    `json:"scope"`
	ProjectID      string    `json:"project_id,omitempty"`
	ProfitMonthID  string    `json:"profit_month_id,omitempty"`
	LedgerBalance  *int64    `json:"ledger_balance"`
	OnchainBalance *int64    `json:"onchain_balance"`
	Delta          *int64    `json:"delta"`
	Ready          bool      `json:"ready"`
	BlockedReason  string    `json:"blocked_reason,omitempty"`
	ComputedAt     time.Time `json:"computed_at"`
}

// Outbox task statuses. Transitions are forward-only.
const (
	TaskPending    = "pending"
	TaskProcessing = "processing"
	TaskSucceeded  = "succeeded"
	TaskFailed     = "failed"
	TaskBlocked    = "blocked"
)

// Tx outbox task types.
const (
	TaskDepositProfit       = "deposit_profit"
	TaskDepositMarketingFee = "deposit_marketing_fee"
	TaskCreateDistribution  = "create_distribution"
	TaskExecuteDistribution = "execute_distribution"
	TaskUSDCTransfer        = "usdc_transfer"
)

// TxTask is a durable on-chain send owned by the tx outbox.
type TxTask struct {
	ID              int64      `json:"id"`
	TaskID          string     `json:"task_id"`
	TaskType        string     `json:"task_type"`
	PayloadJSON     string     `json:"payload_json"`
	AmountMicroUSDC int64      `json:"amount_micro_usdc"`
	Status          string     `json:"status"`
	Attempts        int        `json:"attempts"`
	LockedAt        *time.Time `json:"locked_at,omitempty"`
	LockedBy        string     `json:"locked_by,omitempty"`
	TxHash          string     `json:"tx_hash,omitempty"`
	LastErrorHint   string     `json:"last_error_hint,omitempty"`
	IdempotencyKey  string     `json:"idempotency_key"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// Git outbox task types.
const (
	TaskSurfaceCommit  = "surface_commit"
	TaskArtifactCommit = "backend_artifact_commit"
	TaskOpenPR         = "open_pr"
	TaskAutoMerge      = "auto_merge"
)

// GitTask is a durable repo action owned by the git outbox.
type GitTask struct {
	ID             int64      `json:"id"`
	TaskID         string     `json:"task_id"`
	TaskType       string     `json:"task_type"`
	PayloadJSON    string     `json:"payload_json"`
	Status         string     `json:"status"`
	Attempts       int        `json:"attempts"`
	LockedAt       *time.Time `json:"locked_at,omitempty"`
	LockedBy       string     `json:"locked_by,omitempty"`
	BranchName     string     `json:"branch_name,omitempty"`
	CommitSHA      string     `json:"commit_sha,omitempty"`
	ResultJSON     string     `json:"result_json,omitempty"`
	ProjectID      string     `json:"project_id,omitempty"`
	RequestedBy    string     `json:"requested_by_agent_id,omitempty"`
	LastErrorHint  string     `json:"last_error_hint,omitempty"`
	IdempotencyKey string     `json:"idempotency_key"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Distribution lifecycle statuses.
const (
	DistPending            = "pending"
	DistSubmitted          = "submitted"
	DistAlreadyDistributed = "already_distributed"
	DistFailed             = "failed"
	DistConfirmed          = "confirmed"
)

// DistributionRecord captures a create/execute fact keyed by the task's
// idempotency key. The same shape backs creations, executions and payouts.
type DistributionRecord struct {
	ID             int64     `json:"id"`
	ProfitMonthID  string    `json:"profit_month_id"`
	Status         string    `json:"status"`
	TxHash         string    `json:"tx_hash,omitempty"`
	IdempotencyKey string    `json:"idempotency_key"`
	CreatedAt      time.Time `json:"created_at"`
}

// AuditRow records one authenticated request.
type AuditRow struct {
	ID              int64     `json:"id"`
	ActorType       string    `json:"actor_type"` // agent|oracle|system
	ActorID         string    `json:"actor_id,omitempty"`
	Method          string    `json:"method"`
	Path            string    `json:"path"`
	IdempotencyKey  string    `json:"idempotency_key,omitempty"`
	BodyHash        string    `json:"body_hash,omitempty"`
	SignatureStatus string    `json:"signature_status,omitempty"` // ok|ok_legacy|invalid|stale|replay
	RequestID       string    `json:"request_id,omitempty"`
	TxHash          string    `json:"tx_hash,omitempty"`
	ErrorHint       string    `json:"error_hint,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}
