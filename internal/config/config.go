// Package config resolves the control-plane configuration.
//
// Secrets and endpoints come from the environment (loaded via godotenv in
// the cmd mains); operational tuning (worker counts, poll intervals) can be
// overridden by an optional YAML file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config is the effective configuration for every binary in the repo.
type Config struct {
	DatabaseURL string

	// Oracle request authentication (HMAC v2, optional legacy v1).
	OracleHMACSecret       string
	OracleRequestTTL       time.Duration
	OracleClockSkew        time.Duration
	AcceptLegacySignatures bool

	// Chain anchors.
	RPCURL             string
	ChainID            int64
	USDCAddress        string
	DistributorAddress string
	FundingPoolAddress string

	// Signing. Either a raw key or Safe-mode.
	SignerPrivateKey string
	SafeOwnerAddress string
	SafeOwnerKeys    string // path to owner keys file
	SafeServiceURL   string

	// Reconciliation freshness windows.
	CapitalReconcileMaxAge time.Duration
	RevenueReconcileMaxAge time.Duration

	// Outboxes.
	TxOutboxEnabled bool
	OutboxLockTTL   time.Duration

	// Optional spend caps, micro-USDC. Zero disables a cap. The per-month
	// cap lives on each project row (monthly_budget_micro_usdc).
	SpendCapPerBounty int64
	SpendCapPerDay    int64

	// Marketing fee accrual.
	MarketingFeeBps   int64
	MarketingTreasury string

	// Indexer.
	Confirmations uint64
	IndexerBatch  uint64

	// Git outbox working copies, one clone per project slug.
	GitReposDir string

	// Optional event publishing.
	RedisAddr     string
	RedisPassword string

	HTTPPort string

	Tuning Tuning
}

// FromEnv builds a Config from the process environment. Only DATABASE_URL is
// mandatory; everything else degrades to a disabled feature with a machine
// reason at the call site (rpc_not_configured, signer_key_required, ...).
func FromEnv() (*Config, error) {
	cfg := &Config{
		DatabaseURL:            os.Getenv("DATABASE_URL"),
		OracleHMACSecret:       os.Getenv("ORACLE_HMAC_SECRET"),
		OracleRequestTTL:       secondsEnv("ORACLE_REQUEST_TTL_SECONDS", 300),
		OracleClockSkew:        secondsEnv("ORACLE_CLOCK_SKEW_SECONDS", 5),
		AcceptLegacySignatures: boolEnv("ORACLE_ACCEPT_LEGACY_SIGNATURES"),

		RPCURL:             os.Getenv("BASE_SEPOLIA_RPC_URL"),
		ChainID:            intEnv("CHAIN_ID", 84532),
		USDCAddress:        os.Getenv("USDC_ADDRESS"),
		DistributorAddress: os.Getenv("DIVIDEND_DISTRIBUTOR_CONTRACT_ADDRESS"),
		FundingPoolAddress: os.Getenv("FUNDING_POOL_ADDRESS"),

		SignerPrivateKey: os.Getenv("ORACLE_SIGNER_PRIVATE_KEY"),
		SafeOwnerAddress: os.Getenv("SAFE_OWNER_ADDRESS"),
		SafeOwnerKeys:    os.Getenv("SAFE_OWNER_KEYS_FILE"),
		SafeServiceURL:   os.Getenv("SAFE_SERVICE_URL"),

		CapitalReconcileMaxAge: secondsEnv("PROJECT_CAPITAL_RECONCILIATION_MAX_AGE_SECONDS", 3600),
		RevenueReconcileMaxAge: secondsEnv("PROJECT_REVENUE_RECONCILIATION_MAX_AGE_SECONDS", 3600),

		TxOutboxEnabled: boolEnvDefault("TX_OUTBOX_ENABLED", true),
		OutboxLockTTL:   secondsEnv("TX_OUTBOX_LOCK_TTL_SECONDS", 300),

		SpendCapPerBounty: intEnv("PROJECT_SPEND_CAP_PER_BOUNTY_MICRO_USDC", 0),
		SpendCapPerDay:    intEnv("PROJECT_SPEND_CAP_PER_DAY_MICRO_USDC", 0),

		MarketingFeeBps:   intEnv("MARKETING_FEE_BPS", 0),
		MarketingTreasury: os.Getenv("MARKETING_TREASURY_ADDRESS"),

		Confirmations: uint64(intEnv("INDEXER_CONFIRMATIONS", 5)),
		IndexerBatch:  uint64(intEnv("INDEXER_BATCH_BLOCKS", 5000)),

		GitReposDir: envDefault("GIT_REPOS_DIR", "./repos"),

		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),

		HTTPPort: os.Getenv("PORT"),

		Tuning: defaultTuning(),
	}

	if cfg.HTTPPort == "" {
		cfg.HTTPPort = "8080"
	}
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL must be set")
	}
	if path := os.Getenv("BACKOFFICE_TUNING_FILE"); path != "" {
		t, err := LoadTuning(path)
		if err != nil {
			return nil, fmt.Errorf("load tuning file: %w", err)
		}
		cfg.Tuning = *t
	}
	return cfg, nil
}

// SafeModeEnabled reports whether distribution txs go through the Safe relay.
func (c *Config) SafeModeEnabled() bool {
	return c.SafeOwnerAddress != "" && c.SafeOwnerKeys != ""
}

func envDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func secondsEnv(key string, def int64) time.Duration {
	return time.Duration(intEnv(key, def)) * time.Second
}

func intEnv(key string, def int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func boolEnv(key string) bool {
	switch os.Getenv(key) {
	case "1", "true", "TRUE", "yes":
		return true
	}
	return false
}

func boolEnvDefault(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return boolEnv(key)
}
